package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/monitoring"
	"go.uber.org/zap"
)

const fallbackFolder = "INBOX"

// SyncResult counts what one cycle did.
type SyncResult struct {
	CycleStart   time.Time `json:"cycle_start"`
	Floor        time.Time `json:"floor"`
	Folder       string    `json:"folder"`
	UsedFallback bool      `json:"used_fallback"`

	Candidates  int `json:"candidates"`
	New         int `json:"new"`
	Duplicates  int `json:"duplicates"`
	TooOld      int `json:"too_old"`
	OwnMessages int `json:"own_messages"`
	ParseErrors int `json:"parse_errors"`
	Errors      int `json:"errors"`
	Retried     int `json:"retried"`
}

// SyncEngine pulls new messages from a connection's sync folder.
type SyncEngine struct {
	credentials CredentialStore
	store       Store
	registry    *Registry
	ingestor    *Ingestor
	dial        InboundDialer
	reconnect   func(ctx context.Context, connectionID string) error
	opts        Options
	metrics     *monitoring.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// SyncNewMessages runs one cycle: it lists messages received after the floor, ingests the ones
// not stored yet in ascending receipt order, and advances the checkpoint to the cycle start.
// Failures of single messages are counted and never abort the cycle.
func (e *SyncEngine) SyncNewMessages(ctx context.Context, connectionID string) (*SyncResult, error) {
	cycleStart := e.now()
	started := time.Now()
	logger := e.logger.With(zap.String("connection_id", connectionID))

	cfg, err := e.credentials.GetConfig(ctx, connectionID)
	if err != nil {
		e.metrics.ObserveSync("error", time.Since(started))
		return nil, fmt.Errorf("failed to load connection config: %w", err)
	}
	if missing := cfg.MissingFields(); len(missing) > 0 {
		e.metrics.ObserveSync("error", time.Since(started))
		return nil, &ConfigurationError{ConnectionID: connectionID, Missing: missing}
	}

	session, release, err := e.acquire(ctx, cfg)
	if err != nil {
		e.markFailed(ctx, connectionID, err)
		e.metrics.ObserveSync("error", time.Since(started))
		return nil, err
	}
	defer release()

	result := &SyncResult{
		CycleStart: cycleStart,
		Floor:      e.floor(cfg, cycleStart),
	}

	summaries, err := e.listCandidates(session, cfg, result, logger)
	if err != nil {
		e.markFailed(ctx, connectionID, err)
		e.metrics.ObserveSync("error", time.Since(started))
		return nil, err
	}

	sortByReceipt(summaries)
	if cfg.LastSyncAt == nil {
		limit := cfg.MaxSyncMessages
		if limit <= 0 {
			limit = e.opts.MaxSyncMessages
		}
		if len(summaries) > limit {
			summaries = summaries[len(summaries)-limit:]
		}
	}
	result.Candidates = len(summaries)

	for _, summary := range summaries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !summary.ReceivedAt().After(result.Floor) {
			result.TooOld++
			continue
		}
		e.processCandidate(ctx, session, cfg, summary, result, logger)
	}

	e.retryFailed(ctx, session, cfg, result, logger)

	if err := e.credentials.UpdateCheckpoint(ctx, connectionID, cycleStart); err != nil {
		logger.Error("Failed to advance sync checkpoint", zap.Error(err))
	}

	e.markHealthy(ctx, cfg)
	e.record(result, time.Since(started))

	if result.New > 0 || result.Errors > 0 {
		logger.Info("Sync cycle finished",
			zap.String("folder", result.Folder),
			zap.Int("new", result.New),
			zap.Int("duplicates", result.Duplicates),
			zap.Int("too_old", result.TooOld),
			zap.Int("errors", result.Errors),
			zap.Bool("fallback", result.UsedFallback))
	} else {
		logger.Debug("Sync cycle finished", zap.Int("candidates", result.Candidates))
	}
	return result, nil
}

// floor is the receipt time at or below which messages are ignored.
func (e *SyncEngine) floor(cfg *models.ConnectionConfig, cycleStart time.Time) time.Time {
	lookback := cycleStart.Add(-e.opts.FirstSyncLookback)
	if cfg.LastSyncAt == nil {
		return lookback
	}
	floor := cfg.LastSyncAt.Add(-e.opts.SafetyBuffer)
	if floor.Before(lookback) {
		return lookback
	}
	return floor
}

// acquire returns a usable inbound session: the registered one, the registered one after a
// single reconnect, or a temporary session that release logs out.
func (e *SyncEngine) acquire(ctx context.Context, cfg *models.ConnectionConfig) (InboundSession, func(), error) {
	noop := func() {}

	if state, ok := e.registry.Get(cfg.ConnectionID); ok {
		if session := state.Inbound(); session != nil && session.Usable() {
			return session, noop, nil
		}
		if e.reconnect != nil {
			if err := e.reconnect(ctx, cfg.ConnectionID); err == nil {
				if session := state.Inbound(); session != nil && session.Usable() {
					return session, noop, nil
				}
			} else {
				e.logger.Debug("Reconnect before sync failed, using a temporary session",
					zap.String("connection_id", cfg.ConnectionID), zap.Error(err))
			}
		}
	}

	session, err := e.dial(ctx, cfg.Inbound)
	if err != nil {
		return nil, nil, &ConnectError{ConnectionID: cfg.ConnectionID, Protocol: "imap", Err: err}
	}
	return session, func() { _ = session.Logout() }, nil
}

// listCandidates selects the sync folder and returns the messages to consider. A missing
// folder or a failing search falls back to the most recent messages of INBOX.
func (e *SyncEngine) listCandidates(session InboundSession, cfg *models.ConnectionConfig, result *SyncResult, logger *zap.Logger) ([]imap.Summary, error) {
	folder := cfg.SyncFolder
	if folder == "" {
		folder = fallbackFolder
	}

	status, err := session.Select(folder)
	if err != nil {
		if strings.EqualFold(folder, fallbackFolder) {
			return nil, &TransientProtocolError{Op: "select " + folder, Err: err}
		}
		logger.Warn("Sync folder unavailable, falling back to INBOX", zap.String("folder", folder), zap.Error(err))
		folder = fallbackFolder
		result.UsedFallback = true
		if status, err = session.Select(folder); err != nil {
			return nil, &TransientProtocolError{Op: "select " + folder, Err: err}
		}
	}
	result.Folder = folder

	if !result.UsedFallback {
		summaries, err := e.search(session, result.Floor)
		if err == nil {
			return summaries, nil
		}
		logger.Warn("Search failed, fetching recent messages instead", zap.Error(err))
		result.UsedFallback = true
	}

	summaries, err := session.FetchRecent(status.Messages, e.opts.FallbackRecentCount)
	if err != nil {
		return nil, &TransientProtocolError{Op: "fetch recent", Err: err}
	}
	return summaries, nil
}

func (e *SyncEngine) search(session InboundSession, floor time.Time) ([]imap.Summary, error) {
	uids, err := session.SearchSince(floor)
	if err != nil {
		return nil, err
	}
	return session.FetchSummaries(uids)
}

func sortByReceipt(summaries []imap.Summary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i].ReceivedAt(), summaries[j].ReceivedAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return summaries[i].UID < summaries[j].UID
	})
}

func (e *SyncEngine) processCandidate(ctx context.Context, session InboundSession, cfg *models.ConnectionConfig, summary imap.Summary, result *SyncResult, logger *zap.Logger) {
	messageID := normalizeID(summary.MessageID)

	var body []byte
	if messageID == "" {
		raw, err := session.FetchRaw(summary.UID)
		if err != nil {
			result.Errors++
			e.recordFailure(ctx, cfg.ConnectionID, result.Folder, summary.UID, "", err, logger)
			return
		}
		body = raw
		messageID = imap.SyntheticMessageID(raw)
	}

	duplicate, err := e.ingestor.isDuplicate(ctx, cfg.ConnectionID, messageID)
	if err != nil {
		result.Errors++
		e.recordFailure(ctx, cfg.ConnectionID, result.Folder, summary.UID, messageID, err, logger)
		return
	}
	if duplicate {
		result.Duplicates++
		return
	}

	if body == nil {
		if body, err = session.FetchRaw(summary.UID); err != nil {
			result.Errors++
			e.recordFailure(ctx, cfg.ConnectionID, result.Folder, summary.UID, messageID, err, logger)
			return
		}
	}

	ingested, err := e.ingestor.Ingest(ctx, cfg, &imap.RawMessage{
		UID:        summary.UID,
		Folder:     result.Folder,
		ReceivedAt: summary.ReceivedAt(),
		Body:       body,
	})
	var parseErr *ParseError
	switch {
	case errors.As(err, &parseErr):
		result.ParseErrors++
		logger.Warn("Skipping unparseable message", zap.Uint32("uid", summary.UID), zap.Error(err))
		return
	case err != nil:
		result.Errors++
		e.recordFailure(ctx, cfg.ConnectionID, result.Folder, summary.UID, messageID, err, logger)
		return
	}

	switch ingested.Outcome {
	case OutcomeCreated:
		result.New++
	case OutcomeDuplicate:
		result.Duplicates++
	case OutcomeOwnMessage:
		result.OwnMessages++
	}
}

func (e *SyncEngine) recordFailure(ctx context.Context, connectionID, folder string, uid uint32, messageID string, cause error, logger *zap.Logger) {
	logger.Error("Failed to ingest message", zap.Uint32("uid", uid), zap.String("message_id", messageID), zap.Error(cause))
	err := e.store.RecordFailedIngest(ctx, &models.FailedIngest{
		ConnectionID: connectionID,
		Folder:       folder,
		UID:          uid,
		MessageID:    messageID,
		Attempts:     1,
		LastError:    cause.Error(),
		LastFailedAt: e.now(),
	})
	if err != nil {
		logger.Error("Failed to record failed ingest", zap.Uint32("uid", uid), zap.Error(err))
	}
}

// retryFailed re-ingests listed failures of the selected folder, at most once per retry
// interval. Entries that reached the attempt limit are dropped.
func (e *SyncEngine) retryFailed(ctx context.Context, session InboundSession, cfg *models.ConnectionConfig, result *SyncResult, logger *zap.Logger) {
	state, ok := e.registry.Get(cfg.ConnectionID)
	if !ok || !state.dueForDeadLetterRetry(e.now(), e.opts.DeadLetterRetryInterval) {
		return
	}

	failed, err := e.store.ListFailedIngests(ctx, cfg.ConnectionID)
	if err != nil {
		logger.Warn("Failed to list failed ingests", zap.Error(err))
		return
	}
	e.metrics.SetDeadLetters(len(failed))

	for _, entry := range failed {
		if entry.Folder != result.Folder {
			continue
		}
		if entry.Attempts >= e.opts.DeadLetterMaxAttempts {
			logger.Error("Giving up on message after repeated failures",
				zap.Uint32("uid", entry.UID),
				zap.String("message_id", entry.MessageID),
				zap.Int("attempts", entry.Attempts),
				zap.String("last_error", entry.LastError))
			e.forgetFailure(ctx, entry, logger)
			continue
		}

		result.Retried++
		body, err := session.FetchRaw(entry.UID)
		if err == nil {
			_, err = e.ingestor.Ingest(ctx, cfg, &imap.RawMessage{
				UID:    entry.UID,
				Folder: entry.Folder,
				Body:   body,
			})
		}

		var parseErr *ParseError
		if err != nil && !errors.As(err, &parseErr) {
			e.recordFailure(ctx, cfg.ConnectionID, entry.Folder, entry.UID, entry.MessageID, err, logger)
			continue
		}
		e.forgetFailure(ctx, entry, logger)
	}
}

func (e *SyncEngine) forgetFailure(ctx context.Context, entry *models.FailedIngest, logger *zap.Logger) {
	if err := e.store.DeleteFailedIngest(ctx, entry.ConnectionID, entry.Folder, entry.UID); err != nil {
		logger.Warn("Failed to delete failed ingest", zap.Uint32("uid", entry.UID), zap.Error(err))
	}
}

// markHealthy records a finished cycle on the registered connection.
func (e *SyncEngine) markHealthy(ctx context.Context, cfg *models.ConnectionConfig) {
	state, ok := e.registry.Get(cfg.ConnectionID)
	if !ok {
		return
	}
	state.Touch(e.now())
	state.resetReconnectAttempts()
	wasActive := state.Status() == models.StatusActive
	state.SetStatus(models.StatusActive, "")

	if !wasActive || cfg.Status != models.StatusActive {
		if err := e.store.UpdateConnectionStatus(ctx, cfg.ConnectionID, models.StatusActive, ""); err != nil {
			e.logger.Warn("Failed to persist connection status", zap.String("connection_id", cfg.ConnectionID), zap.Error(err))
		}
	}
}

// markFailed records a cycle that could not reach the mailbox.
func (e *SyncEngine) markFailed(ctx context.Context, connectionID string, cause error) {
	e.logger.Warn("Sync cycle failed", zap.String("connection_id", connectionID), zap.Error(cause))
	if state, ok := e.registry.Get(connectionID); ok {
		state.SetStatus(models.StatusError, cause.Error())
	}
	if err := e.store.UpdateConnectionStatus(ctx, connectionID, models.StatusError, cause.Error()); err != nil {
		e.logger.Warn("Failed to persist connection status", zap.String("connection_id", connectionID), zap.Error(err))
	}
}

func (e *SyncEngine) record(result *SyncResult, d time.Duration) {
	outcome := "ok"
	if result.Errors > 0 {
		outcome = "partial"
	}
	e.metrics.ObserveSync(outcome, d)
	e.metrics.AddSyncMessages("new", result.New)
	e.metrics.AddSyncMessages("duplicate", result.Duplicates)
	e.metrics.AddSyncMessages("too_old", result.TooOld)
	e.metrics.AddSyncMessages("own", result.OwnMessages)
	e.metrics.AddSyncMessages("parse_error", result.ParseErrors)
	e.metrics.AddSyncMessages("error", result.Errors)
}
