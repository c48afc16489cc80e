package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/vdavid/mailsync/internal/models"
)

// ThreadResolver finds the conversation a message replies to using its In-Reply-To and
// References headers.
type ThreadResolver struct {
	store Store
}

func NewThreadResolver(store Store) *ThreadResolver {
	return &ThreadResolver{store: store}
}

// Resolve returns the first conversation, in header order, that holds one of the referenced
// messages and belongs to the same contact and connection. It returns nil when none does.
func (r *ThreadResolver) Resolve(ctx context.Context, contactID, connectionID, inReplyTo string, references []string) (*models.Conversation, error) {
	for _, id := range threadCandidates(inReplyTo, references) {
		conversations, err := r.store.FindConversationsByExternalID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to look up thread for %s: %w", id, err)
		}
		for _, conv := range conversations {
			if conv.ContactID == contactID && conv.ConnectionID == connectionID {
				return conv, nil
			}
		}
	}
	return nil, nil
}

// threadCandidates returns In-Reply-To followed by References, normalized to <id> form, with
// duplicates dropped.
func threadCandidates(inReplyTo string, references []string) []string {
	seen := make(map[string]bool, len(references)+1)
	var ids []string
	add := func(raw string) {
		id := normalizeID(raw)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	add(inReplyTo)
	for _, ref := range references {
		add(ref)
	}
	return ids
}

func normalizeID(raw string) string {
	id := strings.Trim(strings.TrimSpace(raw), "<>")
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}
