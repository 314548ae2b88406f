package messenger

import (
	"context"
	"sync"
)

// Sent is one message captured by Recording.
type Sent struct {
	UserID string
	Text   string
	Action *Action
}

// Recording is an in-memory Messenger. Fail, when set, decides per message
// whether delivery fails. It backs the dry-run mode of the daemon and tests.
type Recording struct {
	mu   sync.Mutex
	sent []Sent
	Fail func(text string) error
}

func (r *Recording) SendDirectMessage(_ context.Context, userID, text string, action *Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		if err := r.Fail(text); err != nil {
			return err
		}
	}
	r.sent = append(r.sent, Sent{UserID: userID, Text: text, Action: action})
	return nil
}

// Messages returns a copy of the delivered messages.
func (r *Recording) Messages() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}
