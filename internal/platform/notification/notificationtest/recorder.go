// Package notificationtest provides a recording notification.Dispatcher for
// tests of packages that send notifications.
package notificationtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/careline/careline/internal/platform/notification"
)

// Recorder records delivered messages. Err, when set, fails every call;
// Block makes Send wait for ctx cancellation. OnSend runs before a message
// is recorded, outside the lock, so it may drive other senders.
type Recorder struct {
	Err    error
	Block  bool
	OnSend func(msg notification.Message)

	mu    sync.Mutex
	calls []notification.Message
}

func (r *Recorder) Send(ctx context.Context, msg notification.Message) error {
	if r.Block {
		<-ctx.Done()
		return fmt.Errorf("%w: %v", notification.ErrDispatch, ctx.Err())
	}
	if r.OnSend != nil {
		r.OnSend(msg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.calls = append(r.calls, msg)
	return nil
}

// Calls returns a copy of every recorded message.
func (r *Recorder) Calls() []notification.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notification.Message, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count reports how many times the message with id was delivered.
func (r *Recorder) Count(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.calls {
		if m.ID == id {
			n++
		}
	}
	return n
}
