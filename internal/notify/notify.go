// Package notify delivers operator alerts for conditions that represent lost
// data, currently over Twilio's WhatsApp API.
package notify

import (
	"context"
	"sync"
)

// Notifier sends an out-of-band alert to an operator. Implementations must
// be safe for concurrent use.
type Notifier interface {
	Alert(ctx context.Context, message string) error
}

// Recorder is an in-memory Notifier for tests.
type Recorder struct {
	mu       sync.Mutex
	Messages []string
}

// Alert records the message.
func (r *Recorder) Alert(ctx context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, message)
	return nil
}

// Count returns how many alerts were recorded.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Messages)
}
