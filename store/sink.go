package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aluiziolira/go-form-autofill/models"
)

// ErrClosed is returned by Sink writes after Close.
var ErrClosed = errors.New("store: sink closed")

// Sink records progress events through a Store. It does not own the store;
// closing the sink leaves the database open.
type Sink struct {
	store   *Store
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewSink wraps s. Each batch gets timeout to commit.
func NewSink(s *Store, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{store: s, timeout: timeout}
}

// Write stores a batch of events.
func (sk *Sink) Write(events []models.ProgressEvent) error {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if sk.closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), sk.timeout)
	defer cancel()
	return sk.store.RecordEvents(ctx, events)
}

// Close stops accepting events.
func (sk *Sink) Close() error {
	sk.mu.Lock()
	sk.closed = true
	sk.mu.Unlock()
	return nil
}
