package persistence

import "context"

// Pending is an append that may still be in flight.
type Pending interface {
	// Done is closed once the remote id is known or the append failed.
	Done() <-chan struct{}
	// Wait blocks until Done or ctx is canceled and returns the remote id.
	Wait(ctx context.Context) (string, error)
}

// entry is one id mapping value: pending until done is closed, then either
// resolved (remoteID) or failed (err). Fields are written once, before close.
type entry struct {
	done     chan struct{}
	remoteID string
	err      error
}

func newPending() *entry {
	return &entry{done: make(chan struct{})}
}

func resolved(remoteID string) *entry {
	e := &entry{done: make(chan struct{}), remoteID: remoteID}
	close(e.done)
	return e
}

// Failed returns a Pending that has already failed with err.
func Failed(err error) Pending {
	e := newPending()
	e.resolve("", err)
	return e
}

func (e *entry) resolve(remoteID string, err error) {
	e.remoteID = remoteID
	e.err = err
	close(e.done)
}

func (e *entry) Done() <-chan struct{} { return e.done }

func (e *entry) Wait(ctx context.Context) (string, error) {
	// A settled entry wins over a canceled context.
	select {
	case <-e.done:
		return e.remoteID, e.err
	default:
	}
	select {
	case <-e.done:
		return e.remoteID, e.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
