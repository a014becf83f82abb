package task

import (
	"context"
	"sync"
)

// Gate admits one committing task at a time. The tasks of a request share a
// gate so that a confirmation can cancel siblings before any of them submits.
// A nil *Gate admits everyone.
type Gate struct {
	ch chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is done. The returned release
// func is idempotent.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if g == nil {
		return func() {}, nil
	}
	select {
	case g.ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-g.ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
