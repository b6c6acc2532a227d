package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type memPurger struct {
	mu       sync.Mutex
	calls    int
	failWith error
}

func (p *memPurger) PurgeExpired(_ context.Context, _ time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failWith != nil {
		return 0, p.failWith
	}
	return 1, nil
}

func (p *memPurger) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestRunLedgerJanitorPurgesUntilCanceled(t *testing.T) {
	purger := &memPurger{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunLedgerJanitor(ctx, purger, 5*time.Millisecond, zap.NewNop())
		close(done)
	}()

	assert.Eventually(t, func() bool { return purger.callCount() >= 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancellation")
	}
}

func TestRunLedgerJanitorKeepsTickingAfterFailure(t *testing.T) {
	purger := &memPurger{failWith: errors.New("scylla down")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunLedgerJanitor(ctx, purger, 5*time.Millisecond, zap.NewNop())

	// A failed sweep must not end the loop.
	assert.Eventually(t, func() bool { return purger.callCount() >= 3 }, time.Second, time.Millisecond)
}
