package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cleanerFunc func(ctx context.Context) (int, error)

func (f cleanerFunc) CleanupExpired(ctx context.Context) (int, error) {
	return f(ctx)
}

func TestCleanupWorker_RunsUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	worker := NewCleanupWorker(cleanerFunc(func(context.Context) (int, error) {
		if calls.Add(1) == 1 {
			return 0, errors.New("transient")
		}
		return 2, nil
	}), 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
