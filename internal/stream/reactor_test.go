package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncReturnsResult(t *testing.T) {
	r := newTestReactor(t)
	v, err := Sync(context.Background(), r, func(ctx context.Context) (any, error) {
		require.True(t, OnReactor(ctx, r))
		return 42, nil
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSyncPropagatesErrorAndPanic(t *testing.T) {
	r := newTestReactor(t)
	boom := errors.New("boom")
	_, err := Sync(context.Background(), r, func(context.Context) (any, error) { return nil, boom }, 0)
	require.ErrorIs(t, err, boom)

	_, err = Sync(context.Background(), r, func(context.Context) (any, error) { panic("kaput") }, 0)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaput", pe.Value)

	v, err := Sync(context.Background(), r, func(context.Context) (any, error) { return "alive", nil }, 0)
	require.NoError(t, err)
	assert.Equal(t, "alive", v)
}

func TestSyncTimeoutLeavesWorkRunning(t *testing.T) {
	r := newTestReactor(t)
	finished := make(chan struct{})
	_, err := Sync(context.Background(), r, func(context.Context) (any, error) {
		time.Sleep(100 * time.Millisecond)
		close(finished)
		return nil, nil
	}, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled work was cancelled")
	}
}

func TestSyncFromReactorIsRejected(t *testing.T) {
	r := newTestReactor(t)
	got := make(chan error, 1)
	require.NoError(t, r.Submit(func(ctx context.Context) {
		_, err := Sync(ctx, r, func(context.Context) (any, error) { return nil, nil }, 0)
		got <- err
	}))
	require.ErrorIs(t, <-got, ErrCalledFromReactor)
}

func TestFutureWaitFromReactorIsRejected(t *testing.T) {
	r := newTestReactor(t)
	node := New(WithReactor(r))
	got := make(chan error, 1)
	require.NoError(t, r.Submit(func(ctx context.Context) {
		_, err := node.Emit(1).Wait(ctx)
		got <- err
	}))
	require.ErrorIs(t, <-got, ErrCalledFromReactor)
}

func TestReactorRunsTasksInOrder(t *testing.T) {
	r := newTestReactor(t)
	var seen []int
	for i := 0; i < 100; i++ {
		require.NoError(t, r.Submit(func(context.Context) { seen = append(seen, i) }))
	}
	_, err := Sync(context.Background(), r, func(context.Context) (any, error) { return nil, nil }, time.Second)
	require.NoError(t, err)
	require.Len(t, seen, 100)
	for i, v := range seen {
		require.Equal(t, i, v)
	}
}

func TestStoppedReactorRejectsWork(t *testing.T) {
	r := NewReactor("stopped")
	ran := make(chan struct{})
	require.NoError(t, r.Submit(func(context.Context) { close(ran) }))
	require.NoError(t, r.Stop(context.Background()))
	<-ran
	require.ErrorIs(t, r.Submit(func(context.Context) {}), ErrReactorStopped)

	n := New(WithReactor(r))
	_, err := n.Send(context.Background(), 1)
	require.ErrorIs(t, err, ErrReactorStopped)
}
