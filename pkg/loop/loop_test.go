package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopOrdering(t *testing.T) {
	l := New()
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, l.Inject(func() { got = append(got, i) }))
	}
	l.Sync()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopNestedInjectDoesNotReenter(t *testing.T) {
	l := New()
	defer l.Close()

	var trace []string
	require.NoError(t, l.Inject(func() {
		trace = append(trace, "outer-start")
		_ = l.Inject(func() { trace = append(trace, "inner") })
		trace = append(trace, "outer-end")
	}))
	l.Sync()

	assert.Equal(t, []string{"outer-start", "outer-end", "inner"}, trace)
}

func TestLoopInjectWait(t *testing.T) {
	l := New()
	defer l.Close()

	want := errors.New("from loop")
	assert.Same(t, want, l.InjectWait(func() error { return want }))
	assert.NoError(t, l.InjectWait(func() error { return nil }))
}

func TestLoopClose(t *testing.T) {
	l := New()

	var ran atomic.Bool
	require.NoError(t, l.Inject(func() { ran.Store(true) }))
	l.Close()

	assert.True(t, ran.Load(), "queued work runs before close completes")
	assert.ErrorIs(t, l.Inject(func() {}), ErrClosed)
	l.Close()

	select {
	case <-l.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestLoopTimer(t *testing.T) {
	t.Run("Fires", func(t *testing.T) {
		mock := clock.NewMock()
		l := New(WithClock(mock))
		defer l.Close()

		fired := make(chan struct{}, 1)
		require.NoError(t, l.InjectWait(func() error {
			l.AfterFunc(time.Second, func() { fired <- struct{}{} })
			return nil
		}))

		mock.Add(time.Second)
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
	})

	t.Run("StopPreventsFiring", func(t *testing.T) {
		mock := clock.NewMock()
		l := New(WithClock(mock))
		defer l.Close()

		var fired atomic.Bool
		require.NoError(t, l.InjectWait(func() error {
			tm := l.AfterFunc(time.Second, func() { fired.Store(true) })
			tm.Stop()
			tm.Stop()
			return nil
		}))

		mock.Add(2 * time.Second)
		time.Sleep(10 * time.Millisecond)
		l.Sync()
		assert.False(t, fired.Load())
	})
}

func TestAwait(t *testing.T) {
	t.Run("Result", func(t *testing.T) {
		v, err := Await(context.Background(), func(done func(int, error)) {
			go done(7, nil)
		})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("ContextDone", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := AwaitErr(ctx, func(done func(error)) {})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("OnlyFirstCompletionCounts", func(t *testing.T) {
		err := AwaitErr(context.Background(), func(done func(error)) {
			done(nil)
			done(errors.New("late"))
		})
		assert.NoError(t, err)
	})
}
