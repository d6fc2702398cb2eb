package connection

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/retry"
)

// fixedPolicy retries retryable errors after a constant delay.
type fixedPolicy struct {
	delay time.Duration
}

func (p fixedPolicy) ShouldRetry(err error) bool {
	return retry.DefaultErrorFilter().Retryable(err)
}

func (p fixedPolicy) NextRetryTimeout(int, bool) time.Duration { return p.delay }

type reconnectRecorder struct {
	mu          sync.Mutex
	attempts    []int
	causes      []error
	reconnected chan struct{}
	gaveUp      chan error
}

func newReconnector(t *testing.T, f *fixture, delay time.Duration) (*Reconnector, *reconnectRecorder) {
	t.Helper()
	rec := &reconnectRecorder{
		reconnected: make(chan struct{}, 4),
		gaveUp:      make(chan error, 4),
	}
	r := NewReconnector(f.conn, f.params, ReconnectConfig{
		Policy:     fixedPolicy{delay: delay},
		MaxTimeout: time.Hour,
		Clock:      f.clock,
	})
	r.OnReconnecting(func(attempt int, cause error) {
		rec.mu.Lock()
		rec.attempts = append(rec.attempts, attempt)
		rec.causes = append(rec.causes, cause)
		rec.mu.Unlock()
	})
	r.OnReconnected(func() { rec.reconnected <- struct{}{} })
	r.OnGiveUp(func(err error) { rec.gaveUp <- err })
	t.Cleanup(r.Close)
	return r, rec
}

func (rec *reconnectRecorder) waitReconnected(t *testing.T) {
	t.Helper()
	select {
	case <-rec.reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not succeed")
	}
}

func (rec *reconnectRecorder) snapshot() ([]int, []error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]int(nil), rec.attempts...), append([]error(nil), rec.causes...)
}

func TestReconnectAfterLoss(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	r, rec := newReconnector(t, f, time.Second)

	f.engine.LastConn().Emit(engine.Event{Type: engine.ConnectionError, Err: io.EOF})
	rec.waitReconnected(t)

	assert.Equal(t, StateConnected, f.conn.State())
	assert.Len(t, f.engine.Conns(), 2)
	assert.False(t, r.Active())

	attempts, causes := rec.snapshot()
	assert.Equal(t, []int{1}, attempts)
	require.Len(t, causes, 1)
	assert.True(t, errs.IsKind(causes[0], errs.NotConnected))

	// A second outage starts a new reconnect.
	f.engine.LastConn().Emit(engine.Event{Type: engine.ConnectionClosed})
	rec.waitReconnected(t)
	assert.Len(t, f.engine.Conns(), 3)
}

func TestReconnectBacksOff(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	r, rec := newReconnector(t, f, 5*time.Second)

	f.engine.DialErr = io.ErrUnexpectedEOF
	f.engine.LastConn().Emit(engine.Event{Type: engine.ConnectionError, Err: io.EOF})
	f.lp.Sync()

	assert.True(t, r.Active())
	assert.Equal(t, 1, r.Attempts())
	assert.Equal(t, StateDisconnected, f.conn.State())

	f.engine.DialErr = nil
	f.clock.Add(5 * time.Second)
	rec.waitReconnected(t)

	attempts, causes := rec.snapshot()
	assert.Equal(t, []int{1, 2}, attempts)
	require.Len(t, causes, 2)
	assert.True(t, errs.IsKind(causes[1], errs.NotConnected), "the dial failure is reported")
	assert.Equal(t, StateConnected, f.conn.State())
}

func TestReconnectGivesUpOnFatalError(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	r, rec := newReconnector(t, f, time.Second)

	f.engine.DialErr = &errs.RemoteError{Condition: errs.CondUnauthorizedAccess}
	f.engine.LastConn().Emit(engine.Event{Type: engine.ConnectionError, Err: io.EOF})

	select {
	case err := <-rec.gaveUp:
		assert.True(t, errs.IsKind(err, errs.Unauthorized), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not give up")
	}
	assert.False(t, r.Active())
	assert.Equal(t, StateDisconnected, f.conn.State())
}

func TestReconnectIgnoresRequestedDisconnect(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	r, _ := newReconnector(t, f, time.Second)

	res := newResult()
	f.conn.Disconnect(res.done)
	require.NoError(t, res.wait(t))
	f.lp.Sync()

	assert.False(t, r.Active())
	assert.Len(t, f.engine.Conns(), 1)
}

func TestReconnectorClose(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	r, rec := newReconnector(t, f, 5*time.Second)

	f.engine.DialErr = io.ErrUnexpectedEOF
	f.engine.LastConn().Emit(engine.Event{Type: engine.ConnectionError, Err: io.EOF})
	f.lp.Sync()
	require.True(t, r.Active())

	r.Close()
	r.Close()
	assert.False(t, r.Active())

	f.engine.DialErr = nil
	f.clock.Add(time.Minute)
	f.lp.Sync()

	select {
	case <-rec.reconnected:
		t.Fatal("closed reconnector reconnected")
	case err := <-rec.gaveUp:
		t.Fatalf("closed reconnector reported give up: %v", err)
	default:
	}
	assert.Equal(t, StateDisconnected, f.conn.State())
	assert.Len(t, f.engine.Conns(), 1)
}
