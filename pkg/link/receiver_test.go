package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/devicelink/devicelink-go/internal/enginetest"
	"github.com/devicelink/devicelink-go/pkg/engine/mocks"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/message"
)

func attachedReceiver(t *testing.T, f *fixture) (*Receiver, *enginetest.Link, chan *message.Message) {
	t.Helper()
	r := f.receiver("c2d")
	inbox := make(chan *message.Message, 8)
	r.OnMessage(func(m *message.Message) { inbox <- m })

	res := newResult()
	r.Attach(res.done)
	require.NoError(t, res.wait(t))

	fl := f.session.Link("c2d")
	require.NotNil(t, fl)
	assert.False(t, fl.Sender)
	return r, fl, inbox
}

func TestReceiverAcceptOnce(t *testing.T) {
	f := newFixture(t, true)
	r, fl, inbox := attachedReceiver(t, f)

	m := message.New([]byte("command"))
	d := fl.Deliver(m)
	f.lp.Sync()
	require.Len(t, inbox, 1)
	assert.Same(t, m, <-inbox)
	f.inspect(t, func() { assert.Equal(t, 1, r.Undisposed()) })

	first := newResult()
	r.Accept(m, first.done)
	require.NoError(t, first.wait(t))
	f.inspect(t, func() { assert.Zero(t, r.Undisposed()) })

	second := newResult()
	r.Accept(m, second.done)
	err := second.wait(t)
	assert.True(t, errs.IsKind(err, errs.DeviceMessageLockLost), "got %v", err)

	assert.Equal(t, []string{"accept"}, d.Outcomes(), "settlement reaches the engine exactly once")
}

func TestReceiverRejectAndAbandon(t *testing.T) {
	f := newFixture(t, true)
	r, fl, _ := attachedReceiver(t, f)

	m1, m2 := message.New([]byte("1")), message.New([]byte("2"))
	d1, d2 := fl.Deliver(m1), fl.Deliver(m2)
	f.lp.Sync()

	// Settlement order is independent of arrival order.
	abandoned := newResult()
	r.Abandon(m2, abandoned.done)
	require.NoError(t, abandoned.wait(t))

	rejected := newResult()
	r.Reject(m1, rejected.done)
	require.NoError(t, rejected.wait(t))

	assert.Equal(t, []string{"reject"}, d1.Outcomes())
	assert.Equal(t, []string{"abandon"}, d2.Outcomes())
}

func TestReceiverMatchesByIdentity(t *testing.T) {
	f := newFixture(t, true)
	r, fl, _ := attachedReceiver(t, f)

	m := message.New([]byte("same"))
	fl.Deliver(m)
	f.lp.Sync()

	clone := *m
	res := newResult()
	r.Accept(&clone, res.done)
	assert.True(t, errs.IsKind(res.wait(t), errs.DeviceMessageLockLost))
	f.inspect(t, func() { assert.Equal(t, 1, r.Undisposed()) })
}

func TestReceiverSettlementError(t *testing.T) {
	f := newFixture(t, true)
	r, fl, _ := attachedReceiver(t, f)

	m := message.New(nil)
	d := &enginetest.Delivery{Err: &errs.RemoteError{Condition: errs.CondMessageLockLost}}
	fl.DeliverWith(m, d)
	f.lp.Sync()

	res := newResult()
	r.Accept(m, res.done)
	assert.True(t, errs.IsKind(res.wait(t), errs.DeviceMessageLockLost))
	assert.Equal(t, []string{"accept"}, d.Outcomes())
}

func TestReceiverDetachDropsDeliveries(t *testing.T) {
	f := newFixture(t, true)
	r, fl, _ := attachedReceiver(t, f)

	m := message.New([]byte("x"))
	d := fl.Deliver(m)
	f.lp.Sync()

	r.ForceDetach(errs.New(errs.NotConnected, "gone"))
	f.lp.Sync()
	f.inspect(t, func() { assert.Zero(t, r.Undisposed()) })

	res := newResult()
	r.Accept(m, res.done)
	assert.True(t, errs.IsKind(res.wait(t), errs.DeviceMessageLockLost))
	assert.Empty(t, d.Outcomes())

	// Messages from the dropped engine link are ignored.
	fl.Deliver(message.New([]byte("late")))
	f.lp.Sync()
	f.inspect(t, func() { assert.Zero(t, r.Undisposed()) })
}

func TestReceiverNilMessage(t *testing.T) {
	f := newFixture(t, true)
	r := f.receiver("c2d")

	res := newResult()
	r.Accept(nil, res.done)
	assert.True(t, errs.IsKind(res.wait(t), errs.Argument))
}

func TestReceiverSettlesThroughDelivery(t *testing.T) {
	f := newFixture(t, true)
	r, fl, _ := attachedReceiver(t, f)

	accepted, rejected, abandoned := message.New([]byte("a")), message.New([]byte("r")), message.New([]byte("x"))
	da, dr, dx := mocks.NewMockDelivery(t), mocks.NewMockDelivery(t), mocks.NewMockDelivery(t)

	settle := func(done func(error)) { done(nil) }
	da.EXPECT().Accept(mock.Anything).Run(settle).Once()
	dr.EXPECT().Reject(nil, mock.Anything).Run(func(_ error, done func(error)) { done(nil) }).Once()
	dx.EXPECT().Abandon(mock.Anything).Run(settle).Once()

	fl.DeliverWith(accepted, da)
	fl.DeliverWith(rejected, dr)
	fl.DeliverWith(abandoned, dx)
	f.lp.Sync()

	for _, op := range []struct {
		settle func(*message.Message, func(error))
		msg    *message.Message
	}{
		{r.Accept, accepted},
		{r.Reject, rejected},
		{r.Abandon, abandoned},
	} {
		res := newResult()
		op.settle(op.msg, res.done)
		require.NoError(t, res.wait(t))
	}
	f.inspect(t, func() { assert.Zero(t, r.Undisposed()) })
}
