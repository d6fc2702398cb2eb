package goamqp

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/Azure/go-amqp"

	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/message"
)

// link is the part shared by sender and receiver links.
type link struct {
	session *session
	opts    engine.LinkOptions
	h       engine.Handler

	// ctx is cancelled once the link is closed or aborted.
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// closeFn detaches the attached go-amqp link.
	closeFn func(context.Context) error
	// closing suppresses events after Close or Abort.
	closing bool
	// failed is set once a LinkError was reported.
	failed bool
}

func newLink(s *session, opts engine.LinkOptions, h engine.Handler) link {
	ctx, cancel := context.WithCancel(s.conn.ctx)
	return link{session: s, opts: opts, h: h, ctx: ctx, cancel: cancel}
}

// emit reports ev unless the link was closed locally.
func (l *link) emit(ev engine.Event) {
	l.mu.Lock()
	quiet := l.closing
	l.mu.Unlock()
	if !quiet {
		l.h(ev)
	}
}

// attached records closeFn, or reports that the link cannot be used.
func (l *link) attached(closeFn func(context.Context) error, err error) bool {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		if closeFn != nil {
			go l.closeQuietly(closeFn)
		}
		return false
	}
	if err != nil {
		l.failed = true
		l.mu.Unlock()
		l.session.conn.check(err)
		l.h(engine.Event{Type: engine.LinkError, Err: convertErr(err)})
		return false
	}
	l.closeFn = closeFn
	l.mu.Unlock()
	l.h(engine.Event{Type: engine.LinkOpened})
	return true
}

// fail reports a link-level failure once.
func (l *link) fail(err error) {
	l.mu.Lock()
	if l.closing || l.failed {
		l.mu.Unlock()
		return
	}
	l.failed = true
	l.mu.Unlock()
	l.session.conn.check(err)
	l.h(engine.Event{Type: engine.LinkError, Err: convertErr(err)})
}

// Close implements engine.Link.
func (l *link) Close(done func(error)) {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		done(nil)
		return
	}
	l.closing = true
	closeFn := l.closeFn
	l.closeFn = nil
	l.mu.Unlock()

	go func() {
		defer l.cancel()
		if closeFn == nil {
			done(nil)
			return
		}
		ctx, cancel := l.session.conn.engine.opContext(context.Background())
		defer cancel()
		done(convertErr(closeFn(ctx)))
	}()
}

// Abort implements engine.Link.
func (l *link) Abort() {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	l.closing = true
	closeFn := l.closeFn
	l.closeFn = nil
	l.mu.Unlock()

	l.cancel()
	if closeFn != nil {
		go l.closeQuietly(closeFn)
	}
}

func (l *link) closeQuietly(closeFn func(context.Context) error) {
	ctx, cancel := l.session.conn.engine.opContext(context.Background())
	defer cancel()
	if err := closeFn(ctx); err != nil {
		l.session.conn.engine.debugLog("link close", "link", l.opts.Name, "error", err)
	}
}

// amqpSender is the part of *amqp.Sender the transfer worker needs.
type amqpSender interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
}

// outbound is a transfer handed to the worker.
type outbound struct {
	id  engine.DeliveryID
	msg *amqp.Message
}

// senderLink is an engine.Link over *amqp.Sender. A single worker performs
// the transfers so they reach the wire in the order Send was called. Each
// go-amqp Send blocks until the peer settles, so an unsettled link carries
// one transfer at a time.
type senderLink struct {
	link
	maxInFlight int

	// Guarded by link.mu.
	sender   amqpSender
	outbox   chan outbound
	inFlight int
	nextID   engine.DeliveryID
}

func (l *senderLink) attach(as *amqp.Session) {
	ctx, cancel := l.session.conn.engine.opContext(l.ctx)
	defer cancel()
	snd, err := as.NewSender(ctx, l.opts.Address, senderOptions(l.opts))

	var closeFn func(context.Context) error
	if err == nil {
		closeFn = snd.Close
		l.start(snd)
	}
	l.attached(closeFn, err)
}

// start installs snd and runs the transfer worker until the link closes.
func (l *senderLink) start(snd amqpSender) {
	outbox := make(chan outbound, l.maxInFlight)
	l.mu.Lock()
	l.sender = snd
	l.outbox = outbox
	l.mu.Unlock()
	go l.run(snd, outbox)
}

func (l *senderLink) run(snd amqpSender, outbox <-chan outbound) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case out := <-outbox:
			l.transfer(snd, out)
		}
	}
}

func senderOptions(opts engine.LinkOptions) *amqp.SenderOptions {
	so := &amqp.SenderOptions{
		Name:       opts.Name,
		Properties: opts.Properties,
	}
	if opts.SettleFirst {
		so.SettlementMode = amqp.SenderSettleModeSettled.Ptr()
	}
	return so
}

// Credit implements engine.Link.
func (l *senderLink) Credit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sender == nil || l.closing || l.failed {
		return 0
	}
	return l.maxInFlight - l.inFlight
}

// Send implements engine.Link.
func (l *senderLink) Send(msg *message.Message) (engine.DeliveryID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sender == nil || l.closing || l.failed {
		return 0, errs.New(errs.LinkDetached, "link "+l.opts.Name+" is not attached")
	}
	if l.inFlight >= l.maxInFlight {
		return 0, errs.New(errs.InvalidOperation, "link "+l.opts.Name+" has no credit")
	}
	l.nextID++
	l.inFlight++
	// inFlight never exceeds the outbox capacity, so this does not block.
	l.outbox <- outbound{id: l.nextID, msg: toAMQP(msg)}
	return l.nextID, nil
}

// transfer sends one message. go-amqp reports only the rejected outcome as
// an error; released and modified transfers come back as nil and surface
// here as accepted.
func (l *senderLink) transfer(snd amqpSender, out outbound) {
	ctx, cancel := l.session.conn.engine.opContext(l.ctx)
	err := snd.Send(ctx, out.msg, nil)
	cancel()

	l.mu.Lock()
	l.inFlight--
	l.mu.Unlock()

	switch {
	case err == nil:
		l.emit(engine.Event{Type: engine.DeliveryAccepted, DeliveryID: out.id})
	case isEndpointError(err):
		l.fail(err)
		return
	default:
		l.emit(engine.Event{Type: engine.DeliveryRejected, DeliveryID: out.id, Err: convertErr(err)})
	}
	l.emit(engine.Event{Type: engine.LinkSendable})
}

// Send implements engine.Link; receivers cannot send.
func (l *receiverLink) Send(*message.Message) (engine.DeliveryID, error) {
	return 0, errs.New(errs.InvalidOperation, "receiver link cannot send")
}

// Credit implements engine.Link; receivers have no send credit.
func (l *receiverLink) Credit() int { return 0 }

// receiverLink is an engine.Link over *amqp.Receiver.
type receiverLink struct {
	link
}

func (l *receiverLink) attach(as *amqp.Session) {
	ctx, cancel := l.session.conn.engine.opContext(l.ctx)
	defer cancel()
	rcv, err := as.NewReceiver(ctx, l.opts.Address, receiverOptions(l.opts))

	var closeFn func(context.Context) error
	if err == nil {
		closeFn = rcv.Close
	}
	if l.attached(closeFn, err) {
		go l.receive(rcv)
	}
}

func receiverOptions(opts engine.LinkOptions) *amqp.ReceiverOptions {
	credit := opts.Credit
	if credit <= 0 {
		credit = DefaultReceiverCredit
	}
	ro := &amqp.ReceiverOptions{
		Name:       opts.Name,
		Properties: opts.Properties,
		Credit:     int32(credit),
	}
	if opts.SettleFirst {
		ro.RequestedSenderSettleMode = amqp.SenderSettleModeSettled.Ptr()
	}
	return ro
}

func (l *receiverLink) receive(rcv *amqp.Receiver) {
	for {
		am, err := rcv.Receive(l.ctx, nil)
		if err != nil {
			if l.ctx.Err() == nil {
				l.fail(err)
			}
			return
		}
		l.emit(engine.Event{
			Type:     engine.MessageReceived,
			Message:  fromAMQP(am),
			Delivery: &delivery{link: l, rcv: rcv, msg: am},
		})
	}
}

// delivery settles one received message.
type delivery struct {
	link *receiverLink
	rcv  *amqp.Receiver
	msg  *amqp.Message
}

var _ engine.Delivery = (*delivery)(nil)

// Accept implements engine.Delivery.
func (d *delivery) Accept(done func(error)) {
	d.settle(done, func(ctx context.Context) error { return d.rcv.AcceptMessage(ctx, d.msg) })
}

// Reject implements engine.Delivery.
func (d *delivery) Reject(reason error, done func(error)) {
	d.settle(done, func(ctx context.Context) error { return d.rcv.RejectMessage(ctx, d.msg, toAMQPError(reason)) })
}

// Abandon implements engine.Delivery.
func (d *delivery) Abandon(done func(error)) {
	d.settle(done, func(ctx context.Context) error { return d.rcv.ReleaseMessage(ctx, d.msg) })
}

func (d *delivery) settle(done func(error), fn func(context.Context) error) {
	go func() {
		ctx, cancel := d.link.session.conn.engine.opContext(d.link.ctx)
		defer cancel()
		err := convertErr(fn(ctx))
		if done != nil {
			done(err)
		}
	}()
}

// isEndpointError reports whether err means the link, session or
// connection is gone rather than this transfer failing.
func isEndpointError(err error) bool {
	var linkErr *amqp.LinkError
	var sessErr *amqp.SessionError
	var connErr *amqp.ConnError
	return errors.As(err, &linkErr) || errors.As(err, &sessErr) || errors.As(err, &connErr)
}
