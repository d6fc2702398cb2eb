package link

import (
	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/log"
	"github.com/devicelink/devicelink-go/pkg/loop"
	"github.com/devicelink/devicelink-go/pkg/message"
)

// MessageHandler is called on the loop for every inbound message. It must
// not block; settle the message with Accept, Reject or Abandon.
type MessageHandler func(msg *message.Message)

type received struct {
	msg      *message.Message
	delivery engine.Delivery
}

// Receiver is a link that receives messages.
type Receiver struct {
	*link

	session   engine.Session
	onMessage MessageHandler

	// deliveries holds undisposed messages in arrival order.
	deliveries []received
}

// NewReceiver creates a detached receiver link on session. The link runs on
// lp.
func NewReceiver(lp *loop.Loop, session engine.Session, cfg Config) *Receiver {
	r := &Receiver{session: session}
	r.link = newLink(lp, cfg, r)
	return r
}

// OnMessage sets the inbound message handler. Messages that arrive while no
// handler is set stay undisposed until settled.
func (r *Receiver) OnMessage(fn MessageHandler) {
	_ = r.lp.Inject(func() { r.onMessage = fn })
}

// Undisposed returns how many received messages are not settled yet. It
// must be called on the loop.
func (r *Receiver) Undisposed() int { return len(r.deliveries) }

// Accept settles msg as accepted.
func (r *Receiver) Accept(msg *message.Message, done func(error)) {
	r.settle(msg, log.OutcomeAccepted, done)
}

// Reject settles msg as rejected; the peer will not redeliver it.
func (r *Receiver) Reject(msg *message.Message, done func(error)) {
	r.settle(msg, log.OutcomeRejected, done)
}

// Abandon releases msg so the peer may redeliver it.
func (r *Receiver) Abandon(msg *message.Message, done func(error)) {
	r.settle(msg, log.OutcomeReleased, done)
}

func (r *Receiver) settle(msg *message.Message, outcome log.Outcome, done func(error)) {
	if msg == nil {
		r.complete(done, errs.New(errs.Argument, "message is nil"))
		return
	}
	r.inject(done, func() { r.dispose(msg, outcome, done) })
}

func (r *Receiver) dispose(msg *message.Message, outcome log.Outcome, done func(error)) {
	switch r.state {
	case StateAttaching, StateDetaching:
		r.deferUntilSettled(func() { r.dispose(msg, outcome, done) })
		return
	}

	idx := -1
	for i, d := range r.deliveries {
		if d.msg == msg {
			idx = i
			break
		}
	}
	if r.state != StateAttached || idx < 0 {
		r.complete(done, errs.New(errs.DeviceMessageLockLost, "message is not pending on link "+r.opts.Name))
		return
	}

	d := r.deliveries[idx]
	r.deliveries = append(r.deliveries[:idx], r.deliveries[idx+1:]...)
	r.logSettlement(msg, outcome)

	settled := func(err error) { r.complete(done, errs.Translate(err)) }
	switch outcome {
	case log.OutcomeAccepted:
		d.delivery.Accept(settled)
	case log.OutcomeRejected:
		d.delivery.Reject(nil, settled)
	default:
		d.delivery.Abandon(settled)
	}
}

func (r *Receiver) open(opts engine.LinkOptions, h engine.Handler) (engine.Link, error) {
	return r.session.OpenReceiver(opts, h)
}

func (r *Receiver) attached() {}

func (r *Receiver) detached(error) {
	if n := len(r.deliveries); n > 0 {
		r.debugLog("dropping undisposed deliveries", "count", n)
	}
	r.deliveries = nil
}

func (r *Receiver) event(ev engine.Event) {
	if ev.Type != engine.MessageReceived || ev.Message == nil {
		return
	}
	r.deliveries = append(r.deliveries, received{msg: ev.Message, delivery: ev.Delivery})
	r.logTransfer(ev.Message)
	if r.onMessage != nil {
		r.onMessage(ev.Message)
	}
}

func (r *Receiver) logTransfer(msg *message.Message) {
	if !r.cfg.Protocol.Enabled() {
		return
	}
	r.cfg.Protocol.Emit(log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerLink,
		Category:  log.CategoryMessage,
		LinkName:  r.opts.Name,
		Address:   r.opts.Address,
		Message: &log.MessageEvent{
			MessageID:     msg.MessageID,
			CorrelationID: msg.CorrelationID,
			Size:          len(msg.Body),
			Properties:    msg.Properties,
		},
	})
}

func (r *Receiver) logSettlement(msg *message.Message, outcome log.Outcome) {
	if !r.cfg.Protocol.Enabled() {
		return
	}
	r.cfg.Protocol.Emit(log.Event{
		Direction:  log.DirectionOut,
		Layer:      log.LayerLink,
		Category:   log.CategorySettlement,
		LinkName:   r.opts.Name,
		Settlement: &log.SettlementEvent{MessageID: msg.MessageID, Outcome: outcome},
	})
}
