package link

import (
	"time"

	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/log"
	"github.com/devicelink/devicelink-go/pkg/loop"
	"github.com/devicelink/devicelink-go/pkg/message"
)

// pendingSend is a message waiting for credit or for its outcome.
type pendingSend struct {
	msg    *message.Message
	done   func(error)
	sentAt time.Time
}

// Sender is a link that transmits messages.
type Sender struct {
	*link

	session engine.Session

	// queue holds sends waiting for credit, oldest first.
	queue []*pendingSend

	// unacked holds transmitted sends by delivery id.
	unacked map[engine.DeliveryID]*pendingSend
}

// NewSender creates a detached sender link on session. The link runs on lp.
func NewSender(lp *loop.Loop, session engine.Session, cfg Config) *Sender {
	s := &Sender{
		session: session,
		unacked: make(map[engine.DeliveryID]*pendingSend),
	}
	s.link = newLink(lp, cfg, s)
	return s
}

// Send transmits msg. done is called with nil once the peer accepted the
// message, or with the failure. A detached sender attaches itself first.
//
// Invalid messages fail without touching the link.
func (s *Sender) Send(msg *message.Message, done func(error)) {
	if err := message.Validate(msg); err != nil {
		s.complete(done, err)
		return
	}
	s.inject(done, func() { s.send(&pendingSend{msg: msg, done: done}) })
}

func (s *Sender) send(p *pendingSend) {
	switch s.state {
	case StateDetaching:
		s.deferUntilSettled(func() { s.send(p) })
	case StateDetached:
		s.queue = append(s.queue, p)
		// The attach outcome reaches queued sends through flush or detached.
		s.attach(nil)
	case StateAttaching:
		s.queue = append(s.queue, p)
	case StateAttached:
		s.queue = append(s.queue, p)
		s.flush()
	}
}

// Pending returns how many sends wait for credit or for an outcome. It must
// be called on the loop.
func (s *Sender) Pending() int { return len(s.queue) + len(s.unacked) }

// flush transmits queued messages while the engine grants credit.
func (s *Sender) flush() {
	for len(s.queue) > 0 && s.handle != nil && s.handle.Credit() > 0 {
		p := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		id, err := s.handle.Send(p.msg)
		if err != nil {
			err = errs.Translate(err)
			s.debugLog("send failed", "error", err)
			s.cfg.Protocol.Error(log.LayerLink, s.opts.Name, err, "send")
			s.complete(p.done, err)
			continue
		}
		p.sentAt = s.lp.Clock().Now()
		s.unacked[id] = p
		s.logTransfer(id, p.msg)
	}
}

func (s *Sender) open(opts engine.LinkOptions, h engine.Handler) (engine.Link, error) {
	return s.session.OpenSender(opts, h)
}

func (s *Sender) attached() { s.flush() }

func (s *Sender) detached(cause error) {
	queue := s.queue
	s.queue = nil
	for _, p := range queue {
		s.complete(p.done, cause)
	}
	unacked := s.unacked
	s.unacked = make(map[engine.DeliveryID]*pendingSend)
	for id, p := range unacked {
		s.logSettlement(id, p, log.OutcomeFailed)
		s.complete(p.done, cause)
	}
}

func (s *Sender) event(ev engine.Event) {
	switch ev.Type {
	case engine.LinkSendable:
		s.flush()
	case engine.DeliveryAccepted:
		s.settled(ev.DeliveryID, log.OutcomeAccepted, nil)
	case engine.DeliveryRejected:
		err := errs.Translate(ev.Err)
		if err == nil {
			err = errs.New(errs.Unknown, "message rejected")
		}
		s.settled(ev.DeliveryID, log.OutcomeRejected, err)
	case engine.DeliveryReleased:
		s.settled(ev.DeliveryID, log.OutcomeReleased, errs.New(errs.ServiceUnavailable, "message released"))
	}
}

func (s *Sender) settled(id engine.DeliveryID, outcome log.Outcome, err error) {
	p, ok := s.unacked[id]
	if !ok {
		s.debugLog("outcome for unknown delivery", "delivery_id", id)
		return
	}
	delete(s.unacked, id)
	s.logSettlement(id, p, outcome)
	s.complete(p.done, err)
}

func (s *Sender) logTransfer(id engine.DeliveryID, msg *message.Message) {
	if !s.cfg.Protocol.Enabled() {
		return
	}
	s.cfg.Protocol.Emit(log.Event{
		Direction: log.DirectionOut,
		Layer:     log.LayerLink,
		Category:  log.CategoryMessage,
		LinkName:  s.opts.Name,
		Address:   s.opts.Address,
		Message: &log.MessageEvent{
			DeliveryID:    uint64(id),
			MessageID:     msg.MessageID,
			CorrelationID: msg.CorrelationID,
			Size:          len(msg.Body),
			Properties:    msg.Properties,
		},
	})
}

func (s *Sender) logSettlement(id engine.DeliveryID, p *pendingSend, outcome log.Outcome) {
	if !s.cfg.Protocol.Enabled() {
		return
	}
	latency := s.lp.Clock().Since(p.sentAt)
	s.cfg.Protocol.Emit(log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerLink,
		Category:  log.CategorySettlement,
		LinkName:  s.opts.Name,
		Settlement: &log.SettlementEvent{
			DeliveryID: uint64(id),
			MessageID:  p.msg.MessageID,
			Outcome:    outcome,
			Latency:    &latency,
		},
	})
}
