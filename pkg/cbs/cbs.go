// Package cbs implements the claims-based-security agent: token
// (re)authorization over a dedicated sender/receiver link pair.
//
// A put-token request is an AMQP message on the $cbs node whose
// application properties name the operation, the token type and the
// audience, with the token as an AMQP value body. The service answers on
// the receiver link with a message correlated by message id, carrying a
// status-code property.
//
// Requests are tracked in a list ordered by expiration. A single loop timer
// sweeps it, failing expired requests with errs.Timeout.
package cbs

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/link"
	"github.com/devicelink/devicelink-go/pkg/log"
	"github.com/devicelink/devicelink-go/pkg/loop"
	"github.com/devicelink/devicelink-go/pkg/message"
)

// Protocol constants of the put-token exchange.
const (
	DefaultAddress      = "$cbs"
	DefaultSenderName   = "$cbs-sender"
	DefaultReceiverName = "$cbs-receiver"
	DefaultTimeout      = 120 * time.Second

	OperationPutToken = "put-token"
	TokenTypeSAS      = "servicebus.windows.net:sastoken"

	PropOperation         = "operation"
	PropType              = "type"
	PropName              = "name"
	PropStatusCode        = "status-code"
	PropStatusDescription = "status-description"

	statusOK = 200
)

// State represents the CBS agent state.
type State uint8

const (
	StateDetached State = iota
	StateAttaching
	StateAttached
	StateDetaching
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDetached:
		return "DETACHED"
	case StateAttaching:
		return "ATTACHING"
	case StateAttached:
		return "ATTACHED"
	case StateDetaching:
		return "DETACHING"
	default:
		return "UNKNOWN"
	}
}

// Config configures the agent.
type Config struct {
	// Address of the CBS node; both links use it.
	Address string `yaml:"address"`

	// SenderName and ReceiverName are the link names.
	SenderName   string `yaml:"senderName"`
	ReceiverName string `yaml:"receiverName"`

	// TokenType is sent in the type property of every request.
	TokenType string `yaml:"tokenType"`

	// Timeout bounds how long a request waits for its response.
	Timeout time.Duration `yaml:"timeout"`

	// NewID generates request correlation ids. Defaults to UUIDv4.
	NewID func() string `yaml:"-"`

	// Logger for operational debug output. Nil disables logging.
	Logger *slog.Logger `yaml:"-"`

	// Protocol receives protocol events. Nil disables capture.
	Protocol *log.Emitter `yaml:"-"`
}

// DefaultConfig returns the configuration used by Azure IoT Hub.
func DefaultConfig() Config {
	return Config{
		Address:      DefaultAddress,
		SenderName:   DefaultSenderName,
		ReceiverName: DefaultReceiverName,
		TokenType:    TokenTypeSAS,
		Timeout:      DefaultTimeout,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.SenderName == "" {
		c.SenderName = d.SenderName
	}
	if c.ReceiverName == "" {
		c.ReceiverName = d.ReceiverName
	}
	if c.TokenType == "" {
		c.TokenType = d.TokenType
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.NewID == nil {
		c.NewID = func() string { return uuid.NewString() }
	}
}

// request is one put-token call.
type request struct {
	id       string
	audience string
	token    string
	expires  time.Time
	done     func(error)
}

// Agent performs put-token exchanges. All state is owned by the loop.
type Agent struct {
	lp  *loop.Loop
	cfg Config

	sender   *link.Sender
	receiver *link.Receiver

	state State
	gen   uint64

	attachWaiters []func(error)

	// queued requests wait for the agent to attach.
	queued []*request

	// outstanding requests were sent and wait for a response, ordered by
	// expiration.
	outstanding []*request

	// sweep is armed iff outstanding is not empty.
	sweep *loop.Timer
}

// New creates a detached agent whose links live on session.
func New(lp *loop.Loop, session engine.Session, cfg Config) *Agent {
	cfg.applyDefaults()
	a := &Agent{lp: lp, cfg: cfg}

	a.sender = link.NewSender(lp, session, link.Config{
		Options:  engine.LinkOptions{Name: cfg.SenderName, Address: cfg.Address},
		OnError:  a.linkFailed,
		Logger:   cfg.Logger,
		Protocol: cfg.Protocol,
	})
	a.receiver = link.NewReceiver(lp, session, link.Config{
		Options:  engine.LinkOptions{Name: cfg.ReceiverName, Address: cfg.Address},
		OnError:  a.linkFailed,
		Logger:   cfg.Logger,
		Protocol: cfg.Protocol,
	})
	a.receiver.OnMessage(a.response)
	return a
}

// State returns the agent state. It must be called on the loop.
func (a *Agent) State() State { return a.state }

// Outstanding returns how many requests wait for a response. It must be
// called on the loop.
func (a *Agent) Outstanding() int { return len(a.outstanding) }

// Attach attaches the sender link, then the receiver link. If either fails
// both are force-detached and done receives the error.
func (a *Agent) Attach(done func(error)) {
	a.inject(done, func() { a.attach(done) })
}

// Detach force-detaches both links and fails every queued and outstanding
// request. done is called with nil.
func (a *Agent) Detach(done func(error)) {
	a.inject(done, func() {
		a.forceDetach(errs.New(errs.LinkDetached, "cbs detached"))
		a.complete(done, nil)
	})
}

// ForceDetach is Detach with a caller-supplied cause and no completion. It is
// a no-op on a detached agent.
func (a *Agent) ForceDetach(err error) {
	_ = a.lp.Inject(func() { a.forceDetach(err) })
}

// PutToken submits token for audience. A detached agent attaches itself
// first. done is called with nil when the service answered with status 200,
// with an Unauthorized error for any other status, and with a Timeout error
// if no answer arrived within Config.Timeout.
func (a *Agent) PutToken(audience, token string, done func(error)) {
	if audience == "" {
		a.complete(done, errs.New(errs.Argument, "audience is empty"))
		return
	}
	if token == "" {
		a.complete(done, errs.New(errs.Argument, "token is empty"))
		return
	}
	req := &request{audience: audience, token: token, done: done}
	a.inject(done, func() { a.putToken(req) })
}

func (a *Agent) inject(done func(error), f func()) {
	if err := a.lp.Inject(f); err != nil && done != nil {
		go done(errs.Wrap(errs.NotConnected, err, "cbs loop closed"))
	}
}

func (a *Agent) complete(done func(error), err error) {
	if done == nil {
		return
	}
	if injErr := a.lp.Inject(func() { done(err) }); injErr != nil {
		go done(err)
	}
}

func (a *Agent) attach(done func(error)) {
	switch a.state {
	case StateAttached:
		a.complete(done, nil)
		return
	case StateAttaching:
		a.attachWaiters = append(a.attachWaiters, done)
		return
	}

	a.gen++
	gen := a.gen
	a.attachWaiters = append(a.attachWaiters, done)
	a.setState(StateAttaching, nil)

	a.sender.Attach(func(err error) {
		if a.gen != gen {
			return
		}
		if err != nil {
			a.attachFailed(err)
			return
		}
		a.receiver.Attach(func(err error) {
			if a.gen != gen {
				return
			}
			if err != nil {
				a.attachFailed(err)
				return
			}
			a.attached()
		})
	})
}

func (a *Agent) attached() {
	a.setState(StateAttached, nil)
	waiters := a.attachWaiters
	a.attachWaiters = nil
	for _, done := range waiters {
		a.complete(done, nil)
	}

	queued := a.queued
	a.queued = nil
	for _, req := range queued {
		a.send(req)
	}
}

func (a *Agent) attachFailed(err error) {
	a.debugLog("cbs attach failed", "error", err)
	a.forceDetach(err)
}

// linkFailed runs when either link fails after attaching.
func (a *Agent) linkFailed(err error) {
	a.cfg.Protocol.Error(log.LayerCBS, "", err, "cbs link failed")
	a.forceDetach(err)
}

func (a *Agent) forceDetach(cause error) {
	if a.state == StateDetached {
		return
	}
	if cause == nil {
		cause = errs.New(errs.LinkDetached, "cbs detached")
	}
	a.gen++
	a.setState(StateDetaching, cause)

	a.sender.ForceDetach(cause)
	a.receiver.ForceDetach(cause)
	a.sweep.Stop()
	a.sweep = nil

	waiters := a.attachWaiters
	a.attachWaiters = nil
	for _, done := range waiters {
		a.complete(done, cause)
	}
	queued := a.queued
	a.queued = nil
	for _, req := range queued {
		a.complete(req.done, cause)
	}
	outstanding := a.outstanding
	a.outstanding = nil
	for _, req := range outstanding {
		a.complete(req.done, cause)
	}

	a.setState(StateDetached, cause)
}

func (a *Agent) putToken(req *request) {
	switch a.state {
	case StateAttached:
		a.send(req)
	case StateAttaching:
		a.queued = append(a.queued, req)
	default:
		a.queued = append(a.queued, req)
		a.attach(nil)
	}
}

// send transmits req and tracks it until its response or expiry.
func (a *Agent) send(req *request) {
	now := a.lp.Clock().Now()
	req.id = a.cfg.NewID()
	req.expires = now.Add(a.cfg.Timeout)
	a.outstanding = append(a.outstanding, req)
	if len(a.outstanding) == 1 {
		a.sweep = a.lp.AfterFunc(a.cfg.Timeout, a.sweepExpired)
	}

	msg := &message.Message{
		Value:     req.token,
		MessageID: req.id,
		To:        a.cfg.Address,
		ReplyTo:   a.cfg.ReceiverName,
		Properties: map[string]any{
			PropOperation: OperationPutToken,
			PropType:      a.cfg.TokenType,
			PropName:      req.audience,
		},
	}
	a.logToken(log.DirectionOut, req, nil, "")

	gen := a.gen
	a.sender.Send(msg, func(err error) {
		// A nil error only means the service received the request; the
		// outcome arrives on the receiver link.
		if err == nil || a.gen != gen {
			return
		}
		a.resolve(req.id, err)
	})
}

// response handles a message on the receiver link.
func (a *Agent) response(msg *message.Message) {
	a.receiver.Accept(msg, nil)

	id := msg.CorrelationID
	if id == "" {
		a.debugLog("cbs response without correlation id")
		return
	}

	status, ok := statusCode(msg.Properties[PropStatusCode])
	desc, _ := msg.Properties[PropStatusDescription].(string)

	var err error
	if !ok || status != statusOK {
		if desc == "" {
			desc = "put-token rejected with status " + strconv.Itoa(status)
		}
		err = errs.New(errs.Unauthorized, desc)
	}

	if req := a.find(id); req != nil {
		a.logToken(log.DirectionIn, req, &status, desc)
	}
	a.resolve(id, err)
}

func (a *Agent) find(id string) *request {
	for _, req := range a.outstanding {
		if req.id == id {
			return req
		}
	}
	return nil
}

// resolve completes the outstanding request with the given id.
func (a *Agent) resolve(id string, err error) {
	for i, req := range a.outstanding {
		if req.id != id {
			continue
		}
		a.outstanding = append(a.outstanding[:i], a.outstanding[i+1:]...)
		if len(a.outstanding) == 0 {
			a.sweep.Stop()
			a.sweep = nil
		}
		if err != nil {
			a.cfg.Protocol.Error(log.LayerCBS, a.cfg.SenderName, err, "put-token "+req.audience)
		}
		a.complete(req.done, err)
		return
	}
	a.debugLog("cbs response for unknown request", "correlation_id", id)
}

// sweepExpired fails every expired request and re-arms for the next one.
func (a *Agent) sweepExpired() {
	a.sweep = nil
	now := a.lp.Clock().Now()
	for len(a.outstanding) > 0 {
		req := a.outstanding[0]
		if req.expires.After(now) {
			break
		}
		a.outstanding[0] = nil
		a.outstanding = a.outstanding[1:]
		err := errs.Newf(errs.Timeout, "put-token for %s timed out after %s", req.audience, a.cfg.Timeout)
		a.cfg.Protocol.Error(log.LayerCBS, a.cfg.SenderName, err, "put-token")
		a.complete(req.done, err)
	}
	if len(a.outstanding) > 0 {
		a.sweep = a.lp.AfterFunc(a.outstanding[0].expires.Sub(now), a.sweepExpired)
	}
}

// statusCode converts the status-code property, whatever integer type the
// engine decoded it as.
func statusCode(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

func (a *Agent) setState(s State, reason error) {
	old := a.state
	if old == s {
		return
	}
	a.state = s
	a.debugLog("cbs state change", "old", old, "new", s)
	a.cfg.Protocol.State(log.LayerCBS, log.StateEntityCBS, "", old.String(), s.String(), reason)
}

func (a *Agent) logToken(dir log.Direction, req *request, status *int, desc string) {
	if !a.cfg.Protocol.Enabled() {
		return
	}
	a.cfg.Protocol.Emit(log.Event{
		Direction: dir,
		Layer:     log.LayerCBS,
		Category:  log.CategoryToken,
		Address:   a.cfg.Address,
		Token: &log.TokenEvent{
			Audience:    req.audience,
			RequestID:   req.id,
			StatusCode:  status,
			Description: desc,
		},
	})
}

// debugLog logs a debug message if a logger is configured.
func (a *Agent) debugLog(msg string, args ...any) {
	if a.cfg.Logger != nil {
		a.cfg.Logger.Debug(msg, args...)
	}
}
