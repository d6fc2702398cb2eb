// Package interactive provides the interactive command-line interface of
// devicelink.
package interactive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/devicelink/devicelink-go/pkg/connection"
	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/link"
	"github.com/devicelink/devicelink-go/pkg/loop"
	"github.com/devicelink/devicelink-go/pkg/message"
)

// DefaultTimeout bounds every command that waits for the service.
const DefaultTimeout = 30 * time.Second

// Shell handles interactive mode for devicelink.
type Shell struct {
	conn    *connection.Connection
	params  *engine.TransportParams
	rl      *readline.Instance
	out     io.Writer
	timeout time.Duration

	mu        sync.Mutex
	senders   map[string]*link.Sender
	receivers map[string]*link.Receiver
	received  int
}

// New creates a shell reading commands from the terminal.
func New(conn *connection.Connection, params *engine.TransportParams) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "devicelink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s := newShell(conn, params, rl.Stdout())
	s.rl = rl
	return s, nil
}

func newShell(conn *connection.Connection, params *engine.TransportParams, out io.Writer) *Shell {
	s := &Shell{
		conn:      conn,
		params:    params,
		out:       out,
		timeout:   DefaultTimeout,
		senders:   make(map[string]*link.Sender),
		receivers: make(map[string]*link.Receiver),
	}
	conn.OnStateChange(func(oldState, newState connection.State) {
		fmt.Fprintf(s.out, "[STATE] %s -> %s\n", oldState, newState)
	})
	conn.OnDisconnected(func(err error) {
		s.forgetLinks()
		fmt.Fprintf(s.out, "[LOST] %v\n", err)
	})
	return s
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("connect"),
		readline.PcItem("disconnect"),
		readline.PcItem("status"),
		readline.PcItem("sender"),
		readline.PcItem("receiver"),
		readline.PcItem("detach", readline.PcItem("sender"), readline.PcItem("receiver")),
		readline.PcItem("send"),
		readline.PcItem("token"),
		readline.PcItem("quit"),
	)
}

// Stdout returns a writer that coordinates with the readline input. Use it
// for log output to keep the prompt intact.
func (s *Shell) Stdout() io.Writer {
	return s.out
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if s.Exec(ctx, line) {
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Exec runs one command line. It reports whether the shell should exit.
func (s *Shell) Exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "connect", "c":
		s.cmdConnect(ctx)
	case "disconnect", "d":
		s.cmdDisconnect(ctx)
	case "status", "s":
		s.cmdStatus()
	case "sender":
		s.cmdSender(ctx, args)
	case "receiver":
		s.cmdReceiver(ctx, args)
	case "detach":
		s.cmdDetach(ctx, args)
	case "send":
		s.cmdSend(ctx, args)
	case "token":
		s.cmdToken(ctx, args)
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
devicelink Commands:
  Connection:
    connect                     - Open the connection and session
    disconnect                  - Detach all links and close the connection
    status                      - Show connection and link state

  Links:
    sender <name> <address>     - Attach a sender link
    receiver <name> <address>   - Attach a receiver link (messages are accepted)
    detach <sender|receiver> <name> - Detach a link

  Messaging:
    send <sender> <text...>     - Send a message and wait for the outcome
    token <audience> <token>    - Put a CBS token

  General:
    help                        - Show this help
    quit                        - Exit`)
}

func (s *Shell) wait(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Shell) cmdConnect(ctx context.Context) {
	ctx, cancel := s.wait(ctx)
	defer cancel()

	start := time.Now()
	if err := loop.AwaitErr(ctx, func(done func(error)) { s.conn.Connect(s.params, done) }); err != nil {
		fmt.Fprintf(s.out, "Connect failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Connected to %s in %s\n", s.params.Address(), time.Since(start).Round(time.Millisecond))
}

func (s *Shell) cmdDisconnect(ctx context.Context) {
	ctx, cancel := s.wait(ctx)
	defer cancel()

	if err := loop.AwaitErr(ctx, s.conn.Disconnect); err != nil {
		fmt.Fprintf(s.out, "Disconnect failed: %v\n", err)
		return
	}
	s.forgetLinks()
	fmt.Fprintln(s.out, "Disconnected")
}

func (s *Shell) cmdStatus() {
	fmt.Fprintf(s.out, "State:    %s\n", s.conn.State())
	fmt.Fprintf(s.out, "Endpoint: %s\n", s.params.Address())
	if err := s.conn.LastError(); err != nil {
		fmt.Fprintf(s.out, "Last error: %v\n", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range sortedKeys(s.senders) {
		fmt.Fprintf(s.out, "  sender   %-20s %s\n", name, s.senders[name].Address())
	}
	for _, name := range sortedKeys(s.receivers) {
		fmt.Fprintf(s.out, "  receiver %-20s %s\n", name, s.receivers[name].Address())
	}
	fmt.Fprintf(s.out, "Received: %d\n", s.received)
}

func (s *Shell) cmdSender(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "Usage: sender <name> <address>")
		return
	}
	ctx, cancel := s.wait(ctx)
	defer cancel()

	snd, err := loop.Await(ctx, func(done func(*link.Sender, error)) {
		s.conn.AttachSenderLink(args[0], engine.LinkOptions{Address: args[1]}, done)
	})
	if err != nil {
		fmt.Fprintf(s.out, "Attach failed: %v\n", err)
		return
	}
	s.mu.Lock()
	s.senders[args[0]] = snd
	s.mu.Unlock()
	fmt.Fprintf(s.out, "Sender %s attached to %s\n", args[0], args[1])
}

func (s *Shell) cmdReceiver(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "Usage: receiver <name> <address>")
		return
	}
	ctx, cancel := s.wait(ctx)
	defer cancel()

	name := args[0]
	rcv, err := loop.Await(ctx, func(done func(*link.Receiver, error)) {
		s.conn.AttachReceiverLink(name, engine.LinkOptions{Address: args[1]}, done)
	})
	if err != nil {
		fmt.Fprintf(s.out, "Attach failed: %v\n", err)
		return
	}
	rcv.OnMessage(func(msg *message.Message) {
		s.mu.Lock()
		s.received++
		s.mu.Unlock()
		fmt.Fprintf(s.out, "[MSG] %s id=%s %q\n", name, msg.MessageID, msg.Body)
		rcv.Accept(msg, func(err error) {
			if err != nil {
				fmt.Fprintf(s.out, "[MSG] %s accept failed: %v\n", name, err)
			}
		})
	})
	s.mu.Lock()
	s.receivers[name] = rcv
	s.mu.Unlock()
	fmt.Fprintf(s.out, "Receiver %s attached to %s\n", name, args[1])
}

func (s *Shell) cmdDetach(ctx context.Context, args []string) {
	if len(args) != 2 || (args[0] != "sender" && args[0] != "receiver") {
		fmt.Fprintln(s.out, "Usage: detach <sender|receiver> <name>")
		return
	}
	ctx, cancel := s.wait(ctx)
	defer cancel()

	name := args[1]
	detach := s.conn.DetachSenderLink
	if args[0] == "receiver" {
		detach = s.conn.DetachReceiverLink
	}
	err := loop.AwaitErr(ctx, func(done func(error)) { detach(name, done) })

	s.mu.Lock()
	if args[0] == "receiver" {
		delete(s.receivers, name)
	} else {
		delete(s.senders, name)
	}
	s.mu.Unlock()

	if err != nil {
		fmt.Fprintf(s.out, "Detach failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Detached %s %s\n", args[0], name)
}

func (s *Shell) cmdSend(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "Usage: send <sender> <text...>")
		return
	}
	s.mu.Lock()
	snd, ok := s.senders[args[0]]
	s.mu.Unlock()
	if !ok {
		fmt.Fprintf(s.out, "No sender named %s\n", args[0])
		return
	}

	msg := message.New([]byte(strings.Join(args[1:], " ")))
	msg.MessageID = uuid.NewString()
	msg.ContentType = "text/plain"

	ctx, cancel := s.wait(ctx)
	defer cancel()

	start := time.Now()
	if err := loop.AwaitErr(ctx, func(done func(error)) { snd.Send(msg, done) }); err != nil {
		fmt.Fprintf(s.out, "Send failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Sent %s (accepted in %s)\n", msg.MessageID, time.Since(start).Round(time.Millisecond))
}

func (s *Shell) cmdToken(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "Usage: token <audience> <token>")
		return
	}
	ctx, cancel := s.wait(ctx)
	defer cancel()

	if err := loop.AwaitErr(ctx, func(done func(error)) { s.conn.PutToken(args[0], args[1], done) }); err != nil {
		fmt.Fprintf(s.out, "Put token failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Token accepted for %s\n", args[0])
}

// forgetLinks drops link handles that the connection no longer tracks.
func (s *Shell) forgetLinks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders = make(map[string]*link.Sender)
	s.receivers = make(map[string]*link.Receiver)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
