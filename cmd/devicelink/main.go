// Command devicelink connects a device to the service over AMQP.
//
// It opens the connection described by a configuration file (or flags),
// optionally keeps it alive with automatic reconnection, and offers an
// interactive shell to attach links, send messages and put CBS tokens.
//
// Usage:
//
//	devicelink [flags]
//
// Flags:
//
//	-config string        Configuration file path
//	-init string          Write the default configuration to a file and exit
//	-host string          Service host name (overrides the config file)
//	-port int             Service port (overrides the config file)
//	-sasl string          SASL mechanism: ANONYMOUS, PLAIN, EXTERNAL
//	-username string      SASL PLAIN user name
//	-password string      SASL PLAIN password
//	-no-tls               Connect without TLS
//	-log-level string     Log level: debug, info, warn, error
//	-protocol-log string  Capture protocol events to a CBOR file
//	-interactive          Start the interactive shell (default true)
//
// Examples:
//
//	# Write a configuration template
//	devicelink -init devicelink.yaml
//
//	# Connect with a config file and open the shell
//	devicelink -config devicelink.yaml
//
//	# Connect to a local broker and stay connected until interrupted
//	devicelink -host localhost -no-tls -interactive=false -log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/devicelink/devicelink-go/cmd/devicelink/interactive"
	"github.com/devicelink/devicelink-go/pkg/config"
	"github.com/devicelink/devicelink-go/pkg/connection"
	"github.com/devicelink/devicelink-go/pkg/loop"
	"github.com/devicelink/devicelink-go/pkg/retry"
)

// Flags holds the command line.
type Flags struct {
	ConfigFile  string
	InitFile    string
	Host        string
	Port        int
	SASL        string
	Username    string
	Password    string
	NoTLS       bool
	LogLevel    string
	ProtocolLog string
	Interactive bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Configuration file path")
	flag.StringVar(&flags.InitFile, "init", "", "Write the default configuration to a file and exit")
	flag.StringVar(&flags.Host, "host", "", "Service host name (overrides the config file)")
	flag.IntVar(&flags.Port, "port", 0, "Service port (overrides the config file)")
	flag.StringVar(&flags.SASL, "sasl", "", "SASL mechanism: ANONYMOUS, PLAIN, EXTERNAL")
	flag.StringVar(&flags.Username, "username", "", "SASL PLAIN user name")
	flag.StringVar(&flags.Password, "password", "", "SASL PLAIN password")
	flag.BoolVar(&flags.NoTLS, "no-tls", false, "Connect without TLS")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.ProtocolLog, "protocol-log", "", "Capture protocol events to a CBOR file")
	flag.BoolVar(&flags.Interactive, "interactive", true, "Start the interactive shell")
}

func main() {
	flag.Parse()

	if flags.InitFile != "" {
		if err := config.WriteDefault(flags.InitFile); err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", flags.InitFile)
		return
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, flags.Interactive); err != nil {
		fmt.Fprintf(os.Stderr, "devicelink: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies the flags on top.
func loadConfig(f Flags) (*config.Config, error) {
	cfg := config.Default()
	if f.ConfigFile != "" {
		data, err := os.ReadFile(f.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.Decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", f.ConfigFile, err)
		}
	}
	applyFlags(cfg, f)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, f Flags) {
	if f.Host != "" {
		cfg.Transport.Host = f.Host
	}
	if f.Port != 0 {
		cfg.Transport.Port = f.Port
	}
	if f.SASL != "" {
		cfg.Transport.SASL = f.SASL
	}
	if f.Username != "" {
		cfg.Transport.Username = f.Username
	}
	if f.Password != "" {
		cfg.Transport.Password = f.Password
	}
	if f.NoTLS {
		cfg.Transport.TLS.Enabled = false
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.ProtocolLog != "" {
		cfg.Log.ProtocolFile = f.ProtocolLog
	}
}

func run(cfg *config.Config, interactiveMode bool) error {
	out := &switchWriter{w: os.Stderr}
	logger := cfg.NewLogger(out)

	protocol, closer, err := cfg.OpenProtocolLogger(logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	params, err := cfg.TransportParams()
	if err != nil {
		return err
	}

	conn := connection.New(cfg.ConnectionConfig(logger, protocol))
	defer conn.Close()

	if cfg.Reconnect.Enabled {
		r := connection.NewReconnector(conn, params, cfg.ReconnectConfig(logger))
		r.OnReconnecting(func(attempt int, cause error) {
			logger.Warn("reconnecting", "attempt", attempt, "cause", cause)
		})
		r.OnReconnected(func() { logger.Info("reconnected") })
		r.OnGiveUp(func(err error) { logger.Error("reconnect gave up", "error", err) })
		defer r.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if interactiveMode {
		shell, err := interactive.New(conn, params)
		if err != nil {
			return err
		}
		out.Set(shell.Stdout())
		shell.Run(ctx, cancel)
	} else {
		logger.Info("connecting", "endpoint", params.Address())
		op := retry.NewOperation[struct{}](cfg.RetryPolicy(), cfg.Retry.MaxTimeout,
			retry.WithLogger(logger), retry.WithName("connect"))
		_, err := op.Do(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, loop.AwaitErr(ctx, func(done func(error)) { conn.Connect(params, done) })
		})
		if err != nil {
			return err
		}
		logger.Info("connected", "endpoint", params.Address())
		<-ctx.Done()
	}

	logger.Info("shutting down")
	shutdown, stop := context.WithTimeout(context.Background(), cfg.Links.DetachTimeout+connection.DefaultDetachTimeout)
	defer stop()
	if err := loop.AwaitErr(shutdown, conn.Disconnect); err != nil {
		logger.Warn("disconnect failed", "error", err)
	}
	return nil
}

// switchWriter lets the log output move to the shell once it exists.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Set(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = w
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
