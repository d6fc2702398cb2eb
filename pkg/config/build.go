package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/multierr"

	"github.com/devicelink/devicelink-go/pkg/connection"
	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/engine/goamqp"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/log"
	"github.com/devicelink/devicelink-go/pkg/retry"
)

// TransportParams builds the connect parameters, loading TLS material
// from disk when TLS is enabled.
func (c *Config) TransportParams() (*engine.TransportParams, error) {
	t := c.Transport
	params := &engine.TransportParams{
		Host:        t.Host,
		Port:        t.Port,
		ContainerID: t.ContainerID,
		SASL:        engine.SASLMechanism(strings.ToUpper(t.SASL)),
		Username:    t.Username,
		Password:    t.Password,
		IdleTimeout: t.IdleTimeout,
		DialTimeout: t.DialTimeout,
	}
	if !t.TLS.Enabled {
		return params, nil
	}

	tlsCfg, err := goamqp.LoadTLSConfig(t.TLS.TLSFiles)
	if err != nil {
		return nil, err
	}
	tlsCfg.ServerName = t.TLS.ServerName
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = t.Host
	}
	tlsCfg.InsecureSkipVerify = t.TLS.InsecureSkipVerify
	params.TLS, err = goamqp.NewClientTLSConfig(tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	return params, nil
}

// RetryPolicy builds the configured retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	if c.Retry.Policy == PolicyNone {
		return retry.NoRetry{}
	}
	return retry.NewExponentialBackoffWithConfig(retry.BackoffConfig{
		ImmediateFirstRetry: c.Retry.ImmediateFirstRetry,
		Normal:              c.Retry.Normal,
		Throttled:           c.Retry.Throttled,
		Filter:              c.errorFilter(),
	})
}

func (c *Config) errorFilter() retry.ErrorFilter {
	filter := retry.DefaultErrorFilter()
	if len(c.Retry.Retryable) == 0 {
		return filter
	}
	filter = filter.Clone()
	for name, retryable := range c.Retry.Retryable {
		if kind, ok := kindByName(name); ok {
			filter[kind] = retryable
		}
	}
	return filter
}

// EngineConfig builds the go-amqp engine configuration.
func (c *Config) EngineConfig(logger *slog.Logger) goamqp.Config {
	return goamqp.Config{
		OpTimeout:   c.Transport.OpTimeout,
		MaxInFlight: c.Transport.MaxInFlight,
		Logger:      logger,
	}
}

// ConnectionConfig builds the connection configuration with a go-amqp
// engine.
func (c *Config) ConnectionConfig(logger *slog.Logger, protocol log.Logger) connection.Config {
	cfg := connection.DefaultConfig()
	cfg.Engine = goamqp.New(c.EngineConfig(logger))
	cfg.SenderDefaults = c.Links.Sender.options()
	cfg.ReceiverDefaults = c.Links.Receiver.options()
	cfg.CBS = c.CBS
	if c.Links.DetachTimeout > 0 {
		cfg.DetachTimeout = c.Links.DetachTimeout
	}
	if c.Links.AttachTimeout > 0 {
		cfg.AttachTimeout = c.Links.AttachTimeout
	}
	cfg.Logger = logger
	cfg.ProtocolLogger = protocol
	return cfg
}

func (d LinkDefaults) options() engine.LinkOptions {
	return engine.LinkOptions{
		Credit:      d.Credit,
		SettleFirst: d.SettleFirst,
		Properties:  d.Properties,
	}
}

// ReconnectConfig builds the reconnector configuration.
func (c *Config) ReconnectConfig(logger *slog.Logger) connection.ReconnectConfig {
	return connection.ReconnectConfig{
		Policy:     c.RetryPolicy(),
		MaxTimeout: c.Reconnect.MaxTimeout,
		Logger:     logger,
	}
}

// SlogLevel returns the operational log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

// NewLogger creates the operational logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenProtocolLogger creates the protocol logger the log section asks
// for. It returns nil when protocol logging is disabled. The returned
// closer releases the capture file and is never nil.
func (c *Config) OpenProtocolLogger(logger *slog.Logger) (log.Logger, io.Closer, error) {
	var loggers []log.Logger
	closer := closers{}

	if c.Log.ProtocolFile != "" {
		fl, err := log.NewFileLogger(c.Log.ProtocolFile, log.WithErrorLogger(logger))
		if err != nil {
			return nil, closer, errs.Wrap(errs.Argument, err, "open protocol log")
		}
		loggers = append(loggers, fl)
		closer = append(closer, fl)
	}
	if c.Log.ProtocolConsole && logger != nil {
		loggers = append(loggers, log.NewSlogAdapter(logger))
	}

	switch len(loggers) {
	case 0:
		return nil, closer, nil
	case 1:
		return loggers[0], closer, nil
	}
	return log.NewMultiLogger(loggers...), closer, nil
}

type closers []io.Closer

func (cs closers) Close() error {
	var err error
	for _, c := range cs {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// WriteDefault writes the default configuration to path, failing if the
// file already exists.
func WriteDefault(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := Default().Encode(f); err != nil {
		return multierr.Append(err, f.Close())
	}
	return f.Close()
}
