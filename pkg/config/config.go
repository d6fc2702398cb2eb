// Package config loads the YAML configuration of a device connection and
// turns it into the settings of the engine, connection, retry policy and
// CBS agent.
//
// Example:
//
//	transport:
//	  host: hub.example.net
//	  sasl: ANONYMOUS
//	  tls:
//	    enabled: true
//	retry:
//	  policy: exponential
//	  maxTimeout: 4m
//	cbs:
//	  timeout: 2m
//	log:
//	  level: debug
//	  protocolFile: /var/log/devicelink/conn.dlog
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/devicelink/devicelink-go/pkg/cbs"
	"github.com/devicelink/devicelink-go/pkg/connection"
	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/engine/goamqp"
	"github.com/devicelink/devicelink-go/pkg/errs"
	"github.com/devicelink/devicelink-go/pkg/retry"
)

// Retry policy names.
const (
	PolicyExponential = "exponential"
	PolicyNone        = "none"
)

// Config is the root of the configuration file.
type Config struct {
	Transport Transport  `yaml:"transport"`
	Retry     Retry      `yaml:"retry"`
	CBS       cbs.Config `yaml:"cbs"`
	Links     Links      `yaml:"links"`
	Reconnect Reconnect  `yaml:"reconnect"`
	Log       Log        `yaml:"log"`
}

// Transport describes the endpoint and the engine.
type Transport struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	ContainerID string        `yaml:"containerId"`
	SASL        string        `yaml:"sasl"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TLS         TLS           `yaml:"tls"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	DialTimeout time.Duration `yaml:"dialTimeout"`

	// OpTimeout and MaxInFlight tune the go-amqp engine.
	OpTimeout   time.Duration `yaml:"opTimeout"`
	MaxInFlight int           `yaml:"maxInFlight"`
}

// TLS configures transport security.
type TLS struct {
	Enabled            bool   `yaml:"enabled"`
	ServerName         string `yaml:"serverName"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`

	goamqp.TLSFiles `yaml:",inline"`
}

// Retry configures the retry policy used by callers and the reconnector.
type Retry struct {
	Policy              string           `yaml:"policy"`
	ImmediateFirstRetry bool             `yaml:"immediateFirstRetry"`
	Normal              retry.Parameters `yaml:"normal"`
	Throttled           retry.Parameters `yaml:"throttled"`
	MaxTimeout          time.Duration    `yaml:"maxTimeout"`

	// Retryable overrides the default error filter, keyed by kind name
	// (e.g. THROTTLING: false).
	Retryable map[string]bool `yaml:"retryable"`
}

// Links holds defaults merged under per-link options.
type Links struct {
	Sender        LinkDefaults  `yaml:"sender"`
	Receiver      LinkDefaults  `yaml:"receiver"`
	DetachTimeout time.Duration `yaml:"detachTimeout"`
	AttachTimeout time.Duration `yaml:"attachTimeout"`
}

// LinkDefaults are the configurable link options.
type LinkDefaults struct {
	Credit      int            `yaml:"credit"`
	SettleFirst bool           `yaml:"settleFirst"`
	Properties  map[string]any `yaml:"properties"`
}

// Reconnect configures automatic reconnection.
type Reconnect struct {
	Enabled    bool          `yaml:"enabled"`
	MaxTimeout time.Duration `yaml:"maxTimeout"`
}

// Log configures operational and protocol logging.
type Log struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`

	// ProtocolFile receives protocol events in CBOR. Empty disables it.
	ProtocolFile string `yaml:"protocolFile"`

	// ProtocolConsole mirrors protocol events to the operational log.
	ProtocolConsole bool `yaml:"protocolConsole"`
}

// Default returns the default configuration. Transport.Host has no default.
func Default() *Config {
	backoff := retry.DefaultBackoffConfig()
	return &Config{
		Transport: Transport{
			SASL:        string(engine.SASLAnonymous),
			TLS:         TLS{Enabled: true},
			DialTimeout: goamqp.DefaultDialTimeout,
			OpTimeout:   goamqp.DefaultOpTimeout,
			MaxInFlight: goamqp.DefaultMaxInFlight,
		},
		Retry: Retry{
			Policy:              PolicyExponential,
			ImmediateFirstRetry: backoff.ImmediateFirstRetry,
			Normal:              backoff.Normal,
			Throttled:           backoff.Throttled,
			MaxTimeout:          retry.DefaultMaxTimeout,
		},
		CBS: cbs.DefaultConfig(),
		Links: Links{
			DetachTimeout: connection.DefaultDetachTimeout,
			AttachTimeout: connection.DefaultAttachTimeout,
		},
		Reconnect: Reconnect{
			Enabled:    true,
			MaxTimeout: retry.DefaultMaxTimeout,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates the configuration file at path. Settings the
// file leaves out keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML configuration data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.Decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges YAML data into c without validating it.
func (c *Config) Decode(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Encode writes c as YAML.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var err error
	add := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf(format, args...))
	}

	t := c.Transport
	if t.Host == "" {
		add("transport.host is required")
	}
	if t.Port < 0 || t.Port > 65535 {
		add("transport.port %d out of range", t.Port)
	}
	switch engine.SASLMechanism(strings.ToUpper(t.SASL)) {
	case engine.SASLAnonymous:
	case engine.SASLPlain:
		if t.Username == "" {
			add("transport.username is required for SASL PLAIN")
		}
	case engine.SASLExternal:
		if !t.TLS.Enabled || t.TLS.CertFile == "" {
			add("SASL EXTERNAL requires transport.tls with certFile and keyFile")
		}
	default:
		add("transport.sasl %q is not ANONYMOUS, PLAIN or EXTERNAL", t.SASL)
	}
	if t.MaxInFlight < 0 {
		add("transport.maxInFlight must not be negative")
	}

	switch c.Retry.Policy {
	case PolicyExponential:
		err = multierr.Append(err, validateParameters("retry.normal", c.Retry.Normal))
		err = multierr.Append(err, validateParameters("retry.throttled", c.Retry.Throttled))
	case PolicyNone:
	default:
		add("retry.policy %q is not %s or %s", c.Retry.Policy, PolicyExponential, PolicyNone)
	}
	for name := range c.Retry.Retryable {
		if _, ok := kindByName(name); !ok {
			add("retry.retryable: unknown error kind %q", name)
		}
	}

	if c.CBS.Timeout < 0 {
		add("cbs.timeout must not be negative")
	}
	if c.Links.Sender.Credit < 0 || c.Links.Receiver.Credit < 0 {
		add("links credit must not be negative")
	}

	if _, ok := parseLevel(c.Log.Level); !ok {
		add("log.level %q is not debug, info, warn or error", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format %q is not text or json", c.Log.Format)
	}
	return err
}

func validateParameters(section string, p retry.Parameters) error {
	var err error
	if p.CMin < 0 || p.CMax < p.CMin {
		err = multierr.Append(err, fmt.Errorf("%s: need 0 <= cmin <= cmax", section))
	}
	if p.C <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s: c must be positive", section))
	}
	if p.Ju < 0 || p.Ju > 1 || p.Jd < 0 || p.Jd > 1 {
		err = multierr.Append(err, fmt.Errorf("%s: jitter factors must be within [0, 1]", section))
	}
	return err
}

func kindByName(name string) (errs.Kind, bool) {
	for _, k := range errs.Kinds() {
		if k.String() == strings.ToUpper(name) {
			return k, true
		}
	}
	return errs.Unknown, false
}

func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
