package goamqp

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelink/devicelink-go/pkg/engine"
	"github.com/devicelink/devicelink-go/pkg/errs"
)

func TestURL(t *testing.T) {
	assert.Equal(t, "amqp://hub.example.net:5672", URL(&engine.TransportParams{Host: "hub.example.net"}))
	assert.Equal(t, "amqps://hub.example.net:5671", URL(&engine.TransportParams{Host: "hub.example.net", TLS: &tls.Config{}}))
	assert.Equal(t, "amqps://[::1]:8883", URL(&engine.TransportParams{Host: "::1", Port: 8883, TLS: &tls.Config{}}))
}

func TestConnOptions(t *testing.T) {
	p := &engine.TransportParams{
		Host:        "hub.example.net",
		ContainerID: "device-1",
		IdleTimeout: 2 * time.Minute,
		Properties:  map[string]any{"com.example:client-version": "1.0"},
	}
	opts, err := connOptions(p)
	require.NoError(t, err)
	assert.Equal(t, "device-1", opts.ContainerID)
	assert.Equal(t, "hub.example.net", opts.HostName)
	assert.Equal(t, 2*time.Minute, opts.IdleTimeout)
	assert.Equal(t, "1.0", opts.Properties["com.example:client-version"])
	assert.NotNil(t, opts.SASLType, "anonymous by default")

	p.SASL = engine.SASLPlain
	p.Username, p.Password = "user", "secret"
	opts, err = connOptions(p)
	require.NoError(t, err)
	assert.NotNil(t, opts.SASLType)

	p.SASL = engine.SASLExternal
	_, err = connOptions(p)
	assert.True(t, errs.IsKind(err, errs.Argument), "EXTERNAL without TLS: %v", err)

	p.TLS = &tls.Config{}
	opts, err = connOptions(p)
	require.NoError(t, err)
	assert.Same(t, p.TLS, opts.TLSConfig)

	p.SASL = "KERBEROS"
	_, err = connOptions(p)
	assert.True(t, errs.IsKind(err, errs.Argument))
}

func TestDialArguments(t *testing.T) {
	e := New(Config{})
	_, err := e.Dial(nil, func(engine.Event) {})
	assert.True(t, errs.IsKind(err, errs.Argument))
	_, err = e.Dial(&engine.TransportParams{}, func(engine.Event) {})
	assert.True(t, errs.IsKind(err, errs.Argument))
}

func TestDialRefused(t *testing.T) {
	// Reserve a port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	events := make(chan engine.Event, 4)
	e := New(Config{})
	c, err := e.Dial(&engine.TransportParams{Host: "127.0.0.1", Port: port, DialTimeout: 5 * time.Second}, func(ev engine.Event) {
		events <- ev
	})
	require.NoError(t, err, "dial errors are reported asynchronously")

	select {
	case ev := <-events:
		assert.Equal(t, engine.ConnectionError, ev.Type)
		assert.Error(t, ev.Err)
	case <-time.After(10 * time.Second):
		t.Fatal("no connection event")
	}

	_, err = c.NewSession(func(engine.Event) {})
	assert.True(t, errs.IsKind(err, errs.NotConnected))
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestNewDefaults(t *testing.T) {
	e := New(Config{})
	assert.Equal(t, DefaultOpTimeout, e.cfg.OpTimeout)
	assert.Equal(t, DefaultMaxInFlight, e.cfg.MaxInFlight)
	assert.Equal(t, DefaultConfig(), e.cfg)
}
