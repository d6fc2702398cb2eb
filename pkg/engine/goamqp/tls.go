package goamqp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// MinTLSVersion is the lowest TLS version the service accepts.
const MinTLSVersion = tls.VersionTLS12

// TLSConfig holds configuration for TLS connections to the service.
type TLSConfig struct {
	// Certificate is the client certificate for X.509 authentication
	// (SASL EXTERNAL). Nil for token authentication.
	Certificate *tls.Certificate

	// RootCAs is the pool of trusted CA certificates. Nil uses the system pool.
	RootCAs *x509.CertPool

	// ServerName is the expected server name. Defaults to the host.
	ServerName string

	// InsecureSkipVerify disables certificate verification.
	// Only for testing - never use in production!
	InsecureSkipVerify bool

	// VerifyPeerCertificate is an optional callback for custom certificate verification.
	VerifyPeerCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// NewClientTLSConfig creates a TLS configuration for connecting to the service.
func NewClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}
	if cfg.Certificate != nil && len(cfg.Certificate.Certificate) == 0 {
		return nil, fmt.Errorf("client certificate is empty")
	}

	tlsConfig := &tls.Config{
		MinVersion: MinTLSVersion,

		// CA pool for verifying server certificates
		RootCAs: cfg.RootCAs,

		ServerName: cfg.ServerName,

		// Curve preferences for key exchange
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
			tls.CurveP384,
		},

		VerifyPeerCertificate: cfg.VerifyPeerCertificate,
		VerifyConnection:      VerifyTLSVersion,

		// For testing only
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.Certificate != nil {
		tlsConfig.Certificates = []tls.Certificate{*cfg.Certificate}
	}

	return tlsConfig, nil
}

// TLSFiles names PEM files to build a TLSConfig from.
type TLSFiles struct {
	CAFile   string `yaml:"caFile"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// LoadTLSConfig reads the PEM files in files and builds a TLSConfig.
// CertFile and KeyFile must be given together.
func LoadTLSConfig(files TLSFiles) (*TLSConfig, error) {
	cfg := &TLSConfig{}

	if files.CAFile != "" {
		pem, err := os.ReadFile(files.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", files.CAFile)
		}
		cfg.RootCAs = pool
	}

	if (files.CertFile == "") != (files.KeyFile == "") {
		return nil, fmt.Errorf("certFile and keyFile must be set together")
	}
	if files.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificate = &cert
	}

	return cfg, nil
}

// VerifyTLSVersion checks that a TLS connection negotiated at least MinTLSVersion.
func VerifyTLSVersion(state tls.ConnectionState) error {
	if state.Version < MinTLSVersion {
		return fmt.Errorf("TLS version %x is below TLS 1.2 (0x0303)", state.Version)
	}
	return nil
}
