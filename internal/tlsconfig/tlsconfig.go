// Package tlsconfig builds TLS configuration for the bridge's gRPC endpoint
// and its clients from PEM files on disk.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var ErrMissingKeyPair = errors.New("certificate and key are both required")

// Config locates the PEM files for one side of a connection.
type Config struct {
	CertPath string
	KeyPath  string

	// CACertPath verifies the peer. On a server it also turns on client
	// certificate verification. A client without one uses the system pool.
	CACertPath string

	ServerName string
	Server     bool
}

// Enabled reports whether any TLS material has been configured.
func (c *Config) Enabled() bool {
	return c.CertPath != "" || c.KeyPath != "" || c.CACertPath != ""
}

// SetupTLS loads the files named by config into a TLS 1.3 configuration.
func SetupTLS(config *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		ServerName: config.ServerName,
	}

	if config.CertPath != "" || config.KeyPath != "" {
		if config.CertPath == "" || config.KeyPath == "" {
			return nil, ErrMissingKeyPair
		}

		cert, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}

		tlsConfig.Certificates = []tls.Certificate{cert}
	} else if config.Server {
		return nil, ErrMissingKeyPair
	}

	if config.CACertPath == "" {
		return tlsConfig, nil
	}

	caCert, err := os.ReadFile(config.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf(
			"failed to parse CA certificate '%s'",
			config.CACertPath,
		)
	}

	if config.Server {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = caCertPool
	} else {
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}
