package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
)

// TLSConfig holds TLS options, mostly useful against self-hosted NucliaDB.
type TLSConfig struct {
	InsecureSkipVerify bool   // Skip certificate verification (dev/test only)
	CACertificate      string // Path to a PEM CA bundle
}

// ConfigureTLS creates a transport with the given TLS options.
func ConfigureTLS(config *TLSConfig) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	if config == nil {
		return transport, nil
	}

	if config.CACertificate != "" {
		caCert, err := os.ReadFile(config.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", config.CACertificate, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", config.CACertificate)
		}
		transport.TLSClientConfig.RootCAs = pool
	}

	if config.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	return transport, nil
}

// NewTLSClient returns an *http.Client suitable for WithHTTPClient.
func NewTLSClient(config *TLSConfig) (*http.Client, error) {
	transport, err := ConfigureTLS(config)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport}, nil
}
