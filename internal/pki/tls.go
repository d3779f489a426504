// Package pki builds the mTLS *tls.Config values tlsengine.Engine drives:
// both peers authenticate with a certificate issued by the same CA, TLS 1.3
// is mandatory, and ALPN is wired through so tlsengine can surface the
// negotiated application protocol on its ALPN future.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewClientTLSConfig builds the dialing side's mTLS config. alpnProtocols,
// if non-empty, is offered in preference order via NextProtos; tlsengine
// reads whatever the handshake settles on back out of ConnectionState.
func NewClientTLSConfig(caCertPath, clientCertPath, clientKeyPath string, alpnProtocols []string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		NextProtos:   alpnProtocols,
	}, nil
}

// NewServerTLSConfig builds the accepting side's mTLS config, requiring and
// verifying a client certificate signed by the same CA. alpnProtocols, if
// non-empty, is the set the server is willing to negotiate.
func NewServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string, alpnProtocols []string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		NextProtos:   alpnProtocols,
	}, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
