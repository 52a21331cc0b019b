// Package pki builds *tls.Config values for MySQL connections that may
// require server verification, mutual TLS, or neither, as selected by
// store.Connection's TLSMode field. It is adapted from the teacher's mTLS-only
// agent/server pair (NewClientTLSConfig/NewServerTLSConfig always required
// a client certificate) into a general client-side helper where only the
// CA is mandatory and the client certificate is optional.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Mode selects how strictly a MySQL connection's transport is secured.
type Mode string

const (
	// ModeDisabled uses a plain, unencrypted connection.
	ModeDisabled Mode = "disabled"
	// ModePreferred attempts TLS with the server's certificate accepted
	// without chain verification (opportunistic encryption only).
	ModePreferred Mode = "preferred"
	// ModeVerifyCA requires TLS and verifies the server certificate
	// against a trusted CA pool.
	ModeVerifyCA Mode = "verify_ca"
	// ModeMutual requires TLS, verifies the server certificate against a
	// trusted CA pool, and additionally presents a client certificate.
	ModeMutual Mode = "mutual"
)

// Params describes the material needed to build a client TLS config for
// one Connection. CACertPath is required for ModeVerifyCA and ModeMutual;
// ClientCertPath/ClientKeyPath are required for ModeMutual only.
type Params struct {
	Mode           Mode
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
	ServerName     string
}

// NewClientTLSConfig builds a *tls.Config suitable for go-sql-driver/mysql's
// mysql.RegisterTLSConfig, or nil when Mode is ModeDisabled (the caller should
// then omit TLS from the DSN entirely).
func NewClientTLSConfig(p Params) (*tls.Config, error) {
	switch p.Mode {
	case ModeDisabled, "":
		return nil, nil
	case ModePreferred:
		return &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true,
			ServerName:         p.ServerName,
		}, nil
	case ModeVerifyCA:
		caPool, err := loadCACertPool(p.CACertPath)
		if err != nil {
			return nil, err
		}
		return &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    caPool,
			ServerName: p.ServerName,
		}, nil
	case ModeMutual:
		caPool, err := loadCACertPool(p.CACertPath)
		if err != nil {
			return nil, err
		}
		cert, err := tls.LoadX509KeyPair(p.ClientCertPath, p.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			RootCAs:      caPool,
			Certificates: []tls.Certificate{cert},
			ServerName:   p.ServerName,
		}, nil
	default:
		return nil, fmt.Errorf("unknown tls mode %q", p.Mode)
	}
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	if caCertPath == "" {
		return nil, fmt.Errorf("ca_cert_path is required for this tls mode")
	}
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
