package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testPKI struct {
	CACertPath     string
	ServerCertPath string
	ServerKeyPath  string
	ClientCertPath string
	ClientKeyPath  string
}

func generateTestPKI(t *testing.T) *testPKI {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}

	caCertPath := filepath.Join(dir, "ca.pem")
	writePEM(t, caCertPath, "CERTIFICATE", caCertDER)

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating server key: %v", err)
	}

	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Server"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}

	serverCertDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating server certificate: %v", err)
	}

	serverCertPath := filepath.Join(dir, "server.pem")
	writePEM(t, serverCertPath, "CERTIFICATE", serverCertDER)

	serverKeyPath := filepath.Join(dir, "server-key.pem")
	writeKeyPEM(t, serverKeyPath, serverKey)

	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating client key: %v", err)
	}

	clientTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "Test Client"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	clientCertDER, err := x509.CreateCertificate(rand.Reader, clientTemplate, caCert, &clientKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating client certificate: %v", err)
	}

	clientCertPath := filepath.Join(dir, "client.pem")
	writePEM(t, clientCertPath, "CERTIFICATE", clientCertDER)

	clientKeyPath := filepath.Join(dir, "client-key.pem")
	writeKeyPEM(t, clientKeyPath, clientKey)

	return &testPKI{
		CACertPath:     caCertPath,
		ServerCertPath: serverCertPath,
		ServerKeyPath:  serverKeyPath,
		ClientCertPath: clientCertPath,
		ClientKeyPath:  clientKeyPath,
	}
}

func writePEM(t *testing.T, path, blockType string, data []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating file %s: %v", path, err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: data}); err != nil {
		t.Fatalf("encoding PEM: %v", err)
	}
}

func writeKeyPEM(t *testing.T, path string, key *ecdsa.PrivateKey) {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling EC key: %v", err)
	}
	writePEM(t, path, "EC PRIVATE KEY", der)
}

func TestNewClientTLSConfig_Disabled(t *testing.T) {
	cfg, err := NewClientTLSConfig(Params{Mode: ModeDisabled})
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil config for disabled mode, got %+v", cfg)
	}
}

func TestNewClientTLSConfig_Preferred(t *testing.T) {
	cfg, err := NewClientTLSConfig(Params{Mode: ModePreferred, ServerName: "localhost"})
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("expected preferred mode to skip verification")
	}
}

func TestNewClientTLSConfig_VerifyCA(t *testing.T) {
	pki := generateTestPKI(t)

	cfg, err := NewClientTLSConfig(Params{Mode: ModeVerifyCA, CACertPath: pki.CACertPath, ServerName: "localhost"})
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("expected non-nil RootCAs")
	}
	if len(cfg.Certificates) != 0 {
		t.Error("expected no client certificate in verify_ca mode")
	}
}

func TestNewClientTLSConfig_VerifyCA_MissingCAPath(t *testing.T) {
	_, err := NewClientTLSConfig(Params{Mode: ModeVerifyCA})
	if err == nil {
		t.Fatal("expected error when ca_cert_path is missing")
	}
}

func TestNewClientTLSConfig_Mutual(t *testing.T) {
	pki := generateTestPKI(t)

	cfg, err := NewClientTLSConfig(Params{
		Mode: ModeMutual, CACertPath: pki.CACertPath,
		ClientCertPath: pki.ClientCertPath, ClientKeyPath: pki.ClientKeyPath,
		ServerName: "localhost",
	})
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("expected 1 client certificate, got %d", len(cfg.Certificates))
	}
	if cfg.RootCAs == nil {
		t.Error("expected non-nil RootCAs")
	}
}

func TestNewClientTLSConfig_InvalidCACert(t *testing.T) {
	dir := t.TempDir()
	fakeCa := filepath.Join(dir, "fake-ca.pem")
	os.WriteFile(fakeCa, []byte("not a certificate"), 0644)

	_, err := NewClientTLSConfig(Params{Mode: ModeVerifyCA, CACertPath: fakeCa})
	if err == nil {
		t.Fatal("expected error for invalid CA cert")
	}
}

func TestNewClientTLSConfig_MissingClientCertFile(t *testing.T) {
	pki := generateTestPKI(t)
	_, err := NewClientTLSConfig(Params{
		Mode: ModeMutual, CACertPath: pki.CACertPath,
		ClientCertPath: "/nonexistent/client.pem", ClientKeyPath: "/nonexistent/key.pem",
	})
	if err == nil {
		t.Fatal("expected error for missing cert file")
	}
}

func TestNewClientTLSConfig_UnknownMode(t *testing.T) {
	_, err := NewClientTLSConfig(Params{Mode: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown tls mode")
	}
}

func TestVerifyCATLSConnection(t *testing.T) {
	pki := generateTestPKI(t)

	serverCert, err := tls.LoadX509KeyPair(pki.ServerCertPath, pki.ServerKeyPath)
	if err != nil {
		t.Fatalf("loading server cert: %v", err)
	}
	serverCfg := &tls.Config{Certificates: []tls.Certificate{serverCert}}

	clientCfg, err := NewClientTLSConfig(Params{Mode: ModeVerifyCA, CACertPath: pki.CACertPath, ServerName: "localhost"})
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("TLS listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			done <- err
			return
		}
		_, err = conn.Write(buf[:n])
		done <- err
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("TLS dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("hello tls")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("writing to TLS conn: %v", err)
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading from TLS conn: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Errorf("expected %q, got %q", msg, buf[:n])
	}

	if err := <-done; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

