package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writePair generates a self-signed pair and writes it to certFile/keyFile.
func writePair(t *testing.T, certFile, keyFile string, serial int64) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
}

func serialOf(t *testing.T, cert *x509.Certificate, raw []byte) int64 {
	t.Helper()
	if cert == nil {
		parsed, err := x509.ParseCertificate(raw)
		if err != nil {
			t.Fatalf("parse certificate: %v", err)
		}
		cert = parsed
	}
	return cert.SerialNumber.Int64()
}

func TestReloaderServesInitialPair(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	writePair(t, certFile, keyFile, 1)

	r, err := New(Config{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	cert := r.Certificate()
	if cert == nil {
		t.Fatal("expected a certificate")
	}
	if got := serialOf(t, cert.Leaf, cert.Certificate[0]); got != 1 {
		t.Errorf("expected serial 1, got %d", got)
	}

	cfg := r.TLSConfig()
	handed, err := cfg.GetCertificate(nil)
	if err != nil || handed == nil {
		t.Fatalf("GetCertificate: cert=%v err=%v", handed, err)
	}
}

func TestReloaderPicksUpRotation(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	writePair(t, certFile, keyFile, 1)

	r, err := New(Config{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	writePair(t, certFile, keyFile, 2)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cert := r.Certificate()
		if serialOf(t, cert.Leaf, cert.Certificate[0]) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("rotated certificate was not picked up")
}

func TestReloaderRequiresBothFiles(t *testing.T) {
	if _, err := New(Config{CertFile: "only.crt"}); err == nil {
		t.Error("expected an error without a key file")
	}
	if _, err := New(Config{CertFile: "missing.crt", KeyFile: "missing.key"}); err == nil {
		t.Error("expected an error for missing files")
	}
}
