package control

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

// generateSelfSignedCert produces an in-memory cert/key pair for loopback
// TLS tests. Real certificate issuance is out of scope for the module; this
// is test-only scaffolding.
func generateSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "rdmasec-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        cert,
	}
}

func listenLoopback(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln, ln.Addr().String()
}

func TestChannelFrameRoundTrip(t *testing.T) {
	cert := generateSelfSignedCert(t)
	ln, addr := listenLoopback(t)
	defer ln.Close()

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true} //nolint:gosec // test-only loopback cert trust

	serverCh := make(chan *Channel, 1)
	errCh := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		ch, err := Accept(raw, serverCfg)
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- ch
	}()

	clientCh, err := Dial(addr, clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientCh.Close()

	var server *Channel
	select {
	case server = <-serverCh:
	case err := <-errCh:
		t.Fatalf("accept: %v", err)
	}
	defer server.Close()

	want := PsnRecord{PSN: 0x2807d5}
	if err := clientCh.WriteFrame(want.Marshal()); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	rec, err := UnmarshalPsnRecord(got)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec != want {
		t.Errorf("got %+v, want %+v", rec, want)
	}

	if server.ConnectionState().Version < tls.VersionTLS12 {
		t.Errorf("negotiated tls version below 1.2: %x", server.ConnectionState().Version)
	}
}

func TestChannelReadFrameOnClosedPeerIsPeerClosed(t *testing.T) {
	cert := generateSelfSignedCert(t)
	ln, addr := listenLoopback(t)
	defer ln.Close()

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true} //nolint:gosec // test-only loopback cert trust

	done := make(chan struct{})
	go func() {
		defer close(done)
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		ch, err := Accept(raw, serverCfg)
		if err != nil {
			return
		}
		ch.Close()
	}()

	clientCh, err := Dial(addr, clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientCh.Close()
	<-done

	if _, err := clientCh.ReadFrame(); err == nil {
		t.Fatal("expected error reading from closed peer")
	}
}
