package rdmasec

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/go-rdmasec/rdmasec/internal/control"
	"github.com/go-rdmasec/rdmasec/internal/rdmaerr"
	"github.com/go-rdmasec/rdmasec/internal/verbs"
	"github.com/rs/zerolog"
)

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
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: cert}
}

// testPair wires a real loopback TLS connection and a shared software
// verbs fabric, then runs establish on both ends concurrently, mirroring
// the server/client symmetry of the real connection-establishment flow.
func testPair(t *testing.T) (client, server *Session, device *verbs.Device) {
	t.Helper()

	cert := generateSelfSignedCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	fabric := verbs.NewFabric()
	device, err = verbs.OpenDevice(fabric)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}

	cfg := establishConfig{CQDepth: 10, BufferSize: 4096, PathMTU: 1024}

	type result struct {
		s   *Session
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			serverCh <- result{nil, err}
			return
		}
		ch, err := control.Accept(raw, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			serverCh <- result{nil, err}
			return
		}
		s, err := establish(ch, device, cfg, nil)
		serverCh <- result{s, err}
	}()

	clientCh, err := control.Dial(ln.Addr().String(), &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // test-only loopback trust
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	clientSess, err := establish(clientCh, device, cfg, nil)
	if err != nil {
		t.Fatalf("client establish: %v", err)
	}

	r := <-serverCh
	if r.err != nil {
		t.Fatalf("server establish: %v", r.err)
	}

	return clientSess, r.s, device
}

func TestEstablishSymmetryAndEcho(t *testing.T) {
	client, server, device := testPair(t)
	defer device.Close()
	defer teardown(client, nil)
	defer teardown(server, nil)

	if client.state != StateOpen || server.state != StateOpen {
		t.Fatalf("expected both sessions OPEN, got client=%v server=%v", client.state, server.state)
	}

	// Testable property 2: symmetry.
	if client.localPSN != server.remotePSN {
		t.Errorf("client local psn %d != server remote psn %d", client.localPSN, server.remotePSN)
	}
	if server.localPSN != client.remotePSN {
		t.Errorf("server local psn %d != client remote psn %d", server.localPSN, client.remotePSN)
	}
	if client.QPNum() != server.remoteParams.QPNum {
		t.Errorf("client qp_num %d != server's view of it %d", client.QPNum(), server.remoteParams.QPNum)
	}

	// Happy-path echo.
	if err := Send(client, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		if data, ok, failed := PollRecv(server); ok {
			if failed {
				t.Fatal("recv completion failed")
			}
			got = data
			break
		}
		time.Sleep(time.Millisecond)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}

	if err := Send(server, got); err != nil {
		t.Fatalf("echo send: %v", err)
	}
	deadline = time.Now().Add(time.Second)
	var echoed []byte
	for time.Now().Before(deadline) {
		if data, ok, failed := PollRecv(client); ok {
			if failed {
				t.Fatal("recv completion failed")
			}
			echoed = data
			break
		}
		time.Sleep(time.Millisecond)
	}
	if string(echoed) != "hello" {
		t.Fatalf("echoed %q, want %q", echoed, "hello")
	}
}

func TestOrderedTransitionsPrefix(t *testing.T) {
	seq := []State{StateNew, StateTLSReady, StatePsnSent, StatePsnRecvd, StateResourcesReady}
	if !IsPrefixOfOrder(seq) {
		t.Error("expected valid prefix to be accepted")
	}
	bad := []State{StateNew, StatePsnSent, StateTLSReady}
	if IsPrefixOfOrder(bad) {
		t.Error("expected out-of-order sequence to be rejected")
	}
	withFailure := []State{StateNew, StateTLSReady, StateFailed}
	if !IsPrefixOfOrder(withFailure) {
		t.Error("expected prefix+FAILED to be accepted")
	}
}

func TestGracefulDisconnectThreeWay(t *testing.T) {
	client, server, device := testPair(t)
	defer device.Close()

	timeouts := DisconnectTimeouts{Initiator: 5 * time.Second, Responder: 3 * time.Second}

	done := make(chan error, 1)
	go func() {
		done <- RunMessageLoop(context.Background(), server, timeouts, nil, nil)
	}()

	if err := InitiateDisconnect(client, timeouts, nil, nil); err != nil {
		t.Fatalf("initiate disconnect: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server message loop: %v", err)
	}
}

func TestDisconnectTimeoutFallback(t *testing.T) {
	client, server, device := testPair(t)
	defer device.Close()
	defer teardown(server, nil)

	// Simulate an unresponsive peer: never run the responder side.
	err := InitiateDisconnect(client, DisconnectTimeouts{Initiator: 50 * time.Millisecond, Responder: time.Second}, nil, nil)
	var te *rdmaerr.DisconnectTimeoutError
	if e, ok := err.(*rdmaerr.DisconnectTimeoutError); ok {
		te = e
	}
	if te == nil || te.Role != "initiator" {
		t.Fatalf("expected initiator timeout error, got %v", err)
	}
}

func TestRegistryCapacityRejection(t *testing.T) {
	cert := generateSelfSignedCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	reg, err := NewRegistry(1, 10, 4096, 1024, "rdmasec0", DisconnectTimeouts{Initiator: time.Second, Responder: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true} //nolint:gosec // test-only loopback trust

	accepted := make(chan error, 2)
	go func() {
		for i := 0; i < 2; i++ {
			raw, err := ln.Accept()
			if err != nil {
				accepted <- err
				return
			}
			_, err = reg.Accept(raw, serverCfg)
			accepted <- err
		}
	}()

	clientDevice, err := verbs.OpenDevice(nil)
	if err != nil {
		t.Fatalf("open client device: %v", err)
	}
	defer clientDevice.Close()

	c1, err := control.Dial(ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer c1.Close()
	// Registry.Accept only returns once establishment completes, so the
	// admitted client has to drive its own side of it.
	cs1, err := establish(c1, clientDevice, establishConfig{CQDepth: 10, BufferSize: 4096, PathMTU: 1024}, nil)
	if err != nil {
		t.Fatalf("client 1 establish: %v", err)
	}
	defer teardown(cs1, nil)
	if err := <-accepted; err != nil {
		t.Fatalf("first session should be admitted: %v", err)
	}
	if got := reg.NumClients(); got != 1 {
		t.Fatalf("num clients = %d, want 1", got)
	}

	c2, err := control.Dial(ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer c2.Close()
	err = <-accepted
	if err == nil {
		t.Fatal("expected second session to be rejected at capacity")
	}
}

func TestPsnCollisionRejected(t *testing.T) {
	fabric := verbs.NewFabric()
	device, err := verbs.OpenDevice(fabric)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	defer device.Close()

	cert := generateSelfSignedCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	// Rig both sides' PSN source to return the same value.
	old := generatePSN
	generatePSN = func() (uint32, error) { return 0x424242, nil }
	defer func() { generatePSN = old }()

	cfg := establishConfig{CQDepth: 10, BufferSize: 4096, PathMTU: 1024}

	serverErr := make(chan error, 1)
	go func() {
		raw, aerr := ln.Accept()
		if aerr != nil {
			serverErr <- aerr
			return
		}
		ch, aerr := control.Accept(raw, &tls.Config{Certificates: []tls.Certificate{cert}})
		if aerr != nil {
			serverErr <- aerr
			return
		}
		_, aerr = establish(ch, device, cfg, nil)
		serverErr <- aerr
	}()

	clientCh, err := control.Dial(ln.Addr().String(), &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // test-only loopback trust
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, clientErr := establish(clientCh, device, cfg, nil)

	if clientErr == nil {
		t.Fatal("expected client establish to fail with psn collision")
	}
	if !errors.Is(clientErr, rdmaerr.ErrPsnCollision) {
		t.Errorf("client error = %v, want ErrPsnCollision", clientErr)
	}

	if err := <-serverErr; err == nil {
		t.Fatal("expected server establish to fail with psn collision")
	} else if !errors.Is(err, rdmaerr.ErrPsnCollision) {
		t.Errorf("server error = %v, want ErrPsnCollision", err)
	}
}
