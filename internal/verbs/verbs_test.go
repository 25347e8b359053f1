package verbs

import (
	"testing"

	"github.com/go-rdmasec/rdmasec/internal/rdmaerr"
)

func mustDevice(t *testing.T, fabric *Fabric) *Device {
	t.Helper()
	d, err := OpenDevice(fabric)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	return d
}

// side builds one half of a connection: pd, cqs, qp, mrs, buffers. It mirrors
// the module's own resource creation order.
type side struct {
	pd     *ProtectionDomain
	sendCQ *CompletionQueue
	recvCQ *CompletionQueue
	qp     *QueuePair
	sendMR *MemoryRegion
	recvMR *MemoryRegion
}

func newSide(t *testing.T, d *Device) *side {
	t.Helper()
	pd, err := NewProtectionDomain(d)
	if err != nil {
		t.Fatalf("new pd: %v", err)
	}
	sendCQ, err := NewCompletionQueue(d, 10)
	if err != nil {
		t.Fatalf("new send cq: %v", err)
	}
	recvCQ, err := NewCompletionQueue(d, 10)
	if err != nil {
		t.Fatalf("new recv cq: %v", err)
	}
	qp, err := NewQueuePair(pd, sendCQ, recvCQ)
	if err != nil {
		t.Fatalf("new qp: %v", err)
	}
	sendBuf := make([]byte, 4096)
	recvBuf := make([]byte, 4096)
	sendMR, err := RegisterMemoryRegion(pd, sendBuf, AccessLocalWrite)
	if err != nil {
		t.Fatalf("register send mr: %v", err)
	}
	recvMR, err := RegisterMemoryRegion(pd, recvBuf, AccessLocalWrite|AccessRemoteWrite)
	if err != nil {
		t.Fatalf("register recv mr: %v", err)
	}
	return &side{pd: pd, sendCQ: sendCQ, recvCQ: recvCQ, qp: qp, sendMR: sendMR, recvMR: recvMR}
}

func (s *side) destroy() {
	s.sendMR.Deregister()
	s.recvMR.Deregister()
	s.qp.Destroy()
	s.sendCQ.Destroy()
	s.recvCQ.Destroy()
	s.pd.Dealloc()
}

func TestFullLifecycleEchoesData(t *testing.T) {
	fabric := NewFabric()
	d := mustDevice(t, fabric)
	defer d.Close()

	client := newSide(t, d)
	server := newSide(t, d)

	const clientPSN, serverPSN = 0x2807d5, 0x9f8541

	if err := client.qp.ModifyToInit(1, AccessLocalWrite|AccessRemoteWrite|AccessRemoteRead); err != nil {
		t.Fatalf("client init: %v", err)
	}
	if err := server.qp.ModifyToInit(1, AccessLocalWrite|AccessRemoteWrite|AccessRemoteRead); err != nil {
		t.Fatalf("server init: %v", err)
	}

	if err := client.qp.ModifyToRTR(RTRParams{
		PathMTU: 1024,
		Remote:  RemoteParams{QPNum: server.qp.Num(), LID: d.Port().LID, GID: d.Port().GID, PSN: serverPSN},
	}); err != nil {
		t.Fatalf("client rtr: %v", err)
	}
	if err := server.qp.ModifyToRTR(RTRParams{
		PathMTU: 1024,
		Remote:  RemoteParams{QPNum: client.qp.Num(), LID: d.Port().LID, GID: d.Port().GID, PSN: clientPSN},
	}); err != nil {
		t.Fatalf("server rtr: %v", err)
	}

	if err := client.qp.ModifyToRTS(RTSParams{LocalPSN: clientPSN, RetryCount: 7, RnrRetryCount: 7, Timeout: 14}); err != nil {
		t.Fatalf("client rts: %v", err)
	}
	if err := server.qp.ModifyToRTS(RTSParams{LocalPSN: serverPSN, RetryCount: 7, RnrRetryCount: 7, Timeout: 14}); err != nil {
		t.Fatalf("server rts: %v", err)
	}

	// Each side's local PSN must equal the peer's recorded remote PSN.
	if client.qp.LocalPSN() != server.qp.RemotePSN() {
		t.Errorf("client local psn %d != server remote psn %d", client.qp.LocalPSN(), server.qp.RemotePSN())
	}
	if server.qp.LocalPSN() != client.qp.RemotePSN() {
		t.Errorf("server local psn %d != client remote psn %d", server.qp.LocalPSN(), client.qp.RemotePSN())
	}

	if err := server.qp.PostRecv(server.recvMR); err != nil {
		t.Fatalf("server post recv: %v", err)
	}
	if err := client.qp.PostSend([]byte("hello")); err != nil {
		t.Fatalf("client post send: %v", err)
	}

	wc, ok := server.qp.RecvCQ().Poll()
	if !ok {
		t.Fatal("no completion on server recv cq")
	}
	if !wc.OK || string(wc.Data) != "hello" {
		t.Fatalf("unexpected recv completion: %+v", wc)
	}

	swc, ok := client.qp.SendCQ().Poll()
	if !ok || !swc.OK {
		t.Fatalf("unexpected send completion: %+v ok=%v", swc, ok)
	}

	client.destroy()
	server.destroy()
	d.Close()
}

func TestModifyToRTRRejectsOutOfRangePSN(t *testing.T) {
	d := mustDevice(t, nil)
	s := newSide(t, d)
	if err := s.qp.ModifyToInit(1, AccessLocalWrite); err != nil {
		t.Fatalf("init: %v", err)
	}
	err := s.qp.ModifyToRTR(RTRParams{Remote: RemoteParams{PSN: 1 << 24}})
	if err == nil {
		t.Fatal("expected error for out-of-range psn")
	}
	var te *rdmaerr.QpTransitionError
	if !asQpTransitionError(err, &te) {
		t.Fatalf("expected QpTransitionError, got %T: %v", err, err)
	}
}

func TestTransitionsMustBeInOrder(t *testing.T) {
	d := mustDevice(t, nil)
	s := newSide(t, d)

	if err := s.qp.ModifyToRTR(RTRParams{Remote: RemoteParams{PSN: 1}}); err == nil {
		t.Fatal("expected error skipping INIT")
	}
	if err := s.qp.ModifyToInit(1, AccessLocalWrite); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.qp.ModifyToRTS(RTSParams{LocalPSN: 1}); err == nil {
		t.Fatal("expected error skipping RTR")
	}
}

func TestPostSendWithoutPeerReceiveFails(t *testing.T) {
	fabric := NewFabric()
	d := mustDevice(t, fabric)
	client := newSide(t, d)
	server := newSide(t, d)

	if err := client.qp.ModifyToInit(1, AccessLocalWrite); err != nil {
		t.Fatal(err)
	}
	if err := server.qp.ModifyToInit(1, AccessLocalWrite); err != nil {
		t.Fatal(err)
	}
	if err := client.qp.ModifyToRTR(RTRParams{Remote: RemoteParams{QPNum: server.qp.Num(), PSN: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := client.qp.ModifyToRTS(RTSParams{LocalPSN: 1}); err != nil {
		t.Fatal(err)
	}

	// server never posts a receive
	if err := client.qp.PostSend([]byte("x")); err == nil {
		t.Fatal("expected send failure with no receive posted")
	}
	wc, ok := client.qp.SendCQ().Poll()
	if !ok || wc.OK {
		t.Fatalf("expected failed send completion, got %+v ok=%v", wc, ok)
	}
}

func TestResourceLeakFreedom(t *testing.T) {
	fabric := NewFabric()
	d := mustDevice(t, fabric)

	for i := 0; i < 10; i++ {
		s := newSide(t, d)
		s.destroy()
	}

	if n := len(fabric.qps); n != 0 {
		t.Fatalf("fabric still has %d registered qps after teardown", n)
	}
}

func asQpTransitionError(err error, target **rdmaerr.QpTransitionError) bool {
	if e, ok := err.(*rdmaerr.QpTransitionError); ok {
		*target = e
		return true
	}
	return false
}
