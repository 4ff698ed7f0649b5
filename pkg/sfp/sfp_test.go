package sfp

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/nodestack/pkg/pool"
	"github.com/runZeroInc/nodestack/pkg/route"
	"github.com/runZeroInc/nodestack/pkg/socket"
	"github.com/runZeroInc/nodestack/pkg/wire"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// pairedTables builds two socket tables on the same node wired directly
// to each other's Dispatch (no real link layer needed for a unit test
// of the fragmentation layer; pkg/stack's tests exercise the full path
// over pkg/linkdrv). Each frame is dispatched on its own goroutine,
// because a sender holds its table's non-reentrant mutex across
// Transmit and the peer's reply would otherwise re-enter it.
func pairedTables(t *testing.T) (pA, pB *pool.Pool, tA, tB *socket.Table, ifcAtoB, ifcBtoA *route.Interface) {
	t.Helper()
	log := testLogger()

	pA = pool.New(wire.PoolSize, log)
	pB = pool.New(wire.PoolSize, log)
	rA := route.New(log)
	rB := route.New(log)
	tA = socket.New(1, pA, rA, log)
	tB = socket.New(1, pB, rB, log)

	ifcAtoB = &route.Interface{Name: "a2b", Address: 1, MTU: wire.MTU + wire.HeaderSize}
	ifcBtoA = &route.Interface{Name: "b2a", Address: 1, MTU: wire.MTU + wire.HeaderSize}
	ifcAtoB.Transmit = func(p *pool.Packet) error {
		frame := make([]byte, wire.HeaderSize+p.Length)
		hb := wire.Encode(p.HeaderRaw)
		copy(frame, hb[:])
		copy(frame[wire.HeaderSize:], p.Payload[:p.Length])
		go tB.Dispatch(ifcBtoA, frame)
		return nil
	}
	ifcBtoA.Transmit = func(p *pool.Packet) error {
		frame := make([]byte, wire.HeaderSize+p.Length)
		hb := wire.Encode(p.HeaderRaw)
		copy(frame, hb[:])
		copy(frame[wire.HeaderSize:], p.Payload[:p.Length])
		go tA.Dispatch(ifcAtoB, frame)
		return nil
	}
	if err := rA.Register(ifcAtoB); err != nil {
		t.Fatalf("register A: %v", err)
	}
	if err := rB.Register(ifcBtoA); err != nil {
		t.Fatalf("register B: %v", err)
	}
	if err := rA.Load("1:a2b"); err != nil {
		t.Fatalf("load A: %v", err)
	}
	if err := rB.Load("1:b2a"); err != nil {
		t.Fatalf("load B: %v", err)
	}
	return
}

func handshake(t *testing.T, tA, tB *socket.Table) (client, accepted *socket.Socket) {
	t.Helper()
	listener := tB.Open(socket.Reliable)
	if err := tB.Bind(listener, 10); err != nil {
		t.Fatalf("bind listener: %v", err)
	}
	if err := tB.Listen(listener); err != nil {
		t.Fatalf("listen: %v", err)
	}

	client = tA.Open(socket.Reliable)
	if err := tA.Bind(client, 11); err != nil {
		t.Fatalf("bind client: %v", err)
	}

	acceptCh := make(chan *socket.Socket, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s, err := tB.Accept(ctx, listener)
		if err != nil {
			t.Errorf("accept: %v", err)
		}
		acceptCh <- s
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tA.Connect(ctx, client, 1, 10); err != nil {
		t.Fatalf("connect: %v", err)
	}
	accepted = <-acceptCh
	return client, accepted
}

func TestSendRecvRoundTrip(t *testing.T) {
	pA, pB, tA, tB, _, _ := pairedTables(t)
	client, accepted := handshake(t, tA, tB)

	payload := bytes.Repeat([]byte("A"), 512)

	sendDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sendDone <- Send(ctx, tA, client, payload)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	chain, err := Recv(ctx, tB, pB, accepted)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-sendDone; err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []byte
	count := 0
	for pk := chain; pk != nil; pk = pk.Next {
		got = append(got, pk.Payload[:pk.Length]...)
		count++
	}
	if count != 5 {
		t.Fatalf("fragment count = %d, want 5 (four 123-byte + one 20-byte)", count)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch")
	}
	pB.FreeChain(chain)

	if got := pA.FreeCount(); got != wire.PoolSize {
		t.Fatalf("pool A FreeCount() = %d, want %d after send completes", got, wire.PoolSize)
	}
}

func TestSendRejectsUnreliableSocket(t *testing.T) {
	log := testLogger()
	p := pool.New(wire.PoolSize, log)
	r := route.New(log)
	tbl := socket.New(1, p, r, log)
	s := tbl.Open(socket.Unreliable)
	if err := tbl.Bind(s, 5); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := Send(context.Background(), tbl, s, []byte("x")); err != wire.ErrInvalidArgument {
		t.Fatalf("Send on unreliable socket = %v, want ErrInvalidArgument", err)
	}
	if chain, err := Recv(context.Background(), tbl, p, s); err != wire.ErrInvalidArgument || chain != nil {
		t.Fatalf("Recv on unreliable socket = (%v, %v), want (nil, ErrInvalidArgument)", chain, err)
	}
}

func TestSendTooManyFragmentsFails(t *testing.T) {
	pA, _, tA, tB, _, _ := pairedTables(t)
	client, _ := handshake(t, tA, tB)
	_ = pA

	huge := make([]byte, (wire.SFPMaxFragments+1)*wire.SFPMaxPayload)
	if err := Send(context.Background(), tA, client, huge); err != wire.ErrInvalidArgument {
		t.Fatalf("Send with too many fragments = %v, want ErrInvalidArgument", err)
	}
}
