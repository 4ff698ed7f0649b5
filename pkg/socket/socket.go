// Package socket implements the fixed socket pool, the reliable
// connection state machine and stop-and-wait ARQ, connectionless
// datagram send/recv, and the ingress dispatcher that ties received
// frames back to a socket.
package socket

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/nodestack/pkg/pool"
	"github.com/runZeroInc/nodestack/pkg/route"
	"github.com/runZeroInc/nodestack/pkg/wire"
)

// SockType distinguishes reliable (connection-oriented, ARQ) sockets
// from unreliable (connectionless) ones.
type SockType int

const (
	Reliable SockType = iota
	Unreliable
)

// State is a reliable socket's position in the handshake/close state
// machine. Unreliable sockets only ever occupy StateClosed or
// StateOpen.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateListening
	StateSynSent
	StateSynReceived
	StateEstablished
)

// Socket is one slot of the fixed socket pool.
type Socket struct {
	ID xid.ID // correlation id for logs/metrics only, never protocol-visible

	state State
	typ   SockType

	localNode, localPort   uint8
	remoteNode, remotePort uint8

	txSeq, rxExpected uint8

	recvQ   chan *pool.Packet
	acceptQ chan *Socket
	signal  chan struct{}

	txBytes, rxBytes uint64
}

// State returns the socket's current connection state.
func (s *Socket) State() State { return s.state }

// Type returns whether this socket is reliable or unreliable.
func (s *Socket) Type() SockType { return s.typ }

// LocalPort returns the socket's bound local port, or 0 if unbound.
func (s *Socket) LocalPort() uint8 { return s.localPort }

// Remote returns the socket's peer node and port.
func (s *Socket) Remote() (node, port uint8) { return s.remoteNode, s.remotePort }

// Table is the fixed pool of socket slots plus the ingress state
// machine. Table.mu is the design's "socket_mutex": a plain (non-
// reentrant) sync.Mutex, because the reference link drivers never call
// Dispatch synchronously from within Transmit (see pkg/linkdrv).
type Table struct {
	mu              sync.Mutex
	slots           []Socket
	localNode       uint8
	ephemeralCursor uint8

	pool   *pool.Pool
	router *route.Router
	log    *logrus.Logger
}

// New constructs a socket table of wire.MaxSockets slots bound to the
// given local node.
func New(localNode uint8, p *pool.Pool, r *route.Router, log *logrus.Logger) *Table {
	if log == nil {
		log = logrus.New()
	}
	return &Table{
		slots:           make([]Socket, wire.MaxSockets),
		localNode:       localNode,
		ephemeralCursor: 1,
		pool:            p,
		router:          r,
		log:             log,
	}
}

func nonBlockingSignal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drainSignal(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// Open allocates a socket slot of the given type, or nil if the table
// is full.
func (t *Table) Open(typ SockType) *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openLocked(typ)
}

func (t *Table) openLocked(typ SockType) *Socket {
	for i := range t.slots {
		s := &t.slots[i]
		if s.state == StateClosed && s.localPort == 0 {
			s.typ = typ
			s.localNode = t.localNode
			s.remoteNode, s.remotePort = 0, 0
			s.txSeq, s.rxExpected = 0, 0
			s.txBytes, s.rxBytes = 0, 0
			s.ID = xid.New()
			s.state = StateOpen

			if s.recvQ == nil {
				s.recvQ = make(chan *pool.Packet, wire.RecvQueueDepth)
				s.acceptQ = make(chan *Socket, wire.AcceptQueueDepth)
				s.signal = make(chan struct{}, 1)
			} else {
				t.drainRecvQueueLocked(s)
				for len(s.acceptQ) > 0 {
					<-s.acceptQ
				}
				drainSignal(s.signal)
			}
			return s
		}
	}
	t.log.Error("socket: open failed, no free socket slot")
	return nil
}

// Bind assigns a local port. port == 0 selects an ephemeral port,
// scanning from a persistent cursor that only advances on a successful
// ephemeral bind (so the observable port sequence under repeated
// ephemeral binds is predictable across calls).
func (t *Table) Bind(s *Socket, port uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if port == 0 {
		for i := uint8(0); i < wire.MaxPorts-1; i++ {
			cand := t.ephemeralCursor
			t.ephemeralCursor++
			if t.ephemeralCursor >= wire.MaxPorts {
				t.ephemeralCursor = 1
			}
			if !t.portInUseLocked(cand) {
				s.localPort = cand
				return nil
			}
		}
		t.log.Error("socket: bind failed, no free ephemeral port")
		return wire.ErrExhausted
	}

	if port >= wire.MaxPorts {
		return wire.ErrInvalidArgument
	}
	if t.portInUseLocked(port) {
		return wire.ErrInvalidArgument
	}
	s.localPort = port
	return nil
}

func (t *Table) portInUseLocked(port uint8) bool {
	for i := range t.slots {
		s := &t.slots[i]
		if s.state != StateClosed && s.localPort == port {
			return true
		}
	}
	return false
}

// Listen transitions a bound reliable socket into the listening state.
func (t *Table) Listen(s *Socket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.typ != Reliable || s.state != StateOpen {
		return wire.ErrInvalidArgument
	}
	s.state = StateListening
	return nil
}

// Accept blocks for an incoming child connection up to ctx's deadline.
// It additionally waits briefly for the child to reach Established (the
// peer's final handshake ACK, or an implicit promotion on the first
// data frame) so callers observe a fully-established connection, as the
// design's end-to-end scenarios require.
func (t *Table) Accept(ctx context.Context, s *Socket) (*Socket, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case child := <-s.acceptQ:
		select {
		case <-child.signal:
		case <-time.After(wire.ACKTimeout):
		}
		return child, nil
	case <-ctx.Done():
		return nil, wire.ErrTimeout
	}
}

// Connect performs the active side of the three-way handshake, blocking
// up to ACKTimeout for the peer's SYN-ACK.
func (t *Table) Connect(ctx context.Context, s *Socket, node, port uint8) error {
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	if s.typ != Reliable || s.state != StateOpen {
		t.mu.Unlock()
		return wire.ErrInvalidArgument
	}
	s.remoteNode, s.remotePort = node, port
	s.state = StateSynSent
	drainSignal(s.signal)
	t.sendControlLocked(s, wire.FlagSYN, nil)
	t.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, wire.ACKTimeout)
	defer cancel()

	select {
	case <-s.signal:
		return nil
	case <-cctx.Done():
		t.mu.Lock()
		if s.state == StateSynSent {
			s.state = StateOpen
			s.remoteNode, s.remotePort = 0, 0
		}
		t.mu.Unlock()
		return wire.ErrTimeout
	}
}

// Send transmits user data. Unreliable sockets send a single best-effort
// frame to the socket's remote peer. Reliable sockets run stop-and-wait
// ARQ, making at most wire.RetryLimit transmit attempts in total.
func (t *Table) Send(ctx context.Context, s *Socket, data []byte) (int, error) {
	if len(data) > wire.MTU-1 {
		return 0, wire.ErrInvalidArgument
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	typ := s.typ
	closed := s.state == StateClosed
	t.mu.Unlock()
	if closed {
		return 0, wire.ErrClosed
	}

	if typ == Unreliable {
		return t.sendDatagram(s, s.remoteNode, s.remotePort, data)
	}

	for attempt := 0; attempt < wire.RetryLimit; attempt++ {
		t.mu.Lock()
		if s.state != StateEstablished {
			t.mu.Unlock()
			return 0, wire.ErrInvalidArgument
		}
		pk, ok := t.pool.Get()
		if !ok {
			t.mu.Unlock()
			t.log.Error("socket: send dropped, pool exhausted")
			return 0, wire.ErrExhausted
		}
		seq := s.txSeq
		pk.Payload[0] = seq
		n := copy(pk.Payload[1:], data)
		pk.Length = n + 1
		pk.HeaderRaw = wire.Pack(false, s.remoteNode, s.localNode, s.remotePort, s.localPort, wire.FlagNone)
		drainSignal(s.signal)
		err := t.router.Transmit(pk)
		t.pool.Free(pk)
		t.mu.Unlock()

		if err != nil {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, wire.ACKTimeout)
		select {
		case <-s.signal:
			cancel()
			t.mu.Lock()
			s.txSeq++
			s.txBytes += uint64(len(data))
			t.mu.Unlock()
			return len(data), nil
		case <-cctx.Done():
			cancel()
			continue
		}
	}
	return 0, wire.ErrTimeout
}

// SendTo sends one connectionless datagram to the given destination.
// Valid only on unreliable sockets.
func (t *Table) SendTo(s *Socket, data []byte, dstNode, dstPort uint8) (int, error) {
	if s.typ != Unreliable {
		return 0, wire.ErrInvalidArgument
	}
	if len(data) > wire.MTU-1 {
		return 0, wire.ErrInvalidArgument
	}
	t.mu.Lock()
	closed := s.state == StateClosed
	t.mu.Unlock()
	if closed {
		return 0, wire.ErrClosed
	}
	return t.sendDatagram(s, dstNode, dstPort, data)
}

func (t *Table) sendDatagram(s *Socket, dstNode, dstPort uint8, data []byte) (int, error) {
	t.mu.Lock()
	pk, ok := t.pool.Get()
	if !ok {
		t.mu.Unlock()
		t.log.Error("socket: send_to dropped, pool exhausted")
		return 0, wire.ErrExhausted
	}
	n := copy(pk.Payload[:], data)
	pk.Length = n
	pk.HeaderRaw = wire.Pack(false, dstNode, s.localNode, dstPort, s.localPort, wire.FlagNone)
	err := t.router.Transmit(pk)
	t.pool.Free(pk)
	if err == nil {
		s.txBytes += uint64(n)
	}
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Recv blocks for the next deliverable payload up to ctx's deadline. A
// peer reset is surfaced as (0, nil), indistinguishable by design from a
// genuine zero-length payload (see the design's error-handling section);
// an actual deadline is surfaced as (0, wire.ErrTimeout).
func (t *Table) Recv(ctx context.Context, s *Socket, buf []byte) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	strip := 0
	if s.typ == Reliable {
		strip = 1
	}
	select {
	case pk := <-s.recvQ:
		if pk == nil {
			return 0, nil
		}
		n := copy(buf, pk.Payload[strip:pk.Length])
		t.mu.Lock()
		s.rxBytes += uint64(n)
		t.mu.Unlock()
		t.pool.Free(pk)
		return n, nil
	case <-ctx.Done():
		return 0, wire.ErrTimeout
	}
}

// RecvFrom blocks for the next datagram, returning the sender's node
// and port alongside the payload. Valid only on unreliable sockets.
func (t *Table) RecvFrom(ctx context.Context, s *Socket, buf []byte) (n int, srcNode, srcPort uint8, err error) {
	if s.typ != Unreliable {
		return 0, 0, 0, wire.ErrInvalidArgument
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case pk := <-s.recvQ:
		if pk == nil {
			return 0, 0, 0, nil
		}
		_, srcNode, _, srcPort, _ = wire.Unpack(pk.HeaderRaw)
		n = copy(buf, pk.Payload[:pk.Length])
		t.mu.Lock()
		s.rxBytes += uint64(n)
		t.mu.Unlock()
		t.pool.Free(pk)
		return n, srcNode, srcPort, nil
	case <-ctx.Done():
		return 0, 0, 0, wire.ErrTimeout
	}
}

// SendPacket is the packet-reference variant of Send: the caller hands
// over a fully-owned packet whose payload is the user data (no sequence
// byte reserved — Send's ARQ framing still applies on top). The payload
// is copied out, pk is freed, and the copy goes through Send, so this
// path is not zero-copy. Ownership of pk transfers to the table
// regardless of outcome.
func (t *Table) SendPacket(ctx context.Context, s *Socket, pk *pool.Packet) error {
	if pk == nil {
		return wire.ErrInvalidArgument
	}
	data := append([]byte(nil), pk.Payload[:pk.Length]...)
	t.pool.Free(pk)
	_, err := t.Send(ctx, s, data)
	return err
}

// RecvPacket is the zero-copy variant of Recv: it returns the raw
// packet reference (still carrying the reliable sequence byte, if any)
// instead of copying into a caller buffer. Ownership transfers to the
// caller, who must free it.
func (t *Table) RecvPacket(ctx context.Context, s *Socket) (*pool.Packet, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case pk := <-s.recvQ:
		return pk, nil
	case <-ctx.Done():
		return nil, wire.ErrTimeout
	}
}

// SendPacketTo is the packet-reference variant of SendTo. Like
// SendPacket it copies the payload out, frees pk, and sends the copy.
func (t *Table) SendPacketTo(s *Socket, pk *pool.Packet, dstNode, dstPort uint8) error {
	if pk == nil {
		return wire.ErrInvalidArgument
	}
	if s.typ != Unreliable {
		t.pool.Free(pk)
		return wire.ErrInvalidArgument
	}
	data := append([]byte(nil), pk.Payload[:pk.Length]...)
	t.pool.Free(pk)
	_, err := t.SendTo(s, data, dstNode, dstPort)
	return err
}

// RecvPacketFrom is the zero-copy variant of RecvFrom.
func (t *Table) RecvPacketFrom(ctx context.Context, s *Socket) (pk *pool.Packet, srcNode, srcPort uint8, err error) {
	if s.typ != Unreliable {
		return nil, 0, 0, wire.ErrInvalidArgument
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case pk = <-s.recvQ:
		if pk != nil {
			_, srcNode, _, srcPort, _ = wire.Unpack(pk.HeaderRaw)
		}
		return pk, srcNode, srcPort, nil
	case <-ctx.Done():
		return nil, 0, 0, wire.ErrTimeout
	}
}

// Close tears a socket down. Reliable sockets in a handshake or
// established state emit RST first. OS handles (queues, signal) persist
// for reuse by a later Open into the same slot.
func (t *Table) Close(s *Socket) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.typ == Reliable {
		switch s.state {
		case StateSynSent, StateSynReceived, StateEstablished:
			t.sendControlLocked(s, wire.FlagRST, nil)
		}
	}
	s.state = StateClosed
	s.localPort = 0
	s.remoteNode, s.remotePort = 0, 0
	return nil
}

// sendControlLocked builds and transmits a zero-or-one-byte control
// frame (SYN/ACK/RST) for s. Must be called with t.mu held. The packet
// is allocated solely to transmit it, so it's freed unconditionally.
func (t *Table) sendControlLocked(s *Socket, flags wire.Flags, payload []byte) {
	pk, ok := t.pool.Get()
	if !ok {
		t.log.Error("socket: control frame dropped, pool exhausted")
		return
	}
	pk.HeaderRaw = wire.Pack(false, s.remoteNode, s.localNode, s.remotePort, s.localPort, flags)
	pk.Length = copy(pk.Payload[:], payload)
	if err := t.router.Transmit(pk); err != nil {
		t.log.Debugf("socket: control frame transmit failed: %v", err)
	}
	t.pool.Free(pk)
}

func (t *Table) drainRecvQueueLocked(s *Socket) {
	for {
		select {
		case pk := <-s.recvQ:
			if pk != nil {
				t.pool.Free(pk)
			}
		default:
			return
		}
	}
}

func (t *Table) enqueueRecvLocked(s *Socket, pk *pool.Packet) {
	select {
	case s.recvQ <- pk:
	default:
		t.log.Warn("socket: receive queue full, dropping packet")
		t.pool.Free(pk)
	}
}

// StateCounts returns the number of sockets currently in each state,
// for the stats/metrics surface.
func (t *Table) StateCounts() map[State]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[State]int, 6)
	for i := range t.slots {
		counts[t.slots[i].state]++
	}
	return counts
}

// ByteCounters returns s's cumulative transmitted/received payload byte
// counts, for the stats/metrics surface.
func (t *Table) ByteCounters(s *Socket) (tx, rx uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.txBytes, s.rxBytes
}

// Sockets returns a snapshot slice of pointers to every non-closed
// socket slot, for metrics labeling.
func (t *Table) Sockets() []*Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Socket
	for i := range t.slots {
		if t.slots[i].state != StateClosed {
			out = append(out, &t.slots[i])
		}
	}
	return out
}
