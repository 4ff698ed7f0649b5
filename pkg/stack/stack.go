// Package stack is the public facade: it wires the pool, router, and
// socket table together behind the operations spec.md §6 names, and
// resolves the design's "process-wide configuration" Open Question by
// taking an explicit handle instead of a package-level singleton (see
// SPEC_FULL.md §3), which is what lets a single test process run
// several independent stacks talking to each other over a shared
// pkg/linkdrv bus.
package stack

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/nodestack/pkg/kernel"
	"github.com/runZeroInc/nodestack/pkg/linkdrv"
	"github.com/runZeroInc/nodestack/pkg/metrics"
	"github.com/runZeroInc/nodestack/pkg/pool"
	"github.com/runZeroInc/nodestack/pkg/route"
	"github.com/runZeroInc/nodestack/pkg/sfp"
	"github.com/runZeroInc/nodestack/pkg/socket"
	"github.com/runZeroInc/nodestack/pkg/wire"
)

// Config configures a single Stack instance. There is no process-wide
// default; LocalNode must be set by the caller (its zero value is node
// 0, which is a valid node). Logger may be left nil.
type Config struct {
	LocalNode uint8
	Logger    *logrus.Logger // optional; defaults to logrus.New()
}

// Stack is one instance of the protocol stack: its own packet pool,
// route table, and socket table. Multiple Stacks may coexist in one
// process.
type Stack struct {
	cfg    Config
	pool   *pool.Pool
	router *route.Router
	table  *socket.Table
	log    *logrus.Logger
}

// New constructs a Stack. It never fails today (kept returning error
// for forward compatibility with validation the design may later add,
// e.g. rejecting LocalNode collisions across a shared bus).
func New(cfg Config) (*Stack, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	p := pool.New(wire.PoolSize, cfg.Logger)
	r := route.New(cfg.Logger)
	t := socket.New(cfg.LocalNode, p, r, cfg.Logger)
	return &Stack{cfg: cfg, pool: p, router: r, table: t, log: cfg.Logger}, nil
}

// RegisterInterface registers a link driver and wires its receive
// callback to this stack's ingress dispatcher.
func (s *Stack) RegisterInterface(d linkdrv.Driver) error {
	ifc := &route.Interface{
		Name:     d.Name(),
		Address:  d.Address(),
		MTU:      d.MTU(),
		Transmit: d.Transmit,
	}
	if err := s.router.Register(ifc); err != nil {
		return err
	}
	d.SetReceiver(func(frame []byte) {
		s.table.Dispatch(ifc, frame)
	})
	return nil
}

// LoadRoutes replaces the route table from a textual rule set.
func (s *Stack) LoadRoutes(text string) error { return s.router.Load(text) }

// BufferGet, BufferFree, BufferFreeChain, and BufferFreeCount expose the
// packet pool directly, for callers building frames with SendPacket et al.
func (s *Stack) BufferGet() (*pool.Packet, bool) { return s.pool.Get() }
func (s *Stack) BufferFree(p *pool.Packet)        { s.pool.Free(p) }
func (s *Stack) BufferFreeChain(p *pool.Packet)   { s.pool.FreeChain(p) }
func (s *Stack) BufferFreeCount() int             { return s.pool.FreeCount() }

// Socket allocates a socket of the given type, or nil if the table is
// full.
func (s *Stack) Socket(typ socket.SockType) *socket.Socket { return s.table.Open(typ) }

// Bind, Listen, Accept, Connect, Close drive a socket through the
// connection state machine.
func (s *Stack) Bind(sock *socket.Socket, port uint8) error { return s.table.Bind(sock, port) }
func (s *Stack) Listen(sock *socket.Socket) error            { return s.table.Listen(sock) }

func (s *Stack) Accept(ctx context.Context, sock *socket.Socket) (*socket.Socket, error) {
	return s.table.Accept(ctx, sock)
}

func (s *Stack) Connect(ctx context.Context, sock *socket.Socket, node, port uint8) error {
	return s.table.Connect(ctx, sock, node, port)
}

func (s *Stack) Close(sock *socket.Socket) error { return s.table.Close(sock) }

// Send, Recv, SendTo, RecvFrom are the byte-buffer send/receive paths.
func (s *Stack) Send(ctx context.Context, sock *socket.Socket, data []byte) (int, error) {
	return s.table.Send(ctx, sock, data)
}

func (s *Stack) Recv(ctx context.Context, sock *socket.Socket, buf []byte) (int, error) {
	return s.table.Recv(ctx, sock, buf)
}

func (s *Stack) SendTo(sock *socket.Socket, data []byte, dstNode, dstPort uint8) (int, error) {
	return s.table.SendTo(sock, data, dstNode, dstPort)
}

func (s *Stack) RecvFrom(ctx context.Context, sock *socket.Socket, buf []byte) (int, uint8, uint8, error) {
	return s.table.RecvFrom(ctx, sock, buf)
}

// SendPacket, RecvPacket, SendPacketTo, RecvPacketFrom are the
// packet-reference variants. The receive side hands over the received
// packet itself; the send side copies the packet's payload before
// sending it.
func (s *Stack) SendPacket(ctx context.Context, sock *socket.Socket, pk *pool.Packet) error {
	return s.table.SendPacket(ctx, sock, pk)
}

func (s *Stack) RecvPacket(ctx context.Context, sock *socket.Socket) (*pool.Packet, error) {
	return s.table.RecvPacket(ctx, sock)
}

func (s *Stack) SendPacketTo(sock *socket.Socket, pk *pool.Packet, dstNode, dstPort uint8) error {
	return s.table.SendPacketTo(sock, pk, dstNode, dstPort)
}

func (s *Stack) RecvPacketFrom(ctx context.Context, sock *socket.Socket) (*pool.Packet, uint8, uint8, error) {
	return s.table.RecvPacketFrom(ctx, sock)
}

// SendSFP and RecvSFP fragment/reassemble a message over a reliable
// socket's stop-and-wait path.
func (s *Stack) SendSFP(ctx context.Context, sock *socket.Socket, data []byte) error {
	return sfp.Send(ctx, s.table, sock, data)
}

func (s *Stack) RecvSFP(ctx context.Context, sock *socket.Socket) (*pool.Packet, error) {
	return sfp.Recv(ctx, s.table, s.pool, sock)
}

// PrintStats is the read-only, caller-driven text introspection
// operation: it takes a print callback and emits a human-readable
// summary, with no locking beyond what each subsystem already does
// internally for a single point-in-time read.
func (s *Stack) PrintStats(printer func(string)) {
	printer(fmt.Sprintf("pool: %d/%d free", s.pool.FreeCount(), s.pool.Size()))
	printer(fmt.Sprintf("routes: %d entries", s.router.RouteCount()))

	counts := s.table.StateCounts()
	printer(fmt.Sprintf(
		"sockets: closed=%d open=%d listening=%d syn_sent=%d syn_received=%d established=%d",
		counts[socket.StateClosed], counts[socket.StateOpen], counts[socket.StateListening],
		counts[socket.StateSynSent], counts[socket.StateSynReceived], counts[socket.StateEstablished],
	))

	if v, err := kernel.HostVersion(); err == nil {
		printer("host kernel: " + v)
	}
}

// Metrics builds a Prometheus collector over this stack's pool, router,
// and socket table, labeled with the stack's local node id.
func (s *Stack) Metrics() *metrics.Collector {
	return metrics.NewCollector(s.pool, s.router, s.table, prometheus.Labels{
		"node": fmt.Sprintf("%d", s.cfg.LocalNode),
	})
}
