package socket

import (
	"github.com/runZeroInc/nodestack/pkg/pool"
	"github.com/runZeroInc/nodestack/pkg/route"
	"github.com/runZeroInc/nodestack/pkg/wire"
)

// Dispatch is the ingress entry point: a link driver calls this with a
// raw wire frame (header + payload) received on ifc. Dispatch decodes
// the frame into a pool packet, matches it to a socket, and drives the
// state machine. It never blocks.
func (t *Table) Dispatch(ifc *route.Interface, frame []byte) {
	if ifc == nil || len(frame) < wire.HeaderSize {
		return
	}

	pk, ok := t.pool.Get()
	if !ok {
		t.log.Error("socket: ingress dropped, pool exhausted")
		return
	}
	pk.HeaderRaw = wire.Decode(frame[:wire.HeaderSize])
	pk.Length = copy(pk.Payload[:], frame[wire.HeaderSize:])
	pk.RxIface = ifc

	dstNode, srcNode, dstPort, srcPort, flags := wire.Unpack(pk.HeaderRaw)
	if dstNode != ifc.Address {
		t.pool.Free(pk)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.findLocked(dstPort, srcNode, srcPort)
	if s == nil {
		t.pool.Free(pk)
		return
	}
	t.handleIngressLocked(s, pk, srcNode, srcPort, flags)
}

// findLocked implements the matching rule: an exact match against a
// socket already bound to this specific peer wins over a wildcard
// match (a listening reliable socket, or an open unreliable socket) on
// the destination port.
func (t *Table) findLocked(localPort, srcNode, srcPort uint8) *Socket {
	var wildcard *Socket
	for i := range t.slots {
		s := &t.slots[i]
		if s.state == StateClosed || s.localPort != localPort {
			continue
		}
		switch s.state {
		case StateSynSent, StateSynReceived, StateEstablished:
			if s.remoteNode == srcNode && s.remotePort == srcPort {
				return s
			}
		case StateListening:
			wildcard = s
		case StateOpen:
			if s.typ == Unreliable {
				wildcard = s
			}
		}
	}
	return wildcard
}

func (t *Table) handleIngressLocked(s *Socket, pk *pool.Packet, srcNode, srcPort uint8, flags wire.Flags) {
	owned := true
	defer func() {
		if owned {
			t.pool.Free(pk)
		}
	}()

	if s.typ == Unreliable {
		if flags.Has(wire.FlagRST) {
			t.log.Warn("socket: RST on unreliable socket ignored")
			return
		}
		t.enqueueRecvLocked(s, pk)
		owned = false
		return
	}

	if flags.Has(wire.FlagRST) {
		t.resetSocketLocked(s)
		return
	}

	if flags.Has(wire.FlagSYN) && flags.Has(wire.FlagACK) {
		if s.state == StateSynSent {
			s.state = StateEstablished
			s.remoteNode, s.remotePort = srcNode, srcPort
			t.sendControlLocked(s, wire.FlagACK, nil)
			nonBlockingSignal(s.signal)
		}
		return
	}

	if flags.Has(wire.FlagSYN) {
		t.handleSYNLocked(s, srcNode, srcPort)
		return
	}

	if s.state == StateSynReceived {
		s.state = StateEstablished
		nonBlockingSignal(s.signal)
	}
	if s.state != StateEstablished {
		return
	}

	if flags.Has(wire.FlagACK) {
		nonBlockingSignal(s.signal)
		return
	}

	if pk.Length < 1 {
		return
	}
	seq := pk.Payload[0]
	if seq != s.rxExpected {
		t.sendControlLocked(s, wire.FlagACK, []byte{seq})
		return
	}
	s.rxExpected++
	t.sendControlLocked(s, wire.FlagACK, []byte{seq})
	t.enqueueRecvLocked(s, pk)
	owned = false
}

// handleSYNLocked handles a bare SYN: on a listening socket it spawns a
// child connection; on an already-connected socket it's a peer
// restart/resync.
func (t *Table) handleSYNLocked(s *Socket, srcNode, srcPort uint8) {
	switch s.state {
	case StateListening:
		t.spawnChildLocked(s, srcNode, srcPort)
	case StateEstablished, StateSynReceived:
		s.txSeq = 0
		s.rxExpected = 0
		t.drainRecvQueueLocked(s)
		s.remoteNode, s.remotePort = srcNode, srcPort
		s.state = StateSynReceived
		t.sendControlLocked(s, wire.FlagSYN|wire.FlagACK, nil)
	}
}

func (t *Table) spawnChildLocked(listener *Socket, srcNode, srcPort uint8) {
	child := t.openLocked(Reliable)
	if child == nil {
		t.log.Warn("socket: SYN dropped, no free socket slot for child")
		return
	}
	child.localPort = listener.localPort
	child.remoteNode, child.remotePort = srcNode, srcPort
	child.state = StateSynReceived

	select {
	case listener.acceptQ <- child:
	default:
		t.log.Warn("socket: SYN dropped, accept queue full")
		child.state = StateClosed
		child.localPort = 0
		return
	}
	t.sendControlLocked(child, wire.FlagSYN|wire.FlagACK, nil)
}

func (t *Table) resetSocketLocked(s *Socket) {
	s.state = StateClosed
	s.localPort = 0
	s.remoteNode, s.remotePort = 0, 0
	select {
	case s.recvQ <- nil:
	default:
	}
}
