// Package sfp implements in-order fragmentation and reassembly over
// reliable sockets only. Every fragment is carried by the reliable
// socket's own stop-and-wait ARQ, so SFP itself never retransmits or
// reorders; it only has to split and rejoin.
package sfp

import (
	"context"

	"github.com/runZeroInc/nodestack/pkg/pool"
	"github.com/runZeroInc/nodestack/pkg/socket"
	"github.com/runZeroInc/nodestack/pkg/wire"
)

// fragment header bits, prepended to the SFP-user payload of every
// fragment sent over the reliable path.
const (
	flagMore  = 1 << 7
	flagBegin = 1 << 6
	idMask    = 0x3f
)

// Send splits data into fragments of at most wire.SFPMaxPayload bytes
// and sends each over s's reliable stop-and-wait path in order. Valid
// only on reliable sockets; a message needing more than
// wire.SFPMaxFragments fragments is rejected outright rather than
// partially sent.
func Send(ctx context.Context, t *socket.Table, s *socket.Socket, data []byte) error {
	if s.Type() != socket.Reliable {
		return wire.ErrInvalidArgument
	}

	n := len(data)
	nfrags := 1
	if n > 0 {
		nfrags = (n + wire.SFPMaxPayload - 1) / wire.SFPMaxPayload
	}
	if nfrags > wire.SFPMaxFragments {
		return wire.ErrInvalidArgument
	}

	buf := make([]byte, 1+wire.SFPMaxPayload)
	for i := 0; i < nfrags; i++ {
		start := i * wire.SFPMaxPayload
		end := start + wire.SFPMaxPayload
		if end > n {
			end = n
		}
		chunk := data[start:end]

		hdr := byte(i & idMask)
		if i == 0 {
			hdr |= flagBegin
		}
		if i < nfrags-1 {
			hdr |= flagMore
		}
		buf[0] = hdr
		copy(buf[1:], chunk)

		if _, err := t.Send(ctx, s, buf[:1+len(chunk)]); err != nil {
			return err
		}
	}
	return nil
}

// Recv reassembles one message from s's reliable receive path into a
// chain of packets, one per fragment, with the SFP header byte stripped
// from each packet's payload. Ownership of the returned chain transfers
// to the caller, who must free it with pool.FreeChain. A reset, a
// timeout, or a fragment whose id breaks the expected sequence aborts
// reassembly, frees whatever was accumulated, and returns an error (a
// reset or a broken sequence both surface as wire.ErrReset /
// wire.ErrInvalidArgument respectively rather than a partial chain).
func Recv(ctx context.Context, t *socket.Table, p *pool.Pool, s *socket.Socket) (*pool.Packet, error) {
	if s.Type() != socket.Reliable {
		return nil, wire.ErrInvalidArgument
	}

	var head, tail *pool.Packet
	abort := func(err error) (*pool.Packet, error) {
		p.FreeChain(head)
		return nil, err
	}

	var expected uint8
	for {
		pk, err := t.RecvPacket(ctx, s)
		if err != nil {
			return abort(err)
		}
		if pk == nil {
			return abort(wire.ErrReset)
		}
		if pk.Length < 2 {
			p.Free(pk)
			return abort(wire.ErrInvalidArgument)
		}

		hdr := pk.Payload[1]
		id := hdr & idMask
		if id != expected {
			p.Free(pk)
			return abort(wire.ErrInvalidArgument)
		}

		userLen := pk.Length - 2
		copy(pk.Payload[:userLen], pk.Payload[2:pk.Length])
		pk.Length = userLen
		pk.Next = nil

		if head == nil {
			head = pk
		} else {
			tail.Next = pk
		}
		tail = pk

		expected++
		if hdr&flagMore == 0 {
			return head, nil
		}
	}
}
