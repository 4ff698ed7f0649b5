package linkdrv

import (
	"testing"
	"time"

	"github.com/runZeroInc/nodestack/pkg/pool"
	"github.com/runZeroInc/nodestack/pkg/wire"
)

func waitForTrue(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestBusDeliversToCorrectDestination(t *testing.T) {
	bus := NewBus()
	a := bus.NewPort("a", 1, wire.MTU+wire.HeaderSize)
	b := bus.NewPort("b", 2, wire.MTU+wire.HeaderSize)

	var gotOnB []byte
	b.SetReceiver(func(frame []byte) { gotOnB = frame })

	p := &pool.Packet{HeaderRaw: wire.Pack(false, 2, 1, 0, 0, wire.FlagNone), Length: 3}
	copy(p.Payload[:3], []byte("hey"))

	if err := a.Transmit(p); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	waitForTrue(t, time.Second, func() bool { return gotOnB != nil })
	if string(gotOnB[wire.HeaderSize:]) != "hey" {
		t.Fatalf("payload on B = %q, want %q", gotOnB[wire.HeaderSize:], "hey")
	}
}

func TestBusTransmitToUnknownDestinationFails(t *testing.T) {
	bus := NewBus()
	a := bus.NewPort("a", 1, wire.MTU+wire.HeaderSize)

	p := &pool.Packet{HeaderRaw: wire.Pack(false, 99, 1, 0, 0, wire.FlagNone)}
	if err := a.Transmit(p); err != wire.ErrNoRoute {
		t.Fatalf("Transmit to unknown dest = %v, want ErrNoRoute", err)
	}
}

func TestLoopbackSelfDelivery(t *testing.T) {
	lo := NewLoopback("lo0", 7, wire.MTU+wire.HeaderSize)

	var got []byte
	lo.SetReceiver(func(frame []byte) { got = frame })

	p := &pool.Packet{HeaderRaw: wire.Pack(false, 7, 7, 1, 2, wire.FlagNone), Length: 2}
	copy(p.Payload[:2], []byte("hi"))
	if err := lo.Transmit(p); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	waitForTrue(t, time.Second, func() bool { return got != nil })
	if string(got[wire.HeaderSize:]) != "hi" {
		t.Fatalf("loopback payload = %q, want %q", got[wire.HeaderSize:], "hi")
	}
}
