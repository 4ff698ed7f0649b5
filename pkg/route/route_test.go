package route

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/nodestack/pkg/pool"
	"github.com/runZeroInc/nodestack/pkg/wire"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func stubIface(name string, mtu int) *Interface {
	return &Interface{
		Name:     name,
		Address:  1,
		MTU:      mtu,
		Transmit: func(*pool.Packet) error { return nil },
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := New(testLogger())
	if err := r.Register(nil); !errors.Is(err, wire.ErrInvalidArgument) {
		t.Fatalf("Register(nil) = %v, want ErrInvalidArgument", err)
	}
	if err := r.Register(&Interface{Name: "a", MTU: wire.HeaderSize}); !errors.Is(err, wire.ErrInvalidArgument) {
		t.Fatalf("Register with nil Transmit = %v, want ErrInvalidArgument", err)
	}
	if err := r.Register(&Interface{Name: "a", Transmit: func(*pool.Packet) error { return nil }, MTU: wire.HeaderSize - 1}); !errors.Is(err, wire.ErrInvalidArgument) {
		t.Fatalf("Register with MTU < HeaderSize = %v, want ErrInvalidArgument", err)
	}
}

func TestFindByNameExactMatch(t *testing.T) {
	r := New(testLogger())
	ifc := stubIface("IFACE_A", 64)
	if err := r.Register(ifc); err != nil {
		t.Fatal(err)
	}
	if got := r.FindByName("IFACE_A"); got != ifc {
		t.Fatalf("FindByName returned %v, want %v", got, ifc)
	}
	if got := r.FindByName("iface_a"); got != nil {
		t.Fatalf("FindByName should be byte-exact, got %v", got)
	}
	if got := r.FindByName("nope"); got != nil {
		t.Fatalf("FindByName(unknown) = %v, want nil", got)
	}
}

func TestLoadReplacesAndLastWins(t *testing.T) {
	r := New(testLogger())
	r.Register(stubIface("IFACE_A", 64))
	r.Register(stubIface("IFACE_B", 64))

	if err := r.Load("55:IFACE_A"); err != nil {
		t.Fatal(err)
	}
	if got := r.FindRoute(55); got == nil || got.Name != "IFACE_A" {
		t.Fatalf("expected route to IFACE_A, got %v", got)
	}

	if err := r.Load("55:IFACE_B"); err != nil {
		t.Fatal(err)
	}
	if got := r.FindRoute(55); got == nil || got.Name != "IFACE_B" {
		t.Fatalf("expected route to IFACE_B, got %v", got)
	}

	// duplicate destination within one load: last occurrence wins
	if err := r.Load("55:IFACE_A,55:IFACE_B"); err != nil {
		t.Fatal(err)
	}
	if got := r.FindRoute(55); got == nil || got.Name != "IFACE_B" {
		t.Fatalf("expected last-wins IFACE_B, got %v", got)
	}
}

func TestLoadUnknownInterfaceClearsTable(t *testing.T) {
	r := New(testLogger())
	r.Register(stubIface("IFACE_A", 64))
	if err := r.Load("55:IFACE_A"); err != nil {
		t.Fatal(err)
	}
	if err := r.Load("55:UNKNOWN"); err == nil {
		t.Fatal("expected error loading unknown interface")
	}
	if got := r.RouteCount(); got != 0 {
		t.Fatalf("RouteCount() = %d, want 0 after failed load", got)
	}
}

func TestLoadMalformedEntryFails(t *testing.T) {
	cases := []string{
		"55",            // missing colon
		":IFACE_A",      // empty destination
		"55:",           // empty interface name
		"notanumber:IFACE_A",
		"70000:IFACE_A", // exceeds u16
	}
	r := New(testLogger())
	r.Register(stubIface("IFACE_A", 64))
	for _, c := range cases {
		if err := r.Load(c); err == nil {
			t.Fatalf("Load(%q) succeeded, want error", c)
		}
		if got := r.RouteCount(); got != 0 {
			t.Fatalf("Load(%q): RouteCount() = %d, want 0", c, got)
		}
	}
}

func TestLoadEmptyStringIsEmptySuccess(t *testing.T) {
	r := New(testLogger())
	if err := r.Load(""); err != nil {
		t.Fatalf("Load(\"\") = %v, want nil", err)
	}
	if got := r.RouteCount(); got != 0 {
		t.Fatalf("RouteCount() = %d, want 0", got)
	}
}

func TestLoadIgnoresEmptyEntries(t *testing.T) {
	r := New(testLogger())
	r.Register(stubIface("IFACE_A", 64))
	if err := r.Load(",,55:IFACE_A,,\n,"); err != nil {
		t.Fatal(err)
	}
	if got := r.RouteCount(); got != 1 {
		t.Fatalf("RouteCount() = %d, want 1", got)
	}
}

func TestTransmitNoRoute(t *testing.T) {
	r := New(testLogger())
	p := &pool.Packet{HeaderRaw: wire.Pack(false, 9, 1, 0, 0, wire.FlagNone)}
	if err := r.Transmit(p); !errors.Is(err, wire.ErrNoRoute) {
		t.Fatalf("Transmit() = %v, want ErrNoRoute", err)
	}
}

func TestTransmitMTUBoundary(t *testing.T) {
	r := New(testLogger())
	ifc := stubIface("IFACE_A", wire.HeaderSize+10)
	r.Register(ifc)
	r.Load("5:IFACE_A")

	ok := &pool.Packet{HeaderRaw: wire.Pack(false, 5, 1, 0, 0, wire.FlagNone), Length: 10}
	if err := r.Transmit(ok); err != nil {
		t.Fatalf("Transmit() at exact MTU = %v, want nil", err)
	}

	tooBig := &pool.Packet{HeaderRaw: wire.Pack(false, 5, 1, 0, 0, wire.FlagNone), Length: 11}
	if err := r.Transmit(tooBig); err == nil {
		t.Fatal("Transmit() over MTU should fail")
	}
}

func TestTransmitNilPacket(t *testing.T) {
	r := New(testLogger())
	if err := r.Transmit(nil); !errors.Is(err, wire.ErrInvalidArgument) {
		t.Fatalf("Transmit(nil) = %v, want ErrInvalidArgument", err)
	}
}
