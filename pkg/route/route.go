// Package route implements the interface registry and the single-hop
// route table, combined into one Router because both are guarded by the
// same mutex in the design (the routing mutex).
package route

import (
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/nodestack/pkg/pool"
	"github.com/runZeroInc/nodestack/pkg/wire"
)

// Interface is a registered link. The Stack holds a non-owning
// reference; Transmit must not retain the packet reference past return.
type Interface struct {
	Name     string
	Address  uint8
	MTU      int
	Transmit func(*pool.Packet) error
}

type entry struct {
	dest int
	ifc  *Interface
}

// Router owns the interface registry and the route table under one
// mutex, matching the design's shared-lock requirement.
type Router struct {
	mu         sync.Mutex
	interfaces map[string]*Interface
	table      []entry
	log        *logrus.Logger
}

// New constructs an empty Router.
func New(log *logrus.Logger) *Router {
	if log == nil {
		log = logrus.New()
	}
	return &Router{
		interfaces: make(map[string]*Interface),
		log:        log,
	}
}

// Register validates and adds an interface to the registry. On
// validation failure the call logs and returns without mutating state.
func (r *Router) Register(ifc *Interface) error {
	if ifc == nil || ifc.Name == "" || ifc.Transmit == nil || ifc.MTU < wire.HeaderSize {
		r.log.Errorf("route: rejected interface registration (name=%q mtu=%d)", safeName(ifc), safeMTU(ifc))
		return wire.ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.interfaces[ifc.Name] = ifc
	return nil
}

func safeName(ifc *Interface) string {
	if ifc == nil {
		return ""
	}
	return ifc.Name
}

func safeMTU(ifc *Interface) int {
	if ifc == nil {
		return 0
	}
	return ifc.MTU
}

// FindByName returns the registered interface with an exact name match,
// or nil.
func (r *Router) FindByName(name string) *Interface {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interfaces[name]
}

// Load atomically replaces the route table from a textual rule set.
// Grammar: entries separated by commas or newlines; each entry is
// "<destination>:<interface-name>"; leading/trailing whitespace on
// tokens is trimmed; empty entries between separators are ignored.
// Destinations repeated within the same load resolve to the last
// occurrence. On any failure the table is left empty.
func (r *Router) Load(text string) error {
	entries, err := parse(text)
	if err != nil {
		r.mu.Lock()
		r.table = nil
		r.mu.Unlock()
		r.log.Errorf("route: load failed, table cleared: %v", err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var resolved []entry
	for _, raw := range entries {
		ifc, ok := r.interfaces[raw.ifaceName]
		if !ok {
			r.table = nil
			r.log.Errorf("route: load failed, unknown interface %q, table cleared", raw.ifaceName)
			return wire.ErrInvalidArgument
		}
		if len(resolved) >= wire.MaxNodes {
			r.table = nil
			r.log.Error("route: load failed, table overflow, table cleared")
			return wire.ErrExhausted
		}
		replaced := false
		for i := range resolved {
			if resolved[i].dest == raw.dest {
				resolved[i].ifc = ifc
				replaced = true
				break
			}
		}
		if !replaced {
			resolved = append(resolved, entry{dest: raw.dest, ifc: ifc})
		}
	}

	r.table = resolved
	return nil
}

type rawEntry struct {
	dest      int
	ifaceName string
}

func parse(text string) ([]rawEntry, error) {
	tokens := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' })

	var out []rawEntry
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		i := strings.IndexByte(tok, ':')
		if i < 0 {
			return nil, wire.ErrInvalidArgument
		}
		destTok := strings.TrimSpace(tok[:i])
		ifaceTok := strings.TrimSpace(tok[i+1:])
		if destTok == "" || ifaceTok == "" {
			return nil, wire.ErrInvalidArgument
		}
		dest, err := strconv.ParseUint(destTok, 0, 16)
		if err != nil {
			return nil, wire.ErrInvalidArgument
		}
		out = append(out, rawEntry{dest: int(dest), ifaceName: ifaceTok})
	}
	return out, nil
}

// Transmit implements route_tx: it validates the packet, looks up the
// destination's interface, enforces MTU, and invokes the interface's
// transmit callback.
func (r *Router) Transmit(p *pool.Packet) error {
	if p == nil {
		return wire.ErrInvalidArgument
	}

	dstNode, _, _, _, _ := wire.Unpack(p.HeaderRaw)

	r.mu.Lock()
	var ifc *Interface
	for _, e := range r.table {
		if e.dest == int(dstNode) {
			ifc = e.ifc
			break
		}
	}
	r.mu.Unlock()

	if ifc == nil {
		r.log.Errorf("route: no route to node %d", dstNode)
		return wire.ErrNoRoute
	}
	if p.Length+wire.HeaderSize > ifc.MTU {
		r.log.Errorf("route: packet length %d exceeds interface %q MTU %d", p.Length, ifc.Name, ifc.MTU)
		return wire.ErrNoRoute
	}

	return ifc.Transmit(p)
}

// RouteCount reports the number of entries currently in the table, for
// the stats/metrics surface.
func (r *Router) RouteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

// FindRoute returns the interface a destination node currently routes
// through, or nil.
func (r *Router) FindRoute(dest uint8) *Interface {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.table {
		if e.dest == int(dest) {
			return e.ifc
		}
	}
	return nil
}
