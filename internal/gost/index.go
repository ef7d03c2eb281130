package gost

import (
	"cmp"
	"net"
	"slices"
	"strconv"
)

// Index is a keyed view over a Document. Services are keyed by bind
// address, chains, authers and bypasses by name. All mutations go through
// the index so the document's ordered slices and the maps stay in sync.
type Index struct {
	doc      *Document
	services map[string]*Service
	chains   map[string]*Chain
	authers  map[string]*Auther
	bypasses map[string]*Bypass
}

// NewIndex builds an index over doc. doc must have passed Validate.
func NewIndex(doc *Document) *Index {
	x := &Index{
		doc:      doc,
		services: make(map[string]*Service, len(doc.Services)),
		chains:   make(map[string]*Chain, len(doc.Chains)),
		authers:  make(map[string]*Auther, len(doc.Authers)),
		bypasses: make(map[string]*Bypass, len(doc.Bypasses)),
	}
	for _, s := range doc.Services {
		x.services[s.Addr] = s
	}
	for _, c := range doc.Chains {
		x.chains[c.Name] = c
	}
	for _, a := range doc.Authers {
		x.authers[a.Name] = a
	}
	for _, b := range doc.Bypasses {
		x.bypasses[b.Name] = b
	}
	return x
}

// Document returns the underlying document.
func (x *Index) Document() *Document { return x.doc }

// Services returns the services in document order. Callers must not
// mutate the returned slice.
func (x *Index) Services() []*Service { return x.doc.Services }

// Chains returns the chains in document order.
func (x *Index) Chains() []*Chain { return x.doc.Chains }

// ServiceByAddr returns the service bound to addr, or nil.
func (x *Index) ServiceByAddr(addr string) *Service { return x.services[addr] }

// ServiceByPort returns the first service listening on port, whatever host
// part its address carries, or nil.
func (x *Index) ServiceByPort(port int) *Service {
	for _, s := range x.doc.Services {
		if p, ok := AddrPort(s.Addr); ok && p == port {
			return s
		}
	}
	return nil
}

// ServiceByName returns the first service with the given name, or nil.
func (x *Index) ServiceByName(name string) *Service {
	for _, s := range x.doc.Services {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// AddService appends s. An existing service on the same address is replaced.
func (x *Index) AddService(s *Service) {
	if old, ok := x.services[s.Addr]; ok {
		x.removeService(old)
	}
	x.services[s.Addr] = s
	x.doc.Services = append(x.doc.Services, s)
}

// RemoveServices deletes every service matching pred and returns them.
func (x *Index) RemoveServices(pred func(*Service) bool) []*Service {
	var removed []*Service
	x.doc.Services = slices.DeleteFunc(x.doc.Services, func(s *Service) bool {
		if !pred(s) {
			return false
		}
		removed = append(removed, s)
		delete(x.services, s.Addr)
		return true
	})
	return removed
}

func (x *Index) removeService(s *Service) {
	x.RemoveServices(func(other *Service) bool { return other == s })
}

// Chain returns the chain with the given name, or nil.
func (x *Index) Chain(name string) *Chain { return x.chains[name] }

// AddChain appends c. An existing chain with the same name is replaced.
func (x *Index) AddChain(c *Chain) {
	if _, ok := x.chains[c.Name]; ok {
		x.RemoveChains(func(other *Chain) bool { return other.Name == c.Name })
	}
	x.chains[c.Name] = c
	x.doc.Chains = append(x.doc.Chains, c)
}

// RemoveChains deletes every chain matching pred and returns them.
func (x *Index) RemoveChains(pred func(*Chain) bool) []*Chain {
	var removed []*Chain
	x.doc.Chains = slices.DeleteFunc(x.doc.Chains, func(c *Chain) bool {
		if !pred(c) {
			return false
		}
		removed = append(removed, c)
		delete(x.chains, c.Name)
		return true
	})
	return removed
}

// Auther returns the auther group with the given name, or nil.
func (x *Index) Auther(name string) *Auther { return x.authers[name] }

// EnsureAuther returns the named auther group, creating it if needed.
func (x *Index) EnsureAuther(name string) (a *Auther, created bool) {
	if a, ok := x.authers[name]; ok {
		return a, false
	}
	a = &Auther{Name: name}
	x.authers[name] = a
	x.doc.Authers = append(x.doc.Authers, a)
	return a, true
}

// Bypass returns the bypass group with the given name, or nil.
func (x *Index) Bypass(name string) *Bypass { return x.bypasses[name] }

// EnsureBypass returns the named bypass group, creating it if needed.
func (x *Index) EnsureBypass(name string) (b *Bypass, created bool) {
	if b, ok := x.bypasses[name]; ok {
		return b, false
	}
	b = &Bypass{Name: name}
	x.bypasses[name] = b
	x.doc.Bypasses = append(x.doc.Bypasses, b)
	return b, true
}

// Ports returns the ports of all services whose address encodes one.
func (x *Index) Ports() []int {
	ports := make([]int, 0, len(x.doc.Services))
	for _, s := range x.doc.Services {
		if p, ok := AddrPort(s.Addr); ok {
			ports = append(ports, p)
		}
	}
	return ports
}

// Sort orders services by port (then address) and chains by name.
// Sorting is presentation only and is not reported as a change.
func (x *Index) Sort() {
	slices.SortStableFunc(x.doc.Services, func(a, b *Service) int {
		pa, okA := AddrPort(a.Addr)
		pb, okB := AddrPort(b.Addr)
		if okA && okB && pa != pb {
			return cmp.Compare(pa, pb)
		}
		return cmp.Compare(a.Addr, b.Addr)
	})
	slices.SortStableFunc(x.doc.Chains, func(a, b *Chain) int {
		return cmp.Compare(a.Name, b.Name)
	})
}

// ListenAddr returns the wildcard bind address for port, e.g. ":2000".
func ListenAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// AddrPort extracts the port from a host:port or :port address.
func AddrPort(addr string) (int, bool) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
