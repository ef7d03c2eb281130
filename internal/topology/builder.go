// Package topology turns a city group of relays into gost services, chains,
// hops and nodes inside the target document.
package topology

import (
	"strings"

	"github.com/Resinat/gostgen/internal/gost"
	"github.com/Resinat/gostgen/internal/relay"
	"github.com/rs/zerolog"
)

// Pool hop selector settings.
const (
	PoolStrategy    = "round"
	PoolMaxFails    = 1
	PoolFailTimeout = "10s"
)

// Proxy describes one generated listener for export.
type Proxy struct {
	Group relay.Group
	// Slot is 0 for the pool service, otherwise the 1-based member number.
	Slot  int
	Pool  bool
	Relay relay.Relay
	Port  int
}

// Builder reconciles one city group at a time.
type Builder struct {
	Interface  string
	Pool       bool
	MaxPerCity int
	Log        zerolog.Logger
}

// Layout is the slot plan of one group.
type Layout struct {
	Pool    bool
	Members int
}

// Services is the number of listener ports the layout occupies.
func (l Layout) Services() int {
	if l.Pool {
		return l.Members + 1
	}
	return l.Members
}

// PlanLayout computes the slot plan for n relays. A pool reserves one
// slot, so at most MaxPerCity-1 singles accompany it. With MaxPerCity of 1
// there is no room for a pool and a single service is used instead.
func (b Builder) PlanLayout(n int) Layout {
	pool := b.Pool && b.MaxPerCity > 1
	limit := b.MaxPerCity
	if pool {
		limit--
	}
	members := min(n, limit)
	if members <= 0 {
		return Layout{}
	}
	return Layout{Pool: pool, Members: members}
}

// Conflicts returns the services of other owners listening inside the
// window g would occupy from start.
func (b Builder) Conflicts(x *gost.Index, g relay.Group, start int) []*gost.Service {
	match := gost.NewGroupMatcher(g.Key())
	end := start + b.PlanLayout(len(g.Relays)).Services()
	var foreign []*gost.Service
	for _, s := range x.Services() {
		if match.Service(s.Name) {
			continue
		}
		if port, ok := gost.AddrPort(s.Addr); ok && port >= start && port < end {
			foreign = append(foreign, s)
		}
	}
	return foreign
}

// Reconcile makes the group's entries match its relays, starting at port
// start. Only entries of this group are touched. A window overlapping
// another owner's services is refused and nothing is changed; callers
// relocate the group first.
func (b Builder) Reconcile(x *gost.Index, g relay.Group, start int) (proxies []Proxy, changed bool) {
	log := b.Log.With().Str("group", g.Key()).Logger()
	layout := b.PlanLayout(len(g.Relays))
	key := g.Key()
	match := gost.NewGroupMatcher(key)
	end := start + layout.Services()

	if foreign := b.Conflicts(x, g, start); len(foreign) > 0 {
		log.Warn().Int("start", start).Str("service", foreign[0].Name).Msg("window overlaps another owner, leaving group as is")
		return nil, false
	}

	// Shrink: drop this group's services that fall outside the window.
	staleChains := make(map[string]struct{})
	removed := x.RemoveServices(func(s *gost.Service) bool {
		if !match.Service(s.Name) {
			return false
		}
		port, ok := gost.AddrPort(s.Addr)
		return !ok || port < start || port >= end
	})
	for _, s := range removed {
		log.Debug().Str("service", s.Name).Str("addr", s.Addr).Msg("removing service outside group window")
		if s.Handler != nil && s.Handler.Chain != "" {
			staleChains[s.Handler.Chain] = struct{}{}
		}
		changed = true
	}

	members := g.Relays[:layout.Members]
	for i := 0; i < layout.Services(); i++ {
		isPool := layout.Pool && i == 0
		number := i + 1
		if layout.Pool {
			number = i
		}
		slot := gost.SlotName(isPool, number)
		port := start + i

		chainName := gost.ChainName(key, slot)
		if b.upsertService(x, gost.ServiceName(key, slot), port, chainName, log) {
			changed = true
		}

		var slotRelays []relay.Relay
		if isPool {
			slotRelays = members
		} else {
			slotRelays = members[number-1 : number]
		}
		if b.upsertChain(x, chainName, isPool, slotRelays, log) {
			changed = true
		}

		p := Proxy{Group: g, Slot: number, Pool: isPool, Relay: slotRelays[0], Port: port}
		if isPool {
			p.Slot = 0
		}
		proxies = append(proxies, p)
	}

	if removeOrphanChains(x, key, staleChains, log) {
		changed = true
	}
	return proxies, changed
}

// Prune removes every generated service and chain of groupKey.
func Prune(x *gost.Index, groupKey string, log zerolog.Logger) bool {
	match := gost.NewGroupMatcher(groupKey)
	stale := make(map[string]struct{})
	removed := x.RemoveServices(func(s *gost.Service) bool { return match.Service(s.Name) })
	for _, s := range removed {
		log.Debug().Str("service", s.Name).Msg("removing service of vanished group")
		if s.Handler != nil && s.Handler.Chain != "" {
			stale[s.Handler.Chain] = struct{}{}
		}
	}
	chainsRemoved := removeOrphanChains(x, groupKey, stale, log)
	return len(removed) > 0 || chainsRemoved
}

// upsertService updates the group's own service on port, keeping the host
// part of its address, or adds a wildcard listener.
func (b Builder) upsertService(x *gost.Index, name string, port int, chain string, log zerolog.Logger) bool {
	changed := false
	s := x.ServiceByPort(port)
	if s == nil {
		addr := gost.ListenAddr(port)
		log.Debug().Str("service", name).Str("addr", addr).Msg("adding service")
		s = &gost.Service{Name: name, Addr: addr}
		x.AddService(s)
		changed = true
	}
	if s.Handler == nil {
		s.Handler = &gost.Handler{}
		changed = true
	}
	if s.Listener == nil {
		s.Listener = &gost.Listener{}
		changed = true
	}

	updated := set(&s.Name, name)
	updated = set(&s.Interface, b.Interface) || updated
	updated = set(&s.Listener.Type, gost.ListenerTCP) || updated
	updated = set(&s.Handler.Type, gost.HandlerSocks5) || updated
	updated = set(&s.Handler.Auther, gost.AutherMullvad) || updated
	updated = set(&s.Handler.Chain, chain) || updated
	if updated {
		log.Debug().Str("service", name).Msg("updating service")
	}
	return changed || updated
}

func (b Builder) upsertChain(x *gost.Index, name string, pool bool, relays []relay.Relay, log zerolog.Logger) bool {
	changed := false
	c := x.Chain(name)
	if c == nil {
		log.Debug().Str("chain", name).Msg("adding chain")
		c = &gost.Chain{Name: name}
		x.AddChain(c)
		changed = true
	}

	hopName := gost.HopName(name)
	switch {
	case len(c.Hops) > 1:
		log.Debug().Str("chain", name).Int("hops", len(c.Hops)).Msg("trimming chain to one hop")
		c.Hops = c.Hops[:1]
		changed = true
	case len(c.Hops) == 0:
		c.Hops = []*gost.Hop{{Name: hopName}}
		changed = true
	}
	hop := c.Hops[0]
	if set(&hop.Name, hopName) {
		changed = true
	}

	if pool {
		if hop.Selector == nil {
			hop.Selector = &gost.Selector{}
			changed = true
		}
		sel := hop.Selector
		if sel.Strategy != PoolStrategy || sel.MaxFails != PoolMaxFails || sel.FailTimeout != PoolFailTimeout {
			sel.Strategy = PoolStrategy
			sel.MaxFails = PoolMaxFails
			sel.FailTimeout = PoolFailTimeout
			changed = true
		}
	} else if hop.Selector != nil {
		hop.Selector = nil
		changed = true
	}

	if syncNodes(hop, pool, relays) {
		log.Debug().Str("hop", hopName).Int("nodes", len(relays)).Msg("updated hop nodes")
		changed = true
	}
	return changed
}

// syncNodes makes hop.Nodes equal to one node per relay, in order.
func syncNodes(hop *gost.Hop, pool bool, relays []relay.Relay) bool {
	changed := false
	if len(hop.Nodes) > len(relays) {
		hop.Nodes = hop.Nodes[:len(relays)]
		changed = true
	}
	for i, r := range relays {
		want := newNode(hop.Name, pool, i, r)
		if i >= len(hop.Nodes) {
			hop.Nodes = append(hop.Nodes, want)
			changed = true
			continue
		}
		if updateNode(hop.Nodes[i], want) {
			changed = true
		}
	}
	return changed
}

func newNode(hop string, pool bool, i int, r relay.Relay) *gost.Node {
	name := gost.SingleNodeName(hop)
	if pool {
		name = gost.PoolNodeName(hop, i+1)
	}
	return &gost.Node{
		Name:      name,
		Addr:      r.SocksAddr(),
		Bypass:    gost.BypassMullvad,
		Connector: &gost.Connector{Type: gost.ConnectorSocks5},
		Dialer:    &gost.Dialer{Type: gost.DialerTCP},
	}
}

func updateNode(n, want *gost.Node) bool {
	changed := set(&n.Name, want.Name)
	changed = set(&n.Addr, want.Addr) || changed
	changed = set(&n.Bypass, want.Bypass) || changed
	if n.Connector == nil {
		n.Connector = &gost.Connector{}
	}
	changed = set(&n.Connector.Type, want.Connector.Type) || changed
	if n.Dialer == nil {
		n.Dialer = &gost.Dialer{}
	}
	changed = set(&n.Dialer.Type, want.Dialer.Type) || changed
	return changed
}

// removeOrphanChains deletes chains that no service references anymore and
// that either belong to groupKey or were held by a removed service.
func removeOrphanChains(x *gost.Index, groupKey string, stale map[string]struct{}, log zerolog.Logger) bool {
	referenced := make(map[string]struct{})
	for _, s := range x.Services() {
		if s.Handler != nil && s.Handler.Chain != "" {
			referenced[s.Handler.Chain] = struct{}{}
		}
	}
	groupKey = strings.ToLower(groupKey)
	removed := x.RemoveChains(func(c *gost.Chain) bool {
		if _, used := referenced[c.Name]; used {
			return false
		}
		if _, ok := stale[c.Name]; ok {
			return true
		}
		g, ok := gost.GeneratedChainGroup(c.Name)
		return ok && g == groupKey
	})
	for _, c := range removed {
		log.Debug().Str("chain", c.Name).Msg("removing unreferenced chain")
	}
	return len(removed) > 0
}

func set(field *string, want string) bool {
	if *field == want {
		return false
	}
	*field = want
	return true
}
