package topology

import (
	"fmt"
	"testing"

	"github.com/Resinat/gostgen/internal/gost"
	"github.com/Resinat/gostgen/internal/relay"
	"github.com/rs/zerolog"
)

func berlin(n int) relay.Group {
	g := relay.Group{CountryCode: "de", CountryName: "Germany", CityCode: "ber", CityName: "Berlin"}
	for i := 1; i <= n; i++ {
		g.Relays = append(g.Relays, relay.Relay{
			Hostname:    fmt.Sprintf("de-ber-wg-%03d", i),
			CountryCode: "de", CountryName: "Germany",
			CityCode: "ber", CityName: "Berlin",
			SocksName: fmt.Sprintf("de-ber-wg-socks5-%03d.relays.mullvad.net", i),
			SocksPort: 1080,
		})
	}
	return g
}

func newBuilder(pool bool, max int) Builder {
	return Builder{Interface: "eth0", Pool: pool, MaxPerCity: max, Log: zerolog.Nop()}
}

func newIndex() (*gost.Document, *gost.Index) {
	doc := &gost.Document{}
	return doc, gost.NewIndex(doc)
}

func requireService(t *testing.T, x *gost.Index, addr, name, chain string) *gost.Service {
	t.Helper()
	s := x.ServiceByAddr(addr)
	if s == nil {
		t.Fatalf("no service on %s", addr)
	}
	if s.Name != name {
		t.Fatalf("service on %s: expected name %s, got %s", addr, name, s.Name)
	}
	if s.Handler == nil || s.Handler.Chain != chain || s.Handler.Auther != gost.AutherMullvad || s.Handler.Type != "socks5" {
		t.Fatalf("service %s: unexpected handler %+v", name, s.Handler)
	}
	if s.Listener == nil || s.Listener.Type != "tcp" || s.Interface != "eth0" {
		t.Fatalf("service %s: unexpected listener/interface", name)
	}
	return s
}

func requireHop(t *testing.T, x *gost.Index, chain string, pool bool, nodes int) *gost.Hop {
	t.Helper()
	c := x.Chain(chain)
	if c == nil {
		t.Fatalf("missing chain %s", chain)
	}
	if len(c.Hops) != 1 {
		t.Fatalf("chain %s: expected 1 hop, got %d", chain, len(c.Hops))
	}
	hop := c.Hops[0]
	if hop.Name != "hop-"+chain {
		t.Fatalf("chain %s: unexpected hop name %s", chain, hop.Name)
	}
	if pool {
		if hop.Selector == nil || hop.Selector.Strategy != "round" || hop.Selector.MaxFails != 1 || hop.Selector.FailTimeout != "10s" {
			t.Fatalf("chain %s: unexpected pool selector %+v", chain, hop.Selector)
		}
	} else if hop.Selector != nil {
		t.Fatalf("chain %s: single hop must not have a selector", chain)
	}
	if len(hop.Nodes) != nodes {
		t.Fatalf("chain %s: expected %d nodes, got %d", chain, nodes, len(hop.Nodes))
	}
	for _, n := range hop.Nodes {
		if n.Bypass != gost.BypassMullvad || n.Connector == nil || n.Connector.Type != "socks5" || n.Dialer == nil || n.Dialer.Type != "tcp" {
			t.Fatalf("chain %s: unexpected node %+v", chain, n)
		}
	}
	return hop
}

func TestReconcile_PoolWithTwoRelays(t *testing.T) {
	doc, x := newIndex()
	b := newBuilder(true, 10)

	proxies, changed := b.Reconcile(x, berlin(2), 2000)
	if !changed {
		t.Fatal("first reconcile must report a change")
	}
	if len(doc.Services) != 3 || len(doc.Chains) != 3 {
		t.Fatalf("expected 3 services and chains, got %d/%d", len(doc.Services), len(doc.Chains))
	}

	requireService(t, x, ":2000", "service-de-ber-pool", "chain-de-ber-pool")
	requireService(t, x, ":2001", "service-de-ber-1", "chain-de-ber-1")
	requireService(t, x, ":2002", "service-de-ber-2", "chain-de-ber-2")

	hop := requireHop(t, x, "chain-de-ber-pool", true, 2)
	if hop.Nodes[0].Name != "node-hop-chain-de-ber-pool-1" || hop.Nodes[1].Name != "node-hop-chain-de-ber-pool-2" {
		t.Fatalf("unexpected pool node names: %s, %s", hop.Nodes[0].Name, hop.Nodes[1].Name)
	}
	single := requireHop(t, x, "chain-de-ber-2", false, 1)
	if single.Nodes[0].Name != "node-hop-chain-de-ber-2" || single.Nodes[0].Addr != "de-ber-wg-socks5-002.relays.mullvad.net:1080" {
		t.Fatalf("unexpected single node: %+v", single.Nodes[0])
	}

	if len(proxies) != 3 || !proxies[0].Pool || proxies[0].Slot != 0 || proxies[2].Slot != 2 || proxies[2].Port != 2002 {
		t.Fatalf("unexpected proxies: %+v", proxies)
	}

	if _, changed := b.Reconcile(x, berlin(2), 2000); changed {
		t.Fatal("second reconcile must be a no-op")
	}
}

func TestReconcile_MaxOneDisablesPool(t *testing.T) {
	doc, x := newIndex()
	b := newBuilder(true, 1)

	_, changed := b.Reconcile(x, berlin(3), 2000)
	if !changed {
		t.Fatal("expected change")
	}
	if len(doc.Services) != 1 || len(doc.Chains) != 1 {
		t.Fatalf("expected a single service, got %d services %d chains", len(doc.Services), len(doc.Chains))
	}
	requireService(t, x, ":2000", "service-de-ber-1", "chain-de-ber-1")
	requireHop(t, x, "chain-de-ber-1", false, 1)
}

func TestReconcile_NonPoolNumbering(t *testing.T) {
	doc, x := newIndex()
	b := newBuilder(false, 10)

	proxies, _ := b.Reconcile(x, berlin(3), 2010)
	if len(doc.Services) != 3 {
		t.Fatalf("expected 3 services, got %d", len(doc.Services))
	}
	requireService(t, x, ":2010", "service-de-ber-1", "chain-de-ber-1")
	requireService(t, x, ":2012", "service-de-ber-3", "chain-de-ber-3")
	if proxies[0].Slot != 1 || proxies[0].Pool {
		t.Fatalf("first non-pool proxy must be slot 1, got %+v", proxies[0])
	}
}

func TestReconcile_MemberCountIsCapped(t *testing.T) {
	doc, x := newIndex()
	b := newBuilder(true, 4)

	b.Reconcile(x, berlin(10), 2000)
	if len(doc.Services) != 4 {
		t.Fatalf("expected pool + 3 singles, got %d services", len(doc.Services))
	}
	requireHop(t, x, "chain-de-ber-pool", true, 3)
	if x.ServiceByAddr(":2004") != nil {
		t.Fatal("window must not exceed max per city")
	}
}

func TestReconcile_RelayRemovedShrinksGroup(t *testing.T) {
	doc, x := newIndex()
	b := newBuilder(true, 10)
	b.Reconcile(x, berlin(3), 2000)

	_, changed := b.Reconcile(x, berlin(2), 2000)
	if !changed {
		t.Fatal("removing a relay must report a change")
	}
	if len(doc.Services) != 3 || x.ServiceByAddr(":2003") != nil {
		t.Fatalf("service for removed relay must be gone, have %d services", len(doc.Services))
	}
	if x.Chain("chain-de-ber-3") != nil || len(doc.Chains) != 3 {
		t.Fatal("chain for removed relay must be gone")
	}
	requireHop(t, x, "chain-de-ber-pool", true, 2)

	if _, changed := b.Reconcile(x, berlin(2), 2000); changed {
		t.Fatal("rerun must be a no-op")
	}
}

func TestReconcile_RelayAddedGrowsGroup(t *testing.T) {
	_, x := newIndex()
	b := newBuilder(true, 10)
	b.Reconcile(x, berlin(1), 2000)

	_, changed := b.Reconcile(x, berlin(2), 2000)
	if !changed {
		t.Fatal("adding a relay must report a change")
	}
	requireService(t, x, ":2002", "service-de-ber-2", "chain-de-ber-2")
	requireHop(t, x, "chain-de-ber-pool", true, 2)
}

func TestReconcile_RelayAttributeChanges(t *testing.T) {
	mutations := map[string]func(*relay.Relay){
		"socks name": func(r *relay.Relay) { r.SocksName = "renamed.relays.mullvad.net" },
		"socks port": func(r *relay.Relay) { r.SocksPort = 1081 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			_, x := newIndex()
			b := newBuilder(true, 10)
			g := berlin(2)
			b.Reconcile(x, g, 2000)

			mutated := berlin(2)
			mutate(&mutated.Relays[1])
			if _, changed := b.Reconcile(x, mutated, 2000); !changed {
				t.Fatal("expected change")
			}
			want := mutated.Relays[1].SocksAddr()
			if got := requireHop(t, x, "chain-de-ber-2", false, 1).Nodes[0].Addr; got != want {
				t.Fatalf("single node addr: got %s want %s", got, want)
			}
			if got := requireHop(t, x, "chain-de-ber-pool", true, 2).Nodes[1].Addr; got != want {
				t.Fatalf("pool node addr: got %s want %s", got, want)
			}
			if _, changed := b.Reconcile(x, mutated, 2000); changed {
				t.Fatal("rerun must be a no-op")
			}
		})
	}
}

func TestReconcile_RepairsDriftedEntries(t *testing.T) {
	_, x := newIndex()
	b := newBuilder(true, 10)
	b.Reconcile(x, berlin(2), 2000)

	pool := x.Chain("chain-de-ber-pool")
	pool.Hops = append(pool.Hops, &gost.Hop{Name: "extra"})
	pool.Hops[0].Selector.MaxFails = 3
	single := x.Chain("chain-de-ber-1")
	single.Hops[0].Selector = &gost.Selector{Strategy: "rand"}
	single.Hops[0].Nodes = append(single.Hops[0].Nodes, &gost.Node{Name: "stray"})
	single.Hops[0].Nodes[0].Dialer = nil
	x.ServiceByAddr(":2002").Interface = "wlan0"

	if _, changed := b.Reconcile(x, berlin(2), 2000); !changed {
		t.Fatal("drift must be repaired and reported")
	}
	requireHop(t, x, "chain-de-ber-pool", true, 2)
	requireHop(t, x, "chain-de-ber-1", false, 1)
	requireService(t, x, ":2002", "service-de-ber-2", "chain-de-ber-2")
}

func TestReconcile_TogglePoolMode(t *testing.T) {
	doc, x := newIndex()
	newBuilder(true, 10).Reconcile(x, berlin(2), 2000)

	b := newBuilder(false, 10)
	if _, changed := b.Reconcile(x, berlin(2), 2000); !changed {
		t.Fatal("expected change")
	}
	if len(doc.Services) != 2 || len(doc.Chains) != 2 {
		t.Fatalf("expected 2 services and chains, got %d/%d", len(doc.Services), len(doc.Chains))
	}
	requireService(t, x, ":2000", "service-de-ber-1", "chain-de-ber-1")
	requireService(t, x, ":2001", "service-de-ber-2", "chain-de-ber-2")
	if x.Chain("chain-de-ber-pool") != nil {
		t.Fatal("pool chain must be removed")
	}
	requireHop(t, x, "chain-de-ber-1", false, 1)
	if _, changed := b.Reconcile(x, berlin(2), 2000); changed {
		t.Fatal("rerun must be a no-op")
	}
}

func TestReconcile_OtherGroupsUntouched(t *testing.T) {
	doc, x := newIndex()
	x.AddService(&gost.Service{Name: "service-at-vie-pool", Addr: ":2010", Handler: &gost.Handler{Type: "socks5", Chain: "chain-at-vie-pool"}})
	x.AddChain(&gost.Chain{Name: "chain-at-vie-pool"})
	x.AddService(&gost.Service{Name: "service-local", Addr: ":1080"})

	newBuilder(true, 10).Reconcile(x, berlin(1), 2000)

	if x.ServiceByAddr(":2010") == nil || x.Chain("chain-at-vie-pool") == nil || x.ServiceByAddr(":1080") == nil {
		t.Fatal("foreign entries must survive")
	}
	if len(doc.Services) != 4 {
		t.Fatalf("expected 4 services, got %d", len(doc.Services))
	}
}

func TestReconcile_RefusesForeignWindow(t *testing.T) {
	doc, x := newIndex()
	x.AddService(&gost.Service{Name: "service-se-sto-pool", Addr: ":2001"})
	b := newBuilder(true, 10)

	if got := b.Conflicts(x, berlin(2), 2000); len(got) != 1 || got[0].Name != "service-se-sto-pool" {
		t.Fatalf("unexpected conflicts: %+v", got)
	}
	proxies, changed := b.Reconcile(x, berlin(2), 2000)
	if changed || proxies != nil || len(doc.Services) != 1 || doc.Services[0].Name != "service-se-sto-pool" {
		t.Fatalf("foreign window must be left alone: changed=%v services=%+v", changed, doc.Services)
	}
	if got := b.Conflicts(x, berlin(2), 2002); len(got) != 0 {
		t.Fatalf("window above must be free: %+v", got)
	}
}

func TestReconcile_MatchesOwnServiceByPort(t *testing.T) {
	doc, x := newIndex()
	x.AddService(&gost.Service{Name: "service-de-ber-pool", Addr: "127.0.0.1:2000"})
	b := newBuilder(true, 10)

	b.Reconcile(x, berlin(1), 2000)
	if len(doc.Services) != 2 {
		t.Fatalf("expected pool and single service, got %d", len(doc.Services))
	}
	requireService(t, x, "127.0.0.1:2000", "service-de-ber-pool", "chain-de-ber-pool")
	requireService(t, x, ":2001", "service-de-ber-1", "chain-de-ber-1")
}

func TestPrune(t *testing.T) {
	doc, x := newIndex()
	b := newBuilder(true, 10)
	b.Reconcile(x, berlin(2), 2000)
	x.AddService(&gost.Service{Name: "service-local", Addr: ":1080"})

	if !Prune(x, "de-ber", zerolog.Nop()) {
		t.Fatal("prune must report a change")
	}
	if len(doc.Services) != 1 || len(doc.Chains) != 0 {
		t.Fatalf("expected only service-local, got %d services %d chains", len(doc.Services), len(doc.Chains))
	}
	if Prune(x, "de-ber", zerolog.Nop()) {
		t.Fatal("second prune must be a no-op")
	}
}

func TestPlanLayout(t *testing.T) {
	cases := []struct {
		pool    bool
		max     int
		n       int
		want    Layout
		service int
	}{
		{true, 10, 2, Layout{Pool: true, Members: 2}, 3},
		{true, 10, 20, Layout{Pool: true, Members: 9}, 10},
		{true, 1, 5, Layout{Members: 1}, 1},
		{false, 10, 20, Layout{Members: 10}, 10},
		{true, 10, 0, Layout{}, 0},
	}
	for _, tc := range cases {
		got := newBuilder(tc.pool, tc.max).PlanLayout(tc.n)
		if got != tc.want || got.Services() != tc.service {
			t.Fatalf("PlanLayout(pool=%v,max=%d,n=%d) = %+v (%d services), want %+v (%d)",
				tc.pool, tc.max, tc.n, got, got.Services(), tc.want, tc.service)
		}
	}
}
