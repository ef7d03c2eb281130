package reconcile

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/Resinat/gostgen/internal/gost"
	"github.com/Resinat/gostgen/internal/policy"
	"github.com/Resinat/gostgen/internal/portalloc"
	"github.com/Resinat/gostgen/internal/relay"
	"github.com/rs/zerolog"
)

func newReconciler(rng portalloc.Range) *Reconciler {
	return New(Options{Logger: zerolog.Nop(), Interface: "eth0", PortRange: rng})
}

func testPolicy() *policy.Document {
	pol := policy.Default()
	pol.Users = map[string]policy.User{"alice": policy.NewUser("correct-horse-battery")}
	return pol
}

func berlin(n int) relay.Relay {
	host := []string{"", "de-ber-wg-001", "de-ber-wg-002", "de-ber-wg-003"}[n]
	return relay.Relay{
		Hostname:    host,
		CountryCode: "de",
		CountryName: "Germany",
		CityCode:    "ber",
		CityName:    "Berlin",
		Active:      true,
		SocksName:   "de-ber-wg-socks5-00" + string(rune('0'+n)) + ".relays.mullvad.net",
		SocksPort:   1080,
	}
}

func stockholm() relay.Relay {
	return relay.Relay{
		Hostname:    "se-sto-wg-001",
		CountryCode: "se",
		CountryName: "Sweden",
		CityCode:    "sto",
		CityName:    "Stockholm",
		SocksName:   "se-sto-wg-socks5-001.relays.mullvad.net",
		SocksPort:   1080,
	}
}

func serviceNames(doc *gost.Document) []string {
	var names []string
	for _, s := range doc.Services {
		names = append(names, s.Name)
	}
	return names
}

func encode(t *testing.T, doc *gost.Document) []byte {
	t.Helper()
	data, err := gost.Encode(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestReconcile_PoolWithTwoRelays(t *testing.T) {
	r := newReconciler(portalloc.Range{Start: 2000, End: 5000})
	doc := &gost.Document{}
	pol := testPolicy()

	res, err := r.Reconcile(doc, pol, []relay.Relay{berlin(2), berlin(1)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.Changed {
		t.Fatal("first pass must report a change")
	}
	want := []string{gost.LocalService, "service-de-ber-pool", "service-de-ber-1", "service-de-ber-2"}
	if got := serviceNames(doc); !slices.Equal(got, want) {
		t.Fatalf("services: got %v want %v", got, want)
	}
	x := gost.NewIndex(doc)
	if s := x.ServiceByName("service-de-ber-pool"); s.Addr != ":2000" || s.Handler.Chain != "chain-de-ber-pool" {
		t.Fatalf("unexpected pool service: %+v", s)
	}
	hop := x.Chain("chain-de-ber-pool").Hops[0]
	if hop.Selector == nil || len(hop.Nodes) != 2 {
		t.Fatalf("pool hop must have a selector and two nodes: %+v", hop)
	}
	if hop.Nodes[0].Addr != "de-ber-wg-socks5-001.relays.mullvad.net:1080" {
		t.Fatalf("pool nodes must follow hostname order: %s", hop.Nodes[0].Addr)
	}
	single := x.Chain("chain-de-ber-2").Hops[0]
	if single.Selector != nil || len(single.Nodes) != 1 {
		t.Fatalf("single hop must have one node and no selector: %+v", single)
	}
	if len(res.Proxies) != 3 || !res.Proxies[0].Pool || res.Proxies[2].Port != 2002 {
		t.Fatalf("unexpected proxies: %+v", res.Proxies)
	}
	if res.RelayCount != 2 || res.TopologySkipped {
		t.Fatalf("unexpected result: %+v", res)
	}

	before := encode(t, doc)
	res, err = r.Reconcile(doc, pol, []relay.Relay{berlin(1), berlin(2)})
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if res.Changed {
		t.Fatal("second pass must be a no-op")
	}
	if !bytes.Equal(before, encode(t, doc)) {
		t.Fatal("second pass changed the encoded document")
	}
}

func TestReconcile_SingleServerPerCity(t *testing.T) {
	r := newReconciler(portalloc.Range{Start: 2000, End: 5000})
	doc := &gost.Document{}
	pol := testPolicy()
	pol.MaxServersPerCity = 1

	if _, err := r.Reconcile(doc, pol, []relay.Relay{berlin(1), berlin(2)}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	want := []string{gost.LocalService, "service-de-ber-1"}
	if got := serviceNames(doc); !slices.Equal(got, want) {
		t.Fatalf("services: got %v want %v", got, want)
	}
	if len(doc.Chains) != 1 || doc.Chains[0].Hops[0].Selector != nil {
		t.Fatalf("expected one plain chain: %+v", doc.Chains)
	}
}

func TestReconcile_RelayRemovalShrinksPool(t *testing.T) {
	r := newReconciler(portalloc.Range{Start: 2000, End: 5000})
	doc := &gost.Document{}
	pol := testPolicy()

	if _, err := r.Reconcile(doc, pol, []relay.Relay{berlin(1), berlin(2)}); err != nil {
		t.Fatal(err)
	}
	res, err := r.Reconcile(doc, pol, []relay.Relay{berlin(1)})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed {
		t.Fatal("removing a relay must report a change")
	}
	x := gost.NewIndex(doc)
	if x.ServiceByName("service-de-ber-2") != nil || x.Chain("chain-de-ber-2") != nil {
		t.Fatal("entries of the removed relay must be gone")
	}
	if n := len(x.Chain("chain-de-ber-pool").Hops[0].Nodes); n != 1 {
		t.Fatalf("pool must shrink to one node, got %d", n)
	}
}

func TestReconcile_GroupsDoNotOverlap(t *testing.T) {
	r := newReconciler(portalloc.Range{Start: 2000, End: 5000})
	doc := &gost.Document{}
	pol := testPolicy()

	if _, err := r.Reconcile(doc, pol, []relay.Relay{stockholm(), berlin(1), berlin(2)}); err != nil {
		t.Fatal(err)
	}
	x := gost.NewIndex(doc)
	if s := x.ServiceByName("service-de-ber-pool"); s == nil || s.Addr != ":2000" {
		t.Fatalf("Berlin must start at 2000: %+v", s)
	}
	if s := x.ServiceByName("service-se-sto-pool"); s == nil || s.Addr != ":2010" {
		t.Fatalf("Stockholm must start at 2010: %+v", s)
	}

	// Allocation is stable when Berlin grows.
	if _, err := r.Reconcile(doc, pol, []relay.Relay{stockholm(), berlin(1), berlin(2), berlin(3)}); err != nil {
		t.Fatal(err)
	}
	x = gost.NewIndex(doc)
	if s := x.ServiceByName("service-se-sto-pool"); s == nil || s.Addr != ":2010" {
		t.Fatalf("Stockholm must keep its window: %+v", s)
	}
	if s := x.ServiceByName("service-de-ber-3"); s == nil || s.Addr != ":2003" {
		t.Fatalf("Berlin must grow inside its window: %+v", s)
	}
}

func TestReconcile_GrowingGroupMovesPastNeighbour(t *testing.T) {
	r := newReconciler(portalloc.Range{Start: 2000, End: 5000})
	doc := &gost.Document{}
	pol := testPolicy()
	pol.MaxServersPerCity = 2
	relays := []relay.Relay{berlin(1), berlin(2), berlin(3), stockholm()}

	if _, err := r.Reconcile(doc, pol, relays); err != nil {
		t.Fatal(err)
	}
	x := gost.NewIndex(doc)
	if s := x.ServiceByPort(2002); s == nil || s.Name != "service-se-sto-pool" {
		t.Fatalf("Stockholm must start at 2002: %+v", s)
	}

	pol.MaxServersPerCity = 3
	res, err := r.Reconcile(doc, pol, relays)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || len(res.Exhausted) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("document must stay valid: %v", err)
	}
	x = gost.NewIndex(doc)
	want := map[int]string{
		2002: "service-se-sto-pool",
		2003: "service-se-sto-1",
		2006: "service-de-ber-pool",
		2007: "service-de-ber-1",
		2008: "service-de-ber-2",
	}
	for port, name := range want {
		if s := x.ServiceByPort(port); s == nil || s.Name != name {
			t.Fatalf("port %d: expected %s, got %+v", port, name, s)
		}
	}
	if x.ServiceByPort(2000) != nil || x.ServiceByPort(2001) != nil {
		t.Fatal("Berlin's old window must be released")
	}

	res, err = r.Reconcile(doc, pol, relays)
	if err != nil || res.Changed {
		t.Fatalf("relocated layout must be stable: %+v %v", res, err)
	}
}

func TestReconcile_AdoptsServiceBoundToHost(t *testing.T) {
	r := newReconciler(portalloc.Range{Start: 2000, End: 5000})
	doc := &gost.Document{Services: []*gost.Service{{Name: "service-de-ber-pool", Addr: "0.0.0.0:2000"}}}
	pol := testPolicy()

	if _, err := r.Reconcile(doc, pol, []relay.Relay{berlin(1)}); err != nil {
		t.Fatal(err)
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("document must stay valid: %v", err)
	}
	x := gost.NewIndex(doc)
	if s := x.ServiceByName("service-de-ber-pool"); s == nil || s.Addr != "0.0.0.0:2000" || s.Handler.Chain != "chain-de-ber-pool" {
		t.Fatalf("existing pool service must be updated in place: %+v", s)
	}
	if s := x.ServiceByPort(2001); s == nil || s.Name != "service-de-ber-1" {
		t.Fatalf("unexpected single service: %+v", s)
	}

	res, err := r.Reconcile(doc, pol, []relay.Relay{berlin(1)})
	if err != nil || res.Changed {
		t.Fatalf("second pass must be a no-op: %+v %v", res, err)
	}
}

func TestReconcile_PrunesVanishedGroups(t *testing.T) {
	r := newReconciler(portalloc.Range{Start: 2000, End: 5000})
	doc := &gost.Document{}
	pol := testPolicy()

	if _, err := r.Reconcile(doc, pol, []relay.Relay{stockholm(), berlin(1)}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Reconcile(doc, pol, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed || !res.TopologySkipped {
		t.Fatalf("missing relay data must keep listeners: %+v", res)
	}
	if len(doc.Services) != 5 {
		t.Fatalf("expected all listeners kept, got %v", serviceNames(doc))
	}

	pol.ProxyFilter.Country.Exclude = []string{"Sweden"}
	res, err = r.Reconcile(doc, pol, []relay.Relay{stockholm(), berlin(1)})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed {
		t.Fatal("pruning must report a change")
	}
	for _, s := range doc.Services {
		if g, ok := gost.GeneratedServiceGroup(s.Name); ok && g == "se-sto" {
			t.Fatalf("service %s must be pruned", s.Name)
		}
	}
	for _, c := range doc.Chains {
		if g, ok := gost.GeneratedChainGroup(c.Name); ok && g == "se-sto" {
			t.Fatalf("chain %s must be pruned", c.Name)
		}
	}
}

func TestReconcile_Exhaustion(t *testing.T) {
	r := newReconciler(portalloc.Range{Start: 2000, End: 2015})
	doc := &gost.Document{}
	pol := testPolicy()

	res, err := r.Reconcile(doc, pol, []relay.Relay{stockholm(), berlin(1)})
	if err != nil {
		t.Fatalf("exhaustion must not fail the pass: %v", err)
	}
	if !slices.Equal(res.Exhausted, []string{"se-sto"}) {
		t.Fatalf("exhausted: %v", res.Exhausted)
	}
	if gost.NewIndex(doc).ServiceByName("service-de-ber-pool") == nil {
		t.Fatal("the first group must still be built")
	}
}

func TestReconcile_KeepsUnmanagedEntries(t *testing.T) {
	r := newReconciler(portalloc.Range{Start: 2000, End: 5000})
	custom := &gost.Service{
		Name:     "custom-http",
		Addr:     ":8080",
		Handler:  &gost.Handler{Type: "http"},
		Listener: &gost.Listener{Type: "tcp"},
	}
	doc := &gost.Document{Services: []*gost.Service{custom}}

	if _, err := r.Reconcile(doc, testPolicy(), []relay.Relay{berlin(1)}); err != nil {
		t.Fatal(err)
	}
	x := gost.NewIndex(doc)
	if s := x.ServiceByName("custom-http"); s == nil || s.Handler.Type != "http" {
		t.Fatalf("unmanaged service must survive untouched: %+v", s)
	}
}

func TestReconcile_KeepsUnmodelledSettings(t *testing.T) {
	r := newReconciler(portalloc.Range{Start: 2000, End: 5000})
	doc, err := gost.Decode([]byte(`services:
  - name: my-http
    addr: :8080
    limiter: my-limiter
    handler:
      type: http
      metadata:
        udpBufferSize: 4096
    listener:
      type: tls
      tls:
        certFile: /etc/gost/cert.pem
`))
	if err != nil {
		t.Fatal(err)
	}
	pol := testPolicy()

	for _, relays := range [][]relay.Relay{nil, {berlin(1)}} {
		if _, err := r.Reconcile(doc, pol, relays); err != nil {
			t.Fatal(err)
		}
		out := string(encode(t, doc))
		for _, want := range []string{"certFile: /etc/gost/cert.pem", "udpBufferSize: 4096", "limiter: my-limiter"} {
			if !strings.Contains(out, want) {
				t.Fatalf("saved document lost %q:\n%s", want, out)
			}
		}
	}
}

func TestReconcile_InvalidInput(t *testing.T) {
	r := newReconciler(portalloc.Range{Start: 2000, End: 5000})

	dup := &gost.Document{Services: []*gost.Service{{Name: "a", Addr: ":1"}, {Name: "a", Addr: ":2"}}}
	if _, err := r.Reconcile(dup, testPolicy(), nil); !errors.Is(err, gost.ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}

	pol := testPolicy()
	pol.Users = nil
	if _, err := r.Reconcile(&gost.Document{}, pol, nil); !errors.Is(err, policy.ErrInvalid) {
		t.Fatalf("expected policy.ErrInvalid, got %v", err)
	}
}

func TestNeedsRelays(t *testing.T) {
	populated := &gost.Document{
		Services: []*gost.Service{{Name: "service-de-ber-1", Addr: ":2000"}},
		Chains:   []*gost.Chain{{Name: "chain-de-ber-1"}},
	}
	tests := []struct {
		name   string
		doc    *gost.Document
		update bool
		want   bool
	}{
		{"empty document", &gost.Document{}, false, true},
		{"populated, no update", populated, false, false},
		{"populated, update", populated, true, true},
		{"services only", &gost.Document{Services: populated.Services}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol := testPolicy()
			pol.UpdateServersOnStartup = tt.update
			if got := NeedsRelays(tt.doc, pol); got != tt.want {
				t.Fatalf("NeedsRelays = %v, want %v", got, tt.want)
			}
		})
	}
}
