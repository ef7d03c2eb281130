// Package reconcile runs one full pass that brings a gost document in line
// with the gateway policy and the current relay list.
package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Resinat/gostgen/internal/access"
	"github.com/Resinat/gostgen/internal/gost"
	"github.com/Resinat/gostgen/internal/logging"
	"github.com/Resinat/gostgen/internal/policy"
	"github.com/Resinat/gostgen/internal/portalloc"
	"github.com/Resinat/gostgen/internal/relay"
	"github.com/Resinat/gostgen/internal/topology"
	"github.com/rs/zerolog"
)

// Options carries the process-level settings of a Reconciler.
type Options struct {
	Logger      zerolog.Logger
	Interface   string
	PortRange   portalloc.Range
	LocalAddr   string
	MetricsAddr string
}

// Result summarizes a pass.
type Result struct {
	// Changed reports whether the document was mutated.
	Changed bool
	// Proxies lists the generated relay listeners in group order.
	Proxies []topology.Proxy
	// Exhausted holds the keys of groups skipped for lack of ports.
	Exhausted []string
	// TopologySkipped is set when no relay data was applied.
	TopologySkipped bool
	// RelayCount is the number of relays left after filtering.
	RelayCount  int
	Fingerprint relay.Fingerprint
}

// Reconciler applies policy and relays to gost documents.
type Reconciler struct {
	opts Options
	log  zerolog.Logger
}

// New returns a Reconciler. Empty addresses fall back to the default ports.
func New(opts Options) *Reconciler {
	if opts.LocalAddr == "" {
		opts.LocalAddr = gost.ListenAddr(access.DefaultLocalPort)
	}
	if opts.MetricsAddr == "" {
		opts.MetricsAddr = gost.ListenAddr(access.DefaultMetricsPort)
	}
	if opts.PortRange == (portalloc.Range{}) {
		opts.PortRange = portalloc.Range{Start: portalloc.DefaultStart, End: portalloc.DefaultEnd}
	}
	return &Reconciler{opts: opts, log: logging.Component(opts.Logger, "reconcile")}
}

// NeedsRelays reports whether the startup pass over doc should fetch and
// apply relay data. A populated document is left alone when the policy
// disables updates on startup. Scheduled passes always apply relays.
func NeedsRelays(doc *gost.Document, pol *policy.Document) bool {
	if pol.UpdateServersOnStartup {
		return true
	}
	return len(doc.Services) == 0 || len(doc.Chains) == 0
}

// Reconcile mutates doc in place. A nil or empty relays slice means no relay
// data is available: generated listeners are kept and only the policy-driven
// sections are synced.
func (r *Reconciler) Reconcile(doc *gost.Document, pol *policy.Document, relays []relay.Relay) (Result, error) {
	var res Result
	if err := pol.Validate(); err != nil {
		return res, err
	}
	if err := doc.Validate(); err != nil {
		return res, err
	}
	alloc, err := portalloc.New(r.opts.PortRange, pol.MaxServersPerCity)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}

	x := gost.NewIndex(doc)
	accessLog := logging.Component(r.opts.Logger, "access")
	steps := []func() bool{
		func() bool { return access.SyncLogging(x, pol, accessLog) },
		func() bool { return access.SyncUsers(x, pol, accessLog) },
		func() bool { return access.SyncBypasses(x, pol, accessLog) },
		func() bool { return access.SyncLocalProxy(x, r.opts.LocalAddr, r.opts.Interface, accessLog) },
	}
	for _, step := range steps {
		if step() {
			res.Changed = true
		}
	}

	if len(relays) == 0 {
		res.TopologySkipped = true
		r.log.Info().Msg("no relay data applied, keeping generated listeners")
	} else if r.applyRelays(x, pol, alloc, relays, &res) {
		res.Changed = true
	}

	if access.SyncMetrics(x, pol, r.opts.MetricsAddr, accessLog) {
		res.Changed = true
	}
	x.Sort()

	if res.Changed {
		r.log.Info().
			Int("services", len(doc.Services)).
			Int("chains", len(doc.Chains)).
			Int("proxies", len(res.Proxies)).
			Msg("document updated")
	} else {
		r.log.Debug().Msg("document already up to date")
	}
	return res, nil
}

func (r *Reconciler) applyRelays(x *gost.Index, pol *policy.Document, alloc portalloc.Allocator, relays []relay.Relay, res *Result) bool {
	filtered := relay.Filter(relays, pol.ProxyFilter)
	res.RelayCount = len(filtered)
	res.Fingerprint = relay.FingerprintOf(filtered)
	groups := relay.GroupByCity(filtered)
	r.log.Debug().
		Int("relays", len(relays)).
		Int("filtered", len(filtered)).
		Int("groups", len(groups)).
		Str("fingerprint", res.Fingerprint.Hex()).
		Msg("applying relays")

	b := topology.Builder{
		Interface:  r.opts.Interface,
		Pool:       pol.CityRandomPools,
		MaxPerCity: pol.MaxServersPerCity,
		Log:        logging.Component(r.opts.Logger, "topology"),
	}

	changed := false
	seen := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		key := g.Key()
		seen[strings.ToLower(key)] = struct{}{}
		start, err := alloc.Allocate(x, key)
		if errors.Is(err, portalloc.ErrExhausted) {
			r.log.Warn().Err(err).Str("group", key).Msg("skipping group")
			res.Exhausted = append(res.Exhausted, key)
			continue
		}
		if err != nil {
			r.log.Error().Err(err).Str("group", key).Msg("port allocation failed")
			continue
		}
		if foreign := b.Conflicts(x, g, start); len(foreign) > 0 {
			// Outgrown window: the group moves, its neighbours stay.
			moved, err := alloc.Relocate(x, key)
			if err != nil {
				r.log.Warn().Err(err).Str("group", key).Int("start", start).Msg("group cannot grow, keeping its listeners")
				res.Exhausted = append(res.Exhausted, key)
				continue
			}
			r.log.Info().Str("group", key).Int("from", start).Int("to", moved).Str("blocked_by", foreign[0].Name).Msg("relocating group")
			start = moved
		}
		proxies, groupChanged := b.Reconcile(x, g, start)
		res.Proxies = append(res.Proxies, proxies...)
		if groupChanged {
			changed = true
		}
	}

	for _, key := range staleGroups(x, seen) {
		r.log.Info().Str("group", key).Msg("removing listeners of group without relays")
		if topology.Prune(x, key, b.Log) {
			changed = true
		}
	}
	return changed
}

// staleGroups returns the generated group keys in x that are not in seen.
func staleGroups(x *gost.Index, seen map[string]struct{}) []string {
	stale := make(map[string]struct{})
	for _, s := range x.Services() {
		if key, ok := gost.GeneratedServiceGroup(s.Name); ok {
			stale[key] = struct{}{}
		}
	}
	for _, c := range x.Chains() {
		if key, ok := gost.GeneratedChainGroup(c.Name); ok {
			stale[key] = struct{}{}
		}
	}
	var keys []string
	for key := range stale {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}
