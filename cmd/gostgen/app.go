package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Resinat/gostgen/internal/config"
	"github.com/Resinat/gostgen/internal/export"
	"github.com/Resinat/gostgen/internal/gost"
	"github.com/Resinat/gostgen/internal/policy"
	"github.com/Resinat/gostgen/internal/reconcile"
	"github.com/Resinat/gostgen/internal/relay"
	"github.com/Resinat/gostgen/internal/state"
	"github.com/rs/zerolog"
)

type gostgenApp struct {
	envCfg     *config.EnvConfig
	log        zerolog.Logger
	source     relay.Source
	reconciler *reconcile.Reconciler
	journal    *state.Journal // nil when the journal is disabled
}

// invalidator is implemented by relay sources that cache between passes.
type invalidator interface {
	Invalidate()
}

// refreshRelays drops any cached relay list so the next pass fetches anew.
func (a *gostgenApp) refreshRelays() bool {
	inv, ok := a.source.(invalidator)
	if ok {
		inv.Invalidate()
	}
	return ok
}

// passOutcome is what a single pass did, for logging and tests.
type passOutcome struct {
	runID   string
	result  reconcile.Result
	saved   bool
	written []string

	services int
	chains   int
}

// runPass loads the policy and the gost document, applies relays and
// persists the outcome. On the startup pass the policy may ask to keep an
// already populated document.
func (a *gostgenApp) runPass(ctx context.Context, startup bool) (passOutcome, error) {
	out := passOutcome{runID: state.NewRunID()}
	started := time.Now()
	log := a.log.With().Str("run", out.runID).Logger()

	err := a.pass(ctx, startup, log, &out)
	a.record(log, out, started, err)
	if err != nil {
		return out, err
	}
	log.Info().
		Bool("changed", out.result.Changed).
		Bool("saved", out.saved).
		Int("proxies", len(out.result.Proxies)).
		Dur("took", time.Since(started)).
		Msg("pass finished")
	return out, nil
}

func (a *gostgenApp) pass(ctx context.Context, startup bool, log zerolog.Logger, out *passOutcome) error {
	pol, origin, err := policy.Load(a.envCfg.PolicySources())
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	log.Debug().Str("source", origin).Msg("loaded gateway policy")
	for _, w := range pol.Warnings() {
		log.Warn().Msg(w)
	}

	doc, found, err := gost.Load(a.envCfg.GostConfig)
	if err != nil {
		return fmt.Errorf("load gost config: %w", err)
	}
	if !found {
		log.Info().Str("path", a.envCfg.GostConfig).Msg("gost config not found, starting from an empty document")
	}

	var relays []relay.Relay
	if startup && !reconcile.NeedsRelays(doc, pol) {
		log.Info().Msg("updating servers on startup is disabled, keeping existing listeners")
	} else {
		relays, err = a.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("fetching relays failed, keeping existing listeners")
			relays = nil
		}
	}

	out.result, err = a.reconciler.Reconcile(doc, pol, relays)
	if err != nil {
		return err
	}
	out.services, out.chains = len(doc.Services), len(doc.Chains)

	if out.result.Changed || !found {
		if err := gost.Save(a.envCfg.GostConfig, doc); err != nil {
			return fmt.Errorf("save gost config: %w", err)
		}
		out.saved = true
		ev := log.Info().Str("path", a.envCfg.GostConfig)
		if fp, err := gost.Fingerprint(doc); err == nil {
			ev = ev.Str("fingerprint", fp)
		}
		ev.Msg("gost config saved")
	}

	if out.result.TopologySkipped {
		return nil
	}
	out.written, err = export.Write(a.envCfg.ExportFiles(), export.Entries(out.result.Proxies), out.result.Changed)
	if err != nil {
		// Export problems never fail the pass.
		log.Error().Err(err).Msg("writing proxy lists failed")
	}
	for _, path := range out.written {
		log.Info().Str("path", path).Msg("proxy list written")
	}
	return nil
}

// record writes the pass to the journal, if one is configured.
func (a *gostgenApp) record(log zerolog.Logger, out passOutcome, started time.Time, passErr error) {
	if a.journal == nil {
		return
	}
	res := out.result
	fingerprint := ""
	if !res.TopologySkipped && passErr == nil {
		fingerprint = res.Fingerprint.Hex()
		prev, err := a.journal.LastAppliedRun()
		switch {
		case err == nil && prev.RelayFingerprint == fingerprint:
			log.Info().Str("since_run", prev.ID).Msg("relay set unchanged since previous run")
		case err != nil && !errors.Is(err, state.ErrNotFound):
			log.Warn().Err(err).Msg("reading journal failed")
		}
	}

	run := state.Run{
		ID:               out.runID,
		StartedAt:        started,
		FinishedAt:       time.Now(),
		Changed:          res.Changed,
		TopologySkipped:  res.TopologySkipped,
		RelayFingerprint: fingerprint,
		RelayCount:       res.RelayCount,
		ServiceCount:     out.services,
		ChainCount:       out.chains,
		Exhausted:        res.Exhausted,
	}
	if passErr != nil {
		run.Error = passErr.Error()
	}
	var windows []state.Window
	if passErr == nil && !res.TopologySkipped {
		windows = state.WindowsOf(res.Proxies)
		a.logMovedWindows(log, windows)
	}
	if err := a.journal.RecordRun(run, windows); err != nil {
		log.Warn().Err(err).Msg("recording run failed")
		return
	}
	if windows != nil {
		if n, err := a.journal.PruneWindows(windows); err != nil {
			log.Warn().Err(err).Msg("pruning group windows failed")
		} else if n > 0 {
			log.Debug().Int64("groups", n).Msg("pruned windows of removed groups")
		}
	}
}

// logMovedWindows reports groups whose window start differs from the one
// recorded by the previous run.
func (a *gostgenApp) logMovedWindows(log zerolog.Logger, windows []state.Window) {
	prev, err := a.journal.Windows()
	if err != nil {
		log.Warn().Err(err).Msg("reading group windows failed")
		return
	}
	starts := make(map[string]int, len(prev))
	for _, w := range prev {
		starts[w.GroupKey] = w.StartPort
	}
	for _, w := range windows {
		if old, ok := starts[w.GroupKey]; ok && old != w.StartPort {
			log.Info().Str("group", w.GroupKey).Int("from", old).Int("to", w.StartPort).Msg("group window moved")
		}
	}
}
