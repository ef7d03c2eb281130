package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Resinat/gostgen/internal/buildinfo"
	"github.com/Resinat/gostgen/internal/config"
	"github.com/Resinat/gostgen/internal/logging"
	"github.com/Resinat/gostgen/internal/netutil"
	"github.com/Resinat/gostgen/internal/policy"
	"github.com/Resinat/gostgen/internal/reconcile"
	"github.com/Resinat/gostgen/internal/relay"
	"github.com/Resinat/gostgen/internal/state"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(envCfg)
	if err != nil {
		return err
	}
	logger.Info().
		Str("version", buildinfo.Version).
		Str("commit", buildinfo.GitCommit).
		Str("built", buildinfo.BuildTime).
		Msg("gostgen starting")

	app, cleanup, err := newGostgenApp(envCfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := app.runPass(ctx, true); err != nil {
		if !envCfg.Daemon() {
			return err
		}
		logger.Error().Err(err).Msg("startup pass failed")
	}
	if !envCfg.Daemon() {
		return nil
	}
	return app.runDaemon(ctx)
}

// newLogger builds the process logger. Without GOSTGEN_LOG_LEVEL the level
// comes from the gateway policy, if one can be read.
func newLogger(envCfg *config.EnvConfig) (zerolog.Logger, error) {
	format, err := logging.ParseFormat(envCfg.LogFormat)
	if err != nil {
		return zerolog.Nop(), err
	}
	levelName := envCfg.LogLevel
	if levelName == "" {
		if pol, _, err := policy.Load(envCfg.PolicySources()); err == nil {
			levelName = pol.LogLevel
		}
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return zerolog.Nop(), err
	}
	return logging.New(os.Stderr, level, format), nil
}

func newGostgenApp(envCfg *config.EnvConfig, logger zerolog.Logger) (*gostgenApp, func(), error) {
	iface := envCfg.Interface
	if iface == "" {
		iface = netutil.DefaultInterface()
		logger.Debug().Str("interface", iface).Msg("detected network interface")
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	source, closeSource, err := newRelaySource(envCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if closeSource != nil {
		closers = append(closers, closeSource)
	}

	app := &gostgenApp{
		envCfg: envCfg,
		log:    logger,
		source: source,
		reconciler: reconcile.New(reconcile.Options{
			Logger:      logger,
			Interface:   iface,
			PortRange:   envCfg.PortRange(),
			LocalAddr:   envCfg.LocalAddr(),
			MetricsAddr: envCfg.MetricsAddr(),
		}),
	}

	if envCfg.JournalDB != "" {
		journal, err := state.OpenJournal(envCfg.JournalDB)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open journal: %w", err)
		}
		app.journal = journal
		closers = append(closers, func() {
			if err := journal.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing journal failed")
			}
		})
	}
	return app, cleanup, nil
}

// newRelaySource prefers the local relay file and falls back to the API
// with retries. In daemon mode the list is cached between passes.
func newRelaySource(envCfg *config.EnvConfig, logger zerolog.Logger) (relay.Source, func(), error) {
	netLog := logging.Component(logger, "relay")
	direct := netutil.NewDirectDownloader(envCfg.FetchTimeout, buildinfo.UserAgent())
	var source relay.Source = relay.FallbackSource{
		File: relay.FileSource{Path: envCfg.RelayFile},
		Remote: relay.HTTPSource{
			URL: envCfg.RelayURL,
			Downloader: &netutil.RetryDownloader{
				Inner:    direct,
				Attempts: uint(envCfg.FetchAttempts),
				Delay:    envCfg.FetchBackoff,
				Log:      netLog,
			},
		},
		Log: netLog,
	}
	if !envCfg.Daemon() {
		return source, nil, nil
	}
	cached, err := relay.NewCachedSource(source, envCfg.RelayCacheTTL)
	if err != nil {
		return nil, nil, err
	}
	return cached, cached.Close, nil
}

// runDaemon repeats passes on the configured schedule until ctx ends.
// SIGHUP drops the cached relay list and runs a pass right away.
func (a *gostgenApp) runDaemon(ctx context.Context) error {
	cronLog := logging.CronLogger{Log: logging.Component(a.log, "cron")}
	c := cron.New(cron.WithLogger(cronLog))

	// Scheduled and SIGHUP passes share one wrapped job so they never overlap.
	job := cron.NewChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)).Then(cron.FuncJob(func() {
		if _, err := a.runPass(ctx, false); err != nil {
			a.log.Error().Err(err).Msg("scheduled pass failed")
		}
	}))
	if _, err := c.AddJob(a.envCfg.Schedule, job); err != nil {
		return fmt.Errorf("schedule %q: %w", a.envCfg.Schedule, err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	c.Start()
	a.log.Info().Str("schedule", a.envCfg.Schedule).Msg("waiting for scheduled passes")
	for {
		select {
		case <-hup:
			a.log.Info().Bool("cache_dropped", a.refreshRelays()).Msg("SIGHUP received, running a pass")
			go job.Run()
		case <-ctx.Done():
			a.log.Info().Msg("shutting down")
			<-c.Stop().Done()
			return nil
		}
	}
}
