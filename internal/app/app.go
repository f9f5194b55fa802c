package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"nefit-easy-connector/config"
	"nefit-easy-connector/internal/api"
	"nefit-easy-connector/internal/channel"
	"nefit-easy-connector/internal/connector"
	"nefit-easy-connector/internal/importer"
	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/metrics"
	"nefit-easy-connector/internal/nefit"
	"nefit-easy-connector/internal/scheduler"
	"nefit-easy-connector/internal/storage"
)

const (
	pruneInterval   = 24 * time.Hour
	shutdownTimeout = 5 * time.Second
)

// App holds the components shared by the CLI commands.
type App struct {
	cfg *config.Config
	log *logger.Logger

	Connector *connector.Connector
	Channels  []channel.Channel
	Infos     []ChannelInfo
	Metrics   *metrics.Metrics
}

// New wires the connector, metrics and channels. Nothing connects until first use.
func New(cfg *config.Config, log *logger.Logger) *App {
	m := metrics.New()

	dialer := nefit.NewBridgeDialer(cfg.Nefit.BridgeURL, nefit.Credentials{
		SerialNumber: cfg.Nefit.SerialNumber,
		AccessKey:    cfg.Nefit.AccessKey,
		Password:     cfg.Nefit.Password,
	}, time.Duration(cfg.Nefit.RequestTimeout)*time.Second)

	conn := connector.New(dialer, connector.Options{
		SerialNumber:      cfg.Nefit.SerialNumber,
		ReconnectCooldown: cfg.Nefit.ReconnectCooldown(),
		TimezoneOffset:    cfg.Nefit.TimezoneOffset(),
		ConversionFactor:  cfg.Nefit.ConversionFactorM3,
		OnStateChange:     m.SetConnectionState,
	}, log.Named("connector"))

	channels, infos := BuildChannels(cfg, conn, log.Named("channel"))

	return &App{
		cfg:       cfg,
		log:       log,
		Connector: conn,
		Channels:  channels,
		Infos:     infos,
		Metrics:   m,
	}
}

// RunDaemon polls until ctx is done, then waits for the in-flight cycle and releases
// everything.
func (a *App) RunDaemon(ctx context.Context) error {
	recorders := []scheduler.Recorder{a.Metrics}

	var (
		journal *storage.Database
		wg      sync.WaitGroup
	)
	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()

	if path := a.cfg.Journal.Path; path != "" {
		db, err := storage.NewDatabase(path, a.log.Named("journal"))
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		journal = db
		recorders = append(recorders, journal)
		a.log.Infow("cycle journal opened", "path", path, "retention", a.cfg.Journal.Retention)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.pruneLoop(pruneCtx, journal)
		}()
	}

	var server *api.Server
	if a.cfg.API.Enabled {
		sc := api.ServerConfig{Port: a.cfg.API.Port, State: a.Connector, Metrics: a.Metrics.Handler()}
		if journal != nil {
			sc.Journal = journal
		}
		server = api.NewServer(sc, a.log.Named("api"))
		recorders = append(recorders, server)
		go func() {
			if err := server.Start(); err != nil {
				a.log.Errorw("API server error", "err", err)
			}
		}()
	}

	channel.StartAll(a.Channels, a.log)

	sched := scheduler.NewScheduler(scheduler.Config{
		Fetcher:   a.Connector,
		Channels:  a.Channels,
		Interval:  a.cfg.PollingPeriod(),
		Recorders: recorders,
	}, a.log.Named("scheduler"))

	err := sched.Run(ctx)

	a.log.Info("shutting down")
	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if serr := server.Stop(sctx); serr != nil {
			a.log.Warnw("API server shutdown failed", "err", serr)
		}
		cancel()
	}
	a.Close()
	stopPrune()
	wg.Wait()
	if journal != nil {
		if jerr := journal.Close(); jerr != nil {
			a.log.Warnw("closing journal failed", "err", jerr)
		}
	}
	return err
}

// RunImport performs the one-shot history import.
func (a *App) RunImport(ctx context.Context, watch importer.WatchToggle) (importer.Summary, error) {
	channel.StartAll(a.Channels, a.log)
	return importer.NewRunner(a.Connector, a.Channels, watch, a.log.Named("import")).Run(ctx)
}

// ReadOnce fetches one status and writes it to out as indented JSON.
func (a *App) ReadOnce(ctx context.Context, out io.Writer) error {
	defer a.Close()

	status, err := a.Connector.FetchStatus(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// Close ends the connector and every channel.
func (a *App) Close() {
	if err := a.Connector.End(); err != nil {
		a.log.Warnw("ending connector failed", "err", err)
	}
	channel.EndAll(a.Channels, a.log)
}

// pruneLoop is a no-op when retention is not positive.
func (a *App) pruneLoop(ctx context.Context, journal *storage.Database) {
	if a.cfg.Journal.Retention <= 0 {
		return
	}
	prune := func() {
		n, err := journal.Prune(a.cfg.Journal.Retention)
		if err != nil {
			a.log.Warnw("pruning journal failed", "err", err)
			return
		}
		if n > 0 {
			a.log.Infow("journal pruned", "removed", n)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
