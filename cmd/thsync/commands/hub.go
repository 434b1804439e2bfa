package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/SakenW/TH-Suite-sub005/am"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/logger"
	"github.com/SakenW/TH-Suite-sub005/metrics"
	"github.com/SakenW/TH-Suite-sub005/server"
	"github.com/SakenW/TH-Suite-sub005/sync"
	"github.com/SakenW/TH-Suite-sub005/uida"
)

// HubCmd groups hub operations
var HubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run and maintain the sync hub",
}

var hubServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Serve sync sessions over WebSocket",
	Long: `Start the sync hub. Clients connect to the WebSocket endpoint (hub.path,
default /sync); Prometheus metrics are served on metrics.path when
metrics.enabled is set, and /healthz reports readiness.

Stop with Ctrl+C: new connections are refused, open ones are closed and
active sessions are archived.`,
	RunE: runHubServe,
}

var hubCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Expire stale sessions and purge old history once",
	RunE:  runHubCompact,
}

var hubListenAddr string

func init() {
	hubServeCmd.Flags().StringVar(&hubListenAddr, "listen", "", "Listen address (overrides hub.listen_addr)")

	HubCmd.AddCommand(hubServeCmd)
	HubCmd.AddCommand(hubCompactCmd)
}

func newHub(cfg *am.Config, opts ...sync.HubOption) (*sync.Hub, func(), error) {
	st, closeStore, err := openHubStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]sync.HubOption{sync.WithHubLogger(logger.ComponentLogger("hub"))}, opts...)
	if cfg.Hub.VerifyUIDA {
		opts = append(opts, sync.WithRegistry(uida.DefaultRegistry()))
	}
	hub, err := sync.NewHub(cfg.SyncHubConfig(), st, opts...)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return hub, func() {
		if err := hub.Close(); err != nil {
			logger.Warnw("Hub close failed", logger.FieldError, err)
		}
		closeStore()
	}, nil
}

func runHubServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var (
		hubOpts []sync.HubOption
		srvOpts = []server.Option{server.WithLogger(logger.ComponentLogger("server"))}
	)
	if cfg.Metrics.Enabled {
		tel := metrics.New(cfg.Metrics.Namespace)
		hubOpts = append(hubOpts, sync.WithTelemetry(tel))
		srvOpts = append(srvOpts, server.WithMetrics(tel.Registry()))
	}

	hub, closeHub, err := newHub(cfg, hubOpts...)
	if err != nil {
		return err
	}
	defer closeHub()

	addr := cfg.GetListenAddr()
	if hubListenAddr != "" {
		addr = hubListenAddr
	}

	pterm.DefaultHeader.WithFullWidth().Println("thsync hub")
	pterm.Info.Printfln("Database: %s", cfg.GetDatabasePath())
	pterm.Info.Printfln("Log level: %s", logger.LevelName(logger.Verbosity))
	pterm.Info.Printfln("Listening: %s%s", addr, cfg.GetSyncPath())
	if cfg.Metrics.Enabled {
		pterm.Info.Printfln("Metrics: %s%s", addr, cfg.GetMetricsPath())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srvCfg := cfg.ServerConfig()
	srvCfg.TraceWire = logger.ShouldLogTrace(logger.Verbosity)
	srv := server.New(hub, srvCfg, srvOpts...)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, addr) })

	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "hub stopped")
	}
	pterm.Success.Println("Hub stopped")
	return nil
}

func runHubCompact(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	hub, closeHub, err := newHub(cfg)
	if err != nil {
		return err
	}
	defer closeHub()

	ctx := cmd.Context()
	expired, err := hub.ExpireSessions(ctx)
	if err != nil {
		return err
	}
	report, err := hub.Compact(ctx)
	if err != nil {
		return err
	}

	if report.Skipped {
		pterm.Warning.Println("Another hub holds the compaction lease; only expiry ran")
	}
	return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Expired sessions", "Purged sessions", "Purged revisions", "Outbox reset", "Expired leases"},
		{
			pterm.Sprint(expired),
			pterm.Sprint(report.Sessions),
			pterm.Sprint(report.Revisions),
			pterm.Sprint(report.OutboxReset),
			pterm.Sprint(report.ExpiredLeases),
		},
	}).Render()
}
