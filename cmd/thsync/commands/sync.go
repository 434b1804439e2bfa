package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/SakenW/TH-Suite-sub005/logger"
	"github.com/SakenW/TH-Suite-sub005/server"
	"github.com/SakenW/TH-Suite-sub005/sync"
)

// SyncCmd runs one sync round
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull committed changes from the hub and push the outbox",
	Long: `Run one sync round against client.hub_url: handshake, download the
payloads this workspace lacks, then upload and commit queued edits in
order. A failed round leaves the outbox in place; run sync again.`,
	RunE: runSync,
}

var syncJSON bool

func init() {
	SyncCmd.Flags().BoolVarP(&syncJSON, "json", "j", false, "Print the sync report as JSON")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireClient(); err != nil {
		return err
	}

	ws, err := openWorkspace(cfg)
	if err != nil {
		return err
	}
	defer ws.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Client.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Client.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	conn, err := server.Dial(ctx, cfg.Client.HubURL, server.DialOptions{MaxChunkSize: cfg.Hub.MaxChunkSize})
	if err != nil {
		return err
	}
	remote := sync.NewRemoteHub(conn)
	defer remote.Close()

	client, err := sync.NewClient(cfg.SyncClientConfig(), remote, ws.store, ws.objects,
		sync.WithClientLogger(logger.ComponentLogger("client")))
	if err != nil {
		return err
	}

	var spinner *pterm.SpinnerPrinter
	if !syncJSON {
		spinner, _ = pterm.DefaultSpinner.Start(fmt.Sprintf("Syncing with %s", cfg.Client.HubURL))
	}
	report, err := client.Sync(ctx)
	if spinner != nil {
		if err != nil {
			spinner.Fail("Sync failed")
		} else {
			spinner.Success("Sync complete")
		}
	}
	if err != nil {
		return err
	}

	if syncJSON {
		return printJSON(report)
	}
	return renderSyncReport(report)
}

func renderSyncReport(r sync.SyncReport) error {
	pterm.Info.Printfln("Session %s (%s)", r.SessionID, r.Duration.Round(time.Millisecond))
	if r.PullTruncated {
		pterm.Warning.Println("The hub listed more missing payloads than one round pulls; sync again")
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Pull", "Payloads", "Skipped", "Applied", "Conflicts", "Errors"},
		{"", pterm.Sprint(r.Pulled), pterm.Sprint(r.PullSkipped), pterm.Sprint(r.LocalApplied),
			pterm.Sprint(r.LocalConflicts), pterm.Sprint(r.LocalErrors)},
	}).Render(); err != nil {
		return err
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Push", "Payloads", "Entries", "Replayed", "Applied", "Conflicts", "Errors", "Chunk retries"},
		{"", pterm.Sprint(r.Payloads), pterm.Sprint(r.Pushed), pterm.Sprint(r.Replayed), pterm.Sprint(r.Applied),
			pterm.Sprint(r.Conflicts), pterm.Sprint(r.Errors), pterm.Sprint(r.ChunkRetries)},
	}).Render(); err != nil {
		return err
	}
	if r.Conflicts+r.LocalConflicts > 0 {
		pterm.Warning.Printfln("%d entries need review", r.Conflicts+r.LocalConflicts)
	}
	return nil
}
