package commands

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/SakenW/TH-Suite-sub005/delta"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/types"
)

// OutboxCmd inspects and fills the client outbox
var OutboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and queue local edits",
}

var outboxLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List edits waiting for the hub",
	RunE:  runOutboxLs,
}

var outboxPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop edits the hub rejected",
	RunE:  runOutboxPurge,
}

var outboxAddCmd = &cobra.Command{
	Use:   "add <entries.json>",
	Short: "Record entries as local edits",
	Long: `Read a JSON array of translation entries, store each in the workspace
and queue it for the next sync. Entries already present become updates
based on the stored version; --delete queues deletions instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runOutboxAdd,
}

var (
	outboxLimit  int
	outboxJSON   bool
	outboxDelete bool
)

func init() {
	outboxLsCmd.Flags().IntVar(&outboxLimit, "limit", 50, "Maximum rows to show (0 = all)")
	outboxLsCmd.Flags().BoolVarP(&outboxJSON, "json", "j", false, "Output as JSON")
	outboxAddCmd.Flags().BoolVar(&outboxDelete, "delete", false, "Queue deletions of the listed entries")

	OutboxCmd.AddCommand(outboxLsCmd)
	OutboxCmd.AddCommand(outboxAddCmd)
	OutboxCmd.AddCommand(outboxPurgeCmd)
}

func runOutboxLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ws, err := openWorkspace(cfg)
	if err != nil {
		return err
	}
	defer ws.close()

	ctx := cmd.Context()
	items, err := ws.store.ListOutbox(ctx, cfg.Client.ID, outboxLimit)
	if err != nil {
		return err
	}
	if outboxJSON {
		return printJSON(items)
	}

	counts, err := ws.store.CountOutbox(ctx, cfg.Client.ID)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("%d pending, %d submitted, %d rejected", counts.Pending, counts.Submitted, counts.Rejected)
	if len(items) == 0 {
		return nil
	}

	data := pterm.TableData{{"Seq", "Op", "Entry", "Base", "State", "Payload", "Queued", "Reason"}}
	for _, it := range items {
		data = append(data, []string{
			pterm.Sprint(it.Seq),
			string(it.Delta.Op),
			it.EntryUID,
			short(it.BaseHash),
			it.State,
			short(it.PayloadCID),
			it.CreatedAt.Local().Format(time.DateTime),
			it.Reason,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runOutboxPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ws, err := openWorkspace(cfg)
	if err != nil {
		return err
	}
	defer ws.close()

	n, err := ws.store.PurgeRejected(cmd.Context(), cfg.Client.ID)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Dropped %d rejected edits", n)
	return nil
}

func runOutboxAdd(cmd *cobra.Command, args []string) error {
	entries, err := readEntries(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ws, err := openWorkspace(cfg)
	if err != nil {
		return err
	}
	defer ws.close()

	client, err := ws.offlineClient(cfg)
	if err != nil {
		return err
	}
	op := delta.OpAdd
	if outboxDelete {
		op = delta.OpDelete
	}
	for _, e := range entries {
		if op != delta.OpDelete {
			if err := e.Validate(); err != nil {
				return err
			}
		}
	}
	for _, e := range entries {
		if _, err := client.RecordEdit(cmd.Context(), e, op); err != nil {
			return errors.Wrapf(err, "entry %s", e.UID)
		}
	}
	pterm.Success.Printfln("Queued %d edits", len(entries))
	return nil
}

// readEntries decodes a JSON array of entries, each with a uid.
func readEntries(path string) ([]*types.Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	var entries []*types.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "failed to parse %s", path)
	}
	for i, e := range entries {
		if e == nil {
			return nil, errors.NewInvalidRequestError("%s: entry %d is null", path, i)
		}
		if e.UID == "" {
			return nil, errors.NewInvalidRequestError("%s: entry %d has no uid", path, i)
		}
	}
	return entries, nil
}

// short truncates hashes for tables.
func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
