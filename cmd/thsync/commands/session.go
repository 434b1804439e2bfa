package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/SakenW/TH-Suite-sub005/store"
)

// SessionCmd inspects archived hub sessions
var SessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sync sessions recorded by the hub",
	Long: `Read session history straight from the hub database (database.path).
Run on the hub host; live sessions show their last archived state.`,
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent sessions",
	RunE:  runSessionLs,
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show one session with its statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStatus,
}

var (
	sessionClient   string
	sessionStatuses []string
	sessionLimit    int
	sessionJSON     bool
)

func init() {
	sessionLsCmd.Flags().StringVar(&sessionClient, "client", "", "Only sessions of this client")
	sessionLsCmd.Flags().StringSliceVar(&sessionStatuses, "status", nil, "Only these statuses (pending, active, completed, failed, expired)")
	sessionLsCmd.Flags().IntVar(&sessionLimit, "limit", 20, "Maximum rows")
	SessionCmd.PersistentFlags().BoolVarP(&sessionJSON, "json", "j", false, "Output as JSON")

	SessionCmd.AddCommand(sessionLsCmd)
	SessionCmd.AddCommand(sessionStatusCmd)
}

func runSessionLs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, closeStore, err := openHubStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	sessions, err := st.ListSessions(cmd.Context(), store.SessionFilter{
		ClientID: sessionClient,
		Statuses: sessionStatuses,
		Limit:    sessionLimit,
	})
	if err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		pterm.Info.Println("No sessions")
		return nil
	}

	data := pterm.TableData{{"ID", "Client", "Status", "Protocol", "Committed", "Conflicts", "Created"}}
	for _, s := range sessions {
		data = append(data, []string{
			s.ID,
			s.ClientID,
			s.Status,
			s.ProtocolVersion,
			pterm.Sprint(s.Stats.PayloadsCommitted),
			pterm.Sprint(s.Stats.MergesConflicted),
			s.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, closeStore, err := openHubStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	s, err := st.GetSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(s)
	}

	completed := "-"
	if s.CompletedAt != nil {
		completed = s.CompletedAt.Local().Format(time.DateTime)
	}
	rows := pterm.TableData{
		{"Session", s.ID},
		{"Client", s.ClientID},
		{"Status", s.Status},
		{"Protocol", s.ProtocolVersion},
		{"Chunk size", pterm.Sprint(s.ChunkSize)},
		{"Capabilities", fmt.Sprint(s.Capabilities)},
		{"Created", s.CreatedAt.Local().Format(time.DateTime)},
		{"Expires", s.ExpiresAt.Local().Format(time.DateTime)},
		{"Completed", completed},
		{"Handshake", fmt.Sprintf("%dms", s.Stats.HandshakeLatencyMS)},
		{"Chunks received / rejected / served", fmt.Sprintf("%d / %d / %d",
			s.Stats.ChunksReceived, s.Stats.ChunksRejected, s.Stats.ChunksServed)},
		{"Chunk bytes", pterm.Sprint(s.Stats.ChunkBytes)},
		{"Payloads committed / replayed / rejected", fmt.Sprintf("%d / %d / %d",
			s.Stats.PayloadsCommitted, s.Stats.PayloadsReplayed, s.Stats.PayloadsRejected)},
		{"Merges clean / conflicted / errors", fmt.Sprintf("%d / %d / %d",
			s.Stats.MergesClean, s.Stats.MergesConflicted, s.Stats.EntryErrors)},
	}
	if s.Error != "" {
		rows = append(rows, []string{"Error", s.Error})
	}
	return pterm.DefaultTable.WithData(rows).Render()
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
