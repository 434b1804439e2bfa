package commands

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/SakenW/TH-Suite-sub005/delta"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/merge"
)

// OverrideCmd works with override sets (resource packs, mods, manual edits)
var OverrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Validate and resolve translation override sets",
	Long: `An override set is a JSON array of overrides, each naming a key, a
locale and the source that claims it:

  [{"key": "item.create.brass_ingot", "locale": "de_de",
    "dst_text": "Messingbarren",
    "source": {"kind": "resource_pack", "id": "german-pack"}}]

Source kinds rank manual > resource_pack > mod > data_pack > default.`,
}

var overrideValidateCmd = &cobra.Command{
	Use:   "validate <overrides.json>",
	Short: "Report problems in an override set",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideValidate,
}

var overrideResolveCmd = &cobra.Command{
	Use:   "resolve <overrides.json>",
	Short: "Resolve each key of a locale to one translation",
	Long: `Resolve every key of --locale. With --record, the resolved entries are
stored in the workspace and queued for the next sync; their UIDs are
derived from --mod, the key and the locale.`,
	Args: cobra.ExactArgs(1),
	RunE: runOverrideResolve,
}

var (
	overrideLocale string
	overrideModID  string
	overrideRecord bool
)

func init() {
	overrideResolveCmd.Flags().StringVar(&overrideLocale, "locale", "", "Locale to resolve (required)")
	overrideResolveCmd.Flags().StringVar(&overrideModID, "mod", "", "Mod id used to derive entry UIDs")
	overrideResolveCmd.Flags().BoolVar(&overrideRecord, "record", false, "Queue the resolved entries as local edits")
	_ = overrideResolveCmd.MarkFlagRequired("locale")

	OverrideCmd.AddCommand(overrideValidateCmd)
	OverrideCmd.AddCommand(overrideResolveCmd)
}

func readOverrides(path string) ([]merge.Override, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	var overrides []merge.Override
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "failed to parse %s", path)
	}
	return overrides, nil
}

// checkOverrides validates overrides and returns an error when any issue
// has error severity.
func checkOverrides(overrides []merge.Override) ([]merge.Issue, error) {
	issues := merge.ValidateOverrideChain(overrides)
	var errs int
	for _, is := range issues {
		if is.Severity == merge.SeverityError {
			errs++
		}
	}
	if errs > 0 {
		return issues, errors.NewInvalidRequestError("override set has %d errors", errs)
	}
	return issues, nil
}

func runOverrideValidate(cmd *cobra.Command, args []string) error {
	overrides, err := readOverrides(args[0])
	if err != nil {
		return err
	}
	stats := merge.OverrideStatistics(overrides)
	pterm.Info.Printfln("%d overrides over %d keys", stats.Total, stats.Keys)

	kinds := make([]string, 0, len(stats.ByKind))
	for k := range stats.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	data := pterm.TableData{{"Source kind", "Overrides"}}
	for _, k := range kinds {
		data = append(data, []string{k, pterm.Sprint(stats.ByKind[merge.SourceKind(k)])})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}

	issues, checkErr := checkOverrides(overrides)
	if len(issues) == 0 {
		pterm.Success.Println("No issues found")
		return nil
	}
	data = pterm.TableData{{"Severity", "Code", "Key", "Locale", "Sources", "Message"}}
	for _, is := range issues {
		data = append(data, []string{
			string(is.Severity), is.Code, is.Key, is.Locale, strings.Join(is.Sources, ", "), is.Message,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	return checkErr
}

func runOverrideResolve(cmd *cobra.Command, args []string) error {
	overrides, err := readOverrides(args[0])
	if err != nil {
		return err
	}
	if _, err := checkOverrides(overrides); err != nil {
		return errors.WithHint(err, "run 'thsync override validate' for details")
	}
	if overrideRecord && overrideModID == "" {
		return errors.NewInvalidRequestError("--record needs --mod to derive entry UIDs")
	}

	resolved := merge.BatchProcessOverrides(overrides, overrideLocale)
	keys := make([]string, 0, len(resolved))
	for k := range resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := pterm.TableData{{"Key", "Translation", "Status", "Winner", "Sources"}}
	for _, k := range keys {
		r := resolved[k]
		data = append(data, []string{
			k, r.DstText, string(r.Status), string(r.Winner.Kind) + ":" + r.Winner.ID, pterm.Sprint(r.Sources),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if !overrideRecord {
		return nil
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

	enc := newEncoder()
	for _, k := range keys {
		u, err := enc.ForTranslationKey(overrideModID, k, overrideLocale)
		if err != nil {
			return errors.Wrapf(err, "key %s", k)
		}
		if _, err := client.RecordEdit(cmd.Context(), resolved[k].Entry(u.String()), delta.OpAdd); err != nil {
			return errors.Wrapf(err, "key %s", k)
		}
	}
	pterm.Success.Printfln("Queued %d resolved entries", len(keys))
	return nil
}
