package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/logger"
	"github.com/SakenW/TH-Suite-sub005/uida"
)

// UidaCmd works with canonical key identifiers
var UidaCmd = &cobra.Command{
	Use:   "uida",
	Short: "Generate and inspect UIDAs (canonical key identifiers)",
}

var uidaGenCmd = &cobra.Command{
	Use:   "gen <namespace> key=value...",
	Short: "Generate the UIDA of a key set",
	Long: `Canonicalize the key set and print its digest, the identity used by sync.

Values that parse as JSON numbers, booleans or null keep that type;
everything else is a string. Use --strings to treat every value as a string.

Example:
  thsync uida gen mc.mod.item mod_id=create item_id=brass_ingot locale=de_de`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUidaGen,
}

var uidaKeyCmd = &cobra.Command{
	Use:   "key <mod_id> <translation_key> <locale>",
	Short: "Generate the UIDA of a translation key",
	Long: `Derive the namespace from the key prefix (item., block., entity., gui.)
and fall back to mod.lang for other keys.`,
	Args: cobra.ExactArgs(3),
	RunE: runUidaKey,
}

var uidaDecodeCmd = &cobra.Command{
	Use:   "decode <display>",
	Short: "Decode the display form back to its key set",
	Args:  cobra.ExactArgs(1),
	RunE:  runUidaDecode,
}

var uidaNamespacesCmd = &cobra.Command{
	Use:   "namespaces",
	Short: "List registered namespaces and their required keys",
	RunE:  runUidaNamespaces,
}

var uidaStrings bool

func init() {
	uidaGenCmd.Flags().BoolVar(&uidaStrings, "strings", false, "Treat every value as a string")

	UidaCmd.AddCommand(uidaGenCmd)
	UidaCmd.AddCommand(uidaKeyCmd)
	UidaCmd.AddCommand(uidaDecodeCmd)
	UidaCmd.AddCommand(uidaNamespacesCmd)
}

// parseKeyValues turns key=value arguments into a key set.
func parseKeyValues(args []string, allStrings bool) (map[string]any, error) {
	keys := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, errors.NewInvalidRequestError("expected key=value, got %q", arg)
		}
		if _, dup := keys[k]; dup {
			return nil, errors.NewInvalidRequestError("key %q given twice", k)
		}
		keys[k] = v
		if allStrings {
			continue
		}
		var typed any
		if err := json.Unmarshal([]byte(v), &typed); err == nil {
			switch typed.(type) {
			case float64, bool, nil:
				keys[k] = typed
			}
		}
	}
	return keys, nil
}

func newEncoder() *uida.Encoder {
	return uida.NewEncoder(uida.WithLogger(logger.ComponentLogger("uida")))
}

func printUIDA(u uida.UIDA) error {
	return pterm.DefaultTable.WithData(pterm.TableData{
		{"Namespace", u.Namespace},
		{"UIDA", u.String()},
		{"Canonical", string(u.Canonical)},
		{"Display", u.Display},
	}).Render()
}

func runUidaGen(cmd *cobra.Command, args []string) error {
	keys, err := parseKeyValues(args[1:], uidaStrings)
	if err != nil {
		return err
	}
	u, err := newEncoder().Generate(args[0], keys)
	if err != nil {
		return err
	}
	return printUIDA(u)
}

func runUidaKey(cmd *cobra.Command, args []string) error {
	u, err := newEncoder().ForTranslationKey(args[0], args[1], args[2])
	if err != nil {
		return err
	}
	return printUIDA(u)
}

func runUidaDecode(cmd *cobra.Command, args []string) error {
	ns, keys, err := uida.Decode(args[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	pterm.Info.Printfln("Namespace: %s", ns)
	fmt.Println(string(out))
	return nil
}

func runUidaNamespaces(cmd *cobra.Command, args []string) error {
	reg := uida.DefaultRegistry()
	data := pterm.TableData{{"Namespace", "Required keys"}}
	for _, ns := range reg.Namespaces() {
		required, _ := reg.Required(ns)
		data = append(data, []string{ns, strings.Join(required, ", ")})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
