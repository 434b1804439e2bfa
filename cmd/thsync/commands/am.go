package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/SakenW/TH-Suite-sub005/am"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage thsync configuration",
	Long: `am: manage thsync configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/thsync/config.toml)
3. User config (~/.thsync/am.toml)
4. Project config (./am.toml, searched upward from the working directory)
5. Environment variables (THSYNC_* prefix, e.g. THSYNC_HUB_CHUNK_SIZE)

Examples:
  thsync am show                    # Show current configuration
  thsync am show --format json      # Show configuration in JSON format
  thsync am get hub.chunk_size      # Get specific config value
  thsync am where                   # Show which source set each value
  thsync am init                    # Write ./am.toml with the defaults`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective thsync configuration merged from all sources",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, hub.session_ttl_seconds)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting comes from",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file holding the defaults",
	Long: `Write the built-in defaults as TOML to path (default ./am.toml).
An existing file is kept as path.back1, rotating up to three backups.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAmInit,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
}

// renderSettings marshals settings in one of the supported formats.
func renderSettings(settings map[string]interface{}, format string) ([]byte, error) {
	switch format {
	case "json":
		return json.MarshalIndent(settings, "", "  ")
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal config to YAML")
		}
		return append([]byte("# thsync configuration\n"), data...), nil
	case "toml":
		data, err := am.MarshalTOML(settings)
		if err != nil {
			return nil, err
		}
		return append([]byte("# thsync configuration\n"), data...), nil
	}
	return nil, errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", format)
}

// settingsViper honours --config like loadConfig does.
func settingsViper() (*viper.Viper, error) {
	if ConfigPath != "" {
		return am.FileViper(ConfigPath)
	}
	return am.GetViper(), nil
}

func runAmShow(cmd *cobra.Command, args []string) error {
	v, err := settingsViper()
	if err != nil {
		return err
	}
	out, err := renderSettings(v.AllSettings(), configFormat)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	v, err := settingsViper()
	if err != nil {
		return err
	}
	if !v.IsSet(key) {
		return errors.NewNotFoundError("configuration key %q not found", key)
	}
	fmt.Println(v.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return errors.Wrap(err, "failed to get config introspection")
	}

	data := pterm.TableData{{"Key", "Value", "Source", "From"}}
	for _, s := range intro.Settings {
		data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := "am.toml"
	if len(args) == 1 {
		path = args[0]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	_, statErr := os.Stat(abs)
	if err := am.WriteDefaults(abs); err != nil {
		return err
	}
	if statErr == nil {
		pterm.Info.Printfln("Previous file kept as %s.back1", abs)
	}
	pterm.Success.Printfln("Wrote %s", abs)
	return nil
}
