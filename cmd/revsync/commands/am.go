package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/revsync/am"
	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage revsync configuration",
	Long: sym.AM + ` am - Manage revsync configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/revsync/am.toml)
3. User config (~/.revsync/am.toml)
4. Project config (./am.toml, searched upward)
5. Environment variables (REVSYNC_* prefix)

Examples:
  revsync am show                    # Show current configuration
  revsync am show --format json      # Show configuration in JSON format
  revsync am show --sources          # Show where each value came from
  revsync am get remote.url          # Get a specific value
  revsync am validate                # Validate current configuration
  revsync am init --project p1       # Write ./am.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., remote.url, sync.interval_seconds)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a project am.toml",
	Long: `Write the effective configuration to ./am.toml (or --path), with the
given overrides applied. An existing file is kept as am.toml.back1.
The remote token is never written; use REVSYNC_REMOTE_TOKEN.`,
	RunE: runAmInit,
}

var (
	configFormat string
	showSources  bool

	initPath    string
	initProject string
	initTitle   string
	initRemote  string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amShowCmd.Flags().BoolVar(&showSources, "sources", false, "List every setting with its source")

	amInitCmd.Flags().StringVar(&initPath, "path", am.ConfigFileName, "File to write")
	amInitCmd.Flags().StringVar(&initProject, "project", "", "Project id to sync")
	amInitCmd.Flags().StringVar(&initTitle, "title", "", "Project title used when the remote project is created")
	amInitCmd.Flags().StringVar(&initRemote, "remote", "", "Remote base URL")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if showSources {
		return printSources(cmd)
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	out := *cfg
	if out.Remote.Token != "" {
		out.Remote.Token = "********"
	}

	w := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		data, err := yaml.Marshal(out)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(w, "# revsync configuration\n%s", data)
	case "toml":
		data, err := toml.Marshal(out)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(w, "# revsync configuration\n%s", data)
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func printSources(cmd *cobra.Command) error {
	settings := am.Introspect()
	if configFormat == "json" {
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal settings")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	data := pterm.TableData{{"Key", "Value", "Source", "From"}}
	for _, s := range settings {
		data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(cmd.OutOrStdout()).Render()
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !am.IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if path := am.ActiveConfigPath(); path != "" {
		unknown, err := am.UnknownKeys(path)
		if err != nil {
			return err
		}
		for _, k := range unknown {
			pterm.Warning.Printfln("Unknown key %q in %s", k, path)
		}
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	out := *cfg
	if initProject != "" {
		out.Sync.ProjectID = initProject
	}
	if initTitle != "" {
		out.Sync.Title = initTitle
	}
	if initRemote != "" {
		out.Remote.URL = initRemote
	}
	if err := out.Validate(); err != nil {
		return err
	}

	path, err := filepath.Abs(initPath)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", initPath)
	}
	_, statErr := os.Stat(path)
	if err := am.WriteConfig(path, &out); err != nil {
		return err
	}
	am.Reset()

	if statErr == nil {
		pterm.Success.Printfln("Updated %s (previous version kept as %s.back1)", path, path)
	} else {
		pterm.Success.Printfln("Wrote %s", path)
	}
	return nil
}
