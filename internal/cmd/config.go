package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rand/herald/internal/config"
	"github.com/rand/herald/internal/skills"
)

func init() {
	// config show flags
	configShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	configShowCmd.Flags().BoolP("yaml", "y", false, "Output as YAML")

	// config init flags
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")

	configCmd.AddCommand(
		configShowCmd,
		configInitCmd,
		configValidateCmd,
		configPathCmd,
		configSchemaCmd,
	)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for managing herald configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the configuration after merging defaults, the file and the environment. Credentials are masked.",
	Example: heredoc.Doc(`
		# Show config in human-readable format
		herald config show

		# Show config as YAML
		herald config show --yaml
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		asYAML, _ := cmd.Flags().GetBool("yaml")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = cfg.Redacted()

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		}
		if asYAML {
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		}

		printConfig(out, cfg)
		return nil
	},
}

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "Effective Configuration")
	fmt.Fprintln(w, "=======================")
	fmt.Fprintln(w)

	source := cfg.Source
	if source == "" {
		source = "(defaults)"
	}
	fmt.Fprintf(w, "Source:         %s\n", source)
	fmt.Fprintf(w, "Data Directory: %s\n", cfg.DataDir)
	fmt.Fprintf(w, "Log Level:      %s\n", cfg.Log.Level)
	fmt.Fprintf(w, "Publish:        %s\n", cfg.Publish.Mode)
	if cfg.Status.Enabled {
		fmt.Fprintf(w, "Status:         http://%s/status\n", cfg.Status.Addr)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Providers:")
	for _, p := range cfg.Providers {
		state := fmt.Sprintf("%d key(s)", len(p.Keys))
		if p.Disabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "  %-12s %-8s limit %-6d %s\n", p.Name, p.Kind, p.Limit, state)
		if len(p.Keys) > 0 {
			fmt.Fprintf(w, "    Keys: %s\n", strings.Join(p.Keys, ", "))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Tasks:")
	for _, t := range cfg.Tasks {
		fmt.Fprintf(w, "  %-24s every %-8s %s\n", t.Name, t.Interval, t.Skill)
	}
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter configuration",
	Long:  "Write the default configuration as YAML. Provider keys are read from the environment, so none are written.",
	Example: heredoc.Doc(`
		# Write ./herald.yaml
		herald config init
	`),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := config.FileName
		if len(args) == 1 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		data, err := yaml.Marshal(config.Default())
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created new config file: %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Check the configuration for errors and warnings",
	Example: heredoc.Doc(`
		# Validate configuration
		herald config validate
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "✗ Configuration error: %v\n", err)
			return err
		}

		var warnings []string
		for _, p := range cfg.Providers {
			if !p.Disabled && len(p.Keys) == 0 {
				warnings = append(warnings, fmt.Sprintf("Provider '%s' has no credentials; set %s", p.Name, p.KeyEnvName()))
			}
		}
		if _, err := os.Stat(cfg.DataDir); errors.Is(err, os.ErrNotExist) {
			warnings = append(warnings, fmt.Sprintf("Data directory does not exist: %s (will be created)", cfg.DataDir))
		}

		out := cmd.OutOrStdout()
		verr := cfg.Validate(skills.Builtin...)
		if verr != nil {
			fmt.Fprintln(out, "Errors:")
			for _, line := range strings.Split(verr.Error(), "\n") {
				fmt.Fprintf(out, "  ✗ %s\n", line)
			}
		}
		if len(warnings) > 0 {
			fmt.Fprintln(out, "Warnings:")
			for _, w := range warnings {
				fmt.Fprintf(out, "  ⚠ %s\n", w)
			}
		}

		switch {
		case verr != nil:
			return verr
		case len(warnings) == 0:
			fmt.Fprintln(out, "✓ Configuration is valid")
		default:
			fmt.Fprintln(out, "\n✓ Configuration is valid with warnings")
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file paths",
	Long:  "Display the paths where configuration is loaded from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		envFile, _ := cmd.Flags().GetString("env-file")

		paths := []struct {
			name string
			path string
		}{
			{"Working directory config", config.FileName},
			{"Data directory config", filepath.Join(cfg.DataDir, config.FileName)},
			{"Dotenv file", envFile},
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration Paths (in order of precedence):")
		fmt.Fprintln(out)
		for _, p := range paths {
			status := "✗"
			if _, err := os.Stat(p.path); err == nil {
				status = "✓"
			}
			fmt.Fprintf(out, "  %s %s\n    %s\n", status, p.name, p.path)
		}

		fmt.Fprintln(out)
		if cfg.Source != "" {
			fmt.Fprintf(out, "Loaded from:    %s\n", cfg.Source)
		}
		fmt.Fprintf(out, "Data directory: %s\n", cfg.DataDir)
		fmt.Fprintf(out, "Database:       %s\n", cfg.DBPath())
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the configuration JSON Schema",
	Long:  "Print a JSON Schema for herald.yaml that YAML-aware editors can validate against",
	Example: heredoc.Doc(`
		# Save the schema next to the config
		herald config schema > herald.schema.json
	`),
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Schema()
		if err != nil {
			return fmt.Errorf("generate schema: %w", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}
