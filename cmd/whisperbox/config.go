package main

import (
	"fmt"
	"io"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().Bool("raw", false, "print the config file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Whisperbox configuration",
	Long:  "View or modify the Whisperbox CLI configuration stored in ~/.whisperbox/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration the other commands run with: the config file plus\n" +
		"WHISPERBOX_* environment overrides, with the token masked.\n" +
		"Use --raw to print the file exactly as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		raw, _ := cmd.Flags().GetBool("raw")
		if raw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'whisperbox init <token> <username>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		overrides := applyEnv(cfg)
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
		return renderConfig(cmd.OutOrStdout(), cfg, overrides)
	},
}

// renderConfig writes cfg as TOML with the token masked, followed by one
// comment line per environment override.
func renderConfig(w io.Writer, cfg *Config, overrides []envOverride) error {
	shown := *cfg
	if shown.Auth.Token != "" {
		shown.Auth.Token = maskToken(shown.Auth.Token)
	}
	if shown.Default.LogLevel == "" {
		shown.Default.LogLevel = "warn"
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	for _, o := range overrides {
		if _, err := fmt.Fprintf(w, "# %s overridden by %s\n", o.Key, o.Var); err != nil {
			return err
		}
	}
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: whisperbox config set default.notifications true",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
