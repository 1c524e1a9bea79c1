package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	embeddedconfig "github.com/inercia/avatalk/config"
	"github.com/inercia/avatalk/internal/appdir"
	"github.com/inercia/avatalk/internal/config"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage avatalk configuration",
	Long: `Manage avatalk configuration files.

Use the subcommands to create or inspect the configuration.`,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Create a default configuration file.

This command writes the embedded default configuration to avatalk.yaml in
the data directory, or to --output. After creating the file, set
server.url and review the other settings.

Examples:
  avatalk config create                      # Create the default file
  avatalk config create --output ./dev.yaml  # Create ./dev.yaml
  avatalk config create --force              # Overwrite existing file`,
	Args: cobra.NoArgs,
	RunE: runConfigCreate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd, configShowCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"File to write (default: avatalk.yaml in the data directory)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file without prompting")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	path := configOutputPath
	if path == "" {
		var err error
		if path, err = appdir.ConfigPath(); err != nil {
			return err
		}
	}

	written, err := embeddedconfig.WriteDefault(path, configForce)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !written {
		fmt.Fprintf(out, "⚠️  Configuration file already exists: %s\n", path)
		fmt.Fprintln(out, "Use --force to overwrite the existing file.")
		return nil
	}

	fmt.Fprintf(out, "✅ Configuration file created: %s\n", path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set server.url to your portal")
	fmt.Fprintln(out, "  2. Store a token with 'avatalk auth set-token'")
	fmt.Fprintln(out, "  3. Run 'avatalk agents list' and 'avatalk chat <agent-id>'")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(maskedConfig(*cfg))
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// maskedConfig hides credentials.
func maskedConfig(c config.Config) config.Config {
	if c.Auth.Token != "" {
		c.Auth.Token = "********"
	}
	if c.Auth.OIDC.ClientSecret != "" {
		c.Auth.OIDC.ClientSecret = "********"
	}
	return c
}
