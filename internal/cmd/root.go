// Package cmd provides the CLI commands for avatalk.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/avatalk/internal/api"
	"github.com/inercia/avatalk/internal/appdir"
	"github.com/inercia/avatalk/internal/auth"
	"github.com/inercia/avatalk/internal/config"
	"github.com/inercia/avatalk/internal/logging"
	"github.com/inercia/avatalk/internal/secrets"
	"github.com/inercia/avatalk/internal/sessioncache"
)

// credentialsFile is the fallback secret store used where no keychain exists.
const credentialsFile = "credentials.json"

var (
	// Global flags
	configPath    string
	serverURL     string
	token         string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "avatalk",
	Short: "avatalk - talk to agent portal avatars from the terminal",
	Long: `avatalk is a command-line client for agent portal avatars.

It keeps a realtime chat session per agent, streams the assistant's
text and slides as they arrive and plays its speech in order.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create avatalk directory: %w", err)
		}

		// --config must exist; the default location is optional.
		path, required := configPath, configPath != ""
		if !required {
			var err error
			if path, err = appdir.ConfigPath(); err != nil {
				return err
			}
		}
		loaded, err := config.Load(path, required)
		if err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
		loaded.ApplyEnv(os.Getenv)
		if serverURL != "" {
			loaded.Server.URL = serverURL
		}
		if token != "" {
			loaded.Auth.Token = token
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		return initLogging(cfg.Log)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: avatalk.yaml in the data directory)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Portal base URL (overrides config and "+config.ServerEnv+")")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token (overrides config and "+config.TokenEnv+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (default: avatalk.log in the data directory)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'conn,runs'). Empty means all components.")
}

// initLogging applies the flag overrides on top of the log section.
// Priority: --log-level flag > --debug flag > config.
func initLogging(lc config.LogConfig) error {
	level := lc.Level
	if logLevel != "" {
		level = logLevel
	} else if debug {
		level = "debug"
	}
	components := lc.Components
	if logComponents != "" {
		components = splitList(logComponents)
	}

	logCfg := logging.Config{
		Level:      level,
		FileLevel:  lc.FileLevel,
		JSON:       lc.JSON,
		Components: components,
	}
	if lc.File || logFile != "" {
		path := logFile
		if path == "" {
			var err error
			if path, err = appdir.LogPath(); err != nil {
				return err
			}
		}
		fileCfg := logging.DefaultFileLogConfig()
		fileCfg.Path = path
		logCfg.FileLog = &fileCfg
	}
	if err := logging.Initialize(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// secretStore returns the keychain, or a credentials file in the data
// directory where no keychain exists.
func secretStore() (secrets.SecretStore, error) {
	dir, err := appdir.Dir()
	if err != nil {
		return nil, err
	}
	return secrets.Resolve(filepath.Join(dir, credentialsFile)), nil
}

// tokenSource builds the credential chain: the configured token first, then
// the stored bearer token, then OIDC refresh when an issuer is configured.
func tokenSource(store secrets.SecretStore) auth.TokenSource {
	chain := auth.Chain{
		auth.NewStaticSource(cfg.Auth.Token),
		auth.NewKeychainSource(store, secrets.AccountBearerToken),
	}
	if o := cfg.Auth.OIDC; o.Enabled() {
		refresh := func() (string, error) {
			tok, err := store.Get(secrets.ServiceName, secrets.AccountRefreshToken)
			if errors.Is(err, secrets.ErrNotFound) || errors.Is(err, secrets.ErrNotSupported) {
				return "", auth.ErrNoCredential
			}
			return tok, err
		}
		persist := func(tok string) {
			if err := store.Set(secrets.ServiceName, secrets.AccountRefreshToken, tok); err != nil {
				logging.Auth().Warn("Failed to store rotated refresh token", "error", err)
			}
		}
		chain = append(chain, auth.NewOIDCSource(auth.OIDCConfig{
			Issuer:       o.Issuer,
			ClientID:     o.ClientID,
			ClientSecret: o.ClientSecret,
			Scopes:       o.Scopes,
		}, refresh, auth.WithRefreshCallback(persist), auth.WithOIDCLogger(logging.Auth())))
	}
	return chain
}

// newAPIClient returns a REST client authenticated with tokens.
func newAPIClient(tokens auth.TokenSource) *api.Client {
	return api.New(cfg.APIBaseURL(),
		api.WithTimeout(cfg.API.Timeout),
		api.WithTokenSource(tokens),
		api.WithLogger(logging.API()),
	)
}

// openSessionCache opens the persisted session ids.
func openSessionCache() (*sessioncache.FileStore, error) {
	path, err := appdir.SessionsPath()
	if err != nil {
		return nil, err
	}
	store, err := sessioncache.OpenFile(path, logging.Session())
	if err != nil {
		return nil, fmt.Errorf("failed to open session cache: %w", err)
	}
	return store, nil
}

// resolveAgent returns the agent id from args or the configured default.
func resolveAgent(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if cfg.Server.Agent != "" {
		return cfg.Server.Agent, nil
	}
	return "", errors.New("no agent given and server.agent is not configured")
}
