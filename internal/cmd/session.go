package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/avatalk/internal/logging"
	"github.com/inercia/avatalk/internal/sessioncache"
)

// sessionCmd represents the session parent command
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and reset cached chat sessions",
	Long: `Each agent's chat session id is cached locally so that chats resume
where they left off. These commands inspect and change that cache.`,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [agent-id]",
	Short: "Print the cached session id of an agent",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionShow,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every cached session",
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset [agent-id]",
	Short: "Create a new session for an agent and cache it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionReset,
}

var sessionForgetCmd = &cobra.Command{
	Use:   "forget [agent-id]",
	Short: "Drop the cached session; the next chat creates a new one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionForget,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd, sessionListCmd, sessionResetCmd, sessionForgetCmd)
}

// sessionResolver opens the cache and wires it to the REST client.
func sessionResolver() (*sessioncache.Resolver, *sessioncache.FileStore, error) {
	cache, err := openSessionCache()
	if err != nil {
		return nil, nil, err
	}
	client, err := apiClient()
	if err != nil {
		return nil, nil, err
	}
	return sessioncache.NewResolver(cache, client, logging.Session()), cache, nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	botID, err := resolveAgent(args)
	if err != nil {
		return err
	}
	resolver, cache, err := sessionResolver()
	if err != nil {
		return err
	}
	defer cache.Close()
	if id, ok := resolver.Lookup(botID); ok {
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "No cached session for %s\n", botID)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	cache, err := openSessionCache()
	if err != nil {
		return err
	}
	defer cache.Close()
	out := cmd.OutOrStdout()
	lines := cachedSessions(cache.Entries())
	if len(lines) == 0 {
		fmt.Fprintln(out, "No cached sessions")
		return nil
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	return nil
}

// cachedSessions formats cache entries as "agent  session" lines, sorted by
// agent. Keys that are not session ids are skipped.
func cachedSessions(entries map[string]string) []string {
	var lines []string
	for key, id := range entries {
		botID, ok := strings.CutPrefix(key, sessioncache.KeyPrefix)
		if !ok || id == "" {
			continue
		}
		lines = append(lines, botID+"  "+id)
	}
	sort.Strings(lines)
	return lines
}

func runSessionReset(cmd *cobra.Command, args []string) error {
	botID, err := resolveAgent(args)
	if err != nil {
		return err
	}
	resolver, cache, err := sessionResolver()
	if err != nil {
		return err
	}
	defer cache.Close()
	id, err := resolver.ResetSession(cmd.Context(), botID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✨ New session for %s: %s\n", botID, id)
	return nil
}

func runSessionForget(cmd *cobra.Command, args []string) error {
	botID, err := resolveAgent(args)
	if err != nil {
		return err
	}
	resolver, cache, err := sessionResolver()
	if err != nil {
		return err
	}
	defer cache.Close()
	if err := resolver.Forget(botID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Forgot the session of %s\n", botID)
	return nil
}
