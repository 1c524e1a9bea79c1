package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inercia/avatalk/internal/api"
	"github.com/inercia/avatalk/internal/sessioncache"
)

var (
	agentsLimit   int
	agentsCursor  string
	agentsAll     bool
	agentCascade  bool
	agentName     string
	agentVoice    string
	agentPrompt   string
	agentPromptFn string
	agentAvatar   string
)

// agentsCmd represents the agents parent command
var agentsCmd = &cobra.Command{
	Use:     "agents",
	Aliases: []string{"agent"},
	Short:   "Manage portal agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Args:  cobra.NoArgs,
	RunE:  runAgentsList,
}

var agentsGetCmd = &cobra.Command{
	Use:   "get <agent-id>",
	Short: "Show one agent as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsGet,
}

var agentsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an agent",
	Long: `Create an agent.

Examples:
  avatalk agents create --name Ada --prompt "You are a patient tutor"
  avatalk agents create --name Ada --prompt-file prompt.txt --voice alloy`,
	Args: cobra.NoArgs,
	RunE: runAgentsCreate,
}

var agentsUpdateCmd = &cobra.Command{
	Use:   "update <agent-id>",
	Short: "Change an agent; flags not given keep their current value",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsUpdate,
}

var agentsDeleteCmd = &cobra.Command{
	Use:   "delete <agent-id>",
	Short: "Delete an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsDelete,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsListCmd, agentsGetCmd, agentsCreateCmd, agentsUpdateCmd, agentsDeleteCmd)

	agentsListCmd.Flags().IntVar(&agentsLimit, "limit", 20, "Agents per page")
	agentsListCmd.Flags().StringVar(&agentsCursor, "cursor", "", "Resume from a next_cursor value")
	agentsListCmd.Flags().BoolVar(&agentsAll, "all", false, "Follow next_cursor until every agent is listed")

	for _, c := range []*cobra.Command{agentsCreateCmd, agentsUpdateCmd} {
		c.Flags().StringVar(&agentName, "name", "", "Display name")
		c.Flags().StringVar(&agentVoice, "voice", "", "Voice id")
		c.Flags().StringVar(&agentPrompt, "prompt", "", "System prompt")
		c.Flags().StringVar(&agentPromptFn, "prompt-file", "", "Read the system prompt from a file")
		c.Flags().StringVar(&agentAvatar, "avatar", "", "Avatar image URL")
	}

	agentsDeleteCmd.Flags().BoolVar(&agentCascade, "cascade", false, "Also delete the agent's chats")
}

func apiClient() (*api.Client, error) {
	store, err := secretStore()
	if err != nil {
		return nil, err
	}
	return newAPIClient(tokenSource(store)), nil
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}
	var (
		agents []api.Agent
		next   string
	)
	cursor := agentsCursor
	for {
		page, err := client.ListAgents(cmd.Context(), agentsLimit, cursor)
		if err != nil {
			return err
		}
		agents = append(agents, page.Items...)
		next = ""
		if page.NextCursor != nil {
			next = *page.NextCursor
		}
		if !agentsAll || next == "" {
			break
		}
		cursor = next
	}
	return printAgents(cmd.OutOrStdout(), agents, next)
}

// printAgents writes a table of agents and, when there are more, the cursor
// of the next page.
func printAgents(out io.Writer, agents []api.Agent, next string) error {
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVOICE\tCREATED")
	for _, a := range agents {
		voice := "-"
		if a.VoiceID != nil && *a.VoiceID != "" {
			voice = *a.VoiceID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.BotID, a.Name, voice, a.CreatedAt)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if next != "" {
		fmt.Fprintf(out, "\nMore agents: --cursor %s\n", next)
	}
	return nil
}

func runAgentsGet(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}
	agent, err := client.GetAgent(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), agent)
}

func runAgentsCreate(cmd *cobra.Command, args []string) error {
	req, err := agentRequest(api.AgentRequest{}, cmd.Flags().Changed)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("--name is required")
	}
	client, err := apiClient()
	if err != nil {
		return err
	}
	agent, err := client.CreateAgent(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Created agent %s (%s)\n", agent.Name, agent.BotID)
	return nil
}

func runAgentsUpdate(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}
	current, err := client.GetAgent(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	req, err := agentRequest(api.AgentRequest{
		Name:    current.Name,
		VoiceID: current.VoiceID,
		Prompt:  current.Prompt,
		Avatar:  current.Avatar,
	}, cmd.Flags().Changed)
	if err != nil {
		return err
	}
	agent, err := client.UpdateAgent(cmd.Context(), args[0], req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Updated agent %s (%s)\n", agent.Name, agent.BotID)
	return nil
}

// agentRequest applies the agent flags that were set on top of base.
func agentRequest(base api.AgentRequest, changed func(string) bool) (api.AgentRequest, error) {
	req := base
	if changed("name") {
		req.Name = agentName
	}
	if changed("voice") {
		req.VoiceID = optional(agentVoice)
	}
	if changed("avatar") {
		req.Avatar = optional(agentAvatar)
	}
	if changed("prompt") && changed("prompt-file") {
		return req, errors.New("--prompt and --prompt-file are mutually exclusive")
	}
	if changed("prompt") {
		req.Prompt = agentPrompt
	}
	if changed("prompt-file") {
		data, err := os.ReadFile(agentPromptFn)
		if err != nil {
			return req, fmt.Errorf("failed to read prompt: %w", err)
		}
		req.Prompt = strings.TrimSpace(string(data))
	}
	return req, nil
}

// optional maps "" to nil so the field is cleared.
func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

func runAgentsDelete(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}
	if err := client.DeleteAgent(cmd.Context(), args[0], agentCascade); err != nil {
		return err
	}
	// A cached session of a deleted agent is useless.
	if cache, err := openSessionCache(); err == nil {
		_ = cache.Delete(sessioncache.Key(args[0]))
		_ = cache.Close()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "🗑  Deleted agent %s\n", args[0])
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
