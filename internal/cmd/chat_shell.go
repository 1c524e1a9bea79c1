package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/reeflective/readline"

	"github.com/inercia/avatalk/internal/chat"
	"github.com/inercia/avatalk/internal/conversion"
	"github.com/inercia/avatalk/internal/protocol"
	"github.com/inercia/avatalk/internal/runs"
)

// chatSession is the part of *chat.Controller the shell drives.
type chatSession interface {
	SendText(text string) error
	SendAudio(data []byte, mime string) error
	StopAudio()
	ToggleMute() bool
	Reconnect()
	ClearChat()
	SelectRun(runID string) bool
	Reset(ctx context.Context) error
	Snapshot() chat.Snapshot
	Activity() []string
	LastReply() (string, bool)
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/quit", "Exit the chat"},
	{"/exit", "Exit the chat (alias)"},
	{"/q", "Exit the chat (alias)"},
	{"/status", "Show agent, session and connection state"},
	{"/stop", "Stop audio playback"},
	{"/mute", "Toggle audio mute"},
	{"/reconnect", "Reconnect the chat socket now"},
	{"/reset", "Start a new session with this agent"},
	{"/clear", "Clear the transcript"},
	{"/last", "Print the last assistant reply"},
	{"/slides", "Show the slides of the active run"},
	{"/runs", "List recent runs"},
	{"/run", "Select the run whose slides are shown"},
	{"/audio", "Send an audio file as a query: /audio <file> [mime]"},
	{"/export", "Write the transcript and slides to a .html or .md file"},
	{"/logs", "Show the activity log"},
}

// chatShell runs slash commands and plain queries against a session.
type chatShell struct {
	sess chatSession
	out  io.Writer
	conv *conversion.Converter
}

func newChatShell(sess chatSession, out io.Writer) *chatShell {
	return &chatShell{sess: sess, out: out, conv: conversion.DefaultConverter()}
}

func (s *chatShell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// handleLine sends line as a query or runs it as a slash command. It returns
// true when the user asked to leave.
func (s *chatShell) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "/") {
		return s.handleCommand(ctx, line)
	}
	if err := s.sess.SendText(line); err != nil {
		s.printf("❌ Not sent: %v\n", err)
	}
	return false
}

// parseCommand splits a slash command into its lowercased name and
// shell-quoted arguments.
func parseCommand(line string) (string, []string, error) {
	parts, err := shlex.Split(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if err != nil {
		return "", nil, err
	}
	if len(parts) == 0 {
		return "", nil, errors.New("empty command")
	}
	return strings.ToLower(parts[0]), parts[1:], nil
}

func (s *chatShell) handleCommand(ctx context.Context, line string) bool {
	name, args, err := parseCommand(line)
	if err != nil {
		s.printf("❓ Cannot parse command: %v\n", err)
		return false
	}

	switch name {
	case "quit", "exit", "q":
		return true
	case "help", "h", "?":
		printHelp(s.out)
	case "status":
		s.printStatus()
	case "stop":
		s.sess.StopAudio()
		s.printf("🔇 Playback stopped\n")
	case "mute":
		if s.sess.ToggleMute() {
			s.printf("🔇 Muted\n")
		} else {
			s.printf("🔊 Unmuted\n")
		}
	case "reconnect":
		s.sess.Reconnect()
	case "reset":
		if err := s.sess.Reset(ctx); err != nil {
			s.printf("❌ Reset failed: %v\n", err)
		} else {
			s.printf("✨ New session %s\n", s.sess.Snapshot().SessionID)
		}
	case "clear":
		s.sess.ClearChat()
		s.printf("🧹 Transcript cleared\n")
	case "last":
		if text, ok := s.sess.LastReply(); ok {
			s.printf("%s\n", text)
		} else {
			s.printf("No assistant reply yet\n")
		}
	case "slides":
		s.printSlides()
	case "runs":
		s.printRuns()
	case "run":
		if len(args) != 1 {
			s.printf("Usage: /run <id>\n")
			break
		}
		s.selectRun(args[0])
	case "audio":
		s.sendAudio(args)
	case "export":
		if len(args) != 1 {
			s.printf("Usage: /export <file.html|file.md>\n")
			break
		}
		if err := s.export(args[0]); err != nil {
			s.printf("❌ Export failed: %v\n", err)
		} else {
			s.printf("💾 Wrote %s\n", args[0])
		}
	case "logs":
		for _, entry := range s.sess.Activity() {
			s.printf("%s\n", entry)
		}
	default:
		s.printf("❓ Unknown command: %s (use /help for available commands)\n", name)
	}
	return false
}

func (s *chatShell) printStatus() {
	snap := s.sess.Snapshot()
	name := snap.Agent.Name
	if name == "" {
		name = snap.BotID
	}
	s.printf("Agent:   %s (%s)\n", name, snap.BotID)
	s.printf("Session: %s\n", snap.SessionID)
	s.printf("State:   %s · %s\n", snap.State, snap.Status)
	s.printf("Audio:   muted=%t speaking=%t\n", snap.Muted, snap.Speaking)
	if snap.NowPlaying != "" || snap.QueuedClips > 0 {
		playing := snap.NowPlaying
		if playing == "" {
			playing = "idle"
		}
		s.printf("Player:  %s, %d queued\n", playing, snap.QueuedClips)
	}
	if snap.HasTiming {
		s.printf("Last response: %s\n", snap.LastTiming)
	}
}

// slidesMarkdown prefers the structured deck over the raw markdown.
func slidesMarkdown(slides runs.Slides) string {
	if slides.Deck != nil {
		return conversion.DeckMarkdown(*slides.Deck)
	}
	return slides.Raw
}

func (s *chatShell) printSlides() {
	snap := s.sess.Snapshot()
	switch {
	case !snap.HasSlides:
		s.printf("No slides for the active run\n")
	case snap.Slides.Empty() && snap.Slides.Loading:
		s.printf("⏳ Slides are being generated…\n")
	default:
		s.printf("%s\n", slidesMarkdown(snap.Slides))
	}
}

func (s *chatShell) printRuns() {
	snap := s.sess.Snapshot()
	if len(snap.Runs) == 0 {
		s.printf("No runs yet\n")
		return
	}
	for _, r := range snap.Runs {
		marker := " "
		if r.Active {
			marker = "*"
		}
		state := "done"
		if r.Live {
			state = "live"
		}
		s.printf("%s %s  %s  %s\n", marker, r.ID, r.StartedAt.Format("15:04:05"), state)
	}
}

// selectRun accepts a full run id or a unique prefix of a listed run.
func (s *chatShell) selectRun(id string) {
	var matches []string
	for _, r := range s.sess.Snapshot().Runs {
		if r.ID == id {
			matches = []string{id}
			break
		}
		if strings.HasPrefix(r.ID, id) {
			matches = append(matches, r.ID)
		}
	}
	switch {
	case len(matches) > 1:
		s.printf("Ambiguous run %q: %s\n", id, strings.Join(matches, ", "))
	case len(matches) == 1 && s.sess.SelectRun(matches[0]):
		s.printf("Showing slides of run %s\n", matches[0])
	default:
		s.printf("Unknown run %q\n", id)
	}
}

func (s *chatShell) sendAudio(args []string) {
	if len(args) < 1 || len(args) > 2 {
		s.printf("Usage: /audio <file> [mime]\n")
		return
	}
	info, err := os.Stat(args[0])
	if err != nil {
		s.printf("❌ %v\n", err)
		return
	}
	if info.Size() > protocol.MaxAudioQueryBytes {
		s.printf("❌ Not sent: %v: %s is %d bytes, the limit is %d MiB; record a shorter clip\n",
			chat.ErrAudioTooLarge, args[0], info.Size(), protocol.MaxAudioQueryBytes>>20)
		return
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		s.printf("❌ %v\n", err)
		return
	}
	mimeType := ""
	if len(args) == 2 {
		mimeType = args[1]
	} else if t := mime.TypeByExtension(filepath.Ext(args[0])); t != "" {
		mimeType, _, _ = strings.Cut(t, ";")
	}
	if err := s.sess.SendAudio(data, mimeType); err != nil {
		s.printf("❌ Not sent: %v\n", err)
	}
}

// export writes the transcript, plus the active slides, as markdown or as a
// standalone HTML page depending on the file extension.
func (s *chatShell) export(path string) error {
	snap := s.sess.Snapshot()
	var out string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		out = exportMarkdown(snap)
	case ".html", ".htm":
		out = s.exportHTML(snap)
	default:
		return fmt.Errorf("unsupported export format %q", filepath.Ext(path))
	}
	return os.WriteFile(path, []byte(out), 0644)
}

func exportMarkdown(snap chat.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", exportTitle(snap))
	for _, row := range snap.Rows {
		switch row.Kind {
		case runs.KindUser:
			fmt.Fprintf(&b, "**You:** %s\n\n", row.Text)
		case runs.KindAssistant:
			fmt.Fprintf(&b, "**%s:** %s\n\n", speakerName(snap), row.Text)
		}
	}
	if snap.HasSlides && !snap.Slides.Empty() {
		b.WriteString("---\n\n")
		b.WriteString(slidesMarkdown(snap.Slides))
	}
	return b.String()
}

func (s *chatShell) exportHTML(snap chat.Snapshot) string {
	var b strings.Builder
	title := conversion.EscapeHTML(exportTitle(snap))
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head><body>\n", title)
	fmt.Fprintf(&b, "<h1>%s</h1>\n", title)
	for _, row := range snap.Rows {
		switch row.Kind {
		case runs.KindUser:
			fmt.Fprintf(&b, "<p class=\"user\"><strong>You:</strong> %s</p>\n", row.HTML)
		case runs.KindAssistant:
			fmt.Fprintf(&b, "<p class=\"assistant\"><strong>%s:</strong> %s</p>\n", conversion.EscapeHTML(speakerName(snap)), row.HTML)
		}
	}
	if snap.HasSlides && !snap.Slides.Empty() {
		b.WriteString("<hr>\n<section class=\"slides\">\n")
		b.WriteString(s.conv.ConvertToSafeHTML(slidesMarkdown(snap.Slides)))
		b.WriteString("</section>\n")
	}
	b.WriteString("</body></html>\n")
	return b.String()
}

func exportTitle(snap chat.Snapshot) string {
	return fmt.Sprintf("Chat with %s (session %s)", speakerName(snap), snap.SessionID)
}

func speakerName(snap chat.Snapshot) string {
	if snap.Agent.Name != "" {
		return snap.Agent.Name
	}
	return "Assistant"
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, `
Available commands:
  /quit, /exit, /q    - Exit the chat
  /help, /h, /?       - Show this help message
  /status             - Show agent, session and connection state
  /stop               - Stop audio playback
  /mute               - Toggle audio mute
  /reconnect          - Reconnect the chat socket now
  /reset              - Start a new session with this agent
  /clear              - Clear the transcript
  /last               - Print the last assistant reply
  /slides             - Show the slides of the active run
  /runs               - List recent runs (* marks the active one)
  /run <id>           - Show the slides of another run (id prefix allowed)
  /audio <file> [mime]- Send an audio file as a query
  /export <file>      - Write transcript and slides (.html or .md)
  /logs               - Show the activity log

Tips:
  - Type your message and press Enter to send it to the agent
  - Use Ctrl+C or Ctrl+D to exit
  - Use up/down arrows for command history
  - Use Tab to autocomplete slash commands`)
}

// completeInput provides tab completion for the chat input.
// It completes slash commands when the input starts with "/".
func completeInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	pairs := commandPairs(text)
	if len(pairs) == 0 {
		return readline.Completions{}
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/') // Don't add space after completing partial command
}

// commandPairs returns the commands starting with prefix as value,
// description pairs in the order CompleteValuesDescribed expects.
func commandPairs(prefix string) []string {
	var pairs []string
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, prefix) {
			pairs = append(pairs, cmd.name, cmd.description)
		}
	}
	return pairs
}
