package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/inercia/avatalk/internal/api"
	"github.com/inercia/avatalk/internal/chat"
	"github.com/inercia/avatalk/internal/protocol"
	"github.com/inercia/avatalk/internal/runs"
)

type fakeSession struct {
	snap     chat.Snapshot
	sent     []string
	audio    [][]byte
	mimes    []string
	stops    int
	resets   int
	cleared  int
	muted    bool
	selected []string
	sendErr  error
	resetErr error
}

func (f *fakeSession) SendText(text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSession) SendAudio(data []byte, mime string) error {
	f.audio = append(f.audio, data)
	f.mimes = append(f.mimes, mime)
	return nil
}

func (f *fakeSession) StopAudio()       { f.stops++ }
func (f *fakeSession) ToggleMute() bool { f.muted = !f.muted; return f.muted }
func (f *fakeSession) Reconnect()       {}
func (f *fakeSession) ClearChat()       { f.cleared++ }
func (f *fakeSession) Activity() []string {
	return []string{"12:00:00 connection connected", "12:00:01 cleared chat"}
}
func (f *fakeSession) Snapshot() chat.Snapshot { return f.snap }

func (f *fakeSession) LastReply() (string, bool) {
	for i := len(f.snap.Rows) - 1; i >= 0; i-- {
		if f.snap.Rows[i].Kind == runs.KindAssistant {
			return f.snap.Rows[i].Text, true
		}
	}
	return "", false
}

func (f *fakeSession) SelectRun(runID string) bool {
	for _, r := range f.snap.Runs {
		if r.ID == runID {
			f.selected = append(f.selected, runID)
			return true
		}
	}
	return false
}

func (f *fakeSession) Reset(ctx context.Context) error {
	f.resets++
	return f.resetErr
}

func newTestShell() (*chatShell, *fakeSession, *bytes.Buffer) {
	sess := &fakeSession{snap: chat.Snapshot{
		BotID:     "bot-1",
		SessionID: "sess-1",
		Agent:     api.Agent{BotID: "bot-1", Name: "Ada"},
		Rows: []runs.Row{
			{ID: "u1", Kind: runs.KindUser, Text: "Hello", HTML: "Hello", Final: true},
			{ID: "a1", Kind: runs.KindAssistant, RunID: "run-a", Text: "Hi <there>", HTML: "Hi &lt;there&gt;", Final: true},
		},
		Runs: []runs.RunInfo{
			{ID: "run-abc", StartedAt: time.Now(), Active: true},
			{ID: "run-abd", StartedAt: time.Now(), Live: true},
			{ID: "other", StartedAt: time.Now()},
		},
	}}
	out := &bytes.Buffer{}
	return newChatShell(sess, out), sess, out
}

func TestCommandPairs(t *testing.T) {
	names := func(pairs []string) []string {
		var out []string
		for i := 0; i < len(pairs); i += 2 {
			out = append(out, pairs[i])
		}
		return out
	}

	tests := []struct {
		prefix string
		want   []string
	}{
		{"/h", []string{"/help", "/h"}},
		{"/he", []string{"/help"}},
		{"/q", []string{"/quit", "/q"}},
		{"/re", []string{"/reconnect", "/reset"}},
		{"/ru", []string{"/runs", "/run"}},
		{"/xyz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			pairs := commandPairs(tt.prefix)
			if len(pairs)%2 != 0 {
				t.Fatalf("commandPairs(%q) returned odd length %d", tt.prefix, len(pairs))
			}
			if got := names(pairs); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("commandPairs(%q) = %v, want %v", tt.prefix, got, tt.want)
			}
		})
	}

	if got := len(commandPairs("/")); got != 2*len(slashCommands) {
		t.Errorf("commandPairs(\"/\") = %d values, want every command", got)
	}
}

func TestCompleteInput_NoSlash(t *testing.T) {
	for _, line := range []string{"", "hello", "/xyz"} {
		completions := completeInput(line, len(line))
		if completions.PREFIX != "" && completions.PREFIX != line {
			t.Errorf("completeInput(%q) PREFIX = %q", line, completions.PREFIX)
		}
	}
	// Cursor past the end is clamped.
	_ = completeInput("/h", 100)
}

func TestSlashCommandsDefinition(t *testing.T) {
	seen := make(map[string]bool)
	for _, cmd := range slashCommands {
		if !strings.HasPrefix(cmd.name, "/") {
			t.Errorf("command %q does not start with /", cmd.name)
		}
		if cmd.description == "" {
			t.Errorf("command %s has empty description", cmd.name)
		}
		if seen[cmd.name] {
			t.Errorf("command %s defined twice", cmd.name)
		}
		seen[cmd.name] = true
	}
	for _, want := range []string{"/help", "/quit", "/reset", "/stop", "/mute", "/slides", "/audio", "/export"} {
		if !seen[want] {
			t.Errorf("expected command %s not found in slashCommands", want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line     string
		wantName string
		wantArgs []string
		wantErr  bool
	}{
		{line: "/help", wantName: "help", wantArgs: []string{}},
		{line: "/RUN abc", wantName: "run", wantArgs: []string{"abc"}},
		{line: `/audio "my clip.webm" audio/webm`, wantName: "audio", wantArgs: []string{"my clip.webm", "audio/webm"}},
		{line: "/", wantErr: true},
		{line: `/export "unterminated`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, args, err := parseCommand(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if len(args) != len(tt.wantArgs) || (len(args) > 0 && !reflect.DeepEqual(args, tt.wantArgs)) {
				t.Errorf("args = %q, want %q", args, tt.wantArgs)
			}
		})
	}
}

func TestChatShell_SendsText(t *testing.T) {
	shell, sess, out := newTestShell()
	ctx := context.Background()

	if shell.handleLine(ctx, "  what is Go?  ") {
		t.Fatal("handleLine() should not quit")
	}
	if shell.handleLine(ctx, "   ") {
		t.Fatal("blank line should not quit")
	}
	if !reflect.DeepEqual(sess.sent, []string{"what is Go?"}) {
		t.Errorf("sent = %q", sess.sent)
	}

	sess.sendErr = chat.ErrNotConnected
	shell.handleLine(ctx, "again")
	if !strings.Contains(out.String(), "not connected") {
		t.Errorf("output = %q, want the send error", out.String())
	}
}

func TestChatShell_Commands(t *testing.T) {
	shell, sess, out := newTestShell()
	ctx := context.Background()

	for _, line := range []string{"/stop", "/mute", "/clear", "/reset"} {
		if shell.handleLine(ctx, line) {
			t.Fatalf("%s should not quit", line)
		}
	}
	if sess.stops != 1 || !sess.muted || sess.cleared != 1 || sess.resets != 1 {
		t.Errorf("session = %+v", sess)
	}

	sess.resetErr = errors.New("portal down")
	shell.handleLine(ctx, "/reset")
	if !strings.Contains(out.String(), "Reset failed: portal down") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	shell.handleLine(ctx, "/last")
	if got := strings.TrimSpace(out.String()); got != "Hi <there>" {
		t.Errorf("/last printed %q", got)
	}

	out.Reset()
	shell.handleLine(ctx, "/logs")
	if !strings.Contains(out.String(), "cleared chat") {
		t.Errorf("/logs printed %q", out.String())
	}

	out.Reset()
	shell.handleLine(ctx, "/status")
	if !strings.Contains(out.String(), "Ada (bot-1)") || !strings.Contains(out.String(), "sess-1") {
		t.Errorf("/status printed %q", out.String())
	}

	out.Reset()
	shell.handleLine(ctx, "/bogus")
	if !strings.Contains(out.String(), "Unknown command: bogus") {
		t.Errorf("output = %q", out.String())
	}

	for _, line := range []string{"/quit", "/exit", "/q", "/Q"} {
		if !shell.handleLine(ctx, line) {
			t.Errorf("%s should quit", line)
		}
	}
}

func TestChatShell_SelectRun(t *testing.T) {
	shell, sess, out := newTestShell()
	ctx := context.Background()

	shell.handleLine(ctx, "/run ot")
	shell.handleLine(ctx, "/run run-abd")
	if !reflect.DeepEqual(sess.selected, []string{"other", "run-abd"}) {
		t.Errorf("selected = %q", sess.selected)
	}

	out.Reset()
	shell.handleLine(ctx, "/run run-ab")
	if !strings.Contains(out.String(), "Ambiguous") {
		t.Errorf("output = %q, want ambiguity", out.String())
	}

	out.Reset()
	shell.handleLine(ctx, "/run nope")
	if !strings.Contains(out.String(), "Unknown run") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	shell.handleLine(ctx, "/runs")
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "* run-abc") || !strings.HasSuffix(lines[1], "live") {
		t.Errorf("/runs printed %q", lines)
	}
}

func TestChatShell_Slides(t *testing.T) {
	shell, sess, out := newTestShell()
	ctx := context.Background()

	shell.handleLine(ctx, "/slides")
	if !strings.Contains(out.String(), "No slides") {
		t.Errorf("output = %q", out.String())
	}

	sess.snap.HasSlides = true
	sess.snap.Slides = runs.Slides{Loading: true}
	out.Reset()
	shell.handleLine(ctx, "/slides")
	if !strings.Contains(out.String(), "being generated") {
		t.Errorf("output = %q", out.String())
	}

	sess.snap.Slides = runs.Slides{
		Raw:  "# raw",
		Deck: &protocol.Deck{Slides: []protocol.Slide{{Title: "Intro", Bullets: []string{"one"}}}},
	}
	out.Reset()
	shell.handleLine(ctx, "/slides")
	if !strings.Contains(out.String(), "## Intro") || strings.Contains(out.String(), "# raw") {
		t.Errorf("deck should win over raw markdown, got %q", out.String())
	}
}

func TestChatShell_Audio(t *testing.T) {
	shell, sess, out := newTestShell()
	ctx := context.Background()
	dir := t.TempDir()

	path := filepath.Join(dir, "clip.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0600); err != nil {
		t.Fatal(err)
	}
	shell.handleLine(ctx, "/audio "+path)
	shell.handleLine(ctx, "/audio "+path+" audio/ogg")
	if len(sess.audio) != 2 || string(sess.audio[0]) != "RIFF" {
		t.Fatalf("audio = %q", sess.audio)
	}
	// Detection depends on the system mime table; an explicit type always wins.
	if sess.mimes[1] != "audio/ogg" {
		t.Errorf("mimes = %q", sess.mimes)
	}

	out.Reset()
	shell.handleLine(ctx, "/audio "+filepath.Join(dir, "missing.webm"))
	if len(sess.audio) != 2 || out.Len() == 0 {
		t.Errorf("missing file should be reported, output = %q", out.String())
	}
}

func TestChatShell_AudioTooLargeNotRead(t *testing.T) {
	shell, sess, out := newTestShell()
	path := filepath.Join(t.TempDir(), "long.webm")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	// Sparse: the size is set without writing the data.
	if err := f.Truncate(protocol.MaxAudioQueryBytes + 1); err != nil {
		t.Fatal(err)
	}
	f.Close()

	shell.handleLine(context.Background(), "/audio "+path)
	if len(sess.audio) != 0 {
		t.Fatalf("oversized clip was sent (%d clips)", len(sess.audio))
	}
	if !strings.Contains(out.String(), "too large") || !strings.Contains(out.String(), "25 MiB") {
		t.Errorf("output = %q", out.String())
	}
}

func TestChatShell_Export(t *testing.T) {
	shell, sess, out := newTestShell()
	ctx := context.Background()
	dir := t.TempDir()
	sess.snap.HasSlides = true
	sess.snap.Slides = runs.Slides{Raw: "## Plan\n\n- <b>step</b>"}

	mdPath := filepath.Join(dir, "chat.md")
	shell.handleLine(ctx, "/export "+mdPath)
	md, err := os.ReadFile(mdPath)
	if err != nil {
		t.Fatalf("markdown export: %v (output %q)", err, out.String())
	}
	for _, want := range []string{"# Chat with Ada (session sess-1)", "**You:** Hello", "**Ada:** Hi <there>", "## Plan"} {
		if !strings.Contains(string(md), want) {
			t.Errorf("markdown export missing %q:\n%s", want, md)
		}
	}

	htmlPath := filepath.Join(dir, "chat.html")
	shell.handleLine(ctx, "/export "+htmlPath)
	page, err := os.ReadFile(htmlPath)
	if err != nil {
		t.Fatalf("html export: %v", err)
	}
	for _, want := range []string{"<!DOCTYPE html>", "Hi &lt;there&gt;", "<h2", "Plan"} {
		if !strings.Contains(string(page), want) {
			t.Errorf("html export missing %q:\n%s", want, page)
		}
	}

	out.Reset()
	shell.handleLine(ctx, "/export "+filepath.Join(dir, "chat.pdf"))
	if !strings.Contains(out.String(), "unsupported export format") {
		t.Errorf("output = %q", out.String())
	}
}
