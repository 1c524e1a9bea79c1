package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
)

// DefaultPlayerCommand plays one file and exits.
const DefaultPlayerCommand = "ffplay -nodisp -autoexit -loglevel quiet"

// FilePlaceholder in a player command is replaced by the clip path. Without
// it the path is appended as the last argument.
const FilePlaceholder = "{file}"

// mutedBitrate is the bitrate assumed when estimating how long a muted clip
// would have played.
const mutedBitrate = 128_000

// ParsePlayerCommand splits a player command line with shell quoting rules:
//   - "ffplay -nodisp -autoexit" -> ["ffplay", "-nodisp", "-autoexit"]
//   - "sh -c 'afplay \"$0\"' {file}" -> ["sh", "-c", "afplay \"$0\"", "{file}"]
func ParsePlayerCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse player command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty player command")
	}
	return args, nil
}

// ExecSink plays each clip by writing it to a temporary file and running an
// external player on it. While muted it runs no player and instead waits
// for the clip's estimated duration, so the queue advances at speaking pace.
type ExecSink struct {
	argv   []string
	tmpDir string
	logger *slog.Logger

	mu     sync.Mutex
	muted  bool
	cancel context.CancelFunc
	// kill ends the running player without ending its clip.
	kill context.CancelFunc
	// gen identifies the clip in flight; Stop bumps it.
	gen uint64
}

// ExecOption configures an ExecSink.
type ExecOption func(*ExecSink)

// WithTempDir sets where clip files are written.
func WithTempDir(dir string) ExecOption {
	return func(e *ExecSink) {
		e.tmpDir = dir
	}
}

// WithExecLogger sets the logger.
func WithExecLogger(logger *slog.Logger) ExecOption {
	return func(e *ExecSink) {
		e.logger = logger
	}
}

// NewExecSink creates a sink running command for every clip.
func NewExecSink(command string, opts ...ExecOption) (*ExecSink, error) {
	argv, err := ParsePlayerCommand(command)
	if err != nil {
		return nil, err
	}
	e := &ExecSink{argv: argv, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EstimateDuration approximates the playback length of an MP3 clip.
func EstimateDuration(clip Clip) time.Duration {
	d := time.Duration(len(clip.Data)) * 8 * time.Second / mutedBitrate
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

func (e *ExecSink) Play(clip Clip, ended func()) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.gen++
	gen := e.gen
	muted := e.muted
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.kill = nil
	e.mu.Unlock()

	finish := func() {
		cancel()
		e.mu.Lock()
		current := gen == e.gen
		if current {
			e.cancel = nil
			e.kill = nil
		}
		e.mu.Unlock()
		if current {
			ended()
		}
	}

	if muted {
		go e.silence(ctx, EstimateDuration(clip), finish)
		return nil
	}

	path, err := e.writeClip(clip)
	if err != nil {
		cancel()
		return err
	}

	playerCtx, kill := context.WithCancel(ctx)
	cmd := exec.CommandContext(playerCtx, e.argv[0], e.args(path)...)
	if err := cmd.Start(); err != nil {
		kill()
		cancel()
		os.Remove(path)
		return fmt.Errorf("start player %s: %w", e.argv[0], err)
	}
	started := time.Now()

	e.mu.Lock()
	if gen == e.gen {
		if e.muted {
			kill()
		} else {
			e.kill = kill
		}
	}
	e.mu.Unlock()

	go func() {
		err := cmd.Wait()
		killed := playerCtx.Err() != nil
		kill()
		os.Remove(path)
		switch {
		case ctx.Err() != nil:
			// Stopped or superseded.
			return
		case killed:
			// Muted mid-clip: the rest of the clip plays silently.
			e.silence(ctx, EstimateDuration(clip)-time.Since(started), finish)
			return
		case err != nil:
			e.logger.Warn("Audio player exited with error", "player", e.argv[0], "error", err)
		}
		finish()
	}()
	return nil
}

// silence ends a clip after d unless ctx is cancelled first.
func (e *ExecSink) silence(ctx context.Context, d time.Duration, finish func()) {
	if d <= 0 {
		if ctx.Err() == nil {
			finish()
		}
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		finish()
	case <-ctx.Done():
	}
}

func (e *ExecSink) args(path string) []string {
	args := make([]string, 0, len(e.argv))
	replaced := false
	for _, a := range e.argv[1:] {
		if strings.Contains(a, FilePlaceholder) {
			a = strings.ReplaceAll(a, FilePlaceholder, path)
			replaced = true
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, path)
	}
	return args
}

func (e *ExecSink) writeClip(clip Clip) (string, error) {
	f, err := os.CreateTemp(e.tmpDir, "avatalk-clip-*"+extensionFor(clip.MIME))
	if err != nil {
		return "", fmt.Errorf("create clip file: %w", err)
	}
	if _, err := f.Write(clip.Data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write clip file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close clip file: %w", err)
	}
	return f.Name(), nil
}

func extensionFor(mime string) string {
	switch mime {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	default:
		return ".mp3"
	}
}

// Stop kills the running player, if any. Its clip never reports ended.
func (e *ExecSink) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.kill = nil
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// SetMuted silences the sink. Muting mid-clip kills the player and the clip
// ends after its remaining estimated duration. Unmuting applies from the next
// clip.
func (e *ExecSink) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
	if muted && e.kill != nil {
		e.kill()
		e.kill = nil
	}
}
