// Package espeak provides a [tts.Speaker] that runs a local command-line
// synthesizer such as espeak-ng. The command synthesizes and plays in one
// step, so no audio is handed back to the caller.
package espeak

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/MrWong99/kototsuna/pkg/provider/tts"
)

var _ tts.Speaker = (*Speaker)(nil)

// DefaultCommand speaks Japanese through espeak-ng.
const DefaultCommand = "espeak-ng -v ja"

// TextPlaceholder in the command line is replaced by the text to speak. When
// the command has no placeholder the text is written to stdin instead.
const TextPlaceholder = "{text}"

// Option configures a [Speaker].
type Option func(*Speaker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) { s.log = l }
}

// Speaker runs one command per utterance. Calls are serialised so two
// utterances never play over each other.
type Speaker struct {
	argv  []string
	stdin bool
	log   *slog.Logger

	mu sync.Mutex
}

// New parses command with shell quoting rules. An empty command selects
// [DefaultCommand].
func New(command string, opts ...Option) (*Speaker, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("espeak: parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("espeak: command empty")
	}
	s := &Speaker{argv: args, stdin: true}
	for _, a := range args[1:] {
		if strings.Contains(a, TextPlaceholder) {
			s.stdin = false
			break
		}
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Available reports whether the command binary can be found on PATH.
func (s *Speaker) Available() bool {
	_, err := exec.LookPath(s.argv[0])
	return err == nil
}

// Speak runs the command for text and waits for it to exit.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]string, 0, len(s.argv)-1)
	for _, a := range s.argv[1:] {
		args = append(args, strings.ReplaceAll(a, TextPlaceholder, text))
	}
	cmd := exec.CommandContext(ctx, s.argv[0], args...)
	if s.stdin {
		cmd.Stdin = strings.NewReader(text)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// A killed command may leave children holding stderr open.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("espeak: %s: %w: %s", s.argv[0], err, msg)
		}
		return fmt.Errorf("espeak: %s: %w", s.argv[0], err)
	}
	s.log.Debug("fallback speech done", "command", s.argv[0], "chars", len([]rune(text)))
	return nil
}
