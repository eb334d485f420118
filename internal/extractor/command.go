package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/soundscope-mcp/pkg/types"
)

// DefaultCommandTimeout bounds one extractor process
const DefaultCommandTimeout = 2 * time.Minute

// CommandExtractor runs an external analysis program as
// "<command> <args...> <audio_path>" and decodes a RawFeatureSet from the
// JSON it prints on stdout.
type CommandExtractor struct {
	command string
	args    []string
	timeout time.Duration
	logger  zerolog.Logger
}

// CommandOptions configures a CommandExtractor
type CommandOptions struct {
	Command string
	Args    []string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewCommandExtractor validates opts and returns an extractor
func NewCommandExtractor(opts CommandOptions) (*CommandExtractor, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("extractor command is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandExtractor{
		command: opts.Command,
		args:    opts.Args,
		timeout: timeout,
		logger:  opts.Logger,
	}, nil
}

// Extract runs the command for audioPath
func (e *CommandExtractor) Extract(ctx context.Context, audioPath string) (*types.RawFeatureSet, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrExtraction, audioPath, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := append(append([]string{}, e.args...), audioPath)
	cmd := exec.CommandContext(ctx, e.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, fmt.Errorf("%w: %s: %v: %s", types.ErrExtraction, audioPath, err, msg)
	}

	var features types.RawFeatureSet
	if err := json.Unmarshal(stdout.Bytes(), &features); err != nil {
		return nil, fmt.Errorf("%w: %s: decode output: %v", types.ErrExtraction, audioPath, err)
	}
	if err := features.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrExtraction, audioPath, err)
	}

	e.logger.Debug().
		Str("audio_path", audioPath).
		Dur("elapsed", time.Since(start)).
		Float64("tempo", features.Tempo).
		Msg("extracted features")
	return &features, nil
}
