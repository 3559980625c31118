package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultDuration is reported when the probe cannot determine a duration.
const DefaultDuration = 5.0

// Prober asks ffprobe for the container duration of an audio file.
type Prober struct {
	cmd     []string
	timeout time.Duration
	logger  *slog.Logger
}

func NewProber(command string, timeout time.Duration, logger *slog.Logger) (*Prober, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, fmt.Errorf("parse ffprobe command: %w", err)
	}
	return &Prober{cmd: args, timeout: timeout, logger: logger.With(slog.String("component", "audio-probe"))}, nil
}

// Duration returns the duration in seconds, or DefaultDuration on any failure.
func (p *Prober) Duration(ctx context.Context, path string) float64 {
	d, err := p.probe(ctx, path)
	if err != nil {
		p.logger.Debug("duration probe failed", slog.String("path", path), slogError(err))
		return DefaultDuration
	}
	return d
}

func (p *Prober) probe(ctx context.Context, path string) (float64, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	args := append([]string{}, p.cmd[1:]...)
	args = append(args, "-v", "quiet", "-show_entries", "format=duration", "-of", "csv=p=0", path)
	cmd := exec.CommandContext(ctx, p.cmd[0], args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseDuration(stdout.String())
}

func parseDuration(out string) (float64, error) {
	value := strings.TrimSpace(out)
	d, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", value, err)
	}
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return d, nil
}
