package mux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// Merger attaches the audio track at audioPath to the video at videoPath and
// writes the result to outputPath.
type Merger interface {
	Merge(ctx context.Context, videoPath, audioPath, outputPath string) error
}

// FFmpegMerger runs an ffmpeg subprocess that copies the video stream and
// encodes the audio, cutting at the shorter of the two.
type FFmpegMerger struct {
	cmd     []string
	codec   string
	timeout time.Duration
}

func NewFFmpegMerger(command, audioCodec string, timeout time.Duration) (*FFmpegMerger, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("ffmpeg command empty")
	}
	if strings.TrimSpace(audioCodec) == "" {
		audioCodec = "aac"
	}
	return &FFmpegMerger{cmd: args, codec: audioCodec, timeout: timeout}, nil
}

func (m *FFmpegMerger) Args(videoPath, audioPath, outputPath string) []string {
	args := append([]string{}, m.cmd[1:]...)
	return append(args,
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", m.codec,
		"-shortest",
		outputPath,
	)
}

func (m *FFmpegMerger) Merge(ctx context.Context, videoPath, audioPath, outputPath string) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, m.cmd[0], m.Args(videoPath, audioPath, outputPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return err
	}
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
