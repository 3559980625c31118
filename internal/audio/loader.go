package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// Loader decodes audio files into mono buffers at a fixed sample rate. WAV is
// decoded in-process; anything else goes through ffmpeg.
type Loader struct {
	sampleRate int
	ffmpeg     []string
	logger     *slog.Logger
}

func NewLoader(sampleRate int, ffmpegCommand string, logger *slog.Logger) (*Loader, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	args, err := parseCommand(ffmpegCommand)
	if err != nil {
		return nil, fmt.Errorf("parse ffmpeg command: %w", err)
	}
	return &Loader{
		sampleRate: sampleRate,
		ffmpeg:     args,
		logger:     logger.With(slog.String("component", "audio-loader")),
	}, nil
}

// Load decodes path. Errors wrap ErrDecode when the content is unusable.
func (l *Loader) Load(ctx context.Context, path string) (Buffer, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		f, err := os.Open(path)
		if err != nil {
			return Buffer{}, fmt.Errorf("open audio: %w", err)
		}
		defer f.Close()
		return DecodeWAV(f, l.sampleRate)
	}
	return l.decodeExternal(ctx, path)
}

// LoadOrSilence returns one second of silence when path cannot be loaded.
func (l *Loader) LoadOrSilence(ctx context.Context, path string) Buffer {
	buf, err := l.Load(ctx, path)
	if err != nil {
		l.logger.Warn("audio load failed, using silence", slog.String("path", path), slogError(err))
		return Silence(1, l.sampleRate)
	}
	return buf
}

// DecodeWAV reads a PCM WAV stream, downmixes it and resamples to sampleRate.
func DecodeWAV(r io.ReadSeeker, sampleRate int) (Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Buffer{}, fmt.Errorf("%w: not a valid wav stream", ErrDecode)
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: read pcm: %v", ErrDecode, err)
	}
	if pcm == nil || pcm.Format == nil {
		return Buffer{}, fmt.Errorf("%w: missing pcm format", ErrDecode)
	}
	depth := pcm.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	mono := downmix(pcm, depth)
	return Buffer{samples: resample(mono, pcm.Format.SampleRate, sampleRate), sampleRate: sampleRate}, nil
}

func downmix(pcm *audio.IntBuffer, bitDepth int) []float64 {
	channels := pcm.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	scale := 1.0
	offset := 0.0
	switch {
	case bitDepth == 8:
		scale, offset = 128, 128
	case bitDepth > 8:
		scale = float64(int64(1) << (bitDepth - 1))
	}
	frames := len(pcm.Data) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += (float64(pcm.Data[i*channels+c]) - offset) / scale
		}
		out[i] = sum / float64(channels)
	}
	return out
}

// resample converts between rates with linear interpolation.
func resample(samples []float64, from, to int) []float64 {
	if from <= 0 || from == to || len(samples) == 0 {
		return samples
	}
	n := int(float64(len(samples)) * float64(to) / float64(from))
	out := make([]float64, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

func (l *Loader) decodeExternal(ctx context.Context, path string) (Buffer, error) {
	args := append([]string{}, l.ffmpeg[1:]...)
	args = append(args, "-v", "error", "-i", path, "-ac", "1", "-ar", strconv.Itoa(l.sampleRate), "-f", "s16le", "-")
	cmd := exec.CommandContext(ctx, l.ffmpeg[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Buffer{}, fmt.Errorf("ffmpeg decode failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return decodePCM16(stdout.Bytes(), l.sampleRate)
}

func decodePCM16(pcm []byte, sampleRate int) (Buffer, error) {
	if len(pcm)%2 != 0 {
		return Buffer{}, fmt.Errorf("%w: pcm payload not aligned", ErrDecode)
	}
	samples := make([]float64, len(pcm)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return Buffer{samples: samples, sampleRate: sampleRate}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command empty")
	}
	return args, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
