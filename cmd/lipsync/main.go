package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/pipeline"
	"github.com/loqalabs/loqa-lipsync/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'render', 'probe', 'validate' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "render":
		err = runRender(ctx, os.Args[2:], os.Stdout)
	case "probe":
		err = runProbe(ctx, os.Args[2:], os.Stdout)
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runRender(ctx context.Context, args []string, out io.Writer) error {
	var (
		configPath string
		audioPath  string
		avatarID   string
		outputPath string
		keepFrames bool
		verbose    bool
	)
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&audioPath, "audio", "", "Audio file to lip-sync")
	fs.StringVar(&avatarID, "avatar", "", "Avatar id")
	fs.StringVar(&outputPath, "out", "", "Output video path (default: <output_dir>/<uuid>.avi)")
	fs.BoolVar(&keepFrames, "keep-frames", false, "Also write every frame as JPEG")
	fs.BoolVar(&verbose, "v", false, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if audioPath == "" {
		return fmt.Errorf("render: -audio is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Pipeline.KeepFrames = cfg.Pipeline.KeepFrames || keepFrames

	logger := newLogger(verbose)
	components, err := runtime.NewComponents(cfg, nil, nil, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	artifact, err := components.Generator.Generate(ctx, pipeline.Request{
		AudioPath:  audioPath,
		AvatarID:   avatarID,
		OutputPath: outputPath,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "video:          %s\n", artifact.Path)
	fmt.Fprintf(out, "frames:         %d\n", artifact.FrameCount)
	fmt.Fprintf(out, "duration:       %.2fs\n", artifact.Duration)
	fmt.Fprintf(out, "audio duration: %.2fs\n", artifact.AudioDuration)
	fmt.Fprintf(out, "audio merged:   %t\n", artifact.AudioMerged)
	if artifact.MergeError != "" {
		fmt.Fprintf(out, "merge error:    %s\n", artifact.MergeError)
	}
	return nil
}

func runProbe(ctx context.Context, args []string, out io.Writer) error {
	var configPath string
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("probe: expected one audio file")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	components, err := runtime.NewComponents(cfg, nil, nil, newLogger(false))
	if err != nil {
		return err
	}
	defer components.Close()

	path := fs.Arg(0)
	buf := components.Loader.LoadOrSilence(ctx, path)
	fmt.Fprintf(out, "decoded duration: %.3fs\n", buf.Duration())
	fmt.Fprintf(out, "probed duration:  %.3fs\n", components.Prober.Duration(ctx, path))
	fmt.Fprintf(out, "frames:           %d\n", buf.FrameCount(cfg.Pipeline.FrameRate))
	return nil
}

func runValidate(args []string, out io.Writer) error {
	var configPath string
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "lipsync.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := config.Load(configPath); err != nil {
		return err
	}
	fmt.Fprintln(out, "config valid")
	return nil
}
