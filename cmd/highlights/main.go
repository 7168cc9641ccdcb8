// Command highlights runs highlight detection and clip extraction offline,
// without the database or job queue. It is meant for tuning the detector
// against exported chat logs and for cutting one-off clips.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/clip-tender/clip"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	detectorConfig string
	ffmpegPath     string
	ffprobePath    string
	timeout        time.Duration
	verbose        bool
}

// newEngine builds the transcoder; tests swap it for a fake.
var newEngine = func(o *globalOptions) clip.Engine {
	return clip.NewFFmpeg(clip.FFmpegOptions{FFmpegPath: o.ffmpegPath, FFprobePath: o.ffprobePath, Timeout: o.timeout})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "highlights",
		Short: "Detect chat highlights and cut clips offline",
		Long: `Detect chat highlights and cut clips offline.

Chat files are JSON lines or a JSON array of {"timestamp_ms", "user_id", "text"}
objects, the same shape the service analyzes.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			lvl := slog.LevelWarn
			if opts.verbose {
				lvl = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})))
		},
	}
	root.PersistentFlags().StringVar(&opts.detectorConfig, "detector-config", os.Getenv("DETECTOR_CONFIG"), "detector tuning YAML (default: built-in)")
	root.PersistentFlags().StringVar(&opts.ffmpegPath, "ffmpeg", envOr("FFMPEG_PATH", "ffmpeg"), "ffmpeg binary")
	root.PersistentFlags().StringVar(&opts.ffprobePath, "ffprobe", envOr("FFPROBE_PATH", "ffprobe"), "ffprobe binary")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "limit for a single ffmpeg run")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging on stderr")

	root.AddCommand(newDetectCommand(opts))
	root.AddCommand(newClipCommand(opts))
	root.AddCommand(newProbeCommand(opts))
	root.AddCommand(newPresetsCommand())
	return root
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
