package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/onnwee/clip-tender/clip"
)

type clipReport struct {
	Clip      clip.Result     `json:"clip"`
	Thumbnail *clip.Result    `json:"thumbnail,omitempty"`
	Converted *clip.Result    `json:"converted,omitempty"`
	Info      *clip.VideoInfo `json:"info,omitempty"`
}

func newClipCommand(g *globalOptions) *cobra.Command {
	var (
		start, end         float64
		format, resolution string
		outDir             string
		thumbnail          bool
		platform           string
	)
	cmd := &cobra.Command{
		Use:   "clip <input>",
		Short: "Cut [start, end) seconds of a video into a new file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// scratch files live under outDir so promoting them is a same-filesystem rename
			ex, err := clip.NewExtractor(newEngine(g), outDir, outDir)
			if err != nil {
				return err
			}
			defer func() { _ = ex.Cleanup() }()
			ctx := cmd.Context()

			res := ex.ExtractClip(ctx, args[0], start, end, format, resolution)
			if !res.Success {
				return res.Err
			}
			report := clipReport{Clip: res, Info: ex.GetVideoInfo(ctx, res.OutputPath)}
			if thumbnail {
				th := ex.GenerateThumbnail(ctx, res.OutputPath, res.Duration/2)
				if !th.Success {
					return th.Err
				}
				report.Thumbnail = &th
			}
			if platform != "" {
				conv := ex.ConvertForPlatform(ctx, res.OutputPath, platform)
				if !conv.Success {
					return conv.Err
				}
				report.Converted = &conv
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().Float64Var(&start, "start", 0, "start offset in seconds")
	cmd.Flags().Float64Var(&end, "end", 0, "end offset in seconds")
	cmd.Flags().StringVar(&format, "format", "mp4", "container: mp4, webm, mov or mkv")
	cmd.Flags().StringVar(&resolution, "resolution", "source", "source, 1080p, 720p, 480p or WxH")
	cmd.Flags().StringVarP(&outDir, "out", "o", "clips", "output directory")
	cmd.Flags().BoolVar(&thumbnail, "thumbnail", false, "also write a thumbnail from the middle of the clip")
	cmd.Flags().StringVar(&platform, "platform", "", "also re-encode with a platform preset (see presets)")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newProbeCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <file>",
		Short: "Print width, height, fps, duration and bitrate of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}
			info, err := newEngine(g).Probe(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("probe %s: %w", args[0], err)
			}
			if info == nil {
				return errors.New("probe returned no stream information")
			}
			return writeJSON(cmd.OutOrStdout(), info)
		},
	}
}

func newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List platform conversion presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := make([]clip.Preset, 0, len(clip.Platforms()))
			for _, name := range clip.Platforms() {
				p, err := clip.LookupPreset(name)
				if err != nil {
					return err
				}
				out = append(out, p)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
}
