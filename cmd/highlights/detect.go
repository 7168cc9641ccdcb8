package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/clip-tender/config"
	"github.com/onnwee/clip-tender/highlight"
	"github.com/onnwee/clip-tender/signals"
)

type detectReport struct {
	File       string             `json:"file"`
	Messages   int                `json:"messages"`
	DurationMs int64              `json:"duration_ms"`
	Buckets    int                `json:"buckets"`
	Baseline   float64            `json:"baseline"`
	Highlights []highlight.Moment `json:"highlights"`
}

func newDetectCommand(g *globalOptions) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "detect <chat-file>",
		Short: "Print the highlights found in a chat log as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDetectorFile(g.detectorConfig)
			if err != nil {
				return err
			}
			events, err := readChatFile(args[0])
			if err != nil {
				return err
			}
			report, err := detect(cfg, events, duration.Milliseconds())
			if err != nil {
				return err
			}
			report.File = args[0]
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "VOD length (default: last message + 1s)")
	return cmd
}

func detect(cfg highlight.Config, events []signals.ChatEvent, durationMs int64) (detectReport, error) {
	d, err := highlight.New(cfg)
	if err != nil {
		return detectReport{}, err
	}
	cfg = d.Config()
	if durationMs <= 0 {
		var last int64 = -1
		for _, ev := range events {
			last = max(last, ev.TimestampMs)
		}
		if last >= 0 {
			durationMs = last + 1000
		}
	}
	buckets, err := signals.NewAnalyzer(cfg.ExtraEmotes...).Bucketize(events, durationMs, cfg.BucketWidthMs)
	if err != nil {
		return detectReport{}, err
	}
	moments := d.Detect(buckets)
	if moments == nil {
		moments = []highlight.Moment{}
	}
	return detectReport{
		Messages:   len(events),
		DurationMs: durationMs,
		Buckets:    len(buckets),
		Baseline:   d.Baseline(buckets),
		Highlights: moments,
	}, nil
}

// readChatFile accepts a JSON array or JSON lines. Events are returned in
// timestamp order; blank lines are skipped.
func readChatFile(path string) ([]signals.ChatEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	events, err := parseChat(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

func parseChat(r io.Reader) ([]signals.ChatEvent, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []signals.ChatEvent
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&events); err != nil {
			return nil, fmt.Errorf("decode chat array: %w", err)
		}
	} else {
		sc := bufio.NewScanner(br)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		line := 0
		for sc.Scan() {
			line++
			b := bytes.TrimSpace(sc.Bytes())
			if len(b) == 0 {
				continue
			}
			var ev signals.ChatEvent
			if err := json.Unmarshal(b, &ev); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			events = append(events, ev)
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].TimestampMs < events[j].TimestampMs })
	return events, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
