// Command loqa-segment runs the segmentation engine over a text offline and
// prints the chunks it would hand to synthesis as JSON lines.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/segmenter"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

type splitOptions struct {
	configPath string
	file       string
	mode       string
	budget     int
	timeBudget int
	stream     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "loqa-segment",
		Short:        "Inspect how text is split into speakable chunks",
		SilenceUsage: true,
	}
	root.AddCommand(newSplitCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func newSplitCmd() *cobra.Command {
	var opts splitOptions
	cmd := &cobra.Command{
		Use:   "split [FILE]",
		Short: "Split text from FILE or stdin into chunks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.file = args[0]
			}
			return runSplit(opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "configuration file providing the segmenter baseline")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "segmentation mode: sentence or micro")
	cmd.Flags().IntVarP(&opts.budget, "budget", "b", 0, "chunk token budget")
	cmd.Flags().IntVar(&opts.timeBudget, "time-budget", 0, "time budget in milliseconds")
	cmd.Flags().BoolVarP(&opts.stream, "stream", "s", false, "feed the text word by word as streamed deltas")
	return cmd
}

func runSplit(opts splitOptions, stdin io.Reader, out io.Writer) error {
	cfg, err := segmenterConfig(opts)
	if err != nil {
		return err
	}

	var data []byte
	if opts.file != "" && opts.file != "-" {
		data, err = os.ReadFile(opts.file)
	} else {
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	engine := segmenter.New(cfg)
	defer engine.Cleanup()

	var chunks []segmenter.Chunk
	if opts.stream {
		for _, delta := range strings.SplitAfter(string(data), " ") {
			chunks = append(chunks, engine.ProcessTokenDelta(delta, false)...)
		}
		chunks = append(chunks, engine.Flush()...)
	} else {
		chunks = engine.ProcessText(string(data))
	}

	enc := json.NewEncoder(out)
	for _, chunk := range chunks {
		if err := enc.Encode(chunk); err != nil {
			return err
		}
	}
	return nil
}

func segmenterConfig(opts splitOptions) (segmenter.Config, error) {
	base := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return segmenter.Config{}, err
		}
		base = loaded
	}
	cfg := pipeline.SegmenterConfig(base.Segmenter)
	if opts.mode != "" {
		mode := segmenter.Mode(opts.mode)
		if !mode.Valid() {
			return segmenter.Config{}, fmt.Errorf("unknown mode %q", opts.mode)
		}
		cfg.Mode = mode
	}
	if opts.budget > 0 {
		cfg.ChunkTokenBudget = opts.budget
	}
	if opts.timeBudget > 0 {
		cfg.TimeBudgetMS = opts.timeBudget
	}
	return cfg, nil
}
