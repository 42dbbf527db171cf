package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/pipeline"
)

type runRecord struct {
	Index        int    `json:"index"`
	Prompt       string `json:"prompt"`
	Text         string `json:"text"`
	Tokens       int    `json:"tokens"`
	FinishReason string `json:"finish_reason"`
	Error        string `json:"error,omitempty"`
}

func runCmd() *cli.Command {
	var (
		promptsFile string
		outputMode  string
	)

	return &cli.Command{
		Name:      "run",
		Usage:     "Run a batch of prompts to completion",
		ArgsUsage: "[prompt ...]",
		Flags: append(commonPipelineFlags(),
			&cli.StringFlag{
				Name:        "prompts-file",
				Aliases:     []string{"f"},
				Usage:       "read prompts from file, one per line",
				Destination: &promptsFile,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output mode (text, jsonl)",
				Value:       "text",
				Destination: &outputMode,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyPipelineConfig(cmd, LoadConfig())

			prompts, err := collectPrompts(cmd.Args().Slice(), promptsFile)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(prompts) == 0 {
				return cli.Exit("error: no prompts given (arguments or --prompts-file)", 1)
			}

			p, err := pipeline.Load(model, pipelineConfig(), log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load %s: %v", model, err), 1)
			}
			defer p.Close()

			results, err := p.Run(ctx, prompts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: run batch: %v", err), 1)
			}
			return writeResults(os.Stdout, outputMode, prompts, results)
		},
	}
}

func collectPrompts(args []string, path string) ([]string, error) {
	prompts := append([]string(nil), args...)
	if path == "" {
		return prompts, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompts file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		prompts = append(prompts, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return prompts, nil
}

func writeResults(w io.Writer, mode string, prompts []string, results []pipeline.Result) error {
	switch mode {
	case "jsonl":
		enc := json.NewEncoder(w)
		for _, res := range results {
			rec := runRecord{
				Index:        res.Index,
				Prompt:       prompts[res.Index],
				Text:         res.Text,
				Tokens:       len(res.Tokens),
				FinishReason: res.Reason,
			}
			if res.Err != nil {
				rec.Error = res.Err.Error()
			}
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	case "text":
		for _, res := range results {
			if res.Err != nil {
				fmt.Fprintf(w, "[%d] error: %v\n", res.Index, res.Err)
				continue
			}
			fmt.Fprintf(w, "[%d] (%s) %s\n", res.Index, res.Reason, res.Text)
		}
		return nil
	default:
		return fmt.Errorf("unknown output mode %q", mode)
	}
}
