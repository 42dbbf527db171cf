package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/logger"
)

var (
	model         string
	maxNewTokens  int64
	stopStrings   []string
	maxBatchSize  int64
	maxPoolPages  int64
	tokensPerPage int64
	temperature   float64
	topK          int64
	topP          float64
	seed          int64
	runTimeout    time.Duration
	logLevel      string
	logFormat     string
	debug         bool
)

func commonPipelineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model identifier (backend:path, default stub backend)",
			Value:       "stub",
			Destination: &model,
		},
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Aliases:     []string{"n"},
			Usage:       "generation budget per prompt",
			Value:       128,
			Destination: &maxNewTokens,
		},
		&cli.StringSliceFlag{
			Name:        "stop",
			Usage:       "stop string, repeatable",
			Destination: &stopStrings,
		},
		&cli.Int64Flag{
			Name:        "max-batch-size",
			Aliases:     []string{"b"},
			Usage:       "max concurrent sequences per step",
			Value:       8,
			Destination: &maxBatchSize,
		},
		&cli.Int64Flag{
			Name:        "max-pool-pages",
			Usage:       "cache pool size in pages",
			Value:       64,
			Destination: &maxPoolPages,
		},
		&cli.Int64Flag{
			Name:        "tokens-per-page",
			Usage:       "cache page size in tokens",
			Value:       16,
			Destination: &tokensPerPage,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Destination: &temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling cutoff (0 = disabled)",
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "nucleus sampling cutoff (0 = disabled)",
			Destination: &topP,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling seed",
			Destination: &seed,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "per-batch deadline (0 = none)",
			Destination: &runTimeout,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return logger.Pretty(os.Stderr, level)
	}
}
