package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loopfi/loop-harvester/client/duneapi"
	"github.com/loopfi/loop-harvester/client/etherscan"
	"github.com/loopfi/loop-harvester/client/jsonrpc"
	"github.com/loopfi/loop-harvester/collector"
	"github.com/loopfi/loop-harvester/config"
	"github.com/loopfi/loop-harvester/models"
	"github.com/loopfi/loop-harvester/sink"
	"github.com/loopfi/loop-harvester/watermark"
)

func init() {
	// always use UTC
	time.Local = time.UTC
}

func main() {
	_ = godotenv.Load() // pick up a local .env when present

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	if err := run(logger, cfg); err != nil {
		logger.Error("Harvester failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg *config.Config) error {
	targets, err := config.LoadTargets(cfg.TargetsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	if err := resolveTargetDefaults(ctx, logger, cfg, targets); err != nil {
		return err
	}

	pool, err := jsonrpc.NewPool(logger, cfg.RPC.URLs, cfg.RPC.FailThreshold, cfg.RPC.Cooldown)
	if err != nil {
		return err
	}
	reader := jsonrpc.NewClient(logger, pool, jsonrpc.Config{
		MaxAttempts:    cfg.RPC.MaxAttempts,
		RequestTimeout: cfg.RPC.RequestTimeout,
	})

	snk, err := buildSink(logger, cfg)
	if err != nil {
		return err
	}
	store, err := watermark.NewFileStore(watermark.DefaultPath(cfg.DataDir))
	if err != nil {
		return err
	}

	go serveMetrics(logger, cfg.MetricsAddr)

	engine := collector.New(logger, reader, snk, store, collector.Config{
		StepSize:               cfg.StepSize,
		EndBlock:               cfg.EndBlock,
		Pacing:                 cfg.Pacing,
		FanOut:                 cfg.FanOut,
		MaxRangeAttempts:       cfg.MaxRangeAttempts,
		MaxConcurrentTargets:   cfg.MaxConcurrentTargets,
		ReportProgressInterval: cfg.ReportProgressInterval,
		PoolPause:              cfg.RPC.Cooldown,
	})

	for {
		if err := engine.Run(ctx, targets); err != nil {
			if ctx.Err() != nil {
				logger.Warn("Collection interrupted")
				return nil
			}
			logger.Error("Collection run finished with errors", "error", err)
		}
		if cfg.Interval <= 0 {
			return nil
		}
		logger.Info("Waiting for next run", "interval", cfg.Interval.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.Interval):
		}
	}
}

type creationBlockResolver interface {
	ContractCreationBlock(ctx context.Context, chainID int64, address common.Address) (int64, error)
}

// resolveTargetDefaults fills per-target gaps from the run config: the
// default sample period, and start blocks resolved to the contract creation
// block via Etherscan.
func resolveTargetDefaults(
	ctx context.Context, logger *slog.Logger, cfg *config.Config, targets []models.Target,
) error {
	var lookup creationBlockResolver
	for i := range targets {
		if targets[i].SamplePeriod <= 0 {
			targets[i].SamplePeriod = cfg.SamplePeriod
		}
		if targets[i].StartBlock > 0 {
			continue
		}
		if lookup == nil {
			var err error
			lookup, err = etherscan.New(logger, etherscan.Config{
				APIKey: cfg.Etherscan.APIKey,
				URL:    cfg.Etherscan.URL,
			})
			if err != nil {
				return config.ConfigurationError{
					Target: string(targets[i].ID),
					Reason: fmt.Sprintf("start block unset and etherscan unavailable: %s", err),
				}
			}
		}
		address := targets[i].Address
		if targets[i].Balance != nil {
			address = targets[i].Balance.Token
		}
		blockNumber, err := lookup.ContractCreationBlock(ctx, targets[i].ChainID, address)
		if err != nil {
			return config.ConfigurationError{
				Target: string(targets[i].ID),
				Reason: fmt.Sprintf("cannot resolve start block: %s", err),
			}
		}
		targets[i].StartBlock = blockNumber
	}
	return nil
}

func buildSink(logger *slog.Logger, cfg *config.Config) (sink.Sink, error) {
	var sinks sink.Multi
	for _, name := range cfg.Sinks {
		switch name {
		case "csv":
			csvSink, err := sink.NewCSV(logger, cfg.DataDir, cfg.CompressCSV)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, csvSink)
		case "dune":
			duneSink, err := duneapi.New(logger, duneapi.Config{
				APIKey:    cfg.Dune.APIKey,
				URL:       cfg.Dune.URL,
				Namespace: cfg.Dune.Namespace,
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, duneSink)
		default:
			return nil, config.ConfigurationError{Reason: fmt.Sprintf("unknown sink %q", name)}
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics listener stopped", "error", err)
	}
}
