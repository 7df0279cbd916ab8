// Package cli implements the command-line interface for gw2tp-ingest.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/gw2tp-ingest/internal/config"
	"github.com/Sternrassler/gw2tp-ingest/internal/gw2"
	"github.com/Sternrassler/gw2tp-ingest/pkg/batch"
	"github.com/Sternrassler/gw2tp-ingest/pkg/client"
	"github.com/Sternrassler/gw2tp-ingest/pkg/logging"
	"github.com/Sternrassler/gw2tp-ingest/pkg/metrics"
	"github.com/Sternrassler/gw2tp-ingest/pkg/ratelimit"
	"github.com/Sternrassler/gw2tp-ingest/pkg/store"
)

const usage = "usage: gw2tp-ingest <command> [options]\ncommands: items, prices, recipes"

// pushTimeout bounds the metrics push after a run.
const pushTimeout = 10 * time.Second

type options struct {
	job     string
	logFile string
	verbose bool
	out     string
	mode    gw2.Mode
}

// Run executes the CLI with the given arguments.
func Run(ctx context.Context, args []string) error {
	opts, err := parseArgs(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	if opts.verbose {
		logCfg.Level = logging.LevelDebug
	}
	logCfg.File = opts.logFile
	logging.Setup(logCfg)
	defer logging.Close()

	return execute(ctx, opts, cfg)
}

func parseArgs(args []string) (options, error) {
	if len(args) == 0 {
		return options{}, errors.New(usage)
	}

	opts := options{job: args[0], mode: gw2.ModeFull}

	fs := flag.NewFlagSet(opts.job, flag.ContinueOnError)
	fs.StringVar(&opts.logFile, "log-file", "", "optional path to a rotating log file (records debug)")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable debug logging to the console")
	fs.BoolVar(&opts.verbose, "v", false, "shorthand for --verbose")

	switch opts.job {
	case gw2.JobItems:
		fs.StringVar(&opts.out, "out", "", "also write item rows to this CSV file")
	case gw2.JobPrices:
		fs.Var(&opts.mode, "mode", "'full' for every tradable item, 'quick' for items already on the trading post")
		fs.Var(&opts.mode, "m", "shorthand for --mode")
	case gw2.JobRecipes:
	default:
		return options{}, fmt.Errorf("unknown command: %s\n%s", opts.job, usage)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	return opts, nil
}

func execute(ctx context.Context, opts options, cfg config.Config) error {
	logger := logging.NewLogger("cli").With().Str("job", opts.job).Logger()

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open database")
		return err
	}
	defer st.Close()
	st.SetLogger(logging.NewLogger("store"))

	rdb := openRedis(ctx, cfg.RedisURL)
	if rdb != nil {
		defer rdb.Close()
	}

	bucket, err := ratelimit.NewBucket(cfg.RateBurst, cfg.RateRefill)
	if err != nil {
		return err
	}
	bucket.SetLogger(logging.NewLogger("ratelimit"))

	clientCfg := client.DefaultConfig(cfg.UserAgent)
	clientCfg.Timeout = cfg.Timeout
	clientCfg.Retry = cfg.Retry()
	clientCfg.Limiter = bucket
	clientCfg.Quota = ratelimit.NewTracker(rdb, logging.NewLogger("quota"))

	api, err := client.New(clientCfg)
	if err != nil {
		return err
	}

	deps := gw2.Deps{
		API:       api,
		Store:     st,
		BaseURL:   cfg.APIBase,
		ChunkSize: cfg.ChunkSize,
		Logger:    logging.NewLogger("ingest"),
	}

	stats, runErr := runJob(ctx, opts, deps)

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()
	if err := metrics.Push(pushCtx, cfg.PushgatewayURL, "gw2tp_"+opts.job); err != nil {
		logger.Warn().Err(err).Msg("Failed to push metrics")
	}

	if runErr != nil {
		logger.Error().Err(runErr).Msg("Ingest failed")
		return runErr
	}

	logger.Info().
		Int("rows", stats.Rows).
		Int("dropped", stats.Dropped).
		Int("skipped", stats.Skipped).
		Dur("elapsed", stats.Elapsed).
		Msg("Ingest finished")
	return nil
}

func runJob(ctx context.Context, opts options, deps gw2.Deps) (batch.Stats, error) {
	switch opts.job {
	case gw2.JobItems:
		var out io.Writer
		if opts.out != "" {
			f, err := os.Create(opts.out)
			if err != nil {
				return batch.Stats{}, fmt.Errorf("create %s: %w", opts.out, err)
			}
			defer f.Close()
			out = f
		}
		return gw2.RunItems(ctx, deps, out)
	case gw2.JobPrices:
		return gw2.RunPrices(ctx, deps, opts.mode)
	case gw2.JobRecipes:
		return gw2.RunRecipes(ctx, deps)
	default:
		return batch.Stats{}, fmt.Errorf("unknown command: %s", opts.job)
	}
}

// openRedis connects the optional quota store. Telemetry is best effort:
// any failure leaves it disabled.
func openRedis(ctx context.Context, rawURL string) *redis.Client {
	if rawURL == "" {
		return nil
	}

	logger := logging.NewLogger("cli")

	redisOpts, err := redis.ParseURL(rawURL)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid REDIS_URL, quota telemetry disabled")
		return nil
	}

	rdb := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", redisOpts.Addr).Msg("Redis unreachable, quota telemetry disabled")
		rdb.Close()
		return nil
	}

	logger.Debug().Str("addr", redisOpts.Addr).Msg("Connected to Redis")
	return rdb
}
