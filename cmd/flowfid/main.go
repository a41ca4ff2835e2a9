// Command flowfid measures how far samples of a Glow normalizing flow are
// from a folder of reference images, in Fréchet Inception Distance.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/YuminosukeSato/flowfid/config"
	"github.com/YuminosukeSato/flowfid/dataset"
	"github.com/YuminosukeSato/flowfid/features"
	"github.com/YuminosukeSato/flowfid/fid"
	"github.com/YuminosukeSato/flowfid/flow"
	"github.com/YuminosukeSato/flowfid/history"
	"github.com/YuminosukeSato/flowfid/pkg/errors"
	"github.com/YuminosukeSato/flowfid/pkg/log"
	"github.com/YuminosukeSato/flowfid/preprocessing"
	"github.com/YuminosukeSato/flowfid/report"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults are used when empty)")
	var o config.Overrides
	flag.IntVar(&o.Batch, "batch", 0, "Batch size")
	flag.IntVar(&o.ImgSize, "img_size", 0, "Image side in pixels")
	flag.IntVar(&o.NBits, "n_bits", 0, "Bits per colour channel")
	flag.StringVar(&o.DataDir, "path", "", "Reference image folder")
	flag.IntVar(&o.NFlow, "n_flow", 0, "Flow steps per block")
	flag.IntVar(&o.NBlock, "n_block", 0, "Number of blocks")
	flag.IntVar(&o.Hidden, "hidden", 0, "Coupling hidden channels")
	temp := flag.Float64("temp", 0, "Sampling temperature (0 samples the latent mean)")
	seed := flag.Uint64("seed", 0, "PRNG seed")
	flag.StringVar(&o.ModelPath, "model", "", "Saved Glow parameters")
	flag.IntVar(&o.FeatureDim, "feature_dim", 0, "Feature dimension")
	flag.IntVar(&o.PoolSize, "pool_size", 0, "Spatial pooling grid")
	flag.StringVar(&o.Activation, "activation", "", "Feature activation: identity, relu or tanh")
	flag.Float64Var(&o.Eps, "eps", 0, "Diagonal offset for singular products")
	flag.StringVar(&o.Method, "method", "", "Square root method: eigen or symmetric")
	flag.StringVar(&o.StatsCache, "stats_cache", "", "Reference statistics cache file")
	flag.IntVar(&o.KIDSubset, "kid_subset", 0, "Feature rows kept per side for KID (0 disables)")
	flag.StringVar(&o.HistoryDB, "history", "", "SQLite run ledger")
	flag.StringVar(&o.ReportDir, "report_dir", "", "Directory for plots, CSV and sample grid")
	flag.StringVar(&o.LogLevel, "log_level", "", "debug, info, warn or error")
	flag.StringVar(&o.LogFormat, "log_format", "", "json or console")
	flag.Int64Var(&o.MaxMemoryMB, "max_memory_mb", 0, "Refuse runs whose estimated memory exceeds this many MiB")
	showHistory := flag.Int("show_history", 0, "Print the last N recorded runs")
	noProgress := flag.Bool("quiet", false, "Disable the progress bar")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "temp":
			o.Temp = temp
		case "seed":
			o.Seed = seed
		}
	})

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := setupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	logger := log.GetLogger().With(log.ComponentKey, "flowfid")
	if *cfgPath != "" {
		logger = logger.With(log.ConfigPathKey, *cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, !*noProgress, *showHistory); err != nil {
		logger.Error("evaluation failed", log.ErrAttrKey, err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) error {
	if cfg.LogFormat == config.LogFormatConsole {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		zl := log.NewZerologLogger(os.Stderr, level, true)
		zl.RouteWarnings()
		log.SetLogger(zl)
		return nil
	}
	if err := log.SetupLogger(os.Stderr, cfg.LogLevel); err != nil {
		return err
	}
	errors.SetWarningHandler(func(w error) {
		log.GetLogger().Warn(w.Error())
	})
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger log.Logger, progress bool, showHistory int) error {
	if cfg.DataDir == "" {
		return errors.NewValidationError("data_dir", "reference image folder is required", cfg.DataDir)
	}
	loader, err := dataset.NewImageFolder(cfg.DataDir, cfg.ImgSize, cfg.Batch, cfg.NBits)
	if err != nil {
		return err
	}
	glow, err := loadGenerator(cfg, logger)
	if err != nil {
		return err
	}
	ext, err := features.NewPoolProjector(preprocessing.Channels, cfg.PoolSize, cfg.FeatureDim, cfg.ActivationValue(), cfg.Seed)
	if err != nil {
		return err
	}

	opts := []fid.Option{fid.WithLogger(logger)}
	if cfg.StatsCache != "" {
		opts = append(opts, fid.WithReferenceCache(cfg.StatsCache))
	}
	if progress {
		opts = append(opts, fid.WithProgress(os.Stderr))
	}
	res, err := fid.Calculate(ctx, cfg, loader, glow, ext, opts...)
	if err != nil {
		return err
	}
	fmt.Print(report.Render(res))

	if cfg.ReportDir != "" {
		if err := writeReports(cfg, glow, res); err != nil {
			return err
		}
		logger.Info("reports written", "dir", cfg.ReportDir)
	}
	if cfg.HistoryDB != "" {
		if err := recordRun(ctx, cfg, res, glow.Name(), ext.Name(), showHistory); err != nil {
			return err
		}
	}
	return nil
}

// loadGenerator restores the flow from cfg.ModelPath, or builds a freshly
// initialised one when no path is given.
func loadGenerator(cfg *config.Config, logger log.Logger) (*flow.Glow, error) {
	if cfg.ModelPath == "" {
		logger.Warn("no model path given, sampling from an untrained Glow",
			log.NFlowKey, cfg.NFlow, log.NBlockKey, cfg.NBlock, log.RandomSeedKey, cfg.Seed)
		return flow.NewGlow(preprocessing.Channels, cfg.NFlow, cfg.NBlock, cfg.Hidden, cfg.Seed)
	}
	glow, err := flow.LoadGlow(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	if glow.NFlow() != cfg.NFlow || glow.NBlock() != cfg.NBlock || glow.InChannel() != preprocessing.Channels {
		return nil, errors.NewValueError("loadGenerator", fmt.Sprintf(
			"%s has n_flow=%d n_block=%d in_channel=%d, config asks for n_flow=%d n_block=%d",
			cfg.ModelPath, glow.NFlow(), glow.NBlock(), glow.InChannel(), cfg.NFlow, cfg.NBlock))
	}
	return glow, nil
}

func writeReports(cfg *config.Config, glow *flow.Glow, res *fid.Result) error {
	if err := os.MkdirAll(cfg.ReportDir, 0o755); err != nil {
		return errors.Wrap(err, "create report dir")
	}
	if err := report.PlotSpectra(filepath.Join(cfg.ReportDir, "spectra.png"), res.Real, res.Fake); err != nil {
		return err
	}
	if err := report.PlotMeanShift(filepath.Join(cfg.ReportDir, "mean_shift.png"), res.Real, res.Fake, 0); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(cfg.ReportDir, "features.csv"))
	if err != nil {
		return errors.Wrap(err, "create summary")
	}
	if err := report.WriteSummaryCSV(f, res.Real, res.Fake); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close summary")
	}

	shapes, err := glow.ZShapes(cfg.ImgSize)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+2))
	images, err := glow.Reverse(flow.SampleLatents(rng, cfg.Batch, shapes, cfg.Temp))
	if err != nil {
		return err
	}
	return report.SaveSampleGrid(filepath.Join(cfg.ReportDir, "samples.png"), images, cfg.NBits, 0)
}

func recordRun(ctx context.Context, cfg *config.Config, res *fid.Result, generator, extractor string, show int) error {
	store, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := history.FromResult(res, cfg, generator, extractor)
	if err != nil {
		return err
	}
	if _, err := store.Record(ctx, r); err != nil {
		return err
	}
	if show <= 0 {
		return nil
	}
	runs, err := store.Recent(ctx, show)
	if err != nil {
		return err
	}
	fmt.Print(report.RenderHistory(runs))
	return nil
}
