package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/goatfield/internal/appendlog"
	"github.com/fyrsmithlabs/goatfield/internal/clutter"
	"github.com/fyrsmithlabs/goatfield/internal/config"
	"github.com/fyrsmithlabs/goatfield/internal/field"
	"github.com/fyrsmithlabs/goatfield/internal/graph"
	httpserver "github.com/fyrsmithlabs/goatfield/internal/http"
	"github.com/fyrsmithlabs/goatfield/internal/journal"
	"github.com/fyrsmithlabs/goatfield/internal/logging"
	"github.com/fyrsmithlabs/goatfield/internal/review"
	"github.com/fyrsmithlabs/goatfield/internal/scheduler"
	"github.com/fyrsmithlabs/goatfield/internal/telemetry"
)

// run loads configuration, starts the field service, the reflection
// scheduler and the admin API, and blocks until ctx is cancelled or the
// server fails.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", logCfg); err != nil {
		return err
	}
	telCfg := telemetry.NewDefaultConfig()
	if err := cfg.Section("telemetry", telCfg); err != nil {
		return err
	}

	// Telemetry needs a logger before the OTEL log provider exists, so the
	// first logger writes to stdout only.
	bootLogger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	tel, err := telemetry.New(ctx, telCfg, bootLogger.Underlying().Named("telemetry"))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger := bootLogger
	if lp := tel.LoggerProvider(); lp != nil {
		if logger, err = logging.NewLogger(logCfg, lp); err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting goatfieldd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("data_dir", cfg.Storage.Dir),
		zap.Bool("telemetry", tel.IsEnabled()))

	st, err := openStores(cfg, logger.Underlying())
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error(context.Background(), "closing stores", zap.Error(err))
		}
	}()

	svc, err := newFieldService(ctx, cfg, st, logger, tel)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error(context.Background(), "closing field service", zap.Error(err))
		}
	}()

	info := svc.BootstrapInfo()
	logger.Info(ctx, "graph restored",
		zap.Bool("from_snapshot", info.FromSnapshot),
		zap.Int("caught_up", info.CaughtUp),
		zap.Uint64("watermark", info.Watermark))

	sched, err := newScheduler(cfg.Scheduler, svc, logger.Underlying())
	if err != nil {
		return err
	}

	srv, err := httpserver.NewServer(svc, logger.Named("http"), &httpserver.Config{
		Addr:        cfg.Server.Addr,
		AdminToken:  cfg.Server.AdminToken,
		ReadTimeout: cfg.Server.ReadTimeout.Duration(),
		Version:     version,
	},
		httpserver.WithTracer(tel.Tracer("github.com/fyrsmithlabs/goatfield/internal/http")),
		httpserver.WithMeter(tel.Meter("github.com/fyrsmithlabs/goatfield/internal/http")),
	)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if sched != nil {
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info(context.Background(), "goatfieldd stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// stores are the on-disk state the field service is built on.
type stores struct {
	journal *journal.Store
	archive *clutter.ArchiveLog
	gate    *review.Gate
}

func openStores(cfg *config.Config, logger *zap.Logger) (*stores, error) {
	var (
		journalOpts []journal.Option
		archiveOpts []appendlog.Option
		reviewOpts  []review.Option
	)
	if !cfg.Storage.Sync {
		journalOpts = append(journalOpts, journal.WithoutSync())
		archiveOpts = append(archiveOpts, appendlog.WithoutSync())
		reviewOpts = append(reviewOpts, review.WithoutSync())
	}

	j, err := journal.Open(cfg.Storage.JournalPath(), logger.Named("journal"), journalOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	a, err := clutter.OpenArchiveLog(cfg.Storage.ArchiveDir(), archiveOpts...)
	if err != nil {
		j.Close()
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	g, err := review.Open(cfg.Storage.ReviewDir(), logger.Named("review"), reviewOpts...)
	if err != nil {
		a.Close()
		j.Close()
		return nil, fmt.Errorf("opening review gate: %w", err)
	}
	return &stores{journal: j, archive: a, gate: g}, nil
}

// Close closes every store and joins their errors.
func (s *stores) Close() error {
	return errors.Join(s.gate.Close(), s.archive.Close(), s.journal.Close())
}

func newFieldService(ctx context.Context, cfg *config.Config, st *stores, logger *logging.Logger, tel *telemetry.Telemetry) (*field.Service, error) {
	fieldCfg := field.DefaultConfig()
	fieldCfg.SnapshotPath = cfg.Storage.SnapshotPath()
	fieldCfg.GraphOptions = []graph.Option{
		graph.WithWindow(cfg.Graph.Window),
		graph.WithEdgeThreshold(cfg.Graph.EdgeThreshold),
	}
	fieldCfg.Clutter = cfg.Clutter.Engine()
	fieldCfg.Patterns = cfg.Patterns.Extractor()
	fieldCfg.SubmitProposals = cfg.Review.SubmitProposals

	svc, err := field.New(ctx, field.Deps{
		Journal: st.journal,
		Archive: st.archive,
		Gate:    st.gate,
		Logger:  logger.Underlying().Named("field"),
		Tracer:  tel.Tracer(field.InstrumentationName),
		Meter:   tel.Meter(field.InstrumentationName),
	}, fieldCfg)
	if err != nil {
		return nil, fmt.Errorf("starting field service: %w", err)
	}
	return svc, nil
}

// newScheduler builds the reflection scheduler, or returns nil when
// scheduled reflection is disabled.
func newScheduler(cfg config.SchedulerConfig, svc *field.Service, logger *zap.Logger) (*scheduler.Scheduler, error) {
	if !cfg.Enabled {
		logger.Info("scheduled reflection disabled")
		return nil, nil
	}

	var cond scheduler.Condition = scheduler.Always
	if cfg.Condition == config.ConditionCPUIdle {
		idle, err := scheduler.NewCPUIdle(cfg.IdleThreshold)
		if err != nil {
			return nil, fmt.Errorf("creating idle condition: %w", err)
		}
		cond = idle
	}

	task := func(ctx context.Context) error {
		_, err := svc.Reflect(logging.WithOperation(ctx, "scheduled_reflect"))
		return err
	}
	return scheduler.New(task, logger.Named("scheduler"),
		scheduler.WithName("reflect"),
		scheduler.WithInterval(cfg.Interval.Duration()),
		scheduler.WithTimeout(cfg.Timeout.Duration()),
		scheduler.WithCondition(cond))
}
