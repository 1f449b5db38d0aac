package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/approval"
	"github.com/fyrsmithlabs/plangate/internal/audit"
	"github.com/fyrsmithlabs/plangate/internal/blackboard"
	"github.com/fyrsmithlabs/plangate/internal/config"
	"github.com/fyrsmithlabs/plangate/internal/events"
	"github.com/fyrsmithlabs/plangate/internal/evidence"
	"github.com/fyrsmithlabs/plangate/internal/executor"
	"github.com/fyrsmithlabs/plangate/internal/logging"
	"github.com/fyrsmithlabs/plangate/internal/orchestrator"
	"github.com/fyrsmithlabs/plangate/internal/secrets"
	"github.com/fyrsmithlabs/plangate/internal/security"
	"github.com/fyrsmithlabs/plangate/internal/semantic"
	"github.com/fyrsmithlabs/plangate/internal/store"
	"github.com/fyrsmithlabs/plangate/internal/telemetry"
)

// app holds every long-lived component a command may need. Fields are
// populated by the open* helpers so read-only commands stay cheap.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry

	store      *store.Store
	gate       *approval.Gate
	board      *blackboard.Blackboard
	evidence   *evidence.Writer
	trail      *audit.Trail
	nats       *events.NATSPublisher
	index      *semantic.IndexOracle
	publisher  events.Publisher
	orch       *orchestrator.Orchestrator
	closers    []func()
}

// newApp loads configuration and sets up logging and telemetry.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.EnsureDirs(cfg); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, publisher: events.Nop{}}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, err
	}
	a.telemetry = tel
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	})

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.OTEL = cfg.Telemetry.Enabled
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, err
	}
	a.logger = logger
	a.closers = append(a.closers, func() { _ = logger.Sync() })
	return a, nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) openStore() error {
	if a.store != nil {
		return nil
	}
	backend, err := store.OpenBackend(a.cfg.Store)
	if err != nil {
		return err
	}
	a.store = store.New(backend, a.cfg.Orchestrator.MaxRetries, a.logger)
	a.closers = append(a.closers, func() { _ = a.store.Close() })
	return nil
}

func (a *app) openBlackboard() error {
	if a.board != nil {
		return nil
	}
	b, err := blackboard.Open(a.cfg.Blackboard.Dir, a.publisher, a.logger)
	if err != nil {
		return err
	}
	a.board = b
	return nil
}

func (a *app) openEvidence() error {
	if a.evidence != nil {
		return nil
	}
	w, err := evidence.NewWriter(a.cfg.Evidence.Dir)
	if err != nil {
		return err
	}
	a.evidence = w
	return nil
}

// auditKey returns the configured key, or the generated key file that
// lives next to the trail.
func (a *app) auditKey() ([]byte, error) {
	if a.cfg.Audit.Key.IsSet() {
		return []byte(a.cfg.Audit.Key.Value()), nil
	}
	return audit.LoadOrCreateKey(filepath.Join(filepath.Dir(a.cfg.Audit.Path), "audit.key"))
}

// openPublishers builds the event fan-out: the audit trail and, when
// configured, NATS.
func (a *app) openPublishers(ctx context.Context) error {
	var multi events.Multi
	if a.cfg.Audit.Enabled {
		key, err := a.auditKey()
		if err != nil {
			return err
		}
		trail, err := audit.Open(a.cfg.Audit.Path, key, a.logger)
		if err != nil {
			return err
		}
		a.trail = trail
		multi = append(multi, trail)
	}
	if url := a.cfg.Events.NATSURL; url != "" {
		pub, err := events.Connect(url, a.cfg.Events.SubjectPrefix, a.logger)
		if err != nil {
			return err
		}
		a.nats = pub
		a.closers = append(a.closers, func() { _ = pub.Close() })
		multi = append(multi, pub)
		a.logger.Info(ctx, "publishing events to nats", zap.String("subject_prefix", a.cfg.Events.SubjectPrefix))
	}
	if len(multi) > 0 {
		a.publisher = multi
	}
	return nil
}

// oracle returns the path oracle for semantic verification: the fsnotify
// index when enabled, backed by direct stats of the work directory.
func (a *app) oracle(ctx context.Context) (semantic.Oracle, error) {
	fs := semantic.NewFSOracle(a.cfg.Orchestrator.WorkDir)
	if !a.cfg.Index.Enabled {
		return fs, nil
	}
	if a.index == nil {
		idx, err := semantic.NewIndexOracle(a.cfg.Index.Root, a.logger)
		if err != nil {
			return nil, err
		}
		idx.Start(ctx)
		a.index = idx
		a.closers = append(a.closers, idx.Stop)
	}
	return semantic.ChainOracle{a.index, fs}, nil
}

// openOrchestrator wires the full pipeline.
func (a *app) openOrchestrator(ctx context.Context) error {
	if a.orch != nil {
		return nil
	}
	if err := a.openPublishers(ctx); err != nil {
		return err
	}
	for _, open := range []func() error{a.openStore, a.openBlackboard, a.openEvidence} {
		if err := open(); err != nil {
			return err
		}
	}

	allow, err := security.LoadAllowlists(a.cfg.Security.ProjectAllowlistDir, a.cfg.Security.UserAllowlistPath)
	if err != nil {
		return fmt.Errorf("loading security allowlists: %w", err)
	}
	oracle, err := a.oracle(ctx)
	if err != nil {
		return err
	}
	opts := orchestrator.OptionsFromConfig(a.cfg.Orchestrator)

	a.gate = approval.NewGate(a.logger)
	orch, err := orchestrator.New(orchestrator.Deps{
		Store: a.store,
		Gate:  a.gate,
		Executors: executor.Default(executor.Options{
			WorkDir: opts.WorkDir,
			Shell:   opts.Shell,
			Scanner: security.NewGate(allow, a.logger),
		}),
		Evidence:   a.evidence,
		Blackboard: a.board,
		Events:     a.publisher,
		Oracle:     oracle,
		Scrubber:   secrets.Default(),
		Telemetry:  a.telemetry,
		Logger:     a.logger,
	}, opts)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}
