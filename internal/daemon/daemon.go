package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/taskvault/internal/api"
	"github.com/tutu-network/taskvault/internal/app/tasks"
	"github.com/tutu-network/taskvault/internal/app/treasury"
	"github.com/tutu-network/taskvault/internal/app/workers"
	"github.com/tutu-network/taskvault/internal/domain"
	"github.com/tutu-network/taskvault/internal/health"
	"github.com/tutu-network/taskvault/internal/infra/events"
	"github.com/tutu-network/taskvault/internal/infra/metrics"
	"github.com/tutu-network/taskvault/internal/infra/sqlite"
	"github.com/tutu-network/taskvault/internal/infra/sweeper"
	"github.com/tutu-network/taskvault/internal/logging"
	"github.com/tutu-network/taskvault/internal/security"
)

// ConfigPrincipal is the actor recorded on the initial deposit.
const ConfigPrincipal domain.Principal = "config"

// Daemon is the vault runtime. It wires together all services.
type Daemon struct {
	Config Config
	Log    zerolog.Logger
	NodeID string

	DB       *sqlite.DB
	Key      *security.NodeKey
	Events   *events.Dispatcher
	Redis    *events.RedisSink
	Retry    *events.RetrySink // redelivers to Redis
	Treasury *treasury.Service
	Workers  *workers.Registry
	Tasks    *tasks.Registry
	Sweeper  *sweeper.Sweeper
	Health   *health.Checker
	Server   *api.Server
}

// New loads the config and builds a Daemon.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds a Daemon from cfg, restoring saved state when
// present. Nothing runs until Serve.
func NewWithConfig(cfg Config) (*Daemon, error) {
	return newDaemon(cfg, logging.New(cfg.Logging))
}

func newDaemon(cfg Config, log zerolog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rules, _ := cfg.TreasuryRules()
	auth, _ := cfg.RoleTable()
	auth.Grant(tasks.DefaultIdentity, domain.RoleTaskRegistry)

	dataDir := cfg.Node.DataDir
	if dataDir == "" {
		dataDir = Home()
	}
	db, err := sqlite.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{Config: cfg, DB: db}
	d.Config.Node.DataDir = dataDir

	key, err := security.LoadOrCreateNodeKey(dataDir)
	if err != nil {
		log.Warn().Err(err).Msg("node key unavailable, journal attestation disabled")
	}
	d.Key = key
	d.NodeID = cfg.Node.ID
	if d.NodeID == "" && key != nil {
		d.NodeID = key.NodeID()
	}
	if d.NodeID == "" {
		d.NodeID = "node-local"
	}
	d.Log = log.With().Str("node", d.NodeID).Logger()
	if err := db.SetNodeInfo("node_id", d.NodeID); err != nil {
		db.Close()
		return nil, err
	}

	// Event bus. The journal sink writes state through with every batch.
	// The metrics sink reads the treasury lazily; nothing is delivered
	// before Start.
	sinks := []events.Sink{
		sqlite.NewJournalSink(db),
		metrics.NewSink(func() domain.TreasurySnapshot { return d.Treasury.Snapshot() }),
		events.NewLogSink(d.Log),
	}
	if cfg.Events.Redis.Addr != "" {
		d.Redis = events.NewRedisSink(cfg.Events.Redis)
		d.Retry = events.NewRetrySink(d.Redis, events.DefaultRetryConfig(), d.Log, nil)
		sinks = append(sinks, d.Retry)
	}
	d.Events = events.NewDispatcher(events.Config{HighValueThreshold: cfg.Events.HighValueThreshold}, d.Log, sinks...)

	d.Treasury = treasury.New(treasury.Config{Rules: rules}, auth,
		treasury.WithPublisher(d.Events), treasury.WithLogger(d.Log))
	d.Workers = workers.New(workers.Config{
		SuccessStep:  cfg.Workers.SuccessStep,
		FailureStep:  cfg.Workers.FailureStep,
		SuspendFloor: cfg.Workers.SuspendFloor,
	}, auth, workers.WithPublisher(d.Events), workers.WithLogger(d.Log))
	d.Tasks = tasks.New(auth, d.Treasury, d.Workers,
		tasks.WithPublisher(d.Events), tasks.WithLogger(d.Log))

	if err := d.restore(context.Background()); err != nil {
		d.Close()
		return nil, err
	}

	d.Sweeper, err = sweeper.New(cfg.Expiry, d.Tasks, d.Log, nil)
	if err != nil {
		d.Close()
		return nil, err
	}

	deps := health.Deps{
		DB:       db,
		Ledger:   d.Treasury,
		Tasks:    d.Tasks,
		DataDir:  dataDir,
		Interval: parseDuration(cfg.Telemetry.HealthInterval, time.Minute),
		Log:      d.Log,
	}
	if d.Redis != nil {
		deps.Redis = d.Redis
	}
	d.Health = health.NewChecker(deps)

	d.Server = api.NewServer(d.Treasury, d.Tasks, d.Workers, cfg.APIKeys(), d.Log)
	d.Server.SetAudit(db)
	d.Server.SetHealth(d.Health)
	d.Server.SetJournaled(d.Events)
	if key != nil {
		d.Server.SetSigner(key)
	}
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}
	return d, nil
}

// restore rebuilds the services from the stored state or, on first run,
// credits the configured initial deposit. The stored tables are written in
// the same transaction as the journal, so they must sit exactly at the
// journal head.
func (d *Daemon) restore(ctx context.Context) error {
	head, err := d.DB.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("read journal head: %w", err)
	}
	d.Events.SetSequence(head)

	st, found, err := d.DB.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !found {
		if head > 0 {
			return fmt.Errorf("journal at seq %d but no stored state: %w", head, sqlite.ErrStateInconsistent)
		}
		if amt := d.Config.Treasury.InitialDeposit; amt > 0 {
			if err := d.Treasury.Deposit(ConfigPrincipal, amt); err != nil {
				return fmt.Errorf("initial deposit: %w", err)
			}
		}
		return nil
	}

	if st.JournalSeq != head {
		return fmt.Errorf("stored state at seq %d, journal head %d: %w", st.JournalSeq, head, sqlite.ErrStateInconsistent)
	}
	if err := tasks.ReconcileTasks(st.Tasks, st.Ledger.Reservations); err != nil {
		return fmt.Errorf("saved state: %w: %w", sqlite.ErrStateInconsistent, err)
	}
	if st.HasLedger {
		if err := d.Treasury.Restore(st.Ledger); err != nil {
			return fmt.Errorf("restore treasury: %w", err)
		}
	}
	if err := d.Workers.Restore(st.Workers); err != nil {
		return fmt.Errorf("restore workers: %w", err)
	}
	if err := d.Tasks.Restore(st.Tasks); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	metrics.ObserveTreasury(d.Treasury.Snapshot())
	d.Log.Info().Int("tasks", len(st.Tasks)).Int("workers", len(st.Workers)).
		Int64("balance", st.Ledger.TotalBalance).Int64("seq", head).Msg("state restored")
	return nil
}

// Checkpoint rewrites the stored tables from memory. It refuses unless
// every published event is journaled, which holds once intake has stopped
// and the event bus has drained. It also persists changes no event
// carries, such as a daily window roll seen by a rejected reservation.
func (d *Daemon) Checkpoint(ctx context.Context) error {
	head, err := d.DB.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if seq := d.Events.Sequence(); seq != head {
		return fmt.Errorf("checkpoint: published seq %d, journal head %d", seq, head)
	}
	st := sqlite.State{
		Ledger:     d.Treasury.State(),
		Tasks:      d.Tasks.List(domain.TaskFilter{}),
		Workers:    d.Workers.List(),
		SavedAt:    time.Now(),
		JournalSeq: head,
	}
	if err := tasks.ReconcileTasks(st.Tasks, st.Ledger.Reservations); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := d.DB.SaveState(ctx, st); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	d.Log.Debug().Int64("seq", head).Msg("checkpoint written")
	return nil
}

// maintain periodically redelivers events Redis missed.
func (d *Daemon) maintain(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Retry.Flush(ctx)
		}
	}
}

// Serve starts background services and the HTTP server, and blocks until
// ctx is cancelled or a termination signal arrives. Shutdown stops intake
// first, then drains the event bus and writes a checkpoint.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.Events.Start()
	go d.Health.Run(ctx)
	d.Sweeper.Start()
	if d.Retry != nil {
		go d.maintain(ctx, parseDuration(d.Config.Node.MaintenanceInterval, 10*time.Second))
	}

	addr := d.Config.Addr()
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	d.Log.Info().Str("addr", addr).Bool("metrics", d.Config.Telemetry.Prometheus).
		Bool("redis", d.Redis != nil).Msg("vault serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case <-sigCh:
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	_ = d.Sweeper.Stop(shutdownCtx)
	if err := d.Events.Close(shutdownCtx); err != nil {
		d.Log.Warn().Err(err).Msg("event bus did not drain")
	} else if err := d.Checkpoint(shutdownCtx); err != nil {
		d.Log.Error().Err(err).Msg("final checkpoint failed")
	}
	d.closeStores()
	d.Log.Info().Msg("vault stopped")
	return serveErr
}

// Close releases resources without serving. The event bus is drained
// first so every published event reaches the journal and the stored state.
func (d *Daemon) Close() {
	if d.Events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.Events.Close(ctx)
		cancel()
	}
	d.closeStores()
}

func (d *Daemon) closeStores() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
