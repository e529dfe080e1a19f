// Package daemon ties the long-running pieces together: the single
// instance lock, the scheduler loop, the self-heal timer, and the metrics
// and status HTTP listener.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"avqc/internal/config"
	"avqc/internal/healer"
	"avqc/internal/logging"
	"avqc/internal/metrics"
	"avqc/internal/scheduler"
	"avqc/internal/store"
)

// Daemon runs the orchestrator until its context is cancelled.
type Daemon struct {
	cfg       *config.Config
	store     *store.Store
	scheduler *scheduler.Scheduler
	healer    *healer.Healer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	lockPath string
	lock     *flock.Flock
	pidPath  string
}

// New builds a daemon around an already constructed scheduler and healer.
func New(cfg *config.Config, st *store.Store, sched *scheduler.Scheduler, heal *healer.Healer, m *metrics.Metrics, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := filepath.Join(cfg.Paths.WorkDir, "avqc.lock")
	return &Daemon{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		healer:    heal,
		metrics:   m,
		logger:    logger,
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
		pidPath:   filepath.Join(cfg.Paths.WorkDir, "avqc.pid"),
	}
}

// Run acquires the instance lock and drives all daemon components until
// ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", d.lockPath, err)
	}
	if !ok {
		return fmt.Errorf("another orchestrator instance holds %s", d.lockPath)
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("release daemon lock", logging.Error(err))
		}
	}()

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(d.pidPath)

	d.logger.Info("daemon started",
		logging.String("lock", d.lockPath),
		logging.String("owner", d.scheduler.Owner()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		// The scheduler returning without error still ends the daemon;
		// with a zero snooze it completes a single pass and exits.
		defer cancel()
		return d.scheduler.Run(groupCtx)
	})
	group.Go(func() error {
		return d.healer.Run(groupCtx)
	})
	if bind := d.cfg.Metrics.Bind; bind != "" {
		group.Go(func() error {
			return d.serveHTTP(groupCtx, bind)
		})
	}

	err = group.Wait()
	d.logger.Info("daemon stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Daemon) writePIDFile() error {
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(d.pidPath, []byte(value), 0o644)
}

// serveHTTP exposes /metrics, /healthz, and a JSON /status summary.
func (d *Daemon) serveHTTP(ctx context.Context, bind string) error {
	mux := http.NewServeMux()
	if d.metrics != nil {
		mux.Handle("/metrics", d.metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.store.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", d.handleStatus)

	server := &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bind, err)
	}
	d.logger.Info("status listener started", logging.String("bind", bind))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type statusPayload struct {
	Owner  string                    `json:"owner"`
	Stages map[string]map[string]int `json:"stages"`
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := d.store.StatusCounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	payload := statusPayload{
		Owner:  d.scheduler.Owner(),
		Stages: make(map[string]map[string]int),
	}
	for _, sc := range counts {
		if payload.Stages[sc.Stage] == nil {
			payload.Stages[sc.Stage] = make(map[string]int)
		}
		payload.Stages[sc.Stage][string(sc.Status)] = sc.Count
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		d.logger.Debug("encode status payload", logging.Error(err))
	}
}
