package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/egorvert/Sae/analysis"
	"github.com/egorvert/Sae/api"
	"github.com/egorvert/Sae/config"
	"github.com/egorvert/Sae/document"
	"github.com/egorvert/Sae/events"
	"github.com/egorvert/Sae/llm"
	"github.com/egorvert/Sae/metrics"
	"github.com/egorvert/Sae/model"
	contractreview "github.com/egorvert/Sae/processor/contract-review"
	inboxwatcher "github.com/egorvert/Sae/processor/inbox-watcher"
	"github.com/egorvert/Sae/storage"
	"github.com/egorvert/Sae/task"
)

// App wires the task manager, the analysis runner and the HTTP surface.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics *metrics.Metrics
	tasks   *task.Manager
	runner  *contractreview.Runner
	api     *api.Server

	// Optional components.
	natsConn  *nats.Conn
	publisher *events.Publisher
	archive   *storage.Archive
	inbox     *inboxwatcher.Watcher

	httpServer *http.Server
	serveErr   chan error
}

// NewApp builds every component from cfg. Nothing is started and no
// network connection is opened until Start.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	registry, err := buildModelRegistry(cfg.Model)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.New(),
		serveErr: make(chan error, 1),
	}

	a.tasks = task.NewManager(
		task.WithLogger(logger.With("component", "tasks")),
		task.WithMaxPending(cfg.Subscriptions.MaxPending),
		task.WithObserver(a.metrics),
	)
	a.metrics.RegisterSubscribers(a.tasks.TotalSubscribers)

	timeout := cfg.Model.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	client := llm.NewClient(registry,
		llm.WithLogger(logger.With("component", "llm")),
		llm.WithHTTPClient(&http.Client{Timeout: timeout}),
		llm.WithRetryConfig(llm.NewRetryConfig(cfg.Model.RetryAttempts, cfg.Model.RetryBackoff, cfg.Model.RetryMaxBackoff)),
		llm.WithCallObserver(a.metrics),
	)
	pipeline := analysis.NewPipeline(client,
		analysis.WithLogger(logger.With("component", "analysis")),
		analysis.WithMaxTokens(cfg.Model.MaxTokens),
		analysis.WithDraftingTemperature(cfg.Model.Temperature),
	)

	a.runner, err = contractreview.NewRunner(a.tasks, pipeline, document.NewRegistry(logger), contractreview.Config{
		MaxConcurrent: cfg.Worker.Concurrency,
		TaskTimeout:   cfg.Worker.TaskTimeout,
	},
		contractreview.WithLogger(logger.With("component", "contract-review")),
		contractreview.WithRunObserver(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}

	a.api = api.NewServer(a.tasks, a.runner, api.Config{
		APIKey:      cfg.Auth.APIKey,
		CORSOrigins: cfg.Server.CORSOrigins,
		Agent: api.AgentInfo{
			Name:        cfg.Agent.Name,
			Description: cfg.Agent.Description,
			Version:     cfg.Agent.Version,
			URL:         cfg.Agent.URL,
		},
	},
		api.WithLogger(logger.With("component", "api")),
		api.WithMetricsHandler(a.metrics.Handler()),
	)

	return a, nil
}

// buildModelRegistry loads the registry file, or routes every capability
// to the single configured model.
func buildModelRegistry(cfg config.ModelConfig) (*model.Registry, error) {
	if cfg.Registry != "" {
		registry, err := model.LoadFromFile(cfg.Registry)
		if err != nil {
			return nil, fmt.Errorf("load model registry: %w", err)
		}
		return registry, nil
	}
	if cfg.Default == "" {
		return nil, fmt.Errorf("model.default is required without a registry file")
	}
	return model.NewSingleEndpointRegistry("default", &model.EndpointConfig{
		Provider: cfg.Provider,
		URL:      cfg.Endpoint,
		Model:    cfg.Default,
	}), nil
}

// Start connects optional infrastructure, starts the inbox watcher and
// serves HTTP on ln.
func (a *App) Start(ctx context.Context, ln net.Listener) error {
	if a.cfg.NATS.Enabled {
		if err := a.startNATS(ctx); err != nil {
			return err
		}
	}

	if a.cfg.Inbox.Enabled {
		if err := a.startInbox(ctx); err != nil {
			return err
		}
	}

	a.httpServer = &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		err := a.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		a.serveErr <- err
	}()

	a.logger.Info("Sae ready",
		"addr", ln.Addr().String(),
		"environment", a.cfg.Environment,
		"nats", a.natsConn != nil,
		"inbox", a.inbox != nil,
		"auth", a.cfg.Auth.APIKey != "")
	return nil
}

// Done reports HTTP server exit.
func (a *App) Done() <-chan error {
	return a.serveErr
}

func (a *App) startNATS(ctx context.Context) error {
	a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
	conn, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name("sae"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				a.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			a.logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return wrapNATSError(err, a.cfg.NATS.URL)
	}
	a.natsConn = conn

	a.publisher = events.NewPublisher(conn, a.cfg.NATS.SubjectPrefix, a.logger.With("component", "events"))
	a.tasks.AddObserver(a.publisher)

	if a.cfg.NATS.KVBucket == "" {
		return nil
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	kv, err := storage.OpenBucket(ctx, js, a.cfg.NATS.KVBucket)
	if err != nil {
		return fmt.Errorf("open task archive: %w", err)
	}
	a.archive = storage.NewArchive(kv, storage.WithLogger(a.logger.With("component", "archive")))
	a.tasks.AddObserver(a.archive)
	a.metrics.RegisterArchiveDropped(a.archive.Dropped)
	return nil
}

// wrapNATSError adds a hint for the common case of no server running.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start one with:
  docker run -p 4222:4222 nats -js

Or disable it with nats.enabled: false.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}

func (a *App) startInbox(ctx context.Context) error {
	cfg := inboxwatcher.DefaultConfig()
	cfg.Dir = a.cfg.Inbox.Dir
	if len(a.cfg.Inbox.Patterns) > 0 {
		cfg.Patterns = a.cfg.Inbox.Patterns
	}
	if a.cfg.Inbox.Debounce > 0 {
		cfg.Debounce = a.cfg.Inbox.Debounce
	}

	w, err := inboxwatcher.NewWatcher(cfg, a.tasks, a.runner, a.logger.With("component", "inbox"))
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start inbox watcher: %w", err)
	}
	a.inbox = w
	return nil
}

// Shutdown stops intake first, then drains in-flight work, then flushes the
// archive and the NATS connection.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.inbox != nil {
		if err := a.inbox.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop inbox: %w", err))
		}
	}

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			// Open streams keep Shutdown waiting; cut them.
			a.logger.Warn("HTTP shutdown incomplete, closing connections", "error", err)
			_ = a.httpServer.Close()
		}
	}

	if err := a.runner.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop runner: %w", err))
	}

	if a.archive != nil {
		if err := a.archive.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}

	if a.natsConn != nil {
		if a.publisher != nil {
			published, failed := a.publisher.Stats()
			a.logger.Info("Event publisher stopped", "published", published, "failed", failed)
		}
		if err := a.natsConn.Drain(); err != nil {
			a.natsConn.Close()
		}
	}

	processed, failed := a.runner.Stats()
	a.logger.Info("Sae shutdown complete",
		"tasks", a.tasks.TaskCount(),
		"processed", processed,
		"failed", failed)
	return errors.Join(errs...)
}
