package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/agents"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/cache"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/contextrules"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/feedback"
	"github.com/loqalabs/loqa-dictate/internal/hotkey"
	"github.com/loqalabs/loqa-dictate/internal/insert"
	"github.com/loqalabs/loqa-dictate/internal/llm"
	"github.com/loqalabs/loqa-dictate/internal/monitor"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/retry"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/loqalabs/loqa-dictate/internal/workflow"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metrics     http.Handler
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	redis    *cache.RedisStore
	recCache *cache.Cache[stt.TranscriptResult]
	enhCache *cache.Cache[llm.Result]
	usage    *llm.UsageLedger
	monitor  *monitor.Monitor
	orch     *workflow.Orchestrator
	hotkeys  *hotkey.Listener
	presence *agents.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricHandler

	if err := r.init(ctx); err != nil {
		r.close()
		return err
	}
	r.startBackground(ctx)

	if r.cfg.HTTP.Enabled {
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           r.router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
			}
		}()
		r.logger.Info("http api listening", slog.String("addr", addr))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("capture", r.cfg.Capture.Mode),
		slog.String("stt", r.cfg.STT.Mode),
		slog.String("llm", r.cfg.LLM.Mode),
		slog.String("insertion", r.cfg.Insertion.Primary))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.close()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

// init builds every component from the configuration.
func (r *Runtime) init(ctx context.Context) error {
	cfg := r.cfg

	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		if busCfg.Embedded {
			srv, err := natsserver.Start(busCfg, r.logger)
			if err != nil {
				return fmt.Errorf("start embedded nats: %w", err)
			}
			r.nats = srv
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client

		r.presence, err = agents.NewRegistry(ctx, cfg, client, r.logger)
		if err != nil {
			return fmt.Errorf("agent registry: %w", err)
		}
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	var remote cache.Remote
	if cfg.Cache.Redis.Addr != "" {
		rs, err := cache.NewRedisStore(ctx, cfg.Cache.Redis)
		if err != nil {
			r.logger.Warn("redis cache tier unavailable, continuing with memory only", slog.String("error", err.Error()))
		} else {
			r.redis = rs
			remote = rs
		}
	}
	r.recCache, err = cache.New[stt.TranscriptResult](cache.Options{
		Name:     "recognition",
		Capacity: cfg.Cache.Capacity,
		TTL:      time.Duration(cfg.Cache.RecognitionTTL) * time.Second,
		Remote:   remote,
		Logger:   r.logger,
	})
	if err != nil {
		return fmt.Errorf("recognition cache: %w", err)
	}
	r.enhCache, err = cache.New[llm.Result](cache.Options{
		Name:     "enhancement",
		Capacity: cfg.Cache.Capacity,
		TTL:      time.Duration(cfg.Cache.EnhancementTTL) * time.Second,
		Remote:   remote,
		Logger:   r.logger,
	})
	if err != nil {
		return fmt.Errorf("enhancement cache: %w", err)
	}

	policy := retry.FromConfig(cfg.Retry)

	recognizer, err := stt.New(cfg.STT)
	if err != nil {
		return fmt.Errorf("stt: %w", err)
	}
	recognition := stt.NewAdapter(stt.AdapterOptions{
		Recognizer:       recognizer,
		Cache:            r.recCache,
		Policy:           policy,
		Timeout:          millis(cfg.Workflow.RecognizeTimeout),
		MinConfidence:    cfg.Workflow.MinConfidence,
		Vocabulary:       cfg.STT.Vocabulary,
		Language:         cfg.STT.Language,
		StoreAfterCancel: cfg.Cache.StoreAfterCancel,
		Logger:           r.logger,
	})

	enhancer, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	r.usage = llm.NewUsageLedger()
	enhancement := llm.NewAdapter(llm.AdapterOptions{
		Enhancer:         enhancer,
		Cache:            r.enhCache,
		Policy:           policy,
		Timeout:          millis(cfg.Workflow.EnhanceTimeout),
		System:           cfg.LLM.System,
		MaxTokens:        cfg.LLM.MaxTokens,
		Temperature:      cfg.LLM.Temperature,
		StoreAfterCancel: cfg.Cache.StoreAfterCancel,
		Usage:            r.usage,
		Logger:           r.logger,
	})

	capture, err := audio.New(cfg.Capture, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	primary, err := insert.New(cfg.Insertion.Primary, cfg.Insertion, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("primary insertion: %w", err)
	}
	if primary == nil {
		return errors.New("insertion.primary must name a method")
	}
	fallback, err := insert.New(cfg.Insertion.Fallback, cfg.Insertion, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("fallback insertion: %w", err)
	}

	var source contextrules.WindowSource = contextrules.StaticSource{Title: cfg.Context.Static}
	if cfg.Context.Source == "bus" && r.bus != nil {
		source = contextrules.NewBusSource(r.bus)
	}

	sinks := feedback.Multi{feedback.NewLogSink(r.logger)}
	if cfg.Feedback.Bus && r.bus != nil {
		sinks = append(sinks, feedback.NewBusSink(r.bus))
	}
	if cfg.Feedback.Desktop {
		sinks = append(sinks, feedback.NewDesktopSink(cfg.Feedback.Title, r.logger))
	}

	r.monitor = monitor.New(cfg.Monitor.Capacity, r.logger)

	r.orch, err = workflow.New(workflow.Options{
		Config:     cfg.Workflow,
		Policy:     policy,
		Capture:    capture,
		Recognizer: recognition,
		Enhancer:   enhancement,
		Inserter:   insert.NewService(primary, fallback, r.logger),
		Context:    contextrules.NewDetector(cfg.Context, source, r.logger),
		Feedback:   sinks,
		Monitor:    r.monitor,
		Archive:    r.store,
		Logger:     r.logger,
	})
	if err != nil {
		return fmt.Errorf("workflow: %w", err)
	}

	if r.bus != nil {
		r.hotkeys, err = hotkey.Start(r.bus, r.orch, r.logger)
		if err != nil {
			return fmt.Errorf("hotkey listener: %w", err)
		}
	}
	return nil
}

func (r *Runtime) startBackground(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("workflow stopped", slog.String("error", err.Error()))
		}
	}()

	if sweep := time.Duration(r.cfg.Cache.SweepIntervalS) * time.Second; sweep > 0 {
		r.wg.Add(2)
		go func() {
			defer r.wg.Done()
			r.recCache.Run(ctx, sweep)
		}()
		go func() {
			defer r.wg.Done()
			r.enhCache.Run(ctx, sweep)
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.store.Run(ctx, pruneInterval)
	}()
}

// close releases components in reverse order of construction. Safe on a
// partially initialized runtime.
func (r *Runtime) close() {
	if r.hotkeys != nil {
		r.hotkeys.Close()
	}
	if r.orch != nil {
		r.orch.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn("redis close failed", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
