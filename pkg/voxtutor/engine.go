package voxtutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/voxtutor/voxtutor/pkg/config"
	"github.com/voxtutor/voxtutor/pkg/frames"
	"github.com/voxtutor/voxtutor/pkg/history"
	"github.com/voxtutor/voxtutor/pkg/logging"
	"github.com/voxtutor/voxtutor/pkg/metrics"
	"github.com/voxtutor/voxtutor/pkg/observers"
	"github.com/voxtutor/voxtutor/pkg/router"
	"github.com/voxtutor/voxtutor/pkg/runner"
	"github.com/voxtutor/voxtutor/pkg/session"
	"github.com/voxtutor/voxtutor/pkg/transports"
	"github.com/voxtutor/voxtutor/pkg/transports/ws"
	"github.com/voxtutor/voxtutor/pkg/turnpipe"
	"github.com/voxtutor/voxtutor/pkg/vad"
)

// Engine owns one device session end to end: transport in, session machine,
// turn pipeline, playback out, telemetry on the side.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	router    *router.Router
	health    *router.HealthChecker
	registry  *ProviderRegistry
	transport transports.Transport
	machine   *session.Machine

	obs          *metrics.AsyncObserver
	multi        *observers.MultiObserver
	otelShutdown func(context.Context) error
	jsonl        *os.File
	metricsSrv   *http.Server

	lifecycle *runner.LifecycleRunner
	seq       frames.Counter
}

// NewEngine wires every component from a validated config. The registry
// decides which providers exist; pass DefaultRegistry() for the built-ins.
func NewEngine(cfg config.Config, registry *ProviderRegistry, transport transports.Transport) (*Engine, error) {
	base := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	logger := logging.NewComponentLogger(base, "engine")

	table, err := buildTable(cfg.Routing)
	if err != nil {
		return nil, err
	}
	rt, err := router.New(table)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		router:    rt,
		registry:  registry,
		transport: transport,
	}
	if err := e.initTelemetry(base); err != nil {
		return nil, err
	}

	coordinator := turnpipe.NewCoordinator(pipelineConfig(cfg), rt, registry, e.obs,
		logging.NewComponentLogger(base, "turnpipe"))

	e.machine = session.New("", sessionConfig(cfg),
		vad.NewEnergyDetector(cfg.Session.VADSensitivity),
		coordinator,
		history.NewMemoryStore(cfg.Context.MaxHistory),
		&transportPlayback{engine: e},
		e.obs,
		logging.NewComponentLogger(base, "session"))
	e.machine.ErrFunc = func(err error) {
		logger.Error("turn failed", "error", err)
	}

	probe := func(context.Context, router.Endpoint) router.HealthStatus {
		return router.HealthHealthy
	}
	interval := time.Duration(cfg.Routing.HealthIntervalS) * time.Second
	e.health = router.NewHealthChecker(rt, probe, interval,
		logging.NewComponentLogger(base, "health"))

	return e, nil
}

// NewTransport builds the transport named by the config. Kept separate from
// NewEngine so embedders can supply their own Transport implementation.
func NewTransport(cfg config.TransportConfig) (transports.Transport, error) {
	switch cfg.Provider {
	case "websocket", "ws":
		return ws.FromSettings(cfg.Settings)
	default:
		return nil, fmt.Errorf("unknown transport provider: %s", cfg.Provider)
	}
}

// SetHealthProbe replaces the default always-healthy probe. Call before Run.
func (e *Engine) SetHealthProbe(probe router.ProbeFunc) {
	interval := time.Duration(e.cfg.Routing.HealthIntervalS) * time.Second
	e.health = router.NewHealthChecker(e.router, probe, interval, e.logger)
}

// Session exposes the machine for embedders that drive frames directly.
func (e *Engine) Session() *session.Machine { return e.machine }

// Run blocks until ctx is cancelled, then drains in-flight work.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.transport.Start(runCtx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if err := e.machine.Start(runCtx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	go e.recvLoop()
	go e.health.Run(runCtx)
	e.startMetricsServer()

	e.lifecycle = runner.NewLifecycleRunner(engineDrainer{e}, runner.Hooks{
		OnStart: func() {
			e.logger.Info("engine running",
				"environment", e.cfg.Environment,
				"transport", e.transport.Name())
		},
		OnStop: func() { e.logger.Info("engine stopped") },
	}, 15*time.Second)
	return e.lifecycle.Run(runCtx)
}

// Stop initiates shutdown without waiting for ctx cancellation.
func (e *Engine) Stop() error {
	if e.lifecycle == nil {
		return nil
	}
	return e.lifecycle.Stop()
}

// Reload loads a fresh config file and applies what can change at runtime:
// the routing table swaps immediately, session tunables apply at the next
// Idle. Transport and telemetry settings need a restart.
func (e *Engine) Reload(path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	table, err := buildTable(cfg.Routing)
	if err != nil {
		return err
	}
	if err := e.router.Swap(table); err != nil {
		return err
	}
	e.machine.SwapConfig(sessionConfig(cfg))
	e.logger.Info("config reloaded", "path", path)
	return nil
}

func (e *Engine) initTelemetry(base *slog.Logger) error {
	shutdown, err := observers.InitProvider(context.Background(), "voxtutor", runner.EngineVersion)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	e.otelShutdown = shutdown

	otelObs, err := observers.NewOTelObserver(nil)
	if err != nil {
		return fmt.Errorf("build otel observer: %w", err)
	}
	sinks := []metrics.Observer{
		observers.NewLatencyObserver(logging.NewComponentLogger(base, "latency")),
		observers.NewLoggerObserver(logging.NewComponentLogger(base, "telemetry")),
		otelObs,
	}
	if e.cfg.Telemetry.JSONLPath != "" {
		f, err := os.OpenFile(e.cfg.Telemetry.JSONLPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open telemetry jsonl: %w", err)
		}
		e.jsonl = f
		sinks = append(sinks, metrics.NewJSONLObserver(f))
	}
	e.multi = observers.NewMultiObserver(sinks...)
	e.obs = metrics.NewAsyncObserver(e.multi, e.cfg.Telemetry.BufferSize)
	return nil
}

func (e *Engine) startMetricsServer() {
	if e.cfg.Telemetry.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observers.MetricsHandler())
	e.metricsSrv = &http.Server{
		Addr:              e.cfg.Telemetry.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// recvLoop moves frames from the transport into the session machine. It
// exits when the transport's recv channel closes.
func (e *Engine) recvLoop() {
	for f := range e.transport.Recv() {
		switch fr := f.(type) {
		case frames.AudioFrame:
			e.machine.OnFrame(fr)
		case frames.ControlFrame:
			switch fr.Code() {
			case frames.ControlPause:
				e.machine.Pause()
			case frames.ControlResume:
				e.machine.Resume()
			case frames.ControlPlaybackDone:
				e.machine.NotifyPlaybackDone()
			case frames.ControlCancel:
				e.machine.Reset()
			}
		}
	}
}

type engineDrainer struct{ e *Engine }

func (d engineDrainer) Drain() error {
	e := d.e
	e.machine.Stop()
	if err := e.transport.Stop(); err != nil {
		e.logger.Warn("transport stop failed", "error", err)
	}
	if e.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.metricsSrv.Shutdown(ctx)
		cancel()
	}
	e.obs.Close()
	if err := e.multi.Flush(); err != nil {
		e.logger.Warn("telemetry flush failed", "error", err)
	}
	if e.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.otelShutdown(ctx)
		cancel()
	}
	if e.jsonl != nil {
		_ = e.jsonl.Close()
	}
	return nil
}

// transportPlayback pushes synthesized audio back over the device
// transport. Stop tells the device to flush whatever it has buffered.
type transportPlayback struct{ engine *Engine }

func (p *transportPlayback) Play(f frames.AudioFrame) {
	if err := p.engine.transport.Send(f); err != nil {
		p.engine.logger.Warn("playback send failed", "error", err)
	}
}

func (p *transportPlayback) Stop() {
	cf := frames.NewControlFrame(p.engine.machine.ID(), p.engine.seq.Next(), frames.ControlFlush, nil)
	if err := p.engine.transport.Send(cf); err != nil {
		p.engine.logger.Warn("playback stop send failed", "error", err)
	}
}

func buildTable(rc config.RoutingConfig) (*router.Table, error) {
	t := &router.Table{
		Defaults: make(map[router.TaskType]string, len(rc.Defaults)),
	}
	for _, ep := range rc.Endpoints {
		t.Endpoints = append(t.Endpoints, router.Endpoint{
			ID:        ep.ID,
			Task:      router.TaskType(ep.Task),
			Provider:  ep.Provider,
			Tier:      ep.Tier,
			CostClass: ep.CostClass,
			Settings:  ep.Settings,
			Health:    router.HealthHealthy,
		})
	}
	for _, r := range rc.Rules {
		rule := router.Rule{
			Task:       router.TaskType(r.Task),
			Priority:   r.Priority,
			EndpointID: r.Endpoint,
		}
		for _, c := range r.Conditions {
			rule.Conditions = append(rule.Conditions, router.Condition{
				Tier:      c.Tier,
				CostClass: c.CostClass,
				Language:  c.Language,
				Attribute: c.Attribute,
				Equals:    c.Equals,
			})
		}
		t.Rules = append(t.Rules, rule)
	}
	for task, id := range rc.Defaults {
		t.Defaults[router.TaskType(task)] = id
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		FrameDuration:    time.Duration(cfg.Audio.FrameMS) * time.Millisecond,
		SilenceTimeout:   time.Duration(cfg.Session.SilenceTimeoutMS) * time.Millisecond,
		StartFrames:      cfg.Session.StartFrames,
		VADThreshold:     cfg.Session.VADThreshold,
		BargeInThreshold: cfg.Session.BargeInProbability,
		BargeInWindow:    time.Duration(cfg.Session.BargeInWindowMS) * time.Millisecond,
		PrerollFrames:    cfg.Session.PrerollFrames,
		HistoryLimit:     cfg.Context.MaxHistory,
		BasePrompt:       cfg.BasePrompt,
		Route: router.Context{
			Language: cfg.Pipeline.Language,
		},
	}
}

func pipelineConfig(cfg config.Config) turnpipe.Config {
	return turnpipe.Config{
		STTDeadline:           time.Duration(cfg.Pipeline.STTDeadlineMS) * time.Millisecond,
		LLMFirstTokenDeadline: time.Duration(cfg.Pipeline.LLMFirstTokenDeadlineMS) * time.Millisecond,
		TTSDeadline:           time.Duration(cfg.Pipeline.TTSDeadlineMS) * time.Millisecond,
		PlaybackDeadline:      time.Duration(cfg.Pipeline.PlaybackDeadlineMS) * time.Millisecond,
		AwaitPlayback:         cfg.Pipeline.AwaitPlayback,
		SentenceMinLen:        cfg.Pipeline.SentenceMinLen,
		SentenceMaxTokens:     cfg.Pipeline.SentenceMaxTokens,
		SampleRate:            cfg.Audio.SampleRate,
		Channels:              cfg.Audio.Channels,
		Language:              cfg.Pipeline.Language,
		Voice:                 cfg.Pipeline.Voice,
	}
}
