package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/parsecworks/orbit-engine/core"
	"github.com/parsecworks/orbit-engine/internal/config"
	"github.com/parsecworks/orbit-engine/internal/logging"
	"github.com/parsecworks/orbit-engine/internal/observability"
	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/origin"
	"github.com/parsecworks/orbit-engine/registry"
	"github.com/parsecworks/orbit-engine/replication"
	"github.com/parsecworks/orbit-engine/sim"
	"github.com/parsecworks/orbit-engine/timectrl"
)

func main() {
	configPath := flag.String("config", "", "path to an engine YAML config; empty uses defaults + ORBIT_CONFIG")
	catalogPath := flag.String("catalog", "configs/bodies.json", "path to the celestial body catalog JSON")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (empty = config port)")
	demoSession := flag.Bool("demo-session", true, "drive a loopback client session so the replication path carries traffic")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(ctx, "failed to load config", logging.String("error", err.Error()))
		os.Exit(1)
	}

	collector, err := observability.NewEngineCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.String("error", err.Error()))
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.String("error", err.Error()))
		os.Exit(1)
	}

	addr := *metricsAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Server.GetMetricsPort())
	}
	metricsSrv := serveMetrics(addr, collector, log)

	// ==== Simulation state ====

	reg := registry.New()
	path := *catalogPath
	if path == "" {
		path = cfg.CatalogPath
	}
	loadCatalog(ctx, log, reg, path)

	mgr, err := origin.NewManager(reg, cfg.Origin.ManagerConfig())
	if err != nil {
		log.Error(ctx, "failed to build origin manager", logging.String("error", err.Error()))
		os.Exit(1)
	}
	scaling, err := core.NewScalingService(reg, cfg.Scaling.ServiceConfig())
	if err != nil {
		log.Error(ctx, "failed to build scaling service", logging.String("error", err.Error()))
		os.Exit(1)
	}
	gravity := core.NewGravityService(reg, cfg.Gravity.ServiceConfig())
	motion := core.NewMotionService(reg)
	sampler := sim.NewOrbitSampler(reg, cfg.Sampler.ServiceConfig())
	defer sampler.Close()

	authority, err := replication.NewAuthority(mgr, reg,
		replication.WithConfig(cfg.Replication.AuthorityConfig()),
		replication.WithLogger(log),
		replication.WithMetrics(collector),
	)
	if err != nil {
		log.Error(ctx, "failed to build replication authority", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer authority.Close()

	snapshotEvery := uint64(cfg.Replication.SnapshotEveryNTicks)
	if snapshotEvery == 0 {
		snapshotEvery = 1
	}

	engine := sim.NewEngine(reg, mgr,
		sim.WithLogger(log),
		sim.WithMetrics(collector),
		sim.WithMotionService(motion),
		sim.WithGravity(gravity),
		sim.WithScaling(scaling),
		sim.WithOrbitSampler(sampler),
		sim.WithSnapshotFunc(func(tick uint64, simTime time.Time) error {
			if tick%snapshotEvery != 0 {
				return nil
			}
			_, err := authority.BroadcastSnapshot(tick, simTime)
			return err
		}),
	)

	// ==== Tick loop ====

	tickInterval := cfg.Tick.Interval()
	start := time.Now().UTC()
	tc := timectrl.NewTimeController(start, tickInterval, cfg.Tick.Mode())

	engine.Prime(start)

	var demo *demoClient
	if *demoSession {
		demo, err = newDemoClient(ctx, authority, tickInterval, start, log)
		if err != nil {
			log.Error(ctx, "failed to start demo session", logging.String("error", err.Error()))
			os.Exit(1)
		}
	}

	tc.AddListener(func(simTime time.Time) {
		if demo != nil {
			demo.pump(ctx, simTime)
		}
		engine.Tick(simTime, tickInterval)
		collector.SetKeplerNonConverged(sampler.NonConverged())
	})

	log.Info(ctx, "starting origin server",
		logging.Duration("tick", tickInterval),
		logging.Int("bodies", reg.Len()),
		logging.Int("sessions", authority.SessionCount()),
	)
	done := tc.Start(0)

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-stopCtx.Done()

	log.Info(ctx, "shutting down origin server")
	tc.Stop()
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	observability.ShutdownWithTimeout(ctx, shutdownTracing, log)
}

// demoClient drives one predicted session over a loopback transport so a
// bare server still exercises move validation, snapshots, and
// reconciliation end to end.
type demoClient struct {
	pred   *replication.Predictor
	codec  *replication.Codec
	auth   *replication.Authority
	inbox  *replication.Loopback
	cruise float64
	log    logging.Logger
}

func newDemoClient(ctx context.Context, auth *replication.Authority, tick time.Duration, simTime time.Time, log logging.Logger) (*demoClient, error) {
	inbox := replication.NewLoopback()
	if _, err := auth.RegisterSession(inbox, simTime); err != nil {
		return nil, err
	}

	pred := replication.NewPredictor(
		replication.WithPredictorLogger(log),
		replication.WithPredictorConfig(replication.PredictorConfig{TickInterval: tick}),
	)

	return &demoClient{
		pred:   pred,
		codec:  auth.Codec(),
		auth:   auth,
		inbox:  inbox,
		cruise: 400,
		log:    log,
	}, nil
}

// pump drains authority frames into the predictor, then submits one
// cruise move. Runs on the tick goroutine, before the engine tick, so
// the session's moves land in the same order every run.
func (d *demoClient) pump(ctx context.Context, simTime time.Time) {
	for _, frame := range d.inbox.Drain() {
		env, err := d.codec.Decode(frame)
		if err != nil {
			d.log.Warn(ctx, "demo client dropped frame", logging.String("error", err.Error()))
			continue
		}
		if err := d.pred.OnEnvelope(env); err != nil {
			d.log.Warn(ctx, "demo client rejected envelope",
				logging.String("type", string(env.Type)),
				logging.String("error", err.Error()),
			)
		}
	}

	if d.pred.SessionID() == "" {
		return
	}

	req, err := d.pred.Move(model.Vec3{X: d.cruise})
	if err != nil {
		d.log.Warn(ctx, "demo move refused", logging.String("error", err.Error()))
		return
	}
	env, err := d.pred.MoveEnvelope(req, simTime)
	if err != nil {
		return
	}
	frame, err := d.codec.Encode(env)
	if err != nil {
		d.log.Warn(ctx, "demo move encode failed", logging.String("error", err.Error()))
		return
	}
	if err := d.auth.HandleFrame(ctx, frame); err != nil {
		d.log.Warn(ctx, "demo move rejected", logging.String("error", err.Error()))
	}
}

func serveMetrics(addr string, collector *observability.EngineCollector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func loadCatalog(ctx context.Context, log logging.Logger, reg *registry.Registry, path string) {
	if path == "" || reg == nil {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Warn(ctx, "skipping body catalog load", logging.String("path", path), logging.String("error", err.Error()))
		return
	}
	defer f.Close()

	catalog, err := core.LoadBodyCatalog(reg, f)
	if err != nil {
		log.Warn(ctx, "failed to parse body catalog", logging.String("path", path), logging.String("error", err.Error()))
		return
	}

	log.Info(ctx, "loaded body catalog",
		logging.String("path", path),
		logging.Int("bodies", len(catalog.BodyIDs)),
		logging.Int("keplerian", catalog.Orbits),
		logging.Int("tle", catalog.TLEs),
	)
}
