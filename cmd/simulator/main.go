package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/parsecworks/orbit-engine/core"
	"github.com/parsecworks/orbit-engine/internal/config"
	"github.com/parsecworks/orbit-engine/model"
	"github.com/parsecworks/orbit-engine/origin"
	"github.com/parsecworks/orbit-engine/registry"
	"github.com/parsecworks/orbit-engine/sim"
	"github.com/parsecworks/orbit-engine/timectrl"
)

func main() {
	configPath := flag.String("config", "", "path to an engine YAML config; empty uses defaults + ORBIT_CONFIG")
	catalogPath := flag.String("catalog", "configs/bodies.json", "path to the celestial body catalog JSON")
	duration := flag.Duration("duration", 60*time.Second, "total simulation duration")
	tick := flag.Duration("tick", 0, "tick interval (0 = take it from the config)")
	accelerated := flag.Bool("accelerated", true, "run in accelerated mode (vs real-time)")
	cruise := flag.Float64("cruise", 900, "observer cruise per tick in metres along +X; 0 keeps the observer parked")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *tick <= 0 {
		*tick = cfg.Tick.Interval()
	}
	if *catalogPath == "" {
		*catalogPath = cfg.CatalogPath
	}

	// ==== Registry + body catalog ====

	reg := registry.New()
	if *catalogPath != "" {
		f, err := os.Open(*catalogPath)
		if err != nil {
			panic(fmt.Errorf("failed to open body catalog %q: %w", *catalogPath, err))
		}
		catalog, err := core.LoadBodyCatalog(reg, f)
		f.Close()
		if err != nil {
			panic(fmt.Errorf("failed to load body catalog: %w", err))
		}
		fmt.Printf("Loaded body catalog: %d bodies (%d static, %d keplerian, %d TLE)\n",
			len(catalog.BodyIDs), catalog.Roots, catalog.Orbits, catalog.TLEs)
	}

	// ==== Floating origin + physics services ====

	mgr, err := origin.NewManager(reg, cfg.Origin.ManagerConfig())
	if err != nil {
		panic(err)
	}
	scaling, err := core.NewScalingService(reg, cfg.Scaling.ServiceConfig())
	if err != nil {
		panic(err)
	}
	gravity := core.NewGravityService(reg, cfg.Gravity.ServiceConfig())
	motion := core.NewMotionService(reg)
	sampler := sim.NewOrbitSampler(reg, cfg.Sampler.ServiceConfig())
	defer sampler.Close()

	engine := sim.NewEngine(reg, mgr,
		sim.WithMotionService(motion),
		sim.WithGravity(gravity),
		sim.WithScaling(scaling),
		sim.WithOrbitSampler(sampler),
	)

	// A probe in low orbit so the gravity integrator has something to
	// pull on. ~6,771 km from the focus with ~7.67 km/s tangential
	// velocity is a rough circular LEO when the catalog has an
	// Earth-mass body at the origin.
	probe := &model.Actor{
		ID:       "probe-1",
		Position: model.Vec3{X: 6_771_000},
		Velocity: model.Vec3{Y: 7_670},
	}
	if err := mgr.TrackActor(probe); err != nil {
		panic(err)
	}

	// ==== Time controller ====

	mode := timectrl.RealTime
	if *accelerated {
		mode = timectrl.Accelerated
	}
	start := time.Now().UTC()
	tc := timectrl.NewTimeController(start, *tick, mode)

	engine.Prime(start)

	ticks := 0
	recenters := 0
	tc.AddListener(func(simTime time.Time) {
		if *cruise != 0 {
			engine.QueueMove(model.Vec3{X: *cruise})
		}
		report := engine.Tick(simTime, *tick)
		ticks++
		if report.Recentered {
			recenters++
		}

		obs := mgr.Position()
		g := engine.GravitySample()
		fmt.Printf("[%s] tick=%-5d sector=(%d,%d,%d) local=(%.0f, %.0f, %.0f) drift=%8.1fm recentered=%-5v |g|=%.4f m/s² pull=%s\n",
			simTime.Format(time.RFC3339), report.Tick,
			obs.Sector.X, obs.Sector.Y, obs.Sector.Z,
			obs.Local.X, obs.Local.Y, obs.Local.Z,
			mgr.WorldPosition().Norm(), report.Recentered,
			g.Acceleration.Norm(), g.DominantBodyID,
		)

		// Per-body scale readout every 20 ticks; every tick would drown
		// the observer line.
		if ticks%20 == 0 {
			for _, b := range reg.All() {
				fmt.Printf("↳ Body %-12s class=%-8v dist=%12.0f km scale=%.4f → %.4f\n",
					b.ID, b.Class,
					b.Position.Sub(mgr.WorldPosition()).Norm()/1000,
					b.CurrentScale, b.TargetScale,
				)
			}
		}
	})

	fmt.Printf("Starting simulation: duration=%s, tick=%s, mode=%v\n", *duration, *tick, mode)
	done := tc.Start(*duration)
	<-done

	if final, ok := mgr.Actor("probe-1"); ok {
		fmt.Printf("Probe final state: pos=(%.0f, %.0f, %.0f) m speed=%.1f m/s\n",
			final.Position.X, final.Position.Y, final.Position.Z, final.Velocity.Norm())
	}
	fmt.Printf("Simulation complete: %d ticks, %d recenters, %.0f m travelled, %d orbit paths cached.\n",
		ticks, recenters, mgr.TotalDistance(), sampler.PathCount())
}
