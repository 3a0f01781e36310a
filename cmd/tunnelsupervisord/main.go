// Command tunnelsupervisord wires the coordination core's components
// into a single running process: a Tunnel Registry seeded from a fixed
// tunnel list, a loopback TunnelDriver/Prober pair, the Deferred Switch
// Scheduler, the Request Buffer, an HTTP façade, and the Tunnel
// Supervisor that ties them together, all reporting through one event
// bus.
//
// Run with: go run ./cmd/tunnelsupervisord/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/projectint/paliproxy-core/config"
	"github.com/projectint/paliproxy-core/driver"
	"github.com/projectint/paliproxy-core/facade"
	"github.com/projectint/paliproxy-core/internal/clockloop"
	"github.com/projectint/paliproxy-core/internal/corelog"
	"github.com/projectint/paliproxy-core/internal/eventbus"
	"github.com/projectint/paliproxy-core/model"
	"github.com/projectint/paliproxy-core/registry"
	"github.com/projectint/paliproxy-core/scheduler"
	"github.com/projectint/paliproxy-core/supervisor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := corelog.NewLogiface(stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithLevel(logiface.LevelInformational),
	))

	cfg := config.WithDefaults(&config.Config{
		HealthCheckInterval: 5 * time.Second,
		RequestConcurrency:  8,
		Tunnels: []model.TunnelDescriptor{
			{Name: "primary", Priority: 1, Kind: model.KindKeyPair},
			{Name: "secondary", Priority: 2, Kind: model.KindKeyPair},
			{Name: "fallback", Priority: 3, Kind: model.KindOpen},
		},
	})
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	reg, err := registry.New(cfg.Tunnels)
	if err != nil {
		panic(err)
	}

	clock, err := clockloop.New()
	if err != nil {
		panic(err)
	}
	defer clock.Close()

	bus := eventbus.New(32, 100*time.Millisecond)
	defer bus.Close()

	loop := driver.NewLoopback()

	sched := scheduler.New(cfg.DelayedSwitch, clock, bus, scheduler.WithLogger(logger))
	go sched.Run(ctx)

	sv := supervisor.New(reg, loop, loop, clock, bus, cfg,
		supervisor.WithScheduler(sched),
		supervisor.WithMetrics(bus),
		supervisor.WithLogger(logger),
	)
	bus.Subscribe(sv)

	fc := facade.New(cfg, sv, http.DefaultClient, clock, facade.WithLogger(logger))
	bus.Subscribe(fc)
	go fc.Run(ctx)

	if err := sv.Start(ctx); err != nil {
		fmt.Println("tunnelsupervisord: no tunnel reachable at startup:", err)
	}

	<-ctx.Done()
	_ = sv.Stop()
	fmt.Println("tunnelsupervisord: shut down")
}
