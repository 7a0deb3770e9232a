package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dray-io/reclaim/internal/config"
	"github.com/dray-io/reclaim/internal/hook"
	"github.com/dray-io/reclaim/internal/logging"
	"github.com/dray-io/reclaim/internal/metrics"
	"github.com/dray-io/reclaim/internal/reclaim"
)

// DaemonOptions contains the configuration for creating a daemon.
type DaemonOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Metrics   *metrics.ReclaimMetrics
	Tick      time.Duration
	Version   string
	GitCommit string
}

// Daemon runs a reclaim service, its metrics endpoint and a demonstration
// workload that allocates on a fixed tick.
type Daemon struct {
	opts          DaemonOptions
	logger        *logging.Logger
	service       *reclaim.Service
	metricsServer *metrics.Server
}

// point and member are the demo payloads. Neither holds Go pointers, so
// they can live in blocks outside the Go heap.
type point int64

type member struct {
	X int32
	Y int32
}

// NewDaemon creates a daemon but does not start it.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}

	svcOpts := []reclaim.Option{reclaim.WithLogger(opts.Logger)}
	if opts.Metrics != nil {
		svcOpts = append(svcOpts, reclaim.WithMetrics(opts.Metrics))
	} else if opts.Config.Observability.MetricsAddr != "" {
		opts.Metrics = metrics.NewReclaimMetrics()
		svcOpts = append(svcOpts, reclaim.WithMetrics(opts.Metrics))
	}

	svc, err := reclaim.New(opts.Config, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}

	d := &Daemon{
		opts:    opts,
		logger:  opts.Logger.WithInstanceID(svc.ID()).WithComponent("reclaimd"),
		service: svc,
	}
	if addr := opts.Config.Observability.MetricsAddr; addr != "" {
		d.metricsServer = metrics.NewServer(addr).WithLogger(d.logger)
	}
	return d, nil
}

// MetricsAddr returns the bound metrics address, or "" when metrics are off.
func (d *Daemon) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}

// Service returns the daemon's reclaim service.
func (d *Daemon) Service() *reclaim.Service {
	return d.service
}

// Run starts the service and the workload, and blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	ctx = logging.WithLoggerCtx(ctx, d.logger)

	if d.metricsServer != nil {
		if err := d.metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	if err := d.service.Start(); err != nil {
		return err
	}
	d.logger.Infof("reclaimd started", map[string]any{
		"version":     d.opts.Version,
		"commit":      d.opts.GitCommit,
		"periodMs":    d.opts.Config.Worker.PeriodMs,
		"thresholdMs": d.opts.Config.Worker.ThresholdMs,
		"metricsAddr": d.opts.Config.Observability.MetricsAddr,
	})

	if err := d.burst(ctx); err != nil {
		return err
	}
	if _, err := d.service.ManualCollect(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(d.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.trickle(ctx); err != nil {
				if errors.Is(err, reclaim.ErrShutdown) {
					return nil
				}
				return err
			}
		}
	}
}

// burst allocates the opening set of objects, overwriting the only
// reference each time so that earlier blocks become unreachable.
func (d *Daemon) burst(ctx context.Context) error {
	h := d.service.Hook()
	var p *point
	for i := 0; i < 7; i++ {
		v, _, err := hook.AllocateValue[point](ctx, h)
		if err != nil {
			return err
		}
		p = v
		*p = point(i)
	}
	var m *member
	for i := 0; i < 13; i++ {
		v, _, err := hook.AllocateValue[member](ctx, h)
		if err != nil {
			return err
		}
		m = v
		m.X, m.Y = int32(i), int32(-i)
	}
	logging.FromCtx(ctx).Debugf("burst allocated", map[string]any{"active": d.service.ActiveCount()})
	return nil
}

// trickle allocates one of each payload per tick.
func (d *Daemon) trickle(ctx context.Context) error {
	if _, err := d.service.Allocate(ctx, 8); err != nil {
		return err
	}
	h := d.service.Hook()
	if _, _, err := hook.AllocateValue[point](ctx, h); err != nil {
		return err
	}
	if _, _, err := hook.AllocateValue[member](ctx, h); err != nil {
		return err
	}
	return nil
}

// Shutdown stops the service and the metrics server.
func (d *Daemon) Shutdown(ctx context.Context) error {
	err := d.service.Shutdown(ctx)
	if d.metricsServer != nil {
		err = errors.Join(err, d.metricsServer.Close())
	}
	return err
}
