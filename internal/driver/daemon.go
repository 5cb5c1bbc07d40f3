package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"crawld/internal/config"
)

// Daemon triggers passes on a cron schedule. It is the in-process
// replacement for an external timer: each tick is one pass, overlapping
// ticks are skipped, and a config edit takes effect without a restart.
type Daemon struct {
	mgr *config.Manager
	log zerolog.Logger

	// passMu guarantees at most one pass per process; the pass lock file
	// covers separate processes.
	passMu sync.Mutex
}

func NewDaemon(mgr *config.Manager, log zerolog.Logger) *Daemon {
	return &Daemon{mgr: mgr, log: log}
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.mgr.Get()
	drv, err := Build(cfg, d.log)
	if err != nil {
		return err
	}
	defer func() { drv.Close() }()

	c, err := d.startCron(ctx, cfg, drv)
	if err != nil {
		return err
	}

	go func() { _ = d.mgr.Watch(ctx) }()

	if sent, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		d.log.Warn().Err(err).Msg("sd_notify failed")
	} else if sent {
		d.log.Debug().Msg("systemd notified ready")
	}
	stopWatchdog := d.startWatchdog(ctx, cfg)
	defer stopWatchdog()

	// First pass right away; the schedule covers the rest.
	d.runOnce(ctx, drv)

	updates := d.mgr.Subscribe(1)
	for {
		select {
		case <-ctx.Done():
			_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
			stopCron(c)
			return ctx.Err()
		case newCfg := <-updates:
			newDrv, err := Build(newCfg, d.log)
			if err != nil {
				d.log.Error().Err(err).Msg("config change rejected; keeping current setup")
				continue
			}
			stopCron(c)
			drv.Close()
			drv, cfg = newDrv, newCfg
			c, err = d.startCron(ctx, cfg, drv)
			if err != nil {
				d.log.Error().Err(err).Msg("schedule restart failed")
				return err
			}
			d.log.Info().Str("schedule", cfg.Daemon.Schedule).Msg("daemon reconfigured")
		}
	}
}

func (d *Daemon) startCron(ctx context.Context, cfg *config.Config, drv *Driver) (*cron.Cron, error) {
	loc, err := time.LoadLocation(cfg.Daemon.Timezone)
	if err != nil {
		return nil, err
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	if _, err := c.AddFunc(cfg.Daemon.Schedule, func() { d.runOnce(ctx, drv) }); err != nil {
		return nil, err
	}
	c.Start()
	d.log.Info().Str("schedule", cfg.Daemon.Schedule).Str("tz", loc.String()).Msg("daemon started")
	return c, nil
}

func (d *Daemon) runOnce(ctx context.Context, drv *Driver) {
	if !d.passMu.TryLock() {
		d.log.Warn().Msg("previous pass still running; tick skipped")
		return
	}
	defer d.passMu.Unlock()

	if _, err := drv.RunPass(ctx); err != nil {
		if errors.Is(err, ErrLocked) {
			d.log.Warn().Err(err).Msg("pass skipped")
			return
		}
		d.log.Error().Err(err).Msg("pass failed")
	}
}

func (d *Daemon) startWatchdog(ctx context.Context, cfg *config.Config) func() {
	if !cfg.Daemon.Watchdog {
		return func() {}
	}
	interval, err := sd.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		d.log.Debug().Err(err).Msg("systemd watchdog not available")
		return func() {}
	}
	ticker := time.NewTicker(interval / 2)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				_, _ = sd.SdNotify(false, sd.SdNotifyWatchdog)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func stopCron(c *cron.Cron) {
	<-c.Stop().Done()
}
