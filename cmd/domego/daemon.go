package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/DomeGo/internal/config"
	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/hw/dome"
	"github.com/cjeanneret/DomeGo/internal/hw/link"
	"github.com/cjeanneret/DomeGo/internal/hw/mount"
	"github.com/cjeanneret/DomeGo/internal/hw/vision"
	"github.com/cjeanneret/DomeGo/internal/logic/calibration"
	"github.com/cjeanneret/DomeGo/internal/logic/motion"
	"github.com/cjeanneret/DomeGo/internal/observability"
	"github.com/cjeanneret/DomeGo/internal/storage"
	"github.com/cjeanneret/DomeGo/internal/web"
)

// errDone ends the task group when a foreground job (calibrate) finishes.
var errDone = errors.New("done")

// daemon owns every long-running piece of the controller.
type daemon struct {
	cfgPath string
	holder  *config.Holder
	link    link.Link
	driver  *dome.Driver
	reader  *mount.Reader
	vision  *vision.Holder
	feed    *vision.FeedClient // nil when vision is disabled
	metrics *observability.Collector
	store   *storage.Store // nil without storage.path
	ctl     *motion.Controller
	server  *web.Server // nil without a web port
}

func runDaemon(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	d, err := newDaemon(opts.configPath, cfg, servePort(opts, cfg))
	if err != nil {
		return err
	}
	defer d.close()
	return d.run(ctx, nil)
}

// newDaemon builds the controller from cfg. Nothing talks to hardware until
// run.
func newDaemon(cfgPath string, cfg *config.Config, webPort int) (*daemon, error) {
	debug.Section("Initialization")
	debug.Value("Config path", cfgPath)
	debug.Value("Debug level", debug.Level())

	d := &daemon{cfgPath: cfgPath, holder: config.NewHolder(cfg)}

	debug.Step(1, "Building dome driver")
	if err := dome.CheckPairing(cfg.Driver.MotorType, cfg.Driver.Protocol); err != nil {
		return nil, err
	}
	enc, err := dome.NewEncoder(cfg.Driver.Protocol)
	if err != nil {
		return nil, err
	}
	trk, err := dome.NewTracker(cfg.Driver.MotorType, dome.TrackerConfig{
		StepsPerDegree:   cfg.Driver.StepsPerDegree,
		TicksPerDegree:   cfg.Driver.TicksPerDegree,
		Tolerance:        cfg.Driver.ToleranceDeg,
		DegreesPerSecond: cfg.Driver.DegreesPerSecond,
		HomeAzimuth:      cfg.Dome.HomeAzimuth,
	})
	if err != nil {
		return nil, err
	}

	debug.Step(2, "Opening motor link")
	l, err := link.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open motor link: %w", err)
	}
	d.link = l
	d.driver = dome.New(l, enc, trk, dome.Config{
		HomeAzimuth:      cfg.Dome.HomeAzimuth,
		HomeTimeout:      cfg.HomeTimeout(),
		WatchdogInterval: cfg.WatchdogInterval(),
	})
	debug.Value("Driver", d.driver.Name())

	debug.Step(3, "Connecting mount")
	var m mount.Mount
	if cfg.Mount.Mock {
		m = mount.NewSim(cfg.Observatory.Latitude, cfg.Observatory.Longitude)
		debug.Value("Mount", "simulated")
	} else {
		m = mount.NewAlpacaClient(cfg.Mount.URL, cfg.Mount.Device, cfg.MountTimeout())
		debug.Value("Mount", fmt.Sprintf("%s device %d", cfg.Mount.URL, cfg.Mount.Device))
	}
	d.reader = mount.NewReader(m, cfg.MountPoll(), cfg.MountTimeout())

	d.vision = vision.NewHolder()
	if cfg.Vision.Enabled {
		debug.Value("Vision feed", cfg.Vision.FeedURL)
		d.feed = vision.NewFeedClient(cfg.Vision.FeedURL, d.vision, cfg.VisionStaleAfter())
	}

	d.metrics, err = observability.NewCollector(nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if cfg.Storage.Path != "" {
		debug.Value("Journal", cfg.Storage.Path)
		d.store, err = storage.Open(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
	}

	debug.Step(4, "Starting control loop")
	deps := motion.Deps{
		Config:       d.holder,
		Dome:         d.driver,
		Mount:        d.reader,
		Parker:       m,
		Vision:       d.vision,
		Metrics:      d.metrics,
		OnCalibrated: d.saveGeometry,
	}
	if d.store != nil {
		deps.Journal = d.store
	}
	d.ctl, err = motion.New(deps)
	if err != nil {
		d.close()
		return nil, err
	}

	if webPort > 0 {
		b := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(b)))
		d.server, err = web.NewServer(web.Options{
			Addr:        fmt.Sprintf(":%d", webPort),
			Version:     version,
			Control:     d.ctl,
			Broadcaster: b,
			Metrics:     d.metrics.Handler(),
		})
		if err != nil {
			d.close()
			return nil, err
		}
	}
	return d, nil
}

// run starts every task and blocks until ctx is done or one of them fails.
// A non-nil job runs alongside and stops the daemon when it returns.
func (d *daemon) run(ctx context.Context, job func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.link.Run(ctx) })
	g.Go(func() error { return d.reader.Run(ctx) })
	if d.feed != nil {
		g.Go(func() error { return d.feed.Run(ctx) })
	}
	g.Go(func() error { return d.ctl.Run(ctx) })
	if d.server != nil {
		g.Go(func() error { return d.server.Run(ctx) })
	}
	g.Go(func() error {
		return config.Watch(ctx, d.cfgPath, d.holder, nil)
	})
	if job != nil {
		g.Go(func() error {
			if err := job(ctx); err != nil {
				return err
			}
			return errDone
		})
	}

	err := g.Wait()
	if errors.Is(err, errDone) {
		return nil
	}
	return err
}

// saveGeometry persists a converged calibration. The file watcher then
// republishes the same geometry.
func (d *daemon) saveGeometry(res calibration.Result) {
	if err := config.SaveGeometry(d.cfgPath, res.OffsetEast, res.OffsetNorth, res.PierHeight); err != nil {
		debug.Error(fmt.Errorf("save calibrated geometry: %w", err))
		return
	}
	debug.Info("Calibrated geometry written to %s", d.cfgPath)
}

func (d *daemon) close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			debug.Warn("closing journal failed: %v", err)
		}
	}
}
