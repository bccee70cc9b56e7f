package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"periph.io/x/conn/v3/physic"

	"epdpanel/internal/battery"
	"epdpanel/internal/capture"
	"epdpanel/internal/config"
	"epdpanel/internal/convert"
	"epdpanel/internal/epd"
	"epdpanel/internal/ics"
	appLog "epdpanel/internal/log"
	"epdpanel/internal/panel"
	"epdpanel/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	renderOnly bool
	dump       bool
	dumpDir    string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("epdpanel starting",
		"version", version,
		"listen", conf.Listen,
		"source", conf.Source,
		"refresh", conf.RefreshCron,
		"timezone", conf.Timezone,
		"ics_count", len(conf.ICS),
		"once", flags.once,
		"render_only", flags.renderOnly,
	)

	if err := run(conf, flags); err != nil {
		appLog.Error("epdpanel failed", err)
		os.Exit(1)
	}
	appLog.Info("epdpanel exiting")
}

func run(conf *config.Config, flags flagConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var br battery.Reader
	if conf.Battery.Enabled && !flags.renderOnly {
		r, closeBus, err := battery.Open(conf.Battery.Bus, conf.Battery.Addr)
		if err != nil {
			appLog.Warn("battery gauge unavailable", "err", err)
		} else {
			defer closeBus()
			br = r
		}
	}

	src, err := newSource(conf, br)
	if err != nil {
		return err
	}

	var runner *panel.Runner
	var drv *epd.Driver
	if !flags.renderOnly {
		drv, err = openDriver(conf, func() {
			if runner != nil {
				runner.Heartbeat()
			}
		})
		if err != nil {
			return err
		}
		defer drv.Close()
		if err := drv.Setup(); err != nil {
			return fmt.Errorf("panel setup: %w", err)
		}
		drv.DumpConfig()
		runner = panel.NewRunner(drv, src)
	} else {
		runner = panel.NewRunner(nil, src)
	}

	if flags.once {
		err := runner.Refresh(ctx)
		if flags.dump {
			dump(flags.dumpDir, runner, drv)
		}
		if drv != nil {
			if herr := runner.Halt(); herr != nil {
				appLog.Warn("panel halt failed", "err", herr)
			}
		}
		return err
	}

	sched := cron.New(cron.WithLocation(mustLocation(conf.Timezone)))
	if _, err := sched.AddFunc(conf.RefreshCron, func() {
		_ = runner.Refresh(ctx)
		if flags.dump {
			dump(flags.dumpDir, runner, drv)
		}
	}); err != nil {
		return fmt.Errorf("refresh schedule %q: %w", conf.RefreshCron, err)
	}
	sched.Start()

	api := web.NewServer(conf, runner, br)
	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// First frame right away; the schedule takes over afterwards.
	go func() { _ = runner.Refresh(ctx) }()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-srvErr:
		if err != nil {
			appLog.Error("HTTP server failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-sched.Stop().Done()
	api.Wait()

	if drv != nil {
		if err := runner.Halt(); err != nil {
			appLog.Warn("panel halt failed", "err", err)
		}
	}
	return nil
}

func newSource(conf *config.Config, br battery.Reader) (panel.Source, error) {
	switch conf.Source {
	case config.SourceURL:
		return &panel.Page{
			Capture: capture.Options{
				URL:     conf.Capture.URL,
				Width:   conf.Capture.Width,
				Height:  conf.Capture.Height,
				Timeout: conf.Capture.Timeout,
				Settle:  500 * time.Millisecond,
			},
			Convert: convert.Options{
				Rotate: conf.Panel.Rotate,
				Dither: conf.Capture.Dither,
			},
		}, nil
	default:
		sources := make([]ics.Source, 0, len(conf.ICS))
		for _, c := range conf.ICS {
			id := c.ID
			if id == "" {
				id = c.Name
			}
			if id == "" {
				id = c.URL
			}
			sources = append(sources, ics.Source{ID: id, URL: c.URL})
		}
		return &panel.Agenda{
			Fetcher:  ics.NewFetcher(nil),
			Sources:  sources,
			Location: mustLocation(conf.Timezone),
			Days:     conf.HorizonDays,
			Battery:  br,
		}, nil
	}
}

func openDriver(conf *config.Config, keepAlive func()) (*epd.Driver, error) {
	p := conf.Panel
	timing := epd.DefaultTiming()
	timing.IdleTimeout = p.IdleTimeout
	timing.RefreshTimeout = p.RefreshTimeout
	timing.PowerHold = p.PowerHold

	return epd.Open(epd.HostConfig{
		SPIPort: p.SPIPort,
		SPIHz:   physic.Frequency(p.SPIHz) * physic.Hertz,
		DC:      p.DCPin,
		CS:      p.CSPin,
		Reset:   p.ResetPin,
		Busy:    p.BusyPin,
		Power:   p.PowerPin,
	}, &epd.Opts{Timing: timing, KeepAlive: keepAlive})
}

// dump writes the last preview and the panel diagnostics for debugging.
func dump(dir string, runner *panel.Runner, drv *epd.Driver) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		appLog.Error("dump: mkdir failed", err, "dir", dir)
		return
	}
	if buf := runner.Preview(); len(buf) > 0 {
		path := filepath.Join(dir, "preview.png")
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			appLog.Error("dump: write failed", err, "path", path)
		}
	}
	if drv != nil {
		if fb := drv.FrameBuffer(); fb != nil {
			path := filepath.Join(dir, "frame.bin")
			if err := os.WriteFile(path, fb.Bytes(), 0o644); err != nil {
				appLog.Error("dump: write failed", err, "path", path)
			}
		}
		drv.DumpConfig()
	}
	appLog.Info("dump written", "dir", dir)
}

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Warn("unknown timezone, using local", "timezone", name)
		return time.Local
	}
	return loc
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epdpanel/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one render+display cycle and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Render only; do not touch display hardware")
	flag.BoolVar(&cfg.dump, "dump", false, "Dump debug artifacts (preview.png, frame.bin) after each refresh")
	flag.StringVar(&cfg.dumpDir, "dump-dir", ".", "Directory for -dump artifacts")

	flag.Parse()

	return cfg
}
