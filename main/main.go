package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/andyching168/m7dash"
	"github.com/andyching168/m7dash/canbus"
	"github.com/andyching168/m7dash/forwarder"
)

var (
	configPath = flag.String("config", "", "path to TOML configuration file")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()
	log.SetLevel(log.InfoLevel)
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg := m7dash.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = m7dash.LoadConfig(*configPath)
		if err != nil {
			log.Fatal("unable to load configuration: ", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig).Info("shutting down")
		cancel()
	}()

	calib := m7dash.NewCalibrationStore(cfg.Calibration.Path)
	calib.Load()

	sink := m7dash.MultiSink{m7dash.LogSink{}}
	if cfg.Forward.WSListen != "" {
		ws := forwarder.NewWS(cfg.Forward.WSListen)
		go func() {
			if err := ws.Start(ctx); err != nil {
				log.Error("telemetry websocket stopped: ", err)
			}
		}()
		sink = append(sink, ws)
	}
	if cfg.Forward.RedisAddr != "" {
		rds, err := forwarder.NewRedis(cfg.Forward.RedisAddr)
		if err != nil {
			log.Warn("continuing without redis forwarder: ", err)
		} else {
			defer rds.Close()
			sink = append(sink, rds)
		}
	}

	runner := &engineRunner{
		ctx:   ctx,
		cfg:   cfg,
		calib: calib,
		sink:  sink,
	}
	if err := m7dash.Retry(ctx, runner); err != nil && err != context.Canceled {
		log.Error("telemetry engine done: ", err)
	}
	runner.Close()
}

// engineRunner ties transport acquisition and the engine into a
// Retryable so a dead bus is reacquired rather than killing the
// process.
type engineRunner struct {
	ctx   context.Context
	cfg   m7dash.Config
	calib *m7dash.CalibrationStore
	sink  m7dash.Sink

	bus    canbus.Bus
	engine *m7dash.Engine
}

func (r *engineRunner) Name() string {
	return "telemetry-engine"
}

func (r *engineRunner) Open() error {
	bus, status, err := canbus.Acquire(r.ctx, canbus.Options{
		Bitrate:       r.cfg.Bus.Bitrate,
		Timeout:       time.Duration(r.cfg.Bus.TimeoutSecs * float64(time.Second)),
		RetryInterval: time.Duration(r.cfg.Bus.RetryIntervalMS) * time.Millisecond,
		Interface:     r.cfg.Bus.Interface,
		Device:        r.cfg.Bus.Device,
		ProbeGPS:      r.cfg.Bus.ProbeGPS,
		GPSDevice:     r.cfg.Bus.GPSDevice,
	})
	if err != nil {
		return err
	}
	if status.Degraded {
		log.WithField("status", status.Summary()).
			Warn("starting degraded: bus only")
	}
	r.bus = bus
	r.engine = m7dash.NewEngine(bus, r.sink, r.calib, r.cfg.Engine)
	return nil
}

func (r *engineRunner) Close() error {
	if r.bus == nil {
		return nil
	}
	err := r.bus.Close()
	r.bus = nil
	return err
}

func (r *engineRunner) Start(ctx context.Context) error {
	return r.engine.Run(ctx)
}
