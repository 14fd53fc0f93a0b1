package m7dash

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/andyching168/m7dash/canbus"
)

type SpeedMode string

const (
	SpeedModeCalibrated SpeedMode = "calibrated"
	SpeedModeFixed      SpeedMode = "fixed"
	SpeedModeGPS        SpeedMode = "gps"
)

const (
	// Short read timeout so the stop signal is observed promptly.
	readTimeout = 10 * time.Millisecond

	maxConsecutiveReadErrors = 100

	schedulerJoinTimeout = 2 * time.Second

	// Empirical constants for the fixed speed-correction mode.
	fixedModeScale  = 1.05
	fixedModeOffset = 0.8
)

// Engine owns the telemetry acquisition pipeline: the frame receive
// loop, the diagnostic query scheduler and the per-channel signal
// conditioners. It reads from a single bus handle shared with the
// scheduler; only sends are lock-guarded since the read side is
// single-consumer.
type Engine struct {
	bus   canbus.Bus
	sink  Sink
	calib *CalibrationStore

	mode          SpeedMode
	queryInterval time.Duration
	lowPIDEvery   int

	sendMu sync.Mutex

	rpm   ema
	speed ema
	fuel  fuelSmoother
	gears gearDecoder

	rpmGate     changeGate[int]
	speedGate   changeGate[int]
	coolantGate changeGate[int]
	turboGate   changeGate[int] // hundredths of a bar
	batteryGate changeGate[int] // tenths of a volt
	gearGate    changeGate[Gear]
	turnGate    changeGate[TurnSignal]
	doorGates   [5]changeGate[bool]
	cruiseGate  changeGate[Cruise]

	state VehicleState

	framesReceived  uint64
	malformedFrames uint64
	decodeErrors    uint64
	readErrors      uint64
	frameRateBits   uint64
}

func NewEngine(bus canbus.Bus, sink Sink, calib *CalibrationStore, cfg EngineConfig) *Engine {
	def := DefaultConfig().Engine
	if cfg.RPMAlpha == 0 {
		cfg.RPMAlpha = def.RPMAlpha
	}
	if cfg.SpeedAlpha == 0 {
		cfg.SpeedAlpha = def.SpeedAlpha
	}
	if cfg.SpeedMode == "" {
		cfg.SpeedMode = def.SpeedMode
	}
	if cfg.FuelRapidRise == 0 {
		cfg.FuelRapidRise = def.FuelRapidRise
	}
	if cfg.FuelMaxStep == 0 {
		cfg.FuelMaxStep = def.FuelMaxStep
	}
	if cfg.FuelUpdateSecs == 0 {
		cfg.FuelUpdateSecs = def.FuelUpdateSecs
	}
	if cfg.QueryIntervalMS == 0 {
		cfg.QueryIntervalMS = def.QueryIntervalMS
	}
	if cfg.LowPIDEvery == 0 {
		cfg.LowPIDEvery = def.LowPIDEvery
	}

	return &Engine{
		bus:           bus,
		sink:          sink,
		calib:         calib,
		mode:          SpeedMode(cfg.SpeedMode),
		queryInterval: time.Duration(cfg.QueryIntervalMS) * time.Millisecond,
		lowPIDEvery:   cfg.LowPIDEvery,
		rpm:           ema{alpha: cfg.RPMAlpha},
		speed:         ema{alpha: cfg.SpeedAlpha},
		fuel: fuelSmoother{
			rapidRise:   cfg.FuelRapidRise,
			maxStep:     cfg.FuelMaxStep,
			minInterval: time.Duration(cfg.FuelUpdateSecs * float64(time.Second)),
		},
		state: VehicleState{
			DoorClosed: make(map[Door]bool),
		},
	}
}

// Run drives the receive loop on the calling goroutine and the query
// scheduler on a second one, until ctx is cancelled or the bus fails
// past the consecutive-error ceiling. The caller owns the bus handle
// and restart policy.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedDone := make(chan struct{})
	go func() {
		e.runScheduler(ctx)
		close(schedDone)
	}()

	err := e.runReceiver(ctx)

	cancel()
	select {
	case <-schedDone:
	case <-time.After(schedulerJoinTimeout):
		log.Warn("query scheduler did not stop in time")
	}
	return err
}

// Stats returns a snapshot of the diagnostic counters. Safe to call
// from any goroutine.
func (e *Engine) Stats() Stats {
	return Stats{
		FramesReceived:  atomic.LoadUint64(&e.framesReceived),
		MalformedFrames: atomic.LoadUint64(&e.malformedFrames),
		DecodeErrors:    atomic.LoadUint64(&e.decodeErrors),
		ReadErrors:      atomic.LoadUint64(&e.readErrors),
		FrameRate:       math.Float64frombits(atomic.LoadUint64(&e.frameRateBits)),
	}
}

func (e *Engine) emit(u Update) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(u)
}

// correctedSpeed applies the selected correction mode to the smoothed
// speed. Only the emitted value is corrected; smoothing state keeps the
// raw scale.
func (e *Engine) correctedSpeed(smoothed float64) float64 {
	switch e.mode {
	case SpeedModeFixed:
		return smoothed*fixedModeScale + fixedModeOffset
	case SpeedModeGPS:
		// correction is applied downstream by the GPS collaborator
		return smoothed
	default:
		if e.calib == nil {
			return smoothed
		}
		return smoothed * e.calib.Factor()
	}
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
