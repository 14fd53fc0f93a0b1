package m7dash

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/andyching168/m7dash/canbus"
)

// readErrorSleep is a package variable so tests can drop the delay.
var readErrorSleep = 100 * time.Millisecond

// runReceiver is the frame receive and dispatch loop. A read timeout
// with no frame is not an error; transport errors are fatal only once
// they occur maxConsecutiveReadErrors times in a row.
func (e *Engine) runReceiver(ctx context.Context) error {
	log.Info("frame receiver started")
	consecutive := 0
	frames := 0
	rateStart := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Info("frame receiver stopped")
			return ctx.Err()
		default:
		}

		frame, err := e.bus.Recv(readTimeout)
		if err != nil {
			atomic.AddUint64(&e.readErrors, 1)
			consecutive++
			if consecutive >= maxConsecutiveReadErrors {
				log.WithField("errors", consecutive).
					Error("receive loop stopping after consecutive bus errors")
				return errors.Wrap(err, "bus receive")
			}
			log.WithField("err", err).Warn("bus receive error")
			time.Sleep(readErrorSleep)
			continue
		}
		if frame == nil {
			// timed out with nothing to read
			continue
		}
		consecutive = 0
		atomic.AddUint64(&e.framesReceived, 1)

		frames++
		if elapsed := frame.At.Sub(rateStart); elapsed >= time.Second {
			rate := float64(frames) / elapsed.Seconds()
			atomic.StoreUint64(&e.frameRateBits, math.Float64bits(rate))
			log.WithField("hz", rate).Debug("bus receive rate")
			frames = 0
			rateStart = frame.At
		}

		e.dispatch(frame)
	}
}

// dispatch routes a frame by arbitration id. Identifiers we do not
// recognize are someone else's traffic.
func (e *Engine) dispatch(f *canbus.Frame) {
	switch f.ID {
	case ecuResponseID, tcmResponseID:
		e.handleDiagnostic(f)
	case frameTransmissionStatus:
		e.handleTransmission(f)
	case frameFuelCruise:
		e.handleFuelCruise(f)
	case frameWheelSpeed:
		e.handleWheelSpeed(f)
	case frameBodyStatus:
		e.handleBodyStatus(f)
	}
}

// handleDiagnostic correlates a service-01 positive response with the
// parameter it answers. Responses arrive asynchronously; the scheduler
// never waits for them.
func (e *Engine) handleDiagnostic(f *canbus.Frame) {
	if f.Length < 3 {
		e.malformed(f)
		return
	}
	if f.Data[1] != serviceCurrentData+serviceResponseOffset {
		e.decodeError(f, "not a service-01 positive response")
		return
	}
	desc := lookupPID(f.Data[2])
	if desc == nil {
		// a parameter we never requested
		return
	}
	if f.Length < desc.minLen {
		e.malformed(f)
		return
	}
	raw := desc.decode(f.Data[:])

	switch desc.pid {
	case pidEngineRPM:
		smoothed := e.rpm.update(raw)
		e.state.RPM = smoothed
		if e.rpmGate.pass(roundInt(smoothed)) {
			e.emit(Update{Channel: ChannelRPM, Value: Number(smoothed), At: f.At})
		}
	case pidVehicleSpeed:
		e.updateSpeed(raw, f.At)
	case pidCoolantTemp:
		if f.ID != ecuResponseID {
			// only the engine ECU reports coolant temperature
			return
		}
		norm := normalizeCoolant(raw)
		e.state.CoolantTemp = norm
		if e.coolantGate.pass(roundInt(norm)) {
			e.emit(Update{Channel: ChannelCoolant, Value: Number(norm), At: f.At})
		}
	case pidIntakePressure:
		e.state.TurboBar = raw
		if e.turboGate.pass(roundInt(raw * 100)) {
			e.emit(Update{Channel: ChannelTurbo, Value: Number(raw), At: f.At})
		}
	case pidBatteryVoltage:
		e.state.BatteryVolts = raw
		if e.batteryGate.pass(roundInt(raw * 10)) {
			e.emit(Update{Channel: ChannelBattery, Value: Number(raw), At: f.At})
		}
	case pidMassAirFlow:
		// not displayed; kept for fuel economy estimation downstream
		e.state.MassAirFlow = raw
	}
}

// updateSpeed smooths a raw speed sample and emits the corrected value
// when its integer rendering changes. Both the diagnostic speed PID and
// the wheel-speed frame land here.
func (e *Engine) updateSpeed(raw float64, at time.Time) {
	smoothed := e.speed.update(raw)
	corrected := e.correctedSpeed(smoothed)
	e.state.SpeedRaw = raw
	e.state.SpeedCorrected = corrected
	if e.speedGate.pass(roundInt(corrected)) {
		e.emit(Update{Channel: ChannelSpeed, Value: Number(corrected), At: at})
	}
}

func (e *Engine) handleTransmission(f *canbus.Frame) {
	mode, status, err := decodeTransmissionStatus(f)
	if err != nil {
		e.malformed(f)
		return
	}
	gear := e.gears.decode(mode, status)
	e.state.Gear = gear
	if e.gearGate.pass(gear) {
		e.emit(Update{Channel: ChannelGear, Value: State(string(gear)), At: f.At})
	}
}

func (e *Engine) handleFuelCruise(f *canbus.Frame) {
	fuel, cruise, err := decodeFuelCruise(f)
	if err != nil {
		e.malformed(f)
		return
	}
	value, emit := e.fuel.update(fuel, f.At)
	e.state.FuelLevel = value
	if emit {
		e.emit(Update{Channel: ChannelFuel, Value: Number(value), At: f.At})
	}
	e.state.Cruise = cruise
	if e.cruiseGate.pass(cruise) {
		e.emit(Update{Channel: ChannelCruise, Value: CruiseValue(cruise), At: f.At})
	}
}

func (e *Engine) handleWheelSpeed(f *canbus.Frame) {
	raw, err := decodeWheelSpeed(f)
	if err != nil {
		e.malformed(f)
		return
	}
	e.updateSpeed(raw, f.At)
}

func (e *Engine) handleBodyStatus(f *canbus.Frame) {
	bs, err := decodeBodyStatus(f)
	if err != nil {
		e.malformed(f)
		return
	}
	e.state.TurnSignal = bs.Turn
	if e.turnGate.pass(bs.Turn) {
		e.emit(Update{Channel: ChannelTurnSignal, Value: State(string(bs.Turn)), At: f.At})
	}
	for i, door := range Doors {
		closed := bs.DoorClosed[i]
		e.state.DoorClosed[door] = closed
		if e.doorGates[i].pass(closed) {
			e.emit(Update{Channel: ChannelDoor, Door: door, Value: Flag(closed), At: f.At})
		}
	}
}

func (e *Engine) malformed(f *canbus.Frame) {
	n := atomic.AddUint64(&e.malformedFrames, 1)
	if n%10 == 0 {
		log.WithField("canID", f.ID).
			WithField("skipped", n).
			Warn("skipping malformed frames")
	}
}

func (e *Engine) decodeError(f *canbus.Frame, reason string) {
	atomic.AddUint64(&e.decodeErrors, 1)
	log.WithField("canID", f.ID).
		WithField("reason", reason).
		Debug("skipping undecodable frame")
}

// normalizeCoolant maps coolant temperature to a 0-100 display scale:
// 40°C reads empty, 120°C reads full.
func normalizeCoolant(tempC float64) float64 {
	norm := (tempC - 40) / 80 * 100
	if norm < 0 {
		return 0
	}
	if norm > 100 {
		return 100
	}
	return norm
}
