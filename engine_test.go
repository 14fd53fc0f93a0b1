package m7dash

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/andyching168/m7dash/canbus"
)

var errConnectionLost = errors.New("connection lost")

type sinkStub struct {
	mu      sync.Mutex
	updates []Update
}

func (s *sinkStub) Emit(u Update) {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
}

func (s *sinkStub) all() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates...)
}

func (s *sinkStub) byChannel(c Channel) []Update {
	var out []Update
	for _, u := range s.all() {
		if u.Channel == c {
			out = append(out, u)
		}
	}
	return out
}

type busStub struct {
	mu      sync.Mutex
	recvErr error
	sendErr error
	sent    []canbus.Frame
}

func (b *busStub) Recv(timeout time.Duration) (*canbus.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recvErr != nil {
		return nil, b.recvErr
	}
	return nil, nil
}

func (b *busStub) Send(f canbus.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, f)
	return nil
}

func (b *busStub) Close() error { return nil }
func (b *busStub) Name() string { return "stub" }

func (b *busStub) sentPIDs() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	pids := make([]byte, len(b.sent))
	for i, f := range b.sent {
		pids[i] = f.Data[2]
	}
	return pids
}

func newTestEngine(cfg EngineConfig) (*Engine, *sinkStub, *busStub) {
	sink := &sinkStub{}
	bus := &busStub{}
	return NewEngine(bus, sink, nil, cfg), sink, bus
}

func diagFrame(id uint32, data ...byte) *canbus.Frame {
	f := &canbus.Frame{ID: id, Length: 8, At: time.Now()}
	copy(f.Data[:], data)
	return f
}

func TestDiagnosticRPMEmitted(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{})
	e.dispatch(diagFrame(ecuResponseID, 0x04, 0x41, 0x0C, 0x0F, 0xA0))

	updates := sink.byChannel(ChannelRPM)
	assert.Len(t, updates, 1)
	assert.InDelta(t, 1010.0, updates[0].Value.Num, 1e-9)
}

func TestDiagnosticDebounce(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{})
	f := diagFrame(ecuResponseID, 0x04, 0x41, 0x0C, 0x0F, 0xA0)
	e.dispatch(f)
	e.dispatch(f)
	e.dispatch(f)

	// the smoothed value converges on the same integer
	assert.Len(t, sink.byChannel(ChannelRPM), 1)
}

func TestSpeedFixedMode(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{SpeedMode: string(SpeedModeFixed)})
	e.dispatch(diagFrame(ecuResponseID, 0x03, 0x41, 0x0D, 50))

	updates := sink.byChannel(ChannelSpeed)
	assert.Len(t, updates, 1)
	assert.InDelta(t, 50*1.05+0.8, updates[0].Value.Num, 1e-9)
}

func TestSpeedCalibratedMode(t *testing.T) {
	calib := NewCalibrationStore(calibrationPath(t))
	calib.SetEnabled(true)
	assert.NoError(t, calib.Set(1.1, false))

	sink := &sinkStub{}
	e := NewEngine(&busStub{}, sink, calib,
		EngineConfig{SpeedMode: string(SpeedModeCalibrated)})
	e.dispatch(diagFrame(ecuResponseID, 0x03, 0x41, 0x0D, 50))

	updates := sink.byChannel(ChannelSpeed)
	assert.Len(t, updates, 1)
	assert.InDelta(t, 55.0, updates[0].Value.Num, 1e-9)
}

func TestSpeedGPSModePassesThrough(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{SpeedMode: string(SpeedModeGPS)})
	e.dispatch(diagFrame(ecuResponseID, 0x03, 0x41, 0x0D, 50))

	updates := sink.byChannel(ChannelSpeed)
	assert.Len(t, updates, 1)
	assert.InDelta(t, 50.0, updates[0].Value.Num, 1e-9)
}

func TestWheelSpeedFeedsSpeedChannel(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{SpeedMode: string(SpeedModeGPS)})
	e.dispatch(diagFrame(frameWheelSpeed, 60))

	updates := sink.byChannel(ChannelSpeed)
	assert.Len(t, updates, 1)
	assert.InDelta(t, 60.0, updates[0].Value.Num, 1e-9)
}

func TestCoolantOnlyFromEngineECU(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{})
	e.dispatch(diagFrame(tcmResponseID, 0x03, 0x41, 0x05, 0x7D))
	assert.Empty(t, sink.byChannel(ChannelCoolant))

	e.dispatch(diagFrame(ecuResponseID, 0x03, 0x41, 0x05, 0x7D))
	updates := sink.byChannel(ChannelCoolant)
	assert.Len(t, updates, 1)
	assert.InDelta(t, normalizeCoolant(85), updates[0].Value.Num, 1e-9)
}

func TestMassAirFlowIsStateOnly(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{})
	e.dispatch(diagFrame(ecuResponseID, 0x04, 0x41, 0x10, 0x01, 0xF4))

	assert.Empty(t, sink.all())
	assert.InDelta(t, 5.0, e.state.MassAirFlow, 1e-9)
}

func TestDecodeErrorCounted(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{})
	e.dispatch(diagFrame(ecuResponseID, 0x03, 0x7F, 0x01, 0x12))

	assert.Empty(t, sink.all())
	assert.Equal(t, uint64(1), e.Stats().DecodeErrors)
}

func TestMalformedFrameCounted(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{})
	f := &canbus.Frame{ID: frameTransmissionStatus, Length: 1, At: time.Now()}
	e.dispatch(f)

	assert.Empty(t, sink.all())
	assert.Equal(t, uint64(1), e.Stats().MalformedFrames)
}

func TestUnknownIDIgnored(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{})
	e.dispatch(diagFrame(0x123, 0xDE, 0xAD, 0xBE, 0xEF))

	assert.Empty(t, sink.all())
	assert.Equal(t, uint64(0), e.Stats().MalformedFrames)
}

func TestUnrequestedPIDIgnored(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{})
	e.dispatch(diagFrame(ecuResponseID, 0x03, 0x41, 0x1F, 0x00))

	assert.Empty(t, sink.all())
	assert.Equal(t, uint64(0), e.Stats().DecodeErrors)
}

func TestFuelCruiseDispatch(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{})
	e.dispatch(diagFrame(frameFuelCruise, 0x64, 0x03))

	fuel := sink.byChannel(ChannelFuel)
	assert.Len(t, fuel, 1)
	assert.InDelta(t, 100*fuelLevelScale, fuel[0].Value.Num, 1e-9)

	cruise := sink.byChannel(ChannelCruise)
	assert.Len(t, cruise, 1)
	assert.Equal(t, Cruise{SwitchOn: true, Engaged: true}, cruise[0].Value.Cruise)
}

func TestBodyStatusDispatch(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{})
	f := diagFrame(frameBodyStatus, 0x01, 0x02)
	e.dispatch(f)

	turns := sink.byChannel(ChannelTurnSignal)
	assert.Len(t, turns, 1)
	assert.Equal(t, string(TurnSignalLeft), turns[0].Value.State)

	doors := sink.byChannel(ChannelDoor)
	assert.Len(t, doors, 5)
	for _, u := range doors {
		if u.Door == DoorFrontRight {
			assert.False(t, u.Value.Flag)
		} else {
			assert.True(t, u.Value.Flag)
		}
	}

	// identical frame again is all no-ops
	e.dispatch(f)
	assert.Len(t, sink.byChannel(ChannelTurnSignal), 1)
	assert.Len(t, sink.byChannel(ChannelDoor), 5)
}

func TestGearDispatchEmitsOnChange(t *testing.T) {
	e, sink, _ := newTestEngine(EngineConfig{})
	e.dispatch(diagFrame(frameTransmissionStatus, 0x00, 0x80))
	e.dispatch(diagFrame(frameTransmissionStatus, 0x00, 0x80))
	e.dispatch(diagFrame(frameTransmissionStatus, 0x07, 0x00))

	gears := sink.byChannel(ChannelGear)
	assert.Len(t, gears, 2)
	assert.Equal(t, string(GearPark), gears[0].Value.State)
	assert.Equal(t, string(GearReverse), gears[1].Value.State)
}

func TestRunStopsAfterConsecutiveReadErrors(t *testing.T) {
	oldSleep := readErrorSleep
	readErrorSleep = 0
	defer func() { readErrorSleep = oldSleep }()

	sink := &sinkStub{}
	bus := &busStub{recvErr: errConnectionLost}
	e := NewEngine(bus, sink, nil, EngineConfig{QueryIntervalMS: 1})

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receive loop did not stop")
	}
	assert.Equal(t, uint64(maxConsecutiveReadErrors), e.Stats().ReadErrors)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	e, _, _ := newTestEngine(EngineConfig{QueryIntervalMS: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func TestSchedulerCadence(t *testing.T) {
	e, _, bus := newTestEngine(EngineConfig{QueryIntervalMS: 1, LowPIDEvery: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.runScheduler(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(bus.sentPIDs()) < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	pids := bus.sentPIDs()
	assert.GreaterOrEqual(t, len(pids), 10)

	// two high cycles, then the first low parameter, twice over
	expected := []byte{
		pidEngineRPM, pidVehicleSpeed,
		pidEngineRPM, pidVehicleSpeed, pidCoolantTemp,
		pidEngineRPM, pidVehicleSpeed,
		pidEngineRPM, pidVehicleSpeed, pidIntakePressure,
	}
	assert.Equal(t, expected, pids[:10])
}

func TestSchedulerToleratesSendFailure(t *testing.T) {
	oldSleep := sendFailureSleep
	sendFailureSleep = 0
	defer func() { sendFailureSleep = oldSleep }()

	e, _, bus := newTestEngine(EngineConfig{QueryIntervalMS: 1, LowPIDEvery: 2})
	bus.sendErr = errConnectionLost

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	e.runScheduler(ctx)

	assert.Empty(t, bus.sentPIDs())
}
