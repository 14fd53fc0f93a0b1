package m7dash

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/andyching168/m7dash/canbus"
)

func TestDecodeTransmissionStatus(t *testing.T) {
	f := &canbus.Frame{ID: frameTransmissionStatus, Length: 8, Data: [8]byte{0xE3, 0x84}}
	mode, status, err := decodeTransmissionStatus(f)
	assert.NoError(t, err)
	// only the low five bits are the mode field
	assert.Equal(t, byte(0x03), mode)
	assert.Equal(t, byte(0x84), status)

	_, _, err = decodeTransmissionStatus(&canbus.Frame{ID: frameTransmissionStatus, Length: 1})
	assert.Error(t, err)
}

func TestDecodeFuelCruise(t *testing.T) {
	f := &canbus.Frame{ID: frameFuelCruise, Length: 8, Data: [8]byte{0x64, 0x03}}
	fuel, cruise, err := decodeFuelCruise(f)
	assert.NoError(t, err)
	assert.InDelta(t, 100*fuelLevelScale, fuel, 1e-9)
	assert.Equal(t, Cruise{SwitchOn: true, Engaged: true}, cruise)

	f = &canbus.Frame{ID: frameFuelCruise, Length: 8, Data: [8]byte{0x00, 0x01}}
	fuel, cruise, err = decodeFuelCruise(f)
	assert.NoError(t, err)
	assert.Equal(t, 0.0, fuel)
	assert.Equal(t, Cruise{SwitchOn: true, Engaged: false}, cruise)

	_, _, err = decodeFuelCruise(&canbus.Frame{ID: frameFuelCruise, Length: 1})
	assert.Error(t, err)
}

func TestDecodeWheelSpeed(t *testing.T) {
	f := &canbus.Frame{ID: frameWheelSpeed, Length: 8, Data: [8]byte{0x5A}}
	speed, err := decodeWheelSpeed(f)
	assert.NoError(t, err)
	assert.Equal(t, 90.0, speed)

	_, err = decodeWheelSpeed(&canbus.Frame{ID: frameWheelSpeed, Length: 0})
	assert.Error(t, err)
}

func TestDecodeBodyStatus(t *testing.T) {
	// left indicator on, front-left and back doors open
	f := &canbus.Frame{ID: frameBodyStatus, Length: 8, Data: [8]byte{0x01, 0x11}}
	bs, err := decodeBodyStatus(f)
	assert.NoError(t, err)
	assert.Equal(t, TurnSignalLeft, bs.Turn)
	assert.Equal(t, [5]bool{false, true, true, true, false}, bs.DoorClosed)

	f = &canbus.Frame{ID: frameBodyStatus, Length: 8, Data: [8]byte{0x03, 0x00}}
	bs, err = decodeBodyStatus(f)
	assert.NoError(t, err)
	assert.Equal(t, TurnSignalBoth, bs.Turn)
	assert.Equal(t, [5]bool{true, true, true, true, true}, bs.DoorClosed)

	f = &canbus.Frame{ID: frameBodyStatus, Length: 8, Data: [8]byte{0x02, 0x00}}
	bs, _ = decodeBodyStatus(f)
	assert.Equal(t, TurnSignalRight, bs.Turn)

	f = &canbus.Frame{ID: frameBodyStatus, Length: 8}
	bs, _ = decodeBodyStatus(f)
	assert.Equal(t, TurnSignalOff, bs.Turn)

	_, err = decodeBodyStatus(&canbus.Frame{ID: frameBodyStatus, Length: 1})
	assert.Error(t, err)
}

func TestNormalizeCoolant(t *testing.T) {
	assert.Equal(t, 0.0, normalizeCoolant(40))
	assert.Equal(t, 50.0, normalizeCoolant(80))
	assert.Equal(t, 100.0, normalizeCoolant(120))
	assert.Equal(t, 0.0, normalizeCoolant(-10))
	assert.Equal(t, 100.0, normalizeCoolant(150))
}
