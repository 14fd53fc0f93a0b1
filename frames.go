package m7dash

import (
	"github.com/pkg/errors"

	"github.com/andyching168/m7dash/canbus"
)

// Vehicle-defined frames. Arbitration ids and bit layouts come from the
// Luxgen M7 body network.
const (
	frameTransmissionStatus uint32 = 0x340
	frameFuelCruise         uint32 = 0x335
	frameWheelSpeed         uint32 = 0x38A
	frameBodyStatus         uint32 = 0x420
)

const fuelLevelScale = 0.3984 // raw byte to percent

var errShortFrame = errors.New("payload too short")

// decodeTransmissionStatus extracts the 5-bit transmission mode and the
// secondary status byte used to split P from N.
func decodeTransmissionStatus(f *canbus.Frame) (mode, status byte, err error) {
	if f.Length < 2 {
		return 0, 0, errShortFrame
	}
	return f.Data[0] & 0x1f, f.Data[1], nil
}

func decodeFuelCruise(f *canbus.Frame) (fuel float64, cruise Cruise, err error) {
	if f.Length < 2 {
		return 0, Cruise{}, errShortFrame
	}
	fuel = float64(f.Data[0]) * fuelLevelScale
	cruise = Cruise{
		SwitchOn: f.Data[1]&0x01 != 0,
		Engaged:  f.Data[1]&0x02 != 0,
	}
	return fuel, cruise, nil
}

// decodeWheelSpeed returns the front-left wheel speed in km/h.
func decodeWheelSpeed(f *canbus.Frame) (float64, error) {
	if f.Length < 1 {
		return 0, errShortFrame
	}
	return float64(f.Data[0]), nil
}

type bodyStatus struct {
	Turn       TurnSignal
	DoorClosed [5]bool // indexed like Doors
}

func decodeBodyStatus(f *canbus.Frame) (bodyStatus, error) {
	var bs bodyStatus
	if f.Length < 2 {
		return bs, errShortFrame
	}
	left := f.Data[0]&0x01 != 0
	right := f.Data[0]&0x02 != 0
	switch {
	case left && right:
		bs.Turn = TurnSignalBoth
	case left:
		bs.Turn = TurnSignalLeft
	case right:
		bs.Turn = TurnSignalRight
	default:
		bs.Turn = TurnSignalOff
	}
	for i := range Doors {
		// door bit set means open
		bs.DoorClosed[i] = f.Data[1]&(1<<uint(i)) == 0
	}
	return bs, nil
}
