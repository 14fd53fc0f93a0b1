package m7dash

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type Gear string

const (
	GearPark    Gear = "P"
	GearNeutral Gear = "N"
	GearReverse Gear = "R"
)

type TurnSignal string

const (
	TurnSignalOff   TurnSignal = "off"
	TurnSignalLeft  TurnSignal = "left_on"
	TurnSignalRight TurnSignal = "right_on"
	TurnSignalBoth  TurnSignal = "both_on"
)

type Door string

const (
	DoorFrontLeft  Door = "FL"
	DoorFrontRight Door = "FR"
	DoorRearLeft   Door = "RL"
	DoorRearRight  Door = "RR"
	DoorBack       Door = "BK"
)

// Doors lists every door in body-status bit order.
var Doors = [5]Door{DoorFrontLeft, DoorFrontRight, DoorRearLeft, DoorRearRight, DoorBack}

type Cruise struct {
	SwitchOn bool
	Engaged  bool
}

// VehicleState is the engine's view of the vehicle. It is owned by the
// receive loop; consumers only ever see it through emitted updates.
type VehicleState struct {
	RPM            float64
	SpeedRaw       float64
	SpeedCorrected float64
	FuelLevel      float64
	CoolantTemp    float64 // display-normalized, 0-100
	Gear           Gear
	TurnSignal     TurnSignal
	DoorClosed     map[Door]bool
	Cruise         Cruise
	TurboBar       float64
	BatteryVolts   float64
	MassAirFlow    float64 // g/s, feeds fuel economy estimation downstream
}

// Stats is a snapshot of the engine's diagnostic counters.
type Stats struct {
	FramesReceived  uint64
	MalformedFrames uint64
	DecodeErrors    uint64
	ReadErrors      uint64
	FrameRate       float64 // frames per second over the last interval
}

type Channel string

const (
	ChannelRPM        Channel = "rpm"
	ChannelSpeed      Channel = "speed"
	ChannelFuel       Channel = "fuel"
	ChannelCoolant    Channel = "coolant_temp"
	ChannelGear       Channel = "gear"
	ChannelTurnSignal Channel = "turn_signal"
	ChannelDoor       Channel = "door"
	ChannelCruise     Channel = "cruise"
	ChannelTurbo      Channel = "turbo"
	ChannelBattery    Channel = "battery"
)

type ValueKind int

const (
	KindNumber ValueKind = iota
	KindState
	KindFlag
	KindCruise
)

// Value is a decoded signal value. Every frame decoder produces one of
// these so downstream code never branches on representation.
type Value struct {
	Kind   ValueKind
	Num    float64
	State  string
	Flag   bool
	Cruise Cruise
}

func Number(v float64) Value {
	return Value{Kind: KindNumber, Num: v}
}

func State(s string) Value {
	return Value{Kind: KindState, State: s}
}

func Flag(b bool) Value {
	return Value{Kind: KindFlag, Flag: b}
}

func CruiseValue(c Cruise) Value {
	return Value{Kind: KindCruise, Cruise: c}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Num)
	case KindState:
		return json.Marshal(v.State)
	case KindFlag:
		return json.Marshal(v.Flag)
	case KindCruise:
		return json.Marshal(struct {
			SwitchOn bool `json:"switch_on"`
			Engaged  bool `json:"engaged"`
		}{v.Cruise.SwitchOn, v.Cruise.Engaged})
	}
	return nil, errors.Errorf("unknown value kind %d", v.Kind)
}

// Update is a single conditioned channel change. Door is set only for
// the door channel.
type Update struct {
	Channel Channel   `json:"channel"`
	Door    Door      `json:"door,omitempty"`
	Value   Value     `json:"value"`
	At      time.Time `json:"at"`
}
