package m7dash

import (
	"github.com/andyching168/m7dash/canbus"
)

// OBD-II over CAN: requests go to the broadcast diagnostic id, positive
// service-01 responses come back from the engine ECU or the TCM.
const (
	obdRequestID  uint32 = 0x7DF
	ecuResponseID uint32 = 0x7E8
	tcmResponseID uint32 = 0x7E9

	serviceCurrentData    byte = 0x01
	serviceResponseOffset byte = 0x40
)

const (
	pidCoolantTemp    byte = 0x05
	pidIntakePressure byte = 0x0B
	pidEngineRPM      byte = 0x0C
	pidVehicleSpeed   byte = 0x0D
	pidMassAirFlow    byte = 0x10
	pidBatteryVoltage byte = 0x42
)

type pidTier int

const (
	tierHigh pidTier = iota
	tierLow
)

// pidDescriptor describes one diagnostic parameter: how often to poll
// it and how to turn a positive response payload into a raw value.
type pidDescriptor struct {
	pid    byte
	name   string
	tier   pidTier
	minLen uint8 // minimum payload length for decode
	decode func(data []byte) float64
}

// pidTable is static; it is never mutated at runtime.
var pidTable = []pidDescriptor{
	{pidEngineRPM, "rpm", tierHigh, 5, func(d []byte) float64 {
		return (float64(d[3])*256 + float64(d[4])) / 4
	}},
	{pidVehicleSpeed, "speed", tierHigh, 4, func(d []byte) float64 {
		return float64(d[3])
	}},
	{pidCoolantTemp, "coolant_temp", tierLow, 4, func(d []byte) float64 {
		return float64(d[3]) - 40
	}},
	{pidIntakePressure, "intake_pressure", tierLow, 4, func(d []byte) float64 {
		return (float64(d[3]) - 101) / 100
	}},
	{pidBatteryVoltage, "battery_voltage", tierLow, 5, func(d []byte) float64 {
		return (float64(d[3])*256 + float64(d[4])) / 1000
	}},
	{pidMassAirFlow, "mass_air_flow", tierLow, 5, func(d []byte) float64 {
		return (float64(d[3])*256 + float64(d[4])) / 100
	}},
}

func lookupPID(pid byte) *pidDescriptor {
	for i := range pidTable {
		if pidTable[i].pid == pid {
			return &pidTable[i]
		}
	}
	return nil
}

func pidsByTier(tier pidTier) []pidDescriptor {
	var out []pidDescriptor
	for _, d := range pidTable {
		if d.tier == tier {
			out = append(out, d)
		}
	}
	return out
}

func obdRequest(pid byte) canbus.Frame {
	return canbus.Frame{
		ID:     obdRequestID,
		Length: 8,
		Data:   [8]byte{0x02, serviceCurrentData, pid},
	}
}
