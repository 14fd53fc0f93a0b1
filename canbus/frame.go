package canbus

import "time"

// MaxStandardID is the largest 11-bit arbitration identifier.
const MaxStandardID uint32 = 0x7FF

// Frame is a single classical CAN message: an 11-bit arbitration
// identifier and up to 8 payload bytes. Frames are created per read and
// discarded after dispatch.
type Frame struct {
	ID     uint32
	Length uint8
	Data   [8]byte
	At     time.Time // receipt time, stamped by the transport
}

// Payload returns the valid portion of the data array.
func (f *Frame) Payload() []byte {
	n := f.Length
	if n > 8 {
		n = 8
	}
	return f.Data[:n]
}
