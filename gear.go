package m7dash

import "strconv"

// gearDecoder turns the transmission's 5-bit mode field and secondary
// status byte into a display gear. The transmission controller emits
// transient out-of-range codes mid-shift; those hold the last known
// gear instead of overwriting it, which would flicker the display.
type gearDecoder struct {
	gear  Gear
	known bool
}

func (d *gearDecoder) decode(mode, status byte) Gear {
	switch {
	case mode == 0x00:
		// P and N share mode 0; the secondary byte's low nibble is 4
		// in neutral.
		if status&0x0f == 0x04 {
			d.hold(GearNeutral)
		} else {
			d.hold(GearPark)
		}
	case mode == 0x07:
		d.hold(GearReverse)
	case mode >= 0x01 && mode <= 0x05:
		d.hold(Gear(strconv.Itoa(int(mode))))
	default:
		if !d.known {
			d.hold(Gear("5"))
		}
	}
	return d.gear
}

func (d *gearDecoder) hold(g Gear) {
	d.gear = g
	d.known = true
}
