package canbus

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

var slcanBitrates = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

// to allow testing
var serialOpen = func(device string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(device, mode)
}

// to allow testing
var listSerialPorts = func() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

// SLCAN drives a serial CAN bridge (CANable and friends) speaking the
// Lawicel SLCAN protocol.
type SLCAN struct {
	device  string
	port    serial.Port
	frames  chan Frame
	readErr chan error
	closing chan struct{}
	dead    error
}

func OpenSLCAN(device string, bitrate int) (*SLCAN, error) {
	code, ok := slcanBitrates[bitrate]
	if !ok {
		return nil, errors.Errorf("unsupported slcan bitrate %d", bitrate)
	}
	port, err := serialOpen(device, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open serial port %s", device)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "unable to set serial read timeout")
	}

	s := &SLCAN{
		device:  device,
		port:    port,
		frames:  make(chan Frame, frameBufferSize),
		readErr: make(chan error, 1),
		closing: make(chan struct{}),
	}

	// close any stale channel, set the bitrate, open
	for _, cmd := range []string{"\rC\r", code + "\r", "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			return nil, errors.Wrap(err, "unable to configure slcan bridge")
		}
	}

	go s.readLoop()
	log.WithField("device", device).WithField("bitrate", bitrate).Info("slcan bridge opened")
	return s, nil
}

func (s *SLCAN) readLoop() {
	buf := make([]byte, 64)
	line := make([]byte, 0, 32)
	for {
		select {
		case <-s.closing:
			return
		default:
		}
		n, err := s.port.Read(buf)
		if err != nil {
			select {
			case <-s.closing:
			case s.readErr <- err:
			}
			return
		}
		for _, b := range buf[:n] {
			switch b {
			case '\r':
				s.parseLine(string(line))
				line = line[:0]
			case 0x07: // bell: the bridge rejected a command
				line = line[:0]
			default:
				line = append(line, b)
			}
		}
	}
}

// parseLine handles a single SLCAN response line. Only standard data
// frames ("t...") matter; everything else is command echo.
func (s *SLCAN) parseLine(line string) {
	if len(line) == 0 || line[0] != 't' {
		return
	}
	if len(line) < 5 {
		log.WithField("line", line).Debug("truncated slcan frame")
		return
	}
	id, err := strconv.ParseUint(line[1:4], 16, 32)
	if err != nil {
		log.WithField("line", line).Debug("bad slcan frame id")
		return
	}
	dlc := int(line[4] - '0')
	if dlc < 0 || dlc > 8 || len(line) < 5+2*dlc {
		log.WithField("line", line).Debug("bad slcan frame length")
		return
	}
	frame := Frame{
		ID:     uint32(id) & MaxStandardID,
		Length: uint8(dlc),
		At:     time.Now(),
	}
	for i := 0; i < dlc; i++ {
		v, err := strconv.ParseUint(line[5+2*i:7+2*i], 16, 8)
		if err != nil {
			log.WithField("line", line).Debug("bad slcan frame data")
			return
		}
		frame.Data[i] = byte(v)
	}
	select {
	case s.frames <- frame:
	default:
	}
}

func (s *SLCAN) Recv(timeout time.Duration) (*Frame, error) {
	if s.dead != nil {
		return nil, s.dead
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-s.frames:
		return &f, nil
	case err := <-s.readErr:
		s.dead = err
		return nil, err
	case <-timer.C:
		return nil, nil
	}
}

func (s *SLCAN) Send(f Frame) error {
	_, err := s.port.Write([]byte(frameCommand(f)))
	return errors.Wrap(err, "unable to write slcan frame")
}

// frameCommand renders a frame as an SLCAN transmit command.
func frameCommand(f Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "t%03X%d", f.ID&MaxStandardID, f.Length)
	for _, d := range f.Payload() {
		fmt.Fprintf(&b, "%02X", d)
	}
	b.WriteByte('\r')
	return b.String()
}

func (s *SLCAN) Close() error {
	close(s.closing)
	if _, err := s.port.Write([]byte("C\r")); err != nil {
		log.WithField("err", err).Debug("unable to close slcan channel")
	}
	return s.port.Close()
}

func (s *SLCAN) Name() string {
	return "slcan (" + s.device + ")"
}

// findSLCANDevice scans the serial ports for a USB CAN bridge.
func findSLCANDevice() (string, error) {
	ports, err := listSerialPorts()
	if err != nil {
		return "", errors.Wrap(err, "unable to list serial ports")
	}
	for _, p := range ports {
		if strings.Contains(strings.ToLower(p.Product), "canable") {
			return p.Name, nil
		}
	}
	return "", errors.New("no CAN bridge found on serial ports")
}
