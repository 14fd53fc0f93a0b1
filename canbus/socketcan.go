package canbus

import (
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/brutella/can"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// rawBus is the subset of *can.Bus the SocketCAN transport uses,
// declared as an interface so tests can substitute a stub.
type rawBus interface {
	SubscribeFunc(can.HandlerFunc)
	ConnectAndPublish() error
	Disconnect() error
	Publish(can.Frame) error
}

// to allow testing
var socketCANDial = func(iface string) (rawBus, error) {
	return can.NewBusForInterfaceWithName(iface)
}

// SocketCAN bridges a platform-native CAN network interface into the
// bounded-timeout Recv model: a subscription goroutine pushes frames
// into a buffered channel that Recv drains.
type SocketCAN struct {
	iface  string
	bus    rawBus
	frames chan Frame
	runErr chan error
	dead   error
}

func OpenSocketCAN(iface string) (*SocketCAN, error) {
	bus, err := socketCANDial(iface)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open socketcan interface %s", iface)
	}
	s := &SocketCAN{
		iface:  iface,
		bus:    bus,
		frames: make(chan Frame, frameBufferSize),
		runErr: make(chan error, 1),
	}
	bus.SubscribeFunc(s.handleFrame)
	go func() {
		s.runErr <- bus.ConnectAndPublish()
	}()
	log.WithField("interface", iface).Info("socketcan opened and subscribed")
	return s, nil
}

func (s *SocketCAN) handleFrame(f can.Frame) {
	frame := Frame{
		ID:     f.ID & MaxStandardID,
		Length: f.Length,
		Data:   f.Data,
		At:     time.Now(),
	}
	select {
	case s.frames <- frame:
	default:
	}
}

func (s *SocketCAN) Recv(timeout time.Duration) (*Frame, error) {
	if s.dead != nil {
		return nil, s.dead
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-s.frames:
		return &f, nil
	case err := <-s.runErr:
		if err == nil {
			err = errConnectionClosed
		}
		s.dead = err
		return nil, err
	case <-timer.C:
		return nil, nil
	}
}

func (s *SocketCAN) Send(f Frame) error {
	return s.bus.Publish(can.Frame{
		ID:     f.ID,
		Length: f.Length,
		Data:   f.Data,
	})
}

func (s *SocketCAN) Close() error {
	return s.bus.Disconnect()
}

func (s *SocketCAN) Name() string {
	return "socketcan (" + s.iface + ")"
}

// to allow testing
var runIPCommand = func(args ...string) ([]byte, error) {
	return exec.Command("ip", args...).Output()
}

type canInterface struct {
	name string
	up   bool
}

// listCANInterfaces enumerates the platform's CAN network interfaces
// and whether each is administratively up.
func listCANInterfaces() ([]canInterface, error) {
	out, err := runIPCommand("-o", "link", "show", "type", "can")
	if err != nil {
		return nil, errors.Wrap(err, "unable to list CAN interfaces")
	}
	var ifaces []canInterface
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if at := strings.Index(name, "@"); at >= 0 {
			name = name[:at]
		}
		ifaces = append(ifaces, canInterface{
			name: name,
			up:   strings.Contains(fields[2], "UP"),
		})
	}
	return ifaces, nil
}

// bringUpInterface configures a downed CAN interface and brings it up.
// Needs CAP_NET_ADMIN; failure falls back to the next strategy.
func bringUpInterface(iface string, bitrate int) error {
	if _, err := runIPCommand("link", "set", iface, "up", "type", "can",
		"bitrate", strconv.Itoa(bitrate)); err != nil {
		return errors.Wrapf(err, "unable to bring up %s", iface)
	}
	log.WithField("interface", iface).
		WithField("bitrate", bitrate).
		Info("brought up CAN interface")
	return nil
}
