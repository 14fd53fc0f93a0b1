package canbus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	defaultBitrate       = 500000
	defaultRetryInterval = 500 * time.Millisecond
)

var gpsBaudRates = []int{9600, 115200, 38400}

// Options controls transport acquisition.
type Options struct {
	Bitrate       int
	Timeout       time.Duration // 0 waits forever
	RetryInterval time.Duration
	Interface     string // socketcan interface; empty = discover
	Device        string // slcan serial device; empty = discover
	ProbeGPS      bool   // also wait for the optional GPS peripheral
	GPSDevice     string
}

// Status reports how acquisition went, including per-strategy failure
// reasons when it didn't.
type Status struct {
	Transport string
	Attempts  int
	Elapsed   time.Duration
	Degraded  bool // bus obtained but an optional peripheral was not
	GPSReady  bool
	GPSDevice string
	Reasons   map[string]string // strategy name -> last failure
}

func (s *Status) Summary() string {
	parts := []string{}
	if s.Transport != "" {
		parts = append(parts, "transport: "+s.Transport)
	}
	keys := make([]string, 0, len(s.Reasons))
	for k := range s.Reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, s.Reasons[k]))
	}
	return strings.Join(parts, "; ")
}

// to allow testing
var openSocketCAN = func(iface string) (Bus, error) {
	return OpenSocketCAN(iface)
}

// to allow testing
var openSLCAN = func(device string, bitrate int) (Bus, error) {
	return OpenSLCAN(device, bitrate)
}

// Acquire finds and opens a bus handle, retrying every strategy at a
// fixed cadence until one works or the timeout elapses. A short fixed
// interval rather than backoff: the user may plug hardware in at any
// moment and should see it picked up quickly. If the timeout passes
// with the bus open but an optional peripheral missing, the result is a
// degraded success.
func Acquire(ctx context.Context, opts Options) (Bus, *Status, error) {
	if opts.Bitrate == 0 {
		opts.Bitrate = defaultBitrate
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	status := &Status{Reasons: map[string]string{}}
	start := time.Now()
	var bus Bus

	for {
		select {
		case <-ctx.Done():
			if bus != nil {
				bus.Close()
			}
			return nil, status, ctx.Err()
		default:
		}
		status.Attempts++

		if bus == nil {
			bus = tryStrategies(opts, status)
		}
		if opts.ProbeGPS && !status.GPSReady {
			probeGPS(opts, status)
		}

		status.Elapsed = time.Since(start)
		if bus != nil && (!opts.ProbeGPS || status.GPSReady) {
			log.WithField("transport", status.Transport).
				WithField("attempts", status.Attempts).
				Info("bus transport acquired")
			return bus, status, nil
		}

		if opts.Timeout > 0 && status.Elapsed >= opts.Timeout {
			if bus != nil {
				status.Degraded = true
				log.WithField("reasons", status.Summary()).
					Warn("optional peripherals not ready, continuing with bus only")
				return bus, status, nil
			}
			return nil, status, errors.Errorf("no CAN transport after %v (%s)",
				opts.Timeout, status.Summary())
		}

		if !sleepAcquire(ctx, opts.RetryInterval) {
			if bus != nil {
				bus.Close()
			}
			return nil, status, ctx.Err()
		}
	}
}

// tryStrategies attempts each transport strategy in order and returns
// the first bus that opens, recording why the others did not.
func tryStrategies(opts Options, status *Status) Bus {
	if bus := trySocketCAN(opts, status); bus != nil {
		return bus
	}
	return trySLCAN(opts, status)
}

func trySocketCAN(opts Options, status *Status) Bus {
	var ifaces []canInterface
	if opts.Interface != "" {
		ifaces = []canInterface{{name: opts.Interface, up: false}}
	} else {
		var err error
		ifaces, err = listCANInterfaces()
		if err != nil {
			status.Reasons["socketcan"] = err.Error()
			return nil
		}
		if len(ifaces) == 0 {
			status.Reasons["socketcan"] = "no CAN network interface"
			return nil
		}
	}
	for _, iface := range ifaces {
		if !iface.up {
			if err := bringUpInterface(iface.name, opts.Bitrate); err != nil {
				status.Reasons["socketcan"] = err.Error()
				// the open below may still work if the interface was
				// already configured
			}
		}
		bus, err := openSocketCAN(iface.name)
		if err != nil {
			status.Reasons["socketcan"] = err.Error()
			continue
		}
		status.Transport = bus.Name()
		delete(status.Reasons, "socketcan")
		return bus
	}
	return nil
}

func trySLCAN(opts Options, status *Status) Bus {
	device := opts.Device
	if device == "" {
		var err error
		device, err = findSLCANDevice()
		if err != nil {
			status.Reasons["slcan"] = err.Error()
			return nil
		}
	}
	bus, err := openSLCAN(device, opts.Bitrate)
	if err != nil {
		status.Reasons["slcan"] = err.Error()
		return nil
	}
	status.Transport = bus.Name()
	delete(status.Reasons, "slcan")
	return bus
}

// probeGPS checks for the optional GPS receiver without claiming it;
// the GPS collaborator owns the port once the system is up.
func probeGPS(opts Options, status *Status) {
	device := opts.GPSDevice
	if device == "" {
		ports, err := listSerialPorts()
		if err != nil {
			status.Reasons["gps"] = err.Error()
			return
		}
		for _, p := range ports {
			product := strings.ToLower(p.Product)
			if strings.Contains(product, "gps") || strings.Contains(product, "u-blox") {
				device = p.Name
				break
			}
		}
		if device == "" {
			status.Reasons["gps"] = "no GPS receiver found on serial ports"
			return
		}
	}
	for _, baud := range gpsBaudRates {
		port, err := serialOpen(device, &serial.Mode{BaudRate: baud})
		if err != nil {
			status.Reasons["gps"] = err.Error()
			continue
		}
		port.Close()
		status.GPSReady = true
		status.GPSDevice = device
		delete(status.Reasons, "gps")
		return
	}
}

func sleepAcquire(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
