package m7dash

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type Config struct {
	Bus         BusConfig         `toml:"bus"`
	Engine      EngineConfig      `toml:"engine"`
	Calibration CalibrationConfig `toml:"calibration"`
	Forward     ForwardConfig     `toml:"forward"`
}

type BusConfig struct {
	Bitrate         int     `toml:"bitrate"`
	TimeoutSecs     float64 `toml:"timeout_secs"` // 0 waits forever
	RetryIntervalMS int     `toml:"retry_interval_ms"`
	Interface       string  `toml:"interface"` // socketcan interface, empty = discover
	Device          string  `toml:"device"`    // slcan serial device, empty = discover
	ProbeGPS        bool    `toml:"probe_gps"`
	GPSDevice       string  `toml:"gps_device"`
}

// EngineConfig carries the empirically tuned constants. They were
// calibrated against one vehicle and are deliberately configuration,
// not code.
type EngineConfig struct {
	RPMAlpha        float64 `toml:"rpm_alpha"`
	SpeedAlpha      float64 `toml:"speed_alpha"`
	SpeedMode       string  `toml:"speed_mode"` // calibrated, fixed or gps
	FuelRapidRise   float64 `toml:"fuel_rapid_rise"`
	FuelMaxStep     float64 `toml:"fuel_max_step"`
	FuelUpdateSecs  float64 `toml:"fuel_update_secs"`
	QueryIntervalMS int     `toml:"query_interval_ms"`
	LowPIDEvery     int     `toml:"low_pid_every"`
}

type CalibrationConfig struct {
	Path string `toml:"path"`
}

type ForwardConfig struct {
	WSListen  string `toml:"ws_listen"`
	RedisAddr string `toml:"redis_addr"`
}

func DefaultConfig() Config {
	return Config{
		Bus: BusConfig{
			Bitrate:         500000,
			TimeoutSecs:     60,
			RetryIntervalMS: 500,
		},
		Engine: EngineConfig{
			RPMAlpha:        0.25,
			SpeedAlpha:      0.30,
			SpeedMode:       string(SpeedModeCalibrated),
			FuelRapidRise:   3.0,
			FuelMaxStep:     0.5,
			FuelUpdateSecs:  180,
			QueryIntervalMS: 50,
			LowPIDEvery:     4,
		},
		Calibration: CalibrationConfig{
			Path: defaultCalibrationPath(),
		},
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(fileName string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(fileName)
	if err != nil {
		return config, errors.Wrapf(err, "unable to open file %s", fileName)
	}
	if _, err := toml.Decode(string(data), &config); err != nil {
		return config, errors.Wrapf(err, "unable to load configuration from %s", fileName)
	}
	return config, nil
}

func defaultCalibrationPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "m7dash", "speed_calibration.json")
}
