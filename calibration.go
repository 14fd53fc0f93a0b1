package m7dash

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	calibrationDefault = 1.01
	calibrationMin     = 0.7
	calibrationMax     = 1.3
)

type calibrationFile struct {
	SpeedCorrection float64 `json:"speed_correction"`
	UpdatedAt       float64 `json:"updated_at"` // unix seconds
}

// CalibrationStore holds the user-adjustable speed correction factor.
// The factor is read by the receive loop on every speed update and only
// ever written by an explicit external calibration trigger, so writes
// are gated behind SetEnabled.
type CalibrationStore struct {
	path string

	mu        sync.Mutex
	factor    float64
	updatedAt time.Time
	enabled   bool
}

func NewCalibrationStore(path string) *CalibrationStore {
	return &CalibrationStore{
		path:   path,
		factor: calibrationDefault,
	}
}

// Load reads the persisted factor. A missing or corrupt file is not an
// error; the default factor stands.
func (s *CalibrationStore) Load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		log.WithField("err", err).Info("no speed calibration file, using default factor")
		return
	}
	var cf calibrationFile
	if err := json.Unmarshal(data, &cf); err != nil {
		log.WithField("err", err).Warn("unable to parse speed calibration file, using default factor")
		return
	}
	s.mu.Lock()
	s.factor = clampFactor(cf.SpeedCorrection)
	s.updatedAt = time.Unix(0, int64(cf.UpdatedAt*float64(time.Second)))
	s.mu.Unlock()
	log.WithField("factor", cf.SpeedCorrection).Info("loaded speed calibration")
}

func (s *CalibrationStore) Factor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.factor
}

// SetEnabled opens or closes the store for mutation. The engine itself
// never adjusts the factor.
func (s *CalibrationStore) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Set clamps and stores a new factor, optionally persisting it. A
// persist failure leaves the in-memory value in effect.
func (s *CalibrationStore) Set(factor float64, persist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return errors.New("calibration is not enabled")
	}
	s.factor = clampFactor(factor)
	s.updatedAt = time.Now()
	log.WithField("factor", s.factor).Info("speed calibration updated")
	if !persist {
		return nil
	}
	if err := s.persistLocked(); err != nil {
		log.WithField("err", err).Error("unable to persist speed calibration")
		return err
	}
	return nil
}

// persistLocked writes the factor atomically: temp file, flush, sync,
// rename. A crash mid-write cannot corrupt the previous file.
func (s *CalibrationStore) persistLocked() error {
	data, err := json.Marshal(calibrationFile{
		SpeedCorrection: s.factor,
		UpdatedAt:       float64(s.updatedAt.UnixNano()) / float64(time.Second),
	})
	if err != nil {
		return errors.Wrap(err, "unable to encode calibration")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "unable to create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".speed_calibration-*")
	if err != nil {
		return errors.Wrap(err, "unable to create temp calibration file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "unable to write calibration")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "unable to sync calibration")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "unable to close calibration file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.path), "unable to replace calibration file")
}

func clampFactor(f float64) float64 {
	if f < calibrationMin {
		return calibrationMin
	}
	if f > calibrationMax {
		return calibrationMax
	}
	return f
}
