// Package rssi smooths raw signal strength readings and turns them into distance
// estimates.
package rssi

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultPropagationExponent is the signal propagation exponent for indoor environments.
	DefaultPropagationExponent = 4.0

	// DefaultProcessNoise is the default Kalman process noise.
	DefaultProcessNoise = 0.125

	// DefaultMeasurementNoise is the default Kalman measurement noise.
	DefaultMeasurementNoise = 0.8
)

// EstimateDistance returns the estimated distance in meters for a filtered RSSI reading
// using the log-distance path loss model:
//
//	10 ^ ((txPower - rssi) / (10 * n))
//
// txPower is the RSSI measured at one meter. A zero txPower means unknown and yields 0.
func EstimateDistance(txPower, rssi, n float64) float64 {
	if txPower == 0 {
		return 0
	}
	if n <= 0 {
		n = DefaultPropagationExponent
	}
	return math.Pow(10, (txPower-rssi)/(10*n))
}

// Filter smooths a stream of raw readings.
type Filter interface {
	// Next consumes a raw reading and returns the smoothed value.
	Next(raw float64) float64
	// Current returns the last smoothed value, 0 before the first reading.
	Current() float64
	Reset()
}

// KalmanConfig holds the tunable noise parameters of KalmanFilter.
type KalmanConfig struct {
	ProcessNoise     float64 `yaml:"process_noise" json:"process_noise"`
	MeasurementNoise float64 `yaml:"measurement_noise" json:"measurement_noise"`
}

// DefaultKalmanConfig returns the default noise parameters.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{ProcessNoise: DefaultProcessNoise, MeasurementNoise: DefaultMeasurementNoise}
}

// KalmanFilter is a one-dimensional Kalman filter for a static signal level.
// Safe for concurrent use; configuration may change while readings flow.
type KalmanFilter struct {
	mu          sync.Mutex
	cfg         KalmanConfig
	estimate    float64
	covariance  float64
	initialized bool
}

var _ Filter = (*KalmanFilter)(nil)

// NewKalmanFilter creates a filter; non-positive parameters fall back to defaults.
func NewKalmanFilter(cfg KalmanConfig) *KalmanFilter {
	return &KalmanFilter{cfg: sanitize(cfg)}
}

func (f *KalmanFilter) Next(raw float64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.initialized {
		f.estimate = raw
		f.covariance = f.cfg.MeasurementNoise
		f.initialized = true
		return f.estimate
	}

	// predict
	predicted := f.covariance + f.cfg.ProcessNoise
	// correct
	gain := predicted / (predicted + f.cfg.MeasurementNoise)
	f.estimate += gain * (raw - f.estimate)
	f.covariance = (1 - gain) * predicted
	return f.estimate
}

func (f *KalmanFilter) Current() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimate
}

func (f *KalmanFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimate = 0
	f.covariance = 0
	f.initialized = false
}

func (f *KalmanFilter) Config() KalmanConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// SetConfig retunes the filter without discarding its state.
func (f *KalmanFilter) SetConfig(cfg KalmanConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = sanitize(cfg)
}

func sanitize(cfg KalmanConfig) KalmanConfig {
	if cfg.ProcessNoise <= 0 {
		cfg.ProcessNoise = DefaultProcessNoise
	}
	if cfg.MeasurementNoise <= 0 {
		cfg.MeasurementNoise = DefaultMeasurementNoise
	}
	return cfg
}

// Throttle limits how often a reading is reported. An interval of 0 reports everything.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Allow reports whether a reading taken at now should be published.
func (t *Throttle) Allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interval > 0 && !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

func (t *Throttle) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *Throttle) SetInterval(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
}
