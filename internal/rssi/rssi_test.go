package rssi

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimateDistance(t *testing.T) {
	tests := []struct {
		name     string
		txPower  float64
		rssi     float64
		n        float64
		expected float64
	}{
		{name: "one meter when rssi equals tx power", txPower: -60, rssi: -60, n: 2.0, expected: 1.0},
		{name: "weaker signal is farther", txPower: -60, rssi: -65, n: 2.0, expected: 1.778},
		{name: "stronger signal is closer", txPower: -60, rssi: -50, n: 2.0, expected: 0.316},
		{name: "indoor exponent", txPower: -60, rssi: -80, n: 4.0, expected: 3.162},
		{name: "unknown tx power", txPower: 0, rssi: -70, n: 2.0, expected: 0},
		{name: "non-positive exponent falls back to default", txPower: -60, rssi: -80, n: 0, expected: 3.162},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, EstimateDistance(tt.txPower, tt.rssi, tt.n), 0.01)
		})
	}
}

func TestKalmanFilter(t *testing.T) {
	t.Run("first reading passes through", func(t *testing.T) {
		f := NewKalmanFilter(DefaultKalmanConfig())
		assert.Equal(t, -70.0, f.Next(-70))
		assert.Equal(t, -70.0, f.Current())
	})

	t.Run("smooths a spike", func(t *testing.T) {
		f := NewKalmanFilter(DefaultKalmanConfig())
		for i := 0; i < 20; i++ {
			f.Next(-70)
		}
		got := f.Next(-40)
		assert.Less(t, got, -55.0, "a single outlier MUST be damped")
		assert.Greater(t, got, -70.0)
	})

	t.Run("converges to a steady level", func(t *testing.T) {
		f := NewKalmanFilter(DefaultKalmanConfig())
		f.Next(-90)
		var got float64
		for i := 0; i < 200; i++ {
			got = f.Next(-60)
		}
		assert.InDelta(t, -60, got, 0.5)
	})

	t.Run("reset forgets state", func(t *testing.T) {
		f := NewKalmanFilter(DefaultKalmanConfig())
		f.Next(-50)
		f.Reset()
		assert.Equal(t, 0.0, f.Current())
		assert.Equal(t, -80.0, f.Next(-80))
	})

	t.Run("retuning keeps the estimate", func(t *testing.T) {
		f := NewKalmanFilter(DefaultKalmanConfig())
		f.Next(-65)
		f.SetConfig(KalmanConfig{ProcessNoise: 1, MeasurementNoise: 2})
		assert.Equal(t, KalmanConfig{ProcessNoise: 1, MeasurementNoise: 2}, f.Config())
		assert.Equal(t, -65.0, f.Current())
	})

	t.Run("invalid parameters fall back to defaults", func(t *testing.T) {
		f := NewKalmanFilter(KalmanConfig{ProcessNoise: -1})
		assert.Equal(t, DefaultKalmanConfig(), f.Config())
	})

	t.Run("higher measurement noise smooths harder", func(t *testing.T) {
		calm := NewKalmanFilter(KalmanConfig{ProcessNoise: 0.125, MeasurementNoise: 10})
		jumpy := NewKalmanFilter(KalmanConfig{ProcessNoise: 0.125, MeasurementNoise: 0.1})
		calm.Next(-70)
		jumpy.Next(-70)
		assert.Less(t, math.Abs(calm.Next(-50)+70), math.Abs(jumpy.Next(-50)+70))
	})
}

func TestThrottle(t *testing.T) {
	now := time.Now()

	t.Run("zero interval always allows", func(t *testing.T) {
		th := NewThrottle(0)
		assert.True(t, th.Allow(now))
		assert.True(t, th.Allow(now))
	})

	t.Run("suppresses within interval", func(t *testing.T) {
		th := NewThrottle(time.Second)
		assert.True(t, th.Allow(now))
		assert.False(t, th.Allow(now.Add(500*time.Millisecond)))
		assert.True(t, th.Allow(now.Add(time.Second)))
	})

	t.Run("interval can change", func(t *testing.T) {
		th := NewThrottle(time.Hour)
		assert.True(t, th.Allow(now))
		th.SetInterval(0)
		assert.Equal(t, time.Duration(0), th.Interval())
		assert.True(t, th.Allow(now))
	})
}
