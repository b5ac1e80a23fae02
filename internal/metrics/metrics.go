// Package metrics публикует события анализатора в Prometheus.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/momentics/goimpedance/pkg/impedance"
)

// Observer реализует impedance.Observer поверх счетчиков и гистограмм.
type Observer struct {
	impedance.NopObserver

	sweepDuration       prometheus.Histogram
	calibrationDuration *prometheus.HistogramVec
	sweepErrors         *prometheus.CounterVec
	warnings            *prometheus.CounterVec
	activeRange         prometheus.Gauge
	clock               prometheus.Gauge
}

func New() *Observer {
	return &Observer{
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "impedance_sweep_duration_seconds",
			Help:    "Duration of raw sweep acquisitions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		calibrationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "impedance_calibration_duration_seconds",
			Help:    "Duration of range calibration runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"range", "result"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "impedance_sweep_errors_total",
			Help: "Failed raw sweeps by error kind",
		}, []string{"kind"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "impedance_warnings_total",
			Help: "Warnings reported by the analyzer",
		}, []string{"kind"}),
		activeRange: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "impedance_active_range",
			Help: "Currently selected measurement range",
		}),
		clock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "impedance_clock_hz",
			Help: "Last configured chip clock frequency",
		}),
	}
}

// Register регистрирует все метрики в reg.
func (o *Observer) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		o.sweepDuration, o.calibrationDuration, o.sweepErrors,
		o.warnings, o.activeRange, o.clock,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (o *Observer) RangeSelected(id impedance.RangeID, calibration bool) {
	if !calibration {
		o.activeRange.Set(float64(id))
	}
}

func (o *Observer) ClockChanged(hz uint64) {
	o.clock.Set(float64(hz))
}

func (o *Observer) Warning(err error) {
	o.warnings.WithLabelValues(kind(err)).Inc()
}

func (o *Observer) SweepFinished(_ impedance.SweepSpec, _ int, elapsed time.Duration, err error) {
	if err != nil {
		o.sweepErrors.WithLabelValues(kind(err)).Inc()
		return
	}
	o.sweepDuration.Observe(elapsed.Seconds())
}

func (o *Observer) CalibrationFinished(id impedance.RangeID, _ int, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.calibrationDuration.WithLabelValues(strconv.Itoa(int(id)), result).Observe(elapsed.Seconds())
}

// kind сводит ошибку к метке по сигнальному значению.
func kind(err error) string {
	switch {
	case errors.Is(err, impedance.ErrClampedInput):
		return "clamped"
	case errors.Is(err, impedance.ErrAcquisitionTimeout):
		return "timeout"
	case errors.Is(err, impedance.ErrBus):
		return "bus"
	case errors.Is(err, impedance.ErrHardwareNotFound):
		return "not_found"
	case errors.Is(err, impedance.ErrZeroMagnitude):
		return "zero_magnitude"
	case errors.Is(err, impedance.ErrInvalidParameter):
		return "invalid"
	}
	return "other"
}
