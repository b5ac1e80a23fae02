package impedance

import (
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"
)

// SweepSpec - параметры одной аппаратной развертки.
type SweepSpec struct {
	Start     float64 `json:"start"`
	Increment float64 `json:"increment"`
	Points    int     `json:"points"`
}

// Observer получает события ядра. Реализации не должны блокироваться:
// методы вызываются под блокировкой устройства.
type Observer interface {
	RangeSelected(id RangeID, calibration bool)
	ClockChanged(hz uint64)
	Warning(err error)
	SweepFinished(spec SweepSpec, samples int, elapsed time.Duration, err error)
	BufferFilled(data []byte)
	CalibrationFinished(id RangeID, points int, elapsed time.Duration, err error)
}

// NopObserver игнорирует все события.
type NopObserver struct{}

func (NopObserver) RangeSelected(RangeID, bool) {}
func (NopObserver) ClockChanged(uint64) {}
func (NopObserver) Warning(error) {}
func (NopObserver) SweepFinished(SweepSpec, int, time.Duration, error) {}
func (NopObserver) BufferFilled([]byte) {}
func (NopObserver) CalibrationFinished(RangeID, int, time.Duration, error) {}

// Observers рассылает события всем вложенным наблюдателям.
type Observers []Observer

func (o Observers) RangeSelected(id RangeID, calibration bool) {
	for _, obs := range o {
		obs.RangeSelected(id, calibration)
	}
}

func (o Observers) ClockChanged(hz uint64) {
	for _, obs := range o {
		obs.ClockChanged(hz)
	}
}

func (o Observers) Warning(err error) {
	for _, obs := range o {
		obs.Warning(err)
	}
}

func (o Observers) SweepFinished(spec SweepSpec, samples int, elapsed time.Duration, err error) {
	for _, obs := range o {
		obs.SweepFinished(spec, samples, elapsed, err)
	}
}

func (o Observers) BufferFilled(data []byte) {
	for _, obs := range o {
		obs.BufferFilled(data)
	}
}

func (o Observers) CalibrationFinished(id RangeID, points int, elapsed time.Duration, err error) {
	for _, obs := range o {
		obs.CalibrationFinished(id, points, elapsed, err)
	}
}

// LogObserver пишет события в zerolog.
type LogObserver struct {
	log zerolog.Logger
}

func NewLogObserver(log zerolog.Logger) *LogObserver {
	return &LogObserver{log: log.With().Str("component", "impedance").Logger()}
}

func (l *LogObserver) RangeSelected(id RangeID, calibration bool) {
	l.log.Debug().Int("range", int(id)).Bool("calibration", calibration).Msg("диапазон установлен")
}

func (l *LogObserver) ClockChanged(hz uint64) {
	l.log.Info().Uint64("clock_hz", hz).Msg("частота тактирования изменена")
}

func (l *LogObserver) Warning(err error) {
	l.log.Warn().Err(err).Send()
}

func (l *LogObserver) SweepFinished(spec SweepSpec, samples int, elapsed time.Duration, err error) {
	ev := l.log.Debug()
	if err != nil {
		ev = l.log.Error().Err(err)
	}
	ev.Float64("start", spec.Start).
		Float64("increment", spec.Increment).
		Int("points", spec.Points).
		Int("samples", samples).
		Dur("elapsed", elapsed).
		Msg("развертка завершена")
}

func (l *LogObserver) BufferFilled(data []byte) {
	if l.log.GetLevel() > zerolog.DebugLevel {
		return
	}
	l.log.Debug().Str("buf", hex.EncodeToString(data)).Msg("буфер заполнен")
}

func (l *LogObserver) CalibrationFinished(id RangeID, points int, elapsed time.Duration, err error) {
	if err != nil {
		l.log.Error().Err(err).Int("range", int(id)).Msg("калибровка не выполнена")
		return
	}
	l.log.Info().Int("range", int(id)).Int("points", points).Dur("elapsed", elapsed).Msg("калибровка завершена")
}
