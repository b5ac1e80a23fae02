package impedance

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultContinuousInterval - период непрерывного режима по умолчанию.
const DefaultContinuousInterval = time.Second

// TemperatureSource - внешний датчик температуры для непрерывного режима.
type TemperatureSource interface {
	Temperature(ctx context.Context) (float64, error)
}

// Sample - одно измерение непрерывного режима.
type Sample struct {
	Measurement
	Elapsed     time.Duration `json:"t"`
	Temperature float64       `json:"T"`
}

// SampleFunc получает каждое измерение. Возврат ошибки останавливает цикл.
type SampleFunc func(Sample) error

// RunContinuous измеряет на частоте f до отмены ctx. Измерения выполняются
// последовательно в вызывающей горутине; следующее начинается через interval
// после начала предыдущего или сразу, если предыдущее длилось дольше.
// Температура только сопровождает запись: ошибка ее чтения передается
// наблюдателю, а поле остается нулевым.
func (a *Analyzer) RunContinuous(ctx context.Context, f float64, interval time.Duration, temp TemperatureSource, fn SampleFunc) error {
	if interval <= 0 {
		interval = DefaultContinuousInterval
	}
	if fn == nil {
		return fmt.Errorf("%w: не задан обработчик измерений", ErrInvalidParameter)
	}
	if err := a.checkCalibrated(); err != nil {
		return err
	}

	t0 := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		var celsius float64
		if temp != nil {
			c, err := temp.Temperature(ctx)
			if err != nil {
				a.obs.Warning(fmt.Errorf("чтение температуры: %w", err))
			} else {
				celsius = c
			}
		}

		m, err := a.Measure(ctx, f)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
		if err := fn(Sample{Measurement: m, Elapsed: started.Sub(t0), Temperature: celsius}); err != nil {
			return err
		}

		timer.Reset(max(0, interval-time.Since(started)))
	}
}
