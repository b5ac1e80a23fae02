package impedance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// MinCalibrationPoints - минимум точек для кубического сплайна.
const MinCalibrationPoints = 4

// Curve - аппроксимирующая кривая калибровочного параметра по частоте.
type Curve interface {
	Eval(x float64) float64
}

// Interpolator строит кривую по точкам (xs, ys) с весами точек.
type Interpolator interface {
	Fit(xs, ys, weights []float64) (Curve, error)
}

// Кубические стратегии с нулевым сглаживанием: кривая проходит точно через
// каждую точку, поэтому веса не влияют на результат.
type (
	NaturalCubic  struct{}
	MonotoneCubic struct{}
	AkimaCubic    struct{}
)

func (NaturalCubic) Fit(xs, ys, weights []float64) (Curve, error) {
	return fitCubic(&interp.NaturalCubic{}, xs, ys, weights)
}

func (MonotoneCubic) Fit(xs, ys, weights []float64) (Curve, error) {
	return fitCubic(&interp.FritschButland{}, xs, ys, weights)
}

func (AkimaCubic) Fit(xs, ys, weights []float64) (Curve, error) {
	return fitCubic(&interp.AkimaSpline{}, xs, ys, weights)
}

// InterpolatorByName возвращает стратегию по имени из конфигурации.
func InterpolatorByName(name string) (Interpolator, error) {
	switch name {
	case "", "natural":
		return NaturalCubic{}, nil
	case "monotone":
		return MonotoneCubic{}, nil
	case "akima":
		return AkimaCubic{}, nil
	}
	return nil, fmt.Errorf("%w: неизвестный интерполятор %q", ErrInvalidParameter, name)
}

type derivativeFitter interface {
	interp.Fitter
	interp.DerivativePredictor
}

func fitCubic(p derivativeFitter, xs, ys, weights []float64) (Curve, error) {
	if err := checkPoints(xs, ys, weights); err != nil {
		return nil, err
	}
	if err := p.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("%w: построение сплайна: %w", ErrInvalidParameter, err)
	}
	lo, hi := xs[0], xs[len(xs)-1]
	return &cubicCurve{
		p:      p,
		lo:     lo,
		hi:     hi,
		yLo:    p.Predict(lo),
		yHi:    p.Predict(hi),
		slopeL: p.PredictDerivative(lo),
		slopeH: p.PredictDerivative(hi),
	}, nil
}

func checkPoints(xs, ys, weights []float64) error {
	if len(xs) != len(ys) {
		return fmt.Errorf("%w: число частот (%d) не совпадает с числом значений (%d)", ErrInvalidParameter, len(xs), len(ys))
	}
	if weights != nil && len(weights) != len(xs) {
		return fmt.Errorf("%w: число весов (%d) не совпадает с числом точек (%d)", ErrInvalidParameter, len(weights), len(xs))
	}
	if len(xs) < MinCalibrationPoints {
		return fmt.Errorf("%w: для сплайна степени 3 нужно не менее %d точек, получено %d",
			ErrInvalidParameter, MinCalibrationPoints, len(xs))
	}
	for i := range xs {
		if math.IsNaN(ys[i]) || math.IsInf(ys[i], 0) {
			return fmt.Errorf("%w: нечисловое значение на частоте %g Гц", ErrInvalidParameter, xs[i])
		}
		if i > 0 && xs[i] <= xs[i-1] {
			return fmt.Errorf("%w: частоты должны строго возрастать (%g после %g)", ErrInvalidParameter, xs[i], xs[i-1])
		}
	}
	return nil
}

// cubicCurve вне диапазона узлов продолжает сплайн касательной к крайнему узлу.
type cubicCurve struct {
	p              interp.Predictor
	lo, hi         float64
	yLo, yHi       float64
	slopeL, slopeH float64
}

func (c *cubicCurve) Eval(x float64) float64 {
	switch {
	case x < c.lo:
		return c.yLo + c.slopeL*(x-c.lo)
	case x > c.hi:
		return c.yHi + c.slopeH*(x-c.hi)
	}
	return c.p.Predict(x)
}
