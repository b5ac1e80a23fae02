package impedance

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// CalibrationTable - результат калибровки одного диапазона. Частоты строго
// возрастают, массивы имеют одинаковую длину.
type CalibrationTable struct {
	RunID       string    `json:"run_id"`
	Range       RangeID   `json:"range"`
	CreatedAt   time.Time `json:"created_at"`
	Clock       uint64    `json:"clock_hz"`
	Reference   float64   `json:"reference_ohm"`
	Frequencies []float64 `json:"frequencies"`
	Gains       []float64 `json:"gains"`
	Phases      []float64 `json:"phases"`
	// Веса точек сплайна: 2/stdev значений, одинаковые для всех точек.
	GainWeight  float64 `json:"gain_weight"`
	PhaseWeight float64 `json:"phase_weight"`
}

func (t *CalibrationTable) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: таблица калибровки не задана", ErrInvalidParameter)
	}
	if err := t.Range.Validate(); err != nil {
		return err
	}
	if len(t.Gains) != len(t.Frequencies) || len(t.Phases) != len(t.Frequencies) {
		return fmt.Errorf("%w: коэффициенты калибровки не совпадают по размеру с частотной сеткой", ErrInvalidParameter)
	}
	return checkPoints(t.Frequencies, t.Gains, nil)
}

func (t *CalibrationTable) clone() *CalibrationTable {
	c := *t
	c.Frequencies = cloneFloat64Slice(t.Frequencies)
	c.Gains = cloneFloat64Slice(t.Gains)
	c.Phases = cloneFloat64Slice(t.Phases)
	return &c
}

// uniformWeights повторяет вес 2/stdev(values) для каждой точки. Для
// постоянных значений вес равен 1.
func uniformWeights(values []float64) (float64, []float64) {
	w := 1.0
	if sd := stat.StdDev(values, nil); sd > 0 {
		w = 2 / sd
	}
	weights := make([]float64, len(values))
	for i := range weights {
		weights[i] = w
	}
	return w, weights
}

type calibrationSlot struct {
	table *CalibrationTable
	gain  Curve
	phase Curve
}

// CalibrationStore хранит по одной таблице и паре кривых на диапазон.
// Пустой слот означает неоткалиброванный диапазон.
type CalibrationStore struct {
	mu     sync.RWMutex
	interp Interpolator
	slots  [NumRanges]calibrationSlot
}

func NewCalibrationStore(interp Interpolator) *CalibrationStore {
	if interp == nil {
		interp = NaturalCubic{}
	}
	return &CalibrationStore{interp: interp}
}

// Put строит кривые и целиком заменяет слот диапазона. При ошибке прежняя
// таблица остается нетронутой.
func (s *CalibrationStore) Put(table *CalibrationTable) error {
	if err := table.Validate(); err != nil {
		return err
	}
	table = table.clone()

	var gw, pw []float64
	table.GainWeight, gw = uniformWeights(table.Gains)
	table.PhaseWeight, pw = uniformWeights(table.Phases)

	gain, err := s.interp.Fit(table.Frequencies, table.Gains, gw)
	if err != nil {
		return fmt.Errorf("сплайн коэффициента усиления: %w", err)
	}
	phase, err := s.interp.Fit(table.Frequencies, table.Phases, pw)
	if err != nil {
		return fmt.Errorf("сплайн фазового смещения: %w", err)
	}

	s.mu.Lock()
	s.slots[table.Range.index()] = calibrationSlot{table: table, gain: gain, phase: phase}
	s.mu.Unlock()
	return nil
}

func (s *CalibrationStore) Clear(id RangeID) {
	if id.Validate() != nil {
		return
	}
	s.mu.Lock()
	s.slots[id.index()] = calibrationSlot{}
	s.mu.Unlock()
}

func (s *CalibrationStore) IsCalibrated(id RangeID) bool {
	if id.Validate() != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[id.index()].table != nil
}

// Table возвращает копию таблицы диапазона.
func (s *CalibrationStore) Table(id RangeID) (*CalibrationTable, error) {
	slot, err := s.slot(id)
	if err != nil {
		return nil, err
	}
	return slot.table.clone(), nil
}

// Gain возвращает интерполированный коэффициент усиления на частоте f.
func (s *CalibrationStore) Gain(id RangeID, f float64) (float64, error) {
	slot, err := s.slot(id)
	if err != nil {
		return 0, err
	}
	return slot.gain.Eval(f), nil
}

// Phase возвращает интерполированное фазовое смещение на частоте f, рад.
func (s *CalibrationStore) Phase(id RangeID, f float64) (float64, error) {
	slot, err := s.slot(id)
	if err != nil {
		return 0, err
	}
	return slot.phase.Eval(f), nil
}

func (s *CalibrationStore) slot(id RangeID) (calibrationSlot, error) {
	if err := id.Validate(); err != nil {
		return calibrationSlot{}, err
	}
	s.mu.RLock()
	slot := s.slots[id.index()]
	s.mu.RUnlock()
	if slot.table == nil {
		return calibrationSlot{}, fmt.Errorf("%w: диапазон %d", ErrUncalibratedRange, id)
	}
	return slot, nil
}

// DefaultCalFrequencies возвращает отсортированный набор частот-кандидатов калибровки, Гц.
func DefaultCalFrequencies() []float64 {
	steps := []struct{ from, to, step int }{
		{1, 10, 2},
		{10, 100, 20},
		{100, 1000, 100},
		{300, 600, 20}, // фазовая аномалия в этой области
		{1000, 3000, 100},
		{3000, 10000, 500},
		{10000, 100000, 10000},
	}
	seen := make(map[int]struct{})
	for _, s := range steps {
		for f := s.from; f < s.to; f += s.step {
			seen[f] = struct{}{}
		}
	}
	freqs := make([]float64, 0, len(seen))
	for f := range seen {
		freqs = append(freqs, float64(f))
	}
	return normalizeFrequencies(freqs)
}

// normalizeFrequencies возвращает отсортированную копию без повторов.
func normalizeFrequencies(src []float64) []float64 {
	dst := slices.Clone(src)
	slices.Sort(dst)
	return slices.Compact(dst)
}

// UsableBand возвращает границы [lo, hi) частот калибровки для тактовой частоты.
// Частота АЦП равна 1/16 MCLK, верхняя граница - частота Найквиста.
func UsableBand(clock uint64) (lo, hi int64) {
	adcRate := float64(clock) / 16
	return int64(adcRate / 1000), int64(adcRate / 2)
}

// FilterCalFrequencies оставляет кандидатов из рабочей полосы тактовой частоты.
func FilterCalFrequencies(candidates []float64, clock uint64) []float64 {
	lo, hi := UsableBand(clock)
	out := make([]float64, 0, len(candidates))
	for _, f := range candidates {
		if f != float64(int64(f)) {
			continue
		}
		if n := int64(f); n >= lo && n < hi {
			out = append(out, f)
		}
	}
	return out
}

func cloneFloat64Slice(src []float64) []float64 {
	if src == nil {
		return nil
	}
	dst := make([]float64, len(src))
	copy(dst, src)
	return dst
}
