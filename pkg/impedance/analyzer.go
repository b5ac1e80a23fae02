package impedance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

const (
	// MinClockFrequency - нижняя граница тактовой частоты микросхемы, Гц.
	MinClockFrequency = 22500
	// samplesPerPoint - число приращений короткой развертки для усреднения в одной точке.
	samplesPerPoint = 2
)

// Measurement - откорректированный импеданс на одной частоте.
type Measurement struct {
	Frequency float64 `json:"f"`
	Magnitude float64 `json:"magnitude"` // Ом
	Phase     float64 `json:"phase"`     // градусы
}

// SweepResult - упорядоченные по частоте результаты развертки.
type SweepResult struct {
	Range  RangeID       `json:"range"`
	Spec   SweepSpec     `json:"spec"`
	Points []Measurement `json:"points"`
}

// Analyzer - владелец устройства: сериализует обращения к микросхеме и
// мультиплексору и применяет калибровку активного диапазона.
type Analyzer struct {
	mu     sync.Mutex
	port   RegisterPort
	mux    *Mux
	engine *SweepEngine
	store  *CalibrationStore
	obs    Observer

	active     atomic.Int32
	candidates []float64
}

type options struct {
	timeout    time.Duration
	obs        Observer
	interp     Interpolator
	candidates []float64
}

type Option func(*options)

func WithAcquisitionTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.obs = obs
		}
	}
}

func WithInterpolator(i Interpolator) Option {
	return func(o *options) { o.interp = i }
}

// WithCalFrequencies заменяет набор частот-кандидатов калибровки.
func WithCalFrequencies(freqs []float64) Option {
	return func(o *options) { o.candidates = normalizeFrequencies(freqs) }
}

// New создает анализатор и устанавливает диапазон 1.
func New(ctx context.Context, port RegisterPort, mux *Mux, opts ...Option) (*Analyzer, error) {
	o := options{
		timeout:    DefaultAcquisitionTimeout,
		obs:        NopObserver{},
		interp:     NaturalCubic{},
		candidates: DefaultCalFrequencies(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Analyzer{
		port:       port,
		mux:        mux,
		engine:     NewSweepEngine(port, o.timeout, o.obs),
		store:      NewCalibrationStore(o.interp),
		obs:        o.obs,
		candidates: o.candidates,
	}
	if err := a.SelectRange(ctx, 1); err != nil {
		return nil, err
	}
	return a, nil
}

// Range возвращает активный диапазон. 0 означает, что конфигурация
// оборудования неизвестна после неудачного переключения.
func (a *Analyzer) Range() RangeID {
	return RangeID(a.active.Load())
}

// SelectRange переключает мультиплексор, усиление и напряжение возбуждения.
// Данные калибровки не затрагиваются.
func (a *Analyzer) SelectRange(ctx context.Context, id RangeID) error {
	cfg, err := MeasurementRange(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.applyRange(ctx, cfg); err != nil {
		return a.recoverRange(ctx, err)
	}
	a.active.Store(int32(id))
	a.obs.RangeSelected(id, false)
	return nil
}

// recoverRange возвращает оборудование в конфигурацию активного диапазона
// после частично примененного переключения. Если это не удалось, активный
// диапазон сбрасывается в 0 и измерения блокируются до успешного SelectRange.
func (a *Analyzer) recoverRange(ctx context.Context, cause error) error {
	prev := a.Range()
	cfg, err := MeasurementRange(prev)
	if err != nil {
		return cause
	}
	if err := a.applyRange(context.WithoutCancel(ctx), cfg); err != nil {
		a.active.Store(0)
		return errors.Join(cause, fmt.Errorf("восстановление диапазона %d: %w", prev, err))
	}
	return cause
}

func (a *Analyzer) applyRange(ctx context.Context, cfg RangeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := a.mux.Write(cfg.MuxA, cfg.MuxB); err != nil {
		return err
	}
	if err := a.port.WriteAttr(ctx, ChannelInput, AttrScale, gainScale(cfg.Gain)); err != nil {
		return busError("установка усиления", err)
	}
	if err := a.port.WriteAttr(ctx, ChannelExcitation, AttrRaw, OutputVoltages[cfg.Voltage-1]); err != nil {
		return busError("установка напряжения возбуждения", err)
	}
	return nil
}

// Clock возвращает тактовую частоту микросхемы, Гц.
func (a *Analyzer) Clock(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clock(ctx)
}

func (a *Analyzer) clock(ctx context.Context) (uint64, error) {
	v, err := a.port.ReadAttr(ctx, DeviceAttrs, AttrClockFrequency)
	if err != nil {
		return 0, busError("чтение "+AttrClockFrequency, err)
	}
	hz, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: некорректное значение %s %q: %w", ErrBus, AttrClockFrequency, v, err)
	}
	return hz, nil
}

// SetClock задает тактовую частоту. Сохраненные таблицы калибровки остаются,
// меняется только набор частот следующей калибровки.
func (a *Analyzer) SetClock(ctx context.Context, hz uint64) error {
	if hz < MinClockFrequency {
		return fmt.Errorf("%w: тактовая частота %d Гц ниже %d Гц", ErrInvalidParameter, hz, MinClockFrequency)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.port.WriteAttr(ctx, DeviceAttrs, AttrClockFrequency, strconv.FormatUint(hz, 10)); err != nil {
		return busError("запись "+AttrClockFrequency, err)
	}
	a.obs.ClockChanged(hz)
	return nil
}

// CalFrequencies возвращает частоты калибровки, пригодные при текущей тактовой частоте.
func (a *Analyzer) CalFrequencies(ctx context.Context) ([]float64, error) {
	clk, err := a.Clock(ctx)
	if err != nil {
		return nil, err
	}
	return FilterCalFrequencies(a.candidates, clk), nil
}

// Temperature возвращает температуру встроенного датчика микросхемы, °C.
func (a *Analyzer) Temperature(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw, err := a.readFloat(ctx, ChannelTemp, AttrRaw)
	if err != nil {
		return 0, err
	}
	scale, err := a.readFloat(ctx, ChannelTemp, AttrScale)
	if err != nil {
		return 0, err
	}
	return raw * scale / 1000, nil
}

func (a *Analyzer) readFloat(ctx context.Context, ch Channel, name string) (float64, error) {
	v, err := a.port.ReadAttr(ctx, ch, name)
	if err != nil {
		return 0, busError("чтение "+ch.String()+"_"+name, err)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: некорректное значение %s_%s %q: %w", ErrBus, ch, name, v, err)
	}
	return f, nil
}

func (a *Analyzer) IsCalibrated(id RangeID) bool {
	return a.store.IsCalibrated(id)
}

// ClearCalibration удаляет таблицу калибровки диапазона.
func (a *Analyzer) ClearCalibration(id RangeID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	a.store.Clear(id)
	return nil
}

// Calibration возвращает копию таблицы калибровки диапазона.
func (a *Analyzer) Calibration(id RangeID) (*CalibrationTable, error) {
	return a.store.Table(id)
}

// CalibrateRange измеряет калибровочный резистор диапазона на каждой пригодной
// частоте и целиком заменяет таблицу. После калибровки активным становится
// измерительный вариант этого диапазона.
func (a *Analyzer) CalibrateRange(ctx context.Context, id RangeID) (*CalibrationTable, error) {
	calCfg, err := CalibrationRange(id)
	if err != nil {
		return nil, err
	}
	measCfg, _ := MeasurementRange(id)

	a.mu.Lock()
	defer a.mu.Unlock()

	began := time.Now()
	table, err := a.calibrate(ctx, id, calCfg)

	// Измерительная конфигурация восстанавливается при любом исходе.
	restore := id
	if prev := a.Range(); err != nil && prev.Validate() == nil {
		restore = prev
		measCfg, _ = MeasurementRange(restore)
	}
	if rerr := a.applyRange(context.WithoutCancel(ctx), measCfg); rerr != nil {
		a.active.Store(0)
		err = errors.Join(err, fmt.Errorf("восстановление диапазона %d: %w", restore, rerr))
	} else {
		a.active.Store(int32(restore))
		a.obs.RangeSelected(restore, false)
	}

	points := 0
	if table != nil {
		points = len(table.Frequencies)
	}
	a.obs.CalibrationFinished(id, points, time.Since(began), err)
	if err != nil {
		return nil, err
	}
	return table, nil
}

func (a *Analyzer) calibrate(ctx context.Context, id RangeID, cfg RangeConfig) (*CalibrationTable, error) {
	clk, err := a.clock(ctx)
	if err != nil {
		return nil, err
	}
	freqs := FilterCalFrequencies(a.candidates, clk)
	if len(freqs) < MinCalibrationPoints {
		return nil, fmt.Errorf("%w: при тактовой частоте %d Гц пригодно %d частот калибровки, нужно не менее %d",
			ErrInvalidParameter, clk, len(freqs), MinCalibrationPoints)
	}

	if err := a.applyRange(ctx, cfg); err != nil {
		return nil, err
	}
	a.obs.RangeSelected(id, true)

	table := &CalibrationTable{
		RunID:       uuid.NewString(),
		Range:       id,
		CreatedAt:   time.Now(),
		Clock:       clk,
		Reference:   cfg.Reference,
		Frequencies: freqs,
		Gains:       make([]float64, len(freqs)),
		Phases:      make([]float64, len(freqs)),
	}
	for i, f := range freqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		re, im, err := a.averagedSample(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("калибровка диапазона %d на частоте %.0f Гц: %w", id, f, err)
		}
		table.Gains[i] = 1 / (cfg.Reference * math.Hypot(re, im))
		table.Phases[i] = math.Atan2(im, re)
	}

	if err := a.store.Put(table); err != nil {
		return nil, err
	}
	return a.store.Table(id)
}

// CalibrateAll калибрует все диапазоны и возвращает активным прежний диапазон.
func (a *Analyzer) CalibrateAll(ctx context.Context) error {
	previous := a.Range()
	var err error
	for _, id := range Ranges() {
		if _, err = a.CalibrateRange(ctx, id); err != nil {
			break
		}
	}
	if previous.Validate() != nil {
		return err
	}
	return errors.Join(err, a.SelectRange(ctx, previous))
}

// averagedSample выполняет короткую развертку на частоте f и усредняет квадратуры.
func (a *Analyzer) averagedSample(ctx context.Context, f float64) (re, im float64, err error) {
	data, err := a.engine.RawSweep(ctx, f, 0, samplesPerPoint)
	if err != nil {
		return 0, 0, err
	}
	if data.Len() == 0 {
		return 0, 0, fmt.Errorf("%w: буфер не содержит отсчетов", ErrBus)
	}
	re = stat.Mean(toFloat64(data.Real), nil)
	im = stat.Mean(toFloat64(data.Imag), nil)
	if re == 0 && im == 0 {
		return 0, 0, fmt.Errorf("%w: на частоте %.0f Гц", ErrZeroMagnitude, f)
	}
	return re, im, nil
}

// Measure измеряет импеданс активного диапазона на частоте f.
func (a *Analyzer) Measure(ctx context.Context, f float64) (Measurement, error) {
	if err := a.checkCalibrated(); err != nil {
		return Measurement{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Диапазон мог смениться, пока ожидалась блокировка.
	id := a.Range()
	if err := a.checkCalibrated(); err != nil {
		return Measurement{}, err
	}

	re, im, err := a.averagedSample(ctx, f)
	if err != nil {
		return Measurement{}, err
	}
	return a.correct(id, f, re, im)
}

// Sweep выполняет развертку активного диапазона и корректирует каждую точку
// по калибровке на ее собственной частоте start + increment*i.
func (a *Analyzer) Sweep(ctx context.Context, start, increment float64, points int) (SweepResult, error) {
	if err := a.checkCalibrated(); err != nil {
		return SweepResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.Range()
	if err := a.checkCalibrated(); err != nil {
		return SweepResult{}, err
	}

	data, err := a.engine.RawSweep(ctx, start, increment, points)
	if err != nil {
		return SweepResult{}, err
	}
	points, _ = ClampPoints(points)
	result := SweepResult{
		Range:  id,
		Spec:   SweepSpec{Start: start, Increment: increment, Points: points},
		Points: make([]Measurement, 0, data.Len()),
	}
	for i := 0; i < data.Len(); i++ {
		f := start + increment*float64(i)
		m, err := a.correct(id, f, float64(data.Real[i]), float64(data.Imag[i]))
		if err != nil {
			return SweepResult{}, fmt.Errorf("точка %d: %w", i, err)
		}
		result.Points = append(result.Points, m)
	}
	return result, nil
}

func (a *Analyzer) checkCalibrated() error {
	if id := a.Range(); !a.store.IsCalibrated(id) {
		return fmt.Errorf("%w: диапазон %d", ErrUncalibratedRange, id)
	}
	return nil
}

func (a *Analyzer) correct(id RangeID, f, re, im float64) (Measurement, error) {
	magnitude := math.Hypot(re, im)
	if magnitude == 0 {
		return Measurement{}, fmt.Errorf("%w: на частоте %.0f Гц", ErrZeroMagnitude, f)
	}
	gain, err := a.store.Gain(id, f)
	if err != nil {
		return Measurement{}, err
	}
	offset, err := a.store.Phase(id, f)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{
		Frequency: f,
		Magnitude: 1 / (gain * magnitude),
		Phase:     (math.Atan2(im, re) - offset) / math.Pi * 180,
	}, nil
}

// Close освобождает порт регистров.
func (a *Analyzer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port.Close()
}

func toFloat64(src []int16) []float64 {
	dst := make([]float64, len(src))
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}
