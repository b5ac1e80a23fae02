package impedance

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"
	"time"
)

const testClock = 16776000

func newTestAnalyzer(t *testing.T, port *fakePort, opts ...Option) (*Analyzer, *fakeRegister) {
	t.Helper()
	reg := &fakeRegister{}
	a, err := New(context.Background(), port, NewMux(reg, 0), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a, reg
}

// При создании устанавливается диапазон 1
func TestNew_SelectsFirstRange(t *testing.T) {
	port := newFakePort(testClock)
	a, reg := newTestAnalyzer(t, port)

	if a.Range() != 1 {
		t.Fatalf("Expected range 1, got %d", a.Range())
	}
	if got := reg.get(); got != 0x10 {
		t.Errorf("Expected mux 0x10, got 0x%02X", got)
	}
	if got := port.attr(ChannelInput, AttrScale); got != "1" {
		t.Errorf("Expected scale 1, got %q", got)
	}
	if got := port.attr(ChannelExcitation, AttrRaw); got != "383" {
		t.Errorf("Expected excitation 383, got %q", got)
	}
}

func TestAnalyzer_SelectRange(t *testing.T) {
	port := newFakePort(testClock)
	a, reg := newTestAnalyzer(t, port)

	if err := a.SelectRange(context.Background(), 4); err != nil {
		t.Fatalf("SelectRange failed: %v", err)
	}
	if a.Range() != 4 || reg.get() != 0x80 {
		t.Fatalf("Expected range 4 with mux 0x80, got %d/0x%02X", a.Range(), reg.get())
	}
	if got := port.attr(ChannelInput, AttrScale); got != "0.2" {
		t.Errorf("Expected scale 0.2, got %q", got)
	}

	writes := len(reg.writes)
	if err := a.SelectRange(context.Background(), 5); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Expected ErrInvalidParameter, got %v", err)
	}
	if len(reg.writes) != writes || a.Range() != 4 {
		t.Fatalf("Invalid range must not touch hardware")
	}
}

// Измерение без калибровки не обращается к буферу
func TestAnalyzer_UncalibratedRange(t *testing.T) {
	port := newFakePort(testClock)
	a, _ := newTestAnalyzer(t, port)

	if _, err := a.Measure(context.Background(), 10000); !errors.Is(err, ErrUncalibratedRange) {
		t.Fatalf("Measure: expected ErrUncalibratedRange, got %v", err)
	}
	if _, err := a.Sweep(context.Background(), 10000, 1000, 10); !errors.Is(err, ErrUncalibratedRange) {
		t.Fatalf("Sweep: expected ErrUncalibratedRange, got %v", err)
	}
	if opened, _ := port.counts(); opened != 0 {
		t.Fatalf("Expected no acquisition, got %d buffers", opened)
	}
}

func TestAnalyzer_SetClock(t *testing.T) {
	port := newFakePort(testClock)
	a, _ := newTestAnalyzer(t, port)

	if err := a.SetClock(context.Background(), 20000); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Expected ErrInvalidParameter, got %v", err)
	}
	if got := port.attr(DeviceAttrs, AttrClockFrequency); got != "16776000" {
		t.Fatalf("Clock must be unchanged, got %q", got)
	}

	if err := a.SetClock(context.Background(), 9000000); err != nil {
		t.Fatalf("SetClock failed: %v", err)
	}
	clk, err := a.Clock(context.Background())
	if err != nil || clk != 9000000 {
		t.Fatalf("Expected 9000000, got %d (%v)", clk, err)
	}

	freqs, err := a.CalFrequencies(context.Background())
	if err != nil {
		t.Fatalf("CalFrequencies failed: %v", err)
	}
	if freqs[0] != 580 {
		t.Errorf("Expected first calibration frequency 580, got %g", freqs[0])
	}
}

func TestAnalyzer_Temperature(t *testing.T) {
	a, _ := newTestAnalyzer(t, newFakePort(testClock))
	c, err := a.Temperature(context.Background())
	if err != nil {
		t.Fatalf("Temperature failed: %v", err)
	}
	if math.Abs(c-31.75) > 1e-9 {
		t.Fatalf("Expected 31.75, got %g", c)
	}
}

// Калибровка по эталону: 1000 Ом и |отсчет| = 5 дают коэффициент 0.0002
func TestAnalyzer_CalibrateRange(t *testing.T) {
	port := newFakePort(testClock)
	port.sample = func(float64) (int16, int16) { return 3, 4 }
	obs := &recordingObserver{}
	a, reg := newTestAnalyzer(t, port, WithObserver(obs))

	table, err := a.CalibrateRange(context.Background(), 2)
	if err != nil {
		t.Fatalf("CalibrateRange failed: %v", err)
	}
	if table.Reference != 1000 || table.Clock != testClock || table.RunID == "" {
		t.Fatalf("Unexpected table header:\n%s", pprint.Sdump(table))
	}
	want := FilterCalFrequencies(DefaultCalFrequencies(), testClock)
	if len(table.Frequencies) != len(want) {
		t.Fatalf("Expected %d points, got %d", len(want), len(table.Frequencies))
	}
	for i := range table.Gains {
		if math.Abs(table.Gains[i]-0.0002) > 1e-15 {
			t.Fatalf("Gain[%d] = %g, want 0.0002", i, table.Gains[i])
		}
		if math.Abs(table.Phases[i]-math.Atan2(4, 3)) > 1e-12 {
			t.Fatalf("Phase[%d] = %g", i, table.Phases[i])
		}
	}

	// После калибровки активен измерительный вариант диапазона
	if a.Range() != 2 || reg.get() != 0x20 {
		t.Fatalf("Expected range 2 with mux 0x20, got %d/0x%02X", a.Range(), reg.get())
	}
	if !a.IsCalibrated(2) || a.IsCalibrated(1) {
		t.Fatalf("Expected only range 2 calibrated")
	}
	if len(obs.calibrations) != 1 || obs.calibrations[0] != nil {
		t.Fatalf("Expected one successful calibration event, got %v", obs.calibrations)
	}

	// Калибровочный резистор, измеренный на откалиброванном диапазоне, дает свой номинал
	m, err := a.Measure(context.Background(), 10000)
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if math.Abs(m.Magnitude-1000) > 1e-6 || math.Abs(m.Phase) > 1e-9 {
		t.Fatalf("Expected 1000 Ohm at 0 deg, got %+v", m)
	}
}

func TestAnalyzer_CalibrationKeepsPreviousTableOnFailure(t *testing.T) {
	port := newFakePort(testClock)
	a, _ := newTestAnalyzer(t, port)

	first, err := a.CalibrateRange(context.Background(), 3)
	if err != nil {
		t.Fatalf("CalibrateRange failed: %v", err)
	}
	if err := a.SelectRange(context.Background(), 1); err != nil {
		t.Fatalf("SelectRange failed: %v", err)
	}

	opened, _ := port.counts()
	port.openErr = errors.New("EIO")
	port.failAt = opened + 5

	if _, err := a.CalibrateRange(context.Background(), 3); !errors.Is(err, ErrBus) {
		t.Fatalf("Expected ErrBus, got %v", err)
	}
	got, err := a.Calibration(3)
	if err != nil {
		t.Fatalf("Calibration failed: %v", err)
	}
	if got.RunID != first.RunID {
		t.Fatalf("Expected table %s to survive, got %s", first.RunID, got.RunID)
	}
	if a.Range() != 1 {
		t.Fatalf("Expected previous range 1 restored, got %d", a.Range())
	}
	if opened, cancelled := port.counts(); cancelled != opened-1 {
		t.Fatalf("Every opened buffer must be released: %d opened, %d released", opened, cancelled)
	}
}

func TestAnalyzer_CalibrateRequiresUsableFrequencies(t *testing.T) {
	port := newFakePort(testClock)
	a, _ := newTestAnalyzer(t, port, WithCalFrequencies([]float64{1100, 1200, 1300}))

	if _, err := a.CalibrateRange(context.Background(), 1); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Expected ErrInvalidParameter, got %v", err)
	}
	if opened, _ := port.counts(); opened != 0 {
		t.Fatalf("Expected no acquisition, got %d", opened)
	}
}

func TestAnalyzer_CalibrateAllRestoresRange(t *testing.T) {
	port := newFakePort(testClock)
	a, reg := newTestAnalyzer(t, port, WithCalFrequencies([]float64{2000, 4000, 8000, 16000, 32000}))

	if err := a.SelectRange(context.Background(), 3); err != nil {
		t.Fatalf("SelectRange failed: %v", err)
	}
	if err := a.CalibrateAll(context.Background()); err != nil {
		t.Fatalf("CalibrateAll failed: %v", err)
	}
	for _, id := range Ranges() {
		if !a.IsCalibrated(id) {
			t.Errorf("Range %d not calibrated", id)
		}
	}
	if a.Range() != 3 || reg.get() != 0x40 {
		t.Fatalf("Expected range 3 with mux 0x40, got %d/0x%02X", a.Range(), reg.get())
	}
}

func failScaleWrites(value string) func(key, v string) error {
	scale := attrKey(ChannelInput, AttrScale)
	return func(key, v string) error {
		if key == scale && (value == "" || v == value) {
			return errors.New("EIO")
		}
		return nil
	}
}

// Неудачное переключение возвращает оборудование к прежнему диапазону
func TestAnalyzer_SelectRangeRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	port := newFakePort(testClock)
	a, reg := newTestAnalyzer(t, port)
	if _, err := a.CalibrateRange(ctx, 1); err != nil {
		t.Fatalf("CalibrateRange failed: %v", err)
	}

	port.failWrite = failScaleWrites(gainScale(5))
	if err := a.SelectRange(ctx, 3); !errors.Is(err, ErrBus) {
		t.Fatalf("Expected ErrBus, got %v", err)
	}
	if a.Range() != 1 || reg.get() != 0x10 {
		t.Fatalf("Expected range 1 with mux 0x10, got %d/0x%02X", a.Range(), reg.get())
	}
	if got := port.attr(ChannelInput, AttrScale); got != "1" {
		t.Fatalf("Expected scale 1, got %q", got)
	}

	m, err := a.Measure(ctx, 10000)
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if math.Abs(m.Magnitude-14.7) > 1e-9 {
		t.Fatalf("Expected 14.7 Ohm, got %+v", m)
	}
}

// Если вернуть прежний диапазон не удалось, измерения блокируются
func TestAnalyzer_SelectRangeUnknownStateBlocksMeasure(t *testing.T) {
	ctx := context.Background()
	port := newFakePort(testClock)
	a, _ := newTestAnalyzer(t, port)
	if _, err := a.CalibrateRange(ctx, 1); err != nil {
		t.Fatalf("CalibrateRange failed: %v", err)
	}

	port.failWrite = failScaleWrites("")
	if err := a.SelectRange(ctx, 3); !errors.Is(err, ErrBus) {
		t.Fatalf("Expected ErrBus, got %v", err)
	}
	if a.Range() != 0 {
		t.Fatalf("Expected unknown range 0, got %d", a.Range())
	}
	opened, _ := port.counts()
	if _, err := a.Measure(ctx, 10000); !errors.Is(err, ErrUncalibratedRange) {
		t.Fatalf("Measure: expected ErrUncalibratedRange, got %v", err)
	}
	if _, err := a.Sweep(ctx, 10000, 1000, 10); !errors.Is(err, ErrUncalibratedRange) {
		t.Fatalf("Sweep: expected ErrUncalibratedRange, got %v", err)
	}
	if now, _ := port.counts(); now != opened {
		t.Fatalf("Expected no acquisition in unknown state")
	}

	port.failWrite = nil
	if err := a.SelectRange(ctx, 1); err != nil {
		t.Fatalf("SelectRange failed: %v", err)
	}
	if _, err := a.Measure(ctx, 10000); err != nil {
		t.Fatalf("Measure after recovery failed: %v", err)
	}
}

// Неудачное восстановление после калибровки не оставляет ложный активный диапазон
func TestAnalyzer_CalibrateRangeRestoreFailure(t *testing.T) {
	ctx := context.Background()
	port := newFakePort(testClock)
	a, _ := newTestAnalyzer(t, port)
	if _, err := a.CalibrateRange(ctx, 1); err != nil {
		t.Fatalf("CalibrateRange failed: %v", err)
	}

	port.failWrite = failScaleWrites("")
	if _, err := a.CalibrateRange(ctx, 2); !errors.Is(err, ErrBus) {
		t.Fatalf("Expected ErrBus, got %v", err)
	}
	if a.Range() != 0 {
		t.Fatalf("Expected unknown range 0, got %d", a.Range())
	}
	if !a.IsCalibrated(1) || a.IsCalibrated(2) {
		t.Fatalf("Calibration tables must be unchanged")
	}
	if _, err := a.Measure(ctx, 10000); !errors.Is(err, ErrUncalibratedRange) {
		t.Fatalf("Expected ErrUncalibratedRange, got %v", err)
	}
}

// Частоты-кандидаты сортируются и очищаются от повторов
func TestWithCalFrequencies_Normalizes(t *testing.T) {
	port := newFakePort(testClock)
	a, _ := newTestAnalyzer(t, port, WithCalFrequencies([]float64{8000, 2000, 4000, 2000, 32000, 16000}))

	table, err := a.CalibrateRange(context.Background(), 1)
	if err != nil {
		t.Fatalf("CalibrateRange failed: %v", err)
	}
	want := []float64{2000, 4000, 8000, 16000, 32000}
	if !slices.Equal(table.Frequencies, want) {
		t.Fatalf("Expected %v, got %v", want, table.Frequencies)
	}
	if opened, _ := port.counts(); opened != len(want) {
		t.Fatalf("Expected %d acquisitions, got %d", len(want), opened)
	}
}

func TestAnalyzer_ClearCalibration(t *testing.T) {
	ctx := context.Background()
	port := newFakePort(testClock)
	a, _ := newTestAnalyzer(t, port)
	if _, err := a.CalibrateRange(ctx, 1); err != nil {
		t.Fatalf("CalibrateRange failed: %v", err)
	}

	if err := a.ClearCalibration(1); err != nil {
		t.Fatalf("ClearCalibration failed: %v", err)
	}
	if a.IsCalibrated(1) {
		t.Fatalf("Range 1 still calibrated")
	}
	if _, err := a.Measure(ctx, 10000); !errors.Is(err, ErrUncalibratedRange) {
		t.Fatalf("Expected ErrUncalibratedRange, got %v", err)
	}
	if err := a.ClearCalibration(7); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Expected ErrInvalidParameter, got %v", err)
	}
}

// Каждая точка развертки корректируется на своей частоте
func TestAnalyzer_Sweep(t *testing.T) {
	port := newFakePort(testClock)
	port.sample = func(f float64) (int16, int16) { return int16(1000 + f/100), 0 }
	a, _ := newTestAnalyzer(t, port)

	if _, err := a.CalibrateRange(context.Background(), 1); err != nil {
		t.Fatalf("CalibrateRange failed: %v", err)
	}
	port.sample = func(float64) (int16, int16) { return 0, -500 }

	res, err := a.Sweep(context.Background(), 10000, 1000, 5)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Range != 1 || res.Spec.Points != 5 {
		t.Fatalf("Unexpected sweep header:\n%s", pprint.Sdump(res.Spec))
	}
	if len(res.Points) != 6 {
		t.Fatalf("Expected 6 points, got %d", len(res.Points))
	}
	for i, p := range res.Points {
		f := 10000 + 1000*float64(i)
		if p.Frequency != f {
			t.Errorf("Point %d: expected %g Hz, got %g", i, f, p.Frequency)
		}
		// Калибровочная амплитуда 1000+f/100 на эталоне 14.7 Ом
		want := 14.7 * (1000 + f/100) / 500
		if math.Abs(p.Magnitude-want)/want > 1e-3 {
			t.Errorf("Point %d: expected %g Ohm, got %g", i, want, p.Magnitude)
		}
		if math.Abs(p.Phase+90) > 1e-6 {
			t.Errorf("Point %d: expected -90 deg, got %g", i, p.Phase)
		}
	}
}

func TestAnalyzer_MeasureZeroMagnitude(t *testing.T) {
	port := newFakePort(testClock)
	a, _ := newTestAnalyzer(t, port)
	if _, err := a.CalibrateRange(context.Background(), 1); err != nil {
		t.Fatalf("CalibrateRange failed: %v", err)
	}
	port.sample = func(float64) (int16, int16) { return 0, 0 }

	if _, err := a.Measure(context.Background(), 10000); !errors.Is(err, ErrZeroMagnitude) {
		t.Fatalf("Expected ErrZeroMagnitude, got %v", err)
	}
}

func TestAnalyzer_Close(t *testing.T) {
	port := newFakePort(testClock)
	a, _ := newTestAnalyzer(t, port)
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !port.closed {
		t.Fatalf("Expected port closed")
	}
}

func TestAnalyzer_ContinuousStopsOnCancel(t *testing.T) {
	port := newFakePort(testClock)
	obs := &recordingObserver{}
	a, _ := newTestAnalyzer(t, port, WithObserver(obs))
	if _, err := a.CalibrateRange(context.Background(), 2); err != nil {
		t.Fatalf("CalibrateRange failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var samples []Sample
	temp := &fakeThermometer{values: []float64{21.5, 0, 22}, errAt: 1}
	err := a.RunContinuous(ctx, 10000, time.Millisecond, temp, func(s Sample) error {
		samples = append(samples, s)
		if len(samples) == 3 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunContinuous failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(samples))
	}
	if samples[0].Temperature != 21.5 || samples[1].Temperature != 0 || samples[2].Temperature != 22 {
		t.Errorf("Unexpected temperatures:\n%s", pprint.Sdump(samples))
	}
	if samples[2].Elapsed < samples[1].Elapsed || math.Abs(samples[0].Magnitude-1000) > 1e-6 {
		t.Errorf("Unexpected samples:\n%s", pprint.Sdump(samples))
	}
	if len(obs.warnings) != 1 {
		t.Errorf("Expected one temperature warning, got %v", obs.warnings)
	}
}

func TestAnalyzer_ContinuousHandlerError(t *testing.T) {
	port := newFakePort(testClock)
	a, _ := newTestAnalyzer(t, port)

	fn := func(Sample) error { return nil }
	if err := a.RunContinuous(context.Background(), 10000, 0, nil, fn); !errors.Is(err, ErrUncalibratedRange) {
		t.Fatalf("Expected ErrUncalibratedRange, got %v", err)
	}
	if _, err := a.CalibrateRange(context.Background(), 1); err != nil {
		t.Fatalf("CalibrateRange failed: %v", err)
	}

	stop := errors.New("stop")
	err := a.RunContinuous(context.Background(), 10000, time.Millisecond, nil, func(Sample) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("Expected handler error, got %v", err)
	}
}

type fakeThermometer struct {
	values []float64
	errAt  int
	n      int
}

func (f *fakeThermometer) Temperature(context.Context) (float64, error) {
	i := f.n
	f.n++
	if i == f.errAt {
		return 0, errors.New("nack")
	}
	return f.values[i%len(f.values)], nil
}
