package impedance

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Развертка программирует атрибуты и возвращает points+1 отсчетов
func TestSweepEngine_RawSweep(t *testing.T) {
	port := newFakePort(16776000)
	port.sample = func(float64) (int16, int16) { return -3, 4 }
	obs := &recordingObserver{}
	engine := NewSweepEngine(port, time.Second, obs)

	data, err := engine.RawSweep(context.Background(), 10000, 1000, 90)
	if err != nil {
		t.Fatalf("RawSweep failed: %v", err)
	}
	if data.Len() != 91 {
		t.Fatalf("Expected 91 samples, got %d", data.Len())
	}
	if data.Real[0] != -3 || data.Imag[90] != 4 {
		t.Fatalf("Unexpected samples:\n%s", pprint.Sdump(data.Real[:2], data.Imag[:2]))
	}

	want := map[string]string{
		AttrFrequencyStart:     "10000",
		AttrFrequencyIncrement: "1000",
		AttrFrequencyPoints:    "90",
		AttrSettlingCycles:     "10",
	}
	for name, v := range want {
		if got := port.attr(ChannelExcitation, name); got != v {
			t.Errorf("%s: expected %q, got %q", name, v, got)
		}
	}
	if !port.enabled[ChannelReal.ID] || !port.enabled[ChannelImag.ID] {
		t.Errorf("Expected both quadrature channels enabled")
	}
	if opened, cancelled := port.counts(); opened != 1 || cancelled != 1 {
		t.Errorf("Expected one buffer opened and released, got %d/%d", opened, cancelled)
	}
	if len(obs.warnings) != 0 {
		t.Errorf("Unexpected warnings: %v", obs.warnings)
	}
}

func TestSweepEngine_ClampsPoints(t *testing.T) {
	port := newFakePort(16776000)
	obs := &recordingObserver{}
	engine := NewSweepEngine(port, time.Second, obs)

	data, err := engine.RawSweep(context.Background(), 10000, 10, 600)
	if err != nil {
		t.Fatalf("RawSweep failed: %v", err)
	}
	if got := port.attr(ChannelExcitation, AttrFrequencyPoints); got != "511" {
		t.Fatalf("Expected 511 points programmed, got %q", got)
	}
	if data.Len() != 512 {
		t.Fatalf("Expected 512 samples, got %d", data.Len())
	}
	if !obs.hasWarning(ErrClampedInput) {
		t.Fatalf("Expected ErrClampedInput warning, got %v", obs.warnings)
	}
}

func TestSweepEngine_PassesThroughPoints(t *testing.T) {
	for _, points := range []int{0, 1, MaxPoints} {
		port := newFakePort(16776000)
		obs := &recordingObserver{}
		engine := NewSweepEngine(port, time.Second, obs)

		data, err := engine.RawSweep(context.Background(), 5000, 100, points)
		if err != nil {
			t.Fatalf("RawSweep(%d) failed: %v", points, err)
		}
		if data.Len() != points+1 {
			t.Errorf("points=%d: expected %d samples, got %d", points, points+1, data.Len())
		}
		if len(obs.warnings) != 0 {
			t.Errorf("points=%d: unexpected warnings %v", points, obs.warnings)
		}
	}
}

func TestClampPoints(t *testing.T) {
	tests := []struct {
		in, want int
		clamped  bool
	}{
		{-5, 0, true},
		{0, 0, false},
		{511, 511, false},
		{512, 511, true},
	}
	for _, tt := range tests {
		got, clamped := ClampPoints(tt.in)
		if got != tt.want || clamped != tt.clamped {
			t.Errorf("ClampPoints(%d) = (%d, %v), want (%d, %v)", tt.in, got, clamped, tt.want, tt.clamped)
		}
	}
}

func TestSweepEngine_RejectsInvalidFrequencies(t *testing.T) {
	port := newFakePort(16776000)
	engine := NewSweepEngine(port, time.Second, nil)

	if _, err := engine.RawSweep(context.Background(), 0, 100, 10); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("start=0: expected ErrInvalidParameter, got %v", err)
	}
	if _, err := engine.RawSweep(context.Background(), 1000, -1, 10); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("increment<0: expected ErrInvalidParameter, got %v", err)
	}
	if len(port.writes) != 0 {
		t.Fatalf("Expected no hardware writes, got %v", port.writes)
	}
}

// Буфер освобождается и при превышении времени ожидания
func TestSweepEngine_Timeout(t *testing.T) {
	port := newFakePort(16776000)
	port.block = true
	engine := NewSweepEngine(port, 20*time.Millisecond, nil)

	_, err := engine.RawSweep(context.Background(), 10000, 1000, 10)
	if !errors.Is(err, ErrAcquisitionTimeout) {
		t.Fatalf("Expected ErrAcquisitionTimeout, got %v", err)
	}
	if _, cancelled := port.counts(); cancelled != 1 {
		t.Fatalf("Expected buffer released once, got %d", cancelled)
	}
}

func TestSweepEngine_Cancelled(t *testing.T) {
	port := newFakePort(16776000)
	port.block = true
	engine := NewSweepEngine(port, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := engine.RawSweep(ctx, 10000, 1000, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if _, cancelled := port.counts(); cancelled != 1 {
		t.Fatalf("Expected buffer released once, got %d", cancelled)
	}
}

func TestSweepEngine_OpenBufferError(t *testing.T) {
	port := newFakePort(16776000)
	port.openErr = errors.New("EBUSY")
	engine := NewSweepEngine(port, time.Second, nil)

	if _, err := engine.RawSweep(context.Background(), 10000, 1000, 10); !errors.Is(err, ErrBus) {
		t.Fatalf("Expected ErrBus, got %v", err)
	}
}

func TestDecodeSamples(t *testing.T) {
	buf := []byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80, 0xFF, 0x7F}
	data, err := DecodeSamples(buf)
	if err != nil {
		t.Fatalf("DecodeSamples failed: %v", err)
	}
	if data.Len() != 2 {
		t.Fatalf("Expected 2 samples, got %d", data.Len())
	}
	if data.Real[0] != 1 || data.Imag[0] != -1 || data.Real[1] != -32768 || data.Imag[1] != 32767 {
		t.Fatalf("Unexpected decode:\n%s", pprint.Sdump(data))
	}

	if _, err := DecodeSamples(buf[:6]); !errors.Is(err, ErrBus) {
		t.Fatalf("Expected ErrBus for truncated buffer, got %v", err)
	}
}
