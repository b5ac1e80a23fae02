package impedance

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	// MaxPoints - число приращений частоты ограничено 9 битами.
	MaxPoints = 511
	// SettlingCycles - число периодов возбуждения перед каждым отсчетом.
	SettlingCycles = 10
	// DefaultAcquisitionTimeout ограничивает ожидание заполнения буфера.
	DefaultAcquisitionTimeout = 10 * time.Minute

	sampleSize = 4 // int16 real + int16 imag
)

// RawData - декодированные квадратурные отсчеты одной развертки.
type RawData struct {
	Real []int16
	Imag []int16
}

func (d RawData) Len() int { return len(d.Real) }

// SweepEngine программирует развертку и захватывает сырые отсчеты.
type SweepEngine struct {
	port    RegisterPort
	timeout time.Duration
	obs     Observer
}

func NewSweepEngine(port RegisterPort, timeout time.Duration, obs Observer) *SweepEngine {
	if timeout <= 0 {
		timeout = DefaultAcquisitionTimeout
	}
	if obs == nil {
		obs = NopObserver{}
	}
	return &SweepEngine{port: port, timeout: timeout, obs: obs}
}

// ClampPoints приводит число точек к диапазону [0, MaxPoints].
func ClampPoints(points int) (int, bool) {
	switch {
	case points < 0:
		return 0, true
	case points > MaxPoints:
		return MaxPoints, true
	}
	return points, false
}

// RawSweep выполняет развертку и возвращает points+1 отсчетов: микросхема выдает
// на один отсчет больше запрошенного числа приращений.
func (e *SweepEngine) RawSweep(ctx context.Context, start, increment float64, points int) (RawData, error) {
	if start < 1 {
		return RawData{}, fmt.Errorf("%w: начальная частота %.0f Гц", ErrInvalidParameter, start)
	}
	if increment < 0 {
		return RawData{}, fmt.Errorf("%w: шаг частоты %.0f Гц", ErrInvalidParameter, increment)
	}
	if clamped, ok := ClampPoints(points); ok {
		e.obs.Warning(fmt.Errorf("%w: %d -> %d", ErrClampedInput, points, clamped))
		points = clamped
	}

	spec := SweepSpec{Start: start, Increment: increment, Points: points}
	began := time.Now()
	data, err := e.acquire(ctx, spec)
	e.obs.SweepFinished(spec, data.Len(), time.Since(began), err)
	return data, err
}

func (e *SweepEngine) acquire(ctx context.Context, spec SweepSpec) (data RawData, err error) {
	attrs := []struct{ name, value string }{
		{AttrFrequencyStart, formatHz(spec.Start)},
		{AttrFrequencyIncrement, formatHz(spec.Increment)},
		{AttrFrequencyPoints, strconv.Itoa(spec.Points)},
		{AttrSettlingCycles, strconv.Itoa(SettlingCycles)},
	}
	for _, a := range attrs {
		if err := e.port.WriteAttr(ctx, ChannelExcitation, a.name, a.value); err != nil {
			return RawData{}, busError("запись "+a.name, err)
		}
	}
	for _, ch := range []Channel{ChannelReal, ChannelImag} {
		if err := e.port.SetEnabled(ctx, ch, true); err != nil {
			return RawData{}, busError("включение канала "+ch.ID, err)
		}
	}

	buf, err := e.port.OpenBuffer(ctx, spec.Points+1)
	if err != nil {
		return RawData{}, busError("создание буфера", err)
	}
	defer func() {
		if cerr := buf.Cancel(); cerr != nil && err == nil {
			err = busError("освобождение буфера", cerr)
		}
	}()

	fillCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := buf.Refill(fillCtx); err != nil {
		switch {
		case errors.Is(err, ErrAcquisitionTimeout):
			return RawData{}, err
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return RawData{}, fmt.Errorf("%w: %s", ErrAcquisitionTimeout, e.timeout)
		case ctx.Err() != nil:
			return RawData{}, ctx.Err()
		}
		return RawData{}, busError("заполнение буфера", err)
	}

	raw := buf.Bytes()
	e.obs.BufferFilled(raw)
	return DecodeSamples(raw)
}

// DecodeSamples разбирает буфер из пар int16 little-endian (real, imag).
func DecodeSamples(buf []byte) (RawData, error) {
	if len(buf)%sampleSize != 0 {
		return RawData{}, fmt.Errorf("%w: размер буфера %d не кратен %d", ErrBus, len(buf), sampleSize)
	}
	n := len(buf) / sampleSize
	data := RawData{
		Real: make([]int16, n),
		Imag: make([]int16, n),
	}
	for i := 0; i < n; i++ {
		offset := i * sampleSize
		data.Real[i] = int16(binary.LittleEndian.Uint16(buf[offset : offset+2]))
		data.Imag[i] = int16(binary.LittleEndian.Uint16(buf[offset+2 : offset+4]))
	}
	return data, nil
}

func formatHz(f float64) string {
	return strconv.FormatFloat(f, 'f', 0, 64)
}

func busError(op string, err error) error {
	if errors.Is(err, ErrBus) || errors.Is(err, ErrHardwareNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrBus, op, err)
}
