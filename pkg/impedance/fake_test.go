package impedance

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/l0nax/go-spew/spew"
)

var pprint = spew.ConfigState{
	Indent:                  "\t",
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// fakePort имитирует порт регистров: атрибуты хранятся в памяти, буфер
// заполняется отсчетом, зависящим от последней записанной начальной частоты.
// failWrite, если задан, может отклонить запись атрибута.
type fakePort struct {
	mu      sync.Mutex
	attrs   map[string]string
	writes  []string
	enabled map[string]bool

	sample    func(f float64) (re, im int16)
	failWrite func(key, value string) error
	openErr   error
	failAt    int  // номер OpenBuffer, начиная с 1, который вернет openErr
	block     bool // Refill ждет отмены контекста

	opened    int
	cancelled int
	closed    bool
}

func newFakePort(clock uint64) *fakePort {
	return &fakePort{
		attrs: map[string]string{
			attrKey(DeviceAttrs, AttrClockFrequency): strconv.FormatUint(clock, 10),
			attrKey(DeviceAttrs, "name"):             "ad5933",
			attrKey(ChannelTemp, AttrRaw):            "1016",
			attrKey(ChannelTemp, AttrScale):          "31.25",
		},
		enabled: make(map[string]bool),
		sample:  func(float64) (int16, int16) { return 1000, 0 },
	}
}

func attrKey(ch Channel, name string) string {
	return ch.String() + "_" + name
}

func (p *fakePort) ReadAttr(_ context.Context, ch Channel, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.attrs[attrKey(ch, name)]
	if !ok {
		return "", ErrHardwareNotFound
	}
	return v, nil
}

func (p *fakePort) WriteAttr(_ context.Context, ch Channel, name, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := attrKey(ch, name)
	if p.failWrite != nil {
		if err := p.failWrite(key, value); err != nil {
			return err
		}
	}
	p.attrs[key] = value
	p.writes = append(p.writes, key+"="+value)
	return nil
}

func (p *fakePort) SetEnabled(_ context.Context, ch Channel, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled[ch.ID] = enabled
	return nil
}

func (p *fakePort) OpenBuffer(_ context.Context, samples int) (Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened++
	if p.openErr != nil && p.opened >= p.failAt {
		return nil, p.openErr
	}
	start, _ := strconv.ParseFloat(p.attrs[attrKey(ChannelExcitation, AttrFrequencyStart)], 64)
	re, im := p.sample(start)
	data := make([]byte, samples*sampleSize)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(data[i*sampleSize:], uint16(re))
		binary.LittleEndian.PutUint16(data[i*sampleSize+2:], uint16(im))
	}
	return &fakeBuffer{p: p, data: data, block: p.block}, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) attr(ch Channel, name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attrs[attrKey(ch, name)]
}

func (p *fakePort) counts() (opened, cancelled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened, p.cancelled
}

type fakeBuffer struct {
	p      *fakePort
	data   []byte
	filled []byte
	block  bool
}

func (b *fakeBuffer) Refill(ctx context.Context) error {
	if b.block {
		<-ctx.Done()
		return ctx.Err()
	}
	b.filled = b.data
	return nil
}

func (b *fakeBuffer) Bytes() []byte { return b.filled }

func (b *fakeBuffer) Cancel() error {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	b.p.cancelled++
	return nil
}

// fakeRegister - регистр мультиплексора в памяти.
type fakeRegister struct {
	mu       sync.Mutex
	value    byte
	writes   []byte
	readErr  error
	writeErr error
}

func (r *fakeRegister) ReadByte() (byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readErr != nil {
		return 0, r.readErr
	}
	return r.value, nil
}

func (r *fakeRegister) WriteByte(b byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.value = b
	r.writes = append(r.writes, b)
	return nil
}

func (r *fakeRegister) get() byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// recordingObserver запоминает предупреждения и события калибровки.
type recordingObserver struct {
	NopObserver
	mu           sync.Mutex
	warnings     []error
	calibrations []error
	sweeps       int
}

func (o *recordingObserver) Warning(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.warnings = append(o.warnings, err)
}

func (o *recordingObserver) SweepFinished(SweepSpec, int, time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweeps++
}

func (o *recordingObserver) CalibrationFinished(_ RangeID, _ int, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calibrations = append(o.calibrations, err)
}

func (o *recordingObserver) hasWarning(target error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, err := range o.warnings {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
