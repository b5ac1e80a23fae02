package impedance

import (
	"fmt"
	"math/bits"
	"time"
)

// Position - положение ключа мультиплексора: 0 - разомкнут, 1..4 - замкнут вход.
// Keep оставляет текущее положение без изменений.
type Position int

const (
	Keep Position = -1
	Open Position = 0
)

// DefaultSettleDelay - время, необходимое логике ключа после записи.
const DefaultSettleDelay = 10 * time.Millisecond

// ByteRegister - однобайтовый регистр мультиплексора.
type ByteRegister interface {
	ReadByte() (byte, error)
	WriteByte(b byte) error
}

// Mux управляет двухканальным четырехпозиционным ключом (ADG729).
// Младший полубайт - канал A, старший - канал B, по одному биту на вход.
type Mux struct {
	reg    ByteRegister
	settle time.Duration
}

func NewMux(reg ByteRegister, settle time.Duration) *Mux {
	return &Mux{reg: reg, settle: settle}
}

func (p Position) valid() bool {
	return p >= Keep && p <= 4
}

// Write устанавливает положения каналов A и B и выдерживает паузу установления.
func (m *Mux) Write(a, b Position) error {
	if !a.valid() || !b.valid() {
		return fmt.Errorf("%w: положение мультиплексора (%d, %d)", ErrInvalidParameter, a, b)
	}

	data, err := m.reg.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: чтение регистра мультиплексора: %w", ErrBus, err)
	}

	data = composeMux(data, a, b)

	if err := m.reg.WriteByte(data); err != nil {
		return fmt.Errorf("%w: запись регистра мультиплексора: %w", ErrBus, err)
	}
	if m.settle > 0 {
		time.Sleep(m.settle)
	}
	return nil
}

func composeMux(data byte, a, b Position) byte {
	switch {
	case a == Open:
		data &= 0xF0
	case a > Open:
		data = (data & 0xF0) | 1<<(a-1)
	}
	switch {
	case b == Open:
		data &= 0x0F
	case b > Open:
		data = 1<<(b-1+4) | (data & 0x0F)
	}
	return data
}

// Read возвращает текущие положения каналов A и B.
func (m *Mux) Read() (a, b Position, err error) {
	data, err := m.reg.ReadByte()
	if err != nil {
		return Open, Open, fmt.Errorf("%w: чтение регистра мультиплексора: %w", ErrBus, err)
	}
	if a, err = decodeNibble(data & 0x0F); err != nil {
		return Open, Open, fmt.Errorf("канал A (0x%02X): %w", data, err)
	}
	if b, err = decodeNibble(data >> 4); err != nil {
		return Open, Open, fmt.Errorf("канал B (0x%02X): %w", data, err)
	}
	return a, b, nil
}

func decodeNibble(n byte) (Position, error) {
	switch bits.OnesCount8(n) {
	case 0:
		return Open, nil
	case 1:
		return Position(bits.TrailingZeros8(n) + 1), nil
	default:
		return Open, ErrInvalidMuxState
	}
}
