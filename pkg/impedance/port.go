package impedance

import "context"

// Channel идентифицирует канал IIO-устройства. Нулевое значение обозначает
// атрибуты уровня устройства.
type Channel struct {
	ID     string
	Output bool
}

func (c Channel) String() string {
	switch {
	case c.ID == "":
		return "device"
	case c.Output:
		return "out_" + c.ID
	default:
		return "in_" + c.ID
	}
}

var (
	DeviceAttrs       = Channel{}
	ChannelExcitation = Channel{ID: "altvoltage0", Output: true}
	ChannelInput      = Channel{ID: "voltage0"}
	ChannelReal       = Channel{ID: "voltage_real"}
	ChannelImag       = Channel{ID: "voltage_imag"}
	ChannelTemp       = Channel{ID: "temp"}
)

// Имена атрибутов анализатора.
const (
	AttrFrequencyStart     = "frequency_start"
	AttrFrequencyIncrement = "frequency_increment"
	AttrFrequencyPoints    = "frequency_points"
	AttrSettlingCycles     = "settling_cycles"
	AttrRaw                = "raw"
	AttrScale              = "scale"
	AttrClockFrequency     = "clock_frequency"
)

// RegisterPort - явный порт регистров анализатора. Весь строковый ввод-вывод
// атрибутов изолирован в реализациях этого интерфейса.
type RegisterPort interface {
	ReadAttr(ctx context.Context, ch Channel, name string) (string, error)
	WriteAttr(ctx context.Context, ch Channel, name, value string) error
	SetEnabled(ctx context.Context, ch Channel, enabled bool) error
	// OpenBuffer выделяет буфер захвата на заданное число отсчетов.
	OpenBuffer(ctx context.Context, samples int) (Buffer, error)
	Close() error
}

// Buffer - буфер захвата. Refill блокируется до заполнения или отмены ctx.
// Cancel освобождает буфер и должен вызываться на любом пути выполнения.
type Buffer interface {
	Refill(ctx context.Context) error
	Bytes() []byte
	Cancel() error
}
