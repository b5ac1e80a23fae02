package impedance

import (
	"periph.io/x/conn/v3/i2c"
)

// ADG729Addr - адрес мультиплексора на шине I²C по умолчанию.
const ADG729Addr uint16 = 0x44

// I2CRegister - однобайтовый регистр устройства на шине I²C.
type I2CRegister struct {
	dev *i2c.Dev
}

func NewI2CRegister(bus i2c.Bus, addr uint16) *I2CRegister {
	return &I2CRegister{dev: &i2c.Dev{Bus: bus, Addr: addr}}
}

func (r *I2CRegister) ReadByte() (byte, error) {
	var buf [1]byte
	if err := r.dev.Tx(nil, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (r *I2CRegister) WriteByte(b byte) error {
	return r.dev.Tx([]byte{b}, nil)
}
