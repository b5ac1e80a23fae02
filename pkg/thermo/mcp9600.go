// Package thermo читает температуру термопарного преобразователя MCP9600.
package thermo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
)

// I2CAddr - адрес MCP9600 на шине I²C по умолчанию.
const I2CAddr uint16 = 0x60

const (
	regHotJunction = 0x00
	regSensorCfg   = 0x05
)

var ErrInvalidFilter = errors.New("уровень фильтра должен быть от 0 до 7")

// MCP9600 - дескриптор преобразователя.
type MCP9600 struct {
	c conn.Conn
}

func New(bus i2c.Bus, addr uint16) *MCP9600 {
	return &MCP9600{c: &i2c.Dev{Bus: bus, Addr: addr}}
}

// SetFilter задает уровень цифрового фильтра горячего спая (0 - выключен).
func (d *MCP9600) SetFilter(level int) error {
	if level < 0 || level > 7 {
		return fmt.Errorf("%w: %d", ErrInvalidFilter, level)
	}
	if err := d.c.Tx([]byte{regSensorCfg, byte(level)}, nil); err != nil {
		return fmt.Errorf("mcp9600: запись конфигурации: %w", err)
	}
	return nil
}

// Temperature возвращает температуру горячего спая, °C.
func (d *MCP9600) Temperature(_ context.Context) (float64, error) {
	var buf [2]byte
	if err := d.c.Tx([]byte{regHotJunction}, buf[:]); err != nil {
		return 0, fmt.Errorf("mcp9600: чтение температуры: %w", err)
	}
	return Decode(buf), nil
}

// Decode переводит значение регистра (int16 big-endian, 1/16 °C) в градусы.
func Decode(raw [2]byte) float64 {
	return float64(int16(binary.BigEndian.Uint16(raw[:]))) / 16
}
