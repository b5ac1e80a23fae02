// Package util содержит вспомогательные утилиты, не являющиеся частью публичного API.
package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate - скорость по умолчанию для последовательного канала IIO-демона.
const DefaultBaudRate = 115200

// SerialPortInterface определяет интерфейс для работы с последовательным портом.
// Это позволяет нам использовать реальный порт в production и мок-объект в тестах.
type SerialPortInterface interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// SerialConfig описывает последовательный канал из URI вида "path[,baud[,8n1]]".
type SerialConfig struct {
	Path     string
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

func (c SerialConfig) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   c.Parity,
		StopBits: c.StopBits,
	}
}

// ParseSerialConfig разбирает описание порта, например "/dev/ttyUSB0,115200,8n1".
func ParseSerialConfig(s string) (SerialConfig, error) {
	cfg := SerialConfig{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	parts := strings.Split(s, ",")
	cfg.Path = strings.TrimSpace(parts[0])
	if cfg.Path == "" {
		return cfg, fmt.Errorf("не указан путь к последовательному порту в %q", s)
	}
	if len(parts) > 1 && parts[1] != "" {
		baud, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || baud <= 0 {
			return cfg, fmt.Errorf("некорректная скорость порта %q", parts[1])
		}
		cfg.BaudRate = baud
	}
	if len(parts) > 2 && parts[2] != "" {
		if err := parseFrame(strings.ToLower(strings.TrimSpace(parts[2])), &cfg); err != nil {
			return cfg, err
		}
	}
	if len(parts) > 3 {
		return cfg, fmt.Errorf("лишние параметры порта в %q", s)
	}
	return cfg, nil
}

func parseFrame(frame string, cfg *SerialConfig) error {
	if len(frame) != 3 {
		return fmt.Errorf("некорректный формат кадра %q, ожидается например 8n1", frame)
	}
	bits := int(frame[0] - '0')
	if bits < 5 || bits > 8 {
		return fmt.Errorf("некорректное число бит данных в %q", frame)
	}
	cfg.DataBits = bits
	switch frame[1] {
	case 'n':
		cfg.Parity = serial.NoParity
	case 'o':
		cfg.Parity = serial.OddParity
	case 'e':
		cfg.Parity = serial.EvenParity
	default:
		return fmt.Errorf("некорректная четность в %q", frame)
	}
	switch frame[2] {
	case '1':
		cfg.StopBits = serial.OneStopBit
	case '2':
		cfg.StopBits = serial.TwoStopBits
	default:
		return fmt.Errorf("некорректное число стоп-бит в %q", frame)
	}
	return nil
}

// realPort - это обертка над реальной реализацией последовательного порта.
type realPort struct {
	port serial.Port
}

func (r *realPort) Read(p []byte) (n int, err error)     { return r.port.Read(p) }
func (r *realPort) Write(p []byte) (n int, err error)    { return r.port.Write(p) }
func (r *realPort) Close() error                         { return r.port.Close() }
func (r *realPort) SetReadTimeout(t time.Duration) error { return r.port.SetReadTimeout(t) }
func (r *realPort) ResetInputBuffer() error              { return r.port.ResetInputBuffer() }

// OpenPort открывает реальный последовательный порт.
func OpenPort(cfg SerialConfig) (SerialPortInterface, error) {
	p, err := serial.Open(cfg.Path, cfg.mode())
	if err != nil {
		return nil, err
	}
	return &realPort{port: p}, nil
}
