package impedance

import (
	"fmt"
)

// RangeID - номер измерительного диапазона, 1..4.
type RangeID int

const NumRanges = 4

// RangeConfig описывает аппаратную конфигурацию диапазона.
type RangeConfig struct {
	MuxA, MuxB Position
	Gain       int // коэффициент усиления входного каскада, 1 или 5
	Voltage    int // индекс амплитуды возбуждения в OutputVoltages, с единицы
	// Reference - номинал калибровочного резистора, Ом. Только для калибровочных диапазонов.
	Reference float64
}

// OutputVoltages - коды амплитуды возбуждения, мВ.
var OutputVoltages = [...]string{"1980", "970", "383", "198"}

var measurementRanges = [NumRanges]RangeConfig{
	{MuxA: Open, MuxB: 1, Gain: 1, Voltage: 3},
	{MuxA: Open, MuxB: 2, Gain: 1, Voltage: 1},
	{MuxA: Open, MuxB: 3, Gain: 5, Voltage: 1},
	{MuxA: Open, MuxB: 4, Gain: 5, Voltage: 1},
}

var calibrationRanges = [NumRanges]RangeConfig{
	{MuxA: 1, MuxB: 1, Gain: 1, Voltage: 3, Reference: 14.7},
	{MuxA: 2, MuxB: 2, Gain: 1, Voltage: 1, Reference: 1e3},
	{MuxA: 3, MuxB: 3, Gain: 5, Voltage: 1, Reference: 100e3},
	{MuxA: 4, MuxB: 4, Gain: 5, Voltage: 1, Reference: 1e6},
}

// Ranges возвращает все номера диапазонов по возрастанию.
func Ranges() []RangeID {
	ids := make([]RangeID, NumRanges)
	for i := range ids {
		ids[i] = RangeID(i + 1)
	}
	return ids
}

func (id RangeID) Validate() error {
	if id < 1 || id > NumRanges {
		return fmt.Errorf("%w: диапазон %d, допустимо 1..%d", ErrInvalidParameter, id, NumRanges)
	}
	return nil
}

func (id RangeID) index() int { return int(id) - 1 }

// MeasurementRange возвращает конфигурацию измерительного варианта диапазона.
func MeasurementRange(id RangeID) (RangeConfig, error) {
	if err := id.Validate(); err != nil {
		return RangeConfig{}, err
	}
	return measurementRanges[id.index()], nil
}

// CalibrationRange возвращает конфигурацию калибровочного варианта диапазона.
func CalibrationRange(id RangeID) (RangeConfig, error) {
	if err := id.Validate(); err != nil {
		return RangeConfig{}, err
	}
	return calibrationRanges[id.index()], nil
}

// Validate проверяет усиление и код напряжения до обращения к оборудованию.
func (c RangeConfig) Validate() error {
	if c.Gain != 1 && c.Gain != 5 {
		return fmt.Errorf("%w: доступно только усиление x1 и x5, получено x%d", ErrInvalidParameter, c.Gain)
	}
	if c.Voltage < 1 || c.Voltage > len(OutputVoltages) {
		return fmt.Errorf("%w: индекс напряжения должен быть от 1 до %d, получено %d",
			ErrInvalidParameter, len(OutputVoltages), c.Voltage)
	}
	if !c.MuxA.valid() || !c.MuxB.valid() || c.MuxA == Keep || c.MuxB == Keep {
		return fmt.Errorf("%w: положение мультиплексора (%d, %d)", ErrInvalidParameter, c.MuxA, c.MuxB)
	}
	return nil
}

// gainScale переводит коэффициент усиления в значение атрибута scale входного канала.
func gainScale(gain int) string {
	if gain == 1 {
		return "1"
	}
	return "0.2"
}
