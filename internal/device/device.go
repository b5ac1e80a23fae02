// Package device собирает анализатор платы из конфигурации: порт регистров,
// мультиплексор на I²C и необязательную термопару.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/momentics/goimpedance/internal/config"
	"github.com/momentics/goimpedance/pkg/impedance"
	"github.com/momentics/goimpedance/pkg/thermo"
)

// Device владеет анализатором и всеми открытыми шинами.
type Device struct {
	Analyzer *impedance.Analyzer
	// Thermo равен nil, если термопара отключена в конфигурации.
	Thermo impedance.TemperatureSource

	closers []io.Closer
}

// Open инициализирует драйверы periph и открывает устройство. При ошибке
// все уже открытые ресурсы освобождаются.
func Open(ctx context.Context, cfg *config.Config, obs impedance.Observer) (d *Device, err error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("инициализация periph: %w", err)
	}

	d = &Device{}
	defer func() {
		if err != nil {
			err = errors.Join(err, d.Close())
			d = nil
		}
	}()

	buses := make(map[string]i2c.Bus)
	openBus := func(name string) (i2c.Bus, error) {
		if bus, ok := buses[name]; ok {
			return bus, nil
		}
		bus, err := i2creg.Open(name)
		if err != nil {
			return nil, fmt.Errorf("%w: шина I²C %q: %w", impedance.ErrHardwareNotFound, name, err)
		}
		buses[name] = bus
		d.closers = append(d.closers, bus)
		return bus, nil
	}

	muxBus, err := openBus(cfg.Mux.Bus)
	if err != nil {
		return nil, err
	}
	mux := impedance.NewMux(impedance.NewI2CRegister(muxBus, cfg.Mux.Address), cfg.Mux.Settle)

	interp, err := impedance.InterpolatorByName(cfg.Device.Interpolator)
	if err != nil {
		return nil, err
	}

	port, err := impedance.OpenPort(ctx, cfg.Device.URI, cfg.Device.Name)
	if err != nil {
		return nil, err
	}
	a, err := impedance.New(ctx, port, mux,
		impedance.WithAcquisitionTimeout(cfg.Device.AcquisitionTimeout),
		impedance.WithObserver(obs),
		impedance.WithInterpolator(interp),
	)
	if err != nil {
		return nil, errors.Join(err, port.Close())
	}
	d.Analyzer = a
	d.closers = append(d.closers, a)

	if cfg.Device.Clock != 0 {
		if err := a.SetClock(ctx, cfg.Device.Clock); err != nil {
			return nil, err
		}
	}

	if cfg.Thermo.Enabled {
		bus, err := openBus(cfg.Thermo.Bus)
		if err != nil {
			return nil, err
		}
		tc := thermo.New(bus, cfg.Thermo.Address)
		if cfg.Thermo.Filter > 0 {
			if err := tc.SetFilter(cfg.Thermo.Filter); err != nil {
				return nil, err
			}
		}
		d.Thermo = tc
	}
	return d, nil
}

// Close закрывает ресурсы в обратном порядке открытия.
func (d *Device) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i].Close())
	}
	d.closers = nil
	return errors.Join(errs...)
}
