// Package config загружает YAML-конфигурацию анализатора.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/momentics/goimpedance/pkg/impedance"
	"github.com/momentics/goimpedance/pkg/thermo"
)

type Config struct {
	Device struct {
		URI                string        `yaml:"uri"`
		Name               string        `yaml:"name"`
		Clock              uint64        `yaml:"clock_hz"`
		AcquisitionTimeout time.Duration `yaml:"acquisition_timeout"`
		Interpolator       string        `yaml:"interpolator"`
	} `yaml:"device"`
	Mux struct {
		Bus     string        `yaml:"bus"`
		Address uint16        `yaml:"address"`
		Settle  time.Duration `yaml:"settle"`
	} `yaml:"mux"`
	Thermo struct {
		Enabled bool   `yaml:"enabled"`
		Bus     string `yaml:"bus"`
		Address uint16 `yaml:"address"`
		Filter  int    `yaml:"filter"`
	} `yaml:"thermo"`
	Sweep struct {
		Start     float64 `yaml:"start"`
		Increment float64 `yaml:"increment"`
		Points    int     `yaml:"points"`
	} `yaml:"sweep"`
	Continuous struct {
		Frequency float64       `yaml:"frequency"`
		Interval  time.Duration `yaml:"interval"`
	} `yaml:"continuous"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default возвращает конфигурацию платы по умолчанию: анализатор в локальной
// sysfs, мультиплексор и термопара на шине I²C 1.
func Default() *Config {
	c := &Config{}
	c.Device.URI = "local:"
	c.Device.Name = impedance.DefaultDevice
	c.Device.AcquisitionTimeout = impedance.DefaultAcquisitionTimeout
	c.Device.Interpolator = "natural"
	c.Mux.Bus = "1"
	c.Mux.Address = impedance.ADG729Addr
	c.Mux.Settle = impedance.DefaultSettleDelay
	c.Thermo.Bus = "1"
	c.Thermo.Address = thermo.I2CAddr
	c.Sweep.Start = 10000
	c.Sweep.Increment = 1000
	c.Sweep.Points = 90
	c.Continuous.Frequency = 10000
	c.Continuous.Interval = impedance.DefaultContinuousInterval
	c.Server.Addr = ":8080"
	c.Log.Level = "info"
	return c
}

// Load читает файл поверх значений по умолчанию. Пустой путь дает Default().
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("разбор %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Device.Clock != 0 && c.Device.Clock < impedance.MinClockFrequency {
		return fmt.Errorf("%w: device.clock_hz %d", impedance.ErrInvalidParameter, c.Device.Clock)
	}
	if _, err := impedance.InterpolatorByName(c.Device.Interpolator); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Thermo.Filter < 0 || c.Thermo.Filter > 7 {
		return fmt.Errorf("%w: thermo.filter %d", impedance.ErrInvalidParameter, c.Thermo.Filter)
	}
	return nil
}

// LogLevel возвращает уровень журнала; некорректное значение отсекается в Validate.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
