// Package impedance управляет анализатором импеданса AD5933 за аналоговым
// мультиплексором ADG729: выбор диапазона, сырая развертка, калибровка и
// откорректированные измерения.
package impedance

import (
	"context"
	"fmt"
	"strings"

	"github.com/momentics/goimpedance/internal/util"
)

// DefaultDevice - имя IIO-устройства анализатора.
const DefaultDevice = "ad5933"

// OpenPort выбирает реализацию порта регистров по URI:
//
//	local:                 - sysfs текущей системы
//	serial:/dev/ttyUSB0,115200,8n1 - IIO-демон за последовательным портом
func OpenPort(ctx context.Context, uri, device string) (RegisterPort, error) {
	if device == "" {
		device = DefaultDevice
	}
	scheme, rest, _ := strings.Cut(uri, ":")
	switch scheme {
	case "", "local":
		return NewSysfsPort(DefaultSysfsRoot, DefaultDevRoot, device)
	case "serial":
		cfg, err := util.ParseSerialConfig(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
		}
		port, err := util.OpenPort(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: ошибка открытия порта %s: %w", ErrHardwareNotFound, cfg.Path, err)
		}
		p, err := NewIIODPort(ctx, port, device)
		if err != nil {
			port.Close()
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: неизвестная схема URI %q", ErrInvalidParameter, uri)
}
