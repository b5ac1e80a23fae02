// Этот файл содержит реализацию порта регистров через sysfs-интерфейс Linux IIO.
package impedance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	DefaultSysfsRoot = "/sys/bus/iio/devices"
	DefaultDevRoot   = "/dev"
)

// SysfsPort обращается к атрибутам IIO-устройства как к файлам sysfs.
type SysfsPort struct {
	mu      sync.Mutex
	dir     string // каталог устройства в sysfs
	node    string // символьное устройство буфера
	enabled map[string]bool
}

// NewSysfsPort находит устройство с заданным именем среди iio:device*.
func NewSysfsPort(sysRoot, devRoot, device string) (*SysfsPort, error) {
	dirs, err := filepath.Glob(filepath.Join(sysRoot, "iio:device*"))
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		name, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil || strings.TrimSpace(string(name)) != device {
			continue
		}
		return &SysfsPort{
			dir:     dir,
			node:    filepath.Join(devRoot, filepath.Base(dir)),
			enabled: make(map[string]bool),
		}, nil
	}
	return nil, fmt.Errorf("%w: IIO-устройство %q в %s", ErrHardwareNotFound, device, sysRoot)
}

func (p *SysfsPort) attrPath(ch Channel, name string) string {
	if ch.ID == "" {
		return filepath.Join(p.dir, name)
	}
	return filepath.Join(p.dir, ch.String()+"_"+name)
}

func (p *SysfsPort) ReadAttr(_ context.Context, ch Channel, name string) (string, error) {
	data, err := os.ReadFile(p.attrPath(ch, name))
	if err != nil {
		return "", notFound(err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *SysfsPort) WriteAttr(_ context.Context, ch Channel, name, value string) error {
	return notFound(writeFile(p.attrPath(ch, name), value))
}

func (p *SysfsPort) SetEnabled(_ context.Context, ch Channel, enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	path := filepath.Join(p.dir, "scan_elements", ch.String()+"_en")
	if err := writeFile(path, v); err != nil {
		return notFound(err)
	}
	p.mu.Lock()
	p.enabled[ch.ID] = enabled
	p.mu.Unlock()
	return nil
}

func (p *SysfsPort) OpenBuffer(_ context.Context, samples int) (Buffer, error) {
	p.mu.Lock()
	channels := 0
	for _, on := range p.enabled {
		if on {
			channels++
		}
	}
	p.mu.Unlock()
	if channels == 0 {
		return nil, fmt.Errorf("%w: не включено ни одного канала захвата", ErrInvalidParameter)
	}

	if err := writeFile(filepath.Join(p.dir, "buffer", "length"), strconv.Itoa(samples)); err != nil {
		return nil, notFound(err)
	}
	if err := writeFile(filepath.Join(p.dir, "buffer", "enable"), "1"); err != nil {
		return nil, notFound(err)
	}
	f, err := os.Open(p.node)
	if err != nil {
		return nil, errors.Join(notFound(err), p.disableBuffer())
	}
	return &sysfsBuffer{p: p, f: f, size: samples * 2 * channels}, nil
}

func (p *SysfsPort) disableBuffer() error {
	return writeFile(filepath.Join(p.dir, "buffer", "enable"), "0")
}

func (p *SysfsPort) Close() error { return nil }

type sysfsBuffer struct {
	p    *SysfsPort
	f    *os.File
	size int
	data []byte
	once sync.Once
}

// Refill читает кадр целиком. При отмене ctx файл закрывается, незавершенное
// чтение прерывается, а данные отбрасываются.
func (b *sysfsBuffer) Refill(ctx context.Context) error {
	buf := make([]byte, b.size)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(b.f, buf)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		b.data = buf
		return nil
	case <-ctx.Done():
		b.closeFile()
		return ctx.Err()
	}
}

func (b *sysfsBuffer) Bytes() []byte { return b.data }

func (b *sysfsBuffer) Cancel() error {
	b.data = nil
	return errors.Join(b.closeFile(), b.p.disableBuffer())
}

func (b *sysfsBuffer) closeFile() (err error) {
	b.once.Do(func() { err = b.f.Close() })
	return err
}

func writeFile(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	_, err = f.WriteString(value)
	return errors.Join(err, f.Close())
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrHardwareNotFound, err)
	}
	return err
}
