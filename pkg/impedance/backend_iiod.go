// Этот файл содержит реализацию порта регистров поверх текстового протокола IIO-демона
// (последовательный канал, как в serial-бэкенде libiio).
package impedance

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/momentics/goimpedance/internal/util"
)

// pollInterval - период проверки контекста при ожидании ответа демона.
const (
	pollInterval = 200 * time.Millisecond
	closeTimeout = 5 * time.Second
)

// scanIndex - порядок квадратурных каналов в кадре буфера.
var scanIndex = map[string]uint{
	ChannelReal.ID: 0,
	ChannelImag.ID: 1,
}

type IIODPort struct {
	mu     sync.Mutex
	port   util.SerialPortInterface
	src    *ctxReader
	r      *bufio.Reader
	device string
	mask   uint32
}

// ctxReader превращает таймаут чтения порта в проверку контекста.
type ctxReader struct {
	port util.SerialPortInterface
	ctx  context.Context
}

func (c *ctxReader) Read(p []byte) (int, error) {
	for {
		if err := c.ctx.Err(); err != nil {
			return 0, err
		}
		n, err := c.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// NewIIODPort подключается к демону и проверяет наличие устройства.
func NewIIODPort(ctx context.Context, port util.SerialPortInterface, device string) (*IIODPort, error) {
	src := &ctxReader{port: port, ctx: context.Background()}
	p := &IIODPort{
		port:   port,
		src:    src,
		r:      bufio.NewReader(src),
		device: device,
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		return nil, fmt.Errorf("iiod: установка таймаута чтения: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("iiod: очистка входного буфера: %w", err)
	}
	if _, err := p.ReadAttr(ctx, DeviceAttrs, "name"); err != nil {
		if errors.Is(err, errNoEntry) {
			return nil, fmt.Errorf("%w: iiod: устройство %s", ErrHardwareNotFound, device)
		}
		return nil, fmt.Errorf("iiod: устройство %s не отвечает: %w", device, err)
	}
	return p, nil
}

var errNoEntry = errors.New("iiod: ENOENT")

func (p *IIODPort) target(ch Channel, name string) string {
	switch {
	case ch.ID == "":
		return fmt.Sprintf("%s %s", p.device, name)
	case ch.Output:
		return fmt.Sprintf("%s OUTPUT %s %s", p.device, ch.ID, name)
	default:
		return fmt.Sprintf("%s INPUT %s %s", p.device, ch.ID, name)
	}
}

func (p *IIODPort) ReadAttr(ctx context.Context, ch Channel, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.src.ctx = ctx

	if err := p.command("READ " + p.target(ch, name)); err != nil {
		return "", err
	}
	n, err := p.readStatus()
	if err != nil {
		return "", fmt.Errorf("iiod: чтение %s_%s: %w", ch, name, err)
	}
	data := make([]byte, n+1) // значение и завершающий перевод строки
	if _, err := io.ReadFull(p.r, data); err != nil {
		return "", fmt.Errorf("iiod: чтение значения %s_%s: %w", ch, name, err)
	}
	return strings.TrimRight(string(data[:n]), "\x00\n"), nil
}

func (p *IIODPort) WriteAttr(ctx context.Context, ch Channel, name, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.src.ctx = ctx

	cmd := fmt.Sprintf("WRITE %s %d", p.target(ch, name), len(value))
	if err := p.command(cmd); err != nil {
		return err
	}
	if _, err := p.port.Write([]byte(value)); err != nil {
		return fmt.Errorf("iiod: отправка значения %s_%s: %w", ch, name, err)
	}
	if _, err := p.readStatus(); err != nil {
		return fmt.Errorf("iiod: запись %s_%s=%s: %w", ch, name, value, err)
	}
	return nil
}

// SetEnabled запоминает канал в маске; маска передается демону при открытии буфера.
func (p *IIODPort) SetEnabled(_ context.Context, ch Channel, enabled bool) error {
	idx, ok := scanIndex[ch.ID]
	if !ok || ch.Output {
		return fmt.Errorf("%w: канал %s не поддерживает захват", ErrInvalidParameter, ch)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if enabled {
		p.mask |= 1 << idx
	} else {
		p.mask &^= 1 << idx
	}
	return nil
}

func (p *IIODPort) OpenBuffer(ctx context.Context, samples int) (Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.src.ctx = ctx

	if p.mask == 0 {
		return nil, fmt.Errorf("%w: не включено ни одного канала захвата", ErrInvalidParameter)
	}
	if err := p.command(fmt.Sprintf("OPEN %s %d %08x", p.device, samples, p.mask)); err != nil {
		return nil, err
	}
	if _, err := p.readStatus(); err != nil {
		return nil, fmt.Errorf("iiod: открытие буфера: %w", err)
	}
	size := samples * 2 * maskChannels(p.mask)
	return &iiodBuffer{p: p, size: size}, nil
}

func (p *IIODPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port.Close()
}

func (p *IIODPort) command(cmd string) error {
	if _, err := p.port.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("iiod: отправка команды %q: %w", cmd, err)
	}
	return nil
}

// readStatus читает строку с кодом ответа; отрицательное значение - errno.
func (p *IIODPort) readStatus() (int, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSpace(line)
	n, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("iiod: некорректный ответ %q", line)
	}
	if n < 0 {
		if n == -2 {
			return 0, errNoEntry
		}
		return 0, fmt.Errorf("iiod: код ошибки %d", n)
	}
	return n, nil
}

func maskChannels(mask uint32) int {
	n := 0
	for ; mask != 0; mask &= mask - 1 {
		n++
	}
	return n
}

type iiodBuffer struct {
	p    *IIODPort
	size int
	data []byte
}

// Refill запрашивает у демона весь буфер и читает его порциями.
func (b *iiodBuffer) Refill(ctx context.Context) error {
	p := b.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.src.ctx = ctx

	if err := p.command(fmt.Sprintf("READBUF %s %d", p.device, b.size)); err != nil {
		return err
	}
	data := make([]byte, 0, b.size)
	for len(data) < b.size {
		n, err := p.readStatus()
		if err != nil {
			return fmt.Errorf("iiod: чтение буфера: %w", err)
		}
		if n == 0 {
			break
		}
		if _, err := p.r.ReadString('\n'); err != nil { // маска каналов
			return fmt.Errorf("iiod: чтение маски буфера: %w", err)
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(p.r, chunk); err != nil {
			return fmt.Errorf("iiod: чтение данных буфера: %w", err)
		}
		data = append(data, chunk...)
	}
	if len(data) != b.size {
		return fmt.Errorf("iiod: получено %d байт буфера, ожидалось %d", len(data), b.size)
	}
	b.data = data
	return nil
}

func (b *iiodBuffer) Bytes() []byte { return b.data }

// Cancel закрывает буфер на стороне демона. Недочитанные после прерванного
// Refill данные отбрасываются.
func (b *iiodBuffer) Cancel() error {
	p := b.p
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	p.src.ctx = ctx

	var err error
	if b.data == nil {
		err = p.port.ResetInputBuffer()
		p.r.Reset(p.src)
	}
	b.data = nil
	if cerr := p.command("CLOSE " + p.device); cerr != nil {
		return errors.Join(err, cerr)
	}
	_, serr := p.readStatus()
	return errors.Join(err, serr)
}
