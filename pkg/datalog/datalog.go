// Package datalog накапливает результаты измерений и экспортирует их в CSV.
package datalog

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/momentics/goimpedance/pkg/impedance"
)

// Mode - режим накопленных данных; определяет набор столбцов.
type Mode int

const (
	ModeNone Mode = iota
	ModeSweep
	ModeContinuous
)

func (m Mode) String() string {
	switch m {
	case ModeSweep:
		return "sweep"
	case ModeContinuous:
		return "continuous"
	default:
		return "none"
	}
}

// PreviewLimit ограничивает длину текстового предпросмотра.
const PreviewLimit = 10000

var (
	sweepFields      = []string{"index", "f", "magnitude", "phase"}
	continuousFields = []string{"index", "f", "t", "magnitude", "phase", "T"}
)

type series struct {
	index  int
	sweep  []impedance.Measurement
	points []impedance.Sample
}

// Logger хранит серии измерений одного режима. Смена режима очищает данные.
type Logger struct {
	mu   sync.Mutex
	mode Mode
	next int
	data []series

	// OnReset вызывается перед очисткой данных при смене режима.
	OnReset func(from, to Mode)
}

func New() *Logger { return &Logger{} }

func (l *Logger) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Len возвращает число накопленных серий.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.data)
}

func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clear()
}

func (l *Logger) clear() {
	l.next = 0
	l.data = nil
}

func (l *Logger) switchMode(m Mode) {
	if l.mode == m {
		return
	}
	if l.OnReset != nil && len(l.data) > 0 {
		l.OnReset(l.mode, m)
	}
	l.clear()
	l.mode = m
}

// AppendSweep добавляет развертку как новую серию и возвращает ее индекс.
func (l *Logger) AppendSweep(res impedance.SweepResult) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.switchMode(ModeSweep)
	s := series{index: l.next, sweep: append([]impedance.Measurement(nil), res.Points...)}
	l.data = append(l.data, s)
	l.next++
	return s.index
}

// AppendContinuous добавляет серию непрерывного режима и возвращает ее индекс.
func (l *Logger) AppendContinuous(samples []impedance.Sample) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.switchMode(ModeContinuous)
	s := series{index: l.next, points: append([]impedance.Sample(nil), samples...)}
	l.data = append(l.data, s)
	l.next++
	return s.index
}

// WriteCSV пишет все серии. Без данных ничего не пишется.
func (l *Logger) WriteCSV(w io.Writer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.data) == 0 || l.mode == ModeNone {
		return nil
	}
	cw := csv.NewWriter(w)
	if l.mode == ModeSweep {
		if err := cw.Write(sweepFields); err != nil {
			return err
		}
	} else if err := cw.Write(continuousFields); err != nil {
		return err
	}

	for _, s := range l.data {
		idx := strconv.Itoa(s.index)
		for _, m := range s.sweep {
			if err := cw.Write([]string{idx, formatFloat(m.Frequency), formatFloat(m.Magnitude), formatFloat(m.Phase)}); err != nil {
				return err
			}
		}
		for _, p := range s.points {
			row := []string{
				idx,
				formatFloat(p.Frequency),
				strconv.FormatFloat(p.Elapsed.Seconds(), 'f', 3, 64),
				formatFloat(p.Magnitude),
				formatFloat(p.Phase),
				formatFloat(p.Temperature),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportFile записывает CSV в файл и сбрасывает его на носитель.
func (l *Logger) ExportFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err = l.WriteCSV(f); err != nil {
		return err
	}
	return f.Sync()
}

// Preview возвращает начало CSV не длиннее PreviewLimit байт.
func (l *Logger) Preview() (string, error) {
	var sb strings.Builder
	if err := l.WriteCSV(&sb); err != nil {
		return "", err
	}
	text := sb.String()
	if len(text) > PreviewLimit {
		text = text[:PreviewLimit]
	}
	return text, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
