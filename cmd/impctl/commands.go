package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/momentics/goimpedance/internal/device"
	"github.com/momentics/goimpedance/pkg/datalog"
	"github.com/momentics/goimpedance/pkg/impedance"
)

var (
	sweepStart     float64
	sweepIncrement float64
	sweepPoints    int
	frequency      float64
	interval       time.Duration
	duration       time.Duration
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Тактовая частота, частоты калибровки и температура",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dev, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer dev.Close()

		clk, err := dev.Analyzer.Clock(ctx)
		if err != nil {
			return err
		}
		freqs, err := dev.Analyzer.CalFrequencies(ctx)
		if err != nil {
			return err
		}
		chip, err := dev.Analyzer.Temperature(ctx)
		if err != nil {
			return err
		}
		info := map[string]any{
			"clock_hz":        clk,
			"range":           dev.Analyzer.Range(),
			"cal_frequencies": freqs,
			"chip_celsius":    chip,
		}
		if dev.Thermo != nil {
			tc, err := dev.Thermo.Temperature(ctx)
			if err != nil {
				return err
			}
			info["thermocouple_celsius"] = tc
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	},
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate [range|all]",
	Short: "Калибровка диапазона и вывод таблицы в JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dev, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer dev.Close()

		ids := []impedance.RangeID{impedance.RangeID(rangeID)}
		if len(args) == 1 {
			if args[0] == "all" {
				if err := dev.Analyzer.CalibrateAll(ctx); err != nil {
					return err
				}
				ids = impedance.Ranges()
			} else {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("%w: диапазон %q", impedance.ErrInvalidParameter, args[0])
				}
				ids = []impedance.RangeID{impedance.RangeID(n)}
			}
		}

		tables := make([]*impedance.CalibrationTable, 0, len(ids))
		for _, id := range ids {
			if !dev.Analyzer.IsCalibrated(id) {
				if _, err := dev.Analyzer.CalibrateRange(ctx, id); err != nil {
					return err
				}
			}
			t, err := dev.Analyzer.Calibration(id)
			if err != nil {
				return err
			}
			tables = append(tables, t)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(tables)
	},
}

var measureCmd = &cobra.Command{
	Use:   "measure",
	Short: "Одно измерение на частоте --freq",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dev, err := calibratedDevice(ctx)
		if err != nil {
			return err
		}
		defer dev.Close()

		f := frequency
		if f == 0 {
			f = cfg.Continuous.Frequency
		}
		m, err := dev.Analyzer.Measure(ctx, f)
		if err != nil {
			return err
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(m)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Развертка с выводом в CSV",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dev, err := calibratedDevice(ctx)
		if err != nil {
			return err
		}
		defer dev.Close()

		start, inc, points := cfg.Sweep.Start, cfg.Sweep.Increment, cfg.Sweep.Points
		if cmd.Flags().Changed("start") {
			start = sweepStart
		}
		if cmd.Flags().Changed("increment") {
			inc = sweepIncrement
		}
		if cmd.Flags().Changed("points") {
			points = sweepPoints
		}

		res, err := dev.Analyzer.Sweep(ctx, start, inc, points)
		if err != nil {
			return err
		}
		logger := datalog.New()
		logger.AppendSweep(res)
		return export(cmd, logger)
	},
}

var continuousCmd = &cobra.Command{
	Use:   "continuous",
	Short: "Непрерывные измерения на одной частоте до прерывания",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dev, err := calibratedDevice(ctx)
		if err != nil {
			return err
		}
		defer dev.Close()

		// Длительность отсчитывается после калибровки.
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		f, every := cfg.Continuous.Frequency, cfg.Continuous.Interval
		if frequency != 0 {
			f = frequency
		}
		if interval != 0 {
			every = interval
		}

		var samples []impedance.Sample
		err = dev.Analyzer.RunContinuous(ctx, f, every, dev.Thermo, func(s impedance.Sample) error {
			samples = append(samples, s)
			log.Info().
				Dur("t", s.Elapsed).
				Float64("magnitude", s.Magnitude).
				Float64("phase", s.Phase).
				Float64("T", s.Temperature).
				Msg("измерение")
			return nil
		})
		if err != nil {
			return err
		}
		logger := datalog.New()
		logger.AppendContinuous(samples)
		return export(cmd, logger)
	},
}

func init() {
	sweepCmd.Flags().Float64Var(&sweepStart, "start", 0, "начальная частота, Гц")
	sweepCmd.Flags().Float64Var(&sweepIncrement, "increment", 0, "шаг частоты, Гц")
	sweepCmd.Flags().IntVar(&sweepPoints, "points", 0, "число приращений (0..511)")

	for _, c := range []*cobra.Command{measureCmd, continuousCmd} {
		c.Flags().Float64VarP(&frequency, "freq", "f", 0, "частота измерения, Гц")
	}
	continuousCmd.Flags().DurationVar(&interval, "interval", 0, "период измерений")
	continuousCmd.Flags().DurationVar(&duration, "duration", 0, "длительность записи (0 - до прерывания)")
}

// calibratedDevice открывает плату и калибрует диапазон --range.
func calibratedDevice(ctx context.Context) (*device.Device, error) {
	dev, err := openDevice(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := dev.Analyzer.CalibrateRange(ctx, impedance.RangeID(rangeID)); err != nil {
		dev.Close()
		return nil, err
	}
	return dev, nil
}

func export(cmd *cobra.Command, logger *datalog.Logger) error {
	if outPath == "" {
		return logger.WriteCSV(cmd.OutOrStdout())
	}
	if err := logger.ExportFile(outPath); err != nil {
		return err
	}
	log.Info().Str("path", outPath).Int("series", logger.Len()).Msg("данные сохранены")
	return nil
}
