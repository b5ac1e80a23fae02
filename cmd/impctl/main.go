// Package main - консольная утилита анализатора импеданса.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/momentics/goimpedance/internal/config"
	"github.com/momentics/goimpedance/internal/device"
	"github.com/momentics/goimpedance/pkg/impedance"
)

var (
	configPath string
	rangeID    int
	outPath    string
	debug      bool

	cfg *config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "impctl",
	Short: "Управление анализатором импеданса AD5933",
	Long: `impctl выполняет калибровку и измерения на плате AD5933 + ADG729.

Калибровка хранится только в памяти процесса, поэтому measure, sweep и
continuous перед измерением калибруют выбранный диапазон.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		log = log.Level(cfg.LogLevel())
		if debug {
			log = log.Level(zerolog.DebugLevel)
		}
		return nil
	},
}

func init() {
	cw := zerolog.ConsoleWriter{Out: os.Stderr}
	log = zerolog.New(cw).With().Timestamp().Logger()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "путь к YAML-конфигурации")
	rootCmd.PersistentFlags().IntVarP(&rangeID, "range", "r", 1, "диапазон измерения 1..4")
	rootCmd.PersistentFlags().StringVarP(&outPath, "out", "o", "", "файл CSV (по умолчанию stdout)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "подробный журнал")

	rootCmd.AddCommand(infoCmd, calibrateCmd, measureCmd, sweepCmd, continuousCmd)
}

// openDevice открывает плату с журналом событий анализатора.
func openDevice(ctx context.Context) (*device.Device, error) {
	return device.Open(ctx, cfg, impedance.NewLogObserver(log))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("команда завершилась с ошибкой")
		stop()
		os.Exit(1)
	}
}
