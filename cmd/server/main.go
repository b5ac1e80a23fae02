// Package main - HTTP-сервер анализатора импеданса.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/momentics/goimpedance/internal/config"
	"github.com/momentics/goimpedance/internal/device"
	"github.com/momentics/goimpedance/internal/metrics"
	"github.com/momentics/goimpedance/pkg/impedance"
)

var log zerolog.Logger

func init() {
	cw := zerolog.ConsoleWriter{Out: os.Stdout}
	log = zerolog.New(cw).With().Timestamp().Logger()
}

func flags() (configPath, addr string) {
	cp := flag.String("config", "", "путь к YAML-конфигурации")
	ad := flag.String("addr", "", "адрес HTTP-сервера (переопределяет server.addr)")
	flag.Parse()
	return *cp, *ad
}

func main() {
	configPath, addr := flags()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("ошибка загрузки конфигурации")
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	log = log.Level(cfg.LogLevel())

	collector := metrics.New()
	if err := collector.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatal().Err(err).Msg("ошибка регистрации метрик")
	}
	obs := impedance.Observers{impedance.NewLogObserver(log), collector}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := device.Open(ctx, cfg, obs)
	if err != nil {
		log.Fatal().Err(err).Str("uri", cfg.Device.URI).Msg("ошибка открытия анализатора")
	}
	defer dev.Close()

	mux := http.NewServeMux()
	newAPI(dev.Analyzer, dev.Thermo, cfg).register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("сервер запущен")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("ошибка HTTP сервера")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("сервер останавливается...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ошибка при корректном завершении сервера")
	}
	log.Info().Msg("сервер успешно остановлен")
}
