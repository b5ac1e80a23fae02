package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/momentics/goimpedance/internal/config"
	"github.com/momentics/goimpedance/pkg/datalog"
	"github.com/momentics/goimpedance/pkg/impedance"
)

type api struct {
	an   *impedance.Analyzer
	temp impedance.TemperatureSource
	cfg  config.Config
}

func newAPI(an *impedance.Analyzer, temp impedance.TemperatureSource, cfg *config.Config) *api {
	return &api{an: an, temp: temp, cfg: *cfg}
}

func (s *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/range", s.getRange)
	mux.HandleFunc("PUT /api/v1/range", s.putRange)
	mux.HandleFunc("GET /api/v1/clock", s.getClock)
	mux.HandleFunc("PUT /api/v1/clock", s.putClock)
	mux.HandleFunc("GET /api/v1/temperature", s.getTemperature)
	mux.HandleFunc("POST /api/v1/calibrate", s.calibrate)
	mux.HandleFunc("GET /api/v1/calibration", s.getCalibration)
	mux.HandleFunc("DELETE /api/v1/calibration", s.deleteCalibration)
	mux.HandleFunc("GET /api/v1/measure", s.measure)
	mux.HandleFunc("GET /api/v1/sweep", s.sweepHandler)
}

func (s *api) getRange(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"range":      s.an.Range(),
		"calibrated": s.an.IsCalibrated(s.an.Range()),
	})
}

func (s *api) putRange(w http.ResponseWriter, r *http.Request) {
	id, err := queryInt(r, "id", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.an.SelectRange(r.Context(), impedance.RangeID(id)); err != nil {
		writeError(w, err)
		return
	}
	s.getRange(w, r)
}

func (s *api) getClock(w http.ResponseWriter, r *http.Request) {
	hz, err := s.an.Clock(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	freqs, err := s.an.CalFrequencies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"clock_hz": hz, "cal_frequencies": freqs})
}

func (s *api) putClock(w http.ResponseWriter, r *http.Request) {
	hz, err := strconv.ParseUint(r.URL.Query().Get("hz"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: параметр hz: %w", impedance.ErrInvalidParameter, err))
		return
	}
	if err := s.an.SetClock(r.Context(), hz); err != nil {
		writeError(w, err)
		return
	}
	s.getClock(w, r)
}

func (s *api) getTemperature(w http.ResponseWriter, r *http.Request) {
	chip, err := s.an.Temperature(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"chip": chip}
	if s.temp != nil {
		tc, err := s.temp.Temperature(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		resp["thermocouple"] = tc
	}
	writeJSON(w, resp)
}

// calibrate без параметра range калибрует все диапазоны.
func (s *api) calibrate(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("range") == "" {
		if err := s.an.CalibrateAll(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		tables := make([]*impedance.CalibrationTable, 0, impedance.NumRanges)
		for _, id := range impedance.Ranges() {
			t, err := s.an.Calibration(id)
			if err != nil {
				writeError(w, err)
				return
			}
			tables = append(tables, t)
		}
		writeJSON(w, tables)
		return
	}

	id, err := queryInt(r, "range", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	table, err := s.an.CalibrateRange(r.Context(), impedance.RangeID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, table)
}

func (s *api) getCalibration(w http.ResponseWriter, r *http.Request) {
	id, err := queryInt(r, "range", int(s.an.Range()))
	if err != nil {
		writeError(w, err)
		return
	}
	table, err := s.an.Calibration(impedance.RangeID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, table)
}

func (s *api) deleteCalibration(w http.ResponseWriter, r *http.Request) {
	id, err := queryInt(r, "range", int(s.an.Range()))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.an.ClearCalibration(impedance.RangeID(id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"range": id, "calibrated": false})
}

func (s *api) measure(w http.ResponseWriter, r *http.Request) {
	f, err := queryFloat(r, "f", s.cfg.Continuous.Frequency)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := s.an.Measure(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, m)
}

// sweepHandler отдает развертку в JSON или, при format=csv, в CSV журнала.
func (s *api) sweepHandler(w http.ResponseWriter, r *http.Request) {
	def := s.cfg.Sweep
	start, err := queryFloat(r, "start", def.Start)
	if err != nil {
		writeError(w, err)
		return
	}
	inc, err := queryFloat(r, "increment", def.Increment)
	if err != nil {
		writeError(w, err)
		return
	}
	points, err := queryInt(r, "points", def.Points)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.an.Sweep(r.Context(), start, inc, points)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") != "csv" {
		writeJSON(w, res)
		return
	}
	logger := datalog.New()
	logger.AppendSweep(res)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	if err := logger.WriteCSV(w); err != nil {
		log.Error().Err(err).Msg("ошибка записи CSV")
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: параметр %s: %w", impedance.ErrInvalidParameter, name, err)
	}
	return n, nil
}

func queryFloat(r *http.Request, name string, def float64) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: параметр %s: %w", impedance.ErrInvalidParameter, name, err)
	}
	return f, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, impedance.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, impedance.ErrUncalibratedRange):
		return http.StatusConflict
	case errors.Is(err, impedance.ErrAcquisitionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, impedance.ErrHardwareNotFound):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("ошибка запроса")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("ошибка кодирования ответа")
	}
}
