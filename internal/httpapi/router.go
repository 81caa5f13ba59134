// Package httpapi serves sensor status and stored readings over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/sensor"
	"github.com/srg/blesense/internal/storage"
)

const (
	statusBody      = "Server is up and running!"
	notFoundBody    = "<html><head><title>Not found</title><body><h1>404</h1></html>"
	busyBody        = "Database connection failed"
	notFoundErrBody = "{}"

	// naiveLayout is accepted as a UTC time without zone
	naiveLayout = "2006-01-02T15:04:05.999999999"
)

// StatusSource reports whether a sensor is currently online
type StatusSource interface {
	StatusByAddress(address string) sensor.Status
}

type api struct {
	store  storage.Store
	status StatusSource
	logger *logrus.Logger
}

// NewRouter registers every route under /api
func NewRouter(store storage.Store, status StatusSource, logger *logrus.Logger) *mux.Router {
	if logger == nil {
		logger = logrus.New()
	}
	a := &api{store: store, status: status, logger: logger}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(notFound)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/status", a.serverStatus).Methods(http.MethodGet)

	sensors := apiRouter.PathPrefix("/sensors").Subrouter()
	sensors.HandleFunc("/list", a.sensorsList).Methods(http.MethodGet)
	sensors.HandleFunc("/{id:[0-9]+}", a.sensorStatus).Methods(http.MethodGet)
	sensors.HandleFunc("/{id:[0-9]+}/readings", a.sensorReadings).Methods(http.MethodGet)
	sensors.HandleFunc("/{id:[0-9]+}/readings/after/{timestamp}", a.sensorReadingsAfter).Methods(http.MethodGet)
	sensors.HandleFunc("/{id:[0-9]+}/latest/{kind}", a.sensorLatest).Methods(http.MethodGet)

	return r
}

func (a *api) serverStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(statusBody))
}

func (a *api) sensorsList(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.GetSensors(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, records)
}

type statusResponse struct {
	Status sensor.Status `json:"status"`
}

func (a *api) sensorStatus(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	s, err := a.store.GetSensorByHandle(r.Context(), h)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, statusResponse{Status: a.status.StatusByAddress(s.Address)})
}

func (a *api) sensorReadings(w http.ResponseWriter, r *http.Request) {
	h, ok := a.existingSensor(w, r)
	if !ok {
		return
	}
	readings, err := a.store.GetReadings(r.Context(), h)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, readings)
}

func (a *api) sensorReadingsAfter(w http.ResponseWriter, r *http.Request) {
	h, ok := a.existingSensor(w, r)
	if !ok {
		return
	}
	after, err := parseAfter(mux.Vars(r)["timestamp"])
	if err != nil {
		notFound(w, r)
		return
	}
	readings, err := a.store.GetReadingsAfter(r.Context(), h, after)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, readings)
}

func (a *api) sensorLatest(w http.ResponseWriter, r *http.Request) {
	h, ok := handleVar(w, r)
	if !ok {
		return
	}
	kind, err := sensor.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		a.writeError(w, r, storage.ErrNotFound)
		return
	}
	reading, err := a.store.GetLatestReading(r.Context(), h, kind)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, reading)
}

// existingSensor resolves {id} and checks that the sensor is stored
func (a *api) existingSensor(w http.ResponseWriter, r *http.Request) (storage.Handle, bool) {
	h, ok := handleVar(w, r)
	if !ok {
		return 0, false
	}
	if _, err := a.store.GetSensorByHandle(r.Context(), h); err != nil {
		a.writeError(w, r, err)
		return 0, false
	}
	return h, true
}

func handleVar(w http.ResponseWriter, r *http.Request) (storage.Handle, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		notFound(w, r)
		return 0, false
	}
	return storage.Handle(id), true
}

// parseAfter accepts a zoned RFC 3339 time or a naive UTC time.
// Zoned bounds are moved forward by 1ms: clients echo back millisecond-truncated
// timestamps and must not receive the reading they already have.
func parseAfter(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC().Add(time.Millisecond), nil
	}
	t, err := time.ParseInLocation(naiveLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func (a *api) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.WithError(err).Warn("Failed to write response")
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		code int
		body string
	)
	switch storage.KindOf(err) {
	case storage.Busy:
		code, body = http.StatusServiceUnavailable, busyBody
	case storage.NotFound:
		code, body = http.StatusNotFound, notFoundErrBody
	default:
		code, body = http.StatusInternalServerError, errorMessage(err)
		a.logger.WithFields(logrus.Fields{
			"path":  r.URL.Path,
			"error": err,
		}).Error("Storage request failed")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func errorMessage(err error) string {
	var se *storage.Error
	if errors.As(err, &se) && se.Msg != "" {
		return se.Msg
	}
	return err.Error()
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(notFoundBody))
}
