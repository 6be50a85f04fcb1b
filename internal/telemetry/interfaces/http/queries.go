package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	apihttp "water-cloud/internal/api/http"
	"water-cloud/internal/auth"
	"water-cloud/internal/errs"
	telemetryapp "water-cloud/internal/telemetry/application"
)

// QueryHandler serves reading history and inference events to device owners.
type QueryHandler struct {
	queries    *telemetryapp.ReadingQueries
	inferences *telemetryapp.InferenceService
	logger     *zap.Logger
}

// NewQueryHandler constructs a query handler.
func NewQueryHandler(queries *telemetryapp.ReadingQueries, inferences *telemetryapp.InferenceService, logger *zap.Logger) (*QueryHandler, error) {
	if queries == nil {
		return nil, errors.New("telemetry queries: nil reading queries")
	}
	if inferences == nil {
		return nil, errors.New("telemetry queries: nil inference service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{queries: queries, inferences: inferences, logger: logger}, nil
}

// Register mounts the query and inference routes.
func (h *QueryHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/devices/{deviceId}/readings", h.handleReadings)
	mux.HandleFunc("GET /api/devices/{deviceId}/readings/aggregated", h.handleAggregated)
	mux.HandleFunc("GET /api/devices/{deviceId}/consumption", h.handleConsumption)
	mux.HandleFunc("GET /api/devices/{deviceId}/inferences", h.handleInferences)
	mux.HandleFunc("POST /api/device/inferences", h.handleIngestInference)
}

func (h *QueryHandler) handleReadings(w http.ResponseWriter, r *http.Request) {
	actor, deviceID, ok := h.scope(w, r)
	if !ok {
		return
	}
	from, to, err := queryRange(r)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	limit, err := apihttp.QueryInt(r, "limit")
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	list, err := h.queries.Readings(r.Context(), actor, deviceID, from, to, limit)
	if err != nil {
		h.logFailure("list readings failed", deviceID, err)
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, list)
}

func (h *QueryHandler) handleAggregated(w http.ResponseWriter, r *http.Request) {
	actor, deviceID, ok := h.scope(w, r)
	if !ok {
		return
	}
	from, to, err := requiredRange(r)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	buckets, err := h.queries.Aggregated(r.Context(), actor, deviceID, from, to, r.URL.Query().Get("granularity"))
	if err != nil {
		h.logFailure("aggregate readings failed", deviceID, err)
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, buckets)
}

func (h *QueryHandler) handleConsumption(w http.ResponseWriter, r *http.Request) {
	actor, deviceID, ok := h.scope(w, r)
	if !ok {
		return
	}
	from, to, err := requiredRange(r)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	total, err := h.queries.Consumption(r.Context(), actor, deviceID, from, to)
	if err != nil {
		h.logFailure("consumption failed", deviceID, err)
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, map[string]float64{"totalLiters": total})
}

func (h *QueryHandler) handleInferences(w http.ResponseWriter, r *http.Request) {
	actor, deviceID, ok := h.scope(w, r)
	if !ok {
		return
	}
	from, to, err := queryRange(r)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	limit, err := apihttp.QueryInt(r, "limit")
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	list, err := h.inferences.List(r.Context(), actor, deviceID, from, to, limit)
	if err != nil {
		h.logFailure("list inferences failed", deviceID, err)
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, list)
}

func (h *QueryHandler) handleIngestInference(w http.ResponseWriter, r *http.Request) {
	var req telemetryapp.InferenceRequest
	if err := apihttp.DecodeJSON(r, &req); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	event, err := h.inferences.Ingest(r.Context(), req)
	if err != nil {
		if errs.HTTPStatus(err) == http.StatusInternalServerError {
			h.logger.Error("inference ingest failed", zap.String("device_uid", req.DeviceUID), zap.Error(err))
		}
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusCreated, map[string]any{
		"status":      "success",
		"message":     "Inference received",
		"inferenceId": event.ID,
	})
}

func (h *QueryHandler) scope(w http.ResponseWriter, r *http.Request) (auth.Actor, int64, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		apihttp.WriteError(w, errs.ErrUnauthorized)
		return auth.Actor{}, 0, false
	}
	deviceID, err := apihttp.PathInt64(r, "deviceId")
	if err != nil {
		apihttp.WriteError(w, err)
		return auth.Actor{}, 0, false
	}
	return actor, deviceID, true
}

func (h *QueryHandler) logFailure(msg string, deviceID int64, err error) {
	if errs.HTTPStatus(err) == http.StatusInternalServerError {
		h.logger.Error(msg, zap.Int64("device_id", deviceID), zap.Error(err))
	}
}

func queryRange(r *http.Request) (*time.Time, *time.Time, error) {
	from, err := queryTime(r, "from")
	if err != nil {
		return nil, nil, err
	}
	to, err := queryTime(r, "to")
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func requiredRange(r *http.Request) (time.Time, time.Time, error) {
	from, to, err := queryRange(r)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if from == nil || to == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("from and to are required: %w", errs.ErrValidation)
	}
	return *from, *to, nil
}

func queryTime(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	ts, err := telemetryapp.ParseTimestamp(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an ISO-8601 datetime: %w", name, errs.ErrValidation)
	}
	return &ts, nil
}
