package http

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	apihttp "water-cloud/internal/api/http"
	"water-cloud/internal/errs"
	telemetryapp "water-cloud/internal/telemetry/application"
)

// IngestHandler accepts device telemetry over HTTP. Devices authenticate with their API key.
type IngestHandler struct {
	ingestor *telemetryapp.Ingestor
	logger   *zap.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(ingestor *telemetryapp.Ingestor, logger *zap.Logger) (*IngestHandler, error) {
	if ingestor == nil {
		return nil, errors.New("telemetry ingest: nil ingestor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{ingestor: ingestor, logger: logger}, nil
}

// Register mounts the ingest route.
func (h *IngestHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/device/telemetry", h.handleIngest)
}

func (h *IngestHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req telemetryapp.Request
	if err := apihttp.DecodeJSON(r, &req); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	if _, err := h.ingestor.Ingest(r.Context(), "http", req); err != nil {
		if errs.HTTPStatus(err) == http.StatusInternalServerError {
			h.logger.Error("telemetry ingest failed", zap.String("device_uid", req.DeviceUID), zap.Error(err))
		}
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusCreated, map[string]string{
		"status":  "success",
		"message": "Telemetry data received",
	})
}
