package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	apihttp "water-cloud/internal/api/http"
	"water-cloud/internal/audit"
	"water-cloud/internal/auth"
	commandsapp "water-cloud/internal/commands/application"
	commands "water-cloud/internal/commands/domain"
	"water-cloud/internal/errs"
)

// Handler provides command HTTP endpoints.
type Handler struct {
	service     *commandsapp.Service
	auditLogger audit.Logger
	logger      *zap.Logger
}

// NewHandler constructs a handler. auditLogger may be nil.
func NewHandler(service *commandsapp.Service, auditLogger audit.Logger, logger *zap.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, auditLogger: auditLogger, logger: logger}, nil
}

// Register mounts the command routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/devices/{deviceId}/commands", h.handleEnqueue)
	mux.HandleFunc("GET /api/devices/{deviceId}/commands", h.handleList)
	mux.HandleFunc("POST /api/device/commands/poll", h.handlePoll)
	mux.HandleFunc("POST /api/device/commands/ack", h.handleAck)
}

type enqueueRequest struct {
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

type pollRequest struct {
	DeviceUID string `json:"deviceUid" validate:"required"`
	APIKey    string `json:"apiKey" validate:"required"`
}

type ackRequest struct {
	CorrelationID string `json:"correlationId" validate:"required"`
	Success       *bool  `json:"success" validate:"required"`
	Message       string `json:"message"`
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		apihttp.WriteError(w, errs.ErrUnauthorized)
		return
	}
	deviceID, err := apihttp.PathInt64(r, "deviceId")
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	var req enqueueRequest
	if err := apihttp.DecodeJSON(r, &req); err != nil {
		apihttp.WriteError(w, err)
		return
	}

	cmd, err := h.service.Enqueue(r.Context(), actor, deviceID, commands.Type(req.Type), req.Payload)
	if err != nil {
		h.logFailure("enqueue", err)
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusCreated, cmd)
	h.logAudit(r, actor, cmd)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		apihttp.WriteError(w, errs.ErrUnauthorized)
		return
	}
	deviceID, err := apihttp.PathInt64(r, "deviceId")
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	var status *commands.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := commands.ParseStatus(raw)
		if !ok {
			apihttp.WriteError(w, fmt.Errorf("unknown status %q: %w", raw, errs.ErrValidation))
			return
		}
		status = &parsed
	}

	list, err := h.service.ListCommands(r.Context(), actor, deviceID, status)
	if err != nil {
		h.logFailure("list", err)
		apihttp.WriteError(w, err)
		return
	}
	if list == nil {
		list = []commands.Command{}
	}
	apihttp.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := apihttp.DecodeJSON(r, &req); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	list, err := h.service.Poll(r.Context(), req.DeviceUID, req.APIKey)
	if err != nil {
		h.logFailure("poll", err)
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := apihttp.DecodeJSON(r, &req); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	if _, err := h.service.Acknowledge(r.Context(), req.CorrelationID, *req.Success, req.Message); err != nil {
		h.logFailure("ack", err)
		apihttp.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logFailure(op string, err error) {
	if errs.HTTPStatus(err) == http.StatusInternalServerError {
		h.logger.Error("command request failed", zap.String("op", op), zap.Error(err))
		return
	}
	h.logger.Debug("command request rejected", zap.String("op", op), zap.Error(err))
}

func (h *Handler) logAudit(r *http.Request, actor auth.Actor, cmd *commands.Command) {
	if h.auditLogger == nil || cmd == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"type":    cmd.Type,
		"payload": cmd.Payload,
	})
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		ActorID:      actor.UserID,
		Role:         string(actor.Role),
		Action:       audit.ActionCommandEnqueue,
		ResourceType: "command",
		ResourceID:   cmd.CorrelationID,
		DeviceID:     cmd.DeviceID,
		Metadata:     meta,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		h.logger.Warn("audit log failed", zap.String("correlation_id", cmd.CorrelationID), zap.Error(err))
	}
}
