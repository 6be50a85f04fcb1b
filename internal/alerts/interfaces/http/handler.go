package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	alertsapp "water-cloud/internal/alerts/application"
	apihttp "water-cloud/internal/api/http"
	"water-cloud/internal/audit"
	"water-cloud/internal/auth"
	"water-cloud/internal/errs"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handler provides alert inbox endpoints for the authenticated user.
type Handler struct {
	engine      *alertsapp.Engine
	auditLogger audit.Logger
	logger      *zap.Logger
}

// NewHandler constructs a handler. auditLogger may be nil.
func NewHandler(engine *alertsapp.Engine, auditLogger audit.Logger, logger *zap.Logger) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("alerts handler: nil engine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, auditLogger: auditLogger, logger: logger}, nil
}

// Register mounts the alert routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/alerts", h.handleList)
	mux.HandleFunc("GET /api/alerts/unread-count", h.handleUnreadCount)
	mux.HandleFunc("GET /api/alerts/export.xlsx", h.handleExport)
	mux.HandleFunc("PUT /api/alerts/read-all", h.handleMarkAllRead)
	mux.HandleFunc("PUT /api/alerts/{alertId}/read", h.handleMarkRead)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		apihttp.WriteError(w, errs.ErrUnauthorized)
		return
	}
	isRead, err := apihttp.QueryBool(r, "isRead")
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	limit, err := apihttp.QueryInt(r, "limit")
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	list, err := h.engine.ListAlerts(r.Context(), actor, isRead, limit)
	if err != nil {
		h.logger.Error("list alerts failed", zap.Int64("user_id", actor.UserID), zap.Error(err))
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		apihttp.WriteError(w, errs.ErrUnauthorized)
		return
	}
	count, err := h.engine.UnreadCount(r.Context(), actor)
	if err != nil {
		h.logger.Error("unread count failed", zap.Int64("user_id", actor.UserID), zap.Error(err))
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		apihttp.WriteError(w, errs.ErrUnauthorized)
		return
	}
	alertID, err := apihttp.PathInt64(r, "alertId")
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	alert, err := h.engine.MarkRead(r.Context(), actor, alertID)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, alert)
}

func (h *Handler) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		apihttp.WriteError(w, errs.ErrUnauthorized)
		return
	}
	count, err := h.engine.MarkAllRead(r.Context(), actor)
	if err != nil {
		h.logger.Error("mark all read failed", zap.Int64("user_id", actor.UserID), zap.Error(err))
		apihttp.WriteError(w, err)
		return
	}
	h.logAudit(r, actor, count)
	apihttp.WriteJSON(w, http.StatusOK, map[string]int{"updated": count})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		apihttp.WriteError(w, errs.ErrUnauthorized)
		return
	}
	isRead, err := apihttp.QueryBool(r, "isRead")
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	list, err := h.engine.ListAlerts(r.Context(), actor, isRead, alertsapp.MaxListLimit)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	body, err := renderAlertsXLSX(list)
	if err != nil {
		h.logger.Error("alert export failed", zap.Int64("user_id", actor.UserID), zap.Error(err))
		apihttp.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="alerts.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) logAudit(r *http.Request, actor auth.Actor, count int) {
	if h.auditLogger == nil {
		return
	}
	meta, _ := json.Marshal(map[string]int{"updated": count})
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		ActorID:      actor.UserID,
		Role:         string(actor.Role),
		Action:       audit.ActionAlertsReadAll,
		ResourceType: "alert",
		Metadata:     meta,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		h.logger.Warn("audit log failed", zap.String("action", audit.ActionAlertsReadAll), zap.Error(err))
	}
}
