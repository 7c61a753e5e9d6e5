package api

import (
	"context"
	stderrors "errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/autoheal/internal/store"
	"github.com/NikhilSetiya/autoheal/pkg/alerting"
	"github.com/NikhilSetiya/autoheal/pkg/errors"
	"github.com/NikhilSetiya/autoheal/pkg/healing"
)

const maxHistoryLimit = 1000

// RecoveryArchive is the long-term recovery store
type RecoveryArchive interface {
	Query(ctx context.Context, q store.Query) ([]store.RecoveryRecord, error)
}

// RecoveryJournal is the short-term recovery store
type RecoveryJournal interface {
	Recent(ctx context.Context, limit int) ([]healing.RecoveryResult, error)
	BreakerStates(ctx context.Context) (map[string]healing.CircuitBreakerSnapshot, error)
}

// HealingHandler exposes the healing engine over HTTP
type HealingHandler struct {
	engine  *healing.Engine
	monitor *healing.HealthMonitor
	alerts  *alerting.Service
	archive RecoveryArchive
	journal RecoveryJournal
}

// NewHealingHandler creates a handler. alerts, archive and journal may be nil.
func NewHealingHandler(engine *healing.Engine, alerts *alerting.Service, archive RecoveryArchive, journal RecoveryJournal) *HealingHandler {
	return &HealingHandler{
		engine:  engine,
		monitor: engine.Monitor(),
		alerts:  alerts,
		archive: archive,
		journal: journal,
	}
}

// BreakerRequest configures a circuit breaker. Zero fields take the engine
// defaults.
type BreakerRequest struct {
	FailureThreshold int     `json:"failure_threshold"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
	HalfOpenMaxCalls int     `json:"half_open_max_calls"`
	SuccessThreshold int     `json:"success_threshold"`
}

// RegisterComponentRequest is the body of POST /components/register
type RegisterComponentRequest struct {
	Name           string          `json:"name" binding:"required"`
	CircuitBreaker *BreakerRequest `json:"circuit_breaker,omitempty"`
}

// RegisterComponentResponse reports a newly registered component
type RegisterComponentResponse struct {
	Component      healing.ComponentReport         `json:"component"`
	CircuitBreaker *healing.CircuitBreakerSnapshot `json:"circuit_breaker,omitempty"`
}

// ResetBreakerRequest is the optional body of POST /circuit-breakers/reset
type ResetBreakerRequest struct {
	Component string `json:"component"`
}

// GetHealth handles GET /health and GET /health?component=X
func (h *HealingHandler) GetHealth(c *gin.Context) {
	if component := c.Query("component"); component != "" {
		report, ok := h.monitor.GetComponentHealth(component)
		if !ok {
			ErrorResponseFromError(c, errors.NewComponentNotFoundError(component))
			return
		}
		SuccessResponse(c, report)
		return
	}

	SuccessResponse(c, h.monitor.GetSystemHealth())
}

// RegisterComponent handles POST /components/register
func (h *HealingHandler) RegisterComponent(c *gin.Context) {
	var req RegisterComponentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		BadRequestResponse(c, "Component name is required")
		return
	}

	cb := req.CircuitBreaker
	if cb != nil && (cb.FailureThreshold < 0 || cb.TimeoutSeconds < 0 || cb.HalfOpenMaxCalls < 0 || cb.SuccessThreshold < 0) {
		BadRequestResponse(c, "Circuit breaker settings must not be negative")
		return
	}

	h.monitor.RegisterComponent(name)

	var resp RegisterComponentResponse
	if cb != nil {
		breaker := h.engine.RegisterCircuitBreaker(name, healing.CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			Timeout:          time.Duration(cb.TimeoutSeconds * float64(time.Second)),
			HalfOpenMaxCalls: cb.HalfOpenMaxCalls,
			SuccessThreshold: cb.SuccessThreshold,
		})
		snapshot := breaker.Snapshot()
		resp.CircuitBreaker = &snapshot
	}

	resp.Component, _ = h.monitor.GetComponentHealth(name)
	CreatedResponse(c, resp)
}

// ResetComponent handles POST /components/:name/reset
func (h *HealingHandler) ResetComponent(c *gin.Context) {
	name := c.Param("name")
	if !h.monitor.ResetComponent(name) {
		ErrorResponseFromError(c, errors.NewComponentNotFoundError(name))
		return
	}

	report, _ := h.monitor.GetComponentHealth(name)
	SuccessResponse(c, report)
}

// GetRecoveryStats handles GET /recovery/stats
func (h *HealingHandler) GetRecoveryStats(c *gin.Context) {
	SuccessResponse(c, h.engine.GetRecoveryStats())
}

// GetRecoveryHistory handles GET /recovery/history?limit=N
func (h *HealingHandler) GetRecoveryHistory(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	SuccessResponse(c, h.engine.GetRecoveryHistory(limit))
}

// GetRecoveryArchive handles GET /recovery/archive
func (h *HealingHandler) GetRecoveryArchive(c *gin.Context) {
	if h.archive == nil {
		ServiceUnavailableResponse(c, "Recovery archive is not configured")
		return
	}

	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	q := store.Query{
		Component: c.Query("component"),
		Action:    c.Query("action"),
		Limit:     limit,
	}

	if q.Action != "" {
		if _, ok := healing.ParseRecoveryAction(q.Action); !ok {
			BadRequestResponse(c, "Unknown recovery action: "+q.Action)
			return
		}
	}
	if raw := c.Query("success"); raw != "" {
		success, err := strconv.ParseBool(raw)
		if err != nil {
			BadRequestResponse(c, "success must be a boolean")
			return
		}
		q.Success = &success
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			BadRequestResponse(c, "since must be an RFC3339 timestamp")
			return
		}
		q.Since = since
	}

	records, err := h.archive.Query(c.Request.Context(), q)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, records)
}

// GetRecoveryJournal handles GET /recovery/journal
func (h *HealingHandler) GetRecoveryJournal(c *gin.Context) {
	if h.journal == nil {
		ServiceUnavailableResponse(c, "Recovery journal is not configured")
		return
	}

	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	results, err := h.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, results)
}

// GetCircuitBreakers handles GET /circuit-breakers
func (h *HealingHandler) GetCircuitBreakers(c *gin.Context) {
	SuccessResponse(c, h.engine.CircuitBreakerStates())
}

// GetPersistedCircuitBreakers handles GET /circuit-breakers/persisted
func (h *HealingHandler) GetPersistedCircuitBreakers(c *gin.Context) {
	if h.journal == nil {
		ServiceUnavailableResponse(c, "Recovery journal is not configured")
		return
	}

	states, err := h.journal.BreakerStates(c.Request.Context())
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, states)
}

// ResetCircuitBreakers handles POST /circuit-breakers/reset. A body naming a
// component resets that breaker; an empty body resets all of them.
func (h *HealingHandler) ResetCircuitBreakers(c *gin.Context) {
	var req ResetBreakerRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	if req.Component == "" {
		count := h.engine.ResetAllCircuitBreakers()
		SuccessResponse(c, gin.H{"reset": count})
		return
	}

	if err := h.engine.ResetCircuitBreaker(req.Component); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"reset": 1, "component": req.Component})
}

// GetAlerts handles GET /alerts
func (h *HealingHandler) GetAlerts(c *gin.Context) {
	if h.alerts == nil {
		SuccessResponse(c, []alerting.Alert{})
		return
	}
	SuccessResponse(c, h.alerts.GetActiveAlerts())
}

// ResolveAlert handles POST /alerts/:id/resolve
func (h *HealingHandler) ResolveAlert(c *gin.Context) {
	if h.alerts == nil {
		ServiceUnavailableResponse(c, "Alerting is not configured")
		return
	}

	id := c.Param("id")
	if err := h.alerts.ResolveAlert(c.Request.Context(), id); err != nil {
		if stderrors.Is(err, alerting.ErrAlertNotFound) {
			ErrorResponseFromError(c, errors.NewNotFoundError("alert").WithDetail("id", id))
			return
		}
		ErrorResponseFromError(c, errors.NewExternalError("alerting", err.Error()))
		return
	}
	SuccessResponse(c, gin.H{"resolved": id})
}

// parseLimit reads the limit query parameter. A missing limit is zero,
// which every listing treats as "default".
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		BadRequestResponse(c, "limit must be a non-negative integer")
		return 0, false
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, true
}
