// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aegislabs/aegisgate/services/breaker"
	"github.com/aegislabs/aegisgate/services/deadletter"
	"github.com/aegislabs/aegisgate/services/protocol"
)

// ServiceVersion is the gateway service version.
const ServiceVersion = "0.1.0"

// ProcessRequest is the body of POST /v1/process.
type ProcessRequest struct {
	// Input is the raw protocol string, e.g. "2-1 | some context".
	Input string `json:"input" binding:"required"`
}

// ProcessResponse is the success body of POST /v1/process.
type ProcessResponse struct {
	Status      string   `json:"status"`
	Code        int      `json:"code"`
	Confidence  int      `json:"confidence"`
	Payload     string   `json:"payload,omitempty"`
	Flags       []string `json:"flags"`
	Description string   `json:"description"`
}

// ErrorResponse is the error body for every failed request.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode int    `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	Ref       string `json:"ref,omitempty"`
}

// RegisterCodeRequest is the body of the admin registration endpoints.
type RegisterCodeRequest struct {
	ID    int    `json:"id" binding:"required"`
	Name  string `json:"name" binding:"required"`
	Class string `json:"class"` // tasks only: "classification" or "generative"
}

// Handlers contains the HTTP handlers for the gateway.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// identity resolves the caller identity for banning and audit. An
// explicit client ID header wins; otherwise the remote IP stands in.
func identity(c *gin.Context) string {
	if id := c.GetHeader("X-Client-ID"); id != "" {
		return id
	}
	return c.ClientIP()
}

func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleProcess handles POST /v1/process.
//
// Response:
//
//	200 OK: ProcessResponse, or ErrorResponse when the backend answered
//	        with a protocol error code
//	400 Bad Request: ErrorResponse with the protocol wire code
//	502 Bad Gateway: ErrorResponse with a dead letter ref
//	503 Service Unavailable: circuit open
func (h *Handlers) HandleProcess(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleProcess")

	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Status:    "error",
			ErrorCode: protocol.CodeInvalidFormat,
		})
		return
	}

	result, err := h.svc.Process(c.Request.Context(), identity(c), req.Input)
	if err != nil {
		h.writeProcessError(c, logger, err)
		return
	}

	if result.ErrorCode != 0 {
		c.JSON(http.StatusOK, ErrorResponse{
			Status:    "error",
			ErrorCode: result.ErrorCode,
		})
		return
	}

	c.JSON(http.StatusOK, ProcessResponse{
		Status:      "success",
		Code:        result.Code,
		Confidence:  result.Confidence,
		Payload:     result.Payload,
		Flags:       result.Decoded.Flags,
		Description: result.Decoded.Description,
	})
}

// writeProcessError maps pipeline errors to HTTP. Defensive rejections
// surface as access denied with the generic format code in the body, so
// a probe cannot tell which defense fired; internal detail never leaves
// the process.
func (h *Handlers) writeProcessError(c *gin.Context, logger *slog.Logger, err error) {
	var backendErr *BackendFailure
	switch {
	case errors.As(err, &backendErr):
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Status: "error",
			Error:  "processing failed",
			Ref:    backendErr.Ref,
		})

	case errors.Is(err, ErrRejected):
		c.JSON(http.StatusForbidden, ErrorResponse{
			Status:    "error",
			ErrorCode: protocol.CodeInvalidFormat,
		})

	case errors.Is(err, breaker.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Status: "error",
			Error:  "service temporarily unavailable",
		})

	default:
		code := protocol.WireCode(err)
		if code == 0 {
			logger.Error("Unmapped pipeline error", "error", err)
			code = protocol.CodeInvalidFormat
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Status:    "error",
			ErrorCode: code,
		})
	}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": ServiceVersion,
	})
}

// HandleAuditVerify handles GET /v1/audit/verify. Walks the persisted
// chain and reports how many batches verified.
func (h *Handlers) HandleAuditVerify(c *gin.Context) {
	n, err := h.svc.Chain().Verify(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"intact":           false,
			"verified_batches": n,
			"error":            err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intact":           true,
		"verified_batches": n,
		"pending_events":   h.svc.Chain().Pending(),
	})
}

// HandleBreakerStats handles GET /v1/breaker.
func (h *Handlers) HandleBreakerStats(c *gin.Context) {
	stats := h.svc.Breaker().Stats()
	c.JSON(http.StatusOK, gin.H{
		"state":                stats.State.String(),
		"consecutive_failures": stats.ConsecutiveFailures,
		"last_failure_time":    stats.LastFailureTime,
		"last_state_change":    stats.LastStateChange,
	})
}

// HandleBreakerReset handles POST /v1/admin/breaker/reset.
func (h *Handlers) HandleBreakerReset(c *gin.Context) {
	h.svc.Breaker().Reset()
	slog.Warn("Circuit breaker manually reset", "by", identity(c))
	c.JSON(http.StatusOK, gin.H{"state": h.svc.Breaker().State().String()})
}

// HandleDeadLetterList handles GET /v1/deadletter.
func (h *Handlers) HandleDeadLetterList(c *gin.Context) {
	recs, err := h.svc.Vault().List(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

// HandleDeadLetterGet handles GET /v1/deadletter/:ref.
func (h *Handlers) HandleDeadLetterGet(c *gin.Context) {
	rec, err := h.svc.Vault().Load(c.Request.Context(), c.Param("ref"))
	if err != nil {
		if errors.Is(err, deadletter.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown ref"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleRegisterTask handles POST /v1/admin/registry/tasks.
func (h *Handlers) HandleRegisterTask(c *gin.Context) {
	var req RegisterCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	class := protocol.ClassClassification
	if req.Class == "generative" {
		class = protocol.ClassGenerative
	}
	if err := h.svc.Engine().Registry().RegisterTask(req.ID, req.Name, class); err != nil {
		h.writeRegistryError(c, err)
		return
	}
	h.auditRegistryChange(c, "task", req)
	c.JSON(http.StatusCreated, gin.H{"id": req.ID, "name": req.Name, "class": class.String()})
}

// HandleRegisterParameter handles POST /v1/admin/registry/parameters.
func (h *Handlers) HandleRegisterParameter(c *gin.Context) {
	var req RegisterCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.svc.Engine().Registry().RegisterParameter(req.ID, req.Name); err != nil {
		h.writeRegistryError(c, err)
		return
	}
	h.auditRegistryChange(c, "parameter", req)
	c.JSON(http.StatusCreated, gin.H{"id": req.ID, "name": req.Name})
}

// HandleRegisterFlag handles POST /v1/admin/registry/flags.
func (h *Handlers) HandleRegisterFlag(c *gin.Context) {
	var req RegisterCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := h.svc.Engine().Registry().RegisterResponseFlag(req.ID, req.Name); err != nil {
		h.writeRegistryError(c, err)
		return
	}
	h.auditRegistryChange(c, "flag", req)
	c.JSON(http.StatusCreated, gin.H{"id": req.ID, "name": req.Name})
}

func (h *Handlers) writeRegistryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, protocol.ErrDuplicateIdentifier):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, protocol.ErrInvalidIdentifier), errors.Is(err, protocol.ErrTrapIdentifier):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
	}
}

func (h *Handlers) auditRegistryChange(c *gin.Context, kind string, req RegisterCodeRequest) {
	h.svc.audit(c.Request.Context(), auditRegistryEvent(identity(c), kind, req))
}
