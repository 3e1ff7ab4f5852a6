// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway runs the full request pipeline: ban check, honeypot
// inspection, airlock redaction, firewall neutralization, protocol
// validation, the guarded backend call, response validation and audit.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegislabs/aegisgate/services/audit"
	"github.com/aegislabs/aegisgate/services/breaker"
	"github.com/aegislabs/aegisgate/services/deadletter"
	"github.com/aegislabs/aegisgate/services/firewall"
	"github.com/aegislabs/aegisgate/services/gateway/observability"
	"github.com/aegislabs/aegisgate/services/honeypot"
	"github.com/aegislabs/aegisgate/services/llm"
	"github.com/aegislabs/aegisgate/services/protocol"
)

// ErrRejected is the generic client-facing rejection. Bans, honeypot
// trips and firewall blocks all surface as this error so an attacker
// cannot tell which defense fired.
var ErrRejected = fmt.Errorf("request rejected: %w", protocol.ErrFormat)

// BackendFailure reports that a request was buried in the dead letter
// vault. Ref is safe to show to the client for support escalation; the
// underlying cause is not.
type BackendFailure struct {
	Ref string
}

func (e *BackendFailure) Error() string {
	return "backend processing failed, ref " + e.Ref
}

// Config configures the gateway service.
type Config struct {
	// BackendTimeout bounds one model backend call. Default: 30s.
	BackendTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{BackendTimeout: 30 * time.Second}
}

// Result is a successfully processed request.
type Result struct {
	// ErrorCode is non-zero when the backend itself answered with a
	// protocol error code. The other fields are then empty.
	ErrorCode int

	Code       int
	Confidence int
	Payload    string
	Decoded    protocol.Decoded
}

// Service is the assembled pipeline.
//
// # Thread Safety
//
// Safe for concurrent use; each component carries its own
// synchronization and per-request state (the airlock) is created per
// call.
type Service struct {
	engine   *protocol.Engine
	firewall *firewall.Firewall
	detector *honeypot.Detector
	breaker  *breaker.Breaker
	chain    *audit.Chain
	vault    *deadletter.Vault
	backend  llm.Client
	cfg      Config
	log      *slog.Logger
}

// NewService wires the pipeline together.
func NewService(
	engine *protocol.Engine,
	fw *firewall.Firewall,
	detector *honeypot.Detector,
	brk *breaker.Breaker,
	chain *audit.Chain,
	vault *deadletter.Vault,
	backend llm.Client,
	cfg Config,
) *Service {
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = DefaultConfig().BackendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		engine:   engine,
		firewall: fw,
		detector: detector,
		breaker:  brk,
		chain:    chain,
		vault:    vault,
		backend:  backend,
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// Engine exposes the protocol engine for the admin surface.
func (s *Service) Engine() *protocol.Engine { return s.engine }

// Breaker exposes the circuit breaker for the operator surface.
func (s *Service) Breaker() *breaker.Breaker { return s.breaker }

// Chain exposes the audit chain for the operator surface.
func (s *Service) Chain() *audit.Chain { return s.chain }

// Vault exposes the dead letter vault for the operator surface.
func (s *Service) Vault() *deadletter.Vault { return s.vault }

// Firewall exposes the firewall for shutdown and admin reload.
func (s *Service) Firewall() *firewall.Firewall { return s.firewall }

// Process runs one request through the pipeline.
//
// Stage order is fixed and security-relevant: the ban list and honeypot
// run on the raw codes before any validation, so a trap probe is never
// told whether its codes would otherwise have been valid. Redaction
// happens before injection scanning so PII never reaches pattern logs,
// and rehydration is the last step before the payload leaves.
func (s *Service) Process(ctx context.Context, identity, raw string) (*Result, error) {
	if s.detector.IsBanned(identity) {
		observability.RequestsTotal.WithLabelValues("banned").Inc()
		s.log.Info("banned identity rejected", "identity", identity)
		return nil, ErrRejected
	}

	if task, params, ok := protocol.PeekCodes(raw); ok {
		if v := s.detector.Inspect(task, params); v.Tripped {
			s.detector.Trip(identity, v)
			observability.RequestsTotal.WithLabelValues("honeypot").Inc()
			observability.HoneypotTripsTotal.Inc()
			s.audit(ctx, audit.Event{
				Type:        audit.EventHoneypotTripped,
				Identity:    identity,
				PayloadHash: audit.HashPayload(raw),
				Fields: map[string]string{
					"trap_task":  fmt.Sprint(v.TrapTask),
					"canary_hit": fmt.Sprint(len(v.CanaryParams) > 0),
				},
			})
			return nil, ErrRejected
		}
	}

	req, err := s.engine.ParseRequest(raw)
	if err != nil {
		observability.RequestsTotal.WithLabelValues("rejected").Inc()
		s.audit(ctx, audit.Event{
			Type:        audit.EventRequestRejected,
			Identity:    identity,
			PayloadHash: audit.HashPayload(raw),
			Fields:      map[string]string{"wire_code": fmt.Sprint(protocol.WireCode(err))},
		})
		return nil, err
	}

	// The airlock lives for this request only; its token map dies with
	// the response.
	airlock := s.firewall.NewAirlock()
	redacted := airlock.Redact(req.Context)
	if n := airlock.RedactedCount(); n > 0 {
		observability.RedactionsTotal.Add(float64(n))
	}

	scan, err := s.firewall.Neutralize(redacted)
	if scan != nil {
		observability.ThreatScore.Observe(float64(scan.Score))
	}
	if err != nil {
		if errors.Is(err, firewall.ErrContextBlocked) {
			observability.RequestsTotal.WithLabelValues("blocked").Inc()
			observability.FirewallBlocksTotal.Inc()
			s.audit(ctx, audit.Event{
				Type:        audit.EventContextBlocked,
				Identity:    identity,
				PayloadHash: audit.HashPayload(raw),
				Fields: map[string]string{
					"score":   fmt.Sprint(scan.Score),
					"classes": fmt.Sprint(scan.Matched),
				},
			})
			return nil, ErrRejected
		}
		return nil, err
	}

	s.audit(ctx, audit.Event{
		Type:        audit.EventRequestAccepted,
		Identity:    identity,
		PayloadHash: audit.HashPayload(raw),
		Fields: map[string]string{
			"task":           fmt.Sprint(req.Task),
			"params":         fmt.Sprint(req.Params),
			"firewall_score": fmt.Sprint(scan.Score),
		},
	})

	prompt := s.engine.ConstructPrompt(req.Task, req.Params, scan.Safe)

	var rawResp string
	start := time.Now()
	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.BackendTimeout)
		defer cancel()
		var genErr error
		rawResp, genErr = s.backend.Generate(callCtx, prompt, llm.GenerationParams{})
		return genErr
	})
	observability.BackendLatency.Observe(time.Since(start).Seconds())
	observability.BreakerState.Set(float64(s.breaker.State()))

	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			// The breaker rejected without calling the backend. The
			// request is still buried so nothing silently vanishes
			// while the circuit is open.
			observability.RequestsTotal.WithLabelValues("circuit_open").Inc()
			observability.DeadLettersTotal.Inc()
			ref := s.vault.Bury(ctx, identity, raw, err.Error(), map[string]string{"stage": "circuit_open"})
			s.audit(ctx, audit.Event{
				Type:        audit.EventBackendFailure,
				Identity:    identity,
				PayloadHash: audit.HashPayload(raw),
				Fields:      map[string]string{"ref": ref, "stage": "circuit_open"},
			})
			return nil, err
		}
		return nil, s.bury(ctx, identity, raw, err, "backend_call")
	}

	resp, err := s.engine.ValidateResponse(rawResp, req.Task)
	if err != nil {
		// The backend produced something outside the protocol. The
		// client never sees the raw output.
		return nil, s.bury(ctx, identity, raw, err, "response_validation")
	}

	if resp.ErrorCode != 0 {
		observability.RequestsTotal.WithLabelValues("rejected").Inc()
		s.audit(ctx, audit.Event{
			Type:     audit.EventResponseReturned,
			Identity: identity,
			Fields:   map[string]string{"error_code": fmt.Sprint(resp.ErrorCode)},
		})
		return &Result{ErrorCode: resp.ErrorCode}, nil
	}

	payload := airlock.Rehydrate(resp.Payload)

	observability.RequestsTotal.WithLabelValues("accepted").Inc()
	s.audit(ctx, audit.Event{
		Type:        audit.EventResponseReturned,
		Identity:    identity,
		PayloadHash: audit.HashPayload(payload),
		Fields: map[string]string{
			"code":       fmt.Sprint(resp.Code),
			"confidence": fmt.Sprint(resp.Confidence),
		},
	})

	return &Result{
		Code:       resp.Code,
		Confidence: resp.Confidence,
		Payload:    payload,
		Decoded:    s.engine.DecodeResponse(resp.Code),
	}, nil
}

// bury records a failed request in the dead letter vault and returns
// the client-facing BackendFailure.
func (s *Service) bury(ctx context.Context, identity, raw string, cause error, stage string) error {
	observability.RequestsTotal.WithLabelValues("backend_error").Inc()
	observability.DeadLettersTotal.Inc()

	ref := s.vault.Bury(ctx, identity, raw, cause.Error(), map[string]string{"stage": stage})
	s.audit(ctx, audit.Event{
		Type:        audit.EventBackendFailure,
		Identity:    identity,
		PayloadHash: audit.HashPayload(raw),
		Fields:      map[string]string{"ref": ref, "stage": stage},
	})
	return &BackendFailure{Ref: ref}
}

// auditRegistryEvent builds the audit record for an admin registry
// change.
func auditRegistryEvent(identity, kind string, req RegisterCodeRequest) audit.Event {
	return audit.Event{
		Type:     audit.EventRegistryChanged,
		Identity: identity,
		Fields: map[string]string{
			"kind": kind,
			"id":   fmt.Sprint(req.ID),
			"name": req.Name,
		},
	}
}

// audit appends an event, logging rather than failing the request when
// the chain itself errors.
func (s *Service) audit(ctx context.Context, ev audit.Event) {
	if err := s.chain.Append(ctx, ev); err != nil {
		s.log.Error("audit append failed", "type", ev.Type, "error", err)
	}
}
