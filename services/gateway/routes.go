// Copyright (C) 2026 Aegis Labs (security@aegislabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewRouter builds the gin engine with all gateway routes.
//
// The admin group (registry mutation, breaker reset) is expected to sit
// behind network-level access control; the gateway itself does not
// authenticate.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("aegisgate"))

	r.GET("/healthz", h.HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/process", h.HandleProcess)
		v1.GET("/audit/verify", h.HandleAuditVerify)
		v1.GET("/breaker", h.HandleBreakerStats)
		v1.GET("/deadletter", h.HandleDeadLetterList)
		v1.GET("/deadletter/:ref", h.HandleDeadLetterGet)
	}

	admin := r.Group("/v1/admin")
	{
		admin.POST("/breaker/reset", h.HandleBreakerReset)
		admin.POST("/registry/tasks", h.HandleRegisterTask)
		admin.POST("/registry/parameters", h.HandleRegisterParameter)
		admin.POST("/registry/flags", h.HandleRegisterFlag)
	}

	return r
}
