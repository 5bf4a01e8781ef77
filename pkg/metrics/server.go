// HTTP handler for the Prometheus metrics endpoint
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"crypto/subtle"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HandlerConfig holds optional basic auth credentials for the endpoint.
type HandlerConfig struct {
	Username string
	Password string
}

// Handler returns the /metrics handler for the motion registry.
func (m *Motion) Handler(cfg HandlerConfig) http.Handler {
	var h http.Handler
	if m == nil {
		h = http.NotFoundHandler()
	} else {
		h = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	}
	if cfg.Username == "" {
		return h
	}
	return basicAuth(h, cfg.Username, cfg.Password)
}

func basicAuth(next http.Handler, username, password string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
