// Package httpserver builds the process's HTTP server from configuration.
package httpserver

import (
	"net/http"

	"bastion/internal/platform/config"
)

// New builds an HTTP server for the given handler. Read and write bounds come
// from config so slow clients cannot pin guarded request slots indefinitely.
func New(cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}
}
