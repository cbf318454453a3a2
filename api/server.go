package api

import (
	"net/http"
	"os"
	"time"

	"github.com/angelmondragon/paycore/pkg/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	// writeTimeout covers the slowest gateway call made inline by pay and refund.
	writeTimeout = 60 * time.Second
	idleTimeout  = 120 * time.Second
)

// Addr prefers the platform-assigned PORT over the configured one.
func Addr(cfg *config.Config) string {
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	return ":" + port
}

// NewServer returns the HTTP server cmd/api runs the router on.
func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              Addr(cfg),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}
