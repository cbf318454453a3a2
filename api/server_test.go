package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/paycore/pkg/config"
)

func TestNewServerUsesConfiguredPort(t *testing.T) {
	t.Setenv("PORT", "")
	cfg := &config.Config{App: config.AppConfig{Port: "8081"}}

	srv := NewServer(cfg, http.NotFoundHandler())
	assert.Equal(t, ":8081", srv.Addr)
	assert.Equal(t, writeTimeout, srv.WriteTimeout)
}

func TestAddrPrefersPlatformPort(t *testing.T) {
	t.Setenv("PORT", "5000")
	cfg := &config.Config{App: config.AppConfig{Port: "8081"}}

	assert.Equal(t, ":5000", Addr(cfg))
}
