// Package apptest runs a complete in-memory API server for client tests.
package apptest

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"diagramsync/api/internal/app"
	"diagramsync/api/internal/config"
	"diagramsync/api/internal/realtime"
	"diagramsync/api/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type Server struct {
	*httptest.Server
	Hub   *realtime.Hub
	Store *store.MemoryStore

	mu       sync.Mutex
	hijacked []net.Conn
}

// New starts a server backed by a memory store and an in-process bus. It is
// closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := realtime.NewHub(realtime.NewLocalBus(), zerolog.Nop())
	require.NoError(t, hub.Start(ctx))

	mem := store.NewMemoryStore()
	cfg := config.Config{
		JWTSecret:  "apptest-secret",
		SessionTTL: time.Hour,
		CORSOrigin: "*",
	}
	svc := app.New(cfg, mem, mem, hub, zerolog.Nop()).WithBcryptCost(bcrypt.MinCost)

	s := &Server{Hub: hub, Store: mem}
	s.Server = httptest.NewUnstartedServer(app.NewHTTPServer(svc, hub, zerolog.Nop()).Handler())
	s.Config.ConnState = func(conn net.Conn, state http.ConnState) {
		if state == http.StateHijacked {
			s.mu.Lock()
			s.hijacked = append(s.hijacked, conn)
			s.mu.Unlock()
		}
	}
	s.Start()
	t.Cleanup(s.Close)
	return s
}

// DropWebsockets severs every upgraded connection without a close handshake.
func (s *Server) DropWebsockets() {
	s.mu.Lock()
	conns := s.hijacked
	s.hijacked = nil
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
