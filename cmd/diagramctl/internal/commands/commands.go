package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"diagramsync/api/internal/clientcache"
	"diagramsync/api/internal/logger"
	"diagramsync/api/internal/syncclient"
	"github.com/rs/zerolog"
)

type Globals struct {
	Server   string        `help:"API base URL" default:"http://localhost:8787" env:"DIAGRAMSYNC_URL"`
	Email    string        `help:"Account email" env:"DIAGRAMSYNC_EMAIL"`
	Password string        `help:"Account password" env:"DIAGRAMSYNC_PASSWORD"`
	Timeout  time.Duration `help:"Per-request timeout" default:"30s"`
	Debug    bool          `help:"Enable debug logging."`
}

func (g *Globals) newLogger() zerolog.Logger {
	return logger.Setup(g.Debug)
}

func (g *Globals) newClient() (*syncclient.Client, error) {
	client, err := syncclient.New(g.Server,
		syncclient.WithTimeout(g.Timeout),
		syncclient.WithLogger(g.newLogger()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

// session logs in with the configured credentials.
func (g *Globals) session(ctx context.Context) (*syncclient.Client, error) {
	if strings.TrimSpace(g.Email) == "" || g.Password == "" {
		return nil, fmt.Errorf("--email and --password (or DIAGRAMSYNC_EMAIL and DIAGRAMSYNC_PASSWORD) are required")
	}
	client, err := g.newClient()
	if err != nil {
		return nil, err
	}
	if _, err := client.Login(ctx, g.Email, g.Password); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return client, nil
}

func (g *Globals) cache(ctx context.Context) (*syncclient.Client, *clientcache.Cache, error) {
	client, err := g.session(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, clientcache.New(client, clientcache.WithLogger(g.newLogger())), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
