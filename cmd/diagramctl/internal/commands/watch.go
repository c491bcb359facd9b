package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"diagramsync/api/internal/clientcache"
	"diagramsync/api/internal/syncclient"
)

type WatchCmd struct {
	ID        string `arg:"" help:"Workspace id"`
	Reconnect bool   `help:"Redial with backoff when the connection drops" default:"true" negatable:""`
}

func (w *WatchCmd) Run(ctx context.Context, globals *Globals) error {
	client, cache, err := globals.cache(ctx)
	if err != nil {
		return err
	}

	var opts []syncclient.RealtimeOption
	if w.Reconnect {
		opts = append(opts, syncclient.WithReconnect())
	}
	rt, err := client.Realtime(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer rt.Close()

	viewer := clientcache.NewViewer(cache, rt,
		clientcache.WithUpdateHook(func(ws clientcache.Workspace) {
			fmt.Printf("[%s] %s updated: %d tables, %d relationships, %d areas\n",
				time.Now().Format("15:04:05"), ws.Name, len(ws.Document.Tables),
				len(ws.Document.Relationships), len(ws.Document.Areas))
		}),
		clientcache.WithRelayHook(func(e syncclient.Event) {
			fmt.Printf("[%s] relay: %s\n", time.Now().Format("15:04:05"), string(e.Patch))
		}),
	)
	ws, err := viewer.Enter(ctx, w.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Watching %s (%s), press Ctrl+C to stop...\n", ws.Name, ws.ID)

	select {
	case <-ctx.Done():
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return viewer.Exit(leaveCtx)
	case <-rt.Done():
		return rt.Err()
	}
}

type RelayCmd struct {
	ID    string `arg:"" help:"Workspace id"`
	Patch string `arg:"" help:"JSON payload to forward to the other members"`
}

func (r *RelayCmd) Run(ctx context.Context, globals *Globals) error {
	if !json.Valid([]byte(r.Patch)) {
		return fmt.Errorf("patch is not valid JSON")
	}
	client, err := globals.session(ctx)
	if err != nil {
		return err
	}
	rt, err := client.Realtime(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer rt.Close()

	if err := rt.Join(ctx, r.ID); err != nil {
		return err
	}
	if err := rt.Relay(ctx, r.ID, json.RawMessage(r.Patch)); err != nil {
		return err
	}
	// Leave round-trips, so the relay has been handled once it returns.
	return rt.Leave(ctx, r.ID)
}
