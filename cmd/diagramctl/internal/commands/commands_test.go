package commands

import (
	"context"
	"testing"
	"time"

	"diagramsync/api/internal/apptest"
	"diagramsync/api/internal/diagram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndAddTable(t *testing.T) {
	srv := apptest.New(t)
	ctx := context.Background()
	globals := &Globals{Server: srv.URL, Email: "a@x", Password: "pw", Timeout: 5 * time.Second}

	require.NoError(t, (&SignupCmd{}).Run(ctx, globals))
	require.NoError(t, (&CreateCmd{ID: "w1", Name: "Orders"}).Run(ctx, globals))
	require.NoError(t, (&AddTableCmd{ID: "w1", Name: "users", Fields: []string{"id:int", "email:text"}}).Run(ctx, globals))
	require.NoError(t, (&RenameCmd{ID: "w1", Name: "Orders v2"}).Run(ctx, globals))
	require.NoError(t, (&ListCmd{}).Run(ctx, globals))

	client, err := globals.session(ctx)
	require.NoError(t, err)
	ws, err := client.GetWorkspace(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "Orders v2", ws.Name)
	doc, err := diagram.Parse(ws.Document)
	require.NoError(t, err)
	require.Len(t, doc.Tables, 1)
	table := doc.Tables[0]
	assert.Equal(t, "users", table.Name)
	require.Len(t, table.Fields, 2)
	assert.Equal(t, "INT", table.Fields[0].Type)
	assert.True(t, table.Fields[0].Primary)
	assert.False(t, table.Fields[1].Primary)
}

func TestAddTableRejectsBadField(t *testing.T) {
	srv := apptest.New(t)
	ctx := context.Background()
	globals := &Globals{Server: srv.URL, Email: "a@x", Password: "pw", Timeout: 5 * time.Second}
	require.NoError(t, (&SignupCmd{}).Run(ctx, globals))
	require.NoError(t, (&CreateCmd{ID: "w1", Name: "Orders"}).Run(ctx, globals))

	err := (&AddTableCmd{ID: "w1", Name: "users", Fields: []string{"id"}}).Run(ctx, globals)
	assert.ErrorContains(t, err, "expected name:type")
}

func TestCommandsNeedCredentials(t *testing.T) {
	srv := apptest.New(t)
	err := (&ListCmd{}).Run(context.Background(), &Globals{Server: srv.URL})
	assert.ErrorContains(t, err, "--email")
}

func TestRelayRejectsInvalidPatch(t *testing.T) {
	err := (&RelayCmd{ID: "w1", Patch: "{"}).Run(context.Background(), &Globals{})
	assert.ErrorContains(t, err, "not valid JSON")
}
