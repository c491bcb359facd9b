package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"diagramsync/api/internal/diagram"
	"github.com/google/uuid"
)

type SignupCmd struct{}

func (s *SignupCmd) Run(ctx context.Context, globals *Globals) error {
	client, err := globals.newClient()
	if err != nil {
		return err
	}
	user, err := client.Signup(ctx, globals.Email, globals.Password)
	if err != nil {
		return fmt.Errorf("signup failed: %w", err)
	}
	fmt.Printf("Signed up %s (%s)\n", user.Email, user.ID)
	return nil
}

type ListCmd struct{}

func (l *ListCmd) Run(ctx context.Context, globals *Globals) error {
	client, err := globals.session(ctx)
	if err != nil {
		return err
	}
	items, err := client.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workspaces: %w", err)
	}
	if len(items) == 0 {
		fmt.Println("No workspaces found.")
		return nil
	}

	fmt.Printf("%-30s %-30s %-20s\n", "ID", "Name", "Updated At")
	fmt.Println(strings.Repeat("─", 82))
	for _, item := range items {
		fmt.Printf("%-30s %-30s %-20s\n", truncate(item.ID, 30), truncate(item.Name, 30), formatTime(item.UpdatedAt))
	}
	return nil
}

type CreateCmd struct {
	ID   string `arg:"" help:"Workspace id"`
	Name string `arg:"" help:"Workspace name"`
	File string `help:"Read the initial document from a JSON file" type:"existingfile"`
}

func (c *CreateCmd) Run(ctx context.Context, globals *Globals) error {
	_, cache, err := globals.cache(ctx)
	if err != nil {
		return err
	}
	doc := diagram.Document{}
	if c.File != "" {
		data, err := os.ReadFile(c.File)
		if err != nil {
			return err
		}
		if doc, err = diagram.Parse(data); err != nil {
			return fmt.Errorf("%s: %w", c.File, err)
		}
	}
	ws, err := cache.CreateWorkspace(ctx, c.ID, c.Name, doc)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	fmt.Printf("Created %s (%s)\n", ws.ID, ws.Name)
	return nil
}

type ShowCmd struct {
	ID string `arg:"" help:"Workspace id"`
}

func (s *ShowCmd) Run(ctx context.Context, globals *Globals) error {
	_, cache, err := globals.cache(ctx)
	if err != nil {
		return err
	}
	ws, err := cache.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	fmt.Printf("# %s (%s), role %s, updated %s\n", ws.Name, ws.ID, ws.Role, formatTime(ws.UpdatedAt))
	return printJSON(ws.Document)
}

type RenameCmd struct {
	ID   string `arg:"" help:"Workspace id"`
	Name string `arg:"" help:"New name"`
}

func (r *RenameCmd) Run(ctx context.Context, globals *Globals) error {
	_, cache, err := globals.cache(ctx)
	if err != nil {
		return err
	}
	if err := cache.Rename(ctx, r.ID, r.Name); err != nil {
		return fmt.Errorf("failed to rename workspace: %w", err)
	}
	fmt.Printf("Renamed %s to %s\n", r.ID, r.Name)
	return nil
}

type AddTableCmd struct {
	ID     string   `arg:"" help:"Workspace id"`
	Name   string   `arg:"" help:"Table name"`
	Fields []string `help:"Fields as name:type, e.g. id:INT" name:"field" short:"f"`
	X      float64  `help:"Canvas x position" default:"0"`
	Y      float64  `help:"Canvas y position" default:"0"`
}

func (a *AddTableCmd) Run(ctx context.Context, globals *Globals) error {
	_, cache, err := globals.cache(ctx)
	if err != nil {
		return err
	}
	table := diagram.Table{ID: uuid.NewString(), Name: a.Name, X: a.X, Y: a.Y, Fields: []diagram.Field{}}
	for i, def := range a.Fields {
		name, typ, ok := strings.Cut(def, ":")
		if !ok || name == "" || typ == "" {
			return fmt.Errorf("field %q: expected name:type", def)
		}
		table.Fields = append(table.Fields, diagram.Field{ID: uuid.NewString(), Name: name, Type: strings.ToUpper(typ), Primary: i == 0})
	}
	if err := cache.Tables().Add(ctx, a.ID, table); err != nil {
		return fmt.Errorf("failed to add table: %w", err)
	}
	fmt.Printf("Added table %s (%s) to %s\n", table.Name, table.ID, a.ID)
	return nil
}

type ShareCmd struct {
	ID    string `arg:"" help:"Workspace id"`
	Email string `arg:"" help:"Email of the user to add"`
	Role  string `help:"Role to grant" enum:"editor,viewer" default:"editor"`
}

func (s *ShareCmd) Run(ctx context.Context, globals *Globals) error {
	client, err := globals.session(ctx)
	if err != nil {
		return err
	}
	member, err := client.AddMember(ctx, s.ID, s.Email, s.Role)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	fmt.Printf("%s is now %s of %s\n", member.Email, member.Role, s.ID)
	return nil
}

type SearchCmd struct {
	Query string `arg:"" help:"Text to look for in workspace names"`
}

func (s *SearchCmd) Run(ctx context.Context, globals *Globals) error {
	client, err := globals.session(ctx)
	if err != nil {
		return err
	}
	results, err := client.Search(ctx, s.Query)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%-30s %s\n", truncate(r.ID, 30), r.Name)
	}
	return nil
}
