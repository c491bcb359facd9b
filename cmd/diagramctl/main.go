package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"diagramsync/api/cmd/diagramctl/internal/commands"
	"github.com/alecthomas/kong"
)

var (
	version = "dev"
	cli     struct {
		commands.Globals

		Signup   commands.SignupCmd   `cmd:"" help:"Create an account"`
		List     commands.ListCmd     `cmd:"" name:"ls" help:"List workspaces"`
		Create   commands.CreateCmd   `cmd:"" help:"Create a workspace"`
		Show     commands.ShowCmd     `cmd:"" help:"Print a workspace document"`
		Rename   commands.RenameCmd   `cmd:"" help:"Rename a workspace"`
		AddTable commands.AddTableCmd `cmd:"" help:"Add a table to a workspace"`
		Share    commands.ShareCmd    `cmd:"" help:"Add a member to a workspace"`
		Search   commands.SearchCmd   `cmd:"" help:"Search workspaces by name"`
		Watch    commands.WatchCmd    `cmd:"" help:"Follow live updates of a workspace"`
		Relay    commands.RelayCmd    `cmd:"" help:"Send an ephemeral patch to a workspace room"`
		Version  kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("diagramctl"),
		kong.Description("Command line client for the diagramsync API."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&cli.Globals)
	cmd.FatalIfErrorf(err)
}
