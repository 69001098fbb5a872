package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/strand-agents/strand/pkg/session"
)

// SessionsCmd groups session management subcommands.
type SessionsCmd struct {
	List   SessionsListCmd   `cmd:"" help:"List stored sessions."`
	Export SessionsExportCmd `cmd:"" help:"Export a session transcript."`
	Delete SessionsDeleteCmd `cmd:"" help:"Delete a session and its transcript."`
}

// SessionsListCmd lists stored sessions.
type SessionsListCmd struct{}

func (c *SessionsListCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(context.Background())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tBOUND CONTEXT")
	for _, s := range sessions {
		bound := "-"
		if s.Binding != nil {
			bound = string(s.Binding.Kind)
			if s.Binding.Ref != "" {
				bound += ":" + s.Binding.Ref
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.CreatedAt.Format("2006-01-02 15:04:05"), bound)
	}
	return w.Flush()
}

// SessionsExportCmd exports a session transcript as JSON or YAML.
type SessionsExportCmd struct {
	ID     string `arg:"" help:"Session id to export."`
	Format string `help:"Export format (json, yaml)." default:"json" enum:"json,yaml"`
	Output string `short:"o" help:"Output file (default stdout)." type:"path"`
}

func (c *SessionsExportCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	data, err := session.Export(context.Background(), store, c.ID, session.ExportFormat(c.Format))
	if err != nil {
		return err
	}

	if c.Output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(c.Output, data, 0644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	fmt.Printf("Exported session %s to %s\n", c.ID, c.Output)
	return nil
}

// SessionsDeleteCmd deletes a session.
type SessionsDeleteCmd struct {
	ID string `arg:"" help:"Session id to delete."`
}

func (c *SessionsDeleteCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteSession(context.Background(), c.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", c.ID)
	return nil
}
