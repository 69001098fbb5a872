package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/strand-agents/strand/pkg/a2a"
	"github.com/strand-agents/strand/pkg/binding"
	"github.com/strand-agents/strand/pkg/runtime"
	"github.com/strand-agents/strand/pkg/session"
)

// SendCmd sends a single message and prints the agent's reply.
type SendCmd struct {
	Message string `arg:"" help:"Message text to send."`

	Session string `help:"Existing session id. A fresh session is created when omitted."`
	Name    string `help:"Name for a freshly created session." default:"cli"`
	Stream  bool   `help:"Use the streaming endpoint."`

	Agent    string `help:"Bind the session to an agent before sending."`
	Workflow string `help:"Bind the session to a workflow before sending."`
	Model    string `help:"Bind the session directly to a model before sending."`
}

func (c *SendCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDispatcher(ctx, cfg, store)
	if err != nil {
		return err
	}

	var sess *session.Session
	if c.Session != "" {
		if err := d.SelectSession(ctx, c.Session); err != nil {
			return err
		}
		if sess, err = store.GetSession(ctx, c.Session); err != nil {
			return err
		}
	} else {
		if sess, err = d.NewSession(ctx, c.Name); err != nil {
			return err
		}
	}

	if err := c.bind(ctx, d, sess.ID); err != nil {
		return err
	}

	msg := a2a.TextMessage(a2a.MessageRoleUser, c.Message)
	if !c.Stream {
		turn, err := d.Send(ctx, sess.ID, msg)
		if err != nil {
			return err
		}
		fmt.Println(turn.Content)
		return nil
	}

	handle, err := d.Stream(ctx, sess.ID, msg)
	if err != nil {
		return err
	}

	// Ctrl-C cancels the stream but keeps the partial turn.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			handle.Cancel()
		case <-handle.Done():
		}
	}()

	<-handle.Done()

	turns, turnsErr := store.Turns(ctx, sess.ID)
	if turnsErr == nil && len(turns) > 0 {
		fmt.Println(turns[len(turns)-1].Content)
	}
	if err := handle.Err(); err != nil {
		return fmt.Errorf("stream ended early: %w", err)
	}
	return nil
}

func (c *SendCmd) bind(ctx context.Context, d *runtime.Dispatcher, sessionID string) error {
	switch {
	case c.Agent != "":
		_, err := d.Bind(ctx, sessionID, binding.KindAgent, c.Agent)
		return err
	case c.Workflow != "":
		_, err := d.Bind(ctx, sessionID, binding.KindWorkflow, c.Workflow)
		return err
	case c.Model != "":
		_, err := d.Bind(ctx, sessionID, binding.KindLLM, c.Model)
		return err
	}
	return nil
}
