package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/agentui/internal/callbacks"
	"github.com/basket/agentui/internal/emitter"
	"github.com/basket/agentui/internal/protocol"
)

const demoAuthor = "Agent"

var errNoEmitter = errors.New("callback context carries no emitter")

// demoCallbacks wires an echo agent so the gateway is usable out of the box.
// "/confirm <text>" exercises Ask-User; every echo carries a "shout" action.
func demoCallbacks(logger *slog.Logger) *callbacks.Callbacks {
	return &callbacks.Callbacks{
		OnChatStart: func(ctx context.Context) error {
			em, ok := emitter.FromContext(ctx)
			if !ok {
				return errNoEmitter
			}
			_, err := em.Say(ctx, demoAuthor, "Connected. Send a message and I will echo it.")
			return err
		},
		OnMessage: demoOnMessage,
		OnStop: func(ctx context.Context) error {
			if em, ok := emitter.FromContext(ctx); ok {
				logger.Info("demo turn stopped", "session_id", em.Session().ID())
			}
			return nil
		},
		OnSettingsUpdate: func(ctx context.Context, settings map[string]any) error {
			em, ok := emitter.FromContext(ctx)
			if !ok {
				return errNoEmitter
			}
			_, err := em.Say(ctx, demoAuthor, fmt.Sprintf("Updated %d setting(s).", len(settings)))
			return err
		},
		Actions: map[string]callbacks.ActionFunc{
			"shout": func(ctx context.Context, action protocol.Action) error {
				em, ok := emitter.FromContext(ctx)
				if !ok {
					return errNoEmitter
				}
				_, err := em.Say(ctx, demoAuthor, strings.ToUpper(action.Value))
				return err
			},
		},
		AuthorRename: func(author string) string {
			if author == demoAuthor {
				return "Echo"
			}
			return author
		},
	}
}

func demoOnMessage(ctx context.Context, content, messageID string) error {
	em, ok := emitter.FromContext(ctx)
	if !ok {
		return errNoEmitter
	}
	if rest, found := strings.CutPrefix(content, "/confirm"); found {
		res, err := em.Ask(ctx, protocol.AskRequest{
			Author:  demoAuthor,
			Content: "Echo " + strings.TrimSpace(rest) + "? (yes/no)",
		}, 30*time.Second)
		if err != nil {
			return err
		}
		if res.TimedOut || !strings.EqualFold(res.Text(), "yes") {
			_, err := em.Say(ctx, demoAuthor, "Skipped.")
			return err
		}
		content = strings.TrimSpace(rest)
	}

	msg := protocol.NewMessage(demoAuthor, content)
	msg.ParentID = messageID
	if err := em.SendMessage(ctx, msg); err != nil {
		return err
	}
	return em.SendAction(ctx, protocol.Action{Name: "shout", Value: content, Label: "Shout"}, msg.ID)
}
