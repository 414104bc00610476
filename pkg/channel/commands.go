package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/zelan-stream/zelan/pkg/fleet"
	"github.com/zelan-stream/zelan/pkg/models"
	"github.com/zelan-stream/zelan/pkg/orchestrator"
)

// ErrUnknownCommand rejects command names outside the protocol.
var ErrUnknownCommand = errors.New("unknown_type")

// NewDispatcher wires dashboard commands to the fleet router (process
// control, any node) and the orchestrator (alert and rotation control,
// always local).
func NewDispatcher(router *fleet.Router, orch *orchestrator.Orchestrator) CommandHandler {
	return func(ctx context.Context, cmd Command) error {
		switch cmd.Name {
		case "process.add":
			if cmd.Spec == nil {
				return fmt.Errorf("%w: process.add needs a spec", ErrUnknownCommand)
			}
			return router.Add(ctx, cmd.Node, cmd.ID, *cmd.Spec)
		case "process.start":
			return router.Start(ctx, cmd.Node, cmd.ID)
		case "process.stop":
			return router.Stop(ctx, cmd.Node, cmd.ID)
		case "process.remove":
			return router.Remove(ctx, cmd.Node, cmd.ID)

		case "alert.push":
			if cmd.Alert == nil {
				return fmt.Errorf("%w: alert.push needs an alert", ErrUnknownCommand)
			}
			a := *cmd.Alert
			if a.Type == "" {
				a.Type = models.AlertTypeManualOverride
			}
			orch.PushAlert(a)
			return nil
		case "alert.clear":
			orch.ClearAlert(cmd.ID)
			return nil
		case "alert.clear_all":
			orch.ClearAll()
			return nil
		case "rotation.set":
			orch.SetRotation(cmd.Rotation)
			return nil

		default:
			return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
		}
	}
}
