package commands

import (
	"context"
	"strings"

	"github.com/harun/amcpd/pkg/amcp"
)

// addCommand attaches a consumer. A layer in the target is used as the
// consumer index.
func addCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "ADD",
		MinParams:      1,
		RequiresTarget: true,
		Directive:      amcp.DirectiveAddToQueue,
		Usage:          "ADD <channel>[-<index>] <consumer> [params...]",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			if cmd.Target != nil && cmd.Target.HasLayer() {
				ch.AddConsumerAt(cmd.Target.Layer, cmd.Params)
			} else {
				ch.AddConsumer(cmd.Params)
			}
			return amcp.OK(), nil
		},
	}
}

// removeCommand detaches a consumer by index or by its parameters.
func removeCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "REMOVE",
		RequiresTarget: true,
		Directive:      amcp.DirectiveAddToQueue,
		Usage:          "REMOVE <channel>-<index> | REMOVE <channel> <consumer> [params...]",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			if cmd.Target != nil && cmd.Target.HasLayer() {
				if err := ch.RemoveConsumer(cmd.Target.Layer); err != nil {
					return amcp.Reply{}, channelError(err)
				}
				return amcp.OK(), nil
			}
			if len(cmd.Params) == 0 {
				return amcp.Reply{}, amcp.MissingParameter("consumer index or parameters required")
			}
			if ch.RemoveConsumerByParams(cmd.Params) == 0 {
				return amcp.Reply{}, amcp.NotFound("no consumer %s", strings.Join(cmd.Params, " "))
			}
			return amcp.OK(), nil
		},
	}
}

func setCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "SET",
		MinParams:      2,
		RequiresTarget: true,
		Directive:      amcp.DirectiveAddToQueue,
		Usage:          "SET <channel> MODE <video mode>",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			switch strings.ToUpper(cmd.Params[0]) {
			case "MODE":
				if err := ch.SetVideoMode(cmd.Params[1]); err != nil {
					return amcp.Reply{}, channelError(err)
				}
				return amcp.OK(), nil
			default:
				return amcp.Reply{}, amcp.InvalidParameter("unknown setting %s", cmd.Params[0])
			}
		},
	}
}
