package commands

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/harun/amcpd/pkg/amcp"
	"github.com/harun/amcpd/pkg/media"
	"github.com/rs/zerolog"
)

// infoCommand lists channels, or describes one channel or the queues:
//
//	INFO            one summary line per channel
//	INFO <channel>  the channel as JSON
//	INFO QUEUES     one JSON line per command queue
func infoCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:      "INFO",
		Directive: amcp.DirectiveAddToQueue,
		Usage:     "INFO [<channel>|QUEUES]",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			if len(cmd.Params) == 0 {
				infos := opts.Channels.Info()
				lines := make([]string, 0, len(infos))
				for _, info := range infos {
					lines = append(lines, info.Summary())
				}
				return amcp.Lines(lines...), nil
			}

			arg := cmd.Params[0]
			if strings.EqualFold(arg, "QUEUES") {
				if opts.QueueStats == nil {
					return amcp.Reply{}, unavailable("queue statistics")
				}
				stats := opts.QueueStats()
				lines := make([]string, 0, len(stats))
				for _, s := range stats {
					b, err := json.Marshal(s)
					if err != nil {
						return amcp.Reply{}, amcp.Failed(err)
					}
					lines = append(lines, string(b))
				}
				return amcp.Lines(lines...), nil
			}

			target, err := amcp.ParseTarget(arg)
			if err != nil {
				return amcp.Reply{}, amcp.InvalidParameter("%v", err)
			}
			ch, err := opts.Channels.Channel(target.Channel)
			if err != nil {
				return amcp.Reply{}, channelError(err)
			}
			info := ch.Info()
			var payload interface{} = info
			if target.HasLayer() {
				layer, ok := ch.Layer(target.Layer)
				if !ok {
					return amcp.Reply{}, amcp.NotFound("layer %s is empty", target)
				}
				payload = layer
			}
			b, err := json.Marshal(payload)
			if err != nil {
				return amcp.Reply{}, amcp.Failed(err)
			}
			return amcp.Data(string(b)), nil
		},
	}
}

func versionCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:      "VERSION",
		Directive: amcp.DirectiveAddToQueue,
		Usage:     "VERSION",
		Action: func(_ context.Context, _ *amcp.Command) (amcp.Reply, error) {
			v := opts.Version
			if v == "" {
				v = "dev"
			}
			return amcp.Data(v), nil
		},
	}
}

func clsCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:      "CLS",
		Directive: amcp.DirectiveAddToQueue,
		Usage:     "CLS [folder]",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			if opts.Media == nil {
				return amcp.Reply{}, unavailable("media catalog")
			}
			items := opts.Media.List(cmd.Param(0))
			lines := make([]string, 0, len(items))
			for _, it := range items {
				lines = append(lines, it.Line())
			}
			return amcp.Lines(lines...), nil
		},
	}
}

func cinfCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:      "CINF",
		MinParams: 1,
		Directive: amcp.DirectiveAddToQueue,
		Usage:     "CINF <clip>",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			if opts.Media == nil {
				return amcp.Reply{}, unavailable("media catalog")
			}
			it, err := opts.Media.Lookup(cmd.Params[0])
			if errors.Is(err, media.ErrNotFound) {
				return amcp.Reply{}, amcp.NotFound("%s not found", cmd.Params[0])
			}
			if err != nil {
				return amcp.Reply{}, amcp.Failed(err)
			}
			return amcp.Lines(it.Line()), nil
		},
	}
}

// byeCommand closes the session once its reply is out.
func byeCommand(logger zerolog.Logger) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:      "BYE",
		Directive: amcp.DirectiveAddToQueue,
		Usage:     "BYE",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			session := cmd.Session
			reply := amcp.OK()
			reply.Then = func() {
				if err := session.Disconnect(); err != nil {
					logger.Debug().Str("session_id", session.ID).Err(err).Msg("Failed to disconnect session")
				}
			}
			return reply, nil
		},
	}
}

// killCommand shuts the server down once its reply is out. Shutdown stops
// the queue this runs on, so it is started on its own goroutine.
func killCommand(opts Options, logger zerolog.Logger) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:      "KILL",
		Directive: amcp.DirectiveAddToQueue,
		Usage:     "KILL",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			if opts.Shutdown == nil {
				return amcp.Reply{}, unavailable("remote shutdown")
			}
			logger.Warn().Str("session_id", cmd.Session.ID).Msg("Shutdown requested by client")
			reply := amcp.OK()
			reply.Then = func() { go opts.Shutdown() }
			return reply, nil
		},
	}
}

func helpCommand(registry func() *amcp.Registry) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:      "HELP",
		Directive: amcp.DirectiveAddToQueue,
		Usage:     "HELP [verb]",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			reg := registry()
			if reg == nil {
				return amcp.Reply{}, unavailable("command registry")
			}
			if len(cmd.Params) == 0 {
				return amcp.Lines(reg.Verbs()...), nil
			}
			d, ok := reg.Lookup(cmd.Params[0])
			if !ok {
				return amcp.Reply{}, amcp.NotFound("no verb %s", cmd.Params[0])
			}
			usage := d.Usage
			if usage == "" {
				usage = d.Verb + " (" + strconv.Itoa(d.MinParams) + " parameters)"
			}
			return amcp.Data(usage), nil
		},
	}
}
