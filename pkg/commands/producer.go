package commands

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/harun/amcpd/internal/tracing"
	"github.com/harun/amcpd/pkg/amcp"
	"github.com/harun/amcpd/pkg/channels"
	"github.com/harun/amcpd/pkg/media"
	"github.com/rs/zerolog"
)

var transitions = map[string]bool{"CUT": true, "MIX": true, "PUSH": true, "SLIDE": true, "WIPE": true}

// loadRequest is a parsed LOADBG/LOAD/PLAY parameter list.
type loadRequest struct {
	clip       channels.Clip
	clearOn404 bool
}

// parseLoad reads "<clip> [LOOP] [AUTO] [SEEK n] [LENGTH n]
// [MIX|CUT|PUSH|SLIDE|WIPE <frames> [dir] [tween]] [CLEAR_ON_404]".
func parseLoad(params []string) (loadRequest, error) {
	if len(params) == 0 {
		return loadRequest{}, amcp.MissingParameter("clip name required")
	}

	req := loadRequest{clip: channels.Clip{Name: params[0]}}
	for i := 1; i < len(params); i++ {
		word := strings.ToUpper(params[i])
		switch {
		case word == "LOOP":
			req.clip.Loop = true
		case word == "AUTO":
			req.clip.AutoPlay = true
		case word == "CLEAR_ON_404":
			req.clearOn404 = true
		case word == "SEEK" || word == "LENGTH":
			if i+1 >= len(params) {
				return loadRequest{}, amcp.MissingParameter("%s needs a frame count", word)
			}
			n, err := strconv.Atoi(params[i+1])
			if err != nil || n < 0 {
				return loadRequest{}, amcp.InvalidParameter("%s %q", word, params[i+1])
			}
			if word == "SEEK" {
				req.clip.Seek = n
			} else {
				req.clip.Length = n
			}
			i++
		case transitions[word]:
			req.clip.Transition = word
			if i+1 < len(params) {
				if _, err := strconv.Atoi(params[i+1]); err == nil {
					req.clip.Transition += " " + params[i+1]
					i++
				}
			}
		}
	}
	return req, nil
}

// builtinProducer reports names that do not refer to the media folder:
// EMPTY, colour producers and routes.
func builtinProducer(name string) bool {
	return strings.EqualFold(name, "EMPTY") ||
		strings.HasPrefix(name, "#") ||
		strings.Contains(name, "://")
}

// resolveClip checks the clip against the media catalog and normalizes its
// name. Without a catalog every name is accepted.
func resolveClip(opts Options, req *loadRequest) error {
	if opts.Media == nil || builtinProducer(req.clip.Name) {
		return nil
	}
	item, err := opts.Media.Lookup(req.clip.Name)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return amcp.NotFound("%s not found", req.clip.Name)
		}
		return amcp.Failed(err)
	}
	req.clip.Name = item.Name
	return nil
}

func prepareLoad(opts Options, ch *channels.Channel, layer int, params []string) (channels.Clip, error) {
	req, err := parseLoad(params)
	if err != nil {
		return channels.Clip{}, err
	}
	if err := resolveClip(opts, &req); err != nil {
		if req.clearOn404 {
			ch.Clear(layer)
		}
		return channels.Clip{}, err
	}
	return req.clip, nil
}

func loadBGCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "LOADBG",
		MinParams:      1,
		RequiresTarget: true,
		Directive:      amcp.DirectiveAddToQueue,
		Usage:          "LOADBG <channel>[-<layer>] <clip> [LOOP] [AUTO] [SEEK n] [LENGTH n] [<transition> <frames>]",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			layer := layerOf(cmd)
			clip, err := prepareLoad(opts, ch, layer, cmd.Params)
			if err != nil {
				return amcp.Reply{}, err
			}
			ch.LoadBG(layer, clip)
			return amcp.OK(), nil
		},
	}
}

func loadCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "LOAD",
		MinParams:      1,
		RequiresTarget: true,
		Directive:      amcp.DirectiveImmediatelyAndClear,
		Usage:          "LOAD <channel>[-<layer>] <clip> [LOOP] [SEEK n] [LENGTH n]",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			layer := layerOf(cmd)
			clip, err := prepareLoad(opts, ch, layer, cmd.Params)
			if err != nil {
				return amcp.Reply{}, err
			}
			ch.Load(layer, clip)
			return amcp.OK(), nil
		},
	}
}

// playCommand loads its parameters, if any, into the background first.
// Playing an empty layer is not an error.
func playCommand(opts Options, logger zerolog.Logger) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "PLAY",
		RequiresTarget: true,
		Directive:      amcp.DirectiveAddToQueue,
		Usage:          "PLAY <channel>[-<layer>] [<clip> ...]",
		Action: func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			layer := layerOf(cmd)
			if len(cmd.Params) > 0 {
				clip, err := prepareLoad(opts, ch, layer, cmd.Params)
				if err != nil {
					return amcp.Reply{}, err
				}
				ch.LoadBG(layer, clip)
			}
			logEmptyLayer(ctx, logger, cmd, ch.Play(layer))
			return amcp.OK(), nil
		},
	}
}

func pauseCommand(opts Options, logger zerolog.Logger) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "PAUSE",
		RequiresTarget: true,
		Directive:      amcp.DirectiveAddToQueue,
		Usage:          "PAUSE <channel>[-<layer>]",
		Action: func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			logEmptyLayer(ctx, logger, cmd, ch.Pause(layerOf(cmd)))
			return amcp.OK(), nil
		},
	}
}

func resumeCommand(opts Options, logger zerolog.Logger) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "RESUME",
		RequiresTarget: true,
		Directive:      amcp.DirectiveAddToQueue,
		Usage:          "RESUME <channel>[-<layer>]",
		Action: func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			logEmptyLayer(ctx, logger, cmd, ch.Resume(layerOf(cmd)))
			return amcp.OK(), nil
		},
	}
}

func stopCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "STOP",
		RequiresTarget: true,
		Directive:      amcp.DirectiveImmediatelyAndClear,
		Usage:          "STOP <channel>[-<layer>]",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			ch.Stop(layerOf(cmd))
			return amcp.OK(), nil
		},
	}
}

// clearCommand empties one layer, or the whole channel when no layer is
// given.
func clearCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "CLEAR",
		RequiresTarget: true,
		Directive:      amcp.DirectiveImmediatelyAndClear,
		Usage:          "CLEAR <channel>[-<layer>]",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			if cmd.Target != nil && cmd.Target.HasLayer() {
				ch.Clear(cmd.Target.Layer)
			} else {
				ch.ClearAll()
			}
			return amcp.OK(), nil
		},
	}
}

func callCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "CALL",
		MinParams:      1,
		RequiresTarget: true,
		Directive:      amcp.DirectiveAddToQueue,
		Usage:          "CALL <channel>[-<layer>] LOOP [0|1] | SEEK <frame> | LENGTH <frames>",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			value, err := ch.Call(layerOf(cmd), cmd.Params)
			if err != nil {
				return amcp.Reply{}, channelError(err)
			}
			return amcp.Data(value), nil
		},
	}
}

// swapCommand exchanges layers when the target names one, otherwise whole
// channels. The other side is "<channel>-<layer>" or "<channel>".
func swapCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "SWAP",
		MinParams:      1,
		RequiresTarget: true,
		Directive:      amcp.DirectiveAddToQueue,
		Usage:          "SWAP <channel>[-<layer>] <channel>[-<layer>]",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}
			other, err := amcp.ParseTarget(cmd.Params[0])
			if err != nil {
				return amcp.Reply{}, amcp.InvalidParameter("%v", err)
			}
			otherCh, err := opts.Channels.Channel(other.Channel)
			if err != nil {
				return amcp.Reply{}, channelError(err)
			}

			if cmd.Target != nil && cmd.Target.HasLayer() {
				if !other.HasLayer() {
					return amcp.Reply{}, amcp.InvalidParameter("layer swap needs <channel>-<layer>, got %q", cmd.Params[0])
				}
				ch.SwapLayer(cmd.Target.Layer, otherCh, other.Layer)
				return amcp.OK(), nil
			}
			ch.SwapChannel(otherCh)
			return amcp.OK(), nil
		},
	}
}

// logEmptyLayer notes a transport verb sent to a layer with nothing on it.
// The verb still succeeds.
func logEmptyLayer(ctx context.Context, logger zerolog.Logger, cmd *amcp.Command, err error) {
	if err == nil {
		return
	}
	l := tracing.LoggerFromContext(ctx, logger)
	l.Debug().Str("verb", cmd.Verb).Err(err).Msg("Nothing to act on")
}
