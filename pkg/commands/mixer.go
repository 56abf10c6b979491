package commands

import (
	"context"
	"strconv"
	"strings"

	"github.com/harun/amcpd/pkg/amcp"
)

type mixerProperty struct {
	arity    int
	numeric  bool
	defaults []string
}

var mixerProperties = map[string]mixerProperty{
	"OPACITY":     {arity: 1, numeric: true, defaults: []string{"1"}},
	"VOLUME":      {arity: 1, numeric: true, defaults: []string{"1"}},
	"BRIGHTNESS":  {arity: 1, numeric: true, defaults: []string{"1"}},
	"CONTRAST":    {arity: 1, numeric: true, defaults: []string{"1"}},
	"SATURATION":  {arity: 1, numeric: true, defaults: []string{"1"}},
	"ROTATION":    {arity: 1, numeric: true, defaults: []string{"0"}},
	"KEYER":       {arity: 1, numeric: true, defaults: []string{"0"}},
	"MIPMAP":      {arity: 1, numeric: true, defaults: []string{"0"}},
	"ANCHOR":      {arity: 2, numeric: true, defaults: []string{"0", "0"}},
	"FILL":        {arity: 4, numeric: true, defaults: []string{"0", "0", "1", "1"}},
	"CLIP":        {arity: 4, numeric: true, defaults: []string{"0", "0", "1", "1"}},
	"CROP":        {arity: 4, numeric: true, defaults: []string{"0", "0", "1", "1"}},
	"LEVELS":      {arity: 5, numeric: true, defaults: []string{"0", "1", "1", "0", "1"}},
	"PERSPECTIVE": {arity: 8, numeric: true, defaults: []string{"0", "0", "1", "0", "1", "1", "0", "1"}},
	"BLEND":       {arity: 1, defaults: []string{"NORMAL"}},
	"CHROMA":      {arity: 1, defaults: []string{"NONE"}},
}

// mixerCommand reads or sets a layer transform property. Setting takes the
// property's values, optionally followed by a duration and tween; a
// trailing DEFER holds the change until MIXER <channel> COMMIT.
func mixerCommand(opts Options) amcp.Descriptor {
	return amcp.Descriptor{
		Verb:           "MIXER",
		MinParams:      1,
		RequiresTarget: true,
		Directive:      amcp.DirectiveAddToQueue,
		Usage:          "MIXER <channel>[-<layer>] <property> [values...] [duration [tween]] [DEFER] | COMMIT | CLEAR",
		Action: func(_ context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			ch, err := channelOf(opts, cmd)
			if err != nil {
				return amcp.Reply{}, err
			}

			name := strings.ToUpper(cmd.Params[0])
			switch name {
			case "COMMIT":
				ch.CommitMixer()
				return amcp.OK(), nil
			case "CLEAR":
				layer := -1
				if cmd.Target != nil && cmd.Target.HasLayer() {
					layer = cmd.Target.Layer
				}
				ch.ClearMixer(layer)
				return amcp.OK(), nil
			}

			prop, ok := mixerProperties[name]
			if !ok {
				return amcp.Reply{}, amcp.InvalidParameter("unknown mixer property %s", cmd.Params[0])
			}
			layer := layerOf(cmd)

			values := cmd.Params[1:]
			if len(values) == 0 {
				current, ok := ch.Mixer(layer, name)
				if !ok {
					current = prop.defaults
				}
				return amcp.Data(strings.Join(current, " ")), nil
			}

			deferred := false
			if strings.EqualFold(values[len(values)-1], "DEFER") {
				deferred = true
				values = values[:len(values)-1]
			}
			if len(values) < prop.arity {
				return amcp.Reply{}, amcp.MissingParameter("%s needs %d values", name, prop.arity)
			}
			if prop.numeric {
				for _, v := range values[:prop.arity] {
					if _, err := strconv.ParseFloat(v, 64); err != nil {
						return amcp.Reply{}, amcp.InvalidParameter("%s value %q", name, v)
					}
				}
			}
			if len(values) > prop.arity {
				if _, err := strconv.Atoi(values[prop.arity]); err != nil {
					return amcp.Reply{}, amcp.InvalidParameter("%s duration %q", name, values[prop.arity])
				}
			}

			ch.SetMixer(layer, name, values[:prop.arity], deferred)
			return amcp.OK(), nil
		},
	}
}
