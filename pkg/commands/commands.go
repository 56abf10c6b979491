package commands

import (
	"errors"
	"fmt"

	"github.com/harun/amcpd/pkg/amcp"
	"github.com/harun/amcpd/pkg/channels"
	"github.com/harun/amcpd/pkg/commandqueue"
	"github.com/harun/amcpd/pkg/cron"
	"github.com/harun/amcpd/pkg/datastore"
	"github.com/harun/amcpd/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options carries the collaborators the built-in verbs act on. Only
// Channels is required; verbs whose collaborator is nil fail with 501.
type Options struct {
	Channels   *channels.Registry
	Media      *media.Catalog
	Data       *datastore.Store
	Schedule   *cron.Service
	QueueStats func() []commandqueue.Stats
	Version    string
	Shutdown   func()
	Logger     *zerolog.Logger
}

var ErrNoChannels = errors.New("commands require a channel registry")

// Descriptors returns the built-in verb table. HELP needs the finished
// registry, so it is resolved through help.
func Descriptors(opts Options, help func() *amcp.Registry) []amcp.Descriptor {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "commands").Logger()

	return []amcp.Descriptor{
		loadBGCommand(opts),
		loadCommand(opts),
		playCommand(opts, logger),
		pauseCommand(opts, logger),
		resumeCommand(opts, logger),
		stopCommand(opts),
		clearCommand(opts),
		callCommand(opts),
		swapCommand(opts),
		addCommand(opts),
		removeCommand(opts),
		setCommand(opts),
		cgCommand(opts),
		mixerCommand(opts),
		infoCommand(opts),
		versionCommand(opts),
		clsCommand(opts),
		cinfCommand(opts),
		byeCommand(logger),
		killCommand(opts, logger),
		helpCommand(help),
		dataCommand(opts),
		scheduleCommand(opts),
	}
}

// NewRegistry builds the registry of built-in verbs.
func NewRegistry(opts Options) (*amcp.Registry, error) {
	if opts.Channels == nil {
		return nil, ErrNoChannels
	}

	var reg *amcp.Registry
	descs := Descriptors(opts, func() *amcp.Registry { return reg })

	var err error
	reg, err = amcp.NewRegistry(descs...)
	if err != nil {
		return nil, fmt.Errorf("failed to build command registry: %w", err)
	}
	return reg, nil
}

// channelOf returns the channel a targeted command addresses. The parser
// normally resolved it already; commands built elsewhere fall back to a
// registry lookup.
func channelOf(opts Options, cmd *amcp.Command) (*channels.Channel, error) {
	if ch, ok := cmd.Handle.(*channels.Channel); ok {
		return ch, nil
	}
	if cmd.Target == nil {
		return nil, amcp.MissingParameter("%s needs a channel", cmd.Verb)
	}
	ch, err := opts.Channels.Channel(cmd.Target.Channel)
	if err != nil {
		return nil, amcp.NotFound("%v", err)
	}
	return ch, nil
}

func layerOf(cmd *amcp.Command) int {
	if cmd.Target == nil {
		return channels.DefaultLayer
	}
	return cmd.Target.LayerOr(channels.DefaultLayer)
}

// channelError maps channel state errors to reply codes.
func channelError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, channels.ErrLayerEmpty),
		errors.Is(err, channels.ErrNothingLoaded),
		errors.Is(err, channels.ErrTemplateNotFound),
		errors.Is(err, channels.ErrConsumerNotFound),
		errors.Is(err, channels.ErrChannelNotFound):
		return &amcp.CommandError{Code: amcp.StatusNotFound, Err: err}
	case errors.Is(err, channels.ErrInvalidMode),
		errors.Is(err, channels.ErrInvalidProperty):
		return &amcp.CommandError{Code: amcp.StatusInvalidParameter, Err: err}
	default:
		return amcp.Failed(err)
	}
}

func unavailable(what string) error {
	return amcp.Failed(fmt.Errorf("%s is not configured", what))
}
