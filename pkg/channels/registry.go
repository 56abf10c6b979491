package channels

import (
	"fmt"

	"github.com/harun/amcpd/pkg/amcp"
)

// Registry holds the fixed set of playout channels. The set is built once
// at startup and never changes, so lookups need no lock.
type Registry struct {
	channels []*Channel
}

// NewRegistry creates one channel per entry of modes.
func NewRegistry(modes []string) (*Registry, error) {
	r := &Registry{channels: make([]*Channel, 0, len(modes))}
	for i, mode := range modes {
		ch, err := NewChannel(i, mode)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i+1, err)
		}
		r.channels = append(r.channels, ch)
	}
	return r, nil
}

// Len returns the number of channels.
func (r *Registry) Len() int {
	return len(r.channels)
}

// Channel returns the channel at zero-based index.
func (r *Registry) Channel(index int) (*Channel, error) {
	if index < 0 || index >= len(r.channels) {
		return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, index+1)
	}
	return r.channels[index], nil
}

// ResolveTarget implements amcp.Resolver. The handle is the *Channel.
func (r *Registry) ResolveTarget(channel int) (interface{}, error) {
	ch, err := r.Channel(channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", amcp.ErrTargetNotFound, err)
	}
	return ch, nil
}

// Channels returns every channel in index order.
func (r *Registry) Channels() []*Channel {
	return append([]*Channel(nil), r.channels...)
}

// Info snapshots every channel.
func (r *Registry) Info() []Info {
	out := make([]Info, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.Info())
	}
	return out
}
