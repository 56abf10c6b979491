package channels

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// DefaultLayer is used when a command names a channel but no layer.
const DefaultLayer = 0

// DefaultCGLayer is the template host layer used when CG omits one.
const DefaultCGLayer = 9999

var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrLayerEmpty       = errors.New("layer has no foreground")
	ErrNothingLoaded    = errors.New("layer has nothing loaded")
	ErrTemplateNotFound = errors.New("template not found")
	ErrConsumerNotFound = errors.New("consumer not found")
	ErrInvalidMode      = errors.New("invalid video mode")
	ErrInvalidProperty  = errors.New("invalid property")
)

// VideoModes lists the formats a channel can be switched to.
var VideoModes = []string{
	"PAL", "NTSC",
	"720p2500", "720p5000", "720p5994", "720p6000",
	"1080i5000", "1080i5994", "1080i6000",
	"1080p2500", "1080p2997", "1080p3000", "1080p5000", "1080p5994", "1080p6000",
	"2160p2500", "2160p5000",
}

// ValidVideoMode reports whether mode is a known format, ignoring case.
func ValidVideoMode(mode string) bool {
	_, ok := canonicalMode(mode)
	return ok
}

func canonicalMode(mode string) (string, bool) {
	for _, m := range VideoModes {
		if strings.EqualFold(m, mode) {
			return m, true
		}
	}
	return "", false
}

// Clip is a producer loaded on a layer.
type Clip struct {
	Name       string `json:"name"`
	Loop       bool   `json:"loop,omitempty"`
	Seek       int    `json:"seek,omitempty"`
	Length     int    `json:"length,omitempty"`
	Transition string `json:"transition,omitempty"`
	AutoPlay   bool   `json:"autoPlay,omitempty"`
}

// Template is a CG template hosted on a layer.
type Template struct {
	Name    string `json:"name"`
	Playing bool   `json:"playing"`
	Data    string `json:"data,omitempty"`
	Step    int    `json:"step,omitempty"`
}

// Layer is the state of one layer of a channel.
type Layer struct {
	Index      int                 `json:"index"`
	Foreground *Clip               `json:"foreground,omitempty"`
	Background *Clip               `json:"background,omitempty"`
	Playing    bool                `json:"playing"`
	Paused     bool                `json:"paused"`
	Templates  map[int]*Template   `json:"templates,omitempty"`
	Mixer      map[string][]string `json:"mixer,omitempty"`
}

func newLayer(index int) *Layer {
	return &Layer{
		Index:     index,
		Templates: make(map[int]*Template),
		Mixer:     make(map[string][]string),
	}
}

func (l *Layer) clone() Layer {
	out := Layer{
		Index:     l.Index,
		Playing:   l.Playing,
		Paused:    l.Paused,
		Templates: make(map[int]*Template, len(l.Templates)),
		Mixer:     make(map[string][]string, len(l.Mixer)),
	}
	if l.Foreground != nil {
		fg := *l.Foreground
		out.Foreground = &fg
	}
	if l.Background != nil {
		bg := *l.Background
		out.Background = &bg
	}
	for k, t := range l.Templates {
		tc := *t
		out.Templates[k] = &tc
	}
	for k, v := range l.Mixer {
		out.Mixer[k] = append([]string(nil), v...)
	}
	return out
}

// Consumer is an output attached to a channel.
type Consumer struct {
	Index  int      `json:"index"`
	Params []string `json:"params"`
}

// Info is a point-in-time snapshot of a channel.
type Info struct {
	Index     int        `json:"index"`
	VideoMode string     `json:"videoMode"`
	Layers    []Layer    `json:"layers"`
	Consumers []Consumer `json:"consumers"`
}

// Summary renders the one-line INFO form: "<n> <mode> <status>".
func (i Info) Summary() string {
	status := "STOPPED"
	for _, l := range i.Layers {
		if l.Playing && !l.Paused {
			status = "PLAYING"
			break
		}
	}
	return fmt.Sprintf("%d %s %s", i.Index+1, i.VideoMode, status)
}

type mixerChange struct {
	layer    int
	property string
	values   []string
}

// Channel is one playout channel. Commands for a channel run on its own
// queue worker, but INFO and SWAP touch channels from other workers, so
// every method locks.
type Channel struct {
	index int

	mu        sync.RWMutex
	videoMode string
	layers    map[int]*Layer
	consumers map[int]*Consumer
	nextCons  int
	deferred  []mixerChange
}

// NewChannel creates channel index (zero-based) running mode.
func NewChannel(index int, mode string) (*Channel, error) {
	canon, ok := canonicalMode(mode)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return &Channel{
		index:     index,
		videoMode: canon,
		layers:    make(map[int]*Layer),
		consumers: make(map[int]*Consumer),
		nextCons:  1,
	}, nil
}

// Index is the zero-based channel index.
func (c *Channel) Index() int {
	return c.index
}

// VideoMode returns the current format.
func (c *Channel) VideoMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.videoMode
}

// layer returns the layer, creating it. Caller holds c.mu for writing.
func (c *Channel) layer(index int) *Layer {
	l, ok := c.layers[index]
	if !ok {
		l = newLayer(index)
		c.layers[index] = l
	}
	return l
}

// LoadBG prepares clip in the background of layer. With AutoPlay set the
// clip is promoted as soon as the layer has nothing in the foreground.
func (c *Channel) LoadBG(layer int, clip Clip) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.layer(layer)
	l.Background = &clip
	if clip.AutoPlay && l.Foreground == nil {
		l.Foreground, l.Background = l.Background, nil
		l.Playing, l.Paused = true, false
	}
}

// Load puts clip in the foreground of layer, paused on its first frame.
func (c *Channel) Load(layer int, clip Clip) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.layer(layer)
	l.Foreground = &clip
	l.Background = nil
	l.Playing, l.Paused = false, true
}

// Play promotes the background clip, if any, and starts playback.
func (c *Channel) Play(layer int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.layer(layer)
	if l.Background != nil {
		l.Foreground, l.Background = l.Background, nil
	}
	if l.Foreground == nil {
		return fmt.Errorf("%w: layer %d", ErrNothingLoaded, layer)
	}
	l.Playing, l.Paused = true, false
	return nil
}

// Pause freezes the foreground.
func (c *Channel) Pause(layer int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.layer(layer)
	if l.Foreground == nil {
		return fmt.Errorf("%w: layer %d", ErrLayerEmpty, layer)
	}
	l.Paused = true
	return nil
}

// Resume continues a paused foreground.
func (c *Channel) Resume(layer int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.layer(layer)
	if l.Foreground == nil {
		return fmt.Errorf("%w: layer %d", ErrLayerEmpty, layer)
	}
	l.Playing, l.Paused = true, false
	return nil
}

// Stop removes the foreground and keeps the background.
func (c *Channel) Stop(layer int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.layer(layer)
	l.Foreground = nil
	l.Playing, l.Paused = false, false
}

// Clear empties one layer.
func (c *Channel) Clear(layer int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.layers, layer)
}

// ClearAll empties every layer and drops deferred mixer changes.
func (c *Channel) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layers = make(map[int]*Layer)
	c.deferred = nil
}

// Call sends a runtime parameter to the foreground clip. Supported are
// LOOP [0|1], SEEK <frame> and LENGTH <frames>. The returned string is the
// value after the call.
func (c *Channel) Call(layer int, params []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.layer(layer)
	if l.Foreground == nil {
		return "", fmt.Errorf("%w: layer %d", ErrLayerEmpty, layer)
	}
	if len(params) == 0 {
		return "", fmt.Errorf("%w: empty call", ErrInvalidProperty)
	}

	clip := l.Foreground
	arg := ""
	if len(params) > 1 {
		arg = params[1]
	}
	switch strings.ToUpper(params[0]) {
	case "LOOP":
		if arg != "" {
			clip.Loop = arg == "1" || strings.EqualFold(arg, "true")
		}
		return boolString(clip.Loop), nil
	case "SEEK":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return "", fmt.Errorf("%w: SEEK %q", ErrInvalidProperty, arg)
		}
		clip.Seek = n
		return strconv.Itoa(n), nil
	case "LENGTH":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return "", fmt.Errorf("%w: LENGTH %q", ErrInvalidProperty, arg)
		}
		clip.Length = n
		return strconv.Itoa(n), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidProperty, params[0])
	}
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// SwapLayer exchanges a layer of c with a layer of other. other may be c.
func (c *Channel) SwapLayer(layer int, other *Channel, otherLayer int) {
	if other == c {
		c.mu.Lock()
		defer c.mu.Unlock()
		a, b := c.layer(layer), c.layer(otherLayer)
		c.layers[layer], c.layers[otherLayer] = b, a
		a.Index, b.Index = otherLayer, layer
		return
	}

	first, second := lockOrder(c, other)
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	a, b := c.layer(layer), other.layer(otherLayer)
	c.layers[layer], other.layers[otherLayer] = b, a
	a.Index, b.Index = otherLayer, layer
}

// SwapChannel exchanges every layer of c with other.
func (c *Channel) SwapChannel(other *Channel) {
	if other == c {
		return
	}
	first, second := lockOrder(c, other)
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	c.layers, other.layers = other.layers, c.layers
}

// lockOrder orders two channels by index so concurrent swaps cannot
// deadlock.
func lockOrder(a, b *Channel) (*Channel, *Channel) {
	if a.index < b.index {
		return a, b
	}
	return b, a
}

// AddConsumer attaches an output and returns its index.
func (c *Channel) AddConsumer(params []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.nextCons
	c.nextCons++
	c.consumers[idx] = &Consumer{Index: idx, Params: append([]string(nil), params...)}
	return idx
}

// AddConsumerAt attaches an output at a fixed index, replacing any
// consumer already there.
func (c *Channel) AddConsumerAt(index int, params []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consumers[index] = &Consumer{Index: index, Params: append([]string(nil), params...)}
	if index >= c.nextCons {
		c.nextCons = index + 1
	}
}

// RemoveConsumer detaches the consumer at index.
func (c *Channel) RemoveConsumer(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.consumers[index]; !ok {
		return fmt.Errorf("%w: %d", ErrConsumerNotFound, index)
	}
	delete(c.consumers, index)
	return nil
}

// RemoveConsumerByParams detaches every consumer whose parameters match,
// ignoring case. It returns how many were removed.
func (c *Channel) RemoveConsumerByParams(params []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for idx, cons := range c.consumers {
		if equalFoldAll(cons.Params, params) {
			delete(c.consumers, idx)
			removed++
		}
	}
	return removed
}

func equalFoldAll(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// SetVideoMode switches the channel format.
func (c *Channel) SetVideoMode(mode string) error {
	canon, ok := canonicalMode(mode)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	c.mu.Lock()
	c.videoMode = canon
	c.mu.Unlock()
	return nil
}

// CGAdd loads template on cgLayer of the host layer.
func (c *Channel) CGAdd(layer, cgLayer int, template string, play bool, data string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.layer(layer).Templates[cgLayer] = &Template{Name: template, Playing: play, Data: data}
}

// CGUpdate runs fn on the template at cgLayer.
func (c *Channel) CGUpdate(layer, cgLayer int, fn func(*Template)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.layer(layer).Templates[cgLayer]
	if !ok {
		return fmt.Errorf("%w: %d-%d", ErrTemplateNotFound, layer, cgLayer)
	}
	fn(t)
	return nil
}

// CGRemove unloads the template at cgLayer.
func (c *Channel) CGRemove(layer, cgLayer int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.layer(layer)
	if _, ok := l.Templates[cgLayer]; !ok {
		return fmt.Errorf("%w: %d-%d", ErrTemplateNotFound, layer, cgLayer)
	}
	delete(l.Templates, cgLayer)
	return nil
}

// CGClear unloads every template of the host layer.
func (c *Channel) CGClear(layer int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layer(layer).Templates = make(map[int]*Template)
}

// CGInfo returns the template at cgLayer.
func (c *Channel) CGInfo(layer, cgLayer int) (Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if l, ok := c.layers[layer]; ok {
		if t, ok := l.Templates[cgLayer]; ok {
			return *t, nil
		}
	}
	return Template{}, fmt.Errorf("%w: %d-%d", ErrTemplateNotFound, layer, cgLayer)
}

// SetMixer sets a mixer property of layer, or records it for the next
// CommitMixer when deferred.
func (c *Channel) SetMixer(layer int, property string, values []string, deferred bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := mixerChange{layer: layer, property: strings.ToUpper(property), values: append([]string(nil), values...)}
	if deferred {
		c.deferred = append(c.deferred, ch)
		return
	}
	c.layer(layer).Mixer[ch.property] = ch.values
}

// Mixer returns a mixer property of layer.
func (c *Channel) Mixer(layer int, property string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.layers[layer]
	if !ok {
		return nil, false
	}
	v, ok := l.Mixer[strings.ToUpper(property)]
	return append([]string(nil), v...), ok
}

// CommitMixer applies deferred mixer changes in order and returns how many
// were applied.
func (c *Channel) CommitMixer() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.deferred {
		c.layer(ch.layer).Mixer[ch.property] = ch.values
	}
	n := len(c.deferred)
	c.deferred = nil
	return n
}

// ClearMixer resets the mixer of layer, or of every layer when layer < 0.
func (c *Channel) ClearMixer(layer int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if layer < 0 {
		for _, l := range c.layers {
			l.Mixer = make(map[string][]string)
		}
		c.deferred = nil
		return
	}
	if l, ok := c.layers[layer]; ok {
		l.Mixer = make(map[string][]string)
	}
}

// Layer returns a copy of one layer's state.
func (c *Channel) Layer(index int) (Layer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.layers[index]
	if !ok {
		return Layer{}, false
	}
	return l.clone(), true
}

// Info snapshots the channel with layers and consumers sorted by index.
func (c *Channel) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := Info{
		Index:     c.index,
		VideoMode: c.videoMode,
		Layers:    make([]Layer, 0, len(c.layers)),
		Consumers: make([]Consumer, 0, len(c.consumers)),
	}
	for _, l := range c.layers {
		info.Layers = append(info.Layers, l.clone())
	}
	for _, cons := range c.consumers {
		info.Consumers = append(info.Consumers, Consumer{Index: cons.Index, Params: append([]string(nil), cons.Params...)})
	}
	sort.Slice(info.Layers, func(i, j int) bool { return info.Layers[i].Index < info.Layers[j].Index })
	sort.Slice(info.Consumers, func(i, j int) bool { return info.Consumers[i].Index < info.Consumers[j].Index })
	return info
}
