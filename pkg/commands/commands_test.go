package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/amcpd/pkg/amcp"
	"github.com/harun/amcpd/pkg/channels"
	"github.com/harun/amcpd/pkg/commandqueue"
	"github.com/harun/amcpd/pkg/cron"
	"github.com/harun/amcpd/pkg/datastore"
	"github.com/harun/amcpd/pkg/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu           sync.Mutex
	disconnected []string
}

func (s *fakeSink) Send(string, string) error { return nil }

func (s *fakeSink) Disconnect(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, sessionID)
	return nil
}

type fixture struct {
	opts     Options
	reg      *amcp.Registry
	sink     *fakeSink
	shutdown chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	chans, err := channels.NewRegistry([]string{"PAL", "1080i5000"})
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "promo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "AMB.mp4"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "promo", "spot.mov"), []byte("xy"), 0o644))
	catalog, err := media.NewCatalog(media.Config{Root: root, Logger: &logger})
	require.NoError(t, err)

	store, err := datastore.Open(datastore.Config{Path: ":memory:", Logger: &logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := cron.NewService(cron.ServiceOptions{
		Fire:   func(context.Context, string, string) error { return nil },
		Logger: &logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })

	f := &fixture{sink: &fakeSink{}, shutdown: make(chan struct{}, 1)}
	f.opts = Options{
		Channels: chans,
		Media:    catalog,
		Data:     store,
		Schedule: svc,
		QueueStats: func() []commandqueue.Stats {
			return []commandqueue.Stats{{ID: 0, Name: "general", Capacity: 64, State: "running"}}
		},
		Version:  "2.3.0",
		Shutdown: func() { f.shutdown <- struct{}{} },
		Logger:   &logger,
	}
	f.reg, err = NewRegistry(f.opts)
	require.NoError(t, err)
	return f
}

// run executes verb the way a queue worker would. target may be empty.
func (f *fixture) run(t *testing.T, verb, target string, params ...string) (amcp.Reply, error) {
	t.Helper()
	d, ok := f.reg.Lookup(verb)
	require.True(t, ok, "verb %s not registered", verb)

	cmd := &amcp.Command{
		ID:         "test",
		Verb:       d.Verb,
		Params:     params,
		Descriptor: d,
		Session:    amcp.Session{ID: "client-1", Sink: f.sink},
	}
	if target != "" {
		tg, err := amcp.ParseTarget(target)
		require.NoError(t, err)
		cmd.Target = &tg
	}
	return d.Action(context.Background(), cmd)
}

func (f *fixture) channel(t *testing.T, index int) *channels.Channel {
	t.Helper()
	ch, err := f.opts.Channels.Channel(index)
	require.NoError(t, err)
	return ch
}

func TestNewRegistry_RequiresChannels(t *testing.T) {
	_, err := NewRegistry(Options{})
	assert.ErrorIs(t, err, ErrNoChannels)
}

func TestNewRegistry_RegistersBuiltins(t *testing.T) {
	f := newFixture(t)

	for _, verb := range []string{
		"LOADBG", "LOAD", "PLAY", "PAUSE", "RESUME", "STOP", "CLEAR", "CALL", "SWAP",
		"ADD", "REMOVE", "SET", "CG", "MIXER", "INFO", "VERSION", "CLS", "CINF",
		"BYE", "KILL", "HELP", "DATA", "SCHEDULE",
	} {
		_, ok := f.reg.Lookup(verb)
		assert.True(t, ok, verb)
	}
	assert.Equal(t, 23, f.reg.Len())

	d, _ := f.reg.Lookup("LOAD")
	assert.Equal(t, amcp.DirectiveImmediatelyAndClear, d.Directive)
	assert.True(t, d.RequiresTarget)
}

func TestLoadBGAndPlay(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "LOADBG", "1-10", "amb", "LOOP", "MIX", "25")
	require.NoError(t, err)

	layer, ok := f.channel(t, 0).Layer(10)
	require.True(t, ok)
	require.NotNil(t, layer.Background)
	assert.Equal(t, "AMB", layer.Background.Name)
	assert.True(t, layer.Background.Loop)
	assert.Equal(t, "MIX 25", layer.Background.Transition)

	reply, err := f.run(t, "PLAY", "1-10")
	require.NoError(t, err)
	assert.Equal(t, "202 PLAY OK\r\n", reply.Format("PLAY"))

	layer, _ = f.channel(t, 0).Layer(10)
	require.NotNil(t, layer.Foreground)
	assert.Equal(t, "AMB", layer.Foreground.Name)
	assert.True(t, layer.Playing)
}

func TestLoadBG_UnknownClip(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "LOADBG", "1", "missing")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))

	_, err = f.run(t, "LOADBG", "1", "amb", "SEEK", "abc")
	assert.Equal(t, amcp.StatusInvalidParameter, amcp.ErrorCode(err))

	_, err = f.run(t, "LOADBG", "1", "amb", "SEEK")
	assert.Equal(t, amcp.StatusMissingParameters, amcp.ErrorCode(err))
}

func TestLoad_ClearOn404(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "LOAD", "1-5", "amb")
	require.NoError(t, err)
	_, ok := f.channel(t, 0).Layer(5)
	require.True(t, ok)

	_, err = f.run(t, "LOAD", "1-5", "missing", "CLEAR_ON_404")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))

	layer, _ := f.channel(t, 0).Layer(5)
	assert.Nil(t, layer.Foreground)
}

func TestLoad_BuiltinProducersSkipCatalog(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"EMPTY", "#FF0000", "route://1-10"} {
		_, err := f.run(t, "LOAD", "1", name)
		assert.NoError(t, err, name)
	}
}

func TestPlay_EmptyLayerStillOK(t *testing.T) {
	f := newFixture(t)

	for _, verb := range []string{"PLAY", "PAUSE", "RESUME", "STOP"} {
		reply, err := f.run(t, verb, "2-3")
		require.NoError(t, err, verb)
		assert.Equal(t, amcp.StatusOK, reply.Code, verb)
	}
}

func TestPlay_EmptyLayerIsLogged(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	f.opts.Logger = &logger
	reg, err := NewRegistry(f.opts)
	require.NoError(t, err)
	f.reg = reg

	for _, verb := range []string{"PLAY", "PAUSE", "RESUME"} {
		buf.Reset()
		_, err := f.run(t, verb, "2-3")
		require.NoError(t, err, verb)
		assert.Contains(t, buf.String(), "Nothing to act on", verb)
		assert.Contains(t, buf.String(), `"verb":"`+verb+`"`, verb)
	}

	_, err = f.run(t, "LOAD", "2-3", "amb")
	require.NoError(t, err)
	buf.Reset()
	_, err = f.run(t, "PAUSE", "2-3")
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "Nothing to act on")
}

func TestClear_LayerAndChannel(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, 0)

	_, err := f.run(t, "LOAD", "1-1", "amb")
	require.NoError(t, err)
	_, err = f.run(t, "LOAD", "1-2", "amb")
	require.NoError(t, err)

	_, err = f.run(t, "CLEAR", "1-1")
	require.NoError(t, err)
	l1, _ := ch.Layer(1)
	l2, _ := ch.Layer(2)
	assert.Nil(t, l1.Foreground)
	assert.NotNil(t, l2.Foreground)

	_, err = f.run(t, "CLEAR", "1")
	require.NoError(t, err)
	assert.Empty(t, ch.Info().Layers)
}

func TestCall(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "CALL", "1-1", "LOOP", "1")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))

	_, err = f.run(t, "LOAD", "1-1", "amb")
	require.NoError(t, err)

	reply, err := f.run(t, "CALL", "1-1", "SEEK", "100")
	require.NoError(t, err)
	assert.Equal(t, amcp.StatusData, reply.Code)
	assert.Equal(t, []string{"100"}, reply.Lines)

	_, err = f.run(t, "CALL", "1-1", "BOGUS")
	assert.Equal(t, amcp.StatusInvalidParameter, amcp.ErrorCode(err))
}

func TestSwap(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "LOAD", "1-1", "amb")
	require.NoError(t, err)

	_, err = f.run(t, "SWAP", "1-1", "2-4")
	require.NoError(t, err)
	l, _ := f.channel(t, 1).Layer(4)
	require.NotNil(t, l.Foreground)
	assert.Equal(t, "AMB", l.Foreground.Name)

	_, err = f.run(t, "SWAP", "1-1", "2")
	assert.Equal(t, amcp.StatusInvalidParameter, amcp.ErrorCode(err))

	_, err = f.run(t, "SWAP", "1", "9")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))

	_, err = f.run(t, "SWAP", "1", "2")
	require.NoError(t, err)
	assert.NotEmpty(t, f.channel(t, 0).Info().Layers)
}

func TestConsumers(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "ADD", "1", "SCREEN")
	require.NoError(t, err)
	_, err = f.run(t, "ADD", "1-7", "FILE", "out.mov")
	require.NoError(t, err)
	assert.Len(t, f.channel(t, 0).Info().Consumers, 2)

	_, err = f.run(t, "REMOVE", "1-7")
	require.NoError(t, err)
	_, err = f.run(t, "REMOVE", "1-7")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))

	_, err = f.run(t, "REMOVE", "1", "screen")
	require.NoError(t, err)
	assert.Empty(t, f.channel(t, 0).Info().Consumers)

	_, err = f.run(t, "REMOVE", "1")
	assert.Equal(t, amcp.StatusMissingParameters, amcp.ErrorCode(err))
}

func TestSetMode(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "SET", "1", "MODE", "1080p5000")
	require.NoError(t, err)
	assert.Equal(t, "1080p5000", f.channel(t, 0).VideoMode())

	_, err = f.run(t, "SET", "1", "MODE", "4K")
	assert.Equal(t, amcp.StatusInvalidParameter, amcp.ErrorCode(err))

	_, err = f.run(t, "SET", "1", "COLOUR", "RED")
	assert.Equal(t, amcp.StatusInvalidParameter, amcp.ErrorCode(err))
}

func TestCG(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, 0)

	_, err := f.run(t, "CG", "1-20", "ADD", "1", "lower_third", "0", `{"f0":"News"}`)
	require.NoError(t, err)

	_, err = f.run(t, "CG", "1-20", "PLAY", "1")
	require.NoError(t, err)
	tpl, err := ch.CGInfo(20, 1)
	require.NoError(t, err)
	assert.True(t, tpl.Playing)

	_, err = f.run(t, "CG", "1-20", "UPDATE", "1", "new data")
	require.NoError(t, err)
	reply, err := f.run(t, "CG", "1-20", "INFO", "1")
	require.NoError(t, err)
	var info channels.Template
	require.NoError(t, json.Unmarshal([]byte(reply.Lines[0]), &info))
	assert.Equal(t, "new data", info.Data)

	_, err = f.run(t, "CG", "1-20", "STOP", "2")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))

	_, err = f.run(t, "CG", "1-20", "PLAY", "x")
	assert.Equal(t, amcp.StatusInvalidParameter, amcp.ErrorCode(err))

	_, err = f.run(t, "CG", "1-20", "CLEAR", "ALL")
	require.NoError(t, err)
	_, err = ch.CGInfo(20, 1)
	assert.ErrorIs(t, err, channels.ErrTemplateNotFound)
}

func TestCG_DefaultHostLayer(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "CG", "1", "ADD", "0", "clock", "1")
	require.NoError(t, err)
	tpl, err := f.channel(t, 0).CGInfo(channels.DefaultCGLayer, 0)
	require.NoError(t, err)
	assert.Equal(t, "clock", tpl.Name)
	assert.True(t, tpl.Playing)
}

func TestMixer(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, 0)

	reply, err := f.run(t, "MIXER", "1-10", "OPACITY")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, reply.Lines)

	_, err = f.run(t, "MIXER", "1-10", "FILL", "0.25", "0.25", "0.5", "0.5", "25")
	require.NoError(t, err)
	reply, err = f.run(t, "MIXER", "1-10", "FILL")
	require.NoError(t, err)
	assert.Equal(t, []string{"0.25 0.25 0.5 0.5"}, reply.Lines)

	_, err = f.run(t, "MIXER", "1-10", "OPACITY", "0.5", "DEFER")
	require.NoError(t, err)
	values, _ := ch.Mixer(10, "OPACITY")
	assert.NotEqual(t, []string{"0.5"}, values)

	_, err = f.run(t, "MIXER", "1", "COMMIT")
	require.NoError(t, err)
	values, _ = ch.Mixer(10, "OPACITY")
	assert.Equal(t, []string{"0.5"}, values)

	_, err = f.run(t, "MIXER", "1-10", "FILL", "0")
	assert.Equal(t, amcp.StatusMissingParameters, amcp.ErrorCode(err))
	_, err = f.run(t, "MIXER", "1-10", "OPACITY", "half")
	assert.Equal(t, amcp.StatusInvalidParameter, amcp.ErrorCode(err))
	_, err = f.run(t, "MIXER", "1-10", "WOBBLE", "1")
	assert.Equal(t, amcp.StatusInvalidParameter, amcp.ErrorCode(err))

	_, err = f.run(t, "MIXER", "1", "CLEAR")
	require.NoError(t, err)
	_, ok := ch.Mixer(10, "FILL")
	assert.False(t, ok)
}

func TestInfo(t *testing.T) {
	f := newFixture(t)

	reply, err := f.run(t, "INFO", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1 PAL STOPPED", "2 1080i5000 STOPPED"}, reply.Lines)

	reply, err = f.run(t, "INFO", "", "2")
	require.NoError(t, err)
	var info channels.Info
	require.NoError(t, json.Unmarshal([]byte(reply.Lines[0]), &info))
	assert.Equal(t, "1080i5000", info.VideoMode)

	_, err = f.run(t, "INFO", "", "1-3")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))

	_, err = f.run(t, "INFO", "", "7")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))

	reply, err = f.run(t, "INFO", "", "queues")
	require.NoError(t, err)
	require.Len(t, reply.Lines, 1)
	assert.Contains(t, reply.Lines[0], `"name":"general"`)
}

func TestVersionAndHelp(t *testing.T) {
	f := newFixture(t)

	reply, err := f.run(t, "VERSION", "")
	require.NoError(t, err)
	assert.Equal(t, "201 VERSION OK\r\n2.3.0\r\n", reply.Format("VERSION"))

	reply, err = f.run(t, "HELP", "")
	require.NoError(t, err)
	assert.Equal(t, f.reg.Verbs(), reply.Lines)

	reply, err = f.run(t, "HELP", "", "loadbg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply.Lines[0], "LOADBG <channel>"))

	_, err = f.run(t, "HELP", "", "NOPE")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))
}

func TestMediaQueries(t *testing.T) {
	f := newFixture(t)

	reply, err := f.run(t, "CLS", "")
	require.NoError(t, err)
	require.Len(t, reply.Lines, 2)
	assert.True(t, strings.HasPrefix(reply.Lines[0], `"AMB" MOVIE`))

	reply, err = f.run(t, "CLS", "", "promo")
	require.NoError(t, err)
	require.Len(t, reply.Lines, 1)
	assert.True(t, strings.HasPrefix(reply.Lines[0], `"PROMO/SPOT" MOVIE 2 `))

	reply, err = f.run(t, "CINF", "", "promo/spot")
	require.NoError(t, err)
	assert.Len(t, reply.Lines, 1)

	_, err = f.run(t, "CINF", "", "nope")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))
}

func TestBye_DisconnectsAfterReply(t *testing.T) {
	f := newFixture(t)

	reply, err := f.run(t, "BYE", "")
	require.NoError(t, err)
	assert.Equal(t, amcp.StatusOK, reply.Code)
	assert.Empty(t, f.sink.disconnected)

	require.NotNil(t, reply.Then)
	reply.Then()
	assert.Equal(t, []string{"client-1"}, f.sink.disconnected)
}

func TestKill(t *testing.T) {
	f := newFixture(t)

	reply, err := f.run(t, "KILL", "")
	require.NoError(t, err)
	require.NotNil(t, reply.Then)
	reply.Then()

	select {
	case <-f.shutdown:
	case <-time.After(time.Second):
		t.Fatal("shutdown was not requested")
	}

	f.opts.Shutdown = nil
	reg, err := NewRegistry(f.opts)
	require.NoError(t, err)
	d, _ := reg.Lookup("KILL")
	_, err = d.Action(context.Background(), &amcp.Command{Verb: "KILL"})
	assert.Equal(t, amcp.StatusFailed, amcp.ErrorCode(err))
}

func TestData(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "DATA", "", "STORE", "shows/news", `{"title":"Evening"}`)
	require.NoError(t, err)
	_, err = f.run(t, "DATA", "", "STORE", "weather", "sunny")
	require.NoError(t, err)

	reply, err := f.run(t, "DATA", "", "RETRIEVE", "SHOWS/NEWS")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"title":"Evening"}`}, reply.Lines)

	reply, err = f.run(t, "DATA", "", "LIST")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"SHOWS/NEWS", "WEATHER"}, reply.Lines)

	reply, err = f.run(t, "DATA", "", "LIST", "shows")
	require.NoError(t, err)
	assert.Equal(t, []string{"SHOWS/NEWS"}, reply.Lines)

	_, err = f.run(t, "DATA", "", "REMOVE", "weather")
	require.NoError(t, err)
	_, err = f.run(t, "DATA", "", "RETRIEVE", "weather")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))

	_, err = f.run(t, "DATA", "", "STORE", "only-name")
	assert.Equal(t, amcp.StatusMissingParameters, amcp.ErrorCode(err))
	_, err = f.run(t, "DATA", "", "STORE", "../escape", "x")
	assert.Equal(t, amcp.StatusInvalidParameter, amcp.ErrorCode(err))
	_, err = f.run(t, "DATA", "", "FROB")
	assert.Equal(t, amcp.StatusInvalidParameter, amcp.ErrorCode(err))
}

func TestSchedule(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "SCHEDULE", "", "SET", "nightly", "0 3 * * *", "PLAY", "1-10", "amb")
	require.NoError(t, err)

	job, err := f.opts.Schedule.Get("NIGHTLY")
	require.NoError(t, err)
	assert.Equal(t, "PLAY 1-10 amb", job.Line)
	assert.Equal(t, "client-1", job.SessionID)

	_, err = f.run(t, "SCHEDULE", "", "SET", "note", "@every 1h", "DATA", "STORE", "x", "hello world")
	require.NoError(t, err)
	job, err = f.opts.Schedule.Get("note")
	require.NoError(t, err)
	assert.Equal(t, `DATA STORE x "hello world"`, job.Line)

	reply, err := f.run(t, "SCHEDULE", "", "LIST")
	require.NoError(t, err)
	require.Len(t, reply.Lines, 2)
	assert.Contains(t, reply.Lines[0]+reply.Lines[1], `"0 3 * * *" PLAY 1-10 amb`)

	reply, err = f.run(t, "SCHEDULE", "", "INFO", "nightly")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply.Lines[0], "nightly "))

	_, err = f.run(t, "SCHEDULE", "", "SET", "bad", "not a schedule", "PLAY", "1")
	assert.Equal(t, amcp.StatusInvalidParameter, amcp.ErrorCode(err))
	_, err = f.run(t, "SCHEDULE", "", "SET", "short", "@every 1h")
	assert.Equal(t, amcp.StatusMissingParameters, amcp.ErrorCode(err))

	_, err = f.run(t, "SCHEDULE", "", "REMOVE", "nightly")
	require.NoError(t, err)
	_, err = f.run(t, "SCHEDULE", "", "REMOVE", "nightly")
	assert.Equal(t, amcp.StatusNotFound, amcp.ErrorCode(err))

	_, err = f.run(t, "SCHEDULE", "", "CLEAR")
	require.NoError(t, err)
	assert.Equal(t, 0, f.opts.Schedule.Len())
}

func TestUnconfiguredCollaborators(t *testing.T) {
	chans, err := channels.NewRegistry([]string{"PAL"})
	require.NoError(t, err)
	reg, err := NewRegistry(Options{Channels: chans})
	require.NoError(t, err)

	for _, tc := range []struct {
		verb   string
		params []string
	}{
		{"DATA", []string{"LIST"}},
		{"SCHEDULE", []string{"LIST"}},
		{"CLS", nil},
		{"CINF", []string{"amb"}},
		{"INFO", []string{"QUEUES"}},
	} {
		d, ok := reg.Lookup(tc.verb)
		require.True(t, ok)
		_, err := d.Action(context.Background(), &amcp.Command{Verb: tc.verb, Params: tc.params})
		assert.Equal(t, amcp.StatusFailed, amcp.ErrorCode(err), tc.verb)
	}

	d, _ := reg.Lookup("LOAD")
	tg := amcp.Target{Channel: 0, Layer: 1}
	_, err = d.Action(context.Background(), &amcp.Command{Verb: "LOAD", Params: []string{"anything"}, Target: &tg})
	assert.NoError(t, err)
}
