package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarimud/i3-gateway/internal/auth"
	"github.com/luminarimud/i3-gateway/internal/events"
)

func testIdentity(mud string) *auth.Identity {
	return &auth.Identity{
		KeyID:       "k1",
		MudName:     mud,
		Permissions: auth.NewPermissionSet([]string{"*"}),
	}
}

// capturingSend records delivered events; full=true simulates a jammed
// connection.
type capturingSend struct {
	mu   sync.Mutex
	evs  []*events.Event
	full bool
}

func (c *capturingSend) send(ev *events.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.evs = append(c.evs, ev)
	return true
}

func (c *capturingSend) labels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.evs))
	for i, ev := range c.evs {
		out[i] = ev.Payload["label"].(string)
	}
	return out
}

func TestOfferDeliversLive(t *testing.T) {
	m := NewManager(Config{})
	s := m.Create(context.Background(), testIdentity("LuminariMUD"))

	sink := &capturingSend{}
	s.Attach(TransportWebSocket, sink.send)

	s.Offer(queuedEvent("hello", 5))
	assert.Equal(t, []string{"hello"}, sink.labels())
	assert.Equal(t, 0, s.QueueLen())
	assert.Equal(t, uint64(1), s.Counters().EventsDelivered)
}

func TestOfferQueuesWhenDetached(t *testing.T) {
	m := NewManager(Config{})
	s := m.Create(context.Background(), testIdentity("LuminariMUD"))

	s.Offer(queuedEvent("later", 5))
	assert.Equal(t, 1, s.QueueLen())
	assert.Equal(t, uint64(1), s.Counters().EventsQueued)
}

func TestOfferQueuesWhenSendFull(t *testing.T) {
	m := NewManager(Config{})
	s := m.Create(context.Background(), testIdentity("LuminariMUD"))

	sink := &capturingSend{full: true}
	s.Attach(TransportTCP, sink.send)

	s.Offer(queuedEvent("x", 5))
	assert.Equal(t, 1, s.QueueLen())
}

func TestResumeDrainsBacklogBeforeLive(t *testing.T) {
	m := NewManager(Config{})
	s := m.Create(context.Background(), testIdentity("LuminariMUD"))

	s.Offer(queuedEvent("first", 5))
	s.Offer(queuedEvent("urgent", 9))
	s.Offer(queuedEvent("second", 5))
	require.Equal(t, 3, s.QueueLen())

	sink := &capturingSend{}
	delivered := s.Attach(TransportWebSocket, sink.send)
	assert.Equal(t, 3, delivered)

	s.Offer(queuedEvent("live", 5))
	assert.Equal(t, []string{"urgent", "first", "second", "live"}, sink.labels())
	assert.Equal(t, 0, s.QueueLen())
}

func TestDetachThenResume(t *testing.T) {
	m := NewManager(Config{})
	s := m.Create(context.Background(), testIdentity("LuminariMUD"))

	sink1 := &capturingSend{}
	s.Attach(TransportWebSocket, sink1.send)
	s.Detach()
	assert.False(t, s.Connected())

	s.Offer(queuedEvent("while-away", 5))
	assert.Empty(t, sink1.labels())

	got, err := m.Resume(context.Background(), s.ID)
	require.NoError(t, err)
	require.Same(t, s, got)

	sink2 := &capturingSend{}
	got.Attach(TransportTCP, sink2.send)
	assert.Equal(t, []string{"while-away"}, sink2.labels())
	assert.Equal(t, TransportTCP, got.Transport())
}

func TestWantsRouting(t *testing.T) {
	m := NewManager(Config{})
	s := m.Create(context.Background(), testIdentity("LuminariMUD"))

	broadcast := queuedEvent("b", 5)
	broadcast.Broadcast = true
	assert.True(t, s.Wants(broadcast))

	chat := queuedEvent("c", 5)
	chat.Channel = "imud_gossip"
	assert.False(t, s.Wants(chat), "not subscribed yet")

	s.SubscribeChannel("IMud_Gossip")
	assert.True(t, s.Wants(chat), "channel match is case-insensitive")

	s.UnsubscribeChannel("imud_gossip")
	assert.False(t, s.Wants(chat))

	targeted := queuedEvent("t", 5)
	targeted.TargetMud = "luminarimud"
	assert.True(t, s.Wants(targeted), "mud match is case-insensitive")

	targeted.TargetMud = "OtherMUD"
	assert.False(t, s.Wants(targeted))

	plain := queuedEvent("p", 5)
	assert.True(t, s.Wants(plain), "unscoped events reach everyone")
}

func TestWantsPermissionTag(t *testing.T) {
	m := NewManager(Config{})
	id := &auth.Identity{
		KeyID:       "k2",
		MudName:     "LuminariMUD",
		Permissions: auth.NewPermissionSet([]string{"channel_*"}),
	}
	s := m.Create(context.Background(), id)

	gated := queuedEvent("g", 5)
	gated.PermissionTag = "tell"
	assert.False(t, s.Wants(gated))

	gated.PermissionTag = "channel_send"
	assert.True(t, s.Wants(gated))
}

func TestWantsEventFilter(t *testing.T) {
	m := NewManager(Config{})
	s := m.Create(context.Background(), testIdentity("LuminariMUD"))

	tell := events.New(events.TellReceived, map[string]interface{}{"label": "t"})
	mudUp := events.New(events.MudOnline, map[string]interface{}{"label": "m"})

	assert.True(t, s.Wants(tell))
	assert.True(t, s.Wants(mudUp))

	s.SetEventFilter([]string{events.TellReceived})
	assert.True(t, s.Wants(tell))
	assert.False(t, s.Wants(mudUp))

	s.SetEventFilter(nil)
	assert.True(t, s.Wants(mudUp))
}

func TestManagerResumeUnknown(t *testing.T) {
	m := NewManager(Config{})
	_, err := m.Resume(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerResumeExpired(t *testing.T) {
	m := NewManager(Config{TTL: 20 * time.Millisecond})
	s := m.Create(context.Background(), testIdentity("LuminariMUD"))
	time.Sleep(40 * time.Millisecond)

	_, err := m.Resume(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrExpired)

	_, ok := m.Get(s.ID)
	assert.False(t, ok, "expired session is closed on resume attempt")
}

func TestSweepExpiresOnlyDetached(t *testing.T) {
	m := NewManager(Config{TTL: 30 * time.Millisecond})
	live := m.Create(context.Background(), testIdentity("MudA"))
	idle := m.Create(context.Background(), testIdentity("MudB"))

	sink := &capturingSend{}
	live.Attach(TransportWebSocket, sink.send)
	_ = idle

	time.Sleep(60 * time.Millisecond)
	m.sweep(context.Background())

	assert.Equal(t, 1, m.Count())
	_, ok := m.Get(live.ID)
	assert.True(t, ok, "connected session survives inactivity")
}

func TestCloseUnsubscribesFromBus(t *testing.T) {
	bus := events.NewBus(16, nil)
	m := NewManager(Config{Bus: bus})
	s := m.Create(context.Background(), testIdentity("LuminariMUD"))
	require.Equal(t, 1, bus.SubscriberCount())

	m.Close(context.Background(), s.ID, "client_close")
	assert.Equal(t, 0, bus.SubscriberCount())
	assert.Equal(t, 0, m.Count())
}

// fakeIndex is an in-memory stand-in for the Redis session index.
type fakeIndex struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func newFakeIndex() *fakeIndex { return &fakeIndex{recs: make(map[string]*Record)} }

func (f *fakeIndex) Save(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.recs[rec.ID] = &cp
	return nil
}

func (f *fakeIndex) Load(_ context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeIndex) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, id)
	return nil
}

func TestResumeFromIndexAfterRestart(t *testing.T) {
	idx := newFakeIndex()
	ctx := context.Background()

	m1 := NewManager(Config{Index: idx})
	s := m1.Create(ctx, testIdentity("LuminariMUD"))
	s.SubscribeChannel("imud_gossip")
	m1.Sync(ctx, s)

	// A fresh manager simulates a restarted gateway.
	m2 := NewManager(Config{Index: idx})
	restored, err := m2.Resume(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "LuminariMUD", restored.MudName)
	assert.Equal(t, []string{"imud_gossip"}, restored.Channels())
	assert.Equal(t, 0, restored.QueueLen(), "backlog does not survive restart")

	chat := queuedEvent("c", 5)
	chat.Channel = "imud_gossip"
	assert.True(t, restored.Wants(chat), "subscriptions restored from index")
}

func TestCloseDeletesIndexRecord(t *testing.T) {
	idx := newFakeIndex()
	ctx := context.Background()

	m := NewManager(Config{Index: idx})
	s := m.Create(ctx, testIdentity("LuminariMUD"))
	m.Close(ctx, s.ID, "client_close")

	rec, err := idx.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)

	m2 := NewManager(Config{Index: idx})
	_, err = m2.Resume(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllOrderedByCreation(t *testing.T) {
	m := NewManager(Config{})
	a := m.Create(context.Background(), testIdentity("MudA"))
	time.Sleep(2 * time.Millisecond)
	b := m.Create(context.Background(), testIdentity("MudB"))

	all := m.All()
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)
	assert.Equal(t, b.ID, all[1].ID)
}

func TestSessionCounters(t *testing.T) {
	m := NewManager(Config{})
	s := m.Create(context.Background(), testIdentity("LuminariMUD"))

	s.CountRequest(false)
	s.CountRequest(true)
	s.AddBytes(100, 40)

	c := s.Counters()
	assert.Equal(t, uint64(2), c.Requests)
	assert.Equal(t, uint64(1), c.Errors)
	assert.Equal(t, uint64(100), c.BytesIn)
	assert.Equal(t, uint64(40), c.BytesOut)

	st := s.Stats()
	assert.Equal(t, s.ID, st.ID)
	assert.True(t, st.Connected == s.Connected())
}
