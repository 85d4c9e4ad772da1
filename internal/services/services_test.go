package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarimud/i3-gateway/internal/events"
	"github.com/luminarimud/i3-gateway/internal/history"
	"github.com/luminarimud/i3-gateway/internal/lpc"
	"github.com/luminarimud/i3-gateway/internal/packet"
	"github.com/luminarimud/i3-gateway/internal/state"
)

// fakeSender captures outbound packets in place of the router link.
type fakeSender struct {
	mu        sync.Mutex
	sent      []packet.Packet
	refreshes int
	err       error
}

func (f *fakeSender) Send(_ context.Context, p packet.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeSender) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

// recordingSub collects every event the bus dispatches.
type recordingSub struct {
	mu  sync.Mutex
	evs []*events.Event
}

func (r *recordingSub) Wants(*events.Event) bool { return true }

func (r *recordingSub) Offer(ev *events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recordingSub) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evs)
}

func (r *recordingSub) find(eventType string) *events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.evs {
		if ev.Type == eventType {
			return ev
		}
	}
	return nil
}

type fixture struct {
	svc    *Services
	store  *state.Store
	sender *fakeSender
	rec    *recordingSub
	log    *history.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := state.NewStore()
	store.ApplyMudlist(&packet.Mudlist{
		Header:    packet.Header{Type: packet.TypeMudlist, TTL: packet.DefaultTTL, OriginMud: "*i4"},
		MudlistID: 1,
		Muds: map[string]*packet.MudInfo{
			"OtherMUD": {State: packet.StateUp, Address: "10.0.0.2", Driver: "fluffos"},
			"FarMUD":   {State: packet.StateUp, Address: "10.0.0.3", Driver: "ldmud"},
			"DownMUD":  {State: 0, Address: "10.0.0.4"},
		},
	})
	store.ApplyChanlist(&packet.ChanlistReply{
		Header:     packet.Header{Type: packet.TypeChanlistReply, TTL: packet.DefaultTTL, OriginMud: "*i4"},
		ChanlistID: 1,
		Channels: map[string]*packet.ChannelInfo{
			"imud_gossip": {Owner: "*i4", Type: packet.ChannelPublic},
		},
	})

	bus := events.NewBus(64, nil)
	rec := &recordingSub{}
	bus.Subscribe("rec", rec)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)

	hlog := history.NewLog(history.NewRing(32), nil)
	svc := New(Config{
		MudName:      "LuminariMUD",
		Store:        store,
		Bus:          bus,
		History:      hlog,
		ReplyTimeout: 200 * time.Millisecond,
		LocateWindow: 120 * time.Millisecond,
	})
	sender := &fakeSender{}
	svc.BindSender(sender)

	return &fixture{svc: svc, store: store, sender: sender, rec: rec, log: hlog}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// ============================================================================
// TELL / EMOTETO
// ============================================================================

func TestTellBuildsExactWireArray(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Tell(context.Background(), TellArgs{
		TargetMud:  "OtherMUD",
		TargetUser: "Friend",
		Message:    "hi",
		FromUser:   "player",
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.sender.count())

	want := lpc.Array{"tell", 200, "LuminariMUD", "player", "othermud", "friend", "player", "hi"}
	assert.Equal(t, want, packet.ToLPC(f.sender.last()))
}

func TestTellVisnameOverride(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Tell(context.Background(), TellArgs{
		TargetMud:  "OtherMUD",
		TargetUser: "friend",
		Message:    "hi",
		FromUser:   "Player",
		Visname:    "Player the Bold",
	})
	require.NoError(t, err)

	tell := f.sender.last().(*packet.Tell)
	assert.Equal(t, "player", tell.OriginUser)
	assert.Equal(t, "Player the Bold", tell.Visname)
}

func TestTellValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.Tell(ctx, TellArgs{TargetUser: "u", Message: "m", FromUser: "f"})
	assert.ErrorIs(t, err, ErrInvalidParams)

	err = f.svc.Tell(ctx, TellArgs{TargetMud: "OtherMUD", TargetUser: "u", FromUser: "f"})
	assert.ErrorIs(t, err, ErrInvalidParams)

	long := make([]byte, MaxTellLength+1)
	for i := range long {
		long[i] = 'x'
	}
	err = f.svc.Tell(ctx, TellArgs{TargetMud: "OtherMUD", TargetUser: "u", Message: string(long), FromUser: "f"})
	assert.ErrorIs(t, err, ErrInvalidParams)

	err = f.svc.Tell(ctx, TellArgs{TargetMud: "NoSuchMUD", TargetUser: "u", Message: "m", FromUser: "f"})
	assert.ErrorIs(t, err, ErrMudUnknown)

	err = f.svc.Tell(ctx, TellArgs{TargetMud: "DownMUD", TargetUser: "u", Message: "m", FromUser: "f"})
	assert.ErrorIs(t, err, ErrMudOffline)

	assert.Equal(t, 0, f.sender.count(), "invalid tells never reach the router")
}

func TestEmoteLengthLimit(t *testing.T) {
	f := newFixture(t)

	long := make([]byte, MaxEmoteLength+1)
	for i := range long {
		long[i] = 'x'
	}
	err := f.svc.Emoteto(context.Background(), EmotetoArgs{
		TargetMud: "OtherMUD", TargetUser: "u", Emote: string(long), FromUser: "f",
	})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestInboundTellEmitsEvent(t *testing.T) {
	f := newFixture(t)

	tell := &packet.Tell{
		Header: packet.Header{
			Type: packet.TypeTell, TTL: 5,
			OriginMud: "FarMUD", OriginUser: "Alice",
			TargetMud: "luminarimud", TargetUser: "bob",
		},
		Visname: "Alice",
		Message: "ping",
	}
	f.svc.HandleInbound(context.Background(), tell)

	waitFor(t, func() bool { return f.rec.find(events.TellReceived) != nil })
	ev := f.rec.find(events.TellReceived)
	assert.Equal(t, map[string]interface{}{
		"from_mud":  "FarMUD",
		"from_user": "Alice",
		"to_user":   "bob",
		"message":   "ping",
		"visname":   "Alice",
	}, ev.Payload)
	assert.Equal(t, "luminarimud", ev.TargetMud)
}

func TestInboundTellForOtherMudDropped(t *testing.T) {
	f := newFixture(t)

	tell := &packet.Tell{
		Header: packet.Header{
			Type: packet.TypeTell, TTL: 5,
			OriginMud: "FarMUD", OriginUser: "alice",
			TargetMud: "SomeoneElse", TargetUser: "bob",
		},
		Visname: "Alice", Message: "ping",
	}
	f.svc.HandleInbound(context.Background(), tell)

	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, f.rec.find(events.TellReceived))
}

// ============================================================================
// WHO / FINGER
// ============================================================================

func whoReplyFrom(mud string, users ...packet.WhoUser) *packet.WhoReply {
	return &packet.WhoReply{
		Header: packet.Header{
			Type: packet.TypeWhoReply, TTL: packet.DefaultTTL,
			OriginMud: mud, TargetMud: "luminarimud",
		},
		Users: users,
	}
}

func TestWhoRoundTripAndCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	go func() {
		for f.sender.count() == 0 {
			time.Sleep(time.Millisecond)
		}
		f.svc.HandleInbound(ctx, whoReplyFrom("OtherMUD",
			packet.WhoUser{Name: "Alice", Idle: 0, Extra: "the Bold"},
			packet.WhoUser{Name: "Bob", Idle: 300},
		))
	}()

	users, err := f.svc.Who(ctx, WhoArgs{TargetMud: "OtherMUD"})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Alice", users[0].Name)

	req := f.sender.sent[0].(*packet.WhoReq)
	assert.Equal(t, "othermud", req.TargetMud)

	// Second call hits the 60 s cache; no new packet goes out.
	users, err = f.svc.Who(ctx, WhoArgs{TargetMud: "othermud"})
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, 1, f.sender.count())
}

func TestWhoFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.HandleInbound(ctx, whoReplyFrom("OtherMUD",
		packet.WhoUser{Name: "Alice", Idle: 0},
		packet.WhoUser{Name: "Bob", Idle: 500},
		packet.WhoUser{Name: "Alfred", Idle: 60},
	))

	maxIdle := 100
	users, err := f.svc.Who(ctx, WhoArgs{
		TargetMud: "OtherMUD",
		Filters:   &WhoFilters{NameContains: "al", MaxIdle: &maxIdle},
	})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Alice", users[0].Name)
	assert.Equal(t, "Alfred", users[1].Name)
}

func TestWhoTimeout(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	_, err := f.svc.Who(context.Background(), WhoArgs{TargetMud: "OtherMUD"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestWhoRouterErrorFailsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	go func() {
		for f.sender.count() == 0 {
			time.Sleep(time.Millisecond)
		}
		offending := packet.ToLPC(f.sender.last())
		// The router reports unknown destinations under its own name.
		f.svc.HandleInbound(ctx, &packet.ErrorPacket{
			Header: packet.Header{
				Type: packet.TypeError, TTL: packet.DefaultTTL,
				OriginMud: "*i4", TargetMud: "luminarimud",
			},
			Code:    packet.ErrCodeUnkDst,
			Message: "othermud is not listed",
			Packet:  offending,
		})
	}()

	_, err := f.svc.Who(ctx, WhoArgs{TargetMud: "OtherMUD"})
	assert.ErrorIs(t, err, ErrMudUnknown)
}

func TestFingerRoundTripAndCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	go func() {
		for f.sender.count() == 0 {
			time.Sleep(time.Millisecond)
		}
		f.svc.HandleInbound(ctx, &packet.FingerReply{
			Header: packet.Header{
				Type: packet.TypeFingerReply, TTL: packet.DefaultTTL,
				OriginMud: "OtherMUD", TargetMud: "luminarimud",
			},
			Visname: "Friend", Title: "the Quiet", IdleTime: 42,
		})
	}()

	reply, err := f.svc.Finger(ctx, FingerArgs{TargetMud: "OtherMUD", TargetUser: "Friend"})
	require.NoError(t, err)
	assert.Equal(t, "the Quiet", reply.Title)

	req := f.sender.sent[0].(*packet.FingerReq)
	assert.Equal(t, "friend", req.Username)
	assert.Equal(t, "friend", req.TargetUser)

	// Cached for five minutes.
	_, err = f.svc.Finger(ctx, FingerArgs{TargetMud: "othermud", TargetUser: "friend"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.sender.count())
}

func TestInboundWhoReqSynthesizesReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.SetLocalWho([]packet.WhoUser{
		{Name: "Hero", Idle: 10, Extra: "the Brave"},
	})
	f.svc.HandleInbound(ctx, &packet.WhoReq{
		Header: packet.Header{
			Type: packet.TypeWhoReq, TTL: packet.DefaultTTL,
			OriginMud: "FarMUD", OriginUser: "curious",
			TargetMud: "luminarimud",
		},
	})

	require.Equal(t, 1, f.sender.count())
	reply := f.sender.last().(*packet.WhoReply)
	assert.Equal(t, "farmud", reply.TargetMud)
	assert.Equal(t, "curious", reply.TargetUser)
	require.Len(t, reply.Users, 1)
	assert.Equal(t, "Hero", reply.Users[0].Name)
}

func TestInboundWhoReqWithoutDataSendsError(t *testing.T) {
	f := newFixture(t)

	f.svc.HandleInbound(context.Background(), &packet.WhoReq{
		Header: packet.Header{
			Type: packet.TypeWhoReq, TTL: packet.DefaultTTL,
			OriginMud: "FarMUD", OriginUser: "curious",
			TargetMud: "luminarimud",
		},
	})

	require.Equal(t, 1, f.sender.count())
	ep := f.sender.last().(*packet.ErrorPacket)
	assert.Equal(t, packet.ErrCodeUnkUser, ep.Code)
	assert.Equal(t, "who-req", ep.Packet[0])
}

// ============================================================================
// LOCATE
// ============================================================================

func locateReplyFrom(mud, visname string, idle int, status string) *packet.LocateReply {
	return &packet.LocateReply{
		Header: packet.Header{
			Type: packet.TypeLocateReply, TTL: packet.DefaultTTL,
			OriginMud: mud, TargetMud: "luminarimud", TargetUser: "wiz",
		},
		LocatedMud: mud, LocatedVisname: visname, IdleTime: idle, Status: status,
	}
}

func TestLocateAggregatesWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	type result struct {
		hits []state.LocateHit
		err  error
	}
	done := make(chan result, 1)
	go func() {
		hits, err := f.svc.Locate(ctx, LocateArgs{TargetUser: "Wiz"})
		done <- result{hits, err}
	}()

	waitFor(t, func() bool { return f.sender.count() == 1 })
	req := f.sender.last().(*packet.LocateReq)
	assert.Equal(t, "wiz", req.Username)
	assert.Equal(t, "wiz", req.TargetUser)
	assert.Equal(t, "", req.TargetMud, "locate-req is a broadcast")

	f.svc.HandleInbound(ctx, locateReplyFrom("MUD_A", "Wiz", 0, "active"))
	f.svc.HandleInbound(ctx, locateReplyFrom("MUD_B", "Wiz", 120, "editing"))

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, []state.LocateHit{
		{Mud: "MUD_A", Idle: 0, Status: "active"},
		{Mud: "MUD_B", Idle: 120, Status: "editing"},
	}, res.hits)

	// A straggler after the window is unsolicited and changes nothing.
	f.svc.HandleInbound(ctx, locateReplyFrom("MUD_C", "Wiz", 5, "idle"))

	hits, err := f.svc.Locate(ctx, LocateArgs{TargetUser: "wiz"})
	require.NoError(t, err)
	assert.Len(t, hits, 2, "second call serves the cached window result")
	assert.Equal(t, 1, f.sender.count(), "no new broadcast while cached")
}

func TestLocateDeduplicatesPerMud(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := make(chan []state.LocateHit, 1)
	go func() {
		hits, _ := f.svc.Locate(ctx, LocateArgs{TargetUser: "wiz"})
		done <- hits
	}()

	waitFor(t, func() bool { return f.sender.count() == 1 })
	f.svc.HandleInbound(ctx, locateReplyFrom("MUD_A", "Wiz", 0, "active"))
	f.svc.HandleInbound(ctx, locateReplyFrom("MUD_A", "Wiz", 0, "active"))

	assert.Len(t, <-done, 1)
}

func TestConcurrentLocatesShareOneWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			hits, _ := f.svc.Locate(ctx, LocateArgs{TargetUser: "wiz"})
			results <- len(hits)
		}()
	}

	waitFor(t, func() bool { return f.sender.count() >= 1 })
	f.svc.HandleInbound(ctx, locateReplyFrom("MUD_A", "Wiz", 0, "active"))

	assert.Equal(t, 1, <-results)
	assert.Equal(t, 1, <-results)
	assert.Equal(t, 1, f.sender.count(), "one broadcast serves both callers")
}

// ============================================================================
// CHANNELS
// ============================================================================

func TestChannelJoinLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ChannelJoin(ctx, ChannelJoinArgs{Channel: "imud_gossip"}))
	listen := f.sender.last().(*packet.ChannelListen)
	assert.Equal(t, "imud_gossip", listen.Channel)
	assert.Equal(t, 1, listen.OnOff)
	assert.True(t, f.store.Tuned("imud_gossip"))

	waitFor(t, func() bool { return f.rec.find(events.ChannelJoined) != nil })

	require.NoError(t, f.svc.ChannelLeave(ctx, ChannelLeaveArgs{Channel: "imud_gossip"}))
	listen = f.sender.last().(*packet.ChannelListen)
	assert.Equal(t, 0, listen.OnOff)
	assert.False(t, f.store.Tuned("imud_gossip"))

	err := f.svc.ChannelJoin(ctx, ChannelJoinArgs{Channel: "no_such_channel"})
	assert.ErrorIs(t, err, ErrChannelUnknown)
}

func TestChannelJoinIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ChannelJoin(ctx, ChannelJoinArgs{Channel: "imud_gossip"}))
	require.NoError(t, f.svc.ChannelJoin(ctx, ChannelJoinArgs{Channel: "imud_gossip"}))
	assert.Equal(t, 1, f.sender.count(), "rejoin must not re-send channel-listen")

	// Flipping listen_only is a real change and goes back on the wire.
	require.NoError(t, f.svc.ChannelJoin(ctx, ChannelJoinArgs{Channel: "imud_gossip", ListenOnly: true}))
	assert.Equal(t, 2, f.sender.count())
}

func TestChannelSendValidatesChannel(t *testing.T) {
	f := newFixture(t)

	err := f.svc.ChannelSend(context.Background(), ChannelSendArgs{
		Channel: "no_such_channel", Message: "hi", FromUser: "player",
	})
	assert.ErrorIs(t, err, ErrChannelUnknown)

	err = f.svc.ChannelSend(context.Background(), ChannelSendArgs{
		Channel: "imud_gossip", Message: "hi", FromUser: "player",
	})
	require.NoError(t, err)

	cm := f.sender.last().(*packet.ChannelMessage)
	assert.Equal(t, "imud_gossip", cm.Channel)
	assert.Equal(t, "", cm.TargetMud, "channel traffic is a broadcast")
	assert.Equal(t, "player", cm.Visname)
}

func TestInboundChannelMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ChannelJoin(ctx, ChannelJoinArgs{Channel: "imud_gossip"}))

	f.svc.HandleInbound(ctx, &packet.ChannelMessage{
		Header: packet.Header{
			Type: packet.TypeChannelMessage, TTL: packet.DefaultTTL,
			OriginMud: "FarMUD", OriginUser: "alice",
		},
		Channel: "imud_gossip", Visname: "Alice", Message: "hello all",
	})

	waitFor(t, func() bool { return f.rec.find(events.ChannelMessage) != nil })
	ev := f.rec.find(events.ChannelMessage)
	assert.Equal(t, "imud_gossip", ev.Channel)
	assert.Equal(t, "hello all", ev.Payload["message"])

	entries := f.svc.ChannelHistory(ctx, "imud_gossip", 10)
	require.Len(t, entries, 1)
	assert.Equal(t, "m", entries[0].Kind)
	assert.Equal(t, "FarMUD", entries[0].Mud)
}

func TestInboundUntunedChannelDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.HandleInbound(ctx, &packet.ChannelMessage{
		Header: packet.Header{
			Type: packet.TypeChannelMessage, TTL: packet.DefaultTTL,
			OriginMud: "FarMUD", OriginUser: "alice",
		},
		Channel: "imud_gossip", Visname: "Alice", Message: "hello",
	})

	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, f.rec.find(events.ChannelMessage))
	assert.Empty(t, f.svc.ChannelHistory(ctx, "imud_gossip", 10))
}

func TestChannelWhoLocalAndRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ChannelJoin(ctx, ChannelJoinArgs{Channel: "imud_gossip"}))
	users, err := f.svc.ChannelWho(ctx, ChannelWhoArgs{Channel: "imud_gossip"})
	require.NoError(t, err)
	assert.Equal(t, []string{"luminarimud"}, users)

	go func() {
		for f.sender.count() < 2 {
			time.Sleep(time.Millisecond)
		}
		f.svc.HandleInbound(ctx, &packet.ChanWhoReply{
			Header: packet.Header{
				Type: packet.TypeChanWhoReply, TTL: packet.DefaultTTL,
				OriginMud: "OtherMUD", TargetMud: "luminarimud",
			},
			Channel: "imud_gossip",
			Users:   []string{"alice", "bob"},
		})
	}()

	users, err = f.svc.ChannelWho(ctx, ChannelWhoArgs{Channel: "imud_gossip", TargetMud: "OtherMUD"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)
}

func TestInboundChanWhoReqListsLocalUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.Join("imud_gossip", "LuminariMUD", "hero", false)
	f.svc.HandleInbound(ctx, &packet.ChanWhoReq{
		Header: packet.Header{
			Type: packet.TypeChanWhoReq, TTL: packet.DefaultTTL,
			OriginMud: "FarMUD", OriginUser: "curious",
			TargetMud: "luminarimud",
		},
		Channel: "imud_gossip",
	})

	require.Equal(t, 1, f.sender.count())
	reply := f.sender.last().(*packet.ChanWhoReply)
	assert.Equal(t, []string{"hero"}, reply.Users)
}

// ============================================================================
// MUDLIST / CHANLIST / REFRESH
// ============================================================================

func TestInboundMudlistEmitsTransitions(t *testing.T) {
	f := newFixture(t)

	f.svc.HandleInbound(context.Background(), &packet.Mudlist{
		Header:    packet.Header{Type: packet.TypeMudlist, TTL: packet.DefaultTTL, OriginMud: "*i4"},
		MudlistID: 2,
		Muds: map[string]*packet.MudInfo{
			"NewMUD":   {State: packet.StateUp, Address: "10.0.0.9"},
			"OtherMUD": {State: 0},
		},
	})

	waitFor(t, func() bool {
		return f.rec.find(events.MudOnline) != nil && f.rec.find(events.MudOffline) != nil
	})
	assert.Equal(t, "NewMUD", f.rec.find(events.MudOnline).Payload["mud"])
	assert.Equal(t, "OtherMUD", f.rec.find(events.MudOffline).Payload["mud"])
	assert.True(t, f.rec.find(events.MudOnline).Broadcast)
	assert.Equal(t, 2, f.store.MudlistID())
}

func TestListIDsCallback(t *testing.T) {
	var gotMudlist, gotChanlist int
	store := state.NewStore()
	svc := New(Config{
		MudName: "LuminariMUD",
		Store:   store,
		OnListIDs: func(m, c int) {
			gotMudlist, gotChanlist = m, c
		},
	})
	svc.BindSender(&fakeSender{})

	svc.HandleInbound(context.Background(), &packet.Mudlist{
		Header:    packet.Header{Type: packet.TypeMudlist, TTL: packet.DefaultTTL, OriginMud: "*i4"},
		MudlistID: 7,
		Muds:      map[string]*packet.MudInfo{},
	})
	assert.Equal(t, 7, gotMudlist)
	assert.Equal(t, 0, gotChanlist)
}

func TestMudlistRefresh(t *testing.T) {
	f := newFixture(t)

	muds, id, err := f.svc.Mudlist(context.Background(), MudlistArgs{})
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	assert.Len(t, muds, 3)
	assert.Equal(t, 0, f.sender.refreshes)

	_, _, err = f.svc.Mudlist(context.Background(), MudlistArgs{Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, 1, f.sender.refreshes)
}

func TestMudlistFilter(t *testing.T) {
	f := newFixture(t)

	muds, _, err := f.svc.Mudlist(context.Background(), MudlistArgs{Filter: "far"})
	require.NoError(t, err)
	require.Len(t, muds, 1)
	assert.Equal(t, "FarMUD", muds[0].Name)
}

func TestSendWithoutSender(t *testing.T) {
	store := state.NewStore()
	store.ApplyMudlist(&packet.Mudlist{
		Header:    packet.Header{Type: packet.TypeMudlist, TTL: packet.DefaultTTL, OriginMud: "*i4"},
		MudlistID: 1,
		Muds:      map[string]*packet.MudInfo{"OtherMUD": {State: packet.StateUp}},
	})
	svc := New(Config{MudName: "LuminariMUD", Store: store})

	err := svc.Tell(context.Background(), TellArgs{
		TargetMud: "OtherMUD", TargetUser: "u", Message: "m", FromUser: "f",
	})
	assert.ErrorIs(t, err, ErrRouterDown)
}

func TestUnhandledTypeCounted(t *testing.T) {
	f := newFixture(t)

	// startup-reply belongs to the router link, not the service layer.
	f.svc.HandleInbound(context.Background(), &packet.StartupReply{
		Header:   packet.Header{Type: packet.TypeStartupReply, TTL: packet.DefaultTTL, OriginMud: "*i4"},
		Password: "123",
	})
	// Nothing to assert beyond "does not panic"; the drop is logged.
}
