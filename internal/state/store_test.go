package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminarimud/i3-gateway/internal/packet"
)

func upMud(addr string) *packet.MudInfo {
	return &packet.MudInfo{State: packet.StateUp, Address: addr, PlayerPort: 4000, Driver: "FluffOS"}
}

func TestApplyMudlistTransitions(t *testing.T) {
	s := NewStore()

	online, offline := s.ApplyMudlist(&packet.Mudlist{
		MudlistID: 10,
		Muds: map[string]*packet.MudInfo{
			"AlphaMUD": upMud("10.0.0.1"),
			"BetaMUD":  {State: 0},
		},
	})
	assert.Equal(t, []string{"AlphaMUD"}, online)
	assert.Empty(t, offline)
	assert.Equal(t, 10, s.MudlistID())

	// Beta comes up, Alpha goes away.
	online, offline = s.ApplyMudlist(&packet.Mudlist{
		MudlistID: 11,
		Muds: map[string]*packet.MudInfo{
			"BetaMUD":  upMud("10.0.0.2"),
			"AlphaMUD": nil,
		},
	})
	assert.Equal(t, []string{"BetaMUD"}, online)
	assert.Equal(t, []string{"AlphaMUD"}, offline)

	_, found := s.Mud("alphamud")
	assert.False(t, found)

	total, up := s.MudCount()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, up)
}

func TestMudLookupCaseInsensitive(t *testing.T) {
	s := NewStore()
	s.ApplyMudlist(&packet.Mudlist{MudlistID: 1, Muds: map[string]*packet.MudInfo{
		"LuminariMUD": upMud("10.0.0.9"),
	}})

	m, ok := s.Mud("LUMINARIMUD")
	require.True(t, ok)
	assert.Equal(t, "LuminariMUD", m.Name)
	assert.True(t, m.Up())
}

func TestMudsFilterSorted(t *testing.T) {
	s := NewStore()
	s.ApplyMudlist(&packet.Mudlist{MudlistID: 1, Muds: map[string]*packet.MudInfo{
		"Zeta":     upMud("1"),
		"AlphaOne": upMud("2"),
		"AlphaTwo": {State: 0},
	}})

	all := s.Muds("")
	require.Len(t, all, 3)
	assert.Equal(t, "AlphaOne", all[0].Name)
	assert.Equal(t, "Zeta", all[2].Name)

	alphas := s.Muds("alpha")
	require.Len(t, alphas, 2)
}

func TestApplyChanlist(t *testing.T) {
	s := NewStore()

	added, removed := s.ApplyChanlist(&packet.ChanlistReply{
		ChanlistID: 3,
		Channels: map[string]*packet.ChannelInfo{
			"imud_gossip": {Owner: "*wpr", Type: packet.ChannelPublic},
			"dchat":       {Owner: "*dalet", Type: packet.ChannelPublic},
		},
	})
	assert.Equal(t, []string{"dchat", "imud_gossip"}, added)
	assert.Empty(t, removed)
	assert.Equal(t, 3, s.ChanlistID())

	s.Join("dchat", "LuminariMUD", "alice", false)

	added, removed = s.ApplyChanlist(&packet.ChanlistReply{
		ChanlistID: 4,
		Channels:   map[string]*packet.ChannelInfo{"dchat": nil},
	})
	assert.Empty(t, added)
	assert.Equal(t, []string{"dchat"}, removed)

	// Removal drops membership too.
	assert.False(t, s.Tuned("dchat"))

	_, ok := s.Channel("imud_gossip")
	assert.True(t, ok)
}

func TestJoinIdempotent(t *testing.T) {
	s := NewStore()

	assert.True(t, s.Join("imud_gossip", "LuminariMUD", "alice", false))
	assert.False(t, s.Join("imud_gossip", "LuminariMUD", "alice", false))
	// Changing listen_only counts as a change.
	assert.True(t, s.Join("imud_gossip", "LuminariMUD", "alice", true))

	members := s.Members("imud_gossip")
	require.Len(t, members, 1)
	assert.True(t, members[0].ListenOnly)
}

func TestLeave(t *testing.T) {
	s := NewStore()
	s.Join("imud_gossip", "LuminariMUD", "alice", false)
	s.Join("imud_gossip", "LuminariMUD", "bob", false)

	assert.True(t, s.Leave("imud_gossip", "luminarimud", "ALICE"))
	assert.False(t, s.Leave("imud_gossip", "luminarimud", "alice"))
	assert.True(t, s.Tuned("imud_gossip"))

	assert.True(t, s.Leave("imud_gossip", "LuminariMUD", "bob"))
	assert.False(t, s.Tuned("imud_gossip"))
	assert.Empty(t, s.TunedChannels())
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache[string](20 * time.Millisecond)
	c.Set("k", "v")

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestCacheSweep(t *testing.T) {
	c := NewCache[int](10 * time.Millisecond)
	c.Set("a", 1)
	c.Set("b", 2)
	c.SetTTL("keep", 3, time.Hour)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())

	got, ok := c.Get("keep")
	require.True(t, ok)
	assert.Equal(t, 3, got)
}

func TestCacheDelete(t *testing.T) {
	c := NewCache[int](time.Hour)
	c.Set("a", 1)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
}
