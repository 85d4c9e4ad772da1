package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/luminarimud/i3-gateway/internal/packet"
)

// Mud is one directory entry. Keyed lowercase in the store; Name keeps the
// capitalization the router sent.
type Mud struct {
	Name string
	packet.MudInfo
}

// Up reports whether the mud is currently running.
func (m *Mud) Up() bool { return m.State == packet.StateUp }

// Channel is one I3 channel plus this gateway's local membership.
type Channel struct {
	Name  string
	Owner string
	Type  int
}

// Member is one local (mud, user) subscription on a channel.
type Member struct {
	Mud        string
	User       string
	ListenOnly bool
}

type memberKey struct {
	mud  string
	user string
}

// Store is the process-wide network state. Reads take shared locks; all
// writes happen on the router link's packet path, serialized per map.
type Store struct {
	mu        sync.RWMutex
	muds      map[string]*Mud
	mudlistID int

	chanMu     sync.RWMutex
	channels   map[string]*Channel
	members    map[string]map[memberKey]bool // channel -> member -> listenOnly
	chanlistID int

	WhoCache    *Cache[[]packet.WhoUser]
	FingerCache *Cache[*packet.FingerReply]
	LocateCache *Cache[[]LocateHit]

	sweep *sweeper
}

// LocateHit is one locate-reply folded into a cacheable result. The
// JSON shape is what the locate API returns verbatim.
type LocateHit struct {
	Mud    string `json:"mud"`
	Idle   int    `json:"idle"`
	Status string `json:"status"`
}

// NewStore builds an empty store with default cache TTLs.
func NewStore() *Store {
	s := &Store{
		muds:        make(map[string]*Mud),
		channels:    make(map[string]*Channel),
		members:     make(map[string]map[memberKey]bool),
		WhoCache:    NewCache[[]packet.WhoUser](WhoTTL),
		FingerCache: NewCache[*packet.FingerReply](FingerTTL),
		LocateCache: NewCache[[]LocateHit](LocateTTL),
	}
	s.sweep = &sweeper{
		interval: time.Minute,
		targets: []interface{ Sweep() int }{
			s.WhoCache, s.FingerCache, s.LocateCache,
		},
	}
	return s
}

// Run drives the periodic cache sweep until ctx is canceled.
func (s *Store) Run(ctx context.Context) error {
	s.sweep.Run(ctx)
	return ctx.Err()
}

// ============================================================================
// MUDLIST
// ============================================================================

// ApplyMudlist folds a mudlist delta into the directory and returns the
// muds that came up and went down, for event emission.
func (s *Store) ApplyMudlist(p *packet.Mudlist) (online, offline []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, info := range p.Muds {
		key := strings.ToLower(name)
		prev, existed := s.muds[key]
		wasUp := existed && prev.Up()

		if info == nil {
			if existed {
				delete(s.muds, key)
				if wasUp {
					offline = append(offline, prev.Name)
				}
			}
			continue
		}

		m := &Mud{Name: name, MudInfo: *info}
		s.muds[key] = m
		switch {
		case m.Up() && !wasUp:
			online = append(online, name)
		case !m.Up() && wasUp:
			offline = append(offline, name)
		}
	}
	s.mudlistID = p.MudlistID

	sort.Strings(online)
	sort.Strings(offline)
	return online, offline
}

// Mud looks up a directory entry case-insensitively.
func (s *Store) Mud(name string) (*Mud, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.muds[strings.ToLower(name)]
	return m, ok
}

// Muds returns entries whose name contains filter (case-insensitive),
// sorted by name. Empty filter returns everything.
func (s *Store) Muds(filter string) []*Mud {
	filter = strings.ToLower(filter)

	s.mu.RLock()
	out := make([]*Mud, 0, len(s.muds))
	for key, m := range s.muds {
		if filter == "" || strings.Contains(key, filter) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MudlistID returns the last applied mudlist id.
func (s *Store) MudlistID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mudlistID
}

// SetMudlistID seeds the id from persisted state before the first delta.
func (s *Store) SetMudlistID(id int) {
	s.mu.Lock()
	s.mudlistID = id
	s.mu.Unlock()
}

// MudCount returns directory size and how many entries are up.
func (s *Store) MudCount() (total, up int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.muds {
		if m.Up() {
			up++
		}
	}
	return len(s.muds), up
}

// ============================================================================
// CHANNELS
// ============================================================================

// ApplyChanlist folds a chanlist delta into the channel map and returns
// added and removed channel names. Keys are lowercased; the original
// name survives in Channel.Name.
func (s *Store) ApplyChanlist(p *packet.ChanlistReply) (added, removed []string) {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()

	for name, info := range p.Channels {
		key := strings.ToLower(name)
		_, existed := s.channels[key]
		if info == nil {
			if existed {
				delete(s.channels, key)
				delete(s.members, key)
				removed = append(removed, name)
			}
			continue
		}
		s.channels[key] = &Channel{Name: name, Owner: info.Owner, Type: info.Type}
		if !existed {
			added = append(added, name)
		}
	}
	s.chanlistID = p.ChanlistID

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// Channel looks up one channel, case-insensitively.
func (s *Store) Channel(name string) (*Channel, bool) {
	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	c, ok := s.channels[strings.ToLower(name)]
	return c, ok
}

// Channels returns all known channels sorted by name.
func (s *Store) Channels() []*Channel {
	s.chanMu.RLock()
	out := make([]*Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	s.chanMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChanlistID returns the last applied chanlist id.
func (s *Store) ChanlistID() int {
	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	return s.chanlistID
}

// SetChanlistID seeds the id from persisted state before the first delta.
func (s *Store) SetChanlistID(id int) {
	s.chanMu.Lock()
	s.chanlistID = id
	s.chanMu.Unlock()
}

// ============================================================================
// MEMBERSHIP
// ============================================================================

// Join records a local membership. It returns false when the member was
// already present with the same listen_only flag, so callers can skip the
// duplicate channel-listen send.
func (s *Store) Join(channel, mud, user string, listenOnly bool) bool {
	channel = strings.ToLower(channel)
	key := memberKey{mud: strings.ToLower(mud), user: strings.ToLower(user)}

	s.chanMu.Lock()
	defer s.chanMu.Unlock()

	set, ok := s.members[channel]
	if !ok {
		set = make(map[memberKey]bool)
		s.members[channel] = set
	}
	if prev, exists := set[key]; exists && prev == listenOnly {
		return false
	}
	set[key] = listenOnly
	return true
}

// Leave removes a local membership, reporting whether it existed.
func (s *Store) Leave(channel, mud, user string) bool {
	channel = strings.ToLower(channel)
	key := memberKey{mud: strings.ToLower(mud), user: strings.ToLower(user)}

	s.chanMu.Lock()
	defer s.chanMu.Unlock()

	set, ok := s.members[channel]
	if !ok {
		return false
	}
	if _, exists := set[key]; !exists {
		return false
	}
	delete(set, key)
	if len(set) == 0 {
		delete(s.members, channel)
	}
	return true
}

// Members lists local members of a channel, sorted mud then user.
func (s *Store) Members(channel string) []Member {
	s.chanMu.RLock()
	set := s.members[strings.ToLower(channel)]
	out := make([]Member, 0, len(set))
	for key, listenOnly := range set {
		out = append(out, Member{Mud: key.mud, User: key.user, ListenOnly: listenOnly})
	}
	s.chanMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Mud != out[j].Mud {
			return out[i].Mud < out[j].Mud
		}
		return out[i].User < out[j].User
	})
	return out
}

// Listening reports a local membership's listen-only mode, if present.
func (s *Store) Listening(channel, mud, user string) (listenOnly, ok bool) {
	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	set, ok := s.members[strings.ToLower(channel)]
	if !ok {
		return false, false
	}
	listenOnly, ok = set[memberKey{mud: strings.ToLower(mud), user: strings.ToLower(user)}]
	return listenOnly, ok
}

// Tuned reports whether any local member listens to the channel.
func (s *Store) Tuned(channel string) bool {
	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	return len(s.members[strings.ToLower(channel)]) > 0
}

// TunedChannels lists channels with at least one local member, for
// re-subscription after a reconnect.
func (s *Store) TunedChannels() []string {
	s.chanMu.RLock()
	out := make([]string, 0, len(s.members))
	for name := range s.members {
		out = append(out, name)
	}
	s.chanMu.RUnlock()

	sort.Strings(out)
	return out
}
