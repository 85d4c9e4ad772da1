// Package services implements the per-packet I3 behaviors: tells and
// emotes, channel traffic, who/finger/locate queries, and the mudlist.
// Outbound operations validate, build packets, and hand them to the
// router link; inbound packets update state and fan out as events.
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/luminarimud/i3-gateway/internal/events"
	"github.com/luminarimud/i3-gateway/internal/history"
	"github.com/luminarimud/i3-gateway/internal/metrics"
	"github.com/luminarimud/i3-gateway/internal/packet"
	"github.com/luminarimud/i3-gateway/internal/state"
)

// Message size limits enforced before a packet is built.
const (
	MaxTellLength    = 2048
	MaxEmoteLength   = 1024
	MaxChannelLength = 2048
)

// Timing defaults.
const (
	DefaultReplyTimeout = 10 * time.Second
	DefaultLocateWindow = 3 * time.Second
)

// Service failures surfaced to API callers. The RPC layer maps these to
// structured JSON-RPC errors.
var (
	ErrInvalidParams  = errors.New("services: invalid parameters")
	ErrMudUnknown     = errors.New("services: mud not in mudlist")
	ErrMudOffline     = errors.New("services: mud is down")
	ErrUserUnknown    = errors.New("services: unknown user")
	ErrChannelUnknown = errors.New("services: unknown channel")
	ErrTimeout        = errors.New("services: request timed out")
	ErrRouterDown     = errors.New("services: router link unavailable")
)

// RemoteError carries an I3 error packet code that has no local mapping.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("router error %s: %s", e.Code, e.Message)
}

// Sender is the outbound half of the router link. Send enqueues one
// packet; Refresh re-registers with zeroed list ids so the router
// pushes full mudlist and chanlist again.
type Sender interface {
	Send(ctx context.Context, p packet.Packet) error
	Refresh(ctx context.Context) error
}

// Config wires the service layer. MudName and Store are required; the
// rest may be nil for reduced deployments and tests.
type Config struct {
	MudName string
	Store   *state.Store
	Bus     *events.Bus
	Metrics *metrics.Metrics
	History *history.Log

	ReplyTimeout time.Duration
	LocateWindow time.Duration

	// OnListIDs observes mudlist/chanlist id changes for persistence.
	OnListIDs func(mudlistID, chanlistID int)
}

// Services is the translation layer between the JSON-RPC API and the
// I3 packet flow.
type Services struct {
	mudName      string
	store        *state.Store
	bus          *events.Bus
	metrics      *metrics.Metrics
	history      *history.Log
	replyTimeout time.Duration
	locateWindow time.Duration
	onListIDs    func(int, int)

	mu     sync.RWMutex
	sender Sender

	pending *correlator
	locates *locateCollector

	whoMu    sync.RWMutex
	localWho []packet.WhoUser

	handlers map[string]func(context.Context, packet.Packet)
	logger   *log.Logger
}

// New builds the service layer. Call BindSender before the first
// outbound operation.
func New(cfg Config) *Services {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.LocateWindow <= 0 {
		cfg.LocateWindow = DefaultLocateWindow
	}
	s := &Services{
		mudName:      cfg.MudName,
		store:        cfg.Store,
		bus:          cfg.Bus,
		metrics:      cfg.Metrics,
		history:      cfg.History,
		replyTimeout: cfg.ReplyTimeout,
		locateWindow: cfg.LocateWindow,
		onListIDs:    cfg.OnListIDs,
		pending:      newCorrelator(),
		locates:      newLocateCollector(),
		logger:       log.New(log.Writer(), "[SERVICES] ", log.LstdFlags),
	}
	s.handlers = s.buildRegistry()
	return s
}

// BindSender attaches the router link once it exists.
func (s *Services) BindSender(snd Sender) {
	s.mu.Lock()
	s.sender = snd
	s.mu.Unlock()
}

// SetLocalWho installs the user listing served to inbound who-req
// packets for this gateway's mud.
func (s *Services) SetLocalWho(users []packet.WhoUser) {
	s.whoMu.Lock()
	s.localWho = append([]packet.WhoUser(nil), users...)
	s.whoMu.Unlock()
}

// Pending reports outstanding request/reply waiters, for the stats API.
func (s *Services) Pending() int { return s.pending.pendingCount() }

func (s *Services) send(ctx context.Context, p packet.Packet) error {
	s.mu.RLock()
	snd := s.sender
	s.mu.RUnlock()
	if snd == nil {
		return ErrRouterDown
	}
	return snd.Send(ctx, p)
}

func (s *Services) refresh(ctx context.Context) error {
	s.mu.RLock()
	snd := s.sender
	s.mu.RUnlock()
	if snd == nil {
		return ErrRouterDown
	}
	return snd.Refresh(ctx)
}

// header fills the six static slots. Target names are lowercased on the
// wire; empty strings encode as nulls.
func (s *Services) header(ptype, targetMud, targetUser string) packet.Header {
	return packet.Header{
		Type:       ptype,
		TTL:        packet.DefaultTTL,
		OriginMud:  s.mudName,
		TargetMud:  lower(targetMud),
		TargetUser: lower(targetUser),
	}
}

// checkMud requires the target to be present and up in the mudlist.
func (s *Services) checkMud(name string) error {
	mud, ok := s.store.Mud(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMudUnknown, name)
	}
	if !mud.Up() {
		return fmt.Errorf("%w: %s", ErrMudOffline, name)
	}
	return nil
}

func (s *Services) emit(ev *events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// await blocks for a correlated reply, a timeout, or cancellation.
func (s *Services) await(ctx context.Context, kind, mud string) (packet.Packet, error) {
	w := s.pending.add(kind, mud)
	defer s.pending.remove(kind, mud, w)

	timer := time.NewTimer(s.replyTimeout)
	defer timer.Stop()

	select {
	case p := <-w.ch:
		if ep, ok := p.(*packet.ErrorPacket); ok {
			return nil, remoteToErr(ep)
		}
		return p, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no %s reply from %s", ErrTimeout, kind, mud)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// remoteToErr maps well-known I3 error codes to local sentinels.
func remoteToErr(ep *packet.ErrorPacket) error {
	switch ep.Code {
	case packet.ErrCodeUnkDst:
		return fmt.Errorf("%w: %s", ErrMudUnknown, ep.Message)
	case packet.ErrCodeUnkUser:
		return fmt.Errorf("%w: %s", ErrUserUnknown, ep.Message)
	default:
		return &RemoteError{Code: ep.Code, Message: ep.Message}
	}
}

func lower(s string) string { return strings.ToLower(s) }

// visible picks the display name: explicit visname, else the sender's
// original capitalization.
func visible(visname, from string) string {
	if visname != "" {
		return visname
	}
	return from
}

// ============================================================================
// TELL / EMOTETO
// ============================================================================

// TellArgs are the tell API parameters.
type TellArgs struct {
	TargetMud  string `json:"target_mud"`
	TargetUser string `json:"target_user"`
	Message    string `json:"message"`
	FromUser   string `json:"from_user"`
	Visname    string `json:"visname,omitempty"`
}

// Tell sends a direct message to a user on another mud.
func (s *Services) Tell(ctx context.Context, a TellArgs) error {
	if a.TargetMud == "" || a.TargetUser == "" || a.FromUser == "" {
		return fmt.Errorf("%w: target_mud, target_user, and from_user are required", ErrInvalidParams)
	}
	if a.Message == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidParams)
	}
	if len(a.Message) > MaxTellLength {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidParams, MaxTellLength)
	}
	if err := s.checkMud(a.TargetMud); err != nil {
		return err
	}

	p := &packet.Tell{
		Header:  s.header(packet.TypeTell, a.TargetMud, a.TargetUser),
		Visname: visible(a.Visname, a.FromUser),
		Message: a.Message,
	}
	p.OriginUser = lower(a.FromUser)
	return s.send(ctx, p)
}

// EmotetoArgs are the emoteto API parameters.
type EmotetoArgs struct {
	TargetMud  string `json:"target_mud"`
	TargetUser string `json:"target_user"`
	Emote      string `json:"emote"`
	FromUser   string `json:"from_user"`
	Visname    string `json:"visname,omitempty"`
}

// Emoteto sends a remote emote, shaped like a tell on the wire.
func (s *Services) Emoteto(ctx context.Context, a EmotetoArgs) error {
	if a.TargetMud == "" || a.TargetUser == "" || a.FromUser == "" {
		return fmt.Errorf("%w: target_mud, target_user, and from_user are required", ErrInvalidParams)
	}
	if a.Emote == "" {
		return fmt.Errorf("%w: empty emote", ErrInvalidParams)
	}
	if len(a.Emote) > MaxEmoteLength {
		return fmt.Errorf("%w: emote exceeds %d bytes", ErrInvalidParams, MaxEmoteLength)
	}
	if err := s.checkMud(a.TargetMud); err != nil {
		return err
	}

	p := &packet.Emoteto{
		Header:  s.header(packet.TypeEmoteto, a.TargetMud, a.TargetUser),
		Visname: visible(a.Visname, a.FromUser),
		Message: a.Emote,
	}
	p.OriginUser = lower(a.FromUser)
	return s.send(ctx, p)
}

// ============================================================================
// CHANNELS
// ============================================================================

// ChannelSendArgs are the channel_send and channel_emote parameters.
type ChannelSendArgs struct {
	Channel  string `json:"channel"`
	Message  string `json:"message"`
	FromUser string `json:"from_user"`
	Visname  string `json:"visname,omitempty"`
}

func (s *Services) checkChannelMessage(channel, message, from string) (*state.Channel, error) {
	if channel == "" || from == "" {
		return nil, fmt.Errorf("%w: channel and from_user are required", ErrInvalidParams)
	}
	if message == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidParams)
	}
	if len(message) > MaxChannelLength {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidParams, MaxChannelLength)
	}
	ch, ok := s.store.Channel(channel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelUnknown, channel)
	}
	return ch, nil
}

// ChannelSend broadcasts a message on an I3 channel. The router echoes
// it back to every listening mud, including this one.
func (s *Services) ChannelSend(ctx context.Context, a ChannelSendArgs) error {
	ch, err := s.checkChannelMessage(a.Channel, a.Message, a.FromUser)
	if err != nil {
		return err
	}
	p := &packet.ChannelMessage{
		Header:  s.header(packet.TypeChannelMessage, "", ""),
		Channel: ch.Name,
		Visname: visible(a.Visname, a.FromUser),
		Message: a.Message,
	}
	p.OriginUser = lower(a.FromUser)
	return s.send(ctx, p)
}

// ChannelEmote broadcasts an emote on an I3 channel.
func (s *Services) ChannelEmote(ctx context.Context, a ChannelSendArgs) error {
	ch, err := s.checkChannelMessage(a.Channel, a.Message, a.FromUser)
	if err != nil {
		return err
	}
	p := &packet.ChannelEmote{
		Header:  s.header(packet.TypeChannelEmote, "", ""),
		Channel: ch.Name,
		Visname: visible(a.Visname, a.FromUser),
		Message: a.Message,
	}
	p.OriginUser = lower(a.FromUser)
	return s.send(ctx, p)
}

// ChannelTargetedArgs are the channel_targeted parameters.
type ChannelTargetedArgs struct {
	Channel    string `json:"channel"`
	TargetMud  string `json:"target_mud"`
	TargetUser string `json:"target_user"`
	Message    string `json:"message"`
	FromUser   string `json:"from_user"`
	Visname    string `json:"visname,omitempty"`
}

// ChannelTargeted sends a channel-t message aimed at one user. It still
// rides the channel broadcast; the target fields live in the payload.
func (s *Services) ChannelTargeted(ctx context.Context, a ChannelTargetedArgs) error {
	ch, err := s.checkChannelMessage(a.Channel, a.Message, a.FromUser)
	if err != nil {
		return err
	}
	if a.TargetMud == "" || a.TargetUser == "" {
		return fmt.Errorf("%w: target_mud and target_user are required", ErrInvalidParams)
	}
	if err := s.checkMud(a.TargetMud); err != nil {
		return err
	}
	p := &packet.ChannelTargeted{
		Header:       s.header(packet.TypeChannelTargeted, "", ""),
		Channel:      ch.Name,
		Visname:      visible(a.Visname, a.FromUser),
		Message:      a.Message,
		TargetedUser: lower(a.TargetUser),
	}
	p.OriginUser = lower(a.FromUser)
	return s.send(ctx, p)
}

// ChannelJoinArgs are the channel_join parameters.
type ChannelJoinArgs struct {
	Channel    string `json:"channel"`
	ListenOnly bool   `json:"listen_only,omitempty"`
}

// ChannelJoin tunes this mud into a channel and records membership.
// Rejoining with the same mode is a no-op; a changed listen_only
// re-sends the listen packet.
func (s *Services) ChannelJoin(ctx context.Context, a ChannelJoinArgs) error {
	ch, ok := s.store.Channel(a.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelUnknown, a.Channel)
	}
	if mode, joined := s.store.Listening(ch.Name, s.mudName, ""); joined && mode == a.ListenOnly {
		return nil
	}

	p := &packet.ChannelListen{
		Header:  s.header(packet.TypeChannelListen, "", ""),
		Channel: ch.Name,
		OnOff:   1,
	}
	if err := s.send(ctx, p); err != nil {
		return err
	}

	if s.store.Join(ch.Name, s.mudName, "", a.ListenOnly) {
		ev := events.New(events.ChannelJoined, map[string]interface{}{
			"channel":     ch.Name,
			"mud":         s.mudName,
			"listen_only": a.ListenOnly,
		})
		ev.TargetMud = s.mudName
		s.emit(ev)
	}
	return nil
}

// ChannelLeaveArgs are the channel_leave parameters.
type ChannelLeaveArgs struct {
	Channel string `json:"channel"`
}

// ChannelLeave tunes this mud out of a channel.
func (s *Services) ChannelLeave(ctx context.Context, a ChannelLeaveArgs) error {
	name := lower(a.Channel)
	if ch, ok := s.store.Channel(a.Channel); ok {
		name = ch.Name
	} else if !s.store.Tuned(name) {
		return fmt.Errorf("%w: %s", ErrChannelUnknown, a.Channel)
	}

	p := &packet.ChannelListen{
		Header:  s.header(packet.TypeChannelListen, "", ""),
		Channel: name,
		OnOff:   0,
	}
	if err := s.send(ctx, p); err != nil {
		return err
	}

	if s.store.Leave(name, s.mudName, "") {
		ev := events.New(events.ChannelLeft, map[string]interface{}{
			"channel": name,
			"mud":     s.mudName,
		})
		ev.TargetMud = s.mudName
		s.emit(ev)
	}
	return nil
}

// ChannelList returns the known channels, optionally forcing a router
// re-request first.
func (s *Services) ChannelList(ctx context.Context, refresh bool) ([]*state.Channel, int, error) {
	if refresh {
		if err := s.refresh(ctx); err != nil {
			return nil, 0, err
		}
	}
	return s.store.Channels(), s.store.ChanlistID(), nil
}

// ChannelWhoArgs are the channel_who parameters. TargetMud queries a
// remote mud's listeners; empty returns local membership.
type ChannelWhoArgs struct {
	Channel   string `json:"channel"`
	TargetMud string `json:"target_mud,omitempty"`
}

// ChannelWho lists who is tuned into a channel.
func (s *Services) ChannelWho(ctx context.Context, a ChannelWhoArgs) ([]string, error) {
	ch, ok := s.store.Channel(a.Channel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelUnknown, a.Channel)
	}

	if a.TargetMud == "" {
		members := s.store.Members(ch.Name)
		out := make([]string, 0, len(members))
		for _, m := range members {
			if m.User == "" {
				out = append(out, m.Mud)
				continue
			}
			out = append(out, m.User+"@"+m.Mud)
		}
		return out, nil
	}

	if err := s.checkMud(a.TargetMud); err != nil {
		return nil, err
	}
	p := &packet.ChanWhoReq{
		Header:  s.header(packet.TypeChanWhoReq, a.TargetMud, ""),
		Channel: ch.Name,
	}
	if err := s.send(ctx, p); err != nil {
		return nil, err
	}
	reply, err := s.await(ctx, kindChanWho, lower(a.TargetMud))
	if err != nil {
		return nil, err
	}
	cw, ok := reply.(*packet.ChanWhoReply)
	if !ok {
		return nil, fmt.Errorf("unexpected %s reply to chan-who", reply.Hdr().Type)
	}
	return cw.Users, nil
}

// ChannelHistory returns recent traffic on a channel, oldest first.
func (s *Services) ChannelHistory(ctx context.Context, channel string, limit int) []history.Entry {
	if s.history == nil {
		return nil
	}
	return s.history.Recent(ctx, channel, limit)
}

// ============================================================================
// WHO / FINGER / LOCATE / MUDLIST
// ============================================================================

// WhoFilters narrow a who listing client-side.
type WhoFilters struct {
	NameContains string `json:"name_contains,omitempty"`
	MaxIdle      *int   `json:"max_idle,omitempty"`
}

// WhoArgs are the who API parameters.
type WhoArgs struct {
	TargetMud string      `json:"target_mud"`
	Filters   *WhoFilters `json:"filters,omitempty"`
}

// Who lists users on a remote mud, served from cache within its TTL.
func (s *Services) Who(ctx context.Context, a WhoArgs) ([]packet.WhoUser, error) {
	if a.TargetMud == "" {
		return nil, fmt.Errorf("%w: target_mud is required", ErrInvalidParams)
	}
	key := lower(a.TargetMud)
	if users, ok := s.store.WhoCache.Get(key); ok {
		return filterWho(users, a.Filters), nil
	}
	if err := s.checkMud(a.TargetMud); err != nil {
		return nil, err
	}

	if err := s.send(ctx, &packet.WhoReq{Header: s.header(packet.TypeWhoReq, a.TargetMud, "")}); err != nil {
		return nil, err
	}
	reply, err := s.await(ctx, kindWho, key)
	if err != nil {
		return nil, err
	}
	wr, ok := reply.(*packet.WhoReply)
	if !ok {
		return nil, fmt.Errorf("unexpected %s reply to who", reply.Hdr().Type)
	}
	return filterWho(wr.Users, a.Filters), nil
}

func filterWho(users []packet.WhoUser, f *WhoFilters) []packet.WhoUser {
	out := make([]packet.WhoUser, 0, len(users))
	if f == nil {
		return append(out, users...)
	}
	name := lower(f.NameContains)
	for _, u := range users {
		if name != "" && !strings.Contains(lower(u.Name), name) {
			continue
		}
		if f.MaxIdle != nil && u.Idle > *f.MaxIdle {
			continue
		}
		out = append(out, u)
	}
	return out
}

// FingerArgs are the finger API parameters.
type FingerArgs struct {
	TargetMud  string `json:"target_mud"`
	TargetUser string `json:"target_user"`
}

// Finger fetches a user profile from a remote mud, cached for 5 minutes.
func (s *Services) Finger(ctx context.Context, a FingerArgs) (*packet.FingerReply, error) {
	if a.TargetMud == "" || a.TargetUser == "" {
		return nil, fmt.Errorf("%w: target_mud and target_user are required", ErrInvalidParams)
	}
	key := lower(a.TargetMud) + "/" + lower(a.TargetUser)
	if reply, ok := s.store.FingerCache.Get(key); ok {
		return reply, nil
	}
	if err := s.checkMud(a.TargetMud); err != nil {
		return nil, err
	}

	p := &packet.FingerReq{
		Header:   s.header(packet.TypeFingerReq, a.TargetMud, a.TargetUser),
		Username: lower(a.TargetUser),
	}
	if err := s.send(ctx, p); err != nil {
		return nil, err
	}
	reply, err := s.await(ctx, kindFinger, lower(a.TargetMud))
	if err != nil {
		return nil, err
	}
	fr, ok := reply.(*packet.FingerReply)
	if !ok {
		return nil, fmt.Errorf("unexpected %s reply to finger", reply.Hdr().Type)
	}
	s.store.FingerCache.Set(key, fr)
	return fr, nil
}

// LocateArgs are the locate API parameters.
type LocateArgs struct {
	TargetUser string `json:"target_user"`
}

// Locate broadcasts a locate-req and aggregates replies for the
// collection window. Concurrent locates for the same user share one
// window; replies after it closes are dropped as unsolicited.
func (s *Services) Locate(ctx context.Context, a LocateArgs) ([]state.LocateHit, error) {
	user := lower(a.TargetUser)
	if user == "" {
		return nil, fmt.Errorf("%w: target_user is required", ErrInvalidParams)
	}
	if hits, ok := s.store.LocateCache.Get(user); ok {
		return hits, nil
	}

	job, started := s.locates.start(user)
	if started {
		req := &packet.LocateReq{
			Header:   s.header(packet.TypeLocateReq, "", user),
			Username: user,
		}
		req.OriginUser = user // replies echo it back in target_user
		if err := s.send(ctx, req); err != nil {
			s.locates.finish(user)
			close(job.done)
			return nil, err
		}
		time.AfterFunc(s.locateWindow, func() {
			s.locates.finish(user)
			close(job.done)
			s.store.LocateCache.Set(user, job.snapshot())
		})
	}

	select {
	case <-job.done:
		return job.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MudlistArgs are the mudlist API parameters.
type MudlistArgs struct {
	Refresh bool   `json:"refresh,omitempty"`
	Filter  string `json:"filter,omitempty"`
}

// Mudlist returns the known muds and the current mudlist id. Refresh
// triggers a router re-request; the updated list arrives asynchronously.
func (s *Services) Mudlist(ctx context.Context, a MudlistArgs) ([]*state.Mud, int, error) {
	if a.Refresh {
		if err := s.refresh(ctx); err != nil {
			return nil, 0, err
		}
	}
	return s.store.Muds(a.Filter), s.store.MudlistID(), nil
}
