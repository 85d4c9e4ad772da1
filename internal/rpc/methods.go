package rpc

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/luminarimud/i3-gateway/internal/auth"
	"github.com/luminarimud/i3-gateway/internal/lpc"
	"github.com/luminarimud/i3-gateway/internal/packet"
	"github.com/luminarimud/i3-gateway/internal/services"
	"github.com/luminarimud/i3-gateway/internal/session"
	"github.com/luminarimud/i3-gateway/internal/state"
)

func (h *Handler) methodTable() map[string]methodFunc {
	return map[string]methodFunc{
		"authenticate": h.authenticate,
		"resume":       h.resume,
		"subscribe":    h.subscribe,
		"unsubscribe":  h.unsubscribe,
		"close":        h.closeSession,

		"tell":    h.tell,
		"emoteto": h.emoteto,

		"channel_send":     h.channelSend,
		"channel_emote":    h.channelEmote,
		"channel_targeted": h.channelTargeted,
		"channel_join":     h.channelJoin,
		"channel_leave":    h.channelLeave,
		"channel_list":     h.channelList,
		"channel_who":      h.channelWho,
		"channel_history":  h.channelHistory,

		"who":     h.who,
		"finger":  h.finger,
		"locate":  h.locate,
		"mudlist": h.mudlist,

		"ping":      h.ping,
		"status":    h.status,
		"stats":     h.stats,
		"reconnect": h.reconnect,
		"shutdown":  h.shutdown,
	}
}

// ============================================================
// SESSION METHODS
// ============================================================

// bindSession creates a session for the identity and attaches it to the
// connection, returning the backlog count delivered on attach.
func (h *Handler) bindSession(ctx context.Context, c *Client, ident *auth.Identity) (*session.Session, int) {
	sess := h.cfg.Sessions.Create(ctx, ident)
	delivered := sess.Attach(c.transport, c.sendEvent)
	c.setSession(sess)
	return sess, delivered
}

func authResult(sess *session.Session) map[string]interface{} {
	return map[string]interface{}{
		"status":      "authenticated",
		"session_id":  sess.ID,
		"mud_name":    sess.MudName,
		"permissions": sess.Permissions.List(),
	}
}

func (h *Handler) authenticate(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var p struct {
		APIKey string `json:"api_key"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.APIKey == "" {
		return nil, invalidParams("api_key is required")
	}
	ident, err := h.cfg.Auth.Verify(p.APIKey, c.RemoteAddr())
	if err != nil {
		return nil, h.mapError(err)
	}

	// Re-authenticating with the same key keeps the session.
	if prev := c.Session(); prev != nil {
		if prev.KeyID == ident.KeyID {
			return authResult(prev), nil
		}
		h.cfg.Sessions.Detach(prev.ID)
	}

	sess, _ := h.bindSession(ctx, c, ident)
	return authResult(sess), nil
}

func (h *Handler) resume(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, invalidParams("session_id is required")
	}
	sess, err := h.cfg.Sessions.Resume(ctx, p.SessionID)
	if err != nil {
		return nil, h.mapError(err)
	}
	if prev := c.Session(); prev != nil && prev.ID != sess.ID {
		h.cfg.Sessions.Detach(prev.ID)
	}
	delivered := sess.Attach(c.transport, c.sendEvent)
	c.setSession(sess)
	return map[string]interface{}{"status": "resumed", "queued_events": delivered}, nil
}

// subscribe adds channel subscriptions and, when events is present,
// replaces the session's event-type filter. It does not touch I3
// membership; that is channel_join's job.
func (h *Handler) subscribe(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var p struct {
		Channels []string `json:"channels,omitempty"`
		Events   []string `json:"events,omitempty"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	sess := c.Session()
	for _, ch := range p.Channels {
		sess.SubscribeChannel(ch)
	}
	if p.Events != nil {
		sess.SetEventFilter(p.Events)
	}
	chans := sess.Channels()
	sort.Strings(chans)
	return map[string]interface{}{"channels": chans, "events": p.Events}, nil
}

func (h *Handler) unsubscribe(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var p struct {
		Channels    []string `json:"channels,omitempty"`
		ClearEvents bool     `json:"clear_events,omitempty"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	sess := c.Session()
	for _, ch := range p.Channels {
		sess.UnsubscribeChannel(ch)
	}
	if p.ClearEvents {
		sess.SetEventFilter(nil)
	}
	chans := sess.Channels()
	sort.Strings(chans)
	return map[string]interface{}{"channels": chans}, nil
}

func (h *Handler) closeSession(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	sess := c.Session()
	c.setSession(nil)
	h.cfg.Sessions.Close(ctx, sess.ID, "client request")
	return map[string]interface{}{"status": "closed"}, nil
}

// ============================================================
// MESSAGING METHODS
// ============================================================

func (h *Handler) tell(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.TellArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	if err := h.cfg.Services.Tell(ctx, a); err != nil {
		return nil, h.mapError(err)
	}
	return sentResult(), nil
}

func (h *Handler) emoteto(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.EmotetoArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	if err := h.cfg.Services.Emoteto(ctx, a); err != nil {
		return nil, h.mapError(err)
	}
	return sentResult(), nil
}

func (h *Handler) channelSend(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.ChannelSendArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	if err := h.cfg.Services.ChannelSend(ctx, a); err != nil {
		return nil, h.mapError(err)
	}
	return sentResult(), nil
}

func (h *Handler) channelEmote(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.ChannelSendArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	if err := h.cfg.Services.ChannelEmote(ctx, a); err != nil {
		return nil, h.mapError(err)
	}
	return sentResult(), nil
}

func (h *Handler) channelTargeted(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.ChannelTargetedArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	if err := h.cfg.Services.ChannelTargeted(ctx, a); err != nil {
		return nil, h.mapError(err)
	}
	return sentResult(), nil
}

func sentResult() map[string]interface{} {
	return map[string]interface{}{"status": "sent"}
}

// ============================================================
// CHANNEL MEMBERSHIP AND QUERIES
// ============================================================

func (h *Handler) channelJoin(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.ChannelJoinArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	if a.Channel == "" {
		return nil, invalidParams("channel is required")
	}
	if err := h.cfg.Services.ChannelJoin(ctx, a); err != nil {
		return nil, h.mapError(err)
	}
	// The joining session hears the channel from now on.
	c.Session().SubscribeChannel(a.Channel)
	return map[string]interface{}{"status": "joined", "channel": a.Channel}, nil
}

func (h *Handler) channelLeave(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.ChannelLeaveArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	if a.Channel == "" {
		return nil, invalidParams("channel is required")
	}
	if err := h.cfg.Services.ChannelLeave(ctx, a); err != nil {
		return nil, h.mapError(err)
	}
	c.Session().UnsubscribeChannel(a.Channel)
	return map[string]interface{}{"status": "left", "channel": a.Channel}, nil
}

func (h *Handler) channelList(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var p struct {
		Refresh bool `json:"refresh,omitempty"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	channels, listID, err := h.cfg.Services.ChannelList(ctx, p.Refresh)
	if err != nil {
		return nil, h.mapError(err)
	}
	out := make([]channelDTO, 0, len(channels))
	for _, ch := range channels {
		out = append(out, toChannelDTO(ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return map[string]interface{}{
		"channels":    out,
		"chanlist_id": listID,
		"count":       len(out),
	}, nil
}

func (h *Handler) channelWho(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.ChannelWhoArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	if a.Channel == "" {
		return nil, invalidParams("channel is required")
	}
	users, err := h.cfg.Services.ChannelWho(ctx, a)
	if err != nil {
		return nil, h.mapError(err)
	}
	return map[string]interface{}{
		"channel": a.Channel,
		"users":   users,
		"count":   len(users),
	}, nil
}

func (h *Handler) channelHistory(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var p struct {
		Channel string `json:"channel"`
		Limit   int    `json:"limit,omitempty"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Channel == "" {
		return nil, invalidParams("channel is required")
	}
	if p.Limit < 0 {
		return nil, invalidParams("limit must not be negative")
	}
	entries := h.cfg.Services.ChannelHistory(ctx, p.Channel, p.Limit)
	return map[string]interface{}{
		"channel": p.Channel,
		"entries": entries,
		"count":   len(entries),
	}, nil
}

// ============================================================
// INFORMATION METHODS
// ============================================================

func (h *Handler) who(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.WhoArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	users, err := h.cfg.Services.Who(ctx, a)
	if err != nil {
		return nil, h.mapError(err)
	}
	out := make([]whoUserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, whoUserDTO{Name: u.Name, Idle: u.Idle, Extra: u.Extra})
	}
	return map[string]interface{}{
		"mud":   a.TargetMud,
		"users": out,
		"count": len(out),
	}, nil
}

func (h *Handler) finger(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.FingerArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	reply, err := h.cfg.Services.Finger(ctx, a)
	if err != nil {
		return nil, h.mapError(err)
	}
	return toFingerDTO(reply), nil
}

func (h *Handler) locate(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.LocateArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	hits, err := h.cfg.Services.Locate(ctx, a)
	if err != nil {
		return nil, h.mapError(err)
	}
	return map[string]interface{}{
		"user":      a.TargetUser,
		"locations": hits,
		"count":     len(hits),
	}, nil
}

func (h *Handler) mudlist(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var a services.MudlistArgs
	if err := unmarshalParams(raw, &a); err != nil {
		return nil, err
	}
	muds, listID, err := h.cfg.Services.Mudlist(ctx, a)
	if err != nil {
		return nil, h.mapError(err)
	}
	out := make([]mudDTO, 0, len(muds))
	for _, m := range muds {
		out = append(out, toMudDTO(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return map[string]interface{}{
		"muds":       out,
		"mudlist_id": listID,
		"count":      len(out),
	}, nil
}

// ============================================================
// CONTROL METHODS
// ============================================================

func (h *Handler) ping(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	return map[string]interface{}{
		"status": "pong",
		"time":   time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (h *Handler) status(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	return map[string]interface{}{
		"mud_name":       h.cfg.MudName,
		"version":        h.cfg.Version,
		"uptime_seconds": int(time.Since(h.cfg.StartedAt).Seconds()),
		"ready":          h.cfg.Link.Connected(),
		"router":         h.cfg.Link.Stats(),
		"sessions":       h.cfg.Sessions.Count(),
	}, nil
}

func (h *Handler) stats(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	sess := c.Session()
	return map[string]interface{}{
		"session": sess.Stats(),
		"gateway": map[string]interface{}{
			"sessions":         h.cfg.Sessions.Count(),
			"pending_requests": h.cfg.Services.Pending(),
			"uptime_seconds":   int(time.Since(h.cfg.StartedAt).Seconds()),
		},
	}, nil
}

func (h *Handler) reconnect(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	h.cfg.Link.Reconnect()
	return map[string]interface{}{"status": "reconnecting"}, nil
}

func (h *Handler) shutdown(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, *Error) {
	var p struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if h.cfg.Shutdown == nil {
		return nil, &Error{Code: CodeGatewayError, Message: "shutdown not available"}
	}
	reason := p.Reason
	if reason == "" {
		reason = "api request"
	}
	sess := c.Session()
	h.log.Printf("shutdown requested by session %s (%s): %s", sess.ID, sess.MudName, reason)
	// Asynchronous so the response reaches the caller before draining
	// tears the connection down.
	go h.cfg.Shutdown(reason)
	return map[string]interface{}{"status": "shutting_down"}, nil
}

// ============================================================
// WIRE-TO-JSON VIEWS
// ============================================================

// The packet structs carry no json tags; these views fix the casing the
// API promises.

type whoUserDTO struct {
	Name  string `json:"name"`
	Idle  int    `json:"idle"`
	Extra string `json:"extra,omitempty"`
}

type fingerDTO struct {
	Visname      string `json:"visname"`
	Title        string `json:"title,omitempty"`
	RealName     string `json:"real_name,omitempty"`
	Email        string `json:"email,omitempty"`
	LoginoutTime int    `json:"loginout_time,omitempty"`
	IdleTime     int    `json:"idle_time,omitempty"`
	IPName       string `json:"ip_name,omitempty"`
	Level        string `json:"level,omitempty"`
	Extra        string `json:"extra,omitempty"`
}

func toFingerDTO(r *packet.FingerReply) fingerDTO {
	return fingerDTO{
		Visname:      r.Visname,
		Title:        r.Title,
		RealName:     r.RealName,
		Email:        r.Email,
		LoginoutTime: r.LoginoutTime,
		IdleTime:     r.IdleTime,
		IPName:       r.IPName,
		Level:        r.Level,
		Extra:        r.Extra,
	}
}

type channelDTO struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
	Type  string `json:"type"`
}

func toChannelDTO(ch *state.Channel) channelDTO {
	kind := "public"
	if ch.Type != 0 {
		kind = "private"
	}
	return channelDTO{Name: ch.Name, Owner: ch.Owner, Type: kind}
}

type mudDTO struct {
	Name       string   `json:"name"`
	State      string   `json:"state"`
	Address    string   `json:"address,omitempty"`
	PlayerPort int      `json:"player_port,omitempty"`
	Mudlib     string   `json:"mudlib,omitempty"`
	BaseMudlib string   `json:"base_mudlib,omitempty"`
	Driver     string   `json:"driver,omitempty"`
	MudType    string   `json:"mud_type,omitempty"`
	OpenStatus string   `json:"open_status,omitempty"`
	AdminEmail string   `json:"admin_email,omitempty"`
	Services   []string `json:"services,omitempty"`
}

func toMudDTO(m *state.Mud) mudDTO {
	return mudDTO{
		Name:       m.Name,
		State:      mudStateString(m.State),
		Address:    m.Address,
		PlayerPort: m.PlayerPort,
		Mudlib:     m.Mudlib,
		BaseMudlib: m.BaseMudlib,
		Driver:     m.Driver,
		MudType:    m.MudType,
		OpenStatus: m.OpenStatus,
		AdminEmail: m.AdminEmail,
		Services:   serviceNames(m.Services),
	}
}

// mudStateString decodes the mudlist state int: -1 up, positive values
// are reboot countdowns, everything else down.
func mudStateString(s int) string {
	switch {
	case s == packet.StateUp:
		return "up"
	case s > 0:
		return "reboot"
	default:
		return "down"
	}
}

func serviceNames(m lpc.Mapping) []string {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for k := range m {
		if s, ok := k.(string); ok {
			names = append(names, s)
		}
	}
	sort.Strings(names)
	return names
}
