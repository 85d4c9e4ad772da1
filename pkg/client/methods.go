package client

import "context"

// Tell sends a direct message to a user on another mud.
func (c *Client) Tell(ctx context.Context, a TellArgs) error {
	return c.Call(ctx, "tell", a, nil)
}

// Emoteto sends a remote emote.
func (c *Client) Emoteto(ctx context.Context, a EmotetoArgs) error {
	return c.Call(ctx, "emoteto", a, nil)
}

// ChannelSend posts a message to a channel.
func (c *Client) ChannelSend(ctx context.Context, a ChannelSendArgs) error {
	return c.Call(ctx, "channel_send", a, nil)
}

// ChannelEmote posts an emote to a channel.
func (c *Client) ChannelEmote(ctx context.Context, a ChannelSendArgs) error {
	return c.Call(ctx, "channel_emote", a, nil)
}

// ChannelTargeted posts a channel message aimed at one user.
func (c *Client) ChannelTargeted(ctx context.Context, a ChannelTargetedArgs) error {
	return c.Call(ctx, "channel_targeted", a, nil)
}

// ChannelJoin tunes the mud into a channel. The session also starts
// receiving that channel's traffic.
func (c *Client) ChannelJoin(ctx context.Context, channel string, listenOnly bool) error {
	params := map[string]interface{}{"channel": channel}
	if listenOnly {
		params["listen_only"] = true
	}
	return c.Call(ctx, "channel_join", params, nil)
}

// ChannelLeave tunes the mud out of a channel.
func (c *Client) ChannelLeave(ctx context.Context, channel string) error {
	return c.Call(ctx, "channel_leave", map[string]string{"channel": channel}, nil)
}

// ChannelList returns the known channels. Refresh asks the router for a
// fresh chanlist first.
func (c *Client) ChannelList(ctx context.Context, refresh bool) (*ChannelListResult, error) {
	var res ChannelListResult
	params := map[string]interface{}{}
	if refresh {
		params["refresh"] = true
	}
	if err := c.Call(ctx, "channel_list", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ChannelWho lists who is tuned into a channel. targetMud may be empty
// for the channel host's view.
func (c *Client) ChannelWho(ctx context.Context, channel, targetMud string) ([]string, error) {
	params := map[string]string{"channel": channel}
	if targetMud != "" {
		params["target_mud"] = targetMud
	}
	var res struct {
		Users []string `json:"users"`
	}
	if err := c.Call(ctx, "channel_who", params, &res); err != nil {
		return nil, err
	}
	return res.Users, nil
}

// ChannelHistory returns the most recent archived messages on a
// channel, newest last. limit <= 0 means the gateway's default.
func (c *Client) ChannelHistory(ctx context.Context, channel string, limit int) ([]HistoryEntry, error) {
	params := map[string]interface{}{"channel": channel}
	if limit > 0 {
		params["limit"] = limit
	}
	var res struct {
		Entries []HistoryEntry `json:"entries"`
	}
	if err := c.Call(ctx, "channel_history", params, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// Who lists users on a remote mud.
func (c *Client) Who(ctx context.Context, targetMud string) ([]WhoUser, error) {
	var res struct {
		Users []WhoUser `json:"users"`
	}
	err := c.Call(ctx, "who", map[string]string{"target_mud": targetMud}, &res)
	if err != nil {
		return nil, err
	}
	return res.Users, nil
}

// Finger fetches a user profile from a remote mud.
func (c *Client) Finger(ctx context.Context, targetMud, targetUser string) (*Finger, error) {
	var res Finger
	err := c.Call(ctx, "finger",
		map[string]string{"target_mud": targetMud, "target_user": targetUser}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Locate searches the network for a user. The gateway collects replies
// for its locate window before answering, so this call takes a few
// seconds by design.
func (c *Client) Locate(ctx context.Context, targetUser string) ([]LocateHit, error) {
	var res struct {
		Locations []LocateHit `json:"locations"`
	}
	err := c.Call(ctx, "locate", map[string]string{"target_user": targetUser}, &res)
	if err != nil {
		return nil, err
	}
	return res.Locations, nil
}

// Mudlist returns the known muds. Filter narrows by substring match on
// the name; refresh asks the router for a fresh list first.
func (c *Client) Mudlist(ctx context.Context, refresh bool, filter string) (*MudlistResult, error) {
	params := map[string]interface{}{}
	if refresh {
		params["refresh"] = true
	}
	if filter != "" {
		params["filter"] = filter
	}
	var res MudlistResult
	if err := c.Call(ctx, "mudlist", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Subscribe narrows the session's event feed to the named channels and
// event types. Empty slices leave that dimension unfiltered.
func (c *Client) Subscribe(ctx context.Context, channels, eventTypes []string) error {
	params := map[string]interface{}{}
	if len(channels) > 0 {
		params["channels"] = channels
	}
	if len(eventTypes) > 0 {
		params["events"] = eventTypes
	}
	return c.Call(ctx, "subscribe", params, nil)
}

// Unsubscribe removes channel filters; clearEvents also resets the
// event-type filter.
func (c *Client) Unsubscribe(ctx context.Context, channels []string, clearEvents bool) error {
	params := map[string]interface{}{}
	if len(channels) > 0 {
		params["channels"] = channels
	}
	if clearEvents {
		params["clear_events"] = true
	}
	return c.Call(ctx, "unsubscribe", params, nil)
}

// Status reports the gateway's identity, router link, and load.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var res Status
	if err := c.Call(ctx, "status", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping checks liveness end to end.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, "ping", nil, nil)
}

// Reconnect asks the gateway to drop and re-establish its router link.
// The key must carry the reconnect permission.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.Call(ctx, "reconnect", nil, nil)
}

// Shutdown asks the gateway to stop gracefully. The key must carry the
// shutdown permission; the connection dies shortly after the response.
func (c *Client) Shutdown(ctx context.Context, reason string) error {
	params := map[string]string{}
	if reason != "" {
		params["reason"] = reason
	}
	return c.Call(ctx, "shutdown", params, nil)
}

// CloseSession ends the session server-side instead of leaving it
// detached for later resumption.
func (c *Client) CloseSession(ctx context.Context) error {
	return c.Call(ctx, "close", nil, nil)
}
