package client

// Event types the gateway pushes. Pass these to Subscribe to narrow
// what a session receives; an unfiltered session gets everything it is
// entitled to. Targeted channel traffic arrives as a channel_message
// with a target field in the payload.
const (
	EventTellReceived     = "tell_received"
	EventEmotetoReceived  = "emoteto_received"
	EventChannelMessage   = "channel_message"
	EventChannelEmote     = "channel_emote"
	EventChannelJoined    = "channel_joined"
	EventChannelLeft      = "channel_left"
	EventMudOnline        = "mud_online"
	EventMudOffline       = "mud_offline"
	EventGatewayReconnect = "gateway_reconnected"
	EventErrorOccurred    = "error_occurred"
	EventRateLimitWarning = "rate_limit_warning"
	EventShutdownComplete = "shutdown_complete"
)

// TellArgs addresses a direct message to one user on another mud.
type TellArgs struct {
	TargetMud  string `json:"target_mud"`
	TargetUser string `json:"target_user"`
	Message    string `json:"message"`
	FromUser   string `json:"from_user"`
	Visname    string `json:"visname,omitempty"`
}

// EmotetoArgs addresses a remote emote, shaped like a tell.
type EmotetoArgs struct {
	TargetMud  string `json:"target_mud"`
	TargetUser string `json:"target_user"`
	Emote      string `json:"emote"`
	FromUser   string `json:"from_user"`
	Visname    string `json:"visname,omitempty"`
}

// ChannelSendArgs carries a channel message or emote.
type ChannelSendArgs struct {
	Channel  string `json:"channel"`
	Message  string `json:"message"`
	FromUser string `json:"from_user"`
	Visname  string `json:"visname,omitempty"`
}

// ChannelTargetedArgs is a channel message aimed at one user.
type ChannelTargetedArgs struct {
	Channel    string `json:"channel"`
	TargetMud  string `json:"target_mud"`
	TargetUser string `json:"target_user"`
	Message    string `json:"message"`
	FromUser   string `json:"from_user"`
	Visname    string `json:"visname,omitempty"`
}

// Status is the gateway's self-report.
type Status struct {
	MudName       string      `json:"mud_name"`
	Version       string      `json:"version"`
	UptimeSeconds int         `json:"uptime_seconds"`
	Ready         bool        `json:"ready"`
	Router        RouterStats `json:"router"`
	Sessions      int         `json:"sessions"`
}

// RouterStats describes the upstream router link.
type RouterStats struct {
	State         string `json:"state"`
	Router        string `json:"router"`
	Address       string `json:"address"`
	ConnectedAt   string `json:"connected_at"`
	QueueDepth    int    `json:"queue_depth"`
	Registrations int    `json:"registrations"`
}

// Mud is one mudlist entry.
type Mud struct {
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

// MudlistResult is the mudlist method's answer.
type MudlistResult struct {
	Muds      []Mud `json:"muds"`
	MudlistID int   `json:"mudlist_id"`
	Count     int   `json:"count"`
}

// Channel is one chanlist entry.
type Channel struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
	Type  string `json:"type"`
}

// ChannelListResult is the channel_list method's answer.
type ChannelListResult struct {
	Channels   []Channel `json:"channels"`
	ChanlistID int       `json:"chanlist_id"`
	Count      int       `json:"count"`
}

// WhoUser is one entry in a remote who listing.
type WhoUser struct {
	Name  string `json:"name"`
	Idle  int    `json:"idle"`
	Extra string `json:"extra,omitempty"`
}

// Finger is a remote user profile.
type Finger struct {
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

// LocateHit is one mud's answer to a locate broadcast.
type LocateHit struct {
	Mud    string `json:"mud"`
	Idle   int    `json:"idle"`
	Status string `json:"status"`
}

// HistoryEntry is one archived channel message.
type HistoryEntry struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind"` // m, e, or t
	Mud     string `json:"mud"`
	User    string `json:"user"`
	Visname string `json:"visname"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
	At      string `json:"at"`
}
