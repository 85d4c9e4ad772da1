package packet

import (
	"fmt"
	"strconv"

	"github.com/luminarimud/i3-gateway/internal/lpc"
)

// parsers maps a wire type string to its payload parser. Registered once at
// init; read-only afterwards.
var parsers = map[string]func(lpc.Array, Header) (Packet, error){
	TypeTell:            parseTell,
	TypeEmoteto:         parseEmoteto,
	TypeChannelMessage:  parseChannelMessage,
	TypeChannelEmote:    parseChannelEmote,
	TypeChannelTargeted: parseChannelTargeted,
	TypeWhoReq:          parseWhoReq,
	TypeWhoReply:        parseWhoReply,
	TypeFingerReq:       parseFingerReq,
	TypeFingerReply:     parseFingerReply,
	TypeLocateReq:       parseLocateReq,
	TypeLocateReply:     parseLocateReply,
	TypeChannelAdd:      parseChannelAdd,
	TypeChannelRemove:   parseChannelRemove,
	TypeChannelListen:   parseChannelListen,
	TypeChanWhoReq:      parseChanWhoReq,
	TypeChanWhoReply:    parseChanWhoReply,
	TypeChanlistReply:   parseChanlistReply,
	TypeMudlist:         parseMudlist,
	TypeStartupReq3:     parseStartupReq3,
	TypeStartupReply:    parseStartupReply,
	TypeShutdown:        parseShutdown,
	TypeError:           parseError,
}

// ============================================================================
// TELL / EMOTETO (8 fields)
// ============================================================================

// Tell is a direct user-to-user message. Visname keeps the sender's
// capitalization; the target user is lowercased before send.
type Tell struct {
	Header
	Visname string
	Message string
}

func (p *Tell) payload() lpc.Array {
	return lpc.Array{visnameOr(p.Visname, p.OriginUser), p.Message}
}

func parseTell(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(8) {
		return nil, f.err
	}
	p := &Tell{Header: h, Visname: f.stringAt(6), Message: f.stringAt(7)}
	return p, f.err
}

// Emoteto is a direct user-to-user emote, shaped exactly like Tell.
type Emoteto struct {
	Header
	Visname string
	Message string
}

func (p *Emoteto) payload() lpc.Array {
	return lpc.Array{visnameOr(p.Visname, p.OriginUser), p.Message}
}

func parseEmoteto(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(8) {
		return nil, f.err
	}
	p := &Emoteto{Header: h, Visname: f.stringAt(6), Message: f.stringAt(7)}
	return p, f.err
}

// visnameOr keeps the visname slot non-empty on the wire.
func visnameOr(vis, origin string) string {
	if vis == "" {
		return origin
	}
	return vis
}

// ============================================================================
// CHANNEL TRAFFIC (9 or 10 fields)
// ============================================================================

// ChannelMessage is a channel-m broadcast. Header target slots are wire
// nulls; the router fans out to listening muds.
type ChannelMessage struct {
	Header
	Channel string
	Visname string
	Message string
}

func (p *ChannelMessage) payload() lpc.Array {
	return lpc.Array{p.Channel, visnameOr(p.Visname, p.OriginUser), p.Message}
}

func parseChannelMessage(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(9) {
		return nil, f.err
	}
	p := &ChannelMessage{
		Header:  h,
		Channel: f.stringAt(6),
		Visname: f.stringAt(7),
		Message: f.stringAt(8),
	}
	return p, f.err
}

// ChannelEmote is a channel-e broadcast, shaped like ChannelMessage.
type ChannelEmote struct {
	Header
	Channel string
	Visname string
	Message string
}

func (p *ChannelEmote) payload() lpc.Array {
	return lpc.Array{p.Channel, visnameOr(p.Visname, p.OriginUser), p.Message}
}

func parseChannelEmote(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(9) {
		return nil, f.err
	}
	p := &ChannelEmote{
		Header:  h,
		Channel: f.stringAt(6),
		Visname: f.stringAt(7),
		Message: f.stringAt(8),
	}
	return p, f.err
}

// ChannelTargeted is a channel-t message aimed at one user on the channel.
type ChannelTargeted struct {
	Header
	Channel      string
	Visname      string
	Message      string
	TargetedUser string
}

func (p *ChannelTargeted) payload() lpc.Array {
	return lpc.Array{p.Channel, visnameOr(p.Visname, p.OriginUser), p.Message, p.TargetedUser}
}

func parseChannelTargeted(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(10) {
		return nil, f.err
	}
	p := &ChannelTargeted{
		Header:       h,
		Channel:      f.stringAt(6),
		Visname:      f.stringAt(7),
		Message:      f.stringAt(8),
		TargetedUser: f.stringAt(9),
	}
	return p, f.err
}

// ============================================================================
// WHO (6 / 7 fields)
// ============================================================================

// WhoReq asks the target mud for its online users. Header only.
type WhoReq struct {
	Header
}

func (p *WhoReq) payload() lpc.Array { return nil }

func parseWhoReq(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(6) {
		return nil, f.err
	}
	return &WhoReq{Header: h}, nil
}

// WhoUser is one entry in a who-reply listing.
type WhoUser struct {
	Name  string
	Idle  int
	Extra string
}

// WhoReply answers a WhoReq with triples of (name, idle seconds, extra).
type WhoReply struct {
	Header
	Users []WhoUser
}

func (p *WhoReply) payload() lpc.Array {
	users := make(lpc.Array, 0, len(p.Users))
	for _, u := range p.Users {
		users = append(users, lpc.Array{u.Name, u.Idle, u.Extra})
	}
	return lpc.Array{users}
}

func parseWhoReply(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(7) {
		return nil, f.err
	}
	raw := f.arrayAt(6)
	if f.err != nil {
		return nil, f.err
	}

	p := &WhoReply{Header: h, Users: make([]WhoUser, 0, len(raw))}
	for i, entry := range raw {
		triple, ok := entry.(lpc.Array)
		if !ok || len(triple) != 3 {
			return nil, fmt.Errorf("%w: who entry %d is not a 3-element array", ErrBadPacket, i)
		}
		ef := fields{arr: triple}
		u := WhoUser{Name: ef.stringAt(0), Idle: ef.intAt(1), Extra: ef.optStringAt(2)}
		if ef.err != nil {
			return nil, ef.err
		}
		p.Users = append(p.Users, u)
	}
	return p, nil
}

// ============================================================================
// FINGER (7 / 15 fields)
// ============================================================================

// FingerReq asks the target mud about one user.
type FingerReq struct {
	Header
	Username string
}

func (p *FingerReq) payload() lpc.Array { return lpc.Array{p.Username} }

func parseFingerReq(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(7) {
		return nil, f.err
	}
	p := &FingerReq{Header: h, Username: f.stringAt(6)}
	return p, f.err
}

// FingerReply carries a user profile. Several slots are nullable on the
// wire; they surface as empty strings here.
type FingerReply struct {
	Header
	Visname      string
	Title        string
	RealName     string
	Email        string
	LoginoutTime int
	IdleTime     int
	IPName       string
	Level        string
	Extra        string
}

func (p *FingerReply) payload() lpc.Array {
	return lpc.Array{
		p.Visname, p.Title, nullable(p.RealName), nullable(p.Email),
		p.LoginoutTime, p.IdleTime, nullable(p.IPName), p.Level, nullable(p.Extra),
	}
}

func parseFingerReply(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(15) {
		return nil, f.err
	}
	p := &FingerReply{
		Header:       h,
		Visname:      f.stringAt(6),
		Title:        f.optStringAt(7),
		RealName:     f.optStringAt(8),
		Email:        f.optStringAt(9),
		LoginoutTime: f.intAt(10),
		IdleTime:     f.intAt(11),
		IPName:       f.optStringAt(12),
		Level:        f.optStringAt(13),
		Extra:        f.optStringAt(14),
	}
	return p, f.err
}

// ============================================================================
// LOCATE (7 / 10 fields)
// ============================================================================

// LocateReq is broadcast to every mud to find a user. The username rides
// both in the target_user header slot and in the payload slot.
type LocateReq struct {
	Header
	Username string
}

func (p *LocateReq) payload() lpc.Array { return lpc.Array{p.Username} }

func parseLocateReq(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(7) {
		return nil, f.err
	}
	p := &LocateReq{Header: h, Username: f.stringAt(6)}
	if p.Username != "" && p.TargetUser == "" {
		p.TargetUser = p.Username
	}
	return p, f.err
}

// LocateReply reports where a user was found.
type LocateReply struct {
	Header
	LocatedMud     string
	LocatedVisname string
	IdleTime       int
	Status         string
}

func (p *LocateReply) payload() lpc.Array {
	return lpc.Array{p.LocatedMud, p.LocatedVisname, p.IdleTime, nullable(p.Status)}
}

func parseLocateReply(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(10) {
		return nil, f.err
	}
	p := &LocateReply{
		Header:         h,
		LocatedMud:     f.stringAt(6),
		LocatedVisname: f.stringAt(7),
		IdleTime:       f.intAt(8),
		Status:         f.optStringAt(9),
	}
	return p, f.err
}

// ============================================================================
// CHANNEL ADMINISTRATION (7 / 8 fields)
// ============================================================================

// Channel types carried by channel-add and chanlist entries.
const (
	ChannelPublic  = 0
	ChannelPrivate = 1
)

// ChannelAdd registers a channel with the router.
type ChannelAdd struct {
	Header
	Channel  string
	ChanType int
}

func (p *ChannelAdd) payload() lpc.Array { return lpc.Array{p.Channel, p.ChanType} }

func parseChannelAdd(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(8) {
		return nil, f.err
	}
	p := &ChannelAdd{Header: h, Channel: f.stringAt(6), ChanType: f.intAt(7)}
	return p, f.err
}

// ChannelRemove deletes a channel this mud owns.
type ChannelRemove struct {
	Header
	Channel string
}

func (p *ChannelRemove) payload() lpc.Array { return lpc.Array{p.Channel} }

func parseChannelRemove(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(7) {
		return nil, f.err
	}
	p := &ChannelRemove{Header: h, Channel: f.stringAt(6)}
	return p, f.err
}

// ChannelListen turns this mud's subscription to a channel on or off.
type ChannelListen struct {
	Header
	Channel string
	OnOff   int
}

func (p *ChannelListen) payload() lpc.Array { return lpc.Array{p.Channel, p.OnOff} }

func parseChannelListen(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(8) {
		return nil, f.err
	}
	p := &ChannelListen{Header: h, Channel: f.stringAt(6), OnOff: f.intAt(7)}
	return p, f.err
}

// ChanWhoReq asks which users on the target mud listen to a channel.
type ChanWhoReq struct {
	Header
	Channel string
}

func (p *ChanWhoReq) payload() lpc.Array { return lpc.Array{p.Channel} }

func parseChanWhoReq(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(7) {
		return nil, f.err
	}
	p := &ChanWhoReq{Header: h, Channel: f.stringAt(6)}
	return p, f.err
}

// ChanWhoReply lists channel listeners on the origin mud.
type ChanWhoReply struct {
	Header
	Channel string
	Users   []string
}

func (p *ChanWhoReply) payload() lpc.Array {
	users := make(lpc.Array, 0, len(p.Users))
	for _, u := range p.Users {
		users = append(users, u)
	}
	return lpc.Array{p.Channel, users}
}

func parseChanWhoReply(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(8) {
		return nil, f.err
	}
	p := &ChanWhoReply{Header: h, Channel: f.stringAt(6)}
	raw := f.arrayAt(7)
	if f.err != nil {
		return nil, f.err
	}
	p.Users = make([]string, 0, len(raw))
	for i, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("%w: chan-who entry %d is %T, want string", ErrBadPacket, i, entry)
		}
		p.Users = append(p.Users, s)
	}
	return p, nil
}

// ============================================================================
// CHANLIST / MUDLIST (8 fields)
// ============================================================================

// ChannelInfo describes one channel in a chanlist-reply.
type ChannelInfo struct {
	Owner string
	Type  int
}

// ChanlistReply is the router's incremental channel list. A nil entry
// value means the channel was removed.
type ChanlistReply struct {
	Header
	ChanlistID int
	Channels   map[string]*ChannelInfo
}

func (p *ChanlistReply) payload() lpc.Array {
	m := make(lpc.Mapping, len(p.Channels))
	for name, info := range p.Channels {
		if info == nil {
			m[name] = 0
			continue
		}
		m[name] = lpc.Array{info.Owner, info.Type}
	}
	return lpc.Array{p.ChanlistID, m}
}

func parseChanlistReply(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(8) {
		return nil, f.err
	}
	p := &ChanlistReply{Header: h, ChanlistID: f.intAt(6)}
	raw := f.mappingAt(7)
	if f.err != nil {
		return nil, f.err
	}

	p.Channels = make(map[string]*ChannelInfo, len(raw))
	for k, v := range raw {
		name, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: chanlist key is %T, want string", ErrBadPacket, k)
		}
		if n, ok := v.(int); ok && n == 0 {
			p.Channels[name] = nil
			continue
		}
		entry, ok := v.(lpc.Array)
		if !ok || len(entry) != 2 {
			return nil, fmt.Errorf("%w: chanlist entry %q is not a 2-element array", ErrBadPacket, name)
		}
		ef := fields{arr: entry}
		info := &ChannelInfo{Owner: ef.stringAt(0), Type: ef.intAt(1)}
		if ef.err != nil {
			return nil, ef.err
		}
		p.Channels[name] = info
	}
	return p, nil
}

// MudInfo is the 13-element mud description inside a mudlist packet.
// State follows router convention: -1 up, 0 down, n>0 rebooting for n
// more seconds.
type MudInfo struct {
	State      int
	Address    string
	PlayerPort int
	TCPPort    int
	UDPPort    int
	Mudlib     string
	BaseMudlib string
	Driver     string
	MudType    string
	OpenStatus string
	AdminEmail string
	Services   lpc.Mapping
	OtherData  lpc.Mapping
}

// StateUp is the mudlist state value for a running mud.
const StateUp = -1

// Mudlist is the router's incremental mud directory. A nil entry value
// means the mud was removed.
type Mudlist struct {
	Header
	MudlistID int
	Muds      map[string]*MudInfo
}

func (p *Mudlist) payload() lpc.Array {
	m := make(lpc.Mapping, len(p.Muds))
	for name, info := range p.Muds {
		if info == nil {
			m[name] = 0
			continue
		}
		m[name] = lpc.Array{
			info.State, info.Address, info.PlayerPort, info.TCPPort, info.UDPPort,
			info.Mudlib, info.BaseMudlib, info.Driver, info.MudType,
			info.OpenStatus, info.AdminEmail, mappingOrNull(info.Services), mappingOrNull(info.OtherData),
		}
	}
	return lpc.Array{p.MudlistID, m}
}

func parseMudlist(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(8) {
		return nil, f.err
	}
	p := &Mudlist{Header: h, MudlistID: f.intAt(6)}
	raw := f.mappingAt(7)
	if f.err != nil {
		return nil, f.err
	}

	p.Muds = make(map[string]*MudInfo, len(raw))
	for k, v := range raw {
		name, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: mudlist key is %T, want string", ErrBadPacket, k)
		}
		if n, ok := v.(int); ok && n == 0 {
			p.Muds[name] = nil
			continue
		}
		entry, ok := v.(lpc.Array)
		if !ok || len(entry) != 13 {
			return nil, fmt.Errorf("%w: mudlist entry %q is not a 13-element array", ErrBadPacket, name)
		}
		ef := fields{arr: entry}
		info := &MudInfo{
			State:      ef.intAt(0),
			Address:    ef.optStringAt(1),
			PlayerPort: ef.intAt(2),
			TCPPort:    ef.intAt(3),
			UDPPort:    ef.intAt(4),
			Mudlib:     ef.optStringAt(5),
			BaseMudlib: ef.optStringAt(6),
			Driver:     ef.optStringAt(7),
			MudType:    ef.optStringAt(8),
			OpenStatus: ef.optStringAt(9),
			AdminEmail: ef.optStringAt(10),
			Services:   ef.optMappingAt(11),
			OtherData:  ef.optMappingAt(12),
		}
		if ef.err != nil {
			return nil, ef.err
		}
		p.Muds[name] = info
	}
	return p, nil
}

func mappingOrNull(m lpc.Mapping) lpc.Value {
	if m == nil {
		return 0
	}
	return m
}

// ============================================================================
// STARTUP / SHUTDOWN (20 / 8 / 7 fields)
// ============================================================================

// StartupReq3 registers this mud with a router. Password is modeled as an
// opaque string; routers that issued a numeric password get the integer
// form echoed back.
type StartupReq3 struct {
	Header
	Password      string
	OldMudlistID  int
	OldChanlistID int
	PlayerPort    int
	IMudTCPPort   int
	IMudUDPPort   int
	Mudlib        string
	BaseMudlib    string
	Driver        string
	MudType       string
	OpenStatus    string
	AdminEmail    string
	Services      map[string]int
	OtherData     lpc.Mapping
}

func (p *StartupReq3) payload() lpc.Array {
	services := make(lpc.Mapping, len(p.Services))
	for name, v := range p.Services {
		services[name] = v
	}
	return lpc.Array{
		passwordValue(p.Password),
		p.OldMudlistID, p.OldChanlistID,
		p.PlayerPort, p.IMudTCPPort, p.IMudUDPPort,
		p.Mudlib, p.BaseMudlib, p.Driver, p.MudType,
		p.OpenStatus, p.AdminEmail,
		services, mappingOrNull(p.OtherData),
	}
}

func parseStartupReq3(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(20) {
		return nil, f.err
	}
	p := &StartupReq3{
		Header:        h,
		Password:      passwordString(f.arr[6], &f),
		OldMudlistID:  f.intAt(7),
		OldChanlistID: f.intAt(8),
		PlayerPort:    f.intAt(9),
		IMudTCPPort:   f.intAt(10),
		IMudUDPPort:   f.intAt(11),
		Mudlib:        f.optStringAt(12),
		BaseMudlib:    f.optStringAt(13),
		Driver:        f.optStringAt(14),
		MudType:       f.optStringAt(15),
		OpenStatus:    f.optStringAt(16),
		AdminEmail:    f.optStringAt(17),
		OtherData:     f.optMappingAt(19),
	}
	raw := f.optMappingAt(18)
	if f.err != nil {
		return nil, f.err
	}
	p.Services = make(map[string]int, len(raw))
	for k, v := range raw {
		name, ok := k.(string)
		if !ok {
			continue
		}
		if n, ok := v.(int); ok {
			p.Services[name] = n
		}
	}
	return p, nil
}

// RouterAddr is one entry of a startup-reply router list.
type RouterAddr struct {
	Name    string // router name, conventionally starting with '*'
	Address string // "ip port"
}

// StartupReply confirms registration and may assign a password.
type StartupReply struct {
	Header
	Routers  []RouterAddr
	Password string
}

func (p *StartupReply) payload() lpc.Array {
	routers := make(lpc.Array, 0, len(p.Routers))
	for _, r := range p.Routers {
		routers = append(routers, lpc.Array{r.Name, r.Address})
	}
	return lpc.Array{routers, passwordValue(p.Password)}
}

func parseStartupReply(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(8) {
		return nil, f.err
	}
	p := &StartupReply{Header: h}
	raw := f.optArrayAt(6)
	p.Password = passwordString(f.arr[7], &f)
	if f.err != nil {
		return nil, f.err
	}

	p.Routers = make([]RouterAddr, 0, len(raw))
	for i, entry := range raw {
		pair, ok := entry.(lpc.Array)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("%w: router entry %d is not a 2-element array", ErrBadPacket, i)
		}
		ef := fields{arr: pair}
		r := RouterAddr{Name: ef.stringAt(0), Address: ef.stringAt(1)}
		if ef.err != nil {
			return nil, ef.err
		}
		p.Routers = append(p.Routers, r)
	}
	return p, nil
}

// passwordValue renders an opaque password string back to its wire form:
// empty becomes 0, numeric strings become the integer the router issued.
func passwordValue(s string) lpc.Value {
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		return int(n)
	}
	return s
}

func passwordString(v lpc.Value, f *fields) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		if x == 0 {
			return ""
		}
		return strconv.Itoa(x)
	}
	f.fail(6, "string or int", v)
	return ""
}

// Shutdown announces a graceful disconnect. RestartDelay of 0 means
// unknown or indefinite.
type Shutdown struct {
	Header
	RestartDelay int
}

func (p *Shutdown) payload() lpc.Array { return lpc.Array{p.RestartDelay} }

func parseShutdown(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(7) {
		return nil, f.err
	}
	p := &Shutdown{Header: h, RestartDelay: f.intAt(6)}
	return p, f.err
}

// ============================================================================
// ERROR (9 fields)
// ============================================================================

// Router error codes seen in the wild.
const (
	ErrCodeUnkDst   = "unk-dst"
	ErrCodeUnkUser  = "unk-user"
	ErrCodeUnkType  = "unk-type"
	ErrCodeNotImp   = "not-imp"
	ErrCodeBadProto = "bad-proto"
)

// ErrorPacket reports a routing or service failure. Packet carries the
// offending packet array, when the reporter kept it.
type ErrorPacket struct {
	Header
	Code    string
	Message string
	Packet  lpc.Array
}

func (p *ErrorPacket) payload() lpc.Array {
	var ctx lpc.Value
	if p.Packet == nil {
		ctx = 0
	} else {
		ctx = p.Packet
	}
	return lpc.Array{p.Code, p.Message, ctx}
}

func parseError(arr lpc.Array, h Header) (Packet, error) {
	f := fields{arr: arr}
	if !f.want(9) {
		return nil, f.err
	}
	p := &ErrorPacket{
		Header:  h,
		Code:    f.stringAt(6),
		Message: f.optStringAt(7),
		Packet:  f.optArrayAt(8),
	}
	return p, f.err
}
