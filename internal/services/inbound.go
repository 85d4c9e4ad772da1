package services

import (
	"context"
	"strings"

	"github.com/luminarimud/i3-gateway/internal/events"
	"github.com/luminarimud/i3-gateway/internal/history"
	"github.com/luminarimud/i3-gateway/internal/packet"
	"github.com/luminarimud/i3-gateway/internal/state"
)

// buildRegistry maps wire types to inbound handlers. Startup and
// shutdown flow is owned by the router link and never reaches here.
func (s *Services) buildRegistry() map[string]func(context.Context, packet.Packet) {
	return map[string]func(context.Context, packet.Packet){
		packet.TypeTell:            s.handleTell,
		packet.TypeEmoteto:         s.handleEmoteto,
		packet.TypeChannelMessage:  s.handleChannelMessage,
		packet.TypeChannelEmote:    s.handleChannelEmote,
		packet.TypeChannelTargeted: s.handleChannelTargeted,
		packet.TypeWhoReq:          s.handleWhoReq,
		packet.TypeWhoReply:        s.handleWhoReply,
		packet.TypeFingerReq:       s.handleFingerReq,
		packet.TypeFingerReply:     s.handleFingerReply,
		packet.TypeLocateReq:       s.handleLocateReq,
		packet.TypeLocateReply:     s.handleLocateReply,
		packet.TypeChanWhoReq:      s.handleChanWhoReq,
		packet.TypeChanWhoReply:    s.handleChanWhoReply,
		packet.TypeChanlistReply:   s.handleChanlistReply,
		packet.TypeMudlist:         s.handleMudlist,
		packet.TypeError:           s.handleError,
	}
}

// HandleInbound dispatches one decoded packet to its service handler.
func (s *Services) HandleInbound(ctx context.Context, p packet.Packet) {
	h, ok := s.handlers[p.Hdr().Type]
	if !ok {
		if s.metrics != nil {
			s.metrics.RecordPacketError("unknown_type")
		}
		s.logger.Printf("no handler for %s from %s", p.Hdr().Type, p.Hdr().OriginMud)
		return
	}
	h(ctx, p)
}

// forUs reports whether the packet targets this gateway's mud. Packets
// for other muds are router misdeliveries.
func (s *Services) forUs(h *packet.Header) bool {
	if strings.EqualFold(h.TargetMud, s.mudName) {
		return true
	}
	if s.metrics != nil {
		s.metrics.RecordPacketError("misrouted")
	}
	s.logger.Printf("dropping %s addressed to %q", h.Type, h.TargetMud)
	return false
}

// replyHeader builds the header for answering req back to its origin.
func (s *Services) replyHeader(ptype string, req *packet.Header) packet.Header {
	return s.header(ptype, req.OriginMud, req.OriginUser)
}

// replyError answers a request with an I3 error packet carrying the
// offending packet for context.
func (s *Services) replyError(ctx context.Context, req packet.Packet, code, msg string) {
	ep := &packet.ErrorPacket{
		Header:  s.replyHeader(packet.TypeError, req.Hdr()),
		Code:    code,
		Message: msg,
		Packet:  packet.ToLPC(req),
	}
	if err := s.send(ctx, ep); err != nil {
		s.logger.Printf("error reply to %s failed: %v", req.Hdr().OriginMud, err)
	}
}

// ============================================================================
// DIRECT MESSAGES
// ============================================================================

func (s *Services) handleTell(ctx context.Context, p packet.Packet) {
	t := p.(*packet.Tell)
	if !s.forUs(t.Hdr()) {
		return
	}
	ev := events.New(events.TellReceived, map[string]interface{}{
		"from_mud":  t.OriginMud,
		"from_user": t.OriginUser,
		"to_user":   t.TargetUser,
		"message":   t.Message,
		"visname":   t.Visname,
	})
	ev.Priority = 7
	ev.TargetMud = t.TargetMud
	ev.TargetUser = t.TargetUser
	s.emit(ev)
}

func (s *Services) handleEmoteto(ctx context.Context, p packet.Packet) {
	e := p.(*packet.Emoteto)
	if !s.forUs(e.Hdr()) {
		return
	}
	ev := events.New(events.EmotetoReceived, map[string]interface{}{
		"from_mud":  e.OriginMud,
		"from_user": e.OriginUser,
		"to_user":   e.TargetUser,
		"emote":     e.Message,
		"visname":   e.Visname,
	})
	ev.Priority = 7
	ev.TargetMud = e.TargetMud
	ev.TargetUser = e.TargetUser
	s.emit(ev)
}

// ============================================================================
// CHANNEL TRAFFIC
// ============================================================================

// tunedChannel drops traffic for channels this mud never joined.
func (s *Services) tunedChannel(name string) bool {
	if s.store.Tuned(name) {
		return true
	}
	s.logger.Printf("dropping traffic for untuned channel %q", name)
	return false
}

func (s *Services) handleChannelMessage(ctx context.Context, p packet.Packet) {
	cm := p.(*packet.ChannelMessage)
	if !s.tunedChannel(cm.Channel) {
		return
	}
	ev := events.New(events.ChannelMessage, map[string]interface{}{
		"channel":   cm.Channel,
		"from_mud":  cm.OriginMud,
		"from_user": cm.OriginUser,
		"visname":   cm.Visname,
		"message":   cm.Message,
	})
	ev.Channel = cm.Channel
	s.emit(ev)
	s.record(history.Entry{
		Channel: cm.Channel, Kind: "m",
		Mud: cm.OriginMud, User: cm.OriginUser, Visname: cm.Visname,
		Message: cm.Message,
	})
}

func (s *Services) handleChannelEmote(ctx context.Context, p packet.Packet) {
	ce := p.(*packet.ChannelEmote)
	if !s.tunedChannel(ce.Channel) {
		return
	}
	ev := events.New(events.ChannelEmote, map[string]interface{}{
		"channel":   ce.Channel,
		"from_mud":  ce.OriginMud,
		"from_user": ce.OriginUser,
		"visname":   ce.Visname,
		"message":   ce.Message,
	})
	ev.Channel = ce.Channel
	s.emit(ev)
	s.record(history.Entry{
		Channel: ce.Channel, Kind: "e",
		Mud: ce.OriginMud, User: ce.OriginUser, Visname: ce.Visname,
		Message: ce.Message,
	})
}

// handleChannelTargeted surfaces channel-t as a channel_message event
// with the target fields in the payload.
func (s *Services) handleChannelTargeted(ctx context.Context, p packet.Packet) {
	ct := p.(*packet.ChannelTargeted)
	if !s.tunedChannel(ct.Channel) {
		return
	}
	ev := events.New(events.ChannelMessage, map[string]interface{}{
		"channel":       ct.Channel,
		"from_mud":      ct.OriginMud,
		"from_user":     ct.OriginUser,
		"visname":       ct.Visname,
		"message":       ct.Message,
		"targeted_user": ct.TargetedUser,
	})
	ev.Channel = ct.Channel
	s.emit(ev)
	s.record(history.Entry{
		Channel: ct.Channel, Kind: "t",
		Mud: ct.OriginMud, User: ct.OriginUser, Visname: ct.Visname,
		Target: ct.TargetedUser, Message: ct.Message,
	})
}

func (s *Services) record(e history.Entry) {
	if s.history != nil {
		s.history.Record(e)
	}
}

// ============================================================================
// WHO / FINGER / LOCATE
// ============================================================================

func (s *Services) handleWhoReq(ctx context.Context, p packet.Packet) {
	wq := p.(*packet.WhoReq)
	if !s.forUs(wq.Hdr()) {
		return
	}
	s.whoMu.RLock()
	users := append([]packet.WhoUser(nil), s.localWho...)
	s.whoMu.RUnlock()

	if len(users) == 0 {
		s.replyError(ctx, p, packet.ErrCodeUnkUser, "who information unavailable")
		return
	}
	reply := &packet.WhoReply{Header: s.replyHeader(packet.TypeWhoReply, wq.Hdr()), Users: users}
	if err := s.send(ctx, reply); err != nil {
		s.logger.Printf("who reply to %s failed: %v", wq.OriginMud, err)
	}
}

func (s *Services) handleWhoReply(ctx context.Context, p packet.Packet) {
	wr := p.(*packet.WhoReply)
	mud := lower(wr.OriginMud)
	s.store.WhoCache.Set(mud, wr.Users)
	if !s.pending.resolve(kindWho, mud, p) {
		s.logger.Printf("unsolicited who-reply from %s", wr.OriginMud)
	}
}

// handleFingerReq answers with unk-user: the gateway holds no player
// profiles for its mud.
func (s *Services) handleFingerReq(ctx context.Context, p packet.Packet) {
	fq := p.(*packet.FingerReq)
	if !s.forUs(fq.Hdr()) {
		return
	}
	s.replyError(ctx, p, packet.ErrCodeUnkUser, "finger information unavailable")
}

func (s *Services) handleFingerReply(ctx context.Context, p packet.Packet) {
	fr := p.(*packet.FingerReply)
	mud := lower(fr.OriginMud)
	if !s.pending.resolve(kindFinger, mud, p) {
		s.logger.Printf("unsolicited finger-reply from %s", fr.OriginMud)
	}
}

// handleLocateReq stays silent: locate answers come only from muds that
// host the sought user, and the gateway hosts none.
func (s *Services) handleLocateReq(ctx context.Context, p packet.Packet) {}

func (s *Services) handleLocateReply(ctx context.Context, p packet.Packet) {
	lr := p.(*packet.LocateReply)

	// The reply's target_user echoes the origin_user of our request,
	// which we set to the sought name. Fall back to the located visname
	// for routers that rewrite the slot.
	job := s.locates.get(lower(lr.TargetUser))
	if job == nil {
		job = s.locates.get(lower(lr.LocatedVisname))
	}
	if job == nil {
		s.logger.Printf("unsolicited locate-reply from %s", lr.OriginMud)
		return
	}
	job.add(state.LocateHit{
		Mud:    lr.LocatedMud,
		Idle:   lr.IdleTime,
		Status: lr.Status,
	})
}

func (s *Services) handleChanWhoReq(ctx context.Context, p packet.Packet) {
	cq := p.(*packet.ChanWhoReq)
	if !s.forUs(cq.Hdr()) {
		return
	}
	var users []string
	for _, m := range s.store.Members(cq.Channel) {
		if strings.EqualFold(m.Mud, s.mudName) && m.User != "" {
			users = append(users, m.User)
		}
	}
	reply := &packet.ChanWhoReply{
		Header:  s.replyHeader(packet.TypeChanWhoReply, cq.Hdr()),
		Channel: cq.Channel,
		Users:   users,
	}
	if err := s.send(ctx, reply); err != nil {
		s.logger.Printf("chan-who reply to %s failed: %v", cq.OriginMud, err)
	}
}

func (s *Services) handleChanWhoReply(ctx context.Context, p packet.Packet) {
	cw := p.(*packet.ChanWhoReply)
	if !s.pending.resolve(kindChanWho, lower(cw.OriginMud), p) {
		s.logger.Printf("unsolicited chan-who-reply from %s", cw.OriginMud)
	}
}

// ============================================================================
// DIRECTORY GOSSIP
// ============================================================================

func (s *Services) handleChanlistReply(ctx context.Context, p packet.Packet) {
	cl := p.(*packet.ChanlistReply)
	added, removed := s.store.ApplyChanlist(cl)
	if len(added) > 0 || len(removed) > 0 {
		s.logger.Printf("chanlist %d: %d added, %d removed", cl.ChanlistID, len(added), len(removed))
	}
	s.notifyListIDs()
}

func (s *Services) handleMudlist(ctx context.Context, p packet.Packet) {
	ml := p.(*packet.Mudlist)
	online, offline := s.store.ApplyMudlist(ml)

	for _, name := range online {
		ev := events.New(events.MudOnline, map[string]interface{}{"mud": name})
		ev.Priority = 4
		ev.Broadcast = true
		s.emit(ev)
	}
	for _, name := range offline {
		ev := events.New(events.MudOffline, map[string]interface{}{"mud": name})
		ev.Priority = 4
		ev.Broadcast = true
		s.emit(ev)
	}
	s.notifyListIDs()
}

func (s *Services) notifyListIDs() {
	if s.onListIDs != nil {
		s.onListIDs(s.store.MudlistID(), s.store.ChanlistID())
	}
}

// ============================================================================
// ERRORS
// ============================================================================

// handleError fails the pending request the error belongs to, or
// surfaces it as an error_occurred event.
func (s *Services) handleError(ctx context.Context, p packet.Packet) {
	ep := p.(*packet.ErrorPacket)

	// Router-reported errors (unk-dst and friends) originate from the
	// router, so the waiter key comes from the offending packet's own
	// target slot, with the reporter as fallback.
	if kind := errorKind(ep); kind != "" {
		if s.pending.resolve(kind, errorTarget(ep), p) {
			return
		}
		if s.pending.resolve(kind, lower(ep.OriginMud), p) {
			return
		}
	}

	ev := events.New(events.ErrorOccurred, map[string]interface{}{
		"code":     ep.Code,
		"message":  ep.Message,
		"from_mud": ep.OriginMud,
	})
	ev.Priority = 8
	if ep.TargetMud != "" {
		ev.TargetMud = ep.TargetMud
	} else {
		ev.Broadcast = true
	}
	s.emit(ev)
}

// errorKind recovers the correlation kind from the offending packet an
// error carries.
func errorKind(ep *packet.ErrorPacket) string {
	if len(ep.Packet) == 0 {
		return ""
	}
	t, ok := ep.Packet[0].(string)
	if !ok {
		return ""
	}
	switch t {
	case packet.TypeWhoReq:
		return kindWho
	case packet.TypeFingerReq:
		return kindFinger
	case packet.TypeChanWhoReq:
		return kindChanWho
	}
	return ""
}

// errorTarget recovers the mud our failed request was addressed to.
func errorTarget(ep *packet.ErrorPacket) string {
	if len(ep.Packet) > 4 {
		if mud, ok := ep.Packet[4].(string); ok && mud != "" {
			return lower(mud)
		}
	}
	return lower(ep.OriginMud)
}
