// Command simulate_router is a standalone fake Intermud-3 router for
// local gateway testing: it answers registrations, pushes a small
// mudlist and chanlist, and plays the rest of the network by echoing
// tells and reflecting channel traffic.
//
//	go run scripts/simulate_router.go -addr :8787
//	I3_ROUTER_HOST=127.0.0.1 I3_ROUTER_PORT=8787 I3_ROUTER_NAME='*sim' ./i3-gateway
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"sync/atomic"

	"github.com/luminarimud/i3-gateway/internal/lpc"
	"github.com/luminarimud/i3-gateway/internal/mudmode"
	"github.com/luminarimud/i3-gateway/internal/packet"
)

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	name := flag.String("name", "*sim", "router name")
	password := flag.String("password", "142857", "password assigned to registering muds")
	flag.Parse()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("❌ listen: %v", err)
	}

	r := &simRouter{name: *name, password: *password, addr: ln.Addr().String()}
	fmt.Printf("🛰️  Simulated I3 router %s listening on %s\n", r.name, r.addr)
	fmt.Println("   Point a gateway at it and tell 'echo@EchoMUD' to hear yourself back.")

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("❌ accept: %v", err)
		}
		go r.handle(conn)
	}
}

type simRouter struct {
	name     string
	password string
	addr     string

	mudlistID  atomic.Int64
	chanlistID atomic.Int64
}

func (r *simRouter) handle(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	log.Printf("🔌 connection from %s", peer)

	framer := mudmode.NewFramer(conn, mudmode.DefaultMaxFrame)
	for {
		raw, err := framer.ReadFrame()
		if err != nil {
			log.Printf("🔌 %s disconnected: %v", peer, err)
			return
		}
		p, err := packet.Decode(raw)
		if err != nil {
			log.Printf("⚠️  %s sent an undecodable frame: %v", peer, err)
			continue
		}

		switch pkt := p.(type) {
		case *packet.StartupReq3:
			r.register(conn, pkt)
		case *packet.Tell:
			log.Printf("💬 tell %s@%s -> %s@%s: %s",
				pkt.OriginUser, pkt.OriginMud, pkt.TargetUser, pkt.TargetMud, pkt.Message)
			r.echoTell(conn, pkt)
		case *packet.Emoteto:
			r.echoEmote(conn, pkt)
		case *packet.ChannelMessage:
			log.Printf("📢 [%s] %s@%s: %s", pkt.Channel, pkt.OriginUser, pkt.OriginMud, pkt.Message)
			r.reflectChannel(conn, pkt)
		case *packet.ChannelListen:
			verb := "left"
			if pkt.OnOff == 1 {
				verb = "joined"
			}
			log.Printf("📻 %s %s channel %s", pkt.OriginMud, verb, pkt.Channel)
		case *packet.WhoReq:
			r.answerWho(conn, pkt)
		case *packet.FingerReq:
			r.answerFinger(conn, pkt)
		case *packet.LocateReq:
			r.answerLocate(conn, pkt)
		case *packet.Shutdown:
			log.Printf("👋 %s announced shutdown (restart in %ds)", pkt.OriginMud, pkt.RestartDelay)
		default:
			log.Printf("📦 %s", pkt.Hdr())
		}
	}
}

// register answers a startup-req-3 and pushes the directory the way a
// real router does after a successful registration.
func (r *simRouter) register(conn net.Conn, req *packet.StartupReq3) {
	log.Printf("📡 %s registered (driver %s, mudlib %s, port %d)",
		req.OriginMud, req.Driver, req.Mudlib, req.PlayerPort)

	r.send(conn, &packet.StartupReply{
		Header:   r.header(packet.TypeStartupReply, req.OriginMud),
		Routers:  []packet.RouterAddr{{Name: r.name, Address: r.addr}},
		Password: r.password,
	})

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	r.send(conn, &packet.Mudlist{
		Header:    r.header(packet.TypeMudlist, req.OriginMud),
		MudlistID: int(r.mudlistID.Add(1)),
		Muds: map[string]*packet.MudInfo{
			req.OriginMud: {
				State: packet.StateUp, Address: host, PlayerPort: req.PlayerPort,
				Mudlib: req.Mudlib, BaseMudlib: req.BaseMudlib, Driver: req.Driver,
				MudType: req.MudType, OpenStatus: req.OpenStatus, AdminEmail: req.AdminEmail,
				Services: lpc.Mapping{"tell": 1, "channel": 1, "who": 1},
			},
			"EchoMUD": {
				State: packet.StateUp, Address: "127.0.0.1", PlayerPort: 4000,
				Mudlib: "Echo 1.0", Driver: "FluffOS", MudType: "LP",
				OpenStatus: "open for public", AdminEmail: "echo@example.com",
				Services: lpc.Mapping{"tell": 1, "channel": 1, "who": 1},
			},
			"MirrorMUD": {
				State: packet.StateUp, Address: "127.0.0.1", PlayerPort: 5000,
				Mudlib: "Mirror 2.1", Driver: "DGD", MudType: "LP",
				OpenStatus: "open for public", AdminEmail: "mirror@example.com",
				Services: lpc.Mapping{"tell": 1, "channel": 1},
			},
		},
	})

	r.send(conn, &packet.ChanlistReply{
		Header:     r.header(packet.TypeChanlistReply, req.OriginMud),
		ChanlistID: int(r.chanlistID.Add(1)),
		Channels: map[string]*packet.ChannelInfo{
			"imud_gossip": {Owner: r.name, Type: 0},
			"imud_code":   {Owner: r.name, Type: 0},
		},
	})
}

// echoTell answers every tell as EchoMUD's resident parrot so one
// gateway can exercise the full round trip alone.
func (r *simRouter) echoTell(conn net.Conn, t *packet.Tell) {
	r.send(conn, &packet.Tell{
		Header: packet.Header{
			Type: packet.TypeTell, TTL: packet.DefaultTTL,
			OriginMud: "EchoMUD", OriginUser: "echo",
			TargetMud: t.OriginMud, TargetUser: t.OriginUser,
		},
		Visname: "Echo",
		Message: "you said: " + t.Message,
	})
}

func (r *simRouter) echoEmote(conn net.Conn, e *packet.Emoteto) {
	r.send(conn, &packet.Emoteto{
		Header: packet.Header{
			Type: packet.TypeEmoteto, TTL: packet.DefaultTTL,
			OriginMud: "EchoMUD", OriginUser: "echo",
			TargetMud: e.OriginMud, TargetUser: e.OriginUser,
		},
		Visname: "Echo",
		Message: "$N mirrors the gesture back.",
	})
}

// reflectChannel sends the message back to its origin. Real routers
// skip the sender when they rebroadcast; reflecting lets a single
// gateway watch its own channel traffic arrive.
func (r *simRouter) reflectChannel(conn net.Conn, m *packet.ChannelMessage) {
	r.send(conn, &packet.ChannelMessage{
		Header: packet.Header{
			Type: packet.TypeChannelMessage, TTL: packet.DefaultTTL,
			OriginMud: m.OriginMud, OriginUser: m.OriginUser,
		},
		Channel: m.Channel,
		Visname: m.Visname,
		Message: m.Message,
	})
}

// answerWho replies on behalf of whichever mud was asked; the simulator
// plays the whole network.
func (r *simRouter) answerWho(conn net.Conn, req *packet.WhoReq) {
	r.send(conn, &packet.WhoReply{
		Header: packet.Header{
			Type: packet.TypeWhoReply, TTL: packet.DefaultTTL,
			OriginMud: req.TargetMud,
			TargetMud: req.OriginMud, TargetUser: req.OriginUser,
		},
		Users: []packet.WhoUser{
			{Name: "Echo", Idle: 30, Extra: "the resident parrot"},
			{Name: "Mirror", Idle: 600, Extra: "polishing itself"},
		},
	})
}

func (r *simRouter) answerFinger(conn net.Conn, req *packet.FingerReq) {
	r.send(conn, &packet.FingerReply{
		Header: packet.Header{
			Type: packet.TypeFingerReply, TTL: packet.DefaultTTL,
			OriginMud: req.TargetMud,
			TargetMud: req.OriginMud, TargetUser: req.OriginUser,
		},
		Visname:  req.Username,
		Title:    "the simulated",
		Email:    req.Username + "@example.com",
		IdleTime: 30,
	})
}

// answerLocate only answers for users the canned muds actually have,
// so "not found" paths stay testable.
func (r *simRouter) answerLocate(conn net.Conn, req *packet.LocateReq) {
	if req.Username != "echo" && req.Username != "mirror" {
		return
	}
	mud := "EchoMUD"
	if req.Username == "mirror" {
		mud = "MirrorMUD"
	}
	r.send(conn, &packet.LocateReply{
		Header: packet.Header{
			Type: packet.TypeLocateReply, TTL: packet.DefaultTTL,
			OriginMud: mud,
			TargetMud: req.OriginMud, TargetUser: req.OriginUser,
		},
		LocatedMud:     mud,
		LocatedVisname: req.Username,
		IdleTime:       30,
		Status:         "online",
	})
}

func (r *simRouter) header(ptype, targetMud string) packet.Header {
	return packet.Header{
		Type: ptype, TTL: packet.DefaultTTL,
		OriginMud: r.name, TargetMud: targetMud,
	}
}

func (r *simRouter) send(conn net.Conn, p packet.Packet) {
	raw, err := packet.Encode(p)
	if err != nil {
		log.Printf("⚠️  encode %s: %v", p.Hdr().Type, err)
		return
	}
	if err := mudmode.WriteFrame(conn, raw); err != nil {
		log.Printf("⚠️  write %s: %v", p.Hdr().Type, err)
	}
}
