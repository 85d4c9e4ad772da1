package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/luminarimud/i3-gateway/pkg/client"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	addr := os.Getenv("I3_GATEWAY_ADDR")
	if addr == "" {
		addr = "localhost:8081"
	}
	apiKey := os.Getenv("I3_API_KEY")

	switch os.Args[1] {
	case "status":
		cmdStatus(addr, apiKey)
	case "ping":
		cmdPing(addr, apiKey)
	case "tell":
		cmdTell(addr, apiKey)
	case "emote":
		cmdEmote(addr, apiKey)
	case "who":
		cmdWho(addr, apiKey)
	case "finger":
		cmdFinger(addr, apiKey)
	case "locate":
		cmdLocate(addr, apiKey)
	case "mudlist":
		cmdMudlist(addr, apiKey)
	case "channels":
		cmdChannels(addr, apiKey)
	case "watch":
		cmdWatch(addr, apiKey)
	case "reconnect":
		cmdReconnect(addr, apiKey)
	case "shutdown":
		cmdShutdown(addr, apiKey)
	case "version":
		fmt.Printf("i3-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`I3 Gateway CLI v` + version + `

Usage: i3 <command> [flags]

Commands:
  status     Show gateway and router link status
  ping       Check gateway liveness
  tell       Send a tell to a user on another mud
  emote      Send a remote emote
  who        List users on a remote mud
  finger     Fetch a user profile from a remote mud
  locate     Search the network for a user
  mudlist    List known muds
  channels   List/join/leave/who/send/emote/history on channels
  watch      Stream live events to the terminal
  reconnect  Cycle the gateway's router connection (admin)
  shutdown   Stop the gateway gracefully (admin)
  version    Print version
  help       Show this help

Environment:
  I3_GATEWAY_ADDR   Gateway TCP API address (default: localhost:8081)
  I3_API_KEY        API key for authentication

Examples:
  i3 tell --mud OtherMUD --user gandalf --from zusuk -m "greetings"
  i3 who --mud OtherMUD
  i3 channels send --channel imud_gossip --from zusuk -m "hello all"
  i3 watch --channels imud_gossip`)
}

// ----------------------------------------------------------------
// connection
// ----------------------------------------------------------------

func dial(addr, apiKey string, onEvent func(client.Event)) *client.Client {
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "❌ I3_API_KEY is not set")
		os.Exit(1)
	}
	c := client.New(client.Config{Addr: addr, APIKey: apiKey, OnEvent: onEvent})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Connect failed: %v\n", err)
		os.Exit(1)
	}
	return c
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
	os.Exit(1)
}

// ----------------------------------------------------------------
// status and ping
// ----------------------------------------------------------------

func cmdStatus(addr, apiKey string) {
	c := dial(addr, apiKey, nil)
	defer c.Close()

	st, err := c.Status(context.Background())
	if err != nil {
		fail(err)
	}

	link := "⛔ down"
	if st.Ready {
		link = "✅ connected"
	}
	fmt.Printf("Gateway:   %s v%s\n", st.MudName, st.Version)
	fmt.Printf("Uptime:    %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Printf("Router:    %s (%s at %s)\n", link, st.Router.Router, st.Router.Address)
	fmt.Printf("Queue:     %d packets\n", st.Router.QueueDepth)
	fmt.Printf("Sessions:  %d\n", st.Sessions)
}

func cmdPing(addr, apiKey string) {
	c := dial(addr, apiKey, nil)
	defer c.Close()

	start := time.Now()
	if err := c.Ping(context.Background()); err != nil {
		fail(err)
	}
	fmt.Printf("✅ pong | rtt=%s\n", time.Since(start).Round(time.Microsecond))
}

// ----------------------------------------------------------------
// tell and emote
// ----------------------------------------------------------------

func cmdTell(addr, apiKey string) {
	var mud, user, from, message string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--mud":
			i++
			if i < len(args) {
				mud = args[i]
			}
		case "--user", "-u":
			i++
			if i < len(args) {
				user = args[i]
			}
		case "--from", "-f":
			i++
			if i < len(args) {
				from = args[i]
			}
		case "--message", "-m":
			i++
			if i < len(args) {
				message = args[i]
			}
		}
	}
	if mud == "" || user == "" || from == "" || message == "" {
		fmt.Fprintln(os.Stderr, "Usage: i3 tell --mud <mud> --user <user> --from <user> -m <message>")
		os.Exit(1)
	}

	c := dial(addr, apiKey, nil)
	defer c.Close()

	err := c.Tell(context.Background(), client.TellArgs{
		TargetMud: mud, TargetUser: user, FromUser: from, Message: message,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("✅ sent | %s@%s -> %s@%s\n", from, c.MudName(), user, mud)
}

func cmdEmote(addr, apiKey string) {
	var mud, user, from, message string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--mud":
			i++
			if i < len(args) {
				mud = args[i]
			}
		case "--user", "-u":
			i++
			if i < len(args) {
				user = args[i]
			}
		case "--from", "-f":
			i++
			if i < len(args) {
				from = args[i]
			}
		case "--message", "-m":
			i++
			if i < len(args) {
				message = args[i]
			}
		}
	}
	if mud == "" || user == "" || from == "" || message == "" {
		fmt.Fprintln(os.Stderr, "Usage: i3 emote --mud <mud> --user <user> --from <user> -m <emote text>")
		os.Exit(1)
	}

	c := dial(addr, apiKey, nil)
	defer c.Close()

	err := c.Emoteto(context.Background(), client.EmotetoArgs{
		TargetMud: mud, TargetUser: user, FromUser: from, Emote: message,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("✅ sent | emote to %s@%s\n", user, mud)
}

// ----------------------------------------------------------------
// information commands
// ----------------------------------------------------------------

func cmdWho(addr, apiKey string) {
	mud := flagValue("--mud")
	if mud == "" {
		fmt.Fprintln(os.Stderr, "Usage: i3 who --mud <mud>")
		os.Exit(1)
	}

	c := dial(addr, apiKey, nil)
	defer c.Close()

	users, err := c.Who(context.Background(), mud)
	if err != nil {
		fail(err)
	}
	if len(users) == 0 {
		fmt.Printf("Nobody is on %s.\n", mud)
		return
	}
	fmt.Printf("%-20s %-8s %s\n", "USER", "IDLE", "INFO")
	fmt.Println("--------------------------------------------------")
	for _, u := range users {
		fmt.Printf("%-20s %-8s %s\n", u.Name, (time.Duration(u.Idle) * time.Second).String(), u.Extra)
	}
}

func cmdFinger(addr, apiKey string) {
	mud := flagValue("--mud")
	user := flagValue("--user")
	if mud == "" || user == "" {
		fmt.Fprintln(os.Stderr, "Usage: i3 finger --mud <mud> --user <user>")
		os.Exit(1)
	}

	c := dial(addr, apiKey, nil)
	defer c.Close()

	f, err := c.Finger(context.Background(), mud, user)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Name:   %s", f.Visname)
	if f.Title != "" {
		fmt.Printf(" %s", f.Title)
	}
	fmt.Println()
	if f.RealName != "" {
		fmt.Printf("Real:   %s\n", f.RealName)
	}
	if f.Email != "" {
		fmt.Printf("Email:  %s\n", f.Email)
	}
	if f.Level != "" {
		fmt.Printf("Level:  %s\n", f.Level)
	}
	if f.IdleTime > 0 {
		fmt.Printf("Idle:   %s\n", (time.Duration(f.IdleTime) * time.Second).String())
	}
}

func cmdLocate(addr, apiKey string) {
	user := flagValue("--user")
	if user == "" {
		fmt.Fprintln(os.Stderr, "Usage: i3 locate --user <user>")
		os.Exit(1)
	}

	c := dial(addr, apiKey, nil)
	defer c.Close()

	fmt.Printf("🔎 Searching the network for %s...\n", user)
	hits, err := c.Locate(context.Background(), user)
	if err != nil {
		fail(err)
	}
	if len(hits) == 0 {
		fmt.Printf("⛔ %s was not found on any mud.\n", user)
		return
	}
	for _, h := range hits {
		fmt.Printf("✅ %s is on %s (%s, idle %s)\n",
			user, h.Mud, h.Status, (time.Duration(h.Idle) * time.Second).String())
	}
}

func cmdMudlist(addr, apiKey string) {
	refresh := hasFlag("--refresh")
	filter := flagValue("--filter")

	c := dial(addr, apiKey, nil)
	defer c.Close()

	ml, err := c.Mudlist(context.Background(), refresh, filter)
	if err != nil {
		fail(err)
	}
	if len(ml.Muds) == 0 {
		fmt.Println("No muds known yet. Is the router link up?")
		return
	}
	fmt.Printf("%-25s %-6s %-22s %s\n", "MUD", "STATE", "DRIVER", "MUDLIB")
	fmt.Println("----------------------------------------------------------------------")
	for _, m := range ml.Muds {
		fmt.Printf("%-25s %-6s %-22s %s\n", m.Name, m.State, m.Driver, m.Mudlib)
	}
	fmt.Printf("\n%d muds (mudlist #%d)\n", ml.Count, ml.MudlistID)
}

// ----------------------------------------------------------------
// channels command
// ----------------------------------------------------------------

func cmdChannels(addr, apiKey string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: i3 channels <list|join|leave|who|send|emote|history>")
		os.Exit(1)
	}

	c := dial(addr, apiKey, nil)
	defer c.Close()
	ctx := context.Background()

	switch os.Args[2] {
	case "list":
		cl, err := c.ChannelList(ctx, hasFlag("--refresh"))
		if err != nil {
			fail(err)
		}
		if len(cl.Channels) == 0 {
			fmt.Println("No channels known yet.")
			return
		}
		fmt.Printf("%-20s %-20s %s\n", "CHANNEL", "OWNER", "TYPE")
		fmt.Println("--------------------------------------------------")
		for _, ch := range cl.Channels {
			fmt.Printf("%-20s %-20s %s\n", ch.Name, ch.Owner, ch.Type)
		}
		fmt.Printf("\n%d channels (chanlist #%d)\n", cl.Count, cl.ChanlistID)

	case "join":
		channel := flagValue("--channel")
		if channel == "" {
			fmt.Fprintln(os.Stderr, "Usage: i3 channels join --channel <name> [--listen-only]")
			os.Exit(1)
		}
		if err := c.ChannelJoin(ctx, channel, hasFlag("--listen-only")); err != nil {
			fail(err)
		}
		fmt.Printf("✅ Joined channel: %s\n", channel)

	case "leave":
		channel := flagValue("--channel")
		if channel == "" {
			fmt.Fprintln(os.Stderr, "Usage: i3 channels leave --channel <name>")
			os.Exit(1)
		}
		if err := c.ChannelLeave(ctx, channel); err != nil {
			fail(err)
		}
		fmt.Printf("🗑️  Left channel: %s\n", channel)

	case "who":
		channel := flagValue("--channel")
		if channel == "" {
			fmt.Fprintln(os.Stderr, "Usage: i3 channels who --channel <name> [--mud <mud>]")
			os.Exit(1)
		}
		users, err := c.ChannelWho(ctx, channel, flagValue("--mud"))
		if err != nil {
			fail(err)
		}
		if len(users) == 0 {
			fmt.Printf("Nobody is listening to %s.\n", channel)
			return
		}
		fmt.Printf("Listening to %s: %s\n", channel, strings.Join(users, ", "))

	case "send", "emote":
		channel := flagValue("--channel")
		from := flagValue("--from")
		message := flagValue("-m")
		if message == "" {
			message = flagValue("--message")
		}
		if channel == "" || from == "" || message == "" {
			fmt.Fprintf(os.Stderr, "Usage: i3 channels %s --channel <name> --from <user> -m <message>\n", os.Args[2])
			os.Exit(1)
		}
		a := client.ChannelSendArgs{Channel: channel, FromUser: from, Message: message}
		var err error
		if os.Args[2] == "emote" {
			err = c.ChannelEmote(ctx, a)
		} else {
			err = c.ChannelSend(ctx, a)
		}
		if err != nil {
			fail(err)
		}
		fmt.Printf("✅ sent | [%s] %s\n", channel, message)

	case "history":
		channel := flagValue("--channel")
		if channel == "" {
			fmt.Fprintln(os.Stderr, "Usage: i3 channels history --channel <name> [--limit n]")
			os.Exit(1)
		}
		limit := 0
		if v := flagValue("--limit"); v != "" {
			limit, _ = strconv.Atoi(v)
		}
		entries, err := c.ChannelHistory(ctx, channel, limit)
		if err != nil {
			fail(err)
		}
		if len(entries) == 0 {
			fmt.Printf("No archived messages on %s.\n", channel)
			return
		}
		for _, e := range entries {
			fmt.Printf("%s [%s] %s@%s: %s\n", e.At, e.Channel, e.Visname, e.Mud, e.Message)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown channels subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

// ----------------------------------------------------------------
// watch command
// ----------------------------------------------------------------

func cmdWatch(addr, apiKey string) {
	events := make(chan client.Event, 64)
	c := dial(addr, apiKey, func(ev client.Event) {
		select {
		case events <- ev:
		default: // terminal too slow, drop rather than stall the read loop
		}
	})
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if chans := flagValue("--channels"); chans != "" {
		list := strings.Split(chans, ",")
		for i := range list {
			list[i] = strings.TrimSpace(list[i])
		}
		for _, ch := range list {
			if err := c.ChannelJoin(ctx, ch, true); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  join %s: %v\n", ch, err)
			}
		}
		if err := c.Subscribe(ctx, list, nil); err != nil {
			fail(err)
		}
	}

	fmt.Printf("📡 Watching events on %s as %s (Ctrl-C to stop)\n", addr, c.MudName())
	for {
		select {
		case ev := <-events:
			fmt.Printf("%s  %-18s %s\n", time.Now().Format("15:04:05"), ev.Type, ev.Params)
		case <-ctx.Done():
			fmt.Println("\n👋 Done.")
			return
		}
	}
}

// ----------------------------------------------------------------
// admin commands
// ----------------------------------------------------------------

func cmdReconnect(addr, apiKey string) {
	c := dial(addr, apiKey, nil)
	defer c.Close()

	if err := c.Reconnect(context.Background()); err != nil {
		fail(err)
	}
	fmt.Println("🔄 Gateway is reconnecting to its router.")
}

func cmdShutdown(addr, apiKey string) {
	reason := flagValue("--reason")
	if reason == "" {
		reason = "cli request"
	}

	c := dial(addr, apiKey, nil)
	defer c.Close()

	if err := c.Shutdown(context.Background(), reason); err != nil {
		fail(err)
	}
	fmt.Printf("🛑 Gateway is shutting down: %s\n", reason)
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

// flagValue scans os.Args for a flag and returns the value after it.
func flagValue(name string) string {
	for i := 2; i < len(os.Args)-1; i++ {
		if os.Args[i] == name {
			return os.Args[i+1]
		}
	}
	return ""
}

func hasFlag(name string) bool {
	for i := 2; i < len(os.Args); i++ {
		if os.Args[i] == name {
			return true
		}
	}
	return false
}
