package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/matheus3301/outpost/internal/api"
	"github.com/matheus3301/outpost/internal/config"
	"github.com/matheus3301/outpost/internal/session"
	"github.com/matheus3301/outpost/internal/store"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "use" {
		need(args, 2, "use <profile>")
		check(session.ValidateName(args[1]))
		check(config.SetDefaultProfile(session.ConfigPath(), args[1]))
		fmt.Printf("Default profile is now %s.\n", args[1])
		return
	}

	c, err := api.Dial(session.SocketPath(profile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profile, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) >= 2 {
			prefix = args[1]
		}
		cmdWatch(c, prefix)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch args[0] {
	case "status":
		cmdStatus(ctx, c, out)
	case "chat":
		need(args, 5, "chat add <id> <direct|group> <participant>...")
		if args[1] != "add" {
			usage("chat add <id> <direct|group> <participant>...")
		}
		chat := &store.Chat{ID: args[2], Kind: store.ChatKind(args[3]), Participants: args[4:]}
		check(c.UpsertChat(ctx, chat))
		out.done(chat, "Chat %s saved.\n", chat.ID)
	case "chats":
		chats, err := c.ListChats(ctx, 50, 0)
		check(err)
		out.chats(chats)
	case "send":
		need(args, 3, "send <chat> <text>")
		m, err := c.SubmitText(ctx, args[1], args[2])
		check(err)
		out.done(m, "Queued %s\n", m.ID)
	case "image":
		need(args, 3, "image <chat> <ref>")
		m, err := c.SubmitImage(ctx, args[1], args[2])
		check(err)
		out.done(m, "Queued %s\n", m.ID)
	case "messages":
		need(args, 2, "messages <chat> [limit]")
		limit := 20
		if len(args) >= 3 {
			n, err := strconv.Atoi(args[2])
			check(err)
			limit = n
		}
		msgs, err := c.LoadMessages(ctx, args[1], limit)
		check(err)
		out.messages(msgs)
	case "delivered":
		need(args, 4, "delivered <chat> <message> <participant>")
		check(c.MarkDelivered(ctx, args[1], args[2], args[3]))
		out.done(map[string]bool{"ok": true}, "Marked delivered.\n")
	case "read":
		need(args, 4, "read <chat> <message> <participant>")
		check(c.MarkRead(ctx, args[1], args[2], args[3]))
		out.done(map[string]bool{"ok": true}, "Marked read.\n")
	case "read-all":
		need(args, 3, "read-all <chat> <participant>")
		ids, err := c.MarkAllRead(ctx, args[1], args[2])
		check(err)
		out.done(ids, "Marked %d messages read.\n", len(ids))
	case "search":
		need(args, 2, "search <query> [chat]")
		chatID := ""
		if len(args) >= 3 {
			chatID = args[2]
		}
		results, err := c.Search(ctx, args[1], chatID, 20)
		check(err)
		out.results(results)
	case "recover":
		n, err := c.Recover(ctx)
		check(err)
		out.done(map[string]int{"enqueued": n}, "Re-enqueued %d messages.\n", n)
	case "net":
		need(args, 2, "net <online|offline>")
		var online bool
		switch args[1] {
		case "online":
			online = true
		case "offline":
		default:
			usage("net <online|offline>")
		}
		resp, err := c.SetReachable(ctx, online)
		check(err)
		out.done(resp, "Online: %v (changed: %v)\n", resp.Online, resp.Changed)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: outpostctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  use <profile>                            Set the default profile")
	fmt.Fprintln(os.Stderr, "  status                                   Show engine status")
	fmt.Fprintln(os.Stderr, "  chat add <id> <direct|group> <ids>...    Create or update a chat")
	fmt.Fprintln(os.Stderr, "  chats                                    List chats")
	fmt.Fprintln(os.Stderr, "  send <chat> <text>                       Submit a text message")
	fmt.Fprintln(os.Stderr, "  image <chat> <ref>                       Submit an image message")
	fmt.Fprintln(os.Stderr, "  messages <chat> [limit]                  Show recent messages")
	fmt.Fprintln(os.Stderr, "  delivered <chat> <message> <participant> Record a delivery receipt")
	fmt.Fprintln(os.Stderr, "  read <chat> <message> <participant>      Record a read receipt")
	fmt.Fprintln(os.Stderr, "  read-all <chat> <participant>            Mark every message read")
	fmt.Fprintln(os.Stderr, "  search <query> [chat]                    Search messages")
	fmt.Fprintln(os.Stderr, "  recover                                  Re-enqueue pending messages")
	fmt.Fprintln(os.Stderr, "  net <online|offline>                     Force connectivity state")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                           Stream engine events")
}

func cmdStatus(ctx context.Context, c *api.Client, out printer) {
	st, err := c.Status(ctx)
	check(err)
	if out.json {
		outputJSON(st)
		return
	}
	fmt.Printf("User:     %s (%s)\n", st.UserID, st.DisplayName)
	fmt.Printf("Online:   %v\n", st.Online)
	fmt.Printf("Search:   indexed=%v\n", st.SearchIndexed)
	fmt.Printf("Chats:    %d\n", st.Chats)
	fmt.Printf("Messages: %d (pending %d, synced %d, failed %d)\n",
		st.Messages, st.Sync["pending"], st.Sync["synced"], st.Sync["failed"])
	fmt.Printf("Queue:    %d queued, %d scheduled, %d exhausted\n",
		len(st.Queue.Queued), len(st.Queue.Scheduled), len(st.Queue.Exhausted))
	for k, v := range st.Checkpoints {
		fmt.Printf("  %-24s %s\n", k, v)
	}
}

func cmdWatch(c *api.Client, prefix string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := c.WatchEvents(ctx, prefix, func(e api.Event) error {
		ts := time.UnixMilli(e.TimestampMs).Format(time.TimeOnly)
		fmt.Printf("%s %-26s %s\n", ts, e.Kind, e.Payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fatal(err)
	}
}

type printer struct {
	json bool
}

func (p printer) done(v any, format string, args ...any) {
	if p.json {
		outputJSON(v)
		return
	}
	fmt.Printf(format, args...)
}

func (p printer) chats(chats []store.Chat) {
	if p.json {
		outputJSON(chats)
		return
	}
	if len(chats) == 0 {
		fmt.Println("No chats.")
		return
	}
	for _, ch := range chats {
		fmt.Printf("%-20s %-6s %-30s %s\n", ch.ID, ch.Kind, ch.LastMessageContent, formatMs(ch.LastMessageAt))
	}
}

func (p printer) messages(msgs []store.Message) {
	if p.json {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		fmt.Printf("%s %-12s %-8s %-9s %s  [%s]\n",
			formatMs(m.CreatedAt), m.SenderID, m.SyncStatus, m.DeliveryStatus, m.Preview(), m.ID)
	}
}

func (p printer) results(results []store.RankedMessage) {
	if p.json {
		outputJSON(results)
		return
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range results {
		fmt.Printf("%6.1f %-20s %s\n", r.Score, r.Message.ChatID, r.Snippet)
	}
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(time.DateTime)
}

func need(args []string, n int, form string) {
	if len(args) < n {
		usage(form)
	}
}

func usage(form string) {
	fmt.Fprintf(os.Stderr, "usage: outpostctl %s\n", form)
	os.Exit(1)
}

func check(err error) {
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
