package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/huddle/internal/api"
	"github.com/matheus3301/huddle/internal/client"
	"github.com/matheus3301/huddle/internal/config"
	"github.com/matheus3301/huddle/internal/lock"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/profile"
	"github.com/matheus3301/huddle/internal/remote"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	var configured string
	if cfg, err := config.LoadOrDefault(profile.ConfigPath()); err == nil {
		configured = cfg.DefaultProfile
	}
	name := profile.Resolve(*profileFlag, configured)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if _, running, _ := lock.Holder(profile.Dir(name)); !running {
		fmt.Fprintf(os.Stderr, "error: no daemon running for profile %q (start huddled --profile %s)\n", name, name)
		os.Exit(1)
	}

	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		cmdWatch(ctx, c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := output{json: *jsonFlag}
	switch args[0] {
	case "status":
		need(args, 1, "status")
		resp, err := c.Status(ctx)
		check(err)
		out.status(resp)
	case "signin":
		need(args, 2, "signin <email> [display name]")
		resp, err := c.SignIn(ctx, args[1], strings.Join(args[2:], " "))
		check(err)
		out.print(resp, "Signed in as %s (%s)\n", resp.Email, resp.UserID)
	case "signout":
		check(c.SignOut(ctx))
		out.ok("Signed out.")
	case "open":
		need(args, 2, "open <conversation-id>")
		resp, err := c.Open(ctx, args[1])
		check(err)
		if out.json {
			outputJSON(resp)
			return
		}
		fmt.Printf("# %s (%d messages)\n", resp.Name, len(resp.Messages))
		printMessages(resp.Messages)
	case "close":
		check(c.CloseConversation(ctx))
		out.ok("Conversation closed.")
	case "messages":
		resp, err := c.Messages(ctx)
		check(err)
		if out.json {
			outputJSON(resp)
			return
		}
		printMessages(resp.Messages)
	case "send":
		need(args, 2, "send <text>")
		resp, err := c.Send(ctx, &api.SendRequest{Content: strings.Join(args[1:], " ")})
		check(err)
		out.print(resp, "Sent %s\n", resp.Message.ID)
	case "attach":
		need(args, 2, "attach <file> [text]")
		data, err := os.ReadFile(args[1])
		check(err)
		resp, err := c.Send(ctx, &api.SendRequest{
			Content: strings.Join(args[2:], " "),
			Files:   []api.File{{Name: args[1], Data: data}},
		})
		check(err)
		out.print(resp, "Sent %s with %d attachment(s)\n", resp.Message.ID, len(resp.Message.Attachments))
	case "reply":
		need(args, 3, "reply <message-id> <text>")
		resp, err := c.Reply(ctx, args[1], strings.Join(args[2:], " "))
		check(err)
		out.print(resp, "Sent %s\n", resp.Message.ID)
	case "resend":
		need(args, 2, "resend <client-id>")
		resp, err := c.Resend(ctx, args[1])
		check(err)
		out.print(resp, "Sent %s\n", resp.Message.ID)
	case "edit":
		need(args, 3, "edit <message-id> <text>")
		check(c.Edit(ctx, args[1], strings.Join(args[2:], " ")))
		out.ok("Edited.")
	case "delete":
		need(args, 2, "delete <message-id>")
		check(c.Delete(ctx, args[1]))
		out.ok("Deleted.")
	case "pin", "unpin":
		need(args, 2, args[0]+" <message-id>")
		check(c.Pin(ctx, args[1], args[0] == "pin"))
		out.ok("Done.")
	case "react", "unreact":
		need(args, 3, args[0]+" <message-id> <emoji>")
		if args[0] == "react" {
			check(c.React(ctx, args[1], args[2]))
		} else {
			check(c.Unreact(ctx, args[1], args[2]))
		}
		out.ok("Done.")
	case "typing":
		if len(args) > 1 {
			switch args[1] {
			case "start":
				check(c.StartTyping(ctx))
			case "stop":
				check(c.StopTyping(ctx))
			default:
				usage("typing [start|stop]")
			}
		}
		resp, err := c.Typing(ctx)
		check(err)
		if out.json {
			outputJSON(resp)
			return
		}
		names := make([]string, 0, len(resp.Users))
		for _, u := range resp.Users {
			names = append(names, u.DisplayName)
		}
		fmt.Printf("You typing: %v\nOthers: %s\n", resp.Typing, strings.Join(names, ", "))
	case "presence":
		if len(args) > 1 {
			check(c.SetStatus(ctx, args[1]))
		}
		resp, err := c.Presence(ctx)
		check(err)
		if out.json {
			outputJSON(resp)
			return
		}
		for _, p := range resp.Presence {
			fmt.Printf("%-38s %-8s %s\n", p.UserID, p.Status, p.UpdatedAt.Local().Format(time.Kitchen))
		}
	case "seen":
		need(args, 2, "seen <message-id>...")
		check(c.Visible(ctx, args[1:]...))
		out.ok("Marked visible.")
	case "readby":
		need(args, 2, "readby <message-id>")
		resp, err := c.ReadBy(ctx, args[1])
		check(err)
		if out.json {
			outputJSON(resp)
			return
		}
		if len(resp.Clusters) == 0 {
			fmt.Println("No one else has read this yet.")
		}
		for _, cl := range resp.Clusters {
			names := make([]string, 0, len(cl.Users))
			for _, u := range cl.Users {
				names = append(names, u.DisplayName)
			}
			fmt.Printf("%s  %s\n", cl.Start.Local().Format(time.Kitchen), strings.Join(names, ", "))
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: huddlectl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show daemon status")
	fmt.Fprintln(os.Stderr, "  signin <email> [name]       Sign in (and set display name)")
	fmt.Fprintln(os.Stderr, "  signout                     Sign out")
	fmt.Fprintln(os.Stderr, "  open <conversation-id>      Open a conversation")
	fmt.Fprintln(os.Stderr, "  close                       Close the conversation")
	fmt.Fprintln(os.Stderr, "  messages                    List messages")
	fmt.Fprintln(os.Stderr, "  send <text>                 Send a message")
	fmt.Fprintln(os.Stderr, "  attach <file> [text]        Send a file")
	fmt.Fprintln(os.Stderr, "  reply <id> <text>           Reply to a message")
	fmt.Fprintln(os.Stderr, "  resend <client-id>          Retry a failed send")
	fmt.Fprintln(os.Stderr, "  edit <id> <text>            Edit your message")
	fmt.Fprintln(os.Stderr, "  delete <id>                 Delete your message")
	fmt.Fprintln(os.Stderr, "  pin|unpin <id>              Pin or unpin a message")
	fmt.Fprintln(os.Stderr, "  react|unreact <id> <emoji>  Add or remove a reaction")
	fmt.Fprintln(os.Stderr, "  typing [start|stop]         Show or set typing")
	fmt.Fprintln(os.Stderr, "  presence [status]           Show presence or set yours")
	fmt.Fprintln(os.Stderr, "  seen <id>...                Report messages on screen")
	fmt.Fprintln(os.Stderr, "  readby <id>                 Show who read a message")
	fmt.Fprintln(os.Stderr, "  watch [prefix...]           Stream state events")
}

func cmdWatch(ctx context.Context, c *client.Client, prefixes []string, jsonOut bool) {
	err := c.Watch(ctx, prefixes, func(e *api.Event) error {
		if jsonOut {
			outputJSON(e)
			return nil
		}
		fmt.Printf("%s %-24s %s\n", time.UnixMilli(e.OccurredAtUnixMs).Format(time.TimeOnly), e.Kind, e.Payload)
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	check(err)
}

func printMessages(msgs []model.MessageView) {
	for _, m := range msgs {
		var b strings.Builder
		fmt.Fprintf(&b, "%s  %-12s %s", m.CreatedAt.Local().Format(time.Kitchen), m.Author.DisplayName, m.Content)
		if m.ReplyTo != nil {
			fmt.Fprintf(&b, "  ↪ %s: %q", m.ReplyTo.Author.DisplayName, m.ReplyTo.Content)
		}
		if m.EditedAt != nil {
			b.WriteString(" (edited)")
		}
		if m.Pinned {
			b.WriteString(" 📌")
		}
		for _, r := range m.Reactions {
			fmt.Fprintf(&b, " %s%d", r.Emoji, r.Count)
		}
		for _, a := range m.Attachments {
			fmt.Fprintf(&b, " [%s]", a.FileName)
		}
		fmt.Fprintf(&b, "  {%s %s} %s", m.State, m.Delivery, m.ID)
		fmt.Println(b.String())
	}
}

type output struct {
	json bool
}

func (o output) print(v any, format string, args ...any) {
	if o.json {
		outputJSON(v)
		return
	}
	fmt.Printf(format, args...)
}

func (o output) ok(msg string) {
	if o.json {
		outputJSON(map[string]bool{"ok": true})
		return
	}
	fmt.Println(msg)
}

func (o output) status(resp *api.StatusResponse) {
	if o.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile:      %s\n", resp.Profile)
	if resp.SignedIn {
		fmt.Printf("User:         %s (%s)\n", resp.Email, resp.Presence)
	} else {
		fmt.Println("User:         signed out")
	}
	if resp.ConversationID != "" {
		fmt.Printf("Conversation: %s (%d messages)\n", resp.ConversationName, resp.Messages)
	}
	fmt.Printf("Uptime:       %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
}

func need(args []string, n int, use string) {
	if len(args) < n {
		usage(use)
	}
}

func usage(use string) {
	fmt.Fprintf(os.Stderr, "usage: huddlectl %s\n", use)
	os.Exit(1)
}

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", remote.UserMessage(err))
		os.Exit(1)
	}
}

func fail(err error) {
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
