package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nexuschat/nexus/pkg/client"
	"github.com/nexuschat/nexus/pkg/logging"
	"github.com/nexuschat/nexus/pkg/protocol"
	"github.com/nexuschat/nexus/pkg/version"
)

func main() {
	addr := flag.String("addr", "localhost:9700", "Server address")
	username := flag.String("user", "", "Username")
	password := flag.String("pass", "", "Password")
	insecure := flag.Bool("insecure", true, "Accept self-signed server certificates")
	logLevel := flag.String("log-level", "warn", "Log level: "+logging.LevelNames())
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("nexus", version.Full())
		return
	}
	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: nexus -user <name> -pass <password> [-addr host:port]")
		os.Exit(2)
	}

	if err := logging.Setup(logging.Options{Level: *logLevel, Output: os.Stderr}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	c, err := client.Dial(client.Options{
		Addr:               *addr,
		InsecureSkipVerify: *insecure,
		Features:           []string{protocol.FeatureChat},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Handshake(); err != nil {
		fmt.Fprintf(os.Stderr, "handshake: %v\n", err)
		os.Exit(1)
	}
	login, err := c.Login(*username, *password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("connected to %s as %s\n", *addr, login.Username)
	if login.Topic != "" {
		fmt.Printf("topic: %s\n", login.Topic)
	}

	go printEvents(c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := runCommand(c, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		select {
		case <-c.Done():
			fmt.Fprintln(os.Stderr, "connection lost")
			os.Exit(1)
		default:
		}
	}
}

// runCommand maps a line of input to a protocol request. Plain text is chat.
func runCommand(c *client.Client, line string) error {
	if !strings.HasPrefix(line, "/") {
		return c.RequestAck(protocol.TypeChat, &protocol.ChatSend{Text: line})
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "msg":
		to, text, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("usage: /msg <user> <text>")
		}
		return c.RequestAck(protocol.TypeMessage, &protocol.MessageSend{To: to, Text: text})

	case "broadcast":
		return c.RequestAck(protocol.TypeBroadcast, &protocol.BroadcastSend{Text: rest})

	case "users":
		reply, err := c.Request(protocol.TypeUserList, &protocol.UserListRequest{})
		if err != nil {
			return err
		}
		var list protocol.UserListReply
		if err := reply.DecodePayload(&list); err != nil {
			return err
		}
		if !list.Success {
			return fmt.Errorf("%s", list.Message)
		}
		for _, u := range list.Users {
			state := "offline"
			if u.Online {
				state = "online"
			}
			flags := ""
			if u.IsAdmin {
				flags += " [admin]"
			}
			if !u.Enabled {
				flags += " [disabled]"
			}
			fmt.Printf("  %-20s %s%s\n", u.Username, state, flags)
		}
		return nil

	case "whois":
		reply, err := c.Request(protocol.TypeUserInfo, &protocol.UserInfoRequest{Username: rest})
		if err != nil {
			return err
		}
		var info protocol.UserInfoReply
		if err := reply.DecodePayload(&info); err != nil {
			return err
		}
		if !info.Success || info.User == nil {
			return fmt.Errorf("%s", info.Message)
		}
		u := info.User
		fmt.Printf("  %s admin=%v enabled=%v created=%s\n", u.Username, u.IsAdmin, u.Enabled,
			time.Unix(u.CreatedAt, 0).Format(time.RFC3339))
		fmt.Printf("  permissions: %s\n", strings.Join(u.Permissions, ", "))
		for _, sess := range u.Sessions {
			fmt.Printf("  session %d from %s since %s\n", sess.SessionID, sess.RemoteAddr,
				time.Unix(sess.LoginTime, 0).Format(time.RFC3339))
		}
		return nil

	case "topic":
		if rest == "" {
			reply, err := c.Request(protocol.TypeTopicGet, &protocol.TopicGetRequest{})
			if err != nil {
				return err
			}
			var tr protocol.TopicGetReply
			if err := reply.DecodePayload(&tr); err != nil {
				return err
			}
			if !tr.Success {
				return fmt.Errorf("%s", tr.Message)
			}
			fmt.Printf("topic: %s\n", tr.Topic)
			return nil
		}
		return c.RequestAck(protocol.TypeTopicSet, &protocol.TopicSetRequest{Topic: rest})

	case "adduser":
		parts := strings.Fields(rest)
		if len(parts) < 2 {
			return fmt.Errorf("usage: /adduser <name> <password> [perm ...]")
		}
		return c.RequestAck(protocol.TypeCreateUser, &protocol.CreateUserRequest{
			Username:    parts[0],
			Password:    parts[1],
			Permissions: parts[2:],
		})

	case "deluser":
		return c.RequestAck(protocol.TypeDeleteUser, &protocol.DeleteUserRequest{Username: rest})

	case "edituser":
		parts := strings.Fields(rest)
		if len(parts) < 2 {
			return fmt.Errorf("usage: /edituser <name> enable|disable|promote|demote|password <new>|rename <new>|perms <p,...>")
		}
		req := protocol.EditUserRequest{Username: parts[0]}
		switch parts[1] {
		case "enable":
			v := true
			req.SetEnabled = &v
		case "disable":
			v := false
			req.SetEnabled = &v
		case "promote":
			v := true
			req.SetAdmin = &v
		case "demote":
			v := false
			req.SetAdmin = &v
		case "password":
			if len(parts) < 3 {
				return fmt.Errorf("missing new password")
			}
			req.NewPassword = &parts[2]
		case "rename":
			if len(parts) < 3 {
				return fmt.Errorf("missing new username")
			}
			req.NewUsername = &parts[2]
		case "perms":
			if len(parts) < 3 {
				return fmt.Errorf("missing permission list")
			}
			perms := strings.Split(parts[2], ",")
			req.Permissions = &perms
		default:
			return fmt.Errorf("unknown edit action %q", parts[1])
		}
		return c.RequestAck(protocol.TypeEditUser, &req)

	case "kick":
		target, reason, _ := strings.Cut(rest, " ")
		return c.RequestAck(protocol.TypeKickUser, &protocol.KickUserRequest{Username: target, Reason: reason})

	case "ping":
		reply, err := c.Request(protocol.TypePing, &protocol.Ping{Timestamp: time.Now().UnixNano()})
		if err != nil {
			return err
		}
		var pong protocol.Pong
		if err := reply.DecodePayload(&pong); err != nil {
			return err
		}
		fmt.Printf("pong: %s\n", time.Duration(time.Now().UnixNano()-pong.Timestamp))
		return nil

	default:
		return fmt.Errorf("unknown command /%s", cmd)
	}
}

// printEvents renders unsolicited server frames until the connection drops.
func printEvents(c *client.Client) {
	for f := range c.Events() {
		switch f.Type {
		case protocol.TypeChatEvent:
			var ev protocol.ChatEvent
			if f.DecodePayload(&ev) == nil {
				fmt.Printf("[%s] %s\n", ev.From, ev.Text)
			}
		case protocol.TypeBroadcastEvent:
			var ev protocol.BroadcastEvent
			if f.DecodePayload(&ev) == nil {
				fmt.Printf("*** %s: %s\n", ev.From, ev.Text)
			}
		case protocol.TypeMessageEvent:
			var ev protocol.MessageEvent
			if f.DecodePayload(&ev) == nil {
				fmt.Printf("(pm) %s: %s\n", ev.From, ev.Text)
			}
		case protocol.TypeTopicChangedEvent:
			var ev protocol.TopicChangedEvent
			if f.DecodePayload(&ev) == nil {
				fmt.Printf("topic changed by %s: %s\n", ev.ChangedBy, ev.Topic)
			}
		case protocol.TypeUserConnected:
			var ev protocol.UserConnectedEvent
			if f.DecodePayload(&ev) == nil {
				fmt.Printf("-> %s connected\n", ev.Username)
			}
		case protocol.TypeUserDisconnected:
			var ev protocol.UserDisconnectedEvent
			if f.DecodePayload(&ev) == nil {
				fmt.Printf("<- %s disconnected\n", ev.Username)
			}
		case protocol.TypeKicked:
			var ev protocol.KickedEvent
			if f.DecodePayload(&ev) == nil {
				fmt.Printf("kicked from server: %s\n", ev.Reason)
			}
		}
	}
}
