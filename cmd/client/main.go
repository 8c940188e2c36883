// Command client is a terminal chat endpoint for a ChatLink relay. It keeps
// history in a local sqlite file per identity, replays unconfirmed sends on
// reconnect and can place calls through the relay's signaling events.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/chatlink/chatlink/internal/call"
	"github.com/chatlink/chatlink/internal/client"
	"github.com/chatlink/chatlink/internal/client/history"
	"github.com/chatlink/chatlink/internal/wire"
	"github.com/chatlink/chatlink/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chatlink-client", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var (
		url      string
		userID   string
		username string
		dataDir  string
	)
	fs.StringVar(&url, "url", "ws://localhost:3000/ws", "Relay websocket URL")
	fs.StringVar(&userID, "user", "", "User id (generated when empty)")
	fs.StringVar(&username, "name", "", "Display name")
	fs.StringVar(&dataDir, "data", ".", "Directory for the local history database")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := logger.Init("warn"); err != nil {
		return err
	}
	defer logger.Sync()

	if userID == "" {
		userID = uuid.NewString()
		fmt.Printf("generated identity %s\n", userID)
	}
	if username == "" {
		username = userID
	}

	store, err := history.Open(filepath.Join(dataDir, fmt.Sprintf("chatlink-%s.db", userID)))
	if err != nil {
		return err
	}

	var machine *call.Machine

	c, err := client.New(client.Config{
		URL:      url,
		UserID:   userID,
		Username: username,
	}, store, client.Handlers{
		OnConnect: func() { fmt.Println("* connected") },
		OnDisconnect: func(err error) {
			fmt.Printf("* connection lost: %v\n", err)
		},
		OnOnlineUsers: func(users []wire.UserStatus) {
			names := make([]string, 0, len(users))
			for _, u := range users {
				names = append(names, u.Username)
			}
			fmt.Printf("* online: %s\n", strings.Join(names, ", "))
		},
		OnUserStatus: func(status wire.UserStatus) {
			fmt.Printf("* %s is %s\n", status.Username, status.Status)
		},
		OnMessage: func(msg wire.Message) {
			fmt.Printf("<%s> %s\n", msg.SenderID, msg.Content)
		},
		OnStatusUpdate: func(update wire.StatusUpdate) {
			fmt.Printf("* message %s is now %s\n", update.MessageID, update.Status)
		},
		OnSignal: func(event string, signal wire.SignalPayload) {
			if machine != nil {
				machine.HandleSignal(event, signal)
			}
		},
	})
	if err != nil {
		return err
	}

	machine = call.NewMachine(c, call.NewPionFactory(), call.OnStateChange(func(state call.State) {
		fmt.Printf("* call: %s\n", state)
	}))

	go func() { _ = c.Run(ctx) }()

	fmt.Println("commands: /msg <user> <text>, /retry, /history <user>, /call <user>, /answer, /decline, /hangup, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		if err := dispatch(c, machine, scanner.Text()); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Printf("! %v\n", err)
		}
	}
	return scanner.Err()
}

var errQuit = errors.New("quit")

func dispatch(c *client.Client, machine *call.Machine, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/msg":
		peer, text, ok := strings.Cut(rest, " ")
		if !ok {
			return errors.New("usage: /msg <user> <text>")
		}
		outcome, err := c.Send(peer, text)
		if err != nil {
			return err
		}
		fmt.Printf("* send: %s\n", outcome)
		return nil

	case "/retry":
		pending, err := c.Pending()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("* nothing pending")
			return nil
		}
		for _, msg := range pending {
			outcome, err := c.Retry(msg)
			if err != nil {
				return err
			}
			fmt.Printf("* retry %s: %s\n", msg.MessageID, outcome)
		}
		return nil

	case "/history":
		peer := strings.TrimSpace(rest)
		if peer == "" {
			return errors.New("usage: /history <user>")
		}
		msgs, err := c.Conversation(peer)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			fmt.Printf("[%s] <%s> %s\n", msg.Status, msg.SenderID, msg.Content)
		}
		return nil

	case "/call":
		peer := strings.TrimSpace(rest)
		if peer == "" {
			return errors.New("usage: /call <user>")
		}
		return machine.Start(peer)

	case "/answer":
		return machine.Answer()

	case "/decline":
		machine.Decline()
		return nil

	case "/hangup":
		machine.End()
		return nil

	case "/quit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
