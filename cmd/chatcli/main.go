package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vvinit594/Flowwdeck/internal/auth"
	"github.com/vvinit594/Flowwdeck/internal/chat"
	"github.com/vvinit594/Flowwdeck/internal/metrics"
	"github.com/vvinit594/Flowwdeck/internal/protocol"
	"github.com/vvinit594/Flowwdeck/internal/rest"
	"github.com/vvinit594/Flowwdeck/internal/transport"
)

func main() {
	token := os.Getenv("CHAT_TOKEN")
	if token == "" {
		log.Fatal("CHAT_TOKEN is required")
	}

	apiURL := "http://localhost:5000"
	if v := os.Getenv("CHAT_API_URL"); v != "" {
		apiURL = v
	}
	wsURL := "ws://localhost:5000/ws"
	if v := os.Getenv("CHAT_WS_URL"); v != "" {
		wsURL = v
	}

	config := transport.DefaultConfig(wsURL)
	if v := os.Getenv("CHAT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxAttempts = n
		}
	}
	if v := os.Getenv("CHAT_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.PingInterval = d
		}
	}

	tokens := auth.StaticProvider(token)
	manager := transport.NewManager(config, tokens)
	api := rest.NewClient(apiURL, tokens)

	client, err := chat.New(manager, api, tokens, chat.DefaultConfig())
	if err != nil {
		log.Fatalf("failed to build chat client: %v", err)
	}

	manager.OnStateChange(func(s transport.State) {
		log.Printf("[conn] state: %s", s)
	})

	log.Printf("Flowwdeck chat client starting")
	log.Printf("  viewer:        %s", client.Viewer().UserID)
	log.Printf("  api_url:       %s", apiURL)
	log.Printf("  ws_url:        %s", wsURL)
	log.Printf("  max_attempts:  %d", config.MaxAttempts)
	log.Printf("  ping_interval: %s", config.PingInterval)

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			log.Printf("  metrics:       http://%s/metrics", addr)
			if err := http.ListenAndServe(addr, metrics.Handler()); err != nil {
				log.Printf("metrics server failed: %v", err)
			}
		}()
	}

	ctx := context.Background()
	if err := manager.EnsureConnected(ctx); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	if err := client.Directory.Refresh(ctx); err != nil {
		log.Printf("conversation list unavailable: %v", err)
	}

	go commandLoop(client)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	client.Teardown()
}

// commandLoop reads line commands from stdin and drives the chat core.
func commandLoop(client *chat.Client) {
	var current protocol.ConversationID

	scanner := bufio.NewScanner(os.Stdin)
	printHelp()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "list":
			for _, conv := range client.Directory.List() {
				marker := " "
				if conv.ID == current {
					marker = "*"
				}
				preview := ""
				if conv.LastMessage != nil {
					preview = conv.LastMessage.Content
				}
				fmt.Printf("%s %-12s unread=%-3d %s\n", marker, conv.ID, conv.UnreadCount, preview)
			}

		case "open":
			if arg == "" {
				fmt.Println("usage: open <conversation-id>")
				continue
			}
			id := protocol.ConversationID(arg)
			if err := client.OpenConversation(context.Background(), id); err != nil {
				fmt.Printf("open failed: %v\n", err)
				continue
			}
			current = id
			for _, m := range client.Stream.View().Messages {
				printMessage(client, m)
			}

		case "send":
			if current == "" {
				fmt.Println("no open conversation; use: open <id>")
				continue
			}
			if _, err := client.SendMessage(current, arg); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}

		case "search":
			client.Directory.Search(arg, func(users []protocol.User, err error) {
				if err != nil {
					fmt.Printf("search failed: %v\n", err)
					return
				}
				for _, u := range users {
					fmt.Printf("  %-12s %s (%s)\n", u.ID, u.FullName, u.UserType)
				}
			})

		case "start":
			if arg == "" {
				fmt.Println("usage: start <user-id>")
				continue
			}
			conv, err := client.StartConversation(context.Background(), protocol.UserID(arg))
			if err != nil {
				fmt.Printf("start failed: %v\n", err)
				continue
			}
			fmt.Printf("conversation %s with %s\n", conv.ID, conv.OtherUser.FullName)

		case "close":
			if current != "" {
				client.CloseConversation(current)
				current = ""
			}

		case "typing":
			if current != "" {
				client.Rooms.SignalTyping(current)
			}

		case "help":
			printHelp()

		default:
			fmt.Printf("unknown command %q; try help\n", cmd)
		}
	}
}

func printMessage(client *chat.Client, m chat.ViewMessage) {
	who := string(m.SenderID)
	if m.SenderID == client.Viewer().UserID {
		who = "me"
	}
	status := ""
	switch {
	case m.Failed:
		status = " [failed]"
	case m.Pending:
		status = " [sending]"
	case m.ReadAt != nil:
		status = " [read]"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Format("15:04:05"), who, m.Content, status)
}

func printHelp() {
	fmt.Println("commands:")
	fmt.Println("  list            show conversations, most recent first")
	fmt.Println("  open <id>       open a conversation and print its history")
	fmt.Println("  send <text>     send into the open conversation")
	fmt.Println("  typing          signal a keystroke in the open conversation")
	fmt.Println("  search <query>  find users to chat with")
	fmt.Println("  start <user-id> start (or resume) a conversation with a user")
	fmt.Println("  close           leave the open conversation")
	fmt.Println("  help            this text")
}
