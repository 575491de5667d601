package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Sunbridger/wechat-app/internal/logger"
	"github.com/Sunbridger/wechat-app/internal/protocol"
	"github.com/Sunbridger/wechat-app/internal/reconciler"
	"github.com/Sunbridger/wechat-app/internal/reply"
	"github.com/Sunbridger/wechat-app/internal/session"
	"github.com/Sunbridger/wechat-app/internal/signaling"
	"github.com/Sunbridger/wechat-app/internal/store"
	"github.com/Sunbridger/wechat-app/internal/transport"
	"github.com/Sunbridger/wechat-app/internal/transport/webrtc"
)

var (
	chatDBPath       string
	chatSignalingURL string
	chatSTUNServers  []string
	chatDisplayName  string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the messaging client",
	Run: func(cmd *cobra.Command, args []string) {
		runChat()
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatDBPath, "db", "wechat.sqlite3", "path to the local database")
	chatCmd.Flags().StringVar(&chatSignalingURL, "signaling", "ws://localhost:9000/ws", "signaling service URL")
	chatCmd.Flags().StringSliceVar(&chatSTUNServers, "stun", webrtc.DefaultSTUNServers, "STUN servers for connection setup")
	chatCmd.Flags().StringVar(&chatDisplayName, "name", "", "display name shown to peers")
}

// chatApp is the composition root: every component is constructed
// here and passed down explicitly; there is no ambient global state.
type chatApp struct {
	log      *logrus.Logger
	system   *store.SystemStore
	contacts *store.ContactStore
	messages *store.MessageStore
	sess     *session.Session
	rec      *reconciler.Reconciler
	replies  reply.Generator
	user     protocol.UserInfo

	active store.Contact
}

func runChat() {
	log := logger.New()

	db, err := store.Open(chatDBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	app := &chatApp{
		log:      log,
		system:   store.NewSystemStore(db),
		contacts: store.NewContactStore(db),
		messages: store.NewMessageStore(db),
	}

	app.user = app.loadUser()

	var primary reply.Generator
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		primary = reply.NewGemini(key)
	}
	app.replies = reply.NewResilient(primary, log)

	app.rec = reconciler.New(app.contacts, app.messages, log, func() int64 {
		return time.Now().UnixMilli()
	})

	sig := signaling.NewClient(chatSignalingURL, log)
	reg := transport.NewRegistry(log)
	tr := webrtc.New(sig, reg, chatSTUNServers, log)
	app.sess = session.New(sig, tr, reg, log)

	app.sess.SetOnIDAssigned(func(id string) {
		if err := app.system.SavePeerAddress(id); err != nil {
			log.Warnf("failed to persist peer address: %v", err)
		}
		fmt.Printf("your peer address: %s\n", id)
	})
	app.sess.SetOnStatusChange(func(update session.StatusUpdate) {
		if update.Detail != "" {
			fmt.Printf("[%s] %s\n", update.Status, update.Detail)
			return
		}
		log.Infof("session status: %s", update.Status)
	})
	app.sess.SetOnMessageReceived(func(env protocol.Envelope) {
		contact, msg, err := app.rec.Apply(env)
		if err != nil {
			log.Errorf("failed to store incoming message: %v", err)
			return
		}
		fmt.Printf("%s: %s\n", contact.Name, render(msg))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	savedID, err := app.system.GetPeerAddress()
	if err != nil {
		log.Warnf("failed to read saved peer address: %v", err)
	}
	app.sess.Init(ctx, savedID)

	go app.inputLoop(ctx)

	<-ctx.Done()
	_ = app.sess.Close()
	log.Info("bye")
}

func (a *chatApp) loadUser() protocol.UserInfo {
	user, found, err := a.system.GetUser()
	if err != nil {
		a.log.Warnf("failed to load user profile: %v", err)
	}
	if !found {
		user = protocol.UserInfo{
			ID:     "me",
			Name:   "Me",
			Avatar: "https://picsum.photos/200",
		}
	}
	if chatDisplayName != "" {
		user.Name = chatDisplayName
	}
	if err := a.system.SaveUser(user); err != nil {
		a.log.Warnf("failed to save user profile: %v", err)
	}
	return user
}

func (a *chatApp) inputLoop(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			a.command(line)
			continue
		}
		a.send(ctx, line)
	}
}

func (a *chatApp) command(line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/add":
		if len(fields) < 2 {
			fmt.Println("usage: /add <peer-address> [name]")
			return
		}
		addr := fields[1]
		name := addr
		if len(fields) > 2 {
			name = strings.Join(fields[2:], " ")
		}
		a.addContact(addr, name)

	case "/to":
		if len(fields) < 2 {
			fmt.Println("usage: /to <contact-name>")
			return
		}
		a.selectContact(strings.Join(fields[1:], " "))

	case "/contacts":
		a.listContacts()

	case "/history":
		a.printHistory()

	case "/quit":
		os.Exit(0)

	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
}

func (a *chatApp) addContact(addr, name string) {
	contact := store.Contact{
		ID:          "p2p_" + addr,
		Name:        name,
		Avatar:      "https://picsum.photos/200",
		PeerAddress: addr,
	}
	if err := a.contacts.Create(contact); err != nil {
		a.log.Warnf("failed to add contact: %v", err)
		return
	}
	a.active = contact
	a.sess.ConnectToPeer(addr)
	fmt.Printf("added %s, chatting with them now\n", name)
}

func (a *chatApp) selectContact(name string) {
	contact, found, err := a.contacts.FindByName(name)
	if err != nil || !found {
		fmt.Printf("no contact named %q\n", name)
		return
	}
	a.active = contact
	fmt.Printf("chatting with %s\n", contact.Name)
}

func (a *chatApp) listContacts() {
	contacts, err := a.contacts.List()
	if err != nil {
		a.log.Warnf("failed to list contacts: %v", err)
		return
	}
	for _, c := range contacts {
		marker := " "
		if c.ID == a.active.ID {
			marker = "*"
		}
		fmt.Printf("%s %s (%s) %s\n", marker, c.Name, c.ID, c.LastMessage)
	}
}

func (a *chatApp) printHistory() {
	if a.active.ID == "" {
		fmt.Println("no active chat, use /to or /add first")
		return
	}
	history, err := a.messages.History(a.active.ID)
	if err != nil {
		a.log.Warnf("failed to load history: %v", err)
		return
	}
	for _, msg := range history {
		who := a.active.Name
		if msg.SenderID == "me" {
			who = a.user.Name
		}
		fmt.Printf("%s: %s\n", who, render(msg))
	}
}

func (a *chatApp) send(ctx context.Context, text string) {
	if a.active.ID == "" {
		fmt.Println("no active chat, use /to or /add first")
		return
	}

	msg := protocol.ChatMessage{
		ID:        uuid.NewString(),
		Content:   text,
		SenderID:  "me",
		Timestamp: time.Now().UnixMilli(),
		Type:      protocol.TypeText,
		Status:    protocol.StatusSent,
	}
	if err := a.messages.Append(a.active.ID, msg); err != nil {
		a.log.Errorf("failed to store message: %v", err)
		return
	}
	if err := a.contacts.UpdateLastMessage(a.active.ID, text, msg.Timestamp); err != nil {
		a.log.Warnf("failed to update contact: %v", err)
	}

	switch {
	case a.active.PeerAddress != "":
		sender := protocol.UserInfo{
			ID:     a.sess.MyID(),
			Name:   a.user.Name,
			Avatar: a.user.Avatar,
		}
		a.sess.SendMessage(a.active.PeerAddress, msg, sender)

	case a.active.IsAI || (a.active.IsGroup && a.active.HasAIActive):
		go a.aiReply(ctx, a.active)
	}
}

// aiReply asks the generator for a response from the active AI
// persona and appends it to the conversation.
func (a *chatApp) aiReply(ctx context.Context, contact store.Contact) {
	history, err := a.messages.History(contact.ID)
	if err != nil {
		a.log.Errorf("failed to load history for reply: %v", err)
		return
	}

	text, err := a.replies.GenerateReply(ctx, history, contact.Name, contact.IsGroup)
	if err != nil {
		// The resilient generator absorbs failures; this is belt and
		// braces for a misconfigured composition.
		a.log.Errorf("reply generation failed: %v", err)
		return
	}

	msg := protocol.ChatMessage{
		ID:        uuid.NewString(),
		Content:   text,
		SenderID:  contact.ID,
		Timestamp: time.Now().UnixMilli(),
		Type:      protocol.TypeText,
		Status:    protocol.StatusRead,
	}
	if contact.IsGroup {
		msg.SenderID = "gemini_ai"
		msg.SenderName = contact.Name
	}

	if err := a.messages.Append(contact.ID, msg); err != nil {
		a.log.Errorf("failed to store reply: %v", err)
		return
	}
	if err := a.contacts.UpdateLastMessage(contact.ID, text, msg.Timestamp); err != nil {
		a.log.Warnf("failed to update contact: %v", err)
	}
	fmt.Printf("%s: %s\n", contact.Name, text)
}

func render(msg protocol.ChatMessage) string {
	if msg.Type == protocol.TypeText {
		return msg.Content
	}
	return fmt.Sprintf("[%s]", msg.Type)
}
