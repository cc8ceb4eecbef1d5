// Package irisgo provides a Go client for writing chat bots against an Iris
// bridge instance. It maintains the streaming connection to the bridge,
// decodes inbound events, fans them out to registered handlers on a bounded
// pool, and resolves the encrypted profile fields the bridge returns.
package irisgo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/irisbot/irisgo/emitter"
)

const defaultReconnectDelay = 3 * time.Second

// Bot owns the streaming connection lifecycle and the dispatch bus.
type Bot struct {
	log        *slog.Logger
	bus        *emitter.Emitter
	wsEndpoint string
	reconnect  time.Duration

	// API is the bridge HTTP client; usable directly by handlers.
	API *Client

	Decrypt  *DecryptService
	Users    *UserService
	Channels *ChannelService
	Messages *MessageService
}

// New creates a Bot from cfg. Only cfg.IrisURL is mandatory; zero-valued
// optional fields take their defaults.
func New(cfg Config, log *slog.Logger) (*Bot, error) {
	if cfg.IrisURL == "" {
		return nil, errors.New("irisgo: IrisURL is required")
	}
	endpoint, err := wsEndpoint(cfg.IrisURL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	api := newClient(cfg.IrisURL, cfg.HTTPTimeout, log)
	dec := NewDecryptService(api, log)
	users := NewUserService(api, dec)
	channels := NewChannelService(api, users, log)

	return &Bot{
		log:        log,
		bus:        emitter.New(log, cfg.MaxWorkers),
		wsEndpoint: endpoint,
		reconnect:  cfg.ReconnectDelay,
		API:        api,
		Decrypt:    dec,
		Users:      users,
		Channels:   channels,
		Messages:   NewMessageService(api, users),
	}, nil
}

// wsEndpoint derives the streaming endpoint from the HTTP base URL: http
// becomes ws, https becomes wss, and the fixed /ws path is appended.
func wsEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("irisgo: parse iris url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("irisgo: unsupported scheme %q in iris url", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// On registers a handler for one of the chat topics (chat, message,
// new_member, del_member). Registration is append-only and order-preserving;
// topic names are case-insensitive. Use OnError for the error topic.
func (b *Bot) On(topic string, h func(*ChatContext) error) error {
	if t, ok := emitter.ParseTopic(topic); ok && t == emitter.TopicError {
		return errors.New("irisgo: use OnError for the error topic")
	}
	return b.bus.Register(topic, func(ev any) error {
		chat, ok := ev.(*ChatContext)
		if !ok {
			return fmt.Errorf("irisgo: unexpected event type %T", ev)
		}
		return h(chat)
	})
}

// OnError registers a handler for ErrorEvents synthesized from failing
// handlers. An error handler that itself fails is only logged.
func (b *Bot) OnError(h func(*emitter.ErrorEvent) error) error {
	return b.bus.Register(string(emitter.TopicError), func(ev any) error {
		errEv, ok := ev.(*emitter.ErrorEvent)
		if !ok {
			return fmt.Errorf("irisgo: unexpected event type %T", ev)
		}
		return h(errEv)
	})
}

// Run connects to the bridge streaming endpoint and processes frames until
// ctx is cancelled. Any connect or read failure is logged and retried after
// the fixed reconnect delay, unconditionally and indefinitely.
func (b *Bot) Run(ctx context.Context) error {
	for {
		err := b.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Error("iris websocket failed", "error", err)
		b.log.Info("reconnecting", "delay", b.reconnect)
		select {
		case <-time.After(b.reconnect):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// session owns one connection: dial, then read frames until the connection
// dies. A malformed frame is logged and skipped; it never ends the session.
func (b *Bot) session(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, b.wsEndpoint)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	// No close handshake: a dead connection is abandoned immediately.
	defer conn.Close()

	// Unblock the read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log := b.log.With("session", uuid.NewString())
	log.Info("connected to iris websocket", "endpoint", b.wsEndpoint)

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := b.handleFrame(data); err != nil {
			log.Error("failed to process iris event", "error", err)
		}
	}
}

// handleFrame decodes one frame and dispatches it. Dispatch submission is
// synchronous from the read loop; handler execution is not.
func (b *Bot) handleFrame(data []byte) error {
	var frame wsFrame
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&frame); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if frame.JSON == nil {
		return errors.New("frame has no json payload")
	}
	b.dispatch(b.newChatContext(&frame))
	return nil
}

func (b *Bot) newChatContext(frame *wsFrame) *ChatContext {
	raw := frame.JSON
	content := asString(raw["message"])
	command, params, hasParams := splitCommand(content)

	sender := &User{ID: asInt64(raw["user_id"]), name: frame.Sender, users: b.Users}
	return &ChatContext{
		Room:   &Room{ID: asInt64(raw["chat_id"]), name: frame.Room, channels: b.Channels},
		Sender: sender,
		Message: &Message{
			ID:         asInt64(raw["id"]),
			Type:       int(asInt64(raw["type"])),
			Content:    content,
			Attachment: decodeMap(raw["attachment"]),
			V:          decodeMap(raw["v"]),
			Command:    command,
			Params:     params,
			HasParams:  hasParams,
			Sender:     sender,
		},
		Raw: raw,
		api: b.API,
	}
}

// dispatch emits every event under the generic chat topic plus the topic
// derived from its origin tag, so subscribers choose their granularity.
func (b *Bot) dispatch(chat *ChatContext) {
	b.bus.Emit(string(emitter.TopicChat), chat)
	switch chat.Message.Origin() {
	case "MSG":
		b.bus.Emit(string(emitter.TopicMessage), chat)
	case "NEWMEM":
		b.bus.Emit(string(emitter.TopicNewMember), chat)
	case "DELMEM":
		b.bus.Emit(string(emitter.TopicDelMember), chat)
	}
}

// Drain waits for in-flight handlers to finish, or for ctx to expire.
// Without it, outstanding handlers are not guaranteed to complete before
// process exit.
func (b *Bot) Drain(ctx context.Context) error {
	return b.bus.Drain(ctx)
}
