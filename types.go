package irisgo

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// wsFrame is one decoded unit from the bridge streaming endpoint. The nested
// "json" object is the raw chat_logs row and keeps bridge-defined keys.
type wsFrame struct {
	Msg    string         `json:"msg"`
	Room   string         `json:"room"`
	Sender string         `json:"sender"`
	JSON   map[string]any `json:"json"`
}

// BotInfo is the bridge's own identity, returned by GET /config/info.
type BotInfo struct {
	BotID   int64  `json:"bot_id"`
	BotName string `json:"bot_name"`
}

// MediaKind selects the payload type for media replies.
type MediaKind string

const (
	MediaImage MediaKind = "IMAGE"
	MediaFile  MediaKind = "FILE"
	MediaAudio MediaKind = "AUDIO"
	MediaVideo MediaKind = "VIDEO"
)

// Room is the channel an event happened in.
type Room struct {
	ID int64

	name     string
	channels *ChannelService
}

// Name resolves the room's display name. Frames carry it pre-resolved; rooms
// built from database rows resolve through ChannelService on first call and
// cache the result. Recomputation is pure, so concurrent calls may recompute
// but always store the same value.
func (r *Room) Name(ctx context.Context) (string, bool) {
	if r.name != "" {
		return r.name, true
	}
	if r.channels == nil {
		return "", false
	}
	name, err := r.channels.Name(ctx, r.ID, false)
	if err != nil || name == "" {
		return "", false
	}
	r.name = name
	return name, true
}

// User is a chat participant.
type User struct {
	ID int64

	name  string
	users *UserService
}

// Name resolves the user's display name, lazily and cached, through the
// layered lookup in UserService. ok is false when no name exists anywhere;
// callers should show a placeholder in that case.
func (u *User) Name(ctx context.Context) (string, bool) {
	if u.name != "" {
		return u.name, true
	}
	if u.users == nil {
		return "", false
	}
	name, err := u.users.Name(ctx, u.ID)
	if err != nil || name == "" {
		return "", false
	}
	u.name = name
	return name, true
}

// Message is the payload of an inbound event. Attachment and V are
// opportunistically decoded: a missing or malformed field yields an empty
// map, never a dispatch failure.
type Message struct {
	ID         int64
	Type       int
	Content    string
	Attachment map[string]any
	V          map[string]any

	// Command is the first space-separated token of Content; Params is the
	// remainder when present.
	Command   string
	Params    string
	HasParams bool

	Sender *User
}

// Origin returns the event's origin tag (MSG, NEWMEM, DELMEM, ...) from the
// metadata map, or "" when absent.
func (m *Message) Origin() string {
	return asString(m.V["origin"])
}

// ChatContext is the event value handed to handlers. It is created fresh per
// inbound frame; handlers may retain it but must not mutate shared fields.
type ChatContext struct {
	Room    *Room
	Sender  *User
	Message *Message
	Raw     map[string]any

	api *Client
}

// Reply sends a text reply into the event's room.
func (c *ChatContext) Reply(ctx context.Context, text string) error {
	return c.api.Reply(ctx, c.Room.ID, text)
}

// ReplyMedia sends media into the event's room. Only MediaImage is supported.
func (c *ChatContext) ReplyMedia(ctx context.Context, kind MediaKind, files ...[]byte) error {
	return c.api.ReplyMedia(ctx, c.Room.ID, kind, files)
}

func splitCommand(content string) (command, params string, hasParams bool) {
	return strings.Cut(content, " ")
}

// asInt64 coerces the loosely typed values the bridge emits (json.Number from
// UseNumber decoding, strings from database rows) into an int64, 0 on failure.
func asInt64(v any) int64 {
	switch t := v.(type) {
	case json.Number:
		n, _ := t.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	}
	return 0
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	}
	return ""
}

// decodeMap best-effort decodes a JSON-encoded text field into a map. Absent,
// empty, or malformed input degrades to an empty map.
func decodeMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		if t != "" {
			m := map[string]any{}
			dec := json.NewDecoder(strings.NewReader(t))
			dec.UseNumber()
			if err := dec.Decode(&m); err == nil {
				return m
			}
		}
	}
	return map[string]any{}
}
