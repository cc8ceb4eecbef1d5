package irisgo

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/irisbot/irisgo/decrypt"
)

// ErrNotFound is returned by lookups that resolved to nothing. Callers are
// expected to substitute a placeholder where a display value is needed.
var ErrNotFound = errors.New("irisgo: not found")

// unknownName is shown for members whose name cannot be resolved.
const unknownName = "(unknown)"

// DecryptService resolves encrypted fields, preferring the local cipher
// engine and degrading through the bridge's remote decrypt endpoint down to
// raw ciphertext passthrough. Only an unsupported encoding type fails loudly.
type DecryptService struct {
	api     *Client
	ciphers *decrypt.Decryptor
	log     *slog.Logger

	mu   sync.Mutex
	info *BotInfo
}

func NewDecryptService(api *Client, log *slog.Logger) *DecryptService {
	if log == nil {
		log = slog.Default()
	}
	return &DecryptService{api: api, ciphers: decrypt.NewDecryptor(), log: log}
}

// Self returns the bridge's own identity, fetched once and cached.
func (s *DecryptService) Self(ctx context.Context) (*BotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info != nil {
		return s.info, nil
	}
	info, err := s.api.Info(ctx)
	if err != nil {
		return nil, err
	}
	s.info = info
	return info, nil
}

// Resolve decrypts one identity-scoped field. An unsupported encoding type is
// a protocol mismatch and is returned as-is; any other local failure falls
// back to the bridge's own decrypt endpoint, and finally to the unmodified
// ciphertext so the caller always has some displayable value.
func (s *DecryptService) Resolve(ctx context.Context, encType int, ciphertextB64 string, userID int64) (string, error) {
	plain, err := s.ciphers.Decrypt(userID, encType, ciphertextB64)
	if err == nil {
		return plain, nil
	}
	if errors.Is(err, decrypt.ErrUnsupportedEncoding) {
		return "", err
	}

	s.log.Debug("local decrypt failed, falling back to bridge", "user_id", userID, "error", err)
	if plain, ok, rerr := s.api.DecryptRemote(ctx, encType, ciphertextB64, userID); rerr == nil && ok {
		return plain, nil
	}
	return ciphertextB64, nil
}

// UserService resolves user display names and profile fields from the
// bridge's backing store.
type UserService struct {
	api *Client
	dec *DecryptService

	mu    sync.RWMutex
	names map[int64]string
}

func NewUserService(api *Client, dec *DecryptService) *UserService {
	return &UserService{api: api, dec: dec, names: make(map[int64]string)}
}

// Name resolves a user's display name: the bridge's own bot id short-circuits
// to the configured bot name with no query or decrypt; otherwise the friends
// table is tried, then the open chat member table; the found encrypted field
// is decrypted. A total miss returns ErrNotFound.
func (s *UserService) Name(ctx context.Context, userID int64) (string, error) {
	s.mu.RLock()
	cached, ok := s.names[userID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if info, err := s.dec.Self(ctx); err == nil && info.BotID == userID && info.BotName != "" {
		s.store(userID, info.BotName)
		return info.BotName, nil
	}

	rows, err := s.api.Query(ctx, "SELECT name, enc FROM db2.friends WHERE id = ?", []any{userID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		rows, err = s.api.Query(ctx, "SELECT nickname AS name, enc FROM db2.open_chat_member WHERE user_id = ?", []any{userID})
		if err != nil {
			return "", err
		}
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}

	name, err := s.decryptField(ctx, rows[0], "name", userID)
	if err != nil {
		return "", err
	}
	s.store(userID, name)
	return name, nil
}

// BulkNames resolves many user ids at once: one friends query, then one open
// chat member query for whatever is still missing. Unresolvable ids are
// simply absent from the result.
func (s *UserService) BulkNames(ctx context.Context, userIDs []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}

	collect := func(rows []map[string]any) {
		for _, row := range rows {
			id := asInt64(row["id"])
			if name, err := s.decryptField(ctx, row, "name", id); err == nil {
				names[id] = name
			}
		}
	}

	rows, err := s.api.Query(ctx,
		"SELECT id, name, enc FROM db2.friends WHERE id IN ("+placeholders(len(userIDs))+")",
		toBind(userIDs))
	if err != nil {
		return nil, err
	}
	collect(rows)

	missing := lo.Filter(userIDs, func(id int64, _ int) bool {
		_, ok := names[id]
		return !ok
	})
	if len(missing) > 0 {
		rows, err = s.api.Query(ctx,
			"SELECT id, nickname AS name, enc FROM db2.open_chat_member WHERE id IN ("+placeholders(len(missing))+")",
			toBind(missing))
		if err != nil {
			return nil, err
		}
		collect(rows)
	}
	return names, nil
}

// ProfileImageURL resolves a user's original profile image URL, trying the
// friends table then the open chat member table.
func (s *UserService) ProfileImageURL(ctx context.Context, userID int64) (string, error) {
	rows, err := s.api.Query(ctx,
		"SELECT original_profile_image_url AS url, enc FROM db2.friends WHERE id = ?", []any{userID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		rows, err = s.api.Query(ctx,
			"SELECT original_profile_image_url AS url, enc FROM db2.open_chat_member WHERE user_id = ?", []any{userID})
		if err != nil {
			return "", err
		}
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	return s.decryptField(ctx, rows[0], "url", userID)
}

// LinkID returns the open chat link id a user belongs to.
func (s *UserService) LinkID(ctx context.Context, userID int64) (int64, error) {
	rows, err := s.api.Query(ctx, "SELECT link_id FROM db2.open_chat_member WHERE id = ?", []any{userID})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, ErrNotFound
	}
	return asInt64(rows[0]["link_id"]), nil
}

func (s *UserService) decryptField(ctx context.Context, row map[string]any, field string, userID int64) (string, error) {
	ciphertext := asString(row[field])
	if ciphertext == "" {
		return "", ErrNotFound
	}
	return s.dec.Resolve(ctx, int(asInt64(row["enc"])), ciphertext, userID)
}

// store caches a resolved name. Recomputation is pure, so a concurrent
// double-resolve overwrites with an identical value.
func (s *UserService) store(userID int64, name string) {
	s.mu.Lock()
	s.names[userID] = name
	s.mu.Unlock()
}

// ChannelService sends into rooms and resolves room metadata.
type ChannelService struct {
	api   *Client
	users *UserService
	log   *slog.Logger
}

func NewChannelService(api *Client, users *UserService, log *slog.Logger) *ChannelService {
	if log == nil {
		log = slog.Default()
	}
	return &ChannelService{api: api, users: users, log: log}
}

// Send posts a text message into a channel.
func (s *ChannelService) Send(ctx context.Context, channelID int64, message string) error {
	return s.api.Reply(ctx, channelID, message)
}

// SendMedia posts media into a channel. Only MediaImage is supported.
func (s *ChannelService) SendMedia(ctx context.Context, channelID int64, kind MediaKind, files ...[]byte) error {
	return s.api.ReplyMedia(ctx, channelID, kind, files)
}

// Type returns the channel's room type. A MultiChat whose meta references a
// warehouse is reported as TeamChat.
func (s *ChannelService) Type(ctx context.Context, channelID int64) (string, error) {
	rows, err := s.api.Query(ctx, "SELECT type, meta FROM chat_rooms WHERE id = ?", []any{channelID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	roomType := asString(rows[0]["type"])
	if roomType == "MultiChat" && strings.Contains(asString(rows[0]["meta"]), "warehouse") {
		return "TeamChat", nil
	}
	return roomType, nil
}

// Name resolves a channel's display name per its type: open chats read the
// open link name, team chats the warehouse name, and group chats join the
// display members' resolved names. picker selects the comma-only separator
// variant used by member pickers.
func (s *ChannelService) Name(ctx context.Context, channelID int64, picker bool) (string, error) {
	roomType, err := s.Type(ctx, channelID)
	if err != nil {
		return "", err
	}

	switch roomType {
	case "OM":
		rows, err := s.api.Query(ctx,
			"SELECT name FROM db2.open_link WHERE id = (SELECT link_id FROM chat_rooms WHERE id = ?)",
			[]any{channelID})
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			return "", ErrNotFound
		}
		return asString(rows[0]["name"]), nil

	case "TeamChat":
		rows, err := s.api.Query(ctx, "SELECT name FROM warehouse_info WHERE chat_id = ?", []any{channelID})
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			return "", ErrNotFound
		}
		return asString(rows[0]["name"]), nil

	case "MultiChat":
		return s.multiChatName(ctx, channelID, picker)
	}
	return "", ErrNotFound
}

// multiChatName joins the resolved names of the room's display members.
func (s *ChannelService) multiChatName(ctx context.Context, channelID int64, picker bool) (string, error) {
	rows, err := s.api.Query(ctx, "SELECT v FROM chat_rooms WHERE id = ?", []any{channelID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}

	displayIDs := asString(decodeMap(rows[0]["v"])["display_user_ids"])
	if displayIDs == "" {
		return "", ErrNotFound
	}
	ids := lo.FilterMap(strings.Split(displayIDs, ","), func(raw string, _ int) (int64, bool) {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		return id, err == nil
	})

	names, err := s.users.BulkNames(ctx, ids)
	if err != nil {
		return "", err
	}

	sep := ", "
	if picker {
		sep = ","
	}
	return strings.Join(lo.Map(ids, func(id int64, _ int) string {
		if name, ok := names[id]; ok {
			return name
		}
		return unknownName
	}), sep), nil
}

// CustomName returns the user-set room name from the room's private meta.
func (s *ChannelService) CustomName(ctx context.Context, channelID int64) (string, error) {
	rows, err := s.api.Query(ctx, "SELECT private_meta FROM chat_rooms WHERE id = ?", []any{channelID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	name := asString(decodeMap(rows[0]["private_meta"])["name"])
	if name == "" {
		return "", ErrNotFound
	}
	return name, nil
}

// MessageService reads chat history rows back into Messages.
type MessageService struct {
	api   *Client
	users *UserService
}

func NewMessageService(api *Client, users *UserService) *MessageService {
	return &MessageService{api: api, users: users}
}

// FromLogID loads one chat log row as a Message. The sender carries no name;
// it resolves lazily through UserService on first use.
func (s *MessageService) FromLogID(ctx context.Context, logID int64) (*Message, error) {
	rows, err := s.api.Query(ctx, "SELECT * FROM chat_logs WHERE id = ?", []any{logID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	row := rows[0]

	content := asString(row["message"])
	command, params, hasParams := splitCommand(content)
	return &Message{
		ID:         asInt64(row["id"]),
		Type:       int(asInt64(row["type"])),
		Content:    content,
		Attachment: decodeMap(row["attachment"]),
		V:          decodeMap(row["v"]),
		Command:    command,
		Params:     params,
		HasParams:  hasParams,
		Sender:     &User{ID: asInt64(row["user_id"]), users: s.users},
	}, nil
}

func placeholders(n int) string {
	return strings.Join(lo.Times(n, func(int) string { return "?" }), ",")
}

func toBind(ids []int64) []any {
	return lo.Map(ids, func(id int64, _ int) any { return id })
}
