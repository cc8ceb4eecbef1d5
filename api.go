package irisgo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/samber/lo"
)

// defaultHTTPTimeout applies when no timeout is configured.
const defaultHTTPTimeout = 30 * time.Second

// Client communicates with the Iris bridge HTTP surface. It works
// independently of the streaming connection; no live WebSocket is needed.
type Client struct {
	base string
	http *http.Client
	log  *slog.Logger
}

// NewClient creates a bridge client for the given base URL.
func NewClient(baseURL string, log *slog.Logger) *Client {
	return newClient(baseURL, defaultHTTPTimeout, log)
}

func newClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// BaseURL returns the bridge base URL.
func (c *Client) BaseURL() string { return c.base }

// BridgeError is the uniform failure kind for every bridge call: transport
// status failures, unparseable bodies, and success=false envelopes all
// surface as one, carrying whatever message the bridge reported.
type BridgeError struct {
	Status  int
	Message string
}

func (e *BridgeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("iris bridge error: %s", e.Message)
	}
	return fmt.Sprintf("iris bridge error: status %d", e.Status)
}

// ErrUnsupportedMedia is returned by ReplyMedia for any kind other than
// MediaImage, before any network call is made.
var ErrUnsupportedMedia = fmt.Errorf("irisgo: unsupported media kind")

// envelope is the response shape shared by all bridge endpoints.
type envelope struct {
	Success   *bool            `json:"success"`
	Error     string           `json:"error"`
	Data      []map[string]any `json:"data"`
	Message   json.RawMessage  `json:"message"`
	PlainText *string          `json:"plain_text"`
}

type replyRequest struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Data any    `json:"data"`
}

type queryRequest struct {
	Query string `json:"query"`
	Bind  []any  `json:"bind"`
}

type decryptRequest struct {
	Enc           int    `json:"enc"`
	B64Ciphertext string `json:"b64_ciphertext"`
	UserID        int64  `json:"user_id"`
}

// Reply sends a text message into a room.
func (c *Client) Reply(ctx context.Context, roomID int64, text string) error {
	_, err := c.do(ctx, http.MethodPost, "/reply", replyRequest{
		Type: "text",
		Room: strconv.FormatInt(roomID, 10),
		Data: text,
	})
	return err
}

// ReplyMedia sends media into a room as a single multi-item payload. Only
// MediaImage is supported; other kinds fail fast without touching the wire.
func (c *Client) ReplyMedia(ctx context.Context, roomID int64, kind MediaKind, files [][]byte) error {
	if kind != MediaImage {
		return fmt.Errorf("%w: %s", ErrUnsupportedMedia, kind)
	}
	_, err := c.do(ctx, http.MethodPost, "/reply", replyRequest{
		Type: "image_multiple",
		Room: strconv.FormatInt(roomID, 10),
		Data: lo.Map(files, func(f []byte, _ int) string {
			return base64.StdEncoding.EncodeToString(f)
		}),
	})
	return err
}

// Query runs a parametrized read against the bridge's backing store. The
// result is never nil; no rows yields an empty slice.
func (c *Client) Query(ctx context.Context, query string, bind []any) ([]map[string]any, error) {
	if bind == nil {
		bind = []any{}
	}
	env, err := c.do(ctx, http.MethodPost, "/query", queryRequest{Query: query, Bind: bind})
	if err != nil {
		return nil, err
	}
	if env.Data == nil {
		return []map[string]any{}, nil
	}
	return env.Data, nil
}

// DecryptRemote asks the bridge itself to decrypt a field. ok is false when
// the bridge has no answer.
func (c *Client) DecryptRemote(ctx context.Context, encType int, ciphertextB64 string, userID int64) (string, bool, error) {
	env, err := c.do(ctx, http.MethodPost, "/decrypt", decryptRequest{
		Enc:           encType,
		B64Ciphertext: ciphertextB64,
		UserID:        userID,
	})
	if err != nil {
		return "", false, err
	}
	if env.PlainText == nil {
		return "", false, nil
	}
	return *env.PlainText, true, nil
}

// Info fetches the bridge's identity and config.
func (c *Client) Info(ctx context.Context) (*BotInfo, error) {
	env, err := c.do(ctx, http.MethodGet, "/config/info", nil)
	if err != nil {
		return nil, err
	}
	var info BotInfo
	if len(env.Message) > 0 {
		if err := json.Unmarshal(env.Message, &info); err != nil {
			return nil, &BridgeError{Message: fmt.Sprintf("malformed info payload: %v", err)}
		}
	}
	return &info, nil
}

// do sends one request and parses the shared response envelope. Responses are
// requested gzip-encoded and decompressed here, since setting Accept-Encoding
// manually disables net/http's transparent handling.
func (c *Client) do(ctx context.Context, method, path string, body any) (*envelope, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("iris request failed: %w", err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &BridgeError{Status: resp.StatusCode, Message: "malformed gzip body"}
		}
		defer gz.Close()
		reader = gz
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, &BridgeError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (env.Success != nil && !*env.Success) {
		msg := env.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		c.log.Debug("bridge call failed", "method", method, "path", path, "status", resp.StatusCode)
		return nil, &BridgeError{Status: resp.StatusCode, Message: msg}
	}
	return &env, nil
}
