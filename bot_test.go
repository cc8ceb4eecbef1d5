package irisgo

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSEndpoint(t *testing.T) {
	cases := map[string]string{
		"http://10.0.2.2:3000":   "ws://10.0.2.2:3000/ws",
		"https://iris.internal":  "wss://iris.internal/ws",
		"http://iris.internal/":  "ws://iris.internal/ws",
		"ws://iris.internal":     "ws://iris.internal/ws",
		"wss://iris.internal/x/": "wss://iris.internal/x/ws",
	}
	for in, want := range cases {
		got, err := wsEndpoint(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := wsEndpoint("ftp://iris.internal")
	assert.Error(t, err)
}

func startBot(t *testing.T, bridge *testBridge, delay time.Duration) (*Bot, context.CancelFunc, chan error) {
	t.Helper()
	bot, err := New(Config{IrisURL: bridge.srv.URL, ReconnectDelay: delay, MaxWorkers: 4}, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return bot, cancel, done
}

func testFrame(t *testing.T, origin, message string) []byte {
	t.Helper()
	frame, err := json.Marshal(map[string]any{
		"msg":    message,
		"room":   "general",
		"sender": "bob",
		"json": map[string]any{
			"chat_id":    "12345",
			"user_id":    "678",
			"id":         "900001",
			"type":       "1",
			"message":    message,
			"attachment": "{}",
			"v":          `{"origin":"` + origin + `"}`,
		},
	})
	require.NoError(t, err)
	return frame
}

func TestEndToEndMessageDispatch(t *testing.T) {
	bridge := newTestBridge(t)
	frames := make(chan []byte, 4)
	t.Cleanup(func() { close(frames) })
	bridge.setWSFn(func(conn net.Conn) {
		defer conn.Close()
		for data := range frames {
			if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
				return
			}
		}
	})

	bot, _, _ := startBot(t, bridge, 50*time.Millisecond)

	topics := make(chan string, 16)
	require.NoError(t, bot.On("chat", func(chat *ChatContext) error {
		topics <- "chat"
		return nil
	}))
	require.NoError(t, bot.On("message", func(chat *ChatContext) error {
		topics <- "message"
		assert.Equal(t, int64(12345), chat.Room.ID)
		assert.Equal(t, int64(678), chat.Sender.ID)
		assert.Equal(t, "!Hi", chat.Message.Content)
		assert.Equal(t, "!Hi", chat.Message.Command)
		assert.False(t, chat.Message.HasParams)
		return chat.Reply(context.Background(), "hello bob")
	}))
	require.NoError(t, bot.On("new_member", func(*ChatContext) error {
		topics <- "new_member"
		return nil
	}))
	require.NoError(t, bot.On("del_member", func(*ChatContext) error {
		topics <- "del_member"
		return nil
	}))

	frames <- testFrame(t, "MSG", "!Hi")

	// the message handler's reply proves the full frame->dispatch->reply path
	select {
	case reply := <-bridge.replyCh:
		assert.Equal(t, "text", reply["type"])
		assert.Equal(t, "12345", reply["room"])
		assert.Equal(t, "hello bob", reply["data"])
	case <-time.After(2 * time.Second):
		t.Fatal("no reply reached the bridge")
	}

	fired := map[string]int{}
	timeout := time.After(time.Second)
	for len(fired) < 2 {
		select {
		case topic := <-topics:
			fired[topic]++
		case <-timeout:
			t.Fatalf("missing topics, got %v", fired)
		}
	}
	// nothing further may fire for a MSG-origin frame
	select {
	case topic := <-topics:
		t.Fatalf("unexpected extra dispatch on %q", topic)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, map[string]int{"chat": 1, "message": 1}, fired)
	require.Len(t, bridge.allReplies(), 1)
}

func TestMemberOriginDispatch(t *testing.T) {
	bridge := newTestBridge(t)
	frames := make(chan []byte, 4)
	t.Cleanup(func() { close(frames) })
	bridge.setWSFn(func(conn net.Conn) {
		defer conn.Close()
		for data := range frames {
			if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
				return
			}
		}
	})

	bot, _, _ := startBot(t, bridge, 50*time.Millisecond)

	joined := make(chan *ChatContext, 1)
	require.NoError(t, bot.On("new_member", func(chat *ChatContext) error {
		joined <- chat
		return nil
	}))

	frames <- testFrame(t, "NEWMEM", "joined")

	select {
	case chat := <-joined:
		assert.Equal(t, "NEWMEM", chat.Message.Origin())
	case <-time.After(2 * time.Second):
		t.Fatal("new_member handler not invoked")
	}
}

func TestMalformedFrameSkipped(t *testing.T) {
	bridge := newTestBridge(t)
	frames := make(chan []byte, 4)
	t.Cleanup(func() { close(frames) })
	bridge.setWSFn(func(conn net.Conn) {
		defer conn.Close()
		for data := range frames {
			if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
				return
			}
		}
	})

	bot, _, _ := startBot(t, bridge, 50*time.Millisecond)

	got := make(chan string, 4)
	require.NoError(t, bot.On("chat", func(chat *ChatContext) error {
		got <- chat.Message.Content
		return nil
	}))

	// a garbage frame must be skipped without ending the session
	frames <- []byte("certainly not json")
	frames <- testFrame(t, "MSG", "still alive")

	select {
	case content := <-got:
		assert.Equal(t, "still alive", content)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after garbage was not dispatched")
	}
}

func TestReconnectFixedDelay(t *testing.T) {
	const delay = 60 * time.Millisecond

	bridge := newTestBridge(t)
	connects := make(chan time.Time, 8)
	bridge.setWSFn(func(conn net.Conn) {
		connects <- time.Now()
		conn.Close()
	})

	_, cancel, _ := startBot(t, bridge, delay)

	var stamps []time.Time
	for len(stamps) < 3 {
		select {
		case ts := <-connects:
			stamps = append(stamps, ts)
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d connects observed", len(stamps))
		}
	}
	cancel()

	// each retry must honour the fixed delay, not skip it
	for i := 1; i < 3; i++ {
		gap := stamps[i].Sub(stamps[i-1])
		assert.GreaterOrEqual(t, gap, delay-10*time.Millisecond, "gap %d", i)
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	bridge := newTestBridge(t)
	bridge.setWSFn(func(conn net.Conn) {
		// hold the connection open without sending anything
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		conn.Close()
	})

	_, cancel, done := startBot(t, bridge, 50*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		// re-buffer so startBot's cleanup can observe the return as well
		done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestAttachmentAndMetadataDecoding(t *testing.T) {
	bridge := newTestBridge(t)
	frames := make(chan []byte, 4)
	t.Cleanup(func() { close(frames) })
	bridge.setWSFn(func(conn net.Conn) {
		defer conn.Close()
		for data := range frames {
			if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
				return
			}
		}
	})

	bot, _, _ := startBot(t, bridge, 50*time.Millisecond)

	got := make(chan *ChatContext, 2)
	require.NoError(t, bot.On("chat", func(chat *ChatContext) error {
		got <- chat
		return nil
	}))

	frame, err := json.Marshal(map[string]any{
		"msg": "pic", "room": "general", "sender": "bob",
		"json": map[string]any{
			"chat_id": "1", "user_id": "2", "id": "3", "type": "71",
			"message":    "pic",
			"attachment": `{"url":"http://cdn/x.png"}`,
			"v":          "<<broken json>>",
		},
	})
	require.NoError(t, err)
	frames <- frame

	select {
	case chat := <-got:
		assert.Equal(t, "http://cdn/x.png", chat.Message.Attachment["url"])
		// malformed metadata degrades to an empty map, never fails dispatch
		assert.NotNil(t, chat.Message.V)
		assert.Empty(t, chat.Message.V)
		assert.Equal(t, "", chat.Message.Origin())
	case <-time.After(2 * time.Second):
		t.Fatal("frame not dispatched")
	}
}
