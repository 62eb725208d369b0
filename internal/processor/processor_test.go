package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/ElementAstro/hydrogen-clientcore/internal/message"
	"github.com/ElementAstro/hydrogen-clientcore/internal/wsconn"
)

func mustJSON(t *testing.T, msg *message.Message) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

// scriptedServer accepts one WebSocket connection, hands the server-side
// conn to onAccept for the test to drive, and closes it once onAccept
// returns.
func scriptedServer(t *testing.T, onAccept func(c *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		onAccept(c)
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func connectedManager(t *testing.T, srv *httptest.Server) *wsconn.Manager {
	t.Helper()
	m := wsconn.NewManager(wsURL(srv.URL), zerolog.Nop(), time.Hour)
	m.SetAutoReconnect(false, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	return m
}

func TestSendMessageRequiresConnection(t *testing.T) {
	m := wsconn.NewManager("ws://127.0.0.1:1", zerolog.Nop(), time.Hour)
	m.SetAutoReconnect(false, 0, 0)
	p := New(m, zerolog.Nop(), nil)

	err := p.SendMessage(context.Background(), message.NewEvent("d1", "PING", nil, nil))
	assert.Error(t, err)
}

func TestSendAndWaitForResponseCorrelates(t *testing.T) {
	srv := scriptedServer(t, func(c *websocket.Conn) {
		ctx := context.Background()
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var msg message.Message
		_ = json.Unmarshal(data, &msg)
		resp := message.NewResponse(msg.ID, "OK", "PING", nil, nil)
		out, _ := json.Marshal(resp)
		_ = c.Write(ctx, websocket.MessageText, out)
		time.Sleep(50 * time.Millisecond)
	})
	defer srv.Close()

	conn := connectedManager(t, srv)
	defer conn.Close()
	p := New(conn, zerolog.Nop(), nil)
	require.NoError(t, p.StartMessageLoop())
	defer p.StopMessageLoop()

	cmd := message.NewCommand("d1", "PING", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := p.SendAndWaitForResponse(ctx, cmd, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK", resp.ResponsePayload.Status)
}

func TestSendAndWaitForResponseTimesOut(t *testing.T) {
	srv := scriptedServer(t, func(c *websocket.Conn) {
		ctx := context.Background()
		_, _, _ = c.Read(ctx)
		time.Sleep(time.Second)
	})
	defer srv.Close()

	conn := connectedManager(t, srv)
	defer conn.Close()
	p := New(conn, zerolog.Nop(), nil)
	require.NoError(t, p.StartMessageLoop())
	defer p.StopMessageLoop()

	cmd := message.NewCommand("d1", "PING", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := p.SendAndWaitForResponse(ctx, cmd, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestAwaitResponseWithoutSending(t *testing.T) {
	srv := scriptedServer(t, func(c *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	conn := connectedManager(t, srv)
	defer conn.Close()
	p := New(conn, zerolog.Nop(), nil)
	require.NoError(t, p.StartMessageLoop())
	defer p.StopMessageLoop()

	msgID := "11111111-1111-1111-1111-111111111111"
	respCh := make(chan *message.Message, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := p.AwaitResponse(ctx, msgID, time.Second)
		require.NoError(t, err)
		respCh <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	// Deliver the response out-of-band, simulating a reply to a queue-sent command.
	p.handleResponse(msgID, message.NewResponse(msgID, "OK", "SLEW", nil, nil))

	select {
	case resp := <-respCh:
		assert.Equal(t, "OK", resp.ResponsePayload.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitResponse never returned")
	}
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	srv := scriptedServer(t, func(c *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	conn := connectedManager(t, srv)
	defer conn.Close()
	p := New(conn, zerolog.Nop(), nil)

	got := make(chan *message.Message, 1)
	p.RegisterMessageHandler(message.Event, func(msg *message.Message) { got <- msg })

	p.handleMessage(mustJSON(t, message.NewEvent("d1", "STATUS", nil, nil)))

	select {
	case msg := <-got:
		assert.Equal(t, message.Event, msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestDispatchPanicIsRecovered(t *testing.T) {
	p := New(wsconn.NewManager("ws://127.0.0.1:1", zerolog.Nop(), time.Hour), zerolog.Nop(), nil)
	p.RegisterMessageHandler(message.Event, func(msg *message.Message) { panic("boom") })

	assert.NotPanics(t, func() {
		p.handleMessage(mustJSON(t, message.NewEvent("d1", "STATUS", nil, nil)))
	})
	assert.EqualValues(t, 1, p.Stats().ProcessingErrors)
}

func TestStopMessageLoopClosesPendingChannels(t *testing.T) {
	srv := scriptedServer(t, func(c *websocket.Conn) {
		time.Sleep(500 * time.Millisecond)
	})
	defer srv.Close()

	conn := connectedManager(t, srv)
	defer conn.Close()
	p := New(conn, zerolog.Nop(), nil)
	require.NoError(t, p.StartMessageLoop())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.AwaitResponse(context.Background(), "some-id", 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.StopMessageLoop()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending AwaitResponse never unblocked on shutdown")
	}
}

func TestStatsTracksSentMessages(t *testing.T) {
	srv := scriptedServer(t, func(c *websocket.Conn) {
		ctx := context.Background()
		_, _, _ = c.Read(ctx)
	})
	defer srv.Close()

	conn := connectedManager(t, srv)
	defer conn.Close()
	p := New(conn, zerolog.Nop(), nil)

	require.NoError(t, p.SendMessage(context.Background(), message.NewEvent("d1", "PING", nil, nil)))
	assert.EqualValues(t, 1, p.Stats().MessagesSent)
}
