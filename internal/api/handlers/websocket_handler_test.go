package handlers

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-explorer/backend/internal/storage/models"
)

// fakeConn replays queued client messages; closing in simulates the client
// going away.
type fakeConn struct {
	in chan wsMessage

	mu      sync.Mutex
	written []map[string]any
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan wsMessage, 8)}
}

func (c *fakeConn) ReadJSON(v any) error {
	msg, ok := <-c.in
	if !ok {
		return io.EOF
	}
	*v.(*wsMessage) = msg
	return nil
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(map[string]any))
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, m := range c.written {
		out[i], _ = m["type"].(string)
	}
	return out
}

// blockingChat holds every turn until its context ends.
type blockingChat struct {
	*fakeExplorer
	started chan struct{}
	gotErr  error
}

func (b *blockingChat) Chat(ctx context.Context, history []models.Message, message string) (*models.ChatResponse, error) {
	close(b.started)
	<-ctx.Done()
	b.gotErr = ctx.Err()
	return nil, ctx.Err()
}

func serveAsync(h *WebSocketHandler, conn wsConn) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.serve(conn)
	}()
	return done
}

func TestWebSocket_StreamsRepliesAndKeepsHistory(t *testing.T) {
	f := &fakeExplorer{chat: &models.ChatResponse{Reply: "hello world", UpdatedHistory: []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello world"},
	}}}
	conn := newFakeConn()
	conn.in <- wsMessage{Type: "chat", Content: "hi"}
	conn.in <- wsMessage{Type: "chat", Content: "again"}
	close(conn.in)

	done := serveAsync(NewWebSocketHandler(f), conn)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after the client left")
	}

	assert.Len(t, f.gotHistory, 2)
	types := conn.types()
	require.GreaterOrEqual(t, len(types), 4)
	assert.Equal(t, []string{"status", "chunk", "chunk", "complete"}, types[:4])
}

func TestWebSocket_DisconnectCancelsTurnInFlight(t *testing.T) {
	b := &blockingChat{fakeExplorer: &fakeExplorer{}, started: make(chan struct{})}
	conn := newFakeConn()
	conn.in <- wsMessage{Type: "chat", Content: "hi"}

	h := &WebSocketHandler{explorer: b}
	done := serveAsync(h, conn)

	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("chat turn never started")
	}
	close(conn.in)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn was not cancelled when the client left")
	}
	assert.ErrorIs(t, b.gotErr, context.Canceled)
	assert.NotContains(t, conn.types(), "error")
}
