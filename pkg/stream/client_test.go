package stream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/notify"
	"main/pkg/transport"
)

// sseServer feeds scripted chunks to each accepted stream connection.
type sseServer struct {
	*httptest.Server

	mu      sync.Mutex
	queries []url.Values
	streams chan chan string
}

func newSSEServer(t *testing.T) *sseServer {
	t.Helper()
	srv := &sseServer{streams: make(chan chan string, 8)}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "no flusher", http.StatusInternalServerError)
			return
		}
		srv.mu.Lock()
		srv.queries = append(srv.queries, r.URL.Query())
		srv.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		chunks := make(chan string, 16)
		srv.streams <- chunks
		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					return
				}
				_, _ = fmt.Fprint(w, chunk)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (srv *sseServer) acceptStream(t *testing.T) chan string {
	t.Helper()
	select {
	case chunks := <-srv.streams:
		return chunks
	case <-time.After(3 * time.Second):
		t.Fatal("no stream accepted")
		return nil
	}
}

func (srv *sseServer) seenQueries() []url.Values {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]url.Values(nil), srv.queries...)
}

type captureRenderer struct {
	mu    sync.Mutex
	calls []notify.Content
	ch    chan notify.Content
}

func newCaptureRenderer() *captureRenderer {
	return &captureRenderer{ch: make(chan notify.Content, 8)}
}

func (r *captureRenderer) Render(content notify.Content, options map[string]any) {
	r.mu.Lock()
	r.calls = append(r.calls, content)
	r.mu.Unlock()
	r.ch <- content
}

func (r *captureRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectMissingURL(t *testing.T) {
	c := New(Option{})
	require.ErrorIs(t, c.Connect(), ErrMissingURL)
}

func TestConnectSendsSessionQuery(t *testing.T) {
	srv := newSSEServer(t)

	opened := make(chan struct{}, 1)
	c := New(Option{
		URL:       srv.URL,
		SessionID: "sess-9",
		OnOpen:    func() { opened <- struct{}{} },
	})
	defer c.Disconnect()
	require.NoError(t, c.Connect())
	srv.acceptStream(t)

	select {
	case <-opened:
	case <-time.After(3 * time.Second):
		t.Fatal("onOpen not fired")
	}
	assert.Equal(t, transport.StatusOpen, c.Status())
	queries := srv.seenQueries()
	require.Len(t, queries, 1)
	assert.Equal(t, "sess-9", queries[0].Get("session_id"))
}

func TestPopupEventRendersExactlyOnce(t *testing.T) {
	srv := newSSEServer(t)
	renderer := newCaptureRenderer()

	c := New(Option{URL: srv.URL, Renderer: renderer})
	defer c.Disconnect()
	require.NoError(t, c.Connect())
	chunks := srv.acceptStream(t)

	chunks <- "event: popup\ndata: {\"type\":\"popup\",\"strategy\":{\"content\":{\"title\":\"T\",\"body\":\"B\",\"link\":\"/x\",\"buttonText\":\"Go\"}}}\n\n"

	select {
	case content := <-renderer.ch:
		assert.Equal(t, notify.Content{Title: "T", Body: "B", Link: "/x", ButtonText: "Go"}, content)
	case <-time.After(3 * time.Second):
		t.Fatal("renderer not invoked")
	}
	assert.Equal(t, 1, renderer.count())
}

func TestDefaultMessageDoubleEncodedRoutesToRenderer(t *testing.T) {
	srv := newSSEServer(t)
	renderer := newCaptureRenderer()

	c := New(Option{URL: srv.URL, Renderer: renderer})
	defer c.Disconnect()
	require.NoError(t, c.Connect())
	chunks := srv.acceptStream(t)

	// the payload is a JSON string holding JSON
	chunks <- `data: "{\"type\":\"popup\",\"strategy\":{\"content\":{\"title\":\"inner\"}}}"` + "\n\n"

	select {
	case content := <-renderer.ch:
		assert.Equal(t, "inner", content.Title)
	case <-time.After(3 * time.Second):
		t.Fatal("renderer not invoked")
	}
}

func TestDefaultMessageNonPopupGoesToOnMessage(t *testing.T) {
	srv := newSSEServer(t)
	renderer := newCaptureRenderer()

	messages := make(chan []byte, 1)
	c := New(Option{
		URL:       srv.URL,
		Renderer:  renderer,
		OnMessage: func(raw []byte) { messages <- raw },
	})
	defer c.Disconnect()
	require.NoError(t, c.Connect())
	chunks := srv.acceptStream(t)

	chunks <- "data: {\"type\":\"telemetry\",\"payload\":{}}\n\n"

	select {
	case raw := <-messages:
		assert.JSONEq(t, `{"type":"telemetry","payload":{}}`, string(raw))
	case <-time.After(3 * time.Second):
		t.Fatal("onMessage not invoked")
	}
	assert.Equal(t, 0, renderer.count())
}

func TestAutoHandlePopupDisabled(t *testing.T) {
	srv := newSSEServer(t)
	renderer := newCaptureRenderer()
	disabled := false

	messages := make(chan []byte, 1)
	c := New(Option{
		URL:             srv.URL,
		AutoHandlePopup: &disabled,
		Renderer:        renderer,
		OnMessage:       func(raw []byte) { messages <- raw },
	})
	defer c.Disconnect()
	require.NoError(t, c.Connect())
	chunks := srv.acceptStream(t)

	chunks <- "event: popup\ndata: {\"type\":\"popup\",\"strategy\":{\"content\":{\"title\":\"T\"}}}\n\n"

	select {
	case <-messages:
	case <-time.After(3 * time.Second):
		t.Fatal("onMessage not invoked")
	}
	assert.Equal(t, 0, renderer.count())
}

func TestNamedListenerBeyondPopup(t *testing.T) {
	srv := newSSEServer(t)

	badges := make(chan []byte, 1)
	c := New(Option{URL: srv.URL})
	c.AddEventListener("badge", func(data []byte) { badges <- data })
	defer c.Disconnect()
	require.NoError(t, c.Connect())
	chunks := srv.acceptStream(t)

	chunks <- "event: badge\ndata: {\"count\":3}\n\n"

	select {
	case data := <-badges:
		assert.JSONEq(t, `{"count":3}`, string(data))
	case <-time.After(3 * time.Second):
		t.Fatal("listener not invoked")
	}

	c.RemoveEventListener("badge")
	chunks <- "event: badge\ndata: {\"count\":4}\n\n"
	chunks <- "event: popup\ndata: {\"type\":\"popup\",\"strategy\":{\"content\":{\"title\":\"sync\"}}}\n\n"
	// nothing further may arrive on the removed listener
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, badges)
}

func TestStreamEndTriggersRetry(t *testing.T) {
	srv := newSSEServer(t)

	c := New(Option{URL: srv.URL, RetryInterval: 20 * time.Millisecond})
	defer c.Disconnect()
	require.NoError(t, c.Connect())
	chunks := srv.acceptStream(t)
	waitFor(t, func() bool { return c.Status() == transport.StatusOpen }, "client never opened")

	close(chunks) // server ends the stream

	srv.acceptStream(t)
	waitFor(t, func() bool { return c.Status() == transport.StatusOpen }, "client never reconnected")
	assert.Len(t, srv.seenQueries(), 2)
	assert.Equal(t, 0, c.RetryStats().AttemptCount)
}

func TestMalformedEnvelopeKeepsRetryStateClean(t *testing.T) {
	srv := newSSEServer(t)
	renderer := newCaptureRenderer()

	c := New(Option{URL: srv.URL, Renderer: renderer})
	defer c.Disconnect()
	require.NoError(t, c.Connect())
	chunks := srv.acceptStream(t)
	waitFor(t, func() bool { return c.Status() == transport.StatusOpen }, "client never opened")

	chunks <- "event: popup\ndata: {broken\n\n"
	chunks <- "event: popup\ndata: {\"type\":\"popup\",\"strategy\":{\"content\":{\"title\":\"after\"}}}\n\n"

	select {
	case content := <-renderer.ch:
		assert.Equal(t, "after", content.Title)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not survive malformed envelope")
	}
	assert.Equal(t, transport.StatusOpen, c.Status())
	stats := c.RetryStats()
	assert.Equal(t, 0, stats.AttemptCount)
	assert.True(t, stats.DisconnectedAt.IsZero())
}

func TestDisconnectSuppressesRetry(t *testing.T) {
	srv := newSSEServer(t)

	closes := make(chan error, 4)
	c := New(Option{
		URL:           srv.URL,
		RetryInterval: 10 * time.Millisecond,
		OnClose:       func(err error) { closes <- err },
	})
	require.NoError(t, c.Connect())
	srv.acceptStream(t)
	waitFor(t, func() bool { return c.Status() == transport.StatusOpen }, "client never opened")

	c.Disconnect()
	assert.Equal(t, transport.StatusIdle, c.Status())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, transport.StatusIdle, c.Status())
	assert.Len(t, srv.seenQueries(), 1)

	select {
	case err := <-closes:
		assert.NoError(t, err)
	default:
		t.Fatal("onClose not fired on disconnect")
	}
}

func TestRetriesExhausted(t *testing.T) {
	srv := newSSEServer(t)
	streamURL := srv.URL
	srv.Close() // every connect fails

	errs := make(chan error, 16)
	c := New(Option{
		URL:              streamURL,
		RetryInterval:    10 * time.Millisecond,
		MaxRetryAttempts: 2,
		OnError:          func(err error) { errs <- err },
	})
	require.NoError(t, c.Connect())

	waitFor(t, func() bool { return c.Status() == transport.StatusExhausted }, "client never exhausted")
	assert.True(t, c.RetryStats().Exhausted)

	time.Sleep(50 * time.Millisecond) // let the exhaustion callback land
	exhausted := 0
	for {
		select {
		case err := <-errs:
			if err == ErrRetriesExhausted {
				exhausted++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, exhausted)
}

func TestUpdateSessionIDCyclesStream(t *testing.T) {
	srv := newSSEServer(t)

	c := New(Option{URL: srv.URL, SessionID: "one"})
	defer c.Disconnect()
	require.NoError(t, c.Connect())
	srv.acceptStream(t)
	waitFor(t, func() bool { return c.Status() == transport.StatusOpen }, "client never opened")

	require.NoError(t, c.UpdateSessionID("two"))
	srv.acceptStream(t)
	waitFor(t, func() bool { return c.Status() == transport.StatusOpen }, "client never reopened")

	queries := srv.seenQueries()
	require.Len(t, queries, 2)
	assert.Equal(t, "one", queries[0].Get("session_id"))
	assert.Equal(t, "two", queries[1].Get("session_id"))
}
