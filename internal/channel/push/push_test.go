package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/notifier"
	logx "notifyd/pkg/logx"
)

const testToken = "123:abc"

// fakeAPI is a minimal Bot API: it records calls and answers each method.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	nextID  atomic.Int64
	deny    atomic.Bool
	updates chan string
}

type apiCall struct {
	method string
	params map[string]any
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{updates: make(chan string, 4)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	body, _ := io.ReadAll(r.Body)
	params := map[string]any{}
	_ = json.Unmarshal(body, &params)

	f.mu.Lock()
	if method != "getUpdates" {
		f.calls = append(f.calls, apiCall{method: method, params: params})
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "sendMessage":
		if f.deny.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
			return
		}
		id := f.nextID.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"message_id": id,
				"chat":       map[string]any{"id": 42, "type": "private"},
				"date":       1700000000,
				"text":       "x",
			},
		})
	case "getUpdates":
		select {
		case u := <-f.updates:
			_, _ = io.WriteString(w, `{"ok":true,"result":[`+u+`]}`)
		case <-time.After(20 * time.Millisecond):
			_, _ = io.WriteString(w, `{"ok":true,"result":[]}`)
		}
	default:
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	}
}

func (f *fakeAPI) byMethod(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newChannel(t *testing.T, srv *httptest.Server) *Channel {
	t.Helper()
	c, err := New(Config{
		Token:      testToken,
		ChatID:     42,
		ThreadID:   7,
		APIURL:     srv.URL,
		RatePerSec: 1000,
		Timeout:    time.Second,
		Offline:    true,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ChatID: 1, Offline: true}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Token: testToken, Offline: true}, logx.Nop())
	assert.Error(t, err)
}

func TestDeliverSendsFormattedMessage(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := newChannel(t, srv)
	assert.Equal(t, notifier.PermissionUnknown, c.Permission(context.Background()))

	req := notifier.Request{
		ID:       "n1",
		Title:    "Disk <90%>",
		Message:  "free space & inodes",
		Type:     notifier.TypeWarning,
		Priority: notifier.PriorityUrgent,
		Source:   &notifier.Source{Module: "monitor"},
		Actions:  []notifier.Action{{ID: "open", Label: "Open"}},
	}
	require.NoError(t, c.Deliver(context.Background(), req))

	sends := api.byMethod("sendMessage")
	require.Len(t, sends, 1)
	p := sends[0].params
	assert.Equal(t, "<b>[URGENT] Disk &lt;90%&gt;</b>\nfree space &amp; inodes\n<i>warning / monitor</i>", p["text"])
	assert.Equal(t, "HTML", p["parse_mode"])
	assert.Contains(t, p["reply_markup"], "nfy|n1|open")

	mid, ok := c.Sent("n1")
	assert.True(t, ok)
	assert.Equal(t, 1, mid)
	assert.Equal(t, notifier.PermissionGranted, c.Permission(context.Background()))
}

func TestQuietDeliveryForLowPriority(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := newChannel(t, srv)

	require.NoError(t, c.Deliver(context.Background(), notifier.Request{ID: "q", Title: "t", Message: "m", Type: "info", Priority: notifier.PriorityLow}))
	sends := api.byMethod("sendMessage")
	require.Len(t, sends, 1)
	assert.Equal(t, "true", sends[0].params["disable_notification"])
	assert.NotContains(t, sends[0].params, "reply_markup")
}

func TestCancelDeletesMessage(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := newChannel(t, srv)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.Deliver(context.Background(), notifier.Request{ID: id, Title: "t", Message: "m", Priority: notifier.PriorityNormal}))
	}
	c.Cancel("a")
	c.Cancel("a")
	c.Cancel("unknown")
	require.Eventually(t, func() bool { return len(api.byMethod("deleteMessage")) == 1 }, 2*time.Second, 5*time.Millisecond)

	c.CancelAll()
	require.NoError(t, c.Close())
	assert.Len(t, api.byMethod("deleteMessage"), 3)
	_, ok := c.Sent("b")
	assert.False(t, ok)
}

func TestUnauthorizedMarksDenied(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.deny.Store(true)
	c := newChannel(t, srv)

	err := c.Deliver(context.Background(), notifier.Request{ID: "x", Title: "t", Message: "m", Priority: notifier.PriorityNormal})
	require.Error(t, err)
	assert.Equal(t, notifier.PermissionDenied, c.Permission(context.Background()))
}

func TestDeliverAfterClose(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := newChannel(t, srv)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Deliver(context.Background(), notifier.Request{ID: "x"}), ErrClosed)
}

func TestListenReportsButtonPress(t *testing.T) {
	api, srv := newFakeAPI(t)
	c := newChannel(t, srv)

	api.updates <- `{"update_id":1,"callback_query":{"id":"cb1","from":{"id":7,"is_bot":false,"first_name":"u"},"data":"\fnfy|n1|open"}}`

	type press struct{ id, action string }
	got := make(chan press, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Listen(ctx, func(id, action string) { got <- press{id, action} })
	}()

	select {
	case p := <-got:
		assert.Equal(t, press{"n1", "open"}, p)
	case <-time.After(5 * time.Second):
		t.Fatal("button press not reported")
	}
	require.Eventually(t, func() bool { return len(api.byMethod("answerCallbackQuery")) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return")
	}
}

func TestActionMarkupSkipsOversizedData(t *testing.T) {
	req := notifier.Request{
		ID:      strings.Repeat("x", 60),
		Actions: []notifier.Action{{ID: "open", Label: "Open"}},
	}
	assert.Nil(t, actionMarkup(req))

	req.ID = "short"
	rm := actionMarkup(req)
	require.NotNil(t, rm)
	require.Len(t, rm.InlineKeyboard, 1)
	assert.Equal(t, "Open", rm.InlineKeyboard[0][0].Text)
}

func TestHTMLHelpers(t *testing.T) {
	assert.Equal(t, "abc", truncRunes("abc", 5))
	assert.Equal(t, "abcde…", truncRunes("abcdefgh", 5))
	assert.Equal(t, "héllo", truncRunes("héllo", 5))
	assert.Equal(t, "", truncRunes("x", 0))
	assert.Equal(t, htmlText("<b>a&amp;b</b>\n<i>c</i>"), joinHTML("\n", bold("a&b"), esc(" "), italic("c")))
}
