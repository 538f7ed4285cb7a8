package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPushover(t *testing.T, handler http.HandlerFunc, cooldown time.Duration) *Pushover {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	n, err := NewPushover(PushoverConfig{
		Token:    "tok",
		UserKey:  "usr",
		Cooldown: cooldown,
		Endpoint: srv.URL,
	})
	require.NoError(t, err)
	return n
}

func TestNotifySendsForm(t *testing.T) {
	var gotMessage, gotTitle string
	n := newTestPushover(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "tok", r.Form.Get("token"))
		require.Equal(t, "usr", r.Form.Get("user"))
		gotMessage = r.Form.Get("message")
		gotTitle = r.Form.Get("title")
	}, 0)

	err := n.Notify(context.Background(), Message{
		Title:    "Tether",
		Body:     "session ready",
		AlertKey: "ready",
	})
	require.NoError(t, err)
	require.Equal(t, "session ready", gotMessage)
	require.Equal(t, "Tether", gotTitle)
}

func TestNotifyCooldown(t *testing.T) {
	var calls atomic.Int32
	n := newTestPushover(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, time.Hour)

	msg := Message{Body: "ready", AlertKey: "ready"}
	require.NoError(t, n.Notify(context.Background(), msg))
	require.NoError(t, n.Notify(context.Background(), msg))
	require.Equal(t, int32(1), calls.Load())

	// A different alert key is not limited by the first one.
	require.NoError(t, n.Notify(context.Background(), Message{Body: "x", AlertKey: "other"}))
	require.Equal(t, int32(2), calls.Load())
}

func TestNotifyServerError(t *testing.T) {
	n := newTestPushover(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}, 0)

	err := n.Notify(context.Background(), Message{Body: "ready", AlertKey: "ready"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad token")
}

func TestNotifyValidation(t *testing.T) {
	n := newTestPushover(t, func(w http.ResponseWriter, r *http.Request) {}, 0)

	require.Error(t, n.Notify(context.Background(), Message{Body: "x"}))
	require.Error(t, n.Notify(context.Background(), Message{AlertKey: "k"}))
}

func TestNewPushoverValidation(t *testing.T) {
	_, err := NewPushover(PushoverConfig{UserKey: "u"})
	require.Error(t, err)
	_, err = NewPushover(PushoverConfig{Token: "t"})
	require.Error(t, err)
	_, err = NewPushover(PushoverConfig{Token: "t", UserKey: "u", Cooldown: -time.Second})
	require.Error(t, err)
}
