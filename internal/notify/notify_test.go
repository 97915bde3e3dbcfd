package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jandubois/srmprobe/internal/probe"
	"github.com/jandubois/srmprobe/internal/srm"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name         string
		change       Change
		wantTitle    string
		wantBody     string
		wantPriority Priority
		wantTags     []string
	}{
		{
			name:         "first failure",
			change:       Change{Metric: "org.sam.SRM-Put", Host: "srm.example.org", New: probe.StatusCritical, Headline: "put failed"},
			wantTitle:    "[CRITICAL] org.sam.SRM-Put on srm.example.org",
			wantBody:     "put failed",
			wantPriority: PriorityUrgent,
			wantTags:     []string{"CRITICAL"},
		},
		{
			name:         "degraded",
			change:       Change{Metric: "org.sam.SRM-Ls", Host: "srm.example.org", Old: probe.StatusOK, New: probe.StatusWarning, Headline: "slow"},
			wantTitle:    "[WARNING] org.sam.SRM-Ls on srm.example.org",
			wantBody:     "OK → WARNING: slow",
			wantPriority: PriorityHigh,
			wantTags:     []string{"WARNING"},
		},
		{
			name:         "recovery",
			change:       Change{Metric: "org.sam.SRM-Ls", Host: "srm.example.org", Old: probe.StatusUnknown, New: probe.StatusOK, Headline: "listed"},
			wantTitle:    "[OK] org.sam.SRM-Ls on srm.example.org",
			wantBody:     "UNKNOWN → OK: listed",
			wantPriority: PriorityNormal,
			wantTags:     []string{"OK", "recovery"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Format(&tt.change)
			assert.Equal(t, tt.wantTitle, msg.Title)
			assert.Equal(t, tt.wantBody, msg.Body)
			assert.Equal(t, tt.wantPriority, msg.Priority)
			assert.Equal(t, tt.wantTags, msg.Tags)
		})
	}
}

func TestNtfyChannel(t *testing.T) {
	var (
		got  map[string]any
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	ch := NewNtfyChannel(NtfyConfig{ServerURL: srv.URL + "/", Topic: "srm", Token: "tk"})
	err := ch.Send(context.Background(), &Message{Title: "t", Body: "b", Priority: PriorityUrgent, Tags: []string{"CRITICAL"}})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tk", auth)
	assert.Equal(t, "srm", got["topic"])
	assert.Equal(t, "t", got["title"])
	assert.Equal(t, "b", got["message"])
	assert.Equal(t, float64(5), got["priority"])
	assert.Equal(t, []any{"CRITICAL"}, got["tags"])
}

func TestNtfyChannelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewNtfyChannel(NtfyConfig{ServerURL: srv.URL, Topic: "srm"}).Send(context.Background(), &Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestPushoverChannel(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
	}))
	defer srv.Close()

	ch := NewPushoverChannel(PushoverConfig{APIToken: "app", UserKey: "user", APIURL: srv.URL})
	require.NoError(t, ch.Send(context.Background(), &Message{Title: "t", Body: "b", Priority: PriorityUrgent}))

	assert.Equal(t, "app", form.Get("token"))
	assert.Equal(t, "user", form.Get("user"))
	assert.Equal(t, "b", form.Get("message"))
	assert.Equal(t, "2", form.Get("priority"))
	assert.Equal(t, "60", form.Get("retry"))
}

func TestConfigChannels(t *testing.T) {
	assert.Empty(t, Config{}.Channels())

	chans := Config{
		Ntfy:     NtfyConfig{Topic: "srm"},
		Pushover: PushoverConfig{APIToken: "app"},
	}.Channels()
	require.Len(t, chans, 1)
	assert.Equal(t, "ntfy", chans[0].Type())

	chans = Config{
		Ntfy:     NtfyConfig{Topic: "srm"},
		Pushover: PushoverConfig{APIToken: "app", UserKey: "user"},
	}.Channels()
	require.Len(t, chans, 2)
	assert.Equal(t, "pushover", chans[1].Type())
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []*Message
	err  error
}

func (f *fakeChannel) Send(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeChannel) Type() string { return "fake" }

type fakeHistory struct {
	status probe.Status
	ok     bool
	err    error
}

func (f fakeHistory) LastStatus(context.Context, string) (probe.Status, bool, error) {
	return f.status, f.ok, f.err
}

func TestNotifierRecord(t *testing.T) {
	tests := []struct {
		name    string
		history History
		status  probe.Status
		alerts  int
	}{
		{"first run ok", fakeHistory{}, probe.StatusOK, 0},
		{"first run failing", fakeHistory{}, probe.StatusWarning, 1},
		{"unchanged failure", fakeHistory{status: probe.StatusCritical, ok: true}, probe.StatusCritical, 0},
		{"unchanged ok", fakeHistory{status: probe.StatusOK, ok: true}, probe.StatusOK, 0},
		{"changed", fakeHistory{status: probe.StatusOK, ok: true}, probe.StatusCritical, 1},
		{"recovered", fakeHistory{status: probe.StatusCritical, ok: true}, probe.StatusOK, 1},
		{"no history failing", nil, probe.StatusUnknown, 1},
		{"no history ok", nil, probe.StatusOK, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &fakeChannel{}
			n := NewNotifier([]Channel{ch}, tt.history, "srm.example.org")
			rep := &srm.Report{Metric: "org.sam.SRM-Put", Result: probe.Result{Status: tt.status}, Headline: "h"}
			require.NoError(t, n.Record(context.Background(), rep))
			assert.Len(t, ch.sent, tt.alerts)
		})
	}
}

func TestNotifierErrors(t *testing.T) {
	rep := &srm.Report{Metric: "org.sam.SRM-Put", Result: probe.Result{Status: probe.StatusCritical}}

	failing := &fakeChannel{err: errors.New("offline")}
	working := &fakeChannel{}
	err := NewNotifier([]Channel{failing, working}, nil, "srm.example.org").Record(context.Background(), rep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake: offline")
	assert.Len(t, working.sent, 1)

	err = NewNotifier([]Channel{working}, fakeHistory{err: errors.New("locked")}, "srm.example.org").Record(context.Background(), rep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous status of org.sam.SRM-Put")
	assert.Len(t, working.sent, 1)
}
