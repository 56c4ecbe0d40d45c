package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PhucNguyen204/chatcrm/internal/metrics"
	"github.com/PhucNguyen204/chatcrm/internal/store"
	"github.com/PhucNguyen204/chatcrm/pkg/automation"
)

const (
	chatA = "5f0c8a52-5c1b-4b1e-9d51-3a0f7f1f2a10"
	chatB = "0b3f9f0e-8a7c-4d61-b0c2-7a5e3d2c1b00"
)

var (
	fixedNow = time.Date(2026, 10, 17, 15, 4, 5, 0, time.UTC)
	chatCols = []string{"id", "contact_id", "status", "channel", "assigned_to", "last_message", "last_message_at", "unread_count", "updated_at",
		"name", "phone", "email", "avatar_url"}
)

const testAutomations = `
name: close-web-on-read
event: chat.read
only_if: {channel: web, unread_count: 0}
actions: [{type: set_status, value: closed}]
---
name: tag-pricing
event: message.received
keywords: [pricing]
only_if: {status: open}
actions: [{type: tag, value: sales}]
`

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   string              `json:"error"`
	Fired   []automation.Firing `json:"fired"`
}

func buildServer(t *testing.T) (*AppServer, sqlmock.Sqlmock, *httptest.Server) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	defs, err := automation.LoadYAML([]byte(testAutomations))
	require.NoError(t, err)

	s := NewAppServer(store.New(db), automation.Compile(defs), zaptest.NewLogger(t), metrics.New())
	s.now = func() time.Time { return fixedNow }
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return s, mock, ts
}

func do(t *testing.T, method, url string, body any) (*http.Response, envelope) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
		rd = &buf
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	var env envelope
	_ = json.Unmarshal(raw, &env)
	return res, env
}

func chatRow(rows *sqlmock.Rows, id, status, channel string, unread int64) *sqlmock.Rows {
	return rows.AddRow(id, "7d2f0a1e-0000-4000-8000-000000000001", status, channel, nil, "hello", fixedNow, unread, fixedNow, "Maria", "+5511999", nil, nil)
}

func TestHealth(t *testing.T) {
	_, mock, ts := buildServer(t)
	mock.ExpectPing()
	res, _ := do(t, http.MethodGet, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	mock.ExpectPing().WillReturnError(errors.New("db down"))
	res, _ = do(t, http.MethodGet, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestListChats(t *testing.T) {
	_, mock, ts := buildServer(t)
	rows := sqlmock.NewRows(chatCols)
	chatRow(rows, chatA, "open", "whatsapp", 2)
	chatRow(rows, chatB, "closed", "web", 0)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY c.updated_at DESC")).WillReturnRows(rows)

	res, env := do(t, http.MethodGet, ts.URL+"/api/chats", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, env.Success)
	assert.Empty(t, env.Error)

	var chats []store.ChatSummary
	require.NoError(t, json.Unmarshal(env.Data, &chats))
	require.Len(t, chats, 2)
	assert.Equal(t, chatA, chats[0].ID)
	assert.Equal(t, "Maria", chats[0].ContactName)
	assert.EqualValues(t, 2, chats[0].UnreadCount)
}

func TestListChats_EmptyIsArray(t *testing.T) {
	_, mock, ts := buildServer(t)
	mock.ExpectQuery("FROM chats").WillReturnRows(sqlmock.NewRows(chatCols))
	res, env := do(t, http.MethodGet, ts.URL+"/api/chats", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestListChats_StoreErrorIsClientFailure(t *testing.T) {
	_, mock, ts := buildServer(t)
	mock.ExpectQuery("FROM chats").WillReturnError(errors.New("JWT expired"))
	res, env := do(t, http.MethodGet, ts.URL+"/api/chats", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "JWT expired")
	assert.Empty(t, env.Data)
}

func TestMarkChatRead_FiresAutomations(t *testing.T) {
	_, mock, ts := buildServer(t)
	mock.ExpectQuery("UPDATE chats SET unread_count = 0").
		WithArgs(chatA, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id", "unread_count", "updated_at"}).AddRow(chatA, int64(0), fixedNow))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE c.id = $1")).
		WithArgs(chatA).
		WillReturnRows(chatRow(sqlmock.NewRows(chatCols), chatA, "open", "web", 0))

	res, env := do(t, http.MethodPost, ts.URL+"/api/chats/"+chatA+"/read", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, env.Success)

	var receipt store.ReadReceipt
	require.NoError(t, json.Unmarshal(env.Data, &receipt))
	assert.Equal(t, chatA, receipt.ID)
	assert.EqualValues(t, 0, receipt.UnreadCount)
	assert.True(t, receipt.UpdatedAt.Equal(fixedNow))

	require.Len(t, env.Fired, 1)
	assert.Equal(t, "close-web-on-read", env.Fired[0].Automation)
}

func TestMarkChatRead_ContextFailureStillSucceeds(t *testing.T) {
	_, mock, ts := buildServer(t)
	mock.ExpectQuery("UPDATE chats").
		WillReturnRows(sqlmock.NewRows([]string{"id", "unread_count", "updated_at"}).AddRow(chatA, int64(0), fixedNow))
	mock.ExpectQuery("WHERE c.id").WillReturnError(errors.New("timeout"))

	res, env := do(t, http.MethodPost, ts.URL+"/api/chats/"+chatA+"/read", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, env.Success)
	assert.Empty(t, env.Fired)
}

func TestMarkChatRead_Errors(t *testing.T) {
	_, mock, ts := buildServer(t)

	res, env := do(t, http.MethodPost, ts.URL+"/api/chats/not-a-uuid/read", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "invalid chat id")

	mock.ExpectQuery("UPDATE chats").WillReturnRows(sqlmock.NewRows([]string{"id", "unread_count", "updated_at"}))
	res, env = do(t, http.MethodPost, ts.URL+"/api/chats/"+chatB+"/read", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, store.ErrChatNotFound.Error(), env.Error)

	mock.ExpectQuery("UPDATE chats").WillReturnError(errors.New("permission denied"))
	res, env = do(t, http.MethodPost, ts.URL+"/api/chats/"+chatB+"/read", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "permission denied")

	res, _ = do(t, http.MethodGet, ts.URL+"/api/chats/"+chatB+"/read", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestEvaluateChat(t *testing.T) {
	_, mock, ts := buildServer(t)
	mock.ExpectQuery("WHERE c.id").WithArgs(chatA).
		WillReturnRows(chatRow(sqlmock.NewRows(chatCols), chatA, "open", "whatsapp", 3))

	res, env := do(t, http.MethodPost, ts.URL+"/api/chats/"+chatA+"/automations",
		map[string]string{"event": automation.EventMessageReceived, "text": "Pricing for 10 seats?"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	var fired []automation.Firing
	require.NoError(t, json.Unmarshal(env.Data, &fired))
	require.Len(t, fired, 1)
	assert.Equal(t, "tag-pricing", fired[0].Automation)
	assert.Equal(t, "sales", fired[0].Actions[0].Value)
}

func TestEvaluateChat_BadRequests(t *testing.T) {
	_, mock, ts := buildServer(t)

	res, _ := do(t, http.MethodPost, ts.URL+"/api/chats/"+chatA+"/automations", "{bad json")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, env := do(t, http.MethodPost, ts.URL+"/api/chats/"+chatA+"/automations", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "event is required", env.Error)

	mock.ExpectQuery("WHERE c.id").WithArgs(chatB).WillReturnRows(sqlmock.NewRows(chatCols))
	res, _ = do(t, http.MethodPost, ts.URL+"/api/chats/"+chatB+"/automations", map[string]string{"event": "chat.read"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAutomations_ListAndReplace(t *testing.T) {
	s, _, ts := buildServer(t)

	res, env := do(t, http.MethodGet, ts.URL+"/api/automations", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var view automationsView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Len(t, view.Automations, 2)
	assert.Equal(t, 1, view.Stats.Keywords)

	res, env = do(t, http.MethodPost, ts.URL+"/api/automations", map[string]any{
		"automations": []string{"name: only\nevent: '*'\nactions: [{type: tag, value: all}]"},
	})
	require.Equal(t, http.StatusOK, res.StatusCode, env.Error)
	assert.Equal(t, 1, s.currentEngine().Count())

	res, env = do(t, http.MethodPost, ts.URL+"/api/automations", map[string]any{
		"automations": []string{"name: broken\nactions: []"},
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.False(t, env.Success)
	assert.Equal(t, 1, s.currentEngine().Count())
}

func TestAutomations_ListUnencodableOnlyIf(t *testing.T) {
	_, _, ts := buildServer(t)

	res, env := do(t, http.MethodPost, ts.URL+"/api/automations", map[string]any{
		"automations": []string{"name: keyed\nevent: chat.read\nonly_if: {1: open}\nactions: [{type: mark_read}]"},
	})
	require.Equal(t, http.StatusOK, res.StatusCode, env.Error)
	res, env = do(t, http.MethodGet, ts.URL+"/api/automations", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(env.Data), `"only_if":{"1":"open"}`)

	res, env = do(t, http.MethodPost, ts.URL+"/api/automations", map[string]any{
		"automations": []string{"name: scored\nevent: chat.read\nonly_if: {score: .nan}\nactions: [{type: mark_read}]"},
	})
	require.Equal(t, http.StatusOK, res.StatusCode, env.Error)
	res, env = do(t, http.MethodGet, ts.URL+"/api/automations", nil)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "unsupported value")
	assert.Empty(t, env.Data)
}

func TestLoadAutomationsFromDir(t *testing.T) {
	s, _, _ := buildServer(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("name: a\nevent: chat.read\nactions: [{type: mark_read}]\n"), 0o644))

	n, err := s.LoadAutomationsFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.currentEngine().Count())

	_, err = s.LoadAutomationsFromDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
	assert.Equal(t, 1, s.currentEngine().Count())
}

func TestMetricsEndpoint(t *testing.T) {
	_, mock, ts := buildServer(t)
	mock.ExpectQuery("FROM chats").WillReturnRows(sqlmock.NewRows(chatCols))
	_, _ = do(t, http.MethodGet, ts.URL+"/api/chats", nil)

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(body), `crm_http_requests_total{code="200",route="list_chats"} 1`)
	assert.Contains(t, string(body), "crm_automations_loaded 2")
}
