package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mailsync/internal/channel"
	"mailsync/internal/counters"
	"mailsync/internal/draft"
	"mailsync/internal/mutate"
	"mailsync/internal/notify"
	"mailsync/internal/session"
	"mailsync/internal/syncstate"
	"mailsync/internal/watch"
	"mailsync/pkg/trace"
)

const testSecret = "test-secret"

type nopStore struct{}

func (nopStore) Create(ctx context.Context, buf draft.Buffer) (string, error) { return "d-1", nil }
func (nopStore) Update(ctx context.Context, draftID string, buf draft.Buffer) error {
	return nil
}
func (nopStore) Delete(ctx context.Context, draftID string) error { return nil }

type nopRefresher struct{}

func (nopRefresher) RefreshFolders(ctx context.Context, accountID string) error { return nil }

type nopAcquirer struct{}

func (nopAcquirer) AcquireOnce(ctx context.Context, handler, eventID string) bool { return true }

type recordingCaller struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingCaller) Mutate(ctx context.Context, kind, targetID string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, kind+"/"+targetID)
	return r.err
}

type testEnv struct {
	router   *Router
	registry *session.Registry
	caller   *recordingCaller

	mu         sync.Mutex
	transports map[string]*channel.MemTransport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	env := &testEnv{
		caller:     &recordingCaller{},
		transports: make(map[string]*channel.MemTransport),
	}

	factory := func(ctx context.Context, id session.Identity) (*session.Session, error) {
		transport := channel.NewMemTransport()
		env.mu.Lock()
		env.transports[id.SessionID] = transport
		env.mu.Unlock()

		mgr := channel.NewManager(id.SessionID, transport, log,
			channel.WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		)
		cache := counters.NewCache(nil, "counters:"+id.SessionID, log)
		dispatcher := notify.NewDispatcher(cache, nopAcquirer{}, notify.LogAlerter{Logger: log},
			notify.StaticPreferences{}, log)
		tracker := syncstate.NewTracker(log)
		coord := watch.NewCoordinator(mgr, nopRefresher{}, log)
		drafts := draft.NewEngine(nopStore{}, 30*time.Millisecond, log)
		mutator := mutate.NewCoordinator(log, nil)
		messages := mutate.NewMessageState()

		return session.NewSession(ctx, id, mgr, coord, dispatcher, cache, tracker,
			drafts, mutator, messages, nil, nil, log)
	}

	env.registry = session.NewRegistry(factory, log)
	t.Cleanup(env.registry.CloseAll)

	handler := NewHandler(env.registry, env.caller, log)
	env.router = NewRouter(handler, testSecret)
	return env
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.router.Engine.ServeHTTP(w, req)
	return w
}

func token(t *testing.T, sessionID string) string {
	t.Helper()
	tok, err := session.GenerateToken(1, sessionID, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestMissingTokenIsRejected(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/counters", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestInvalidTokenIsRejected(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/counters", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	env.router.Engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestEnsureWatchFlow(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "sess-1")

	w := env.do(t, http.MethodPost, "/watch/acct-1", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["state"] != "pending" {
		t.Errorf("state = %v", resp["state"])
	}

	// 同一会话重复发起不会多发订阅请求
	env.do(t, http.MethodPost, "/watch/acct-1", tok, nil)
	env.mu.Lock()
	transport := env.transports["sess-1"]
	env.mu.Unlock()
	if got := len(transport.Sent()); got != 1 {
		t.Errorf("subscribe requests = %d, want 1", got)
	}

	w = env.do(t, http.MethodGet, "/watch/acct-1", tok, nil)
	if resp := decode(t, w); resp["state"] != "pending" {
		t.Errorf("queried state = %v", resp["state"])
	}

	w = env.do(t, http.MethodDelete, "/watch/acct-1", tok, nil)
	if resp := decode(t, w); resp["state"] != "unrequested" {
		t.Errorf("state after stop = %v", resp["state"])
	}
}

func TestCountersEndpoints(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "sess-1")

	// 先触发会话创建，然后直接调计数器
	if w := env.do(t, http.MethodGet, "/counters", tok, nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	s, ok := env.registry.Get("sess-1")
	if !ok {
		t.Fatal("session not created")
	}
	s.Counters.Increment(context.Background(), "acct-1/INBOX", 4)

	w := env.do(t, http.MethodGet, "/counters/acct-1/INBOX", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode(t, w)
	if resp["folder"] != "acct-1/INBOX" || resp["unread"] != float64(4) {
		t.Errorf("resp = %v", resp)
	}

	w = env.do(t, http.MethodGet, "/counters", tok, nil)
	if resp := decode(t, w); resp["acct-1/INBOX"] != float64(4) {
		t.Errorf("snapshot = %v", resp)
	}
}

func TestChannelStatus(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "sess-1")

	w := env.do(t, http.MethodGet, "/channel", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode(t, w)
	if resp["open"] != true || resp["degraded"] != false {
		t.Errorf("resp = %v", resp)
	}
	if resp["generation"] != float64(1) {
		t.Errorf("generation = %v", resp["generation"])
	}
}

func TestSyncProgressDefaultsToIdle(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "sess-1")

	w := env.do(t, http.MethodGet, "/sync/acct-1", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decode(t, w); resp["phase"] != "idle" {
		t.Errorf("phase = %v", resp["phase"])
	}
}

func TestApplySingleMutation(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "sess-1")

	body := map[string]any{
		"mutations": []map[string]any{
			{"kind": "mark_read", "target": "msg-1", "field": "read", "value": true},
		},
	}
	w := env.do(t, http.MethodPost, "/mutations", tok, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(env.caller.calls) != 1 || env.caller.calls[0] != "mark_read/msg-1" {
		t.Errorf("caller saw %v", env.caller.calls)
	}

	s, _ := env.registry.Get("sess-1")
	if v := s.Messages.Get("msg-1", "read"); v != true {
		t.Errorf("message state = %v", v)
	}
}

func TestMarkReadMutationDropsUnreadCounter(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "sess-1")

	env.do(t, http.MethodGet, "/counters", tok, nil)
	s, ok := env.registry.Get("sess-1")
	if !ok {
		t.Fatal("session not created")
	}
	s.Counters.Increment(context.Background(), "acct-1/INBOX", 2)

	body := map[string]any{
		"mutations": []map[string]any{
			{"kind": "mark_read", "target": "msg-1", "field": "read", "value": true, "folder": "acct-1/INBOX"},
		},
	}
	w := env.do(t, http.MethodPost, "/mutations", tok, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if v := s.Counters.Get("acct-1/INBOX"); v != 1 {
		t.Errorf("unread = %d after mark read, want 1", v)
	}

	// 调用失败时计数器随字段一起回滚
	env.caller.err = errors.New("engine rejected")
	body = map[string]any{
		"mutations": []map[string]any{
			{"kind": "mark_read", "target": "msg-2", "field": "read", "value": true, "folder": "acct-1/INBOX"},
		},
	}
	w = env.do(t, http.MethodPost, "/mutations", tok, body)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if v := s.Counters.Get("acct-1/INBOX"); v != 1 {
		t.Errorf("unread = %d after rolled-back mark read, want 1", v)
	}
}

func TestFailedMutationRollsBackAndReturns502(t *testing.T) {
	env := newTestEnv(t)
	env.caller.err = errors.New("engine rejected")
	tok := token(t, "sess-1")

	body := map[string]any{
		"mutations": []map[string]any{
			{"kind": "flag", "target": "msg-1", "field": "flagged", "value": true},
		},
	}
	w := env.do(t, http.MethodPost, "/mutations", tok, body)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}

	s, _ := env.registry.Get("sess-1")
	if v := s.Messages.Get("msg-1", "flagged"); v != nil {
		t.Errorf("rolled back value = %v, want nil", v)
	}
}

func TestApplyMutationsRejectsEmptyBatch(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "sess-1")

	w := env.do(t, http.MethodPost, "/mutations", tok, map[string]any{"mutations": []any{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAutosaveDraftIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "sess-1")

	body := map[string]any{"key": "compose-1", "subject": "hello"}
	w := env.do(t, http.MethodPost, "/drafts/autosave", tok, body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["status"] != "scheduled" {
		t.Errorf("resp = %v", resp)
	}
}

func TestAutosaveDraftRequiresKey(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "sess-1")

	w := env.do(t, http.MethodPost, "/drafts/autosave", tok, map[string]any{"subject": "no key"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSessionErrorLogsCarryTraceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.ErrorLevel)
	registry := session.NewRegistry(func(ctx context.Context, id session.Identity) (*session.Session, error) {
		return nil, errors.New("broker unreachable")
	}, zap.NewNop())
	handler := NewHandler(registry, &recordingCaller{}, zap.New(core))
	router := NewRouter(handler, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/counters", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "sess-1"))
	req.Header.Set(trace.HeaderName(), "trace-abc")
	w := httptest.NewRecorder()
	router.Engine.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	entries := logs.All()
	if len(entries) == 0 {
		t.Fatal("no error logged")
	}
	found := false
	for _, f := range entries[0].Context {
		if f.Key == "trace_id" && f.String == "trace-abc" {
			found = true
		}
	}
	if !found {
		t.Errorf("log fields %v missing trace_id", entries[0].Context)
	}
}

func TestLogoutClosesSession(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "sess-1")

	env.do(t, http.MethodGet, "/counters", tok, nil)
	if _, ok := env.registry.Get("sess-1"); !ok {
		t.Fatal("session not created")
	}

	w := env.do(t, http.MethodPost, "/logout", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, ok := env.registry.Get("sess-1"); ok {
		t.Error("session survived logout")
	}
}
