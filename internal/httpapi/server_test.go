package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/bridge"
	"github.com/textly/smsbridge/internal/correlator"
	"github.com/textly/smsbridge/internal/gateway"
	"github.com/textly/smsbridge/internal/models"
	"github.com/textly/smsbridge/internal/relay"
	"github.com/textly/smsbridge/internal/store"
)

type commandsStub struct {
	mu        sync.Mutex
	sendErr   error
	roleErr   error
	retryErr  error
	isDefault bool
	sent      []sendReq
}

func (c *commandsStub) SendSMS(_ context.Context, phone, message string, simSlot *int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, sendReq{PhoneNumber: phone, Message: message, SimSlot: simSlot})
	return fmt.Sprintf("sms_1_%d", len(c.sent)), nil
}

func (c *commandsStub) IsDefaultSmsApp(context.Context) (bool, error) { return c.isDefault, nil }
func (c *commandsStub) RequestDefaultSmsApp(context.Context) error    { return c.roleErr }
func (c *commandsStub) RequestSmsPermissions(context.Context) error   { return c.roleErr }

func (c *commandsStub) Retry(_ context.Context, id string) (string, error) {
	if c.retryErr != nil {
		return "", c.retryErr
	}
	return id + "_retry", nil
}

type eventsStub struct {
	events []models.Event
}

func (e *eventsStub) Subscribe(int) (<-chan models.Event, func(), error) {
	ch := make(chan models.Event, len(e.events))
	for _, evt := range e.events {
		ch <- evt
	}
	close(ch)
	return ch, func() {}, nil
}

type injectorStub struct {
	mu      sync.Mutex
	records []gateway.InboundRecord
}

func (i *injectorStub) Receive(records ...gateway.InboundRecord) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.records = append(i.records, records...)
}

type testEnv struct {
	router   http.Handler
	commands *commandsStub
	store    *store.Store
	inbound  *injectorStub
}

func newTestEnv(t *testing.T, withInbound bool) *testEnv {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "api.db") + "?_foreign_keys=on"
	st, err := store.Open(context.Background(), dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{commands: &commandsStub{}, store: st}
	deps := Dependencies{
		Commands: env.commands,
		Log:      st,
		Events: &eventsStub{events: []models.Event{
			{ID: "evt-1", Name: models.EventSmsSent, MessageID: "sms_1_1", Status: models.StatusSent},
		}},
		Checks: map[string]Check{"store": st.Ping},
		Logger: zerolog.Nop(),
	}
	if withInbound {
		env.inbound = &injectorStub{}
		deps.Inbound = env.inbound
	}
	router, err := NewRouter(deps)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	env.router = router
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSendSMSAccepted(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(http.MethodPost, "/api/sms", `{"phoneNumber":"+15550100000","message":"hi","simSlot":1}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[messageIDResp](t, w)
	if resp.MessageID != "sms_1_1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(env.commands.sent) != 1 || env.commands.sent[0].SimSlot == nil || *env.commands.sent[0].SimSlot != 1 {
		t.Fatalf("unexpected command call %+v", env.commands.sent)
	}
}

func TestSendSMSErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{
			name: "permission",
			err:  &bridge.Error{Code: bridge.CodePermissionDenied, Message: "SMS permission not granted", Err: correlator.ErrPermissionDenied},
			want: http.StatusForbidden,
			code: bridge.CodePermissionDenied,
		},
		{
			name: "invalid",
			err:  &bridge.Error{Code: bridge.CodeSmsSendError, Message: "bad number", Err: correlator.ErrInvalidRequest},
			want: http.StatusBadRequest,
			code: bridge.CodeSmsSendError,
		},
		{
			name: "transport",
			err:  &bridge.Error{Code: bridge.CodeSmsSendError, Message: "radio off", Err: correlator.ErrTransportInitiation},
			want: http.StatusBadGateway,
			code: bridge.CodeSmsSendError,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			env.commands.sendErr = tc.err

			w := env.do(http.MethodPost, "/api/sms", `{"phoneNumber":"x","message":"hi"}`)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			if body := decode[errorBody](t, w); body.Code != tc.code {
				t.Fatalf("expected code %s, got %+v", tc.code, body)
			}
		})
	}
}

func TestSendSMSRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, false)
	if w := env.do(http.MethodPost, "/api/sms", `{"phoneNumber":`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&bridge.Error{Code: bridge.CodeAPILevelError}, http.StatusNotImplemented},
		{&bridge.Error{Code: bridge.CodeActivityError}, http.StatusConflict},
		{&bridge.Error{Code: bridge.CodeRetryNotAllowed}, http.StatusConflict},
		{&bridge.Error{Code: bridge.CodeMessageNotFound}, http.StatusNotFound},
		{&bridge.Error{Code: bridge.CodeDefaultSmsCheckError}, http.StatusInternalServerError},
		{fmt.Errorf("wrap: %w", store.ErrNotFound), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestDefaultAppEndpoints(t *testing.T) {
	env := newTestEnv(t, false)
	env.commands.isDefault = true

	w := env.do(http.MethodGet, "/api/default-app", "")
	if w.Code != http.StatusOK || !decode[map[string]bool](t, w)["isDefault"] {
		t.Fatalf("unexpected default-app response %d %s", w.Code, w.Body.String())
	}

	if w := env.do(http.MethodPost, "/api/default-app/request", ""); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	env.commands.roleErr = &bridge.Error{Code: bridge.CodeAPILevelError, Message: "Default SMS app request not supported on this API level"}
	w = env.do(http.MethodPost, "/api/default-app/request", "")
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}
	if body := decode[errorBody](t, w); body.Message != "Default SMS app request not supported on this API level" {
		t.Fatalf("unexpected error body %+v", body)
	}

	env.commands.roleErr = &bridge.Error{Code: bridge.CodeActivityError, Message: "No current activity available"}
	if w := env.do(http.MethodPost, "/api/permissions/request", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestRetryEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(http.MethodPost, "/api/messages/sms_1_1/retry", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if resp := decode[messageIDResp](t, w); resp.MessageID != "sms_1_1_retry" || resp.RetryOf != "sms_1_1" {
		t.Fatalf("unexpected retry response %+v", resp)
	}

	env.commands.retryErr = &bridge.Error{Code: bridge.CodeRetryNotAllowed, Message: "not failed"}
	if w := env.do(http.MethodPost, "/api/messages/sms_1_1/retry", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestThreadEndpoints(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	if _, err := env.store.RecordOutbound(ctx, store.Outbound{ID: "sms_1_1", Address: "+15550100000", Body: "lunch?", SegmentCount: 1}); err != nil {
		t.Fatalf("record outbound: %v", err)
	}
	if _, err := env.store.RecordInbound(ctx, models.InboundMessage{Sender: "+15550100000", Body: "sure", SimSelector: models.UnknownSlot}); err != nil {
		t.Fatalf("record inbound: %v", err)
	}

	w := env.do(http.MethodGet, "/api/threads", "")
	threads := decode[[]store.Thread](t, w)
	if w.Code != http.StatusOK || len(threads) != 1 || threads[0].UnreadCount != 1 {
		t.Fatalf("unexpected threads %d %+v", w.Code, threads)
	}
	threadID := threads[0].ID

	w = env.do(http.MethodGet, "/api/threads/"+threadID+"/messages?limit=1", "")
	if msgs := decode[[]store.Message](t, w); w.Code != http.StatusOK || len(msgs) != 1 {
		t.Fatalf("unexpected paged messages %d %+v", w.Code, msgs)
	}
	if w := env.do(http.MethodGet, "/api/threads/"+threadID+"/messages?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", w.Code)
	}

	if w := env.do(http.MethodPost, "/api/threads/"+threadID+"/read", ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w = env.do(http.MethodGet, "/api/threads?q=5550100", "")
	if threads := decode[[]store.Thread](t, w); len(threads) != 1 || threads[0].UnreadCount != 0 {
		t.Fatalf("expected read thread, got %+v", threads)
	}

	w = env.do(http.MethodGet, "/api/messages/search?q=lunch", "")
	if msgs := decode[[]store.Message](t, w); len(msgs) != 1 || msgs[0].ID != "sms_1_1" {
		t.Fatalf("unexpected search result %+v", msgs)
	}
	if w := env.do(http.MethodGet, "/api/messages/search", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without q, got %d", w.Code)
	}

	if w := env.do(http.MethodPost, "/api/threads/thread_404/read", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown thread, got %d", w.Code)
	}
	if w := env.do(http.MethodDelete, "/api/threads/"+threadID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", w.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(http.MethodGet, "/api/settings/delivery_reports", "")
	if body := decode[settingBody](t, w); w.Code != http.StatusOK || body.Value != "true" {
		t.Fatalf("unexpected default setting %d %+v", w.Code, body)
	}

	if w := env.do(http.MethodPut, "/api/settings/delivery_reports", `{"value":"maybe"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := env.do(http.MethodPut, "/api/settings/default_sim_slot", `{"value":"1"}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = env.do(http.MethodGet, "/api/settings/default_sim_slot", "")
	if body := decode[settingBody](t, w); body.Value != "1" {
		t.Fatalf("expected stored slot, got %+v", body)
	}
	if w := env.do(http.MethodGet, "/api/settings/theme", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown setting, got %d", w.Code)
	}
}

func TestInboundWebhook(t *testing.T) {
	without := newTestEnv(t, false)
	if w := without.do(http.MethodPost, "/webhooks/inbound", `{"messages":[]}`); w.Code != http.StatusNotFound {
		t.Fatalf("webhook must not be mounted without an injector, got %d", w.Code)
	}

	env := newTestEnv(t, true)
	w := env.do(http.MethodPost, "/webhooks/inbound", `{"messages":[{"sender":"+15550199","body":"hi","subscriptionId":2},{"sender":"5550","body":"yo"}]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.inbound.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(env.inbound.records))
	}
	if env.inbound.records[0].SubscriptionID != 2 || env.inbound.records[1].SubscriptionID != gateway.DefaultSubscription {
		t.Fatalf("unexpected subscriptions %+v", env.inbound.records)
	}
	if w := env.do(http.MethodPost, "/webhooks/inbound", `{"messages":[{"body":"no sender"}]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: onSmsSent\n") || !strings.Contains(body, `"messageId":"sms_1_1"`) {
		t.Fatalf("unexpected stream %q", body)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	if w := env.do(http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	router, err := NewRouter(Dependencies{
		Commands: &commandsStub{},
		Log:      env.store,
		Events:   &eventsStub{},
		Checks: map[string]Check{
			"kafka": func(context.Context) error { return errors.New("producer not ready") },
		},
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestShutdownEndsOpenEventStreams(t *testing.T) {
	env := newTestEnv(t, false)
	rel := relay.New(zerolog.Nop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rel.Close(ctx)
	})
	router, err := NewRouter(Dependencies{
		Commands: env.commands,
		Log:      env.store,
		Events:   rel,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	srv := httptest.NewUnstartedServer(router)
	srv.Config.RegisterOnShutdown(rel.DetachSubscribers)
	srv.Start()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Config.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown blocked by open stream: %v", err)
	}
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("stream did not end cleanly: %v", err)
	}
}
