package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segu239/whatsapp-backend-standalone/internal/service"
	"github.com/segu239/whatsapp-backend-standalone/internal/shared"
	"github.com/segu239/whatsapp-backend-standalone/internal/store"
)

type stubService struct {
	sendNow        func(msg service.Message) (*store.Delivery, error)
	broadcast      func(recipients []string, body string) ([]service.BroadcastResult, error)
	createSchedule func(sc *store.Schedule) error
	cancelSchedule func(id int64) error
	deleteSchedule func(id int64) error
	getSchedule    func(id int64) (*store.Schedule, error)
	listSchedules  func() ([]store.Schedule, error)
	listDeliveries func(limit int) ([]store.Delivery, error)
	dispatch       func(id int64) (*store.Delivery, error)
}

func (s *stubService) SendNow(_ context.Context, msg service.Message) (*store.Delivery, error) {
	return s.sendNow(msg)
}

func (s *stubService) Broadcast(_ context.Context, recipients []string, body string) ([]service.BroadcastResult, error) {
	return s.broadcast(recipients, body)
}

func (s *stubService) CreateSchedule(_ context.Context, sc *store.Schedule) error {
	return s.createSchedule(sc)
}

func (s *stubService) CancelSchedule(_ context.Context, id int64) error {
	return s.cancelSchedule(id)
}

func (s *stubService) DeleteSchedule(_ context.Context, id int64) error {
	return s.deleteSchedule(id)
}

func (s *stubService) GetSchedule(_ context.Context, id int64) (*store.Schedule, error) {
	return s.getSchedule(id)
}

func (s *stubService) ListSchedules(_ context.Context) ([]store.Schedule, error) {
	return s.listSchedules()
}

func (s *stubService) ListDeliveries(_ context.Context, limit int) ([]store.Delivery, error) {
	return s.listDeliveries(limit)
}

func (s *stubService) Dispatch(_ context.Context, id int64) (*store.Delivery, error) {
	return s.dispatch(id)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type jsonObj = map[string]any

func sentDelivery(id int64, to string) *store.Delivery {
	return &store.Delivery{
		ID:                1,
		ScheduleID:        id,
		Recipient:         to,
		ProviderMessageID: "msg-1",
		Status:            store.DeliverySent,
		SentAt:            time.Now().UTC(),
	}
}

func TestHealthz(t *testing.T) {
	r := NewRouter(Options{Service: &stubService{}})
	w := doJSON(t, r, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz(t *testing.T) {
	r := NewRouter(Options{Service: &stubService{}, Pinger: stubPinger{}})
	w := doJSON(t, r, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	r = NewRouter(Options{Service: &stubService{}, Pinger: stubPinger{err: errors.New("db gone")}})
	w = doJSON(t, r, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	svc := &stubService{listSchedules: func() ([]store.Schedule, error) { return nil, nil }}
	r := NewRouter(Options{Service: svc, APIKey: "sesame"})

	w := doJSON(t, r, http.MethodGet, "/api/v1/schedules", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/schedules", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/schedules", nil, map[string]string{"X-API-Key": "sesame"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuthDisabledWhenUnset(t *testing.T) {
	svc := &stubService{listSchedules: func() ([]store.Schedule, error) { return nil, nil }}
	r := NewRouter(Options{Service: svc})
	w := doJSON(t, r, http.MethodGet, "/api/v1/schedules", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSendMessage(t *testing.T) {
	var got service.Message
	svc := &stubService{sendNow: func(msg service.Message) (*store.Delivery, error) {
		got = msg
		return sentDelivery(0, msg.To), nil
	}}
	r := NewRouter(Options{Service: svc})

	w := doJSON(t, r, http.MethodPost, "/api/v1/messages",
		jsonObj{"to": "5491155553934", "body": "hola"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5491155553934", got.To)
	assert.Equal(t, "hola", got.Body)

	var resp struct {
		Status            string `json:"status"`
		ProviderMessageID string `json:"provider_message_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sent", resp.Status)
	assert.Equal(t, "msg-1", resp.ProviderMessageID)
}

func TestSendMessageValidation(t *testing.T) {
	svc := &stubService{sendNow: func(msg service.Message) (*store.Delivery, error) {
		t.Fatal("service must not be called on invalid input")
		return nil, nil
	}}
	r := NewRouter(Options{Service: svc})

	// Missing recipient.
	w := doJSON(t, r, http.MethodPost, "/api/v1/messages", jsonObj{"body": "hola"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Neither body nor media URL.
	w = doJSON(t, r, http.MethodPost, "/api/v1/messages", jsonObj{"to": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Media URL without filename.
	w = doJSON(t, r, http.MethodPost, "/api/v1/messages",
		jsonObj{"to": "x", "media_url": "https://cdn.example.com/a.pdf"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"dependency failure", shared.MarkKind(errors.New("provider down"), shared.KindDependencyFailure), http.StatusBadGateway},
		{"timeout", shared.MarkKind(errors.New("slow"), shared.KindTimeout), http.StatusGatewayTimeout},
		{"unauthorized", shared.MarkKind(errors.New("bad key"), shared.KindUnauthorized), http.StatusUnauthorized},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{sendNow: func(service.Message) (*store.Delivery, error) { return nil, tc.err }}
			r := NewRouter(Options{Service: svc})
			w := doJSON(t, r, http.MethodPost, "/api/v1/messages", jsonObj{"to": "x", "body": "b"}, nil)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestBroadcastMixedOutcome(t *testing.T) {
	boom := errors.New("provider down")
	svc := &stubService{broadcast: func(recipients []string, body string) ([]service.BroadcastResult, error) {
		return []service.BroadcastResult{
			{Recipient: "one", ProviderMessageID: "msg-one"},
			{Recipient: "two", Err: boom},
		}, boom
	}}
	r := NewRouter(Options{Service: svc})

	w := doJSON(t, r, http.MethodPost, "/api/v1/messages/broadcast",
		jsonObj{"recipients": []string{"one", "two"}, "body": "hola"}, nil)
	assert.Equal(t, http.StatusMultiStatus, w.Code)

	var resp struct {
		Sent    int `json:"sent"`
		Failed  int `json:"failed"`
		Results []struct {
			Recipient string `json:"recipient"`
			Error     string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Sent)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 2)
	assert.Empty(t, resp.Results[0].Error)
	assert.Contains(t, resp.Results[1].Error, "provider down")
}

func TestBroadcastAllFailed(t *testing.T) {
	boom := errors.New("provider down")
	svc := &stubService{broadcast: func([]string, string) ([]service.BroadcastResult, error) {
		return []service.BroadcastResult{{Recipient: "one", Err: boom}}, boom
	}}
	r := NewRouter(Options{Service: svc})

	w := doJSON(t, r, http.MethodPost, "/api/v1/messages/broadcast",
		jsonObj{"recipients": []string{"one"}, "body": "hola"}, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestBroadcastValidation(t *testing.T) {
	r := NewRouter(Options{Service: &stubService{}})
	w := doJSON(t, r, http.MethodPost, "/api/v1/messages/broadcast",
		jsonObj{"recipients": []string{}, "body": "hola"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSchedule(t *testing.T) {
	svc := &stubService{createSchedule: func(sc *store.Schedule) error {
		sc.ID = 42
		sc.Status = store.StatusActive
		sc.CreatedAt = time.Now().UTC()
		sc.UpdatedAt = sc.CreatedAt
		return nil
	}}
	r := NewRouter(Options{Service: svc})

	w := doJSON(t, r, http.MethodPost, "/api/v1/schedules",
		jsonObj{"to": "x", "body": "b", "cron_expr": "0 9 * * 1"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp scheduleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.ID)
	assert.Equal(t, "active", resp.Status)
	assert.Equal(t, "0 9 * * 1", resp.CronExpr)
}

func TestCreateScheduleValidationError(t *testing.T) {
	svc := &stubService{createSchedule: func(*store.Schedule) error {
		return shared.MarkKind(errors.New("exactly one of cron expression or fire time must be set"), shared.KindValidation)
	}}
	r := NewRouter(Options{Service: svc})

	w := doJSON(t, r, http.MethodPost, "/api/v1/schedules", jsonObj{"to": "x", "body": "b"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetScheduleNotFound(t *testing.T) {
	svc := &stubService{getSchedule: func(id int64) (*store.Schedule, error) {
		return nil, shared.Wrapf(shared.ErrNotFound, "schedule %d", id)
	}}
	r := NewRouter(Options{Service: svc})

	w := doJSON(t, r, http.MethodGet, "/api/v1/schedules/7", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPathIDValidation(t *testing.T) {
	r := NewRouter(Options{Service: &stubService{}})
	for _, path := range []string{"/api/v1/schedules/abc", "/api/v1/schedules/0", "/api/v1/schedules/-1"} {
		w := doJSON(t, r, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestCancelSchedule(t *testing.T) {
	var canceled int64
	svc := &stubService{cancelSchedule: func(id int64) error {
		canceled = id
		return nil
	}}
	r := NewRouter(Options{Service: svc})

	w := doJSON(t, r, http.MethodDelete, "/api/v1/schedules/9", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(9), canceled)
}

func TestDeleteScheduleWithPurge(t *testing.T) {
	var deleted int64
	svc := &stubService{
		cancelSchedule: func(int64) error {
			t.Fatal("purge must not route to cancel")
			return nil
		},
		deleteSchedule: func(id int64) error {
			deleted = id
			return nil
		},
	}
	r := NewRouter(Options{Service: svc})

	w := doJSON(t, r, http.MethodDelete, "/api/v1/schedules/9?purge=true", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(9), deleted)
}

func TestDispatchWebhook(t *testing.T) {
	svc := &stubService{dispatch: func(id int64) (*store.Delivery, error) {
		return sentDelivery(id, "x"), nil
	}}
	r := NewRouter(Options{Service: svc, APIKey: "sesame", WebhookSecret: "hook"})

	// wrong secret
	w := doJSON(t, r, http.MethodPost, "/api/v1/dispatch/3", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The webhook uses the trigger secret, not the API key.
	w = doJSON(t, r, http.MethodPost, "/api/v1/dispatch/3", nil,
		map[string]string{"X-Webhook-Secret": "hook"})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp deliveryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.ScheduleID)
}

func TestDispatchConflict(t *testing.T) {
	svc := &stubService{dispatch: func(id int64) (*store.Delivery, error) {
		return nil, shared.MarkKind(fmt.Errorf("schedule %d is done", id), shared.KindConflict)
	}}
	r := NewRouter(Options{Service: svc})

	w := doJSON(t, r, http.MethodPost, "/api/v1/dispatch/3", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListDeliveries(t *testing.T) {
	var gotLimit int
	svc := &stubService{listDeliveries: func(limit int) ([]store.Delivery, error) {
		gotLimit = limit
		return []store.Delivery{*sentDelivery(0, "x")}, nil
	}}
	r := NewRouter(Options{Service: svc})

	w := doJSON(t, r, http.MethodGet, "/api/v1/deliveries?limit=5", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, gotLimit)

	w = doJSON(t, r, http.MethodGet, "/api/v1/deliveries?limit=nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
