package emission

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/notaflow/fiscal_backend/models"
	"github.com/notaflow/fiscal_backend/utils"
)

func newTestHandlers(poller Poller, store RecordStore) *Handlers {
	m := NewMonitor(poller, nil, store, nil, nil, fastConfig(40))
	return NewHandlers(context.Background(), m, NewRegistry(), NewBroker(), nil, nil)
}

// newTestRouter stamps X-Business-Id straight into the request context, the
// same shape TenantMiddleware produces.
func newTestRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if businessId := c.GetHeader("X-Business-Id"); businessId != "" {
			c.Request = c.Request.WithContext(utils.SetBusinessIdInContext(c.Request.Context(), businessId))
		}
		c.Next()
	})
	h.Register(r)
	return r
}

func serve(r *gin.Engine, method string, path string, businessId string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if businessId != "" {
		req.Header.Set("X-Business-Id", businessId)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCancelMonitoringScopedToTenant(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{{State: StateProcessing, HTTPStatus: 200}}}
	h := newTestHandlers(poller, &memoryStore{})
	r := newTestRouter(h)

	session := h.Monitor.NewSession("biz-victim", "ref-shared")
	if err := h.Registry.Add(session); err != nil {
		t.Fatal(err)
	}

	w := serve(r, http.MethodDelete, "/emissions/ref-shared/monitor", "biz-attacker")
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign cancel status = %d, want 404", w.Code)
	}
	if session.cancelRequested() {
		t.Fatal("foreign tenant must not cancel the session")
	}

	w = serve(r, http.MethodDelete, "/emissions/ref-shared/monitor", "biz-victim")
	if w.Code != http.StatusAccepted {
		t.Errorf("owner cancel status = %d, want 202", w.Code)
	}
	if !session.cancelRequested() {
		t.Error("owner cancel must reach the session")
	}
}

func TestStartMonitoringRejectsForeignReference(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{authorizedResult("1")}}
	h := newTestHandlers(poller, &memoryStore{})
	h.authorize = func(ctx context.Context, businessId string, reference string) (bool, error) {
		return false, nil
	}
	r := newTestRouter(h)

	w := serve(r, http.MethodPost, "/emissions/ref-foreign/monitor", "biz-attacker")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if h.Registry.Len() != 0 {
		t.Error("no session may start for a reference the tenant does not own")
	}
	time.Sleep(20 * time.Millisecond)
	if poller.callCount() != 0 {
		t.Error("rejected start must not poll")
	}
}

func TestStartMonitoringOwnedReference(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{authorizedResult("77")}}
	store := &memoryStore{}
	h := newTestHandlers(poller, store)
	h.authorize = func(ctx context.Context, businessId string, reference string) (bool, error) {
		return businessId == "biz-1", nil
	}
	r := newTestRouter(h)

	w := serve(r, http.MethodPost, "/emissions/ref-owned/monitor", "biz-1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", w.Code, w.Body.String())
	}
}

func TestStreamEventsScopedToTenant(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{{State: StateProcessing, HTTPStatus: 200}}}
	h := newTestHandlers(poller, &memoryStore{})
	r := newTestRouter(h)

	session := h.Monitor.NewSession("biz-victim", "ref-stream")
	if err := h.Registry.Add(session); err != nil {
		t.Fatal(err)
	}

	w := serve(r, http.MethodGet, "/emissions/ref-stream/events", "biz-attacker")
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign stream status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct == "text/event-stream" {
		t.Error("foreign tenant must not receive the event stream")
	}
}

func TestGetEmissionScopedToTenant(t *testing.T) {
	store := &memoryStore{}
	store.records = append(store.records, &models.EmissionRecord{
		Reference:  "ref-db",
		BusinessId: "biz-1",
		Status:     models.EmissionStatusAuthorized,
	})
	h := newTestHandlers(nil, store)
	h.authorize = func(ctx context.Context, businessId string, reference string) (bool, error) {
		return false, nil
	}
	r := newTestRouter(h)

	if w := serve(r, http.MethodGet, "/emissions/ref-db", "biz-1"); w.Code != http.StatusOK {
		t.Errorf("owner read status = %d, want 200", w.Code)
	}
	if w := serve(r, http.MethodGet, "/emissions/ref-db", "biz-2"); w.Code != http.StatusNotFound {
		t.Errorf("foreign read status = %d, want 404", w.Code)
	}

	// Live fallback is tenant scoped too.
	session := h.Monitor.NewSession("biz-victim", "ref-live")
	if err := h.Registry.Add(session); err != nil {
		t.Fatal(err)
	}
	if w := serve(r, http.MethodGet, "/emissions/ref-live", "biz-attacker"); w.Code != http.StatusNotFound {
		t.Errorf("foreign live read status = %d, want 404", w.Code)
	}
	if w := serve(r, http.MethodGet, "/emissions/ref-live", "biz-victim"); w.Code != http.StatusOK {
		t.Errorf("owner live read status = %d, want 200", w.Code)
	}
}

func TestStartSessionLoserNeverLaunches(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{{State: StateProcessing, HTTPStatus: 200}}}
	h := newTestHandlers(poller, &memoryStore{})

	winner := h.Monitor.NewSession("biz-1", "ref-race")
	if err := h.Registry.Add(winner); err != nil {
		t.Fatal(err)
	}

	if _, err := h.startSession("biz-1", "ref-race"); !errors.Is(err, ErrAlreadyMonitored) {
		t.Fatalf("err = %v, want ErrAlreadyMonitored", err)
	}
	// The loser must not have run at all, not even for the grace period.
	time.Sleep(20 * time.Millisecond)
	if poller.callCount() != 0 {
		t.Errorf("poll calls = %d, losing start must not launch a session", poller.callCount())
	}
}
