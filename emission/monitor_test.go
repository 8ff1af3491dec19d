package emission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/notaflow/fiscal_backend/models"
	"github.com/notaflow/fiscal_backend/utils"
)

// scriptedPoller returns its results in order; the last one repeats.
type scriptedPoller struct {
	mu      sync.Mutex
	results []PollResult
	calls   int
}

func (p *scriptedPoller) Poll(ctx context.Context, reference string) PollResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	p.calls++
	return p.results[i]
}

func (p *scriptedPoller) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type memoryStore struct {
	mu      sync.Mutex
	records []*models.EmissionRecord
	fail    error
}

func (s *memoryStore) Upsert(ctx context.Context, record *models.EmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.records = append(s.records, record)
	return nil
}

func (s *memoryStore) GetByReference(ctx context.Context, businessId string, reference string) (*models.EmissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Reference == reference && r.BusinessId == businessId {
			return r, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *memoryStore) last() *models.EmissionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil
	}
	return s.records[len(s.records)-1]
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type captureNotifier struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (n *captureNotifier) Notify(update StatusUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, update)
}

func (n *captureNotifier) final() (StatusUpdate, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, u := range n.updates {
		if u.Final {
			return u, true
		}
	}
	return StatusUpdate{}, false
}

type fakeFetcher struct {
	raw   []byte
	err   error
	mu    sync.Mutex
	calls int
}

func (f *fakeFetcher) FetchDocument(ctx context.Context, locator string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.raw, f.err
}

func fastConfig(maxAttempts int) Config {
	return Config{
		GraceDelay:   time.Millisecond,
		PollInterval: time.Millisecond,
		MaxAttempts:  maxAttempts,
	}
}

func waitDone(t *testing.T, s *MonitorSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish in time")
	}
}

func authorizedResult(numero string) PollResult {
	return PollResult{
		State:      StateAuthorized,
		HTTPStatus: 200,
		Payload:    StatusPayload{Situacao: "autorizado", Numero: numero},
		RawBody:    []byte(`{"situacao":"autorizado","numero":"` + numero + `"}`),
	}
}

func TestMonitorAuthorizedAfterProcessing(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{
		{State: StateProcessing, HTTPStatus: 404},
		{State: StateProcessing, HTTPStatus: 200},
		authorizedResult("14810"),
	}}
	store := &memoryStore{}
	notifier := &captureNotifier{}

	m := NewMonitor(poller, nil, store, notifier, nil, fastConfig(40))
	session := m.Start(context.Background(), "biz-1", "ref-1")
	waitDone(t, session)

	if got := poller.callCount(); got != 3 {
		t.Errorf("poll calls = %d, want 3", got)
	}
	record := store.last()
	if record == nil {
		t.Fatal("no record persisted")
	}
	if record.Status != models.EmissionStatusAuthorized {
		t.Errorf("Status = %s", record.Status)
	}
	if record.DocumentNumber != "14810" {
		t.Errorf("DocumentNumber = %q, want 14810", record.DocumentNumber)
	}
	final, ok := notifier.final()
	if !ok {
		t.Fatal("no final update published")
	}
	if final.State != string(StateAuthorized) {
		t.Errorf("final state = %s", final.State)
	}
	if final.AttemptsUsed != 3 {
		t.Errorf("final AttemptsUsed = %d, want 3", final.AttemptsUsed)
	}
}

func TestMonitorTimeoutUsesExactlyMaxAttempts(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{{State: StateProcessing, HTTPStatus: 200}}}
	store := &memoryStore{}
	notifier := &captureNotifier{}

	hookStates := make(chan TerminalEvent, 1)
	m := NewMonitor(poller, nil, store, notifier, nil, fastConfig(5))
	m.Hooks = []TerminalHook{func(ctx context.Context, e TerminalEvent) { hookStates <- e }}

	session := m.Start(context.Background(), "biz-1", "ref-2")
	waitDone(t, session)

	if got := poller.callCount(); got != 5 {
		t.Errorf("poll calls = %d, want exactly 5", got)
	}
	if store.count() != 0 {
		t.Error("timeout must not persist a record")
	}
	final, ok := notifier.final()
	if !ok {
		t.Fatal("no final update published")
	}
	if final.State != string(StateTimeout) {
		t.Errorf("final state = %s, want timeout", final.State)
	}

	select {
	case e := <-hookStates:
		if e.State != StateTimeout || e.Record != nil {
			t.Errorf("hook event = %+v", e)
		}
	default:
		t.Error("terminal hook should still fire on timeout")
	}
}

func TestMonitorRetriesAfterTransportFault(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{
		{State: StateTransportError, HTTPStatus: 503},
		authorizedResult("200"),
	}}
	store := &memoryStore{}

	m := NewMonitor(poller, nil, store, nil, nil, fastConfig(40))
	session := m.Start(context.Background(), "biz-1", "ref-3")
	waitDone(t, session)

	if got := poller.callCount(); got != 2 {
		t.Errorf("poll calls = %d, want 2", got)
	}
	record := store.last()
	if record == nil || record.Status != models.EmissionStatusAuthorized {
		t.Errorf("record = %+v, transport fault must not be terminal while budget remains", record)
	}
}

func TestMonitorPersistsTransportErrorOnExhaustion(t *testing.T) {
	raw := []byte(`boom`)
	poller := &scriptedPoller{results: []PollResult{{State: StateTransportError, HTTPStatus: 502, RawBody: raw}}}
	store := &memoryStore{}
	notifier := &captureNotifier{}

	m := NewMonitor(poller, nil, store, notifier, nil, fastConfig(3))
	session := m.Start(context.Background(), "biz-1", "ref-4")
	waitDone(t, session)

	if got := poller.callCount(); got != 3 {
		t.Errorf("poll calls = %d, want 3", got)
	}
	record := store.last()
	if record == nil {
		t.Fatal("exhausted transport faults must persist what is known")
	}
	if record.Status != models.EmissionStatusTransportError {
		t.Errorf("Status = %s", record.Status)
	}
	if record.DocumentNumber != "" || record.ServiceAmount != nil {
		t.Error("transport-error record carries no merged fields")
	}
	if string(record.RawPayload) != string(raw) {
		t.Error("raw body must be retained on the record")
	}
}

func TestMonitorCancellationWritesNothing(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{{State: StateProcessing, HTTPStatus: 200}}}
	store := &memoryStore{}
	notifier := &captureNotifier{}

	cfg := Config{GraceDelay: 10 * time.Millisecond, PollInterval: 10 * time.Millisecond, MaxAttempts: 1000}
	m := NewMonitor(poller, nil, store, notifier, nil, cfg)
	session := m.Start(context.Background(), "biz-1", "ref-5")

	time.Sleep(25 * time.Millisecond)
	session.Cancel()
	waitDone(t, session)

	if store.count() != 0 {
		t.Error("cancellation must not write a record")
	}
	final, ok := notifier.final()
	if !ok {
		t.Fatal("no final update published")
	}
	if final.State != string(StateCancelled) {
		t.Errorf("final state = %s, want cancelled", final.State)
	}

	polled := poller.callCount()
	time.Sleep(50 * time.Millisecond)
	if poller.callCount() != polled {
		t.Error("polling must stop after cancellation")
	}
}

func TestMonitorContextCancellationStopsSession(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{{State: StateProcessing, HTTPStatus: 200}}}
	store := &memoryStore{}

	ctx, cancel := context.WithCancel(context.Background())
	m := NewMonitor(poller, nil, store, nil, nil, Config{GraceDelay: 10 * time.Millisecond, PollInterval: 10 * time.Millisecond, MaxAttempts: 1000})
	session := m.Start(ctx, "biz-1", "ref-6")

	cancel()
	waitDone(t, session)

	if store.count() != 0 {
		t.Error("server shutdown must not write a record")
	}
}

func TestMonitorEnrichesFromDocument(t *testing.T) {
	result := authorizedResult("999")
	result.Payload.CaminhoXml = "xml/ref-7"
	poller := &scriptedPoller{results: []PollResult{result}}
	fetcher := &fakeFetcher{raw: []byte(sampleNfseXML)}
	store := &memoryStore{}

	m := NewMonitor(poller, fetcher, store, nil, nil, fastConfig(40))
	session := m.Start(context.Background(), "biz-1", "ref-7")
	waitDone(t, session)

	record := store.last()
	if record == nil {
		t.Fatal("no record persisted")
	}
	// The document value wins over the payload's number.
	if record.DocumentNumber != "14810" {
		t.Errorf("DocumentNumber = %q, want 14810 from the document", record.DocumentNumber)
	}
	if record.VerificationCode != "ABCD-1234" {
		t.Errorf("VerificationCode = %q", record.VerificationCode)
	}
}

func TestMonitorDocumentFaultFallsBackToPayload(t *testing.T) {
	result := authorizedResult("14810")
	result.Payload.CaminhoXml = "xml/ref-8"
	poller := &scriptedPoller{results: []PollResult{result}}
	fetcher := &fakeFetcher{err: errors.New("document service unavailable")}
	store := &memoryStore{}
	notifier := &captureNotifier{}

	m := NewMonitor(poller, fetcher, store, notifier, nil, fastConfig(40))
	session := m.Start(context.Background(), "biz-1", "ref-8")
	waitDone(t, session)

	record := store.last()
	if record == nil {
		t.Fatal("a document fault must not drop the terminal status")
	}
	if record.Status != models.EmissionStatusAuthorized {
		t.Errorf("Status = %s", record.Status)
	}
	if record.DocumentNumber != "14810" {
		t.Errorf("DocumentNumber = %q, want payload fallback", record.DocumentNumber)
	}
}

func TestMonitorSurfacesPersistenceFault(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{authorizedResult("14810")}}
	store := &memoryStore{fail: errors.New("db gone")}
	notifier := &captureNotifier{}

	m := NewMonitor(poller, nil, store, notifier, nil, fastConfig(40))
	session := m.Start(context.Background(), "biz-1", "ref-9")
	waitDone(t, session)

	final, ok := notifier.final()
	if !ok {
		t.Fatal("no final update published")
	}
	if final.State != string(StateAuthorized) {
		t.Errorf("final state = %s", final.State)
	}
	if final.Message == "" {
		t.Error("persistence fault must be surfaced in the final message")
	}
}

func TestMonitorSnapshotWhileRunning(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{{State: StateProcessing, HTTPStatus: 200}}}
	m := NewMonitor(poller, nil, &memoryStore{}, nil, nil, Config{GraceDelay: 10 * time.Millisecond, PollInterval: 10 * time.Millisecond, MaxAttempts: 1000})
	session := m.Start(context.Background(), "biz-1", "ref-10")
	defer func() {
		session.Cancel()
		waitDone(t, session)
	}()

	time.Sleep(30 * time.Millisecond)
	snap := session.Snapshot()
	if snap.Reference != "ref-10" {
		t.Errorf("Reference = %q", snap.Reference)
	}
	if snap.State != PhasePolling {
		t.Errorf("State = %s, want %s", snap.State, PhasePolling)
	}
	if snap.AttemptsUsed < 1 {
		t.Error("AttemptsUsed should advance while polling")
	}
	if snap.MaxAttempts != 1000 {
		t.Errorf("MaxAttempts = %d", snap.MaxAttempts)
	}
}

func TestMonitorHooksRunUnderDeadline(t *testing.T) {
	poller := &scriptedPoller{results: []PollResult{authorizedResult("11")}}
	store := &memoryStore{}

	// Hooks run before Done closes; an unbounded hook context would let a
	// stuck downstream hold the session (and its registry entry) forever.
	deadlines := make(chan bool, 1)
	m := NewMonitor(poller, nil, store, nil, nil, fastConfig(3))
	m.Hooks = []TerminalHook{func(ctx context.Context, e TerminalEvent) {
		_, ok := ctx.Deadline()
		deadlines <- ok
	}}

	session := m.Start(context.Background(), "biz-1", "ref-11")
	waitDone(t, session)

	select {
	case bounded := <-deadlines:
		if !bounded {
			t.Error("terminal hooks must run under a deadline")
		}
	default:
		t.Fatal("terminal hook did not fire")
	}
}
