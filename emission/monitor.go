package emission

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Session display states before a terminal PollState is reached.
const (
	PhaseInitializing = "initializing"
	PhasePolling      = "polling"
)

// Config bounds one monitor session. MaxAttempts x PollInterval is the hard
// ceiling on session lifetime.
type Config struct {
	GraceDelay   time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

func ConfigFromEnv() Config {
	return Config{
		GraceDelay:   time.Duration(envInt("EMISSION_GRACE_DELAY_SECONDS", 2)) * time.Second,
		PollInterval: time.Duration(envInt("EMISSION_POLL_INTERVAL_SECONDS", 3)) * time.Second,
		MaxAttempts:  envInt("EMISSION_MAX_ATTEMPTS", 40),
	}
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// MonitorSession is the in-memory state of one watched emission. It is owned
// exclusively by the monitor goroutine; readers get a copy via Snapshot.
type MonitorSession struct {
	Reference   string
	BusinessId  string
	StartedAt   time.Time
	MaxAttempts int

	mu           sync.Mutex
	attemptsUsed int
	state        string
	message      string

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

func newSession(businessId string, reference string, maxAttempts int) *MonitorSession {
	return &MonitorSession{
		Reference:   reference,
		BusinessId:  businessId,
		StartedAt:   time.Now(),
		MaxAttempts: maxAttempts,
		state:       PhaseInitializing,
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Cancel requests cooperative cancellation. Safe to call more than once and
// from any goroutine; an in-flight poll is not aborted but its result is
// discarded.
func (s *MonitorSession) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Done is closed when the session reached a terminal state and stopped.
func (s *MonitorSession) Done() <-chan struct{} {
	return s.done
}

func (s *MonitorSession) AttemptsUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptsUsed
}

func (s *MonitorSession) cancelRequested() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

func (s *MonitorSession) elapsedSeconds() int {
	return int(time.Since(s.StartedAt) / time.Second)
}

// Snapshot returns the current observable session state.
func (s *MonitorSession) Snapshot() StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusUpdate{
		Reference:      s.Reference,
		State:          s.state,
		Message:        s.message,
		AttemptsUsed:   s.attemptsUsed,
		MaxAttempts:    s.MaxAttempts,
		ElapsedSeconds: s.elapsedSeconds(),
	}
}

func (s *MonitorSession) transition(state string, message string, final bool) StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.message = message
	return StatusUpdate{
		Reference:      s.Reference,
		State:          state,
		Message:        message,
		AttemptsUsed:   s.attemptsUsed,
		MaxAttempts:    s.MaxAttempts,
		ElapsedSeconds: s.elapsedSeconds(),
		Final:          final,
	}
}

func (s *MonitorSession) tick() StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusUpdate{
		Reference:      s.Reference,
		State:          s.state,
		AttemptsUsed:   s.attemptsUsed,
		MaxAttempts:    s.MaxAttempts,
		ElapsedSeconds: s.elapsedSeconds(),
	}
}

// Monitor drives poll -> reconcile -> persist for watched emissions. Sessions
// are independent; the record store is the only shared resource.
type Monitor struct {
	Poller    Poller
	Documents DocumentFetcher
	Store     RecordStore
	Notifier  StatusNotifier
	Hooks     []TerminalHook
	Logger    *logrus.Logger
	Cfg       Config
}

func NewMonitor(poller Poller, documents DocumentFetcher, store RecordStore, notifier StatusNotifier, logger *logrus.Logger, cfg Config) *Monitor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 40
	}
	if notifier == nil {
		notifier = MultiNotifier{}
	}
	return &Monitor{
		Poller:    poller,
		Documents: documents,
		Store:     store,
		Notifier:  notifier,
		Logger:    logger,
		Cfg:       cfg,
	}
}

// NewSession builds a session without starting it, so callers can register
// it (and lose a registration race) before any goroutine runs.
func (m *Monitor) NewSession(businessId string, reference string) *MonitorSession {
	return newSession(businessId, reference, m.Cfg.MaxAttempts)
}

// Launch runs a session built by NewSession. ctx bounds the whole session
// (server shutdown); operator cancellation goes through session.Cancel.
func (m *Monitor) Launch(ctx context.Context, s *MonitorSession) {
	go m.run(ctx, s)
}

// Start is NewSession plus Launch for callers with no registration step.
func (m *Monitor) Start(ctx context.Context, businessId string, reference string) *MonitorSession {
	session := m.NewSession(businessId, reference)
	m.Launch(ctx, session)
	return session
}

func (m *Monitor) run(ctx context.Context, s *MonitorSession) {
	defer close(s.done)

	m.Notifier.Notify(s.transition(PhaseInitializing, "waiting for the authority to register the submission", false))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	wait := time.NewTimer(m.Cfg.GraceDelay)
	defer wait.Stop()

	for {
		select {
		case <-ctx.Done():
			m.finishCancelled(s, "monitoring stopped")
			return

		case <-s.cancelCh:
			m.finishCancelled(s, "emission monitoring cancelled by operator")
			return

		case <-ticker.C:
			m.Notifier.Notify(s.tick())

		case <-wait.C:
			if s.state == PhaseInitializing {
				m.Notifier.Notify(s.transition(PhasePolling, "querying emission status", false))
			}

			result := m.Poller.Poll(ctx, s.Reference)

			s.mu.Lock()
			s.attemptsUsed++
			attempts := s.attemptsUsed
			s.mu.Unlock()

			// The in-flight result is discarded when cancellation arrived
			// while the request was out.
			if s.cancelRequested() {
				m.finishCancelled(s, "emission monitoring cancelled by operator")
				return
			}
			if ctx.Err() != nil {
				m.finishCancelled(s, "monitoring stopped")
				return
			}

			switch result.State {
			case StateAuthorized, StateAuthorizationError:
				m.finalize(ctx, s, result)
				return

			case StateTransportError:
				if attempts >= s.MaxAttempts {
					// The last chance to observe the status failed; persist
					// what the session knows rather than dropping it.
					m.finalize(ctx, s, result)
					return
				}
				m.Notifier.Notify(s.transition(PhasePolling,
					fmt.Sprintf("communication fault on attempt %d of %d; retrying", attempts, s.MaxAttempts), false))
				wait.Reset(m.Cfg.PollInterval)

			default: // Processing
				if attempts >= s.MaxAttempts {
					m.finishTimeout(s)
					return
				}
				m.Notifier.Notify(s.transition(PhasePolling,
					fmt.Sprintf("authority still processing (attempt %d of %d)", attempts, s.MaxAttempts), false))
				wait.Reset(m.Cfg.PollInterval)
			}
		}
	}
}

// finalize runs the terminal flow for a classified result: enrich with the
// structured document when a locator is present, reconcile, persist, notify.
// A retrieval or parse fault after the terminal classification falls back to
// raw-payload-only reconciliation; the status is never silently dropped.
func (m *Monitor) finalize(ctx context.Context, s *MonitorSession, result PollResult) {
	var doc *StructuredDocument
	var rawDoc []byte

	if locator := strings.TrimSpace(result.Payload.CaminhoXml); locator != "" && m.Documents != nil {
		raw, err := m.Documents.FetchDocument(ctx, locator)
		if err != nil {
			m.logError("finalize", "FetchDocument", s.Reference, err)
		} else if parsed, perr := ParseDocument(raw); perr != nil {
			m.logError("finalize", "ParseDocument", s.Reference, perr)
		} else {
			doc = parsed
			rawDoc = raw
		}
	}

	record, _ := Reconcile(result.State, result.Payload, doc, result.RawBody, s.BusinessId, s.Reference)

	if err := m.Store.Upsert(ctx, record); err != nil {
		m.logError("finalize", "Upsert", s.Reference, err)
		m.Notifier.Notify(s.transition(string(result.State),
			"emission finished but the record could not be saved: "+err.Error(), true))
		return
	}

	m.Notifier.Notify(s.transition(string(result.State), terminalMessage(result, record.DocumentNumber), true))

	m.fireHooks(TerminalEvent{
		Reference:   s.Reference,
		BusinessId:  s.BusinessId,
		State:       result.State,
		Record:      record,
		RawDocument: rawDoc,
	})
}

// hookTimeout bounds the terminal hooks. They run before the session's done
// channel closes, so a wedged hook would otherwise hold the registry entry
// and the per-reference lock forever.
const hookTimeout = 30 * time.Second

func (m *Monitor) fireHooks(event TerminalEvent) {
	if len(m.Hooks) == 0 {
		return
	}
	// Detached from the session context so a shutdown cancel still lets the
	// hooks attempt delivery; the deadline bounds them either way.
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	for _, hook := range m.Hooks {
		hook(ctx, event)
	}
}

// finishTimeout ends the session after the attempt budget is exhausted with
// the authority still processing. Nothing is persisted: the emission may still
// complete upstream and a later monitor run will pick the outcome up.
func (m *Monitor) finishTimeout(s *MonitorSession) {
	m.Notifier.Notify(s.transition(string(StateTimeout),
		fmt.Sprintf("no final status after %d attempts; the authority is still processing", s.MaxAttempts), true))

	m.fireHooks(TerminalEvent{
		Reference:  s.Reference,
		BusinessId: s.BusinessId,
		State:      StateTimeout,
	})
}

func (m *Monitor) finishCancelled(s *MonitorSession, message string) {
	m.Notifier.Notify(s.transition(string(StateCancelled), message, true))
}

func (m *Monitor) logError(funcName string, context string, reference string, err error) {
	if m.Logger == nil {
		return
	}
	m.Logger.WithFields(logrus.Fields{
		"module":    "emission",
		"funcName":  funcName,
		"context":   context,
		"reference": reference,
	}).Error(err.Error())
}

func terminalMessage(result PollResult, documentNumber string) string {
	switch result.State {
	case StateAuthorized:
		if documentNumber != "" {
			return fmt.Sprintf("document authorized, number %s", documentNumber)
		}
		return "document authorized"
	case StateAuthorizationError:
		if msg := strings.TrimSpace(result.Payload.Mensagem); msg != "" {
			return "authority rejected the document: " + msg
		}
		return "authority rejected the document"
	default:
		return "communication with the authority failed; status recorded for review"
	}
}
