package emission

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MultiNotifier fans one update out to several notifiers.
type MultiNotifier []StatusNotifier

func (m MultiNotifier) Notify(update StatusUpdate) {
	for _, n := range m {
		if n != nil {
			n.Notify(update)
		}
	}
}

// LogNotifier writes state transitions (not ticks) to the logger.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (l *LogNotifier) Notify(update StatusUpdate) {
	if l.Logger == nil || update.Message == "" {
		return
	}
	l.Logger.WithFields(logrus.Fields{
		"module":    "emission",
		"reference": update.Reference,
		"state":     update.State,
		"attempts":  update.AttemptsUsed,
	}).Info(update.Message)
}

// Broker fans StatusUpdates out to live subscribers per reference. Sends never
// block: a subscriber that stops draining loses updates rather than stalling
// the monitor.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan StatusUpdate]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan StatusUpdate]struct{}{}}
}

// Subscribe returns a channel of updates for one reference and a cancel
// function that must be called when the consumer goes away.
func (b *Broker) Subscribe(reference string) (<-chan StatusUpdate, func()) {
	ch := make(chan StatusUpdate, 16)

	b.mu.Lock()
	set, ok := b.subs[reference]
	if !ok {
		set = map[chan StatusUpdate]struct{}{}
		b.subs[reference] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[reference]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, reference)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Broker) Notify(update StatusUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[update.Reference] {
		select {
		case ch <- update:
		default:
		}
	}
}
