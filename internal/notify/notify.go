// Package notify turns event-bus traffic into the user-facing messages the
// app shows around offline and sync transitions. The strings are part of
// the product contract and must not be reworded here.
package notify

import (
	"log/slog"
	"sync"

	"github.com/karelmaki/fotosync/internal/connectivity"
	"github.com/karelmaki/fotosync/internal/events"
	syncengine "github.com/karelmaki/fotosync/internal/sync"
)

// User-facing message texts.
const (
	MsgOffline       = "You are currently offline"
	MsgViewingCached = "Viewing cached data"
	MsgQueuedOffline = "Changes will be saved when you go back online"
	MsgSyncing       = "Syncing your changes..."
	MsgSynced        = "Changes synced successfully"
	MsgBackOnline    = "You are back online"
	MsgRefreshing    = "Refreshing data..."
)

// Level is the display severity of a message.
type Level string

// Message levels.
const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelSuccess Level = "success"
)

// Message is one user-facing notification.
type Message struct {
	Level Level
	Text  string
}

// Notifier subscribes to the event bus and emits Messages. Consumers read
// the channel; if nobody is reading, messages are dropped rather than
// blocking the publisher.
type Notifier struct {
	logger *slog.Logger
	out    chan Message
	cancel func()

	mu     sync.Mutex
	online bool
}

// NewNotifier creates a Notifier attached to the bus. The initial
// connectivity assumption is online, so the first offline event always
// notifies.
func NewNotifier(bus *events.Bus, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	n := &Notifier{
		logger: logger,
		out:    make(chan Message, 16),
		online: true,
	}

	n.cancel = bus.Subscribe(n.handle)

	return n
}

// Messages returns the notification stream.
func (n *Notifier) Messages() <-chan Message {
	return n.out
}

// Close detaches the notifier from the bus and closes the stream.
func (n *Notifier) Close() {
	n.cancel()
	close(n.out)
}

// ViewingCachedData reports that the UI is rendering from cache. Driven by
// the read path directly since cache reads do not cross the bus.
func (n *Notifier) ViewingCachedData() {
	n.emit(Message{Level: LevelInfo, Text: MsgViewingCached})
}

// Refreshing reports that a background refresh of stale data started.
func (n *Notifier) Refreshing() {
	n.emit(Message{Level: LevelInfo, Text: MsgRefreshing})
}

func (n *Notifier) handle(ev events.Event) {
	switch ev.Kind {
	case events.KindConnectivityChanged:
		status, ok := ev.Payload.(connectivity.Status)
		if !ok {
			return
		}

		n.handleConnectivity(status)
	case events.KindMutationQueued:
		n.mu.Lock()
		offline := !n.online
		n.mu.Unlock()

		if offline {
			n.emit(Message{Level: LevelInfo, Text: MsgQueuedOffline})
		}
	case events.KindSyncStarted:
		n.emit(Message{Level: LevelInfo, Text: MsgSyncing})
	case events.KindSyncFinished:
		result, ok := ev.Payload.(syncengine.Result)
		if ok && result.Applied > 0 {
			n.emit(Message{Level: LevelSuccess, Text: MsgSynced})
		}
	}
}

// handleConnectivity notifies on edges only. A repeated offline (or online)
// status never produces a duplicate banner.
func (n *Notifier) handleConnectivity(status connectivity.Status) {
	n.mu.Lock()

	if status.Online == n.online {
		n.mu.Unlock()
		return
	}

	n.online = status.Online
	n.mu.Unlock()

	if status.Online {
		n.emit(Message{Level: LevelSuccess, Text: MsgBackOnline})
	} else {
		n.emit(Message{Level: LevelWarning, Text: MsgOffline})
	}
}

func (n *Notifier) emit(m Message) {
	select {
	case n.out <- m:
	default:
		n.logger.Warn("notification dropped, consumer not reading", slog.String("text", m.Text))
	}
}
