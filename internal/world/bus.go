package world

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"worldforge/internal/logging"
)

type Topic string

const (
	TopicEntityChanged Topic = "entity.changed"
	TopicWorldRestored Topic = "world.restored"
	TopicWorldRepaired Topic = "world.repaired"
)

const (
	ChangeCreated  = "created"
	ChangeUpdated  = "updated"
	ChangeStatus   = "status_changed"
	ChangeExternal = "external"
	ChangeRemoved  = "removed"
)

const defaultBuffer = 64

type Message struct {
	Topic    Topic     `json:"topic"`
	EntityID string    `json:"entity_id,omitempty"`
	Change   string    `json:"change,omitempty"`
	At       time.Time `json:"at"`
}

type Subscription struct {
	ID string
	C  <-chan Message

	ch     chan Message
	topics map[Topic]bool
}

func (s *Subscription) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Bus fans messages out to subscribers over buffered channels. Publish
// never blocks: a subscriber whose channel is full misses the message.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
	log    *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		subs: make(map[string]*Subscription),
		log:  logging.OrNop(log).Named("bus"),
	}
}

// Subscribe registers for the given topics, or every topic when none are
// named. A buffer below one uses the default size.
func (b *Bus) Subscribe(buffer int, topics ...Topic) *Subscription {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	ch := make(chan Message, buffer)
	s := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, topics: make(map[Topic]bool, len(topics))}
	for _, t := range topics {
		s.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s.ID] = s
	return s
}

func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.ID]; !ok {
		return
	}
	delete(b.subs, s.ID)
	close(s.ch)
}

// Publish delivers m to every interested subscriber and returns how many
// received it.
func (b *Bus) Publish(m Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for _, s := range b.subs {
		if !s.wants(m.Topic) {
			continue
		}
		select {
		case s.ch <- m:
			delivered++
		default:
			b.log.Warn("subscriber channel full, dropping message",
				zap.String("subscription", s.ID),
				zap.String("topic", string(m.Topic)),
				zap.String("entity_id", m.EntityID))
		}
	}
	return delivered
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
