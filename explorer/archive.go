package explorer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"escrowd/core/events"
	"escrowd/core/types"
)

var (
	bucketEvents = []byte("events")

	// ErrClosed is returned by operations on an archive that was shut down.
	ErrClosed = errors.New("explorer: archive closed")
)

// StoredEvent is one archived engine event together with its archive sequence
// number and capture time. Sequence numbers start at 1 and are gapless.
type StoredEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ObservedAt time.Time         `json:"observedAt"`
}

// Archive is an append-only BoltDB log of every engine event. It implements
// the engine's emitter contract, so wiring it into the event fanout is enough
// to capture the full history, and it feeds the websocket event stream with
// cursor-based replay for subscribers that reconnect.
type Archive struct {
	db *bolt.DB

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
	nowFn  func() time.Time
}

// subscription tracks the highest sequence already handed to one subscriber,
// so replayed backlog and live fanout never duplicate or skip an event.
type subscription struct {
	ch   chan StoredEvent
	last uint64
}

// OpenArchive opens (creating if needed) the archive database at path.
func OpenArchive(path string, options *bolt.Options) (*Archive, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Archive{
		db:    db,
		subs:  make(map[uint64]*subscription),
		nowFn: time.Now,
	}, nil
}

// SetNowFunc overrides the capture-time source, primarily used in tests.
func (a *Archive) SetNowFunc(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	a.nowFn = now
}

// Emit implements the emitter contract. Events that do not carry a payload
// are archived with their type only. Append failures are swallowed: the
// archive observes the engine and must never block it.
func (a *Archive) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	var payload *types.Event
	if carrier, ok := evt.(events.Carrier); ok {
		payload = carrier.Event()
	}
	if payload == nil {
		payload = &types.Event{Type: evt.EventType()}
	}
	_, _ = a.Append(payload)
}

// Append stores one event and fans it out to live subscribers. It returns the
// assigned sequence number.
func (a *Archive) Append(evt *types.Event) (uint64, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, ErrClosed
	}
	now := a.nowFn()
	a.mu.Unlock()

	var stored StoredEvent
	err := a.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		stored = StoredEvent{
			Sequence:   seq,
			Type:       evt.Type,
			Attributes: evt.Attributes,
			ObservedAt: now,
		}
		raw, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return bucket.Put(sequenceKey(seq), raw)
	})
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	for id, sub := range a.subs {
		if stored.Sequence <= sub.last {
			continue
		}
		select {
		case sub.ch <- stored:
			sub.last = stored.Sequence
		default:
			// The subscriber fell behind its buffer. Close the feed so the
			// consumer sees the gap and resubscribes from its cursor.
			delete(a.subs, id)
			close(sub.ch)
		}
	}
	a.mu.Unlock()
	return stored.Sequence, nil
}

// EventsSince returns up to limit archived events with sequence numbers
// strictly greater than cursor, in order. A limit of 0 means no limit.
func (a *Archive) EventsSince(cursor uint64, limit int) ([]StoredEvent, error) {
	var out []StoredEvent
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for key, value := c.Seek(sequenceKey(cursor + 1)); key != nil; key, value = c.Next() {
			var stored StoredEvent
			if err := json.Unmarshal(value, &stored); err != nil {
				return err
			}
			out = append(out, stored)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// LastSequence reports the sequence number of the newest archived event, zero
// when the archive is empty.
func (a *Archive) LastSequence() (uint64, error) {
	var last uint64
	err := a.db.View(func(tx *bolt.Tx) error {
		last = tx.Bucket(bucketEvents).Sequence()
		return nil
	})
	return last, err
}

// Subscribe registers a live event feed that first replays every archived
// event after cursor, then streams new appends with no gap between the two:
// the backlog read and the registration happen under the same lock that
// serializes the fanout. A subscriber that stops draining its buffer has its
// channel closed and must resubscribe from the last sequence it saw. The
// returned cancel function releases the subscription.
func (a *Archive) Subscribe(cursor uint64, buffer int) (<-chan StoredEvent, func(), error) {
	if buffer < 1 {
		buffer = 64
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, nil, ErrClosed
	}
	backlog, err := a.EventsSince(cursor, 0)
	if err != nil {
		a.mu.Unlock()
		return nil, nil, err
	}
	ch := make(chan StoredEvent, buffer+len(backlog))
	last := cursor
	for _, evt := range backlog {
		ch <- evt
		last = evt.Sequence
	}
	id := a.nextID
	a.nextID++
	a.subs[id] = &subscription{ch: ch, last: last}
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		if sub, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(sub.ch)
		}
		a.mu.Unlock()
	}
	return ch, cancel, nil
}

// Close shuts the archive down, closing all live subscriptions.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for id, sub := range a.subs {
		delete(a.subs, id)
		close(sub.ch)
	}
	a.mu.Unlock()
	return a.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
