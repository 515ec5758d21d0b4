package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// Event is an in-memory notification.
//
// Publish never blocks. Subscribe gives a buffered channel and a subscriber that
// falls behind misses events. SubscribeAll queues without bound instead, for
// consumers that must see every event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	SubscribeAll() (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. Only SubscribeAll starts a goroutine.
func New() Bus {
	return &memBus{
		subs:     map[uint64]chan Event{},
		lossless: map[uint64]*backlog{},
	}
}

type memBus struct {
	mu       sync.RWMutex
	subs     map[uint64]chan Event
	lossless map[uint64]*backlog
	seq      atomic.Uint64
	dropped  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	for _, bl := range b.lossless {
		bl.push(e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// SubscribeAll returns a stream that never drops events. Unsubscribe stops new
// deliveries; the channel closes once the events queued before it are read, so
// the subscriber must keep reading until then.
func (b *memBus) SubscribeAll() (<-chan Event, func()) {
	bl := &backlog{
		queue: linkedlistqueue.New(),
		wake:  make(chan struct{}, 1),
		out:   make(chan Event),
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.lossless[id] = bl
	b.mu.Unlock()
	go bl.pump()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.lossless, id)
			b.mu.Unlock()
			bl.close()
		})
	}
	return bl.out, unsub
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

// backlog is an unbounded FIFO feeding one lossless subscriber.
type backlog struct {
	mu     sync.Mutex
	queue  *linkedlistqueue.Queue
	closed bool
	wake   chan struct{}
	out    chan Event
}

func (bl *backlog) push(e Event) {
	bl.mu.Lock()
	if !bl.closed {
		bl.queue.Enqueue(e)
	}
	bl.mu.Unlock()
	bl.signal()
}

func (bl *backlog) close() {
	bl.mu.Lock()
	bl.closed = true
	bl.mu.Unlock()
	bl.signal()
}

func (bl *backlog) signal() {
	select {
	case bl.wake <- struct{}{}:
	default:
	}
}

func (bl *backlog) pump() {
	for {
		bl.mu.Lock()
		v, ok := bl.queue.Dequeue()
		closed := bl.closed
		bl.mu.Unlock()
		if ok {
			bl.out <- v.(Event)
			continue
		}
		if closed {
			close(bl.out)
			return
		}
		<-bl.wake
	}
}
