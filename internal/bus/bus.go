// Package bus is the publish/subscribe fabric between shards, the ingest
// router and client sessions. Payloads are always encoded bytes, so a
// subscriber never shares memory with the publisher.
package bus

import (
	"sync"
	"sync/atomic"
)

type Message struct {
	Channel string
	Data    []byte
}

type Handler func(Message)

// Mailbox is the inbound queue of one actor. The exchange only ever
// enqueues; handlers run when the owning goroutine calls Dispatch.
type Mailbox struct {
	ch chan Message

	mu       sync.Mutex
	handlers map[string]Handler

	dropped atomic.Uint64
}

func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		size = 1024
	}
	return &Mailbox{
		ch:       make(chan Message, size),
		handlers: map[string]Handler{},
	}
}

func (m *Mailbox) C() <-chan Message { return m.ch }

// Dispatch runs the handler registered for msg's channel. Messages for
// channels the actor no longer watches are ignored.
func (m *Mailbox) Dispatch(msg Message) {
	m.mu.Lock()
	h := m.handlers[msg.Channel]
	m.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// Drain dispatches everything currently queued without blocking.
func (m *Mailbox) Drain() int {
	n := 0
	for {
		select {
		case msg := <-m.ch:
			m.Dispatch(msg)
			n++
		default:
			return n
		}
	}
}

func (m *Mailbox) Len() int        { return len(m.ch) }
func (m *Mailbox) Dropped() uint64 { return m.dropped.Load() }

func (m *Mailbox) offer(msg Message) {
	select {
	case m.ch <- msg:
	default:
		// Lost messages are absorbed by staleness eviction.
		m.dropped.Add(1)
	}
}

// Exchange routes published messages to every mailbox subscribed to the channel.
type Exchange struct {
	mu   sync.RWMutex
	subs map[string]map[*Mailbox]struct{}

	published atomic.Uint64
}

func NewExchange() *Exchange {
	return &Exchange{subs: map[string]map[*Mailbox]struct{}{}}
}

func (x *Exchange) Subscribe(channel string, mb *Mailbox, h Handler) {
	mb.mu.Lock()
	mb.handlers[channel] = h
	mb.mu.Unlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	set := x.subs[channel]
	if set == nil {
		set = map[*Mailbox]struct{}{}
		x.subs[channel] = set
	}
	set[mb] = struct{}{}
}

func (x *Exchange) Unsubscribe(channel string, mb *Mailbox) {
	mb.mu.Lock()
	delete(mb.handlers, channel)
	mb.mu.Unlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	if set := x.subs[channel]; set != nil {
		delete(set, mb)
		if len(set) == 0 {
			delete(x.subs, channel)
		}
	}
}

func (x *Exchange) Publish(channel string, data []byte) {
	x.published.Add(1)
	x.mu.RLock()
	defer x.mu.RUnlock()
	for mb := range x.subs[channel] {
		mb.offer(Message{Channel: channel, Data: data})
	}
}

func (x *Exchange) Subscribers(channel string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.subs[channel])
}

func (x *Exchange) Published() uint64 { return x.published.Load() }
