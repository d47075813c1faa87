package hdasim

import (
	"errors"
	"sync"
)

var errIRQClosed = errors.New("hdasim: interrupt closed")

// IRQ is a simulated interrupt line. Pending wakeups coalesce the way a
// level triggered line does.
type IRQ struct {
	ch     chan struct{}
	closed chan struct{}

	mu          sync.Mutex
	isClosed    bool
	fired       int
	acks        int
	doubleClose int
}

func newIRQ() *IRQ {
	return &IRQ{
		ch:     make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Wait implements ihda.Interrupt.
func (q *IRQ) Wait() error {
	select {
	case <-q.ch:
		return nil
	case <-q.closed:
		return errIRQClosed
	}
}

// Ack implements ihda.Interrupt.
func (q *IRQ) Ack() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isClosed {
		return errIRQClosed
	}
	q.acks++

	return nil
}

// Signal implements ihda.Interrupt.
func (q *IRQ) Signal() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isClosed {
		return errIRQClosed
	}
	q.wake()

	return nil
}

// Close implements ihda.Interrupt.
func (q *IRQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isClosed {
		q.doubleClose++
		return errIRQClosed
	}
	q.isClosed = true
	close(q.closed)

	return nil
}

// fire raises the line from the hardware side.
func (q *IRQ) fire() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isClosed {
		return
	}
	q.fired++
	q.wake()
}

func (q *IRQ) wake() {
	select {
	case q.ch <- struct{}{}:
	default:
	}
}

// Fired returns how many times the hardware raised the line.
func (q *IRQ) Fired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.fired
}

// Acks returns how many times the driver re-armed the line.
func (q *IRQ) Acks() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.acks
}

// Closed reports whether the handle has been closed.
func (q *IRQ) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.isClosed
}
