package sink

import "sync"

type message struct {
	clear bool
	text  string
}

// Dispatcher marshals notifications from any goroutine onto a single delivery
// goroutine, preserving call order. Callers never block on the target.
type Dispatcher struct {
	target Observer

	mu      sync.Mutex
	pending []message
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func NewDispatcher(target Observer) *Dispatcher {
	d := &Dispatcher{
		target: target,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) AppendLine(text string) {
	d.push(message{text: text})
}

func (d *Dispatcher) Clear() {
	d.push(message{clear: true})
}

// Close delivers everything already posted, then stops the delivery goroutine.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.signal()
	<-d.done
}

func (d *Dispatcher) push(m message) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, m)
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	for range d.wake {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		closed := d.closed
		d.mu.Unlock()

		for _, m := range batch {
			if m.clear {
				d.target.Clear()
				continue
			}
			d.target.AppendLine(m.text)
		}

		if closed {
			return
		}
	}
}
