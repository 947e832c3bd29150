package session

import "sync"

type subscriber struct {
	id int
	fn func(Event)
}

// dispatcher delivers events on its own goroutine, in the order they were
// pushed and outside every orchestrator lock. Subscribers may call back into
// the orchestrator.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	subs   []subscriber
	nextID int
	closed bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.subs = append(d.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, s := range d.subs {
				if s.id == id {
					d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (d *dispatcher) push(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
}

// close stops accepting events; queued ones are still delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue = d.queue[1:]
		subs := append([]subscriber(nil), d.subs...)
		d.mu.Unlock()

		for _, s := range subs {
			s.fn(e)
		}
	}
}
