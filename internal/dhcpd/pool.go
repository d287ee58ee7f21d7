package dhcpd

import (
	"sync"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/log"
)

// defaultWorkers is the size of the datagram worker pool when the
// configuration doesn't set one.
const defaultWorkers = 8

// taskQueueLen bounds the number of datagrams waiting for a worker.
const taskQueueLen = 256

// dispatcher runs datagram handlers on a fixed set of workers so that
// decode, dispatch and send never block a receive loop.
type dispatcher struct {
	tasks   chan func()
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// newDispatcher creates a dispatcher with n workers.
func newDispatcher(n int) (d *dispatcher) {
	if n <= 0 {
		n = defaultWorkers
	}

	d = &dispatcher{
		tasks: make(chan func(), taskQueueLen),
	}

	d.wg.Add(n)
	for range n {
		go d.work()
	}

	return d
}

// work drains the task queue until it is closed.
func (d *dispatcher) work() {
	defer d.wg.Done()

	for task := range d.tasks {
		task()
	}
}

// submit hands a task to the pool.  Tasks are dropped when the queue is full
// or the dispatcher has stopped: a lost datagram is retransmitted by the
// client, a blocked receive loop is not.
func (d *dispatcher) submit(task func()) (ok bool) {
	if d.stopped.Load() {
		return false
	}

	select {
	case d.tasks <- task:
		return true
	default:
		log.Debug("dhcp: worker queue full, dropping datagram")

		return false
	}
}

// stop prevents new submissions and waits for queued tasks to finish.
func (d *dispatcher) stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}

	close(d.tasks)
	d.wg.Wait()
}
