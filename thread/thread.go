// Package thread implements the thread and synchronization kernel
// (TSK): a fixed-size thread table, a cooperative round-robin
// scheduler, recursive locks, FIFO-broadcast condition variables, and
// a timer-driven alarm/sleep list.
//
// Grounded on original_source/sys/thread.c and timer.c. The original
// switches real hardware contexts with an assembly routine
// (_thread_swtch) and identifies the running thread through the RISC-V
// tp register; this rewrite has no CPU register or assembly routine to
// borrow; a single active thread is instead enforced by a channel-based
// baton passed between one goroutine per thread, which preserves the
// same "exactly one thread executes kernel code at a time" invariant
// the original's single-hart design relies on. See DESIGN.md.
package thread

import "ktkernel/config"

// State is a thread's scheduling state, matching enum thread_state.
type State int

const (
	Uninitialized State = iota
	Waiting
	Running
	Ready
	Exited
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Waiting:
		return "WAITING"
	case Running:
		return "RUNNING"
	case Ready:
		return "READY"
	case Exited:
		return "EXITED"
	default:
		return "UNDEFINED"
	}
}

// MainTid and IdleTid name the two reserved thread table slots.
const (
	MainTid = config.MainTid
	IdleTid = config.IdleTid
	NTHR    = config.NTHR
)

// Thread is one entry of the thread table, matching struct thread. It
// carries no context/registers/stack fields since the Go runtime owns
// the goroutine stack this thread runs on instead of a hand-managed one.
type Thread struct {
	ID        int
	Name      string
	state     State
	Parent    *Thread
	listNext  *Thread
	waitCond  *Condition
	ChildExit *Condition
	lockList  *Lock
	proc      interface{}

	entry func()
	run   chan struct{}
}

func (t *Thread) State() State { return t.state }

// threadList is an intrusive FIFO queue over Thread.listNext, matching
// struct thread_list and the tl* functions in thread.c. Callers must
// hold the owning Manager's lock while mutating a list, the way the
// original requires interrupts to be disabled.
type threadList struct {
	head, tail *Thread
}

func (l *threadList) clear() { l.head, l.tail = nil, nil }

func (l *threadList) empty() bool { return l.head == nil }

func (l *threadList) insert(thr *Thread) {
	thr.listNext = nil
	if l.tail != nil {
		l.tail.listNext = thr
	} else {
		l.head = thr
	}
	l.tail = thr
}

func (l *threadList) remove() *Thread {
	thr := l.head
	if thr == nil {
		return nil
	}
	l.head = thr.listNext
	if l.head == nil {
		l.tail = nil
	}
	thr.listNext = nil
	return thr
}

// append moves every element of other onto the end of l and empties
// other, matching tlappend.
func (l *threadList) append(other *threadList) {
	if l.head != nil {
		if other.head != nil {
			l.tail.listNext = other.head
			l.tail = other.tail
		}
	} else {
		l.head = other.head
		l.tail = other.tail
	}
	other.clear()
}
