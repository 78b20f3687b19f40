package thread

import (
	"sync"

	"ktkernel/errno"
)

// Manager owns the thread table, the ready list, and the baton that
// lets exactly one thread's goroutine run kernel code at a time. It is
// the Go-native stand-in for thread.c's static thrtab/ready_list
// globals plus the tp register.
type Manager struct {
	mu sync.Mutex

	thrtab    [NTHR]*Thread
	readyList threadList
	current   *Thread
	sleepList *Alarm
	clock     Clock

	wake    chan struct{}
	halted  bool
	haltErr error
}

// NewManager creates the thread table with the main thread already
// running (the caller's own goroutine plays the role of the main
// thread) and the idle thread ready to run, matching thrmgr_init's
// initial state: main RUNNING, idle READY and preloaded onto
// ready_list.
func NewManager() *Manager {
	return newManager(NewRealClock())
}

// NewManagerWithClock is NewManager with an injectable Clock, letting
// tests drive alarm wake ordering deterministically instead of racing
// a real timer.
func NewManagerWithClock(clock Clock) *Manager {
	return newManager(clock)
}

func newManager(clock Clock) *Manager {
	m := &Manager{wake: make(chan struct{}, 1), clock: clock}

	main := &Thread{ID: MainTid, Name: "main", state: Running, run: make(chan struct{})}
	main.ChildExit = m.ConditionInit("main.child_exit")

	idle := &Thread{ID: IdleTid, Name: "idle", state: Ready, Parent: main, run: make(chan struct{})}
	idle.entry = m.idleLoop

	m.thrtab[MainTid] = main
	m.thrtab[IdleTid] = idle
	m.current = main
	m.readyList.insert(idle)

	m.startGoroutine(idle)
	return m
}

func (m *Manager) startGoroutine(thr *Thread) {
	go func() {
		<-thr.run
		thr.entry()
		m.Exit()
	}()
}

// Current returns the thread the calling code is running as. Callers
// must only invoke this from within their own scheduled turn.
func (m *Manager) Current() *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// notifyReady wakes the idle thread if it is blocked waiting for work.
func (m *Manager) notifyReady() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) readyEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyList.empty()
}

// Spawn creates and readies a new thread that will run entry, matching
// thread_spawn. Unlike the original, argument passing uses an ordinary
// Go closure instead of eight saved registers handed to
// _thread_startup: the register-marshaling dance in thread_spawn exists
// only because the original crosses an assembly boundary, which this
// rewrite has no need for.
func (m *Manager) Spawn(name string, entry func()) (int, errno.Err_t) {
	if name == "" {
		name = "orphan"
	}

	m.mu.Lock()
	tid := 0
	for tid = 1; tid < NTHR; tid++ {
		if m.thrtab[tid] == nil {
			break
		}
	}
	if tid == NTHR {
		m.mu.Unlock()
		return 0, errno.EMTHR
	}

	child := &Thread{
		ID:     tid,
		Name:   name,
		state:  Ready,
		Parent: m.current,
		entry:  entry,
		run:    make(chan struct{}),
	}
	child.ChildExit = m.ConditionInit(name + ".child_exit")
	m.thrtab[tid] = child
	m.readyList.insert(child)
	m.mu.Unlock()

	m.startGoroutine(child)
	m.notifyReady()
	return tid, errno.Ok
}

// suspend implements running_thread_suspend: the calling thread gives
// up the CPU, is requeued onto the ready list if it is still runnable,
// and blocks until it is scheduled again.
func (m *Manager) suspend() {
	m.mu.Lock()
	cur := m.current
	if cur.state == Running {
		cur.state = Ready
		m.readyList.insert(cur)
	}

	next := m.readyList.remove()
	if next == nil {
		panic("thread: ready list exhausted, no idle thread present")
	}
	next.state = Running
	m.current = next
	m.mu.Unlock()

	if next != cur {
		next.run <- struct{}{}
		<-cur.run
	}
}

// Yield voluntarily gives up the CPU, matching thread_yield.
func (m *Manager) Yield() {
	m.suspend()
}

// Exit terminates the calling thread, matching thread_exit. Exiting the
// main thread halts the whole scheduler rather than switching to
// another thread, matching halt_success(): there is no hardware to
// return control to once the boot thread is done.
func (m *Manager) Exit() {
	m.mu.Lock()
	cur := m.current

	if cur.ID == MainTid {
		m.halted = true
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if cur.Parent != nil {
		m.Broadcast(cur.Parent.ChildExit)
	}

	for cur.lockList != nil {
		m.Release(cur.lockList)
	}

	m.mu.Lock()
	cur.state = Exited
	m.mu.Unlock()

	m.suspend()
	panic("thread: exited thread was rescheduled")
}

// Join waits for a child of the calling thread to exit and reclaims its
// slot, matching thread_join. tid == 0 waits for any child; otherwise
// it waits for the specific thread named by tid.
func (m *Manager) Join(tid int) (int, errno.Err_t) {
	if tid < 0 || tid > NTHR-1 {
		return 0, errno.EINVAL
	}

	m.mu.Lock()
	cur := m.current
	var child *Thread
	childTid := tid

	if tid == 0 {
		for childTid = 1; childTid < NTHR-1; childTid++ {
			c := m.thrtab[childTid]
			if c != nil && c.Parent == cur {
				child = c
				break
			}
		}
	} else {
		child = m.thrtab[tid]
	}

	if child == nil || child.Parent != cur {
		m.mu.Unlock()
		return 0, errno.ECHILD
	}
	m.mu.Unlock()

	for child.State() != Exited {
		m.Wait(cur.ChildExit)
	}

	m.reclaim(childTid)
	return childTid, errno.Ok
}

// reclaim frees an exited thread's table slot and reparents its
// children to its own parent, matching thread_reclaim.
func (m *Manager) reclaim(tid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	thr := m.thrtab[tid]
	if thr == nil || thr.state != Exited {
		panic("thread: reclaim of a live or already-reclaimed thread")
	}

	for ctid := 1; ctid < NTHR; ctid++ {
		if m.thrtab[ctid] != nil && m.thrtab[ctid].Parent == thr {
			m.thrtab[ctid].Parent = thr.Parent
		}
	}

	m.thrtab[tid] = nil
}

// SetProcess associates a process-level value with tid, matching
// thread_set_process. The type is left opaque here so this package
// does not need to import the syscall/process package, which itself
// depends on thread.Manager.
func (m *Manager) SetProcess(tid int, proc interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thrtab[tid].proc = proc
}

// Process returns tid's associated process value, matching
// thread_process.
func (m *Manager) Process(tid int) interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thrtab[tid].proc
}

// Name returns tid's thread name, matching thread_name.
func (m *Manager) Name(tid int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thrtab[tid].Name
}

// Halted reports whether the main thread has exited.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

func (m *Manager) idleLoop() {
	for {
		for !m.readyEmpty() {
			m.Yield()
		}
		<-m.wake
	}
}
