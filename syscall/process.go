// Package syscall implements the process/fd layer that sits between a
// user program and the kernel core: a bounded process table, a
// per-process file-descriptor table, and the syscall dispatch table
// spec.md's external-interfaces section names.
//
// Grounded on original_source/sys/process.c and syscall.c. Those files
// assume a real trap frame (argument registers, a saved program
// counter to resume) and a real MMU that transparently translates
// every user pointer; this rewrite has neither a trap handler nor
// hardware translation; thread.Manager.Spawn already made the same
// trade for thread creation (a Go closure instead of eight saved
// registers, see manager.go), and this package makes it again for
// fork/exec and for user buffer access (vm.Manager.CopyIn/CopyOut
// replace the free translation real hardware would give copyin/
// copyout). See DESIGN.md.
package syscall

import (
	"ktkernel/config"
	"ktkernel/errno"
	"ktkernel/fs"
	"ktkernel/ioobj"
	"ktkernel/thread"
	"ktkernel/vm"
)

// Process is a user process, matching struct process (idx, tid, mtag,
// iotab). It carries no memory-region bookkeeping, OOM accounting, or
// exit-status machinery beyond what spec.md's syscall table itself
// requires, unlike biscuit's much larger Proc_t.
type Process struct {
	ID     int
	Tid    int
	Parent *Process
	Mtag   vm.Mtag_t

	iotab [config.ProcessIOMAX]ioobj.Io
}

// Table is the process table plus the collaborators every syscall
// needs to do real work, matching the module-level proctab array plus
// the current_process()/current_thread() globals ktfs.c and
// process.c read instead.
type Table struct {
	thr  *thread.Manager
	vmm  *vm.Manager
	fsys *fs.FS
	lock *thread.Lock

	proctab [config.NPROC]*Process
}

// NewTable creates an empty process table over the given collaborators.
func NewTable(thr *thread.Manager, vmm *vm.Manager, fsys *fs.FS) *Table {
	return &Table{
		thr:  thr,
		vmm:  vmm,
		fsys: fsys,
		lock: thr.LockInit(),
	}
}

// InitMain registers the calling thread as process 0, the way
// procmgr_init sets up main_proc: process 0's iotab[0] is a null I/O
// endpoint, matching create_null_io() there.
func (t *Table) InitMain() *Process {
	tid := t.thr.Current().ID
	main := &Process{ID: 0, Tid: tid, Mtag: t.vmm.ActiveMspace()}
	main.iotab[0] = ioobj.NewNullIO()

	t.thr.Acquire(t.lock)
	t.proctab[0] = main
	t.thr.Release(t.lock)
	t.thr.SetProcess(tid, main)
	return main
}

func (t *Table) firstFreeSlot() int {
	for i := 1; i < config.NPROC; i++ {
		if t.proctab[i] == nil {
			return i
		}
	}
	return -1
}

// allocFdHint resolves a caller-supplied fd hint the way sysdevopen/
// sysfsopen/sysiodup each do inline: a non-negative hint must itself be
// in range, a negative hint means "first free", and a full table is
// EMFILE.
func (p *Process) allocFdHint(hint int) (int, errno.Err_t) {
	if hint >= config.ProcessIOMAX {
		return 0, errno.EBADFD
	}
	if hint >= 0 {
		return hint, errno.Ok
	}
	for fd := 0; fd < config.ProcessIOMAX; fd++ {
		if p.iotab[fd] == nil {
			return fd, errno.Ok
		}
	}
	return 0, errno.EMFILE
}

// Fork clones the calling process into a fresh child process/thread,
// matching process_fork/fork_func's high-level shape: allocate a
// process slot, clone the address space, copy the fd table, spawn a
// thread for the child. It cannot reproduce process_fork's literal
// contract of resuming both parent and child from the fork() call site
// with different return values, since that requires duplicating a
// suspended trap frame and this rewrite has none; instead the caller
// supplies childEntry, the function the child thread runs once it is
// scheduled into the cloned address space. The parent's return value
// (the child's tid, or an error) is Fork's ordinary Go return value,
// matching what sysfork itself gives the parent.
func (t *Table) Fork(parent *Process, childEntry func()) (int, errno.Err_t) {
	t.thr.Acquire(t.lock)
	pn := t.firstFreeSlot()
	if pn < 0 {
		t.thr.Release(t.lock)
		return 0, errno.EMPROC
	}
	t.thr.Release(t.lock)

	childMtag := t.vmm.CloneActiveMspace()

	child := &Process{ID: pn, Parent: parent, Mtag: childMtag}
	for fd := 0; fd < config.ProcessIOMAX; fd++ {
		if parent.iotab[fd] != nil {
			child.iotab[fd] = parent.iotab[fd].AddRef()
		}
	}

	tid, err := t.thr.Spawn("child fork", func() {
		t.vmm.SwitchMspace(child.Mtag)
		childEntry()
	})
	if err != errno.Ok {
		return 0, err
	}
	child.Tid = tid

	t.thr.Acquire(t.lock)
	t.proctab[pn] = child
	t.thr.Release(t.lock)
	t.thr.SetProcess(tid, child)

	return tid, errno.Ok
}

// Exit tears down proc: every open fd is closed, the filesystem is
// flushed, the address space is discarded, the process slot is freed,
// and the calling thread exits, matching process_exit's own trailing
// thread_exit() call. It must be invoked by proc's own thread, the
// same way thread.Manager.Exit always terminates whichever thread
// calls it.
func (t *Table) Exit(proc *Process) {
	if proc.ID == 0 {
		panic("syscall: main process exited")
	}

	for fd := 0; fd < config.ProcessIOMAX; fd++ {
		if proc.iotab[fd] != nil {
			proc.iotab[fd].Close()
			proc.iotab[fd] = nil
		}
	}

	t.fsys.Flush()
	t.vmm.DiscardActiveMspace()

	t.thr.Acquire(t.lock)
	t.proctab[proc.ID] = nil
	t.thr.Release(t.lock)

	t.thr.Exit()
}
