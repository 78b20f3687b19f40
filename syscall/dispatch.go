package syscall

import (
	"bytes"

	"ktkernel/config"
	"ktkernel/errno"
	"ktkernel/ioobj"
	"ktkernel/klog"
	"ktkernel/vm"
)

// Syscall numbers, matching the mnemonic table in spec.md's external
// interfaces section (the original's scnum.h was not part of the
// retrieved sources, so these are assigned fresh in table order rather
// than copied from an unseen header).
const (
	SysExit = iota
	SysExec
	SysFork
	SysWait
	SysPrint
	SysUsleep
	SysDevopen
	SysFsopen
	SysFscreate
	SysFsdelete
	SysClose
	SysRead
	SysWrite
	SysIoctl
	SysPipe
	SysIodup
)

// maxCstrLen bounds how many bytes Dispatch will scan looking for a
// NUL terminator in a user-supplied string argument (a file name or a
// print message), standing in for the "just keep reading until you hit
// the NUL" freedom real hardware gives memory_validate_vstr's caller.
const maxCstrLen = config.PageSize

// Devopen is the interface a named device instance registry gives the
// devopen syscall. This kernel core builds no device drivers of its
// own (spec.md treats them as external collaborators, alongside the
// ELF loader and boot/trap glue), so Table.Devopen is only wired up if
// a caller supplies one.
type Devopen interface {
	Open(name string, instno int) (ioobj.Io, errno.Err_t)
}

// Dispatch handles a single syscall, matching syscall()'s switch over
// tfr->a7 plus the per-syscall trampolines. a0/a1/a2 play tfr's
// argument registers; pointer arguments are user virtual addresses in
// the calling process's active address space, validated and copied via
// vm.Manager exactly as memory_validate_vptr_len/memory_validate_vstr
// gate every sys* function in the original before it touches its
// pointer arguments.
func (t *Table) Dispatch(proc *Process, num int, a0, a1, a2 uintptr) (int64, errno.Err_t) {
	switch num {
	case SysExit:
		t.Exit(proc)
		return 0, errno.Ok
	case SysExec:
		return 0, errno.ENOTSUP
	case SysFork:
		return 0, errno.ENOTSUP
	case SysWait:
		tid, err := t.Wait(proc, int(a0))
		return int64(tid), err
	case SysPrint:
		err := t.Print(proc, a0)
		return 0, err
	case SysUsleep:
		t.Usleep(uint64(a0))
		return 0, errno.Ok
	case SysDevopen:
		return 0, errno.ENOTSUP
	case SysFsopen:
		fd, err := t.Fsopen(proc, int(int32(a0)), a1)
		return int64(fd), err
	case SysFscreate:
		err := t.Fscreate(proc, a0)
		return 0, err
	case SysFsdelete:
		err := t.Fsdelete(proc, a0)
		return 0, err
	case SysClose:
		err := t.Close(proc, int(a0))
		return 0, err
	case SysRead:
		n, err := t.Read(proc, int(a0), a1, int(a2))
		return int64(n), err
	case SysWrite:
		n, err := t.Write(proc, int(a0), a1, int(a2))
		return int64(n), err
	case SysIoctl:
		n, err := t.Ioctl(proc, int(a0), int(a1), a2)
		return int64(n), err
	case SysPipe:
		err := t.Pipe(proc, a0, a1)
		return 0, err
	case SysIodup:
		fd, err := t.Iodup(proc, int(a0), int(int32(a1)))
		return int64(fd), err
	default:
		return 0, errno.ENOTSUP
	}
}

func readCString(vmm *vm.Manager, vp uintptr) (string, errno.Err_t) {
	if err := vmm.ValidateVstr(vp, maxCstrLen, vm.PTE_U); err != errno.Ok {
		return "", err
	}
	buf := make([]byte, maxCstrLen)
	vmm.CopyIn(buf, vp)
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i]), errno.Ok
	}
	return "", errno.EINVAL
}

// Wait blocks until tid exits, matching syswait. A negative tid is
// ECHILD, exactly as syswait's literal "if 0 <= tid ... else -ECHILD"
// check does. Any other tid, including 0, is handed to thread.Join
// unchanged, so tid 0 waits for any child.
func (t *Table) Wait(proc *Process, tid int) (int, errno.Err_t) {
	if tid < 0 {
		return 0, errno.ECHILD
	}
	return t.thr.Join(tid)
}

// Print validates the NUL-terminated user string at msg and writes it
// to the console, matching sysprint's kprintf call. klog.Trace/Debug
// are gated behind klog.Enabled and exist for kernel-internal tracing;
// a syscall's console output is user-visible unconditionally, so this
// writes straight to klog.Output instead of going through either gate.
func (t *Table) Print(proc *Process, msg uintptr) errno.Err_t {
	s, err := readCString(t.vmm, msg)
	if err != errno.Ok {
		return err
	}
	klog.Printf("Thread <%s:%d> says: %s\n", t.thr.Name(proc.Tid), proc.Tid, s)
	return errno.Ok
}

// Usleep suspends the calling thread for us microseconds, matching
// sysusleep.
func (t *Table) Usleep(us uint64) {
	t.thr.SleepUs(us)
}

// Fsopen opens name in the mounted filesystem into fdHint (or the
// first free slot if fdHint is negative), matching sysfsopen.
func (t *Table) Fsopen(proc *Process, fdHint int, namePtr uintptr) (int, errno.Err_t) {
	name, err := readCString(t.vmm, namePtr)
	if err != errno.Ok {
		return 0, err
	}

	fd, err := proc.allocFdHint(fdHint)
	if err != errno.Ok {
		return 0, err
	}

	io, err := t.fsys.Open(name)
	if err != errno.Ok {
		return 0, err
	}

	proc.iotab[fd] = io
	return fd, errno.Ok
}

// Fscreate creates a zero-length file named name, matching sysfscreate.
func (t *Table) Fscreate(proc *Process, namePtr uintptr) errno.Err_t {
	name, err := readCString(t.vmm, namePtr)
	if err != errno.Ok {
		return err
	}
	return t.fsys.Create(name)
}

// Fsdelete removes name from the filesystem, matching sysfsdelete.
func (t *Table) Fsdelete(proc *Process, namePtr uintptr) errno.Err_t {
	name, err := readCString(t.vmm, namePtr)
	if err != errno.Ok {
		return err
	}
	return t.fsys.Delete(name)
}

// Close releases fd, matching sysclose.
func (t *Table) Close(proc *Process, fd int) errno.Err_t {
	if fd < 0 || fd >= config.ProcessIOMAX || proc.iotab[fd] == nil {
		return errno.EBADFD
	}
	proc.iotab[fd].Close()
	proc.iotab[fd] = nil
	return errno.Ok
}

// Read validates the destination buffer, reads up to n bytes from fd
// into it, and copies them out to user memory, matching sysread. A
// short read (the endpoint returned fewer than n bytes) is EINVAL,
// exactly as the original's "if (result < bufsz) return -EINVAL"
// check demands.
func (t *Table) Read(proc *Process, fd int, bufPtr uintptr, n int) (int, errno.Err_t) {
	if err := t.vmm.ValidateVptrLen(bufPtr, n, vm.PTE_W|vm.PTE_U); err != errno.Ok {
		return 0, err
	}
	if fd < 0 || fd >= config.ProcessIOMAX || proc.iotab[fd] == nil {
		return 0, errno.EBADFD
	}

	buf := make([]byte, n)
	got, err := ioobj.Fill(proc.iotab[fd], buf)
	if err != errno.Ok {
		return 0, err
	}
	t.vmm.CopyOut(bufPtr, buf[:got])
	if got < n {
		return got, errno.EINVAL
	}
	return got, errno.Ok
}

// Write validates the source buffer, copies it in from user memory,
// and writes it to fd, matching syswrite. A zero-length write bypasses
// the pointer validation, matching the original's DOOM-flush carve-out
// for a NULL buffer with len == 0.
func (t *Table) Write(proc *Process, fd int, bufPtr uintptr, n int) (int, errno.Err_t) {
	if n != 0 {
		if err := t.vmm.ValidateVptrLen(bufPtr, n, vm.PTE_R|vm.PTE_U); err != errno.Ok {
			return 0, err
		}
	}
	if fd < 0 || fd >= config.ProcessIOMAX || proc.iotab[fd] == nil {
		return 0, errno.EBADFD
	}

	buf := make([]byte, n)
	if n != 0 {
		t.vmm.CopyIn(buf, bufPtr)
	}
	put, err := ioobj.WriteAll(proc.iotab[fd], buf)
	if err != errno.Ok {
		return 0, err
	}
	if put < n {
		return put, errno.EINVAL
	}
	return put, errno.Ok
}

// Ioctl passes cmd/arg through to fd's I/O object, matching sysioctl.
// arg is a user pointer to the ioctl's uint64 argument/result word.
func (t *Table) Ioctl(proc *Process, fd, cmd int, argPtr uintptr) (int, errno.Err_t) {
	if fd < 0 || fd >= config.ProcessIOMAX || proc.iotab[fd] == nil {
		return 0, errno.EBADFD
	}

	var arg uint64
	if argPtr != 0 {
		if err := t.vmm.ValidateVptrLen(argPtr, 8, vm.PTE_R|vm.PTE_W|vm.PTE_U); err != errno.Ok {
			return 0, err
		}
		var buf [8]byte
		t.vmm.CopyIn(buf[:], argPtr)
		arg = uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
			uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
	}

	n, err := proc.iotab[fd].Cntl(cmd, &arg)
	if err != errno.Ok {
		return 0, err
	}

	if argPtr != 0 {
		var buf [8]byte
		buf[0], buf[1], buf[2], buf[3] = byte(arg), byte(arg>>8), byte(arg>>16), byte(arg>>24)
		buf[4], buf[5], buf[6], buf[7] = byte(arg>>32), byte(arg>>40), byte(arg>>48), byte(arg>>56)
		t.vmm.CopyOut(argPtr, buf[:])
	}
	return n, errno.Ok
}

// Pipe creates a pipe and writes its write/read fd numbers back to
// wfdPtr/rfdPtr, matching syspipe: hints of -1 mean "first free"; a
// hint that collides with the other endpoint's resolved fd is EINVAL.
func (t *Table) Pipe(proc *Process, wfdPtr, rfdPtr uintptr) errno.Err_t {
	if err := t.vmm.ValidateVptrLen(wfdPtr, 4, vm.PTE_R|vm.PTE_W|vm.PTE_U); err != errno.Ok {
		return err
	}
	if err := t.vmm.ValidateVptrLen(rfdPtr, 4, vm.PTE_R|vm.PTE_W|vm.PTE_U); err != errno.Ok {
		return err
	}

	var wbuf, rbuf [4]byte
	t.vmm.CopyIn(wbuf[:], wfdPtr)
	t.vmm.CopyIn(rbuf[:], rfdPtr)
	wfdHint := int(int32(uint32(wbuf[0]) | uint32(wbuf[1])<<8 | uint32(wbuf[2])<<16 | uint32(wbuf[3])<<24))
	rfdHint := int(int32(uint32(rbuf[0]) | uint32(rbuf[1])<<8 | uint32(rbuf[2])<<16 | uint32(rbuf[3])<<24))

	if wfdHint >= config.ProcessIOMAX || rfdHint >= config.ProcessIOMAX {
		return errno.EBADFD
	}

	wfd := wfdHint
	if wfd < 0 {
		for wfd = 0; wfd < config.ProcessIOMAX; wfd++ {
			if proc.iotab[wfd] == nil {
				break
			}
		}
	}

	rfd := rfdHint
	if rfd < 0 {
		for rfd = 0; rfd < config.ProcessIOMAX; rfd++ {
			if rfd != wfd && proc.iotab[rfd] == nil {
				break
			}
		}
	}

	if wfd >= config.ProcessIOMAX || rfd >= config.ProcessIOMAX {
		return errno.EMFILE
	}
	if wfd == rfd {
		return errno.EINVAL
	}

	w, r := ioobj.NewPipe(t.thr)
	proc.iotab[wfd] = w
	proc.iotab[rfd] = r

	putFd := func(ptr uintptr, fd int) {
		var buf [4]byte
		v := uint32(int32(fd))
		buf[0], buf[1], buf[2], buf[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		t.vmm.CopyOut(ptr, buf[:])
	}
	putFd(wfdPtr, wfd)
	putFd(rfdPtr, rfd)

	return errno.Ok
}

// Iodup allocates newfd (or the first free slot if newfd is negative)
// as a second reference to oldfd's open file description, matching
// sysiodup.
func (t *Table) Iodup(proc *Process, oldfd, newfdHint int) (int, errno.Err_t) {
	if oldfd < 0 || oldfd >= config.ProcessIOMAX || proc.iotab[oldfd] == nil {
		return 0, errno.EMFILE
	}

	newfd, err := proc.allocFdHint(newfdHint)
	if err != errno.Ok {
		return 0, err
	}

	proc.iotab[newfd] = proc.iotab[oldfd].AddRef()
	return newfd, errno.Ok
}
