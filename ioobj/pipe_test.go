package ioobj

import (
	"testing"

	"ktkernel/errno"
	"ktkernel/thread"
)

func TestPipeHandsOffMessageBetweenThreads(t *testing.T) {
	m := thread.NewManager()
	w, r := NewPipe(m)

	msg := "hello my name is jeff"
	received := make(chan string, 1)

	writerTid, _ := m.Spawn("writer", func() {
		n, err := WriteAll(w, []byte(msg))
		if err != errno.Ok || n != len(msg) {
			t.Errorf("writer: WriteAll = (%d, %v)", n, err)
		}
		w.Close()
	})

	readerTid, _ := m.Spawn("reader", func() {
		buf := make([]byte, len(msg))
		n, err := Fill(r, buf)
		if err != errno.Ok {
			t.Errorf("reader: Fill error %v", err)
		}
		received <- string(buf[:n])
		r.Close()
	})

	m.Join(writerTid)
	m.Join(readerTid)

	got := <-received
	if got != msg {
		t.Fatalf("pipe delivered %q, want %q", got, msg)
	}
}

func TestPipeWriteAfterReaderClosedReturnsEPIPE(t *testing.T) {
	m := thread.NewManager()
	w, r := NewPipe(m)
	r.Close()

	n, err := w.Write([]byte("x"))
	if err != errno.EPIPE {
		t.Fatalf("Write after reader closed = (%d, %v), want EPIPE", n, err)
	}
}

func TestPipeReadAfterWriterClosedDrainsThenReturnsEOF(t *testing.T) {
	m := thread.NewManager()
	w, r := NewPipe(m)

	tid, _ := m.Spawn("writer", func() {
		WriteAll(w, []byte("ok"))
		w.Close()
	})
	m.Join(tid)

	buf := make([]byte, 2)
	n, err := Fill(r, buf)
	if err != errno.Ok || string(buf[:n]) != "ok" {
		t.Fatalf("Fill after writer close = (%d, %q, %v)", n, buf[:n], err)
	}

	n, err = r.Read(buf)
	if err != errno.Ok || n != 0 {
		t.Fatalf("Read on drained, writer-closed pipe = (%d, %v), want (0, Ok)", n, err)
	}
}

func TestPipeFillsAndBlocksWhenBufferFull(t *testing.T) {
	m := thread.NewManager()
	w, r := NewPipe(m)

	big := make([]byte, 5000) // larger than one page
	for i := range big {
		big[i] = byte(i)
	}

	writerDone := make(chan struct{})
	writerTid, _ := m.Spawn("writer", func() {
		n, err := WriteAll(w, big)
		if err != errno.Ok || n != len(big) {
			t.Errorf("WriteAll = (%d, %v)", n, err)
		}
		close(writerDone)
	})

	readerTid, _ := m.Spawn("reader", func() {
		out := make([]byte, len(big))
		Fill(r, out)
		for i := range out {
			if out[i] != big[i] {
				t.Fatalf("byte %d = %d, want %d", i, out[i], big[i])
			}
		}
	})

	m.Join(readerTid)
	m.Join(writerTid)
	<-writerDone
}
