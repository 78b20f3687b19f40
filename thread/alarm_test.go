package thread

import "testing"

// fakeClock is a Clock a test can advance by hand, so alarm ordering
// can be checked without racing a real timer.
type fakeClock struct{ now uint64 }

func (c *fakeClock) Now() uint64 { return c.now }

func TestAlarmSleepReturnsImmediatelyIfAlreadyDue(t *testing.T) {
	clk := &fakeClock{now: 100}
	m := NewManagerWithClock(clk)

	al := &Alarm{}
	m.AlarmInit(al, "")
	// twake starts at 100 (clock.Now() at init); sleeping 0 ticks keeps
	// twake <= now, so alarm_sleep's early-return path applies and no
	// suspend happens.
	done := make(chan struct{})
	tid, _ := m.Spawn("sleeper", func() {
		m.AlarmSleep(al, 0)
		close(done)
	})
	m.Join(tid)

	select {
	case <-done:
	default:
		t.Fatal("AlarmSleep with an already-due wake time should not block")
	}
}

func TestAlarmSleepWakesOnTimerInterrupt(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := NewManagerWithClock(clk)

	woke := make(chan struct{})
	tid, _ := m.Spawn("sleeper", func() {
		al := &Alarm{}
		m.AlarmInit(al, "")
		m.AlarmSleep(al, 10)
		close(woke)
	})

	// let the sleeper run up to AlarmSleep and register itself
	m.Yield()
	_ = tid

	select {
	case <-woke:
		t.Fatal("sleeper woke before its wake time")
	default:
	}

	clk.now = 20
	m.HandleTimerInterrupt(clk.now)

	// HandleTimerInterrupt only readies the sleeper; it runs once main
	// gives up the CPU by joining it.
	m.Join(tid)
	<-woke
}

func TestAlarmsWakeInWakeTimeOrder(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := NewManagerWithClock(clk)

	var order []int
	done := make(chan struct{}, 3)

	spawnSleeper := func(id int, ticks uint64) {
		m.Spawn("sleeper", func() {
			al := &Alarm{}
			m.AlarmInit(al, "")
			m.AlarmSleep(al, ticks)
			order = append(order, id)
			done <- struct{}{}
		})
	}

	spawnSleeper(3, 30)
	spawnSleeper(1, 10)
	spawnSleeper(2, 20)
	m.Yield()
	m.Yield()
	m.Yield()

	clk.now = 100
	m.HandleTimerInterrupt(clk.now)

	// The woken sleepers only run once main gives up the CPU.
	m.Join(0)
	m.Join(0)
	m.Join(0)

	<-done
	<-done
	<-done

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("wake order = %v, want [1 2 3]", order)
	}
}
