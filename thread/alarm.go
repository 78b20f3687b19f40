package thread

import (
	"math"
	"time"

	"ktkernel/config"
)

// Clock supplies the current tick count to the alarm subsystem,
// standing in for original_source/sys/timer.c's rdtime(). Production
// code uses RealClock; tests supply a fake so sleep/wake ordering can
// be driven deterministically instead of racing a real timer.
type Clock interface {
	Now() uint64
}

// RealClock reads elapsed ticks off the process's monotonic wall clock,
// scaled to config.TimerFreq ticks per second. It is the default Clock
// a Manager uses if none is supplied.
type RealClock struct{ start time.Time }

// NewRealClock creates a RealClock whose tick 0 is the current instant.
func NewRealClock() *RealClock { return &RealClock{start: time.Now()} }

func (c *RealClock) Now() uint64 {
	return uint64(time.Since(c.start).Seconds() * float64(config.TimerFreq))
}

// Alarm is a single-shot timer a thread can sleep against, matching
// struct alarm. Unlike the original, nothing here touches a real
// interrupt controller: HandleTimerInterrupt must be driven externally,
// exactly as handle_timer_interrupt is dispatched from intr_handler
// rather than called directly by alarm_sleep.
type Alarm struct {
	cond  *Condition
	twake uint64
	next  *Alarm
}

// AlarmInit initializes al's wake time to now, matching alarm_init.
func (m *Manager) AlarmInit(al *Alarm, name string) {
	if name == "" {
		name = "wake tf up"
	}
	al.cond = m.ConditionInit(name)
	al.next = nil
	al.twake = m.clock.Now()
}

// AlarmReset rebases al's next sleep increment onto the current time,
// matching alarm_reset.
func (m *Manager) AlarmReset(al *Alarm) {
	al.twake = m.clock.Now()
}

// AlarmSleep puts the calling thread to sleep for tcnt ticks relative
// to al's last wake/reset event, matching alarm_sleep, including its
// saturating-add overflow clamp and its early return when the
// requested wake time has already passed.
func (m *Manager) AlarmSleep(al *Alarm, tcnt uint64) {
	now := m.clock.Now()

	if math.MaxUint64-al.twake < tcnt {
		al.twake = math.MaxUint64
	} else {
		al.twake += tcnt
	}

	if al.twake <= now {
		return
	}

	m.mu.Lock()
	m.insertSleepSorted(al)
	m.mu.Unlock()

	m.Wait(al.cond)
}

func (m *Manager) AlarmSleepSec(al *Alarm, sec uint64) {
	m.AlarmSleep(al, sec*config.TimerFreq)
}

func (m *Manager) AlarmSleepMs(al *Alarm, ms uint64) {
	m.AlarmSleep(al, ms*(config.TimerFreq/1000))
}

func (m *Manager) AlarmSleepUs(al *Alarm, us uint64) {
	m.AlarmSleep(al, us*(config.TimerFreq/1000/1000))
}

// SleepSec, SleepMs, and SleepUs put the calling thread to sleep for a
// fixed duration on a throwaway alarm, matching sleep_sec/sleep_ms/
// sleep_us.
func (m *Manager) SleepSec(sec uint64) { m.SleepUs(1000000 * sec) }
func (m *Manager) SleepMs(ms uint64)   { m.SleepUs(1000 * ms) }
func (m *Manager) SleepUs(us uint64) {
	al := &Alarm{}
	m.AlarmInit(al, "sleep")
	m.AlarmSleepUs(al, us)
}

// insertSleepSorted inserts al into m.sleepList ordered from earliest
// to latest wake time, matching alarm_insert_sorted. Callers must hold
// m.mu.
func (m *Manager) insertSleepSorted(al *Alarm) {
	target := &m.sleepList
	for *target != nil && (*target).twake < al.twake {
		target = &(*target).next
	}
	al.next = *target
	*target = al
}

// HandleTimerInterrupt wakes every alarm whose wake time has passed,
// matching handle_timer_interrupt. It must be driven by an external
// dispatcher the way the original is invoked from intr_handler rather
// than from within alarm_sleep itself.
func (m *Manager) HandleTimerInterrupt(now uint64) {
	m.mu.Lock()
	var due []*Alarm
	for m.sleepList != nil {
		target := m.sleepList
		if target.twake > now {
			break
		}
		m.sleepList = target.next
		target.next = nil
		due = append(due, target)
	}
	m.mu.Unlock()

	for _, al := range due {
		m.Broadcast(al.cond)
	}
}
