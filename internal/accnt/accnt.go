// Package accnt tracks per-process CPU-time accounting. Adapted from
// a reference accnt package; Add's fold-into-parent behavior on
// reap is recovered from a reference C implementation's process.c,
// a feature a shorter overview of this system omits but a full
// implementation still needs.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// / Accnt_t accumulates per-process user/system time. Userns and Sysns
// / are in nanoseconds. The embedded mutex lets callers take a
// / consistent snapshot when merging into a parent at reap.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// / Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// / Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

// / Now returns the current time in nanoseconds.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// / Finish adds the time elapsed since inttime to system time. Called
// / when a syscall returns to user mode, charging the intervening work
// / to the process's system-time total.
func (a *Accnt_t) Finish(inttime int64) {
	a.Systadd(int(a.Now() - inttime))
}

// / Add merges n's accounting into a, used when a parent reaps a
// / killed child in proc.Wait so aggregate CPU usage survives the
// / child's slot being cleared.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	defer a.Unlock()
	n.Lock()
	defer n.Unlock()
	a.Userns += n.Userns
	a.Sysns += n.Sysns
}
