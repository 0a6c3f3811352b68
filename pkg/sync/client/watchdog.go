package client

import (
	"context"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// watchdog cancels a transfer that hasn't made progress within the timeout.
// Bounding the time between chunks rather than the total duration lets
// large files take as long as they need, while still catching connections
// that are open but stuck.
type watchdog struct {
	timeout time.Duration
	cancel  context.CancelFunc

	lock    goSync.Mutex
	timer   clockwork.Timer
	expired bool
}

func newWatchdog(clock clockwork.Clock, timeout time.Duration, cancel context.CancelFunc) *watchdog {
	w := &watchdog{timeout: timeout, cancel: cancel}
	w.timer = clock.AfterFunc(timeout, w.fire)
	return w
}

func (w *watchdog) fire() {
	w.lock.Lock()
	w.expired = true
	w.lock.Unlock()
	w.cancel()
}

// reset records that the transfer made progress.
func (w *watchdog) reset() {
	w.lock.Lock()
	defer w.lock.Unlock()
	if !w.expired {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) stop() {
	w.timer.Stop()
}

func (w *watchdog) fired() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.expired
}
