package ledgerwal

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ApplyLoop is the single-threaded, long-running consumer described in
// spec.md §4.5: it waits for last_committed to advance past
// last_applied, then applies the newly committed entries to the state
// machine in order, exactly once, advancing last_applied after each
// successful apply. Grounded on the teacher's state_loop.go
// (logsLoop/commonLoop): a dedicated goroutine draining a signal for as
// long as a quit context is open, with an explicit drain-on-shutdown
// step.
type ApplyLoop struct {
	wal    *WriteAheadLog
	sm     StateMachine
	logger *zerolog.Logger

	mu       sync.Mutex
	wakeCond *sync.Cond

	quit   chan struct{}
	done   chan struct{}
}

func newApplyLoop(wal *WriteAheadLog, sm StateMachine) *ApplyLoop {
	al := &ApplyLoop{
		wal:    wal,
		sm:     sm,
		logger: wal.opts.Logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	al.wakeCond = sync.NewCond(&al.mu)
	return al
}

func (al *ApplyLoop) start() {
	go al.run()
}

// wake nudges the loop to re-check last_committed against last_applied.
// Called by Commit after advancing the committed watermark.
func (al *ApplyLoop) wake() {
	al.mu.Lock()
	al.wakeCond.Broadcast()
	al.mu.Unlock()
}

// wakeIfPresent is a nil-safe convenience so Append/Commit/AppendRange
// don't need to branch on whether a StateMachine was supplied to Open.
func (al *ApplyLoop) wakeIfPresent() {
	if al == nil {
		return
	}
	al.wake()
}

// stop signals shutdown and waits for the loop's drain step to finish.
func (al *ApplyLoop) stop() {
	close(al.quit)
	al.wake()
	<-al.done
}

func (al *ApplyLoop) run() {
	defer close(al.done)

	for {
		select {
		case <-al.quit:
			al.drainOnShutdown()
			return
		default:
		}

		committed := al.wal.LastCommitted()
		applied := al.wal.lastApplied.Load()
		if committed <= applied {
			al.waitForWork()
			continue
		}

		if err := al.applyRange(applied+1, committed); err != nil {
			al.wal.poison("apply failure: " + err.Error())
			return
		}
	}
}

// waitForWork blocks until wake() is called or quit fires.
func (al *ApplyLoop) waitForWork() {
	woken := make(chan struct{})
	go func() {
		al.mu.Lock()
		// Re-check under al.mu: wake() takes the same lock, so a commit or
		// stop that lands before Wait is seen here rather than lost.
		select {
		case <-al.quit:
		default:
			if al.wal.LastCommitted() <= al.wal.lastApplied.Load() {
				al.wakeCond.Wait()
			}
		}
		al.mu.Unlock()
		close(woken)
	}()

	select {
	case <-al.quit:
		al.wake() // unblock the Wait() goroutine above
		<-woken
	case <-woken:
	}
}

// drainOnShutdown applies whatever became committed right before
// shutdown was requested, so last_applied never lags last_committed
// across a clean close.
func (al *ApplyLoop) drainOnShutdown() {
	committed := al.wal.LastCommitted()
	applied := al.wal.lastApplied.Load()
	if committed <= applied {
		return
	}
	if err := al.applyRange(applied+1, committed); err != nil {
		al.wal.poison("apply failure during shutdown drain: " + err.Error())
	}
}

// applyRange acquires a weak read lock and applies [from, to] in order,
// advancing last_applied after each success.
func (al *ApplyLoop) applyRange(from, to uint64) error {
	release, err := al.wal.locks.Acquire(context.Background(), WeakRead)
	if err != nil {
		return err
	}
	defer release()

	for index := from; index <= to; index++ {
		entry, err := al.wal.readEntryLocked(index)
		if err != nil {
			return err
		}

		al.wal.mu.Lock()
		entry.Context = al.wal.contextByIndex[index]
		al.wal.mu.Unlock()

		if _, err := al.sm.Apply(context.Background(), entry); err != nil {
			al.logger.Error().Err(err).Uint64("index", index).Msg("state machine apply failed")
			return err
		}

		al.wal.mu.Lock()
		delete(al.wal.contextByIndex, index)
		al.wal.mu.Unlock()

		al.wal.lastApplied.Store(index)
		al.wal.metrics.setAppliedLag(int64(al.wal.LastCommitted()) - int64(index))
		al.wal.signalApplyWaiters()
	}
	return nil
}
