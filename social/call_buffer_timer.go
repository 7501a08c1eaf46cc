package social

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type callBufferTimerCallback func(xuids []string, completion *completionContext)

// CallBufferTimer coalesces bursts of xuids into a single outbound service
// call per quiescence window. Ids fired while a call is pending are absorbed
// into the next call; each fired id appears in an outbound call within two
// windows.
type CallBufferTimer struct {
	ctx    context.Context
	cancel context.CancelFunc

	callback    callBufferTimerCallback
	perCallTime time.Duration

	stateLock    sync.Mutex
	usersToCall  []string
	completion   *completionContext
	queuedTask   bool
	previousTime time.Time
}

func NewCallBufferTimer(ctx context.Context, callback callBufferTimerCallback, perCallTime time.Duration) *CallBufferTimer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CallBufferTimer{
		ctx:         cancelCtx,
		cancel:      cancel,
		callback:    callback,
		perCallTime: perCallTime,
	}
}

func (self *CallBufferTimer) Close() {
	self.cancel()
}

func (self *CallBufferTimer) Fire(xuids []string) {
	self.FireWithCompletion(xuids, nil)
}

func (self *CallBufferTimer) FireWithCompletion(xuids []string, completion *completionContext) {
	self.stateLock.Lock()

	for _, xuid := range xuids {
		if !slices.Contains(self.usersToCall, xuid) {
			self.usersToCall = append(self.usersToCall, xuid)
		}
	}
	self.completion = mergeCompletions(self.completion, completion)

	if self.queuedTask {
		// the queued call picks up the absorbed ids
		self.stateLock.Unlock()
		return
	}

	elapsed := time.Since(self.previousTime)
	if self.perCallTime <= elapsed {
		users, callCompletion := self.takeLocked()
		self.stateLock.Unlock()
		go self.call(users, callCompletion)
	} else {
		self.queuedTask = true
		delay := self.perCallTime - elapsed
		self.stateLock.Unlock()
		go func() {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(delay):
			}

			self.stateLock.Lock()
			self.queuedTask = false
			users, callCompletion := self.takeLocked()
			self.stateLock.Unlock()
			self.call(users, callCompletion)
		}()
	}
}

func (self *CallBufferTimer) takeLocked() ([]string, *completionContext) {
	users := self.usersToCall
	completion := self.completion
	self.usersToCall = nil
	self.completion = nil
	self.previousTime = time.Now()
	return users, completion
}

func (self *CallBufferTimer) call(users []string, completion *completionContext) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}
	self.callback(users, completion)
}

// two add batches can land in the same window; the single outbound call must
// satisfy both completions
func mergeCompletions(a *completionContext, b *completionContext) *completionContext {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &completionContext{
		token:      NewId(),
		numObjects: a.numObjects + b.numObjects,
		complete: func(err error) {
			a.resolve(err)
			b.resolve(err)
		},
	}
}
