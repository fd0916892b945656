package headless

import (
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"

	"github.com/JakeFAU/renderworker/internal/render"
)

// afterFunc schedules f after d and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type pendingRequest struct {
	url      string
	document bool
	timedOut bool
	stop     func() bool
}

// loadTracker turns the CDP event stream of one navigation into resource
// callbacks and a single load outcome.
type loadTracker struct {
	mu        sync.Mutex
	mainFrame cdp.FrameID
	timeout   time.Duration
	obs       render.Observer
	after     afterFunc

	pending  map[network.RequestID]*pendingRequest
	domReady bool
	anyStale bool
	finished bool
	sealed   bool
	done     chan render.LoadOutcome
}

func newLoadTracker(mainFrame cdp.FrameID, timeout time.Duration, obs render.Observer) *loadTracker {
	return &loadTracker{
		mainFrame: mainFrame,
		timeout:   timeout,
		obs:       obs,
		after:     realAfterFunc,
		pending:   map[network.RequestID]*pendingRequest{},
		done:      make(chan render.LoadOutcome, 1),
	}
}

func (t *loadTracker) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.requestStarted(e)
	case *network.EventResponseReceived:
		if e.Response != nil {
			t.received(toResourceResponse(e.Response))
		}
	case *network.EventLoadingFinished:
		t.settle(e.RequestID)
	case *network.EventLoadingFailed:
		t.failed(e)
	case *page.EventDomContentEventFired:
		t.domContentLoaded()
	case *page.EventLoadEventFired:
		t.mu.Lock()
		t.finishLocked(render.LoadOutcome{Status: render.LoadSuccess})
		t.mu.Unlock()
	}
}

func (t *loadTracker) isMainDocument(e *network.EventRequestWillBeSent) bool {
	if e.Type != network.ResourceTypeDocument || string(e.RequestID) != string(e.LoaderID) {
		return false
	}
	return t.mainFrame == "" || e.FrameID == t.mainFrame
}

func (t *loadTracker) requestStarted(e *network.EventRequestWillBeSent) {
	if e.RedirectResponse != nil {
		t.received(toResourceResponse(e.RedirectResponse))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return
	}
	url := ""
	if e.Request != nil {
		url = e.Request.URL
	}
	if req, ok := t.pending[e.RequestID]; ok {
		// A redirect reuses the request id; the watchdog keeps running.
		req.url = url
		return
	}
	req := &pendingRequest{url: url, document: t.isMainDocument(e)}
	if t.timeout > 0 {
		id := e.RequestID
		req.stop = t.after(t.timeout, func() { t.expire(id) })
	}
	t.pending[e.RequestID] = req
}

func (t *loadTracker) received(resp render.ResourceResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return
	}
	t.obs.ResourceReceived(resp)
}

func (t *loadTracker) settle(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
	t.checkIdleLocked()
}

func (t *loadTracker) failed(e *network.EventLoadingFailed) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[e.RequestID]
	if !ok {
		return
	}
	if !req.timedOut && !t.sealed {
		t.obs.ResourceError(render.ResourceFailure{URL: req.url, Error: e.ErrorText})
	}
	t.removeLocked(e.RequestID)
	if req.document {
		t.finishLocked(render.LoadOutcome{Status: render.LoadFail, Reason: e.ErrorText})
		return
	}
	t.checkIdleLocked()
}

func (t *loadTracker) expire(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[id]
	if !ok || req.timedOut || t.sealed {
		return
	}
	req.timedOut = true
	t.anyStale = true
	reason := fmt.Sprintf("Resource timed out after %dms", t.timeout.Milliseconds())
	t.obs.ResourceError(render.ResourceFailure{URL: req.url, Error: reason})
	if req.document {
		t.finishLocked(render.LoadOutcome{Status: render.LoadFail, Reason: reason})
		return
	}
	t.checkIdleLocked()
}

func (t *loadTracker) domContentLoaded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.domReady = true
	t.checkIdleLocked()
}

// checkIdleLocked finishes the load early once the DOM is ready and only
// timed-out requests are left. Without a timed-out request the load event decides.
func (t *loadTracker) checkIdleLocked() {
	if !t.domReady || !t.anyStale {
		return
	}
	for _, req := range t.pending {
		if !req.timedOut {
			return
		}
	}
	t.finishLocked(render.LoadOutcome{Status: render.LoadSuccess})
}

func (t *loadTracker) removeLocked(id network.RequestID) {
	req, ok := t.pending[id]
	if !ok {
		return
	}
	if req.stop != nil {
		req.stop()
	}
	delete(t.pending, id)
}

func (t *loadTracker) finishLocked(outcome render.LoadOutcome) {
	if t.finished {
		return
	}
	t.finished = true
	t.done <- outcome
}

// stop cancels outstanding watchdogs and detaches the observer.
func (t *loadTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	for id := range t.pending {
		t.removeLocked(id)
	}
}
