package worker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/renderworker/internal/metrics"
	"github.com/JakeFAU/renderworker/internal/protocol"
	"github.com/JakeFAU/renderworker/internal/render"
)

// documentObserver forwards resource events to the protocol emitter while a
// navigation is in flight. Only the first response whose URL equals the
// target exactly is reported as the document.
type documentObserver struct {
	target  string
	emitter *protocol.Emitter
	logger  *zap.Logger

	mu       sync.Mutex
	matched  bool
	closed   bool
	failures int
}

func newDocumentObserver(target string, emitter *protocol.Emitter, logger *zap.Logger) *documentObserver {
	return &documentObserver{target: target, emitter: emitter, logger: logger}
}

func (o *documentObserver) ResourceError(failure render.ResourceFailure) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.failures++
	metrics.ObserveResourceError()
	o.emitter.ResourceError(failure)
}

func (o *documentObserver) ResourceReceived(resp render.ResourceResponse) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || resp.URL != o.target {
		return
	}
	if o.matched {
		o.logger.Debug("ignoring repeated document response", zap.Int("status", resp.Status))
		return
	}
	o.matched = true
	o.emitter.Document(resp)
}

// close detaches the observer; later events are dropped.
func (o *documentObserver) close() (matched bool, failures int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return o.matched, o.failures
}
