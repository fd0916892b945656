// Package protocol implements the line-oriented output contract between the
// worker and the process that invokes it.
//
// Standard output carries the primary document's metadata:
//
//	HEADER:<name>=<value>
//	STATUS:<code>
//	STATUSTEXT:<text>
//	CONTENTTYPE:<mime type>
//
// HEADER lines come sorted by header name, not in wire order: Chrome reports
// response headers as a map, so sorting keeps the stream deterministic. A
// header Chrome folded from repeated fields ("\n"-joined) is written as one
// HEADER line per value, in the order Chrome joined them.
//
// Standard error carries free-text diagnostics, one resource failure per line
// as "<url>: <error>".
//
// The package serves both ends of the contract. Emitter is the worker side.
// Grabber is the caller side: a crawler that spawns the worker imports it to
// parse the captured standard output back into Metadata.
package protocol

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/JakeFAU/renderworker/internal/render"
)

// Line prefixes written to standard output.
const (
	PrefixHeader      = "HEADER:"
	PrefixStatus      = "STATUS:"
	PrefixStatusText  = "STATUSTEXT:"
	PrefixContentType = "CONTENTTYPE:"
)

// Emitter serialises protocol lines onto the two output streams. It is safe
// for concurrent use; engine callbacks and the worker share one instance.
type Emitter struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	err    error
}

// NewEmitter creates an Emitter writing metadata to stdout and diagnostics to stderr.
func NewEmitter(stdout, stderr io.Writer) *Emitter {
	return &Emitter{stdout: stdout, stderr: stderr}
}

// Document writes the metadata block for the primary document response.
func (e *Emitter) Document(resp render.ResourceResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range resp.Headers {
		e.writeLocked(e.stdout, PrefixHeader+h.Name+"="+h.Value)
	}
	e.writeLocked(e.stdout, PrefixStatus+strconv.Itoa(resp.Status))
	e.writeLocked(e.stdout, PrefixStatusText+resp.StatusText)
	e.writeLocked(e.stdout, PrefixContentType+resp.ContentType)
}

// ResourceError writes a single diagnostic line for a failed resource.
func (e *Emitter) ResourceError(failure render.ResourceFailure) {
	e.Diagnostic("%s: %s", failure.URL, failure.Error)
}

// Diagnostic writes a formatted free-text line to the error stream.
func (e *Emitter) Diagnostic(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeLocked(e.stderr, fmt.Sprintf(format, args...))
}

// Content copies raw document content to the error stream.
func (e *Emitter) Content(content string) {
	if content == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeLocked(e.stderr, content)
}

// Err returns the first write error encountered, if any.
func (e *Emitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Emitter) writeLocked(w io.Writer, line string) {
	if e.err != nil {
		return
	}
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		e.err = fmt.Errorf("write protocol line: %w", err)
	}
}
