package headless

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"time"

	"github.com/JakeFAU/renderworker/internal/render"
)

// ErrSessionClosed is returned by a FakeSession used after Close.
var ErrSessionClosed = errors.New("session closed")

// FakeScript describes what a Fake session does when navigated.
type FakeScript struct {
	Failures  []render.ResourceFailure
	Responses []render.ResourceResponse
	// Outcome defaults to success.
	Outcome     render.LoadOutcome
	NavigateErr error
	Content     string
	// ContentURL is the committed document URL; empty means the target.
	ContentURL    string
	ContentErr    error
	ScreenshotErr error
	// Block makes Navigate wait for ctx cancellation.
	Block bool
}

// Fake is an in-memory render.Engine that replays a script and records every
// call made on its sessions. It never starts a browser.
type Fake struct {
	Script    FakeScript
	LaunchErr error

	mu       sync.Mutex
	sessions []*FakeSession
}

// NewSession implements render.Engine.
func (f *Fake) NewSession(_ context.Context) (render.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LaunchErr != nil {
		return nil, f.LaunchErr
	}
	s := &FakeSession{script: f.Script}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Sessions returns the sessions created so far.
func (f *Fake) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSession(nil), f.sessions...)
}

// FakeShot records one Screenshot call.
type FakeShot struct {
	Clip   *render.Rect
	Format render.ImageFormat
	Zoom   float64
}

// FakeSession is the recording session handed out by Fake.
type FakeSession struct {
	script FakeScript

	mu              sync.Mutex
	calls           []string
	viewport        *render.Geometry
	zoom            *float64
	headers         []render.Header
	resourceTimeout *time.Duration
	navigated       []string
	shots           []FakeShot
	observer        render.Observer
	closed          int
}

func (s *FakeSession) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.closed > 0 && call != "Close" {
		return ErrSessionClosed
	}
	return nil
}

func (s *FakeSession) SetViewport(_ context.Context, size render.Geometry) error {
	if err := s.record("SetViewport"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = &size
	return nil
}

func (s *FakeSession) SetZoom(_ context.Context, factor float64) error {
	if err := s.record("SetZoom"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zoom = &factor
	return nil
}

func (s *FakeSession) SetExtraHeaders(_ context.Context, headers []render.Header) error {
	if err := s.record("SetExtraHeaders"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = append([]render.Header(nil), headers...)
	return nil
}

func (s *FakeSession) SetResourceTimeout(_ context.Context, timeout time.Duration) error {
	if err := s.record("SetResourceTimeout"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceTimeout = &timeout
	return nil
}

// Navigate reports the scripted failures, then the scripted responses, then the outcome.
func (s *FakeSession) Navigate(ctx context.Context, url string, obs render.Observer) (render.LoadOutcome, error) {
	if err := s.record("Navigate"); err != nil {
		return render.LoadOutcome{}, err
	}
	s.mu.Lock()
	s.navigated = append(s.navigated, url)
	s.observer = obs
	s.mu.Unlock()

	for _, failure := range s.script.Failures {
		obs.ResourceError(failure)
	}
	for _, resp := range s.script.Responses {
		obs.ResourceReceived(resp)
	}
	if s.script.Block {
		<-ctx.Done()
		return render.LoadOutcome{}, ctx.Err()
	}
	if s.script.NavigateErr != nil {
		return render.LoadOutcome{}, s.script.NavigateErr
	}
	outcome := s.script.Outcome
	if outcome.Status == "" {
		outcome.Status = render.LoadSuccess
	}
	return outcome, nil
}

func (s *FakeSession) Content(_ context.Context) (string, error) {
	if err := s.record("Content"); err != nil {
		return "", err
	}
	if s.script.ContentErr != nil {
		return "", s.script.ContentErr
	}
	return documentContent(snapshot{URL: s.script.ContentURL, HTML: s.script.Content}), nil
}

// Screenshot returns a blank image whose size matches clip, or 64x48 without a clip.
func (s *FakeSession) Screenshot(_ context.Context, clip *render.Rect, format render.ImageFormat) ([]byte, error) {
	if err := s.record("Screenshot"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	zoom := 1.0
	if s.zoom != nil {
		zoom = *s.zoom
	}
	s.shots = append(s.shots, FakeShot{Clip: clip, Format: format, Zoom: zoom})
	s.mu.Unlock()
	if s.script.ScreenshotErr != nil {
		return nil, s.script.ScreenshotErr
	}

	width, height := 64, 48
	if clip != nil {
		width, height = clip.Width, clip.Height
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	var err error
	if format == render.ImageJPEG {
		err = jpeg.Encode(&buf, img, nil)
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *FakeSession) Close() error {
	_ = s.record("Close")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Calls lists method names in call order.
func (s *FakeSession) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Viewport returns the last viewport set, if any.
func (s *FakeSession) Viewport() *render.Geometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// Zoom returns the last zoom set, if any.
func (s *FakeSession) Zoom() *float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zoom
}

// Headers returns the extra headers set, if any.
func (s *FakeSession) Headers() []render.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers
}

// ResourceTimeout returns the resource timeout set, if any.
func (s *FakeSession) ResourceTimeout() *time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resourceTimeout
}

// Navigated lists the URLs passed to Navigate.
func (s *FakeSession) Navigated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigated...)
}

// Shots lists the Screenshot calls.
func (s *FakeSession) Shots() []FakeShot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FakeShot(nil), s.shots...)
}

// Closed reports how many times Close was called.
func (s *FakeSession) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Replay delivers resp to the observer passed to the last Navigate call.
func (s *FakeSession) Replay(resp render.ResourceResponse) {
	s.mu.Lock()
	obs := s.observer
	s.mu.Unlock()
	if obs != nil {
		obs.ResourceReceived(resp)
	}
}
