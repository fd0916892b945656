// Package headless drives Chrome through the DevTools protocol.
package headless

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderworker/internal/render"
)

// ErrEngineUnavailable reports that the browser could not be launched.
var ErrEngineUnavailable = errors.New("render engine unavailable")

const defaultStartupTimeout = 30 * time.Second

// Config controls how Chrome is launched.
type Config struct {
	ExecPath         string
	Headless         bool
	NoSandbox        bool
	UserAgent        string
	ProxyServer      string
	IgnoreCertErrors bool
	// Flags are passed to Chrome as --name=value. "true" and "false" become boolean switches.
	Flags            map[string]string
	StartupTimeout   time.Duration
	ThumbnailQuality int
}

// Engine implements render.Engine using chromedp. Each session owns its own browser process.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewChromedp creates a Chrome-backed engine.
func NewChromedp(cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.ThumbnailQuality < 0 || cfg.ThumbnailQuality > 100 {
		return nil, fmt.Errorf("thumbnail quality must be within [0,100], got %d", cfg.ThumbnailQuality)
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger.Named("chromedp")}, nil
}

func (e *Engine) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if e.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if e.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.cfg.ExecPath))
	}
	if e.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if e.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.cfg.UserAgent))
	}
	if e.cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(e.cfg.ProxyServer))
	}
	if e.cfg.IgnoreCertErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	for name, value := range e.cfg.Flags {
		opts = append(opts, chromedp.Flag(name, flagValue(value)))
	}
	return opts
}

func flagValue(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

// NewSession launches a browser with a single tab. The session keeps the
// browser alive until Close or until ctx is cancelled.
func (e *Engine) NewSession(ctx context.Context) (render.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, e.allocatorOptions()...)
	sugar := e.logger.Sugar()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(sugar.Warnf),
		chromedp.WithDebugf(sugar.Debugf),
	)
	s := &session{
		ctx:     tabCtx,
		logger:  e.logger,
		zoom:    1,
		quality: e.cfg.ThumbnailQuality,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}

	startCtx, stopTimer := context.WithTimeout(ctx, e.cfg.StartupTimeout)
	defer stopTimer()
	abort := context.AfterFunc(startCtx, s.cancel)
	err := chromedp.Run(tabCtx, network.Enable(), page.Enable())
	if !abort() || err != nil {
		s.cancel()
		if err == nil {
			err = startCtx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	e.logger.Debug("browser session started")
	return s, nil
}

type session struct {
	ctx    context.Context
	cancel func()
	logger *zap.Logger

	mu              sync.Mutex
	viewport        *render.Geometry
	zoom            float64
	headers         []render.Header
	resourceTimeout time.Duration
	quality         int
	closed          bool
}

// bind returns a context that runs actions on the session tab and is also
// cancelled when the caller's ctx ends. Cancelling it does not close the tab.
func (s *session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *session) SetViewport(_ context.Context, size render.Geometry) error {
	if size.Width <= 0 || size.Height <= 0 {
		return fmt.Errorf("viewport must be positive, got %dx%d", size.Width, size.Height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = &size
	return nil
}

func (s *session) SetZoom(_ context.Context, factor float64) error {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return fmt.Errorf("zoom must be a positive number, got %v", factor)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zoom = factor
	return nil
}

func (s *session) SetExtraHeaders(_ context.Context, headers []render.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = append([]render.Header(nil), headers...)
	return nil
}

func (s *session) SetResourceTimeout(_ context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("resource timeout must be positive, got %v", timeout)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceTimeout = timeout
	return nil
}

// prepare applies the stored page configuration before navigation.
func (s *session) prepare() chromedp.Action {
	s.mu.Lock()
	viewport, zoom, headers := s.viewport, s.zoom, s.headers
	s.mu.Unlock()

	return chromedp.ActionFunc(func(ctx context.Context) error {
		if viewport != nil {
			width, height := layoutSize(*viewport, zoom)
			if err := emulation.SetDeviceMetricsOverride(width, height, 1, false).Do(ctx); err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// layoutSize is the CSS viewport that renders to size pixels at zoom.
func layoutSize(size render.Geometry, zoom float64) (int64, int64) {
	w := int64(math.Max(1, math.Round(float64(size.Width)/zoom)))
	h := int64(math.Max(1, math.Round(float64(size.Height)/zoom)))
	return w, h
}

func (s *session) Navigate(ctx context.Context, url string, obs render.Observer) (render.LoadOutcome, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, s.prepare()); err != nil {
		return render.LoadOutcome{}, fmt.Errorf("prepare page: %w", err)
	}

	s.mu.Lock()
	timeout := s.resourceTimeout
	s.mu.Unlock()

	var mainFrame cdp.FrameID
	if c := chromedp.FromContext(runCtx); c != nil && c.Target != nil {
		mainFrame = cdp.FrameID(c.Target.TargetID)
	}
	tracker := newLoadTracker(mainFrame, timeout, obs)
	defer tracker.stop()

	listenCtx, stopListening := context.WithCancel(runCtx)
	defer stopListening()
	chromedp.ListenTarget(listenCtx, tracker.handle)

	outcome, err := awaitLoad(ctx, runCtx, tracker, func(navCtx context.Context) (string, error) {
		var errorText string
		err := chromedp.Run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, text, _, err := page.Navigate(url).Do(ctx)
			errorText = text
			return err
		}))
		return errorText, err
	})
	if err != nil {
		return render.LoadOutcome{}, fmt.Errorf("navigate %s: %w", url, err)
	}
	if !outcome.Succeeded() {
		// The tracker may have given up on a document Chrome is still fetching.
		if stopErr := chromedp.Run(runCtx, page.StopLoading()); stopErr != nil {
			s.logger.Debug("stop loading", zap.Error(stopErr))
		}
	}
	s.logger.Debug("navigation settled",
		zap.String("status", string(outcome.Status)),
		zap.String("reason", outcome.Reason))
	return outcome, nil
}

// errBrowserClosed reports that the tab went away before the load outcome was known.
var errBrowserClosed = errors.New("browser closed")

type navResult struct {
	errorText string
	err       error
}

// awaitLoad runs navigate and waits for the tracker's verdict. Page.navigate
// only returns once Chrome commits the document, so a verdict reached while it
// is still pending (a main document timeout) wins and aborts the call.
func awaitLoad(
	ctx, runCtx context.Context,
	tracker *loadTracker,
	navigate func(context.Context) (string, error),
) (render.LoadOutcome, error) {
	navCtx, cancelNav := context.WithCancel(runCtx)
	defer cancelNav()

	navDone := make(chan navResult, 1)
	go func() {
		text, err := navigate(navCtx)
		navDone <- navResult{errorText: text, err: err}
	}()

	select {
	case outcome := <-tracker.done:
		return outcome, nil
	case res := <-navDone:
		switch {
		case res.err != nil && runCtx.Err() != nil:
			return render.LoadOutcome{}, closedErr(ctx)
		case res.err != nil:
			return render.LoadOutcome{Status: render.LoadFail, Reason: res.err.Error()}, nil
		case res.errorText != "":
			return render.LoadOutcome{Status: render.LoadFail, Reason: res.errorText}, nil
		}
	case <-runCtx.Done():
		return render.LoadOutcome{}, closedErr(ctx)
	}

	select {
	case outcome := <-tracker.done:
		return outcome, nil
	case <-runCtx.Done():
		return render.LoadOutcome{}, closedErr(ctx)
	}
}

func closedErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errBrowserClosed
}

func (s *session) Content(ctx context.Context) (string, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	var snap snapshot
	if err := chromedp.Run(runCtx, chromedp.Evaluate(snapshotScript, &snap)); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	if content := documentContent(snap); content != "" || snap.HTML == "" {
		return content, nil
	}
	s.logger.Debug("discarding markup of a non-target document", zap.String("document_url", snap.URL))
	return "", nil
}

func (s *session) Screenshot(ctx context.Context, clip *render.Rect, format render.ImageFormat) ([]byte, error) {
	runCtx, cancel := s.bind(ctx)
	defer cancel()

	s.mu.Lock()
	zoom, quality := s.zoom, s.quality
	s.mu.Unlock()

	var buf []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot().WithFormat(captureFormat(format))
		if format != render.ImagePNG {
			params = params.WithQuality(int64(quality))
		}
		viewport, err := captureClip(ctx, clip, zoom)
		if err != nil {
			return err
		}
		if viewport != nil {
			params = params.WithClip(viewport)
		}
		buf, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// captureClip converts a pixel clip into the CSS clip that Chrome expects.
// Without a clip the visible viewport is captured at the session zoom.
func captureClip(ctx context.Context, clip *render.Rect, zoom float64) (*page.Viewport, error) {
	if clip != nil {
		return scaledViewport(*clip, zoom), nil
	}
	if zoom == 1 {
		return nil, nil
	}
	_, _, _, _, visual, _, err := page.GetLayoutMetrics().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("read layout metrics: %w", err)
	}
	return &page.Viewport{
		X:      visual.PageX,
		Y:      visual.PageY,
		Width:  visual.ClientWidth,
		Height: visual.ClientHeight,
		Scale:  zoom,
	}, nil
}

func scaledViewport(clip render.Rect, zoom float64) *page.Viewport {
	return &page.Viewport{
		X:      float64(clip.X) / zoom,
		Y:      float64(clip.Y) / zoom,
		Width:  float64(clip.Width) / zoom,
		Height: float64(clip.Height) / zoom,
		Scale:  zoom,
	}
}

func captureFormat(format render.ImageFormat) page.CaptureScreenshotFormat {
	switch format {
	case render.ImageJPEG:
		return page.CaptureScreenshotFormatJpeg
	case render.ImageWebP:
		return page.CaptureScreenshotFormatWebp
	default:
		return page.CaptureScreenshotFormatPng
	}
}

// Close tears down the tab, the browser and the allocator. It is idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return nil
}
