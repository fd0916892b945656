// Package worker runs a single render invocation: navigate, observe the
// document response, wait for the page to settle, then persist the result.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/renderworker/internal/headless/detector"
	"github.com/JakeFAU/renderworker/internal/metrics"
	"github.com/JakeFAU/renderworker/internal/protocol"
	"github.com/JakeFAU/renderworker/internal/render"
)

// Config controls Worker behavior.
type Config struct {
	// WriteOutputOnFailure writes non-empty page content to the output
	// destination when navigation fails.
	WriteOutputOnFailure bool
	// NavigationTimeout bounds Navigate. Zero leaves it to the engine.
	NavigationTimeout time.Duration
	ContentType       string
	// ShellMinBytes is the size below which a script-heavy document is
	// reported as possibly unrendered. Zero uses the detector default.
	ShellMinBytes int
}

// Result summarises a finished invocation.
type Result struct {
	InvocationID string
	Outcome      render.LoadOutcome
	// DocumentSeen is true when a response for the target URL was emitted.
	DocumentSeen   bool
	ResourceErrors int
	OutputURI      string
	ThumbnailURI   string
	Digest         string
	Bytes          int
	// Unrendered is set when the written document still looks like a
	// client-side shell.
	Unrendered string
}

// Worker executes render invocations against an engine.
type Worker struct {
	engine  render.Engine
	writer  render.ArtifactWriter
	emitter *protocol.Emitter
	hasher  render.Hasher
	clock   render.Clock
	ids     render.IDGenerator
	shell   *detector.Heuristic
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(
	engine render.Engine,
	writer render.ArtifactWriter,
	emitter *protocol.Emitter,
	hasher render.Hasher,
	clock render.Clock,
	ids render.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		engine:  engine,
		writer:  writer,
		emitter: emitter,
		hasher:  hasher,
		clock:   clock,
		ids:     ids,
		shell:   detector.NewHeuristic(cfg.ShellMinBytes),
		cfg:     cfg,
		logger:  logger.Named("worker"),
	}
}

type phase int

const (
	phaseConfigure phase = iota
	phaseLoad
	phaseSettle
	phaseThumbnail
	phaseWrite
	phaseFailed
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseConfigure:
		return "configure"
	case phaseLoad:
		return "load"
	case phaseSettle:
		return "settle"
	case phaseThumbnail:
		return "thumbnail"
	case phaseWrite:
		return "write"
	case phaseFailed:
		return "failed"
	case phaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// invocation carries the state of one Render call through its phases.
type invocation struct {
	w       *Worker
	inv     render.Invocation
	plan    render.Plan
	session render.Session
	logger  *zap.Logger
	result  Result
}

// Render runs inv to completion. A navigation failure is not an error: it is
// reported on the protocol streams and in Result.Outcome. Errors are returned
// for engine, storage and cancellation problems.
func (w *Worker) Render(ctx context.Context, inv render.Invocation) (result Result, err error) {
	start := w.clock.Now()
	defer func() {
		outcome := metrics.OutcomeSuccess
		switch {
		case err != nil:
			outcome = metrics.OutcomeError
		case !result.Outcome.Succeeded():
			outcome = metrics.OutcomeFail
		}
		metrics.ObserveRender(outcome, w.clock.Now().Sub(start))
	}()

	id, err := w.ids.NewID()
	if err != nil {
		return Result{}, err
	}
	logger := w.logger.With(zap.String("invocation_id", id), zap.String("url", inv.TargetURL))

	plan := render.BuildPlan(inv)
	for _, warning := range plan.Warnings {
		logger.Warn("render configuration", zap.String("warning", warning))
	}

	session, err := w.engine.NewSession(ctx)
	if err != nil {
		return Result{InvocationID: id}, fmt.Errorf("start session: %w", err)
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			logger.Warn("close session", zap.Error(closeErr))
		}
	}()

	run := &invocation{
		w:       w,
		inv:     inv,
		plan:    plan,
		session: session,
		logger:  logger,
		result:  Result{InvocationID: id},
	}
	for next := phaseConfigure; next != phaseDone; {
		logger.Debug("entering phase", zap.Stringer("phase", next))
		if next, err = run.step(ctx, next); err != nil {
			logger.Error("render aborted", zap.Error(err))
			return run.result, err
		}
	}
	if err := w.emitter.Err(); err != nil {
		return run.result, err
	}
	return run.result, nil
}

func (r *invocation) step(ctx context.Context, p phase) (phase, error) {
	switch p {
	case phaseConfigure:
		return phaseLoad, r.configure(ctx)
	case phaseLoad:
		return r.load(ctx)
	case phaseSettle:
		return phaseThumbnail, r.settle(ctx)
	case phaseThumbnail:
		r.thumbnail(ctx)
		return phaseWrite, nil
	case phaseWrite:
		return phaseDone, r.write(ctx)
	case phaseFailed:
		return phaseDone, r.fail(ctx)
	default:
		return phaseDone, fmt.Errorf("unknown phase %v", p)
	}
}

func (r *invocation) configure(ctx context.Context) error {
	if r.plan.Geometry != nil {
		if err := r.session.SetViewport(ctx, *r.plan.Geometry); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}
	if r.plan.Zoom != nil {
		if err := r.session.SetZoom(ctx, *r.plan.Zoom); err != nil {
			return fmt.Errorf("set zoom: %w", err)
		}
	}
	if len(r.plan.Headers) > 0 {
		if err := r.session.SetExtraHeaders(ctx, r.plan.Headers); err != nil {
			return fmt.Errorf("set routing headers: %w", err)
		}
	}
	if r.plan.ResourceTimeout != nil {
		if err := r.session.SetResourceTimeout(ctx, *r.plan.ResourceTimeout); err != nil {
			return fmt.Errorf("set resource timeout: %w", err)
		}
	}
	return nil
}

// load navigates with the document observer attached and closes it as soon
// as the outcome is known.
func (r *invocation) load(ctx context.Context) (phase, error) {
	navCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.w.cfg.NavigationTimeout > 0 {
		navCtx, cancel = context.WithTimeout(ctx, r.w.cfg.NavigationTimeout)
	}
	defer cancel()

	obs := newDocumentObserver(r.inv.TargetURL, r.w.emitter, r.logger)
	outcome, err := r.session.Navigate(navCtx, r.inv.TargetURL, obs)
	r.result.DocumentSeen, r.result.ResourceErrors = obs.close()

	if err != nil {
		if ctx.Err() == nil && errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			outcome = render.LoadOutcome{
				Status: render.LoadFail,
				Reason: fmt.Sprintf("navigation timed out after %dms", r.w.cfg.NavigationTimeout.Milliseconds()),
			}
		} else {
			return phaseDone, fmt.Errorf("navigate: %w", err)
		}
	}
	r.result.Outcome = outcome
	if !r.result.DocumentSeen {
		r.logger.Debug("no response matched the target url")
	}
	if outcome.Succeeded() {
		return phaseSettle, nil
	}
	return phaseFailed, nil
}

// settle waits once for the configured settle timeout.
func (r *invocation) settle(ctx context.Context) error {
	select {
	case <-r.w.clock.After(r.inv.SettleTimeout):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("settle: %w", ctx.Err())
	}
}

// thumbnail failures are reported but never fail the invocation.
func (r *invocation) thumbnail(ctx context.Context) {
	if !r.inv.WantsThumbnail() {
		return
	}
	path := *r.inv.ThumbnailPath
	format := ImageFormatFor(path)
	data, err := r.session.Screenshot(ctx, r.plan.Clip, format)
	if err == nil && len(data) == 0 {
		err = errors.New("empty image")
	}
	if err == nil {
		r.result.ThumbnailURI, err = r.w.writer.PutObject(ctx, path, imageContentType(format), bytes.NewReader(data))
	}
	if err != nil {
		metrics.ObserveThumbnailFailure()
		r.w.emitter.Diagnostic("Unable to render thumbnail %s: %v", path, err)
		r.logger.Warn("thumbnail failed", zap.String("path", path), zap.Error(err))
		return
	}
	r.logger.Debug("thumbnail written", zap.String("uri", r.result.ThumbnailURI), zap.Int("bytes", len(data)))
}

func (r *invocation) write(ctx context.Context) error {
	content, err := r.session.Content(ctx)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	if reason := r.w.shell.Check(content); reason != "" {
		r.result.Unrendered = reason
		r.logger.Warn("document may not have finished rendering",
			zap.String("reason", reason),
			zap.Duration("settle_timeout", r.inv.SettleTimeout),
		)
	}
	return r.store(ctx, content)
}

func (r *invocation) store(ctx context.Context, content string) error {
	uri, err := r.w.writer.PutObject(ctx, r.inv.OutputPath, r.w.cfg.ContentType, strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	digest, err := r.w.hasher.Hash([]byte(content))
	if err != nil {
		return fmt.Errorf("hash output: %w", err)
	}
	r.result.OutputURI = uri
	r.result.Digest = digest
	r.result.Bytes = len(content)
	metrics.ObserveDocument(len(content))
	r.logger.Info("document written",
		zap.String("uri", uri),
		zap.String("sha256", digest),
		zap.Int("bytes", len(content)),
	)
	return nil
}

// fail reports a navigation failure. Content is surfaced on stderr and, when
// configured, written to the output destination.
func (r *invocation) fail(ctx context.Context) error {
	r.w.emitter.Diagnostic("Unable to load %s: %s", r.inv.TargetURL, r.result.Outcome.Reason)
	content, err := r.session.Content(ctx)
	if err != nil {
		r.logger.Warn("read content after failure", zap.Error(err))
		content = ""
	}
	r.w.emitter.Content(content)
	r.logger.Info("navigation failed", zap.String("reason", r.result.Outcome.Reason))
	if !r.w.cfg.WriteOutputOnFailure || content == "" {
		return nil
	}
	return r.store(ctx, content)
}

// ImageFormatFor picks the thumbnail encoding from the destination extension.
func ImageFormatFor(path string) render.ImageFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return render.ImageJPEG
	case ".webp":
		return render.ImageWebP
	default:
		return render.ImagePNG
	}
}

func imageContentType(format render.ImageFormat) string {
	return "image/" + string(format)
}
