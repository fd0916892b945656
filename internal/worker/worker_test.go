package worker

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderworker/internal/hash/sha256"
	"github.com/JakeFAU/renderworker/internal/headless"
	"github.com/JakeFAU/renderworker/internal/protocol"
	"github.com/JakeFAU/renderworker/internal/render"
	"github.com/JakeFAU/renderworker/internal/storage"
)

const (
	targetURL = "https://example.com/listing?id=7"
	page      = "<html><head></head><body><h1>Listing 7</h1></body></html>"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	afters []time.Duration
	block  bool
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afters = append(c.afters, d)
	if c.block {
		return nil
	}
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

func (c *fakeClock) afterCalls() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.afters...)
}

type fakeIDs struct{ err error }

func (f fakeIDs) NewID() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "0192f0c4-0000-7000-8000-000000000001", nil
}

type harness struct {
	engine *headless.Fake
	clock  *fakeClock
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	worker *Worker
}

func newHarness(script headless.FakeScript, cfg Config) *harness {
	h := &harness{
		engine: &headless.Fake{Script: script},
		clock:  &fakeClock{now: time.Unix(1_700_000_000, 0)},
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
	h.worker = New(
		h.engine,
		storage.NewRouter(nil, nil),
		protocol.NewEmitter(h.stdout, h.stderr),
		sha256.New(),
		h.clock,
		fakeIDs{},
		cfg,
		zap.NewNop(),
	)
	return h
}

func (h *harness) session(t *testing.T) *headless.FakeSession {
	t.Helper()
	sessions := h.engine.Sessions()
	require.Len(t, sessions, 1)
	return sessions[0]
}

func documentResponse() render.ResourceResponse {
	return render.ResourceResponse{
		URL:         targetURL,
		Status:      203,
		StatusText:  "Non-Authoritative Information",
		ContentType: "text/html; charset=ISO-8859-1",
		Headers: []render.Header{
			{Name: "Cache-Control", Value: "no-store"},
			{Name: "Server", Value: "nginx"},
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}

func newInvocation(t *testing.T) render.Invocation {
	t.Helper()
	return render.Invocation{
		TargetURL:     targetURL,
		OutputPath:    filepath.Join(t.TempDir(), "out.html"),
		SettleTimeout: 2500 * time.Millisecond,
		Protocol:      "https",
	}
}

func countPrefix(out, prefix string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func TestRenderSuccessEmitsDocumentMetadataOnce(t *testing.T) {
	t.Parallel()

	doc := documentResponse()
	later := doc
	later.Status = 304
	h := newHarness(headless.FakeScript{
		Failures: []render.ResourceFailure{{URL: "https://cdn.example.com/app.js", Error: "net::ERR_FAILED"}},
		Responses: []render.ResourceResponse{
			{URL: "https://cdn.example.com/style.css", Status: 200, ContentType: "text/css"},
			doc,
			later,
		},
		Content: page,
	}, Config{})
	inv := newInvocation(t)

	result, err := h.worker.Render(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, result.Outcome.Succeeded())
	assert.True(t, result.DocumentSeen)
	assert.Equal(t, 1, result.ResourceErrors)

	assert.Equal(t, strings.Join([]string{
		"HEADER:Cache-Control=no-store",
		"HEADER:Server=nginx",
		"STATUS:203",
		"STATUSTEXT:Non-Authoritative Information",
		"CONTENTTYPE:text/html; charset=ISO-8859-1",
	}, "\n")+"\n", h.stdout.String())
	assert.Equal(t, 1, countPrefix(h.stdout.String(), "STATUS:"))
	assert.Equal(t, 1, countPrefix(h.stdout.String(), "CONTENTTYPE:"))
	assert.Contains(t, h.stderr.String(), "https://cdn.example.com/app.js: net::ERR_FAILED\n")

	assert.Equal(t, []time.Duration{2500 * time.Millisecond}, h.clock.afterCalls())
	assert.Equal(t, []string{"Navigate", "Content", "Close"}, h.session(t).Calls())
	assert.Equal(t, 1, h.session(t).Closed())
}

func TestRenderOutputMatchesEngineContent(t *testing.T) {
	t.Parallel()

	content := page + "\n<!-- éè \x00 trailing -->"
	h := newHarness(headless.FakeScript{Content: content}, Config{})
	inv := newInvocation(t)
	require.NoError(t, os.WriteFile(inv.OutputPath, []byte("stale content that is longer than the page"), 0o600))

	result, err := h.worker.Render(context.Background(), inv)
	require.NoError(t, err)

	written, err := os.ReadFile(inv.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, []byte(content), written)
	assert.Equal(t, len(content), result.Bytes)
	assert.Equal(t, "file://"+inv.OutputPath, result.OutputURI)
	assert.Len(t, result.Digest, 64)
}

func TestRenderIsIdempotent(t *testing.T) {
	t.Parallel()

	inv := newInvocation(t)
	var outputs [][]byte
	for i := 0; i < 2; i++ {
		h := newHarness(headless.FakeScript{Content: page, Responses: []render.ResourceResponse{documentResponse()}}, Config{})
		_, err := h.worker.Render(context.Background(), inv)
		require.NoError(t, err)
		data, err := os.ReadFile(inv.OutputPath)
		require.NoError(t, err)
		outputs = append(outputs, data)
	}
	assert.Equal(t, outputs[0], outputs[1])
}

func TestRenderThumbnailGeometry(t *testing.T) {
	t.Parallel()

	h := newHarness(headless.FakeScript{Content: page}, Config{})
	inv := newInvocation(t)
	inv.ThumbnailPath = ptr(filepath.Join(t.TempDir(), "thumb.png"))
	inv.Dimension = ptr("800x600")
	inv.Zoom = ptr(0.5)

	result, err := h.worker.Render(context.Background(), inv)
	require.NoError(t, err)

	s := h.session(t)
	require.NotNil(t, s.Viewport())
	assert.Equal(t, render.Geometry{Width: 400, Height: 300}, *s.Viewport())
	require.NotNil(t, s.Zoom())
	assert.InDelta(t, 0.5, *s.Zoom(), 1e-9)
	require.Len(t, s.Shots(), 1)
	assert.Equal(t, &render.Rect{Width: 400, Height: 300}, s.Shots()[0].Clip)
	assert.Equal(t, render.ImagePNG, s.Shots()[0].Format)

	info, err := os.Stat(*inv.ThumbnailPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	data, err := os.ReadFile(*inv.ThumbnailPath)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 400, img.Bounds().Dx())
	assert.Equal(t, 300, img.Bounds().Dy())
	assert.Equal(t, "file://"+*inv.ThumbnailPath, result.ThumbnailURI)

	// Screenshot happens after the settle delay and before the document read.
	assert.Equal(t, []string{"SetViewport", "SetZoom", "Navigate", "Screenshot", "Content", "Close"}, s.Calls())
}

func TestRenderRoutingHeaders(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()

		h := newHarness(headless.FakeScript{Content: page}, Config{})
		inv := newInvocation(t)
		inv.BindID = nil
		_, err := h.worker.Render(context.Background(), inv)
		require.NoError(t, err)
		assert.Nil(t, h.session(t).Headers())
		assert.NotContains(t, h.session(t).Calls(), "SetExtraHeaders")
	})

	t.Run("bound", func(t *testing.T) {
		t.Parallel()

		h := newHarness(headless.FakeScript{Content: page}, Config{})
		inv := newInvocation(t)
		inv.BindID = ptr("42")
		inv.Protocol = "https"
		_, err := h.worker.Render(context.Background(), inv)
		require.NoError(t, err)
		assert.Equal(t, []render.Header{
			{Name: "collector.proxy.bindId", Value: "42"},
			{Name: "collector.proxy.protocol", Value: "https"},
		}, h.session(t).Headers())
	})
}

func TestRenderAppliesResourceTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(headless.FakeScript{Content: page}, Config{})
	inv := newInvocation(t)
	inv.ResourceTimeout = ptr(1500 * time.Millisecond)
	_, err := h.worker.Render(context.Background(), inv)
	require.NoError(t, err)
	require.NotNil(t, h.session(t).ResourceTimeout())
	assert.Equal(t, 1500*time.Millisecond, *h.session(t).ResourceTimeout())
}

func TestRenderNavigationFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		writeOutput bool
		content     string
		contentURL  string
		wantFile    bool
	}{
		{name: "extended writes partial content", writeOutput: true, content: "<html>partial</html>", wantFile: true},
		{name: "extended skips empty content", writeOutput: true, content: "", wantFile: false},
		{name: "minimal never writes", writeOutput: false, content: "<html>partial</html>", wantFile: false},
		{
			name:        "chrome error interstitial is not content",
			writeOutput: true,
			content:     `<html><body id="t" class="neterror">This site can't be reached</body></html>`,
			contentURL:  "chrome-error://chromewebdata/",
			wantFile:    false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(headless.FakeScript{
				Outcome:    render.LoadOutcome{Status: render.LoadFail, Reason: "net::ERR_CONNECTION_RESET"},
				Content:    tc.content,
				ContentURL: tc.contentURL,
			}, Config{WriteOutputOnFailure: tc.writeOutput})
			inv := newInvocation(t)
			inv.ThumbnailPath = ptr(filepath.Join(t.TempDir(), "thumb.png"))
			inv.Zoom = ptr(1.0)

			result, err := h.worker.Render(context.Background(), inv)
			require.NoError(t, err)
			assert.False(t, result.Outcome.Succeeded())

			assert.Empty(t, h.clock.afterCalls(), "settle delay must not start after a failed load")
			assert.Empty(t, h.session(t).Shots())
			assert.NoFileExists(t, *inv.ThumbnailPath)
			assert.Contains(t, h.stderr.String(), "Unable to load "+targetURL+": net::ERR_CONNECTION_RESET\n")
			if tc.content != "" && tc.contentURL == "" {
				assert.Contains(t, h.stderr.String(), tc.content+"\n")
			}
			if tc.contentURL != "" {
				assert.NotContains(t, h.stderr.String(), "neterror")
			}

			if tc.wantFile {
				data, err := os.ReadFile(inv.OutputPath)
				require.NoError(t, err)
				assert.Equal(t, tc.content, string(data))
			} else {
				assert.NoFileExists(t, inv.OutputPath)
			}
			assert.Equal(t, 1, h.session(t).Closed())
		})
	}
}

func TestRenderNavigationTimeoutIsAFailedLoad(t *testing.T) {
	t.Parallel()

	h := newHarness(headless.FakeScript{Block: true}, Config{NavigationTimeout: 10 * time.Millisecond})
	result, err := h.worker.Render(context.Background(), newInvocation(t))
	require.NoError(t, err)
	assert.Equal(t, render.LoadFail, result.Outcome.Status)
	assert.Equal(t, "navigation timed out after 10ms", result.Outcome.Reason)
	assert.Empty(t, h.clock.afterCalls())
}

func TestRenderCancelledDuringSettle(t *testing.T) {
	t.Parallel()

	h := newHarness(headless.FakeScript{Content: page}, Config{})
	h.clock.block = true
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	inv := newInvocation(t)
	go func() {
		_, err := h.worker.Render(ctx, inv)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.clock.afterCalls()) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("render did not stop after cancellation")
	}
	assert.NoFileExists(t, inv.OutputPath)
	assert.Equal(t, 1, h.session(t).Closed())
}

func TestRenderThumbnailFailureIsDiagnosticOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(headless.FakeScript{Content: page, ScreenshotErr: errors.New("compositor lost")}, Config{})
	inv := newInvocation(t)
	inv.ThumbnailPath = ptr(filepath.Join(t.TempDir(), "thumb.jpg"))
	inv.Zoom = ptr(1.0)

	_, err := h.worker.Render(context.Background(), inv)
	require.NoError(t, err)
	assert.Contains(t, h.stderr.String(), "Unable to render thumbnail")
	assert.FileExists(t, inv.OutputPath)
	assert.Equal(t, render.ImageJPEG, h.session(t).Shots()[0].Format)
}

func TestRenderEngineLaunchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(headless.FakeScript{}, Config{})
	h.engine.LaunchErr = errors.New("chrome not found")
	inv := newInvocation(t)

	_, err := h.worker.Render(context.Background(), inv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not found")
	assert.NoFileExists(t, inv.OutputPath)
	assert.Empty(t, h.stdout.String())
}

func TestRenderOutputWriteFailure(t *testing.T) {
	t.Parallel()

	writer := &storage.MockWriter{}
	writer.On("PutObject", mock.Anything, "gs://renders/out.html", "text/html; charset=utf-8", page).
		Return("", errors.New("permission denied")).Once()

	h := newHarness(headless.FakeScript{Content: page}, Config{})
	h.worker.writer = writer
	inv := newInvocation(t)
	inv.OutputPath = "gs://renders/out.html"

	_, err := h.worker.Render(context.Background(), inv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write output")
	writer.AssertExpectations(t)
	assert.Equal(t, 1, h.session(t).Closed())
}

func TestObserverDetachesAfterNavigate(t *testing.T) {
	t.Parallel()

	h := newHarness(headless.FakeScript{Content: page}, Config{})
	_, err := h.worker.Render(context.Background(), newInvocation(t))
	require.NoError(t, err)
	assert.Empty(t, h.stdout.String())

	h.session(t).Replay(documentResponse())
	assert.Empty(t, h.stdout.String())
}

func TestObserverRequiresExactURL(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	obs := newDocumentObserver("https://example.com", protocol.NewEmitter(&stdout, &bytes.Buffer{}), zap.NewNop())
	obs.ResourceReceived(render.ResourceResponse{URL: "https://example.com/", Status: 200})
	obs.ResourceReceived(render.ResourceResponse{URL: "https://example.com?x=1", Status: 200})
	assert.Empty(t, stdout.String())

	obs.ResourceReceived(render.ResourceResponse{URL: "https://example.com", Status: 200})
	matched, failures := obs.close()
	assert.True(t, matched)
	assert.Zero(t, failures)
	assert.Contains(t, stdout.String(), "STATUS:200\n")
}

func TestImageFormatFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, render.ImageJPEG, ImageFormatFor("/tmp/a.JPG"))
	assert.Equal(t, render.ImageJPEG, ImageFormatFor("gs://b/a.jpeg"))
	assert.Equal(t, render.ImageWebP, ImageFormatFor("a.webp"))
	assert.Equal(t, render.ImagePNG, ImageFormatFor("a.png"))
	assert.Equal(t, render.ImagePNG, ImageFormatFor("thumbnail"))
}

func TestPhaseString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "settle", phaseSettle.String())
	assert.Equal(t, "phase(42)", phase(42).String())
}

func TestRenderFlagsUnrenderedShell(t *testing.T) {
	t.Parallel()

	shell := `<html><body><div id="root"></div><script src="/bundle.js"></script></body></html>`
	h := newHarness(headless.FakeScript{Content: shell}, Config{})
	inv := newInvocation(t)

	result, err := h.worker.Render(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, `empty mount point <div id="root"></div>`, result.Unrendered)
	assert.FileExists(t, inv.OutputPath)

	h = newHarness(headless.FakeScript{Content: page}, Config{})
	result, err = h.worker.Render(context.Background(), newInvocation(t))
	require.NoError(t, err)
	assert.Empty(t, result.Unrendered)
}
