// Package main hosts the renderworker entrypoint.
//
// Architecture overview:
//   - One process renders one URL. A caller (typically a crawler) spawns the binary per page, reads document
//     metadata from stdout, diagnostics from stderr, and decides on retries from the exit status.
//   - Argument binding: internal/render.ParseArgs checks arity for the configured variant (minimal: 8 positionals,
//     extended: 9) before anything else runs, and turns the -1 and empty-string sentinels into absent values.
//   - Engine: internal/headless drives Chrome through chromedp. The session is launched only after the arguments
//     validate and is closed on every exit path. Per-resource watchdogs surface slow resources as resource errors.
//   - Load driver & completion: internal/worker runs configure, load, settle, thumbnail and write phases. The
//     document observer streams HEADER:/STATUS:/STATUSTEXT:/CONTENTTYPE: lines as soon as the target response
//     arrives and is detached when the load outcome is known. The settle delay is a single timer.
//   - Persistence: internal/storage writes the document and thumbnail to local paths or gs:// objects.
//   - Configuration & plumbing: Viper populates config from file and RENDERWORKER_* env vars; zap logs to stderr;
//     Prometheus collectors are flushed to a node-exporter textfile when metrics.textfile_path is set.
//
// Exit statuses:
//   - 0: rendered, or the navigation failed gracefully (the failure is reported on stderr).
//   - 1: wrong arity, unparsable argument, or invalid configuration. No output artifact is touched.
//   - 2: the browser could not start, the output could not be written, or the process was interrupted.
//
// Quick checklist:
//   - Run locally: go run ./cmd/renderworker https://example.com /tmp/out.html 2000 -1 https "" "" 1 -1
//   - Behind the intercepting proxy: RENDERWORKER_BROWSER_PROXY_SERVER=http://127.0.0.1:3128 and a real BIND_ID.
//   - Containers: set RENDERWORKER_BROWSER_NO_SANDBOX=true when Chrome runs as root.
package main
