package headless

import "strings"

// snapshotScript reads the committed document URL together with its markup.
const snapshotScript = `({
	url: document.URL,
	html: document.documentElement ? document.documentElement.outerHTML : ""
})`

// errorPagePrefix is the scheme Chrome commits its own network error interstitial under.
const errorPagePrefix = "chrome-error://"

type snapshot struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

// documentContent returns the page markup, or "" when the tab holds no
// document of the target: Chrome's error interstitial, or the blank page left
// when navigation never committed.
func documentContent(snap snapshot) string {
	if strings.HasPrefix(snap.URL, errorPagePrefix) || snap.URL == "about:blank" {
		return ""
	}
	return snap.HTML
}
