package headless

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/renderworker/internal/render"
)

// flattenHeaders orders headers by name and splits the newline-joined values
// Chrome uses for repeated headers into separate entries.
func flattenHeaders(h network.Headers) []render.Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]render.Header, 0, len(names))
	for _, name := range names {
		for _, value := range headerValues(h[name]) {
			out = append(out, render.Header{Name: name, Value: value})
		}
	}
	return out
}

func headerValues(value any) []string {
	switch v := value.(type) {
	case string:
		return strings.Split(v, "\n")
	case []string:
		return v
	case []any:
		values := make([]string, 0, len(v))
		for _, entry := range v {
			values = append(values, fmt.Sprint(entry))
		}
		return values
	default:
		return []string{fmt.Sprint(v)}
	}
}

func toNetworkHeaders(headers []render.Header) network.Headers {
	out := network.Headers{}
	for _, h := range headers {
		if existing, ok := out[h.Name].(string); ok {
			out[h.Name] = existing + ", " + h.Value
			continue
		}
		out[h.Name] = h.Value
	}
	return out
}

func toResourceResponse(resp *network.Response) render.ResourceResponse {
	headers := flattenHeaders(resp.Headers)
	contentType := resp.MimeType
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Type") {
			contentType = h.Value
			break
		}
	}
	statusText := resp.StatusText
	if statusText == "" {
		// HTTP/2 responses carry no reason phrase.
		statusText = http.StatusText(int(resp.Status))
	}
	return render.ResourceResponse{
		URL:         resp.URL,
		Status:      int(resp.Status),
		StatusText:  statusText,
		ContentType: contentType,
		Headers:     headers,
	}
}
