package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// RedirectHeader is the pseudo-header an intercepting proxy uses to report a redirect target.
const RedirectHeader = "collector.proxy.redirect"

// Metadata is the document metadata recovered from a worker's standard output.
// It is the caller-facing result of Grabber.Parse.
type Metadata struct {
	// Headers keeps the first value seen for each name, in emission order.
	Headers     []Header
	Status      int
	StatusText  string
	ContentType string
	Redirect    string
	// Info holds lines that did not match a protocol prefix.
	Info []string
}

// Header is a parsed HEADER line.
type Header struct {
	Name  string
	Value string
}

// Get returns the value of the named header.
func (m Metadata) Get(name string) (string, bool) {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Grabber parses the standard output of a worker. Prefix, when set, is
// prepended to every header name except the redirect pseudo-header.
type Grabber struct {
	Prefix string
}

// Parse reads the stream until EOF. Status is -1 when no STATUS line was seen.
func (g Grabber) Parse(r io.Reader) (Metadata, error) {
	md := Metadata{Status: -1}
	seen := map[string]struct{}{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, PrefixHeader):
			name, value, _ := strings.Cut(strings.TrimPrefix(line, PrefixHeader), "=")
			if name == RedirectHeader {
				md.Redirect = value
				continue
			}
			name = g.Prefix + name
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			md.Headers = append(md.Headers, Header{Name: name, Value: value})
		case strings.HasPrefix(line, PrefixStatusText):
			md.StatusText = strings.TrimPrefix(line, PrefixStatusText)
		case strings.HasPrefix(line, PrefixStatus):
			code, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, PrefixStatus)))
			if err != nil {
				code = -1
			}
			md.Status = code
		case strings.HasPrefix(line, PrefixContentType):
			md.ContentType = strings.TrimPrefix(line, PrefixContentType)
		default:
			md.Info = append(md.Info, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return md, fmt.Errorf("scan worker output: %w", err)
	}
	return md, nil
}
