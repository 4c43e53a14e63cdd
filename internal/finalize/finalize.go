// Package finalize implements the Response Finalizer of spec §4.7:
// hop-by-hop header stripping, SSE passthrough, decompression, and an
// HTML base-tag fixup for intercepted pages rendered through the proxy.
package finalize

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

var hopByHop = map[string]bool{
	"server":            true,
	"date":              true,
	"transfer-encoding": true,
	"content-length":    true,
}

// Result is the finalized response ready to be written to the client.
type Result struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	Stream bool
}

// NoUpstreamResponse builds the 502 JSON mapping of spec §4.7's error
// mapping clause: the executor exhausted every attempt with no usable
// response.
func NoUpstreamResponse() Result {
	body, _ := json.Marshal(map[string]string{"error": "Bad Gateway"})
	h := http.Header{"Content-Type": {"application/json"}}
	return Result{
		Status: http.StatusBadGateway,
		Header: h,
		Body:   io.NopCloser(bytes.NewReader(body)),
	}
}

// Finalize applies the spec §4.7 pipeline to resp, which the caller owns
// and must not use again (its body is either forwarded unread, for SSE,
// or fully drained here). originalHost is substituted into the
// `<base href>` tag inserted into HTML responses.
func Finalize(resp *http.Response, originalHost string) Result {
	if resp == nil {
		return NoUpstreamResponse()
	}

	header := stripHopByHop(resp.Header)
	contentType := resp.Header.Get("Content-Type")

	if strings.HasPrefix(strings.ToLower(contentType), "text/event-stream") {
		header.Set("Cache-Control", "no-cache")
		return Result{
			Status: resp.StatusCode,
			Header: header,
			Body:   resp.Body,
			Stream: true,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		raw = nil
	}

	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	decoded, decodeErr := decompress(encoding, raw)
	if decodeErr != nil {
		log.Warn().Str("component", "finalize").Err(decodeErr).
			Str("encoding", encoding).Msg("decode failed, passing raw bytes through")
		decoded = raw
	}
	header.Del("Content-Encoding")

	if strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		decoded = []byte(addBaseTag(string(decoded), originalHost))
	}

	return Result{
		Status: resp.StatusCode,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(decoded)),
	}
}

func stripHopByHop(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, v := range in {
		if hopByHop[strings.ToLower(k)] {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// decompress decodes body according to encoding. identity and an empty
// encoding both mean "no transformation needed". br (Brotli) has no
// available decoder (see DESIGN.md); it's returned unchanged along with
// every other unrecognized encoding.
func decompress(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return body, nil
	}
}

// addBaseTag inserts <base href="originalHost/"> immediately after the
// first case-insensitive "<head>" occurrence, fixing relative-URL
// resolution on intercepted HTML pages (spec §4.7).
func addBaseTag(html, originalHost string) string {
	lower := strings.ToLower(html)
	idx := strings.Index(lower, "<head>")
	if idx == -1 {
		return html
	}
	insertAt := idx + len("<head>")
	baseTag := `<base href="` + originalHost + `/">`
	return html[:insertAt] + baseTag + html[insertAt:]
}
