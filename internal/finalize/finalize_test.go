package finalize

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustGzip(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestFinalizeNoUpstreamResponseReturns502JSON(t *testing.T) {
	res := Finalize(nil, "https://example.com")
	assert.Equal(t, 502, res.Status)
	body, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(body), "Bad Gateway")
}

func TestFinalizeStripsHopByHopHeaders(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Header: http.Header{
			"Server":         {"nginx"},
			"Date":           {"now"},
			"Content-Length": {"3"},
			"X-Custom":       {"value"},
		},
		Body: io.NopCloser(bytes.NewReader([]byte("abc"))),
	}
	res := Finalize(resp, "")
	assert.NotContains(t, res.Header, "Server")
	assert.NotContains(t, res.Header, "Date")
	assert.NotContains(t, res.Header, "Content-Length")
	assert.Contains(t, res.Header, "X-Custom")
}

func TestFinalizeSSEPassesThroughAsStream(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/event-stream"}},
		Body:       io.NopCloser(bytes.NewReader([]byte("data: hi\n\n"))),
	}
	res := Finalize(resp, "")
	assert.True(t, res.Stream)
	assert.Equal(t, "no-cache", res.Header.Get("Cache-Control"))
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "data: hi\n\n", string(body))
}

func TestFinalizeDecompressesGzip(t *testing.T) {
	compressed := mustGzip(t, `{"ok":true}`)
	resp := &http.Response{
		StatusCode: 200,
		Header: http.Header{
			"Content-Type":     {"application/json"},
			"Content-Encoding": {"gzip"},
		},
		Body: io.NopCloser(bytes.NewReader(compressed)),
	}
	res := Finalize(resp, "")
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Empty(t, res.Header.Get("Content-Encoding"))
}

func TestFinalizePassesRawBytesThroughOnDecodeFailure(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Header: http.Header{
			"Content-Type":     {"application/json"},
			"Content-Encoding": {"gzip"},
		},
		Body: io.NopCloser(bytes.NewReader([]byte("not actually gzip"))),
	}
	res := Finalize(resp, "")
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "not actually gzip", string(body))
}

func TestFinalizeInsertsBaseTagIntoHTML(t *testing.T) {
	html := "<html><head><title>x</title></head><body></body></html>"
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(html))),
	}
	res := Finalize(resp, "https://example.com")
	body, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(body), `<head><base href="https://example.com/">`)
}

func TestFinalizeCaseInsensitiveHeadMatch(t *testing.T) {
	html := "<HTML><HEAD><title>x</title></head></html>"
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(html))),
	}
	res := Finalize(resp, "https://example.com")
	body, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(body), `<base href="https://example.com/">`)
}

func TestFinalizeNoHeadTagLeavesHTMLUnchanged(t *testing.T) {
	html := "<html><body>no head here</body></html>"
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(html))),
	}
	res := Finalize(resp, "https://example.com")
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, html, string(body))
}
