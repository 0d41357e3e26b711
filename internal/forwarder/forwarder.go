// Package forwarder implements the transparent reverse-proxy contract: a
// request allowed by the firewall is sent upstream unmodified and its
// response is copied back verbatim.
package forwarder

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Forwarder holds the single shared HTTP client used for every upstream
// request, so connections to the upstream are pooled and reused rather than
// dialed per request.
type Forwarder struct {
	// upstream is the configured address exactly as given, e.g.
	// "http://backend/api" — it is concatenated with the inbound
	// path-and-query on every request, it is not reduced to a parsed
	// *url.URL up front, since a configured path prefix must survive.
	upstream string
	client   *http.Client
}

// New builds a Forwarder targeting upstream. The shared transport mirrors
// the connection-pooling settings used elsewhere in this codebase for
// outbound backend traffic.
func New(upstream string) (*Forwarder, error) {
	if _, err := url.Parse(upstream); err != nil {
		return nil, fmt.Errorf("invalid upstream address: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Forwarder{
		upstream: upstream,
		client:   &http.Client{Transport: transport},
	}, nil
}

// Forward builds an upstream request from r, concatenating the configured
// upstream with the inbound path-and-query, copying method, headers, and
// body verbatim, executes it on the shared client, and copies the response
// back to w. Any failure along the way — a URL that fails to parse after
// concatenation, a header value Go refuses to send, a connection error, a
// malformed upstream status line — is surfaced as a 500 so the failure is
// visible rather than silently dropped.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, body []byte) {
	pathAndQuery := r.URL.RequestURI()
	if pathAndQuery == "" {
		pathAndQuery = "/"
	}

	target, err := url.Parse(f.upstream + pathAndQuery)
	if err != nil {
		writeUpstreamError(w)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		writeUpstreamError(w)
		return
	}

	for key, values := range r.Header {
		for _, value := range values {
			if !httpguts.ValidHeaderFieldValue(value) {
				writeUpstreamError(w)
				return
			}
			req.Header.Add(key, value)
		}
	}
	req.Host = target.Host

	resp, err := f.client.Do(req)
	if err != nil {
		writeUpstreamError(w)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Response headers and status are already written; nothing more
		// can be done but record the truncation.
		return
	}
}

func writeUpstreamError(w http.ResponseWriter) {
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte("Error from Aegis"))
}
