package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// Result is what a fake returned for one in-process request.
type Result struct {
	Code    int
	Error   error
	Headers http.Header
	Body    []byte
}

// Header is set on a request before it is served.
type Header struct {
	Key   string
	Value string
}

func ContentTypeJSON() Header { return Header{Key: "Content-Type", Value: "application/json"} }

func Bearer(token string) Header { return Header{Key: "Authorization", Value: "Bearer " + token} }

// APIKey is the project key the identity provider fake may require.
func APIKey(key string) Header { return Header{Key: "apikey", Value: key} }

// ExpectStatus fails the test unless the request completed with status.
func ExpectStatus(t *testing.T, status int, result Result) {
	t.Helper()
	if result.Error != nil {
		t.Fatalf("request error: %v", result.Error)
	}
	if result.Code != status {
		t.Fatalf("status = %d, want %d: %s", result.Code, status, result.Body)
	}
}

// ExpectRedirect fails the test unless the result is a 303, and returns
// where it points.
func ExpectRedirect(t *testing.T, result Result) string {
	t.Helper()
	if result.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303: %s", result.Code, result.Body)
	}
	location := result.Headers.Get("Location")
	if location == "" {
		t.Fatal("redirect without Location")
	}
	return location
}

// Get serves a GET against router. A non-empty body is decoded into
// response when it is non-nil.
func Get(router http.Handler, url string, response any, headers ...Header) Result {
	return serve(router, http.MethodGet, url, nil, response, headers)
}

func Post(router http.Handler, url string, body string, response any, headers ...Header) Result {
	return serve(router, http.MethodPost, url, strings.NewReader(body), response, headers)
}

// PostJSON is Post with a JSON content type.
func PostJSON(router http.Handler, url string, body string, response any, headers ...Header) Result {
	return Post(router, url, body, response, append([]Header{ContentTypeJSON()}, headers...)...)
}

func serve(
	router http.Handler,
	method string,
	url string,
	body io.Reader,
	response any,
	headers []Header,
) Result {
	req := httptest.NewRequest(method, url, body)
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	result := Result{Code: rec.Code, Headers: rec.Header(), Body: rec.Body.Bytes()}
	if response == nil || len(result.Body) == 0 {
		return result
	}
	if err := json.Unmarshal(result.Body, response); err != nil {
		result.Error = fmt.Errorf("%s %s: undecodable body %q: %w", method, url, result.Body, err)
	}
	return result
}
