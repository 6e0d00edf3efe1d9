package testutil

import (
	"io"
	"net/http"
	"testing"
)

func echoRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /echo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.Header().Set("X-Auth", r.Header.Get("Authorization"))
		io.Copy(w, r.Body)
	})
	mux.HandleFunc("GET /text", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	mux.HandleFunc("GET /moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusSeeOther)
	})
	return mux
}

func TestPostJSON_SetsHeadersAndDecodes(t *testing.T) {
	var got struct {
		Note string `json:"note"`
	}
	result := PostJSON(echoRouter(), "/echo", `{"note":"hi"}`, &got, Bearer("tok"))
	ExpectStatus(t, http.StatusOK, result)

	if got.Note != "hi" {
		t.Errorf("note = %q", got.Note)
	}
	if result.Headers.Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", result.Headers.Get("Content-Type"))
	}
	if result.Headers.Get("X-Auth") != "Bearer tok" {
		t.Errorf("authorization = %q", result.Headers.Get("X-Auth"))
	}
}

func TestGet_UndecodableBodyIsAnError(t *testing.T) {
	var got map[string]any
	result := Get(echoRouter(), "/text", &got)
	if result.Error == nil {
		t.Fatal("expected decode error")
	}
	if result.Code != http.StatusOK || string(result.Body) != "not json" {
		t.Errorf("result = %d %q", result.Code, result.Body)
	}

	// without a target the body is left alone
	if result := Get(echoRouter(), "/text", nil); result.Error != nil {
		t.Errorf("unexpected error: %v", result.Error)
	}
}

func TestExpectRedirect(t *testing.T) {
	if location := ExpectRedirect(t, Get(echoRouter(), "/moved", nil)); location != "/elsewhere" {
		t.Errorf("location = %q", location)
	}
}
