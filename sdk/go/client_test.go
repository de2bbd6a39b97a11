package siftersdk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v0/runs/{id}/artifacts", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("analysis_type") != "unfiltered:abc123" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		io.WriteString(w, `[{"id":7,"run_id":"`+r.PathValue("id")+`","top_ids":[1,2],"run":{"id":"r1","record_count":3}}]`)
	})
	mux.HandleFunc("GET /v0/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			io.WriteString(w, `{"items":[{"id":9,"type":"analysis.finish"}],"next_cursor":"9"}`)
			return
		}
		io.WriteString(w, `{"items":[{"id":8,"type":"run.import"}]}`)
	})
	mux.HandleFunc("GET /v0/runs/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":"not_found","message":"run missing: not found"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestArtifacts(t *testing.T) {
	srv := newStub(t)
	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	items, err := c.Artifacts(context.Background(), "r1", "unfiltered:abc123", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != 7 || items[0].Run == nil || items[0].Run.RecordCount != 3 {
		t.Fatalf("unexpected artifacts %+v", items)
	}
}

func TestEventsPage(t *testing.T) {
	srv := newStub(t)
	c := New(srv.URL)
	page, err := c.EventsPage(context.Background(), 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.NextCursor != "9" {
		t.Fatalf("unexpected page %+v", page)
	}
	page, err = c.EventsPage(context.Background(), 1, page.NextCursor)
	if err != nil {
		t.Fatal(err)
	}
	if page.NextCursor != "" || page.Items[0].Type != "run.import" {
		t.Fatalf("unexpected last page %+v", page)
	}
}

func TestAPIError(t *testing.T) {
	srv := newStub(t)
	_, err := New(srv.URL).Run(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 api error, got %v", err)
	}
}
