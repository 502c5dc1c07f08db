package projectflowsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsKeyAndBasePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "pf_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/records/2/automation-status":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(StatusEdit{From: "Created", To: body["status"], Record: Record{Row: 2}})
		case "/v1/records":
			if r.URL.Query().Get("status") != "Error" {
				t.Errorf("status filter = %q", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode([]Record{{Row: 3, AutomationStatus: "Error"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "pf_test"
	edit, err := c.SetStatus(context.Background(), 2, "Updated")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if edit.To != "Updated" || edit.Record.Row != 2 {
		t.Fatalf("unexpected edit %+v", edit)
	}
	recs, err := c.Records(context.Background(), "Error")
	if err != nil || len(recs) != 1 || recs[0].Row != 3 {
		t.Fatalf("records = %+v, %v", recs, err)
	}
}

func TestClientReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).SetStatus(context.Background(), 1, "Ready")
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 APIError, got %v", err)
	}
}
