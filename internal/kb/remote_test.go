package kb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/exolabs/exobridge/internal/config"
	"github.com/exolabs/exobridge/pkg/types"
)

func TestRemoteSearch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path = %q, want /search", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "billing dispute" {
			t.Errorf("q = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "2" {
			t.Errorf("limit = %q", got)
		}
		if got := r.URL.Query().Get("context"); got != "I was charged twice this month" {
			t.Errorf("context = %q", got)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"articles": []types.KBArticle{
				{ID: "a1", Title: "Disputing a charge", Snippet: "How to open a dispute"},
				{ID: "a2", Title: "Billing FAQ", Snippet: "Common billing questions"},
				{ID: "a3", Title: "Refund policy", Snippet: "Refund windows"},
			},
		})
	}))
	defer srv.Close()

	adapter, err := NewRemote(srv.URL, "tok-1")
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}

	got, err := adapter.Search(context.Background(), "billing dispute", SearchOptions{
		TenantID: "acme",
		Limit:    2,
		Context:  "I was charged twice this month",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d articles, want limit-capped 2", len(got))
	}
	if got[0].ID != "a1" || got[0].Source != "remote" {
		t.Errorf("first article = %+v", got[0])
	}
}

func TestRemoteSearchNon200IsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter, err := NewRemote(srv.URL, "")
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	if _, err := adapter.Search(context.Background(), "anything", SearchOptions{}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestForSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings config.TenantSettings
		wantName string
		wantErr  bool
	}{
		{name: "empty provider", settings: config.TenantSettings{}, wantName: "none"},
		{name: "none provider", settings: config.TenantSettings{KBProvider: "none"}, wantName: "none"},
		{name: "remote provider", settings: config.TenantSettings{KBProvider: "remote", KBBaseURL: "https://kb.example.com", KBToken: "t"}, wantName: "remote"},
		{name: "remote without url", settings: config.TenantSettings{KBProvider: "remote"}, wantErr: true},
		{name: "direct without pool", settings: config.TenantSettings{KBProvider: "direct"}, wantErr: true},
		{name: "unknown provider", settings: config.TenantSettings{KBProvider: "wiki"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			adapter, err := ForSettings(&tt.settings, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ForSettings: %v", err)
			}
			if adapter.Name() != tt.wantName {
				t.Errorf("Name = %q, want %q", adapter.Name(), tt.wantName)
			}
		})
	}
}
