package slackgw_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/meridian/internal/slackgw"
)

func TestNoopNotifier_DiscardsMessage(t *testing.T) {
	var n slackgw.NoopNotifier
	if err := n.Notify(context.Background(), "plan failed"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestClient_Notify_PostsToConfiguredChannel(t *testing.T) {
	var gotChannel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotChannel = r.FormValue("channel")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1234.5678"}`))
	}))
	defer srv.Close()

	client := slackgw.NewClientWithAPIURL("xoxb-test", "C123", srv.URL+"/", nil)
	if err := client.Notify(context.Background(), "collaborative plan failed: timeout"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotChannel != "C123" {
		t.Fatalf("channel = %q, want C123", gotChannel)
	}
}
