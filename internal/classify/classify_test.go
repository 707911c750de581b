package classify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEmotionParsesSidecarResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emotion" {
			t.Fatalf("expected /emotion, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Result{Label: "calm", Confidence: 0.82, Scores: map[string]float64{"calm": 0.82}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	result, err := c.Emotion(context.Background(), []float32{0, 0.1, -0.1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Label != "calm" || result.Confidence != 0.82 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestEmotionReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Emotion(context.Background(), []float32{0}); err == nil {
		t.Fatal("expected error on 500 response")
	}
}
