package httputil

import (
	"net/http"
	"testing"
	"time"
)

func TestNewPooledClientAppliesTimeoutAndPoolSize(t *testing.T) {
	client := NewPooledClient(8, 45*time.Second)

	if client.Timeout != 45*time.Second {
		t.Fatalf("expected client timeout 45s, got %v", client.Timeout)
	}

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected an *http.Transport")
	}
	if transport.MaxIdleConnsPerHost != 8 {
		t.Fatalf("expected pool size 8, got %d", transport.MaxIdleConnsPerHost)
	}
}
