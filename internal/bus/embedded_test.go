package bus

import "testing"

func TestEmbeddedServerLifecycle(t *testing.T) {
	srv := NewEmbeddedServer(18222)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Shutdown()

	if srv.URL() != "nats://127.0.0.1:18222" {
		t.Errorf("unexpected URL: %s", srv.URL())
	}
	if err := srv.Start(); err == nil {
		t.Error("expected starting an already-running server to fail")
	}
}

func TestEmbeddedServerDefaultPort(t *testing.T) {
	srv := NewEmbeddedServer(0)
	if srv.port != 4222 {
		t.Errorf("expected default port 4222, got %d", srv.port)
	}
}
