package control

import (
	"path/filepath"
	"testing"
)

func TestServer_StartStopFetchStatus(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "test.sock")

	provider := func() Status {
		return Status{
			LocalEndpointID: "endpoint-a",
			UptimeSeconds:   42.5,
			Scanning:        true,
			Endpoints: []EndpointStatus{
				{
					EndpointID: "endpoint-b",
					ServiceID:  "svc",
					Medium:     "wifi_lan",
					InProgress: false,
					RetryArmed: false,
				},
			},
		}
	}

	srv := NewServer(socketPath, provider, nil)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop()

	status, err := FetchStatus(socketPath)
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}

	if status.LocalEndpointID != "endpoint-a" {
		t.Errorf("LocalEndpointID = %q, want %q", status.LocalEndpointID, "endpoint-a")
	}
	if !status.Scanning {
		t.Error("Scanning = false, want true")
	}
	if len(status.Endpoints) != 1 {
		t.Fatalf("len(Endpoints) = %d, want 1", len(status.Endpoints))
	}
	if status.Endpoints[0].EndpointID != "endpoint-b" {
		t.Errorf("Endpoints[0].EndpointID = %q, want %q", status.Endpoints[0].EndpointID, "endpoint-b")
	}
	if status.Endpoints[0].Medium != "wifi_lan" {
		t.Errorf("Endpoints[0].Medium = %q, want %q", status.Endpoints[0].Medium, "wifi_lan")
	}
}

func TestFetchStatus_NoServer(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "nonexistent.sock")

	_, err := FetchStatus(socketPath)
	if err == nil {
		t.Fatal("expected error when server is not running, got nil")
	}
}
