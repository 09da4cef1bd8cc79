package cameras

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestAddAssignsIDAndForcesTCPTransport(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cameras.json"))
	if err != nil {
		t.Fatal(err)
	}

	r, err := s.Add("owner-1", "rtsp://cam.example/stream")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if r.CameraID == "" {
		t.Fatal("Add did not assign a camera id")
	}
	if !strings.HasSuffix(r.SourceURL, "?rtsp_transport=tcp") {
		t.Fatalf("SourceURL = %q, want tcp transport appended", r.SourceURL)
	}

	// An explicit transport is left alone.
	r2, err := s.Add("owner-1", "rtsp://cam.example/stream?rtsp_transport=udp")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(r2.SourceURL, "rtsp_transport") != 1 {
		t.Fatalf("SourceURL = %q, transport appended twice", r2.SourceURL)
	}
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := s.Add("owner-1", "rtsp://cam.example/a")
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(r.CameraID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.OwnerID != "owner-1" {
		t.Fatalf("OwnerID = %q", got.OwnerID)
	}
}

func TestGetUnknownCamera(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cameras.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unknown = %v, want ErrNotFound", err)
	}
}

func TestRemoveIsNoOpForUnknownID(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cameras.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("nope"); err != nil {
		t.Fatalf("Remove unknown: %v", err)
	}

	r, err := s.Add("o", "rtsp://cam.example/a")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(r.CameraID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("List after remove = %v", s.List())
	}
}
