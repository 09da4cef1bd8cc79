package cameras

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Record is one registered camera, as supplied by the surrounding
// application's camera CRUD.
type Record struct {
	CameraID  string `json:"cameraId"`
	OwnerID   string `json:"ownerId"`
	SourceURL string `json:"sourceUrl"`
}

// ErrNotFound is returned when a camera id is not registered.
var ErrNotFound = errors.New("camera not found")

// Store is the flat-file camera registration collaborator. The core only
// consumes registration records; listing UIs, auth, and the rest of the
// CRUD surface live outside this module.
type Store struct {
	path string

	mu      sync.Mutex
	records map[string]Record
}

// Open loads the camera file at path, creating an empty store when the
// file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read camera file: %w", err)
	}

	var list []Record
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse camera file %s: %w", path, err)
	}
	for _, r := range list {
		s.records[r.CameraID] = r
	}
	return s, nil
}

// Get returns the registration record for one camera id.
func (s *Store) Get(cameraID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[cameraID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, cameraID)
	}
	return r, nil
}

// List returns all registered camera ids.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}

// Add registers a camera and persists the store. RTSP URLs without an
// explicit transport get TCP appended; UDP delivery drops too many frames
// on lossy links to survive detection.
func (s *Store) Add(ownerID, sourceURL string) (Record, error) {
	if strings.HasPrefix(sourceURL, "rtsp://") && !strings.Contains(sourceURL, "?rtsp_transport=") {
		sourceURL += "?rtsp_transport=tcp"
	}

	r := Record{
		CameraID:  uuid.NewString(),
		OwnerID:   ownerID,
		SourceURL: sourceURL,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.CameraID] = r
	if err := s.saveLocked(); err != nil {
		delete(s.records, r.CameraID)
		return Record{}, err
	}
	return r, nil
}

// Remove unregisters a camera. Removing an unknown id is a no-op.
func (s *Store) Remove(cameraID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[cameraID]; !ok {
		return nil
	}
	delete(s.records, cameraID)
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	list := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		list = append(list, r)
	}

	data, err := json.MarshalIndent(list, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal cameras: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create camera dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write cameras: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename cameras: %w", err)
	}
	return nil
}
