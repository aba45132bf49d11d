// Package resources implements the mock data plane: arbitrary JSON
// collections loaded from a data directory and served through a generic
// paginated CRUD surface.
//
// Each <name>.json file in the data directory becomes a resource named
// after the file. Items are plain JSON objects carrying a numeric "id"
// plus "createdAt"/"updatedAt" timestamps managed by the store. Every
// mutation rewrites the backing file so collections survive restarts.
package resources

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Item is a single resource record. Keys beyond id/createdAt/updatedAt
// are caller-defined and passed through untouched.
type Item = map[string]interface{}

// Page is the list envelope returned by List.
type Page struct {
	Data       []Item `json:"data"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	Total      int    `json:"total"`
	TotalPages int    `json:"totalPages"`
}

// UnknownResourceError reports a request against a resource that has no
// backing collection, listing the collections that do exist.
type UnknownResourceError struct {
	Resource  string
	Available []string
}

func (e *UnknownResourceError) Error() string {
	return fmt.Sprintf("resource '%s' not found. Available resources: %s",
		e.Resource, strings.Join(e.Available, ", "))
}

// Store holds every loaded collection behind a single mutex. Mutations
// rewrite the collection's file before returning, so readers after a
// crash see the last completed write.
type Store struct {
	mu      sync.Mutex
	dataDir string
	data    map[string][]Item
	logger  *slog.Logger
}

// New loads every *.json file under dataDir as a collection. A file
// holding a single object is treated as a one-item collection. A missing
// directory is created empty so a fresh deployment starts with no
// resources rather than an error.
func New(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		dataDir: dataDir,
		data:    make(map[string][]Item),
		logger:  logger,
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		if err := s.loadCollection(name); err != nil {
			return nil, fmt.Errorf("failed to load resource %q: %w", name, err)
		}
		logger.Info("Loaded resource collection",
			"resource", name,
			"items", len(s.data[name]))
	}
	return s, nil
}

func (s *Store) loadCollection(name string) error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, name+".json"))
	if err != nil {
		return err
	}

	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		// Fall back to a single top-level object.
		var one Item
		if err2 := json.Unmarshal(raw, &one); err2 != nil {
			return err
		}
		items = []Item{one}
	}
	s.data[name] = items
	return nil
}

// Resources returns the loaded collection names in sorted order.
func (s *Store) Resources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resourcesLocked()
}

func (s *Store) resourcesLocked() []string {
	names := make([]string, 0, len(s.data))
	for name := range s.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether a collection with the given name was loaded.
func (s *Store) Exists(resource string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[resource]
	return ok
}

// List returns one page of a collection. Pages are 1-based; a page past
// the end yields an empty data slice with the true total.
func (s *Store) List(resource string, page, limit int) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.data[resource]
	if !ok {
		return nil, &UnknownResourceError{Resource: resource, Available: s.resourcesLocked()}
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	total := len(items)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	data := make([]Item, end-start)
	copy(data, items[start:end])

	return &Page{
		Data:       data,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
	}, nil
}

// Get returns a single item by numeric ID, or false when absent.
func (s *Store) Get(resource string, id int64) (Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.data[resource]
	if !ok {
		return nil, false, &UnknownResourceError{Resource: resource, Available: s.resourcesLocked()}
	}
	for _, item := range items {
		if itemID(item) == id {
			return cloneItem(item), true, nil
		}
	}
	return nil, false, nil
}

// Create appends a new item with the next sequential ID and fresh
// timestamps, then rewrites the collection's file.
func (s *Store) Create(resource string, fields Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.data[resource]
	if !ok {
		return nil, &UnknownResourceError{Resource: resource, Available: s.resourcesLocked()}
	}

	var maxID int64
	for _, item := range items {
		if id := itemID(item); id > maxID {
			maxID = id
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	item := cloneItem(fields)
	item["id"] = maxID + 1
	item["createdAt"] = now
	item["updatedAt"] = now

	s.data[resource] = append(items, item)
	if err := s.persistLocked(resource); err != nil {
		s.data[resource] = items
		return nil, err
	}
	return cloneItem(item), nil
}

// Update merges the given fields into an existing item. The ID and
// createdAt are preserved regardless of the submitted payload.
func (s *Store) Update(resource string, id int64, fields Item) (Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.data[resource]
	if !ok {
		return nil, false, &UnknownResourceError{Resource: resource, Available: s.resourcesLocked()}
	}

	for i, item := range items {
		if itemID(item) != id {
			continue
		}
		updated := cloneItem(item)
		for k, v := range fields {
			updated[k] = v
		}
		updated["id"] = id
		updated["createdAt"] = item["createdAt"]
		updated["updatedAt"] = time.Now().UTC().Format(time.RFC3339)

		items[i] = updated
		if err := s.persistLocked(resource); err != nil {
			items[i] = item
			return nil, false, err
		}
		return cloneItem(updated), true, nil
	}
	return nil, false, nil
}

// Delete removes an item by ID, reporting whether anything was removed.
func (s *Store) Delete(resource string, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.data[resource]
	if !ok {
		return false, &UnknownResourceError{Resource: resource, Available: s.resourcesLocked()}
	}

	for i, item := range items {
		if itemID(item) != id {
			continue
		}
		s.data[resource] = append(items[:i:i], items[i+1:]...)
		if err := s.persistLocked(resource); err != nil {
			s.data[resource] = items
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) persistLocked(resource string) error {
	raw, err := json.MarshalIndent(s.data[resource], "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode resource %q: %w", resource, err)
	}
	path := filepath.Join(s.dataDir, resource+".json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write resource %q: %w", resource, err)
	}
	return nil
}

// itemID extracts the numeric ID of an item. JSON decoding yields
// float64 for numbers; items created in-process carry int64.
func itemID(item Item) int64 {
	switch v := item["id"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case json.Number:
		id, _ := v.Int64()
		return id
	default:
		return 0
	}
}

func cloneItem(item Item) Item {
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
