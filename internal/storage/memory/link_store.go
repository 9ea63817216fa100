package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

// LinkStore keeps link records in a map.
type LinkStore struct {
	mu     sync.RWMutex
	links  map[string]linkcheck.Link
	byTask map[string][]string
}

// NewLinkStore constructs a LinkStore.
func NewLinkStore() *LinkStore {
	return &LinkStore{
		links:  make(map[string]linkcheck.Link),
		byTask: make(map[string][]string),
	}
}

// CreateLinks stores a batch of link records.
func (s *LinkStore) CreateLinks(_ context.Context, links []linkcheck.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, link := range links {
		if _, exists := s.links[link.ID]; exists {
			return fmt.Errorf("link %s already exists", link.ID)
		}
	}
	for _, link := range links {
		s.links[link.ID] = link
		s.byTask[link.TaskID] = append(s.byTask[link.TaskID], link.ID)
	}
	return nil
}

// GetLink fetches a link by ID.
func (s *LinkStore) GetLink(_ context.Context, linkID string) (linkcheck.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkID]
	if !ok {
		return linkcheck.Link{}, linkcheck.ErrLinkNotFound
	}
	return link, nil
}

// UpdateLink overwrites an existing link record.
func (s *LinkStore) UpdateLink(_ context.Context, link linkcheck.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[link.ID]; !ok {
		return linkcheck.ErrLinkNotFound
	}
	s.links[link.ID] = link
	return nil
}

// ListLinks returns a task's links ordered by row index.
func (s *LinkStore) ListLinks(_ context.Context, taskID string) ([]linkcheck.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTask[taskID]
	out := make([]linkcheck.Link, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.links[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}
