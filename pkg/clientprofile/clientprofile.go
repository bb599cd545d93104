// Package clientprofile defines the ClientProfile record the matcher reads
// structural, keyword and allocation preferences from, and the snapshot
// store the orchestrator loads a consistent view of active clients from at
// the start of each match cycle.
package clientprofile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Status is a ClientProfile's participation state. Only StatusActive
// clients are loaded into a match cycle.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ClientProfile is a subscribing client's structural, semantic, keyword and
// allocation preferences. It is mutable and owned externally (client
// CRUD/profile store lives outside the engine); this package only reads a
// point-in-time snapshot.
type ClientProfile struct {
	ID    int64  `validate:"required"`
	Name  string `validate:"required"`
	Email string `validate:"required,email"`

	City              string
	PermitType        string
	PermitClassMapped string
	WorkClasses       []string

	RAGQuery string

	KeywordsInclude []string
	KeywordsExclude []string

	SliderPercentage int    `validate:"min=1,max=100"`
	Priority         int    `validate:"min=1"`
	Status           Status `validate:"required,oneof=active inactive"`
}

// IsActive reports whether the profile participates in a match cycle.
func (c *ClientProfile) IsActive() bool {
	return c.Status == StatusActive
}

// SortedWorkClasses returns WorkClasses sorted ascending, for use as the
// contention-group key component (grouping sorts work classes first).
func (c *ClientProfile) SortedWorkClasses() []string {
	out := make([]string, len(c.WorkClasses))
	copy(out, c.WorkClasses)
	sort.Strings(out)
	return out
}

// GroupKey returns the tuple clients compete within: identical structural
// preferences place clients in the same contention group.
func (c *ClientProfile) GroupKey() string {
	return strings.Join([]string{
		c.PermitType,
		c.PermitClassMapped,
		c.City,
		strings.Join(c.SortedWorkClasses(), ","),
	}, "|")
}

var validate = validator.New()

// Validate checks field-level invariants: slider bounds, a priority of at
// least 1, a recognized status, and the identity/contact fields required
// to address and reach the client.
func Validate(c *ClientProfile) error {
	if c == nil {
		return fmt.Errorf("client profile cannot be nil")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid client profile %d: %w", c.ID, err)
	}
	return nil
}

// Sanitize drops empty/whitespace-only entries from the keyword and
// work-class sets, so keyword sets are free of blank entries after load.
func Sanitize(c *ClientProfile) {
	c.WorkClasses = compact(c.WorkClasses)
	c.KeywordsInclude = compact(c.KeywordsInclude)
	c.KeywordsExclude = compact(c.KeywordsExclude)
}

func compact(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Store is the externally-owned profile collaborator this package only
// consumes a snapshot from (client CRUD lives outside the engine). A real
// deployment backs this with the clients database configured by
// internal/config's ClientsDatabase section (SQLStore); tests use the
// in-memory MemoryStore.
type Store interface {
	// ListActive returns every profile with Status == StatusActive.
	ListActive(ctx context.Context) ([]*ClientProfile, error)
}

// MemoryStore is a Store backed by an in-process slice, used by tests
// (the orchestrator's included) in place of the SQL-backed store.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles []*ClientProfile
}

// NewMemoryStore returns a MemoryStore seeded with profiles.
func NewMemoryStore(profiles ...*ClientProfile) *MemoryStore {
	return &MemoryStore{profiles: profiles}
}

// ListActive implements Store.
func (s *MemoryStore) ListActive(ctx context.Context) ([]*ClientProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ClientProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out, nil
}

// Set replaces the store's contents, for tests that mutate between cycles.
func (s *MemoryStore) Set(profiles ...*ClientProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = profiles
}
