package usecase

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
)

// Guest is the identity an agent without a provider session presents
type Guest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GuestGenerator creates guest identities from the current time:
// id "guest-<unix millis>", name "@user" plus the last four digits.
type GuestGenerator struct {
	mu       sync.Mutex
	clock    clock.Clock
	existing map[string]bool
}

// NewGuestGenerator creates a GuestGenerator reading time from clk
func NewGuestGenerator(clk clock.Clock) *GuestGenerator {
	if clk == nil {
		clk = clock.New()
	}
	return &GuestGenerator{
		clock:    clk,
		existing: make(map[string]bool),
	}
}

// Generate returns a guest id unique within this process
func (g *GuestGenerator) Generate() Guest {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := g.clock.Now().UnixMilli()
	id := domain.GuestIDPrefix + strconv.FormatInt(millis, 10)
	for g.existing[id] {
		millis++
		id = domain.GuestIDPrefix + strconv.FormatInt(millis, 10)
	}
	g.existing[id] = true

	digits := strconv.FormatInt(millis, 10)
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return Guest{ID: id, Name: "@user" + digits}
}

// Release forgets a guest id
func (g *GuestGenerator) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.existing, id)
}

// ActiveCount returns the number of ids handed out and not released
func (g *GuestGenerator) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.existing)
}

// GuestStore persists one guest identity so an agent keeps the same id
// and color across restarts.
type GuestStore struct {
	path string
}

func NewGuestStore(path string) *GuestStore {
	return &GuestStore{path: path}
}

// Load reads the stored guest. It returns os.ErrNotExist when none is saved.
func (s *GuestStore) Load() (Guest, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Guest{}, err
	}

	var g Guest
	if err := json.Unmarshal(data, &g); err != nil {
		return Guest{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if !strings.HasPrefix(g.ID, domain.GuestIDPrefix) || g.Name == "" {
		return Guest{}, fmt.Errorf("stored guest in %s is incomplete", s.path)
	}
	return g, nil
}

// Save writes g, replacing any stored guest
func (s *GuestStore) Save(g Guest) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// LoadOrCreate returns the stored guest, generating and saving a new one
// when nothing usable is stored.
func (s *GuestStore) LoadOrCreate(gen *GuestGenerator) (Guest, error) {
	if g, err := s.Load(); err == nil {
		return g, nil
	}

	g := gen.Generate()
	if err := s.Save(g); err != nil {
		return g, fmt.Errorf("save guest: %w", err)
	}
	return g, nil
}
