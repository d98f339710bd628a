package attendance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Repository is the read side of the attendance data the engine works on.
// Sites, schedules, assignments and punches are owned by other services;
// the engine never writes them.
type Repository interface {
	// GetSite returns a site by ID, or ErrNotFound
	GetSite(ctx context.Context, siteID string) (*Site, error)

	// ListSites returns all sites, ordered by ID
	ListSites(ctx context.Context) ([]*Site, error)

	// GetSchedule returns a schedule with its details, or ErrNotFound
	GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error)

	// ListAssignments returns every assignment of an employee at a site, active or not
	ListAssignments(ctx context.Context, employeeID, siteID string) ([]Assignment, error)

	// ListPunches returns the punches of an employee at a site in [from, to), oldest first
	ListPunches(ctx context.Context, employeeID, siteID string, from, to time.Time) ([]Punch, error)

	// ListEmployees returns the employees actively assigned to the site plus
	// anyone who punched there in [from, to), sorted and without duplicates
	ListEmployees(ctx context.Context, siteID string, from, to time.Time) ([]string, error)
}

// InMemoryRepository implements Repository using in-memory maps.
// Used by tests and by the offline evaluation tool.
type InMemoryRepository struct {
	sites       map[string]*Site
	schedules   map[string]*Schedule
	assignments []Assignment
	punches     []Punch
	mu          sync.RWMutex
}

// NewInMemoryRepository creates an empty repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sites:     make(map[string]*Site),
		schedules: make(map[string]*Schedule),
	}
}

// PutSite adds or replaces a site
func (r *InMemoryRepository) PutSite(site *Site) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[site.ID] = site
}

// PutSchedule adds or replaces a schedule after checking its invariants
func (r *InMemoryRepository) PutSchedule(s *Schedule) error {
	if err := ValidateSchedule(s); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.ID] = s
	return nil
}

// Assign records an assignment
func (r *InMemoryRepository) Assign(a Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments = append(r.assignments, a)
}

// AddPunch records a punch
func (r *InMemoryRepository) AddPunch(p Punch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.punches = append(r.punches, p)
}

func (r *InMemoryRepository) GetSite(_ context.Context, siteID string) (*Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	site, ok := r.sites[siteID]
	if !ok {
		return nil, fmt.Errorf("site %s: %w", siteID, ErrNotFound)
	}
	return site, nil
}

func (r *InMemoryRepository) ListSites(_ context.Context) ([]*Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sites := make([]*Site, 0, len(r.sites))
	for _, s := range r.sites {
		sites = append(sites, s)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].ID < sites[j].ID })
	return sites, nil
}

func (r *InMemoryRepository) GetSchedule(_ context.Context, scheduleID string) (*Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schedules[scheduleID]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	return s, nil
}

func (r *InMemoryRepository) ListAssignments(_ context.Context, employeeID, siteID string) ([]Assignment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Assignment
	for _, a := range r.assignments {
		if a.EmployeeID == employeeID && a.SiteID == siteID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) ListPunches(_ context.Context, employeeID, siteID string, from, to time.Time) ([]Punch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Punch
	for _, p := range r.punches {
		if p.EmployeeID != employeeID || p.SiteID != siteID {
			continue
		}
		if p.Timestamp.Before(from) || !p.Timestamp.Before(to) {
			continue
		}
		out = append(out, p)
	}
	SortPunches(out)
	return out, nil
}

func (r *InMemoryRepository) ListEmployees(_ context.Context, siteID string, from, to time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, a := range r.assignments {
		if a.SiteID == siteID && a.IsActive {
			seen[a.EmployeeID] = true
		}
	}
	for _, p := range r.punches {
		if p.SiteID == siteID && !p.Timestamp.Before(from) && p.Timestamp.Before(to) {
			seen[p.EmployeeID] = true
		}
	}

	employees := make([]string, 0, len(seen))
	for id := range seen {
		employees = append(employees, id)
	}
	sort.Strings(employees)
	return employees, nil
}

// SortPunches orders punches by timestamp, then by ID for equal instants
func SortPunches(punches []Punch) {
	sort.SliceStable(punches, func(i, j int) bool {
		if punches[i].Timestamp.Equal(punches[j].Timestamp) {
			return punches[i].ID < punches[j].ID
		}
		return punches[i].Timestamp.Before(punches[j].Timestamp)
	})
}
