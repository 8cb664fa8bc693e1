package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"khatpos/internal/domain"
	"khatpos/internal/store"
)

// Local is the in-memory terminal store. It keeps the same contract as the
// sqlite store except durability across restarts.
type Local struct {
	mu         sync.RWMutex
	products   map[string]domain.Product
	customers  map[string]domain.Customer
	staff      map[string]domain.StaffMember
	sales      map[string]domain.Sale
	entries    []domain.LedgerEntry
	entryIDs   map[string]struct{}
	queue      []domain.QueueRecord
	queueIndex map[string]int
}

var _ store.Local = (*Local)(nil)

func NewLocal() *Local {
	return &Local{
		products:   make(map[string]domain.Product),
		customers:  make(map[string]domain.Customer),
		staff:      make(map[string]domain.StaffMember),
		sales:      make(map[string]domain.Sale),
		entries:    make([]domain.LedgerEntry, 0, 64),
		entryIDs:   make(map[string]struct{}),
		queue:      make([]domain.QueueRecord, 0, 64),
		queueIndex: make(map[string]int),
	}
}

// NewSeededLocal returns a local store with the demo catalog and customers mirrored in.
func NewSeededLocal() *Local {
	s := NewLocal()
	for _, p := range SeedProducts() {
		s.products[p.ID] = p
	}
	for _, c := range SeedCustomers() {
		s.customers[c.ID] = c
	}
	return s
}

func (s *Local) Close() error {
	return nil
}

func (s *Local) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Local) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Local) ProductByBarcode(_ context.Context, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Product
	for _, p := range s.products {
		if p.Barcode != code {
			continue
		}
		if found == nil || p.ID < found.ID {
			match := p
			found = &match
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Local) ProductByName(_ context.Context, name string) (*domain.Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Product
	for _, p := range s.products {
		if !strings.EqualFold(p.Name, name) {
			continue
		}
		if found == nil || p.ID < found.ID {
			match := p
			found = &match
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Local) ReplaceProducts(_ context.Context, products []domain.Product) error {
	next := make(map[string]domain.Product, len(products))
	for _, p := range products {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: product without id or name", store.ErrInvalidRecord)
		}
		next[p.ID] = p
	}

	s.mu.Lock()
	s.products = next
	s.mu.Unlock()
	return nil
}

func (s *Local) Enqueue(_ context.Context, records ...domain.QueueRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidRecord, err)
		}
		if _, exists := s.queueIndex[r.ID]; exists {
			return fmt.Errorf("%w: record %s already enqueued", store.ErrInvalidRecord, r.ID)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: record %s repeated in batch", store.ErrInvalidRecord, r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	for _, r := range records {
		record := cloneRecord(r)
		record.Attempts = 0
		record.LastAttemptAt = nil
		record.LastError = ""
		record.SyncedAt = nil

		switch record.Kind {
		case domain.RecordSale:
			sale := *record.Sale
			sale.SyncStatus = domain.SyncPending
			s.sales[sale.ID] = sale
			record.Sale = &sale
		case domain.RecordLedgerEntry:
			if _, mirrored := s.entryIDs[record.ID]; !mirrored {
				s.entries = append(s.entries, *record.LedgerEntry)
				s.entryIDs[record.ID] = struct{}{}
			}
		}

		s.queueIndex[record.ID] = len(s.queue)
		s.queue = append(s.queue, record)
	}
	return nil
}

func (s *Local) PeekPending(_ context.Context) ([]domain.QueueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]domain.QueueRecord, 0, len(s.queue))
	for _, r := range s.queue {
		if r.Synced() {
			continue
		}
		pending = append(pending, cloneRecord(r))
	}
	return pending, nil
}

func (s *Local) MarkSynced(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.queueIndex[id]
	if !ok {
		return store.ErrNotFound
	}
	record := &s.queue[idx]
	if record.Synced() {
		return nil
	}
	syncedAt := at.UTC()
	record.SyncedAt = &syncedAt
	if record.Kind == domain.RecordSale {
		sale := s.sales[id]
		sale.SyncStatus = domain.SyncSynced
		s.sales[id] = sale
		record.Sale = &sale
	}
	return nil
}

func (s *Local) RecordAttempt(_ context.Context, id string, at time.Time, failure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.queueIndex[id]
	if !ok {
		return store.ErrNotFound
	}
	attemptAt := at.UTC()
	s.queue[idx].Attempts++
	s.queue[idx].LastAttemptAt = &attemptAt
	s.queue[idx].LastError = failure
	return nil
}

func (s *Local) PendingCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.queue {
		if !r.Synced() {
			count++
		}
	}
	return count, nil
}

func (s *Local) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale.Lines = slices.Clone(sale.Lines)
	return &sale, nil
}

func (s *Local) ListLedgerEntries(_ context.Context, customerID string) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.LedgerEntry, 0, 16)
	for _, e := range s.entries {
		if e.CustomerID == customerID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *Local) MirrorLedgerEntries(_ context.Context, entries []domain.LedgerEntry) error {
	for _, e := range entries {
		if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.CustomerID) == "" {
			return fmt.Errorf("%w: mirrored ledger entry without id or customer", store.ErrInvalidRecord)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, exists := s.entryIDs[e.ID]; exists {
			continue
		}
		s.entries = append(s.entries, e)
		s.entryIDs[e.ID] = struct{}{}
	}
	return nil
}

func (s *Local) UpsertCustomer(_ context.Context, customer domain.Customer) error {
	if strings.TrimSpace(customer.ID) == "" {
		return fmt.Errorf("%w: customer without id", store.ErrInvalidRecord)
	}
	s.mu.Lock()
	s.customers[customer.ID] = customer
	s.mu.Unlock()
	return nil
}

func (s *Local) GetCustomer(_ context.Context, phoneOrID string) (*domain.Customer, error) {
	return findCustomer(&s.mu, s.customers, phoneOrID)
}

func (s *Local) UpsertStaff(_ context.Context, staff domain.StaffMember) error {
	username := strings.ToLower(strings.TrimSpace(staff.Username))
	if username == "" || staff.PINHash == "" {
		return fmt.Errorf("%w: staff member needs username and pin", store.ErrInvalidRecord)
	}
	staff.Username = username
	s.mu.Lock()
	s.staff[username] = staff
	s.mu.Unlock()
	return nil
}

func (s *Local) ListStaff(_ context.Context) ([]domain.StaffMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	staff := make([]domain.StaffMember, 0, len(s.staff))
	for _, m := range s.staff {
		staff = append(staff, m)
	}
	slices.SortFunc(staff, func(a, b domain.StaffMember) int {
		return strings.Compare(a.Username, b.Username)
	})
	return staff, nil
}

func findCustomer(mu *sync.RWMutex, customers map[string]domain.Customer, phoneOrID string) (*domain.Customer, error) {
	key := strings.TrimSpace(phoneOrID)
	if key == "" {
		return nil, store.ErrNotFound
	}

	mu.RLock()
	defer mu.RUnlock()

	if c, ok := customers[key]; ok {
		return &c, nil
	}
	for _, c := range customers {
		if c.Phone != "" && c.Phone == key {
			found := c
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func cloneRecord(r domain.QueueRecord) domain.QueueRecord {
	out := r
	if r.Sale != nil {
		sale := *r.Sale
		sale.Lines = slices.Clone(r.Sale.Lines)
		out.Sale = &sale
	}
	if r.LedgerEntry != nil {
		entry := *r.LedgerEntry
		out.LedgerEntry = &entry
	}
	if r.LastAttemptAt != nil {
		at := *r.LastAttemptAt
		out.LastAttemptAt = &at
	}
	if r.SyncedAt != nil {
		at := *r.SyncedAt
		out.SyncedAt = &at
	}
	return out
}
