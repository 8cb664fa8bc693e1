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

// Authority is the in-memory system of record used when DATABASE_URL is unset.
type Authority struct {
	mu          sync.RWMutex
	products    map[string]domain.Product
	salesByID   map[string]domain.Sale
	saleOrder   []string
	entries     []domain.LedgerEntry
	entryIDs    map[string]struct{}
	customers   map[string]domain.Customer
	auditLogs   []domain.AuditLog
	usersByName map[string]domain.UserAccount
}

var _ store.Authority = (*Authority)(nil)

func NewAuthority() *Authority {
	return &Authority{
		products:    make(map[string]domain.Product),
		salesByID:   make(map[string]domain.Sale),
		saleOrder:   make([]string, 0, 128),
		entries:     make([]domain.LedgerEntry, 0, 128),
		entryIDs:    make(map[string]struct{}),
		customers:   make(map[string]domain.Customer),
		auditLogs:   make([]domain.AuditLog, 0, 128),
		usersByName: make(map[string]domain.UserAccount),
	}
}

func NewSeeded() *Authority {
	s := NewAuthority()
	for _, p := range SeedProducts() {
		s.products[p.ID] = p
	}
	for _, c := range SeedCustomers() {
		s.customers[c.ID] = c
	}
	s.usersByName = seedUsers()
	return s
}

func (s *Authority) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Authority) InsertSale(_ context.Context, sale domain.Sale, _ time.Time) (bool, error) {
	if strings.TrimSpace(sale.ID) == "" || len(sale.Lines) == 0 {
		return false, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByID[sale.ID]; exists {
		return false, nil
	}
	sale.Lines = slices.Clone(sale.Lines)
	sale.SyncStatus = domain.SyncSynced
	s.salesByID[sale.ID] = sale
	s.saleOrder = append(s.saleOrder, sale.ID)
	return true, nil
}

func (s *Authority) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale.Lines = slices.Clone(sale.Lines)
	return &sale, nil
}

func (s *Authority) CountSales(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.saleOrder), nil
}

func (s *Authority) InsertLedgerEntry(_ context.Context, entry domain.LedgerEntry, _ time.Time) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrInvalidRecord, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entryIDs[entry.ID]; exists {
		return false, nil
	}
	s.entryIDs[entry.ID] = struct{}{}
	s.entries = append(s.entries, entry)
	return true, nil
}

func (s *Authority) ListLedgerEntries(_ context.Context, customerID string) ([]domain.LedgerEntry, error) {
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

func (s *Authority) GetCustomer(_ context.Context, phoneOrID string) (*domain.Customer, error) {
	return findCustomer(&s.mu, s.customers, phoneOrID)
}

func (s *Authority) UpsertCustomer(_ context.Context, customer domain.Customer) error {
	if strings.TrimSpace(customer.ID) == "" {
		return store.ErrInvalidRecord
	}
	s.mu.Lock()
	s.customers[customer.ID] = customer
	s.mu.Unlock()
	return nil
}

func (s *Authority) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Authority) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.auditLogs) {
		limit = len(s.auditLogs)
	}
	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		logs = append(logs, s.auditLogs[i])
	}
	return logs, nil
}

func (s *Authority) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByName[username]; exists {
		return fmt.Errorf("username already exists")
	}
	user.Username = username
	s.usersByName[username] = user
	return nil
}

func (s *Authority) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByName))
	for _, u := range s.usersByName {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Authority) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByName[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByName[username] = user
	return nil
}
