// Package store implements the in-memory order and deal repository with
// secondary indexes.
package store

import (
	"sort"
	"sync"
	"time"

	apperrors "trade_engine/pkg/errors"

	"trade_engine/internal/core"
)

// syncStaleness is how old an open order's last update must be before
// OrdersRequiringSync reports it.
const syncStaleness = 5 * time.Minute

// evictFraction of closed orders removed when capacity is reached
const evictFraction = 0.10

// OrderFilter narrows SearchOrders results; zero-valued fields match all
type OrderFilter struct {
	Symbol        string
	Side          core.OrderSide
	Statuses      []core.OrderStatus
	DealID        int64
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// MemoryStore holds all orders and deals under a single lock. Contention is
// low (hundreds of writes per minute), so one RWMutex is enough to keep the
// status indexes atomic with the primary records.
type MemoryStore struct {
	mu sync.RWMutex

	ordersByID         map[int64]*core.Order
	ordersByExchangeID map[string]int64
	ordersBySymbol     map[string]map[int64]struct{}
	ordersByDeal       map[int64]map[int64]struct{}
	ordersByStatus     map[core.OrderStatus]map[int64]struct{}

	dealsByID map[int64]*core.Deal

	orderIDCounter int64
	dealIDCounter  int64
	capacity       int

	dealLocksMu sync.Mutex
	dealLocks   map[int64]*sync.Mutex
}

// NewMemoryStore creates a store; capacity <= 0 means unbounded
func NewMemoryStore(capacity int) *MemoryStore {
	seed := time.Now().UnixMilli()
	return &MemoryStore{
		ordersByID:         make(map[int64]*core.Order),
		ordersByExchangeID: make(map[string]int64),
		ordersBySymbol:     make(map[string]map[int64]struct{}),
		ordersByDeal:       make(map[int64]map[int64]struct{}),
		ordersByStatus:     make(map[core.OrderStatus]map[int64]struct{}),
		dealsByID:          make(map[int64]*core.Deal),
		orderIDCounter:     seed,
		dealIDCounter:      seed,
		capacity:           capacity,
		dealLocks:          make(map[int64]*sync.Mutex),
	}
}

// NextOrderID returns a fresh monotonically increasing order id
func (s *MemoryStore) NextOrderID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderIDCounter++
	return s.orderIDCounter
}

// NextDealID returns a fresh monotonically increasing deal id
func (s *MemoryStore) NextDealID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dealIDCounter++
	return s.dealIDCounter
}

// SaveOrder inserts or replaces an order, keeping every index in step with
// the primary record.
func (s *MemoryStore) SaveOrder(o *core.Order) error {
	if o == nil || o.ID == 0 {
		return apperrors.Wrap(apperrors.ErrValidation, "order must have an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.ordersByID[o.ID]; ok {
		s.unindexLocked(prev)
	} else if s.capacity > 0 && len(s.ordersByID) >= s.capacity {
		s.evictClosedLocked()
	}

	stored := o.Clone()
	s.ordersByID[stored.ID] = stored
	s.indexLocked(stored)
	return nil
}

func (s *MemoryStore) indexLocked(o *core.Order) {
	if o.ExchangeID != "" {
		s.ordersByExchangeID[o.ExchangeID] = o.ID
	}
	addToSet(s.ordersBySymbol, o.Symbol, o.ID)
	if o.DealID != 0 {
		addToSet(s.ordersByDeal, o.DealID, o.ID)
	}
	addToSet(s.ordersByStatus, o.Status, o.ID)
}

func (s *MemoryStore) unindexLocked(o *core.Order) {
	if o.ExchangeID != "" {
		delete(s.ordersByExchangeID, o.ExchangeID)
	}
	removeFromSet(s.ordersBySymbol, o.Symbol, o.ID)
	if o.DealID != 0 {
		removeFromSet(s.ordersByDeal, o.DealID, o.ID)
	}
	removeFromSet(s.ordersByStatus, o.Status, o.ID)
}

// evictClosedLocked removes the oldest 10% of terminal orders. Open orders
// are never evicted.
func (s *MemoryStore) evictClosedLocked() {
	var closed []*core.Order
	for _, o := range s.ordersByID {
		if o.Status.IsTerminal() {
			closed = append(closed, o)
		}
	}
	if len(closed) == 0 {
		return
	}

	sort.Slice(closed, func(i, j int) bool {
		return closed[i].CreatedAt.Before(closed[j].CreatedAt)
	})

	n := int(float64(len(closed)) * evictFraction)
	if n < 1 {
		n = 1
	}
	if n > len(closed) {
		n = len(closed)
	}
	for _, o := range closed[:n] {
		s.unindexLocked(o)
		delete(s.ordersByID, o.ID)
	}
}

// GetOrder returns a copy of the order with the given id
func (s *MemoryStore) GetOrder(id int64) (*core.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.ordersByID[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// GetOrderByExchangeID resolves an exchange id to the local order
func (s *MemoryStore) GetOrderByExchangeID(exchangeID string) (*core.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ordersByExchangeID[exchangeID]
	if !ok {
		return nil, false
	}
	o, ok := s.ordersByID[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// GetOrdersByDeal returns all orders attached to a deal
func (s *MemoryStore) GetOrdersByDeal(dealID int64) []*core.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.ordersByDeal[dealID])
}

// GetOrdersBySymbol returns all orders for a symbol
func (s *MemoryStore) GetOrdersBySymbol(symbol string) []*core.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.ordersBySymbol[symbol])
}

// GetOrdersByStatus returns all orders in any of the given statuses
func (s *MemoryStore) GetOrdersByStatus(statuses ...core.OrderStatus) []*core.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Order
	for _, st := range statuses {
		out = append(out, s.collectLocked(s.ordersByStatus[st])...)
	}
	return out
}

// GetOpenOrders returns orders live on the exchange
func (s *MemoryStore) GetOpenOrders() []*core.Order {
	return s.GetOrdersByStatus(core.StatusOpen, core.StatusPartiallyFilled)
}

// GetPendingOrders returns orders created locally but not yet submitted
func (s *MemoryStore) GetPendingOrders() []*core.Order {
	return s.GetOrdersByStatus(core.StatusPending)
}

// OrdersRequiringSync returns open orders with an exchange id whose last
// update is stale.
func (s *MemoryStore) OrdersRequiringSync() []*core.Order {
	cutoff := time.Now().Add(-syncStaleness)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Order
	for _, st := range []core.OrderStatus{core.StatusOpen, core.StatusPartiallyFilled} {
		for id := range s.ordersByStatus[st] {
			o := s.ordersByID[id]
			if o.ExchangeID != "" && o.LastUpdate.Before(cutoff) {
				out = append(out, o.Clone())
			}
		}
	}
	return out
}

// BulkUpdateStatus moves the given orders to status, returning how many
// records changed.
func (s *MemoryStore) BulkUpdateStatus(ids []int64, status core.OrderStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	now := time.Now()
	for _, id := range ids {
		o, ok := s.ordersByID[id]
		if !ok || o.Status == status {
			continue
		}
		removeFromSet(s.ordersByStatus, o.Status, id)
		o.Status = status
		o.LastUpdate = now
		addToSet(s.ordersByStatus, status, id)
		changed++
	}
	return changed
}

// DeleteOldOrders removes terminal orders older than the given number of
// days, returning the count removed.
func (s *MemoryStore) DeleteOldOrders(olderThanDays int) int {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, o := range s.ordersByID {
		if o.Status.IsTerminal() && o.CreatedAt.Before(cutoff) {
			s.unindexLocked(o)
			delete(s.ordersByID, id)
			removed++
		}
	}
	return removed
}

// SearchOrders returns orders matching every set field of the filter
func (s *MemoryStore) SearchOrders(f OrderFilter) []*core.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statusSet := make(map[core.OrderStatus]struct{}, len(f.Statuses))
	for _, st := range f.Statuses {
		statusSet[st] = struct{}{}
	}

	var out []*core.Order
	for _, o := range s.ordersByID {
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		if f.Side != "" && o.Side != f.Side {
			continue
		}
		if len(statusSet) > 0 {
			if _, ok := statusSet[o.Status]; !ok {
				continue
			}
		}
		if f.DealID != 0 && o.DealID != f.DealID {
			continue
		}
		if !f.CreatedAfter.IsZero() && o.CreatedAt.Before(f.CreatedAfter) {
			continue
		}
		if !f.CreatedBefore.IsZero() && o.CreatedAt.After(f.CreatedBefore) {
			continue
		}
		out = append(out, o.Clone())
	}
	return out
}

// RebuildIndexes reconstructs every secondary index from the primary map.
// O(n); provided for recovery.
func (s *MemoryStore) RebuildIndexes() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ordersByExchangeID = make(map[string]int64)
	s.ordersBySymbol = make(map[string]map[int64]struct{})
	s.ordersByDeal = make(map[int64]map[int64]struct{})
	s.ordersByStatus = make(map[core.OrderStatus]map[int64]struct{})

	for _, o := range s.ordersByID {
		s.indexLocked(o)
	}
}

// SaveDeal inserts or replaces a deal
func (s *MemoryStore) SaveDeal(d *core.Deal) error {
	if d == nil || d.ID == 0 {
		return apperrors.Wrap(apperrors.ErrValidation, "deal must have an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dealsByID[d.ID] = d.Clone()
	return nil
}

// GetDeal returns a copy of the deal with the given id
func (s *MemoryStore) GetDeal(id int64) (*core.Deal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dealsByID[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// GetDealsByStatus returns all deals in the given status
func (s *MemoryStore) GetDealsByStatus(status core.DealStatus) []*core.Deal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Deal
	for _, d := range s.dealsByID {
		if d.Status == status {
			out = append(out, d.Clone())
		}
	}
	return out
}

// OpenDealCount returns how many deals are open for a symbol
func (s *MemoryStore) OpenDealCount(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.dealsByID {
		if d.Status == core.DealOpen && d.Symbol == symbol {
			n++
		}
	}
	return n
}

// TryLockDeal acquires the per-deal transition lock without blocking. A
// false return means another supervisor is working on the deal; callers
// skip the deal this iteration.
func (s *MemoryStore) TryLockDeal(dealID int64) bool {
	s.dealLocksMu.Lock()
	lock, ok := s.dealLocks[dealID]
	if !ok {
		lock = &sync.Mutex{}
		s.dealLocks[dealID] = lock
	}
	s.dealLocksMu.Unlock()
	return lock.TryLock()
}

// UnlockDeal releases the per-deal transition lock
func (s *MemoryStore) UnlockDeal(dealID int64) {
	s.dealLocksMu.Lock()
	lock, ok := s.dealLocks[dealID]
	s.dealLocksMu.Unlock()
	if ok {
		lock.Unlock()
	}
}

func (s *MemoryStore) collectLocked(ids map[int64]struct{}) []*core.Order {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*core.Order, 0, len(ids))
	for id := range ids {
		if o, ok := s.ordersByID[id]; ok {
			out = append(out, o.Clone())
		}
	}
	return out
}

func addToSet[K comparable](m map[K]map[int64]struct{}, key K, id int64) {
	set, ok := m[key]
	if !ok {
		set = make(map[int64]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet[K comparable](m map[K]map[int64]struct{}, key K, id int64) {
	if set, ok := m[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}
