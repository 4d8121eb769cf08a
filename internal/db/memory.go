package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"mpesa-reconciler/internal/model"
)

// MemoryStore keeps the same contract as Repository in process memory.
// It backs unit tests and the "memory" database driver.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	orders    map[string]*model.Order
	pending   map[string]*model.PendingPayment
	c2b       map[string]model.C2BTransaction
	reversals []model.Reversal
	notes     []model.OrderNote
	// transaction ids already assigned to a payment or an order
	settled map[string]struct{}
	// pending payments handed over to manual reconciliation
	flagged map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		orders:  make(map[string]*model.Order),
		pending: make(map[string]*model.PendingPayment),
		c2b:     make(map[string]model.C2BTransaction),
		settled: make(map[string]struct{}),
		flagged: make(map[string]struct{}),
	}
}

func (m *MemoryStore) SaveOrder(_ context.Context, order *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.Status == "" {
		order.Status = model.OrderPending
	}

	if existing, ok := m.orders[order.ID]; ok {
		if !existing.Paid() {
			existing.Total = order.Total
			existing.Currency = order.Currency
			existing.UpdatedAt = m.now()
		}
		return nil
	}

	o := *order
	o.UpdatedAt = m.now()
	m.orders[o.ID] = &o
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

func (m *MemoryStore) CreatePendingPayment(_ context.Context, p *model.PendingPayment, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[p.MerchantRequestID]; ok {
		return ErrAlreadySettled
	}
	if p.Status == "" {
		p.Status = model.StatusPending
	}
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt

	c := *p
	m.pending[p.MerchantRequestID] = &c
	m.addNote(p.OrderID, note)
	return nil
}

func (m *MemoryStore) GetPendingPayment(_ context.Context, merchantRequestID string) (*model.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[merchantRequestID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]*model.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.PendingPayment
	for _, p := range m.pending {
		if _, done := m.flagged[p.MerchantRequestID]; done {
			continue
		}
		if p.Status == model.StatusPending && p.CheckoutRequestID != "" && p.CreatedAt.Before(before) {
			c := *p
			out = append(out, &c)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CompletePayment(_ context.Context, c Completion) (Applied, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[c.MerchantRequestID]
	if !ok || !model.IsValidTransition(p.Status, model.StatusCompleted) {
		return 0, ErrAlreadySettled
	}
	if m.isSettled(c.TransactionID) {
		return 0, ErrAlreadySettled
	}
	o, ok := m.orders[c.OrderID]
	if !ok {
		return 0, ErrAlreadySettled
	}

	now := m.now()
	txID, phone, code := c.TransactionID, c.Phone, "0"
	p.Status = model.StatusCompleted
	p.TransactionID = &txID
	p.ResultCode = &code
	p.UpdatedAt = now
	m.settled[txID] = struct{}{}

	if o.Paid() && *o.TransactionID != txID {
		m.addNote(c.OrderID, c.ExtraNote)
		return AppliedExtra, nil
	}

	o.Status = c.OrderStatus
	o.TransactionID = &txID
	o.PaymentPhone = &phone
	o.UpdatedAt = now

	m.addNote(c.OrderID, c.Note)
	return AppliedToOrder, nil
}

func (m *MemoryStore) FailPayment(_ context.Context, f Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[f.MerchantRequestID]
	if !ok || !model.IsValidTransition(p.Status, model.StatusFailed) {
		return ErrAlreadySettled
	}

	now := m.now()
	code, desc := f.ResultCode, f.ResultDesc
	p.Status = model.StatusFailed
	p.ResultCode = &code
	p.ResultDesc = &desc
	p.UpdatedAt = now

	if o, ok := m.orders[f.OrderID]; ok && !o.Paid() {
		o.Status = f.OrderStatus
		o.UpdatedAt = now
	}

	m.addNote(f.OrderID, f.Note)
	return nil
}

func (m *MemoryStore) RecordC2B(_ context.Context, s C2BSettlement) (Applied, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := s.Transaction
	if _, dup := m.c2b[t.TransID]; dup || m.isSettled(t.TransID) {
		return 0, ErrAlreadySettled
	}
	o, ok := m.orders[t.OrderID]
	if !ok {
		return 0, ErrNotFound
	}

	now := m.now()
	t.CreatedAt = now
	m.settled[t.TransID] = struct{}{}

	if o.Paid() {
		t.Outcome = model.C2BAdditional
		m.c2b[t.TransID] = t
		m.addNote(t.OrderID, s.ExtraNote)
		return AppliedExtra, nil
	}

	m.c2b[t.TransID] = t
	o.Status = s.OrderStatus
	o.UpdatedAt = now
	if s.MarkPaid {
		txID, phone := t.TransID, t.Phone
		o.TransactionID = &txID
		o.PaymentPhone = &phone
	}

	m.addNote(t.OrderID, s.Note)
	return AppliedToOrder, nil
}

func (m *MemoryStore) FlagForReview(_ context.Context, merchantRequestID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[merchantRequestID]
	if !ok || p.Status != model.StatusPending {
		return ErrAlreadySettled
	}
	if _, done := m.flagged[merchantRequestID]; done {
		return ErrAlreadySettled
	}

	m.flagged[merchantRequestID] = struct{}{}
	m.addNote(p.OrderID, note)
	return nil
}

// C2BTransaction returns the recorded transfer with transID.
func (m *MemoryStore) C2BTransaction(transID string) (model.C2BTransaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.c2b[transID]
	return t, ok
}

func (m *MemoryStore) CreateReversal(_ context.Context, r *model.Reversal, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.CreatedAt = m.now()
	m.reversals = append(m.reversals, *r)
	m.addNote(r.OrderID, note)
	return nil
}

func (m *MemoryStore) AddNote(_ context.Context, orderID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addNote(orderID, note)
	return nil
}

func (m *MemoryStore) Notes(_ context.Context, orderID string) ([]model.OrderNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.OrderNote
	for _, n := range m.notes {
		if n.OrderID == orderID {
			out = append(out, n)
		}
	}
	return out, nil
}

// Reversals returns every recorded reversal request.
func (m *MemoryStore) Reversals() []model.Reversal {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]model.Reversal(nil), m.reversals...)
}

func (m *MemoryStore) isSettled(txID string) bool {
	_, ok := m.settled[txID]
	return ok
}

func (m *MemoryStore) addNote(orderID, note string) {
	if note == "" {
		return
	}
	m.notes = append(m.notes, model.OrderNote{
		ID:        int64(len(m.notes) + 1),
		OrderID:   orderID,
		Note:      note,
		CreatedAt: m.now(),
	})
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
