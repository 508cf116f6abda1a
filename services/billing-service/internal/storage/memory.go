package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/billing"
	"github.com/md-rashed-zaman/merchantbilling/services/billing-service/internal/outbox"
)

// Memory is a Store kept in process memory. Transactions run one at a time against a
// copy of the state that replaces the live state only when fn returns nil.
type Memory struct {
	mu     sync.Mutex
	state  *memState
	leader sync.Mutex
}

type eventKey struct {
	provider billing.Provider
	id       string
}

type memState struct {
	subs      map[string]billing.Subscription
	seq       map[string]int
	nextSeq   int
	history   []billing.HistoryEntry
	sessions  map[string]billing.CheckoutSession
	events    map[eventKey]billing.ProviderEvent
	audit     []billing.AuditEvent
	outbox    []outbox.Record
	nextBoxID int64
	published map[int64]bool
}

func NewMemory() *Memory {
	return &Memory{
		state: &memState{
			subs:      map[string]billing.Subscription{},
			seq:       map[string]int{},
			sessions:  map[string]billing.CheckoutSession{},
			events:    map[eventKey]billing.ProviderEvent{},
			published: map[int64]bool{},
		},
	}
}

func (st *memState) clone() *memState {
	return &memState{
		subs:      maps.Clone(st.subs),
		seq:       maps.Clone(st.seq),
		nextSeq:   st.nextSeq,
		history:   slices.Clone(st.history),
		sessions:  maps.Clone(st.sessions),
		events:    maps.Clone(st.events),
		audit:     slices.Clone(st.audit),
		outbox:    slices.Clone(st.outbox),
		nextBoxID: st.nextBoxID,
		published: maps.Clone(st.published),
	}
}

func (m *Memory) WithMerchantTx(ctx context.Context, _ string, fn func(Tx) error) error {
	return m.WithTx(ctx, fn)
}

func (m *Memory) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *Memory) CurrentSubscription(_ context.Context, merchantID string) (billing.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.current(merchantID)
	if !ok {
		return billing.Subscription{}, billing.ErrNotFound
	}
	return s, nil
}

func (m *Memory) LatestSubscription(_ context.Context, merchantID string) (billing.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		latest billing.Subscription
		found  bool
	)
	for _, s := range m.state.subs {
		if s.MerchantID != merchantID {
			continue
		}
		if !found || m.state.seq[s.ID] > m.state.seq[latest.ID] {
			latest, found = s, true
		}
	}
	if !found {
		return billing.Subscription{}, billing.ErrNotFound
	}
	return latest, nil
}

func (m *Memory) GetSubscription(_ context.Context, id string) (billing.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.subs[id]
	if !ok {
		return billing.Subscription{}, billing.ErrNotFound
	}
	return s, nil
}

func (m *Memory) FindByReference(_ context.Context, provider billing.Provider, reference string) (billing.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reference == "" {
		return billing.Subscription{}, billing.ErrNotFound
	}
	var (
		match billing.Subscription
		found bool
	)
	for _, s := range m.state.subs {
		if s.Provider == provider && (s.ExternalReference == reference || s.CustomerReference == reference) {
			if !found || m.state.seq[s.ID] > m.state.seq[match.ID] {
				match, found = s, true
			}
		}
	}
	if !found {
		return billing.Subscription{}, billing.ErrNotFound
	}
	return match, nil
}

func (m *Memory) ListHistory(_ context.Context, merchantID string) ([]billing.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.historyFor(merchantID), nil
}

func (m *Memory) GetCheckoutSession(_ context.Context, reference string) (billing.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.sessions[reference]
	if !ok {
		return billing.CheckoutSession{}, billing.ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSweepCandidates(_ context.Context, now time.Time, limit int) ([]billing.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.Subscription
	for _, s := range m.state.subs {
		if !s.Status.Live() {
			continue
		}
		if !s.CurrentPeriodEnd.After(now) || s.Status == billing.StatusPastDue {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TryLeader(context.Context, int64) (func(), bool, error) {
	if !m.leader.TryLock() {
		return nil, false, nil
	}
	return m.leader.Unlock, true, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Drain implements outbox.Source.
func (m *Memory) Drain(ctx context.Context, limit int, deliver func(context.Context, []outbox.Record) error) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var batch []outbox.Record
	for _, r := range m.state.outbox {
		if len(batch) == limit {
			break
		}
		if !m.state.published[r.ID] {
			batch = append(batch, r)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := deliver(ctx, batch); err != nil {
		return 0, err
	}
	for _, r := range batch {
		m.state.published[r.ID] = true
	}
	return len(batch), nil
}

// OutboxEvents returns every outbox record written so far, published or not.
func (m *Memory) OutboxEvents() []outbox.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.outbox)
}

func (m *Memory) ProviderEvent(provider billing.Provider, id string) (billing.ProviderEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state.events[eventKey{provider, id}]
	return e, ok
}

func (m *Memory) AuditEvents() []billing.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.audit)
}

func (st *memState) current(merchantID string) (billing.Subscription, bool) {
	for _, s := range st.subs {
		if s.MerchantID == merchantID && s.Status.Live() {
			return s, true
		}
	}
	return billing.Subscription{}, false
}

func (st *memState) historyFor(merchantID string) []billing.HistoryEntry {
	var out []billing.HistoryEntry
	for _, e := range st.history {
		if e.MerchantID == merchantID {
			out = append(out, e)
		}
	}
	return out
}

type memTx struct {
	st *memState
}

func (t *memTx) CurrentForUpdate(_ context.Context, merchantID string) (billing.Subscription, bool, error) {
	s, ok := t.st.current(merchantID)
	return s, ok, nil
}

func (t *memTx) GetForUpdate(_ context.Context, id string) (billing.Subscription, error) {
	s, ok := t.st.subs[id]
	if !ok {
		return billing.Subscription{}, billing.ErrNotFound
	}
	return s, nil
}

func (t *memTx) MerchantFirstPaymentAt(_ context.Context, merchantID string) (*time.Time, error) {
	var first *time.Time
	for _, s := range t.st.subs {
		if s.MerchantID != merchantID || s.FirstPaymentAt == nil {
			continue
		}
		if first == nil || s.FirstPaymentAt.Before(*first) {
			v := *s.FirstPaymentAt
			first = &v
		}
	}
	return first, nil
}

func (t *memTx) InsertSubscription(_ context.Context, s billing.Subscription) error {
	if _, exists := t.st.subs[s.ID]; exists {
		return errDuplicateKey("subscriptions_pkey")
	}
	if s.Status.Live() {
		if _, live := t.st.current(s.MerchantID); live {
			return errDuplicateKey("subscriptions_one_live_per_merchant")
		}
	}
	t.st.nextSeq++
	t.st.seq[s.ID] = t.st.nextSeq
	t.st.subs[s.ID] = s
	return nil
}

func (t *memTx) UpdateSubscription(_ context.Context, s billing.Subscription) error {
	prev, ok := t.st.subs[s.ID]
	if !ok {
		return billing.ErrNotFound
	}
	if prev.FirstPaymentAt != nil {
		s.FirstPaymentAt = prev.FirstPaymentAt
	}
	t.st.subs[s.ID] = s
	return nil
}

func (t *memTx) HasHistory(_ context.Context, subscriptionID, externalEventID string) (bool, error) {
	for _, e := range t.st.history {
		if e.SubscriptionID == subscriptionID && e.ExternalEventID == externalEventID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) AppendHistory(ctx context.Context, e billing.HistoryEntry) error {
	if dup, _ := t.HasHistory(ctx, e.SubscriptionID, e.ExternalEventID); dup {
		return ErrDuplicateHistory
	}
	t.st.history = append(t.st.history, e)
	return nil
}

func (t *memTx) ListHistory(_ context.Context, merchantID string) ([]billing.HistoryEntry, error) {
	return t.st.historyFor(merchantID), nil
}

func (t *memTx) InsertProviderEvent(_ context.Context, e billing.ProviderEvent) error {
	k := eventKey{e.Provider, e.EventID}
	if _, exists := t.st.events[k]; exists {
		return ErrDuplicateProviderEvent
	}
	t.st.events[k] = e
	return nil
}

func (t *memTx) SetProviderEventStatus(_ context.Context, provider billing.Provider, eventID string, status billing.ProviderEventStatus) error {
	k := eventKey{provider, eventID}
	if e, ok := t.st.events[k]; ok {
		e.Status = status
		t.st.events[k] = e
	}
	return nil
}

func (t *memTx) SaveCheckoutSession(_ context.Context, s billing.CheckoutSession) error {
	if prev, ok := t.st.sessions[s.Reference]; ok && prev.CompletedAt != nil && s.CompletedAt == nil {
		s.CompletedAt = prev.CompletedAt
	}
	t.st.sessions[s.Reference] = s
	return nil
}

func (t *memTx) GetCheckoutSession(_ context.Context, reference string) (billing.CheckoutSession, error) {
	s, ok := t.st.sessions[reference]
	if !ok {
		return billing.CheckoutSession{}, billing.ErrNotFound
	}
	return s, nil
}

func (t *memTx) OpenCheckoutSession(_ context.Context, merchantID string, since time.Time) (billing.CheckoutSession, bool, error) {
	var out billing.CheckoutSession
	found := false
	for _, sess := range t.st.sessions {
		if sess.MerchantID != merchantID || sess.Status != billing.SessionCreated || !sess.CreatedAt.After(since) {
			continue
		}
		if !found || sess.CreatedAt.After(out.CreatedAt) {
			out, found = sess, true
		}
	}
	return out, found, nil
}

func (t *memTx) InsertAudit(_ context.Context, e billing.AuditEvent) error {
	t.st.audit = append(t.st.audit, e)
	return nil
}

func (t *memTx) InsertOutbox(_ context.Context, e outbox.Event) error {
	t.st.nextBoxID++
	t.st.outbox = append(t.st.outbox, outbox.Record{
		ID:            t.st.nextBoxID,
		EventID:       uuid.NewString(),
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       e.Payload,
		CreatedAt:     time.Now().UTC(),
	})
	return nil
}

type errDuplicateKey string

func (e errDuplicateKey) Error() string { return "duplicate key violates " + string(e) }
