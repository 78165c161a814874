package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/panel-order-service/internal/client"
	"github.com/wenwu/saas-platform/panel-order-service/internal/clock"
	"github.com/wenwu/saas-platform/panel-order-service/internal/models"
)

var errNotFound = errors.New("not found")

// memStore is an in-memory OrderStore with the same conditional update
// semantics as the SQL repository.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]*models.Order
	casErr error
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[int64]*models.Order)}
}

func (m *memStore) Create(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	order.ID = m.nextID
	m.orders[order.ID] = order.Clone()
	return nil
}

// put stores order as is, for seeding.
func (m *memStore) put(order *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.ID > m.nextID {
		m.nextID = order.ID
	}
	m.orders[order.ID] = order.Clone()
}

func (m *memStore) get(id int64) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Clone()
}

func (m *memStore) GetByID(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, errNotFound
	}
	return o.Clone(), nil
}

func (m *memStore) List(_ context.Context, status models.OrderStatus, limit, offset int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.sorted() {
		if status == "" || o.Status == status {
			out = append(out, o.Clone())
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListExpiredActive(_ context.Context, now time.Time, claimTTL time.Duration, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.sorted() {
		if o.Status != models.OrderStatusActive || o.ExpiresAt == nil || o.ExpiresAt.After(now) {
			continue
		}
		if o.ClaimToken != nil && !o.ClaimedAt.Before(now.Add(-claimTTL)) {
			continue
		}
		out = append(out, o.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) Claim(_ context.Context, id int64, expected models.OrderStatus, token string, now time.Time, claimTTL time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != expected {
		return false, nil
	}
	if o.ClaimToken != nil && !o.ClaimedAt.Before(now.Add(-claimTTL)) {
		return false, nil
	}
	o.ClaimToken = &token
	o.ClaimedAt = &now
	return true, nil
}

func (m *memStore) ReleaseClaim(_ context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok && o.ClaimToken != nil && *o.ClaimToken == token {
		o.ClaimToken = nil
		o.ClaimedAt = nil
	}
	return nil
}

func (m *memStore) CompareAndSwap(_ context.Context, next *models.Order, expected models.OrderStatus, token *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.casErr != nil {
		return false, m.casErr
	}
	o, ok := m.orders[next.ID]
	if !ok || o.Status != expected {
		return false, nil
	}
	switch {
	case token == nil && o.ClaimToken != nil:
		return false, nil
	case token != nil && (o.ClaimToken == nil || *o.ClaimToken != *token):
		return false, nil
	}
	stored := next.Clone()
	stored.ClaimToken = nil
	stored.ClaimedAt = nil
	m.orders[next.ID] = stored
	return true, nil
}

func (m *memStore) sorted() []*models.Order {
	out := make([]*models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fakeCatalog struct {
	servers map[int64]*models.Server
	plans   map[int64]*models.Plan
}

func (c *fakeCatalog) GetServer(_ context.Context, id int64) (*models.Server, error) {
	s, ok := c.servers[id]
	if !ok {
		return nil, errNotFound
	}
	return s, nil
}

func (c *fakeCatalog) GetPlan(_ context.Context, id int64) (*models.Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return nil, errNotFound
	}
	return p, nil
}

// fakePanel keeps panel clients in memory and counts calls.
type fakePanel struct {
	mu       sync.Mutex
	clients  map[string]client.ClientEntry
	inbound  *client.Inbound
	addCalls int
	delCalls int
	getCalls int
	addErr   error
	getErr   error
	// delErrFor fails DelClient for the listed client ids
	delErrFor map[string]error
	// delStarted and delRelease, when set, block DelClient until released
	delStarted chan struct{}
	delRelease chan struct{}
}

func newFakePanel() *fakePanel {
	return &fakePanel{
		clients:   make(map[string]client.ClientEntry),
		delErrFor: make(map[string]error),
		inbound: &client.Inbound{
			ID:             3,
			Protocol:       "vless",
			Port:           443,
			Remark:         "de-1",
			StreamSettings: `{"network":"ws","security":"tls","wsSettings":{"path":"/ws"},"tlsSettings":{"serverName":"example.com"}}`,
		},
	}
}

func (p *fakePanel) AddClient(_ context.Context, _ *models.Server, _ int, entry client.ClientEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addCalls++
	if p.addErr != nil {
		return p.addErr
	}
	for _, c := range p.clients {
		if c.Email == entry.Email {
			return &client.ValidationError{Op: "POST addClient", Reason: "panel reported failure", Msg: "Duplicate email: " + entry.Email}
		}
	}
	p.clients[entry.ID] = entry
	return nil
}

func (p *fakePanel) DelClient(_ context.Context, _ *models.Server, _ int, clientID string) error {
	p.mu.Lock()
	p.delCalls++
	started, release := p.delStarted, p.delRelease
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		<-release
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.delErrFor[clientID]; err != nil {
		return err
	}
	if _, ok := p.clients[clientID]; !ok {
		return &client.ValidationError{Op: "POST delClient", Reason: "panel reported failure", Msg: "Client Not Found"}
	}
	delete(p.clients, clientID)
	return nil
}

func (p *fakePanel) GetInbound(_ context.Context, _ *models.Server, _ int) (*client.Inbound, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++
	if p.getErr != nil {
		return nil, p.getErr
	}
	in := *p.inbound
	return &in, nil
}

func (p *fakePanel) counts() (add, del int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addCalls, p.delCalls
}

func (p *fakePanel) clientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*models.OrderLog
}

func (a *fakeAudit) LogActionWithMetadata(_ context.Context, orderID int64, action, status, message string, metadata map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, &models.OrderLog{
		ID:       fmt.Sprintf("log-%d", len(a.entries)+1),
		OrderID:  orderID,
		Action:   action,
		Status:   status,
		Message:  message,
		Metadata: metadata,
	})
	return nil
}

func (a *fakeAudit) GetByOrderID(_ context.Context, orderID int64, _ int) ([]*models.OrderLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*models.OrderLog
	for i := len(a.entries) - 1; i >= 0; i-- {
		if a.entries[i].OrderID == orderID {
			out = append(out, a.entries[i])
		}
	}
	return out, nil
}

func (a *fakeAudit) actions(orderID int64) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		if e.OrderID == orderID {
			out = append(out, e.Action)
		}
	}
	return out
}

type notification struct {
	UserRef string
	Message string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, userRef, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification{UserRef: userRef, Message: message})
	return nil
}

func (n *fakeNotifier) messages() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memStore
	catalog  *fakeCatalog
	panel    *fakePanel
	audit    *fakeAudit
	notifier *fakeNotifier
	clock    *clock.FakeClock
	prov     *ProvisioningService
	svc      *OrderService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemStore(),
		catalog: &fakeCatalog{
			servers: map[int64]*models.Server{
				1: {ID: 1, Title: "de-1", BaseURL: "https://example.com:2053/", Username: "admin", Password: "secret"},
			},
			plans: map[int64]*models.Plan{
				10: {ID: 10, ServerID: 1, InboundID: 3, Name: "Germany 30 days", VolumeGB: 50, DurationDays: 30, MultiUser: 2},
			},
		},
		panel:    newFakePanel(),
		audit:    &fakeAudit{},
		notifier: &fakeNotifier{},
		clock:    clock.Fake(testEpoch),
	}
	f.prov = NewProvisioningService(f.panel, f.catalog, f.audit, f.clock, nil)
	f.svc = NewOrderService(f.store, f.catalog, f.prov, f.audit, f.notifier, f.clock, time.Minute, nil)
	return f
}

// pendingOrder places an order and submits its receipt.
func (f *fixture) pendingOrder(t *testing.T) *models.Order {
	t.Helper()
	order, err := f.svc.PlaceOrder(context.Background(), "tg:1001", 10)
	require.NoError(t, err)
	order, err = f.svc.SubmitReceipt(context.Background(), order.ID, "file-abc")
	require.NoError(t, err)
	return order
}

// activeOrder places, pays and approves an order.
func (f *fixture) activeOrder(t *testing.T) *models.Order {
	t.Helper()
	order := f.pendingOrder(t)
	_, err := f.svc.ApproveOrder(context.Background(), order.ID)
	require.NoError(t, err)
	return f.store.get(order.ID)
}

// requireConsistent checks ACTIVE <=> grant and expiry on every stored order.
func (f *fixture) requireConsistent(t *testing.T) {
	t.Helper()
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for id, o := range f.store.orders {
		require.Truef(t, o.Consistent(), "order %d in %s violates the grant invariant", id, o.Status)
	}
}
