package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/iot-farm-bridge/pkg/types"
)

type tenantStoreFake struct {
	mu      sync.Mutex
	tenants map[string]types.Tenant
	calls   []string
}

func newTenantStore(tenants ...types.Tenant) *tenantStoreFake {
	f := &tenantStoreFake{tenants: map[string]types.Tenant{}}
	for _, t := range tenants {
		if t.ConnectionStatus == "" {
			t.ConnectionStatus = types.StatusDisconnected
		}
		f.tenants[t.ID] = t
	}
	return f
}

func (f *tenantStoreFake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *tenantStoreFake) tenant(id string) types.Tenant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tenants[id]
}

func (f *tenantStoreFake) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *tenantStoreFake) modify(tenantID string, fn func(t *types.Tenant)) error {
	t, ok := f.tenants[tenantID]
	if !ok {
		return errors.New("no such tenant")
	}
	fn(&t)
	f.tenants[tenantID] = t
	return nil
}

func (f *tenantStoreFake) GetTenant(ctx context.Context, tenantID string) (types.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tenants[tenantID]
	if !ok {
		return types.Tenant{}, errors.New("no such tenant")
	}
	return t, nil
}

func (f *tenantStoreFake) GetTenants(ctx context.Context) ([]types.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := []types.Tenant{}
	for _, t := range f.tenants {
		result = append(result, t)
	}
	return result, nil
}

func (f *tenantStoreFake) StartSession(ctx context.Context, tenantID, sessionRef, authStorageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("start:%s", tenantID)
	return f.modify(tenantID, func(t *types.Tenant) {
		t.SessionRef = sessionRef
		t.AuthStorageRef = authStorageRef
		t.ConnectionStatus = types.StatusConnecting
	})
}

func (f *tenantStoreFake) ResetSession(ctx context.Context, tenantID string, status types.ConnectionStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("reset:%s:%s", status, reason)
	return f.modify(tenantID, func(t *types.Tenant) {
		t.SessionRef = ""
		t.ConnectionStatus = status
		t.LastDisconnectReason = reason
	})
}

func (f *tenantStoreFake) SetConnectionStatus(ctx context.Context, tenantID string, status types.ConnectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("status:%s", status)
	return f.modify(tenantID, func(t *types.Tenant) {
		t.ConnectionStatus = status
	})
}

func (f *tenantStoreFake) MarkConnected(ctx context.Context, tenantID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("connected")
	return f.modify(tenantID, func(t *types.Tenant) {
		t.ConnectionStatus = types.StatusConnected
		t.LastConnectedAt = &at
	})
}

type authStoreFake struct {
	mu       sync.Mutex
	material map[string]bool
	deleted  int
}

func newAuthStore(tenantsWithMaterial ...string) *authStoreFake {
	f := &authStoreFake{material: map[string]bool{}}
	for _, t := range tenantsWithMaterial {
		f.material[t] = true
	}
	return f
}

func (f *authStoreFake) Exists(tenantID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.material[tenantID], nil
}

func (f *authStoreFake) Prepare(tenantID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.material[tenantID] = true
	return "/auth/" + tenantID, nil
}

func (f *authStoreFake) Delete(tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.material, tenantID)
	f.deleted++
	return nil
}

func (f *authStoreFake) has(tenantID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.material[tenantID]
}

type transportFake struct {
	mu         sync.Mutex
	events     Events
	authPath   string
	connectErr error
	logoutErr  error
	sendErr    error
	sent       []string
	closed     bool
	loggedOut  bool
}

func (t *transportFake) Connect(ctx context.Context) error {
	return t.connectErr
}

func (t *transportFake) Logout(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loggedOut = true
	return t.logoutErr
}

func (t *transportFake) Send(ctx context.Context, to, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, to+"|"+text)
	return nil
}

func (t *transportFake) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *transportFake) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type dialerFake struct {
	mu         sync.Mutex
	transports []*transportFake
	configure  func(t *transportFake)
}

func (d *dialerFake) Dial(ctx context.Context, tenantID, authPath string, events Events) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := &transportFake{events: events, authPath: authPath}
	if d.configure != nil {
		d.configure(t)
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *dialerFake) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *dialerFake) last() *transportFake {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

type notifierFake struct {
	mu     sync.Mutex
	events []*types.ConnectionStatusChanged
}

func (n *notifierFake) Publish(ctx context.Context, evt types.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := evt.(*types.ConnectionStatusChanged); ok {
		n.events = append(n.events, e)
	}
}

func (n *notifierFake) statuses() []types.ConnectionStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := []types.ConnectionStatus{}
	for _, e := range n.events {
		result = append(result, e.Status)
	}
	return result
}

// schedulerFake captures scheduled functions so that tests decide when they run.
type schedulerFake struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (s *schedulerFake) after(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, fn)
}

func (s *schedulerFake) runAll() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}
