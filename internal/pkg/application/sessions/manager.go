package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected        = fmt.Errorf("tenant is not connected")
	ErrTransport           = fmt.Errorf("transport failure")
	ErrTenantNotFound      = fmt.Errorf("tenant not found")
	ErrInconsistentSession = fmt.Errorf("session reference and auth material disagree")
)

const (
	ReasonLoggedOut           string = "logged_out"
	ReasonAuthMaterialMissing string = "auth_material_missing"
)

//go:generate moq -rm -out manager_mock.go . ConnectionManager

type ConnectionManager interface {
	Initialize(ctx context.Context, tenantID string) error
	InitializeAll(ctx context.Context) error
	Logout(ctx context.Context, tenantID string) error
	Send(ctx context.Context, tenantID, to, text string) error
	Status(tenantID string) types.SessionInfo
}

// TenantStore is the persisted tenant record as seen by the lifecycle manager.
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (types.Tenant, error)
	GetTenants(ctx context.Context) ([]types.Tenant, error)
	StartSession(ctx context.Context, tenantID, sessionRef, authStorageRef string) error
	ResetSession(ctx context.Context, tenantID string, status types.ConnectionStatus, reason string) error
	SetConnectionStatus(ctx context.Context, tenantID string, status types.ConnectionStatus) error
	MarkConnected(ctx context.Context, tenantID string, at time.Time) error
}

// AuthStore holds the durable authentication material of each tenant.
type AuthStore interface {
	Exists(tenantID string) (bool, error)
	Prepare(tenantID string) (string, error)
	Delete(tenantID string) error
}

type Notifier interface {
	Publish(ctx context.Context, evt types.Event)
}

type Config struct {
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	SendTimeout    time.Duration `yaml:"sendTimeout"`
	LogoutTimeout  time.Duration `yaml:"logoutTimeout"`
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 5 * time.Second,
		SendTimeout:    15 * time.Second,
		LogoutTimeout:  10 * time.Second,
	}
}

type Manager struct {
	registry *Registry
	tenants  TenantStore
	auth     AuthStore
	dialer   Dialer
	render   RenderFunc
	notifier Notifier
	cfg      Config

	handlerMu sync.RWMutex
	handler   MessageHandlerFunc

	// after schedules fn to run once d has elapsed.
	after func(d time.Duration, fn func())

	baseCtx context.Context
	cancel  context.CancelFunc
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

func WithRenderer(r RenderFunc) Option {
	return func(m *Manager) {
		m.render = r
	}
}

func WithScheduler(after func(time.Duration, func())) Option {
	return func(m *Manager) {
		m.after = after
	}
}

func WithRegistry(r *Registry) Option {
	return func(m *Manager) {
		m.registry = r
	}
}

// NewManager creates a lifecycle manager. Transport callbacks and scheduled reconnects run
// with ctx, so it should carry the logger and outlive every session.
func NewManager(ctx context.Context, tenants TenantStore, auth AuthStore, dialer Dialer, cfg Config, opts ...Option) *Manager {
	baseCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		registry: NewRegistry(),
		tenants:  tenants,
		auth:     auth,
		dialer:   dialer,
		render:   func(code string) (string, error) { return code, nil },
		cfg:      cfg,
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		baseCtx: baseCtx,
		cancel:  cancel,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) OnMessage(h MessageHandlerFunc) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()

	m.handler = h
}

func (m *Manager) InitializeAll(ctx context.Context) error {
	log := logging.GetLoggerFromContext(ctx)

	tenants, err := m.tenants.GetTenants(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	for _, t := range tenants {
		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			if err := m.Initialize(ctx, tenantID); err != nil {
				log.Error().Err(err).Str("tenant", tenantID).Msg("failed to initialize session")
			}
		}(t.ID)
	}

	wg.Wait()

	log.Info().Msgf("initialized sessions for %d tenants", len(tenants))

	return nil
}

// Initialize makes sure the tenant has exactly one live session. It is a no-op if the tenant
// already has a connected session.
func (m *Manager) Initialize(ctx context.Context, tenantID string) error {
	ctx, log := logging.WithTenant(ctx, tenantID)

	s, err := m.prepareSession(ctx, tenantID)
	if err != nil || s == nil {
		return err
	}

	// connecting may block on the network and must not hold the tenant lock
	err = s.transport.Connect(ctx)
	if err != nil {
		log.Error().Err(err).Msg("transport failed to connect")
		m.abandon(ctx, s, err)
		return fmt.Errorf("%w: %s", ErrTransport, err.Error())
	}

	return nil
}

func (m *Manager) prepareSession(ctx context.Context, tenantID string) (*session, error) {
	log := logging.GetLoggerFromContext(ctx)

	unlock := m.registry.Lock(tenantID)
	defer unlock()

	if existing, ok := m.registry.get(tenantID); ok {
		if existing.status == types.StatusConnected {
			log.Debug().Msg("tenant already connected")
			return nil, nil
		}

		log.Info().Str("status", string(existing.status)).Msg("replacing session that never connected")
		m.registry.remove(tenantID, existing.id)
		go existing.transport.Close()
	}

	tenant, err := m.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, err.Error())
	}

	authPath, err := m.reconcile(ctx, tenant)
	if err != nil {
		m.setStatus(ctx, tenantID, types.StatusDisconnected, err.Error())
		return nil, err
	}

	s := &session{
		id:        uuid.NewString(),
		tenantID:  tenantID,
		status:    types.StatusConnecting,
		createdAt: time.Now(),
	}

	transport, err := m.dialer.Dial(ctx, tenantID, authPath, &sessionEvents{m: m, tenantID: tenantID, sessionID: s.id})
	if err != nil {
		log.Error().Err(err).Msg("could not create transport")
		m.setStatus(ctx, tenantID, types.StatusDisconnected, err.Error())
		return nil, fmt.Errorf("%w: %s", ErrTransport, err.Error())
	}

	s.transport = transport
	m.registry.put(s)

	m.notify(ctx, tenantID, types.StatusConnecting, "", "")

	return s, nil
}

// reconcile brings the session reference of the tenant in line with its auth material
// and returns the path of the material to use.
func (m *Manager) reconcile(ctx context.Context, tenant types.Tenant) (string, error) {
	log := logging.GetLoggerFromContext(ctx)

	hasMaterial, err := m.auth.Exists(tenant.ID)
	if err != nil {
		return "", err
	}

	hasRef := tenant.SessionRef != ""

	switch {
	case hasRef && hasMaterial:
		log.Info().Msg("restoring session from existing auth material")

		path, err := m.auth.Prepare(tenant.ID)
		if err != nil {
			return "", err
		}

		if err := m.tenants.SetConnectionStatus(ctx, tenant.ID, types.StatusConnecting); err != nil {
			return "", err
		}

		return path, nil

	case hasRef && !hasMaterial:
		log.Warn().Err(ErrInconsistentSession).Msg("session reference set but auth material is missing, starting over")

		if err := m.tenants.ResetSession(ctx, tenant.ID, types.StatusDisconnected, ReasonAuthMaterialMissing); err != nil {
			return "", err
		}
		m.notify(ctx, tenant.ID, types.StatusDisconnected, "", ReasonAuthMaterialMissing)

	case !hasRef && hasMaterial:
		log.Warn().Err(ErrInconsistentSession).Msg("orphaned auth material found, removing it")

		if err := m.auth.Delete(tenant.ID); err != nil {
			return "", err
		}
	}

	path, err := m.auth.Prepare(tenant.ID)
	if err != nil {
		return "", err
	}

	err = m.tenants.StartSession(ctx, tenant.ID, uuid.NewString(), path)
	if err != nil {
		return "", err
	}

	return path, nil
}

// abandon drops a session whose transport could not connect and leaves the tenant disconnected.
func (m *Manager) abandon(ctx context.Context, s *session, cause error) {
	unlock := m.registry.Lock(s.tenantID)
	defer unlock()

	if _, ok := m.registry.remove(s.tenantID, s.id); !ok {
		return
	}

	go s.transport.Close()

	m.setStatus(ctx, s.tenantID, types.StatusDisconnected, cause.Error())
}

// Logout signs the tenant out, removes its auth material and starts a fresh session
// so that a new pairing code is offered.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	ctx, log := logging.WithTenant(ctx, tenantID)

	if s, ok := m.registry.get(tenantID); ok {
		logoutCtx, cancel := context.WithTimeout(ctx, m.cfg.LogoutTimeout)
		err := s.transport.Logout(logoutCtx)
		cancel()

		if err != nil {
			log.Warn().Err(err).Msg("transport logout failed, tearing down anyway")
		}
	}

	err := func() error {
		unlock := m.registry.Lock(tenantID)
		defer unlock()

		s, ok := m.registry.get(tenantID)
		if !ok {
			return m.terminalTeardown(ctx, tenantID, nil)
		}
		return m.terminalTeardown(ctx, tenantID, &s)
	}()
	if err != nil {
		return err
	}

	if err := m.Initialize(ctx, tenantID); err != nil {
		log.Error().Err(err).Msg("failed to start a new session after logout")
	}

	return nil
}

// terminalTeardown removes every trace of the session. The caller must hold the tenant lock.
func (m *Manager) terminalTeardown(ctx context.Context, tenantID string, s *session) error {
	log := logging.GetLoggerFromContext(ctx)

	if s != nil {
		if _, ok := m.registry.remove(tenantID, s.id); ok {
			go s.transport.Close()
		}
	}

	if err := m.auth.Delete(tenantID); err != nil {
		log.Error().Err(err).Msg("failed to delete auth material")
	}

	err := m.tenants.ResetSession(ctx, tenantID, types.StatusDisconnected, ReasonLoggedOut)
	if err != nil {
		log.Error().Err(err).Msg("failed to clear session reference")
		return err
	}

	log.Info().Msg("session logged out")
	m.notify(ctx, tenantID, types.StatusDisconnected, "", ReasonLoggedOut)

	return nil
}

// Send delivers text to a recipient through the connected session of the tenant.
func (m *Manager) Send(ctx context.Context, tenantID, to, text string) error {
	s, ok := m.registry.get(tenantID)
	if !ok || s.status != types.StatusConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, tenantID)
	}

	recipient, err := NormalizeRecipient(to)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()

	if err := s.transport.Send(sendCtx, recipient, text); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Error().Err(err).Str("tenant", tenantID).Msg("failed to send message")
		return fmt.Errorf("%w: %s", ErrTransport, err.Error())
	}

	return nil
}

func (m *Manager) Status(tenantID string) types.SessionInfo {
	s, ok := m.registry.get(tenantID)
	if !ok {
		return types.SessionInfo{TenantID: tenantID, Status: types.StatusDisconnected}
	}

	return types.SessionInfo{TenantID: tenantID, Status: s.status, QR: s.qr}
}

// Shutdown closes every live transport without tearing the sessions down, so that
// they are restored from their auth material on the next start.
func (m *Manager) Shutdown(ctx context.Context) {
	m.cancel()

	closed := []session{}

	for _, s := range m.registry.all() {
		unlock := m.registry.Lock(s.tenantID)
		if _, ok := m.registry.remove(s.tenantID, s.id); ok {
			closed = append(closed, s)
			if err := m.tenants.SetConnectionStatus(ctx, s.tenantID, types.StatusDisconnected); err != nil {
				log := logging.GetLoggerFromContext(ctx)
				log.Error().Err(err).Str("tenant", s.tenantID).Msg("failed to store status on shutdown")
			}
		}
		unlock()
	}

	for _, s := range closed {
		s.transport.Close()
	}
}

func (m *Manager) setStatus(ctx context.Context, tenantID string, status types.ConnectionStatus, reason string) {
	if err := m.tenants.SetConnectionStatus(ctx, tenantID, status); err != nil {
		if !errors.Is(err, context.Canceled) {
			log := logging.GetLoggerFromContext(ctx)
			log.Error().Err(err).Str("tenant", tenantID).Msg("failed to store connection status")
		}
	}
	m.notify(ctx, tenantID, status, "", reason)
}

func (m *Manager) notify(ctx context.Context, tenantID string, status types.ConnectionStatus, qr, reason string) {
	metrics.ConnectionTransitions.WithLabelValues(string(status)).Inc()

	if m.notifier == nil {
		return
	}

	m.notifier.Publish(ctx, &types.ConnectionStatusChanged{
		TenantID:  tenantID,
		Status:    status,
		QR:        qr,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (m *Manager) logger(tenantID string) (context.Context, zerolog.Logger) {
	return logging.WithTenant(m.baseCtx, tenantID)
}

// sessionEvents binds transport callbacks to the session they were created for.
type sessionEvents struct {
	m         *Manager
	tenantID  string
	sessionID string
}

func (e *sessionEvents) OnPairingCode(code string) {
	m := e.m
	ctx, log := m.logger(e.tenantID)

	qr, err := m.render(code)
	if err != nil {
		log.Error().Err(err).Msg("failed to render pairing code")
		return
	}

	unlock := m.registry.Lock(e.tenantID)
	defer unlock()

	current := m.registry.update(e.tenantID, e.sessionID, func(s *session) {
		s.status = types.StatusQRPending
		s.qr = qr
	})
	if !current {
		log.Debug().Msg("ignoring pairing code from stale session")
		return
	}

	if err := m.tenants.SetConnectionStatus(ctx, e.tenantID, types.StatusQRPending); err != nil {
		log.Error().Err(err).Msg("failed to store connection status")
	}

	log.Info().Msg("waiting for pairing")
	m.notify(ctx, e.tenantID, types.StatusQRPending, qr, "")
}

func (e *sessionEvents) OnOpen() {
	m := e.m
	ctx, log := m.logger(e.tenantID)

	unlock := m.registry.Lock(e.tenantID)
	defer unlock()

	current := m.registry.update(e.tenantID, e.sessionID, func(s *session) {
		s.status = types.StatusConnected
		s.qr = ""
	})
	if !current {
		log.Debug().Msg("ignoring open from stale session")
		return
	}

	if err := m.tenants.MarkConnected(ctx, e.tenantID, time.Now()); err != nil {
		log.Error().Err(err).Msg("failed to store connection status")
	}

	log.Info().Msg("session connected")
	m.notify(ctx, e.tenantID, types.StatusConnected, "", "")
}

func (e *sessionEvents) OnClose(loggedOut bool, reason string) {
	m := e.m
	ctx, log := m.logger(e.tenantID)

	unlock := m.registry.Lock(e.tenantID)
	defer unlock()

	s, ok := m.registry.get(e.tenantID)
	if !ok || s.id != e.sessionID {
		log.Debug().Str("reason", reason).Msg("ignoring close from stale session")
		return
	}

	if loggedOut {
		_ = m.terminalTeardown(ctx, e.tenantID, &s)
		return
	}

	m.registry.remove(e.tenantID, s.id)
	go s.transport.Close()

	if err := m.tenants.SetConnectionStatus(ctx, e.tenantID, types.StatusConnecting); err != nil {
		log.Error().Err(err).Msg("failed to store connection status")
	}

	log.Info().Str("reason", reason).Msgf("session closed, reconnecting in %s", m.cfg.ReconnectDelay)
	m.notify(ctx, e.tenantID, types.StatusConnecting, "", reason)

	m.after(m.cfg.ReconnectDelay, func() {
		m.reconnect(e.tenantID)
	})
}

func (e *sessionEvents) OnMessage(from, text string) {
	m := e.m

	s, ok := m.registry.get(e.tenantID)
	if !ok || s.id != e.sessionID {
		return
	}

	m.handlerMu.RLock()
	h := m.handler
	m.handlerMu.RUnlock()

	if h == nil {
		return
	}

	ctx, _ := m.logger(e.tenantID)
	go h(ctx, e.tenantID, from, text)
}

// reconnect runs a scheduled initialize unless the manager is shut down or the tenant
// got a new session in the meantime.
func (m *Manager) reconnect(tenantID string) {
	ctx, log := m.logger(tenantID)

	if ctx.Err() != nil {
		return
	}

	if _, ok := m.registry.get(tenantID); ok {
		log.Debug().Msg("session already replaced, skipping scheduled reconnect")
		return
	}

	err := m.Initialize(ctx, tenantID)
	if err == nil {
		return
	}

	if errors.Is(err, ErrTransport) && ctx.Err() == nil {
		log.Warn().Err(err).Msgf("scheduled reconnect failed, retrying in %s", m.cfg.ReconnectDelay)
		m.after(m.cfg.ReconnectDelay, func() {
			m.reconnect(tenantID)
		})
		return
	}

	log.Error().Err(err).Msg("scheduled reconnect failed")
}
