// Package session persists the signed-in identity and owns its lifecycle.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soyeahso/backoffice/internal/api"
	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/soyeahso/backoffice/internal/logging"
	"github.com/soyeahso/backoffice/internal/store"
)

const storeKey = "session"

var (
	ErrNoSession   = errors.New("no stored session")
	ErrNotLoggedIn = errors.New("not logged in")
)

// Store reads and writes the single durable session slot.
type Store struct {
	kv store.KV
}

// NewStore creates a session store over kv.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

// Load returns the stored session, or ErrNoSession when the slot is empty.
func (s *Store) Load(ctx context.Context) (*auth.Session, error) {
	data, err := s.kv.Get(ctx, storeKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	var sess auth.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding stored session: %w", err)
	}
	return &sess, nil
}

// Save overwrites the slot with sess.
func (s *Store) Save(ctx context.Context, sess *auth.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	return s.kv.Put(ctx, storeKey, data)
}

// Clear empties the slot.
func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, storeKey)
}

// Authenticator is the subset of the REST API the manager needs.
type Authenticator interface {
	AdminLogin(ctx context.Context, email, password string) (string, error)
	TeamLogin(ctx context.Context, email, password string) (string, *api.TeamMember, error)
	Me(ctx context.Context) (*api.TeamMember, error)
}

// APIAuthenticator adapts an api.Client to Authenticator.
func APIAuthenticator(c *api.Client) Authenticator {
	return apiAuth{c}
}

type apiAuth struct{ c *api.Client }

func (a apiAuth) AdminLogin(ctx context.Context, email, password string) (string, error) {
	return a.c.Auth.AdminLogin(ctx, email, password)
}

func (a apiAuth) TeamLogin(ctx context.Context, email, password string) (string, *api.TeamMember, error) {
	return a.c.Auth.TeamLogin(ctx, email, password)
}

func (a apiAuth) Me(ctx context.Context) (*api.TeamMember, error) {
	return a.c.Teams.Me(ctx)
}

// Manager owns the current session. It is created once per process, started
// with Init and ended with Logout; every component that needs the identity
// receives the manager rather than reading shared state.
type Manager struct {
	mu      sync.RWMutex
	store   *Store
	auth    Authenticator
	log     *logging.Logger
	now     func() time.Time
	current *auth.Session
}

// NewManager creates a manager. Call Init before use.
func NewManager(st *Store, a Authenticator, log *logging.Logger) *Manager {
	return &Manager{store: st, auth: a, log: log.Sub("session"), now: time.Now}
}

// SetAuthenticator wires the API after construction; the API client takes
// its bearer token from the manager, so the two are built in sequence.
func (m *Manager) SetAuthenticator(a Authenticator) {
	m.mu.Lock()
	m.auth = a
	m.mu.Unlock()
}

// Init restores the persisted session. A missing, undecodable, malformed or
// expired record leaves the manager logged out and clears the slot. For team
// members the permission map is refreshed; a failed refresh keeps the
// persisted map.
func (m *Manager) Init(ctx context.Context) error {
	sess, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSession):
		m.set(nil)
		return nil
	case err != nil:
		m.log.Warn().Err(err).Msg("discarding unreadable session")
		m.set(nil)
		return m.store.Clear(ctx)
	}

	claims, err := auth.ParseToken(sess.Token, m.now())
	if err == nil && !claims.Role.Valid() && sess.Role != auth.RoleTeamMember {
		err = fmt.Errorf("%w: missing role", auth.ErrMalformedToken)
	}
	if err != nil {
		m.log.Info().Err(err).Msg("stored token rejected, logged out")
		m.set(nil)
		return m.store.Clear(ctx)
	}

	// A role claim in the token wins; team tokens may carry none.
	if claims.Role.Valid() {
		sess.Role = claims.Role
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	m.set(sess)

	if sess.Role == auth.RoleTeamMember {
		if err := m.Refresh(ctx); err != nil {
			m.log.Warn().Err(err).Msg("permission refresh failed, keeping stored permissions")
		}
	}
	return nil
}

// LoginAdmin signs in an administrator and persists the new session.
func (m *Manager) LoginAdmin(ctx context.Context, email, password string) (*auth.Session, error) {
	token, err := m.authenticator().AdminLogin(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	claims, err := auth.DecodeToken(token, m.now())
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	sess := &auth.Session{
		Token: token,
		Role:  claims.Role,
		User:  auth.User{ID: claims.UserID, Email: firstNonEmpty(claims.Email, email)},
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, m.replace(ctx, sess)
}

// LoginTeam signs in a team member and persists the new session.
func (m *Manager) LoginTeam(ctx context.Context, email, password string) (*auth.Session, error) {
	token, member, err := m.authenticator().TeamLogin(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("team login: %w", err)
	}
	sess := &auth.Session{
		Token:       token,
		Role:        auth.RoleTeamMember,
		User:        auth.User{ID: member.ID, Email: firstNonEmpty(member.Email, email), FullName: member.FullName},
		Permissions: member.Permissions.Clone(),
	}
	if claims, err := auth.ParseToken(token, m.now()); err == nil && claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, m.replace(ctx, sess)
}

// Refresh re-reads the team member's permissions and replaces the map
// wholesale. Admin sessions have nothing to refresh.
func (m *Manager) Refresh(ctx context.Context) error {
	cur := m.Current()
	if cur == nil {
		return ErrNotLoggedIn
	}
	if cur.Role != auth.RoleTeamMember {
		return nil
	}
	me, err := m.authenticator().Me(ctx)
	if err != nil {
		return fmt.Errorf("refreshing permissions: %w", err)
	}
	next := cur.WithPermissions(me.Permissions)
	if me.FullName != "" {
		next.User.FullName = me.FullName
	}
	return m.replace(ctx, next)
}

// Logout ends the session and clears the persisted slot.
func (m *Manager) Logout(ctx context.Context) error {
	m.set(nil)
	return m.store.Clear(ctx)
}

// Current returns the active session, or nil when logged out or expired.
func (m *Manager) Current() *auth.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current.Expired(m.now()) {
		return nil
	}
	return m.current
}

// Token implements api.TokenSource.
func (m *Manager) Token() string {
	if s := m.Current(); s != nil {
		return s.Token
	}
	return ""
}

func (m *Manager) replace(ctx context.Context, sess *auth.Session) error {
	if err := m.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	m.set(sess)
	m.log.Info().Str("role", string(sess.Role)).Str("email", sess.User.Email).Msg("session updated")
	return nil
}

func (m *Manager) set(sess *auth.Session) {
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
}

func (m *Manager) authenticator() Authenticator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.auth
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
