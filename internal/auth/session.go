package auth

import "time"

// User is the signed-in account as shown in the header.
type User struct {
	ID       string `json:"id,omitempty"`
	Email    string `json:"email"`
	FullName string `json:"fullName,omitempty"`
}

// Session is an authenticated identity. It is immutable once built;
// login, logout and permission refresh replace it wholesale.
type Session struct {
	Token       string      `json:"token"`
	Role        Role        `json:"role"`
	User        User        `json:"user"`
	Permissions Permissions `json:"permissions,omitempty"`
	ExpiresAt   time.Time   `json:"expiresAt,omitempty"`
}

// Can is the single capability check. Admin roles hold every capability;
// team members hold exactly what their permission map grants. A nil
// session holds nothing.
func (s *Session) Can(f Feature, a Access) bool {
	if s == nil {
		return false
	}
	if s.Role.IsAdmin() {
		return true
	}
	return s.Permissions.Allows(f, a)
}

// Expired reports whether the session's token is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// WithPermissions returns a copy of s carrying perms in place of its map.
func (s *Session) WithPermissions(perms Permissions) *Session {
	cp := *s
	cp.Permissions = perms.Clone()
	return &cp
}

// Destination is where a navigation request lands.
type Destination struct {
	Feature    Feature
	Login      bool // not signed in; show the login view
	Redirected bool // requested feature was denied; Feature is the default view
}

// DefaultView is the landing view and the target of denied navigation.
const DefaultView = FeatureDashboard

// Navigate resolves a request to view f. Unauthenticated requests go to
// login; denied requests fall back to the dashboard without an error.
// The dashboard itself is reachable by every signed-in session.
func Navigate(s *Session, f Feature) Destination {
	if s == nil {
		return Destination{Login: true}
	}
	if f == DefaultView || s.Can(f, Read) {
		return Destination{Feature: f}
	}
	return Destination{Feature: DefaultView, Redirected: true}
}
