package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/soyeahso/backoffice/internal/domain"
)

// UserClient manages client users.
type UserClient struct {
	c *Client
}

// ListWithScores returns every user with their latest score and flag.
func (s *UserClient) ListWithScores(ctx context.Context) ([]domain.User, error) {
	var out struct {
		Users []domain.User `json:"users"`
	}
	if err := s.c.doJSON(ctx, http.MethodGet, "/user/all/scores", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// Create adds a user.
func (s *UserClient) Create(ctx context.Context, in domain.UserInput) error {
	return s.c.doJSON(ctx, http.MethodPost, "/user/create-user", nil, in, nil)
}

// Update replaces a user's editable fields.
func (s *UserClient) Update(ctx context.Context, id string, in domain.UserInput) error {
	return s.c.doJSON(ctx, http.MethodPut, "/user/update-user/"+url.PathEscape(id), nil, in, nil)
}

// Delete removes a user.
func (s *UserClient) Delete(ctx context.Context, id string) error {
	return s.c.doJSON(ctx, http.MethodDelete, "/user/delete-user/"+url.PathEscape(id), nil, nil, nil)
}

// PaymentClient reads payment aggregates.
type PaymentClient struct {
	c *Client
}

// Analytics returns revenue totals and the per-source breakdown.
func (s *PaymentClient) Analytics(ctx context.Context) (*domain.PaymentAnalytics, error) {
	var out struct {
		Analytics domain.PaymentAnalytics `json:"analytics"`
	}
	if err := s.c.doJSON(ctx, http.MethodGet, "/payments/analytics", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Analytics, nil
}

// OrderClient reads and updates product orders.
type OrderClient struct {
	c *Client
}

// List returns recent orders, newest first.
func (s *OrderClient) List(ctx context.Context, limit int) ([]domain.Order, error) {
	var out struct {
		Orders []domain.Order `json:"orders"`
	}
	if err := s.c.doJSON(ctx, http.MethodGet, "/orders", limitQuery(limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// UpdateStatus moves an order to status. Unknown statuses fail without a request.
func (s *OrderClient) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid order status %q (want one of %v)", status, domain.OrderStatuses())
	}
	body := map[string]domain.OrderStatus{"status": status}
	return s.c.doJSON(ctx, http.MethodPut, "/orders/"+url.PathEscape(id)+"/status", nil, body, nil)
}

// ConsultationClient reads and assigns consultation requests.
type ConsultationClient struct {
	c *Client
}

// List returns recent consultation requests.
func (s *ConsultationClient) List(ctx context.Context, limit int) ([]domain.Consultation, error) {
	var out struct {
		Data []domain.Consultation `json:"data"`
	}
	if err := s.c.doJSON(ctx, http.MethodGet, "/consultancy/all", limitQuery(limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Assign hands a consultation to a team member.
func (s *ConsultationClient) Assign(ctx context.Context, id, teamMemberID string) error {
	if teamMemberID == "" {
		return fmt.Errorf("assign consultation %s: team member id is required", id)
	}
	body := map[string]string{"teamMemberId": teamMemberID}
	return s.c.doJSON(ctx, http.MethodPut, "/consultancy/"+url.PathEscape(id)+"/assign", nil, body, nil)
}

// DailyUpdateClient reads user progress posts.
type DailyUpdateClient struct {
	c *Client
}

// List returns all daily updates.
func (s *DailyUpdateClient) List(ctx context.Context) ([]domain.DailyUpdate, error) {
	var out struct {
		DailyUpdates []domain.DailyUpdate `json:"dailyUpdates"`
	}
	if err := s.c.doJSON(ctx, http.MethodGet, "/daily-updates", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.DailyUpdates, nil
}

// TeamMember is a back-office staff account with per-feature permissions.
type TeamMember struct {
	ID          string           `json:"_id"`
	FullName    string           `json:"fullName"`
	Email       string           `json:"email"`
	Permissions auth.Permissions `json:"permissions"`
}

// TeamClient reads team member accounts.
type TeamClient struct {
	c *Client
}

// List returns every team member.
func (s *TeamClient) List(ctx context.Context) ([]TeamMember, error) {
	var out struct {
		Data []TeamMember `json:"data"`
	}
	if err := s.c.doJSON(ctx, http.MethodGet, "/teams", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Me returns the signed-in team member, including current permissions.
func (s *TeamClient) Me(ctx context.Context) (*TeamMember, error) {
	var out struct {
		Data *TeamMember `json:"data"`
	}
	if err := s.c.doJSON(ctx, http.MethodGet, "/teams/me", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, fmt.Errorf("teams/me: empty response")
	}
	return out.Data, nil
}

// AuthClient exchanges credentials for a bearer token.
type AuthClient struct {
	c *Client
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AdminLogin signs in an administrator.
func (s *AuthClient) AdminLogin(ctx context.Context, email, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := s.c.doJSON(ctx, http.MethodPost, "/auth/login", nil, credentials{email, password}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("login: response carried no token")
	}
	return out.Token, nil
}

// TeamLogin signs in a team member and returns their profile.
func (s *AuthClient) TeamLogin(ctx context.Context, email, password string) (string, *TeamMember, error) {
	var out struct {
		Token string      `json:"token"`
		User  *TeamMember `json:"user"`
	}
	if err := s.c.doJSON(ctx, http.MethodPost, "/teams/login", nil, credentials{email, password}, &out); err != nil {
		return "", nil, err
	}
	if out.Token == "" {
		return "", nil, fmt.Errorf("team login: response carried no token")
	}
	if out.User == nil {
		out.User = &TeamMember{Email: email}
	}
	return out.Token, out.User, nil
}
