package domain

import (
	"slices"
	"strings"
	"time"
)

// Flag is the traffic-light health marker computed for each client user.
type Flag string

const (
	FlagGreen  Flag = "green"
	FlagYellow Flag = "yellow"
	FlagRed    Flag = "red"
)

// User is a client of the wellness service with their latest score.
type User struct {
	ID          string  `json:"_id"`
	FullName    string  `json:"fullName"`
	PhoneNumber string  `json:"phoneNumber,omitempty"`
	Age         int     `json:"age,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
	Height      float64 `json:"height,omitempty"`
	Goal        string  `json:"goal,omitempty"`
	Photo       string  `json:"photo,omitempty"`
	Score       float64 `json:"score,omitempty"`
	Flag        Flag    `json:"flag,omitempty"`
}

// UserInput is the writable subset of a User for create and update calls.
type UserInput struct {
	FullName    string  `json:"fullName"`
	PhoneNumber string  `json:"phoneNumber"`
	Age         int     `json:"age,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
	Height      float64 `json:"height,omitempty"`
	Goal        string  `json:"goal,omitempty"`
}

// OrderStatus is the fulfilment stage of a product order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

var orderStatuses = []OrderStatus{
	OrderPending, OrderConfirmed, OrderProcessing, OrderShipped, OrderDelivered, OrderCancelled,
}

// OrderStatuses returns the allowed order statuses in fulfilment order.
func OrderStatuses() []OrderStatus {
	return slices.Clone(orderStatuses)
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	return slices.Contains(orderStatuses, s)
}

// OrderItem is one line of an order.
type OrderItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity,omitempty"`
	Price    float64 `json:"price,omitempty"`
}

// ContactInfo is the delivery contact captured at checkout.
type ContactInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Order is a product purchase.
type Order struct {
	ID            string      `json:"_id"`
	UserID        string      `json:"userId,omitempty"`
	Items         []OrderItem `json:"items"`
	Total         float64     `json:"total"`
	Status        OrderStatus `json:"status"`
	PaymentMethod string      `json:"paymentMethod,omitempty"`
	ContactInfo   ContactInfo `json:"contactInfo"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// ItemNames joins the order's item names for one-line display.
func (o Order) ItemNames() string {
	names := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		names = append(names, it.Name)
	}
	return strings.Join(names, ", ")
}

// ConsultationStatus tracks handling of a consultation request.
type ConsultationStatus string

const (
	ConsultationPending    ConsultationStatus = "pending"
	ConsultationInProgress ConsultationStatus = "in-progress"
	ConsultationCompleted  ConsultationStatus = "completed"
)

// Consultation is an inbound request for a call with the team.
type Consultation struct {
	ID          string             `json:"_id"`
	FirstName   string             `json:"firstName"`
	LastName    string             `json:"lastName"`
	Email       string             `json:"email"`
	PhoneNumber string             `json:"phoneNumber,omitempty"`
	Message     string             `json:"message,omitempty"`
	Status      ConsultationStatus `json:"status"`
	AssignedTo  *AgentRef          `json:"assignedTo,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Name returns the requester's full name.
func (c Consultation) Name() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// UpdateAuthor is the user who posted a daily update.
type UpdateAuthor struct {
	ID       string `json:"_id"`
	FullName string `json:"fullName"`
	Email    string `json:"email,omitempty"`
}

// DailyUpdate is a progress post submitted by a user.
type DailyUpdate struct {
	ID          string        `json:"_id"`
	UserID      string        `json:"userId,omitempty"`
	User        *UpdateAuthor `json:"user,omitempty"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	ImageURL    string        `json:"imageUrl,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// PaymentAnalytics is the aggregate the payments service reports.
type PaymentAnalytics struct {
	TotalRevenue  float64            `json:"totalRevenue"`
	TotalPayments int                `json:"totalPayments"`
	PaymentTypes  map[string]float64 `json:"paymentTypes"`
}
