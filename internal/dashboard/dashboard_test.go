package dashboard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soyeahso/backoffice/internal/api"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/soyeahso/backoffice/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

type fakeUsers struct {
	users []domain.User
	err   error
	delay time.Duration
}

func (f fakeUsers) ListWithScores(context.Context) ([]domain.User, error) {
	time.Sleep(f.delay)
	return f.users, f.err
}

type fakePayments struct {
	pa  *domain.PaymentAnalytics
	err error
}

func (f fakePayments) Analytics(context.Context) (*domain.PaymentAnalytics, error) {
	return f.pa, f.err
}

type fakeList[T any] struct {
	items []T
	err   error
	delay time.Duration
	limit *atomic.Int64
}

func (f fakeList[T]) List(_ context.Context, limit int) ([]T, error) {
	time.Sleep(f.delay)
	if f.limit != nil {
		f.limit.Store(int64(limit))
	}
	return f.items, f.err
}

func sources() Sources {
	return Sources{
		Users: fakeUsers{users: []domain.User{
			{ID: "1", Flag: domain.FlagGreen},
			{ID: "2", Flag: domain.FlagGreen},
			{ID: "3", Flag: domain.FlagYellow},
			{ID: "4", Flag: domain.FlagRed},
			{ID: "5", Flag: "purple"},
			{ID: "6"},
		}},
		Payments: fakePayments{pa: &domain.PaymentAnalytics{
			TotalRevenue:  1234.5,
			TotalPayments: 17,
			PaymentTypes:  map[string]float64{"card": 800, "product": 300, "other": 134.5},
		}},
		Chats:         fakeList[domain.Conversation]{items: []domain.Conversation{{ID: "c1"}}},
		Consultations: fakeList[domain.Consultation]{items: []domain.Consultation{{ID: "k1"}}},
		Orders:        fakeList[domain.Order]{items: []domain.Order{{ID: "o1"}, {ID: "o2"}}},
	}
}

func TestLoad_AllSections(t *testing.T) {
	sum := New(sources(), 0, testLogger()).Load(context.Background())

	assert.Empty(t, sum.Failed())
	assert.Equal(t, 6, sum.Users.Total)
	assert.Equal(t, 2, sum.Users.Green)
	assert.Equal(t, FlagCounts{Green: 2, Yellow: 1, Red: 1}, sum.Users.Flags)

	assert.InDelta(t, 1234.5, sum.Payments.TotalRevenue, 0.001)
	assert.Equal(t, 17, sum.Payments.TotalPayments)
	assert.Equal(t, Breakdown{OnlineCard: 800, Cash: 300, Other: 134.5}, sum.Payments.Breakdown)

	assert.Len(t, sum.RecentChats.Items, 1)
	assert.Len(t, sum.RecentConsultations.Items, 1)
	assert.Len(t, sum.RecentOrders.Items, 2)
	assert.False(t, sum.FetchedAt.IsZero())
}

func TestLoad_OneFailureLeavesOthersIntact(t *testing.T) {
	src := sources()
	src.Payments = fakePayments{err: errors.New("analytics down")}

	sum := New(src, 5, testLogger()).Load(context.Background())

	assert.Equal(t, []string{"payments"}, sum.Failed())
	assert.EqualError(t, sum.Payments.Err, "analytics down")
	assert.True(t, sum.Payments.Breakdown.Empty())
	assert.Equal(t, 6, sum.Users.Total)
	assert.Len(t, sum.RecentChats.Items, 1)
	assert.Len(t, sum.RecentConsultations.Items, 1)
	assert.Len(t, sum.RecentOrders.Items, 2)
}

func TestLoad_EachSectionFailsIndependently(t *testing.T) {
	boom := errors.New("boom")
	cases := map[string]func(*Sources){
		"users":         func(s *Sources) { s.Users = fakeUsers{err: boom} },
		"chats":         func(s *Sources) { s.Chats = fakeList[domain.Conversation]{err: boom} },
		"consultations": func(s *Sources) { s.Consultations = fakeList[domain.Consultation]{err: boom} },
		"orders":        func(s *Sources) { s.Orders = fakeList[domain.Order]{err: boom} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			src := sources()
			mutate(&src)
			sum := New(src, 5, testLogger()).Load(context.Background())
			assert.Equal(t, []string{name}, sum.Failed())
			assert.Equal(t, 17, sum.Payments.TotalPayments)
		})
	}
}

func TestLoad_CompletionOrderDoesNotMatter(t *testing.T) {
	src := sources()
	src.Users = fakeUsers{users: []domain.User{{Flag: domain.FlagRed}}, delay: 30 * time.Millisecond}
	src.Orders = fakeList[domain.Order]{items: []domain.Order{{ID: "late"}}, delay: 60 * time.Millisecond}

	sum := New(src, 5, testLogger()).Load(context.Background())
	assert.Equal(t, 1, sum.Users.Flags.Red)
	require.Len(t, sum.RecentOrders.Items, 1)
	assert.Equal(t, "late", sum.RecentOrders.Items[0].ID)
}

func TestLoad_RunsConcurrently(t *testing.T) {
	src := sources()
	src.Users = fakeUsers{delay: 100 * time.Millisecond}
	src.Chats = fakeList[domain.Conversation]{delay: 100 * time.Millisecond}
	src.Consultations = fakeList[domain.Consultation]{delay: 100 * time.Millisecond}
	src.Orders = fakeList[domain.Order]{delay: 100 * time.Millisecond}

	start := time.Now()
	New(src, 5, testLogger()).Load(context.Background())
	assert.Less(t, time.Since(start), 350*time.Millisecond)
}

func TestLoad_PassesLimit(t *testing.T) {
	var got atomic.Int64
	src := sources()
	src.Orders = fakeList[domain.Order]{limit: &got}

	New(src, 0, testLogger()).Load(context.Background())
	assert.EqualValues(t, DefaultRecentLimit, got.Load())

	New(src, 12, testLogger()).Load(context.Background())
	assert.EqualValues(t, 12, got.Load())
}

func TestBreakdown(t *testing.T) {
	tests := []struct {
		name  string
		types map[string]float64
		want  Breakdown
	}{
		{"empty", nil, Breakdown{}},
		{"online wins over card", map[string]float64{"online": 10, "card": 99}, Breakdown{OnlineCard: 10}},
		{"zero online falls through", map[string]float64{"online": 0, "subscription": 7}, Breakdown{OnlineCard: 7}},
		{"cash then product", map[string]float64{"product": 4}, Breakdown{Cash: 4}},
		{"other only", map[string]float64{"other": 3, "crypto": 50}, Breakdown{Other: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := breakdown(tt.types)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Empty(), got.Total() == 0)
		})
	}
}

func TestFromClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/user/all/scores":
			w.Write([]byte(`{"users":[{"_id":"u1","fullName":"A","flag":"green"}]}`))
		case r.URL.Path == "/api/payments/analytics":
			http.Error(w, `{"message":"nope"}`, http.StatusInternalServerError)
		case r.URL.Path == "/api/chat":
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			w.Write([]byte(`{"chats":[{"_id":"c1","status":"open"}]}`))
		case r.URL.Path == "/api/consultancy/all":
			w.Write([]byte(`{"data":[]}`))
		case strings.HasPrefix(r.URL.Path, "/api/orders"):
			w.Write([]byte(`{"orders":[{"_id":"o1","status":"pending","total":10}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := api.New(api.Options{BaseURL: srv.URL + "/api", Tokens: api.StaticToken("t")}, testLogger())
	sum := New(FromClient(c), 5, testLogger()).Load(context.Background())

	assert.Equal(t, []string{"payments"}, sum.Failed())
	assert.Equal(t, 1, sum.Users.Green)
	assert.Len(t, sum.RecentChats.Items, 1)
	assert.Len(t, sum.RecentOrders.Items, 1)
}
