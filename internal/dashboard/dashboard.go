// Package dashboard aggregates the landing-page overview from five
// independent reads.
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/soyeahso/backoffice/internal/api"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/soyeahso/backoffice/internal/logging"
	"golang.org/x/sync/errgroup"
)

// DefaultRecentLimit is the number of recent chats, consultations and
// orders shown when no limit is configured.
const DefaultRecentLimit = 5

type UserLister interface {
	ListWithScores(ctx context.Context) ([]domain.User, error)
}

type AnalyticsReader interface {
	Analytics(ctx context.Context) (*domain.PaymentAnalytics, error)
}

type ChatLister interface {
	List(ctx context.Context, limit int) ([]domain.Conversation, error)
}

type ConsultationLister interface {
	List(ctx context.Context, limit int) ([]domain.Consultation, error)
}

type OrderLister interface {
	List(ctx context.Context, limit int) ([]domain.Order, error)
}

// Sources are the reads behind the dashboard.
type Sources struct {
	Users         UserLister
	Payments      AnalyticsReader
	Chats         ChatLister
	Consultations ConsultationLister
	Orders        OrderLister
}

// FromClient wires every source to the REST client.
func FromClient(c *api.Client) Sources {
	return Sources{
		Users:         c.Users,
		Payments:      c.Payments,
		Chats:         c.Chats,
		Consultations: c.Consultations,
		Orders:        c.Orders,
	}
}

// FlagCounts is the histogram of user health flags.
type FlagCounts struct {
	Green  int
	Yellow int
	Red    int
}

// UserStats is the users tile.
type UserStats struct {
	Total int
	Green int
	Flags FlagCounts
	Err   error
}

// Breakdown splits revenue by payment source.
type Breakdown struct {
	OnlineCard float64
	Cash       float64
	Other      float64
}

// Total is the sum of all buckets.
func (b Breakdown) Total() float64 { return b.OnlineCard + b.Cash + b.Other }

// Empty reports whether no bucket has a value.
func (b Breakdown) Empty() bool { return b.Total() == 0 }

// PaymentStats is the revenue tile.
type PaymentStats struct {
	TotalRevenue  float64
	TotalPayments int
	Breakdown     Breakdown
	Err           error
}

// Recent is a short list section.
type Recent[T any] struct {
	Items []T
	Err   error
}

// Summary is the whole dashboard. Each section carries its own error; a
// failed read leaves its section empty and the others intact.
type Summary struct {
	Users               UserStats
	Payments            PaymentStats
	RecentChats         Recent[domain.Conversation]
	RecentConsultations Recent[domain.Consultation]
	RecentOrders        Recent[domain.Order]
	FetchedAt           time.Time
}

// Failed returns the names of the sections whose read failed.
func (s Summary) Failed() []string {
	var out []string
	for _, sec := range []struct {
		name string
		err  error
	}{
		{"users", s.Users.Err},
		{"payments", s.Payments.Err},
		{"chats", s.RecentChats.Err},
		{"consultations", s.RecentConsultations.Err},
		{"orders", s.RecentOrders.Err},
	} {
		if sec.err != nil {
			out = append(out, sec.name)
		}
	}
	return out
}

// Aggregator loads the dashboard.
type Aggregator struct {
	src   Sources
	limit int
	log   *logging.Logger
	now   func() time.Time
}

// New creates an Aggregator. A non-positive limit means DefaultRecentLimit.
func New(src Sources, limit int, log *logging.Logger) *Aggregator {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return &Aggregator{src: src, limit: limit, log: log.Sub("dashboard"), now: time.Now}
}

// Load runs every read concurrently and waits for all of them. No read's
// failure cancels another.
func (a *Aggregator) Load(ctx context.Context) Summary {
	var (
		mu  sync.Mutex
		sum Summary
		g   errgroup.Group
	)

	g.Go(func() error {
		users, err := a.src.Users.ListWithScores(ctx)
		st := userStats(users)
		st.Err = err
		mu.Lock()
		sum.Users = st
		mu.Unlock()
		a.done("users", err)
		return nil
	})
	g.Go(func() error {
		pa, err := a.src.Payments.Analytics(ctx)
		st := paymentStats(pa)
		st.Err = err
		mu.Lock()
		sum.Payments = st
		mu.Unlock()
		a.done("payments", err)
		return nil
	})
	g.Go(func() error {
		items, err := a.src.Chats.List(ctx, a.limit)
		mu.Lock()
		sum.RecentChats = Recent[domain.Conversation]{Items: items, Err: err}
		mu.Unlock()
		a.done("chats", err)
		return nil
	})
	g.Go(func() error {
		items, err := a.src.Consultations.List(ctx, a.limit)
		mu.Lock()
		sum.RecentConsultations = Recent[domain.Consultation]{Items: items, Err: err}
		mu.Unlock()
		a.done("consultations", err)
		return nil
	})
	g.Go(func() error {
		items, err := a.src.Orders.List(ctx, a.limit)
		mu.Lock()
		sum.RecentOrders = Recent[domain.Order]{Items: items, Err: err}
		mu.Unlock()
		a.done("orders", err)
		return nil
	})

	_ = g.Wait()
	sum.FetchedAt = a.now()
	return sum
}

func (a *Aggregator) done(section string, err error) {
	if err != nil {
		a.log.Warn().Err(err).Str("section", section).Msg("dashboard read failed")
		return
	}
	a.log.Debug().Str("section", section).Msg("dashboard read done")
}

func userStats(users []domain.User) UserStats {
	st := UserStats{Total: len(users)}
	for _, u := range users {
		switch u.Flag {
		case domain.FlagGreen:
			st.Flags.Green++
		case domain.FlagYellow:
			st.Flags.Yellow++
		case domain.FlagRed:
			st.Flags.Red++
		}
	}
	st.Green = st.Flags.Green
	return st
}

func paymentStats(pa *domain.PaymentAnalytics) PaymentStats {
	if pa == nil {
		return PaymentStats{}
	}
	return PaymentStats{
		TotalRevenue:  pa.TotalRevenue,
		TotalPayments: pa.TotalPayments,
		Breakdown:     breakdown(pa.PaymentTypes),
	}
}

// breakdown buckets payment types. Within a bucket the first key with a
// non-zero amount wins; amounts are not summed.
func breakdown(types map[string]float64) Breakdown {
	first := func(keys ...string) float64 {
		for _, k := range keys {
			if v := types[k]; v != 0 {
				return v
			}
		}
		return 0
	}
	return Breakdown{
		OnlineCard: first("online", "card", "subscription"),
		Cash:       first("cash", "product"),
		Other:      first("other"),
	}
}
