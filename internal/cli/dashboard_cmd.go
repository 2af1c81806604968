package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/soyeahso/backoffice/internal/dashboard"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/spf13/cobra"
)

func newDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show the summary of users, revenue and recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureDashboard, func(a *app) error {
				return a.renderDashboard(ctx)
			})
		},
	}
}

// renderDashboard loads every section concurrently and prints what arrived.
// A failed section is shown as unavailable; the rest still render.
func (a *app) renderDashboard(ctx context.Context) error {
	sum := dashboard.New(dashboard.FromClient(a.api), cfg.Dashboard.RecentLimit, log).Load(ctx)
	w := a.out

	if sess := a.sessions.Current(); sess != nil {
		fmt.Fprintf(w, "Dashboard · %s\n\n", sess.User.Email)
	}

	if err := sum.Users.Err; err != nil {
		fmt.Fprintf(w, "Users       unavailable (%v)\n", err)
	} else {
		f := sum.Users.Flags
		fmt.Fprintf(w, "Users       %s total · %s green · %d yellow · %d red\n",
			humanize.Comma(int64(sum.Users.Total)), humanize.Comma(int64(sum.Users.Green)), f.Yellow, f.Red)
	}

	if err := sum.Payments.Err; err != nil {
		fmt.Fprintf(w, "Revenue     unavailable (%v)\n", err)
	} else {
		p := sum.Payments
		fmt.Fprintf(w, "Revenue     %s from %s payments\n", money(p.TotalRevenue), humanize.Comma(int64(p.TotalPayments)))
		if !p.Breakdown.Empty() {
			fmt.Fprintf(w, "            online/card %s · cash %s · other %s\n",
				money(p.Breakdown.OnlineCard), money(p.Breakdown.Cash), money(p.Breakdown.Other))
		}
	}

	fmt.Fprintln(w)
	section(w, "Recent chats", sum.RecentChats.Err, len(sum.RecentChats.Items), func() {
		for _, c := range sum.RecentChats.Items {
			fmt.Fprintf(w, "  %-24s %-10s %-9s %s\n", truncate(c.CustomerName, 24), c.CategoryLabel(), c.Status, lastLine(&c))
		}
	})
	section(w, "Recent consultations", sum.RecentConsultations.Err, len(sum.RecentConsultations.Items), func() {
		for _, c := range sum.RecentConsultations.Items {
			fmt.Fprintf(w, "  %-24s %-12s %s\n", truncate(c.Name(), 24), c.Status, humanize.Time(c.CreatedAt))
		}
	})
	section(w, "Recent orders", sum.RecentOrders.Err, len(sum.RecentOrders.Items), func() {
		for _, o := range sum.RecentOrders.Items {
			fmt.Fprintf(w, "  %-24s %-10s %10s  %s\n", truncate(o.ContactInfo.Name, 24), o.Status, money(o.Total), truncate(o.ItemNames(), 40))
		}
	})

	if failed := sum.Failed(); len(failed) > 0 {
		log.Warn().Strs("sections", failed).Msg("dashboard partially loaded")
	}
	return nil
}

func section(w io.Writer, title string, err error, n int, rows func()) {
	fmt.Fprintln(w, title)
	switch {
	case err != nil:
		fmt.Fprintf(w, "  unavailable (%v)\n", err)
	case n == 0:
		fmt.Fprintln(w, "  none")
	default:
		rows()
	}
	fmt.Fprintln(w)
}

func money(v float64) string {
	return "₹" + humanize.CommafWithDigits(v, 2)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func lastLine(c *domain.Conversation) string {
	m, ok := c.LastMessage()
	if !ok {
		return ""
	}
	text := m.Text
	if text == "" && m.Attachment != nil {
		text = "[" + string(m.Attachment.Kind) + "]"
	}
	return truncate(strings.ReplaceAll(text, "\n", " "), 48)
}
