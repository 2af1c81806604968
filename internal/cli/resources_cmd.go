package cli

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/spf13/cobra"
)

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Browse client users and their health flags",
	}

	var flag, search string
	list := &cobra.Command{
		Use:   "list",
		Short: "List users with their latest score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if flag != "" && !validFlag(domain.Flag(flag)) {
				return fmt.Errorf("unknown flag %q (green, yellow, red)", flag)
			}
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureUsers, func(a *app) error {
				users, err := a.api.Users.ListWithScores(ctx)
				if err != nil {
					return err
				}
				users = filterUsers(users, domain.Flag(flag), search)
				tw := newTable(a.out, "ID", "NAME", "PHONE", "GOAL", "SCORE", "FLAG")
				for _, u := range users {
					tw.row(u.ID, u.FullName, u.PhoneNumber, truncate(u.Goal, 30),
						humanize.FtoaWithDigits(u.Score, 1), string(u.Flag))
				}
				if err := tw.flush(); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "\n%d user(s)\n", len(users))
				return nil
			})
		},
	}
	list.Flags().StringVar(&flag, "flag", "", "only users with this flag (green, yellow, red)")
	list.Flags().StringVar(&search, "search", "", "match name or phone number")

	cmd.AddCommand(list)
	return cmd
}

func validFlag(f domain.Flag) bool {
	switch f {
	case domain.FlagGreen, domain.FlagYellow, domain.FlagRed:
		return true
	}
	return false
}

func filterUsers(users []domain.User, flag domain.Flag, search string) []domain.User {
	search = strings.ToLower(strings.TrimSpace(search))
	out := users[:0:0]
	for _, u := range users {
		if flag != "" && u.Flag != flag {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(u.FullName), search) && !strings.Contains(u.PhoneNumber, search) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func newOrdersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Browse product orders and update their status",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if status != "" && !domain.OrderStatus(status).Valid() {
				return fmt.Errorf("unknown status %q (%s)", status, orderStatusList())
			}
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureOrders, func(a *app) error {
				orders, err := a.api.Orders.List(ctx, limit)
				if err != nil {
					return err
				}
				tw := newTable(a.out, "ID", "CUSTOMER", "ITEMS", "TOTAL", "PAYMENT", "STATUS", "PLACED")
				for _, o := range orders {
					if status != "" && o.Status != domain.OrderStatus(status) {
						continue
					}
					tw.row(o.ID, o.ContactInfo.Name, truncate(o.ItemNames(), 40), money(o.Total),
						o.PaymentMethod, string(o.Status), humanize.Time(o.CreatedAt))
				}
				return tw.flush()
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "only orders with this status")
	list.Flags().IntVar(&limit, "limit", 50, "maximum orders to fetch")

	setStatus := &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Move an order to a new fulfilment status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			next := domain.OrderStatus(args[1])
			if !next.Valid() {
				return fmt.Errorf("unknown status %q (%s)", args[1], orderStatusList())
			}
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureOrders, func(a *app) error {
				if err := a.canWrite(auth.FeatureOrders); err != nil {
					return err
				}
				if err := a.api.Orders.UpdateStatus(ctx, args[0], next); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Order %s is now %s\n", args[0], next)
				return nil
			})
		},
	}

	cmd.AddCommand(list, setStatus)
	return cmd
}

func orderStatusList() string {
	var names []string
	for _, s := range domain.OrderStatuses() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}

func newConsultationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consultations",
		Short: "Browse consultation requests and assign them",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List consultation requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureConsultations, func(a *app) error {
				items, err := a.api.Consultations.List(ctx, limit)
				if err != nil {
					return err
				}
				tw := newTable(a.out, "ID", "NAME", "EMAIL", "STATUS", "ASSIGNED", "RECEIVED")
				for _, c := range items {
					assigned := ""
					if c.AssignedTo != nil {
						assigned = c.AssignedTo.FullName
						if assigned == "" {
							assigned = c.AssignedTo.ID
						}
					}
					tw.row(c.ID, c.Name(), c.Email, string(c.Status), assigned, humanize.Time(c.CreatedAt))
				}
				return tw.flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum requests to fetch")

	assign := &cobra.Command{
		Use:   "assign <id> <teamMemberId>",
		Short: "Assign a consultation to a team member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureConsultations, func(a *app) error {
				if err := a.canWrite(auth.FeatureConsultations); err != nil {
					return err
				}
				if err := a.api.Consultations.Assign(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Consultation %s assigned to %s\n", args[0], args[1])
				return nil
			})
		},
	}

	cmd.AddCommand(list, assign)
	return cmd
}

func newUpdatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "updates",
		Short: "Browse daily progress updates posted by users",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List daily updates, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureDailyUpdates, func(a *app) error {
				updates, err := a.api.DailyUpdates.List(ctx)
				if err != nil {
					return err
				}
				tw := newTable(a.out, "ID", "USER", "TITLE", "POSTED")
				for _, u := range updates {
					author := u.UserID
					if u.User != nil {
						author = u.User.FullName
					}
					tw.row(u.ID, author, truncate(u.Title, 40), humanize.Time(u.CreatedAt))
				}
				return tw.flush()
			})
		},
	})
	return cmd
}
