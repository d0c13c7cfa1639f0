package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"casedesk/internal/domain"
	"casedesk/internal/engine"
	"casedesk/internal/repo"
)

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users and roles"}
	usr.AddCommand(userCreateCmd())
	usr.AddCommand(userListCmd())
	usr.AddCommand(userDeactivateCmd())
	usr.AddCommand(userGrantCmd())
	usr.AddCommand(userRevokeCmd())
	usr.AddCommand(userWhoamiCmd())
	return usr
}

func userCreateCmd() *cobra.Command {
	var opts engine.CreateUserOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email address")
	cmd.Flags().StringSliceVar(&opts.Roles, "role", nil, "role to grant (repeatable: admin, staff)")
	return cmd
}

func userListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx, activeOnly)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(users))
				for _, u := range users {
					rows = append(rows, table.Row{u.ID, u.Name, u.Email, u.Active})
				}
				return renderTable(users, table.Row{"ID", "Name", "Email", "Active"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active users")
	return cmd
}

func userDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <user-id>",
		Short: "Deactivate a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, _ := actorID()
				u, err := e.DeactivateUser(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func userGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <user-id> <role>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.GrantRole(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("granted %s to %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func userRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user-id> <role>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeRole(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("revoked %s from %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func userWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show roles and permissions of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
}

func caseCmd() *cobra.Command {
	cs := &cobra.Command{Use: "case", Short: "Manage cases"}
	cs.AddCommand(caseOpenCmd())
	cs.AddCommand(caseListCmd())
	cs.AddCommand(caseShowCmd())
	cs.AddCommand(caseStaffCmd())
	cs.AddCommand(caseCloseCmd())
	cs.AddCommand(caseBalanceCmd())
	cs.AddCommand(caseResponsibleCmd())
	cs.AddCommand(caseHistoryCmd())
	return cs
}

func caseOpenCmd() *cobra.Command {
	var opts engine.OpenCaseOptions
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID, _ = actorID()
				c, err := e.OpenCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "case id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "case title")
	cmd.Flags().StringVar(&opts.ClientName, "client", "", "client name")
	cmd.Flags().Int64Var(&opts.Balance, "balance", 0, "outstanding balance in minor units")
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "user to staff the case with")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cases, err := e.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(cases))
				for _, c := range cases {
					rows = append(rows, table.Row{c.ID, c.Title, c.ClientName, c.Status, c.Balance})
				}
				return renderTable(cases, table.Row{"ID", "Title", "Client", "Status", "Balance"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active, closed)")
	cmd.Flags().StringVar(&f.ResponsibleID, "responsible", "", "current responsible user")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func caseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, nil, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func caseStaffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "staff <case-id> <user-id>",
		Short: "Make a user responsible for a case without a derivation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, _ := actorID()
				a, err := e.StaffCase(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func caseCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <case-id>",
		Short: "Close a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, _ := actorID()
				c, err := e.CloseCase(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func caseBalanceCmd() *cobra.Command {
	var balance int64
	cmd := &cobra.Command{
		Use:   "balance <case-id>",
		Short: "Set the outstanding balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, _ := actorID()
				c, err := e.SetCaseBalance(ctx, args[0], balance, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Int64Var(&balance, "amount", 0, "balance in minor units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func caseResponsibleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "responsible <case-id>",
		Short: "Show the current responsible assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CurrentResponsible(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func caseHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <case-id>",
		Short: "Show the ownership history of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AssignmentHistory(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.UserID, a.AssignedAt, deref(a.RevokedAt), a.IsActive, deref(a.DerivationID)})
				}
				return renderTable(items, table.Row{"User", "Assigned", "Revoked", "Active", "Derivation"}, rows)
			})
		},
	}
}

func derivationCmd() *cobra.Command {
	dv := &cobra.Command{
		Use:     "derivation",
		Aliases: []string{"drv"},
		Short:   "Hand cases off between users",
		Long:    "Commands act as --actor-id: create sends from the actor, cancel requires the actor to be the sender, reject and view require the receiver.",
	}
	dv.AddCommand(derivationCreateCmd())
	dv.AddCommand(derivationCancelCmd())
	dv.AddCommand(derivationRejectCmd())
	dv.AddCommand(derivationViewCmd())
	dv.AddCommand(derivationShowCmd())
	dv.AddCommand(derivationListCmd())
	dv.AddCommand(derivationSentCmd())
	dv.AddCommand(derivationReceivedCmd())
	dv.AddCommand(derivationStatsCmd())
	return dv
}

func derivationCreateCmd() *cobra.Command {
	var opts engine.CreateDerivationOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Hand a case to another user",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			opts.FromUserID = actor
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDerivation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CaseID, "case", "", "case id")
	cmd.Flags().StringVar(&opts.ToUserID, "to", "", "receiving user id")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the case is handed off")
	cmd.Flags().StringVar(&opts.Priority, "priority", "normal", "low, normal, high or urgent")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "free-form comment")
	cmd.Flags().StringVar(&opts.ID, "id", "", "derivation id (generated when empty)")
	return cmd
}

func derivationCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <derivation-id>",
		Short: "Withdraw an unviewed derivation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CancelDerivation(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "optional cancellation note")
	return cmd
}

func derivationRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <derivation-id>",
		Short: "Refuse a derivation and return the case to its sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RejectDerivation(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason (required)")
	return cmd
}

func derivationViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view <derivation-id>",
		Short: "Mark a received derivation as viewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.MarkViewed(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"derivation":     res.Derivation,
					"already_viewed": res.AlreadyViewed,
					"message":        res.Message(),
				})
			})
		},
	}
}

func derivationShowCmd() *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "show <derivation-id>",
		Short: "Show a derivation the actor sent or received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var d domain.DerivationDetail
				if open {
					d, err = e.FindOneAndMarkViewed(ctx, args[0], actor)
				} else {
					d, err = e.FindOne(ctx, args[0], actor)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "mark viewed when the actor is the receiver")
	return cmd
}

type derivationListFlags struct {
	caseID   string
	priority string
	active   string
	viewed   string
	limit    int
}

func (fl *derivationListFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&fl.caseID, "case", "", "case id filter")
	cmd.Flags().StringVar(&fl.priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&fl.active, "active", "", "true or false")
	cmd.Flags().StringVar(&fl.viewed, "viewed", "", "true or false")
	cmd.Flags().IntVar(&fl.limit, "limit", 50, "max rows")
}

func (fl derivationListFlags) filters() (repo.DerivationFilters, error) {
	f := repo.DerivationFilters{CaseID: fl.caseID, Priority: fl.priority, Limit: fl.limit}
	var err error
	if f.IsActive, err = parseOptionalBool("active", fl.active); err != nil {
		return f, err
	}
	if f.IsViewed, err = parseOptionalBool("viewed", fl.viewed); err != nil {
		return f, err
	}
	return f, nil
}

func parseOptionalBool(name, raw string) (*bool, error) {
	switch raw {
	case "":
		return nil, nil
	case "true":
		v := true
		return &v, nil
	case "false":
		v := false
		return &v, nil
	}
	return nil, fmt.Errorf("--%s must be true or false", name)
}

func renderDerivations(items []domain.DerivationDetail) error {
	rows := make([]table.Row, 0, len(items))
	for _, d := range items {
		rows = append(rows, table.Row{d.ID, d.Case.ID, d.FromUser.Name, d.ToUser.Name, d.Priority, d.State(), d.CreatedAt})
	}
	return renderTable(items, table.Row{"ID", "Case", "From", "To", "Priority", "State", "Created"}, rows)
}

func derivationListCmd() *cobra.Command {
	var fl derivationListFlags
	var from, to, involving string
	var asc bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all derivations",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := fl.filters()
			if err != nil {
				return err
			}
			f.FromUserID, f.ToUserID, f.InvolvingUserID, f.Ascending = from, to, involving, asc
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDerivations(ctx, f)
				if err != nil {
					return err
				}
				return renderDerivations(items)
			})
		},
	}
	fl.bind(cmd)
	cmd.Flags().StringVar(&from, "from", "", "sender filter")
	cmd.Flags().StringVar(&to, "to", "", "receiver filter")
	cmd.Flags().StringVar(&involving, "involving", "", "sender or receiver filter")
	cmd.Flags().BoolVar(&asc, "asc", false, "oldest first")
	return cmd
}

func derivationSentCmd() *cobra.Command {
	var fl derivationListFlags
	cmd := &cobra.Command{
		Use:   "sent",
		Short: "Derivations the actor handed off",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			f, err := fl.filters()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.SentBy(ctx, actor, f)
				if err != nil {
					return err
				}
				return renderDerivations(items)
			})
		},
	}
	fl.bind(cmd)
	return cmd
}

func derivationReceivedCmd() *cobra.Command {
	var fl derivationListFlags
	cmd := &cobra.Command{
		Use:   "received",
		Short: "Derivations handed to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			f, err := fl.filters()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ReceivedBy(ctx, actor, f)
				if err != nil {
					return err
				}
				return renderDerivations(items)
			})
		},
	}
	fl.bind(cmd)
	return cmd
}

func derivationStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dashboard counters for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Stats(ctx, actor)
				if err != nil {
					return err
				}
				return renderTable(s, table.Row{"Counter", "Value"}, []table.Row{
					{"received_pending", s.ReceivedPending},
					{"received_unviewed", s.ReceivedUnviewed},
					{"sent_pending", s.SentPending},
					{"cases_with_balance", s.CasesWithBalance},
					{"terminated", s.Terminated},
					{"total_active", s.TotalActive},
				})
			})
		},
	}
}

func notificationCmd() *cobra.Command {
	n := &cobra.Command{Use: "notification", Aliases: []string{"inbox"}, Short: "Read the actor's notifications"}
	n.AddCommand(notificationListCmd())
	n.AddCommand(notificationReadCmd())
	return n
}

func notificationListCmd() *cobra.Command {
	var f repo.NotificationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			f.UserID = actor
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Notifications(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, n := range items {
					rows = append(rows, table.Row{n.ID, n.Title, n.Message, n.Route, n.ReadAt != nil, n.CreatedAt})
				}
				return renderTable(items, table.Row{"ID", "Title", "Message", "Route", "Read", "Created"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&f.UnreadOnly, "unread", false, "only unread notifications")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func notificationReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.MarkNotificationRead(ctx, actor, args[0])
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Create an API key; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":         key.ID,
					"user_id":    key.UserID,
					"name":       key.Name,
					"created_at": key.CreatedAt,
					"key":        raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.Name, k.CreatedAt})
				}
				return renderTable(keys, table.Row{"ID", "Name", "Created"}, rows)
			})
		},
	}
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the audit event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	var caseID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					events []domain.Event
					err    error
				)
				if caseID != "" {
					events, err = e.Repo.CaseEvents(ctx, caseID)
				} else {
					if after == 0 {
						latest, lerr := e.Repo.LatestEventID(ctx)
						if lerr != nil {
							return lerr
						}
						after = max(latest-int64(n), 0)
					}
					events, err = e.Repo.EventsAfter(ctx, after, n)
				}
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(events))
				for _, evt := range events {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.CaseID, evt.EntityID, evt.ActorID})
				}
				return renderTable(events, table.Row{"ID", "TS", "Type", "Case", "Entity", "Actor"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events with a greater id")
	cmd.Flags().StringVar(&caseID, "case", "", "all events of one case")
	return cmd
}
