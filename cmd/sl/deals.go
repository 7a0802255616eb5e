package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"salesline/internal/domain"
	"salesline/internal/engine"
)

func dealsCmd() *cobra.Command {
	d := &cobra.Command{Use: "deals", Aliases: []string{"deal"}, Short: "Manage deals"}
	d.AddCommand(dealListCmd())
	d.AddCommand(dealCreateCmd())
	d.AddCommand(dealShowCmd())
	d.AddCommand(dealUpdateCmd())
	d.AddCommand(dealMoveCmd())
	d.AddCommand(dealWonCmd())
	d.AddCommand(dealLostCmd())
	d.AddCommand(dealReopenCmd())
	d.AddCommand(dealDeleteCmd())
	d.AddCommand(dealRestoreCmd())
	return d
}

func dealListCmd() *cobra.Command {
	var f engine.DealFilter
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := stageRef(ctx, e, stage)
				if err != nil {
					return err
				}
				f.StageID = id
				views, err := e.ListDeals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				renderDeals(views)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage slug or id")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.Source, "source", "", "source filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter (baja, media, alta, urgente)")
	cmd.Flags().StringVar(&f.Search, "search", "", "match name, company, email or phone")
	cmd.Flags().StringSliceVar(&f.Tags, "tag", nil, "tag filter (repeatable)")
	cmd.Flags().BoolVar(&f.HasAlerts, "alerts", false, "only deals with alerts")
	cmd.Flags().BoolVar(&f.FollowUpOverdue, "overdue", false, "only deals with an overdue follow-up")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum deals")
	return cmd
}

func dealCreateCmd() *cobra.Command {
	var opts engine.CreateDealOptions
	var stage, value, closeDate, followUp string
	var probability int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.EstimatedValue, err = optionalDecimal(cmd, "value", value); err != nil {
				return err
			}
			if opts.ExpectedCloseDate, err = optionalTime(cmd, "close-date", closeDate); err != nil {
				return err
			}
			if opts.NextFollowUp, err = optionalTime(cmd, "follow-up", followUp); err != nil {
				return err
			}
			if cmd.Flags().Changed("probability") {
				opts.Probability = &probability
			}
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.StageID, err = stageRef(ctx, e, stage); err != nil {
					return err
				}
				view, err := e.CreateDeal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "deal or contact name")
	cmd.Flags().StringVar(&opts.Company, "company", "", "company")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&opts.PhoneCountryCode, "phone-code", "", "phone country code")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&stage, "stage", "", "initial open stage (slug or id)")
	cmd.Flags().StringVar(&value, "value", "", "estimated value")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "ISO currency code")
	cmd.Flags().StringVar(&opts.ServiceID, "service", "", "service id")
	cmd.Flags().StringVar(&opts.Source, "source", "", "lead source")
	cmd.Flags().StringVar(&opts.SourceDetail, "source-detail", "", "lead source detail")
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&closeDate, "close-date", "", "expected close date")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	cmd.Flags().IntVar(&probability, "probability", 0, "win probability 0-100")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "baja, media, alta or urgente")
	cmd.Flags().StringVar(&followUp, "follow-up", "", "next follow-up time")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func dealShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a deal with its timeline, reminders and alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
}

func dealUpdateCmd() *cobra.Command {
	var name, company, phone, email, owner, notes, priority, value, followUp, closeDate string
	var probability int
	var version int64
	var tags []string
	var clearFollowUp bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update deal fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateDealOptions{ID: args[0], ActorID: actorID(), ClearNextFollowUp: clearFollowUp}
			str := func(flag string, v *string) *string {
				if cmd.Flags().Changed(flag) {
					return v
				}
				return nil
			}
			opts.Name = str("name", &name)
			opts.Company = str("company", &company)
			opts.Phone = str("phone", &phone)
			opts.Email = str("email", &email)
			opts.OwnerID = str("owner", &owner)
			opts.Notes = str("notes", &notes)
			opts.Priority = str("priority", &priority)
			if cmd.Flags().Changed("probability") {
				opts.Probability = &probability
			}
			if cmd.Flags().Changed("expected-version") {
				opts.ExpectedVersion = &version
			}
			if cmd.Flags().Changed("tag") {
				opts.Tags = &tags
			}
			var err error
			if opts.EstimatedValue, err = optionalDecimal(cmd, "value", value); err != nil {
				return err
			}
			if opts.NextFollowUp, err = optionalTime(cmd, "follow-up", followUp); err != nil {
				return err
			}
			if opts.ExpectedCloseDate, err = optionalTime(cmd, "close-date", closeDate); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.UpdateDeal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&company, "company", "", "company")
	cmd.Flags().StringVar(&phone, "phone", "", "phone")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&value, "value", "", "estimated value")
	cmd.Flags().StringVar(&followUp, "follow-up", "", "next follow-up time")
	cmd.Flags().BoolVar(&clearFollowUp, "clear-follow-up", false, "remove the next follow-up")
	cmd.Flags().StringVar(&closeDate, "close-date", "", "expected close date")
	cmd.Flags().IntVar(&probability, "probability", 0, "win probability 0-100")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "reject the update if the deal changed since this version")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags (repeatable)")
	return cmd
}

func dealMoveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "move <id> <stage>",
		Short: "Move a deal to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stageID, err := stageRef(ctx, e, args[1])
				if err != nil {
					return err
				}
				d, err := e.MoveDeal(ctx, args[0], stageID, notes, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the timeline")
	return cmd
}

func dealWonCmd() *cobra.Command {
	var value, notes string
	cmd := &cobra.Command{
		Use:   "won <id>",
		Short: "Close a deal as won",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			final, err := optionalDecimal(cmd, "value", value)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.MarkWon(ctx, args[0], *final, notes, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "final deal value")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func dealLostCmd() *cobra.Command {
	var reason, notes string
	cmd := &cobra.Command{
		Use:   "lost <id>",
		Short: "Close a deal as lost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.MarkLost(ctx, args[0], domain.LostReason(strings.TrimSpace(reason)), notes, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "precio, competencia, timing, no_necesita, sin_respuesta, no_califica or otro")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func dealReopenCmd() *cobra.Command {
	var stage, notes string
	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a closed deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stageID, err := stageRef(ctx, e, stage)
				if err != nil {
					return err
				}
				d, err := e.ReopenDeal(ctx, args[0], stageID, notes, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "open stage to reopen into (default first open stage)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func dealDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Move a deal to the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SoftDelete(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func dealRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a deal from the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Restore(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func trashCmd() *cobra.Command {
	t := &cobra.Command{Use: "trash", Short: "Manage deleted deals"}
	t.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List trashed deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deals, err := e.ListTrash(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Company", "Deleted"})
				for _, d := range deals {
					deleted := ""
					if d.DeletedAt != nil {
						deleted = d.DeletedAt.Local().Format("2006-01-02 15:04")
					}
					tw.AppendRow(table.Row{d.ID, d.Name, deref(d.Company), deleted})
				}
				tw.Render()
				return nil
			})
		},
	})
	t.AddCommand(&cobra.Command{
		Use:   "purge <id>",
		Short: "Permanently delete a trashed deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Purge(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("Purged %s\n", args[0])
				return nil
			})
		},
	})
	t.AddCommand(&cobra.Command{
		Use:   "empty",
		Short: "Permanently delete every trashed deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.EmptyTrash(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	return t
}

func activityCmd() *cobra.Command {
	a := &cobra.Command{Use: "activity", Short: "Deal timeline"}
	var typ, title, description string
	logCmd := &cobra.Command{
		Use:   "log <deal-id>",
		Short: "Record an interaction on a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				act, err := e.LogActivity(ctx, args[0], domain.ActivityType(typ), title, description, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	logCmd.Flags().StringVar(&typ, "type", "note", "whatsapp, call, email, note or meeting")
	logCmd.Flags().StringVar(&title, "title", "", "title")
	logCmd.Flags().StringVar(&description, "description", "", "description")
	a.AddCommand(logCmd)
	a.AddCommand(&cobra.Command{
		Use:   "list <deal-id>",
		Short: "Show a deal's timeline, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.ListActivities(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Type", "Title", "By"})
				for _, act := range list {
					tw.AppendRow(table.Row{act.PerformedAt.Local().Format("2006-01-02 15:04"), act.Type, act.Title, act.PerformedBy})
				}
				tw.Render()
				return nil
			})
		},
	})
	return a
}

func remindersCmd() *cobra.Command {
	r := &cobra.Command{Use: "reminders", Aliases: []string{"reminder"}, Short: "Deal reminders"}
	var title, at, assignee string
	add := &cobra.Command{
		Use:   "add <deal-id>",
		Short: "Schedule a reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseTime(at)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rm, err := e.CreateReminder(ctx, engine.ReminderOptions{
					DealID:     args[0],
					Title:      title,
					RemindAt:   when,
					AssignedTo: assignee,
					ActorID:    actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rm)
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "title")
	add.Flags().StringVar(&at, "at", "", "when to remind")
	add.Flags().StringVar(&assignee, "assign", "", "assignee (default: you)")
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("at")
	r.AddCommand(add)

	var user string
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending reminders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPendingReminders(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Deal", "Title", "At", "Assigned"})
				for _, rm := range items {
					tw.AppendRow(table.Row{rm.ID, rm.DealID, rm.Title, rm.RemindAt.Local().Format("2006-01-02 15:04"), deref(rm.AssignedTo)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&user, "user", "", "only reminders assigned to or created by this user")
	r.AddCommand(list)

	r.AddCommand(&cobra.Command{
		Use:   "done <id>",
		Short: "Complete a reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rm, err := e.CompleteReminder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rm)
			})
		},
	})
	r.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteReminder(ctx, args[0])
			})
		},
	})
	return r
}

func followUpCmd() *cobra.Command {
	var title, description, due, priority string
	cmd := &cobra.Command{
		Use:   "follow-up <deal-id>",
		Short: "Set the next follow-up and file a task for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseTime(due)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateFollowUpTask(ctx, engine.FollowUpOptions{
					DealID:      args[0],
					Title:       title,
					Description: description,
					DueDate:     when,
					Priority:    domain.Priority(priority),
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&due, "due", "", "due date")
	cmd.Flags().StringVar(&priority, "priority", "", "task priority")
	_ = cmd.MarkFlagRequired("due")
	return cmd
}

func meetingCmd() *cobra.Command {
	var title, description, at string
	var duration int
	var attendees []string
	cmd := &cobra.Command{
		Use:   "meeting <deal-id>",
		Short: "Schedule a meeting with the deal's contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseTime(at)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ScheduleMeeting(ctx, engine.MeetingOptions{
					DealID:          args[0],
					Title:           title,
					Description:     description,
					StartsAt:        when,
					DurationMinutes: duration,
					Attendees:       attendees,
					ActorID:         actorID(),
				})
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "meeting title")
	cmd.Flags().StringVar(&description, "description", "", "agenda")
	cmd.Flags().StringVar(&at, "at", "", "start time")
	cmd.Flags().IntVar(&duration, "duration", 30, "duration in minutes")
	cmd.Flags().StringSliceVar(&attendees, "attendee", nil, "attendee email (repeatable)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}
