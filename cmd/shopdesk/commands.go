package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/shopdesk/internal/database"
	"github.com/gotrs-io/shopdesk/internal/models"
	"github.com/gotrs-io/shopdesk/internal/runner/tasks"
	"github.com/gotrs-io/shopdesk/internal/tickets"
	"github.com/gotrs-io/shopdesk/internal/version"
)

// withApp loads config, wires the app and runs fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(a *app) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func runTask(cmd *cobra.Command, opts *rootOptions, name string) error {
	return withApp(cmd, opts, func(a *app) error {
		reg, err := a.registry(true)
		if err != nil {
			return err
		}
		return a.runner(reg).RunNow(cmd.Context(), name)
	})
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Fetch and process the support mailbox once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTask(cmd, opts, tasks.MailFetchTaskName)
		},
	}
}

func newDrainCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver due outbound mail once and purge old sent rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTask(cmd, opts, tasks.EmailQueueTaskName)
		},
	}
}

func newQueueCmd(opts *rootOptions) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the outbound queue",
	}

	var asJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and recent failures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app) error {
				st, err := a.queue.Status(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "pending\t%d\n", st.Pending)
				fmt.Fprintf(tw, "processing\t%d\n", st.Processing)
				fmt.Fprintf(tw, "ready now\t%d\n", st.ReadyNow)
				fmt.Fprintf(tw, "sent (24h)\t%d\n", st.SentLast24h)
				fmt.Fprintf(tw, "failed\t%d\n", st.Failed)
				if len(st.RecentFailures) > 0 {
					fmt.Fprintln(tw, "\nID\tTO\tATTEMPTS\tERROR")
					for _, e := range st.RecentFailures {
						fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", e.ID, e.To, e.Attempts, e.ErrorMessage)
					}
				}
				return tw.Flush()
			})
		},
	}
	statusCmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")

	retryCmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a permanently failed email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(a *app) error {
				if err := a.queue.RetryFailed(cmd.Context(), id); err != nil {
					return fmt.Errorf("retry email %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "email %d requeued\n", id)
				return nil
			})
		},
	}

	queueCmd.AddCommand(statusCmd, retryCmd)
	return queueCmd
}

func newTicketCmd(opts *rootOptions) *cobra.Command {
	ticketCmd := &cobra.Command{
		Use:   "ticket",
		Short: "Operator actions on tickets",
	}

	var (
		body        string
		authorEmail string
		authorName  string
		attachments []string
	)
	replyCmd := &cobra.Command{
		Use:   "reply <id>",
		Short: "Queue an operator reply to the customer",
		Long: `Reply stores an operator answer on the ticket, queues it to the customer
threaded under the conversation and moves the ticket to pending. Use
--body - to read the reply from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			text, err := readBody(cmd.InOrStdin(), body)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(a *app) error {
				res, err := a.tickets.Reply(cmd.Context(), id, tickets.ReplyInput{
					Body:        text,
					AuthorEmail: authorEmail,
					AuthorName:  authorName,
					Attachments: attachments,
				})
				if err != nil {
					return fmt.Errorf("reply to ticket %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reply %d queued as email %d; ticket %d is %s\n",
					res.ReplyID, res.QueueID, id, res.Status)
				return nil
			})
		},
	}
	replyCmd.Flags().StringVarP(&body, "body", "b", "", "Reply text, markdown allowed (- reads stdin)")
	replyCmd.Flags().StringVar(&authorEmail, "author-email", "", "Operator address recorded on the reply")
	replyCmd.Flags().StringVar(&authorName, "author-name", "", "Operator name recorded on the reply")
	replyCmd.Flags().StringSliceVar(&attachments, "attach", nil, "Stored attachment to include, absolute or relative to storage.attachments_path (repeatable)")
	_ = replyCmd.MarkFlagRequired("body")

	var resolve bool
	closeCmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a ticket, or mark it resolved with --resolve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			status := models.TicketStatusClosed
			if resolve {
				status = models.TicketStatusResolved
			}
			return withApp(cmd, opts, func(a *app) error {
				next, err := a.tickets.SetStatus(cmd.Context(), id, status)
				if err != nil {
					return fmt.Errorf("ticket %d: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ticket %d is %s\n", id, next)
				return nil
			})
		},
	}
	closeCmd.Flags().BoolVar(&resolve, "resolve", false, "Mark resolved instead of closed")

	ticketCmd.AddCommand(replyCmd, closeCmd)
	return ticketCmd
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			db, err := database.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := db.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema up to date (%d migrations applied)\n", db.Dialect, n)
			return nil
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return configCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
		},
	}
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func readBody(stdin io.Reader, body string) (string, error) {
	if body != "-" {
		return body, nil
	}
	b, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read reply from stdin: %w", err)
	}
	return strings.TrimRight(string(b), "\n"), nil
}
