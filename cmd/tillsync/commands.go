package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/njoerd114/tillsync/internal/config"
	"github.com/njoerd114/tillsync/internal/model"
	"github.com/njoerd114/tillsync/internal/netmon"
	"github.com/njoerd114/tillsync/internal/setup"
	"github.com/njoerd114/tillsync/internal/state"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
	errMark  = color.New(color.FgRed).SprintFunc()
	heading  = color.New(color.Bold).SprintFunc()
)

// --- setup -------------------------------------------------------------------

func newSetupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run wizard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			logger := newLogger(opts.Verbose)
			ping := func(ctx context.Context, cfg *config.Config) error {
				client, err := newFirestoreClient(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer func() { _ = client.Close() }()
				pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				return client.Ping(pingCtx)
			}

			wiz := setup.NewWizard(os.Stdin, os.Stdout, opts.ConfigPath, ping, logger)
			_, err := wiz.Run(ctx)
			return err
		},
	}
}

// --- status ------------------------------------------------------------------

// statusReport is what `tillsync status --json` prints.
type statusReport struct {
	ConfigPath    string             `json:"config_path"`
	ConfigError   string             `json:"config_error,omitempty"`
	ProjectID     string             `json:"project_id,omitempty"`
	ServiceActive bool               `json:"service_active"`
	DBPath        string             `json:"db_path,omitempty"`
	DBSize        int64              `json:"db_size,omitempty"`
	PendingCount  int                `json:"pending_count"`
	DeadLetters   int                `json:"dead_letters"`
	Online        *bool              `json:"online,omitempty"`
	LastSyncTime  *time.Time         `json:"last_sync_time,omitempty"`
	Collections   []collectionReport `json:"collections,omitempty"`
}

type collectionReport struct {
	Name         string     `json:"name"`
	Pull         string     `json:"pull"`
	Entities     int        `json:"entities"`
	LastPulledAt *time.Time `json:"last_pulled_at,omitempty"`
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON, probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync, outbox and service state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := collectStatus(cmd.Context(), opts, probe)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&probe, "probe", false, "check that Firestore is reachable")
	return cmd
}

func collectStatus(ctx context.Context, opts *rootOptions, probe bool) (*statusReport, error) {
	report := &statusReport{
		ConfigPath:    opts.ConfigPath,
		ServiceActive: setup.IsServiceActive(),
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		report.ConfigError = err.Error()
		return report, nil
	}
	report.ProjectID = cfg.ProjectID

	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return nil, err
	}
	report.DBPath = dbPath
	info, err := os.Stat(dbPath)
	if err != nil {
		return report, nil // never synced
	}
	report.DBSize = info.Size()

	store, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer func() { _ = store.Close() }()

	if report.PendingCount, err = store.CountPending(ctx); err != nil {
		return nil, err
	}
	if report.DeadLetters, err = store.CountDeadLettered(ctx); err != nil {
		return nil, err
	}

	for _, c := range cfg.Collections {
		entities, err := store.GetAll(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		cr := collectionReport{Name: c.Name, Pull: c.Pull, Entities: len(entities)}
		cur, err := store.Cursor(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		if !cur.LastPulledAt.IsZero() {
			t := cur.LastPulledAt
			cr.LastPulledAt = &t
			if report.LastSyncTime == nil || t.After(*report.LastSyncTime) {
				report.LastSyncTime = &t
			}
		}
		report.Collections = append(report.Collections, cr)
	}

	if probe {
		logger := newLogger(opts.Verbose)
		client, err := newFirestoreClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		defer func() { _ = client.Close() }()
		online := netmon.New(client, cfg.ProbeInterval, 1, logger).Probe(ctx)
		report.Online = &online
	}
	return report, nil
}

func printStatus(w io.Writer, r *statusReport) {
	fmt.Fprintln(w, heading("TillSync Status"))
	fmt.Fprintln(w, "───────────────")

	if r.ServiceActive {
		fmt.Fprintf(w, "  Service:   %s\n", okMark("running (systemd)"))
	} else {
		fmt.Fprintf(w, "  Service:   %s\n", warnMark("not running"))
	}

	if r.ConfigError != "" {
		fmt.Fprintf(w, "  Config:    %s %s\n", r.ConfigPath, errMark("("+r.ConfigError+")"))
		fmt.Fprintln(w, "\nRun 'tillsync setup' to create a configuration.")
		return
	}
	fmt.Fprintf(w, "  Config:    %s %s\n", r.ConfigPath, okMark("✓"))
	fmt.Fprintf(w, "  Project:   %s\n", r.ProjectID)

	if r.Online != nil {
		if *r.Online {
			fmt.Fprintf(w, "  Firestore: %s\n", okMark("reachable"))
		} else {
			fmt.Fprintf(w, "  Firestore: %s\n", errMark("unreachable"))
		}
	}

	if r.DBSize == 0 {
		fmt.Fprintf(w, "  State DB:  not found\n")
		return
	}
	fmt.Fprintf(w, "  State DB:  %s (%s)\n", r.DBPath, humanSize(r.DBSize))

	pending := fmt.Sprintf("%d pending", r.PendingCount)
	if r.PendingCount > 0 {
		pending = warnMark(pending)
	}
	dead := fmt.Sprintf("%d dead-lettered", r.DeadLetters)
	if r.DeadLetters > 0 {
		dead = errMark(dead)
	}
	fmt.Fprintf(w, "  Outbox:    %s, %s\n", pending, dead)

	if r.LastSyncTime != nil {
		fmt.Fprintf(w, "  Last pull: %s\n", r.LastSyncTime.Local().Format(time.DateTime))
	} else {
		fmt.Fprintf(w, "  Last pull: never\n")
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  COLLECTION\tPULL\tENTITIES\tLAST PULLED")
	for _, c := range r.Collections {
		last := "-"
		if c.LastPulledAt != nil {
			last = c.LastPulledAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\n", c.Name, c.Pull, c.Entities, last)
	}
	_ = tw.Flush()
}

// --- enqueue -----------------------------------------------------------------

func newEnqueueCommand(opts *rootOptions) *cobra.Command {
	var data string
	var syncAfter bool

	cmd := &cobra.Command{
		Use:   "enqueue <create|update|delete> <collection> [id]",
		Short: "Record a local mutation in the outbox",
		Long: `Record a local mutation. It is applied to the local copy at once and
delivered to Firestore by the next sync pass.

Examples:
  tillsync enqueue create receipts --data '{"total": 12.5, "items": 3}'
  tillsync enqueue update customers c-17 --data '{"phone": "+49 30 1234"}'
  tillsync enqueue delete products p-42 --sync`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := model.ParseOperation(args[0])
			if err != nil {
				return err
			}
			collection := args[1]

			var id string
			if len(args) == 3 {
				id = args[2]
			}
			if id == "" {
				if op != model.OpCreate {
					return fmt.Errorf("%w: %s needs an entity id", model.ErrInvalid, op)
				}
				id = model.NewID()
			}

			payload, err := parsePayload(op, data, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			seq, err := a.engine.Enqueue(ctx, op, collection, id, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s/%s (sequence %d)\n", okMark("✓"), op, collection, id, seq)

			if syncAfter {
				return a.syncNow(ctx)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON object with the fields to write, or - to read it from stdin")
	cmd.Flags().BoolVar(&syncAfter, "sync", false, "run a sync pass right after enqueueing")
	return cmd
}

// parsePayload decodes the --data flag. Deletes carry no payload.
func parsePayload(op model.Operation, data string, stdin io.Reader) (model.Fields, error) {
	if op == model.OpDelete {
		if data != "" {
			return nil, fmt.Errorf("%w: delete takes no --data", model.ErrInvalid)
		}
		return nil, nil
	}

	raw := []byte(data)
	if data == "-" {
		var err error
		if raw, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("%w: %s needs --data", model.ErrInvalid, op)
	}

	fields, err := model.UnmarshalFields(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object: %w", model.ErrInvalid, err)
	}
	return fields, nil
}

// --- read --------------------------------------------------------------------

// entityJSON is the JSON-lines shape printed by `tillsync read`.
type entityJSON struct {
	ID         string       `json:"id"`
	Collection string       `json:"collection"`
	Fields     model.Fields `json:"fields"`
	UpdatedAt  time.Time    `json:"updated_at"`
	DeletedAt  *time.Time   `json:"deleted_at,omitempty"`
}

func newReadCommand(opts *rootOptions) *cobra.Command {
	var withDeleted bool

	cmd := &cobra.Command{
		Use:   "read <collection>",
		Short: "Print the local copy of a collection as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var entities []*model.Entity
			if withDeleted {
				entities, err = a.store.GetAllWithDeleted(ctx, args[0])
			} else {
				entities, err = a.engine.ReadCollection(ctx, args[0])
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entities {
				if err := enc.Encode(entityJSON{
					ID:         e.ID,
					Collection: e.Collection,
					Fields:     e.Fields,
					UpdatedAt:  e.UpdatedAt,
					DeletedAt:  e.DeletedAt,
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withDeleted, "deleted", false, "include soft-deleted entities")
	return cmd
}

// --- outbox ------------------------------------------------------------------

func newOutboxCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair undelivered local mutations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending and dead-lettered entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.store.PendingOutboxEntries(ctx, 0)
			if err != nil {
				return err
			}
			dead, err := a.engine.DeadLetters(ctx)
			if err != nil {
				return err
			}
			printOutbox(cmd.OutOrStdout(), pending, dead)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <sequence>",
		Short: "Return a dead-lettered entry to delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetter(cmd, opts, args[0], func(ctx context.Context, a *app, seq int64) error {
				return a.engine.Requeue(ctx, seq)
			}, "requeued")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <sequence>",
		Short: "Drop a dead-lettered entry for good",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetter(cmd, opts, args[0], func(ctx context.Context, a *app, seq int64) error {
				return a.engine.Discard(ctx, seq)
			}, "discarded")
		},
	})

	return cmd
}

func withDeadLetter(cmd *cobra.Command, opts *rootOptions, arg string, fn func(context.Context, *app, int64) error, verb string) error {
	seq, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: sequence %q is not a number", model.ErrInvalid, arg)
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, opts, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a, seq); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s entry %d %s\n", okMark("✓"), seq, verb)
	return nil
}

func printOutbox(w io.Writer, pending, dead []*model.OutboxEntry) {
	if len(pending) == 0 && len(dead) == 0 {
		fmt.Fprintln(w, okMark("Outbox is empty."))
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSTATE\tOP\tENTITY\tATTEMPTS\tENQUEUED\tLAST ERROR")
	row := func(e *model.OutboxEntry, st string) {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Sequence, st, e.Operation, e.Key(), e.Attempts,
			e.EnqueuedAt.Local().Format(time.DateTime), e.LastError)
	}
	for _, e := range pending {
		row(e, warnMark("pending"))
	}
	for _, e := range dead {
		row(e, errMark("dead"))
	}
	_ = tw.Flush()
}

// --- reset -------------------------------------------------------------------

func newResetCommand(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe the local copy, the outbox and the pull cursors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.store.CountPending(ctx)
			if err != nil {
				return err
			}
			if pending > 0 && !yes {
				return fmt.Errorf("%d local change(s) have not reached Firestore; rerun with --yes to discard them", pending)
			}

			if err := a.engine.ClearLocalData(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s local data cleared; the next sync re-hydrates from Firestore\n", okMark("✓"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "discard undelivered local changes")
	return cmd
}

// --- uninstall ---------------------------------------------------------------

func newUninstallCommand() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop the service and remove installed files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolving home directory: %w", err)
			}

			fmt.Fprintln(w, "Uninstalling TillSync...")

			if err := setup.DisableService(homeDir); err != nil {
				fmt.Fprintf(w, "  %s %v\n", warnMark("⚠"), err)
			} else {
				fmt.Fprintf(w, "  %s Service stopped\n", okMark("✓"))
			}

			if err := setup.RemoveUnit(homeDir); err != nil {
				fmt.Fprintf(w, "  %s %v\n", warnMark("⚠"), err)
			} else {
				fmt.Fprintf(w, "  %s Unit removed\n", okMark("✓"))
			}

			if purge {
				fmt.Fprintln(w, "  Purging config and state DB...")
				if err := setup.PurgeUserData(homeDir); err != nil {
					fmt.Fprintf(w, "  %s %v\n", warnMark("⚠"), err)
				} else {
					fmt.Fprintf(w, "  %s User data purged\n", okMark("✓"))
				}
			} else {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "  Config and state DB preserved.")
				fmt.Fprintln(w, "  Run with --purge to also remove them:")
				fmt.Fprintln(w, "    tillsync uninstall --purge")
			}

			fmt.Fprintln(w)
			fmt.Fprintln(w, okMark("✓ TillSync uninstalled."))
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also remove config and state DB (undelivered changes are lost)")
	return cmd
}

// --- version -----------------------------------------------------------------

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tillsync", version)
		},
	}
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// isUsageError reports errors caused by bad input rather than by the system.
func isUsageError(err error) bool {
	return errors.Is(err, model.ErrInvalid)
}
