package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"sequencer/internal/domain/generator"
	"sequencer/internal/domain/sequence"
)

const dateLayout = "2006-01-02"

// Command flags
var (
	// generate / reserve
	refDate  string
	varFlags []string
	count    int
	ttl      time.Duration

	// void
	voidReason string

	// gaps
	clearGaps bool

	// override
	force bool

	// output
	jsonOutput bool

	// define
	defPattern         string
	defResetPeriod     string
	defGapPolicy       string
	defOverflow        string
	defOverflowPattern string
	defStep            int64
	defResetLimit      int64
	defInitial         int64
	defThreshold       string
	effectiveFrom      string
	effectiveUntil     string
)

var generateCmd = &cobra.Command{
	Use:   "generate <sequence>",
	Short: "Issue the next number(s) of a sequence",
	Long: `Issue the next number of a sequence. Gaps are refilled first under the fill policy.

Examples:
  sequencer generate invoice --scope kyiv
  sequencer generate invoice --date 2025-01-31 --var BRANCH=KY
  sequencer generate receipt --count 5`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

var reserveCmd = &cobra.Command{
	Use:   "reserve <sequence>",
	Short: "Reserve a batch of numbers for later finalization",
	Args:  cobra.ExactArgs(1),
	RunE:  runReserve,
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize <sequence> <number>...",
	Short: "Confirm reserved numbers as used",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return settle(cmd, args, true)
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <sequence> <number>...",
	Short: "Give reserved numbers back",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return settle(cmd, args, false)
	},
}

var reservationsCmd = &cobra.Command{
	Use:   "reservations <sequence>",
	Short: "List active reservations",
	Args:  cobra.ExactArgs(1),
	RunE:  runReservations,
}

var voidCmd = &cobra.Command{
	Use:   "void <sequence> <number>",
	Short: "Void an issued number",
	Long: `Void an issued number. Under the fill and report-only gap policies the number
is recorded as a gap; under fill it is handed out again by the next generation.`,
	Args: cobra.ExactArgs(2),
	RunE: runVoid,
}

var gapsCmd = &cobra.Command{
	Use:   "gaps <sequence>",
	Short: "Show (or clear) recorded gaps",
	Args:  cobra.ExactArgs(1),
	RunE:  runGaps,
}

var lockCmd = &cobra.Command{
	Use:   "lock <sequence>",
	Short: "Freeze a sequence; generation fails until unlocked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setLocked(cmd, args[0], true)
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <sequence>",
	Short: "Unfreeze a locked sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setLocked(cmd, args[0], false)
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override <sequence> <value>",
	Short: "Set the counter to an explicit value (audited)",
	Long: `Set the counter to an explicit value. Lowering the counter can produce
duplicates and requires --force.`,
	Args: cobra.ExactArgs(2),
	RunE: runOverride,
}

var metricsCmd = &cobra.Command{
	Use:   "metrics <sequence>",
	Short: "Show utilization, gaps and reservations of a sequence",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetrics,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List defined sequences",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var defineCmd = &cobra.Command{
	Use:   "define <sequence>",
	Short: "Define a new sequence",
	Long: `Define a new sequence. Definitions in the configuration file are applied
automatically; define is for ad-hoc sequences.

Example:
  sequencer define credit-note --pattern "CN-{YY}{MM}-{COUNTER:4}" --reset monthly --gap-policy fill`,
	Args: cobra.ExactArgs(1),
	RunE: runDefine,
}

var versionsCmd = &cobra.Command{
	Use:   "versions <sequence>",
	Short: "List pattern versions",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersions,
}

var versionAddCmd = &cobra.Command{
	Use:   "add <sequence> <pattern>",
	Short: "Add a pattern version for a date range",
	Long: `Add a pattern version effective from --from until --until (open-ended when
omitted). An open current version is split at --from.`,
	Args: cobra.ExactArgs(2),
	RunE: runVersionAdd,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release expired reservations once",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		noSync = true
		return withSession(func(ctx context.Context, s *session) error {
			if err := s.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Apply the configured sequence definitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%d definitions applied\n", len(s.Config.Sequences))
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <sequence>",
	Short: "Show persisted audit events (postgres audit sink only)",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func registerCommands(root *cobra.Command) {
	generateCmd.Flags().StringVar(&refDate, "date", "", "Reference date (YYYY-MM-DD), default today")
	generateCmd.Flags().StringArrayVar(&varFlags, "var", nil, "Custom template variable (NAME=value)")
	generateCmd.Flags().IntVarP(&count, "count", "n", 1, "Number of sequential generations")

	reserveCmd.Flags().StringVar(&refDate, "date", "", "Reference date (YYYY-MM-DD), default today")
	reserveCmd.Flags().StringArrayVar(&varFlags, "var", nil, "Custom template variable (NAME=value)")
	reserveCmd.Flags().IntVarP(&count, "count", "n", 1, "Batch size")
	reserveCmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "Reservation lifetime")

	voidCmd.Flags().StringVar(&voidReason, "reason", "", "Why the number is voided")
	gapsCmd.Flags().BoolVar(&clearGaps, "clear", false, "Delete all recorded gaps")
	overrideCmd.Flags().BoolVar(&force, "force", false, "Allow lowering the counter")

	for _, c := range []*cobra.Command{metricsCmd, listCmd, versionsCmd, reservationsCmd, historyCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	}

	defineCmd.Flags().StringVarP(&defPattern, "pattern", "p", "", "Number template, e.g. INV-{YYYY}-{COUNTER:5}")
	defineCmd.Flags().StringVar(&defResetPeriod, "reset", "never", "Reset period (never, daily, monthly, yearly)")
	defineCmd.Flags().StringVar(&defGapPolicy, "gap-policy", "allow", "Gap policy (allow, fill, report-only)")
	defineCmd.Flags().StringVar(&defOverflow, "overflow", "throw", "Overflow behavior (throw, switch-pattern, extend-padding)")
	defineCmd.Flags().StringVar(&defOverflowPattern, "overflow-pattern", "", "Alternate pattern for switch-pattern overflow")
	defineCmd.Flags().Int64Var(&defStep, "step", 1, "Step size")
	defineCmd.Flags().Int64Var(&defResetLimit, "reset-limit", 0, "Reset after this many generations (0 = off)")
	defineCmd.Flags().Int64Var(&defInitial, "initial", 0, "Counter value after a reset (0 or 1)")
	defineCmd.Flags().StringVar(&defThreshold, "threshold", "", "Exhaustion warning threshold in percent")
	defineCmd.Flags().StringVar(&effectiveFrom, "from", "", "First version effective from (YYYY-MM-DD)")
	_ = defineCmd.MarkFlagRequired("pattern")

	versionAddCmd.Flags().StringVar(&effectiveFrom, "from", "", "Effective from (YYYY-MM-DD), default today")
	versionAddCmd.Flags().StringVar(&effectiveUntil, "until", "", "Effective until, exclusive (YYYY-MM-DD)")
	versionsCmd.AddCommand(versionAddCmd)

	root.AddCommand(
		generateCmd, reserveCmd, finalizeCmd, releaseCmd, reservationsCmd,
		voidCmd, gapsCmd, lockCmd, unlockCmd, overrideCmd,
		metricsCmd, listCmd, defineCmd, versionsCmd,
		sweepCmd, migrateCmd, syncCmd, historyCmd,
	)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(args[0])
	if err != nil {
		return err
	}
	if count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	return withSession(func(ctx context.Context, s *session) error {
		for i := 0; i < count; i++ {
			number, err := s.Engine.Generate(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), number)
		}
		return nil
	})
}

func runReserve(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(args[0])
	if err != nil {
		return err
	}
	return withSession(func(ctx context.Context, s *session) error {
		res, err := s.Engine.Reserve(ctx, req, count, ttl)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "reservation %s expires %s\n", res.ID, res.ExpiresAt.Format(time.RFC3339))
		for _, n := range res.Numbers {
			fmt.Fprintln(out, n)
		}
		return nil
	})
}

func settle(cmd *cobra.Command, args []string, finalize bool) error {
	key, err := keyArg(args[0])
	if err != nil {
		return err
	}
	numbers := args[1:]
	return withSession(func(ctx context.Context, s *session) error {
		verb := "released"
		if finalize {
			verb = "finalized"
			err = s.Engine.Finalize(ctx, key, numbers)
		} else {
			err = s.Engine.Release(ctx, key, numbers)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d number(s) %s\n", len(numbers), verb)
		return nil
	})
}

func runReservations(cmd *cobra.Command, args []string) error {
	key, err := keyArg(args[0])
	if err != nil {
		return err
	}
	return withSession(func(ctx context.Context, s *session) error {
		list, err := s.Engine.Reservations(ctx, key)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), list)
		}
		tw := newTable(cmd.OutOrStdout(), "ID", "HELD", "FINALIZED", "RELEASED", "EXPIRES")
		for _, r := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
				r.ID, strings.Join(r.Held, ","), len(r.Finalized), len(r.Released), r.ExpiresAt.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func runVoid(cmd *cobra.Command, args []string) error {
	key, err := keyArg(args[0])
	if err != nil {
		return err
	}
	return withSession(func(ctx context.Context, s *session) error {
		if err := s.Engine.Void(ctx, key, args[1], voidReason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s voided\n", args[1])
		return nil
	})
}

func runGaps(cmd *cobra.Command, args []string) error {
	key, err := keyArg(args[0])
	if err != nil {
		return err
	}
	return withSession(func(ctx context.Context, s *session) error {
		if clearGaps {
			n, err := s.Engine.ClearGaps(ctx, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d gap(s) cleared\n", n)
			return nil
		}
		gaps, err := s.Engine.GapReport(ctx, key)
		if err != nil {
			return err
		}
		tw := newTable(cmd.OutOrStdout(), "NUMBER", "REASON", "FILLED", "RECORDED")
		for _, g := range gaps {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", g.Number, g.Reason, g.Filled, g.RecordedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func setLocked(cmd *cobra.Command, name string, locked bool) error {
	key, err := keyArg(name)
	if err != nil {
		return err
	}
	return withSession(func(ctx context.Context, s *session) error {
		state := "unlocked"
		if locked {
			state = "locked"
			err = s.Engine.Lock(ctx, key)
		} else {
			err = s.Engine.Unlock(ctx, key)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", key, state)
		return nil
	})
}

func runOverride(cmd *cobra.Command, args []string) error {
	key, err := keyArg(args[0])
	if err != nil {
		return err
	}
	value, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid counter value %q: %w", args[1], err)
	}
	return withSession(func(ctx context.Context, s *session) error {
		if err := s.Engine.OverrideCounter(ctx, key, value, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s counter set to %d\n", key, value)
		return nil
	})
}

func runMetrics(cmd *cobra.Command, args []string) error {
	key, err := keyArg(args[0])
	if err != nil {
		return err
	}
	return withSession(func(ctx context.Context, s *session) error {
		m, err := s.Engine.Metrics(ctx, key)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), m)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "sequence\t%s\n", m.Key)
		fmt.Fprintf(tw, "pattern\t%s\n", m.ActivePattern)
		fmt.Fprintf(tw, "current value\t%d\n", m.CurrentValue)
		fmt.Fprintf(tw, "generations\t%d\n", m.GenerationCount)
		if m.Capacity > 0 {
			fmt.Fprintf(tw, "capacity\t%d\n", m.Capacity)
			fmt.Fprintf(tw, "utilization\t%s%%\n", m.UtilizationPercent.StringFixed(2))
		} else {
			fmt.Fprintf(tw, "capacity\tunbounded\n")
		}
		fmt.Fprintf(tw, "gaps\t%d\n", m.GapCount)
		fmt.Fprintf(tw, "active reservations\t%d\n", m.ActiveReservations)
		if m.LastGeneratedAt != nil {
			fmt.Fprintf(tw, "last reference date\t%s\n", m.LastGeneratedAt.Format(time.RFC3339))
		}
		if m.LastIssuedAt != nil {
			fmt.Fprintf(tw, "last issued\t%s\n", m.LastIssuedAt.Format(time.RFC3339))
		}
		if m.LastResetAt != nil {
			fmt.Fprintf(tw, "last reset\t%s\n", m.LastResetAt.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func runList(cmd *cobra.Command, _ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		list, err := s.Engine.List(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), list)
		}
		tw := newTable(cmd.OutOrStdout(), "SEQUENCE", "PATTERN", "RESET", "GAPS", "OVERFLOW", "STATE")
		for _, seq := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				seq.Key, seq.Pattern, seq.ResetPeriod, seq.GapPolicy, seq.OverflowBehavior, state(seq))
		}
		return tw.Flush()
	})
}

func state(seq *sequence.Sequence) string {
	switch {
	case seq.Locked:
		return "locked"
	case !seq.Active:
		return "inactive"
	}
	return "active"
}

func runDefine(cmd *cobra.Command, args []string) error {
	key, err := keyArg(args[0])
	if err != nil {
		return err
	}
	seq := &sequence.Sequence{
		Key:             key,
		Pattern:         defPattern,
		StepSize:        defStep,
		ResetLimit:      defResetLimit,
		InitialValue:    defInitial,
		OverflowPattern: defOverflowPattern,
		Active:          true,
	}
	if seq.ResetPeriod, err = sequence.ParseResetPeriod(defResetPeriod); err != nil {
		return err
	}
	if seq.GapPolicy, err = sequence.ParseGapPolicy(defGapPolicy); err != nil {
		return err
	}
	if seq.OverflowBehavior, err = sequence.ParseOverflowBehavior(defOverflow); err != nil {
		return err
	}
	if defThreshold != "" {
		if seq.ExhaustionThresholdPercent, err = decimal.NewFromString(strings.TrimSuffix(defThreshold, "%")); err != nil {
			return fmt.Errorf("invalid --threshold: %w", err)
		}
	}
	from, err := parseDate(effectiveFrom)
	if err != nil {
		return err
	}

	return withSession(func(ctx context.Context, s *session) error {
		def, err := s.Engine.Define(ctx, seq, from)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s defined with pattern %s\n", def.Key, def.Pattern)
		return nil
	})
}

func runVersions(cmd *cobra.Command, args []string) error {
	key, err := keyArg(args[0])
	if err != nil {
		return err
	}
	return withSession(func(ctx context.Context, s *session) error {
		versions, err := s.Engine.PatternVersions(ctx, key)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), versions)
		}
		tw := newTable(cmd.OutOrStdout(), "PATTERN", "FROM", "UNTIL")
		for _, v := range versions {
			until := "open"
			if v.EffectiveUntil != nil {
				until = v.EffectiveUntil.Format(dateLayout)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Pattern, v.EffectiveFrom.Format(dateLayout), until)
		}
		return tw.Flush()
	})
}

func runVersionAdd(cmd *cobra.Command, args []string) error {
	key, err := keyArg(args[0])
	if err != nil {
		return err
	}
	from, err := parseDate(effectiveFrom)
	if err != nil {
		return err
	}
	if from.IsZero() {
		from = time.Now().UTC().Truncate(24 * time.Hour)
	}
	var until *time.Time
	if effectiveUntil != "" {
		u, err := parseDate(effectiveUntil)
		if err != nil {
			return err
		}
		until = &u
	}
	return withSession(func(ctx context.Context, s *session) error {
		v, err := s.Engine.CreatePatternVersion(ctx, key, args[1], from, until)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %s effective from %s\n", v.Pattern, v.EffectiveFrom.Format(dateLayout))
		return nil
	})
}

func runSweep(cmd *cobra.Command, _ []string) error {
	return withSession(func(ctx context.Context, s *session) error {
		n, err := s.Engine.ReleaseExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d expired reservation(s) released\n", n)
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	key, err := keyArg(args[0])
	if err != nil {
		return err
	}
	return withSession(func(ctx context.Context, s *session) error {
		if s.History == nil {
			return fmt.Errorf("audit history needs audit.sink: postgres")
		}
		events, err := s.History.History(ctx, key, 50)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), events)
		}
		tw := newTable(cmd.OutOrStdout(), "AT", "EVENT", "ACTOR", "OUTCOME")
		for _, e := range events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.At.Format(time.RFC3339), e.Type, e.Actor, e.Outcome)
		}
		return tw.Flush()
	})
}

// --- helpers ---

func buildRequest(name string) (generator.Request, error) {
	key, err := keyArg(name)
	if err != nil {
		return generator.Request{}, err
	}
	ref, err := parseDate(refDate)
	if err != nil {
		return generator.Request{}, err
	}
	vars, err := parseVars(varFlags)
	if err != nil {
		return generator.Request{}, err
	}
	return generator.Request{Key: key, ReferenceDate: ref, Vars: vars}, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}

func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --var %q (want NAME=value)", p)
		}
		vars[strings.TrimSpace(name)] = value
	}
	return vars, nil
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
