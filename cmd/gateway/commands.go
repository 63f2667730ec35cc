package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"defense-gateway/middleware/defense"
	"defense-gateway/middleware/defense/domain"
)

func (f *rootFlags) session(cmd *cobra.Command) (*adminClient, printer, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, printer{}, err
	}
	c, err := newAdminClient(cfg)
	if err != nil {
		return nil, printer{}, err
	}
	return c, printer{w: cmd.OutOrStdout(), format: f.output}, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func newLockoutCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockout",
		Short: "Inspect or clear account lockouts",
	}

	identity := func(args []string) url.Values {
		return url.Values{"username": {args[0]}, "source": {args[1]}}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <username> <source>",
		Short: "Show the attempt record of an identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, p, err := f.session(cmd)
			if err != nil {
				return err
			}
			var v defense.LockoutView
			raw, err := c.call(cmd.Context(), http.MethodGet, "/lockouts", identity(args), nil, &v)
			if err != nil {
				return err
			}
			return p.print(raw, func(t table.Writer) {
				kv(t,
					[2]any{"Username", v.Username},
					[2]any{"Source", v.Source},
					[2]any{"Tracked", v.Tracked},
					[2]any{"Attempts", v.Attempts},
					[2]any{"Lockouts", v.LockoutCount},
					[2]any{"Locked", v.Locked},
					[2]any{"Locked until", formatTime(v.LockedUntil)},
					[2]any{"Retry after (s)", v.RetryAfter},
					[2]any{"Last attempt", formatTime(v.LastAttemptAt)},
				)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <username> <source>",
		Short: "Remove the attempt record and any active lockout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, p, err := f.session(cmd)
			if err != nil {
				return err
			}
			var out struct {
				Cleared bool `json:"cleared"`
			}
			raw, err := c.call(cmd.Context(), http.MethodDelete, "/lockouts", identity(args), nil, &out)
			if err != nil {
				return err
			}
			return p.print(raw, func(t table.Writer) { kv(t, [2]any{"Cleared", out.Cleared}) })
		},
	})
	return cmd
}

func banRows(t table.Writer, bans ...domain.BanEntry) {
	t.AppendHeader(table.Row{"Source", "Level", "Reason", "Manual", "Banned at", "Expires at"})
	for _, b := range bans {
		t.AppendRow(table.Row{b.Source, b.Level, b.Reason, b.Manual, formatTime(&b.BannedAt), formatTime(&b.ExpiresAt)})
	}
}

func newBanCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ban",
		Short: "List, inspect, issue or lift source bans",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active bans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, p, err := f.session(cmd)
			if err != nil {
				return err
			}
			var bans []domain.BanEntry
			raw, err := c.call(cmd.Context(), http.MethodGet, "/bans", nil, nil, &bans)
			if err != nil {
				return err
			}
			return p.print(raw, func(t table.Writer) { banRows(t, bans...) })
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <source>",
		Short: "Show the active ban of a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, p, err := f.session(cmd)
			if err != nil {
				return err
			}
			var b domain.BanEntry
			raw, err := c.call(cmd.Context(), http.MethodGet, "/bans/"+url.PathEscape(args[0]), nil, nil, &b)
			if err != nil {
				return err
			}
			return p.print(raw, func(t table.Writer) { banRows(t, b) })
		},
	})

	var req defense.BanRequest
	set := &cobra.Command{
		Use:   "set <source>",
		Short: "Ban a source manually",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, p, err := f.session(cmd)
			if err != nil {
				return err
			}
			var b domain.BanEntry
			raw, err := c.call(cmd.Context(), http.MethodPut, "/bans/"+url.PathEscape(args[0]), nil, req, &b)
			if err != nil {
				return err
			}
			return p.print(raw, func(t table.Writer) { banRows(t, b) })
		},
	}
	set.Flags().StringVar(&req.Duration, "duration", "", "ban duration, e.g. 45m (default: base ban duration)")
	set.Flags().StringVar(&req.Reason, "reason", "", "reason recorded with the ban")
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <source>",
		Short: "Lift a ban and forget the offense history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, p, err := f.session(cmd)
			if err != nil {
				return err
			}
			var out struct {
				Removed bool `json:"removed"`
			}
			raw, err := c.call(cmd.Context(), http.MethodDelete, "/bans/"+url.PathEscape(args[0]), nil, nil, &out)
			if err != nil {
				return err
			}
			return p.print(raw, func(t table.Writer) { kv(t, [2]any{"Removed", out.Removed}) })
		},
	})
	return cmd
}

func policyRows(t table.Writer, d defense.PolicyDocument) {
	kv(t,
		[2]any{"lockout.max_attempts", d.Lockout.MaxAttempts},
		[2]any{"lockout.attempt_window", d.Lockout.AttemptWindow},
		[2]any{"lockout.base_duration", d.Lockout.BaseDuration},
		[2]any{"lockout.max_duration", d.Lockout.MaxDuration},
		[2]any{"lockout.progressive", d.Lockout.Progressive},
		[2]any{"rate.per_second", d.Rate.PerSecond},
		[2]any{"rate.per_minute", d.Rate.PerMinute},
		[2]any{"rate.per_hour", d.Rate.PerHour},
		[2]any{"rate.suspicious_per_minute", d.Rate.SuspiciousPerMinute},
		[2]any{"rate.ban_per_minute", d.Rate.BanPerMinute},
		[2]any{"rate.allowlist", fmt.Sprint(d.Rate.Allowlist)},
		[2]any{"ban.base_duration", d.Ban.BaseDuration},
		[2]any{"ban.max_duration", d.Ban.MaxDuration},
		[2]any{"emergency.enabled", d.Emergency.Enabled},
		[2]any{"emergency.threshold", d.Emergency.Threshold},
		[2]any{"emergency.cooldown", d.Emergency.Cooldown},
		[2]any{"emergency.recovery_ratio", d.Emergency.RecoveryRatio},
		[2]any{"sweep.interval", d.Sweep.Interval},
	)
}

func newThresholdsCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Show or update the live policy thresholds",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the current thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, p, err := f.session(cmd)
			if err != nil {
				return err
			}
			var doc defense.PolicyDocument
			raw, err := c.call(cmd.Context(), http.MethodGet, "/thresholds", nil, nil, &doc)
			if err != nil {
				return err
			}
			return p.print(raw, func(t table.Writer) { policyRows(t, doc) })
		},
	})

	var file string
	set := &cobra.Command{
		Use:   "set --file policy.yaml",
		Short: "Merge a YAML (or JSON) policy file over the current thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			c, p, err := f.session(cmd)
			if err != nil {
				return err
			}
			var doc defense.PolicyDocument
			if _, err := c.call(cmd.Context(), http.MethodGet, "/thresholds", nil, nil, &doc); err != nil {
				return err
			}
			// campos ausentes no arquivo mantêm o valor atual
			if err := yaml.Unmarshal(src, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			raw, err := c.call(cmd.Context(), http.MethodPut, "/thresholds", nil, doc, &doc)
			if err != nil {
				return err
			}
			return p.print(raw, func(t table.Writer) { policyRows(t, doc) })
		},
	}
	set.Flags().StringVarP(&file, "file", "f", "", "policy file (YAML or JSON)")
	_ = set.MarkFlagRequired("file")
	cmd.AddCommand(set)
	return cmd
}

func newStatsCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show engine state and decision counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, p, err := f.session(cmd)
			if err != nil {
				return err
			}
			var st defense.Stats
			raw, err := c.call(cmd.Context(), http.MethodGet, "/stats", nil, nil, &st)
			if err != nil {
				return err
			}
			return p.print(raw, func(t table.Writer) {
				rows := [][2]any{
					{"Tracked identities", st.TrackedIdentities},
					{"Tracked sources", st.TrackedSources},
					{"Active bans", st.ActiveBans},
					{"Emergency", st.Emergency},
					{"Emergency rate (req/s)", st.EmergencyRate},
					{"Emergency until", formatTime(st.EmergencyUntil)},
					{"Allowed", st.Decisions.Allowed},
					{"Denied", st.Decisions.Denied},
				}
				reasons := make([]string, 0, len(st.ByReason))
				for r := range st.ByReason {
					reasons = append(reasons, r)
				}
				sort.Strings(reasons)
				for _, r := range reasons {
					rows = append(rows, [2]any{"reason: " + r, st.ByReason[r]})
				}
				kv(t, rows...)
			})
		},
	}
}
