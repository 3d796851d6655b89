// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-adapter/internal/recovery"
	"github.com/jeranaias/rigrun-adapter/internal/service"
)

// statusReport is the --json payload of the status command.
type statusReport struct {
	Status    service.Status     `json:"status"`
	Usage     service.UsageStats `json:"usage"`
	Errors    recovery.Stats     `json:"errors"`
	History   []errorEntry       `json:"history,omitempty"`
	Reachable *bool              `json:"reachable,omitempty"`
	Config    string             `json:"config"`
}

// errorEntry is one classified error, oldest first in statusReport.History.
type errorEntry struct {
	Kind    recovery.Kind `json:"kind"`
	Message string        `json:"message"`
	Status  int           `json:"status,omitempty"`
	Time    time.Time     `json:"time"`
}

func errorEntries(history []*recovery.Error) []errorEntry {
	out := make([]errorEntry, 0, len(history))
	for _, e := range history {
		out = append(out, errorEntry{Kind: e.Kind, Message: e.Message, Status: e.Status, Time: e.Timestamp})
	}
	return out
}

func newStatusCommand(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show adapter, session and usage status",
		Long: `Initialize the adapter and print its state: mode, model, session,
token totals and the current rate budget.

Examples:
  rigrun-adapter status
  rigrun-adapter status --check     Also ping the provider
  rigrun-adapter status --json      Includes the classified error history`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			svc, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Destroy()

			report := statusReport{Config: a.store.Path()}
			if check {
				ok := svc.TestConnection(cmd.Context())
				report.Reachable = &ok
			}
			report.Status = svc.Status()
			report.Usage = svc.UsageStats()
			report.Errors = svc.ErrorStats()
			report.History = errorEntries(svc.ErrorHistory())

			if a.jsonOutput {
				return NewJSONResponse("status", report).Print(a.stdout)
			}
			return printStatus(a.stdout, report)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "ping the provider")
	return cmd
}

func printStatus(w io.Writer, r statusReport) error {
	st := r.Status
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "State:\t%s\n", st.State)
	fmt.Fprintf(tw, "Config:\t%s\n", r.Config)
	fmt.Fprintf(tw, "Mode:\t%s\n", st.Mode)
	fmt.Fprintf(tw, "Enabled:\t%s\n", yesNo(st.Enabled))
	fmt.Fprintf(tw, "Model:\t%s\n", st.Model)
	fmt.Fprintf(tw, "Session:\t%s\n", yesNo(st.SessionActive))
	fmt.Fprintf(tw, "Authenticated:\t%s\n", yesNo(st.Authenticated))
	fmt.Fprintf(tw, "Conversations:\t%d\n", st.ConversationCount)
	fmt.Fprintf(tw, "Session tokens:\t%s\n", formatTokens(st.TokenTotals.Session))
	fmt.Fprintf(tw, "Usage today:\t%d requests, %s tokens, %d errors\n",
		r.Usage.Requests, formatTokens(r.Usage.TotalTokens), r.Usage.Errors)
	fmt.Fprintf(tw, "Rate budget:\t%d/%d remaining\n", st.RateBudget.Remaining, st.RateBudget.Limit)
	if st.RateLimited {
		fmt.Fprintf(tw, "Rate limited:\tyes\n")
	}
	if r.Errors.Total > 0 {
		fmt.Fprintf(tw, "Errors:\t%d (most common: %s)\n", r.Errors.Total, r.Errors.MostCommon)
	}
	if n := len(r.History); n > 0 {
		fmt.Fprintf(tw, "Last error:\t%s: %s\n", r.History[n-1].Kind, r.History[n-1].Message)
	}
	if r.Reachable != nil {
		fmt.Fprintf(tw, "Reachable:\t%s\n", yesNo(*r.Reachable))
	}
	return tw.Flush()
}
