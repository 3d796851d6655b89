// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// conversationRow is the --json payload entry of conversations list.
type conversationRow struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Model     string `json:"model"`
	Messages  int    `json:"messages"`
	Tokens    int    `json:"tokens"`
	UpdatedAt string `json:"updated_at"`
}

func newConversationsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List or delete archived conversations",
		Long: `Conversations outlive a single command only when storage.archive_path
is set.

Examples:
  rigrun-adapter config set storage.archive_path ~/.rigrun-adapter/conversations.db
  rigrun-adapter conversations list
  rigrun-adapter conversations list --query invoice
  rigrun-adapter conversations delete <id>`,
	}
	var query string
	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			svc, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Destroy()

			convs, err := svc.SearchConversations(cmd.Context(), query)
			if err != nil {
				return describeError(err)
			}
			rows := make([]conversationRow, 0, len(convs))
			for _, c := range convs {
				rows = append(rows, conversationRow{
					ID:        c.ID,
					Title:     c.Title,
					Model:     c.Model,
					Messages:  c.Len(),
					Tokens:    c.TotalTokens,
					UpdatedAt: c.UpdatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			if a.jsonOutput {
				return NewJSONResponse("conversations list", rows).Print(a.stdout)
			}
			if len(rows) == 0 {
				fmt.Fprintln(a.stdout, "No conversations.")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUPDATED\tMESSAGES\tTOKENS\tTITLE")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.UpdatedAt, r.Messages, formatTokens(r.Tokens), r.Title)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVarP(&query, "query", "q", "", "only conversations whose title or messages contain this text")

	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				defer a.close()
				svc, err := a.openService(cmd.Context())
				if err != nil {
					return err
				}
				defer svc.Destroy()

				if err := svc.DeleteConversation(cmd.Context(), args[0]); err != nil {
					return describeError(err)
				}
				fmt.Fprintf(a.stdout, "Deleted %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
