package main

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"amora/internal/content"
)

func newDraftsCmd(a *app) *cobra.Command {
	var discard string

	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "List unsent drafts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if discard != "" {
				if err := a.storage.DeleteDraft(discard); err != nil {
					return err
				}
				fmt.Fprintf(out, "discarded draft of %s\n", discard)
				return nil
			}

			drafts, err := a.storage.ListDrafts()
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(drafts))
			for id := range drafts {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			for _, id := range ids {
				d := drafts[id]
				fmt.Fprintf(out, "%s  %s  %q", id, humanize.Time(d.UpdatedAt), content.Preview(d.Content, 60))
				if n := len(d.Attachments); n > 0 {
					fmt.Fprintf(out, " +%s", english.Plural(n, "attachment", ""))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&discard, "discard", "", "delete the draft of this conversation")
	return cmd
}
