package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"amora/internal/content"
	"amora/internal/gate"
	"amora/internal/receipts"
	"amora/internal/session"
)

func newTailCmd(a *app) *cobra.Command {
	var previewLimit int

	cmd := &cobra.Command{
		Use:   "tail <conversation-id>",
		Short: "Print a conversation and follow it live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), func(ctx context.Context) error {
				return a.tail(ctx, cmd.OutOrStdout(), args[0], previewLimit)
			})
		},
	}
	cmd.Flags().IntVar(&previewLimit, "preview", 200, "truncate message text to this many characters (0 disables)")
	return cmd
}

func (a *app) tail(ctx context.Context, out io.Writer, conversationID string, previewLimit int) error {
	manager := a.newManager()
	defer manager.Close()

	changes := make(chan struct{}, 1)
	notify := func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}

	s, err := a.openSession(ctx, conversationID, manager, notify)
	if err != nil {
		return err
	}
	defer s.Close()

	p := &printer{out: out, limit: previewLimit, seen: make(map[string]bool)}
	p.header(s.View())

	for {
		v := s.View()
		p.rows(v)
		s.MarkReadIfNeeded(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		}
	}
}

// printer writes each confirmed row once and reports peer state transitions.
type printer struct {
	out    io.Writer
	limit  int
	seen   map[string]bool
	typing bool
	online bool
}

func (p *printer) header(v session.View) {
	state := "offline"
	if v.PeerOnline {
		state = "online"
	}
	p.online = v.PeerOnline
	fmt.Fprintf(p.out, "conversation %s with %s (%s, %d unread)\n", v.ConversationID, v.PeerID, state, v.UnreadTotal)
	if v.GateBanner {
		fmt.Fprintf(p.out, "! %s\n", gateLine(v))
	}
}

func (p *printer) rows(v session.View) {
	for _, r := range v.Rows {
		if p.seen[r.ID] || r.Status == receipts.StatusSending {
			continue
		}
		p.seen[r.ID] = true

		who := v.PeerID
		if r.Own {
			who = "me"
		}
		text := r.Text
		if p.limit > 0 {
			text = content.Preview(text, p.limit)
		}
		fmt.Fprintf(p.out, "[%s] %s: %s", humanize.Time(r.CreatedAt), who, text)
		for _, att := range r.Attachments {
			fmt.Fprintf(p.out, " <%s %s>", att.Type, att.URL)
		}
		if r.Status != receipts.StatusNone {
			fmt.Fprintf(p.out, " (%s)", r.Status)
		}
		fmt.Fprintln(p.out)
	}

	if v.PeerTyping != p.typing {
		p.typing = v.PeerTyping
		if p.typing {
			fmt.Fprintf(p.out, "%s is typing...\n", v.PeerID)
		}
	}
	if v.PeerOnline != p.online {
		p.online = v.PeerOnline
		state := "offline"
		if p.online {
			state = "online"
		}
		fmt.Fprintf(p.out, "%s is %s\n", v.PeerID, state)
	}
}

func gateLine(v session.View) string {
	g := v.Gate
	if g.Message != "" {
		return g.Message
	}
	switch g.Kind {
	case gate.KindCountGated:
		return fmt.Sprintf("sent %d of %d free messages, unlock for %d diamonds", g.SentCount, g.Threshold, g.DiamondCost)
	case gate.KindPaidGated:
		return fmt.Sprintf("unlock this conversation for %d diamonds", g.DiamondCost)
	}
	return string(g.Kind)
}
