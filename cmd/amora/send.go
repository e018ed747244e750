package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"amora/internal/models"
	"amora/internal/outbox"
	"amora/internal/session"
)

func newSendCmd(a *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "send <conversation-id> [text...]",
		Short: "Send a message, optionally with an image or video",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upload *models.Upload
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read attachment: %w", err)
				}
				upload = &models.Upload{Name: filepath.Base(file), Data: data}
			}
			return a.serve(cmd.Context(), func(ctx context.Context) error {
				return a.send(ctx, cmd.OutOrStdout(), args[0], strings.Join(args[1:], " "), upload)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "attach an image or video")
	return cmd
}

func (a *app) send(ctx context.Context, out io.Writer, conversationID, text string, upload *models.Upload) error {
	s, err := a.openSession(ctx, conversationID, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.Send(ctx, text, upload)
	if err != nil {
		return err
	}
	printResult(out, s, res)
	return nil
}

func newUnlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <conversation-id>",
		Short: "Unlock a gated conversation and resend the saved draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), func(ctx context.Context) error {
				return a.unlock(ctx, cmd.OutOrStdout(), args[0])
			})
		},
	}
}

func (a *app) unlock(ctx context.Context, out io.Writer, conversationID string) error {
	s, err := a.openSession(ctx, conversationID, nil, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.Unlock(ctx)
	if err != nil && !errors.Is(err, session.ErrResendFailed) {
		return err
	}
	fmt.Fprintln(out, "unlocked")
	if err != nil {
		return err
	}

	v := s.View()
	if v.SendError != nil {
		return fmt.Errorf("draft not resent: %w", v.SendError)
	}
	if v.Draft.Empty() && len(v.Rows) > 0 {
		if last := v.Rows[len(v.Rows)-1]; last.Own {
			fmt.Fprintf(out, "draft delivered as %s\n", last.ID)
		}
	}
	return nil
}

func printResult(out io.Writer, s *session.Session, res outbox.Result) {
	switch {
	case res.Delivered != nil:
		fmt.Fprintf(out, "delivered %s\n", res.Delivered.ID)
	case res.Gated != nil:
		fmt.Fprintf(out, "not sent, draft saved: %s\n", gateLine(s.View()))
		fmt.Fprintf(out, "run `amora unlock %s` to unlock and resend\n", s.View().ConversationID)
	}
}
