package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/4xmen/goftegu/internal/api"
	"github.com/4xmen/goftegu/internal/directory"
	"github.com/4xmen/goftegu/internal/messenger"
	"github.com/4xmen/goftegu/internal/models"
	"github.com/4xmen/goftegu/internal/ws"
)

func newConversationsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List your conversations, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.messenger(cmd.Context())
			if err != nil {
				return a.userError(err, "")
			}
			defer m.Close()

			// Listing must not select anything, which would mark it read.
			convs, err := m.Client.ListConversations(cmd.Context())
			if err != nil {
				return a.userError(err, "failed to fetch conversations")
			}
			if len(convs) == 0 {
				fmt.Fprintln(a.out, a.tr("No conversations yet"))
				return nil
			}
			me := m.Me().ID
			for _, c := range convs {
				other, _ := c.Other(me)
				unread := ""
				if n := c.Unread(me); n > 0 {
					unread = fmt.Sprintf(" (%d)", n)
				}
				preview := ""
				if c.LastMessage != nil {
					preview = c.LastMessage.Content
				}
				fmt.Fprintf(a.out, "%-14s %s%s  %s\n", other.ID, other.Name, unread, preview)
			}
			return nil
		},
	}
}

func newUsersCmd(a *app) *cobra.Command {
	var compact bool
	cmd := &cobra.Command{
		Use:   "users [query]",
		Short: "Show recommended users, or search by name or role",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.messenger(cmd.Context())
			if err != nil {
				return a.userError(err, "")
			}
			defer m.Close()

			if err := m.Gate.Hydrate(cmd.Context()); err != nil {
				a.log.Warn("follow set unavailable", zap.Error(err))
			}
			dir := m.Directory
			if compact {
				dir = m.Sidebar
			}
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			res := dir.Search(cmd.Context(), query)
			if res.Err != nil && !res.Fallback {
				return a.userError(res.Err, "failed to fetch users")
			}
			printUsers(a.out, a.tr, res, directory.Annotate(res.Users, m.Gate))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&compact, "compact", "c", false, "short sidebar listing")
	return cmd
}

func printUsers(out io.Writer, tr func(string) string, res directory.Result, entries []directory.Entry) {
	if res.Fallback {
		fmt.Fprintln(out, tr("Showing suggested users while offline"))
	}
	if res.Empty() {
		fmt.Fprintln(out, tr("No users found"))
		return
	}
	for _, e := range entries {
		mark := " "
		switch {
		case e.Following:
			mark = "*"
		case !e.CanMessage:
			mark = "-"
		}
		verified := ""
		if e.User.Verified {
			verified = " ✓"
		}
		fmt.Fprintf(out, "%s %-14s %s%s [%s]\n", mark, e.User.ID, e.User.Name, verified, e.User.Role)
	}
}

func newFollowCmd(a *app, follow bool) *cobra.Command {
	use, short, failure := "follow <user-id>", "Follow a user so you can message them", "failed to follow user"
	if !follow {
		use, short, failure = "unfollow <user-id>", "Stop following a user", "failed to unfollow user"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.messenger(cmd.Context())
			if err != nil {
				return a.userError(err, "")
			}
			defer m.Close()

			if err := m.Gate.Hydrate(cmd.Context()); err != nil {
				return a.userError(err, failure)
			}
			if follow {
				err = m.Gate.Follow(cmd.Context(), args[0])
			} else {
				err = m.Gate.Unfollow(cmd.Context(), args[0])
			}
			if err != nil {
				return a.userError(err, failure)
			}
			fmt.Fprintf(a.out, "Following %d users\n", len(m.Gate.Following()))
			return nil
		},
	}
}

func newOpenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "open <user-id>",
		Short: "Open the conversation with a user you follow and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.messenger(cmd.Context())
			if err != nil {
				return a.userError(err, "")
			}
			defer m.Close()

			if _, err := m.StartWith(cmd.Context(), args[0]); err != nil {
				return a.userError(err, "failed to fetch messages")
			}
			state := m.Thread.State()
			if state.Err != nil {
				return a.userError(state.Err, "failed to fetch messages")
			}
			printThread(a.out, a.tr, m.Me().ID, state.Messages)
			return nil
		},
	}
}

func printThread(out io.Writer, tr func(string) string, me string, msgs []models.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(out, tr("No messages yet"))
		return
	}
	for _, msg := range msgs {
		printMessage(out, me, msg)
	}
}

func printMessage(out io.Writer, me string, msg models.Message) {
	who := msg.Sender.Name
	receipt := ""
	if msg.Sender.ID == me {
		who = "you"
		receipt = " ✓"
		if msg.Receipt() == models.ReceiptRead {
			receipt = " ✓✓"
		}
	}
	fmt.Fprintf(out, "[%s] %s: %s%s\n", msg.CreatedAt.Local().Format("15:04"), who, msg.Preview(), receipt)
	for _, att := range msg.Attachments {
		fmt.Fprintf(out, "        %s (%s)\n", att.OriginalName, att.URL)
	}
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <user-id> <message...>",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.messenger(cmd.Context())
			if err != nil {
				return a.userError(err, "")
			}
			defer m.Close()

			if _, err := m.StartWith(cmd.Context(), args[0]); err != nil {
				return a.userError(err, "failed to send message")
			}
			msg, err := m.Thread.SendText(cmd.Context(), strings.Join(args[1:], " "))
			if err != nil {
				return a.userError(err, "failed to send message")
			}
			printMessage(a.out, m.Me().ID, msg)
			return nil
		},
	}
}

func newAttachCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <user-id> <file...>",
		Short: "Send files as one message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploads, closeAll, err := openUploads(args[1:], a.cfg.MaxUploadSize)
			if err != nil {
				return err
			}
			defer closeAll()

			m, err := a.messenger(cmd.Context())
			if err != nil {
				return a.userError(err, "")
			}
			defer m.Close()

			if _, err := m.StartWith(cmd.Context(), args[0]); err != nil {
				return a.userError(err, "failed to upload attachments")
			}
			msg, err := m.Thread.SendAttachments(cmd.Context(), uploads)
			if err != nil {
				return a.userError(err, "failed to upload attachments")
			}
			printMessage(a.out, m.Me().ID, msg)
			return nil
		},
	}
}

// openUploads opens each path and sniffs its content type.
func openUploads(paths []string, maxSize int64) ([]api.Upload, func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	uploads := make([]api.Upload, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			closeAll()
			return nil, nil, errors.Wrap(err, "read attachment")
		}
		if info.IsDir() {
			closeAll()
			return nil, nil, errors.Errorf("%s is a directory", path)
		}
		if maxSize > 0 && info.Size() > maxSize {
			closeAll()
			return nil, nil, errors.Errorf("%s is larger than %s", path, formatBytes(maxSize))
		}
		mtype, err := mimetype.DetectFile(path)
		if err != nil {
			closeAll()
			return nil, nil, errors.Wrapf(err, "detect type of %s", path)
		}
		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, errors.Wrap(err, "read attachment")
		}
		files = append(files, f)
		uploads = append(uploads, api.Upload{
			Name:     filepath.Base(path),
			MimeType: mtype.String(),
			Body:     f,
		})
	}
	return uploads, closeAll, nil
}

func newListenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Open the messenger and print new messages as they arrive",
		Long: `Open the messenger the way the web view does: the most recent
conversation is selected and printed, then new messages and read receipts
are printed until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var names func(conversationID string) string
			var me string
			m, err := a.messenger(cmd.Context(), func(c *messenger.Config) {
				c.OnEvent = func(ev ws.Event) {
					if line := describeEvent(ev, me, names); line != "" {
						fmt.Fprintln(a.out, line)
					}
				}
			})
			if err != nil {
				return a.userError(err, "")
			}
			defer m.Close()
			me = m.Me().ID
			names = func(conversationID string) string {
				if c, ok := m.Conversations.Get(conversationID); ok {
					if other, ok := c.Other(me); ok {
						return other.Name
					}
				}
				return conversationID
			}

			if err := m.Start(cmd.Context()); err != nil {
				return a.userError(err, "failed to fetch conversations")
			}
			if active, ok := m.Conversations.Active(); ok {
				fmt.Fprintf(a.out, "== %s ==\n", names(active.ID))
				printThread(a.out, a.tr, me, m.Thread.State().Messages)
			} else {
				fmt.Fprintln(a.out, a.tr("No conversations yet"))
			}

			err = m.Listen(cmd.Context())
			if cmd.Context().Err() != nil {
				return nil
			}
			return a.userError(err, "failed to fetch conversations")
		},
	}
}

func describeEvent(ev ws.Event, me string, names func(string) string) string {
	switch ev.Type {
	case ws.EventMessage:
		msg := ev.Message
		if msg == nil || msg.Sender.ID == me {
			return ""
		}
		return fmt.Sprintf("[%s] %s: %s", msg.CreatedAt.Local().Format("15:04"), msg.Sender.Name, msg.Preview())
	case ws.EventConversationRead:
		if ev.UserID == me {
			return ""
		}
		return fmt.Sprintf("%s read your messages (%s)", names(ev.ConversationID), ev.At.Local().Format("15:04"))
	}
	return ""
}
