package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/soyeahso/backoffice/internal/api"
	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/soyeahso/backoffice/internal/channel"
	"github.com/soyeahso/backoffice/internal/chatview"
	"github.com/soyeahso/backoffice/internal/domain"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "List, read and answer customer chats",
	}

	cmd.AddCommand(newChatListCmd())
	cmd.AddCommand(newChatShowCmd())
	cmd.AddCommand(newChatReplyCmd())
	cmd.AddCommand(newChatResolveCmd())
	cmd.AddCommand(newChatOpenCmd())
	return cmd
}

func newChatListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureChats, func(a *app) error {
				chats, err := a.api.Chats.List(ctx, limit)
				if err != nil {
					return err
				}
				if len(chats) == 0 {
					fmt.Fprintln(a.out, "No conversations")
					return nil
				}
				tw := newTable(a.out, "ID", "CUSTOMER", "TYPE", "STATUS", "UPDATED", "LAST MESSAGE")
				for _, c := range chats {
					tw.row(c.ID, c.CustomerName, c.CategoryLabel(), string(c.Status), humanize.Time(c.UpdatedAt), lastLine(&c))
				}
				return tw.flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum conversations to list")
	return cmd
}

func newChatShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation with its full history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureChats, func(a *app) error {
				conv, err := a.api.Chats.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printHeader(a.out, conv)
				for _, m := range conv.Messages {
					printMessage(a.out, m)
				}
				return nil
			})
		},
	}
}

func newChatReplyCmd() *cobra.Command {
	var text, file string

	cmd := &cobra.Command{
		Use:   "reply <id>",
		Short: "Send a reply, optionally with an attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureChats, func(a *app) error {
				if err := a.canWrite(auth.FeatureChats); err != nil {
					return err
				}
				reply := api.Reply{Text: text, AgentID: a.sessions.Current().User.ID}
				if file != "" {
					f, err := a.limits.Open(file)
					if err != nil {
						return err
					}
					reply.File = &f
				}
				msg, err := a.api.Chats.Reply(ctx, args[0], reply)
				if errors.Is(err, api.ErrConflict) {
					return fmt.Errorf("chat %s is resolved", args[0])
				}
				if err != nil {
					return err
				}
				if msg != nil {
					printMessage(a.out, *msg)
				} else {
					fmt.Fprintln(a.out, "Sent")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().StringVar(&file, "file", "", "attach an image, video or PDF")
	return cmd
}

func newChatResolveCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a conversation resolved (cannot be undone)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureChats, func(a *app) error {
				if err := a.canWrite(auth.FeatureChats); err != nil {
					return err
				}
				if !yes && !confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), "Resolve chat "+args[0]+"? It cannot be reopened.") {
					fmt.Fprintln(a.out, "Cancelled")
					return nil
				}
				if err := a.api.Chats.Resolve(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Chat %s resolved\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newChatOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <id>",
		Short: "Open a conversation live: lines you type are sent as replies",
		Long: "Open a conversation and follow it live. Each line typed is sent as a reply.\n\n" +
			"  /file <path> [caption]  send an attachment\n" +
			"  /reload                 re-fetch the history\n" +
			"  /resolve                resolve the conversation\n" +
			"  /quit                   leave",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return viewFeature(ctx, cmd.OutOrStdout(), auth.FeatureChats, func(a *app) error {
				return a.openChat(ctx, args[0], cmd.InOrStdin())
			})
		},
	}
}

// openChat runs the interactive chat loop until /quit, EOF or ctx is done.
func (a *app) openChat(ctx context.Context, chatID string, in io.Reader) error {
	sess := a.sessions.Current()
	self := domain.Participant{Type: domain.SenderAgent, ID: sess.User.ID}

	sock := a.dialChannel(ctx)
	if sock != nil {
		defer sock.Close()
	}
	view := chatview.New(chatID, chatview.Deps{
		Chats:   a.api.Chats,
		Channel: chatview.SocketChannel(sock),
		Self:    self,
		Limits:  a.limits,
		Log:     log,
	})
	defer view.Close(context.Background())

	r := &chatRenderer{w: a.out, seen: map[string]struct{}{}}
	view.OnChange(r.render)
	if err := view.Open(ctx); err != nil {
		return err
	}
	if !view.Snapshot().Live {
		fmt.Fprintln(a.out, "(live updates unavailable; use /reload to refresh)")
	}

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.handleChatLine(ctx, view, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(a.out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (a *app) handleChatLine(ctx context.Context, view *chatview.View, line string) (bool, error) {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
		return false, nil
	case "/quit", "/q":
		return true, nil
	case "/reload":
		return false, view.Reload(ctx)
	case "/resolve":
		if err := a.canWrite(auth.FeatureChats); err != nil {
			return false, err
		}
		return false, view.Resolve(ctx)
	case "/file":
		path, caption, _ := strings.Cut(strings.TrimSpace(rest), " ")
		f, err := a.limits.Open(path)
		if err != nil {
			return false, err
		}
		return false, a.send(ctx, view, chatview.Draft{Text: caption, File: &f})
	}
	return false, a.send(ctx, view, chatview.Draft{Text: line})
}

func (a *app) send(ctx context.Context, view *chatview.View, d chatview.Draft) error {
	if err := a.canWrite(auth.FeatureChats); err != nil {
		return err
	}
	_ = view.Typing(ctx)
	_, err := view.Send(ctx, d)
	_ = view.StopTyping(ctx)
	return err
}

// dialChannel connects to the chat relay. Failure is logged and the caller
// continues without live updates.
func (a *app) dialChannel(ctx context.Context) *channel.Socket {
	url, err := cfg.API.ResolvedSocketURL()
	if err != nil {
		log.Warn().Err(err).Msg("no chat channel")
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	sock, err := channel.Dial(dctx, channel.Options{
		URL:          url,
		Token:        a.sessions.Token,
		Reconnect:    cfg.Chat.ReconnectEnabled(),
		ReconnectMax: cfg.Chat.ReconnectMax(),
	}, log)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("chat channel unavailable")
		return nil
	}
	return sock
}

// chatRenderer prints only what changed since the previous state.
type chatRenderer struct {
	w io.Writer

	mu        sync.Mutex
	header    bool
	seen      map[string]struct{}
	status    chatview.Status
	typing    string
	lastError error
}

func (r *chatRenderer) render(s chatview.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Status == chatview.StatusLoading {
		return
	}
	if !r.header && s.Status != chatview.StatusFailed {
		printHeader(r.w, &s.Conversation)
		r.header = true
	}
	for _, m := range s.Messages {
		if _, ok := r.seen[m.Key()]; ok {
			continue
		}
		r.seen[m.Key()] = struct{}{}
		printMessage(r.w, m)
	}

	typing := typingLine(s.Typing)
	if typing != r.typing {
		if typing != "" {
			fmt.Fprintln(r.w, "  "+typing)
		}
		r.typing = typing
	}
	if s.Status != r.status {
		if s.Status == chatview.StatusResolved {
			fmt.Fprintln(r.w, "-- conversation resolved; replies are closed --")
		}
		r.status = s.Status
	}
	if s.Err != nil && !errors.Is(s.Err, r.lastError) {
		fmt.Fprintf(r.w, "! %v\n", s.Err)
	}
	r.lastError = s.Err
}

func typingLine(ps []domain.Participant) string {
	if len(ps) == 0 {
		return ""
	}
	for _, p := range ps {
		if p.Type == domain.SenderCustomer {
			return "customer is typing…"
		}
	}
	return "another agent is typing…"
}

func printHeader(w io.Writer, c *domain.Conversation) {
	fmt.Fprintf(w, "%s <%s> · %s · %s\n", c.CustomerName, c.CustomerEmail, c.CategoryLabel(), c.Status)
	fmt.Fprintln(w, strings.Repeat("-", 60))
}

func printMessage(w io.Writer, m domain.Message) {
	who := "customer"
	if m.Sender == domain.SenderAgent {
		who = "agent"
	}
	ts := m.Timestamp.Local().Format("Jan 2 15:04")
	text := m.Text
	if m.Attachment != nil {
		att := fmt.Sprintf("[%s %s, %s] %s", m.Attachment.Kind, m.Attachment.FileName,
			humanize.IBytes(uint64(m.Attachment.Size)), m.Attachment.URL)
		text = strings.TrimSpace(att + " " + text)
	}
	fmt.Fprintf(w, "%s  %-8s  %s\n", ts, who, text)
}

func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
