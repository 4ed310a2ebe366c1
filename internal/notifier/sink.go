package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"issuewatch/internal/tracker"
	kit "issuewatch/internal/transport"
	logx "issuewatch/pkg/logx"
)

// Message is one rendered issue notification.
type Message struct {
	Issue tracker.Issue
	URL   string
}

// Title is the one-line headline, e.g. "[Core] #42 Crash on start".
func (m Message) Title() string {
	var b strings.Builder
	if m.Issue.Project != "" {
		b.WriteString("[")
		b.WriteString(m.Issue.Project)
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "#%d %s", m.Issue.ID, m.Issue.Subject)
	return b.String()
}

// Sink delivers a message somewhere. Send must honor ctx.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// LogSink writes every notification as a structured log line.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, m Message) error {
	fields := []logx.Field{
		logx.IssueID(m.Issue.ID),
		logx.String("subject", m.Issue.Subject),
		logx.Time("updated_at", m.Issue.UpdatedAt),
		logx.IssueURL(m.URL),
	}
	if m.Issue.Status != "" {
		fields = append(fields, logx.String("status", m.Issue.Status))
	}
	s.Log.Info("issue updated", fields...)
	return nil
}

// TelegramSink posts the notification to one or more chats.
type TelegramSink struct {
	Sender  kit.Sender
	Targets []kit.ChatTarget
	Silent  bool
}

func (TelegramSink) Name() string { return "telegram" }

func (s TelegramSink) Send(ctx context.Context, m Message) error {
	if s.Sender == nil || len(s.Targets) == 0 {
		return errors.New("telegram sink has no sender or targets")
	}
	text := renderHTML(m)
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Silent: s.Silent}
	var errs []error
	for _, to := range s.Targets {
		if _, err := s.Sender.SendText(ctx, to, text, opt); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", to.ChatID, err))
		}
	}
	return errors.Join(errs...)
}

func renderHTML(m Message) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(m.Title()))
	b.WriteString("</b>")

	var meta []string
	if m.Issue.Status != "" {
		meta = append(meta, html.EscapeString(m.Issue.Status))
	}
	if m.Issue.Author != "" {
		meta = append(meta, "by "+html.EscapeString(m.Issue.Author))
	}
	if !m.Issue.UpdatedAt.IsZero() {
		meta = append(meta, "updated "+m.Issue.UpdatedAt.UTC().Format(time.DateTime)+" UTC")
	}
	if len(meta) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(meta, " · "))
	}
	if m.URL != "" {
		b.WriteString("\n<a href=\"")
		b.WriteString(html.EscapeString(m.URL))
		b.WriteString("\">Open</a>")
	}
	return b.String()
}
