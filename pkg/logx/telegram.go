package logx

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "issuewatch/internal/transport"
)

const (
	telegramMaxText  = 3500
	telegramMaxValue = 600
	telegramMaxStack = 900
)

// telegramSink is a zerolog LevelWriter that forwards selected lines to a
// chat. Writes never block: lines over the rate limit or a full queue are
// counted and dropped.
type telegramSink struct {
	sender kit.Sender
	queue  chan telegramLine

	mu       sync.Mutex
	to       kit.ChatTarget
	minLevel Level
	limiter  *rate.Limiter

	dropped atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

type telegramLine struct {
	to   kit.ChatTarget
	text string
}

func newTelegramSink(sender kit.Sender, queueSize int) *telegramSink {
	ctx, cancel := context.WithCancel(context.Background())
	t := &telegramSink{
		sender: sender,
		queue:  make(chan telegramLine, queueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(ctx)
	return t
}

func (t *telegramSink) apply(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	t.mu.Lock()
	t.to = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	t.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()
}

func (t *telegramSink) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-t.queue:
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = t.sender.SendText(sctx, ln.to, ln.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (t *telegramSink) close() {
	t.cancel()
	<-t.done
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(LevelInfo, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, minLevel, lim := t.to, t.minLevel, t.limiter
	t.mu.Unlock()

	if to.IsZero() || level < minLevel {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		t.dropped.Add(1)
		return len(p), nil
	}
	text := formatTelegramJSON(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case t.queue <- telegramLine{to: to, text: text}:
	default:
		t.dropped.Add(1)
	}
	return len(p), nil
}

// formatTelegramJSON renders one zerolog JSON line as a short chat message:
//
//	[WARN] notifier: notification failed
//	#42 https://tracker/issues/42
//	- err=timeout
//
// Input that is not JSON is sent as-is.
func formatTelegramJSON(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), telegramMaxText)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	if comp, _ := m[keyComponent].(string); comp != "" {
		b.WriteString(comp + ": ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	issue, hasIssue := m[keyIssue]
	url, _ := m[keyURL].(string)
	switch {
	case hasIssue && url != "":
		fmt.Fprintf(&b, "\n#%v %s", issue, url)
	case hasIssue:
		fmt.Fprintf(&b, "\n#%v", issue)
	case url != "":
		b.WriteString("\n" + url)
	}

	skip := map[string]bool{
		zerolog.TimestampFieldName: true,
		zerolog.LevelFieldName:     true,
		zerolog.MessageFieldName:   true,
		zerolog.CallerFieldName:    true,
		keyComponent:               true,
		keyIssue:                   true,
		keyURL:                     true,
		keyStack:                   true,
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), telegramMaxValue))
	}
	if st, ok := m[keyStack]; ok {
		b.WriteString("\n- stack=\n" + truncate(fmt.Sprint(st), telegramMaxStack))
	}
	return truncate(b.String(), telegramMaxText)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
