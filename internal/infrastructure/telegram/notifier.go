package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"IncidentEnricher/internal/config"
	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/ports"
)

const defaultEndpoint = "https://api.telegram.org"

// Notifier sends run summaries to a Telegram chat via bot API.
type Notifier struct {
	botToken string
	chatID   string
	endpoint string
	client   *http.Client
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(cfg config.TelegramConfig) *Notifier {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Notifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// PublishRunSummary posts the stage counts of a finished run.
func (n *Notifier) PublishRunSummary(ctx context.Context, summary domain.RunSummary) error {
	return n.send(ctx, FormatSummary(summary))
}

func (n *Notifier) send(ctx context.Context, text string) error {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.endpoint, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", text)
	form.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}

	return nil
}

// FormatSummary renders a run summary as a Markdown message. Zero counters
// are omitted.
func FormatSummary(s domain.RunSummary) string {
	var b strings.Builder
	icon := "✅"
	switch s.Status {
	case domain.RunFailed:
		icon = "❌"
	case domain.RunCancelled:
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s *Incident enrichment %s*\n", icon, s.Status)
	fmt.Fprintf(&b, "run `%s`", s.RunID)
	if s.IngestRunID != "" {
		fmt.Fprintf(&b, " · ingest `%s`", s.IngestRunID)
	}
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, " · %s", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	}
	b.WriteString("\n\n")

	for _, st := range s.Stages() {
		if st.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "- %s: %d\n", strings.ReplaceAll(st.Name, "_", " "), st.Count)
	}
	if s.TokensIn > 0 || s.TokensOut > 0 {
		fmt.Fprintf(&b, "\ntokens %d in / %d out · $%.4f\n", s.TokensIn, s.TokensOut, s.CostUSD)
	}
	return b.String()
}
