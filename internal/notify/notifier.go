// Package notify implements the outbound status notifier: fire-and-forget
// webhook embeds colored by run state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/raulstechtips/stock-etl/internal/config"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/queue"
)

// Embed colors by state.
const (
	colorGreen  = 0x00FF00
	colorRed    = 0xFF0000
	colorYellow = 0xFFFF00

	defaultSendTimeout = 10 * time.Second

	// errorMessageLimit caps the error message field length in embeds.
	errorMessageLimit = 1000
)

// Config holds the notifier's webhook configuration.
type Config struct {
	WebhookURL string
	ThreadID   string
	Timeout    time.Duration
}

// LoadConfig loads notifier configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		WebhookURL: config.GetEnvStr("NOTIFY_WEBHOOK_URL", ""),
		ThreadID:   config.GetEnvStr("NOTIFY_THREAD_ID", ""),
		Timeout:    config.GetEnvDuration("NOTIFY_TIMEOUT", defaultSendTimeout),
	}
}

type (
	// RunLoader loads a run with its stock for detailed failure embeds.
	RunLoader interface {
		GetRun(ctx context.Context, runID uuid.UUID) (*ingestion.Run, error)
	}

	// Embed is the webhook embed payload.
	Embed struct {
		Title       string       `json:"title"`
		Description string       `json:"description"`
		Color       int          `json:"color"`
		Fields      []EmbedField `json:"fields"`
		Footer      EmbedFooter  `json:"footer"`
	}

	// EmbedField is a single labeled value inside an embed.
	EmbedField struct {
		Name   string `json:"name"`
		Value  string `json:"value"`
		Inline bool   `json:"inline"`
	}

	// EmbedFooter is the embed footer line.
	EmbedFooter struct {
		Text string `json:"text"`
	}

	// webhookPayload is the outbound request body.
	webhookPayload struct {
		Embeds []Embed `json:"embeds"`
	}

	// Notifier processes notification tasks.
	//
	// All notifier errors are logged and swallowed: a notification must
	// never affect the pipeline, so Handle always returns nil.
	Notifier struct {
		runs   RunLoader
		cfg    *Config
		client *http.Client
		logger *slog.Logger
	}
)

// Compile-time interface assertion.
var _ queue.Handler = (*Notifier)(nil)

// NewNotifier creates a notifier.
func NewNotifier(runs RunLoader, cfg *Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		runs:   runs,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Handle sends one notification. It never returns an error.
func (n *Notifier) Handle(ctx context.Context, task queue.Task) error {
	if n.cfg.WebhookURL == "" {
		n.logger.Warn("Webhook not configured, skipping notification",
			slog.String("run_id", task.RunID),
		)

		return nil
	}

	state := ingestion.State(task.State)
	ticker := ingestion.NormalizeTicker(task.Ticker)

	embed := n.buildEmbed(ctx, task.RunID, ticker, state)

	if err := n.send(ctx, embed); err != nil {
		n.logger.Error("Failed to send notification",
			slog.String("run_id", task.RunID),
			slog.String("ticker", ticker),
			slog.String("state", task.State),
			slog.String("error", err.Error()),
		)

		return nil
	}

	n.logger.Info("Sent notification",
		slog.String("run_id", task.RunID),
		slog.String("ticker", ticker),
		slog.String("state", task.State),
	)

	return nil
}

// OnRetriesExhausted never fires: Handle never errors.
func (n *Notifier) OnRetriesExhausted(_ context.Context, _ queue.Task, _ error) {}

// buildEmbed formats the embed for a state, with full failure details when
// the run can be loaded.
func (n *Notifier) buildEmbed(ctx context.Context, runID, ticker string, state ingestion.State) Embed {
	if state == ingestion.StateFailed {
		if id, err := uuid.Parse(runID); err == nil {
			if run, err := n.runs.GetRun(ctx, id); err == nil {
				return failedEmbed(run)
			}

			n.logger.Warn("Run not found for failure notification, using basic embed",
				slog.String("run_id", runID),
			)
		}
	}

	return basicEmbed(runID, ticker, state)
}

// basicEmbed renders the compact state embed.
func basicEmbed(runID, ticker string, state ingestion.State) Embed {
	var (
		color       int
		title       string
		description string
	)

	switch state {
	case ingestion.StateDone:
		color = colorGreen
		title = fmt.Sprintf("%s - Ingestion Complete", ticker)
		description = fmt.Sprintf("Stock ingestion for %s has completed successfully.", ticker)
	case ingestion.StateFailed:
		color = colorRed
		title = fmt.Sprintf("%s - Ingestion Failed", ticker)
		description = fmt.Sprintf("Stock ingestion for %s has failed.", ticker)
	default:
		color = colorYellow
		title = fmt.Sprintf("%s - %s", ticker, state)
		description = fmt.Sprintf("Stock ingestion for %s is in progress.", ticker)
	}

	return Embed{
		Title:       title,
		Description: description,
		Color:       color,
		Fields: []EmbedField{
			{Name: "Ticker", Value: ticker, Inline: true},
			{Name: "State", Value: state.String(), Inline: true},
			{Name: "Run ID", Value: runID, Inline: false},
		},
		Footer: EmbedFooter{Text: "Stock Ingestion Pipeline"},
	}
}

// failedEmbed renders the detailed failure embed: error fields, every phase
// timestamp, data URIs, and request metadata.
func failedEmbed(run *ingestion.Run) Embed {
	ticker := run.Stock.Ticker

	embed := Embed{
		Title:       fmt.Sprintf("%s - Ingestion Failed", ticker),
		Description: fmt.Sprintf("Stock ingestion for %s has failed.", ticker),
		Color:       colorRed,
		Footer:      EmbedFooter{Text: "Stock Ingestion Pipeline"},
	}

	embed.Fields = append(embed.Fields,
		EmbedField{Name: "Ticker", Value: ticker, Inline: true},
		EmbedField{Name: "Run ID", Value: run.ID.String(), Inline: false},
	)

	if run.ErrorCode != nil {
		embed.Fields = append(embed.Fields,
			EmbedField{Name: "Error Code", Value: *run.ErrorCode, Inline: true})
	}

	if run.ErrorMessage != nil {
		embed.Fields = append(embed.Fields,
			EmbedField{Name: "Error Message", Value: truncate(*run.ErrorMessage, errorMessageLimit), Inline: false})
	}

	timestamps := []struct {
		name  string
		value *time.Time
	}{
		{"Queued For Fetch At", run.QueuedForFetchAt},
		{"Fetching Started At", run.FetchingStartedAt},
		{"Fetching Finished At", run.FetchingFinishedAt},
		{"Queued For Transform At", run.QueuedForTransformAt},
		{"Transform Started At", run.TransformStartedAt},
		{"Transform Finished At", run.TransformFinishedAt},
		{"Done At", run.DoneAt},
		{"Failed At", run.FailedAt},
	}

	for _, stamp := range timestamps {
		if stamp.value != nil {
			embed.Fields = append(embed.Fields,
				EmbedField{Name: stamp.name, Value: stamp.value.UTC().Format(time.RFC3339), Inline: true})
		}
	}

	if run.RawDataURI != nil {
		embed.Fields = append(embed.Fields,
			EmbedField{Name: "Raw Data URI", Value: *run.RawDataURI, Inline: false})
	}

	if run.ProcessedDataURI != nil {
		embed.Fields = append(embed.Fields,
			EmbedField{Name: "Processed Data URI", Value: *run.ProcessedDataURI, Inline: false})
	}

	if run.RequestedBy != nil {
		embed.Fields = append(embed.Fields,
			EmbedField{Name: "Requested By", Value: *run.RequestedBy, Inline: true})
	}

	if run.RequestID != nil {
		embed.Fields = append(embed.Fields,
			EmbedField{Name: "Request ID", Value: *run.RequestID, Inline: true})
	}

	return embed
}

// send posts the embed to the webhook, honoring the optional thread
// selector.
func (n *Notifier) send(ctx context.Context, embed Embed) error {
	endpoint := n.cfg.WebhookURL

	if n.cfg.ThreadID != "" {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}

		values := parsed.Query()
		values.Set("thread_id", n.cfg.ThreadID)
		parsed.RawQuery = values.Encode()
		endpoint = parsed.String()
	}

	body, err := json.Marshal(webhookPayload{Embeds: []Embed{embed}})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}

	request.Header.Set("Content-Type", "application/json")

	response, err := n.client.Do(request)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", response.StatusCode)
	}

	return nil
}

// truncate caps a string at limit runes.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}

	return string(runes[:limit])
}
