package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/queue"
)

type notifierFixture struct {
	notifier *Notifier
	store    *ingestion.MemoryStore
	received []webhookPayload
	threads  []string
	server   *httptest.Server
}

func newNotifierFixture(t *testing.T, threadID string) *notifierFixture {
	t.Helper()

	fixture := &notifierFixture{store: ingestion.NewMemoryStore()}

	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload

		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		fixture.received = append(fixture.received, payload)
		fixture.threads = append(fixture.threads, r.URL.Query().Get("thread_id"))

		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(fixture.server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := ingestion.NewService(fixture.store, logger)

	fixture.notifier = NewNotifier(service, &Config{
		WebhookURL: fixture.server.URL,
		ThreadID:   threadID,
		Timeout:    5 * time.Second,
	}, logger)

	return fixture
}

func TestNotifier_ColorsByState(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newNotifierFixture(t, "")
	ctx := context.Background()

	tests := []struct {
		state ingestion.State
		color int
	}{
		{ingestion.StateDone, colorGreen},
		{ingestion.StateFetching, colorYellow},
		{ingestion.StateQueuedForTransform, colorYellow},
	}

	for _, tt := range tests {
		require.NoError(t, fixture.notifier.Handle(ctx, queue.Task{
			Type:   queue.TaskNotify,
			RunID:  "7b0c2f3e-0000-4000-8000-000000000001",
			Ticker: "AAPL",
			State:  tt.state.String(),
		}))
	}

	require.Len(t, fixture.received, len(tests))

	for i, tt := range tests {
		require.Len(t, fixture.received[i].Embeds, 1)
		assert.Equal(t, tt.color, fixture.received[i].Embeds[0].Color)
	}
}

func TestNotifier_FailedEmbedCarriesRunDetails(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newNotifierFixture(t, "")
	ctx := context.Background()

	requestedBy := "ops@example.com"
	run, _, err := fixture.store.QueueForFetch(ctx, "AAPL", &requestedBy, nil)
	require.NoError(t, err)

	code := ingestion.CodeAPIError
	message := strings.Repeat("x", 1500)
	_, err = fixture.store.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:        run.ID,
		NewState:     ingestion.StateFailed,
		ErrorCode:    &code,
		ErrorMessage: &message,
	})
	require.NoError(t, err)

	require.NoError(t, fixture.notifier.Handle(ctx, queue.Task{
		Type:   queue.TaskNotify,
		RunID:  run.ID.String(),
		Ticker: "AAPL",
		State:  ingestion.StateFailed.String(),
	}))

	require.Len(t, fixture.received, 1)
	embed := fixture.received[0].Embeds[0]

	assert.Equal(t, colorRed, embed.Color)

	fields := make(map[string]string, len(embed.Fields))
	for _, field := range embed.Fields {
		fields[field.Name] = field.Value
	}

	assert.Equal(t, ingestion.CodeAPIError, fields["Error Code"])
	assert.Len(t, fields["Error Message"], 1000, "error message truncates to 1000 chars")
	assert.Equal(t, requestedBy, fields["Requested By"])
	assert.NotEmpty(t, fields["Queued For Fetch At"])
	assert.NotEmpty(t, fields["Failed At"])
}

func TestNotifier_ThreadSelector(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newNotifierFixture(t, "thread-42")

	require.NoError(t, fixture.notifier.Handle(context.Background(), queue.Task{
		Type:   queue.TaskNotify,
		RunID:  "7b0c2f3e-0000-4000-8000-000000000001",
		Ticker: "AAPL",
		State:  ingestion.StateDone.String(),
	}))

	require.Len(t, fixture.threads, 1)
	assert.Equal(t, "thread-42", fixture.threads[0])
}

func TestNotifier_ErrorsAreSwallowed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ingestion.NewMemoryStore()
	service := ingestion.NewService(store, logger)

	// A webhook that always fails must never fail the task.
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	notifier := NewNotifier(service, &Config{
		WebhookURL: failing.URL,
		Timeout:    time.Second,
	}, logger)

	err := notifier.Handle(context.Background(), queue.Task{
		Type:   queue.TaskNotify,
		RunID:  "7b0c2f3e-0000-4000-8000-000000000001",
		Ticker: "AAPL",
		State:  ingestion.StateDone.String(),
	})
	assert.NoError(t, err)
}

func TestNotifier_UnconfiguredWebhookSkips(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ingestion.NewMemoryStore()
	service := ingestion.NewService(store, logger)

	notifier := NewNotifier(service, &Config{Timeout: time.Second}, logger)

	assert.NoError(t, notifier.Handle(context.Background(), queue.Task{
		Type:   queue.TaskNotify,
		Ticker: "AAPL",
		State:  ingestion.StateDone.String(),
	}))
}
