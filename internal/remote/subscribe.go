package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// statusPollInterval drives the fallback loop when the websocket endpoint
// is unavailable.
const statusPollInterval = 5 * time.Second

// SubscribeStatus streams job status changes. It prefers the backend's
// websocket event endpoint and falls back to polling when the dial fails,
// so consumers get the same channel semantics either way. The channel
// closes when the job reaches a terminal state or ctx is canceled.
func (c *Client) SubscribeStatus(ctx context.Context, jobID string) (<-chan JobState, error) {
	out := make(chan JobState, 1)

	conn, err := c.dialJobEvents(ctx, jobID)
	if err != nil {
		c.logger.Debug("websocket dial failed, falling back to polling",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)

		go c.pollStatusLoop(ctx, jobID, out)

		return out, nil
	}

	go c.readStatusLoop(ctx, jobID, conn, out)

	return out, nil
}

// dialJobEvents opens the websocket stream for a job.
func (c *Client) dialJobEvents(ctx context.Context, jobID string) (*websocket.Conn, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/jobs/" + url.PathEscape(jobID) + "/events"

	opts := &websocket.DialOptions{HTTPClient: c.httpClient}

	if c.token != nil {
		if tok, err := c.token.Token(); err == nil {
			opts.HTTPHeader = map[string][]string{
				"Authorization": {"Bearer " + tok.AccessToken},
			}
		}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// readStatusLoop consumes websocket frames until a terminal status, a read
// error, or cancellation. On read error it degrades to polling rather than
// dropping the subscription.
func (c *Client) readStatusLoop(ctx context.Context, jobID string, conn *websocket.Conn, out chan<- JobState) {
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				close(out)
				return
			}

			c.logger.Warn("job event stream interrupted, switching to polling",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)

			c.pollStatusLoop(ctx, jobID, out)

			return
		}

		var state JobState
		if err := json.Unmarshal(data, &state); err != nil {
			c.logger.Warn("dropping malformed job event",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)

			continue
		}

		select {
		case out <- state:
		case <-ctx.Done():
			close(out)
			return
		}

		if state.Status.Terminal() {
			close(out)
			return
		}
	}
}

// pollStatusLoop emits a status sample per interval, deduplicating
// identical consecutive states. Closes out on terminal status or cancel.
func (c *Client) pollStatusLoop(ctx context.Context, jobID string, out chan<- JobState) {
	defer close(out)

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	var last *JobState

	for {
		state, err := c.PollStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			c.logger.Warn("job status poll failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		} else if last == nil || state.Status != last.Status || state.Progress != last.Progress {
			select {
			case out <- *state:
			case <-ctx.Done():
				return
			}

			last = state

			if state.Status.Terminal() {
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
