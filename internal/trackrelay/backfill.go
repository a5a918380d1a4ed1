package trackrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BackfillRecord is one historical payload to replay, in the same envelope
// the platform's webhook would have delivered.
type BackfillRecord struct {
	Platform string          `json:"platform"`
	Payload  json.RawMessage `json:"payload"`
}

// BackfillResult summarizes one replay run.
type BackfillResult struct {
	Submitted int      `json:"submitted"`
	Enqueued  int      `json:"enqueued"`
	Filtered  int      `json:"filtered"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Backfill replays historical records through the same normalizer and router
// path live events take. The interval paces submissions so a large replay
// does not trip platform rate limits; zero means no pacing. The loop filter
// applies as usual, so records that were themselves produced by a prior sync
// fall out as filtered, not failed.
func (e *Engine) Backfill(ctx context.Context, records []BackfillRecord, interval time.Duration) (BackfillResult, error) {
	result := BackfillResult{}
	for i, record := range records {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(interval):
			}
		}
		result.Submitted++
		deliveryID := fmt.Sprintf("backfill-%d", i)

		var raw map[string]any
		if err := json.Unmarshal(record.Payload, &raw); err != nil {
			result.Filtered++
			continue
		}
		event, err := e.prepare(record.Platform, raw, deliveryID)
		switch {
		case err == nil:
		case errors.Is(err, ErrLoopDetected), errors.Is(err, ErrValidation):
			result.Filtered++
			continue
		default:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		// Unlike the webhook path, a replay can afford to wait for queue
		// headroom; the workers drain continuously.
		if e.queue.Enqueue(ctx, event) {
			result.Enqueued++
			continue
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("record %d: queue rejected event", i))
	}
	return result, nil
}
