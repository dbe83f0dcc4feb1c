package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPPoll builds a PollFunc fetching pending events from url, which
// must respond with a JSON array of event frames.
func HTTPPoll(url string, httpc *http.Client) PollFunc {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return func(ctx context.Context) ([]Event, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := httpc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("poll events: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("poll events: http %d", resp.StatusCode)
		}

		var frames []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
			return nil, fmt.Errorf("decode poll response: %w", err)
		}

		events := make([]Event, 0, len(frames))
		for _, frame := range frames {
			ev, err := ParseEvent(frame)
			if err != nil {
				// Same skip rule as the push stream.
				continue
			}
			events = append(events, ev)
		}
		return events, nil
	}
}
