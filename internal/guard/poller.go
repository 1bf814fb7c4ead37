package guard

import (
	"context"

	"golang.org/x/time/rate"
)

// Poller periodically fetches this agent's inbox and forwards one summary
// line per event to a sink. Fetch failures are skipped silently; the next
// tick retries from the same cursor, so no event is lost.
type Poller struct {
	client  *Client
	limiter *rate.Limiter
	sink    func(line string)
	since   int64
}

// NewPoller builds a poller emitting to sink at most once per interval
// given by the limiter. A nil limiter defaults to one fetch per 15 seconds.
func NewPoller(client *Client, limiter *rate.Limiter, sink func(string)) *Poller {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(1.0/15.0), 1)
	}
	return &Poller{client: client, limiter: limiter, sink: sink}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		p.Poll(ctx)
	}
}

// Poll performs one inbox fetch, emitting a summary per new event and
// advancing the cursor.
func (p *Poller) Poll(ctx context.Context) {
	page, err := p.client.FetchInbox(ctx, p.since)
	if err != nil {
		return
	}
	for _, ev := range page.Events {
		p.sink(SummarizeEvent(ev))
	}
	if page.NextSince > p.since {
		p.since = page.NextSince
	}
}
