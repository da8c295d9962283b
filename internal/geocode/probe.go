package geocode

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Probe reports whether the geocoding provider is reachable. Answers are
// reused for ttl so a busy batch does not flood the provider with checks.
type Probe struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	checked time.Time
	online  bool
}

func NewProbe(url string, ttl time.Duration, client *http.Client) *Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Probe{url: url, ttl: ttl, client: client, now: time.Now}
}

// Online issues a HEAD request unless a recent answer is cached. Any HTTP
// response counts as reachable. A check cut short by the caller's context
// answers false for that caller only and is not cached.
func (p *Probe) Online(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.checked.IsZero() && p.now().Sub(p.checked) < p.ttl {
		return p.online
	}

	online := p.check(ctx)
	if ctx.Err() != nil {
		return false
	}
	p.online = online
	p.checked = p.now()
	return p.online
}

func (p *Probe) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
