package scripts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	core "github.com/arborlabs/arbor/system/framework/core"
)

// maxResponseBytes caps how much of a response body a script can pull in.
const maxResponseBytes = 1 << 20

// HTTPGateway is the sandbox's only network capability: an outbound GET
// with host blocking applied before any request is sent, and a per-actor
// rate limit so one script cannot monopolize outbound traffic.
type HTTPGateway struct {
	client       *http.Client
	blockedHosts []string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewHTTPGateway builds a gateway with the default block list and limits.
func NewHTTPGateway(client *http.Client, blockedHosts []string) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if blockedHosts == nil {
		blockedHosts = DefaultBlockedHosts
	}
	return &HTTPGateway{
		client:       client,
		blockedHosts: blockedHosts,
		limiters:     make(map[string]*rate.Limiter),
		rate:         rate.Limit(DefaultHTTPRate),
		burst:        DefaultHTTPBurst,
	}
}

// Get fetches a URL for the given actor and returns the decoded JSON body.
// An optional gjson path narrows the result to one value. Blocked targets
// fail before the request is issued.
func (g *HTTPGateway) Get(ctx context.Context, actorID, rawURL, path string) (any, error) {
	if err := g.CheckHost(rawURL); err != nil {
		return nil, err
	}
	if !g.limiter(actorID).Allow() {
		return nil, core.NewValidationError("http", "rate limit exceeded")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, core.NewValidationError("url", err.Error())
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	if path != "" {
		result := gjson.GetBytes(body, path)
		if !result.Exists() {
			return nil, core.NewNotFoundError("json path", path)
		}
		return result.Value(), nil
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		// Not JSON; hand the raw text to the script.
		return string(body), nil
	}
	return decoded, nil
}

// CheckHost rejects URLs whose hostname matches a blocked prefix, or a
// blocked suffix for entries starting with a dot.
func (g *HTTPGateway) CheckHost(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return core.NewValidationError("url", err.Error())
	}
	host := parsed.Hostname()
	if host == "" {
		return core.NewValidationError("url", "missing hostname")
	}
	for _, blocked := range g.blockedHosts {
		if strings.HasPrefix(blocked, ".") {
			if strings.HasSuffix(host, blocked) {
				return ErrBlockedHost
			}
			continue
		}
		if strings.HasPrefix(host, blocked) {
			return ErrBlockedHost
		}
	}
	return nil
}

func (g *HTTPGateway) limiter(actorID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[actorID]
	if !ok {
		l = rate.NewLimiter(g.rate, g.burst)
		g.limiters[actorID] = l
	}
	return l
}
