// Package robots performs the robots.txt politeness check composed before
// every NAVIGATE action, matching the teacher's fail-open fetch/parse
// behavior but checked against the ghost agent's own user agent token.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const (
	fetchTimeout = 5 * time.Second
	userAgent    = "GhostTabAgent/1.0"
	agentToken   = "GhostTabAgent"
)

// Checker fetches and evaluates robots.txt for a target host.
type Checker struct {
	logger *zap.Logger
	client *http.Client
}

// NewChecker builds a Checker that logs fetch/parse failures at debug level.
func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{
		logger: logger,
		client: &http.Client{Timeout: fetchTimeout},
	}
}

// Allowed reports whether targetURL may be navigated to under the host's
// robots.txt. Any fetch or parse failure fails open (allowed=true), since
// a missing or broken robots.txt should never block a task outright.
func (c *Checker) Allowed(ctx context.Context, targetURL string) (bool, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return true, fmt.Errorf("robots: parse target url: %w", err)
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", parsed.Scheme, parsed.Host)

	data, err := c.fetch(ctx, robotsURL)
	if err != nil {
		c.logger.Debug("robots.txt unavailable, allowing navigate",
			zap.String("robots_url", robotsURL),
			zap.Error(err),
		)
		return true, nil
	}

	group := data.FindGroup(agentToken)
	allowed := group.Test(parsed.Path)

	c.logger.Debug("robots.txt checked",
		zap.String("target_url", targetURL),
		zap.Bool("allowed", allowed),
	)
	return allowed, nil
}

func (c *Checker) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("robots: %s returned status %d", robotsURL, resp.StatusCode)
	}

	return robotstxt.FromResponse(resp)
}
