// Package crawler fetches candidate pages and extracts links that look like
// standard-charges files.
package crawler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/sells-group/pricefinder/internal/config"
	"github.com/sells-group/pricefinder/internal/model"
	"github.com/sells-group/pricefinder/internal/resilience"
	"github.com/sells-group/pricefinder/pkg/renderfetch"
)

const userAgent = "pricefinder/1.0 (+https://github.com/sells-group/pricefinder)"

// ErrRobotsDisallowed is returned when a page's robots.txt forbids crawling
// it. Callers should treat the candidate as skipped, not failed.
var ErrRobotsDisallowed = eris.New("crawler: disallowed by robots.txt")

// fileExtensions are treated as direct file links.
var fileExtensions = map[string]string{
	".csv":  "csv",
	".json": "json",
	".xlsx": "xlsx",
	".xls":  "xls",
	".zip":  "zip",
}

// Crawler extracts file links from candidate pages.
type Crawler struct {
	http          *http.Client
	render        renderfetch.Client
	renderBreaker *resilience.Breaker

	pageTimeout   time.Duration
	maxFileLinks  int
	respectRobots bool

	mu     sync.Mutex
	robots map[string]*robotstxt.RobotsData // host → parsed robots.txt
}

// New creates a Crawler. The render client may be nil, in which case pages
// that need JS rendering yield whatever the static HTML contains.
func New(render renderfetch.Client, cfg config.CrawlConfig) *Crawler {
	return &Crawler{
		http: &http.Client{
			Timeout: time.Duration(cfg.PageTimeoutSecs) * time.Second,
		},
		render:        render,
		renderBreaker: resilience.NewProviderBreaker("renderfetch"),
		pageTimeout:   time.Duration(cfg.PageTimeoutSecs) * time.Second,
		maxFileLinks:  cfg.MaxFileLinks,
		respectRobots: cfg.RespectRobots,
		robots:        make(map[string]*robotstxt.RobotsData),
	}
}

// Crawl fetches one candidate page and returns up to maxFileLinks file
// links, highest score first. A page with no qualifying links returns an
// empty slice, not an error. Pages disallowed by robots.txt return
// ErrRobotsDisallowed.
func (c *Crawler) Crawl(ctx context.Context, candidate *model.SearchCandidate) ([]model.FileLink, error) {
	pageURL, err := url.Parse(candidate.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "crawler: parse url %s", candidate.URL)
	}

	// A search hit may already be the file itself.
	if ft := fileTypeOf(pageURL); ft != "" {
		return []model.FileLink{{
			URL:      candidate.URL,
			FileType: ft,
			Score:    scoreLink(pageURL, candidate.Title),
		}}, nil
	}

	if c.respectRobots && !c.allowed(ctx, pageURL) {
		zap.L().Info("crawl skipped by robots.txt",
			zap.String("hospital_id", candidate.HospitalID),
			zap.String("url", candidate.URL),
		)
		return nil, ErrRobotsDisallowed
	}

	html, err := c.fetchStatic(ctx, candidate.URL)
	if err != nil {
		return nil, err
	}

	links := c.extractLinks(pageURL, html)

	// JS-built pages inject their file links after load, whether or not
	// the static HTML looks like an application shell. Escalate to the
	// rendering service before giving up on the page.
	if len(links) == 0 && c.render != nil {
		rendered, rErr := c.fetchRendered(ctx, candidate.URL)
		if rErr != nil {
			zap.L().Warn("render escalation failed",
				zap.String("url", candidate.URL),
				zap.Error(rErr),
			)
		} else {
			links = c.extractLinks(pageURL, rendered)
		}
	}

	if c.maxFileLinks > 0 && len(links) > c.maxFileLinks {
		links = links[:c.maxFileLinks]
	}

	return links, nil
}

func (c *Crawler) fetchStatic(ctx context.Context, pageURL string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.pageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "crawler: create request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrapf(err, "crawler: fetch %s", pageURL), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", resilience.NewRateLimitError(eris.Errorf("crawler: rate limited fetching %s", pageURL), resp.Request.URL.Host)
	case resp.StatusCode >= 500:
		return "", resilience.NewTransientError(eris.Errorf("crawler: status %d fetching %s", resp.StatusCode, pageURL), resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", eris.Errorf("crawler: status %d fetching %s", resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrapf(err, "crawler: read %s", pageURL), resp.StatusCode)
	}
	return string(body), nil
}

func (c *Crawler) fetchRendered(ctx context.Context, pageURL string) (string, error) {
	resp, err := resilience.Guard(ctx, c.renderBreaker, func(ctx context.Context) (*renderfetch.ScrapeResponse, error) {
		return c.render.Scrape(ctx, renderfetch.ScrapeRequest{
			URL:     pageURL,
			Formats: []string{"html", "links"},
		})
	})
	if err != nil {
		return "", eris.Wrap(err, "crawler: render escalation")
	}
	return resp.Data.HTML, nil
}

// extractLinks parses anchors from HTML and scores them, highest first.
func (c *Crawler) extractLinks(base *url.URL, html string) []model.FileLink {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		zap.L().Debug("crawler: unparseable html", zap.String("url", base.String()), zap.Error(err))
		return nil
	}

	seen := make(map[string]bool)
	var links []model.FileLink

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}

		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		resolved.Fragment = ""

		abs := resolved.String()
		if seen[abs] {
			return
		}

		anchor := strings.TrimSpace(sel.Text())
		score := scoreLink(resolved, anchor)
		if score <= 0 {
			return
		}

		seen[abs] = true
		links = append(links, model.FileLink{
			URL:        abs,
			AnchorText: anchor,
			FileType:   fileTypeOf(resolved),
			Score:      score,
		})
	})

	sortLinks(links)
	return links
}

func sortLinks(links []model.FileLink) {
	sort.SliceStable(links, func(i, j int) bool {
		return links[i].Score > links[j].Score
	})
}

// scoreLink weights a link by file extension plus pricing keywords in its
// path and anchor text. Directory-style pricing pages get a flat 0.3 so they
// rank below any direct file.
func scoreLink(u *url.URL, anchorText string) float64 {
	lpath := strings.ToLower(u.Path + "?" + u.RawQuery)
	ltext := strings.ToLower(anchorText)

	var score float64
	if fileTypeOf(u) != "" {
		score = 0.5
	}

	for _, kw := range []string{"price", "charge", "transparency", "standardcharges", "chargemaster", "cdm"} {
		if strings.Contains(lpath, kw) {
			score += 0.1
		}
	}
	for _, kw := range []string{"price", "charge", "standard", "transparency", "machine-readable"} {
		if strings.Contains(ltext, kw) {
			score += 0.2
		}
	}
	if strings.Contains(ltext, "price") && strings.Contains(ltext, "transparency") {
		score += 0.3
	}

	if score > 0 && fileTypeOf(u) == "" {
		score = 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}

func fileTypeOf(u *url.URL) string {
	ext := strings.ToLower(path.Ext(u.Path))
	return fileExtensions[ext]
}

// allowed consults the host's robots.txt, caching per host. Unreachable or
// missing robots.txt means the page is fair game.
func (c *Crawler) allowed(ctx context.Context, pageURL *url.URL) bool {
	host := pageURL.Host

	c.mu.Lock()
	data, ok := c.robots[host]
	c.mu.Unlock()

	if !ok {
		data = c.fetchRobots(ctx, pageURL)
		c.mu.Lock()
		c.robots[host] = data
		c.mu.Unlock()
	}

	if data == nil {
		return true
	}
	return data.FindGroup(userAgent).Test(pageURL.Path)
}

func (c *Crawler) fetchRobots(ctx context.Context, pageURL *url.URL) *robotstxt.RobotsData {
	robotsURL := pageURL.Scheme + "://" + pageURL.Host + "/robots.txt"

	reqCtx, cancel := context.WithTimeout(ctx, c.pageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		zap.L().Debug("crawler: bad robots.txt", zap.String("host", pageURL.Host), zap.Error(err))
		return nil
	}
	return data
}
