// Package colly implements the fetching collaborator with the Colly
// collector.
package colly

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/collector"
)

// Config controls the shared Colly collector.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	Concurrency    int
}

// Fetcher implements collector.Fetcher and collector.Prober using Colly.
type Fetcher struct {
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New constructs a configured Colly-based Fetcher.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []colly.CollectorOption{
		colly.Async(true),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		MaxConnsPerHost:       cfg.Concurrency * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Concurrency,
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}

	return &Fetcher{
		baseCollector: base,
		logger:        logger,
	}, nil
}

// Fetch retrieves a page via the configured Colly collector.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (collector.Page, error) {
	start := time.Now()
	res, err := f.visit(rawURL, false)
	if err != nil {
		return collector.Page{}, collector.WrapError(collector.KindConnection, "fetch "+rawURL, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return collector.Page{}, ctxErr
	}
	res.page.Duration = time.Since(start)
	return res.page, nil
}

// Probe issues a HEAD request as a cheap liveness check of the endpoint.
func (f *Fetcher) Probe(ctx context.Context, rawURL string) error {
	if _, err := f.visit(rawURL, true); err != nil {
		return collector.WrapError(collector.KindConnection, "probe "+rawURL, err)
	}
	return ctx.Err()
}

type fetchResult struct {
	page collector.Page
}

func (f *Fetcher) visit(rawURL string, head bool) (fetchResult, error) {
	c := f.baseCollector.Clone()
	resultCh := make(chan fetchResult, 1)
	errCh := make(chan error, 1)
	var once sync.Once

	c.OnResponse(func(r *colly.Response) {
		once.Do(func() {
			resultCh <- fetchResult{page: collector.Page{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Body:       append([]byte{}, r.Body...),
			}}
		})
	})
	c.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		if r != nil && r.StatusCode > 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		once.Do(func() {
			errCh <- err
		})
	})

	var err error
	if head {
		err = c.Head(rawURL)
	} else {
		err = c.Visit(rawURL)
	}
	if err != nil {
		return fetchResult{}, err
	}
	c.Wait()

	select {
	case res := <-resultCh:
		return res, nil
	case err := <-errCh:
		return fetchResult{}, err
	default:
		return fetchResult{}, errors.New("fetch produced no result")
	}
}
