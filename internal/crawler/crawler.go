package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kilimcininkoroglu/swupd-mirror/internal/download"
)

// TextFetcher retrieves directory listing pages
type TextFetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
}

// Config holds crawler configuration
type Config struct {
	// Number of listings fetched concurrently across the whole crawl
	Workers int

	// Maximum folder depth below a root (0 = unlimited)
	MaxDepth int

	// Filter applied to file names, nil accepts all
	Filter *Filter
}

// DefaultConfig returns default crawler configuration
func DefaultConfig() *Config {
	return &Config{
		Workers: 24,
	}
}

// Crawler expands directory listings into download tasks
type Crawler struct {
	config  *Config
	fetcher TextFetcher
	log     *slog.Logger

	stats   Stats
	statsMu sync.RWMutex

	// Progress callback, called from worker goroutines after each folder
	progressFn func(Stats)
}

// NewCrawler creates a new crawler
func NewCrawler(fetcher TextFetcher, config *Config, log *slog.Logger) *Crawler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if log == nil {
		log = slog.Default()
	}

	return &Crawler{
		config:  config,
		fetcher: fetcher,
		log:     log.With(slog.String("component", "crawler")),
	}
}

// SetProgressCallback sets the progress callback function
func (c *Crawler) SetProgressCallback(fn func(Stats)) {
	c.progressFn = fn
}

// Crawl discovers every file below the given roots. All roots share one pool
// of workers; a folder reachable from two roots is expanded once. The first
// listing failure stops new work and is returned after in-flight folders finish.
func (c *Crawler) Crawl(ctx context.Context, roots ...Root) ([]download.FileTask, error) {
	queue := newFolderQueue()

	c.statsMu.Lock()
	c.stats = Stats{StartTime: time.Now()}
	c.statsMu.Unlock()

	for _, root := range roots {
		u, err := url.Parse(root.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid root URL %q", root.URL)
		}
		queue.push(folder{url: directoryURL(root.URL), dir: filepath.Clean(root.Dir)})
	}
	if len(roots) == 0 {
		return nil, nil
	}

	stop := context.AfterFunc(ctx, queue.abort)
	defer stop()

	var (
		mu       sync.Mutex
		tasks    []download.FileTask
		firstErr error
		wg       sync.WaitGroup
	)

	for i := 0; i < c.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				f, ok := queue.pop()
				if !ok {
					return
				}

				files, err := c.expand(ctx, f, queue)

				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					tasks = append(tasks, files...)
				}
				mu.Unlock()

				if err != nil {
					queue.abort()
				}
				queue.done()
				c.reportProgress(queue)
			}
		}()
	}

	wg.Wait()

	c.statsMu.Lock()
	c.stats.EndTime = time.Now()
	c.statsMu.Unlock()

	if firstErr == nil {
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		return nil, firstErr
	}

	download.SortTasks(tasks)
	return tasks, nil
}

// expand fetches and classifies one listing, queueing its subfolders
func (c *Crawler) expand(ctx context.Context, f folder, queue *folderQueue) ([]download.FileTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.statsMu.Lock()
	c.stats.CurrentURL = f.url
	c.statsMu.Unlock()

	c.log.Info("crawling", slog.String("url", f.url))

	page, err := c.fetcher.FetchText(ctx, f.url)
	if err != nil {
		return nil, err
	}

	links, err := ParseListing(strings.NewReader(page), f.url)
	if err != nil {
		return nil, err
	}

	var (
		files        []download.FileTask
		folders      int
		rejected     int
		unrecognized int
	)

	for _, link := range links {
		switch link.Kind {
		case LinkSelf:
		case LinkFile:
			if !c.config.Filter.Allow(link.Name) {
				rejected++
				continue
			}
			files = append(files, download.FileTask{URL: link.URL, Dir: f.dir, Name: link.Name})
		case LinkFolder:
			if c.config.MaxDepth > 0 && f.depth+1 > c.config.MaxDepth {
				c.log.Warn("folder below max depth skipped", slog.String("url", link.URL))
				continue
			}
			if queue.push(folder{url: link.URL, dir: filepath.Join(f.dir, link.Name), depth: f.depth + 1}) {
				folders++
			}
		default:
			unrecognized++
			c.log.Warn("unrecognized link skipped",
				slog.String("page", f.url),
				slog.String("link", link.URL))
		}
	}

	c.log.Debug("listing expanded",
		slog.String("url", f.url),
		slog.Int("files", len(files)),
		slog.Int("folders", folders))

	c.statsMu.Lock()
	c.stats.Folders++
	c.stats.Files += len(files)
	c.stats.Rejected += rejected
	c.stats.Unrecognized += unrecognized
	c.statsMu.Unlock()

	return files, nil
}

func (c *Crawler) reportProgress(queue *folderQueue) {
	c.statsMu.Lock()
	c.stats.Pending = queue.pending()
	c.statsMu.Unlock()

	if c.progressFn != nil {
		c.progressFn(c.GetStats())
	}
}

// GetStats returns current crawl statistics
func (c *Crawler) GetStats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}
