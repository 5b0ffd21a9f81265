package proxies

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"quotapool/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNoActiveProxy = errors.New("no active proxy available")
	ErrProxyNotFound = errors.New("proxy not found")
)

const bulkInsertBatchSize = 500

// Registry owns the proxies table. Proxies are created on first reference
// and only ever degrade to inactive on their own; Activate is the way back.
type Registry struct {
	db    *gorm.DB
	clock clockwork.Clock
	group singleflight.Group
}

type Option func(*Registry)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func NewRegistry(db *gorm.DB, opts ...Option) *Registry {
	r := &Registry{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ensure inserts the URL if it is unknown and returns its id either way.
func (r *Registry) Ensure(ctx context.Context, rawURL string) (uint64, error) {
	proxyURL, err := domain.NormalizeProxyURL(rawURL)
	if err != nil {
		return 0, err
	}

	row := domain.Proxy{URL: proxyURL, Active: true}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "url"}}, DoNothing: true}).
		Create(&row).Error; err != nil {
		return 0, fmt.Errorf("ensure proxy: %w", err)
	}

	return r.IDByURL(ctx, proxyURL)
}

// GetActive picks one active proxy uniformly at random. Selection is not
// exclusive; many callers may share a proxy.
func (r *Registry) GetActive(ctx context.Context) (*domain.Proxy, error) {
	var proxy domain.Proxy
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("RANDOM()").
		Limit(1).
		Take(&proxy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveProxy
	}
	if err != nil {
		return nil, fmt.Errorf("get active proxy: %w", err)
	}
	return &proxy, nil
}

func (r *Registry) MarkFailed(ctx context.Context, id uint64) error {
	now := r.clock.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Proxy{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{
			"active":      false,
			"fail_count":  gorm.Expr("fail_count + 1"),
			"last_failed": now,
		})
	if result.Error != nil {
		return fmt.Errorf("mark proxy %d failed: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrProxyNotFound
	}
	log.Warn("Proxy marked as failed", "proxy_id", id)
	return nil
}

func (r *Registry) Activate(ctx context.Context, id uint64) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Proxy{}).
		Where("id = ?", id).
		UpdateColumn("active", true)
	if result.Error != nil {
		return fmt.Errorf("activate proxy %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrProxyNotFound
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id uint64) (*domain.Proxy, error) {
	var proxy domain.Proxy
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&proxy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProxyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proxy %d: %w", id, err)
	}
	return &proxy, nil
}

// URLByID and IDByURL sit on the request path of every client call, so
// concurrent lookups for the same key share one query.
func (r *Registry) URLByID(ctx context.Context, id uint64) (string, error) {
	v, err, _ := r.group.Do("id:"+strconv.FormatUint(id, 10), func() (any, error) {
		var urls []string
		if err := r.db.WithContext(ctx).Model(&domain.Proxy{}).Where("id = ?", id).Limit(1).Pluck("url", &urls).Error; err != nil {
			return "", fmt.Errorf("lookup proxy %d: %w", id, err)
		}
		if len(urls) == 0 {
			return "", ErrProxyNotFound
		}
		return urls[0], nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Registry) IDByURL(ctx context.Context, rawURL string) (uint64, error) {
	proxyURL := strings.TrimSpace(rawURL)
	v, err, _ := r.group.Do("url:"+proxyURL, func() (any, error) {
		var ids []uint64
		if err := r.db.WithContext(ctx).Model(&domain.Proxy{}).Where("url = ?", proxyURL).Limit(1).Pluck("id", &ids).Error; err != nil {
			return uint64(0), fmt.Errorf("lookup proxy %q: %w", domain.RedactProxyURL(proxyURL), err)
		}
		if len(ids) == 0 {
			return uint64(0), ErrProxyNotFound
		}
		return ids[0], nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (r *Registry) List(ctx context.Context) ([]domain.Proxy, error) {
	var list []domain.Proxy
	if err := r.db.WithContext(ctx).Order("id").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	return list, nil
}

// BulkLoad trims, validates and deduplicates the URLs before inserting them.
// Invalid lines are skipped with a warning. It returns the number of URLs that
// were submitted after deduplication.
func (r *Registry) BulkLoad(ctx context.Context, urls []string) (int, error) {
	seen := make(map[string]struct{}, len(urls))
	rows := make([]domain.Proxy, 0, len(urls))

	for _, raw := range urls {
		proxyURL, err := domain.NormalizeProxyURL(raw)
		if err != nil {
			if strings.TrimSpace(raw) != "" {
				log.Warn("Skipping proxy", "url", domain.RedactProxyURL(raw), "error", err)
			}
			continue
		}
		if _, ok := seen[proxyURL]; ok {
			continue
		}
		seen[proxyURL] = struct{}{}
		rows = append(rows, domain.Proxy{URL: proxyURL, Active: true})
	}

	if len(rows) == 0 {
		return 0, nil
	}

	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "url"}}, DoNothing: true}).
		CreateInBatches(&rows, bulkInsertBatchSize).Error; err != nil {
		return 0, fmt.Errorf("bulk load proxies: %w", err)
	}

	log.Info("Proxies loaded", "count", len(rows))
	return len(rows), nil
}

// LoadFromFile reads one proxy URL per line; blank lines and # comments are ignored.
func (r *Registry) LoadFromFile(ctx context.Context, path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open proxy file: %w", err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read proxy file: %w", err)
	}

	return r.BulkLoad(ctx, urls)
}
