package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/thapasuman5202/Engineering/internal/model"
	"github.com/thapasuman5202/Engineering/internal/observability"
)

// CacheConfig configures the connector response cache.
type CacheConfig struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// MinTTL and MaxTTL bound the jittered entry lifetime. Default: 15m..60m.
	MinTTL time.Duration
	MaxTTL time.Duration
}

// Cache stores connector responses in badger with a jittered TTL so entries
// written together do not expire together.
type Cache struct {
	db      *badger.DB
	minTTL  time.Duration
	maxTTL  time.Duration
	metrics *observability.Metrics
}

// OpenCache opens (or creates) the cache.
func OpenCache(cfg CacheConfig) (*Cache, error) {
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = 15 * time.Minute
	}
	if cfg.MaxTTL < cfg.MinTTL {
		cfg.MaxTTL = max(cfg.MinTTL, 60*time.Minute)
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, eris.New("connector: cache dir is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, eris.Wrapf(err, "connector: create cache dir %s", cfg.Dir)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithLogger(badgerLogger{zap.L().Sugar().With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrap(err, "connector: open cache")
	}
	return &Cache{db: db, minTTL: cfg.MinTTL, maxTTL: cfg.MaxTTL}, nil
}

// SetMetrics enables cache hit/miss counters.
func (c *Cache) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Wrap returns conn with cached responses. A wrapped connector also runs in
// offline mode, where it serves hits only.
func (c *Cache) Wrap(conn Connector) *Cached {
	return &Cached{Connector: conn, cache: c}
}

func (c *Cache) ttl() time.Duration {
	span := c.maxTTL - c.minTTL
	if span <= 0 {
		return c.minTTL
	}
	return c.minTTL + time.Duration(rand.Int64N(int64(span)+1))
}

func (c *Cache) get(key string) ([]model.SourceRecord, bool, error) {
	var recs []model.SourceRecord
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &recs)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "connector: cache get")
	}
	return recs, true, nil
}

func (c *Cache) put(key string, recs []model.SourceRecord) error {
	val, err := json.Marshal(recs)
	if err != nil {
		return eris.Wrap(err, "connector: cache marshal")
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), val).WithTTL(c.ttl()))
	})
	return eris.Wrap(err, "connector: cache put")
}

func (c *Cache) count(source, result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(source, result).Inc()
	}
}

// Cached is a connector decorated with the response cache.
type Cached struct {
	Connector
	cache *Cache
}

func (c *Cached) Supports(mode model.Mode) bool {
	return mode == model.ModeOffline || c.Connector.Supports(mode)
}

func (c *Cached) Fetch(ctx context.Context, req Request) ([]model.SourceRecord, error) {
	log := zap.L().With(zap.String("component", "connector.cache"), zap.String("connector", c.Name()))
	key := cacheKey(c.Name(), req)

	recs, ok, err := c.cache.get(key)
	if err != nil {
		log.Warn("cache read failed", zap.Error(err))
	}
	if ok {
		c.cache.count(c.Name(), "hit")
		return recs, nil
	}
	c.cache.count(c.Name(), "miss")

	if !c.Connector.Supports(req.Mode) {
		log.Debug("offline cache miss")
		return nil, nil
	}

	recs, err = c.Connector.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if hasValue(recs) {
		if err := c.cache.put(key, recs); err != nil {
			log.Warn("cache write failed", zap.Error(err))
		}
	}
	return recs, nil
}

func hasValue(recs []model.SourceRecord) bool {
	for _, r := range recs {
		if !r.Failed() {
			return true
		}
	}
	return false
}

// cacheKey identifies a response by connector, boundary and scenarios.
// Scenario order does not matter.
func cacheKey(source string, req Request) string {
	var b strings.Builder
	b.WriteString(source)
	for _, ring := range req.Boundary.Coordinates {
		b.WriteByte('|')
		for _, pos := range ring {
			for _, v := range pos {
				b.WriteString(strconv.FormatFloat(v, 'f', 7, 64))
				b.WriteByte(',')
			}
		}
	}
	scen := append([]string(nil), req.Scenarios...)
	sort.Strings(scen)
	b.WriteByte('|')
	b.WriteString(strings.Join(scen, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return "connector:" + source + ":" + hex.EncodeToString(sum[:])
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, args ...any)   { l.s.Errorf(f, args...) }
func (l badgerLogger) Warningf(f string, args ...any) { l.s.Warnf(f, args...) }
func (l badgerLogger) Infof(f string, args ...any)    { l.s.Debugf(f, args...) }
func (l badgerLogger) Debugf(f string, args ...any)   { l.s.Debugf(f, args...) }
