package directory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quietline/quietline/internal/numbers"
)

// RedisOptions configures the Redis-backed directory source.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Prefix namespaces the three set keys:
	// <prefix>:contacts, <prefix>:whitelist, <prefix>:blocklist.
	Prefix string
	// RefreshInterval is how often the local snapshot is rebuilt.
	RefreshInterval time.Duration
	// SuffixLen is the suffix-match policy for the built sets.
	SuffixLen int
}

// RedisDirectory polls Redis sets maintained by the sync process into
// local snapshots. A failed refresh keeps the previous snapshot; the
// decision path prefers stale data over a blocked call.
type RedisDirectory struct {
	client   *redis.Client
	prefix   string
	suffix   int
	interval time.Duration

	h      *holder
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisDirectory connects, performs an initial load, and starts the
// refresh loop.
func NewRedisDirectory(ctx context.Context, opts RedisOptions) (*RedisDirectory, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "quietline:directory:v1"
	}
	interval := opts.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	loopCtx, stop := context.WithCancel(context.Background())
	d := &RedisDirectory{
		client:   client,
		prefix:   prefix,
		suffix:   opts.SuffixLen,
		interval: interval,
		h:        newHolder(opts.SuffixLen),
		cancel:   stop,
		done:     make(chan struct{}),
	}

	if err := d.refresh(ctx); err != nil {
		log.Printf("[Directory] Initial load failed, starting empty: %v", err)
	}
	go d.refreshLoop(loopCtx)

	return d, nil
}

func (d *RedisDirectory) key(set string) string {
	return fmt.Sprintf("%s:%s", d.prefix, set)
}

func (d *RedisDirectory) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	load := func(set string) ([]string, error) {
		members, err := d.client.SMembers(ctx, d.key(set)).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("loading %s: %w", set, err)
		}
		return members, nil
	}

	contacts, err := load("contacts")
	if err != nil {
		return err
	}
	whitelist, err := load("whitelist")
	if err != nil {
		return err
	}
	blocklist, err := load("blocklist")
	if err != nil {
		return err
	}

	d.h.set(Snapshot{
		Contacts:  numbers.NewSet(contacts, d.suffix),
		Whitelist: numbers.NewSet(whitelist, d.suffix),
		Blocklist: numbers.NewSet(blocklist, d.suffix),
	})
	return nil
}

func (d *RedisDirectory) refreshLoop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.refresh(ctx); err != nil {
				log.Printf("[Directory] Refresh failed, keeping last snapshot: %v", err)
			}
		}
	}
}

func (d *RedisDirectory) Snapshot() Snapshot {
	return d.h.get()
}

func (d *RedisDirectory) IsContact(callerID string) bool {
	return d.h.get().Contacts.Contains(callerID)
}

func (d *RedisDirectory) Close() error {
	d.cancel()
	<-d.done
	return d.client.Close()
}
