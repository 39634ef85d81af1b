// Package media keeps local copies of remote binary assets. Files live in a
// billy filesystem; their index lives in the cache's media category, sized by
// the file so the global budget covers them.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/louisbranch/offsync/internal/platform/errors"
	"github.com/louisbranch/offsync/internal/platform/logging"
	"github.com/louisbranch/offsync/internal/platform/telemetry/metrics"
	"github.com/louisbranch/offsync/internal/platform/timeouts"
	"github.com/louisbranch/offsync/internal/services/offline/cache"
	"github.com/louisbranch/offsync/internal/services/offline/policy"
)

const (
	keyPrefix  = "media:"
	tempPrefix = ".download-"
)

// Entry describes one local copy.
type Entry struct {
	RemoteURI    string    `json:"remote_uri"`
	LocalPath    string    `json:"local_path"`
	SizeBytes    int64     `json:"size_bytes"`
	LastAccessed time.Time `json:"-"`
}

// Downloader fetches a remote asset.
type Downloader interface {
	Download(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Cache maps remote URIs to files.
type Cache struct {
	store      *cache.Store
	fs         billy.Filesystem
	dir        string
	downloader Downloader
	group      singleflight.Group
	timeout    time.Duration
	logger     *zap.Logger
	metrics    *metrics.Recorder
}

// Option configures a Cache.
type Option func(*Cache)

// WithDir sets the directory inside the filesystem holding media files.
func WithDir(dir string) Option {
	return func(c *Cache) { c.dir = dir }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Cache) { c.metrics = m }
}

// New wires a media cache over store and fsys. Evicting an index entry from
// store deletes its file.
func New(store *cache.Store, fsys billy.Filesystem, downloader Downloader, opts ...Option) *Cache {
	c := &Cache{
		store:      store,
		fs:         fsys,
		dir:        "media",
		downloader: downloader,
		timeout:    timeouts.MediaDownload,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("media")
	store.OnEvict(c.onEvict)
	return c
}

// Key is the cache key indexing uri.
func Key(uri string) string {
	return keyPrefix + uri
}

// Get returns the local path for uri if a copy exists, refreshing its access
// time.
func (c *Cache) Get(uri string) (string, bool) {
	e, ok := c.store.Read(Key(uri))
	if !ok {
		return "", false
	}
	entry, err := decode(e)
	if err != nil {
		c.logger.Warn("dropping unreadable media index", zap.String("uri", uri), zap.Error(err))
		c.store.Remove(Key(uri))
		return "", false
	}
	if _, err := c.fs.Stat(entry.LocalPath); err != nil {
		// The file vanished underneath the index.
		c.store.Remove(Key(uri))
		return "", false
	}
	return entry.LocalPath, true
}

// Stat returns the index entry for uri without refreshing it.
func (c *Cache) Stat(uri string) (Entry, bool) {
	e, f := c.store.Peek(Key(uri))
	if !f.Usable() {
		return Entry{}, false
	}
	entry, err := decode(e)
	if err != nil {
		return Entry{}, false
	}
	return entry, true
}

// Ensure returns the local path for uri, downloading it once if needed.
// Concurrent calls for the same uri share a single download.
func (c *Cache) Ensure(ctx context.Context, uri string) (string, error) {
	if p, ok := c.Get(uri); ok {
		return p, nil
	}
	if _, err := url.Parse(uri); err != nil || strings.TrimSpace(uri) == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "invalid media uri")
	}
	ch := c.group.DoChan(uri, func() (any, error) {
		// A concurrent call may have finished while this one queued.
		if p, ok := c.Get(uri); ok {
			return p, nil
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.download(dctx, uri)
	})
	select {
	case <-ctx.Done():
		return "", apperrors.Wrap(apperrors.CodeNetwork, "ensure media", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Cache) download(ctx context.Context, uri string) (string, error) {
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorage, "create media dir", err)
	}
	body, err := c.downloader.Download(ctx, uri)
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp, err := c.fs.TempFile(c.dir, tempPrefix)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorage, "create temp file", err)
	}
	tmpName := tmp.Name()
	size, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = c.fs.Remove(tmpName)
		if copyErr != nil {
			return "", apperrors.Wrap(apperrors.CodeNetwork, "download media", copyErr)
		}
		return "", apperrors.Wrap(apperrors.CodeStorage, "close temp file", closeErr)
	}

	final := c.fs.Join(c.dir, fileName(uri))
	if err := c.fs.Rename(tmpName, final); err != nil {
		_ = c.fs.Remove(tmpName)
		return "", apperrors.Wrap(apperrors.CodeStorage, "store media file", err)
	}

	index, err := json.Marshal(Entry{RemoteURI: uri, LocalPath: final, SizeBytes: size})
	if err != nil {
		return "", fmt.Errorf("encode media index: %w", err)
	}
	if err := c.store.WriteSized(Key(uri), index, policy.Media, size); err != nil {
		_ = c.fs.Remove(final)
		return "", err
	}
	c.metrics.MediaDownloaded(size)
	c.logger.Debug("downloaded media", zap.String("uri", uri), zap.String("bytes", humanize.IBytes(uint64(size))))
	return final, nil
}

// onEvict removes the file behind an index entry leaving the cache. A
// replaced entry points at the same file, which is kept.
func (c *Cache) onEvict(e cache.Entry, reason string) {
	if e.Category != policy.Media || reason == cache.ReasonReplaced {
		return
	}
	entry, err := decode(e)
	if err != nil {
		return
	}
	if err := c.fs.Remove(entry.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("remove evicted media file", zap.String("path", entry.LocalPath), zap.Error(err))
	}
}

// Reconcile deletes files with no index entry, including interrupted
// downloads, and index entries whose file is missing. It returns how many of
// each were removed.
func (c *Cache) Reconcile() (orphanFiles, danglingEntries int, err error) {
	indexed := make(map[string]string)
	for _, key := range c.store.Keys(policy.Media) {
		e, _ := c.store.Peek(key)
		entry, decodeErr := decode(e)
		if decodeErr != nil {
			c.store.Remove(key)
			danglingEntries++
			continue
		}
		if _, statErr := c.fs.Stat(entry.LocalPath); statErr != nil {
			c.store.Remove(key)
			danglingEntries++
			continue
		}
		indexed[path.Clean(entry.LocalPath)] = key
	}

	infos, err := c.fs.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, danglingEntries, nil
	}
	if err != nil {
		return 0, danglingEntries, apperrors.Wrap(apperrors.CodeStorage, "list media dir", err)
	}
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		p := path.Clean(c.fs.Join(c.dir, info.Name()))
		if _, ok := indexed[p]; ok {
			continue
		}
		if rmErr := c.fs.Remove(p); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			c.logger.Warn("remove orphan media file", zap.String("path", p), zap.Error(rmErr))
			continue
		}
		orphanFiles++
	}
	if orphanFiles+danglingEntries > 0 {
		c.logger.Info("reconciled media", zap.Int("orphan_files", orphanFiles), zap.Int("dangling_entries", danglingEntries))
	}
	return orphanFiles, danglingEntries, nil
}

func decode(e cache.Entry) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(e.Data, &entry); err != nil {
		return Entry{}, err
	}
	if entry.LocalPath == "" {
		return Entry{}, errors.New("media index has no local path")
	}
	entry.LastAccessed = e.LastAccessed
	return entry, nil
}

// fileName derives a stable name from the uri, keeping a short extension so
// consumers can sniff the type.
func fileName(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	name := hex.EncodeToString(sum[:])
	if u, err := url.Parse(uri); err == nil {
		if ext := path.Ext(u.Path); len(ext) > 1 && len(ext) <= 6 {
			name += strings.ToLower(ext)
		}
	}
	return name
}
