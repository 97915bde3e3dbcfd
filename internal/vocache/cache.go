// Package vocache persists per-endpoint metadata and test results between
// probe runs.
package vocache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jandubois/srmprobe/internal/probe"
)

// FileName is the name of the rolling cache file inside the work directory.
const FileName = "VOInfoDictionary"

// DefaultMaxAge is the age after which a persisted cache is discarded.
const DefaultMaxAge = 3 * 24 * time.Hour

const schemaVersion = 1

// Cache maps endpoint identifiers to records, preserving insertion order.
type Cache struct {
	records  map[string]*Record
	order    []string
	LoadedAt time.Time
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		records:  make(map[string]*Record),
		LoadedAt: time.Now(),
	}
}

// Get returns the record for endpoint.
func (c *Cache) Get(endpoint string) (*Record, bool) {
	r, ok := c.records[endpoint]
	return r, ok
}

// Put stores rec under endpoint, replacing any previous record. A replaced
// endpoint keeps its original position.
func (c *Cache) Put(endpoint string, rec *Record) {
	if _, ok := c.records[endpoint]; !ok {
		c.order = append(c.order, endpoint)
	}
	rec.Endpoint = endpoint
	c.records[endpoint] = rec
}

// Keys returns endpoint identifiers in insertion order.
func (c *Cache) Keys() []string {
	keys := make([]string, len(c.order))
	copy(keys, c.order)
	return keys
}

// Records returns the records in insertion order.
func (c *Cache) Records() []*Record {
	recs := make([]*Record, 0, len(c.order))
	for _, k := range c.order {
		recs = append(recs, c.records[k])
	}
	return recs
}

// Len returns the number of endpoints.
func (c *Cache) Len() int {
	return len(c.order)
}

// IsStale reports whether the file at path was last modified more than
// maxAge ago. A file exactly maxAge old is not stale. Missing files are not
// stale.
func IsStale(path string, maxAge time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > maxAge
}

// LoadOrEvict removes the cache file at path if it is stale and then loads it.
func LoadOrEvict(path string, maxAge time.Duration) *Cache {
	if IsStale(path, maxAge) {
		slog.Info("stale VO info cache file, deleting", "path", path, "max_age", maxAge)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to delete stale cache", "path", path, "error", err)
		}
	}
	return Load(path)
}

// Load reads a cache file. It never fails: a missing file yields an empty
// cache, and an unreadable or undecodable file is deleted and yields an
// empty cache.
func Load(path string) *Cache {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("no cached VO info, starting empty", "path", path)
			return New()
		}
		slog.Warn("cannot read VO info cache, starting empty", "path", path, "error", err)
		discard(path)
		return New()
	}

	c, err := decode(data)
	if err != nil {
		slog.Warn("cannot decode VO info cache, cleaning cache file", "path", path, "error", err)
		discard(path)
		return New()
	}
	slog.Debug("loaded VO info cache", "path", path, "endpoints", c.Len())
	return c
}

func discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove unreadable cache", "path", path, "error", err)
	}
}

// Save writes the cache to path atomically: the data goes to a temporary
// file in the same directory which is then renamed over path.
func (c *Cache) Save(path string) error {
	data, err := c.encode()
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename cache: %w", err)
	}
	return nil
}

// SaveAll writes the cache to each path in turn. Failures are logged and do
// not stop the remaining writes; the number of successful writes is returned.
func (c *Cache) SaveAll(paths ...string) int {
	saved := 0
	for _, p := range paths {
		if err := c.Save(p); err != nil {
			slog.Error("failed to save VO info cache", "path", p, "error", err)
			continue
		}
		saved++
	}
	return saved
}

// CurrentPath returns the rolling cache file path inside dir.
func CurrentPath(dir string) string {
	return filepath.Join(dir, FileName)
}

// HistoryPath returns the hour-of-day history file path inside dir.
func HistoryPath(dir string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d", FileName, t.Hour()))
}

// On-disk schema. Records are kept as an array so insertion order survives a
// round trip; criticality is a pointer so that absent values default to
// critical.

type fileFormat struct {
	Version   int          `json:"version"`
	SavedAt   time.Time    `json:"saved_at"`
	Endpoints []fileRecord `json:"endpoints"`
}

type fileRecord struct {
	Endpoint    string                  `json:"endpoint"`
	SpaceToken  string                  `json:"space_token,omitempty"`
	FileName    string                  `json:"fn,omitempty"`
	Criticality *int                    `json:"criticality,omitempty"`
	UserSpace   string                  `json:"userspace,omitempty"`
	Catalog     string                  `json:"file_catalog,omitempty"`
	Results     map[string]probe.Result `json:"results,omitempty"`
	UpdatedAt   time.Time               `json:"updated_at,omitempty"`
}

func (c *Cache) encode() ([]byte, error) {
	f := fileFormat{
		Version:   schemaVersion,
		SavedAt:   time.Now().UTC(),
		Endpoints: make([]fileRecord, 0, c.Len()),
	}
	for _, r := range c.Records() {
		crit := int(r.Criticality)
		fr := fileRecord{
			Endpoint:    r.Endpoint,
			SpaceToken:  r.SpaceToken,
			FileName:    r.FileName,
			Criticality: &crit,
			UserSpace:   r.UserSpace,
			Catalog:     r.Catalog,
			UpdatedAt:   r.UpdatedAt,
		}
		if len(r.Results) > 0 {
			fr.Results = make(map[string]probe.Result, len(r.Results))
			for op, res := range r.Results {
				fr.Results[string(op)] = res
			}
		}
		f.Endpoints = append(f.Endpoints, fr)
	}
	return json.MarshalIndent(f, "", "  ")
}

func decode(data []byte) (*Cache, error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Version != schemaVersion {
		return nil, fmt.Errorf("unsupported cache version %d", f.Version)
	}

	c := New()
	for i, fr := range f.Endpoints {
		if fr.Endpoint == "" {
			return nil, fmt.Errorf("entry %d has no endpoint", i)
		}
		rec := NewRecord(fr.Endpoint)
		rec.SpaceToken = fr.SpaceToken
		rec.FileName = fr.FileName
		rec.UserSpace = fr.UserSpace
		rec.Catalog = fr.Catalog
		rec.UpdatedAt = fr.UpdatedAt
		if fr.Criticality != nil {
			switch Criticality(*fr.Criticality) {
			case Informational, Critical:
				rec.Criticality = Criticality(*fr.Criticality)
			default:
				return nil, fmt.Errorf("entry %d: invalid criticality %d", i, *fr.Criticality)
			}
		}
		for name, res := range fr.Results {
			op, err := ParseOperation(name)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			if !res.Status.Valid() {
				return nil, fmt.Errorf("entry %d: invalid status %q", i, res.Status)
			}
			rec.Results[op] = res
		}
		c.Put(fr.Endpoint, rec)
	}
	return c, nil
}
