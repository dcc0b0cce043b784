// Package cache implements the durable offline cache: named buckets of
// stored responses kept in a LevelDB database.
//
// Layout:
//
//	b:<bucket>             bucket marker
//	e:<bucket>\x00<url>    gob-encoded Entry
package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"diffuse-interceptor/internal/model"
)

// ErrNotFound is returned when no bucket holds a response for a request.
var ErrNotFound = errors.New("cache entry not found")

const (
	bucketPrefix = "b:"
	entryPrefix  = "e:"
)

// Entry is a stored response.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// Response returns a ProxyResponse replaying the stored entry.
func (e *Entry) Response() *model.ProxyResponse {
	return &model.ProxyResponse{
		StatusCode: e.Status,
		Header:     e.Header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(e.Body)),
	}
}

// Store holds every cache bucket.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the LevelDB database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens a store that lives only in memory.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory cache store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Keys returns the names of all buckets in lexical order.
func (s *Store) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(bucketPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(bucketPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	return names, nil
}

// Has reports whether the named bucket exists.
func (s *Store) Has(name string) (bool, error) {
	return s.db.Has(bucketKey(name), nil)
}

// Delete removes a bucket and all of its entries in one batch. It reports
// whether the bucket existed.
func (s *Store) Delete(name string) (bool, error) {
	existed, err := s.Has(name)
	if err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}

	batch := new(leveldb.Batch)
	batch.Delete(bucketKey(name))

	it := s.db.NewIterator(util.BytesPrefix(entryRange(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return existed || batch.Len() > 1, nil
}

// OpenBucket returns the named bucket, creating it when missing.
func (s *Store) OpenBucket(name string) (*Bucket, error) {
	if name == "" {
		return nil, errors.New("bucket name required")
	}
	if err := s.db.Put(bucketKey(name), nil, nil); err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return &Bucket{store: s, name: name}, nil
}

// Match looks the request up in every bucket. Only GET requests match.
func (s *Store) Match(req *http.Request) (*Entry, error) {
	if req.Method != http.MethodGet {
		return nil, ErrNotFound
	}
	key := NormalizeURL(req.URL)

	names, err := s.Keys()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		ent, err := s.get(name, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ent, nil
	}
	return nil, ErrNotFound
}

func (s *Store) get(bucket, key string) (*Entry, error) {
	b, err := s.db.Get(entryKey(bucket, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s from %s: %w", key, bucket, err)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return nil, fmt.Errorf("decode %s from %s: %w", key, bucket, err)
	}
	return &ent, nil
}

// Bucket is one named generation of cached responses.
type Bucket struct {
	store *Store
	name  string
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Get returns the entry stored for rawURL.
func (b *Bucket) Get(rawURL string) (*Entry, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	return b.store.get(b.name, NormalizeURL(u))
}

// Len returns the number of entries in the bucket.
func (b *Bucket) Len() (int, error) {
	it := b.store.db.NewIterator(util.BytesPrefix(entryRange(b.name)), nil)
	defer it.Release()

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// PutAll stores all entries in one atomic batch: either every entry is
// written or none is.
func (b *Bucket) PutAll(entries []Entry) error {
	batch := new(leveldb.Batch)
	batch.Put(bucketKey(b.name), nil)
	now := time.Now().Unix()
	for i := range entries {
		ent := entries[i]
		u, err := url.Parse(ent.URL)
		if err != nil {
			return fmt.Errorf("parse %q: %w", ent.URL, err)
		}
		ent.URL = NormalizeURL(u)
		if ent.StoredAt == 0 {
			ent.StoredAt = now
		}
		data, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ent.URL, err)
		}
		batch.Put(entryKey(b.name, ent.URL), data)
	}
	if err := b.store.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write bucket %s: %w", b.name, err)
	}
	return nil
}

// Getter fetches a URL for storage.
type Getter interface {
	Fetch(ctx context.Context, url string, header http.Header) (*model.ProxyResponse, error)
}

// Add fetches rawURL and stores the response. Non-2xx responses are errors
// and nothing is stored.
func (b *Bucket) Add(ctx context.Context, g Getter, rawURL string) error {
	ent, err := Download(ctx, g, rawURL)
	if err != nil {
		return err
	}
	return b.PutAll([]Entry{*ent})
}

// Download fetches rawURL into an Entry without storing it.
func Download(ctx context.Context, g Getter, rawURL string) (*Entry, error) {
	resp, err := g.Fetch(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Entry{
		URL:    rawURL,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// NormalizeURL returns the lookup key for u: the absolute URL without fragment.
func NormalizeURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

func bucketKey(name string) []byte {
	return []byte(bucketPrefix + name)
}

func entryRange(bucket string) []byte {
	return []byte(entryPrefix + bucket + "\x00")
}

func entryKey(bucket, key string) []byte {
	return append(entryRange(bucket), key...)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
