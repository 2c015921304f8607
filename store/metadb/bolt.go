package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	replaybridge "github.com/wolfeidau/replay-bridge"
	"go.etcd.io/bbolt"
)

var (
	// bucketCaches holds one nested bucket per scoped cache:
	// cache name -> request key hex -> ResponseRecord envelope
	bucketCaches = []byte("caches")

	// bucketArchiveMeta maps archive name -> ArchiveMeta envelope
	bucketArchiveMeta = []byte("archive_meta")
)

// BoltDB stores the scoped-cache index and archive metadata in bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *EnvelopeCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCaches, bucketArchiveMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewEnvelopeCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating envelope codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// CreateCache creates the named cache if it does not already exist.
func (b *BoltDB) CreateCache(_ context.Context, name string) error {
	if name == "" {
		return ErrInvalidName
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.Bucket(bucketCaches).CreateBucketIfNotExists([]byte(name))
		return err
	})
}

// HasCache reports whether the named cache exists.
func (b *BoltDB) HasCache(_ context.Context, name string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketCaches).Bucket([]byte(name)) != nil
		return nil
	})
	return found, err
}

// ListCaches returns the names of all caches in sorted order.
func (b *BoltDB) ListCaches(_ context.Context) ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCaches).ForEachBucket(func(k []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// DeleteCache removes the named cache and returns the records it held so
// the caller can release their bodies. Returns ErrNotFound if it is missing.
func (b *BoltDB) DeleteCache(_ context.Context, name string) ([]*ResponseRecord, error) {
	var removed []*ResponseRecord
	err := b.db.Update(func(tx *bbolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		bucket := caches.Bucket([]byte(name))
		if bucket == nil {
			return ErrNotFound
		}
		err := bucket.ForEach(func(_, v []byte) error {
			rec, err := b.decodeRecord(v)
			if err != nil {
				b.logger.Warn("skipping unreadable cache record", "cache", name, "error", err)
				return nil
			}
			removed = append(removed, rec)
			return nil
		})
		if err != nil {
			return err
		}
		return caches.DeleteBucket([]byte(name))
	})
	return removed, err
}

// PutResponse stores rec in the named cache, creating the cache if needed.
func (b *BoltDB) PutResponse(_ context.Context, cache string, rec *ResponseRecord) error {
	if cache == "" {
		return ErrInvalidName
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = b.now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	sealed, err := b.codec.Seal(data, rec.StoredAt)
	if err != nil {
		return fmt.Errorf("sealing record: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket(bucketCaches).CreateBucketIfNotExists([]byte(cache))
		if err != nil {
			return fmt.Errorf("creating cache %s: %w", cache, err)
		}
		return bucket.Put([]byte(rec.Key.String()), sealed)
	})
}

// GetResponse looks up the record stored under key in the named cache.
func (b *BoltDB) GetResponse(_ context.Context, cache string, key replaybridge.Hash) (*ResponseRecord, error) {
	var rec *ResponseRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCaches).Bucket([]byte(cache))
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get([]byte(key.String()))
		if v == nil {
			return ErrNotFound
		}
		var err error
		rec, err = b.decodeRecord(v)
		return err
	})
	return rec, err
}

// DeleteResponse removes a single record. Missing records are not an error.
func (b *BoltDB) DeleteResponse(_ context.Context, cache string, key replaybridge.Hash) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCaches).Bucket([]byte(cache))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key.String()))
	})
}

// ListResponses returns every record in the named cache.
func (b *BoltDB) ListResponses(_ context.Context, cache string) ([]*ResponseRecord, error) {
	var records []*ResponseRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCaches).Bucket([]byte(cache))
		if bucket == nil {
			return ErrNotFound
		}
		return bucket.ForEach(func(_, v []byte) error {
			rec, err := b.decodeRecord(v)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// BodyReferenced reports whether any cache still holds a record whose body
// has the given hash.
func (b *BoltDB) BodyReferenced(_ context.Context, h replaybridge.Hash) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		return caches.ForEachBucket(func(name []byte) error {
			if found {
				return nil
			}
			return caches.Bucket(name).ForEach(func(_, v []byte) error {
				rec, err := b.decodeRecord(v)
				if err == nil && rec.BodyHash == h {
					found = true
				}
				return nil
			})
		})
	})
	return found, err
}

// PutArchiveMeta upserts the metadata entry for meta.Name.
func (b *BoltDB) PutArchiveMeta(_ context.Context, meta ArchiveMeta) error {
	if meta.Name == "" {
		return ErrInvalidName
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling archive meta: %w", err)
	}
	sealed, err := b.codec.Seal(data, b.now().UTC())
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArchiveMeta).Put([]byte(meta.Name), sealed)
	})
}

// GetArchiveMeta retrieves the metadata entry for name.
func (b *BoltDB) GetArchiveMeta(_ context.Context, name string) (ArchiveMeta, error) {
	var meta ArchiveMeta
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketArchiveMeta).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		data, _, err := b.codec.Open(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &meta)
	})
	return meta, err
}

// DeleteArchiveMeta removes the metadata entry for name.
func (b *BoltDB) DeleteArchiveMeta(_ context.Context, name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArchiveMeta).Delete([]byte(name))
	})
}

// ListArchiveMeta returns all metadata entries ordered by name.
// Unreadable entries are logged and skipped.
func (b *BoltDB) ListArchiveMeta(_ context.Context) ([]ArchiveMeta, error) {
	var entries []ArchiveMeta
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArchiveMeta).ForEach(func(k, v []byte) error {
			data, _, err := b.codec.Open(v)
			if err != nil {
				b.logger.Warn("skipping unreadable archive meta", "name", string(k), "error", err)
				return nil
			}
			var meta ArchiveMeta
			if err := json.Unmarshal(data, &meta); err != nil {
				b.logger.Warn("skipping unreadable archive meta", "name", string(k), "error", err)
				return nil
			}
			entries = append(entries, meta)
			return nil
		})
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, err
}

func (b *BoltDB) decodeRecord(v []byte) (*ResponseRecord, error) {
	data, _, err := b.codec.Open(v)
	if err != nil {
		return nil, err
	}
	var rec ResponseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return &rec, nil
}
