package clip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const keyPrefix = "clip/"

// envelope is the stored value.
type envelope struct {
	MIMEType string `msgpack:"m"`
	Data     []byte `msgpack:"d"`
}

// BadgerOptions configures a Badger store.
type BadgerOptions struct {
	// Dir holds the data files. Required unless InMemory is set.
	Dir      string
	InMemory bool
	TTL      time.Duration
	Logger   *slog.Logger
}

// Badger is a Store backed by BadgerDB. Clips survive a process restart
// when on disk, and expiry is enforced by badger's entry TTL.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadger opens a Badger store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("clip: badger dir is required for on-disk mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{logger.With("component", "badger")})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("clip: open badger: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Badger{db: db, ttl: ttl}, nil
}

func (b *Badger) Put(ctx context.Context, data []byte, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	val, err := msgpack.Marshal(envelope{MIMEType: mimeType, Data: data})
	if err != nil {
		return "", fmt.Errorf("clip: encode: %w", err)
	}
	id := newID()
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(keyPrefix+id), val).WithTTL(b.ttl))
	})
	if err != nil {
		return "", fmt.Errorf("clip: put: %w", err)
	}
	stats.Add("puts", 1)
	return id, nil
}

func (b *Badger) Take(_ context.Context, id string) (Clip, error) {
	key := []byte(keyPrefix + id)
	var env envelope
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := msgpack.Unmarshal(val, &env); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound), errors.Is(err, badger.ErrConflict):
		// ErrConflict: a concurrent Take committed first.
		stats.Add("misses", 1)
		return Clip{}, ErrNotFound
	case err != nil:
		return Clip{}, fmt.Errorf("clip: take: %w", err)
	}
	stats.Add("takes", 1)
	return Clip{ID: id, Data: env.Data, MIMEType: env.MIMEType}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's logging through slog. Info and debug output
// is demoted to debug.
type badgerLogger struct{ l *slog.Logger }

func (g badgerLogger) Errorf(f string, v ...any)   { g.l.Error(fmt.Sprintf(f, v...)) }
func (g badgerLogger) Warningf(f string, v ...any) { g.l.Warn(fmt.Sprintf(f, v...)) }
func (g badgerLogger) Infof(f string, v ...any)    { g.l.Debug(fmt.Sprintf(f, v...)) }
func (g badgerLogger) Debugf(f string, v ...any)   { g.l.Debug(fmt.Sprintf(f, v...)) }
