package keyprovider

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

const receiptKeyPrefix = "ohttp:receipt:"

// receiptRecord is the only thing ever written to a ReceiptLedger: an audit
// trail entry. It carries no key material, public or private.
type receiptRecord struct {
	KID       uint8  `json:"kid"`
	FetchedAt int64  `json:"fetched_at"`
	Receipt   string `json:"receipt"`
}

// ReceiptLedger is a disk-backed audit log of every KMS key release this
// gateway has been granted, keyed by kid and fetch time in Unix seconds, so
// repeated fetches of the same kid each leave their own entry; a second
// release of the same kid within the same second replaces the first entry
// rather than adding another. It answers "when was
// kid N's key last released to us, and under what receipt" without ever
// holding a private scalar.
type ReceiptLedger struct {
	db       *badgerdb.DB
	logger   *zap.SugaredLogger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewReceiptLedger opens (or creates) a Badger database at dataPath for
// recording key-release receipts.
func NewReceiptLedger(dataPath string, logger *zap.SugaredLogger) (*ReceiptLedger, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("receipt ledger: resolve path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger.Desugar()}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("receipt ledger: open %s: %w", absPath, err)
	}

	rl := &ReceiptLedger{db: db, logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	rl.gcCancel = cancel
	rl.gcWg.Add(1)
	go rl.runGC(ctx)

	logger.Infow("receipt ledger opened", "path", absPath)
	return rl, nil
}

func (l *ReceiptLedger) runGC(ctx context.Context) {
	defer l.gcWg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.db.RunValueLogGC(0.5); err != nil && err != badgerdb.ErrNoRewrite {
				l.logger.Warnw("receipt ledger gc error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Record appends a new receipt entry for kid. fetchedAt is a Unix timestamp
// supplied by the caller, so the ledger stays deterministic and testable.
func (l *ReceiptLedger) Record(kid uint8, fetchedAt int64, receipt string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return fmt.Errorf("receipt ledger: closed")
	}

	data, err := json.Marshal(receiptRecord{KID: kid, FetchedAt: fetchedAt, Receipt: receipt})
	if err != nil {
		return fmt.Errorf("receipt ledger: marshal: %w", err)
	}

	key := receiptKey(kid, fetchedAt)
	return l.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, data)
	})
}

// Latest returns the most recently recorded receipt for kid, if any.
func (l *ReceiptLedger) Latest(kid uint8) (receipt string, fetchedAt int64, found bool, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return "", 0, false, fmt.Errorf("receipt ledger: closed")
	}

	prefix := append([]byte(receiptKeyPrefix), kid)
	err = l.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration over a common prefix starts past the prefix's
		// keyspace; seek to the largest possible suffix first.
		seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var rec receiptRecord
			item := it.Item()
			e := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if e != nil {
				return e
			}
			receipt = rec.Receipt
			fetchedAt = rec.FetchedAt
			found = true
			return nil
		}
		return nil
	})
	return receipt, fetchedAt, found, err
}

func (l *ReceiptLedger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.gcCancel != nil {
		l.gcCancel()
	}
	l.gcWg.Wait()

	return l.db.Close()
}

func receiptKey(kid uint8, fetchedAt int64) []byte {
	key := append([]byte(receiptKeyPrefix), kid)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(fetchedAt))
	return append(key, ts...)
}
