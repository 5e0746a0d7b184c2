// Package ledger records named resources created through the daemon.
// POSIX named objects outlive their creator, so a daemon that crashes
// leaves FIFO and shared-memory files behind; the ledger survives on
// disk and lets the next start sweep what a dead pid left.
package ledger

import (
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/platform"
)

var resourceTypes = []platform.ResourceType{
	platform.ResourcePipe,
	platform.ResourceSharedMemory,
	platform.ResourceMutex,
	platform.ResourceSemaphore,
}

func bucketFor(typ platform.ResourceType) []byte {
	return []byte(typ.String())
}

// Record is one named resource and the process that created it.
type Record struct {
	Name      string `json:"name"`
	PID       int    `json:"pid"`
	CreatedAt int64  `json:"created_at"`
}

// Reaper removes the backing object of an orphaned record. A non-nil
// error keeps the record for the next sweep.
type Reaper func(typ platform.ResourceType, name string) error

// Ledger is a bbolt-backed registry with one bucket per resource type.
type Ledger struct {
	db  *bolt.DB
	log *logging.Logger
}

// Open opens or creates the ledger file. A second process holding the
// file lock fails the open instead of blocking.
func Open(path string, log *logging.Logger) (*Ledger, error) {
	if log == nil {
		log = logging.Nop()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, typ := range resourceTypes {
			if _, err := tx.CreateBucketIfNotExists(bucketFor(typ)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare ledger: %w", err)
	}
	return &Ledger{db: db, log: log.Named("ledger")}, nil
}

// Close releases the database file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record notes a resource created by this process.
func (l *Ledger) Record(typ platform.ResourceType, name string) error {
	return l.recordAs(typ, name, os.Getpid())
}

func (l *Ledger) recordAs(typ platform.ResourceType, name string, pid int) error {
	buf, err := sonic.Marshal(Record{Name: name, PID: pid, CreatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(typ))
		if b == nil {
			return fmt.Errorf("no bucket for %s", typ)
		}
		return b.Put([]byte(name), buf)
	})
}

// Forget drops a record once its resource is gone. Unknown names are
// not an error.
func (l *Ledger) Forget(typ platform.ResourceType, name string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(typ))
		if b == nil {
			return fmt.Errorf("no bucket for %s", typ)
		}
		return b.Delete([]byte(name))
	})
}

// Records lists the live records of one resource type in name order.
func (l *Ledger) Records(typ platform.ResourceType) ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(typ))
		if b == nil {
			return fmt.Errorf("no bucket for %s", typ)
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := sonic.Unmarshal(v, &rec); err != nil {
				rec = Record{Name: string(k)}
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Count reports how many records one resource type holds.
func (l *Ledger) Count(typ platform.ResourceType) (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(typ))
		if b == nil {
			return fmt.Errorf("no bucket for %s", typ)
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// Sweep removes records whose creator is no longer running. For each
// orphan the reaper runs first; only records it clears (or a nil
// reaper) are deleted. Malformed records are always dropped. The
// removed records are returned.
func (l *Ledger) Sweep(alive func(pid int) bool, reap Reaper) ([]Record, error) {
	if alive == nil {
		alive = ProcessAlive
	}

	var removed []Record
	err := l.db.Update(func(tx *bolt.Tx) error {
		for _, typ := range resourceTypes {
			b := tx.Bucket(bucketFor(typ))
			if b == nil {
				continue
			}

			type victim struct {
				key []byte
				rec Record
				// A record that does not decode names an object of
				// unknown ownership; drop it without touching disk.
				broken bool
			}
			var victims []victim

			cur := b.Cursor()
			for k, v := cur.First(); k != nil; k, v = cur.Next() {
				var rec Record
				if err := sonic.Unmarshal(v, &rec); err != nil {
					victims = append(victims, victim{key: append([]byte(nil), k...), rec: Record{Name: string(k)}, broken: true})
					continue
				}
				if !alive(rec.PID) {
					victims = append(victims, victim{key: append([]byte(nil), k...), rec: rec})
				}
			}

			for _, v := range victims {
				if reap != nil && !v.broken {
					if err := reap(typ, string(v.key)); err != nil {
						l.log.Warn("orphan cleanup failed, keeping record",
							zap.String("type", typ.String()),
							zap.String("name", string(v.key)),
							zap.Error(err))
						continue
					}
				}
				if err := b.Delete(v.key); err != nil {
					return err
				}
				removed = append(removed, v.rec)
				l.log.Info("swept orphaned resource",
					zap.String("type", typ.String()),
					zap.String("name", v.rec.Name),
					zap.Int("pid", v.rec.PID))
			}
		}
		return nil
	})
	return removed, err
}
