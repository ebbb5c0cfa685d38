// Package store persists vault snapshots in the node's database so a
// restarted daemon resumes from the last saved ledger state.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/eaglefi/evault/pkg/vault"
)

var (
	keyLastSeq = []byte("last_seq")
)

// SnapshotStore writes versioned vault snapshots. Every save gets a new
// sequence number; the newest one is what Load returns.
type SnapshotStore struct {
	db     database.Database
	logger log.Logger
}

// Open creates the store on BadgerDB under dataDir, falling back to an
// in-memory database when the disk store cannot be opened.
func Open(dataDir string, logger log.Logger) (*SnapshotStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataDir, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "evault"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("failed to open BadgerDB, using in-memory database", "error", err)
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataDir, "badgerdb"))
	}
	return &SnapshotStore{db: db, logger: logger}, nil
}

// NewWithDB wraps an already opened database, used by tests.
func NewWithDB(db database.Database, logger log.Logger) *SnapshotStore {
	return &SnapshotStore{db: db, logger: logger}
}

// Save persists a snapshot under the next sequence number.
func (s *SnapshotStore) Save(snap *vault.Snapshot) (uint64, error) {
	seq, err := s.lastSeq()
	if err != nil {
		return 0, err
	}
	seq++

	value, err := json.Marshal(snapshotRecord{Seq: seq, SavedAt: time.Now().UTC(), State: snap})
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(seqKey(seq), value); err != nil {
		return 0, err
	}
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	if err := batch.Put(keyLastSeq, seqBytes); err != nil {
		return 0, err
	}
	if err := batch.Write(); err != nil {
		return 0, err
	}
	s.logger.Debug("snapshot saved", "seq", seq)
	return seq, nil
}

// Load returns the newest snapshot, or (nil, 0, nil) when the store is
// empty.
func (s *SnapshotStore) Load() (*vault.Snapshot, uint64, error) {
	seq, err := s.lastSeq()
	if err != nil {
		return nil, 0, err
	}
	if seq == 0 {
		s.logger.Info("no previous state found, starting fresh")
		return nil, 0, nil
	}
	return s.LoadSeq(seq)
}

// LoadSeq returns one specific snapshot version.
func (s *SnapshotStore) LoadSeq(seq uint64) (*vault.Snapshot, uint64, error) {
	val, err := s.db.Get(seqKey(seq))
	if err != nil {
		return nil, 0, fmt.Errorf("read snapshot %d: %w", seq, err)
	}
	var record snapshotRecord
	if err := json.Unmarshal(val, &record); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot %d: %w", seq, err)
	}
	s.logger.Info("loaded snapshot", "seq", record.Seq, "savedAt", record.SavedAt)
	return record.State, record.Seq, nil
}

// Prune deletes every snapshot older than keep versions before the
// newest one.
func (s *SnapshotStore) Prune(keep uint64) error {
	last, err := s.lastSeq()
	if err != nil || last <= keep {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Reset()
	for seq := uint64(1); seq <= last-keep; seq++ {
		if err := batch.Delete(seqKey(seq)); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Close releases the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

func (s *SnapshotStore) lastSeq() (uint64, error) {
	val, err := s.db.Get(keyLastSeq)
	if err != nil {
		if err == database.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt sequence marker, %d bytes", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("snapshot:%d", seq))
}

type snapshotRecord struct {
	Seq     uint64          `json:"seq"`
	SavedAt time.Time       `json:"savedAt"`
	State   *vault.Snapshot `json:"state"`
}
