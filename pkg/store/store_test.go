package store

import (
	"testing"

	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eaglefi/evault/pkg/vault"
)

func newTestStore(t *testing.T) *SnapshotStore {
	t.Helper()
	dbManager := manager.NewManager(t.TempDir(), nil)
	db, err := dbManager.New(manager.DefaultMemoryConfig())
	require.NoError(t, err)

	level, _ := log.ToLevel("debug")
	return NewWithDB(db, log.NewTestLogger(level))
}

func testSnapshot(raw string) *vault.Snapshot {
	return &vault.Snapshot{
		RawSupply:   raw,
		IdlePrimary: "1000",
		Balances:    map[string]string{"alice": raw},
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStore(t)

	t.Run("EmptyStore", func(t *testing.T) {
		snap, seq, err := s.Load()
		require.NoError(t, err)
		assert.Nil(t, snap)
		assert.Zero(t, seq)
	})

	t.Run("LoadReturnsNewest", func(t *testing.T) {
		seq1, err := s.Save(testSnapshot("10000000"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), seq1)

		seq2, err := s.Save(testSnapshot("11000000"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), seq2)

		snap, seq, err := s.Load()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), seq)
		assert.Equal(t, "11000000", snap.RawSupply)
	})

	t.Run("LoadSpecificVersion", func(t *testing.T) {
		snap, seq, err := s.LoadSeq(1)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), seq)
		assert.Equal(t, "10000000", snap.RawSupply)
	})
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.Save(testSnapshot("1"))
		require.NoError(t, err)
	}

	require.NoError(t, s.Prune(2))

	_, _, err := s.LoadSeq(1)
	assert.Error(t, err)
	_, _, err = s.LoadSeq(4)
	assert.NoError(t, err)
	_, _, err = s.LoadSeq(5)
	assert.NoError(t, err)
}
