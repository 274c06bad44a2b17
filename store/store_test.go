package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Kobra-S1/ACEPRO/logger"
)

func TestMain(m *testing.M) {
	level, ok := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if !ok {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

type testSlot struct {
	Status   string `cbor:"status"`
	Color    [3]int `cbor:"color"`
	Material string `cbor:"material"`
	Temp     int    `cbor:"temp"`
	RFID     bool   `cbor:"rfid"`
}

func TestMemory_Normalize(t *testing.T) {
	require := require.New(t)

	s := NewMemory()
	require.NoError(s.Set("ace_current_index", 3))
	require.NoError(s.Set("ace_filament_pos", "at-nozzle"))
	require.NoError(s.Set("ace_endless_spool_enabled", true))
	require.NoError(s.Set("purge", 1.5))
	require.NoError(s.Set("ace_inventory_0", []testSlot{{Status: "ready", Color: [3]int{0, 255, 0}, Material: "PETG", Temp: 240}}))

	v, ok := s.Get("ace_current_index")
	require.True(ok)
	require.Equal(int64(3), v)

	inv, ok := s.Get("ace_inventory_0")
	require.True(ok)
	list, ok := inv.([]any)
	require.True(ok)
	slot, ok := list[0].(map[string]any)
	require.True(ok)
	require.Equal("PETG", slot["material"])
	require.Equal([]any{int64(0), int64(255), int64(0)}, slot["color"])

	require.Equal(3, GetInt(s, "ace_current_index", -1))
	require.Equal(-1, GetInt(s, "missing", -1))
	require.Equal(-1, GetInt(s, "ace_filament_pos", -1))
	require.Equal("at-nozzle", GetString(s, "ace_filament_pos", ""))
	require.True(GetBool(s, "ace_endless_spool_enabled", false))
	require.InDelta(1.5, GetFloat(s, "purge", 0), 1e-9)
	require.InDelta(3.0, GetFloat(s, "ace_current_index", 0), 1e-9)

	var slots []testSlot
	require.NoError(Load(s, "ace_inventory_0", &slots))
	require.Len(slots, 1)
	require.Equal([3]int{0, 255, 0}, slots[0].Color)
	require.Equal(240, slots[0].Temp)

	require.ErrorIs(Load(s, "missing", &slots), ErrNotFound)

	require.NoError(s.Delete("purge"))
	require.Equal([]string{"ace_current_index", "ace_endless_spool_enabled", "ace_filament_pos", "ace_inventory_0"}, s.Keys())
}

func TestFile_Persist(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "ace_vars.cbor")

	s, err := OpenFile(path)
	require.NoError(err)
	require.Empty(s.Keys())

	require.NoError(s.Set("ace_current_index", 1))
	require.Equal(1, s.Writes())

	// staged values are written by the next flush only
	require.NoError(s.Stage("ace_inventory_0", []testSlot{{Status: "empty", Material: "PLA", Temp: 200}}))
	require.NoError(s.Stage("ace_feed_assist_index_0", -1))
	require.Equal(1, s.Writes())
	require.NoError(s.Flush())
	require.Equal(2, s.Writes())
	require.NoError(s.Flush())
	require.Equal(2, s.Writes())

	reopened, err := OpenFile(path)
	require.NoError(err)
	require.Equal(1, GetInt(reopened, "ace_current_index", -1))
	require.Equal(-1, GetInt(reopened, "ace_feed_assist_index_0", 0))

	var slots []testSlot
	require.NoError(Load(reopened, "ace_inventory_0", &slots))
	require.Equal("PLA", slots[0].Material)

	require.NoError(reopened.Delete("ace_current_index"))
	again, err := OpenFile(path)
	require.NoError(err)
	_, ok := again.Get("ace_current_index")
	require.False(ok)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(err)
	require.Len(entries, 1)
}

func TestFile_SetWritesStaged(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "ace_vars.cbor")
	s, err := OpenFile(path)
	require.NoError(err)

	require.NoError(s.Stage("ace_inventory_0", []testSlot{{Status: "ready", Material: "PETG", Temp: 240}}))
	require.Equal(1, s.Staged())
	require.Zero(s.Writes())

	require.NoError(s.Set("ace_filament_pos", "nozzle"))
	require.Equal(1, s.Writes())
	require.Zero(s.Staged())
	require.NoError(s.Flush())
	require.Equal(1, s.Writes())

	reopened, err := OpenFile(path)
	require.NoError(err)
	var slots []testSlot
	require.NoError(Load(reopened, "ace_inventory_0", &slots))
	require.Equal("PETG", slots[0].Material)
}

func TestFile_Corrupt(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "broken.cbor")
	require.NoError(os.WriteFile(path, []byte{0xff, 0x00, 0x13}, 0o600))

	_, err := OpenFile(path)
	require.Error(err)
}
