package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestOpenSessionCreatesLayout(t *testing.T) {
	s := newTestStore(t)

	dir, err := s.OpenSession("sess-1")
	require.NoError(t, err)

	assert.DirExists(t, dir)
	assert.DirExists(t, filepath.Join(dir, ScriptsDirName))
	assert.DirExists(t, filepath.Join(dir, RendersDirName))

	// Idempotent.
	_, err = s.OpenSession("sess-1")
	assert.NoError(t, err)
}

func TestStageScriptNames(t *testing.T) {
	assert.Equal(t, "01_builder_iter1.py", StageScriptName("01", "builder", 1))
	assert.Equal(t, "02a_lighting_iter3.py", StageScriptName("02a", "lighting", 3))
	assert.Equal(t, "combined_iter2.py", CombinedScriptName(2))
	assert.Equal(t, "render_iter1.png", RenderName(1))
}

func TestWriteStageScript(t *testing.T) {
	s := newTestStore(t)
	_, err := s.OpenSession("sess-1")
	require.NoError(t, err)

	path, err := s.WriteStageScript("sess-1", "01", "builder", 1, []byte("bpy.ops.mesh.primitive_cube_add()\n"))
	require.NoError(t, err)

	data, err := s.ReadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, "bpy.ops.mesh.primitive_cube_add()\n", string(data))

	// No tmp file left behind.
	entries, err := os.ReadDir(s.ScriptsDir("sess-1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestAtomicWriteStateOverwrites(t *testing.T) {
	s := newTestStore(t)
	_, err := s.OpenSession("sess-1")
	require.NoError(t, err)

	require.NoError(t, s.AtomicWriteState("sess-1", []byte(`{"v":1}`)))
	require.NoError(t, s.AtomicWriteState("sess-1", []byte(`{"v":2}`)))

	data, err := s.LoadState("sess-1")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))
}

func TestLoadStateMissingIsNil(t *testing.T) {
	s := newTestStore(t)

	data, err := s.LoadState("no-such-session")
	assert.NoError(t, err)
	assert.Nil(t, data)
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	_, err := s.OpenSession("aaa")
	require.NoError(t, err)
	_, err = s.OpenSession("bbb")
	require.NoError(t, err)

	// Stray files in the root are not sessions.
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "notes.txt"), []byte("x"), 0o644))

	ids, err := s.ListSessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"aaa", "bbb"}, ids)
}

func TestReadArtifactMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadArtifact(filepath.Join(s.Root(), "ghost.py"))
	require.Error(t, err)

	var serr *StorageError
	assert.ErrorAs(t, err, &serr)
	assert.Equal(t, "read", serr.Op)
}

func TestAppendIterationMetadata(t *testing.T) {
	s := newTestStore(t)
	_, err := s.OpenSession("sess-1")
	require.NoError(t, err)

	// Seed the document the way the session controller does.
	_, err = s.WriteMetadata("sess-1", []byte(`{"prompt":"a cave"}`))
	require.NoError(t, err)

	require.NoError(t, s.AppendIterationMetadata("sess-1", map[string]any{"iteration": 1, "exit_code": 0}))
	require.NoError(t, s.AppendIterationMetadata("sess-1", map[string]any{"iteration": 2, "exit_code": 0}))

	data, err := os.ReadFile(filepath.Join(s.SessionDir("sess-1"), MetadataFileName))
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "a cave", meta["prompt"])
	iterations, ok := meta["iterations"].([]any)
	require.True(t, ok)
	require.Len(t, iterations, 2)
	first, ok := iterations[0].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, first["iteration"])
}

func TestAppendIterationMetadataWithoutSeed(t *testing.T) {
	s := newTestStore(t)
	_, err := s.OpenSession("sess-2")
	require.NoError(t, err)

	require.NoError(t, s.AppendIterationMetadata("sess-2", map[string]any{"iteration": 1}))

	data, err := os.ReadFile(filepath.Join(s.SessionDir("sess-2"), MetadataFileName))
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(data, &meta))
	require.Len(t, meta["iterations"], 1)
}
