package restore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rustic/archiver"
	"rustic/backend"
	"rustic/repository"
	"rustic/tree"
)

type memSource struct {
	dirs  map[string][]tree.Node
	files map[string][]byte
}

func (m *memSource) List(path string) ([]tree.Node, error) { return m.dirs[path], nil }
func (m *memSource) Open(path string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.files[path])), nil
}

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	ctx := context.Background()
	repo, err := repository.Init(ctx, backend.NewLocal(t.TempDir()), "pw", true)
	require.NoError(t, err)
	require.NoError(t, repo.Reindex(ctx))
	return repo
}

func buildSource() *memSource {
	mtime := time.Unix(1000, 0)
	top := []byte("hello")
	nested := []byte("nested content")
	return &memSource{
		dirs: map[string][]tree.Node{
			"/data": {
				{Name: "sub", Kind: tree.Dir},
				{Name: "top.txt", Kind: tree.File, Size: uint64(len(top)), Mtime: &mtime},
				{Name: "link", Kind: tree.Symlink, LinkTarget: "top.txt"},
			},
			"/data/sub": {
				{Name: "nested.txt", Kind: tree.File, Size: uint64(len(nested)), Mtime: &mtime},
			},
		},
		files: map[string][]byte{
			"/data/top.txt":        top,
			"/data/sub/nested.txt": nested,
		},
	}
}

func TestRunRestoresFilesDirsAndSymlinks(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	source := buildSource()
	a, err := archiver.New(repo, source, archiver.Options{})
	require.NoError(t, err)
	snapID, err := a.Run(ctx, "host1", "", []string{"/data"}, nil, nil)
	require.NoError(t, err)
	snap, err := repo.GetSnapshot(ctx, snapID)
	require.NoError(t, err)

	require.NoError(t, repo.Reindex(ctx))

	dest := t.TempDir()
	stats, err := Run(ctx, repo, snap, dest, Options{})
	require.NoError(t, err)
	// The snapshot root holds one "data" directory (the backed-up path),
	// so "data" and "data/sub" are the two directories restored.
	require.EqualValues(t, 2, stats.Files)
	require.EqualValues(t, 2, stats.Dirs)
	require.EqualValues(t, 1, stats.Symlinks)

	got, err := os.ReadFile(filepath.Join(dest, "data", "top.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = os.ReadFile(filepath.Join(dest, "data", "sub", "nested.txt"))
	require.NoError(t, err)
	require.Equal(t, "nested content", string(got))

	target, err := os.Readlink(filepath.Join(dest, "data", "link"))
	require.NoError(t, err)
	require.Equal(t, "top.txt", target)

	info, err := os.Stat(filepath.Join(dest, "data", "sub"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestRunSubPathRestoresOnlySubtree(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	source := buildSource()
	a, err := archiver.New(repo, source, archiver.Options{})
	require.NoError(t, err)
	snapID, err := a.Run(ctx, "host1", "", []string{"/data"}, nil, nil)
	require.NoError(t, err)
	snap, err := repo.GetSnapshot(ctx, snapID)
	require.NoError(t, err)
	require.NoError(t, repo.Reindex(ctx))

	dest := t.TempDir()
	_, err = Run(ctx, repo, snap, dest, Options{SubPath: "/data/sub"})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "nested.txt"))
	require.NoError(t, err)
	require.Equal(t, "nested content", string(got))

	_, err = os.Stat(filepath.Join(dest, "top.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestRunDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	source := buildSource()
	a, err := archiver.New(repo, source, archiver.Options{})
	require.NoError(t, err)
	snapID, err := a.Run(ctx, "host1", "", []string{"/data"}, nil, nil)
	require.NoError(t, err)
	snap, err := repo.GetSnapshot(ctx, snapID)
	require.NoError(t, err)
	require.NoError(t, repo.Reindex(ctx))

	dest := filepath.Join(t.TempDir(), "missing")
	stats, err := Run(ctx, repo, snap, dest, Options{DryRun: true})
	require.NoError(t, err)
	require.Positive(t, stats.Files)

	_, err = os.Stat(dest)
	require.True(t, os.IsNotExist(err))
}
