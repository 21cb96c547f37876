package check

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rustic/archiver"
	"rustic/backend"
	"rustic/id"
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

func openTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	ctx := context.Background()
	repo, err := repository.Init(ctx, backend.NewLocal(t.TempDir()), "pw", true)
	require.NoError(t, err)
	return repo
}

func backupOne(t *testing.T, ctx context.Context, repo *repository.Repository, name string, content []byte) {
	t.Helper()
	mtime := time.Unix(1000, 0)
	source := &memSource{
		dirs: map[string][]tree.Node{
			"/data": {{Name: name, Kind: tree.File, Size: uint64(len(content)), Mtime: &mtime}},
		},
		files: map[string][]byte{"/data/" + name: content},
	}
	a, err := archiver.New(repo, source, archiver.Options{})
	require.NoError(t, err)
	_, err = a.Run(ctx, "host1", "", []string{"/data"}, nil, nil)
	require.NoError(t, err)
}

func TestRunOnHealthyRepoFindsNothing(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	backupOne(t, ctx, repo, "a.txt", []byte("hello world"))

	report, err := Run(ctx, repo, Options{ReadData: true})
	require.NoError(t, err)
	require.True(t, report.OK(), "unexpected issues: %+v", report.Issues)
}

func TestRunFlagsPackMissingFromDisk(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	backupOne(t, ctx, repo, "a.txt", []byte("hello world"))

	entries, err := repo.Store.Store().ListWithSize(ctx, backend.Pack)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.NoError(t, repo.Store.Store().Remove(ctx, backend.Pack, entries[0].ID, false))

	report, err := Run(ctx, repo, Options{})
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Contains(t, joinMessages(report), "not present on disk")
}

func TestRunFlagsUnreferencedPack(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	backupOne(t, ctx, repo, "a.txt", []byte("hello world"))

	strayID := id.Hash([]byte("stray pack bytes, not in any index"))
	require.NoError(t, repo.Store.Store().WriteBytes(ctx, backend.Pack, strayID, false, []byte("garbage-pack-bytes")))

	report, err := Run(ctx, repo, Options{})
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Contains(t, joinMessages(report), "not referenced by any index")
}

func joinMessages(r *Report) string {
	var buf bytes.Buffer
	for _, issue := range r.Issues {
		buf.WriteString(issue.Message)
		buf.WriteByte('\n')
	}
	return buf.String()
}
