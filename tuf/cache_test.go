package tuf

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheRejectsDuplicateTargetName(t *testing.T) {
	keys := newTestRepoKeys(t)
	rootBytes := buildTestRoot(t, keys)
	outdir := t.TempDir()
	buildTestRepository(t, outdir, rootBytes, keys, map[string]string{"hello.txt": "hello world"})
	repo := loadTestRepository(t, outdir, rootBytes)

	cacheDir := t.TempDir()
	err := repo.Cache(context.Background(), filepath.Join(cacheDir, "metadata"), filepath.Join(cacheDir, "targets"),
		[]string{"hello.txt", "hello.txt"}, false)
	assert.ErrorIs(t, err, errTargetSeen)
}
