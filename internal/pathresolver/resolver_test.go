package pathresolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svenstaro/miniserve/internal/apperror"
)

func setupTree(t *testing.T) string {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("shh"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".hiddendir"), 0755))

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0644))
	_ = os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "escape.txt"))
	_ = os.Symlink(outside, filepath.Join(root, "escapedir"))
	_ = os.Symlink(filepath.Join(root, "sub", "b.txt"), filepath.Join(root, "link.txt"))

	real, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	return real
}

func TestResolveForRead_Jail(t *testing.T) {
	root := setupTree(t)
	r := New(root, true, false)

	for _, p := range []string{
		"/../etc/passwd",
		"/%2e%2e/etc", // passed undecoded: resolves as a literal name that does not exist
		"/foo/../../etc",
	} {
		_, err := r.ResolveForRead(p)
		require.Error(t, err)
		ae, ok := apperror.As(err)
		require.True(t, ok)
		assert.Contains(t, []apperror.Kind{apperror.KindBadPath, apperror.KindForbidden, apperror.KindNotFound}, ae.Kind)
	}
}

func TestResolveForRead_SymlinkEscape(t *testing.T) {
	root := setupTree(t)
	r := New(root, true, false)

	res, err := r.ResolveForRead("/escape.txt")
	require.Error(t, err)
	ae, _ := apperror.As(err)
	assert.Equal(t, apperror.KindForbidden, ae.Kind)
	assert.Nil(t, res)

	_, err = r.ResolveForRead("/escapedir/secret.txt")
	require.Error(t, err)
}

func TestResolveForRead_NoSymlinksPolicy(t *testing.T) {
	root := setupTree(t)
	r := New(root, false, false)

	_, err := r.ResolveForRead("/link.txt")
	require.Error(t, err)
	ae, _ := apperror.As(err)
	assert.Equal(t, apperror.KindForbidden, ae.Kind)

	// Non-symlinked files still resolve fine.
	res, err := r.ResolveForRead("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, KindFile, res.Kind)
}

func TestResolveForRead_HiddenPolicy(t *testing.T) {
	root := setupTree(t)
	r := New(root, true, false)

	_, err := r.ResolveForRead("/.hidden")
	require.Error(t, err)
	ae, _ := apperror.As(err)
	assert.Equal(t, apperror.KindNotFound, ae.Kind)

	_, err = r.ResolveForRead("/.hiddendir/whatever")
	require.Error(t, err)

	rShow := New(root, true, true)
	res, err := rShow.ResolveForRead("/.hidden")
	require.NoError(t, err)
	assert.Equal(t, KindFile, res.Kind)
}

func TestResolveForWrite_AlwaysDisablesSymlinks(t *testing.T) {
	root := setupTree(t)
	// Even though AllowSymlinks=true at the resolver level, writes
	// must resolve with symlinks off.
	r := New(root, true, false)
	_, err := r.ResolveForWrite("/link.txt")
	require.Error(t, err)
	ae, _ := apperror.As(err)
	assert.Equal(t, apperror.KindForbidden, ae.Kind)
}

func TestResolveForRead_Basic(t *testing.T) {
	root := setupTree(t)
	r := New(root, true, false)

	res, err := r.ResolveForRead("/sub")
	require.NoError(t, err)
	assert.True(t, res.Kind.IsDir())
	assert.Equal(t, "sub", res.RelPath)

	res, err = r.ResolveForRead("/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, KindFile, res.Kind)
	assert.Equal(t, "sub/b.txt", res.RelPath)
}

func TestResolveForRead_NotFound(t *testing.T) {
	root := setupTree(t)
	r := New(root, true, false)
	_, err := r.ResolveForRead("/nope.txt")
	require.Error(t, err)
	ae, _ := apperror.As(err)
	assert.Equal(t, apperror.KindNotFound, ae.Kind)
}
