package upload

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svenstaro/miniserve/internal/miniconfig"
	"github.com/svenstaro/miniserve/internal/pathresolver"
)

func cfgWithPolicy(policy miniconfig.UploadPolicy, allowed []string, dup miniconfig.DuplicatePolicy) *miniconfig.Configuration {
	return &miniconfig.Configuration{
		Upload: miniconfig.UploadConfig{
			Policy:      policy,
			AllowedDirs: allowed,
			OnDuplicate: dup,
		},
	}
}

func multipartBody(t *testing.T, fieldName, filename, content string) (*bytes.Buffer, string) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile(fieldName, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestHandleUpload_Disabled(t *testing.T) {
	root := t.TempDir()
	resolver := pathresolver.New(root, true, false)
	cfg := cfgWithPolicy(miniconfig.UploadDisabled, nil, "")

	body, ct := multipartBody(t, "file", "a.txt", "hello")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()

	HandleUpload(w, req, cfg, resolver)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleUpload_Anywhere(t *testing.T) {
	root := t.TempDir()
	resolver := pathresolver.New(root, true, false)
	cfg := cfgWithPolicy(miniconfig.UploadAnywhere, nil, miniconfig.OnDuplicateError)

	body, ct := multipartBody(t, "file", "a.txt", "hello")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()

	HandleUpload(w, req, cfg, resolver)
	assert.Equal(t, http.StatusSeeOther, w.Code)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestHandleUpload_RestrictedOutsideScope(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "public"), 0755))
	resolver := pathresolver.New(root, true, false)
	cfg := cfgWithPolicy(miniconfig.UploadRestricted, []string{"public"}, miniconfig.OnDuplicateError)

	body, ct := multipartBody(t, "file", "a.txt", "hello")
	req := httptest.NewRequest("POST", "/upload?path=/", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()

	HandleUpload(w, req, cfg, resolver)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleUpload_RestrictedInsideScope(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "public"), 0755))
	resolver := pathresolver.New(root, true, false)
	cfg := cfgWithPolicy(miniconfig.UploadRestricted, []string{"public"}, miniconfig.OnDuplicateError)

	body, ct := multipartBody(t, "file", "a.txt", "hello")
	req := httptest.NewRequest("POST", "/upload?path=/public", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()

	HandleUpload(w, req, cfg, resolver)
	assert.Equal(t, http.StatusSeeOther, w.Code)

	data, err := os.ReadFile(filepath.Join(root, "public", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestHandleUpload_DuplicateError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("old"), 0644))
	resolver := pathresolver.New(root, true, false)
	cfg := cfgWithPolicy(miniconfig.UploadAnywhere, nil, miniconfig.OnDuplicateError)

	body, ct := multipartBody(t, "file", "a.txt", "new")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()

	HandleUpload(w, req, cfg, resolver)
	assert.Equal(t, http.StatusConflict, w.Code)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestHandleUpload_DuplicateRename(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("old"), 0644))
	resolver := pathresolver.New(root, true, false)
	cfg := cfgWithPolicy(miniconfig.UploadAnywhere, nil, miniconfig.OnDuplicateRename)

	body, ct := multipartBody(t, "file", "a.txt", "new")
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()

	HandleUpload(w, req, cfg, resolver)
	assert.Equal(t, http.StatusSeeOther, w.Code)

	data, err := os.ReadFile(filepath.Join(root, "a-1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestHandleUpload_Mkdir(t *testing.T) {
	root := t.TempDir()
	resolver := pathresolver.New(root, true, false)
	cfg := cfgWithPolicy(miniconfig.UploadAnywhere, nil, "")
	cfg.Upload.Mkdir = true

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.WriteField("mkdir", "newdir"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/upload", buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()

	HandleUpload(rec, req, cfg, resolver)
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	info, err := os.Stat(filepath.Join(root, "newdir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSanitizeFilename(t *testing.T) {
	_, err := sanitizeFilename("..")
	assert.Error(t, err)

	name, err := sanitizeFilename("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "passwd", name)
}
