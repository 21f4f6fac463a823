package resource_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/tavern/proxy/resource"
)

func TestDispatchUnknownKind(t *testing.T) {
	_, err := resource.Dispatch(context.Background(), &resource.Address{Kind: "NOPE"}, nil)
	assert.ErrorIs(t, err, resource.ErrUnknownKind)
}

func TestDispatchLocalServesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello local"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	resp, err := resource.Dispatch(context.Background(), &resource.Address{
		Kind:    resource.KindLocal,
		Path:    "/index.html",
		DocRoot: dir,
	}, req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello local", string(body))
}

func TestDispatchLocalMissingFileIs404(t *testing.T) {
	dir := t.TempDir()
	req := httptest.NewRequest(http.MethodGet, "/missing.html", nil)
	resp, err := resource.Dispatch(context.Background(), &resource.Address{
		Kind:    resource.KindLocal,
		Path:    "/missing.html",
		DocRoot: dir,
	}, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatchLocalDirectoryIsForbidden(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	req := httptest.NewRequest(http.MethodGet, "/sub", nil)
	resp, err := resource.Dispatch(context.Background(), &resource.Address{
		Kind:    resource.KindLocal,
		Path:    "/sub",
		DocRoot: dir,
	}, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDispatchPipeParsesCGIHeaderBlock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	req := httptest.NewRequest(http.MethodGet, "/script", nil)
	resp, err := resource.Dispatch(context.Background(), &resource.Address{
		Kind: resource.KindPipe,
		Path: "/bin/sh",
		Args: []string{"-c", `printf 'Content-Type: text/plain\r\nStatus: 201 Created\r\n\r\nbody-text'`},
	}, req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "body-text", string(body))
}

func TestDispatchPipeFallsBackWithoutHeaderBlock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	req := httptest.NewRequest(http.MethodGet, "/script", nil)
	resp, err := resource.Dispatch(context.Background(), &resource.Address{
		Kind: resource.KindCGI,
		Path: "/bin/sh",
		Args: []string{"-c", `printf 'raw output, no headers'`},
	}, req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "raw output, no headers", string(body))
}
