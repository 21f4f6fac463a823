package caching

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storagev1 "github.com/relaycache/tavern/api/defined/v1/storage"
	"github.com/relaycache/tavern/api/defined/v1/storage/object"
	"github.com/relaycache/tavern/contrib/log"
	xhttp "github.com/relaycache/tavern/pkg/x/http"
	"github.com/relaycache/tavern/storage"
)

type fakeStorage struct {
	purged []string
}

func (f *fakeStorage) Close() error { return nil }
func (f *fakeStorage) Select(_ context.Context, _ *object.ID) storagev1.Bucket { return nil }
func (f *fakeStorage) Rebuild(_ context.Context, _ []storagev1.Bucket) error   { return nil }
func (f *fakeStorage) Buckets() []storagev1.Bucket                            { return nil }
func (f *fakeStorage) PURGE(storeURL string, _ storagev1.PurgeControl) error {
	f.purged = append(f.purged, storeURL)
	return nil
}

func newTestCaching() *Caching {
	return &Caching{log: log.NewHelper(log.GetLogger())}
}

func TestFlushProcessorSkipsIdempotentMethods(t *testing.T) {
	fs := &fakeStorage{}
	storage.SetDefault(fs)
	defer storage.SetDefault(nil)

	p := NewFlushProcessor("X-Flush-Tag")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Flush-Tag", "home")

	resp := &http.Response{StatusCode: http.StatusOK}
	_, err := p.PostRequest(newTestCaching(), req, resp)
	require.NoError(t, err)
	assert.Empty(t, fs.purged)
}

func TestFlushProcessorSkipsWithoutTagHeader(t *testing.T) {
	fs := &fakeStorage{}
	storage.SetDefault(fs)
	defer storage.SetDefault(nil)

	p := NewFlushProcessor("X-Flush-Tag")
	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	resp := &http.Response{StatusCode: http.StatusOK}

	_, err := p.PostRequest(newTestCaching(), req, resp)
	require.NoError(t, err)
	assert.Empty(t, fs.purged)
}

func TestFlushProcessorSkipsOnErrorStatus(t *testing.T) {
	fs := &fakeStorage{}
	storage.SetDefault(fs)
	defer storage.SetDefault(nil)

	p := NewFlushProcessor("X-Flush-Tag")
	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	req.Header.Set("X-Flush-Tag", "home")
	resp := &http.Response{StatusCode: http.StatusInternalServerError}

	_, err := p.PostRequest(newTestCaching(), req, resp)
	require.NoError(t, err)
	assert.Empty(t, fs.purged)
}

func TestFlushProcessorPurgesTagOnSuccess(t *testing.T) {
	fs := &fakeStorage{}
	storage.SetDefault(fs)
	defer storage.SetDefault(nil)

	p := NewFlushProcessor("X-Flush-Tag")
	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	req.Header.Set("X-Flush-Tag", "home")
	resp := &http.Response{StatusCode: http.StatusOK}

	_, err := p.PostRequest(newTestCaching(), req, resp)
	require.NoError(t, err)
	assert.Equal(t, []string{"home"}, fs.purged)
}

func TestOnlyIfCachedShortCircuitsMiss(t *testing.T) {
	p := NewOnlyIfCachedProcessor()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Cache-Control", "only-if-cached")

	c := newTestCaching()
	c.hit = false

	_, err := p.PreRequest(c, req)
	require.Error(t, err)
	var bizErr *xhttp.BizError
	require.ErrorAs(t, err, &bizErr)
	assert.Equal(t, http.StatusGatewayTimeout, bizErr.Code)
}

func TestOnlyIfCachedPassesThroughOnHit(t *testing.T) {
	p := NewOnlyIfCachedProcessor()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Cache-Control", "only-if-cached")

	c := newTestCaching()
	c.hit = true

	_, err := p.PreRequest(c, req)
	require.NoError(t, err)
}

func TestOnlyIfCachedIgnoredWithoutDirective(t *testing.T) {
	p := NewOnlyIfCachedProcessor()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	c := newTestCaching()
	c.hit = false

	_, err := p.PreRequest(c, req)
	require.NoError(t, err)
}
