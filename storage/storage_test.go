package storage_test

import (
	"context"
	"errors"
	"testing"

	storagev1 "github.com/relaycache/tavern/api/defined/v1/storage"
	"github.com/relaycache/tavern/api/defined/v1/storage/object"
	"github.com/relaycache/tavern/conf"
	"github.com/relaycache/tavern/contrib/log"
	"github.com/relaycache/tavern/storage"
)

func TestSelect(t *testing.T) {
	s, err := storage.New(&conf.Storage{
		Driver:          "native",
		AsyncLoad:       true,
		EvictionPolicy:  "lru",
		SelectionPolicy: "hashring",
		Buckets: []*conf.Bucket{
			{Path: "/cache1", Type: "normal"},
			{Path: "/cache2", Type: "normal"},
		},
	}, log.DefaultLogger)
	if err != nil {
		t.Fatal(err)
	}

	cacheKey := object.NewID("http://www.example.com/path/to/1K.bin")

	bucket := s.Select(context.Background(), cacheKey)

	if bucket == nil {
		t.Fatal("no bucket selected")
	}

	md, err := bucket.Lookup(context.Background(), cacheKey)
	if !errors.Is(err, storagev1.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for a key never stored, got %v", err)
	}

	t.Logf("object metadata: %+v", md)
}
