package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/pebble/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-music/music-request/youtube"
)

// MetadataLookup is the external metadata service as the hub sees it.
// *youtube.Client satisfies it, and so does metaCache.
type MetadataLookup interface {
	Video(ctx context.Context, apiKey, videoID string) (youtube.Video, error)
	Search(ctx context.Context, apiKey, query string) (youtube.Video, error)
}

// metaCache memoizes successful lookups in an LRU and, optionally, in a pebble
// database so that a restart does not forget titles it already resolved.
// Keys are "v/<videoID>" for videos and "q/<normalized query>" for searches.
type metaCache struct {
	next MetadataLookup
	mem  *lru.Cache[string, youtube.Video]
	db   *pebble.DB
}

func newMetaCache(next MetadataLookup, size int, dir string) (*metaCache, error) {
	if size <= 0 {
		size = 1024
	}
	mem, err := lru.New[string, youtube.Video](size)
	if err != nil {
		return nil, err
	}
	c := &metaCache{next: next, mem: mem}
	if dir == "" {
		return c, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	c.db = db
	return c, nil
}

func (c *metaCache) Video(ctx context.Context, apiKey, videoID string) (youtube.Video, error) {
	key := "v/" + videoID
	if v, ok := c.get(key); ok {
		return v, nil
	}
	v, err := c.next.Video(ctx, apiKey, videoID)
	if err != nil {
		return v, err
	}
	c.put(key, v)
	return v, nil
}

func (c *metaCache) Search(ctx context.Context, apiKey, query string) (youtube.Video, error) {
	key := "q/" + strings.ToLower(strings.Join(strings.Fields(query), " "))
	if v, ok := c.get(key); ok {
		return v, nil
	}
	v, err := c.next.Search(ctx, apiKey, query)
	if err != nil {
		return v, err
	}
	c.put(key, v)
	c.put("v/"+v.ID, v)
	return v, nil
}

func (c *metaCache) get(key string) (youtube.Video, bool) {
	if v, ok := c.mem.Get(key); ok {
		return v, true
	}
	if c.db == nil {
		return youtube.Video{}, false
	}
	data, closer, err := c.db.Get([]byte(key))
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			log.Debug().Err(err).Str("key", key).Msg("[musicreq] metadata cache read")
		}
		return youtube.Video{}, false
	}
	defer closer.Close()
	var v youtube.Video
	if err := json.Unmarshal(data, &v); err != nil {
		return youtube.Video{}, false
	}
	c.mem.Add(key, v)
	return v, true
}

func (c *metaCache) put(key string, v youtube.Video) {
	c.mem.Add(key, v)
	if c.db == nil {
		return
	}
	data, _ := json.Marshal(v)
	if err := c.db.Set([]byte(key), data, pebble.NoSync); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("[musicreq] metadata cache write")
	}
}

func (c *metaCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
