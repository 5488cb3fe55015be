package catalog

import (
	"fmt"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"
)

// CacheName is the filename of the catalog response cache inside the data
// folder, co-located with the database.
const CacheName = "catalog_cache.db"

var bucketResponses = []byte("responses")

// Cache is the persistent catalog response cache. The same artefact
// (endpoint and id) is served from cache instead of hitting the provider
// again. A small in-memory LRU fronts the on-disk store for hot entries.
type Cache struct {
	db  *bolt.DB
	hot *lru.Cache[string, []byte]
}

// OpenCache opens or creates the response cache in the data folder.
func OpenCache(dataFolder string) (*Cache, error) {
	db, err := bolt.Open(filepath.Join(dataFolder, CacheName), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	hot, err := lru.New[string, []byte](256)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db, hot: hot}, nil
}

// Close closes the cache.
func (c *Cache) Close() error {
	return c.db.Close()
}

func cacheKey(endpoint, key string) string {
	return endpoint + "/" + key
}

// Get returns the cached response for an endpoint and key.
func (c *Cache) Get(endpoint, key string) ([]byte, bool) {
	full := cacheKey(endpoint, key)
	if data, ok := c.hot.Get(full); ok {
		return data, true
	}

	var data []byte
	c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketResponses).Get([]byte(full))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if data == nil {
		return nil, false
	}
	c.hot.Add(full, data)
	return data, true
}

// Set stores a response for an endpoint and key.
func (c *Cache) Set(endpoint, key string, data []byte) error {
	full := cacheKey(endpoint, key)
	c.hot.Add(full, data)
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(full), data)
	})
}

// Remove invalidates every cached entry under the endpoint whose key
// contains the id, forcing a refetch of that artefact.
func (c *Cache) Remove(endpoint string, id int64) error {
	idStr := fmt.Sprintf("%d", id)
	prefix := []byte(endpoint + "/")

	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResponses)
		cur := b.Cursor()
		var doomed [][]byte
		for k, _ := cur.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = cur.Next() {
			if strings.Contains(string(k), idStr) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}
		for _, k := range doomed {
			c.hot.Remove(string(k))
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
