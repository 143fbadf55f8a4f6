// Package audiocache keeps the most recently synthesized audio of each
// interview session so clients can fetch it again by session id.
package audiocache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one cached audio file.
type Entry struct {
	Data      []byte
	MIMEType  string
	StoredAt  time.Time
	LatencyMS float64
}

// Cache is safe for concurrent use. The least recently used session is
// evicted once the capacity is reached.
type Cache struct {
	entries *lru.Cache[string, Entry]
	now     func() time.Time
}

func New(size int) (*Cache, error) {
	if size <= 0 {
		size = 256
	}
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, now: time.Now}, nil
}

// Put replaces the audio stored for sessionID. Empty ids and payloads are ignored.
func (c *Cache) Put(sessionID string, e Entry) {
	if sessionID == "" || len(e.Data) == 0 {
		return
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = c.now()
	}
	c.entries.Add(sessionID, e)
}

func (c *Cache) Get(sessionID string) (Entry, bool) {
	return c.entries.Get(sessionID)
}

func (c *Cache) Delete(sessionID string) {
	c.entries.Remove(sessionID)
}

func (c *Cache) Len() int {
	return c.entries.Len()
}
