package segment

import (
	"sync"

	"go.uber.org/zap"
)

// ReaderCache keeps a bounded set of open sealed-segment readers, evicting
// the least recently opened when the file descriptor budget is reached.
type ReaderCache struct {
	mu      sync.Mutex
	maxOpen int
	readers map[uint64]*Reader
	order   []uint64 // LRU order, oldest first
	logger  *zap.Logger
}

func NewReaderCache(maxOpen int, logger *zap.Logger) *ReaderCache {
	if maxOpen <= 0 {
		maxOpen = 32
	}
	return &ReaderCache{
		maxOpen: maxOpen,
		readers: make(map[uint64]*Reader),
		logger:  logger,
	}
}

// Get returns an open reader for the segment, opening it on a miss.
func (c *ReaderCache) Get(id uint64, path string) (*Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.readers[id]; ok {
		c.touch(id)
		return r, nil
	}

	r, err := Open(path)
	if err != nil {
		return nil, err
	}

	for len(c.readers) >= c.maxOpen {
		c.evictOldest()
	}

	c.readers[id] = r
	c.order = append(c.order, id)
	return r, nil
}

// Drop closes and forgets a reader, called before its segment is deleted.
func (c *ReaderCache) Drop(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.readers[id]
	if !ok {
		return
	}
	r.Close()
	delete(c.readers, id)
	c.removeFromOrder(id)
}

func (c *ReaderCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, r := range c.readers {
		if err := r.Close(); err != nil {
			c.logger.Warn("closing cached segment reader", zap.Uint64("segment_id", id), zap.Error(err))
		}
	}
	c.readers = make(map[uint64]*Reader)
	c.order = nil
	return nil
}

func (c *ReaderCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldestID := c.order[0]
	c.order = c.order[1:]
	if r, ok := c.readers[oldestID]; ok {
		r.Close()
		delete(c.readers, oldestID)
		c.logger.Debug("evicted segment reader", zap.Uint64("segment_id", oldestID))
	}
}

func (c *ReaderCache) touch(id uint64) {
	c.removeFromOrder(id)
	c.order = append(c.order, id)
}

func (c *ReaderCache) removeFromOrder(id uint64) {
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
