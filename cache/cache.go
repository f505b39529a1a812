// Package cache keeps the last known state of every bridge resource as
// one JSON document, folded together from full fetches and the sparse
// resources carried by events.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/luma/candela/clip"
)

// Update describes one resource change applied to the cache.
type Update struct {
	Type string
	ID   string

	// Raw is the resource's merged state after the update.
	Raw json.RawMessage
}

// Cache is an in-memory resource state store. The document is keyed
// resource type first, then id, so a snapshot groups naturally.
type Cache struct {
	mu          sync.Mutex
	values      []byte
	updateChans []chan *Update

	// stop will be closed when Close() is called
	stop chan struct{}
}

func New() *Cache {
	return &Cache{
		values:      []byte("{}"),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (c *Cache) Close() error {
	if c.isRunning() {
		close(c.stop)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, updateChan := range c.updateChans {
		close(updateChan)
	}
	c.updateChans = nil

	return nil
}

// Store applies one resource to the cache. Sparse resources, as carried
// by events, merge field by field into the stored state; full resources
// replace it.
func (c *Cache) Store(ctx context.Context, resource clip.Resource) error {
	if resource.ID == "" || resource.Type == "" {
		return fmt.Errorf("resource must carry type and id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := keyPath(resource.Type, resource.ID)

	if !resource.Sparse || !gjson.GetBytes(c.values, path).Exists() {
		values, err := sjson.SetRawBytes(c.values, path, resource.Raw)
		if err != nil {
			return err
		}
		c.values = values

		return c.notifyLocked(resource.Type, resource.ID, path)
	}

	// Merge each top-level field of the sparse resource.
	var mergeErr error
	gjson.ParseBytes(resource.Raw).ForEach(func(key, value gjson.Result) bool {
		values, err := sjson.SetRawBytes(c.values, path+"."+key.String(), []byte(value.Raw))
		if err != nil {
			mergeErr = err
			return false
		}
		c.values = values

		return true
	})
	if mergeErr != nil {
		return mergeErr
	}

	return c.notifyLocked(resource.Type, resource.ID, path)
}

// Resource returns the stored state of one resource, or nil when the
// cache has never seen it.
func (c *Cache) Resource(ctx context.Context, ref clip.Reference) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := gjson.GetBytes(c.values, keyPath(ref.Type, ref.ID))
	if !result.Exists() {
		return nil, nil
	}

	return []byte(result.Raw), nil
}

// Snapshot returns the whole document: resources grouped by type, keyed
// by id.
func (c *Cache) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make([]byte, len(c.values))
	copy(snapshot, c.values)

	return snapshot
}

// Updates returns a channel delivering every change applied to the
// cache. The channel is closed by Close.
func (c *Cache) Updates() <-chan *Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	updateChan := make(chan *Update, 255)
	c.updateChans = append(c.updateChans, updateChan)

	return updateChan
}

func (c *Cache) notifyLocked(resourceType, id, path string) error {
	if !c.isRunning() {
		return nil
	}

	raw := json.RawMessage(gjson.GetBytes(c.values, path).Raw)

	for _, updateChan := range c.updateChans {
		select {
		case updateChan <- &Update{Type: resourceType, ID: id, Raw: raw}:

		default:
			return fmt.Errorf("update listener is not keeping up")
		}
	}

	return nil
}

// isRunning returns true if Close has not been called
func (c *Cache) isRunning() bool {
	select {
	case <-c.stop:
		return false

	default:
		return true
	}
}

func keyPath(resourceType, id string) string {
	return resourceType + "." + id
}
