package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var ErrNotFound = errors.New("cache file not found")

// LoadJSON reads and decodes path into out, returning ErrNotFound if the
// file does not exist. The key mapping this backs is only ever reloaded
// from disk (by the key-file watcher or an explicit reload), never written
// back, so there is no corresponding save.
func LoadJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read cache file: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode cache file: %w", err)
	}
	return nil
}
