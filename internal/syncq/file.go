package syncq

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// ReadJSON decodes the file at path into v. It reports false, leaving v
// untouched, when the file is missing or empty.
func ReadJSON(path string, v any) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	return true, errors.Wrapf(json.Unmarshal(raw, v), "decode %s", path)
}

// WriteJSON replaces the file at path with v. Readers see the old or the
// new content, never a partial write.
func WriteJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
