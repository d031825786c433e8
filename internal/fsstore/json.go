package fsstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ReadJSON loads path into out. A missing or empty file reports found=false
// with no error; malformed content is an error.
func ReadJSON(path string, out any) (bool, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(normalized)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read json %s: %w", normalized, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrDecodeFailed, normalized, err)
	}
	return true, nil
}

// ReadJSONLenient is ReadJSON with the corruption-tolerance contract every
// worker state file carries: malformed or unreadable content is treated the
// same as an absent file. The underlying error comes back as warn so the
// caller can log it, but found is always false in that case and the caller
// proceeds with defaults.
func ReadJSONLenient(path string, out any) (found bool, warn error) {
	found, err := ReadJSON(path, out)
	if err != nil {
		return false, err
	}
	return found, nil
}

func WriteJSONAtomic(path string, v any) error {
	normalized, err := normalizePath(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrEncodeFailed, normalized, err)
	}
	data = append(data, '\n')
	return writeAtomic(normalized, data)
}
