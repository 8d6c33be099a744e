package storage

import (
	"errors"
	"fmt"
)

// ErrFreeSpaceUnsupported is returned on platforms without statfs support.
// Callers should treat it as "unknown" rather than "full".
var ErrFreeSpaceUnsupported = errors.New("free space detection not supported on this platform")

// FreeBytes reports the bytes available to unprivileged writers on the
// filesystem holding path.
func FreeBytes(path string) (uint64, error) {
	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return 0, fmt.Errorf("resolve path %q: %w", path, err)
	}
	return freeBytes(inspectPath)
}
