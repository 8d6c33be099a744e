//go:build !linux && !darwin

package storage

func freeBytes(path string) (uint64, error) {
	return 0, ErrFreeSpaceUnsupported
}
