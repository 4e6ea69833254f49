//go:build !linux && !darwin && !freebsd

package platform

import "errors"

func totalMemoryBytes() (uint64, error) {
	return 0, errors.New("memory detection not supported on this platform")
}
