//go:build !linux

package poller

// New reports ErrPlatformNotSupported; callers fall back to the portable loop.
func New() (Poller, error) {
	return nil, ErrPlatformNotSupported
}
