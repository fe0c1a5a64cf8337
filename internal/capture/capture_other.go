//go:build !linux

package capture

func newPlatformCapturer(opts Options) (Grabber, error) {
	return nil, ErrNotSupported
}
