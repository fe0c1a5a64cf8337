//go:build linux && !cgo

package capture

// newPlatformCapturer returns an error on Linux when built without CGO,
// since window capture requires Xlib via CGO.
func newPlatformCapturer(opts Options) (Grabber, error) {
	return nil, ErrNotSupported
}
