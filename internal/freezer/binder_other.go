//go:build !linux

package freezer

import "errors"

// openBinderDriver is a stub for non-Linux builds; the binder driver only
// exists on Android kernels.
func openBinderDriver() (BinderDriver, error) {
	return nil, errors.New("freezer: binder driver requires linux")
}
