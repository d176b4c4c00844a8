//go:build !unix

package health

import "errors"

func freeBytes(string) (uint64, error) {
	return 0, errors.ErrUnsupported
}
