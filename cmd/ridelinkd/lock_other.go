//go:build !unix

package main

import (
	"fmt"
	"os"
	"strconv"
)

// acquireLock records the pid only; there is no advisory locking here.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return f, nil
}

func releaseLock(f *os.File) { _ = f.Close() }
