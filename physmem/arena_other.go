//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package physmem

func mapAnon(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapAnon([]byte) error {
	return nil
}
