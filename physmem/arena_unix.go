//go:build linux || darwin || freebsd || netbsd || openbsd

package physmem

import "golang.org/x/sys/unix"

func mapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapAnon(mem []byte) error {
	return unix.Munmap(mem)
}
