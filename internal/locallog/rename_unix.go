//go:build unix

package locallog

import "golang.org/x/sys/unix"

// atomicRename replaces newpath with oldpath using the rename(2) syscall
// directly (golang.org/x/sys/unix), documented atomic-replace semantics on
// the same filesystem, rather than the portable os.Rename wrapper.
func atomicRename(oldpath, newpath string) error {
	return unix.Rename(oldpath, newpath)
}
