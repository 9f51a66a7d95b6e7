//go:build !unix

package metadata

import "io/fs"

// ownerIDs is unavailable without POSIX ownership; Owner and Group stay empty.
func ownerIDs(fs.FileInfo) (uid, gid uint32, ok bool) {
	return 0, 0, false
}
