package storage

import "github.com/cockroachdb/pebble/vfs"

func vfsMemFS() vfs.FS {
	return vfs.NewMem()
}
