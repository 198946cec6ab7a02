package fuse

import (
	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/oplog/internal/repo"
)

// Mount mounts a read-only view of r's operation log at mountpoint.
// Returns the server (call server.Wait() to block, server.Unmount() to stop).
func Mount(mountpoint string, r *repo.Repo, debug bool) (*gofuse.Server, error) {
	root := &RootNode{src: &source{repo: r}}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "oplog",
			Name:          "oplog",
			DisableXAttrs: true,
			Debug:         debug,
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	return server, nil
}
