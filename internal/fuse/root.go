package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// RootNode is the mountpoint directory. Contains "op/" and "view/".
type RootNode struct {
	fs.Inode
	src *source
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	opInode := r.NewPersistentInode(ctx, &OpDir{src: r.src}, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("op"),
	})
	r.AddChild("op", opInode, true)

	viewInode := r.NewPersistentInode(ctx, &ViewDir{src: r.src}, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("view"),
	})
	r.AddChild("view", viewInode, true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("/")
	return fs.OK
}
