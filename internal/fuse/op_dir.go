package fuse

import (
	"context"
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// OpDir exposes the operation log. HEAD lists the current heads and <n> is
// the n-th newest operation as JSON, 0 being the newest.
type OpDir struct {
	fs.Inode
	src *source
}

var _ = (fs.NodeLookuper)((*OpDir)(nil))
var _ = (fs.NodeReaddirer)((*OpDir)(nil))
var _ = (fs.NodeGetattrer)((*OpDir)(nil))

func (d *OpDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return dirAttr("op", out)
}

func (d *OpDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n, err := d.src.logLen(ctx)
	if err != nil {
		return nil, errno(err)
	}
	entries := make([]fuse.DirEntry, 0, n+1)
	entries = append(entries, fuse.DirEntry{Name: "HEAD", Mode: syscall.S_IFREG, Ino: stableIno("op/HEAD")})
	for i := range n {
		name := strconv.Itoa(i)
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno("op/" + name),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *OpDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name == "HEAD" {
		return newFile(ctx, &d.Inode, "op/HEAD", d.src.headText), fs.OK
	}
	n, err := strconv.Atoi(name)
	if err != nil || strconv.Itoa(n) != name {
		return nil, syscall.ENOENT
	}
	content := func(ctx context.Context) ([]byte, error) { return d.src.opText(ctx, n) }
	if _, err := content(ctx); err != nil {
		return nil, errno(err)
	}
	return newFile(ctx, &d.Inode, "op/"+name, content), fs.OK
}
