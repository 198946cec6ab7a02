package fuse

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// stableIno returns a stable inode number for a path in the mount.
func stableIno(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}

func errno(err error) syscall.Errno {
	if errors.Is(err, os.ErrNotExist) {
		return syscall.ENOENT
	}
	return syscall.EIO
}

// textFile is a read-only file whose contents are computed on every access,
// so it always reflects the current operation heads.
type textFile struct {
	fs.Inode
	path    string
	content func(ctx context.Context) ([]byte, error)
}

var _ = (fs.NodeGetattrer)((*textFile)(nil))
var _ = (fs.NodeReader)((*textFile)(nil))
var _ = (fs.NodeOpener)((*textFile)(nil))

func (f *textFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, err := f.content(ctx)
	if err != nil {
		return errno(err)
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = stableIno(f.path)
	return fs.OK
}

func (f *textFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *textFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := f.content(ctx)
	if err != nil {
		return nil, errno(err)
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), fs.OK
}

// newFile returns an inode for a textFile under parent.
func newFile(ctx context.Context, parent *fs.Inode, path string, content func(context.Context) ([]byte, error)) *fs.Inode {
	return parent.NewInode(ctx, &textFile{path: path, content: content}, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno(path),
	})
}

func dirAttr(path string, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(path)
	return fs.OK
}
