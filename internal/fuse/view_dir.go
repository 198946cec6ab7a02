package fuse

import (
	"context"
	"slices"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// ViewDir exposes the view of the current operation heads.
type ViewDir struct {
	fs.Inode
	src *source
}

var _ = (fs.NodeLookuper)((*ViewDir)(nil))
var _ = (fs.NodeReaddirer)((*ViewDir)(nil))
var _ = (fs.NodeGetattrer)((*ViewDir)(nil))

var refKinds = []string{kindBranches, kindTags, kindWorkingCopies}

func (d *ViewDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return dirAttr("view", out)
}

func (d *ViewDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := []fuse.DirEntry{{Name: "heads", Mode: syscall.S_IFREG, Ino: stableIno("view/heads")}}
	for _, kind := range refKinds {
		entries = append(entries, fuse.DirEntry{
			Name: kind,
			Mode: syscall.S_IFDIR,
			Ino:  stableIno("view/" + kind),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *ViewDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name == "heads" {
		return newFile(ctx, &d.Inode, "view/heads", d.src.headsText), fs.OK
	}
	if !slices.Contains(refKinds, name) {
		return nil, syscall.ENOENT
	}
	child := d.NewInode(ctx, &RefDir{src: d.src, kind: name}, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("view/" + name),
	})
	return child, fs.OK
}

// RefDir lists one kind of ref. Each entry is a file holding the commit
// ids the ref points at.
type RefDir struct {
	fs.Inode
	src  *source
	kind string
}

var _ = (fs.NodeLookuper)((*RefDir)(nil))
var _ = (fs.NodeReaddirer)((*RefDir)(nil))
var _ = (fs.NodeGetattrer)((*RefDir)(nil))

func (d *RefDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return dirAttr("view/"+d.kind, out)
}

func (d *RefDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := d.src.refNames(ctx, d.kind)
	if err != nil {
		return nil, errno(err)
	}
	entries := make([]fuse.DirEntry, len(names))
	for i, name := range names {
		entries[i] = fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno("view/" + d.kind + "/" + name),
		}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *RefDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	content := func(ctx context.Context) ([]byte, error) { return d.src.refText(ctx, d.kind, name) }
	if _, err := content(ctx); err != nil {
		return nil, errno(err)
	}
	return newFile(ctx, &d.Inode, "view/"+d.kind+"/"+name, content), fs.OK
}
