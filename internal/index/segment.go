package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/multiformats/go-varint"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/store"
)

const segmentFormat = 1

// segmentEntry is one commit in a segment. Parents are positions in the
// whole segment chain, counted from the oldest ancestor segment.
type segmentEntry struct {
	id      dag.ID
	parents []uint64
}

// segment is an immutable file describing a contiguous run of index
// positions [start, start+len(entries)) on top of its parent segment.
type segment struct {
	parent  string
	start   uint64
	entries []segmentEntry
}

var errBadSegment = errors.New("malformed index segment")

func (s *segment) encode() []byte {
	var buf []byte
	buf = append(buf, varint.ToUvarint(segmentFormat)...)
	buf = append(buf, varint.ToUvarint(uint64(len(s.parent)))...)
	buf = append(buf, s.parent...)
	buf = append(buf, varint.ToUvarint(s.start)...)
	buf = append(buf, varint.ToUvarint(uint64(len(s.entries)))...)
	for _, e := range s.entries {
		raw := e.id.Bytes()
		buf = append(buf, varint.ToUvarint(uint64(len(raw)))...)
		buf = append(buf, raw...)
		buf = append(buf, varint.ToUvarint(uint64(len(e.parents)))...)
		for _, p := range e.parents {
			buf = append(buf, varint.ToUvarint(p)...)
		}
	}
	return snappy.Encode(nil, buf)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.FromUvarint(r.buf)
	if err != nil {
		r.err = fmt.Errorf("%w: %v", errBadSegment, err)
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)) {
		r.err = fmt.Errorf("%w: truncated", errBadSegment)
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func decodeSegment(data []byte) (*segment, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadSegment, err)
	}
	r := &reader{buf: raw}
	if v := r.uvarint(); r.err == nil && v != segmentFormat {
		return nil, fmt.Errorf("%w: unknown format %d", errBadSegment, v)
	}
	s := &segment{}
	s.parent = string(r.bytes(r.uvarint()))
	s.start = r.uvarint()
	n := r.uvarint()
	if r.err == nil && n > uint64(len(r.buf)) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", errBadSegment, n)
	}
	s.entries = make([]segmentEntry, 0, n)
	for i := uint64(0); i < n && r.err == nil; i++ {
		idBytes := r.bytes(r.uvarint())
		if r.err != nil {
			break
		}
		id, err := dag.FromBytes(idBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", errBadSegment, i, err)
		}
		pos := s.start + i
		np := r.uvarint()
		if r.err == nil && np > uint64(len(r.buf)) {
			return nil, fmt.Errorf("%w: parent count %d exceeds payload", errBadSegment, np)
		}
		e := segmentEntry{id: id, parents: make([]uint64, 0, np)}
		for j := uint64(0); j < np && r.err == nil; j++ {
			p := r.uvarint()
			if p >= pos {
				return nil, fmt.Errorf("%w: entry %d refers forward to %d", errBadSegment, pos, p)
			}
			e.parents = append(e.parents, p)
		}
		s.entries = append(s.entries, e)
	}
	if r.err != nil {
		return nil, r.err
	}
	return s, nil
}

// segmentFiles stores segments content-addressed under dir.
type segmentFiles struct {
	dir string
}

func newSegmentFiles(dir string) (*segmentFiles, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create segments dir: %w", err)
	}
	return &segmentFiles{dir: dir}, nil
}

func (f *segmentFiles) write(s *segment) (string, error) {
	data := s.encode()
	id, err := dag.ComputeID(dag.CodecRaw, data)
	if err != nil {
		return "", err
	}
	name := dag.Filename(id)
	path := filepath.Join(f.dir, name)
	if _, err := os.Stat(path); err == nil {
		return name, nil
	}
	if err := store.SafeWrite(path, data, 0644); err != nil {
		return "", fmt.Errorf("write segment: %w", err)
	}
	return name, nil
}

func (f *segmentFiles) read(name string) (*segment, error) {
	id, err := dag.ParseFilename(name)
	if err != nil {
		return nil, fmt.Errorf("%w: segment name %q", errBadSegment, name)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read segment %s: %w", name, err)
	}
	if err := store.Verify(id, data); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadSegment, err)
	}
	return decodeSegment(data)
}
