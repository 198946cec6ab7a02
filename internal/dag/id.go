package dag

import (
	"fmt"
	"sort"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// ID identifies any content-addressed record: commits, trees, files, views
// and operations all share the same id space.
type ID = gocid.Cid

// Undef is the zero ID.
var Undef = gocid.Undef

// Codecs used for record ids.
const (
	CodecRaw     = gocid.Raw
	CodecDagJSON = gocid.DagJSON
)

// ComputeID computes a CIDv1 (SHA2-256) over data with the given codec.
func ComputeID(codec uint64, data []byte) (ID, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return Undef, fmt.Errorf("multihash: %w", err)
	}
	return gocid.NewCidV1(codec, mh), nil
}

// Filename returns the base32lower encoding of an ID for use as a filename.
func Filename(id ID) string {
	encoded, _ := multibase.Encode(multibase.Base32, id.Bytes())
	return encoded
}

// ParseFilename is the inverse of Filename.
func ParseFilename(name string) (ID, error) {
	_, raw, err := multibase.Decode(name)
	if err != nil {
		return Undef, fmt.Errorf("decode id %q: %w", name, err)
	}
	return gocid.Cast(raw)
}

// Parse decodes the string form of an ID as printed by ID.String.
func Parse(s string) (ID, error) {
	id, err := gocid.Decode(s)
	if err != nil {
		return Undef, fmt.Errorf("parse id %q: %w", s, err)
	}
	return id, nil
}

// FromBytes decodes the binary form of an ID as returned by ID.Bytes.
func FromBytes(b []byte) (ID, error) {
	id, err := gocid.Cast(b)
	if err != nil {
		return Undef, fmt.Errorf("cast id: %w", err)
	}
	return id, nil
}

// Short returns a short, human-oriented prefix-free suffix of the id.
func Short(id ID) string {
	if !id.Defined() {
		return "(undef)"
	}
	s := id.String()
	if len(s) <= 12 {
		return s
	}
	return s[len(s)-12:]
}

// Less orders ids by their binary form.
func Less(a, b ID) bool {
	return a.KeyString() < b.KeyString()
}

// SortIDs sorts ids in place.
func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return Less(ids[i], ids[j]) })
}

// Dedup returns the unique ids, sorted.
func Dedup(ids []ID) []ID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[ID]struct{}, len(ids))
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	SortIDs(out)
	return out
}

// SameSet reports whether a and b hold the same ids, ignoring order and
// duplicates.
func SameSet(a, b []ID) bool {
	da, db := Dedup(a), Dedup(b)
	if len(da) != len(db) {
		return false
	}
	for i := range da {
		if !da[i].Equals(db[i]) {
			return false
		}
	}
	return true
}
