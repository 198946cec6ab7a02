package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromThreeWay(t *testing.T) {
	tests := []struct {
		name              string
		base, left, right string
		want              Merge[string]
	}{
		{"unchanged", "a", "a", "a", Resolved("a")},
		{"left changed", "a", "b", "a", Resolved("b")},
		{"right changed", "a", "a", "c", Resolved("c")},
		{"same change", "a", "b", "b", Resolved("b")},
		{"conflict", "a", "b", "c", Merge[string]{Removes: []string{"a"}, Adds: []string{"b", "c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromThreeWay(tt.base, tt.left, tt.right)
			assert.True(t, tt.want.Equal(got), "got %+v", got)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestMerge_ResolveConflictByUndoingOneSide(t *testing.T) {
	conflict := FromThreeWay("a", "b", "c")
	assert.False(t, conflict.IsResolved())

	// Someone replaces the conflict with "b" starting from the conflict
	// itself; the other side moved "a" to "c" meanwhile.
	got := Merge3(conflict, Resolved("b"), conflict)
	v, ok := got.Resolve()
	assert.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestMerge3_NestedConflictsFlatten(t *testing.T) {
	left := FromThreeWay("a", "b", "c")
	got := Merge3(Resolved("a"), left, Resolved("d"))

	assert.NoError(t, got.Validate())
	assert.Len(t, got.Adds, 3)
	assert.Len(t, got.Removes, 2)
}

func TestMerge_SimplifyCancelsPairs(t *testing.T) {
	m := Merge[string]{Removes: []string{"x", "a"}, Adds: []string{"x", "b", "y"}}
	got := m.Simplify()
	assert.Equal(t, []string{"a"}, got.Removes)
	assert.Equal(t, []string{"b", "y"}, got.Adds)
}

func TestMerge_ValidateShape(t *testing.T) {
	assert.Error(t, Merge[int]{Adds: []int{1, 2}}.Validate())
	assert.NoError(t, Resolved(1).Validate())
}
