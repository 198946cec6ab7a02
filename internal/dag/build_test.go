package dag

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct{ parents []ID }

func (n fakeNode) ParentIDs() []ID { return n.parents }

func TestBuild_AddsParentsFirstAndStopsAtIndexed(t *testing.T) {
	ids := make([]ID, 6)
	for i := range ids {
		ids[i] = testID(t, fmt.Sprintf("b-%d", i))
	}
	// 0 <- 1 <- 2 <- 4, 0 <- 3 <- 4, 4 <- 5
	graph := map[ID]fakeNode{
		ids[0]: {},
		ids[1]: {parents: []ID{ids[0]}},
		ids[2]: {parents: []ID{ids[1]}},
		ids[3]: {parents: []ID{ids[0]}},
		ids[4]: {parents: []ID{ids[2], ids[3]}},
		ids[5]: {parents: []ID{ids[4]}},
	}
	loads := 0
	load := func(_ context.Context, id ID) (fakeNode, error) {
		loads++
		n, ok := graph[id]
		if !ok {
			return fakeNode{}, errors.New("not found")
		}
		return n, nil
	}

	x := NewIndex()
	added, err := Build(context.Background(), x, []ID{ids[4]}, load)
	require.NoError(t, err)
	assert.Len(t, added, 5)
	assert.Equal(t, 5, loads)
	for i, id := range added {
		ps, err := x.Parents(id)
		require.NoError(t, err)
		for _, p := range ps {
			pp, _ := x.PosOf(p)
			assert.Less(t, int(pp), i+1)
		}
	}

	loads = 0
	added, err = Build(context.Background(), x, []ID{ids[5]}, load)
	require.NoError(t, err)
	assert.Equal(t, []ID{ids[5]}, added)
	assert.Equal(t, 1, loads)
}

func TestBuild_ReportsMissingNode(t *testing.T) {
	a, b := testID(t, "a"), testID(t, "b")
	load := func(_ context.Context, id ID) (fakeNode, error) {
		if id.Equals(b) {
			return fakeNode{parents: []ID{a}}, nil
		}
		return fakeNode{}, errors.New("gone")
	}
	_, err := Build(context.Background(), NewIndex(), []ID{b}, load)
	require.Error(t, err)
	assert.Contains(t, err.Error(), a.String())
	assert.Contains(t, err.Error(), "parent of")
}
