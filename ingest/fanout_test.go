package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckFanout_ORsActiveChildren(t *testing.T) {
	a := &checkOutputLeaf{connector: &fakeOutputConnector{indexable: false}}
	b := &checkOutputLeaf{connector: &fakeOutputConnector{indexable: true}}

	fo := &checkFanout{children: []CheckNode{a, b}, active: []bool{true, true}}
	ok, err := fo.Check(ProbeMime, "text/plain")
	require.NoError(t, err)
	assert.True(t, ok)

	fo2 := &checkFanout{children: []CheckNode{a, b}, active: []bool{true, false}}
	ok2, err := fo2.Check(ProbeMime, "text/plain")
	require.NoError(t, err)
	assert.False(t, ok2)
}

func TestCheckOutputLeaf_DispatchesEachProbe(t *testing.T) {
	leaf := &checkOutputLeaf{connector: &fakeOutputConnector{indexable: true}}
	for _, probe := range []CheckProbe{ProbeMime, ProbeFile, ProbeLength, ProbeURL} {
		var value interface{}
		switch probe {
		case ProbeLength:
			value = int64(10)
		default:
			value = "x"
		}
		ok, err := leaf.Check(probe, value)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestAddFanout_SingleActiveChildPassesThroughWithoutDuplication(t *testing.T) {
	child := &fakeAddNode{result: Accepted}
	fo := &addFanout{children: []OutputAddActivity{child}, active: []bool{true}}

	doc := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))
	result, err := fo.AddOrReplace(context.Background(), doc, "auth")
	require.NoError(t, err)
	assert.Equal(t, Accepted, result)
	assert.Equal(t, 1, child.calls)
}

func TestAddFanout_MultipleActiveChildrenEachGetIndependentStream(t *testing.T) {
	a := &fakeAddNode{result: Rejected}
	b := &fakeAddNode{result: Accepted}
	fo := &addFanout{children: []OutputAddActivity{a, b}, active: []bool{true, true}}

	doc := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))
	result, err := fo.AddOrReplace(context.Background(), doc, "auth")
	require.NoError(t, err)
	assert.Equal(t, Accepted, result, "fan-out is Accepted iff any active child is")
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestAddFanout_InactiveChildSkipped(t *testing.T) {
	a := &fakeAddNode{result: Accepted}
	fo := &addFanout{children: []OutputAddActivity{a}, active: []bool{false}}

	doc := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))
	result, err := fo.AddOrReplace(context.Background(), doc, "auth")
	require.NoError(t, err)
	assert.Equal(t, Rejected, result)
	assert.Equal(t, 0, a.calls)
}

func TestTransformationEntryPoint_ForwardsToNext(t *testing.T) {
	next := &fakeAddNode{result: Accepted}
	wrapped := &transformationEntryPoint{connector: fakeTransformationConnector{}, next: next, activities: &fakeActivityLog{}}

	doc := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))
	result, err := wrapped.AddOrReplace(context.Background(), doc, "auth")
	require.NoError(t, err)
	assert.Equal(t, Accepted, result)
	assert.Equal(t, 1, next.calls)
}

func TestRepositoryDocument_NewReaderProducesIndependentStreams(t *testing.T) {
	doc := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))

	r1, err := doc.NewReader()
	require.NoError(t, err)
	buf1 := make([]byte, 3)
	n, _ := r1.Read(buf1)
	assert.Equal(t, "abc", string(buf1[:n]))

	r2, err := doc.NewReader()
	require.NoError(t, err)
	buf2 := make([]byte, 3)
	n2, _ := r2.Read(buf2)
	assert.Equal(t, "abc", string(buf2[:n2]), "second reader gets its own independent view")
}
