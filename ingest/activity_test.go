package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualifiedActivitySink_PrefixesKindWithQualifier(t *testing.T) {
	delegate := &fakeActivityLog{}
	sink := NewQualifiedActivitySink("web", delegate)

	err := sink.RecordActivity(context.Background(), 1000, "add", 10, "http://a", "ok", "stored")
	require.NoError(t, err)

	require.Len(t, delegate.calls, 1)
	assert.Equal(t, "web:add", delegate.calls[0])
}

func TestQualifiedActivitySink_NestedQualifiersChain(t *testing.T) {
	delegate := &fakeActivityLog{}
	inner := NewQualifiedActivitySink("web", delegate)
	outer := NewQualifiedActivitySink("summarize", inner)

	err := outer.RecordActivity(context.Background(), 1000, "add", 10, "http://a", "ok", "stored")
	require.NoError(t, err)

	require.Len(t, delegate.calls, 1)
	assert.Equal(t, "web:summarize:add", delegate.calls[0])
}
