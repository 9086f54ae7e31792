package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	assert.Equal(t, "1", original["a"])
	assert.Len(t, clone, 2)
}

func TestCloneNil(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	require.NotNil(t, cloned)
	assert.Empty(t, cloned)
}

func TestWithMergeWithout(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	assert.Empty(t, base["baz"])
	assert.Equal(t, "qux", enriched["baz"])

	merged := enriched.Merge(Metadata{"foo": "override", "alpha": "beta"})
	assert.Equal(t, "override", merged["foo"])
	assert.Equal(t, "beta", merged["alpha"])
	assert.Equal(t, "bar", enriched["foo"])

	trimmed := merged.Without("foo", "missing")
	assert.NotContains(t, trimmed, "foo")
	assert.Contains(t, merged, "foo")
}

func TestGetNilSafe(t *testing.T) {
	var m Metadata
	assert.Equal(t, "", m.Get("anything"))
}

func TestNewPairs(t *testing.T) {
	md := New("key", "value", "dangling")
	assert.Equal(t, Metadata{"key": "value"}, md)
}

func TestWatermillConversionCopies(t *testing.T) {
	md := Metadata{"source": "api"}
	wm := ToWatermill(md)
	wm["source"] = "mutated"
	assert.Equal(t, "api", md["source"])

	back := FromWatermill(message.Metadata{"event": "order"})
	assert.Equal(t, "order", back["event"])
	assert.NotNil(t, FromWatermill(nil))
}
