package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocationDirectory(t *testing.T) {
	d := NewLocationDirectory()
	key := "QA/a.txt"

	assert.Empty(t, d.Get(key))
	assert.False(t, d.Has(key))

	d.Set(key, []string{"a:1", "b:2", "a:1"})
	assert.Equal(t, []string{"a:1", "b:2"}, d.Get(key))
	assert.Equal(t, 1, d.Len())

	d.Add(key, "b:2")
	d.Add(key, "c:3")
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, d.Get(key))

	d.Remove(key, "b:2")
	assert.Equal(t, []string{"a:1", "c:3"}, d.Get(key))

	d.Replace(key, "a:1", "d:4")
	assert.Equal(t, []string{"c:3", "d:4"}, d.Get(key))

	d.Delete(key)
	assert.False(t, d.Has(key))
}

func TestLocationDirectoryEmptySetRemovesEntry(t *testing.T) {
	d := NewLocationDirectory()
	d.Set("QA/a.txt", []string{"a:1"})

	d.Remove("QA/a.txt", "a:1")
	assert.False(t, d.Has("QA/a.txt"))

	d.Set("QA/b.txt", nil)
	assert.False(t, d.Has("QA/b.txt"))
}

func TestLocationDirectoryGetReturnsCopy(t *testing.T) {
	d := NewLocationDirectory()
	d.Set("QA/a.txt", []string{"a:1"})

	got := d.Get("QA/a.txt")
	got[0] = "mutated"
	assert.Equal(t, []string{"a:1"}, d.Get("QA/a.txt"))

	snap := d.Snapshot()
	snap["QA/a.txt"][0] = "mutated"
	assert.Equal(t, []string{"a:1"}, d.Get("QA/a.txt"))
}

func TestLocationDirectoryKeysHeldBy(t *testing.T) {
	d := NewLocationDirectory()
	d.Set("QA/b.txt", []string{"a:1", "b:2"})
	d.Set("QA/a.txt", []string{"a:1"})
	d.Set("Development/c.txt", []string{"b:2"})

	assert.Equal(t, []string{"QA/a.txt", "QA/b.txt"}, d.KeysHeldBy("a:1"))
	assert.Equal(t, []string{"Development/c.txt", "QA/b.txt"}, d.KeysHeldBy("b:2"))
	assert.Empty(t, d.KeysHeldBy("z:9"))
}
