package scenecache

import (
	"testing"
	"time"

	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/danmuck/scenecast/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func textNode(cache *Cache) {
	cache.Meshes.Add(7, MeshData{}, time.Second)
	mat := geometry.Material{UID: 9}
	mat.Textures[geometry.SlotBaseColor].Texture = 3
	cache.Textures.Add(3, geometry.Texture{UID: 3}, time.Second)
	cache.Textures.Add(29, geometry.Texture{UID: 29}, time.Second)
	_ = cache.StoreMaterial(mat)
	_ = cache.StoreFontAtlas(geometry.FontAtlas{UID: 30, Texture: 29})
	_ = cache.StoreTextCanvas(geometry.TextCanvas{UID: 31, FontAtlas: 30})
	_ = cache.StoreAnimation(geometry.Animation{UID: 50})
	_ = cache.StoreNode(geometry.Node{UID: 5, Mesh: 7, Materials: []geometry.UID{9}, TextCanvas: 31, Animations: []geometry.UID{50}})
}

func TestHoldKeepsNodeClosureResident(t *testing.T) {
	testlog.Start(t)
	cache := New(Config{Lifetime: time.Second})
	textNode(cache)

	h, ok := cache.Retain(5)
	require.True(t, ok)
	require.Empty(t, h.Missing())
	require.False(t, h.Stale())

	require.Empty(t, cache.Update(5*time.Second))
	require.Equal(t, 8, cache.Len())

	h.Release()
	h.Release()
	evicted := cache.Update(time.Second)
	require.ElementsMatch(t, []geometry.UID{3, 5, 7, 9, 29, 30, 31, 50}, evicted)
	require.Zero(t, cache.Len())
}

func TestHoldReportsMissingDependencies(t *testing.T) {
	testlog.Start(t)
	cache := New(Config{Lifetime: time.Second})
	_ = cache.StoreNode(geometry.Node{UID: 5, Mesh: 7, Materials: []geometry.UID{9}, Skin: 40})

	_, ok := cache.Retain(6)
	require.False(t, ok)

	h, ok := cache.Retain(5)
	require.True(t, ok)
	require.Equal(t, []geometry.UID{7, 9, 40}, h.Missing())
	require.True(t, h.Stale())
	h.Release()

	cache.Meshes.Add(7, MeshData{}, time.Second)
	_ = cache.StoreMaterial(geometry.Material{UID: 9})
	_ = cache.StoreSkin(geometry.Skin{UID: 40, Bones: []geometry.UID{5, 41}})
	h, ok = cache.Retain(5)
	require.True(t, ok)
	require.Equal(t, []geometry.UID{41}, h.Missing(), "the node itself is not pinned twice as a bone")
	h.Release()
}

func TestHoldGoesStaleWhenEntryReplaced(t *testing.T) {
	testlog.Start(t)
	cache := New(Config{Lifetime: time.Second})
	textNode(cache)
	h, ok := cache.Retain(5)
	require.True(t, ok)
	defer h.Release()

	_ = cache.StoreMaterial(geometry.Material{UID: 9, Name: "resent"})
	require.True(t, h.Stale())
}
