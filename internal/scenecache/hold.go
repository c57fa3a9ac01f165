package scenecache

import (
	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/danmuck/scenecast/internal/rescache"
)

type pin struct {
	release func()
	current func() bool
}

func pinIn[T any](c *rescache.Cache[geometry.UID, T], id geometry.UID) (pin, bool) {
	ref, ok := c.Get(id)
	if !ok {
		return pin{}, false
	}
	return pin{
		release: ref.Release,
		current: func() bool { return c.Current(id, ref) },
	}, true
}

// Hold keeps a node and everything it draws with resident: mesh,
// materials and their textures, skin and bone nodes, animations, text
// canvas, font atlas and atlas texture.
type Hold struct {
	node    geometry.UID
	pins    []pin
	missing []geometry.UID
}

// Retain takes a Hold on node and its dependency closure. It returns false
// when the node itself is not resident.
func (c *Cache) Retain(node geometry.UID) (*Hold, bool) {
	root, ok := pinIn(c.Nodes, node)
	if !ok {
		return nil, false
	}
	n, _ := c.Nodes.Peek(node)
	h := &Hold{node: node, pins: []pin{root}}
	take := func(p pin, ok bool, id geometry.UID) bool {
		if ok {
			h.pins = append(h.pins, p)
		} else {
			h.missing = append(h.missing, id)
		}
		return ok
	}

	if n.Mesh != 0 {
		p, ok := pinIn(c.Meshes, n.Mesh)
		take(p, ok, n.Mesh)
	}
	for _, m := range n.Materials {
		if m == 0 {
			continue
		}
		p, ok := pinIn(c.Materials, m)
		if !take(p, ok, m) {
			continue
		}
		mat, _ := c.Materials.Peek(m)
		for _, a := range mat.Textures {
			if a.Texture != 0 {
				p, ok := pinIn(c.Textures, a.Texture)
				take(p, ok, a.Texture)
			}
		}
	}
	if n.Skin != 0 {
		p, ok := pinIn(c.Skins, n.Skin)
		if take(p, ok, n.Skin) {
			skin, _ := c.Skins.Peek(n.Skin)
			for _, b := range skin.Bones {
				if b == 0 || b == node {
					continue
				}
				p, ok := pinIn(c.Nodes, b)
				take(p, ok, b)
			}
		}
	}
	for _, a := range n.Animations {
		if a != 0 {
			p, ok := pinIn(c.Animations, a)
			take(p, ok, a)
		}
	}
	if n.TextCanvas != 0 {
		p, ok := pinIn(c.TextCanvases, n.TextCanvas)
		if take(p, ok, n.TextCanvas) {
			canvas, _ := c.TextCanvases.Peek(n.TextCanvas)
			if canvas.FontAtlas != 0 {
				p, ok := pinIn(c.FontAtlases, canvas.FontAtlas)
				if take(p, ok, canvas.FontAtlas) {
					atlas, _ := c.FontAtlases.Peek(canvas.FontAtlas)
					if atlas.Texture != 0 {
						p, ok := pinIn(c.Textures, atlas.Texture)
						take(p, ok, atlas.Texture)
					}
				}
			}
		}
	}
	return h, true
}

func (h *Hold) Node() geometry.UID { return h.node }

// Missing lists the dependencies that were not resident when the hold
// was taken.
func (h *Hold) Missing() []geometry.UID { return h.missing }

// Stale reports whether the hold no longer covers the node's closure: a
// dependency was missing or an entry was replaced since it was taken.
func (h *Hold) Stale() bool {
	if len(h.missing) > 0 {
		return true
	}
	for _, p := range h.pins {
		if !p.current() {
			return true
		}
	}
	return false
}

// Release drops every reference the hold took. Extra calls are no-ops.
func (h *Hold) Release() {
	for _, p := range h.pins {
		p.release()
	}
	h.pins = nil
}
