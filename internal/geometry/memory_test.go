package geometry

import (
	"fmt"
	"sort"
)

// memStore is an in-memory Store and MeshTarget.
type memStore struct {
	textures   map[UID]Texture
	materials  map[UID]Material
	nodes      map[UID]Node
	skins      map[UID]Skin
	animations map[UID]Animation
	atlases    map[UID]FontAtlas
	canvases   map[UID]TextCanvas
	meshes     map[UID]MeshInfo
	attrs      map[string]AttributeData
	assembles  int
	deferred   []Texture
	deferAll   bool
}

func newMemStore() *memStore {
	return &memStore{
		textures:   map[UID]Texture{},
		materials:  map[UID]Material{},
		nodes:      map[UID]Node{},
		skins:      map[UID]Skin{},
		animations: map[UID]Animation{},
		atlases:    map[UID]FontAtlas{},
		canvases:   map[UID]TextCanvas{},
		meshes:     map[UID]MeshInfo{},
		attrs:      map[string]AttributeData{},
	}
}

func (s *memStore) Has(kind PayloadType, uid UID) bool {
	var ok bool
	switch kind {
	case PayloadMesh:
		_, ok = s.meshes[uid]
	case PayloadTexture:
		_, ok = s.textures[uid]
	case PayloadMaterial, PayloadMaterialInstance:
		_, ok = s.materials[uid]
	case PayloadNode:
		_, ok = s.nodes[uid]
	case PayloadSkin:
		_, ok = s.skins[uid]
	case PayloadAnimation:
		_, ok = s.animations[uid]
	case PayloadFontAtlas:
		_, ok = s.atlases[uid]
	case PayloadTextCanvas:
		_, ok = s.canvases[uid]
	}
	return ok
}

func (s *memStore) Material(uid UID) (Material, bool) {
	m, ok := s.materials[uid]
	return m, ok
}

func (s *memStore) StoreTexture(t Texture) (bool, error) {
	if s.deferAll {
		s.deferred = append(s.deferred, t)
		return true, nil
	}
	s.textures[t.UID] = t
	return false, nil
}

func (s *memStore) StoreMaterial(m Material) error     { s.materials[m.UID] = m; return nil }
func (s *memStore) StoreNode(n Node) error             { s.nodes[n.UID] = n; return nil }
func (s *memStore) StoreSkin(k Skin) error             { s.skins[k.UID] = k; return nil }
func (s *memStore) StoreAnimation(a Animation) error   { s.animations[a.UID] = a; return nil }
func (s *memStore) StoreFontAtlas(f FontAtlas) error   { s.atlases[f.UID] = f; return nil }
func (s *memStore) StoreTextCanvas(c TextCanvas) error { s.canvases[c.UID] = c; return nil }
func (s *memStore) MeshTarget() MeshTarget             { return s }

func (s *memStore) put(kind string, mesh UID, prim int, d AttributeData) error {
	s.attrs[fmt.Sprintf("%d/%d/%s", mesh, prim, kind)] = d
	return nil
}

func (s *memStore) EnsureVertices(m UID, p int, d AttributeData) error { return s.put("pos", m, p, d) }
func (s *memStore) EnsureNormals(m UID, p int, d AttributeData) error  { return s.put("nrm", m, p, d) }
func (s *memStore) EnsureTangents(m UID, p int, d AttributeData) error { return s.put("tan", m, p, d) }
func (s *memStore) EnsureTexCoords(m UID, p, set int, d AttributeData) error {
	return s.put(fmt.Sprintf("uv%d", set), m, p, d)
}
func (s *memStore) EnsureColors(m UID, p int, d AttributeData) error  { return s.put("col", m, p, d) }
func (s *memStore) EnsureJoints(m UID, p int, d AttributeData) error  { return s.put("jnt", m, p, d) }
func (s *memStore) EnsureWeights(m UID, p int, d AttributeData) error { return s.put("wgt", m, p, d) }
func (s *memStore) EnsureIndices(m UID, p int, d AttributeData) error { return s.put("idx", m, p, d) }

func (s *memStore) Assemble(info MeshInfo) error {
	s.assembles++
	if _, ok := s.meshes[info.UID]; ok {
		return nil
	}
	s.meshes[info.UID] = info
	return nil
}

// memSource is an in-memory Source.
type memSource struct {
	meshes     map[UID]Mesh
	materials  map[UID]Material
	instances  map[UID]MaterialInstance
	textures   map[UID]Texture
	nodes      map[UID]Node
	skins      map[UID]Skin
	animations map[UID]Animation
	atlases    map[UID]FontAtlas
	canvases   map[UID]TextCanvas
}

func newMemSource() *memSource {
	return &memSource{
		meshes:     map[UID]Mesh{},
		materials:  map[UID]Material{},
		instances:  map[UID]MaterialInstance{},
		textures:   map[UID]Texture{},
		nodes:      map[UID]Node{},
		skins:      map[UID]Skin{},
		animations: map[UID]Animation{},
		atlases:    map[UID]FontAtlas{},
		canvases:   map[UID]TextCanvas{},
	}
}

func (s *memSource) Kind(uid UID) (PayloadType, bool) {
	switch {
	case has(s.meshes, uid):
		return PayloadMesh, true
	case has(s.materials, uid):
		return PayloadMaterial, true
	case has(s.instances, uid):
		return PayloadMaterialInstance, true
	case has(s.textures, uid):
		return PayloadTexture, true
	case has(s.nodes, uid):
		return PayloadNode, true
	case has(s.skins, uid):
		return PayloadSkin, true
	case has(s.animations, uid):
		return PayloadAnimation, true
	case has(s.atlases, uid):
		return PayloadFontAtlas, true
	case has(s.canvases, uid):
		return PayloadTextCanvas, true
	}
	return PayloadInvalid, false
}

func has[V any](m map[UID]V, uid UID) bool { _, ok := m[uid]; return ok }

func get[V any](m map[UID]V, uid UID) (V, bool) { v, ok := m[uid]; return v, ok }

func (s *memSource) Mesh(uid UID) (Mesh, bool)         { return get(s.meshes, uid) }
func (s *memSource) Material(uid UID) (Material, bool) { return get(s.materials, uid) }
func (s *memSource) MaterialInstance(uid UID) (MaterialInstance, bool) {
	return get(s.instances, uid)
}
func (s *memSource) Texture(uid UID) (Texture, bool)       { return get(s.textures, uid) }
func (s *memSource) Node(uid UID) (Node, bool)             { return get(s.nodes, uid) }
func (s *memSource) Skin(uid UID) (Skin, bool)             { return get(s.skins, uid) }
func (s *memSource) Animation(uid UID) (Animation, bool)   { return get(s.animations, uid) }
func (s *memSource) FontAtlas(uid UID) (FontAtlas, bool)   { return get(s.atlases, uid) }
func (s *memSource) TextCanvas(uid UID) (TextCanvas, bool) { return get(s.canvases, uid) }

// memPeer is an in-memory Requester.
type memPeer struct {
	has       map[UID]bool
	requested []UID
	encoded   []UID
}

func newMemPeer() *memPeer { return &memPeer{has: map[UID]bool{}} }

func (p *memPeer) HasResource(uid UID) bool { return p.has[uid] }

func (p *memPeer) EncodedResource(uid UID) {
	p.has[uid] = true
	p.encoded = append(p.encoded, uid)
	for i, r := range p.requested {
		if r == uid {
			p.requested = append(p.requested[:i], p.requested[i+1:]...)
			break
		}
	}
}

func (p *memPeer) RequestedResources() []UID {
	out := append([]UID(nil), p.requested...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type memAssets map[UID][]byte

func (a memAssets) PutAsset(uid UID, _ PayloadType, blob []byte) error {
	a[uid] = blob
	return nil
}
