// Package scene loads the server's authoritative scene from a YAML
// manifest and serves it to the geometry encoder.
package scene

import (
	"fmt"
	"sort"

	"github.com/chewxy/math32"
	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/danmuck/scenecast/internal/protocol"
	"github.com/rs/zerolog/log"
)

const DefaultBoundsRadius = 25

// Scene is an immutable resource set plus mutable node transforms. It is
// owned by the server tick; it is not safe for concurrent mutation.
type Scene struct {
	Name         string
	BoundsRadius float32

	kinds      map[geometry.UID]geometry.PayloadType
	meshes     map[geometry.UID]geometry.Mesh
	materials  map[geometry.UID]geometry.Material
	instances  map[geometry.UID]geometry.MaterialInstance
	textures   map[geometry.UID]geometry.Texture
	nodes      map[geometry.UID]geometry.Node
	skins      map[geometry.UID]geometry.Skin
	animations map[geometry.UID]geometry.Animation
	atlases    map[geometry.UID]geometry.FontAtlas
	canvases   map[geometry.UID]geometry.TextCanvas
	nodeIDs    []geometry.UID
}

func empty(name string) *Scene {
	return &Scene{
		Name:         name,
		BoundsRadius: DefaultBoundsRadius,
		kinds:        make(map[geometry.UID]geometry.PayloadType),
		meshes:       make(map[geometry.UID]geometry.Mesh),
		materials:    make(map[geometry.UID]geometry.Material),
		instances:    make(map[geometry.UID]geometry.MaterialInstance),
		textures:     make(map[geometry.UID]geometry.Texture),
		nodes:        make(map[geometry.UID]geometry.Node),
		skins:        make(map[geometry.UID]geometry.Skin),
		animations:   make(map[geometry.UID]geometry.Animation),
		atlases:      make(map[geometry.UID]geometry.FontAtlas),
		canvases:     make(map[geometry.UID]geometry.TextCanvas),
	}
}

func (s *Scene) claim(uid geometry.UID, kind geometry.PayloadType) error {
	if prev, ok := s.kinds[uid]; ok {
		return fmt.Errorf("%w: %d used by %s and %s", ErrDuplicateID, uid, prev, kind)
	}
	s.kinds[uid] = kind
	return nil
}

func (s *Scene) ref(owner geometry.UID, uid geometry.UID, kinds ...geometry.PayloadType) error {
	if uid == 0 {
		return nil
	}
	got, ok := s.kinds[uid]
	if ok {
		for _, k := range kinds {
			if got == k {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %d references %d, want %v", ErrUnknownRef, owner, uid, kinds)
}

func vec3(v [3]float32) protocol.Vec3 { return protocol.Vec3{X: v[0], Y: v[1], Z: v[2]} }

func vec4(v [4]float32) protocol.Vec4 { return protocol.Vec4{X: v[0], Y: v[1], Z: v[2], W: v[3]} }

func quat(v [4]float32) protocol.Quat {
	return protocol.Quat{X: v[0], Y: v[1], Z: v[2], W: v[3]}.Normalized()
}

// Build converts a validated manifest into a Scene, checking ids and
// references.
func Build(m Manifest) (*Scene, error) {
	s := empty(m.Name)
	if m.BoundsRadius > 0 {
		s.BoundsRadius = m.BoundsRadius
	}

	for _, t := range m.Textures {
		if err := s.claim(t.ID, geometry.PayloadTexture); err != nil {
			return nil, err
		}
		s.textures[t.ID] = SolidTexture(t.ID, t.Name, t.Width, t.Height, t.Color)
	}
	for _, ms := range m.Materials {
		if err := s.claim(ms.ID, geometry.PayloadMaterial); err != nil {
			return nil, err
		}
		s.materials[ms.ID] = buildMaterial(ms)
	}
	for _, is := range m.MaterialInstances {
		if err := s.claim(is.ID, geometry.PayloadMaterialInstance); err != nil {
			return nil, err
		}
		mi, err := buildInstance(is)
		if err != nil {
			return nil, err
		}
		s.instances[is.ID] = mi
	}
	for _, ms := range m.Meshes {
		if err := s.claim(ms.ID, geometry.PayloadMesh); err != nil {
			return nil, err
		}
		size := ms.Size
		if size <= 0 {
			size = 1
		}
		switch ms.Shape {
		case "quad":
			s.meshes[ms.ID] = Quad(ms.ID, ms.Name, size, ms.Material)
		default:
			s.meshes[ms.ID] = Cube(ms.ID, ms.Name, size, ms.Material)
		}
	}
	for _, sk := range m.Skins {
		if err := s.claim(sk.ID, geometry.PayloadSkin); err != nil {
			return nil, err
		}
		s.skins[sk.ID] = buildSkin(sk)
	}
	for _, as := range m.Animations {
		if err := s.claim(as.ID, geometry.PayloadAnimation); err != nil {
			return nil, err
		}
		s.animations[as.ID] = buildAnimation(as)
	}
	for _, fs := range m.Fonts {
		if err := s.claim(fs.ID, geometry.PayloadFontAtlas); err != nil {
			return nil, err
		}
		s.atlases[fs.ID] = MonospaceAtlas(fs.ID, fs.Texture, fs.Size, fs.LineHeight, s.textures[fs.Texture])
	}
	for _, cs := range m.TextCanvases {
		if err := s.claim(cs.ID, geometry.PayloadTextCanvas); err != nil {
			return nil, err
		}
		c := geometry.TextCanvas{
			UID: cs.ID, FontAtlas: cs.Font, Size: cs.Size, LineHeight: cs.LineHeight,
			Width: cs.Width, Height: cs.Height, Color: protocol.Vec4{X: 1, Y: 1, Z: 1, W: 1}, Text: cs.Text,
		}
		if cs.Color != nil {
			c.Color = vec4(*cs.Color)
		}
		s.canvases[cs.ID] = c
	}
	for _, ns := range m.Nodes {
		if err := s.claim(ns.ID, geometry.PayloadNode); err != nil {
			return nil, err
		}
		n, err := buildNode(ns)
		if err != nil {
			return nil, err
		}
		s.nodes[ns.ID] = n
		s.nodeIDs = append(s.nodeIDs, ns.ID)
	}
	sort.Slice(s.nodeIDs, func(i, j int) bool { return s.nodeIDs[i] < s.nodeIDs[j] })

	if err := s.checkRefs(); err != nil {
		return nil, err
	}
	log.Info().
		Str("scene", s.Name).
		Int("nodes", len(s.nodes)).
		Int("meshes", len(s.meshes)).
		Int("materials", len(s.materials)+len(s.instances)).
		Int("textures", len(s.textures)).
		Msg("scene built")
	return s, nil
}

func (s *Scene) checkRefs() error {
	materialKinds := []geometry.PayloadType{geometry.PayloadMaterial, geometry.PayloadMaterialInstance}
	for id, m := range s.materials {
		for _, a := range m.Textures {
			if err := s.ref(id, a.Texture, geometry.PayloadTexture); err != nil {
				return err
			}
		}
	}
	for id, mi := range s.instances {
		if err := s.ref(id, mi.Base, geometry.PayloadMaterial); err != nil {
			return err
		}
		for _, o := range mi.Textures {
			if err := s.ref(id, o.Texture, geometry.PayloadTexture); err != nil {
				return err
			}
		}
	}
	for id, m := range s.meshes {
		for _, p := range m.Primitives {
			if err := s.ref(id, p.Material, materialKinds...); err != nil {
				return err
			}
		}
	}
	for id, sk := range s.skins {
		for _, b := range sk.Bones {
			if err := s.ref(id, b, geometry.PayloadNode); err != nil {
				return err
			}
		}
		if err := s.ref(id, sk.SkeletonRoot, geometry.PayloadNode); err != nil {
			return err
		}
	}
	for id, a := range s.animations {
		for _, t := range a.Tracks {
			if err := s.ref(id, t.Node, geometry.PayloadNode); err != nil {
				return err
			}
		}
	}
	for id, f := range s.atlases {
		if err := s.ref(id, f.Texture, geometry.PayloadTexture); err != nil {
			return err
		}
	}
	for id, c := range s.canvases {
		if err := s.ref(id, c.FontAtlas, geometry.PayloadFontAtlas); err != nil {
			return err
		}
	}
	for id, n := range s.nodes {
		checks := []struct {
			uid   geometry.UID
			kinds []geometry.PayloadType
		}{
			{n.Parent, []geometry.PayloadType{geometry.PayloadNode}},
			{n.Mesh, []geometry.PayloadType{geometry.PayloadMesh}},
			{n.Skin, []geometry.PayloadType{geometry.PayloadSkin}},
			{n.TextCanvas, []geometry.PayloadType{geometry.PayloadTextCanvas}},
		}
		for _, c := range checks {
			if err := s.ref(id, c.uid, c.kinds...); err != nil {
				return err
			}
		}
		for _, m := range n.Materials {
			if err := s.ref(id, m, materialKinds...); err != nil {
				return err
			}
		}
		for _, a := range n.Animations {
			if err := s.ref(id, a, geometry.PayloadAnimation); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildMaterial(ms MaterialSpec) geometry.Material {
	m := geometry.Material{
		UID:             ms.ID,
		Name:            ms.Name,
		BaseColorFactor: protocol.Vec4{X: 1, Y: 1, Z: 1, W: 1},
		Metallic:        ms.Metallic,
		Roughness:       1,
		EmissiveFactor:  vec3(ms.Emissive),
		DoubleSided:     ms.DoubleSided,
	}
	switch ms.Alpha {
	case "mask":
		m.Mode = geometry.AlphaMask
	case "blend":
		m.Mode = geometry.AlphaBlend
	}
	if ms.BaseColor != nil {
		m.BaseColorFactor = vec4(*ms.BaseColor)
	}
	if ms.Roughness != nil {
		m.Roughness = *ms.Roughness
	}
	textures := [geometry.TextureSlotCount]uint64{
		ms.BaseColorTexture, ms.MetallicRoughnessTexture, ms.NormalTexture, ms.OcclusionTexture, ms.EmissiveTexture,
	}
	for i, uid := range textures {
		m.Textures[i] = geometry.TextureAccessor{Texture: uid, Tiling: protocol.Vec2{X: 1, Y: 1}, Strength: 1}
	}
	return m
}

var slotNames = map[string]geometry.TextureSlot{
	"base_color":         geometry.SlotBaseColor,
	"metallic_roughness": geometry.SlotMetallicRoughness,
	"normal":             geometry.SlotNormal,
	"occlusion":          geometry.SlotOcclusion,
	"emissive":           geometry.SlotEmissive,
}

func buildInstance(is InstanceSpec) (geometry.MaterialInstance, error) {
	mi := geometry.MaterialInstance{UID: is.ID, Base: is.Base}
	if is.BaseColor != nil {
		mi.Mask |= geometry.OverrideBaseColor
		mi.BaseColorFactor = vec4(*is.BaseColor)
	}
	if is.Emissive != nil {
		mi.Mask |= geometry.OverrideEmissive
		mi.EmissiveFactor = vec3(*is.Emissive)
	}
	if is.Metallic != nil {
		mi.Mask |= geometry.OverrideMetallic
		mi.Metallic = *is.Metallic
	}
	if is.Roughness != nil {
		mi.Mask |= geometry.OverrideRoughness
		mi.Roughness = *is.Roughness
	}
	names := make([]string, 0, len(is.Textures))
	for name := range is.Textures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		slot, ok := slotNames[name]
		if !ok {
			return mi, fmt.Errorf("%w: material instance %d: texture slot %q", ErrInvalidManifest, is.ID, name)
		}
		mi.Textures = append(mi.Textures, geometry.TextureOverride{Slot: slot, Texture: is.Textures[name]})
	}
	return mi, nil
}

func buildSkin(sk SkinSpec) geometry.Skin {
	s := geometry.Skin{UID: sk.ID, Name: sk.Name, Bones: sk.Bones, SkeletonRoot: sk.Root}
	s.InverseBindMatrices = make([][16]float32, len(sk.Bones))
	for i := range s.InverseBindMatrices {
		s.InverseBindMatrices[i] = [16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
	}
	return s
}

func buildAnimation(as AnimationSpec) geometry.Animation {
	a := geometry.Animation{UID: as.ID, Name: as.Name, Duration: as.Duration}
	for _, ts := range as.Tracks {
		t := geometry.Track{Node: ts.Node}
		for _, k := range ts.Positions {
			t.Positions = append(t.Positions, geometry.Vec3Key{Time: k.Time, Value: vec3(k.Value)})
		}
		for _, k := range ts.Rotations {
			t.Rotations = append(t.Rotations, geometry.QuatKey{Time: k.Time, Value: quat(k.Value)})
		}
		for _, k := range ts.Scales {
			t.Scales = append(t.Scales, geometry.Vec3Key{Time: k.Time, Value: vec3(k.Value)})
		}
		a.Tracks = append(a.Tracks, t)
	}
	return a
}

var nodeTypes = map[string]geometry.NodeType{
	"empty":   geometry.NodeEmpty,
	"mesh":    geometry.NodeMesh,
	"light":   geometry.NodeLight,
	"skinned": geometry.NodeSkinned,
	"text":    geometry.NodeText,
}

var lightKinds = map[string]geometry.LightKind{
	"":            geometry.LightPoint,
	"point":       geometry.LightPoint,
	"directional": geometry.LightDirectional,
	"spot":        geometry.LightSpot,
}

func buildNode(ns NodeSpec) (geometry.Node, error) {
	typ, ok := nodeTypes[ns.Type]
	if !ok {
		return geometry.Node{}, fmt.Errorf("%w: node %d: type %q", ErrInvalidManifest, ns.ID, ns.Type)
	}
	n := geometry.Node{
		UID:  ns.ID,
		Name: ns.Name,
		Transform: protocol.Pose{
			Orientation: protocol.IdentityQuat,
			Position:    vec3(ns.Position),
		},
		Scale:      protocol.Vec3{X: 1, Y: 1, Z: 1},
		Parent:     ns.Parent,
		Type:       typ,
		Mesh:       ns.Mesh,
		Skin:       ns.Skin,
		TextCanvas: ns.TextCanvas,
		Materials:  ns.Materials,
		Animations: ns.Animations,
		Priority:   ns.Priority,
	}
	if ns.Rotation != nil {
		n.Transform.Orientation = quat(*ns.Rotation)
	}
	if ns.Scale != nil {
		n.Scale = vec3(*ns.Scale)
	}
	if typ == geometry.NodeLight {
		ls := LightSpec{Range: 10}
		if ns.Light != nil {
			ls = *ns.Light
		}
		kind, ok := lightKinds[ls.Kind]
		if !ok {
			return n, fmt.Errorf("%w: node %d: light kind %q", ErrInvalidManifest, ns.ID, ls.Kind)
		}
		n.Light = geometry.Light{
			Color:     protocol.Vec4{X: 1, Y: 1, Z: 1, W: 1},
			Range:     ls.Range,
			Radius:    ls.Radius,
			Kind:      kind,
			Direction: vec3(ls.Direction),
		}
		if ls.Color != nil {
			n.Light.Color = vec4(*ls.Color)
		}
	}
	return n, nil
}

func (s *Scene) Kind(uid geometry.UID) (geometry.PayloadType, bool) {
	k, ok := s.kinds[uid]
	return k, ok
}

func (s *Scene) Mesh(uid geometry.UID) (geometry.Mesh, bool) {
	v, ok := s.meshes[uid]
	return v, ok
}

func (s *Scene) Material(uid geometry.UID) (geometry.Material, bool) {
	v, ok := s.materials[uid]
	return v, ok
}

func (s *Scene) MaterialInstance(uid geometry.UID) (geometry.MaterialInstance, bool) {
	v, ok := s.instances[uid]
	return v, ok
}

func (s *Scene) Texture(uid geometry.UID) (geometry.Texture, bool) {
	v, ok := s.textures[uid]
	return v, ok
}

func (s *Scene) Node(uid geometry.UID) (geometry.Node, bool) {
	v, ok := s.nodes[uid]
	return v, ok
}

func (s *Scene) Skin(uid geometry.UID) (geometry.Skin, bool) {
	v, ok := s.skins[uid]
	return v, ok
}

func (s *Scene) Animation(uid geometry.UID) (geometry.Animation, bool) {
	v, ok := s.animations[uid]
	return v, ok
}

func (s *Scene) FontAtlas(uid geometry.UID) (geometry.FontAtlas, bool) {
	v, ok := s.atlases[uid]
	return v, ok
}

func (s *Scene) TextCanvas(uid geometry.UID) (geometry.TextCanvas, bool) {
	v, ok := s.canvases[uid]
	return v, ok
}

// NodeIDs lists every node, ascending. Do not modify the slice.
func (s *Scene) NodeIDs() []geometry.UID { return s.nodeIDs }

// Len is the number of resources of every kind.
func (s *Scene) Len() int { return len(s.kinds) }

// WorldPosition composes the node's translation with its ancestors'.
// Rotation and scale of ancestors are ignored.
func (s *Scene) WorldPosition(uid geometry.UID) (protocol.Vec3, bool) {
	n, ok := s.nodes[uid]
	if !ok {
		return protocol.Vec3{}, false
	}
	pos := n.Transform.Position
	seen := map[geometry.UID]bool{uid: true}
	for p := n.Parent; p != 0 && !seen[p]; {
		seen[p] = true
		parent, ok := s.nodes[p]
		if !ok {
			break
		}
		pos = pos.Add(parent.Transform.Position)
		p = parent.Parent
	}
	return pos, true
}

// Radius is a conservative bounding radius for the node's own geometry.
func (s *Scene) Radius(uid geometry.UID) float32 {
	n, ok := s.nodes[uid]
	if !ok {
		return 0
	}
	scale := math32.Max(math32.Abs(n.Scale.X), math32.Max(math32.Abs(n.Scale.Y), math32.Abs(n.Scale.Z)))
	if m, ok := s.meshes[n.Mesh]; ok {
		return meshRadius(m) * scale
	}
	if n.Type == geometry.NodeLight {
		return n.Light.Range
	}
	return 0
}

// SetTransform moves a node and returns the updated node.
func (s *Scene) SetTransform(uid geometry.UID, pose protocol.Pose) (geometry.Node, bool) {
	n, ok := s.nodes[uid]
	if !ok {
		return n, false
	}
	n.Transform = pose
	s.nodes[uid] = n
	return n, true
}
