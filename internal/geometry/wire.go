package geometry

import (
	"fmt"
	"sort"

	"github.com/danmuck/scenecast/internal/protocol"
)

func writeHeader(w *protocol.Writer, t PayloadType, count int) {
	w.Raw(SyncMarker[:])
	w.U8(uint8(t))
	w.U64(uint64(count))
}

func writeTerminal(w *protocol.Writer) {
	w.Raw(SyncMarker[:])
	w.U8(uint8(PayloadInvalid))
}

// readErr maps a cursor overrun onto the geometry taxonomy.
func readErr(r *protocol.Reader) error {
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBufferSize, err)
	}
	return nil
}

func sortedKeys[V any](m map[UID]V) []UID {
	out := make([]UID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// writeMesh emits only the accessors, views and buffers reachable from the
// primitives, each once, in ascending id order.
func writeMesh(w *protocol.Writer, m Mesh) error {
	accessors := make(map[UID]Accessor)
	views := make(map[UID]BufferView)
	buffers := make(map[UID]Buffer)
	use := func(id UID) error {
		a, ok := m.Accessors[id]
		if !ok {
			return fmt.Errorf("%w: mesh %d: accessor %d not found", ErrInvalidPayload, m.UID, id)
		}
		v, ok := m.BufferViews[a.BufferView]
		if !ok {
			return fmt.Errorf("%w: mesh %d: buffer view %d not found", ErrInvalidPayload, m.UID, a.BufferView)
		}
		b, ok := m.Buffers[v.Buffer]
		if !ok {
			return fmt.Errorf("%w: mesh %d: buffer %d not found", ErrInvalidPayload, m.UID, v.Buffer)
		}
		accessors[a.ID] = a
		views[v.ID] = v
		buffers[b.ID] = b
		return nil
	}
	for _, p := range m.Primitives {
		for _, a := range p.Attributes {
			if err := use(a.Accessor); err != nil {
				return err
			}
		}
		if p.Indices != 0 {
			if err := use(p.Indices); err != nil {
				return err
			}
		}
	}

	w.String(m.Name)
	w.U64(uint64(len(m.Primitives)))
	for _, p := range m.Primitives {
		w.U64(uint64(len(p.Attributes)))
		w.U64(p.Indices)
		w.U64(p.Material)
		w.U8(uint8(p.Topology))
		for _, a := range p.Attributes {
			w.U8(uint8(a.Semantic))
			w.U64(a.Accessor)
		}
	}
	w.U64(uint64(len(accessors)))
	for _, id := range sortedKeys(accessors) {
		a := accessors[id]
		w.U64(a.ID)
		w.U8(uint8(a.Type))
		w.U8(uint8(a.Component))
		w.U64(a.Count)
		w.U64(a.BufferView)
		w.U64(a.ByteOffset)
	}
	w.U64(uint64(len(views)))
	for _, id := range sortedKeys(views) {
		v := views[id]
		w.U64(v.ID)
		w.U64(v.Buffer)
		w.U64(v.ByteOffset)
		w.U64(v.ByteLength)
		w.U64(v.Stride)
	}
	w.U64(uint64(len(buffers)))
	for _, id := range sortedKeys(buffers) {
		b := buffers[id]
		w.U64(b.ID)
		w.U64(uint64(len(b.Data)))
		w.Raw(b.Data)
	}
	return nil
}

func readMesh(r *protocol.Reader, uid UID) (Mesh, error) {
	m := Mesh{
		UID:         uid,
		Name:        r.String(),
		Accessors:   make(map[UID]Accessor),
		BufferViews: make(map[UID]BufferView),
		Buffers:     make(map[UID]Buffer),
	}
	np := r.Count(25)
	m.Primitives = make([]Primitive, 0, np)
	for i := 0; i < np && r.Err() == nil; i++ {
		na := r.Count(0)
		p := Primitive{
			Indices:  r.U64(),
			Material: r.U64(),
			Topology: Topology(r.U8()),
		}
		if err := r.Need(na * 9); err != nil {
			r.Fail(err)
			break
		}
		p.Attributes = make([]Attribute, na)
		for j := range p.Attributes {
			p.Attributes[j] = Attribute{Semantic: Semantic(r.U8()), Accessor: r.U64()}
		}
		m.Primitives = append(m.Primitives, p)
	}
	na := r.Count(34)
	for i := 0; i < na && r.Err() == nil; i++ {
		a := Accessor{
			ID:         r.U64(),
			Type:       DataType(r.U8()),
			Component:  ComponentType(r.U8()),
			Count:      r.U64(),
			BufferView: r.U64(),
			ByteOffset: r.U64(),
		}
		if a.ElementSize() == 0 && r.Err() == nil {
			return m, fmt.Errorf("%w: mesh %d: accessor %d has unknown element type", ErrInvalidPayload, uid, a.ID)
		}
		m.Accessors[a.ID] = a
	}
	nv := r.Count(40)
	for i := 0; i < nv && r.Err() == nil; i++ {
		v := BufferView{
			ID:         r.U64(),
			Buffer:     r.U64(),
			ByteOffset: r.U64(),
			ByteLength: r.U64(),
			Stride:     r.U64(),
		}
		m.BufferViews[v.ID] = v
	}
	nb := r.Count(16)
	for i := 0; i < nb && r.Err() == nil; i++ {
		id := r.U64()
		size := r.U64()
		if r.Err() != nil {
			break
		}
		if size > uint64(r.Remaining()) {
			return m, fmt.Errorf("%w: mesh %d: buffer %d declares %d bytes, %d remain", ErrInvalidBufferSize, uid, id, size, r.Remaining())
		}
		m.Buffers[id] = Buffer{ID: id, Data: r.Raw(int(size))}
	}
	if err := readErr(r); err != nil {
		return m, err
	}
	return m, validateMesh(m)
}

// validateMesh checks every reference and byte range in m.
func validateMesh(m Mesh) error {
	for id, v := range m.BufferViews {
		b, ok := m.Buffers[v.Buffer]
		if !ok {
			return fmt.Errorf("%w: mesh %d: view %d references missing buffer %d", ErrInvalidPayload, m.UID, id, v.Buffer)
		}
		if v.ByteOffset > uint64(len(b.Data)) || v.ByteLength > uint64(len(b.Data))-v.ByteOffset {
			return fmt.Errorf("%w: mesh %d: view %d exceeds buffer %d", ErrInvalidBufferSize, m.UID, id, v.Buffer)
		}
	}
	for id, a := range m.Accessors {
		v, ok := m.BufferViews[a.BufferView]
		if !ok {
			return fmt.Errorf("%w: mesh %d: accessor %d references missing view %d", ErrInvalidPayload, m.UID, id, a.BufferView)
		}
		if a.Count == 0 {
			continue
		}
		elem := uint64(a.ElementSize())
		stride := v.Stride
		if stride == 0 {
			stride = elem
		}
		if stride < elem || a.Count > (1<<40) || a.ByteOffset > v.ByteLength || (a.Count > 1 && stride > v.ByteLength) {
			return fmt.Errorf("%w: mesh %d: accessor %d has stride %d for element size %d", ErrInvalidBufferSize, m.UID, id, stride, elem)
		}
		end := a.ByteOffset + (a.Count-1)*stride + elem
		if end > v.ByteLength {
			return fmt.Errorf("%w: mesh %d: accessor %d needs %d bytes of view %d (%d)", ErrInvalidBufferSize, m.UID, id, end, v.ID, v.ByteLength)
		}
	}
	for i, p := range m.Primitives {
		for _, a := range p.Attributes {
			if _, ok := m.Accessors[a.Accessor]; !ok {
				return fmt.Errorf("%w: mesh %d: primitive %d references missing accessor %d", ErrInvalidPayload, m.UID, i, a.Accessor)
			}
		}
		if p.Indices != 0 {
			if _, ok := m.Accessors[p.Indices]; !ok {
				return fmt.Errorf("%w: mesh %d: primitive %d references missing index accessor %d", ErrInvalidPayload, m.UID, i, p.Indices)
			}
		}
	}
	return nil
}

// AttributeData is one accessor's elements, tightly packed.
type AttributeData struct {
	Type      DataType
	Component ComponentType
	Count     int
	Data      []byte
}

// AccessorData copies the accessor's elements out of its buffer, dropping
// any view stride. The mesh must have passed validation.
func (m Mesh) AccessorData(id UID) (AttributeData, error) {
	a, ok := m.Accessors[id]
	if !ok {
		return AttributeData{}, fmt.Errorf("%w: mesh %d: accessor %d not found", ErrInvalidPayload, m.UID, id)
	}
	v := m.BufferViews[a.BufferView]
	b := m.Buffers[v.Buffer]
	elem := a.ElementSize()
	stride := int(v.Stride)
	if stride == 0 {
		stride = elem
	}
	out := make([]byte, int(a.Count)*elem)
	base := int(v.ByteOffset + a.ByteOffset)
	for i := 0; i < int(a.Count); i++ {
		copy(out[i*elem:(i+1)*elem], b.Data[base+i*stride:])
	}
	return AttributeData{Type: a.Type, Component: a.Component, Count: int(a.Count), Data: out}, nil
}

func writeTexture(w *protocol.Writer, t Texture) {
	w.String(t.Name)
	w.U32(t.Width)
	w.U32(t.Height)
	w.U32(t.Depth)
	w.U32(t.BytesPerPixel)
	w.U32(t.ArrayCount)
	w.U32(t.MipCount)
	w.U8(uint8(t.Format))
	w.U8(uint8(t.Compression))
	w.F32(t.ValueScale)
	if t.Compression == CompressionExternal {
		w.U32(0)
		return
	}
	w.U32(uint32(len(t.Images)))
	for _, img := range t.Images {
		w.Blob(img)
	}
}

func readTexture(r *protocol.Reader, uid UID) (Texture, error) {
	t := Texture{
		UID:           uid,
		Name:          r.String(),
		Width:         r.U32(),
		Height:        r.U32(),
		Depth:         r.U32(),
		BytesPerPixel: r.U32(),
		ArrayCount:    r.U32(),
		MipCount:      r.U32(),
		Format:        TextureFormat(r.U8()),
		Compression:   Compression(r.U8()),
		ValueScale:    r.F32(),
	}
	if t.Compression > CompressionExternal && r.Err() == nil {
		return t, fmt.Errorf("%w: texture %d: unknown compression %d", ErrInvalidPayload, uid, t.Compression)
	}
	n := int(r.U32())
	if r.Err() == nil && n > r.Remaining()/4 {
		return t, fmt.Errorf("%w: texture %d: %d images", ErrInvalidBufferSize, uid, n)
	}
	for i := 0; i < n && r.Err() == nil; i++ {
		size := r.U32()
		if r.Err() == nil && int(size) > r.Remaining() {
			return t, fmt.Errorf("%w: texture %d: image %d declares %d bytes, %d remain", ErrInvalidBufferSize, uid, i, size, r.Remaining())
		}
		t.Images = append(t.Images, r.Raw(int(size)))
	}
	return t, readErr(r)
}

// EncodeTextureBody serializes t without record framing. It is the blob
// served for external textures.
func EncodeTextureBody(t Texture) []byte {
	w := protocol.NewWriter(64 + t.ImageBytes())
	writeTexture(w, t)
	return w.Bytes()
}

// DecodeTextureBody parses a blob produced by EncodeTextureBody.
func DecodeTextureBody(uid UID, body []byte) (Texture, error) {
	r := protocol.NewReader(body)
	t, err := readTexture(r, uid)
	if err != nil {
		return t, err
	}
	return t, r.Finish()
}

func writeTextureAccessor(w *protocol.Writer, a TextureAccessor) {
	w.U64(a.Texture)
	w.U8(a.TexCoord)
	w.Vec2(a.Tiling)
	w.F32(a.Strength)
}

func readTextureAccessor(r *protocol.Reader) TextureAccessor {
	return TextureAccessor{Texture: r.U64(), TexCoord: r.U8(), Tiling: r.Vec2(), Strength: r.F32()}
}

func writeMaterial(w *protocol.Writer, m Material) {
	w.String(m.Name)
	w.U8(uint8(m.Mode))
	for _, a := range m.Textures {
		writeTextureAccessor(w, a)
	}
	w.Vec4(m.BaseColorFactor)
	w.F32(m.Metallic)
	w.F32(m.Roughness)
	w.Vec3(m.EmissiveFactor)
	w.Bool(m.DoubleSided)
}

func readMaterial(r *protocol.Reader, uid UID) (Material, error) {
	m := Material{UID: uid, Name: r.String(), Mode: AlphaMode(r.U8())}
	for i := range m.Textures {
		m.Textures[i] = readTextureAccessor(r)
	}
	m.BaseColorFactor = r.Vec4()
	m.Metallic = r.F32()
	m.Roughness = r.F32()
	m.EmissiveFactor = r.Vec3()
	m.DoubleSided = r.Bool()
	return m, readErr(r)
}

func writeMaterialInstance(w *protocol.Writer, mi MaterialInstance) {
	w.U64(mi.Base)
	w.U8(uint8(mi.Mask))
	if mi.Mask&OverrideBaseColor != 0 {
		w.Vec4(mi.BaseColorFactor)
	}
	if mi.Mask&OverrideEmissive != 0 {
		w.Vec3(mi.EmissiveFactor)
	}
	if mi.Mask&OverrideMetallic != 0 {
		w.F32(mi.Metallic)
	}
	if mi.Mask&OverrideRoughness != 0 {
		w.F32(mi.Roughness)
	}
	w.U8(uint8(len(mi.Textures)))
	for _, o := range mi.Textures {
		w.U8(uint8(o.Slot))
		w.U64(o.Texture)
	}
}

func readMaterialInstance(r *protocol.Reader, uid UID) (MaterialInstance, error) {
	mi := MaterialInstance{UID: uid, Base: r.U64(), Mask: OverrideMask(r.U8())}
	if mi.Mask&OverrideBaseColor != 0 {
		mi.BaseColorFactor = r.Vec4()
	}
	if mi.Mask&OverrideEmissive != 0 {
		mi.EmissiveFactor = r.Vec3()
	}
	if mi.Mask&OverrideMetallic != 0 {
		mi.Metallic = r.F32()
	}
	if mi.Mask&OverrideRoughness != 0 {
		mi.Roughness = r.F32()
	}
	n := int(r.U8())
	for i := 0; i < n && r.Err() == nil; i++ {
		o := TextureOverride{Slot: TextureSlot(r.U8()), Texture: r.U64()}
		if o.Slot >= TextureSlotCount && r.Err() == nil {
			return mi, fmt.Errorf("%w: material instance %d: texture slot %d", ErrInvalidPayload, uid, o.Slot)
		}
		mi.Textures = append(mi.Textures, o)
	}
	return mi, readErr(r)
}

func writeNode(w *protocol.Writer, n Node) {
	w.String(n.Name)
	w.Pose(n.Transform)
	w.Vec3(n.Scale)
	w.U64(n.Parent)
	w.U8(uint8(n.Type))
	w.U64(n.Mesh)
	w.U64(n.Skin)
	w.U64(n.TextCanvas)
	w.IDs(n.Materials)
	w.IDs(n.Animations)
	w.I32(n.Priority)
	if n.Type == NodeLight {
		w.Vec4(n.Light.Color)
		w.F32(n.Light.Range)
		w.F32(n.Light.Radius)
		w.U8(uint8(n.Light.Kind))
		w.Vec3(n.Light.Direction)
	}
}

func readNode(r *protocol.Reader, uid UID) (Node, error) {
	n := Node{
		UID:        uid,
		Name:       r.String(),
		Transform:  r.Pose(),
		Scale:      r.Vec3(),
		Parent:     r.U64(),
		Type:       NodeType(r.U8()),
		Mesh:       r.U64(),
		Skin:       r.U64(),
		TextCanvas: r.U64(),
		Materials:  r.IDs(),
		Animations: r.IDs(),
		Priority:   r.I32(),
	}
	if n.Type > NodeText && r.Err() == nil {
		return n, fmt.Errorf("%w: node %d: unknown type %d", ErrInvalidPayload, uid, n.Type)
	}
	if n.Type == NodeLight {
		n.Light = Light{
			Color:     r.Vec4(),
			Range:     r.F32(),
			Radius:    r.F32(),
			Kind:      LightKind(r.U8()),
			Direction: r.Vec3(),
		}
	}
	return n, readErr(r)
}

func writeSkin(w *protocol.Writer, s Skin) {
	w.String(s.Name)
	w.IDs(s.Bones)
	w.U64(uint64(len(s.InverseBindMatrices)))
	for _, m := range s.InverseBindMatrices {
		for _, f := range m {
			w.F32(f)
		}
	}
	w.U64(s.SkeletonRoot)
}

func readSkin(r *protocol.Reader, uid UID) (Skin, error) {
	s := Skin{UID: uid, Name: r.String(), Bones: r.IDs()}
	n := r.Count(64)
	s.InverseBindMatrices = make([][16]float32, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		for j := range s.InverseBindMatrices[i] {
			s.InverseBindMatrices[i][j] = r.F32()
		}
	}
	s.SkeletonRoot = r.U64()
	return s, readErr(r)
}

func writeAnimation(w *protocol.Writer, a Animation) {
	w.String(a.Name)
	w.F32(a.Duration)
	w.U64(uint64(len(a.Tracks)))
	for _, t := range a.Tracks {
		w.U64(t.Node)
		w.U64(uint64(len(t.Positions)))
		for _, k := range t.Positions {
			w.F32(k.Time)
			w.Vec3(k.Value)
		}
		w.U64(uint64(len(t.Rotations)))
		for _, k := range t.Rotations {
			w.F32(k.Time)
			w.Quat(k.Value)
		}
		w.U64(uint64(len(t.Scales)))
		for _, k := range t.Scales {
			w.F32(k.Time)
			w.Vec3(k.Value)
		}
	}
}

func readVec3Keys(r *protocol.Reader) []Vec3Key {
	n := r.Count(16)
	keys := make([]Vec3Key, n)
	for i := range keys {
		keys[i] = Vec3Key{Time: r.F32(), Value: r.Vec3()}
	}
	return keys
}

func readAnimation(r *protocol.Reader, uid UID) (Animation, error) {
	a := Animation{UID: uid, Name: r.String(), Duration: r.F32()}
	nt := r.Count(32)
	a.Tracks = make([]Track, 0, nt)
	for i := 0; i < nt && r.Err() == nil; i++ {
		t := Track{Node: r.U64()}
		t.Positions = readVec3Keys(r)
		nr := r.Count(20)
		t.Rotations = make([]QuatKey, nr)
		for j := range t.Rotations {
			t.Rotations[j] = QuatKey{Time: r.F32(), Value: r.Quat()}
		}
		t.Scales = readVec3Keys(r)
		a.Tracks = append(a.Tracks, t)
	}
	return a, readErr(r)
}

func writeFontAtlas(w *protocol.Writer, f FontAtlas) {
	w.U64(f.Texture)
	w.U16(uint16(len(f.Maps)))
	for _, m := range f.Maps {
		w.U16(m.Size)
		w.F32(m.LineHeight)
		w.U16(uint16(len(m.Glyphs)))
		for _, g := range m.Glyphs {
			w.U16(g.X0)
			w.U16(g.Y0)
			w.U16(g.X1)
			w.U16(g.Y1)
			w.F32(g.XOffset)
			w.F32(g.YOffset)
			w.F32(g.XAdvance)
			w.F32(g.XOffset2)
			w.F32(g.YOffset2)
		}
	}
}

func readFontAtlas(r *protocol.Reader, uid UID) (FontAtlas, error) {
	f := FontAtlas{UID: uid, Texture: r.U64()}
	nm := int(r.U16())
	for i := 0; i < nm && r.Err() == nil; i++ {
		m := FontMap{Size: r.U16(), LineHeight: r.F32()}
		ng := int(r.U16())
		if err := r.Need(ng * 28); err != nil {
			r.Fail(err)
			break
		}
		m.Glyphs = make([]Glyph, ng)
		for j := range m.Glyphs {
			m.Glyphs[j] = Glyph{
				X0: r.U16(), Y0: r.U16(), X1: r.U16(), Y1: r.U16(),
				XOffset: r.F32(), YOffset: r.F32(), XAdvance: r.F32(),
				XOffset2: r.F32(), YOffset2: r.F32(),
			}
		}
		f.Maps = append(f.Maps, m)
	}
	return f, readErr(r)
}

func writeTextCanvas(w *protocol.Writer, c TextCanvas) {
	w.U64(c.FontAtlas)
	w.I32(c.Size)
	w.F32(c.LineHeight)
	w.F32(c.Width)
	w.F32(c.Height)
	w.Vec4(c.Color)
	w.String(c.Text)
}

func readTextCanvas(r *protocol.Reader, uid UID) (TextCanvas, error) {
	c := TextCanvas{
		UID:        uid,
		FontAtlas:  r.U64(),
		Size:       r.I32(),
		LineHeight: r.F32(),
		Width:      r.F32(),
		Height:     r.F32(),
		Color:      r.Vec4(),
		Text:       r.String(),
	}
	return c, readErr(r)
}
