package geometry

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/danmuck/scenecast/internal/protocol"
	"github.com/danmuck/scenecast/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func f32s(vals ...float32) []byte {
	out := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
	}
	return out
}

// triangleMesh interleaves positions and normals in buffer 1 and keeps
// u16 indices in buffer 2. Accessor 999 is never referenced.
func triangleMesh() (Mesh, []byte, []byte, []byte) {
	positions := f32s(0, 0, 0, 1, 0, 0, 0, 1, 0)
	normals := f32s(0, 0, 1, 0, 0, 1, 0, 0, 1)
	var interleaved []byte
	for i := 0; i < 3; i++ {
		interleaved = append(interleaved, positions[i*12:(i+1)*12]...)
		interleaved = append(interleaved, normals[i*12:(i+1)*12]...)
	}
	indices := []byte{0, 0, 1, 0, 2, 0}
	m := Mesh{
		UID:  7,
		Name: "triangle",
		Primitives: []Primitive{
			{
				Attributes: []Attribute{{SemanticPosition, 100}, {SemanticNormal, 101}},
				Indices:    102,
				Material:   9,
				Topology:   TopologyTriangles,
			},
			{
				Attributes: []Attribute{{SemanticPosition, 100}},
				Topology:   TopologyPoints,
			},
		},
		Accessors: map[UID]Accessor{
			100: {ID: 100, Type: DataVec3, Component: ComponentF32, Count: 3, BufferView: 10},
			101: {ID: 101, Type: DataVec3, Component: ComponentF32, Count: 3, BufferView: 10, ByteOffset: 12},
			102: {ID: 102, Type: DataScalar, Component: ComponentU16, Count: 3, BufferView: 11},
			999: {ID: 999, Type: DataScalar, Component: ComponentU8, Count: 1, BufferView: 11},
		},
		BufferViews: map[UID]BufferView{
			10: {ID: 10, Buffer: 1, ByteLength: uint64(len(interleaved)), Stride: 24},
			11: {ID: 11, Buffer: 2, ByteLength: uint64(len(indices))},
		},
		Buffers: map[UID]Buffer{
			1: {ID: 1, Data: interleaved},
			2: {ID: 2, Data: indices},
		},
	}
	return m, positions, normals, indices
}

func chunkOf(t *testing.T, fn func(e *Encoder) (bool, error)) []byte {
	t.Helper()
	e := NewEncoder(EncoderConfig{ChunkBudget: 1 << 20})
	_, err := fn(e)
	require.NoError(t, err)
	c, ok := e.TakeChunk()
	require.True(t, ok)
	return c
}

func TestMeshRoundTripAndIdempotentAssemble(t *testing.T) {
	testlog.Start(t)
	m, positions, normals, indices := triangleMesh()
	chunk := chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeMesh(m) })

	store := newMemStore()
	dec := NewDecoder(store)
	require.NoError(t, dec.DecodeChunk(chunk))
	require.NoError(t, dec.DecodeChunk(chunk))

	require.Equal(t, 2, store.assembles)
	require.Len(t, store.meshes, 1)
	info := store.meshes[7]
	require.Equal(t, "triangle", info.Name)
	require.Equal(t, 3, info.Primitives[0].VertexCount)
	require.Equal(t, 3, info.Primitives[0].IndexCount)
	require.Equal(t, UID(9), info.Primitives[0].Material)

	require.Equal(t, positions, store.attrs["7/0/pos"].Data)
	require.Equal(t, normals, store.attrs["7/0/nrm"].Data)
	require.Equal(t, indices, store.attrs["7/0/idx"].Data)
	require.Equal(t, positions, store.attrs["7/1/pos"].Data)
	require.Equal(t, ComponentU16, store.attrs["7/0/idx"].Component)
}

func TestMeshWireDeduplicatesReachableParts(t *testing.T) {
	testlog.Start(t)
	m, _, _, _ := triangleMesh()
	w := protocol.NewWriter(256)
	require.NoError(t, writeMesh(w, m))
	got, err := readMesh(protocol.NewReader(w.Bytes()), 7)
	require.NoError(t, err)
	require.Len(t, got.Accessors, 3)
	require.NotContains(t, got.Accessors, UID(999))
	require.Len(t, got.BufferViews, 2)
	require.Len(t, got.Buffers, 2)
}

func TestMeshDecodeRejectsOversizedBuffer(t *testing.T) {
	testlog.Start(t)
	m, _, _, _ := triangleMesh()
	w := protocol.NewWriter(256)
	w.U64(1)
	w.U64(m.UID)
	require.NoError(t, writeMesh(w, m))
	body := w.Bytes()
	// cut the tail of the index buffer
	err := NewDecoder(newMemStore()).Decode(body[:len(body)-2], PayloadMesh)
	require.ErrorIs(t, err, ErrInvalidBufferSize)

	bad := m
	bad.BufferViews = map[UID]BufferView{
		10: m.BufferViews[10],
		11: {ID: 11, Buffer: 2, ByteLength: 64},
	}
	w = protocol.NewWriter(256)
	w.U64(1)
	w.U64(m.UID)
	require.NoError(t, writeMesh(w, bad))
	err = NewDecoder(newMemStore()).Decode(w.Bytes(), PayloadMesh)
	require.ErrorIs(t, err, ErrInvalidBufferSize)
}

func scenarioResources() (Node, Material, Texture) {
	tex := Texture{UID: 3, Name: "albedo", Width: 1, Height: 1, Depth: 1, BytesPerPixel: 4, ArrayCount: 1, MipCount: 1,
		Format: FormatRGBA8, ValueScale: 1, Images: [][]byte{{255, 0, 0, 255}}}
	mat := Material{UID: 9, Name: "red", BaseColorFactor: protocol.Vec4{X: 1, Y: 1, Z: 1, W: 1}, Roughness: 0.5}
	mat.Textures[SlotBaseColor] = TextureAccessor{Texture: 3, Tiling: protocol.Vec2{X: 1, Y: 1}, Strength: 1}
	node := Node{UID: 5, Name: "box", Transform: protocol.Pose{Orientation: protocol.IdentityQuat},
		Scale: protocol.Vec3{X: 1, Y: 1, Z: 1}, Type: NodeMesh, Materials: []UID{9, 9}}
	return node, mat, tex
}

func TestNodeMaterialTextureScenario(t *testing.T) {
	testlog.Start(t)
	node, mat, tex := scenarioResources()
	nodeChunk := chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeNode(node) })
	texChunk := chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeTexture(tex) })
	matChunk := chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeMaterials(mat) })

	store := newMemStore()
	dec := NewDecoder(store)

	require.NoError(t, dec.DecodeChunk(nodeChunk))
	missing, ok := dec.Tracker().Missing(9)
	require.True(t, ok)
	require.Equal(t, PayloadMaterial, missing.Type)
	require.Contains(t, missing.Waiting, UID(5))
	inc, ok := dec.Tracker().Incomplete(5)
	require.True(t, ok)
	require.Equal(t, []int{0, 1}, inc.MaterialSlots[9])
	require.False(t, store.Has(PayloadNode, 5))

	require.NoError(t, dec.DecodeChunk(texChunk))
	require.Equal(t, []UID{9}, dec.MissingIDs())
	require.False(t, store.Has(PayloadNode, 5))

	require.NoError(t, dec.DecodeChunk(matChunk))
	require.True(t, store.Has(PayloadMaterial, 9))
	require.True(t, store.Has(PayloadNode, 5))
	require.Empty(t, dec.MissingIDs())
	incomplete, missingCount := dec.Tracker().Len()
	require.Zero(t, incomplete)
	require.Zero(t, missingCount)
	require.Equal(t, []UID{9, 9}, store.nodes[5].Materials)
}

func TestDependencyResolutionIsOrderIndependent(t *testing.T) {
	testlog.Start(t)
	node, mat, tex := scenarioResources()
	chunks := [][]byte{
		chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeNode(node) }),
		chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeMaterials(mat) }),
		chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeTexture(tex) }),
	}
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	var want *memStore
	for _, order := range orders {
		store := newMemStore()
		dec := NewDecoder(store)
		for _, i := range order {
			require.NoError(t, dec.DecodeChunk(chunks[i]))
		}
		require.Empty(t, dec.MissingIDs(), "order %v", order)
		if want == nil {
			want = store
			continue
		}
		require.Equal(t, want.nodes, store.nodes, "order %v", order)
		require.Equal(t, want.materials, store.materials, "order %v", order)
		require.Equal(t, want.textures, store.textures, "order %v", order)
	}
}

func TestMaterialInstanceFlattensOntoBase(t *testing.T) {
	testlog.Start(t)
	_, base, tex3 := scenarioResources()
	base.Metallic = 0.75
	tex4 := tex3
	tex4.UID = 4
	inst := MaterialInstance{
		UID:             11,
		Base:            9,
		Mask:            OverrideBaseColor | OverrideRoughness,
		BaseColorFactor: protocol.Vec4{X: 1, W: 1},
		Roughness:       0.25,
		Textures:        []TextureOverride{{Slot: SlotEmissive, Texture: 4}},
	}

	store := newMemStore()
	dec := NewDecoder(store)
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeMaterialInstance(inst) })))
	require.Equal(t, []UID{4, 9}, dec.MissingIDs())
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeTexture(tex4) })))
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeMaterials(base) })))
	require.Equal(t, []UID{3, 9}, dec.MissingIDs())
	require.False(t, store.Has(PayloadMaterial, 11))
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeTexture(tex3) })))

	got, ok := store.Material(11)
	require.True(t, ok)
	require.Equal(t, inst.Apply(base), got)
	require.Equal(t, UID(11), got.UID)
	require.Equal(t, float32(0.75), got.Metallic)
	require.Equal(t, float32(0.25), got.Roughness)
	require.Equal(t, UID(4), got.Textures[SlotEmissive].Texture)
	require.Equal(t, UID(3), got.Textures[SlotBaseColor].Texture)
	require.Empty(t, dec.MissingIDs())
}

func TestDeferredTextureResolvesWaiters(t *testing.T) {
	testlog.Start(t)
	_, mat, tex := scenarioResources()
	store := newMemStore()
	store.deferAll = true
	dec := NewDecoder(store)
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeMaterials(mat) })))
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeTexture(tex) })))
	require.False(t, store.Has(PayloadMaterial, 9))
	require.Len(t, store.deferred, 1)

	store.textures[3] = store.deferred[0]
	require.NoError(t, dec.Resolved(PayloadTexture, 3))
	require.True(t, store.Has(PayloadMaterial, 9))
}

func TestTextCanvasChainCompletes(t *testing.T) {
	testlog.Start(t)
	_, _, tex := scenarioResources()
	tex.UID = 29
	atlas := FontAtlas{UID: 30, Texture: 29, Maps: []FontMap{{Size: 16, LineHeight: 18, Glyphs: []Glyph{{X1: 8, Y1: 16, XAdvance: 9}}}}}
	canvas := TextCanvas{UID: 31, FontAtlas: 30, Size: 16, LineHeight: 18, Width: 2, Height: 1, Color: protocol.Vec4{W: 1}, Text: "hello"}

	store := newMemStore()
	dec := NewDecoder(store)
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeTextCanvas(canvas) })))
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeFontAtlas(atlas) })))
	require.Equal(t, []UID{29, 30}, dec.MissingIDs())
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeTexture(tex) })))

	require.Equal(t, atlas, store.atlases[30])
	require.Equal(t, canvas, store.canvases[31])
	require.Empty(t, dec.MissingIDs())
}

func TestSkinAndAnimationRoundTrip(t *testing.T) {
	testlog.Start(t)
	skin := Skin{UID: 40, Name: "rig", Bones: []UID{41, 42}, SkeletonRoot: 41,
		InverseBindMatrices: [][16]float32{{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}}}
	anim := Animation{UID: 50, Name: "wave", Duration: 2, Tracks: []Track{{
		Node:      42,
		Positions: []Vec3Key{{Time: 0}, {Time: 1, Value: protocol.Vec3{Y: 1}}},
		Rotations: []QuatKey{{Time: 0, Value: protocol.IdentityQuat}},
		Scales:    []Vec3Key{{Time: 0, Value: protocol.Vec3{X: 1, Y: 1, Z: 1}}},
	}}}
	store := newMemStore()
	store.nodes[41] = Node{UID: 41}
	store.nodes[42] = Node{UID: 42}
	dec := NewDecoder(store)
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeSkin(skin) })))
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeAnimation(anim) })))
	require.Equal(t, skin, store.skins[40])
	require.Equal(t, anim, store.animations[50])
}

func boneNode(uid, skin UID) Node {
	return Node{UID: uid, Name: "bone", Transform: protocol.Pose{Orientation: protocol.IdentityQuat},
		Scale: protocol.Vec3{X: 1, Y: 1, Z: 1}, Type: NodeEmpty, Skin: skin}
}

func TestSkinWaitsForBoneNodes(t *testing.T) {
	testlog.Start(t)
	skin := Skin{UID: 40, Name: "rig", Bones: []UID{41, 42}, SkeletonRoot: 41}
	store := newMemStore()
	dec := NewDecoder(store)

	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeSkin(skin) })))
	require.False(t, store.Has(PayloadSkin, 40))
	require.True(t, dec.Tracker().IsIncomplete(40))
	require.Equal(t, []UID{41, 42}, dec.MissingIDs())

	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeNode(boneNode(41, 0)) })))
	require.False(t, store.Has(PayloadSkin, 40))
	require.Equal(t, []UID{42}, dec.MissingIDs())

	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeNode(boneNode(42, 0)) })))
	require.True(t, store.Has(PayloadSkin, 40))
	require.False(t, dec.Tracker().IsIncomplete(40))
	require.Empty(t, dec.MissingIDs())
}

func TestSkinnedBoneNodeDoesNotDeadlock(t *testing.T) {
	testlog.Start(t)
	// node 43 is both a bone of skin 40 and skinned by it
	skin := Skin{UID: 40, Name: "rig", Bones: []UID{41, 43}, SkeletonRoot: 41}
	store := newMemStore()
	dec := NewDecoder(store)

	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeSkin(skin) })))
	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeNode(boneNode(43, 40)) })))
	require.True(t, store.Has(PayloadNode, 43))
	require.Equal(t, []UID{41}, dec.MissingIDs())

	require.NoError(t, dec.DecodeChunk(chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeNode(boneNode(41, 0)) })))
	require.True(t, store.Has(PayloadSkin, 40))
	require.Empty(t, dec.MissingIDs())
}

func TestEncoderSendsBonesBeforeSkin(t *testing.T) {
	testlog.Start(t)
	src := newMemSource()
	src.skins[40] = Skin{UID: 40, Name: "rig", Bones: []UID{41, 42}, SkeletonRoot: 41}
	src.nodes[41] = boneNode(41, 0)
	src.nodes[42] = boneNode(42, 0)
	peer := newMemPeer()
	peer.requested = []UID{40}

	enc := NewEncoder(EncoderConfig{ChunkBudget: 1 << 16})
	require.NoError(t, enc.EncodeTick(src, peer, nil))
	chunk, ok := enc.TakeChunk()
	require.True(t, ok)

	store := newMemStore()
	dec := NewDecoder(store)
	require.NoError(t, dec.DecodeChunk(chunk))
	require.True(t, store.Has(PayloadSkin, 40))
	require.Empty(t, dec.MissingIDs())
}

func TestDecodeChunkRealignsAfterBadRecord(t *testing.T) {
	testlog.Start(t)
	_, mat, _ := scenarioResources()
	mat.Textures = [TextureSlotCount]TextureAccessor{}
	good := chunkOf(t, func(e *Encoder) (bool, error) { return e.EncodeMaterials(mat) })

	w := protocol.NewWriter(32)
	w.Raw(SyncMarker[:])
	w.U8(uint8(PayloadMesh))
	w.U64(1)
	w.U64(77)
	w.U16(0xFFFF)
	chunk := append(w.Bytes(), good...)

	store := newMemStore()
	err := NewDecoder(store).DecodeChunk(chunk)
	require.ErrorIs(t, err, ErrInvalidBufferSize)
	require.True(t, store.Has(PayloadMaterial, 9))
}

func TestUnknownAndReservedPayloadTypes(t *testing.T) {
	testlog.Start(t)
	dec := NewDecoder(newMemStore())
	require.ErrorIs(t, dec.Decode([]byte{0, 0, 0, 0, 0, 0, 0, 0}, PayloadShadowMap), ErrIncomplete)
	require.ErrorIs(t, dec.Decode(nil, PayloadType(42)), ErrInvalidPayload)
}

func TestEncoderOrdersDependenciesFirst(t *testing.T) {
	testlog.Start(t)
	mesh, _, _, _ := triangleMesh()
	node, mat, tex := scenarioResources()
	node.Mesh = mesh.UID
	node.Materials = []UID{9}
	light := Node{UID: 6, Type: NodeLight, Light: Light{Color: protocol.Vec4{X: 1, Y: 1, Z: 1, W: 1}, Range: 10}}
	src := newMemSource()
	src.meshes[mesh.UID] = mesh
	src.nodes[5] = node
	src.nodes[6] = light
	src.materials[9] = mat
	src.textures[3] = tex
	src.animations[20] = Animation{UID: 20, Name: "idle"}

	peer := newMemPeer()
	peer.requested = []UID{20}
	enc := NewEncoder(EncoderConfig{ChunkBudget: 1 << 20})
	require.NoError(t, enc.EncodeTick(src, peer, []UID{6, 5}))
	require.Equal(t, []UID{20, 7, 3, 9, 5, 6}, peer.encoded)
	require.Empty(t, peer.requested)

	chunk, ok := enc.TakeChunk()
	require.True(t, ok)
	store := newMemStore()
	require.NoError(t, NewDecoder(store).DecodeChunk(chunk))
	require.True(t, store.Has(PayloadNode, 5))
	require.True(t, store.Has(PayloadNode, 6))
	require.Equal(t, float32(10), store.nodes[6].Light.Range)

	held := newMemPeer()
	held.has[9] = true
	enc = NewEncoder(EncoderConfig{ChunkBudget: 1 << 20})
	require.NoError(t, enc.EncodeTick(src, held, []UID{5}))
	require.Equal(t, []UID{7, 5}, held.encoded)
}

func TestChunkBudgetInvariant(t *testing.T) {
	testlog.Start(t)
	const budget = 1024
	src := newMemSource()
	peer := newMemPeer()
	for uid := UID(1); uid <= 40; uid++ {
		size := int(uid*37)%900 + 1
		if uid == 40 {
			size = 3000
		}
		src.textures[uid] = Texture{UID: uid, Name: "t", Width: uint32(size), Height: 1, Depth: 1,
			BytesPerPixel: 1, ArrayCount: 1, MipCount: 1, Format: FormatR8, ValueScale: 1,
			Images: [][]byte{bytes.Repeat([]byte{1}, size)}}
		peer.requested = append(peer.requested, uid)
	}

	enc := NewEncoder(EncoderConfig{ChunkBudget: budget})
	store := newMemStore()
	dec := NewDecoder(store)
	for tick := 0; tick < 200 && (len(peer.requested) > 0 || enc.Pending() > 0); tick++ {
		require.NoError(t, enc.EncodeTick(src, peer, nil))
		for {
			chunk, ok := enc.TakeChunk()
			if !ok {
				break
			}
			records, recordBytes := chunkRecords(chunk)
			require.GreaterOrEqual(t, records, 1)
			if len(chunk) > budget {
				require.Equal(t, 1, records, "oversized chunk must hold exactly one record")
				require.Greater(t, recordBytes, budget, "oversized chunk record must not fit on its own")
			}
			require.NoError(t, dec.DecodeChunk(chunk))
		}
	}
	require.Len(t, store.textures, 40)
	require.Len(t, store.textures[40].Images[0], 3000)
	require.Len(t, store.textures[17].Images[0], int(17*37)%900+1)
}

var terminalMarker = append(SyncMarker[:len(SyncMarker):len(SyncMarker)], byte(PayloadInvalid))

// chunkRecords counts the records in chunk and the bytes they take,
// excluding a closing terminal marker.
func chunkRecords(chunk []byte) (records, recordBytes int) {
	records = bytes.Count(chunk, SyncMarker[:])
	recordBytes = len(chunk)
	if bytes.HasSuffix(chunk, terminalMarker) {
		records--
		recordBytes -= TerminalLen
	}
	return records, recordBytes
}

func TestChunkBudgetAtTerminalBoundary(t *testing.T) {
	testlog.Start(t)
	const budget = 256
	sawBare := false
	for size := 150; size <= 260; size++ {
		enc := NewEncoder(EncoderConfig{ChunkBudget: budget})
		tex := Texture{UID: 5, Name: "t", Width: uint32(size), Height: 1, Depth: 1,
			BytesPerPixel: 1, ArrayCount: 1, MipCount: 1, Format: FormatR8, ValueScale: 1,
			Images: [][]byte{bytes.Repeat([]byte{1}, size)}}
		_, err := enc.EncodeTexture(tex)
		require.NoError(t, err)
		chunk, ok := enc.TakeChunk()
		require.True(t, ok)

		records, recordBytes := chunkRecords(chunk)
		require.Equal(t, 1, records, "size %d", size)
		if len(chunk) > budget {
			require.Greater(t, recordBytes, budget, "size %d: chunk %d over budget with a record that fits", size, len(chunk))
		}
		if recordBytes == len(chunk) {
			sawBare = true
			require.LessOrEqual(t, len(chunk), budget)
		}

		store := newMemStore()
		require.NoError(t, NewDecoder(store).DecodeChunk(chunk), "size %d", size)
		require.Len(t, store.textures[5].Images[0], size)
	}
	require.True(t, sawBare, "sweep never reached the terminal boundary")
}

func TestTextureCompressionAndExternalBodies(t *testing.T) {
	testlog.Start(t)
	raw := bytes.Repeat([]byte{7, 7, 7, 9}, 64)
	tex := Texture{UID: 60, Name: "big", Width: 8, Height: 8, Depth: 1, BytesPerPixel: 4, ArrayCount: 1, MipCount: 1,
		Format: FormatRGBA8, ValueScale: 1, Images: [][]byte{raw}}
	assets := memAssets{}
	enc := NewEncoder(EncoderConfig{ChunkBudget: 1 << 16, CompressTextures: true, ExternalTextureBytes: 4, Assets: assets})
	_, err := enc.EncodeTexture(tex)
	require.NoError(t, err)
	chunk, ok := enc.TakeChunk()
	require.True(t, ok)

	store := newMemStore()
	require.NoError(t, NewDecoder(store).DecodeChunk(chunk))
	stub := store.textures[60]
	require.Equal(t, CompressionExternal, stub.Compression)
	require.Empty(t, stub.Images)

	body, ok := assets[60]
	require.True(t, ok)
	full, err := DecodeTextureBody(60, body)
	require.NoError(t, err)
	require.Equal(t, CompressionZstd, full.Compression)
	plain, err := DecompressTexture(full)
	require.NoError(t, err)
	require.Equal(t, CompressionNone, plain.Compression)
	require.Equal(t, raw, plain.Images[0])

	_, err = DecompressTexture(stub)
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestTrackerKeepsFirstTypeAndReplacesReregistration(t *testing.T) {
	testlog.Start(t)
	tr := NewTracker()
	tr.Register(&Incomplete{UID: 1, Type: PayloadNode, Pending: map[UID]PayloadType{9: PayloadMaterial}})
	tr.Register(&Incomplete{UID: 2, Type: PayloadNode, Pending: map[UID]PayloadType{9: PayloadTexture}})
	m, ok := tr.Missing(9)
	require.True(t, ok)
	require.Equal(t, PayloadMaterial, m.Type)
	require.Len(t, m.Waiting, 2)

	tr.Register(&Incomplete{UID: 1, Type: PayloadNode, Pending: map[UID]PayloadType{8: PayloadMesh}})
	m, _ = tr.Missing(9)
	require.Len(t, m.Waiting, 1)
	require.Equal(t, []UID{8, 9}, tr.MissingIDs())

	ready := tr.Resolve(9)
	require.Len(t, ready, 1)
	require.Equal(t, UID(2), ready[0].UID)
	require.Nil(t, tr.Resolve(9))

	tr.Reset()
	incomplete, missing := tr.Len()
	require.Zero(t, incomplete)
	require.Zero(t, missing)
}
