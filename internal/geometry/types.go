// Package geometry implements the scene resource stream: an encoder that
// packs meshes, materials, textures, nodes and the rest into budgeted
// chunks, and a decoder that rebuilds them on the client, deferring any
// resource whose dependencies have not arrived yet.
package geometry

import (
	"fmt"

	"github.com/danmuck/scenecast/internal/protocol"
)

// UID identifies a resource within one server's scene.
type UID = uint64

type PayloadType uint8

const (
	PayloadInvalid PayloadType = iota
	PayloadMesh
	PayloadMaterial
	PayloadMaterialInstance
	PayloadTexture
	PayloadAnimation
	PayloadNode
	PayloadSkin
	PayloadFontAtlas
	PayloadTextCanvas
	// PayloadShadowMap is reserved; decoding it fails with ErrIncomplete.
	PayloadShadowMap
)

func (p PayloadType) String() string {
	switch p {
	case PayloadInvalid:
		return "invalid"
	case PayloadMesh:
		return "mesh"
	case PayloadMaterial:
		return "material"
	case PayloadMaterialInstance:
		return "material_instance"
	case PayloadTexture:
		return "texture"
	case PayloadAnimation:
		return "animation"
	case PayloadNode:
		return "node"
	case PayloadSkin:
		return "skin"
	case PayloadFontAtlas:
		return "font_atlas"
	case PayloadTextCanvas:
		return "text_canvas"
	case PayloadShadowMap:
		return "shadow_map"
	default:
		return fmt.Sprintf("payload_%d", uint8(p))
	}
}

// SyncMarker precedes every record and the terminal marker of a chunk.
var SyncMarker = [4]byte{0x53, 0x43, 0x4E, 0x2B}

// TerminalLen is the size of the marker closing a chunk.
const TerminalLen = len(SyncMarker) + 1

type Topology uint8

const (
	TopologyPoints Topology = iota
	TopologyLines
	TopologyTriangles
	TopologyTriangleStrip
)

type Semantic uint8

const (
	SemanticPosition Semantic = iota
	SemanticNormal
	SemanticTangent
	SemanticTexCoord0
	SemanticTexCoord1
	SemanticColor
	SemanticJoints
	SemanticWeights
)

type DataType uint8

const (
	DataScalar DataType = iota
	DataVec2
	DataVec3
	DataVec4
	DataMat4
)

// Components is the number of components per element, or 0 if unknown.
func (d DataType) Components() int {
	switch d {
	case DataScalar:
		return 1
	case DataVec2:
		return 2
	case DataVec3:
		return 3
	case DataVec4:
		return 4
	case DataMat4:
		return 16
	default:
		return 0
	}
}

type ComponentType uint8

const (
	ComponentU8 ComponentType = iota
	ComponentU16
	ComponentU32
	ComponentF32
)

// Size is the component width in bytes, or 0 if unknown.
func (c ComponentType) Size() int {
	switch c {
	case ComponentU8:
		return 1
	case ComponentU16:
		return 2
	case ComponentU32, ComponentF32:
		return 4
	default:
		return 0
	}
}

type Attribute struct {
	Semantic Semantic
	Accessor UID
}

type Primitive struct {
	Attributes []Attribute
	Indices    UID
	Material   UID
	Topology   Topology
}

// Accessor describes Count typed elements inside a buffer view.
type Accessor struct {
	ID         UID
	Type       DataType
	Component  ComponentType
	Count      uint64
	BufferView UID
	ByteOffset uint64
}

// ElementSize is the packed size of one element.
func (a Accessor) ElementSize() int {
	return a.Type.Components() * a.Component.Size()
}

// BufferView is a window into a buffer. Stride 0 means tightly packed.
type BufferView struct {
	ID         UID
	Buffer     UID
	ByteOffset uint64
	ByteLength uint64
	Stride     uint64
}

type Buffer struct {
	ID   UID
	Data []byte
}

type Mesh struct {
	UID         UID
	Name        string
	Primitives  []Primitive
	Accessors   map[UID]Accessor
	BufferViews map[UID]BufferView
	Buffers     map[UID]Buffer
}

type TextureFormat uint8

const (
	FormatUnknown TextureFormat = iota
	FormatRGBA8
	FormatBGRA8
	FormatR8
	FormatRGBA16F
	FormatRGBA32F
)

type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	// CompressionExternal records carry no images; the client fetches the
	// full texture body from the side channel.
	CompressionExternal
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionExternal:
		return "external"
	default:
		return fmt.Sprintf("compression_%d", uint8(c))
	}
}

type Texture struct {
	UID           UID
	Name          string
	Width         uint32
	Height        uint32
	Depth         uint32
	BytesPerPixel uint32
	ArrayCount    uint32
	MipCount      uint32
	Format        TextureFormat
	Compression   Compression
	ValueScale    float32
	Images        [][]byte
}

// ImageBytes is the total size of the image payloads.
func (t Texture) ImageBytes() int {
	n := 0
	for _, img := range t.Images {
		n += len(img)
	}
	return n
}

type AlphaMode uint8

const (
	AlphaOpaque AlphaMode = iota
	AlphaMask
	AlphaBlend
)

type TextureSlot uint8

const (
	SlotBaseColor TextureSlot = iota
	SlotMetallicRoughness
	SlotNormal
	SlotOcclusion
	SlotEmissive
	TextureSlotCount
)

type TextureAccessor struct {
	Texture  UID
	TexCoord uint8
	Tiling   protocol.Vec2
	Strength float32
}

type Material struct {
	UID             UID
	Name            string
	Mode            AlphaMode
	Textures        [TextureSlotCount]TextureAccessor
	BaseColorFactor protocol.Vec4
	Metallic        float32
	Roughness       float32
	EmissiveFactor  protocol.Vec3
	DoubleSided     bool
}

type OverrideMask uint8

const (
	OverrideBaseColor OverrideMask = 1 << iota
	OverrideEmissive
	OverrideMetallic
	OverrideRoughness
)

type TextureOverride struct {
	Slot    TextureSlot
	Texture UID
}

// MaterialInstance is a base material with a few values replaced. It is
// stored flattened, as a Material under its own uid.
type MaterialInstance struct {
	UID             UID
	Base            UID
	Mask            OverrideMask
	BaseColorFactor protocol.Vec4
	EmissiveFactor  protocol.Vec3
	Metallic        float32
	Roughness       float32
	Textures        []TextureOverride
}

// Apply flattens the instance onto base.
func (mi MaterialInstance) Apply(base Material) Material {
	out := base
	out.UID = mi.UID
	if mi.Mask&OverrideBaseColor != 0 {
		out.BaseColorFactor = mi.BaseColorFactor
	}
	if mi.Mask&OverrideEmissive != 0 {
		out.EmissiveFactor = mi.EmissiveFactor
	}
	if mi.Mask&OverrideMetallic != 0 {
		out.Metallic = mi.Metallic
	}
	if mi.Mask&OverrideRoughness != 0 {
		out.Roughness = mi.Roughness
	}
	for _, o := range mi.Textures {
		if o.Slot < TextureSlotCount {
			out.Textures[o.Slot].Texture = o.Texture
		}
	}
	return out
}

type NodeType uint8

const (
	NodeEmpty NodeType = iota
	NodeMesh
	NodeLight
	NodeSkinned
	NodeText
)

func (n NodeType) String() string {
	switch n {
	case NodeEmpty:
		return "empty"
	case NodeMesh:
		return "mesh"
	case NodeLight:
		return "light"
	case NodeSkinned:
		return "skinned"
	case NodeText:
		return "text"
	default:
		return fmt.Sprintf("node_%d", uint8(n))
	}
}

type LightKind uint8

const (
	LightPoint LightKind = iota
	LightDirectional
	LightSpot
)

type Light struct {
	Color     protocol.Vec4
	Range     float32
	Radius    float32
	Kind      LightKind
	Direction protocol.Vec3
}

type Node struct {
	UID        UID
	Name       string
	Transform  protocol.Pose
	Scale      protocol.Vec3
	Parent     UID
	Type       NodeType
	Mesh       UID
	Skin       UID
	TextCanvas UID
	Materials  []UID
	Animations []UID
	Priority   int32
	Light      Light
}

type Skin struct {
	UID                 UID
	Name                string
	Bones               []UID
	InverseBindMatrices [][16]float32
	SkeletonRoot        UID
}

type Vec3Key struct {
	Time  float32
	Value protocol.Vec3
}

type QuatKey struct {
	Time  float32
	Value protocol.Quat
}

type Track struct {
	Node      UID
	Positions []Vec3Key
	Rotations []QuatKey
	Scales    []Vec3Key
}

type Animation struct {
	UID      UID
	Name     string
	Duration float32
	Tracks   []Track
}

type Glyph struct {
	X0, Y0, X1, Y1                                 uint16
	XOffset, YOffset, XAdvance, XOffset2, YOffset2 float32
}

type FontMap struct {
	Size       uint16
	LineHeight float32
	Glyphs     []Glyph
}

type FontAtlas struct {
	UID     UID
	Texture UID
	Maps    []FontMap
}

type TextCanvas struct {
	UID        UID
	FontAtlas  UID
	Size       int32
	LineHeight float32
	Width      float32
	Height     float32
	Color      protocol.Vec4
	Text       string
}
