package scene

import (
	"encoding/binary"
	"math"

	"github.com/chewxy/math32"
	"github.com/danmuck/scenecast/internal/geometry"
)

// Procedural meshes share one layout: an interleaved position, normal and
// uv0 view followed by a u16 index view, both in buffer 1.
const (
	accPosition geometry.UID = iota + 1
	accNormal
	accUV
	accIndices
	viewVertices geometry.UID = 1
	viewIndices  geometry.UID = 2
	meshBuffer   geometry.UID = 1
	vertexStride              = 32
)

type vertex struct {
	pos, normal [3]float32
	uv          [2]float32
}

func putF32(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }

func buildMesh(uid geometry.UID, name string, material geometry.UID, verts []vertex, indices []uint16) geometry.Mesh {
	vbytes := len(verts) * vertexStride
	data := make([]byte, vbytes+len(indices)*2)
	for i, v := range verts {
		o := i * vertexStride
		for c := 0; c < 3; c++ {
			putF32(data[o+c*4:], v.pos[c])
			putF32(data[o+12+c*4:], v.normal[c])
		}
		putF32(data[o+24:], v.uv[0])
		putF32(data[o+28:], v.uv[1])
	}
	for i, idx := range indices {
		binary.LittleEndian.PutUint16(data[vbytes+i*2:], idx)
	}
	n := uint64(len(verts))
	return geometry.Mesh{
		UID:  uid,
		Name: name,
		Primitives: []geometry.Primitive{{
			Attributes: []geometry.Attribute{
				{Semantic: geometry.SemanticPosition, Accessor: accPosition},
				{Semantic: geometry.SemanticNormal, Accessor: accNormal},
				{Semantic: geometry.SemanticTexCoord0, Accessor: accUV},
			},
			Indices:  accIndices,
			Material: material,
			Topology: geometry.TopologyTriangles,
		}},
		Accessors: map[geometry.UID]geometry.Accessor{
			accPosition: {ID: accPosition, Type: geometry.DataVec3, Component: geometry.ComponentF32, Count: n, BufferView: viewVertices},
			accNormal:   {ID: accNormal, Type: geometry.DataVec3, Component: geometry.ComponentF32, Count: n, BufferView: viewVertices, ByteOffset: 12},
			accUV:       {ID: accUV, Type: geometry.DataVec2, Component: geometry.ComponentF32, Count: n, BufferView: viewVertices, ByteOffset: 24},
			accIndices:  {ID: accIndices, Type: geometry.DataScalar, Component: geometry.ComponentU16, Count: uint64(len(indices)), BufferView: viewIndices},
		},
		BufferViews: map[geometry.UID]geometry.BufferView{
			viewVertices: {ID: viewVertices, Buffer: meshBuffer, ByteLength: uint64(vbytes), Stride: vertexStride},
			viewIndices:  {ID: viewIndices, Buffer: meshBuffer, ByteOffset: uint64(vbytes), ByteLength: uint64(len(indices) * 2)},
		},
		Buffers: map[geometry.UID]geometry.Buffer{
			meshBuffer: {ID: meshBuffer, Data: data},
		},
	}
}

// Cube is an axis aligned cube of edge size centred on the origin, with
// four vertices per face so normals stay flat.
func Cube(uid geometry.UID, name string, size float32, material geometry.UID) geometry.Mesh {
	h := size / 2
	faces := []struct {
		normal  [3]float32
		corners [4][3]float32
	}{
		{[3]float32{0, 0, 1}, [4][3]float32{{-h, -h, h}, {h, -h, h}, {h, h, h}, {-h, h, h}}},
		{[3]float32{0, 0, -1}, [4][3]float32{{h, -h, -h}, {-h, -h, -h}, {-h, h, -h}, {h, h, -h}}},
		{[3]float32{1, 0, 0}, [4][3]float32{{h, -h, h}, {h, -h, -h}, {h, h, -h}, {h, h, h}}},
		{[3]float32{-1, 0, 0}, [4][3]float32{{-h, -h, -h}, {-h, -h, h}, {-h, h, h}, {-h, h, -h}}},
		{[3]float32{0, 1, 0}, [4][3]float32{{-h, h, h}, {h, h, h}, {h, h, -h}, {-h, h, -h}}},
		{[3]float32{0, -1, 0}, [4][3]float32{{-h, -h, -h}, {h, -h, -h}, {h, -h, h}, {-h, -h, h}}},
	}
	uvs := [4][2]float32{{0, 1}, {1, 1}, {1, 0}, {0, 0}}
	verts := make([]vertex, 0, 24)
	indices := make([]uint16, 0, 36)
	for _, f := range faces {
		base := uint16(len(verts))
		for i, c := range f.corners {
			verts = append(verts, vertex{pos: c, normal: f.normal, uv: uvs[i]})
		}
		indices = append(indices, base, base+1, base+2, base, base+2, base+3)
	}
	return buildMesh(uid, name, material, verts, indices)
}

// Quad is a size by size square on the XZ plane facing +Y.
func Quad(uid geometry.UID, name string, size float32, material geometry.UID) geometry.Mesh {
	h := size / 2
	up := [3]float32{0, 1, 0}
	verts := []vertex{
		{pos: [3]float32{-h, 0, h}, normal: up, uv: [2]float32{0, 1}},
		{pos: [3]float32{h, 0, h}, normal: up, uv: [2]float32{1, 1}},
		{pos: [3]float32{h, 0, -h}, normal: up, uv: [2]float32{1, 0}},
		{pos: [3]float32{-h, 0, -h}, normal: up, uv: [2]float32{0, 0}},
	}
	return buildMesh(uid, name, material, verts, []uint16{0, 1, 2, 0, 2, 3})
}

// meshRadius is the largest vertex distance from the origin across all
// f32 vec3 position accessors.
func meshRadius(m geometry.Mesh) float32 {
	var r float32
	for _, p := range m.Primitives {
		for _, a := range p.Attributes {
			if a.Semantic != geometry.SemanticPosition {
				continue
			}
			data, err := m.AccessorData(a.Accessor)
			if err != nil || data.Type != geometry.DataVec3 || data.Component != geometry.ComponentF32 {
				continue
			}
			for o := 0; o+12 <= len(data.Data); o += 12 {
				x := math.Float32frombits(binary.LittleEndian.Uint32(data.Data[o:]))
				y := math.Float32frombits(binary.LittleEndian.Uint32(data.Data[o+4:]))
				z := math.Float32frombits(binary.LittleEndian.Uint32(data.Data[o+8:]))
				if d := math32.Sqrt(x*x + y*y + z*z); d > r {
					r = d
				}
			}
		}
	}
	return r
}

// SolidTexture is a single-mip RGBA8 texture filled with one colour.
func SolidTexture(uid geometry.UID, name string, width, height uint32, rgba [4]uint8) geometry.Texture {
	if width == 0 {
		width = 1
	}
	if height == 0 {
		height = 1
	}
	img := make([]byte, int(width*height)*4)
	for i := 0; i < len(img); i += 4 {
		copy(img[i:i+4], rgba[:])
	}
	return geometry.Texture{
		UID:           uid,
		Name:          name,
		Width:         width,
		Height:        height,
		Depth:         1,
		BytesPerPixel: 4,
		ArrayCount:    1,
		MipCount:      1,
		Format:        geometry.FormatRGBA8,
		ValueScale:    1,
		Images:        [][]byte{img},
	}
}

const (
	firstGlyph   = 32
	lastGlyph    = 126
	glyphColumns = 16
)

// MonospaceAtlas lays printable ASCII out on a fixed grid over the
// texture.
func MonospaceAtlas(uid, texture geometry.UID, size uint16, lineHeight float32, tex geometry.Texture) geometry.FontAtlas {
	count := lastGlyph - firstGlyph + 1
	rows := (count + glyphColumns - 1) / glyphColumns
	cellW := uint16(tex.Width / glyphColumns)
	cellH := uint16(tex.Height / uint32(rows))
	if lineHeight == 0 {
		lineHeight = float32(cellH)
	}
	glyphs := make([]geometry.Glyph, count)
	for i := range glyphs {
		x0 := uint16(i%glyphColumns) * cellW
		y0 := uint16(i/glyphColumns) * cellH
		glyphs[i] = geometry.Glyph{
			X0: x0, Y0: y0, X1: x0 + cellW, Y1: y0 + cellH,
			XAdvance: float32(cellW),
			XOffset2: float32(cellW),
			YOffset2: float32(cellH),
		}
	}
	return geometry.FontAtlas{
		UID:     uid,
		Texture: texture,
		Maps:    []geometry.FontMap{{Size: size, LineHeight: lineHeight, Glyphs: glyphs}},
	}
}
