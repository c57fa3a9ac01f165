package scene

// Manifest is the YAML scene description.
type Manifest struct {
	Name              string           `yaml:"name"`
	BoundsRadius      float32          `yaml:"bounds_radius"`
	Textures          []TextureSpec    `yaml:"textures"`
	Materials         []MaterialSpec   `yaml:"materials"`
	MaterialInstances []InstanceSpec   `yaml:"material_instances"`
	Meshes            []MeshSpec       `yaml:"meshes"`
	Skins             []SkinSpec       `yaml:"skins"`
	Animations        []AnimationSpec  `yaml:"animations"`
	Fonts             []FontSpec       `yaml:"fonts"`
	TextCanvases      []TextCanvasSpec `yaml:"text_canvases"`
	Nodes             []NodeSpec       `yaml:"nodes"`
}

type TextureSpec struct {
	ID     uint64   `yaml:"id"`
	Name   string   `yaml:"name"`
	Width  uint32   `yaml:"width"`
	Height uint32   `yaml:"height"`
	Color  [4]uint8 `yaml:"color"`
}

type MaterialSpec struct {
	ID                       uint64      `yaml:"id"`
	Name                     string      `yaml:"name"`
	Alpha                    string      `yaml:"alpha"`
	BaseColor                *[4]float32 `yaml:"base_color"`
	Emissive                 [3]float32  `yaml:"emissive"`
	Metallic                 float32     `yaml:"metallic"`
	Roughness                *float32    `yaml:"roughness"`
	DoubleSided              bool        `yaml:"double_sided"`
	BaseColorTexture         uint64      `yaml:"base_color_texture"`
	MetallicRoughnessTexture uint64      `yaml:"metallic_roughness_texture"`
	NormalTexture            uint64      `yaml:"normal_texture"`
	OcclusionTexture         uint64      `yaml:"occlusion_texture"`
	EmissiveTexture          uint64      `yaml:"emissive_texture"`
}

type InstanceSpec struct {
	ID        uint64            `yaml:"id"`
	Base      uint64            `yaml:"base"`
	BaseColor *[4]float32       `yaml:"base_color"`
	Emissive  *[3]float32       `yaml:"emissive"`
	Metallic  *float32          `yaml:"metallic"`
	Roughness *float32          `yaml:"roughness"`
	Textures  map[string]uint64 `yaml:"textures"`
}

type MeshSpec struct {
	ID       uint64  `yaml:"id"`
	Name     string  `yaml:"name"`
	Shape    string  `yaml:"shape"`
	Size     float32 `yaml:"size"`
	Material uint64  `yaml:"material"`
}

type SkinSpec struct {
	ID    uint64   `yaml:"id"`
	Name  string   `yaml:"name"`
	Bones []uint64 `yaml:"bones"`
	Root  uint64   `yaml:"root"`
}

type Vec3KeySpec struct {
	Time  float32    `yaml:"time"`
	Value [3]float32 `yaml:"value"`
}

type QuatKeySpec struct {
	Time  float32    `yaml:"time"`
	Value [4]float32 `yaml:"value"`
}

type TrackSpec struct {
	Node      uint64        `yaml:"node"`
	Positions []Vec3KeySpec `yaml:"positions"`
	Rotations []QuatKeySpec `yaml:"rotations"`
	Scales    []Vec3KeySpec `yaml:"scales"`
}

type AnimationSpec struct {
	ID       uint64      `yaml:"id"`
	Name     string      `yaml:"name"`
	Duration float32     `yaml:"duration"`
	Tracks   []TrackSpec `yaml:"tracks"`
}

type FontSpec struct {
	ID         uint64  `yaml:"id"`
	Texture    uint64  `yaml:"texture"`
	Size       uint16  `yaml:"size"`
	LineHeight float32 `yaml:"line_height"`
}

type TextCanvasSpec struct {
	ID         uint64      `yaml:"id"`
	Font       uint64      `yaml:"font"`
	Text       string      `yaml:"text"`
	Size       int32       `yaml:"size"`
	LineHeight float32     `yaml:"line_height"`
	Width      float32     `yaml:"width"`
	Height     float32     `yaml:"height"`
	Color      *[4]float32 `yaml:"color"`
}

type LightSpec struct {
	Kind      string      `yaml:"kind"`
	Color     *[4]float32 `yaml:"color"`
	Range     float32     `yaml:"range"`
	Radius    float32     `yaml:"radius"`
	Direction [3]float32  `yaml:"direction"`
}

type NodeSpec struct {
	ID         uint64      `yaml:"id"`
	Name       string      `yaml:"name"`
	Type       string      `yaml:"type"`
	Parent     uint64      `yaml:"parent"`
	Position   [3]float32  `yaml:"position"`
	Rotation   *[4]float32 `yaml:"rotation"`
	Scale      *[3]float32 `yaml:"scale"`
	Mesh       uint64      `yaml:"mesh"`
	Materials  []uint64    `yaml:"materials"`
	Skin       uint64      `yaml:"skin"`
	Animations []uint64    `yaml:"animations"`
	TextCanvas uint64      `yaml:"text_canvas"`
	Priority   int32       `yaml:"priority"`
	Light      *LightSpec  `yaml:"light"`
}
