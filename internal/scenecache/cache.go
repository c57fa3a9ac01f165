// Package scenecache holds a client's decoded scene: one TTL cache per
// resource kind, fed by the geometry decoder.
package scenecache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/danmuck/scenecast/internal/rescache"
	"github.com/rs/zerolog/log"
)

const DefaultLifetime = 30 * time.Second

type Config struct {
	// Lifetime is how long an unreferenced resource survives.
	Lifetime       time.Duration
	LifetimeFactor float64
	// Transcoder finishes compressed and external textures off the tick.
	// When nil, zstd textures are decompressed inline and external ones fail.
	Transcoder *Transcoder
}

// PrimitiveData is the de-strided vertex data of one mesh primitive.
type PrimitiveData struct {
	Vertices  geometry.AttributeData
	Normals   geometry.AttributeData
	Tangents  geometry.AttributeData
	TexCoords [2]geometry.AttributeData
	Colors    geometry.AttributeData
	Joints    geometry.AttributeData
	Weights   geometry.AttributeData
	Indices   geometry.AttributeData
}

// MeshData is an assembled mesh.
type MeshData struct {
	Info       geometry.MeshInfo
	Primitives []PrimitiveData
}

// Cache implements geometry.Store and geometry.MeshTarget.
type Cache struct {
	lifetime   time.Duration
	transcoder *Transcoder

	Meshes       *rescache.Cache[geometry.UID, MeshData]
	Materials    *rescache.Cache[geometry.UID, geometry.Material]
	Textures     *rescache.Cache[geometry.UID, geometry.Texture]
	Nodes        *rescache.Cache[geometry.UID, geometry.Node]
	Skins        *rescache.Cache[geometry.UID, geometry.Skin]
	Animations   *rescache.Cache[geometry.UID, geometry.Animation]
	FontAtlases  *rescache.Cache[geometry.UID, geometry.FontAtlas]
	TextCanvases *rescache.Cache[geometry.UID, geometry.TextCanvas]

	mu       sync.Mutex
	staging  map[geometry.UID]map[int]*PrimitiveData
	inflight map[geometry.UID]struct{}
	lost     []geometry.UID
	resolver func(geometry.PayloadType, geometry.UID) error
}

func teardown[T any](kind string) rescache.Teardown[geometry.UID, T] {
	return func(id geometry.UID, _ T) {
		log.Debug().Str("kind", kind).Uint64("uid", id).Msg("scene resource evicted")
	}
}

func newKindCache[T any](kind string, factor float64) *rescache.Cache[geometry.UID, T] {
	return rescache.New[geometry.UID, T](kind, rescache.Options[geometry.UID, T]{
		LifetimeFactor: factor,
		Teardown:       teardown[T](kind),
	})
}

func New(cfg Config) *Cache {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	f := cfg.LifetimeFactor
	return &Cache{
		lifetime:     cfg.Lifetime,
		transcoder:   cfg.Transcoder,
		Meshes:       newKindCache[MeshData]("meshes", f),
		Materials:    newKindCache[geometry.Material]("materials", f),
		Textures:     newKindCache[geometry.Texture]("textures", f),
		Nodes:        newKindCache[geometry.Node]("nodes", f),
		Skins:        newKindCache[geometry.Skin]("skins", f),
		Animations:   newKindCache[geometry.Animation]("animations", f),
		FontAtlases:  newKindCache[geometry.FontAtlas]("font_atlases", f),
		TextCanvases: newKindCache[geometry.TextCanvas]("text_canvases", f),
		staging:      make(map[geometry.UID]map[int]*PrimitiveData),
		inflight:     make(map[geometry.UID]struct{}),
	}
}

// SetResolver registers the callback run when a deferred texture lands,
// normally geometry.Decoder.Resolved.
func (c *Cache) SetResolver(fn func(geometry.PayloadType, geometry.UID) error) {
	c.mu.Lock()
	c.resolver = fn
	c.mu.Unlock()
}

func (c *Cache) SetLifetimeFactor(f float64) {
	c.Meshes.SetLifetimeFactor(f)
	c.Materials.SetLifetimeFactor(f)
	c.Textures.SetLifetimeFactor(f)
	c.Nodes.SetLifetimeFactor(f)
	c.Skins.SetLifetimeFactor(f)
	c.Animations.SetLifetimeFactor(f)
	c.FontAtlases.SetLifetimeFactor(f)
	c.TextCanvases.SetLifetimeFactor(f)
}

func (c *Cache) Has(kind geometry.PayloadType, uid geometry.UID) bool {
	switch kind {
	case geometry.PayloadMesh:
		return c.Meshes.Has(uid)
	case geometry.PayloadMaterial, geometry.PayloadMaterialInstance:
		return c.Materials.Has(uid)
	case geometry.PayloadTexture:
		return c.Textures.Has(uid)
	case geometry.PayloadNode:
		return c.Nodes.Has(uid)
	case geometry.PayloadSkin:
		return c.Skins.Has(uid)
	case geometry.PayloadAnimation:
		return c.Animations.Has(uid)
	case geometry.PayloadFontAtlas:
		return c.FontAtlases.Has(uid)
	case geometry.PayloadTextCanvas:
		return c.TextCanvases.Has(uid)
	default:
		return false
	}
}

// HasAny reports whether uid is resident under any kind.
func (c *Cache) HasAny(uid geometry.UID) bool {
	return c.Meshes.Has(uid) || c.Materials.Has(uid) || c.Textures.Has(uid) || c.Nodes.Has(uid) ||
		c.Skins.Has(uid) || c.Animations.Has(uid) || c.FontAtlases.Has(uid) || c.TextCanvases.Has(uid)
}

func (c *Cache) Material(uid geometry.UID) (geometry.Material, bool) {
	return c.Materials.Peek(uid)
}

// StoreTexture caches plain textures. Compressed and external ones go to
// the transcoder and are reported as deferred.
func (c *Cache) StoreTexture(t geometry.Texture) (bool, error) {
	if t.Compression == geometry.CompressionNone {
		c.Textures.Add(t.UID, t, c.lifetime)
		return false, nil
	}
	if c.transcoder != nil {
		c.mu.Lock()
		_, busy := c.inflight[t.UID]
		c.inflight[t.UID] = struct{}{}
		c.mu.Unlock()
		if !busy {
			c.transcoder.Submit(t)
		}
		return true, nil
	}
	if t.Compression == geometry.CompressionExternal {
		return false, fmt.Errorf("texture %d is external and no transcoder is configured", t.UID)
	}
	plain, err := geometry.DecompressTexture(t)
	if err != nil {
		return false, err
	}
	c.Textures.Add(plain.UID, plain, c.lifetime)
	return false, nil
}

// DrainTranscodes stores finished textures and resolves their waiters. It
// runs on the tick goroutine and returns the number of textures completed.
func (c *Cache) DrainTranscodes() int {
	if c.transcoder == nil {
		return 0
	}
	c.mu.Lock()
	resolve := c.resolver
	c.mu.Unlock()
	done := 0
	c.transcoder.Drain(func(t geometry.Texture, err error) {
		c.mu.Lock()
		delete(c.inflight, t.UID)
		c.mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Uint64("uid", t.UID).Msg("texture transcode failed")
			return
		}
		c.Textures.Add(t.UID, t, c.lifetime)
		done++
		if resolve != nil {
			if err := resolve(geometry.PayloadTexture, t.UID); err != nil {
				log.Warn().Err(err).Uint64("uid", t.UID).Msg("resolving texture waiters failed")
			}
		}
	})
	return done
}

func (c *Cache) StoreMaterial(m geometry.Material) error {
	c.Materials.Add(m.UID, m, c.lifetime)
	return nil
}

func (c *Cache) StoreNode(n geometry.Node) error {
	c.Nodes.Add(n.UID, n, c.lifetime)
	return nil
}

func (c *Cache) StoreSkin(s geometry.Skin) error {
	c.Skins.Add(s.UID, s, c.lifetime)
	return nil
}

func (c *Cache) StoreAnimation(a geometry.Animation) error {
	c.Animations.Add(a.UID, a, c.lifetime)
	return nil
}

func (c *Cache) StoreFontAtlas(f geometry.FontAtlas) error {
	c.FontAtlases.Add(f.UID, f, c.lifetime)
	return nil
}

func (c *Cache) StoreTextCanvas(t geometry.TextCanvas) error {
	c.TextCanvases.Add(t.UID, t, c.lifetime)
	return nil
}

func (c *Cache) MeshTarget() geometry.MeshTarget { return c }

func (c *Cache) primitive(mesh geometry.UID, prim int) *PrimitiveData {
	c.mu.Lock()
	defer c.mu.Unlock()
	prims, ok := c.staging[mesh]
	if !ok {
		prims = make(map[int]*PrimitiveData)
		c.staging[mesh] = prims
	}
	p, ok := prims[prim]
	if !ok {
		p = &PrimitiveData{}
		prims[prim] = p
	}
	return p
}

func (c *Cache) EnsureVertices(mesh geometry.UID, prim int, d geometry.AttributeData) error {
	c.primitive(mesh, prim).Vertices = d
	return nil
}

func (c *Cache) EnsureNormals(mesh geometry.UID, prim int, d geometry.AttributeData) error {
	c.primitive(mesh, prim).Normals = d
	return nil
}

func (c *Cache) EnsureTangents(mesh geometry.UID, prim int, d geometry.AttributeData) error {
	c.primitive(mesh, prim).Tangents = d
	return nil
}

func (c *Cache) EnsureTexCoords(mesh geometry.UID, prim, set int, d geometry.AttributeData) error {
	if set < 0 || set > 1 {
		return fmt.Errorf("texcoord set %d out of range", set)
	}
	c.primitive(mesh, prim).TexCoords[set] = d
	return nil
}

func (c *Cache) EnsureColors(mesh geometry.UID, prim int, d geometry.AttributeData) error {
	c.primitive(mesh, prim).Colors = d
	return nil
}

func (c *Cache) EnsureJoints(mesh geometry.UID, prim int, d geometry.AttributeData) error {
	c.primitive(mesh, prim).Joints = d
	return nil
}

func (c *Cache) EnsureWeights(mesh geometry.UID, prim int, d geometry.AttributeData) error {
	c.primitive(mesh, prim).Weights = d
	return nil
}

func (c *Cache) EnsureIndices(mesh geometry.UID, prim int, d geometry.AttributeData) error {
	c.primitive(mesh, prim).Indices = d
	return nil
}

// Assemble moves the staged streams into the mesh cache. Assembling a mesh
// that is already resident discards the staged copy.
func (c *Cache) Assemble(info geometry.MeshInfo) error {
	c.mu.Lock()
	prims := c.staging[info.UID]
	delete(c.staging, info.UID)
	c.mu.Unlock()

	if c.Meshes.Has(info.UID) {
		return nil
	}
	data := MeshData{Info: info, Primitives: make([]PrimitiveData, len(info.Primitives))}
	for i := range data.Primitives {
		if p, ok := prims[i]; ok {
			data.Primitives[i] = *p
		}
	}
	c.Meshes.Add(info.UID, data, c.lifetime)
	return nil
}

// Update ages every kind cache by dt. Evicted ids are remembered until
// TakeLost so the server can be told they are gone.
func (c *Cache) Update(dt time.Duration) []geometry.UID {
	var evicted []geometry.UID
	evicted = append(evicted, c.Nodes.Update(dt)...)
	evicted = append(evicted, c.TextCanvases.Update(dt)...)
	evicted = append(evicted, c.FontAtlases.Update(dt)...)
	evicted = append(evicted, c.Meshes.Update(dt)...)
	evicted = append(evicted, c.Materials.Update(dt)...)
	evicted = append(evicted, c.Textures.Update(dt)...)
	evicted = append(evicted, c.Skins.Update(dt)...)
	evicted = append(evicted, c.Animations.Update(dt)...)
	if len(evicted) > 0 {
		c.mu.Lock()
		c.lost = append(c.lost, evicted...)
		c.mu.Unlock()
	}
	return evicted
}

// TakeLost returns and forgets the ids evicted since the last call.
func (c *Cache) TakeLost() []geometry.UID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.lost
	c.lost = nil
	return out
}

// AllResourceIDs lists every resident id across kinds, ascending.
func (c *Cache) AllResourceIDs() []geometry.UID {
	var ids []geometry.UID
	ids = append(ids, c.Meshes.AllIDs()...)
	ids = append(ids, c.Materials.AllIDs()...)
	ids = append(ids, c.Textures.AllIDs()...)
	ids = append(ids, c.Nodes.AllIDs()...)
	ids = append(ids, c.Skins.AllIDs()...)
	ids = append(ids, c.Animations.AllIDs()...)
	ids = append(ids, c.FontAtlases.AllIDs()...)
	ids = append(ids, c.TextCanvases.AllIDs()...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len is the number of resident resources across kinds.
func (c *Cache) Len() int {
	return c.Meshes.Len() + c.Materials.Len() + c.Textures.Len() + c.Nodes.Len() +
		c.Skins.Len() + c.Animations.Len() + c.FontAtlases.Len() + c.TextCanvases.Len()
}

// ClearAllBut evicts everything not in keep and drops staged mesh data.
func (c *Cache) ClearAllBut(keep []geometry.UID) {
	c.Meshes.ClearAllBut(keep)
	c.Materials.ClearAllBut(keep)
	c.Textures.ClearAllBut(keep)
	c.Nodes.ClearAllBut(keep)
	c.Skins.ClearAllBut(keep)
	c.Animations.ClearAllBut(keep)
	c.FontAtlases.ClearAllBut(keep)
	c.TextCanvases.ClearAllBut(keep)
	c.mu.Lock()
	clear(c.staging)
	clear(c.inflight)
	c.lost = nil
	c.mu.Unlock()
}

func (c *Cache) Clear() { c.ClearAllBut(nil) }
