package geometry

import (
	"errors"
	"fmt"

	"github.com/danmuck/scenecast/internal/observability"
	"github.com/danmuck/scenecast/internal/protocol"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

const DefaultChunkBudget = 64 * 1024

// Requester tracks what one peer holds and asks for. EncodedResource is
// called as soon as a resource is serialized, before the peer confirms it.
type Requester interface {
	HasResource(uid UID) bool
	EncodedResource(uid UID)
	RequestedResources() []UID
}

// Source resolves scene resources by uid.
type Source interface {
	Kind(uid UID) (PayloadType, bool)
	Mesh(uid UID) (Mesh, bool)
	Material(uid UID) (Material, bool)
	MaterialInstance(uid UID) (MaterialInstance, bool)
	Texture(uid UID) (Texture, bool)
	Node(uid UID) (Node, bool)
	Skin(uid UID) (Skin, bool)
	Animation(uid UID) (Animation, bool)
	FontAtlas(uid UID) (FontAtlas, bool)
	TextCanvas(uid UID) (TextCanvas, bool)
}

// AssetSink keeps full texture bodies that are served over the side channel.
type AssetSink interface {
	PutAsset(uid UID, kind PayloadType, blob []byte) error
}

type EncoderConfig struct {
	// ChunkBudget caps a chunk's size unless one record alone is larger.
	ChunkBudget      int
	CompressTextures bool
	// ExternalTextureBytes moves textures with more image data than this to
	// Assets. Zero disables it.
	ExternalTextureBytes int
	Assets               AssetSink
}

// Encoder serializes resources into budgeted chunks for one peer. Records
// wait in ready until they fit in queued; TakeChunk hands queued out.
type Encoder struct {
	cfg      EncoderConfig
	ready    [][]byte
	queued   *protocol.Writer
	visited  map[UID]struct{}
	external map[UID]struct{}
	errs     []error
}

func NewEncoder(cfg EncoderConfig) *Encoder {
	if cfg.ChunkBudget <= 0 {
		cfg.ChunkBudget = DefaultChunkBudget
	}
	return &Encoder{
		cfg:      cfg,
		queued:   protocol.NewWriter(cfg.ChunkBudget),
		visited:  make(map[UID]struct{}),
		external: make(map[UID]struct{}),
	}
}

func (e *Encoder) Budget() int { return e.cfg.ChunkBudget }

// Pending is the number of serialized bytes not yet taken.
func (e *Encoder) Pending() int {
	n := e.queued.Len()
	for _, rec := range e.ready {
		n += len(rec)
	}
	return n
}

// attemptQueue moves ready records into queued while the chunk, terminal
// marker included, stays within budget. An empty queued always accepts
// one record so an oversized resource is never stuck. It reports whether
// ready was emptied.
func (e *Encoder) attemptQueue() bool {
	for len(e.ready) > 0 {
		rec := e.ready[0]
		if e.queued.Len() > 0 && e.queued.Len()+len(rec)+TerminalLen > e.cfg.ChunkBudget {
			return false
		}
		e.queued.Raw(rec)
		e.ready[0] = nil
		e.ready = e.ready[1:]
	}
	return true
}

// TakeChunk returns the queued records closed by a terminal marker, or
// false when nothing is queued. A lone record that fits the budget only
// without the marker is returned bare. Ready records that now fit are
// queued for the next chunk.
func (e *Encoder) TakeChunk() ([]byte, bool) {
	if e.queued.Len() == 0 {
		e.attemptQueue()
		if e.queued.Len() == 0 {
			return nil, false
		}
	}
	if n := e.queued.Len(); n+TerminalLen <= e.cfg.ChunkBudget || n > e.cfg.ChunkBudget {
		writeTerminal(e.queued)
	}
	out := make([]byte, e.queued.Len())
	copy(out, e.queued.Bytes())
	e.queued.Reset()
	observability.RecordGeometryChunk("out", len(out))
	if len(out) > e.cfg.ChunkBudget {
		log.Debug().
			Str("size", humanize.IBytes(uint64(len(out)))).
			Str("budget", humanize.IBytes(uint64(e.cfg.ChunkBudget))).
			Msg("geometry chunk over budget with a single record")
	}
	return out, true
}

// Reset drops everything not yet taken.
func (e *Encoder) Reset() {
	e.ready = nil
	e.queued.Reset()
	clear(e.visited)
}

// EncodeTick walks, in order, the peer's explicit requests, the mesh-bearing
// nodes in streamable and then the remaining nodes, serializing whatever the
// peer lacks with dependencies first. It stops as soon as a record does not
// fit in this tick's chunk. Per-resource failures are logged, skipped and
// returned joined.
func (e *Encoder) EncodeTick(src Source, peer Requester, streamable []UID) error {
	clear(e.visited)
	e.errs = nil
	defer func() { e.errs = nil }()

	if !e.attemptQueue() {
		return nil
	}
	for _, uid := range peer.RequestedResources() {
		if !e.encodeTree(src, peer, uid, true) {
			return errors.Join(e.errs...)
		}
	}
	var later []UID
	for _, uid := range streamable {
		n, ok := src.Node(uid)
		if !ok {
			continue
		}
		if n.Type == NodeLight || n.Type == NodeEmpty {
			later = append(later, uid)
			continue
		}
		if !e.encodeTree(src, peer, uid, false) {
			return errors.Join(e.errs...)
		}
	}
	for _, uid := range later {
		if !e.encodeTree(src, peer, uid, false) {
			break
		}
	}
	return errors.Join(e.errs...)
}

// encodeTree serializes uid after its dependencies. force re-sends uid even
// when the peer is believed to hold it. It returns false once the budget
// is reached.
func (e *Encoder) encodeTree(src Source, peer Requester, uid UID, force bool) bool {
	if uid == 0 {
		return true
	}
	if _, seen := e.visited[uid]; seen {
		return true
	}
	e.visited[uid] = struct{}{}
	kind, ok := src.Kind(uid)
	if !ok {
		log.Debug().Uint64("uid", uid).Msg("encoder skipping unknown resource")
		return true
	}
	if !force && peer.HasResource(uid) {
		return true
	}
	for _, dep := range sourceDependencies(src, kind, uid) {
		if !e.encodeTree(src, peer, dep, false) {
			return false
		}
	}
	if err := e.encodeFromSource(src, kind, uid); err != nil {
		observability.RecordGeometryError(errorKind(err))
		log.Warn().Err(err).Uint64("uid", uid).Stringer("type", kind).Msg("geometry encode failed")
		e.errs = append(e.errs, err)
		return true
	}
	peer.EncodedResource(uid)
	return e.attemptQueue()
}

func sourceDependencies(src Source, kind PayloadType, uid UID) []UID {
	var deps []UID
	switch kind {
	case PayloadNode:
		n, _ := src.Node(uid)
		deps = append(deps, n.Mesh)
		deps = append(deps, n.Materials...)
		deps = append(deps, n.Skin)
		deps = append(deps, n.Animations...)
		deps = append(deps, n.TextCanvas)
	case PayloadMaterial:
		m, _ := src.Material(uid)
		for _, a := range m.Textures {
			deps = append(deps, a.Texture)
		}
	case PayloadMaterialInstance:
		mi, _ := src.MaterialInstance(uid)
		deps = append(deps, mi.Base)
		for _, o := range mi.Textures {
			deps = append(deps, o.Texture)
		}
	case PayloadSkin:
		sk, _ := src.Skin(uid)
		deps = append(deps, sk.Bones...)
		deps = append(deps, sk.SkeletonRoot)
	case PayloadFontAtlas:
		f, _ := src.FontAtlas(uid)
		deps = append(deps, f.Texture)
	case PayloadTextCanvas:
		c, _ := src.TextCanvas(uid)
		deps = append(deps, c.FontAtlas)
	}
	return deps
}

func (e *Encoder) encodeFromSource(src Source, kind PayloadType, uid UID) error {
	missing := fmt.Errorf("%w: %s %d not in source", ErrInvalidPayload, kind, uid)
	switch kind {
	case PayloadMesh:
		if m, ok := src.Mesh(uid); ok {
			_, err := e.EncodeMesh(m)
			return err
		}
	case PayloadMaterial:
		if m, ok := src.Material(uid); ok {
			_, err := e.EncodeMaterials(m)
			return err
		}
	case PayloadMaterialInstance:
		if mi, ok := src.MaterialInstance(uid); ok {
			_, err := e.EncodeMaterialInstance(mi)
			return err
		}
	case PayloadTexture:
		if t, ok := src.Texture(uid); ok {
			_, err := e.EncodeTexture(t)
			return err
		}
	case PayloadNode:
		if n, ok := src.Node(uid); ok {
			_, err := e.EncodeNode(n)
			return err
		}
	case PayloadSkin:
		if s, ok := src.Skin(uid); ok {
			_, err := e.EncodeSkin(s)
			return err
		}
	case PayloadAnimation:
		if a, ok := src.Animation(uid); ok {
			_, err := e.EncodeAnimation(a)
			return err
		}
	case PayloadFontAtlas:
		if f, ok := src.FontAtlas(uid); ok {
			_, err := e.EncodeFontAtlas(f)
			return err
		}
	case PayloadTextCanvas:
		if c, ok := src.TextCanvas(uid); ok {
			_, err := e.EncodeTextCanvas(c)
			return err
		}
	default:
		return fmt.Errorf("%w: cannot encode %s", ErrInvalidPayload, kind)
	}
	return missing
}

// push appends one finished record and tries to queue it.
func (e *Encoder) push(kind PayloadType, n int, w *protocol.Writer) bool {
	e.ready = append(e.ready, w.Bytes())
	for i := 0; i < n; i++ {
		observability.RecordGeometryResource("out", kind.String())
	}
	return e.attemptQueue()
}

func newRecord(kind PayloadType, count int) *protocol.Writer {
	w := protocol.NewWriter(256)
	writeHeader(w, kind, count)
	return w
}

// EncodeMesh serializes m. The bool reports whether it was queued within
// budget; false leaves it ready for the next chunk.
func (e *Encoder) EncodeMesh(m Mesh) (bool, error) {
	w := newRecord(PayloadMesh, 1)
	w.U64(m.UID)
	if err := writeMesh(w, m); err != nil {
		return false, err
	}
	return e.push(PayloadMesh, 1, w), nil
}

// EncodeMaterials packs one or more materials into a single record.
func (e *Encoder) EncodeMaterials(ms ...Material) (bool, error) {
	if len(ms) == 0 {
		return true, nil
	}
	w := newRecord(PayloadMaterial, len(ms))
	for _, m := range ms {
		w.U64(m.UID)
		writeMaterial(w, m)
	}
	return e.push(PayloadMaterial, len(ms), w), nil
}

func (e *Encoder) EncodeMaterialInstance(mi MaterialInstance) (bool, error) {
	if len(mi.Textures) > 255 {
		return false, fmt.Errorf("%w: material instance %d has %d texture overrides", ErrInvalidPayload, mi.UID, len(mi.Textures))
	}
	w := newRecord(PayloadMaterialInstance, 1)
	w.U64(mi.UID)
	writeMaterialInstance(w, mi)
	return e.push(PayloadMaterialInstance, 1, w), nil
}

// EncodeTexture optionally compresses t and, past the external threshold,
// stores the full body in the asset sink and sends a stub.
func (e *Encoder) EncodeTexture(t Texture) (bool, error) {
	var err error
	if e.cfg.CompressTextures {
		if t, err = CompressTexture(t); err != nil {
			return false, err
		}
	}
	if e.cfg.Assets != nil && e.cfg.ExternalTextureBytes > 0 && t.ImageBytes() > e.cfg.ExternalTextureBytes {
		if _, done := e.external[t.UID]; !done {
			if err := e.cfg.Assets.PutAsset(t.UID, PayloadTexture, EncodeTextureBody(t)); err != nil {
				return false, fmt.Errorf("texture %d: store external body: %w", t.UID, err)
			}
			e.external[t.UID] = struct{}{}
			log.Debug().
				Uint64("uid", t.UID).
				Str("size", humanize.IBytes(uint64(t.ImageBytes()))).
				Msg("texture moved to side channel")
		}
		t.Compression = CompressionExternal
		t.Images = nil
	}
	w := newRecord(PayloadTexture, 1)
	w.U64(t.UID)
	writeTexture(w, t)
	return e.push(PayloadTexture, 1, w), nil
}

func (e *Encoder) EncodeNode(n Node) (bool, error) {
	w := newRecord(PayloadNode, 1)
	w.U64(n.UID)
	writeNode(w, n)
	return e.push(PayloadNode, 1, w), nil
}

func (e *Encoder) EncodeSkin(s Skin) (bool, error) {
	w := newRecord(PayloadSkin, 1)
	w.U64(s.UID)
	writeSkin(w, s)
	return e.push(PayloadSkin, 1, w), nil
}

func (e *Encoder) EncodeAnimation(a Animation) (bool, error) {
	w := newRecord(PayloadAnimation, 1)
	w.U64(a.UID)
	writeAnimation(w, a)
	return e.push(PayloadAnimation, 1, w), nil
}

func (e *Encoder) EncodeFontAtlas(f FontAtlas) (bool, error) {
	if len(f.Maps) > 0xFFFF {
		return false, fmt.Errorf("%w: font atlas %d has %d maps", ErrInvalidPayload, f.UID, len(f.Maps))
	}
	for _, m := range f.Maps {
		if len(m.Glyphs) > 0xFFFF {
			return false, fmt.Errorf("%w: font atlas %d map %d has %d glyphs", ErrInvalidPayload, f.UID, m.Size, len(m.Glyphs))
		}
	}
	w := newRecord(PayloadFontAtlas, 1)
	w.U64(f.UID)
	writeFontAtlas(w, f)
	return e.push(PayloadFontAtlas, 1, w), nil
}

func (e *Encoder) EncodeTextCanvas(c TextCanvas) (bool, error) {
	w := newRecord(PayloadTextCanvas, 1)
	w.U64(c.UID)
	writeTextCanvas(w, c)
	return e.push(PayloadTextCanvas, 1, w), nil
}
