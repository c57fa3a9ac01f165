package geometry

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/danmuck/scenecast/internal/observability"
	"github.com/danmuck/scenecast/internal/protocol"
	"github.com/rs/zerolog/log"
)

// MeshInfo summarises an assembled mesh.
type MeshInfo struct {
	UID        UID
	Name       string
	Primitives []PrimitiveInfo
}

type PrimitiveInfo struct {
	Material    UID
	Topology    Topology
	VertexCount int
	IndexCount  int
}

// MeshTarget receives de-strided vertex streams for one mesh and builds it.
// Assemble must be idempotent: assembling a uid the target already holds
// is a no-op.
type MeshTarget interface {
	EnsureVertices(mesh UID, primitive int, data AttributeData) error
	EnsureNormals(mesh UID, primitive int, data AttributeData) error
	EnsureTangents(mesh UID, primitive int, data AttributeData) error
	EnsureTexCoords(mesh UID, primitive, set int, data AttributeData) error
	EnsureColors(mesh UID, primitive int, data AttributeData) error
	EnsureJoints(mesh UID, primitive int, data AttributeData) error
	EnsureWeights(mesh UID, primitive int, data AttributeData) error
	EnsureIndices(mesh UID, primitive int, data AttributeData) error
	Assemble(info MeshInfo) error
}

// Store is where completed resources go.
type Store interface {
	Has(kind PayloadType, uid UID) bool
	Material(uid UID) (Material, bool)
	// StoreTexture returns deferred=true when the texture is finished
	// asynchronously; the store then calls Decoder.Resolved.
	StoreTexture(t Texture) (deferred bool, err error)
	StoreMaterial(m Material) error
	StoreNode(n Node) error
	StoreSkin(s Skin) error
	StoreAnimation(a Animation) error
	StoreFontAtlas(f FontAtlas) error
	StoreTextCanvas(c TextCanvas) error
	MeshTarget() MeshTarget
}

// Decoder rebuilds resources from geometry chunks. It is not safe for
// concurrent use; the pipeline tick owns it.
type Decoder struct {
	store   Store
	tracker *Tracker
}

func NewDecoder(store Store) *Decoder {
	return &Decoder{store: store, tracker: NewTracker()}
}

func (d *Decoder) Tracker() *Tracker { return d.tracker }

// MissingIDs lists the ids the decoder is waiting for.
func (d *Decoder) MissingIDs() []UID { return d.tracker.MissingIDs() }

// Reset forgets every incomplete resource.
func (d *Decoder) Reset() { d.tracker.Reset() }

// DecodeChunk decodes every record in chunk. A record that fails to parse
// is skipped by scanning forward to the next sync marker. Errors from all
// records are joined.
func (d *Decoder) DecodeChunk(chunk []byte) error {
	observability.RecordGeometryChunk("in", len(chunk))
	var errs []error
	off := 0
	for off < len(chunk) {
		idx := bytes.Index(chunk[off:], SyncMarker[:])
		if idx < 0 {
			errs = append(errs, fmt.Errorf("%w: %d trailing bytes without sync marker", ErrInvalidPayload, len(chunk)-off))
			break
		}
		if idx > 0 {
			log.Debug().Int("skipped", idx).Int("offset", off).Msg("geometry decoder realigned")
		}
		off += idx + len(SyncMarker)
		if off >= len(chunk) {
			errs = append(errs, fmt.Errorf("%w: sync marker without payload type", ErrInvalidBufferSize))
			break
		}
		typ := PayloadType(chunk[off])
		off++
		if typ == PayloadInvalid {
			continue
		}
		r := protocol.NewReader(chunk[off:])
		soft, hard := d.decodeRecord(r, typ)
		errs = append(errs, soft...)
		if hard != nil {
			errs = append(errs, hard)
			continue
		}
		off += r.Offset()
	}
	for _, err := range errs {
		observability.RecordGeometryError(errorKind(err))
	}
	return errors.Join(errs...)
}

// Decode decodes one record body, [u64 count] followed by the resources,
// of the given payload type.
func (d *Decoder) Decode(body []byte, typ PayloadType) error {
	r := protocol.NewReader(body)
	soft, hard := d.decodeRecord(r, typ)
	if hard == nil {
		hard = r.Finish()
	}
	return errors.Join(append(soft, hard)...)
}

// decodeRecord returns per-resource failures that left the cursor intact
// as soft errors, and a hard error when the record could not be parsed.
func (d *Decoder) decodeRecord(r *protocol.Reader, typ PayloadType) (soft []error, hard error) {
	switch typ {
	case PayloadMesh, PayloadMaterial, PayloadMaterialInstance, PayloadTexture,
		PayloadAnimation, PayloadNode, PayloadSkin, PayloadFontAtlas, PayloadTextCanvas:
	case PayloadShadowMap:
		return nil, fmt.Errorf("%w: %s", ErrIncomplete, typ)
	default:
		return nil, fmt.Errorf("%w: type %s", ErrInvalidPayload, typ)
	}
	count := r.Count(8)
	if err := readErr(r); err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		uid := r.U64()
		if err := readErr(r); err != nil {
			return soft, err
		}
		parsed, err := d.decodeResource(r, typ, uid)
		if !parsed {
			return soft, err
		}
		if err != nil {
			soft = append(soft, err)
			continue
		}
		observability.RecordGeometryResource("in", typ.String())
	}
	return soft, nil
}

func (d *Decoder) decodeResource(r *protocol.Reader, typ PayloadType, uid UID) (parsed bool, err error) {
	switch typ {
	case PayloadMesh:
		m, err := readMesh(r, uid)
		if err != nil {
			return false, err
		}
		return true, d.assembleMesh(m)
	case PayloadTexture:
		t, err := readTexture(r, uid)
		if err != nil {
			return false, err
		}
		deferred, err := d.store.StoreTexture(t)
		if err != nil {
			return true, fmt.Errorf("%w: texture %d: %w", ErrClientRendererError, uid, err)
		}
		if deferred {
			return true, nil
		}
		return true, d.resolve(uid)
	case PayloadMaterial:
		m, err := readMaterial(r, uid)
		if err != nil {
			return false, err
		}
		return true, d.admit(uid, typ, m)
	case PayloadMaterialInstance:
		mi, err := readMaterialInstance(r, uid)
		if err != nil {
			return false, err
		}
		return true, d.admit(uid, typ, mi)
	case PayloadNode:
		n, err := readNode(r, uid)
		if err != nil {
			return false, err
		}
		return true, d.admit(uid, typ, n)
	case PayloadSkin:
		s, err := readSkin(r, uid)
		if err != nil {
			return false, err
		}
		return true, d.admit(uid, typ, s)
	case PayloadAnimation:
		a, err := readAnimation(r, uid)
		if err != nil {
			return false, err
		}
		if err := d.store.StoreAnimation(a); err != nil {
			return true, fmt.Errorf("%w: animation %d: %w", ErrClientRendererError, uid, err)
		}
		return true, d.resolve(uid)
	case PayloadFontAtlas:
		f, err := readFontAtlas(r, uid)
		if err != nil {
			return false, err
		}
		return true, d.admit(uid, typ, f)
	case PayloadTextCanvas:
		c, err := readTextCanvas(r, uid)
		if err != nil {
			return false, err
		}
		return true, d.admit(uid, typ, c)
	}
	return false, fmt.Errorf("%w: type %s", ErrInvalidPayload, typ)
}

func (d *Decoder) assembleMesh(m Mesh) error {
	target := d.store.MeshTarget()
	if target == nil {
		return fmt.Errorf("%w: mesh %d: no mesh target", ErrClientRendererError, m.UID)
	}
	info := MeshInfo{UID: m.UID, Name: m.Name, Primitives: make([]PrimitiveInfo, len(m.Primitives))}
	for i, p := range m.Primitives {
		pi := PrimitiveInfo{Material: p.Material, Topology: p.Topology}
		for _, a := range p.Attributes {
			data, err := m.AccessorData(a.Accessor)
			if err != nil {
				return err
			}
			if err := ensureAttribute(target, m.UID, i, a.Semantic, data); err != nil {
				return fmt.Errorf("%w: mesh %d primitive %d: %w", ErrClientRendererError, m.UID, i, err)
			}
			if a.Semantic == SemanticPosition {
				pi.VertexCount = data.Count
			}
		}
		if p.Indices != 0 {
			data, err := m.AccessorData(p.Indices)
			if err != nil {
				return err
			}
			if err := target.EnsureIndices(m.UID, i, data); err != nil {
				return fmt.Errorf("%w: mesh %d primitive %d indices: %w", ErrClientRendererError, m.UID, i, err)
			}
			pi.IndexCount = data.Count
		}
		info.Primitives[i] = pi
	}
	if err := target.Assemble(info); err != nil {
		return fmt.Errorf("%w: mesh %d: %w", ErrClientRendererError, m.UID, err)
	}
	return d.resolve(m.UID)
}

func ensureAttribute(t MeshTarget, mesh UID, prim int, s Semantic, data AttributeData) error {
	switch s {
	case SemanticPosition:
		return t.EnsureVertices(mesh, prim, data)
	case SemanticNormal:
		return t.EnsureNormals(mesh, prim, data)
	case SemanticTangent:
		return t.EnsureTangents(mesh, prim, data)
	case SemanticTexCoord0:
		return t.EnsureTexCoords(mesh, prim, 0, data)
	case SemanticTexCoord1:
		return t.EnsureTexCoords(mesh, prim, 1, data)
	case SemanticColor:
		return t.EnsureColors(mesh, prim, data)
	case SemanticJoints:
		return t.EnsureJoints(mesh, prim, data)
	case SemanticWeights:
		return t.EnsureWeights(mesh, prim, data)
	default:
		log.Debug().Uint64("mesh", mesh).Uint8("semantic", uint8(s)).Msg("ignoring unknown vertex attribute")
		return nil
	}
}

// dependencies lists what v needs before it can be stored, skipping ids
// the store already has.
func (d *Decoder) dependencies(v any) (map[UID]PayloadType, map[UID][]int) {
	pending := make(map[UID]PayloadType)
	need := func(id UID, typ PayloadType) {
		if id != 0 && !d.store.Has(typ, id) {
			pending[id] = typ
		}
	}
	var slots map[UID][]int
	switch x := v.(type) {
	case Node:
		need(x.Mesh, PayloadMesh)
		// a bone node bound to the skin it belongs to is stored first
		if !d.waitsOn(x.Skin, x.UID) {
			need(x.Skin, PayloadSkin)
		}
		need(x.TextCanvas, PayloadTextCanvas)
		for _, a := range x.Animations {
			need(a, PayloadAnimation)
		}
		for i, m := range x.Materials {
			if m == 0 || d.store.Has(PayloadMaterial, m) {
				continue
			}
			pending[m] = PayloadMaterial
			if slots == nil {
				slots = make(map[UID][]int)
			}
			slots[m] = append(slots[m], i)
		}
	case Skin:
		for _, b := range x.Bones {
			if !d.waitsOn(b, x.UID) {
				need(b, PayloadNode)
			}
		}
		if !d.waitsOn(x.SkeletonRoot, x.UID) {
			need(x.SkeletonRoot, PayloadNode)
		}
	case Material:
		for _, a := range x.Textures {
			need(a.Texture, PayloadTexture)
		}
	case MaterialInstance:
		need(x.Base, PayloadMaterial)
		for _, o := range x.Textures {
			need(o.Texture, PayloadTexture)
		}
	case FontAtlas:
		need(x.Texture, PayloadTexture)
	case TextCanvas:
		need(x.FontAtlas, PayloadFontAtlas)
	}
	return pending, slots
}

// waitsOn reports whether the incomplete resource waiter is blocked on id.
func (d *Decoder) waitsOn(waiter, id UID) bool {
	inc, ok := d.tracker.Incomplete(waiter)
	if !ok {
		return false
	}
	_, ok = inc.Pending[id]
	return ok
}

// admit stores v now if nothing it references is missing, otherwise parks
// it in the tracker.
func (d *Decoder) admit(uid UID, typ PayloadType, v any) error {
	pending, slots := d.dependencies(v)
	if len(pending) == 0 {
		d.tracker.Forget(uid)
		if err := d.complete(uid, v); err != nil {
			return err
		}
		return d.resolve(uid)
	}
	d.tracker.Register(&Incomplete{UID: uid, Type: typ, Value: v, Pending: pending, MaterialSlots: slots})
	log.Debug().
		Uint64("uid", uid).
		Stringer("type", typ).
		Int("pending", len(pending)).
		Msg("geometry resource waiting on dependencies")
	return nil
}

func (d *Decoder) complete(uid UID, v any) error {
	var err error
	switch x := v.(type) {
	case Node:
		err = d.store.StoreNode(x)
	case Material:
		err = d.store.StoreMaterial(x)
	case Skin:
		err = d.store.StoreSkin(x)
	case MaterialInstance:
		base, ok := d.store.Material(x.Base)
		if !ok {
			return fmt.Errorf("%w: material instance %d: base material %d vanished", ErrClientRendererError, uid, x.Base)
		}
		err = d.store.StoreMaterial(x.Apply(base))
	case FontAtlas:
		err = d.store.StoreFontAtlas(x)
	case TextCanvas:
		err = d.store.StoreTextCanvas(x)
	default:
		return fmt.Errorf("%w: resource %d has no completion", ErrInvalidPayload, uid)
	}
	if err != nil {
		return fmt.Errorf("%w: resource %d: %w", ErrClientRendererError, uid, err)
	}
	return nil
}

// Resolved reports that a deferred resource has been stored. Everything
// waiting on it is revisited.
func (d *Decoder) Resolved(typ PayloadType, uid UID) error {
	log.Debug().Uint64("uid", uid).Stringer("type", typ).Msg("deferred geometry resource resolved")
	return d.resolve(uid)
}

// resolve walks the arena from uid, completing every resource whose last
// dependency was just stored, and then whatever waited on those.
func (d *Decoder) resolve(uid UID) error {
	var errs []error
	queue := []UID{uid}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, inc := range d.tracker.Resolve(id) {
			if err := d.complete(inc.UID, inc.Value); err != nil {
				errs = append(errs, err)
				continue
			}
			queue = append(queue, inc.UID)
		}
	}
	return errors.Join(errs...)
}
