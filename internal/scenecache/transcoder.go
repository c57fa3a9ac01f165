package scenecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

const transcodeSlots = 64

// Fetcher retrieves the full body of an external resource.
type Fetcher interface {
	Fetch(ctx context.Context, uid geometry.UID) ([]byte, error)
}

// HTTPFetcher reads bodies from the server side channel at
// {BaseURL}/resources/{uid}.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, uid geometry.UID) ([]byte, error) {
	url := strings.TrimRight(f.BaseURL, "/") + "/resources/" + strconv.FormatUint(uid, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch resource %d: status %s", uid, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

type transcodeResult struct {
	texture geometry.Texture
	err     error
}

// Transcoder decompresses and fetches textures on a worker goroutine. The
// tick goroutine is the only producer of jobs and the only consumer of
// results; the worker is the other side of both rings.
type Transcoder struct {
	fetcher Fetcher
	jobs    lfq.SPSC[geometry.Texture]
	results lfq.SPSC[transcodeResult]
	backlog []geometry.Texture
	running atomix.Uint32
	stopped atomix.Uint32
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTranscoder builds a stopped transcoder. fetcher may be nil when no
// side channel is available.
func NewTranscoder(fetcher Fetcher) *Transcoder {
	t := &Transcoder{fetcher: fetcher, done: make(chan struct{})}
	t.jobs.Init(transcodeSlots)
	t.results.Init(transcodeSlots)
	return t
}

// Start launches the worker goroutine. Later calls are no-ops.
func (t *Transcoder) Start(ctx context.Context) {
	if t.running.Add(1) != 1 {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	go t.loop(ctx)
}

// Stop clears the running flag and waits for the worker to exit.
func (t *Transcoder) Stop() {
	if t.stopped.Add(1) != 1 || t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (t *Transcoder) active() bool {
	return t.running.Load() != 0 && t.stopped.Load() == 0
}

// Submit queues tex. A full ring parks it until the next Drain.
func (t *Transcoder) Submit(tex geometry.Texture) {
	if len(t.backlog) == 0 {
		if err := t.jobs.Enqueue(&tex); err == nil {
			return
		}
	}
	t.backlog = append(t.backlog, tex)
}

// Drain hands every finished texture to apply and refills the job ring
// from the backlog.
func (t *Transcoder) Drain(apply func(geometry.Texture, error)) {
	for {
		r, err := t.results.Dequeue()
		if err != nil {
			break
		}
		apply(r.texture, r.err)
	}
	for len(t.backlog) > 0 {
		if err := t.jobs.Enqueue(&t.backlog[0]); err != nil {
			break
		}
		t.backlog = t.backlog[1:]
	}
}

func (t *Transcoder) loop(ctx context.Context) {
	defer close(t.done)
	var bo iox.Backoff
	for t.active() {
		job, err := t.jobs.Dequeue()
		if err != nil {
			if !iox.IsWouldBlock(err) {
				log.Error().Err(err).Msg("transcoder job ring failed")
				return
			}
			bo.Wait()
			continue
		}
		bo.Reset()
		res := transcodeResult{}
		res.texture, res.err = t.transcode(ctx, job)
		res.texture.UID = job.UID
		for t.active() {
			if err := t.results.Enqueue(&res); err == nil {
				break
			}
			bo.Wait()
		}
		bo.Reset()
	}
}

func (t *Transcoder) transcode(ctx context.Context, tex geometry.Texture) (geometry.Texture, error) {
	if tex.Compression == geometry.CompressionExternal {
		if t.fetcher == nil {
			return tex, fmt.Errorf("texture %d is external and no fetcher is configured", tex.UID)
		}
		body, err := t.fetcher.Fetch(ctx, tex.UID)
		if err != nil {
			return tex, err
		}
		log.Debug().Uint64("uid", tex.UID).Str("size", humanize.IBytes(uint64(len(body)))).Msg("fetched external texture")
		full, err := geometry.DecodeTextureBody(tex.UID, body)
		if err != nil {
			return tex, err
		}
		if full.Compression == geometry.CompressionExternal {
			return tex, fmt.Errorf("texture %d: external body refers to itself", tex.UID)
		}
		tex = full
	}
	return geometry.DecompressTexture(tex)
}
