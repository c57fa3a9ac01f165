package observability

import (
	"testing"
	"time"

	"github.com/danmuck/scenecast/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("scenesrv", "GET", "/resources/:uid", 200, 12*time.Millisecond)
	RecordQueueDrop("video")
	RecordNodeBytes("source", 128)
	SetCacheEntries("textures", 3)
	RecordCacheEviction("textures")
	RecordGeometryChunk("encode", 4096)
	RecordGeometryResource("decode", "mesh")
	RecordGeometryError("node")
	SetSessionClients(2)
	RecordResourceRequests("retry", 4)

	log.Debug().Msg("observability/metrics: registration idempotent and recording paths executed")
}
