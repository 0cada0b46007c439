package metrics

import (
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExporter_RecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewExporter("test", reg)
	require.NoError(t, err)

	exporter.RecordUpload("http_2xx")
	exporter.RecordUpload("http_2xx")
	exporter.RecordWait()
	exporter.RecordPingDeleted("uploaded")
	exporter.RecordOverflow(5)
	exporter.RecordOverflow(0)
	exporter.RecordTaskFailure()
	exporter.RecordPendingPings(7)
	exporter.RecordSchedule("")

	assert.Equal(t, 2.0, testutil.ToFloat64(exporter.uploads.WithLabelValues("http_2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.waits))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.deleted.WithLabelValues("uploaded")))
	assert.Equal(t, 5.0, testutil.ToFloat64(exporter.overflow))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.taskFailures))
	assert.Equal(t, 7.0, testutil.ToFloat64(exporter.pendingPings))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.schedules.WithLabelValues("unknown")))
}

func TestExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewExporter("test", reg)
	require.NoError(t, err)
	second, err := NewExporter("test", reg)
	require.NoError(t, err)

	first.RecordWait()
	second.RecordWait()

	assert.Equal(t, 2.0, testutil.ToFloat64(first.waits))
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop{}, OrNop(nil))

	exporter, err := NewExporter("test", prom.NewRegistry())
	require.NoError(t, err)
	assert.Same(t, exporter, OrNop(exporter))
}
