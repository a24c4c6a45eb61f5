package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterSum adds up every series of the named counter in m's registry.
func counterSum(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestCountersAreIsolatedPerInstance(t *testing.T) {
	a, b := New(), New()
	a.RowsTotal.WithLabelValues("legacy_portal", "imported").Add(3)

	assert.Equal(t, 3.0, counterSum(t, a, "m365ir_import_rows_total"))
	assert.Equal(t, 0.0, counterSum(t, b, "m365ir_import_rows_total"))
}

func TestPushEmptyURL(t *testing.T) {
	assert.NoError(t, New().Push(context.Background(), "", "m365ir"))
}

func TestPush(t *testing.T) {
	var body string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.FilesTotal.WithLabelValues("completed").Inc()
	require.NoError(t, m.Push(context.Background(), srv.URL, "m365ir"))

	assert.True(t, strings.HasPrefix(path, "/metrics/job/m365ir"), path)
	assert.NotEmpty(t, body)
}

func TestPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	assert.Error(t, New().Push(context.Background(), srv.URL, "m365ir"))
}
