package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPopulatesEvent(t *testing.T) {
	e := New(EventActivated, "inst-1", "slack", "pid=1 port=49001")
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventActivated, e.Type)
	assert.Equal(t, "inst-1", e.InstanceID)
	assert.False(t, e.OccurredAt.IsZero())

	e2 := New(EventActivated, "inst-1", "slack", "")
	assert.NotEqual(t, e.ID, e2.ID)
}

func TestClickHouseSinkSendsJSONEachRow(t *testing.T) {
	var gotQuery string
	var gotEvent Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEvent))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewClickHouseSink(srv.URL, "bruhmcp_audit")
	e := New(EventRefreshExhausted, "inst-1", "github", "invalid_grant")
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, "INSERT INTO bruhmcp_audit FORMAT JSONEachRow", gotQuery)
	assert.Equal(t, e.ID, gotEvent.ID)
	assert.Equal(t, EventRefreshExhausted, gotEvent.Type)
}

func TestClickHouseSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewClickHouseSink(srv.URL, "t")
	assert.Error(t, sink.Send(context.Background(), New(EventDeactivated, "i", "s", "")))
}

func TestEmitToleratesFailingSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var delivered []Event
	ok := sinkFunc(func(_ context.Context, e Event) error {
		delivered = append(delivered, e)
		return nil
	})
	// failing sink first must not stop delivery to the healthy one
	Emit(context.Background(), []Sink{NewClickHouseSink(srv.URL, "t"), ok},
		New(EventProcessFailed, "inst-1", "drive", "exit status 137"))
	assert.Len(t, delivered, 1)
}

type sinkFunc func(ctx context.Context, e Event) error

func (f sinkFunc) Send(ctx context.Context, e Event) error { return f(ctx, e) }
