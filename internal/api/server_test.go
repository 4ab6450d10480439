package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livereview/lrmaint/internal/diff"
	"github.com/livereview/lrmaint/internal/partitioning"
)

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

type recordingQueue struct {
	onlyOn  []string
	analyze []bool
	err     error
}

func (q *recordingQueue) QueuePartitionSync(ctx context.Context, onlyOn string, analyze bool) error {
	q.onlyOn = append(q.onlyOn, onlyOn)
	q.analyze = append(q.analyze, analyze)
	return q.err
}

type emptyRepository struct{}

func (emptyRepository) Compare(_ context.Context, from, to string, _ diff.CompareOptions) (*diff.Collection, error) {
	return &diff.Collection{Refs: diff.Refs{BaseSHA: from, StartSHA: from, HeadSHA: to}}, nil
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(0, Dependencies{Databases: map[string]Pinger{"main": pinger{}}})
	rec := serve(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	s = NewServer(0, Dependencies{Databases: map[string]Pinger{
		"main": pinger{},
		"ci":   pinger{err: errors.New("connection refused")},
	}})
	rec = serve(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","databases":{"ci":"connection refused"}}`, rec.Body.String())
}

func TestMetrics(t *testing.T) {
	rec := serve(NewServer(0, Dependencies{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListPartitionedTables(t *testing.T) {
	s := NewServer(0, Dependencies{Tables: []partitioning.StrategyConfig{
		{Kind: partitioning.KindSlidingList, PartitioningKey: "partition_id", Model: partitioning.Model{Table: "web_hook_logs", Database: "main"}},
		{Kind: partitioning.KindMonthly, PartitioningKey: "created_at", Model: partitioning.Model{Table: "audit_events", Database: "main"}},
	}})

	rec := serve(s, http.MethodGet, "/api/v1/partitions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"table":"audit_events","database":"main","strategy":"monthly","key":"created_at"},
		{"table":"web_hook_logs","database":"main","strategy":"sliding_list","key":"partition_id"}
	]`, rec.Body.String())
}

func TestQueuePartitionSync(t *testing.T) {
	rec := serve(NewServer(0, Dependencies{}), http.MethodPost, "/api/v1/partitions/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	queue := &recordingQueue{}
	s := NewServer(0, Dependencies{Queue: queue})

	rec = serve(s, http.MethodPost, "/api/v1/partitions/sync?only_on=ci&analyze=false", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = serve(s, http.MethodPost, "/api/v1/partitions/sync", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, []string{"ci", ""}, queue.onlyOn)
	assert.Equal(t, []bool{false, true}, queue.analyze)

	queue.err = errors.New("pool closed")
	rec = serve(s, http.MethodPost, "/api/v1/partitions/sync", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTracePosition(t *testing.T) {
	s := NewServer(0, Dependencies{Repository: emptyRepository{}})

	body := `{
		"old_diff_refs": {"base_sha":"a1","start_sha":"a1","head_sha":"b1"},
		"new_diff_refs": {"base_sha":"c1","start_sha":"c1","head_sha":"d1"},
		"position": {"position_type":"text","old_path":"foo.rb","new_path":"foo.rb","old_line":10,"new_line":10}
	}`
	rec := serve(s, http.MethodPost, "/api/v1/positions/trace", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Contains(t, res, "outdated")
	assert.Contains(t, res, "position")
}

func TestTracePosition_BadRequests(t *testing.T) {
	rec := serve(NewServer(0, Dependencies{}), http.MethodPost, "/api/v1/positions/trace", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s := NewServer(0, Dependencies{Repository: emptyRepository{}})

	rec = serve(s, http.MethodPost, "/api/v1/positions/trace", `{"old_diff_refs":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, http.MethodPost, "/api/v1/positions/trace", `{
		"old_diff_refs": {"base_sha":"a1"},
		"new_diff_refs": {"base_sha":"c1","start_sha":"c1","head_sha":"d1"},
		"position": {"position_type":"text","new_path":"foo.rb","new_line":1}
	}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
