package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/contentsync/syncd/app/jobs"
	"github.com/contentsync/syncd/app/retry"
	"github.com/contentsync/syncd/app/service"
	"github.com/contentsync/syncd/app/sources"
)

type fakeSources struct {
	specs []sources.Spec
	err   error
}

func (f *fakeSources) List() ([]sources.Spec, error) { return f.specs, f.err }

func newTestServer(t *testing.T) (*Server, *jobs.Tracker, chan service.Request) {
	t.Helper()
	tracker := jobs.NewTracker(jobs.TrackerParams{})
	t.Cleanup(tracker.Close)

	requests := make(chan service.Request, 8)
	srv := &Server{
		Version: "test",
		Tracker: tracker,
		Errors:  retry.NewManager(retry.Options{}),
		Sources: &fakeSources{specs: []sources.Spec{
			{Name: "docs", Type: "markdown", Command: "sync-docs"},
			{Name: "blog", Type: "html", Command: "sync-blog"},
		}},
		Requests: requests,
	}
	return srv, tracker, requests
}

func TestServer_Status(t *testing.T) {
	srv, tracker, _ := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	tracker.Create("markdown")
	running := tracker.Create("markdown")
	tracker.SetStatus(running, jobs.StatusRunning, nil)
	done := tracker.Create("html")
	tracker.SetStatus(done, jobs.StatusRunning, nil)
	tracker.SetStatus(done, jobs.StatusCompleted, &jobs.Result{Success: true})
	failed := tracker.Create("html")
	tracker.SetStatus(failed, jobs.StatusFailed, &jobs.Result{Error: "boom"})

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status APIStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 4, status.Stats.Total)
	assert.Equal(t, 1, status.Stats.Pending)
	assert.Equal(t, 1, status.Stats.Running)
	assert.Equal(t, 1, status.Stats.Completed)
	assert.Equal(t, 1, status.Stats.Failed)
	assert.False(t, status.Timestamp.IsZero())
}

func TestServer_ListJobs(t *testing.T) {
	srv, tracker, _ := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	tracker.Create("markdown")
	tracker.Create("markdown")
	failed := tracker.Create("html")
	tracker.SetStatus(failed, jobs.StatusFailed, &jobs.Result{Error: "boom"})

	getJobs := func(url string) []APIJob {
		resp, err := http.Get(url)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var list []APIJob
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		return list
	}

	assert.Len(t, getJobs(ts.URL+"/api/v1/jobs"), 3)
	assert.Len(t, getJobs(ts.URL+"/api/v1/jobs?type=markdown"), 2)

	byStatus := getJobs(ts.URL + "/api/v1/jobs?status=failed")
	require.Len(t, byStatus, 1)
	assert.Equal(t, failed, byStatus[0].ID)
	require.NotNil(t, byStatus[0].Result)
	assert.Equal(t, "boom", byStatus[0].Result.Error)
}

func TestServer_GetJob(t *testing.T) {
	srv, tracker, _ := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	id := tracker.Create("markdown")
	tracker.SetProgress(id, 1, 3, "running sync command")

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job APIJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "markdown", job.Type)
	require.NotNil(t, job.Progress)
	assert.Equal(t, "running sync command", job.Progress.Message)

	resp2, err := http.Get(ts.URL + "/api/v1/jobs/no-such-id")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestServer_SubmitJob(t *testing.T) {
	srv, tracker, requests := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{"source":"docs"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var res map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.NotEmpty(t, res["id"])

	job, ok := tracker.Get(res["id"])
	require.True(t, ok)
	assert.Equal(t, "markdown", job.Type)
	assert.Equal(t, jobs.StatusPending, job.Status)

	select {
	case req := <-requests:
		assert.Equal(t, res["id"], req.JobID)
		assert.Equal(t, "docs", req.Source)
	case <-time.After(time.Second):
		t.Fatal("request not queued")
	}
}

func TestServer_SubmitJobTypeOverride(t *testing.T) {
	srv, tracker, _ := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json",
		strings.NewReader(`{"source":"docs","type":"markdown:full"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var res map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	job, ok := tracker.Get(res["id"])
	require.True(t, ok)
	assert.Equal(t, "markdown:full", job.Type)
}

func TestServer_SubmitJobUnknownSource(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{"source":"nope"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SubmitJobBadBody(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SubmitJobSourcesFailure(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.Sources = &fakeSources{err: errors.New("no config")}
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{"source":"docs"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServer_SubmitJobQueueFull(t *testing.T) {
	srv, tracker, _ := newTestServer(t)
	srv.Requests = make(chan service.Request) // unbuffered, nobody reads
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{"source":"docs"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, tracker.List(), "job record removed after failed submit")
}

func TestServer_SubmitJobRateLimited(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	first, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{"source":"docs"}`))
	require.NoError(t, err)
	first.Body.Close()
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	second, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(`{"source":"docs"}`))
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestServer_DeleteJob(t *testing.T) {
	srv, tracker, _ := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	doDelete := func(id string) int {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/jobs/"+id, http.NoBody)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	done := tracker.Create("markdown")
	tracker.SetStatus(done, jobs.StatusCompleted, &jobs.Result{Success: true})
	assert.Equal(t, http.StatusOK, doDelete(done))
	_, ok := tracker.Get(done)
	assert.False(t, ok)

	running := tracker.Create("markdown")
	tracker.SetStatus(running, jobs.StatusRunning, nil)
	assert.Equal(t, http.StatusConflict, doDelete(running))

	assert.Equal(t, http.StatusNotFound, doDelete("no-such-id"))
}

func TestServer_Errors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mgr := retry.NewManager(retry.Options{})
	srv.Errors = mgr
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	mgr.RecordError("sync:docs", errors.New("ECONNRESET"), nil)
	mgr.RecordError("sync:docs", errors.New("ECONNRESET"), nil)
	mgr.RecordError("push:blog", errors.New("403 Forbidden"), nil)

	resp, err := http.Get(ts.URL + "/api/v1/errors")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report retry.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 3, report.TotalErrors)
	assert.Equal(t, 2, report.ByOperation["sync:docs"])

	unresolved, err := http.Get(ts.URL + "/api/v1/errors/unresolved")
	require.NoError(t, err)
	defer unresolved.Body.Close()
	var cnt map[string]int
	require.NoError(t, json.NewDecoder(unresolved.Body).Decode(&cnt))
	assert.Equal(t, 2, cnt["count"])

	resolve, err := http.Post(ts.URL+"/api/v1/errors/resolve", "application/json",
		strings.NewReader(`{"operation":"sync:docs"}`))
	require.NoError(t, err)
	resolve.Body.Close()
	require.Equal(t, http.StatusOK, resolve.StatusCode)
	assert.Equal(t, 1, mgr.UnresolvedCount())

	bad, err := http.Post(ts.URL+"/api/v1/errors/resolve", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestServer_Auth(t *testing.T) {
	srv, tracker, _ := newTestServer(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	srv.AuthHash = string(hash)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	tracker.Create("markdown")

	t.Run("no credentials", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/jobs")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
	})

	t.Run("wrong password", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs", http.NoBody)
		require.NoError(t, err)
		req.SetBasicAuth("syncd", "wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid password", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs", http.NoBody)
		require.NoError(t, err)
		req.SetBasicAuth("syncd", "secret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("ping bypasses auth", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/ping")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
