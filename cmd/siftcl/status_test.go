package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cwbudde/siftcl/internal/config"
	"github.com/cwbudde/siftcl/internal/server"
)

// newStatusServer serves the real API without a worker, so posted jobs
// stay pending.
func newStatusServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := server.NewServer(config.DefaultConfig(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postTestJob(t *testing.T, base, imagePath string) string {
	t.Helper()
	body, _ := json.Marshal(server.JobConfig{ImagePath: imagePath, Mode: "gray"})
	resp, err := http.Post(base+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job: %s", resp.Status)
	}
	var job server.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatal(err)
	}
	return job.ID
}

func TestListJobs(t *testing.T) {
	ts := newStatusServer(t)

	var out bytes.Buffer
	if err := listJobs(ts.Client(), ts.URL, &out); err != nil {
		t.Fatalf("listJobs: %v", err)
	}
	if !strings.Contains(out.String(), "No jobs found") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	postTestJob(t, ts.URL, "a.png")
	postTestJob(t, ts.URL, "b.png")

	out.Reset()
	if err := listJobs(ts.Client(), ts.URL+"/", &out); err != nil {
		t.Fatalf("listJobs: %v", err)
	}
	for _, want := range []string{"a.png", "b.png", "pending", "Total jobs: 2"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestShowJob(t *testing.T) {
	ts := newStatusServer(t)
	id := postTestJob(t, ts.URL, "scan.png")

	var out bytes.Buffer
	if err := showJob(ts.Client(), ts.URL, id, &out); err != nil {
		t.Fatalf("showJob: %v", err)
	}
	for _, want := range []string{"Job: " + id, "State: pending", "Image: scan.png", "Mode: gray"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestShowJob_NotFound(t *testing.T) {
	ts := newStatusServer(t)

	var out bytes.Buffer
	err := showJob(ts.Client(), ts.URL, "missing", &out)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("showJob(missing) = %v, want a 404 error", err)
	}
}

func TestStatus_Unreachable(t *testing.T) {
	ts := newStatusServer(t)
	url := ts.URL
	ts.Close()

	if err := listJobs(http.DefaultClient, url, &bytes.Buffer{}); err == nil ||
		!strings.Contains(err.Error(), "failed to connect") {
		t.Errorf("listJobs on a closed server = %v", err)
	}
}
