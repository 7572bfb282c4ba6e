package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/siftcl/internal/device"
	"github.com/cwbudde/siftcl/internal/store"
	"github.com/gorilla/websocket"
)

// newTestServer starts a server with a running worker behind httptest. The
// store is file backed and indexed when withStore is set.
func newTestServer(t *testing.T, withStore bool) (*Server, *httptest.Server) {
	t.Helper()

	var st store.Store
	if withStore {
		fs, err := store.NewFSStore(filepath.Join(t.TempDir(), "data"))
		if err != nil {
			t.Fatal(err)
		}
		idx, err := store.OpenIndexed(fs, filepath.Join(fs.BaseDir(), "index.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { idx.Close() })
		st = idx
	}

	s := NewServer(testConfig(), st)
	ctx, cancel := context.WithCancel(context.Background())
	s.StartWorker(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-s.workerDone
	})
	return s, ts
}

func postJob(t *testing.T, ts *httptest.Server, cfg JobConfig) (*http.Response, Job) {
	t.Helper()
	body, _ := json.Marshal(cfg)
	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/v1/jobs: %v", err)
	}
	defer resp.Body.Close()
	var job Job
	if resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			t.Fatalf("Failed to decode job: %v", err)
		}
	}
	return resp, job
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// waitForJob polls until the job reaches a terminal state.
func waitForJob(t *testing.T, ts *httptest.Server, id string) Job {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		var job Job
		if code := getJSON(t, ts.URL+"/api/v1/jobs/"+id, &job); code != http.StatusOK {
			t.Fatalf("GET job: status %d", code)
		}
		if job.State.Done() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return Job{}
}

func completedJob(t *testing.T, ts *httptest.Server, cfg JobConfig) Job {
	t.Helper()
	resp, job := postJob(t, ts, cfg)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}
	job = waitForJob(t, ts, job.ID)
	if job.State != StateCompleted {
		t.Fatalf("job ended %s: %s", job.State, job.Error)
	}
	return job
}

func TestServer_CreateJobValidation(t *testing.T) {
	_, ts := newTestServer(t, false)
	neg := float32(-1)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{"},
		{"missing image", `{}`},
		{"bad mode", `{"imagePath":"a.png","mode":"cmyk"}`},
		{"negative maxDim", `{"imagePath":"a.png","maxDim":-1}`},
		{"negative threshold", mustJSON(JobConfig{ImagePath: "a.png", PeakThresh: &neg})},
		{"save without store", `{"imagePath":"a.png","save":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", resp.StatusCode)
			}
		})
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func TestServer_JobLifecycle(t *testing.T) {
	_, ts := newTestServer(t, true)
	imgPath := filepath.Join(t.TempDir(), "test.png")
	createTestImage(t, imgPath)

	job := completedJob(t, ts, JobConfig{ImagePath: imgPath, Save: true})
	if !job.Saved {
		t.Error("job should report the saved result")
	}

	var jobs []Job
	if code := getJSON(t, ts.URL+"/api/v1/jobs", &jobs); code != http.StatusOK || len(jobs) != 1 {
		t.Fatalf("list jobs: status %d, %d jobs", code, len(jobs))
	}

	var kps []keypointJSON
	if code := getJSON(t, ts.URL+"/api/v1/jobs/"+job.ID+"/keypoints", &kps); code != http.StatusOK {
		t.Fatalf("keypoints: status %d", code)
	}
	if len(kps) != job.Keypoints {
		t.Errorf("got %d keypoints, job reports %d", len(kps), job.Keypoints)
	}
	for _, k := range kps {
		if k.Descriptor != nil {
			t.Fatal("descriptors returned without being requested")
		}
	}
	kps = nil
	getJSON(t, ts.URL+"/api/v1/jobs/"+job.ID+"/keypoints?descriptors=true", &kps)
	for _, k := range kps {
		if len(k.Descriptor) != 128 {
			t.Fatalf("descriptor has %d bytes", len(k.Descriptor))
		}
	}

	var prof profileResponse
	if code := getJSON(t, ts.URL+"/api/v1/jobs/"+job.ID+"/profile", &prof); code != http.StatusOK {
		t.Fatalf("profile: status %d", code)
	}
	if prof.Report == nil || len(prof.Events) == 0 || prof.Events[0].Label != "copy H->D" {
		t.Errorf("profile = %+v", prof.Report)
	}

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID + "/overlay.png")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("overlay content type = %q", ct)
	}
	overlay, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("overlay is not a PNG: %v", err)
	}
	if b := overlay.Bounds(); b.Dx() != 96 || b.Dy() != 96 {
		t.Errorf("overlay is %v", b)
	}

	// The saved result is listed, readable and deletable.
	var infos []store.ResultInfo
	if code := getJSON(t, ts.URL+"/api/v1/results", &infos); code != http.StatusOK || len(infos) != 1 || infos[0].ID != job.ID {
		t.Fatalf("results: status %d, %+v", code, infos)
	}
	var res struct {
		ID        string         `json:"id"`
		Keypoints []keypointJSON `json:"keypoints"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/results/"+job.ID, &res); code != http.StatusOK {
		t.Fatalf("result: status %d", code)
	}
	if res.ID != job.ID || len(res.Keypoints) != job.Keypoints {
		t.Errorf("result = %s with %d keypoints", res.ID, len(res.Keypoints))
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/results/"+job.ID, nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status %d", dresp.StatusCode)
	}
	if code := getJSON(t, ts.URL+"/api/v1/results/"+job.ID, nil); code != http.StatusNotFound {
		t.Errorf("deleted result: status %d", code)
	}
}

func TestServer_ResultsQuery(t *testing.T) {
	_, ts := newTestServer(t, true)
	imgPath := filepath.Join(t.TempDir(), "test.png")
	createTestImage(t, imgPath)
	completedJob(t, ts, JobConfig{ImagePath: imgPath, Save: true})

	var infos []store.ResultInfo
	getJSON(t, ts.URL+"/api/v1/results?source=nomatch", &infos)
	if len(infos) != 0 {
		t.Errorf("source filter returned %d results", len(infos))
	}
	if code := getJSON(t, ts.URL+"/api/v1/results?limit=x", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit: status %d", code)
	}
}

func TestServer_JobFailure(t *testing.T) {
	_, ts := newTestServer(t, false)

	resp, job := postJob(t, ts, JobConfig{ImagePath: "/nonexistent/image.png"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}
	job = waitForJob(t, ts, job.ID)
	if job.State != StateFailed || job.Error == "" {
		t.Errorf("job = %s (%q), want failed with an error", job.State, job.Error)
	}
}

func TestServer_NotFound(t *testing.T) {
	_, ts := newTestServer(t, false)

	for _, path := range []string{
		"/api/v1/jobs/nonexistent",
		"/api/v1/jobs/nonexistent/keypoints",
		"/api/v1/jobs/nonexistent/profile",
		"/api/v1/jobs/nonexistent/events",
		"/api/v1/jobs/nonexistent/overlay.png",
		"/api/v1/results",
		"/missing",
	} {
		if code := getJSON(t, ts.URL+path, nil); code != http.StatusNotFound {
			t.Errorf("GET %s: status %d, want 404", path, code)
		}
	}
}

func TestServer_PendingJobConflict(t *testing.T) {
	s, ts := newTestServer(t, false)

	// Created without being queued, so it stays pending.
	job := s.jobManager.CreateJob(JobConfig{ImagePath: "a.png"})
	if code := getJSON(t, ts.URL+"/api/v1/jobs/"+job.ID+"/keypoints", nil); code != http.StatusConflict {
		t.Errorf("keypoints of pending job: status %d, want 409", code)
	}
}

func TestServer_CancelJob(t *testing.T) {
	s, ts := newTestServer(t, false)
	job := s.jobManager.CreateJob(JobConfig{ImagePath: "a.png"})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/jobs/"+job.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["state"] != string(StateCancelled) {
		t.Errorf("state = %q", body["state"])
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/jobs/missing", nil)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("cancel missing job: status %d", resp2.StatusCode)
	}
}

func TestServer_Devices(t *testing.T) {
	_, ts := newTestServer(t, false)

	var platforms []device.PlatformInfo
	if code := getJSON(t, ts.URL+"/api/v1/devices", &platforms); code != http.StatusOK {
		t.Fatalf("devices: status %d", code)
	}
	if len(platforms) != 1 || len(platforms[0].Devices) != 1 {
		t.Fatalf("platforms = %+v", platforms)
	}
	if d := platforms[0].Devices[0]; d.Name != "siftcl host device" || d.Flops <= 0 {
		t.Errorf("device = %+v", d)
	}
}

func TestServer_EventStream(t *testing.T) {
	_, ts := newTestServer(t, false)
	imgPath := filepath.Join(t.TempDir(), "test.png")
	createTestImage(t, imgPath)
	job := completedJob(t, ts, JobConfig{ImagePath: imgPath})

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	// A finished job yields one event and the stream ends.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	var events []ProgressEvent
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev ProgressEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].State != StateCompleted || events[0].Keypoints != job.Keypoints {
		t.Errorf("events = %+v", events)
	}
}

func TestServer_WebSocket(t *testing.T) {
	_, ts := newTestServer(t, false)
	imgPath := filepath.Join(t.TempDir(), "test.png")
	createTestImage(t, imgPath)
	job := completedJob(t, ts, JobConfig{ImagePath: imgPath})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	if err := conn.WriteJSON(wsMessage{Type: "subscribe", JobID: "missing"}); err != nil {
		t.Fatal(err)
	}
	var env wsEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "error" || env.JobID != "missing" {
		t.Errorf("unknown job reply = %+v", env)
	}

	if err := conn.WriteJSON(wsMessage{Type: "subscribe", JobID: job.ID}); err != nil {
		t.Fatal(err)
	}
	env = wsEnvelope{}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "event" || env.Event == nil || env.Event.JobID != job.ID || env.Event.State != StateCompleted {
		t.Errorf("subscribe reply = %+v", env)
	}
}

func TestServer_IndexPage(t *testing.T) {
	s, ts := newTestServer(t, false)
	s.jobManager.CreateJob(JobConfig{ImagePath: "scans/frame-01.tif"})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("index: status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "scans/frame-01.tif") {
		t.Error("index should list the job")
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, false)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/jobs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("preflight: status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestServer_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Server.QueueSize = 1
	s := NewServer(cfg, nil) // worker never started
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, _ := postJob(t, ts, JobConfig{ImagePath: "a.png"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first job: status %d", resp.StatusCode)
	}
	resp, _ = postJob(t, ts, JobConfig{ImagePath: "b.png"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("second job: status %d, want 503", resp.StatusCode)
	}

	failed := 0
	for _, job := range s.jobManager.ListJobs() {
		if job.State == StateFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("%d failed jobs, want 1", failed)
	}
}

func TestServer_Shutdown(t *testing.T) {
	s := NewServer(testConfig(), nil)
	s.StartWorker(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	select {
	case <-s.workerDone:
	default:
		t.Error("worker still running after shutdown")
	}
}

func ExampleJobConfig() {
	peak := float32(4)
	data, _ := json.Marshal(JobConfig{ImagePath: "scan.tif", Mode: "gray", PeakThresh: &peak, Save: true})
	fmt.Println(string(data))
	// Output: {"imagePath":"scan.tif","mode":"gray","peakThresh":4,"save":true}
}
