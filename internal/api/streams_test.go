package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/remi71350-droid/perception-lab/internal/perception"
	"github.com/remi71350-droid/perception-lab/internal/pipeline"
	"github.com/remi71350-droid/perception-lab/internal/runs"
	"github.com/remi71350-droid/perception-lab/internal/testutil"
	"github.com/remi71350-droid/perception-lab/internal/timeutil"
)

func writeFrames(t *testing.T, dir string, n int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, fmt.Sprintf("frame_%03d.jpg", i))
		if err := os.WriteFile(name, testutil.JPEGFrame(t, 32, 32), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

// waitIdle polls /run_control until the background stream has finished.
func waitIdle(t *testing.T, ts testServer) streamStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := ts.do(t, http.MethodPost, "/run_control", map[string]any{"action": "status"})
		expectStatus(t, rec, http.StatusOK)
		var st streamStatus
		testutil.DecodeJSON(t, rec, &st)
		if !st.Running {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("stream for run %s still running after 5s", st.RunID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readFrameIDs(t *testing.T, reg *runs.Registry, runID string) []int {
	t.Helper()
	events, err := reg.ReadEvents(runID)
	if err != nil {
		t.Fatalf("ReadEvents(%s) error = %v", runID, err)
	}
	ids := make([]int, len(events))
	for i, ev := range events {
		ids[i] = ev.FrameID
	}
	return ids
}

func assertSequential(t *testing.T, ids []int, want int) {
	t.Helper()
	if len(ids) != want {
		t.Fatalf("logged %d frames %v, want %d", len(ids), ids, want)
	}
	for i, id := range ids {
		if id != i {
			t.Fatalf("frame_id at log position %d = %d, want %d (log: %v)", i, id, i, ids)
		}
	}
}

func TestRunVideo(t *testing.T) {
	ts := setupTestServer(t)
	dir := filepath.Join(ts.media, "clip")
	writeFrames(t, dir, 3)

	rec := ts.do(t, http.MethodPost, "/run_video", map[string]any{
		"video_path": dir,
		"run_id":     "video-run",
		"target_fps": 100,
	})
	expectStatus(t, rec, http.StatusAccepted)
	var accepted map[string]string
	testutil.DecodeJSON(t, rec, &accepted)
	if accepted["status"] != "accepted" || accepted["run_id"] != "video-run" {
		t.Errorf("response = %v", accepted)
	}

	st := waitIdle(t, ts)
	if st.RunID != "video-run" {
		t.Errorf("status run_id = %q", st.RunID)
	}
	if st.Stats == nil {
		t.Fatal("finished stream reported no stats")
	}
	if st.Stats.Frames != 3 || st.StopReason != pipeline.StopExhausted {
		t.Errorf("stats = %+v, stop_reason = %q; want 3 frames exhausted", *st.Stats, st.StopReason)
	}
	if st.Error != "" {
		t.Errorf("stream error = %q", st.Error)
	}
	assertSequential(t, readFrameIDs(t, ts.registry, "video-run"), 3)
}

func TestRunVideoMaxFrames(t *testing.T) {
	ts := setupTestServer(t)
	dir := filepath.Join(ts.media, "clip")
	writeFrames(t, dir, 4)

	rec := ts.do(t, http.MethodPost, "/run_video", map[string]any{
		"video_path": dir,
		"max_frames": 2,
		"target_fps": 120,
	})
	expectStatus(t, rec, http.StatusAccepted)
	st := waitIdle(t, ts)
	if st.Stats == nil || st.Stats.Frames != 2 || st.StopReason != pipeline.StopMaxFrames {
		t.Errorf("status = %+v, want 2 frames stopped by max_frames", st)
	}
}

func TestRunVideoRejects(t *testing.T) {
	ts := setupTestServer(t)
	outside := t.TempDir()
	writeFrames(t, outside, 1)
	clip := filepath.Join(ts.media, "clip")
	writeFrames(t, clip, 1)
	mp4 := filepath.Join(ts.media, "clip.mp4")
	if err := os.WriteFile(mp4, []byte("ftyp"), 0o644); err != nil {
		t.Fatalf("write mp4: %v", err)
	}

	tests := []struct {
		name string
		body map[string]any
	}{
		{"outside media roots", map[string]any{"video_path": outside}},
		{"unsupported container", map[string]any{"video_path": mp4}},
		{"missing", map[string]any{"video_path": filepath.Join(ts.media, "nope")}},
		{"fps above cap", map[string]any{"video_path": clip, "target_fps": 1000}},
		{"negative max frames", map[string]any{"video_path": clip, "max_frames": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/run_video", tt.body)
			testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
		})
	}
}

func TestRunControl(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/run_control", map[string]any{"action": "stop"})
	expectStatus(t, rec, http.StatusOK)
	var body map[string]any
	testutil.DecodeJSON(t, rec, &body)
	if body["status"] != "idle" {
		t.Errorf("stop with no stream = %v, want idle", body)
	}

	rec = ts.do(t, http.MethodPost, "/run_control", map[string]any{"action": "status"})
	expectStatus(t, rec, http.StatusOK)
	var st streamStatus
	testutil.DecodeJSON(t, rec, &st)
	if st.Running {
		t.Error("status reports a running stream before any was started")
	}

	rec = ts.do(t, http.MethodPost, "/run_control", map[string]any{"action": "pause"})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestRunVideoStopAndConflict(t *testing.T) {
	ts := setupTestServer(t)
	dir := filepath.Join(ts.media, "clip")
	writeFrames(t, dir, 5)

	// one frame per second keeps the stream busy long enough to observe
	rec := ts.do(t, http.MethodPost, "/run_video", map[string]any{"video_path": dir, "target_fps": 1})
	expectStatus(t, rec, http.StatusAccepted)

	rec = ts.do(t, http.MethodPost, "/run_video", map[string]any{"video_path": dir})
	testutil.AssertStatusCode(t, rec.Code, http.StatusConflict)

	rec = ts.do(t, http.MethodPost, "/run_control", map[string]any{"action": "stop"})
	expectStatus(t, rec, http.StatusOK)
	var body map[string]any
	testutil.DecodeJSON(t, rec, &body)
	if body["status"] != "stopping" {
		t.Errorf("stop response = %v, want stopping", body)
	}

	// the pacing wait is cut short only by shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	st := waitIdle(t, ts)
	if st.Stats == nil || st.Stats.Frames >= 5 {
		t.Errorf("status = %+v, want the stream cut short", st)
	}
}

func TestRunVideoRestartsStoppedRun(t *testing.T) {
	ts := setupTestServer(t)
	dir := filepath.Join(ts.media, "clip")
	writeFrames(t, dir, 3)

	rec := ts.do(t, http.MethodPost, "/run_video", map[string]any{"video_path": dir, "run_id": "again", "target_fps": 1})
	expectStatus(t, rec, http.StatusAccepted)
	rec = ts.do(t, http.MethodPost, "/run_control", map[string]any{"action": "stop"})
	expectStatus(t, rec, http.StatusOK)
	first := waitIdle(t, ts)
	if first.StopReason != pipeline.StopRequested {
		t.Fatalf("first stream stop_reason = %q, want %q", first.StopReason, pipeline.StopRequested)
	}

	rec = ts.do(t, http.MethodPost, "/run_video", map[string]any{"video_path": dir, "run_id": "again", "target_fps": 120})
	expectStatus(t, rec, http.StatusAccepted)
	second := waitIdle(t, ts)
	if second.Stats == nil || second.Stats.Frames != 3 || second.StopReason != pipeline.StopExhausted {
		t.Errorf("second stream = %+v, want all 3 frames", second)
	}
	assertSequential(t, readFrameIDs(t, ts.registry, "again"), first.Stats.Frames+3)
}

// Requests without a run_id in the same second as a running stream mint
// the same timestamp id and must share its session.
func TestRunFrameJoinsStreamMintedInSameSecond(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ts := setupTestServer(t, runs.WithClock(clock))
	dir := filepath.Join(ts.media, "clip")
	writeFrames(t, dir, 10)

	rec := ts.do(t, http.MethodPost, "/run_video", map[string]any{"video_path": dir, "target_fps": 20})
	expectStatus(t, rec, http.StatusAccepted)
	var accepted map[string]string
	testutil.DecodeJSON(t, rec, &accepted)
	runID := accepted["run_id"]

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/run_frame", map[string]any{"image_b64": frameB64(t)})
		expectStatus(t, rec, http.StatusOK)
		var ev perception.Event
		testutil.DecodeJSON(t, rec, &ev)
		if ev.RunID != runID {
			t.Fatalf("run_frame logged to %q, want the stream's run %q", ev.RunID, runID)
		}
	}

	st := waitIdle(t, ts)
	if st.Stats == nil || st.Stats.Frames != 10 {
		t.Errorf("stream status = %+v, want 10 frames", st)
	}
	assertSequential(t, readFrameIDs(t, ts.registry, runID), 13)
}

func TestRunStreamSSE(t *testing.T) {
	ts := setupTestServer(t)
	if _, err := ts.registry.EnsureRun("live"); err != nil {
		t.Fatalf("EnsureRun() error = %v", err)
	}

	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/runs/live/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || line != ": ping\n" {
		t.Fatalf("first line = %q, %v; want ping comment", line, err)
	}

	rec := ts.do(t, http.MethodPost, "/run_frame", map[string]any{"image_b64": frameB64(t), "run_id": "live"})
	expectStatus(t, rec, http.StatusOK)

	for !strings.HasPrefix(line, "data: ") {
		if line, err = reader.ReadString('\n'); err != nil {
			t.Fatalf("read stream: %v", err)
		}
	}
	var ev perception.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode event %q: %v", line, err)
	}
	if ev.RunID != "live" || ev.FrameID != 0 {
		t.Errorf("streamed event = run %q frame %d", ev.RunID, ev.FrameID)
	}
}

func TestRunStreamUnknownRun(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/runs/ghost/stream", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}
