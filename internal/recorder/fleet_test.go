package recorder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/logging"
	"github.com/sua-org/aibox-bus/internal/process"
)

const writerScript = `printf 'chunk-data' > "$1"; trap 'exit 0' TERM; while :; do sleep 0.02; done`

func scriptCommand(script string) CommandFunc {
	return func(cam core.CameraHandle, out string, _ time.Duration) process.Spec {
		return process.Spec{Name: "test:" + cam.ID, Path: "sh", Args: []string{"-c", script, "sh", out}}
	}
}

type upload struct {
	bucket string
	path   string
	data   []byte
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	fail    bool
}

func (f *fakeUploader) Upload(_ context.Context, bucket, path string, r io.Reader, size int64, _ string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", errors.New("size mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("minio unavailable")
	}
	f.uploads = append(f.uploads, upload{bucket, path, data})
	return bucket + "/" + path, nil
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type fakeCatalog struct {
	mu      sync.Mutex
	begun   []core.ChunkRecord
	commits map[string]int64
	fails   map[string]string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{commits: map[string]int64{}, fails: map[string]string{}}
}

func (c *fakeCatalog) BeginChunk(_ context.Context, rec core.ChunkRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.begun = append(c.begun, rec)
	return nil
}

func (c *fakeCatalog) CommitChunk(_ context.Context, id string, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits[id] = size
	return nil
}

func (c *fakeCatalog) FailChunk(_ context.Context, id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fails[id] = reason
	return nil
}

func (c *fakeCatalog) counts() (begun, committed, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.begun), len(c.commits), len(c.fails)
}

type harness struct {
	fleet   *Fleet
	procs   *process.Supervisor
	store   *fakeUploader
	catalog *fakeCatalog
	tempDir string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		procs: process.NewSupervisor(process.Options{
			TerminateTimeout: time.Second,
			KillTimeout:      time.Second,
			Logger:           logging.Discard(),
		}),
		store:   &fakeUploader{},
		catalog: newFakeCatalog(),
		tempDir: t.TempDir(),
	}
	opts.TempDir = h.tempDir
	opts.Logger = logging.Discard()
	if opts.Command == nil {
		opts.Command = scriptCommand(writerScript)
	}
	h.fleet = NewFleet(opts, h.procs, h.store, h.catalog)
	t.Cleanup(func() { h.fleet.StopAll(context.Background()) })
	return h
}

func (h *harness) assertClean(t *testing.T) {
	t.Helper()
	if n := h.procs.Running(); n != 0 {
		t.Errorf("%d processes still running", n)
	}
	entries, err := os.ReadDir(h.tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func chunksWithData(f *Fleet) int {
	n := 0
	for _, st := range f.Snapshot() {
		if st.TempPath == "" {
			continue
		}
		if info, err := os.Stat(st.TempPath); err == nil && info.Size() > 0 {
			n++
		}
	}
	return n
}

func camera(id string) core.CameraHandle {
	return core.CameraHandle{ID: id, DisplayName: "Portão " + id, StreamURL: "rtsp://10.0.0.9/" + id, DeviceID: "box1"}
}

func TestChunkRotationDistinctPathsNoOverlap(t *testing.T) {
	h := newHarness(t, Options{ChunkDuration: 150 * time.Millisecond, SpawnBackoff: 10 * time.Millisecond, Bucket: "recordings"})
	ctx := context.Background()

	h.fleet.Start(ctx, "cam1", camera("cam1"))
	waitFor(t, 5*time.Second, "3 uploads", func() bool { return h.store.count() >= 3 })
	h.fleet.Stop(ctx, "cam1")

	h.store.mu.Lock()
	paths := map[string]bool{}
	for _, u := range h.store.uploads {
		if paths[u.path] {
			t.Errorf("object path reused: %s", u.path)
		}
		paths[u.path] = true
		if u.bucket != "recordings" || !bytes.Equal(u.data, []byte("chunk-data")) {
			t.Errorf("upload = %s/%s %q", u.bucket, u.path, u.data)
		}
	}
	h.store.mu.Unlock()

	h.catalog.mu.Lock()
	recs := append([]core.ChunkRecord(nil), h.catalog.begun...)
	h.catalog.mu.Unlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].Start.Before(recs[j].Start) })
	for i := 1; i < len(recs); i++ {
		if recs[i].Start.Before(recs[i-1].End) {
			t.Errorf("chunk %d [%s,%s] overlaps previous ending %s", i, recs[i].Start, recs[i].End, recs[i-1].End)
		}
	}
	for _, r := range recs {
		if r.Duration > 150*time.Millisecond {
			t.Errorf("duration %s exceeds chunk", r.Duration)
		}
		if r.CameraID != "cam1" || r.Trigger != "auto" || r.Size != int64(len("chunk-data")) {
			t.Errorf("record = %+v", r)
		}
	}

	begun, committed, failed := h.catalog.counts()
	if begun != committed || failed != 0 {
		t.Errorf("begun=%d committed=%d failed=%d", begun, committed, failed)
	}
	h.assertClean(t)
}

func TestRemovedMidChunkIsFinalized(t *testing.T) {
	h := newHarness(t, Options{ChunkDuration: time.Hour})
	ctx := context.Background()

	h.fleet.Start(ctx, "cam1", camera("cam1"))
	waitFor(t, 3*time.Second, "chunk with data", func() bool { return chunksWithData(h.fleet) == 1 })

	start := time.Now()
	h.fleet.Stop(ctx, "cam1")
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Stop took %s", elapsed)
	}
	if n := h.store.count(); n != 1 {
		t.Fatalf("uploads = %d, want 1 (in-flight chunk finalized)", n)
	}
	if h.fleet.Len() != 0 {
		t.Errorf("Len = %d", h.fleet.Len())
	}
	h.assertClean(t)
}

func TestUploadFailureStillDeletesTempFile(t *testing.T) {
	h := newHarness(t, Options{ChunkDuration: 100 * time.Millisecond, SpawnBackoff: 10 * time.Millisecond})
	h.store.fail = true
	ctx := context.Background()

	h.fleet.Start(ctx, "cam1", camera("cam1"))
	waitFor(t, 5*time.Second, "failed chunk", func() bool {
		_, _, failed := h.catalog.counts()
		return failed >= 1
	})
	h.fleet.Stop(ctx, "cam1")

	begun, committed, failed := h.catalog.counts()
	if committed != 0 || failed != begun {
		t.Errorf("begun=%d committed=%d failed=%d", begun, committed, failed)
	}
	h.assertClean(t)
}

func TestSpawnFailureBacksOffWithoutBlockingOthers(t *testing.T) {
	good := scriptCommand(writerScript)
	cmd := func(cam core.CameraHandle, out string, chunk time.Duration) process.Spec {
		if cam.ID == "broken" {
			return process.Spec{Name: "missing", Path: "/nonexistent/ffmpeg"}
		}
		return good(cam, out, chunk)
	}
	h := newHarness(t, Options{ChunkDuration: 100 * time.Millisecond, SpawnBackoff: time.Hour, Command: cmd})
	ctx := context.Background()

	h.fleet.Start(ctx, "broken", camera("broken"))
	h.fleet.Start(ctx, "cam1", camera("cam1"))

	waitFor(t, 3*time.Second, "spawn failure", func() bool {
		for _, st := range h.fleet.Snapshot() {
			if st.ID == "broken" && st.SpawnFailures == 1 {
				return true
			}
		}
		return false
	})
	waitFor(t, 5*time.Second, "healthy camera uploads", func() bool { return h.store.count() >= 2 })

	for _, st := range h.fleet.Snapshot() {
		if st.ID == "broken" {
			if st.SpawnFailures != 1 {
				t.Errorf("retried during backoff: %d failures", st.SpawnFailures)
			}
			if !strings.Contains(st.LastError, "spawn failed") {
				t.Errorf("last error = %q", st.LastError)
			}
		}
	}

	start := time.Now()
	h.fleet.Stop(ctx, "broken")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop during backoff took %s", elapsed)
	}
	h.fleet.Stop(ctx, "cam1")
	h.assertClean(t)
}

func TestProcessWithoutOutputBacksOff(t *testing.T) {
	h := newHarness(t, Options{ChunkDuration: time.Hour, SpawnBackoff: time.Hour, Command: scriptCommand(`echo "Connection refused" >&2; exit 1`)})
	ctx := context.Background()

	h.fleet.Start(ctx, "cam1", camera("cam1"))
	waitFor(t, 3*time.Second, "failure recorded", func() bool {
		st := h.fleet.Snapshot()
		return len(st) == 1 && st[0].SpawnFailures == 1
	})
	st := h.fleet.Snapshot()[0]
	if !strings.Contains(st.LastError, "without output") || !strings.Contains(st.LastError, "Connection refused") {
		t.Errorf("last error = %q", st.LastError)
	}
	h.fleet.Stop(ctx, "cam1")
	if h.store.count() != 0 {
		t.Errorf("nothing should be uploaded")
	}
	h.assertClean(t)
}

func TestProcessExitingEarlyWithOutputBacksOff(t *testing.T) {
	cases := map[string]string{
		"non-zero exit": `printf 'x' > "$1"; echo "Connection reset by peer" >&2; exit 1`,
		"clean exit":    `printf 'x' > "$1"; exit 0`,
	}
	for name, script := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Options{ChunkDuration: time.Hour, SpawnBackoff: time.Hour, Command: scriptCommand(script)})
			ctx := context.Background()

			h.fleet.Start(ctx, "cam1", camera("cam1"))
			waitFor(t, 3*time.Second, "failure recorded", func() bool {
				st := h.fleet.Snapshot()
				return len(st) == 1 && st[0].SpawnFailures == 1
			})
			// dentro do backoff nada pode ser reiniciado
			time.Sleep(300 * time.Millisecond)

			st := h.fleet.Snapshot()[0]
			if st.SpawnFailures != 1 {
				t.Errorf("spawn failures = %d, want 1", st.SpawnFailures)
			}
			if !strings.Contains(st.LastError, "before end of chunk") {
				t.Errorf("last error = %q", st.LastError)
			}
			if name == "non-zero exit" && !strings.Contains(st.LastError, "Connection reset by peer") {
				t.Errorf("last error should carry stderr: %q", st.LastError)
			}
			if n := h.store.count(); n != 1 {
				t.Errorf("uploads = %d, want only the partial chunk", n)
			}
			if begun, committed, _ := h.catalog.counts(); begun != 1 || committed != 1 {
				t.Errorf("catalog begun=%d committed=%d, want 1/1", begun, committed)
			}

			h.fleet.Stop(ctx, "cam1")
			h.assertClean(t)
		})
	}
}

func TestStopAllLeavesNoProcesses(t *testing.T) {
	h := newHarness(t, Options{ChunkDuration: time.Hour})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		h.fleet.Start(ctx, id, camera(id))
	}
	waitFor(t, 3*time.Second, "3 chunks with data", func() bool { return chunksWithData(h.fleet) == 3 })

	h.fleet.StopAll(ctx)
	if h.fleet.Len() != 0 {
		t.Errorf("Len = %d", h.fleet.Len())
	}
	if h.store.count() != 3 {
		t.Errorf("uploads = %d, want 3", h.store.count())
	}
	h.assertClean(t)
}

func TestCancelParentContextFinalizes(t *testing.T) {
	h := newHarness(t, Options{ChunkDuration: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	h.fleet.Start(ctx, "cam1", camera("cam1"))
	waitFor(t, 3*time.Second, "process", func() bool { return h.procs.Running() == 1 })

	cancel()
	h.fleet.Stop(context.Background(), "cam1")
	h.assertClean(t)
}
