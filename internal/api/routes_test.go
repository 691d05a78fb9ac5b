package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/proctor/internal/analysis"
	"github.com/andresmejia3/proctor/internal/labelwriter"
	"github.com/andresmejia3/proctor/internal/logging"
	"github.com/andresmejia3/proctor/internal/pipeline"
	"github.com/andresmejia3/proctor/internal/store"
	"github.com/andresmejia3/proctor/internal/types"
)

// memStore is an in-memory store.Store.
type memStore struct {
	mu   sync.Mutex
	rows []store.Annotation
	fail error
}

func (m *memStore) SaveAnnotation(ctx context.Context, a store.Annotation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	a.ID = int64(len(m.rows) + 1)
	a.CreatedAt = time.Now()
	m.rows = append(m.rows, a)
	return a.ID, nil
}

func (m *memStore) ListAnnotations(ctx context.Context) ([]store.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Annotation(nil), m.rows...), m.fail
}

func (m *memStore) GetAnnotation(ctx context.Context, frameName string) (store.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].FrameName == frameName {
			return m.rows[i], nil
		}
	}
	return store.Annotation{}, store.ErrNotFound
}

func (m *memStore) LabelCounts(ctx context.Context, videoName string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, a := range m.rows {
		if a.VideoName == videoName {
			counts[a.Label]++
		}
	}
	return counts, nil
}

func (m *memStore) Reset(ctx context.Context) error { m.rows = nil; return nil }
func (m *memStore) Close() error                    { return nil }

type testEnv struct {
	cfg    ServerConfig
	store  *memStore
	router http.Handler
}

// newTestEnv wires a router whose labeler writes two frames and labels the
// first one Cheating.
func newTestEnv(t *testing.T, label LabelFunc) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st := &memStore{}
	cfg := ServerConfig{
		Store:          st,
		UploadDir:      filepath.Join(dir, "input_videos"),
		FramesDir:      filepath.Join(dir, "static", "frames"),
		LabelsFile:     filepath.Join(dir, "predicted_labels.json"),
		MaxUploadBytes: 1 << 20,
		Logger:         logging.Discard(),
		StartTime:      time.Now(),
	}
	if label == nil {
		label = func(ctx context.Context, videoPath, videoName string) (*pipeline.Result, error) {
			if _, err := os.Stat(videoPath); err != nil {
				return nil, err
			}
			return writeFrames(cfg.FramesDir, videoName, types.Cheating, types.NotCheating)
		}
	}
	cfg.Label = label
	return &testEnv{cfg: cfg, store: st, router: NewRouter(cfg)}
}

// writeFrames stores one placeholder JPEG per label, newest first, and
// returns the matching records in frame order.
func writeFrames(dir, videoName string, labels ...types.FrameLabel) (*pipeline.Result, error) {
	res := &pipeline.Result{VideoName: videoName}
	for i := len(labels) - 1; i >= 0; i-- {
		name := types.FrameName(videoName, i, i)
		if err := os.WriteFile(filepath.Join(dir, name), []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0644); err != nil {
			return nil, err
		}
	}
	for i, l := range labels {
		res.Records = append(res.Records, types.LabeledFrameRecord{
			FrameName: types.FrameName(videoName, i, i), PredictedLabel: l, FrameIndex: i, TimestampSec: i,
		})
	}
	return res, nil
}

func mp4Bytes() []byte {
	b := []byte{0x00, 0x00, 0x00, 0x18}
	b = append(b, []byte("ftypmp42")...)
	b = append(b, 0x00, 0x00, 0x00, 0x00)
	b = append(b, []byte("mp42isom")...)
	return append(b, make([]byte, 256)...)
}

func multipartBody(t *testing.T, field, filename string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(content)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, field, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, field, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decode[HealthResponse](t, rr); got.Status != "ok" {
		t.Errorf("health = %+v", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestUploadSuccess(t *testing.T) {
	env := newTestEnv(t, nil)

	// Leftovers from a previous upload must disappear, other files stay
	os.MkdirAll(env.cfg.FramesDir, 0755)
	os.WriteFile(filepath.Join(env.cfg.FramesDir, "old_frame0_t0.jpg"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(env.cfg.FramesDir, "README"), []byte("x"), 0644)

	rr := env.upload(t, "video", "My Exam.mp4", mp4Bytes())
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	resp := decode[UploadResponse](t, rr)
	if resp.Status != "success" || len(resp.Frames) != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if !strings.HasSuffix(resp.Frames[0], "_My_Exam_frame0_t0.jpg") || !strings.HasSuffix(resp.Frames[1], "_My_Exam_frame1_t1.jpg") {
		t.Errorf("frames not sorted or misnamed: %v", resp.Frames)
	}
	if resp.Labels[0] != "Cheating" || resp.Labels[1] != "NotCheating" {
		t.Errorf("labels = %v", resp.Labels)
	}

	if _, err := os.Stat(filepath.Join(env.cfg.FramesDir, "old_frame0_t0.jpg")); !os.IsNotExist(err) {
		t.Error("stale frame was not cleared")
	}
	if _, err := os.Stat(filepath.Join(env.cfg.FramesDir, "README")); err != nil {
		t.Error("non-frame file was removed")
	}

	records, err := labelwriter.Read(env.cfg.LabelsFile)
	if err != nil || len(records) != 1 {
		t.Errorf("artifact = %+v, %v", records, err)
	}

	stored, _ := os.ReadDir(env.cfg.UploadDir)
	if len(stored) != 1 || !strings.HasSuffix(stored[0].Name(), "_My_Exam.mp4") {
		t.Errorf("stored uploads = %v", stored)
	}
}

func TestUploadFramesInRunOrder(t *testing.T) {
	labels := make([]types.FrameLabel, 12)
	for i := range labels {
		labels[i] = types.NotCheating
	}
	labels[10] = types.Cheating

	var env *testEnv
	env = newTestEnv(t, func(ctx context.Context, videoPath, videoName string) (*pipeline.Result, error) {
		return writeFrames(env.cfg.FramesDir, videoName, labels...)
	})

	rr := env.upload(t, "video", "exam.mp4", mp4Bytes())
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	resp := decode[UploadResponse](t, rr)
	if len(resp.Frames) != 12 {
		t.Fatalf("got %d frames", len(resp.Frames))
	}
	for i, f := range resp.Frames {
		if want := fmt.Sprintf("_exam_frame%d_t%d.jpg", i, i); !strings.HasSuffix(f, want) {
			t.Errorf("frame %d = %s, want suffix %s", i, f, want)
		}
	}
	if resp.Labels[10] != "Cheating" || resp.Labels[2] != "NotCheating" {
		t.Errorf("labels = %v", resp.Labels)
	}
}

func TestUploadFallsBackToFramesOnDisk(t *testing.T) {
	var env *testEnv
	env = newTestEnv(t, func(ctx context.Context, videoPath, videoName string) (*pipeline.Result, error) {
		if _, err := writeFrames(env.cfg.FramesDir, videoName, make([]types.FrameLabel, 11)...); err != nil {
			return nil, err
		}
		return &pipeline.Result{VideoName: videoName}, nil
	})

	rr := env.upload(t, "video", "exam.mp4", mp4Bytes())
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	resp := decode[UploadResponse](t, rr)
	if len(resp.Frames) != 11 {
		t.Fatalf("got %d frames", len(resp.Frames))
	}
	if !strings.HasSuffix(resp.Frames[2], "_frame2_t2.jpg") || !strings.HasSuffix(resp.Frames[10], "_frame10_t10.jpg") {
		t.Errorf("frames not in frame order: %v", resp.Frames)
	}
	for i, l := range resp.Labels {
		if l != NotLabeled {
			t.Errorf("label %d = %q, want %q", i, l, NotLabeled)
		}
	}
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		filename string
		content  []byte
		status   int
		message  string
	}{
		{"missing field", "", "", nil, http.StatusBadRequest, "No video file uploaded"},
		{"wrong field", "file", "exam.mp4", mp4Bytes(), http.StatusBadRequest, "No video file uploaded"},
		{"bad extension", "video", "notes.txt", mp4Bytes(), http.StatusBadRequest, "Invalid file type. Allowed types are: mp4, avi, mov"},
		{"not a video", "video", "exam.mp4", []byte("just some text pretending to be a video"), http.StatusUnsupportedMediaType, "Uploaded file is not a video"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(context.Context, string, string) (*pipeline.Result, error) {
				t.Fatal("labeler should not run")
				return nil, nil
			})
			rr := env.upload(t, tt.field, tt.filename, tt.content)
			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
			if got := decode[StatusResponse](t, rr); got.Status != "error" || got.Message != tt.message {
				t.Errorf("response = %+v, want message %q", got, tt.message)
			}
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.MaxUploadBytes = 512
	env.router = NewRouter(env.cfg)

	rr := env.upload(t, "video", "exam.mp4", append(mp4Bytes(), make([]byte, 4096)...))
	if rr.Code < 400 {
		t.Fatalf("status = %d, want an error", rr.Code)
	}
	if got := decode[StatusResponse](t, rr); got.Status != "error" {
		t.Errorf("response = %+v", got)
	}
}

func TestUploadNoFrames(t *testing.T) {
	env := newTestEnv(t, func(context.Context, string, string) (*pipeline.Result, error) {
		return nil, pipeline.ErrNoFrames
	})
	rr := env.upload(t, "video", "exam.mov", mp4Bytes())
	if got := decode[StatusResponse](t, rr); got.Message != "No frames were extracted from the video" {
		t.Errorf("response = %+v", got)
	}
}

func TestUploadLabelerFailure(t *testing.T) {
	env := newTestEnv(t, func(context.Context, string, string) (*pipeline.Result, error) {
		return nil, errors.New("ffmpeg exploded")
	})
	rr := env.upload(t, "video", "exam.avi", mp4Bytes())
	got := decode[StatusResponse](t, rr)
	if got.Status != "error" || !strings.Contains(got.Message, "ffmpeg exploded") {
		t.Errorf("response = %+v", got)
	}
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestSaveLabelAndQueries(t *testing.T) {
	env := newTestEnv(t, nil)

	labels := []string{"Cheating", "NotCheating", "Cheating"}
	for i, l := range labels {
		body := `{"video_name":"exam","frame_name":"exam_frame` + string(rune('0'+i)) + `_t0.jpg","frame_number":` + string(rune('0'+i)) + `,"timestamp_sec":0,"label":"` + l + `"}`
		rr := post(t, env.router, "/api/save_label", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("save_label status = %d, body = %s", rr.Code, rr.Body.String())
		}
		if got := decode[StatusResponse](t, rr); got.Status != "success" {
			t.Fatalf("save_label = %+v", got)
		}
	}

	all := decode[[]store.Annotation](t, get(t, env.router, "/api/annotations"))
	if len(all) != 3 || all[2].Label != "Cheating" {
		t.Errorf("annotations = %+v", all)
	}

	one := decode[store.Annotation](t, get(t, env.router, "/api/annotation/exam_frame1_t0.jpg"))
	if one.FrameNumber != 1 || one.Label != "NotCheating" {
		t.Errorf("annotation = %+v", one)
	}

	missing := get(t, env.router, "/api/annotation/nope.jpg")
	if missing.Code != http.StatusOK || strings.TrimSpace(missing.Body.String()) != "{}" {
		t.Errorf("missing annotation = %d %q", missing.Code, missing.Body.String())
	}

	report := decode[analysis.Report](t, get(t, env.router, "/api/analysis/exam"))
	want := analysis.Report{TotalFrames: 3, CheatingFrames: 2, CheatingPercentage: 66.67, OverallConclusion: analysis.CheatingDetected}
	if report != want {
		t.Errorf("report = %+v, want %+v", report, want)
	}

	empty := decode[analysis.Report](t, get(t, env.router, "/api/analysis/unknown"))
	if empty.TotalFrames != 0 || empty.OverallConclusion != analysis.NoCheatingDetected {
		t.Errorf("empty report = %+v", empty)
	}
}

func TestSaveLabelValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"video_name":`},
		{"missing label", `{"video_name":"v","frame_name":"f","frame_number":0,"timestamp_sec":0}`},
		{"missing frame number", `{"video_name":"v","frame_name":"f","timestamp_sec":0,"label":"Cheating"}`},
		{"negative timestamp", `{"video_name":"v","frame_name":"f","frame_number":0,"timestamp_sec":-1,"label":"Cheating"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := post(t, env.router, "/api/save_label", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
			if got := decode[StatusResponse](t, rr); got.Status != "error" {
				t.Errorf("response = %+v", got)
			}
		})
	}
	if len(env.store.rows) != 0 {
		t.Errorf("invalid requests were stored: %+v", env.store.rows)
	}
}

func TestSaveLabelStoreFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.fail = errors.New("db down")
	rr := post(t, env.router, "/api/save_label", `{"video_name":"v","frame_name":"f","frame_number":0,"timestamp_sec":0,"label":"Cheating"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestStaticFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	os.MkdirAll(env.cfg.FramesDir, 0755)
	os.WriteFile(filepath.Join(env.cfg.FramesDir, "a_frame0_t0.jpg"), []byte("jpegdata"), 0644)

	rr := get(t, env.router, "/static/frames/a_frame0_t0.jpg")
	if rr.Code != http.StatusOK || rr.Body.String() != "jpegdata" {
		t.Errorf("static frame = %d %q", rr.Code, rr.Body.String())
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestRequestLogCarriesRequestID(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	h := RequestIDMiddleware()(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	id := rr.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("missing X-Request-ID header")
	}
	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, logs.String())
	}
	if entry["request_id"] != id {
		t.Errorf("request_id = %v, want %s", entry["request_id"], id)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v", entry["status"])
	}
}
