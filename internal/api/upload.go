package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/andresmejia3/proctor/internal/labelwriter"
	"github.com/andresmejia3/proctor/internal/logging"
	"github.com/andresmejia3/proctor/internal/media"
	"github.com/andresmejia3/proctor/internal/pipeline"
	"github.com/andresmejia3/proctor/internal/types"
)

// NotLabeled is reported for frames missing from the label artifact.
const NotLabeled = "Not Labeled"

// uploadHandler labels one video per request. The frames directory and the
// label artifact are shared, so uploads run one at a time.
type uploadHandler struct {
	cfg ServerConfig
	mu  sync.Mutex
}

func newUploadHandler(cfg ServerConfig) *uploadHandler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 16 << 20
	}
	return &uploadHandler{cfg: cfg}
}

func (h *uploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Video file is too large")
			return
		}
		WriteError(w, http.StatusBadRequest, "No video file uploaded")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("video")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "No video file uploaded")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		WriteError(w, http.StatusBadRequest, "No video file selected")
		return
	}
	if !media.AllowedExtension(header.Filename) {
		WriteError(w, http.StatusBadRequest, "Invalid file type. Allowed types are: "+strings.Join(media.AllowedExtensions, ", "))
		return
	}
	if _, err := media.Sniff(file); err != nil {
		WriteError(w, http.StatusUnsupportedMediaType, "Uploaded file is not a video")
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		WriteError(w, http.StatusInternalServerError, "Upload error: "+err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	logger := h.cfg.Logger
	if err := clearFrames(h.cfg.FramesDir); err != nil {
		logger.Error("failed to clear frames", "error", err)
		WriteError(w, http.StatusInternalServerError, "Upload error: "+err.Error())
		return
	}

	videoPath, err := h.save(file, header.Filename)
	if err != nil {
		logger.Error("failed to store upload", "error", err)
		WriteError(w, http.StatusInternalServerError, "Upload error: "+err.Error())
		return
	}
	videoName := types.VideoName(videoPath)
	logger = logging.WithVideo(logger, videoName)

	res, err := h.cfg.Label(r.Context(), videoPath, videoName)
	if errors.Is(err, pipeline.ErrNoFrames) {
		WriteError(w, http.StatusUnprocessableEntity, "No frames were extracted from the video")
		return
	}
	if err != nil {
		logger.Error("labeling failed", "error", err)
		WriteError(w, http.StatusUnprocessableEntity, "Error extracting frames: "+err.Error())
		return
	}

	if err := labelwriter.Write(h.cfg.LabelsFile, res.Records); err != nil {
		logger.Error("failed to write labels", "error", err)
		WriteError(w, http.StatusInternalServerError, "Error auto-labeling frames: "+err.Error())
		return
	}

	records, err := labelwriter.Read(h.cfg.LabelsFile)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Error loading predictions: "+err.Error())
		return
	}
	prelabels := labelwriter.Index(records)

	frames := res.Frames()
	if len(frames) == 0 {
		// Nothing came back from the run itself; show what reached the disk.
		if frames, err = listFrames(h.cfg.FramesDir); err != nil {
			WriteError(w, http.StatusInternalServerError, "Upload error: "+err.Error())
			return
		}
	}
	if len(frames) == 0 {
		WriteError(w, http.StatusUnprocessableEntity, "No frames were extracted from the video")
		return
	}

	labels := make([]string, len(frames))
	for i, f := range frames {
		if l, ok := prelabels[f]; ok {
			labels[i] = string(l)
		} else {
			labels[i] = NotLabeled
		}
	}

	logger.Info("video labeled", "frames", len(frames), "cheating", res.Cheating(), "low_confidence", res.LowConfidence)
	WriteJSON(w, http.StatusOK, UploadResponse{Status: "success", Frames: frames, Labels: labels})
}

func (h *uploadHandler) save(src io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(h.cfg.UploadDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(h.cfg.UploadDir, media.StorageName(filename))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	return path, out.Close()
}

// clearFrames removes the JPEGs left by the previous upload.
func clearFrames(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jpg") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var frames []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jpg") {
			continue
		}
		frames = append(frames, e.Name())
	}
	sort.SliceStable(frames, func(i, j int) bool {
		a, b := frameIndex(frames[i]), frameIndex(frames[j])
		if a != b {
			return a < b
		}
		return frames[i] < frames[j]
	})
	return frames, nil
}

// frameIndex reads N out of "..._frameN_tS.jpg", or -1.
func frameIndex(name string) int {
	i := strings.LastIndex(name, "_frame")
	if i < 0 {
		return -1
	}
	var n int
	if _, err := fmt.Sscanf(name[i+len("_frame"):], "%d", &n); err != nil {
		return -1
	}
	return n
}
