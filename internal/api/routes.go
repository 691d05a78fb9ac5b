package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/andresmejia3/proctor/internal/analysis"
	"github.com/andresmejia3/proctor/internal/config"
	"github.com/andresmejia3/proctor/internal/store"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	validate := validator.New(validator.WithRequiredStructEnabled())

	r.Get("/health", healthHandler(cfg))
	r.Post("/upload", newUploadHandler(cfg).ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Post("/save_label", saveLabelHandler(cfg, validate))
		r.Get("/annotations", listAnnotationsHandler(cfg))
		r.Get("/annotation/{frame_name}", getAnnotationHandler(cfg))
		r.Get("/analysis/{video_name}", analysisHandler(cfg))
	})

	frames := http.StripPrefix("/static/frames/", http.FileServer(http.Dir(cfg.FramesDir)))
	r.Handle("/static/frames/*", frames)

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: config.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func saveLabelHandler(cfg ServerConfig, validate *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SaveLabelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := validate.Struct(req); err != nil {
			WriteError(w, http.StatusBadRequest, validationMessage(err))
			return
		}

		if _, err := cfg.Store.SaveAnnotation(r.Context(), req.Annotation()); err != nil {
			cfg.Logger.Error("failed to save annotation", "frame", req.FrameName, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to save label")
			return
		}
		WriteJSON(w, http.StatusOK, StatusResponse{Status: "success"})
	}
}

// validationMessage lists the offending JSON fields.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = fe.Field() + " (" + fe.Tag() + ")"
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}

func listAnnotationsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		annotations, err := cfg.Store.ListAnnotations(r.Context())
		if err != nil {
			cfg.Logger.Error("failed to list annotations", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to list annotations")
			return
		}
		if annotations == nil {
			annotations = []store.Annotation{}
		}
		WriteJSON(w, http.StatusOK, annotations)
	}
}

func getAnnotationHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frameName := chi.URLParam(r, "frame_name")
		a, err := cfg.Store.GetAnnotation(r.Context(), frameName)
		if errors.Is(err, store.ErrNotFound) {
			WriteJSON(w, http.StatusOK, struct{}{})
			return
		}
		if err != nil {
			cfg.Logger.Error("failed to get annotation", "frame", frameName, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to get annotation")
			return
		}
		WriteJSON(w, http.StatusOK, a)
	}
}

func analysisHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videoName := chi.URLParam(r, "video_name")
		counts, err := cfg.Store.LabelCounts(r.Context(), videoName)
		if err != nil {
			cfg.Logger.Error("failed to count labels", "video", videoName, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to analyze video")
			return
		}
		WriteJSON(w, http.StatusOK, analysis.Summarize(counts))
	}
}
