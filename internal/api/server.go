package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/andresmejia3/proctor/internal/pipeline"
	"github.com/andresmejia3/proctor/internal/store"
)

// LabelFunc runs the labeling pipeline over a stored upload. Frames are
// expected to land in ServerConfig.FramesDir.
type LabelFunc func(ctx context.Context, videoPath, videoName string) (*pipeline.Result, error)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Addr           string
	Store          store.Store
	Label          LabelFunc
	UploadDir      string
	FramesDir      string
	LabelsFile     string
	MaxUploadBytes int64
	Logger         *slog.Logger
	StartTime      time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			// Uploads are labeled synchronously
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
