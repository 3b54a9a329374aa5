package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/releasedl/config"
	"github.com/jkaberg/releasedl/transfer"
)

// Commander is the command surface the API exposes.
type Commander interface {
	StartSession() error
	AddTransfer(releaseID, locator, destination, displayName string) error
	PauseTransfer(releaseID string) error
	ResumeTransfer(releaseID string) error
	PauseAll()
	ResumeAll()
	GetProgress(releaseID string) float64
	Get(releaseID string) (transfer.ManagedTransfer, bool)
	ListManaged() []transfer.ManagedTransfer
	ListCompleted() ([]transfer.CompletedTransferRecord, error)
}

func NewRouter(o Commander, hub *Hub) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.ErrorLogger())
	r.Use(Logger())

	api := r.Group("/api")
	{
		api.POST("/session/start", apiStartSessionHandler(o))

		api.GET("/transfers", apiListTransfersHandler(o))
		api.POST("/transfers", apiAddTransferHandler(o))
		api.POST("/transfers/pause", apiPauseAllHandler(o))
		api.POST("/transfers/resume", apiResumeAllHandler(o))
		api.GET("/transfers/:id", apiTransferHandler(o))
		api.GET("/transfers/:id/progress", apiProgressHandler(o))
		api.POST("/transfers/:id/pause", apiPauseHandler(o))
		api.POST("/transfers/:id/resume", apiResumeHandler(o))

		api.GET("/completed", apiCompletedHandler(o))

		if hub != nil {
			api.GET("/events", hub.HandleWebSocket)
		}
	}

	return r
}

// Serve runs the API until ctx is cancelled.
func Serve(ctx context.Context, o Commander, hub *Hub, cfg *config.HTTPGlobal) error {
	addr := fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(o, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("host", addr).Msg("starting webserver")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("error initializing server: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error stopping server: %w", err)
	}

	return nil
}

func Logger() gin.HandlerFunc {
	l := log.Logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		c.Next()
		if raw != "" {
			path = path + "?" + raw
		}
		msg := c.Errors.String()
		if msg == "" {
			msg = "Request"
		}

		s := c.Writer.Status()
		switch {
		case s >= 400 && s < 500:
			l.Warn().Str("path", path).Int("status", s).Msg(msg)
		case s >= 500:
			l.Error().Str("path", path).Int("status", s).Msg(msg)
		default:
			l.Debug().Str("path", path).Int("status", s).Msg(msg)
		}
	}
}
