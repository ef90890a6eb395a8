package api

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"frame2img/archive"
	"frame2img/config"
	"frame2img/media"
	"frame2img/preview"
	"frame2img/task"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	taskManager *task.Manager
	cfg         *config.Config
}

func NewHandler(tm *task.Manager, cfg *config.Config) *Handler {
	return &Handler{
		taskManager: tm,
		cfg:         cfg,
	}
}

type ProbeRequest struct {
	Path    string `json:"path" binding:"required"`
	Precise bool   `json:"precise"`
}

// RunRequest describes an extraction. Start and End accept seconds or
// [HH:]MM:SS timestamps; OutputDir is relative to the configured output root.
type RunRequest struct {
	Path         string  `json:"path" binding:"required"`
	Start        string  `json:"start"`
	End          string  `json:"end"`
	OutputDir    string  `json:"outputDir"`
	Prefix       *string `json:"prefix"`
	Pad          *int    `json:"pad"`
	SkipExisting bool    `json:"skipExisting"`
	Format       string  `json:"format"`
	Quality      int     `json:"quality"`
	Compression  string  `json:"compression"`
	Precise      bool    `json:"precise"`
	// Replace cancels a running extraction instead of failing with 409.
	Replace bool `json:"replace"`
}

type SeekRequest struct {
	Timestamp string `json:"timestamp" binding:"required"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

// errorStatus maps coordinator and domain errors to HTTP status codes.
func errorStatus(err error) int {
	var (
		ve *media.ValidationError
		pe *media.ProbeError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &pe):
		return http.StatusUnprocessableEntity
	case errors.Is(err, task.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrRunActive), errors.Is(err, preview.ErrSuspended):
		return http.StatusConflict
	case errors.Is(err, task.ErrRunFinished), errors.Is(err, preview.ErrNoSource):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// resolveOutputDir keeps client supplied directories inside the output root.
func (h *Handler) resolveOutputDir(dir string) string {
	return filepath.Join(h.cfg.OutputRoot, filepath.Clean("/"+dir))
}

// source reuses the loaded metadata when it is for path, probing otherwise.
func (h *Handler) source(ctx context.Context, path string, precise bool) (media.VideoSource, error) {
	if src, ok := h.taskManager.Source(); ok && src.Path == path && (!precise || src.FramesExact()) {
		return src, nil
	}
	return h.taskManager.Probe(ctx, path, precise)
}

// handleProbe loads video metadata and makes it the preview source.
func (h *Handler) handleProbe(c *gin.Context) {
	var req ProbeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, err := h.taskManager.Probe(c.Request.Context(), req.Path, req.Precise)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, src)
}

// handleCreateRun starts an extraction.
func (h *Handler) handleCreateRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := media.ParseRange(req.Start, req.End)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := h.source(c.Request.Context(), req.Path, req.Precise)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": fmt.Sprintf("Failed to read video: %v", err)})
		return
	}
	extraction, err := task.BuildRequest(h.cfg, src, r, h.resolveOutputDir(req.OutputDir), task.RequestOptions{
		Prefix:       req.Prefix,
		Pad:          req.Pad,
		SkipExisting: req.SkipExisting,
		Format:       req.Format,
		Quality:      req.Quality,
		Compression:  req.Compression,
	})
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	var run task.Run
	if req.Replace {
		run, err = h.taskManager.SubmitReplacing(c.Request.Context(), extraction)
	} else {
		run, err = h.taskManager.Submit(extraction)
	}
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"runId": run.ID, "framesDir": run.FramesDir, "decodePath": run.Decode.Label})
}

// handleListRuns lists all known runs.
func (h *Handler) handleListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, h.taskManager.List())
}

// handleGetRun retrieves the state and progress of a single run.
func (h *Handler) handleGetRun(c *gin.Context) {
	run, found := h.taskManager.Get(c.Param("runId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleCancelRun cancels a run.
func (h *Handler) handleCancelRun(c *gin.Context) {
	if err := h.taskManager.Cancel(c.Param("runId")); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Run cancellation requested"})
}

// handleArchive streams the frames of a finished run as a zip file.
func (h *Handler) handleArchive(c *gin.Context) {
	run, found := h.taskManager.Get(c.Param("runId"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	if !run.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("Run is still %s", run.Status)})
		return
	}
	method, err := archive.ParseMethod(c.Query("method"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	files, err := archive.Frames(run.FramesDir)
	if err != nil || len(files) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No frames on disk for this run"})
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(run.FramesDir)+".zip"))
	c.Status(http.StatusOK)
	if _, err := archive.WriteZip(c.Request.Context(), c.Writer, run.FramesDir, method); err != nil {
		// Headers are gone already; the truncated body is all the client gets.
		_ = c.Error(err)
	}
}

// handleEvents streams coordinator events until the client disconnects or
// the manager stops.
func (h *Handler) handleEvents(c *gin.Context) {
	events, unsubscribe := h.taskManager.Subscribe(128)
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}

// handleSeek requests a preview frame.
func (h *Handler) handleSeek(c *gin.Context) {
	var req SeekRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ts, err := media.ParseTimestamp(req.Timestamp)
	if err != nil || ts == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid timestamp %q", req.Timestamp)})
		return
	}
	if strings.TrimSpace(req.Start+req.End) != "" {
		r, err := media.ParseRange(req.Start, req.End)
		if err == nil {
			err = h.taskManager.SetPreviewRange(r)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	clamped, err := h.taskManager.Seek(*ts)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"timestamp": clamped})
}

// handlePreviewFrame serves the last good preview frame as PNG.
func (h *Handler) handlePreviewFrame(c *gin.Context) {
	frame, ok := h.taskManager.PreviewFrame()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No preview frame yet"})
		return
	}
	c.Header("Content-Type", "image/png")
	c.Header("X-Frame-Timestamp", fmt.Sprintf("%.3f", frame.Timestamp))
	c.Status(http.StatusOK)
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(c.Writer, frame.Image); err != nil {
		_ = c.Error(err)
	}
}
