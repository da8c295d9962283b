package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"site-proximity/internal/batch"
	"site-proximity/internal/geocode"
	"site-proximity/internal/jobs"
	"site-proximity/internal/models"
	"site-proximity/internal/rows"
)

type upload struct {
	name string
	rows []models.InputRow
	zoom int
}

// acceptUpload saves the multipart "file", parses it into input rows and
// removes the saved copy. On failure it has already written the response.
func (s *Server) acceptUpload(c *gin.Context) (upload, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload())
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return upload{}, false
	}

	zoom := s.cfg.Geocode.DefaultZoom
	if z := c.PostForm("zoom"); z != "" {
		n, err := strconv.Atoi(z)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "zoom must be an integer"})
			return upload{}, false
		}
		zoom = n
	}

	if err := os.MkdirAll(s.cfg.Server.UploadDir, 0o755); err != nil {
		s.log.Error("create upload dir", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store upload"})
		return upload{}, false
	}
	inputPath := filepath.Join(s.cfg.Server.UploadDir,
		fmt.Sprintf("%s_%s", uuid.New().String(), filepath.Base(file.Filename)))
	if err := c.SaveUploadedFile(file, inputPath); err != nil {
		s.log.Error("save upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store upload"})
		return upload{}, false
	}
	defer os.Remove(inputPath)

	tab, err := rows.Read(inputPath)
	if err != nil {
		msg := "could not read file: " + err.Error()
		if errors.Is(err, rows.ErrUnsupported) {
			msg = "unsupported file type"
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return upload{}, false
	}

	return upload{
		name: file.Filename,
		rows: rows.InputRows(tab, rows.DefaultPlaceColumns, rows.DefaultPlaceIndex),
		zoom: geocode.ClampZoom(zoom),
	}, true
}

// startJob registers a job for up and remembers it in the caller's session.
func (s *Server) startJob(c *gin.Context, up upload) *jobs.Job {
	job := s.Jobs.New(up.name)
	job.Log(fmt.Sprintf("Processing %s: %d rows at zoom %d.", up.name, len(up.rows), up.zoom))

	session := sessions.Default(c)
	session.Set(sessionJobKey, job.ID)
	if err := session.Save(); err != nil {
		s.log.Warn("save session", zap.Error(err))
	}
	return job
}

// track mirrors batch events into the job record.
func track(job *jobs.Job) func(batch.Event) {
	stopped := false
	return func(ev batch.Event) {
		switch {
		case ev.Finished:
			if ev.Error != "" {
				job.Fail(ev.Error)
			}
			job.Finish(stopped, ev.Processed, ev.Total)
		case ev.Stopped:
			stopped = true
			job.Log("Stopping: " + ev.Message)
		default:
			msg := ""
			if ev.Row != nil && ev.Row.Status == models.StatusError {
				msg = fmt.Sprintf("Row %d/%d %q failed: %s", ev.Index, ev.Total, ev.Row.PlaceName, ev.Row.ErrorMessage)
			}
			job.SetProgress(ev.Index, ev.Total, msg)
		}
	}
}

// ProcessLocationsStream runs the uploaded batch while the client watches:
// every event is written as a "data: {...}" frame. A client that goes away
// cancels admission of further rows; the events still drain into the job.
func (s *Server) ProcessLocationsStream(c *gin.Context) {
	up, ok := s.acceptUpload(c)
	if !ok {
		return
	}
	job := s.startJob(c, up)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	job.SetCancel(cancel)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Job-ID", job.ID)
	c.Status(http.StatusOK)

	observe := track(job)
	gone := false
	for ev := range s.orchestrator(job, up.zoom).Stream(ctx, up.rows) {
		observe(ev)
		if gone {
			continue
		}
		if err := writeFrame(c.Writer, ev); err != nil {
			gone = true
			s.log.Info("stream client went away", zap.String("job", job.ID), zap.Error(err))
		}
	}
}

func writeFrame(w gin.ResponseWriter, ev batch.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// ProcessLocations starts the batch in the background and answers with the
// job id; progress is polled through the jobs endpoints.
func (s *Server) ProcessLocations(c *gin.Context) {
	up, ok := s.acceptUpload(c)
	if !ok {
		return
	}
	job := s.startJob(c, up)

	ctx, cancel := context.WithCancel(context.Background())
	job.SetCancel(cancel)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("batch job panicked", zap.String("job", job.ID), zap.Any("panic", r))
				job.Fail(fmt.Sprintf("panic: %v", r))
			}
		}()
		s.orchestrator(job, up.zoom).Run(ctx, up.rows, track(job))
	}()

	c.JSON(http.StatusAccepted, gin.H{"ok": true, "jobId": job.ID, "total": len(up.rows)})
}

func (s *Server) GetJob(c *gin.Context) {
	job := s.Jobs.Get(c.Param("id"))
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job.Snapshot())
}

// LatestJob reports the last job started from this browser session.
func (s *Server) LatestJob(c *gin.Context) {
	id, _ := sessions.Default(c).Get(sessionJobKey).(string)
	job := s.Jobs.Get(id)
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "no job in this session"})
		return
	}
	c.JSON(http.StatusOK, job.Snapshot())
}

func (s *Server) CancelJob(c *gin.Context) {
	job := s.Jobs.Get(c.Param("id"))
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "cancelled": job.Cancel()})
}

func (s *Server) Download(c *gin.Context) {
	name := c.Param("filename")
	path, err := s.Jobs.Path(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.FileAttachment(path, name)
}
