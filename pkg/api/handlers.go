package api

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sceneweaver/sceneweaver/pkg/models"
	"github.com/sceneweaver/sceneweaver/pkg/session"
	"github.com/sceneweaver/sceneweaver/pkg/store"
	"github.com/sceneweaver/sceneweaver/pkg/version"
)

type generateRequest struct {
	Prompt string   `json:"prompt" binding:"required"`
	Roles  []string `json:"roles"`
}

// handleGenerate accepts a scene request and starts it asynchronously. An
// omitted roles list selects the server's configured defaults.
func (s *Server) handleGenerate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	roles := make([]models.Role, 0, len(req.Roles))
	for _, tag := range req.Roles {
		role, err := models.ParseRole(tag)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		roles = append(roles, role)
	}

	sess, err := s.ctrl.Create(strings.TrimSpace(req.Prompt), roles)
	if err != nil {
		if errors.Is(err, session.ErrEmptyPrompt) || errors.Is(err, session.ErrInvalidRole) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// The run outlives the request; it is bound to the process, not to c.
	if err := s.ctrl.Start(context.Background(), sess.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": sess.ID,
		"status":     sess.Status,
	})
}

// sessionView is the API shape of a session: its persisted fields plus
// artifact availability and download links.
type sessionView struct {
	*models.Session
	DownloadAvailable store.Availability `json:"download_available"`
	DownloadURLs      map[string]string  `json:"download_urls,omitempty"`
}

func (s *Server) sessionView(sess *models.Session) sessionView {
	avail := s.ctrl.Availability(sess.ID)
	urls := make(map[string]string)
	if avail.Blend {
		urls["blend"] = fmt.Sprintf("/download/%s/blend", sess.ID)
	}
	if avail.Scripts {
		urls["scripts"] = fmt.Sprintf("/download/%s/scripts", sess.ID)
	}
	if avail.Render {
		urls["render"] = fmt.Sprintf("/download/%s/render", sess.ID)
	}
	if len(urls) == 0 {
		urls = nil
	}
	return sessionView{Session: sess, DownloadAvailable: avail, DownloadURLs: urls}
}

// handleSession returns one session's status.
func (s *Server) handleSession(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	sess, err := s.ctrl.Status(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.sessionView(sess))
}

// handleSessions lists sessions newest-first with optional filters:
// ?status=, ?limit=, ?since=, ?until= (RFC3339).
func (s *Server) handleSessions(c *gin.Context) {
	var filter session.ListFilter

	if v := c.Query("status"); v != "" {
		if !models.ValidStatus(v) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", v)})
			return
		}
		filter.Status = models.SessionStatus(v)
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}
	for _, q := range []struct {
		name string
		dst  *time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		if v := c.Query(q.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": q.name + " must be RFC3339"})
				return
			}
			*q.dst = t
		}
	}

	// total counts every match; the limit only truncates the page.
	limit := filter.Limit
	filter.Limit = 0
	sessions, err := s.ctrl.List(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total := len(sessions)
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, s.sessionView(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views, "total": total})
}

// handleCancel requests cancellation. Cancelling a terminal session is a
// no-op and still 202.
func (s *Server) handleCancel(c *gin.Context) {
	err := s.ctrl.Cancel(c.Param("id"))
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": c.Param("id")})
}

// handleDownload serves an artifact: blend, render (latest iteration), or
// scripts (zip of the scripts directory).
func (s *Server) handleDownload(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	switch c.Param("kind") {
	case "blend":
		path := s.store.BlendPath(id)
		if !regularFile(path) {
			c.JSON(http.StatusNotFound, gin.H{"error": "blend file not available"})
			return
		}
		c.FileAttachment(path, "scene.blend")

	case "render":
		path, ok := latestRender(s.store.SessionDir(id))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "render not available"})
			return
		}
		c.FileAttachment(path, filepath.Base(path))

	case "scripts":
		s.serveScriptsZip(c, id)

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be blend, render, or scripts"})
	}
}

// serveScriptsZip streams the session's scripts directory as a zip archive.
func (s *Server) serveScriptsZip(c *gin.Context, id string) {
	dir := s.store.ScriptsDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "scripts not available"})
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"_scripts.zip"))
	c.Status(http.StatusOK)

	zw := zip.NewWriter(c.Writer)
	defer zw.Close()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".py") {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		w, err := zw.Create(e.Name())
		if err != nil {
			f.Close()
			return
		}
		if _, err := io.Copy(w, f); err != nil {
			f.Close()
			return
		}
		f.Close()
	}
}

// handleHealthz reports liveness plus the readiness of the pieces a session
// needs: registered workers and a reachable Blender binary.
func (s *Server) handleHealthz(c *gin.Context) {
	blenderOK := regularFile(s.cfg.BlenderPath)
	workers := len(s.runtime.Stats())

	status := "ok"
	code := http.StatusOK
	if !blenderOK || workers == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"service": version.AppName,
		"version": version.GitCommit,
		"blender": blenderOK,
		"workers": workers,
	})
}

// handleAgents exposes per-worker processing statistics.
func (s *Server) handleAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": s.runtime.Stats()})
}

// latestRender returns the highest-iteration render image in a session dir.
func latestRender(sessionDir string) (string, bool) {
	dir := filepath.Join(sessionDir, store.RendersDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	best := -1
	bestName := ""
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "render_iter") || !strings.HasSuffix(name, ".png") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "render_iter"), ".png"))
		if err != nil {
			continue
		}
		if n > best {
			best = n
			bestName = name
		}
	}
	if best < 0 {
		return "", false
	}
	return filepath.Join(dir, bestName), true
}

func regularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
