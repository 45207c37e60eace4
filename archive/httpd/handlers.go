package httpd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dshills/chatvault/archive"
	"github.com/dshills/chatvault/archive/store"
)

// handleHealth is the liveness probe.
func (s *Server) handleHealth(c *gin.Context) {
	if err := s.svc.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// filtersFromQuery reads the shared filter parameters.
func filtersFromQuery(c *gin.Context) (store.Filters, error) {
	var f store.Filters

	if p := c.Query("provider"); p != "" {
		provider, err := archive.ParseProvider(p)
		if err != nil {
			return f, err
		}
		f.Provider = provider
	}
	f.Model = c.Query("model")
	if r := c.Query("role"); r != "" {
		role := archive.Role(r)
		if !role.Valid() {
			return f, fmt.Errorf("%w: unknown role %q", archive.ErrBadQuery, r)
		}
		f.Role = role
	}
	if after := c.Query("after"); after != "" {
		ts, ok := archive.ParseTimestamp(after)
		if !ok {
			return f, fmt.Errorf("%w: bad after date %q", archive.ErrBadQuery, after)
		}
		f.After = ts
	}
	if before := c.Query("before"); before != "" {
		ts, ok := archive.ParseTimestamp(before)
		if !ok {
			return f, fmt.Errorf("%w: bad before date %q", archive.ErrBadQuery, before)
		}
		f.Before = ts
	}
	return f, nil
}

func intQuery(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery(name, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}

// handleSearch serves GET /api/search.
func (s *Server) handleSearch(c *gin.Context) {
	f, err := filtersFromQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	page := intQuery(c, "page", 1)

	start := time.Now()
	results, info, err := s.svc.Search(c.Request.Context(), c.Query("q"), f, page)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.metrics.ObserveSearch(time.Since(start))

	c.JSON(http.StatusOK, gin.H{
		"results":     results,
		"total":       info.Total,
		"page":        info.Page,
		"total_pages": info.TotalPages,
	})
}

// handleListConversations serves GET /api/conversations.
func (s *Server) handleListConversations(c *gin.Context) {
	f, err := filtersFromQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}

	convs, info, err := s.svc.ListConversations(c.Request.Context(), f,
		intQuery(c, "page", 1), intQuery(c, "per_page", store.DefaultListPageSize))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if convs == nil {
		convs = []archive.Conversation{}
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": convs,
		"total":         info.Total,
		"page":          info.Page,
		"total_pages":   info.TotalPages,
	})
}

func conversationID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad conversation id %q", archive.ErrBadQuery, c.Param("id"))
	}
	return id, nil
}

// handleGetConversation serves GET /api/conversations/:id, messages
// included.
func (s *Server) handleGetConversation(c *gin.Context) {
	id, err := conversationID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	conv, err := s.svc.GetConversation(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// handleGetMessages serves GET /api/conversations/:id/messages.
func (s *Server) handleGetMessages(c *gin.Context) {
	id, err := conversationID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	msgs, err := s.svc.GetMessages(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []archive.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
}

// handleStats serves GET /api/stats.
func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleListImports serves GET /api/imports.
func (s *Server) handleListImports(c *gin.Context) {
	events, err := s.svc.ListImportEvents(c.Request.Context(), intQuery(c, "limit", store.DefaultListPageSize))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if events == nil {
		events = []store.ImportEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"imports": events, "total": len(events)})
}

// importRequest binds the POST /api/import form.
type importRequest struct {
	Provider string `form:"provider" binding:"required"`
}

// handleImport serves POST /api/import: a multipart upload plus a provider
// form field. The upload is staged to a temp file and ingested before the
// response is written; the finalized import event is the response body.
func (s *Server) handleImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider form field is required"})
		return
	}
	provider, err := archive.ParseProvider(req.Provider)
	if err != nil {
		s.writeError(c, err)
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file upload is required"})
		return
	}

	staging, err := os.MkdirTemp("", "chatvault-import-*")
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer func() { _ = os.RemoveAll(staging) }()

	path := filepath.Join(staging, filepath.Base(file.Filename))
	if err := c.SaveUploadedFile(file, path); err != nil {
		s.writeError(c, err)
		return
	}

	ev, runErr := s.ingest.Run(c.Request.Context(), provider, path)
	if ev != nil {
		s.metrics.ObserveImport(provider, ev.Status)
	}
	if runErr != nil && ev == nil {
		s.writeError(c, runErr)
		return
	}

	status := http.StatusOK
	if ev.Status == store.ImportFailed {
		status = http.StatusBadRequest
	}
	c.JSON(status, ev)
}
