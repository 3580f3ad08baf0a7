package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"log-correlator/pipeline"
)

type ingestResponse struct {
	LogID             uint   `json:"logId"`
	EventID           string `json:"eventId"`
	ContentHash       string `json:"contentHash"`
	Duplicate         bool   `json:"duplicate"`
	AnalysisRequested bool   `json:"analysisRequested"`
	RequestID         string `json:"requestId,omitempty"`
	DispatchError     string `json:"dispatchError,omitempty"`
}

func (s *Server) handleIngest(c *gin.Context) {
	var ev pipeline.IngestEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	// REST callers may leave identity and time to the server. A generated id
	// cannot dedupe a retried POST; callers that retry must send their own.
	if strings.TrimSpace(ev.EventID) == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = pipeline.Timestamp{Time: s.opts.Now()}
	}
	res, err := s.ingest.Ingest(c.Request.Context(), ev)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := ingestResponse{
		LogID:       res.Entry.ID,
		EventID:     res.Entry.EventID,
		ContentHash: res.Entry.ContentHash,
		Duplicate:   res.Duplicate,
	}
	if res.Request != nil {
		out.AnalysisRequested = true
		out.RequestID = res.Request.RequestID
	}
	if res.DispatchErr != nil {
		out.DispatchError = res.DispatchErr.Error()
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, out)
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) handleGetLog(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	entry, err := s.store.GetLog(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleGetByEvent(c *gin.Context) {
	entry, err := s.store.FindLogByEventID(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// handleLogAnalysis returns the latest result, or every result with ?all=true.
func (s *Server) handleLogAnalysis(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if c.Query("all") == "true" {
		results, err := s.store.ResultsForLog(ctx, id)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"logId": id, "results": results})
		return
	}
	result, err := s.store.LatestResultForLog(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleLogNotifications(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ns, err := s.store.NotificationsForLog(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logId": id, "notifications": ns})
}

func (s *Server) handleGetRequest(c *gin.Context) {
	req, err := s.store.GetRequest(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type statusReport struct {
	Status string `json:"status" binding:"required"`
	Detail string `json:"detail"`
}

func (s *Server) handleNotificationStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body statusReport
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	status := pipeline.NotificationStatus(strings.ToUpper(strings.TrimSpace(body.Status)))
	if err := s.store.UpdateNotificationStatus(c.Request.Context(), id, status, body.Detail); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}

// handleStatistics returns the hourly buckets of ?date (UTC, default today).
func (s *Server) handleStatistics(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	stats, err := s.store.HourlyStatistics(c.Request.Context(), date, c.Query("service"), c.Query("environment"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	var total int64
	for _, st := range stats {
		total += st.LogCount
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "total": total, "buckets": stats})
}
