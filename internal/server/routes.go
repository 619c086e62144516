package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/uadissect/internal/opcua"
	"github.com/danmuck/uadissect/internal/protocol/desegment"
	"github.com/danmuck/uadissect/internal/protocol/fields"
	"github.com/danmuck/uadissect/internal/protocol/flow"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultSource      = "127.0.0.1:49152"
	defaultDestination = "127.0.0.1:4840"
	maxBodyBytes       = 64 << 20
)

// PDU is the JSON rendering of one dissection result.
type PDU struct {
	Index       uint64         `json:"index"`
	Type        string         `json:"type"`
	Summary     string         `json:"summary"`
	Correlation string         `json:"correlation,omitempty"`
	ServiceID   int            `json:"service_id"`
	Reassembly  string         `json:"reassembly"`
	Malformed   bool           `json:"malformed"`
	Tree        []*fields.Node `json:"tree"`
}

func renderPDU(r opcua.Result) PDU {
	return PDU{
		Index:       r.Index,
		Type:        r.Type.String(),
		Summary:     r.Summary,
		Correlation: r.Correlation,
		ServiceID:   r.ServiceID,
		Reassembly:  r.Reassembly.String(),
		Malformed:   r.Malformed,
		Tree:        r.Tree.Root().Children,
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		s.mu.Lock()
		stats := s.engine.Stats()
		pass := s.engine.PassID()
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"uptime":         time.Since(s.appeared).String(),
			"service":        serviceName,
			"pass":           pass,
			"flows":          stats.Flows,
			"pending_groups": stats.PendingGroups,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	v1.GET("/fields", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"fields": s.engine.Registry().List()})
	})
	v1.POST("/dissect", s.requireToken(), s.handleDissect)
	v1.POST("/reset", s.requireToken(), func(c *gin.Context) {
		s.mu.Lock()
		s.engine.Reset()
		pass := s.engine.PassID()
		s.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "pass": pass})
	})
}

// handleDissect feeds the request body as the next bytes of one flow. The
// flow is taken from the src and dst query parameters.
func (s *Server) handleDissect(c *gin.Context) {
	k, err := flow.ParseTCP(
		c.DefaultQuery("src", defaultSource),
		c.DefaultQuery("dst", defaultDestination),
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	segmentSize := s.opts.SegmentSize
	if raw := c.Query("segment_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "segment_size must be a positive integer"})
			return
		}
		segmentSize = n
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	results, ferr := s.engine.FeedStream(k, body, segmentSize)
	pass := s.engine.PassID()
	s.mu.Unlock()

	out := make([]PDU, 0, len(results))
	for _, r := range results {
		out = append(out, renderPDU(r))
	}
	resp := gin.H{"pass": pass, "flow": k.String(), "pdus": out}
	if ferr != nil {
		resp["error"] = ferr.Error()
		status := http.StatusUnprocessableEntity
		if !errors.Is(ferr, desegment.ErrLengthSanity) && !errors.Is(ferr, desegment.ErrStaleSegment) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
