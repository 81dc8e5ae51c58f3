// Package httpapi implements the HTTP status/gateway surface of
// SPEC_FULL's DOMAIN STACK: read-only cluster status, a Prometheus scrape
// endpoint, and a JSON passthrough for update/query so non-Go clients can
// reach the cluster without speaking internal/codec. It is grounded on
// the teacher's go.mod pairing of gin-gonic/gin and rs/cors (no
// gin-based source file survived retrieval, so the handler bodies follow
// ordinary gin idiom) and cuemby-warren/pkg/metrics.Handler's
// promhttp.Handler() wiring for the scrape route.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/hexiaofeng/journalkeeper/internal/client"
	"github.com/hexiaofeng/journalkeeper/internal/raft"
)

// ClusterStatus is the read-only snapshot served at GET /status.
type ClusterStatus struct {
	NodeID      string `json:"node_id"`
	Role        string `json:"role"`
	Term        int64  `json:"term"`
	CommitIndex int64  `json:"commit_index"`
	LeaderHint  string `json:"leader_hint,omitempty"`
}

// updateRequestBody is the JSON shape of a POST /update body, mirroring
// §3's UpdateRequest.
type updateRequestBody struct {
	Payload       string `json:"payload"` // base64-free; treated as raw UTF-8 bytes
	Partition     uint16 `json:"partition"`
	IncludeHeader bool   `json:"include_header"`
	ResponseLevel uint8  `json:"response_level"`
	TransactionID string `json:"transaction_id"`
}

type queryRequestBody struct {
	Query      string `json:"query"`
	Sequential bool   `json:"sequential"`
}

// updateVotersRequestBody is the JSON shape of a POST /servers/voters body,
// mirroring §6's updateVoters(old, new).
type updateVotersRequestBody struct {
	OldVoters []string `json:"old_voters"`
	NewVoters []string `json:"new_voters"`
}

// convertRollRequestBody is the JSON shape of a POST /servers/roll body,
// mirroring §6's convertRoll(uri, roll).
type convertRollRequestBody struct {
	URI     string `json:"uri"`
	ToVoter bool   `json:"to_voter"`
}

// Server is the gin-based gateway in front of a node's Router.
type Server struct {
	engine   *gin.Engine
	router   *client.Router
	node     *raft.Node
	registry *prometheus.Registry
}

// New constructs a Server. node supplies the status endpoint's role/term/
// commit snapshot; router dispatches update/query passthrough calls the
// same way any other client of this package would.
func New(node *raft.Node, router *client.Router, registry *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(ginLogger())
	engine.Use(corsMiddleware())

	s := &Server{engine: engine, router: router, node: node, registry: registry}
	engine.GET("/status", s.handleStatus)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	engine.POST("/update", s.handleUpdate)
	engine.POST("/query", s.handleQuery)
	engine.GET("/servers", s.handleGetServers)
	engine.POST("/servers/voters", s.handleUpdateVoters)
	engine.POST("/servers/roll", s.handleConvertRoll)
	return s
}

// ListenAndServe runs the gateway's HTTP server on addr until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func corsMiddleware() gin.HandlerFunc {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return func(ctx *gin.Context) {
		c.HandlerFunc(ctx.Writer, ctx.Request)
		ctx.Next()
	}
}

func ginLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		log.Debug().
			Str("method", ctx.Request.Method).
			Str("path", ctx.Request.URL.Path).
			Int("status", ctx.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("httpapi: request")
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, ClusterStatus{
		NodeID:      s.node.ID(),
		Role:        string(s.node.Role()),
		Term:        s.node.Term(),
		CommitIndex: s.node.CommitIndex(),
		LeaderHint:  s.node.LeaderHint(),
	})
}

func (s *Server) handleUpdate(c *gin.Context) {
	var body updateRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := client.UpdateRequest{Payload: []byte(body.Payload), Partition: body.Partition, IncludeHeader: body.IncludeHeader}
	results, err := s.router.Update(c.Request.Context(), []client.UpdateRequest{req}, body.ResponseLevel, body.TransactionID)
	if err != nil {
		writeRouterError(c, err)
		return
	}
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = string(r)
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) handleQuery(c *gin.Context) {
	var body queryRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	consistency := client.Strong
	if body.Sequential {
		consistency = client.Sequential
	}
	result, err := s.router.Query(c.Request.Context(), []byte(body.Query), consistency)
	if err != nil {
		writeRouterError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": string(result)})
}

func (s *Server) handleGetServers(c *gin.Context) {
	servers, err := s.router.GetServers(c.Request.Context())
	if err != nil {
		writeRouterError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"voters":       servers.Voters,
		"joint_voters": servers.JointVoters,
		"observers":    servers.Observers,
	})
}

func (s *Server) handleUpdateVoters(c *gin.Context) {
	var body updateVotersRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	idx, err := s.router.UpdateVoters(c.Request.Context(), body.OldVoters, body.NewVoters)
	if err != nil {
		writeRouterError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": idx})
}

func (s *Server) handleConvertRoll(c *gin.Context) {
	var body convertRollRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	idx, err := s.router.ConvertRoll(c.Request.Context(), body.URI, body.ToVoter)
	if err != nil {
		writeRouterError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": idx})
}

func writeRouterError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, client.ErrNotLeader):
		status = http.StatusTemporaryRedirect
	case errors.Is(err, client.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, client.ErrLeaderWriteDisabled), errors.Is(err, client.ErrConfigurationConflict):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
