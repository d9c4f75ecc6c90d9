// Package httpserver exposes the action pipeline over HTTP. Transport
// authentication and tenant resolution happen upstream; this server trusts
// the identity headers the auth middleware injects and refuses requests
// arriving without them.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	gin "github.com/gin-gonic/gin"

	"github.com/flowgate/flowgate/internal/apperr"
	"github.com/flowgate/flowgate/internal/approval"
	"github.com/flowgate/flowgate/internal/pipeline"
)

// Identity headers set by the upstream auth/tenant-resolution middleware.
const (
	HeaderActorID  = "X-Actor-Id"
	HeaderTenantID = "X-Tenant-Id"
	HeaderRole     = "X-Actor-Role"
)

type Server struct {
	svc     *pipeline.Service
	logger  *slog.Logger
	engine  *gin.Engine
	httpSrv *http.Server
}

func NewServer(svc *pipeline.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	actions := r.Group("/actions", s.identity())
	actions.POST("/submit", s.handleSubmit)
	actions.GET("/pending", s.handlePending)
	actions.POST("/:id/approve", s.handleDecision(approval.DecisionApprove))
	actions.POST("/:id/reject", s.handleDecision(approval.DecisionReject))
	actions.GET("/:id/audit", s.handleAudit)

	s.engine = r
	return s
}

// Engine exposes the router for http.Server wiring and for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.engine}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// identity pulls the resolved actor/tenant/role out of the headers the
// upstream middleware sets. No identity, no service.
func (s *Server) identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := pipeline.Identity{
			ActorID:  c.GetHeader(HeaderActorID),
			TenantID: c.GetHeader(HeaderTenantID),
			Role:     c.GetHeader(HeaderRole),
		}
		if id.ActorID == "" || id.TenantID == "" || id.Role == "" {
			s.respondError(c, http.StatusUnauthorized, "unauthorized", "missing resolved identity")
			c.Abort()
			return
		}
		c.Set("identity", id)
		c.Next()
	}
}

func ident(c *gin.Context) pipeline.Identity {
	v, _ := c.Get("identity")
	id, _ := v.(pipeline.Identity)
	return id
}

type submitRequest struct {
	Source  string         `json:"source" binding:"required"`
	Payload map[string]any `json:"payload" binding:"required"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var in submitRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		s.respondError(c, http.StatusBadRequest, string(apperr.CodeValidation), "body must carry source and payload")
		return
	}
	a, err := s.svc.Submit(c.Request.Context(), ident(c), in.Source, in.Payload)
	if err != nil {
		s.respondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"approval": a})
}

func (s *Server) handlePending(c *gin.Context) {
	p := approval.Page{Page: 1, Size: 20, Sort: c.Query("sort")}
	if v := c.Query("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Page = n
		}
	}
	if v := c.Query("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			p.Size = n
		}
	}
	items, total, err := s.svc.ListPending(c.Request.Context(), ident(c), p)
	if err != nil {
		s.respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": items, "total": total})
}

type decisionRequest struct {
	Comment string `json:"comment"`
}

func (s *Server) handleDecision(d approval.Decision) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in decisionRequest
		_ = c.ShouldBindJSON(&in)
		id := ident(c)
		a, err := s.svc.Decide(c.Request.Context(), id, c.Param("id"), d, in.Comment)
		if err != nil {
			s.respondAppError(c, err)
			return
		}
		if d == approval.DecisionApprove {
			// enqueue is its own idempotent step; losing the race here is
			// recovered by the approved sweep, so surface but don't fail
			if _, err := s.svc.EnqueueApproved(c.Request.Context(), id.TenantID, a.ID); err != nil {
				s.logger.Error("enqueue after approve failed",
					slog.String("approval", a.ID), slog.String("err", err.Error()))
			} else if refreshed, gerr := s.svc.Get(c.Request.Context(), id, a.ID); gerr == nil {
				a = refreshed
			}
		}
		c.JSON(http.StatusOK, gin.H{"approval": a})
	}
}

func (s *Server) handleAudit(c *gin.Context) {
	log, err := s.svc.AuditLog(c.Request.Context(), ident(c), c.Param("id"))
	if err != nil {
		s.respondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auditLog": log})
}

func (s *Server) respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"error": msg, "code": code})
}

func (s *Server) respondAppError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("err", msg))
		msg = "internal error"
	}
	if status == http.StatusForbidden {
		msg = "forbidden"
	}
	s.respondError(c, status, string(apperr.CodeOf(err)), msg)
}
