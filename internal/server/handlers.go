package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/fieldops/internal/jobmanager"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

type agentRequest struct {
	AgentID types.AgentID `json:"agent_id" binding:"required"`
}

type startRequest struct {
	AgentID types.AgentID `json:"agent_id" binding:"required"`
	Lat     *float64      `json:"lat" binding:"required"`
	Lng     *float64      `json:"lng" binding:"required"`
}

type evidenceRequest struct {
	AgentID types.AgentID `json:"agent_id" binding:"required"`
	jobmanager.EvidenceRequest
}

type submitRequest struct {
	AgentID types.AgentID `json:"agent_id" binding:"required"`
	Notes   string        `json:"notes"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type settleRequest struct {
	Success *bool `json:"success" binding:"required"`
}

func jobID(c *gin.Context) types.JobID { return types.JobID(c.Param("id")) }

func (s *Server) createJob(c *gin.Context) {
	var req jobmanager.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	job, err := s.ctrl.Jobs().Create(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) listJobs(c *gin.Context) {
	var statuses []types.JobStatus
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, types.JobStatus(strings.ToUpper(strings.TrimSpace(part))))
		}
	}
	jobs, err := s.ctrl.Jobs().List(c.Request.Context(), statuses...)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.ctrl.Jobs().Get(c.Request.Context(), jobID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) dispatchJob(c *gin.Context) {
	job, err := s.ctrl.Jobs().Dispatch(c.Request.Context(), jobID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) acceptJob(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	job, err := s.ctrl.Jobs().Accept(c.Request.Context(), jobID(c), req.AgentID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) startJob(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	at := types.Coordinates{Lat: *req.Lat, Lng: *req.Lng}
	job, err := s.ctrl.Jobs().Start(c.Request.Context(), jobID(c), req.AgentID, at)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) addEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	item, err := s.ctrl.Jobs().AddEvidence(c.Request.Context(), jobID(c), req.AgentID, req.EvidenceRequest)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (s *Server) listEvidence(c *gin.Context) {
	items, err := s.ctrl.Jobs().Evidence(c.Request.Context(), jobID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": items, "count": len(items)})
}

func (s *Server) submitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	job, err := s.ctrl.Jobs().Submit(c.Request.Context(), jobID(c), req.AgentID, req.Notes)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) completeJob(c *gin.Context) {
	job, earning, err := s.ctrl.Jobs().Complete(c.Request.Context(), jobID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "earning": earning})
}

func (s *Server) cancelJob(c *gin.Context) {
	var req cancelRequest
	// An empty body is a cancel without a reason.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	job, err := s.ctrl.Jobs().Cancel(c.Request.Context(), jobID(c), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.GetQueueStats())
}

func (s *Server) processQueue(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.ProcessNotificationQueue(c.Request.Context()))
}

func (s *Server) payoutStats(c *gin.Context) {
	st, err := s.ctrl.GetPayoutStats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) runPayouts(c *gin.Context) {
	res, err := s.ctrl.RunPayoutScheduler(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) settlePayout(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	p, err := s.ctrl.Payouts().Settle(c.Request.Context(), c.Param("id"), *req.Success)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) scanSLA(c *gin.Context) {
	res, err := s.ctrl.ScanSLA(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) status(c *gin.Context) {
	online := 0
	if s.hub != nil {
		online = s.hub.Count()
	}
	c.JSON(http.StatusOK, gin.H{
		"controller":   s.ctrl.GetStatus(),
		"push_clients": online,
		"server_time":  time.Now().UTC(),
	})
}

// push upgrades the request to the agent's push connection.
func (s *Server) push(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		badRequest(c, "user_id is required")
		return
	}
	if err := s.hub.ServeWS(c.Writer, c.Request, userID); err != nil {
		// The upgrader has already written the HTTP error.
		s.log.Warnw("push upgrade failed", "user_id", userID, "error", err)
	}
}
