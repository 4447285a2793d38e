package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/fielderr"
	"github.com/fyrsmithlabs/goatfield/internal/journal"
	"github.com/fyrsmithlabs/goatfield/internal/logging"
	"github.com/fyrsmithlabs/goatfield/internal/review"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

func (s *Server) handleObserve(c echo.Context) error {
	var obs journal.Observation
	if err := c.Bind(&obs); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid observation body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	// The journal assigns the sequence id.
	obs.SequenceID = 0

	seq, err := s.field.Observe(c.Request().Context(), obs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ObserveResponse{SequenceID: seq})
}

func (s *Server) handleGetObservation(c echo.Context) error {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		return fielderr.Invalid("seq", "sequence id must be a non-negative integer")
	}
	obs, err := s.field.Observation(c.Request().Context(), seq)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obs)
}

func (s *Server) handleListProposals(c echo.Context) error {
	proposals, err := s.field.Proposals(review.Status(c.QueryParam("status")))
	if err != nil {
		return err
	}
	if proposals == nil {
		proposals = []review.Proposal{}
	}
	return c.JSON(http.StatusOK, ProposalsResponse{Proposals: proposals, Count: len(proposals)})
}

func (s *Server) handleGetProposal(c echo.Context) error {
	p, err := s.field.Proposal(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleApprove(c echo.Context) error {
	return s.decide(c, s.field.Approve)
}

func (s *Server) handleReject(c echo.Context) error {
	return s.decide(c, s.field.Reject)
}

type decideFunc func(ctx context.Context, id string, d review.Decision) (*review.Proposal, error)

func (s *Server) decide(c echo.Context, fn decideFunc) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid decision body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := logging.WithReviewer(c.Request().Context(), req.ReviewedBy)
	p, err := fn(ctx, c.Param("id"), req.decision())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleDecisions(c echo.Context) error {
	entries, err := s.field.DecisionHistory(c.Request().Context())
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []review.AuditEntry{}
	}
	return c.JSON(http.StatusOK, DecisionsResponse{Decisions: entries, Count: len(entries)})
}

func (s *Server) handleInsights(c echo.Context) error {
	return c.JSON(http.StatusOK, s.field.InsightMap(c.Request().Context()))
}

func (s *Server) handleGraphHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.field.Health())
}

func (s *Server) handleReflect(c echo.Context) error {
	res, err := s.field.Reflect(c.Request().Context())
	if err != nil {
		return err
	}
	status := http.StatusOK
	if res.Skipped {
		status = http.StatusAccepted
	}
	return c.JSON(status, res)
}

func (s *Server) handleCompact(c echo.Context) error {
	res, err := s.field.Compact(c.Request().Context())
	if err != nil {
		return err
	}
	status := http.StatusOK
	if res.Skipped {
		status = http.StatusAccepted
	}
	return c.JSON(status, res)
}
