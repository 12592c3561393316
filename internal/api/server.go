package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rbaeza/agil-tracker/internal/auth"
	"github.com/rbaeza/agil-tracker/internal/config"
	"github.com/rbaeza/agil-tracker/internal/db"
	"github.com/rbaeza/agil-tracker/internal/etl"
	"github.com/rbaeza/agil-tracker/internal/models"
)

type Server struct {
	Store       *db.Store
	AuthService *auth.Service
	Pipeline    *etl.Service
	Runner      *etl.Runner
	Settings    *config.Settings
	Echo        *echo.Echo
}

func NewServer(store *db.Store, pipeline *etl.Service, runner *etl.Runner, settings *config.Settings) *Server {
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// CORS: allow frontend origins from env or default to localhost
	allowedOrigins := []string{"http://localhost:4200"}
	if extra := os.Getenv("CORS_ORIGINS"); extra != "" {
		for _, o := range strings.Split(extra, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	s := &Server{
		Store:       store,
		AuthService: auth.NewService(),
		Pipeline:    pipeline,
		Runner:      runner,
		Settings:    settings,
		Echo:        e,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")
	api.POST("/auth/login", s.handleLogin)

	// Everything else is operator-only.
	op := api.Group("")
	op.Use(auth.Middleware)

	op.POST("/etl/refresh", s.handleRefresh)
	op.POST("/etl/selective", s.handleSelectiveRefresh)
	op.POST("/etl/rescore", s.handleRescore)
	op.POST("/etl/import", s.handleImport)
	op.POST("/etl/cleanup", s.handleCleanup)
	op.GET("/etl/jobs/current", s.handleCurrentJob)
	op.GET("/etl/runs", s.handleListRuns)

	op.GET("/opportunities", s.handleListOpportunities)
	op.GET("/opportunities/:code", s.handleGetOpportunity)
	op.POST("/opportunities/:code/follow", s.trackingHandler("followed"))
	op.POST("/opportunities/:code/bid", s.trackingHandler("bid"))
	op.POST("/opportunities/:code/hide", s.trackingHandler("hidden"))
	op.PUT("/opportunities/:code/note", s.handleSetNote)

	op.GET("/keywords", s.handleListKeywords)
	op.POST("/keywords", s.handleCreateKeyword)
	op.PUT("/keywords/:id", s.handleUpdateKeyword)
	op.DELETE("/keywords/:id", s.handleDeleteKeyword)

	op.GET("/org-rules", s.handleListOrgRules)
	op.POST("/org-rules", s.handleUpsertOrgRule)
	op.DELETE("/org-rules/:id", s.handleDeleteOrgRule)

	op.GET("/organizations", s.handleListOrganizations)
	op.GET("/health/session", s.handleSessionHealth)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	resp, err := s.AuthService.Login(req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCreds) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, resp)
}

// startJob wraps Runner.Start with the shared 202/409 response shape.
func (s *Server) startJob(c echo.Context, operation string, fn func(ctx context.Context, progress etl.Progress) (any, error)) error {
	jobID, err := s.Runner.Start(operation, fn)
	if err != nil {
		if errors.Is(err, etl.ErrJobRunning) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "Ya hay una operación en curso"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"message": "Operación iniciada",
		"job_id":  jobID,
		"poll":    "/api/v1/etl/jobs/current",
	})
}

type refreshRequest struct {
	DateFrom string `json:"date_from"` // YYYY-MM-DD, optional
	DateTo   string `json:"date_to"`
	MaxPages int    `json:"max_pages"`
}

func (s *Server) handleRefresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	opts := etl.RefreshOptions{MaxPages: req.MaxPages}
	if req.DateFrom != "" {
		t, err := time.Parse("2006-01-02", req.DateFrom)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "date_from must be YYYY-MM-DD"})
		}
		opts.DateFrom = t
	}
	if req.DateTo != "" {
		t, err := time.Parse("2006-01-02", req.DateTo)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "date_to must be YYYY-MM-DD"})
		}
		opts.DateTo = t
	}

	return s.startJob(c, "full_refresh", func(ctx context.Context, progress etl.Progress) (any, error) {
		found, err := s.Pipeline.FullRefresh(ctx, opts, progress)
		if err != nil {
			return nil, err
		}
		return map[string]any{"found": found}, nil
	})
}

type selectiveRequest struct {
	Scopes []string `json:"scopes"`
}

func (s *Server) handleSelectiveRefresh(c echo.Context) error {
	var req selectiveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	return s.startJob(c, "selective_refresh", func(ctx context.Context, progress etl.Progress) (any, error) {
		return nil, s.Pipeline.SelectiveRefresh(ctx, req.Scopes, progress)
	})
}

func (s *Server) handleRescore(c echo.Context) error {
	return s.startJob(c, "rescore", func(ctx context.Context, progress etl.Progress) (any, error) {
		return nil, s.Pipeline.RescoreAll(ctx, progress)
	})
}

type importRequest struct {
	Codes       []string `json:"codes"`
	Disposition string   `json:"disposition"` // "follow" or "bid", optional
}

func (s *Server) handleImport(c echo.Context) error {
	var req importRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if len(req.Codes) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "codes is required"})
	}

	return s.startJob(c, "import", func(ctx context.Context, progress etl.Progress) (any, error) {
		imported, err := s.Pipeline.ImportCodes(ctx, req.Codes, req.Disposition, progress)
		if err != nil {
			return nil, err
		}
		return map[string]any{"imported": imported, "requested": len(req.Codes)}, nil
	})
}

func (s *Server) handleCleanup(c echo.Context) error {
	return s.startJob(c, "cleanup", func(ctx context.Context, progress etl.Progress) (any, error) {
		closed, deleted, err := s.Pipeline.Cleanup(ctx, progress)
		if err != nil {
			return nil, err
		}
		return map[string]any{"closed": closed, "deleted": deleted}, nil
	})
}

func (s *Server) handleCurrentJob(c echo.Context) error {
	job, ok := s.Runner.Current()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no job has run yet"})
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	runs, err := s.Store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if runs == nil {
		runs = []models.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	params := db.ListParams{
		View:          c.QueryParam("view"),
		MinScore:      s.Settings.ListMinScore,
		IncludeHidden: c.QueryParam("include_hidden") == "true",
		Limit:         50,
	}
	if raw := c.QueryParam("min_score"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			params.MinScore = parsed
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			params.Limit = parsed
		}
	}
	if raw := c.QueryParam("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			params.Offset = parsed
		}
	}

	opps, err := s.Store.ListOpportunities(c.Request().Context(), params)
	if err != nil {
		c.Logger().Errorf("Failed to list opportunities: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	if opps == nil {
		opps = []models.Opportunity{}
	}
	return c.JSON(http.StatusOK, opps)
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	opp, err := s.Store.GetOpportunity(c.Request().Context(), c.Param("code"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, opp)
}

type flagRequest struct {
	On bool `json:"on"`
}

// trackingHandler builds the follow/bid/hide toggle handler for one flag.
func (s *Server) trackingHandler(flag string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req flagRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		}

		err := s.Store.SetTrackingFlag(c.Request().Context(), c.Param("code"), flag, req.On)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]any{"code": c.Param("code"), flag: req.On})
	}
}

type noteRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleSetNote(c echo.Context) error {
	var req noteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	if err := s.Store.SetNote(c.Request().Context(), c.Param("code"), req.Note); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleListKeywords(c echo.Context) error {
	keywords, err := s.Store.ListKeywords(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if keywords == nil {
		keywords = []models.KeywordRule{}
	}
	return c.JSON(http.StatusOK, keywords)
}

func (s *Server) handleCreateKeyword(c echo.Context) error {
	var req models.KeywordRule
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	req.Keyword = strings.TrimSpace(req.Keyword)
	if req.Keyword == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "keyword is required"})
	}

	id, err := s.Store.CreateKeyword(c.Request().Context(), req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	req.ID = id
	return c.JSON(http.StatusCreated, req)
}

func (s *Server) handleUpdateKeyword(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid keyword ID"})
	}

	var req models.KeywordRule
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	req.ID = id
	req.Keyword = strings.TrimSpace(req.Keyword)
	if req.Keyword == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "keyword is required"})
	}

	if err := s.Store.UpdateKeyword(c.Request().Context(), req); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, req)
}

func (s *Server) handleDeleteKeyword(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid keyword ID"})
	}

	if err := s.Store.DeleteKeyword(c.Request().Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleListOrgRules(c echo.Context) error {
	rules, err := s.Store.ListOrgRules(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if rules == nil {
		rules = []models.OrgRuleView{}
	}
	return c.JSON(http.StatusOK, rules)
}

type orgRuleRequest struct {
	OrgName string `json:"org_name"`
	Kind    string `json:"kind"`
	Points  int    `json:"points"`
}

func (s *Server) handleUpsertOrgRule(c echo.Context) error {
	var req orgRuleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	req.OrgName = strings.TrimSpace(req.OrgName)
	if req.OrgName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "org_name is required"})
	}

	id, err := s.Store.UpsertOrgRule(c.Request().Context(), req.OrgName, req.Kind, req.Points)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleDeleteOrgRule(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid rule ID"})
	}

	if err := s.Store.DeleteOrgRule(c.Request().Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleListOrganizations(c echo.Context) error {
	onlyNew := c.QueryParam("new") == "true"
	orgs, err := s.Store.ListOrganizations(c.Request().Context(), onlyNew)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if orgs == nil {
		orgs = []models.Organization{}
	}
	return c.JSON(http.StatusOK, orgs)
}

func (s *Server) handleSessionHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Minute)
	defer cancel()

	if err := s.Pipeline.CheckSession(ctx, etl.Progress{}); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"healthy": false,
			"error":   err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"healthy": true})
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}
