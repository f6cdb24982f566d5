package main

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/StarLiu1/mercurius-mcp/internal/domain/omop"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/status"
	"github.com/StarLiu1/mercurius-mcp/internal/domain/translate"
)

// registerRESTRoutes exposes the tool surface over plain HTTP for clients
// that do not speak MCP.
func registerRESTRoutes(g *echo.Group, s *services) {
	g.POST("/translate", s.restTranslate)
	g.POST("/cql/parse", s.restParseNL)
	g.POST("/cql/valuesets", s.restExtractValueSets)
	g.POST("/valuesets/fetch", s.restFetchValueSets)
	g.GET("/valuesets/cache", s.restCacheStatus)
	g.POST("/concepts/map", s.restMapConcepts)
	g.GET("/concepts/loinc/:code", s.restLookupLOINC)
	g.GET("/concepts/snomed/:code", s.restLookupSNOMED)
	g.GET("/status", s.restStatus)
}

func (s *services) restTranslate(c echo.Context) error {
	var req struct {
		CQLContent    string            `json:"cql_content"`
		SQLDialect    string            `json:"sql_dialect"`
		Validate      *bool             `json:"validate"`
		CorrectErrors *bool             `json:"correct_errors"`
		LibraryFiles  map[string]string `json:"library_files"`
		VSACUsername  string            `json:"vsac_username"`
		VSACPassword  string            `json:"vsac_password"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.CQLContent == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cql_content is required")
	}
	if s.pipeline == nil {
		return c.JSON(http.StatusServiceUnavailable, s.llmCredentialError())
	}

	creds, _ := s.vsacCredentials(req.VSACUsername, req.VSACPassword)
	opts := translate.PipelineOptions{
		Dialect:       req.SQLDialect,
		Validate:      true,
		CorrectErrors: true,
		LibraryFiles:  req.LibraryFiles,
		Credentials:   creds,
	}
	if req.Validate != nil {
		opts.Validate = *req.Validate
	}
	if req.CorrectErrors != nil {
		opts.CorrectErrors = *req.CorrectErrors
	}

	return c.JSON(http.StatusOK, s.pipeline.Run(c.Request().Context(), req.CQLContent, opts))
}

func (s *services) restParseNL(c echo.Context) error {
	var req struct {
		Query        string `json:"query"`
		IncludeInput bool   `json:"include_input"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if s.llmClient == nil {
		return c.JSON(http.StatusServiceUnavailable, s.llmCredentialError())
	}

	res, err := s.nlq.ParseQuery(c.Request().Context(), req.Query, req.IncludeInput)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (s *services) restExtractValueSets(c echo.Context) error {
	var req struct {
		CQLQuery     string `json:"cql_query"`
		IncludeInput bool   `json:"include_input"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.CQLQuery == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cql_query is required")
	}
	return c.JSON(http.StatusOK, s.nlq.ExtractValueSets(req.CQLQuery, req.IncludeInput))
}

func (s *services) restFetchValueSets(c echo.Context) error {
	var req struct {
		ValueSetIDs []string `json:"value_set_ids"`
		Username    string   `json:"username"`
		Password    string   `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.ValueSetIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "value_set_ids is required")
	}

	creds, ok := s.vsacCredentials(req.Username, req.Password)
	if !ok {
		payload := s.vsacCredentialError()
		payload["value_set_ids"] = req.ValueSetIDs
		return c.JSON(http.StatusUnprocessableEntity, payload)
	}

	results := s.vsacClient.RetrieveMultiple(c.Request().Context(), req.ValueSetIDs, creds)
	return c.JSON(http.StatusOK, omop.SummarizeFetch(results, time.Now().Format(time.RFC3339)))
}

func (s *services) restCacheStatus(c echo.Context) error {
	stats := s.vsacClient.CacheStats()
	return c.JSON(http.StatusOK, map[string]any{
		"cache_size":        stats["size"],
		"cached_value_sets": stats["keys"],
	})
}

func (s *services) restMapConcepts(c echo.Context) error {
	var req struct {
		CQLQuery     string `json:"cql_query"`
		VSACUsername string `json:"vsac_username"`
		VSACPassword string `json:"vsac_password"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.CQLQuery == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cql_query is required")
	}

	creds, ok := s.vsacCredentials(req.VSACUsername, req.VSACPassword)
	if !ok {
		return c.JSON(http.StatusUnprocessableEntity, s.vsacCredentialError())
	}
	if s.repo == nil {
		return c.JSON(http.StatusServiceUnavailable, s.databaseCredentialError())
	}

	res, err := s.mapping.MapCQL(c.Request().Context(), omop.MapCQLRequest{
		CQLQuery:    req.CQLQuery,
		Credentials: creds,
		Options:     omop.DefaultMapOptions(),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (s *services) restLookupLOINC(c echo.Context) error {
	code := c.Param("code")
	display := c.QueryParam("display")
	return c.JSON(http.StatusOK, s.lookup.LOINC(c.Request().Context(), code, display))
}

func (s *services) restLookupSNOMED(c echo.Context) error {
	code := c.Param("code")
	display := c.QueryParam("display")
	return c.JSON(http.StatusOK, s.lookup.SNOMED(c.Request().Context(), code, display))
}

func (s *services) restStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, status.Check(s.cfg))
}
