package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ServerInfo identifies the server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Handler dispatches MCP JSON-RPC requests to the registry.
type Handler struct {
	registry *Registry
	info     ServerInfo
	logger   zerolog.Logger
}

// NewHandler creates an MCP handler over the given registry.
func NewHandler(registry *Registry, info ServerInfo, logger zerolog.Logger) *Handler {
	return &Handler{registry: registry, info: info, logger: logger}
}

// RegisterRoutes mounts the MCP endpoint.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/mcp", h.HandleHTTP)
}

// HandleHTTP is the echo handler for the MCP endpoint.
func (h *Handler) HandleHTTP(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusOK, newErrorResponse(nil, NewError(CodeParseError, "read request body")))
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusOK, newErrorResponse(nil, NewError(CodeParseError, "parse error")))
	}

	resp := h.Dispatch(c.Request().Context(), &req)
	if resp == nil {
		// Notification: acknowledge with no body.
		return c.NoContent(http.StatusAccepted)
	}
	return c.JSON(http.StatusOK, resp)
}

// Dispatch routes a single JSON-RPC request. Returns nil for notifications.
func (h *Handler) Dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return newErrorResponse(req.ID, NewError(CodeInvalidRequest, "invalid request"))
	}

	if req.IsNotification() {
		// The only notifications in the protocol flow are lifecycle signals
		// such as notifications/initialized; nothing to do for them.
		return nil
	}

	h.logger.Debug().Str("method", req.Method).Msg("mcp request")

	switch req.Method {
	case "initialize":
		return newResponse(req.ID, h.initializeResult())
	case "ping":
		return newResponse(req.ID, struct{}{})
	case "tools/list":
		return newResponse(req.ID, map[string]interface{}{"tools": h.registry.Tools()})
	case "tools/call":
		return h.callTool(ctx, req)
	case "resources/list":
		return newResponse(req.ID, map[string]interface{}{"resources": h.registry.Resources()})
	case "resources/read":
		return h.readResource(ctx, req)
	default:
		return newErrorResponse(req.ID, NewError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)))
	}
}

func (h *Handler) initializeResult() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"serverInfo":      h.info,
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{},
			"resources": map[string]interface{}{},
		},
	}
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (h *Handler) callTool(ctx context.Context, req *Request) *Response {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return newErrorResponse(req.ID, NewError(CodeInvalidParams, "tools/call requires a tool name"))
	}

	tool, ok := h.registry.Tool(params.Name)
	if !ok {
		return newErrorResponse(req.ID, NewError(CodeMethodNotFound, fmt.Sprintf("unknown tool: %s", params.Name)))
	}

	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		h.logger.Warn().Str("tool", params.Name).Err(err).Msg("tool call failed")
		return newResponse(req.ID, toolResult(map[string]string{"error": err.Error()}, true))
	}
	return newResponse(req.ID, toolResult(result, false))
}

// toolResult wraps a tool payload in MCP content blocks.
func toolResult(payload interface{}, isError bool) map[string]interface{} {
	text, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		text = []byte(fmt.Sprintf(`{"error": "serialize result: %s"}`, err))
		isError = true
	}
	return map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(text)},
		},
		"isError": isError,
	}
}

type readResourceParams struct {
	URI string `json:"uri"`
}

func (h *Handler) readResource(ctx context.Context, req *Request) *Response {
	var params readResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return newErrorResponse(req.ID, NewError(CodeInvalidParams, "resources/read requires a uri"))
	}

	res, ok := h.registry.Resource(params.URI)
	if !ok {
		return newErrorResponse(req.ID, NewError(CodeInvalidParams, fmt.Sprintf("unknown resource: %s", params.URI)))
	}

	payload, err := res.Handler(ctx)
	if err != nil {
		return newErrorResponse(req.ID, NewError(CodeInternalError, err.Error()))
	}

	text, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return newErrorResponse(req.ID, NewError(CodeInternalError, "serialize resource"))
	}

	return newResponse(req.ID, map[string]interface{}{
		"contents": []map[string]interface{}{
			{"uri": res.URI, "mimeType": res.MIMEType, "text": string(text)},
		},
	})
}
