package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cwsl/vizctl/vizstate"
)

// MCPServer exposes the controller as Model Context Protocol tools
type MCPServer struct {
	pipeline   *vizstate.Pipeline
	profiles   *vizstate.ProfileStore
	hub        *StateHub
	metrics    *PrometheusMetrics
	discovery  *InstanceDiscovery
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance
func NewMCPServer(pipeline *vizstate.Pipeline, profiles *vizstate.ProfileStore, hub *StateHub,
	metrics *PrometheusMetrics, discovery *InstanceDiscovery) *MCPServer {

	m := &MCPServer{
		pipeline:  pipeline,
		profiles:  profiles,
		hub:       hub,
		metrics:   metrics,
		discovery: discovery,
	}

	m.mcpServer = server.NewMCPServer(
		"vizctl",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	m.registerTools()

	m.httpServer = server.NewStreamableHTTPServer(m.mcpServer)

	return m
}

func fieldNames() string {
	names := make([]string, 0, len(vizstate.AllFields()))
	for _, f := range vizstate.AllFields() {
		names = append(names, string(f))
	}
	return strings.Join(names, ", ")
}

// registerTools registers all available MCP tools
func (m *MCPServer) registerTools() {
	m.mcpServer.AddTool(
		mcp.NewTool("get_state",
			mcp.WithDescription("Get the cached display state: every visual parameter and the raw coefficients of the amp and diff filter channels, with the gain and tao of each level."),
			mcp.WithString("format",
				mcp.Description("Output format: 'json' for structured data or 'text' for human-readable summary"),
				mcp.DefaultString("json"),
			),
		),
		m.handleGetState,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("refresh_state",
			mcp.WithDescription("Query the display process for its full state and merge it into the cache."),
		),
		m.handleRefresh,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("set_parameter",
			mcp.WithDescription("Set one visual parameter on the display. The cache updates immediately and converges to the value the display reports back."),
			mcp.WithString("field",
				mcp.Required(),
				mcp.Description("Parameter name: "+fieldNames()),
			),
			mcp.WithNumber("value",
				mcp.Required(),
				mcp.Description("New value"),
			),
		),
		m.handleSetParameter,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("set_filter",
			mcp.WithDescription("Edit the gain or the time constant (tao) of one filter level. Tao is given on the slider scale: sign-preserving square root of tao. |tao| below 1 is rejected by the display."),
			mcp.WithString("channel",
				mcp.Required(),
				mcp.Description("Filter channel: 'amp' or 'diff'"),
			),
			mcp.WithNumber("level",
				mcp.Required(),
				mcp.Description("Level index, starting at 0"),
			),
			mcp.WithString("attribute",
				mcp.Required(),
				mcp.Description("'gain' or 'tao'"),
			),
			mcp.WithNumber("value",
				mcp.Required(),
				mcp.Description("New gain, or tao slider coordinate"),
			),
		),
		m.handleSetFilter,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("list_profiles",
			mcp.WithDescription("List saved profiles. The default profile has an empty name."),
		),
		m.handleListProfiles,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("save_profile",
			mcp.WithDescription("Save the current display state as a named profile, replacing any profile with the same name."),
			mcp.WithString("name",
				mcp.Description("Profile name, empty for the default profile"),
			),
		),
		m.handleSaveProfile,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("load_profile",
			mcp.WithDescription("Restore a saved profile by sending every stored parameter and filter channel to the display."),
			mcp.WithString("name",
				mcp.Description("Profile name, empty for the default profile"),
			),
		),
		m.handleLoadProfile,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("list_displays",
			mcp.WithDescription("List display processes discovered on the local network via mDNS."),
		),
		m.handleListDisplays,
	)
}

// HandleMCP handles MCP requests over HTTP
func (m *MCPServer) HandleMCP(w http.ResponseWriter, r *http.Request) {
	m.httpServer.ServeHTTP(w, r)
}

// Tool handlers

func toolJSON(v interface{}) (*mcp.CallToolResult, error) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonData)), nil
}

// stateText renders a snapshot for humans
func stateText(snap vizstate.Snapshot) string {
	var b strings.Builder
	b.WriteString("Parameters:\n")
	for _, f := range vizstate.AllFields() {
		if v, ok := snap.Params.Get(f); ok {
			fmt.Fprintf(&b, "  %-13s %-22s %g\n", f, "("+f.Label()+")", v)
		}
	}
	for _, ch := range vizstate.Channels {
		fmt.Fprintf(&b, "Filter %s:\n", ch)
		for i, c := range snap.Filter.Channel(ch) {
			view := vizstate.ViewOf(c)
			fmt.Fprintf(&b, "  level %d: gain=%g tao=%g raw=[%g, %g]\n", i, view.Gain, view.Tao, c[0], c[1])
		}
	}
	return b.String()
}

func (m *MCPServer) handleGetState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := m.pipeline.Cache().Snapshot()
	if request.GetString("format", "json") == "text" {
		return mcp.NewToolResultText(stateText(snap)), nil
	}
	return toolJSON(snap)
}

func (m *MCPServer) handleRefresh(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := m.pipeline.Refresh(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap := m.pipeline.Cache().Snapshot()
	m.metrics.UpdateState(snap)
	m.hub.BroadcastState(snap)
	return toolJSON(snap)
}

// awaitMutation waits for the mutation to settle and reports the result
func (m *MCPServer) awaitMutation(ctx context.Context, pm *vizstate.PendingMutation) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, mutationWaitTimeout)
	defer cancel()

	if err := pm.Wait(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolJSON(MutationResponse{Mutation: newMutationEvent(pm), State: ptrSnapshot(m.pipeline.Cache().Snapshot())})
}

func ptrSnapshot(s vizstate.Snapshot) *vizstate.Snapshot {
	return &s
}

func (m *MCPServer) handleSetParameter(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	field, err := vizstate.ParseField(request.GetString("field", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := request.RequireFloat("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return m.awaitMutation(ctx, m.pipeline.SetParameter(field, value))
}

func (m *MCPServer) handleSetFilter(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ch, err := vizstate.ParseChannel(request.GetString("channel", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	attr, err := vizstate.ParseAttribute(request.GetString("attribute", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	level, err := request.RequireInt("level")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, err := request.RequireFloat("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return m.awaitMutation(ctx, m.pipeline.SetFilterCoefficient(ch, level, attr, value))
}

func (m *MCPServer) handleListProfiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := m.profiles.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if names == nil {
		names = []string{}
	}
	return toolJSON(map[string]interface{}{"profiles": names})
}

func (m *MCPServer) handleSaveProfile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.GetString("name", "")
	err := m.profiles.Save(ctx, name)
	m.metrics.RecordProfileOperation("save", err)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Profile %q saved", name)), nil
}

func (m *MCPServer) handleLoadProfile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, mutationWaitTimeout)
	defer cancel()

	name := request.GetString("name", "")
	start := time.Now()
	err := m.profiles.Load(ctx, name)
	m.metrics.RecordProfileOperation("load", err)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Profile %q loaded in %v", name, time.Since(start).Round(time.Millisecond))), nil
}

func (m *MCPServer) handleListDisplays(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.discovery == nil {
		return mcp.NewToolResultError("Discovery is not enabled"), nil
	}
	return toolJSON(InstancesResponse{Instances: m.discovery.GetInstances()})
}
