package main

import "github.com/cwsl/vizctl/vizstate"

// API Request Types

// ParameterRequest sets one parameter
type ParameterRequest struct {
	Value *float64 `json:"value"`
}

// FilterEditRequest edits the gain or the tao of one filter level. A tao
// value is a slider coordinate (sign-preserving square root of tao).
type FilterEditRequest struct {
	Attribute string   `json:"attribute"`
	Value     *float64 `json:"value"`
}

// RawFilterRequest replaces a channel's coefficients with a flat list
type RawFilterRequest struct {
	Raw vizstate.Levels `json:"raw"`
}

// API Response Types

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// MutationResponse is returned by every edit endpoint. State is the cache
// after the optimistic merge, or after the settle when the caller waited.
type MutationResponse struct {
	Mutation MutationEvent      `json:"mutation"`
	State    *vizstate.Snapshot `json:"state,omitempty"`
}

// MultiMutationResponse is returned when a request fans out into several
// mutations
type MultiMutationResponse struct {
	Mutations []MutationEvent    `json:"mutations"`
	State     *vizstate.Snapshot `json:"state,omitempty"`
}

// FilterLevelResponse is the view of one filter level
type FilterLevelResponse struct {
	Channel      vizstate.Channel      `json:"channel"`
	Level        int                   `json:"level"`
	Coefficients vizstate.Coefficients `json:"coefficients"`
	vizstate.FilterView
}

// FilterResponse lists every level of both channels with their views
type FilterResponse struct {
	Raw    vizstate.FilterBank   `json:"raw"`
	Levels []FilterLevelResponse `json:"levels"`
}

// ProfileInfo describes one stored profile
type ProfileInfo struct {
	Name    string `json:"name"`
	Key     string `json:"key"`
	Default bool   `json:"default"`
}

// ProfileListResponse lists stored profiles
type ProfileListResponse struct {
	Profiles []ProfileInfo `json:"profiles"`
}

// InstancesResponse lists display processes found on the LAN
type InstancesResponse struct {
	Instances []DisplayInstance `json:"instances"`
}

// WebSocket command types (from clients)

// WSCommand is a control message received over the websocket
type WSCommand struct {
	Type      string   `json:"type"` // set_param, set_filter, refresh
	Field     string   `json:"field,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	Level     int      `json:"level,omitempty"`
	Attribute string   `json:"attribute,omitempty"`
	Value     *float64 `json:"value,omitempty"`
}
