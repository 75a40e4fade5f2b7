package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cwsl/vizctl/vizstate"
)

const graphqlPath = "/api/v2/graphql"

const filterQuery = `query FilterQuery {
  filter {
    amp
    diff
  }
}`

const filterMutation = `mutation FilterMut ($type: String!, $level: Int!, $gain: Float, $tao: Float!) {
  filter(type: $type, level: $level, gain: $gain, tao: $tao)
}`

const rawFilterMutation = `mutation RawFilterMut ($type: String!, $raw: [Float]!) {
  rawFilter(type: $type, raw: $raw)
}`

// paramSelection lists every parameter field, so queries and mutations
// always return the complete record.
var paramSelection = func() string {
	names := make([]string, 0, len(vizstate.AllFields()))
	for _, f := range vizstate.AllFields() {
		names = append(names, string(f))
	}
	return strings.Join(names, "\n    ")
}()

var (
	paramQuery    = fmt.Sprintf("query ParamQuery {\n  params {\n    %s\n  }\n}", paramSelection)
	paramMutation = fmt.Sprintf("mutation ParamMut ($params: inputParamType!) {\n  params(params: $params) {\n    %s\n  }\n}", paramSelection)
)

// graphqlRequest is the body of a POST to the GraphQL endpoint. The display
// process requires the variables object even when it is empty.
type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// GraphQLClient talks to the display process over its GraphQL endpoint.
type GraphQLClient struct {
	endpoint   string
	userAgent  string
	httpClient *http.Client
	metrics    *PrometheusMetrics
}

// NewGraphQLClient creates a client for the display process at cfg.URL
func NewGraphQLClient(cfg *RemoteConfig, metrics *PrometheusMetrics) *GraphQLClient {
	return &GraphQLClient{
		endpoint:   strings.TrimSuffix(cfg.URL, "/") + graphqlPath,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout()},
		metrics:    metrics,
	}
}

// do sends one GraphQL operation and decodes its data into out. Every
// failure wraps vizstate.ErrRemoteRequestFailed.
func (c *GraphQLClient) do(ctx context.Context, operation, query string, vars map[string]interface{}, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordRemoteRequest(operation, time.Since(start), err)
	}()

	if vars == nil {
		vars = map[string]interface{}{}
	}
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("%w: failed to encode %s: %v", vizstate.ErrRemoteRequestFailed, operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to build %s request: %v", vizstate.ErrRemoteRequestFailed, operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", vizstate.ErrRemoteRequestFailed, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: HTTP %d: %s", vizstate.ErrRemoteRequestFailed, operation, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", vizstate.ErrRemoteRequestFailed, operation, err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("%w: %s: %s", vizstate.ErrRemoteRequestFailed, operation, strings.Join(msgs, "; "))
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		return fmt.Errorf("%w: %s: response has no data", vizstate.ErrRemoteRequestFailed, operation)
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("%w: failed to decode %s data: %v", vizstate.ErrRemoteRequestFailed, operation, err)
	}

	if DebugMode {
		log.Printf("DEBUG: GraphQL %s completed in %v", operation, time.Since(start))
	}
	return nil
}

// Query fetches the parameters and the filter bank with two queries
func (c *GraphQLClient) Query(ctx context.Context) (vizstate.Snapshot, error) {
	var params struct {
		Params *vizstate.Parameters `json:"params"`
	}
	if err := c.do(ctx, "params", paramQuery, nil, &params); err != nil {
		return vizstate.Snapshot{}, err
	}

	var filter struct {
		Filter *vizstate.FilterBank `json:"filter"`
	}
	if err := c.do(ctx, "filter", filterQuery, nil, &filter); err != nil {
		return vizstate.Snapshot{}, err
	}

	var snap vizstate.Snapshot
	if params.Params != nil {
		snap.Params = *params.Params
	}
	if filter.Filter != nil {
		snap.Filter = *filter.Filter
	}
	return snap, nil
}

// SetParameters sends the params mutation
func (c *GraphQLClient) SetParameters(ctx context.Context, partial vizstate.Parameters) (vizstate.Parameters, error) {
	var out struct {
		Params *vizstate.Parameters `json:"params"`
	}
	vars := map[string]interface{}{"params": partial}
	if err := c.do(ctx, "setParams", paramMutation, vars, &out); err != nil {
		return vizstate.Parameters{}, err
	}
	if out.Params == nil {
		return vizstate.Parameters{}, fmt.Errorf("%w: setParams: empty result", vizstate.ErrRemoteRequestFailed)
	}
	return *out.Params, nil
}

// SetFilter sends the filter mutation and returns the whole channel
func (c *GraphQLClient) SetFilter(ctx context.Context, req vizstate.FilterRequest) (vizstate.Levels, error) {
	vars := map[string]interface{}{
		"type":  req.Channel,
		"level": req.Level,
		"tao":   req.Tao,
	}
	if req.Gain != nil {
		vars["gain"] = *req.Gain
	}

	var out struct {
		Filter vizstate.Levels `json:"filter"`
	}
	if err := c.do(ctx, "setFilter", filterMutation, vars, &out); err != nil {
		return nil, err
	}
	return out.Filter, nil
}

// SetRawFilter sends the rawFilter mutation
func (c *GraphQLClient) SetRawFilter(ctx context.Context, ch vizstate.Channel, levels vizstate.Levels) (vizstate.Levels, error) {
	vars := map[string]interface{}{
		"type": ch,
		"raw":  levels.Flat(),
	}

	var out struct {
		RawFilter vizstate.Levels `json:"rawFilter"`
	}
	if err := c.do(ctx, "setRawFilter", rawFilterMutation, vars, &out); err != nil {
		return nil, err
	}
	return out.RawFilter, nil
}
