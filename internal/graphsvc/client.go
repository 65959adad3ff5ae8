// Package graphsvc is the client of the account-relations graph service.
// The service speaks JSON-RPC 2.0 over HTTP POST.
package graphsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/graph"
)

var tracer = otel.Tracer("talon-graphsvc")

// Methods of the graph service.
const (
	MethodSubgraph    = "get_subgraph"
	MethodHopsToFraud = "get_hops_to_fraud"
)

// DefaultRelations are the edge labels requested for a subgraph.
var DefaultRelations = []string{
	"uses_device",
	"uses_card",
	"validate_phone",
	"validate_person",
	"withdrawal_bank_account",
}

// Client fetches relationship graphs and fraud proximity.
// It implements domain.GraphSource.
type Client struct {
	endpoint   string
	httpClient *http.Client
	depth      int
	maxHops    int
	boundLevel string
	relations  []string
	seq        atomic.Int64
}

// New creates a client from the graph configuration.
func New(cfg domain.GraphConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	c := &Client{
		endpoint:   cfg.BaseURL + "/mcp/message",
		httpClient: httpClient,
		depth:      cfg.Depth,
		maxHops:    cfg.MaxHops,
		boundLevel: cfg.BoundLevel,
		relations:  DefaultRelations,
	}
	if c.depth <= 0 {
		c.depth = 2
	}
	if c.maxHops <= 0 {
		c.maxHops = 3
	}
	if c.boundLevel == "" {
		c.boundLevel = "HIGH_TRUST"
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error object returned by the service.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("graph service error %d: %s", e.Code, e.Message)
}

type subgraphParams struct {
	NodeID    string   `json:"node_id"`
	Depth     int      `json:"depth"`
	Relations []string `json:"relations"`
}

type hopsParams struct {
	NodeID     string `json:"node_id"`
	MaxHops    int    `json:"max_hops"`
	BoundLevel string `json:"bound_level"`
}

// FetchRelationshipGraph returns the subgraph around the account.
func (c *Client) FetchRelationshipGraph(ctx context.Context, id domain.AccountID) (*domain.GraphPayload, error) {
	raw, err := c.call(ctx, MethodSubgraph, subgraphParams{
		NodeID:    string(id),
		Depth:     c.depth,
		Relations: c.relations,
	})
	if err != nil {
		return nil, err
	}
	return graph.DecodePayload(raw)
}

// FetchFraudProximity returns the fraud-labelled users within reach of the account.
func (c *Client) FetchFraudProximity(ctx context.Context, id domain.AccountID) (*domain.FraudProximityFact, error) {
	raw, err := c.call(ctx, MethodHopsToFraud, hopsParams{
		NodeID:     string(id),
		MaxHops:    c.maxHops,
		BoundLevel: c.boundLevel,
	})
	if err != nil {
		return nil, err
	}
	return graph.DecodeFraudProximity(raw)
}

// Ping calls the service's hello method.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "say_hello", nil)
	return err
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "graphsvc."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.method", method)),
	)
	defer span.End()

	raw, err := c.do(ctx, method, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return raw, err
}

func (c *Client) do(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.seq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d: %s", method, resp.StatusCode, bytes.TrimSpace(data))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty %s response", domain.ErrMalformedPayload, method)
	}

	var rpc rpcResponse
	if err := json.Unmarshal(data, &rpc); err != nil {
		return nil, fmt.Errorf("%w: %s response: %v", domain.ErrMalformedPayload, method, err)
	}
	if rpc.Error != nil {
		return nil, rpc.Error
	}
	if len(rpc.Result) == 0 || string(rpc.Result) == "null" {
		return nil, fmt.Errorf("%w: %s response has no result", domain.ErrMalformedPayload, method)
	}
	return rpc.Result, nil
}
