package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout   = 30 * time.Second
	defaultFinalityPoll     = 500 * time.Millisecond
	defaultFinalityAttempts = 40

	methodSubmitCall     = "ledger_submitCall"
	methodTxStatus       = "ledger_getTransactionStatus"
	methodGetObject      = "ledger_getObject"
	methodQueryEvents    = "ledger_queryEvents"
	rpcCodeObjectMissing = -32001
)

var (
	errMissingRPCURL   = errors.New("ledger: rpc url required")
	errFinalityTimeout = errors.New("ledger: finality wait budget exhausted")
)

// RPCClientConfig bundles configuration for the JSON-RPC ledger client.
type RPCClientConfig struct {
	RPCURL           string
	HTTPClient       *http.Client
	Logger           *zap.Logger
	FinalityPoll     time.Duration
	FinalityAttempts int
}

// RPCClient implements Client over a JSON-RPC 2.0 node endpoint. The node
// executes pre-authorized calls on the sender's behalf; key custody stays
// outside this service.
type RPCClient struct {
	rpcURL           string
	httpClient       *http.Client
	logger           *zap.Logger
	finalityPoll     time.Duration
	finalityAttempts int
}

// NewRPCClient constructs an RPCClient with validated configuration.
func NewRPCClient(cfg RPCClientConfig) (*RPCClient, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errMissingRPCURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	poll := cfg.FinalityPoll
	if poll <= 0 {
		poll = defaultFinalityPoll
	}
	attempts := cfg.FinalityAttempts
	if attempts <= 0 {
		attempts = defaultFinalityAttempts
	}

	return &RPCClient{
		rpcURL:           rpcURL,
		httpClient:       httpClient,
		logger:           logger,
		finalityPoll:     poll,
		finalityAttempts: attempts,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, *rpcError, error) {
	requestID := uuid.NewString()
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      requestID,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: encode request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: %s: %w", method, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("ledger: %s: unexpected status %d", method, response.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, nil, fmt.Errorf("ledger: decode %s response: %w", method, err)
	}
	return decoded.Result, decoded.Error, nil
}

// Submit sends the move call for execution and returns its transaction id.
// Transport failures surface as SubmitError, node-reported failures as
// RejectedError.
func (c *RPCClient) Submit(ctx context.Context, call Call) (TxID, error) {
	result, rpcErr, err := c.call(ctx, methodSubmitCall, []any{call})
	if err != nil {
		return "", &SubmitError{Err: err}
	}
	if rpcErr != nil {
		return "", &RejectedError{Reason: rpcErr.Message}
	}

	var submitted struct {
		Digest string `json:"digest"`
	}
	if err := json.Unmarshal(result, &submitted); err != nil {
		return "", &SubmitError{Err: fmt.Errorf("decode submit result: %w", err)}
	}
	if submitted.Digest == "" {
		return "", &SubmitError{Err: errors.New("submit result missing digest")}
	}

	c.logger.Debug("transaction submitted",
		zap.String("target", call.Target()),
		zap.String("digest", submitted.Digest))
	return TxID(submitted.Digest), nil
}

// WaitFinality polls the transaction status with a bounded budget until the
// ledger reports it final. A rejected execution surfaces as RejectedError.
func (c *RPCClient) WaitFinality(ctx context.Context, tx TxID) error {
	for attempt := 0; attempt < c.finalityAttempts; attempt++ {
		result, rpcErr, err := c.call(ctx, methodTxStatus, []any{string(tx)})
		if err != nil {
			return err
		}
		if rpcErr != nil {
			return &RejectedError{Reason: rpcErr.Message}
		}

		var status struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(result, &status); err != nil {
			return fmt.Errorf("ledger: decode status: %w", err)
		}

		switch status.Status {
		case "confirmed":
			return nil
		case "rejected":
			reason := status.Error
			if reason == "" {
				reason = "execution failed"
			}
			return &RejectedError{Reason: reason}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.finalityPoll):
		}
	}
	return errFinalityTimeout
}

// GetObject reads an object snapshot by id.
func (c *RPCClient) GetObject(ctx context.Context, id string) (Object, error) {
	result, rpcErr, err := c.call(ctx, methodGetObject, []any{id})
	if err != nil {
		return Object{}, err
	}
	if rpcErr != nil {
		if rpcErr.Code == rpcCodeObjectMissing {
			return Object{}, ErrObjectNotFound
		}
		return Object{}, fmt.Errorf("ledger: get object: %s", rpcErr.Message)
	}
	if len(result) == 0 || string(result) == "null" {
		return Object{}, ErrObjectNotFound
	}

	var object Object
	if err := json.Unmarshal(result, &object); err != nil {
		return Object{}, fmt.Errorf("ledger: decode object: %w", err)
	}
	if object.ID == "" {
		object.ID = id
	}
	return object, nil
}

// QueryEvents enumerates events of the given move event type, newest first.
func (c *RPCClient) QueryEvents(ctx context.Context, eventType string) ([]Event, error) {
	result, rpcErr, err := c.call(ctx, methodQueryEvents, []any{eventType, "descending"})
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, fmt.Errorf("ledger: query events: %s", rpcErr.Message)
	}

	var page struct {
		Data []Event `json:"data"`
	}
	if err := json.Unmarshal(result, &page); err != nil {
		return nil, fmt.Errorf("ledger: decode events: %w", err)
	}
	return page.Data, nil
}
