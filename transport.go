package backfila

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

const (
	// ClientServiceName is the connect service the server calls back into.
	ClientServiceName = "backfila.client.ClientService"

	clientPrepareBackfillProcedure   = "/" + ClientServiceName + "/PrepareBackfill"
	clientGetNextBatchRangeProcedure = "/" + ClientServiceName + "/GetNextBatchRange"
	clientRunBatchProcedure          = "/" + ClientServiceName + "/RunBatch"

	// callerHeader carries the acting user of service API calls.
	callerHeader = "Backfila-User"
)

// errMalformedMessage marks a payload the JSON codec could not decode.
var errMalformedMessage = errors.New("malformed message")

// jsonCodec replaces connect's protobuf-only JSON codec so plain Go structs can be sent.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	return nil
}

type callerKey struct{}

func withCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the user that issued the current service API call.
func CallerFromContext(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

func unaryHandler[Req, Res any](procedure string, fn func(context.Context, *Req) (*Res, error), opts ...connect.HandlerOption) *connect.Handler {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
	return connect.NewUnaryHandler(
		procedure,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			if caller := req.Header().Get(callerHeader); caller != "" {
				ctx = withCaller(ctx, caller)
			}
			res, err := fn(ctx, req.Msg)
			if err != nil {
				return nil, toConnectError(err)
			}
			if res == nil {
				res = new(Res)
			}
			return connect.NewResponse(res), nil
		},
		opts...,
	)
}

func unaryClient[Req, Res any](httpClient connect.HTTPClient, baseURL, procedure string, opts ...connect.ClientOption) *connect.Client[Req, Res] {
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return connect.NewClient[Req, Res](httpClient, strings.TrimRight(baseURL, "/")+procedure, opts...)
}

func callUnary[Req, Res any](ctx context.Context, client *connect.Client[Req, Res], caller string, msg *Req) (*Res, error) {
	req := connect.NewRequest(msg)
	if caller != "" {
		req.Header().Set(callerHeader, caller)
	}
	resp, err := client.CallUnary(ctx, req)
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg, nil
}

// toConnectError maps domain errors to connect codes on the way out of a handler.
func toConnectError(err error) error {
	var connectErr *connect.Error
	switch {
	case errors.As(err, &connectErr):
		return err
	case IsValidationError(err):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, ErrStateConflict):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeUnknown, err)
	}
}

// fromConnectError restores domain errors on the client side. Transport failures are returned
// as they are so ClassifyError can see them.
func fromConnectError(err error) error {
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return err
	}
	switch connectErr.Code() {
	case connect.CodeInvalidArgument:
		return &ValidationError{Message: connectErr.Message(), Cause: err}
	case connect.CodeNotFound:
		return fmt.Errorf("%s: %w", connectErr.Message(), ErrNotFound)
	case connect.CodeFailedPrecondition:
		return fmt.Errorf("%s: %w", connectErr.Message(), ErrStateConflict)
	default:
		return err
	}
}

// NewClientServiceHandler exposes op as the client callback service. It returns the path to
// mount the handler on, the way generated connect handlers do.
func NewClientServiceHandler(op BackfillOperator, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(clientPrepareBackfillProcedure, unaryHandler(clientPrepareBackfillProcedure, op.PrepareBackfill, opts...))
	mux.Handle(clientGetNextBatchRangeProcedure, unaryHandler(clientGetNextBatchRangeProcedure, op.GetNextBatchRange, opts...))
	mux.Handle(clientRunBatchProcedure, unaryHandler(clientRunBatchProcedure, op.RunBatch, opts...))
	return "/" + ClientServiceName + "/", mux
}

// ClientServiceClient calls a remote client service. It implements BackfillOperator.
type ClientServiceClient struct {
	prepareBackfill   *connect.Client[PrepareBackfillRequest, PrepareBackfillResponse]
	getNextBatchRange *connect.Client[GetNextBatchRangeRequest, GetNextBatchRangeResponse]
	runBatch          *connect.Client[RunBatchRequest, RunBatchResponse]
}

// NewClientServiceClient creates a client for the client service hosted at baseURL.
func NewClientServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *ClientServiceClient {
	return &ClientServiceClient{
		prepareBackfill:   unaryClient[PrepareBackfillRequest, PrepareBackfillResponse](httpClient, baseURL, clientPrepareBackfillProcedure, opts...),
		getNextBatchRange: unaryClient[GetNextBatchRangeRequest, GetNextBatchRangeResponse](httpClient, baseURL, clientGetNextBatchRangeProcedure, opts...),
		runBatch:          unaryClient[RunBatchRequest, RunBatchResponse](httpClient, baseURL, clientRunBatchProcedure, opts...),
	}
}

func (c *ClientServiceClient) PrepareBackfill(ctx context.Context, req *PrepareBackfillRequest) (*PrepareBackfillResponse, error) {
	return callUnary(ctx, c.prepareBackfill, "", req)
}

func (c *ClientServiceClient) GetNextBatchRange(ctx context.Context, req *GetNextBatchRangeRequest) (*GetNextBatchRangeResponse, error) {
	return callUnary(ctx, c.getNextBatchRange, "", req)
}

func (c *ClientServiceClient) RunBatch(ctx context.Context, req *RunBatchRequest) (*RunBatchResponse, error) {
	return callUnary(ctx, c.runBatch, "", req)
}
