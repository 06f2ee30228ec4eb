package backfila

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Connector types a service may register with.
const (
	// ConnectorConnect reaches the client service over connect. Extra data is {"url": "..."}.
	ConnectorConnect = "CONNECT"
	// ConnectorEmbedded resolves operators from the in-process registry.
	ConnectorEmbedded = "EMBEDDED"
)

// DefaultRPCTimeout bounds every client call unless configured otherwise.
const DefaultRPCTimeout = 30 * time.Second

type connectExtraData struct {
	URL string `json:"url"`
}

// ConnectorProvider builds the operator used to call a service.
type ConnectorProvider struct {
	// Registry backs the EMBEDDED connector. It may be nil when no service uses it.
	Registry *Registry
	// HTTPClient is used by CONNECT connectors. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Timeout bounds each client call. Zero uses DefaultRPCTimeout.
	Timeout time.Duration
	// Tracer wraps every call in a span when set.
	Tracer trace.Tracer
}

// ValidateConnector checks that a connector type and its extra data can be used.
func (c *ConnectorProvider) ValidateConnector(connectorType, extraData string) error {
	switch connectorType {
	case ConnectorConnect:
		_, err := parseConnectExtraData(extraData)
		return err
	case ConnectorEmbedded:
		if c.Registry == nil {
			return validationErrorf("connector %s is not available on this server", connectorType)
		}
		return nil
	default:
		return validationErrorf("unknown connector type %q", connectorType)
	}
}

// Operator returns the operator that calls service.
func (c *ConnectorProvider) Operator(service *Service) (BackfillOperator, error) {
	var op BackfillOperator
	switch service.ConnectorType {
	case ConnectorConnect:
		extra, err := parseConnectExtraData(service.ConnectorExtraData)
		if err != nil {
			return nil, err
		}
		httpClient := c.HTTPClient
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		op = NewClientServiceClient(httpClient, extra.URL)
	case ConnectorEmbedded:
		if c.Registry == nil {
			return nil, validationErrorf("connector %s is not available on this server", service.ConnectorType)
		}
		op = c.Registry.Dispatcher()
	default:
		return nil, validationErrorf("unknown connector type %q", service.ConnectorType)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	op = &timeoutOperator{next: op, timeout: timeout}
	if c.Tracer != nil {
		op = TraceOperator(op, c.Tracer)
	}
	return op, nil
}

// Describe renders connection data for error messages.
func (c *ConnectorProvider) Describe(service *Service) string {
	return fmt.Sprintf("service %s/%s via %s %s", service.Name, service.Variant, service.ConnectorType, service.ConnectorExtraData)
}

func parseConnectExtraData(extraData string) (connectExtraData, error) {
	var extra connectExtraData
	if err := json.Unmarshal([]byte(extraData), &extra); err != nil {
		return extra, &ValidationError{Message: "connector extra data must be JSON like {\"url\": \"...\"}", Cause: err}
	}
	if extra.URL == "" {
		return extra, validationErrorf("connector extra data is missing url")
	}
	return extra, nil
}

// timeoutOperator applies a per-call deadline.
type timeoutOperator struct {
	next    BackfillOperator
	timeout time.Duration
}

func (t *timeoutOperator) PrepareBackfill(ctx context.Context, req *PrepareBackfillRequest) (*PrepareBackfillResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.PrepareBackfill(ctx, req)
}

func (t *timeoutOperator) GetNextBatchRange(ctx context.Context, req *GetNextBatchRangeRequest) (*GetNextBatchRangeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.GetNextBatchRange(ctx, req)
}

func (t *timeoutOperator) RunBatch(ctx context.Context, req *RunBatchRequest) (*RunBatchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.RunBatch(ctx, req)
}
