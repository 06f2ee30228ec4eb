package backfila

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"connectrpc.com/connect"
)

const (
	// ServiceAPIName is the connect service operators and client services call.
	ServiceAPIName = "backfila.service.BackfilaService"

	// DefaultVariant is used when a service does not name a variant. It may not be named explicitly.
	DefaultVariant = "default"

	// MaxVariants bounds how many variants one service name may register.
	MaxVariants = 10

	configureServiceProcedure       = "/" + ServiceAPIName + "/ConfigureService"
	createAndStartBackfillProcedure = "/" + ServiceAPIName + "/CreateAndStartBackfill"
	checkBackfillStatusProcedure    = "/" + ServiceAPIName + "/CheckBackfillStatus"
	startBackfillProcedure          = "/" + ServiceAPIName + "/StartBackfill"
	pauseBackfillProcedure          = "/" + ServiceAPIName + "/PauseBackfill"
	cancelBackfillProcedure         = "/" + ServiceAPIName + "/CancelBackfill"
)

var whitespace = regexp.MustCompile(`\s`)

// BackfillData describes one backfill a service exposes.
type BackfillData struct {
	Name             string   `json:"name"`
	Parameters       []string `json:"parameters,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	DeleteByMs       *int64   `json:"delete_by,omitempty"`
}

type ConfigureServiceRequest struct {
	// ServiceName defaults to the calling user.
	ServiceName        string         `json:"service_name,omitempty"`
	Variant            string         `json:"variant,omitempty"`
	ConnectorType      string         `json:"connector_type"`
	ConnectorExtraData string         `json:"connector_extra_data,omitempty"`
	SlackChannel       string         `json:"slack_channel,omitempty"`
	Backfills          []BackfillData `json:"backfills,omitempty"`
}

type ConfigureServiceResponse struct{}

type CreateAndStartBackfillRequest struct {
	ServiceName   string                `json:"service_name"`
	Variant       string                `json:"variant,omitempty"`
	CreateRequest CreateBackfillRequest `json:"create_request"`
}

type CreateAndStartBackfillResponse struct {
	BackfillRunID string `json:"backfill_run_id"`
}

type BackfillRunRequest struct {
	BackfillRunID string `json:"backfill_run_id"`
}

type BackfillRunResponse struct{}

// PartitionStatus is the progress of one partition.
type PartitionStatus struct {
	Name                    string   `json:"name"`
	State                   RunState `json:"state"`
	PrecomputeDone          bool     `json:"precompute_done"`
	PrecomputeMatchingCount int64    `json:"precompute_matching_count"`
	PrecomputeScannedCount  int64    `json:"precompute_scanned_count"`
	ScanDone                bool     `json:"scan_done"`
	PendingBatches          int      `json:"pending_batches"`
	BackfilledMatchingCount int64    `json:"backfilled_matching_count"`
	BackfilledScannedCount  int64    `json:"backfilled_scanned_count"`
	ErrorMessage            string   `json:"error_message,omitempty"`
}

type CheckBackfillStatusResponse struct {
	Status     RunState          `json:"status"`
	Partitions []PartitionStatus `json:"partitions,omitempty"`
}

// ServiceAPI implements the operations exposed by the server.
type ServiceAPI struct {
	store      Store
	creator    *BackfillCreator
	toggler    *StateToggler
	connectors *ConnectorProvider
	logger     *slog.Logger
	now        func() time.Time
}

// NewServiceAPI assembles the API over its collaborators. A nil logger discards output.
func NewServiceAPI(store Store, creator *BackfillCreator, toggler *StateToggler, connectors *ConnectorProvider, logger *slog.Logger) *ServiceAPI {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ServiceAPI{
		store:      store,
		creator:    creator,
		toggler:    toggler,
		connectors: connectors,
		logger:     logger.With("component", "api"),
		now:        time.Now,
	}
}

// ConfigureService registers a service and syncs its backfills: new ones are added, changed
// ones are replaced and missing ones are deactivated.
func (a *ServiceAPI) ConfigureService(ctx context.Context, req *ConfigureServiceRequest) (*ConfigureServiceResponse, error) {
	serviceName := req.ServiceName
	if serviceName == "" {
		serviceName = CallerFromContext(ctx)
	}
	if serviceName == "" {
		return nil, validationErrorf("service name is required")
	}
	variant := req.Variant
	if variant != "" {
		if variant == DefaultVariant {
			return nil, validationErrorf("Cannot use a reserved variant name")
		}
		if whitespace.MatchString(variant) {
			return nil, validationErrorf("Variant cannot contain whitespace")
		}
	} else {
		variant = DefaultVariant
	}
	if err := a.connectors.ValidateConnector(req.ConnectorType, req.ConnectorExtraData); err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(req.Backfills))
	for _, b := range req.Backfills {
		if b.Name == "" {
			return nil, validationErrorf("backfill name is required")
		}
		if names[b.Name] {
			return nil, validationErrorf("backfill %s is listed twice", b.Name)
		}
		names[b.Name] = true
	}

	a.logger.Info("configuring service", "service", serviceName, "variant", variant, "backfills", len(req.Backfills))
	now := a.now()
	service, err := a.store.GetService(ctx, serviceName, variant)
	switch {
	case errors.Is(err, ErrNotFound):
		variants, err := a.store.ListServiceVariants(ctx, serviceName)
		if err != nil {
			return nil, err
		}
		if len(variants) >= MaxVariants {
			return nil, validationErrorf("Variant limit exceeded")
		}
		service = &Service{Name: serviceName, Variant: variant}
	case err != nil:
		return nil, err
	}
	service.ConnectorType = req.ConnectorType
	service.ConnectorExtraData = req.ConnectorExtraData
	service.SlackChannel = req.SlackChannel
	service.LastRegisteredAt = now
	if err := a.store.SaveService(ctx, service); err != nil {
		return nil, fmt.Errorf("save service: %w", err)
	}

	existing, err := a.store.ListRegisteredBackfills(ctx, service.ID, true)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*RegisteredBackfill, len(existing))
	for _, rb := range existing {
		byName[rb.Name] = rb
	}

	for _, b := range req.Backfills {
		incoming := &RegisteredBackfill{
			ServiceID:        service.ID,
			Name:             b.Name,
			ParameterNames:   copyStringSlice(b.Parameters),
			RequiresApproval: b.RequiresApproval,
			CreatedAt:        now,
		}
		if b.DeleteByMs != nil {
			deleteBy := time.UnixMilli(*b.DeleteByMs)
			incoming.DeleteBy = &deleteBy
		}
		if current, ok := byName[b.Name]; ok {
			if current.equalConfig(incoming) {
				continue
			}
			if err := a.deactivate(ctx, current, now); err != nil {
				return nil, err
			}
			a.logger.Info("updated backfill config", "service", serviceName, "backfill", b.Name)
		} else {
			a.logger.Info("new backfill", "service", serviceName, "backfill", b.Name)
		}
		if err := a.store.SaveRegisteredBackfill(ctx, incoming); err != nil {
			return nil, fmt.Errorf("save backfill %s: %w", b.Name, err)
		}
	}
	for name, current := range byName {
		if names[name] {
			continue
		}
		if err := a.deactivate(ctx, current, now); err != nil {
			return nil, err
		}
		a.logger.Info("deleted backfill", "service", serviceName, "backfill", name)
	}
	return &ConfigureServiceResponse{}, nil
}

func (a *ServiceAPI) deactivate(ctx context.Context, rb *RegisteredBackfill, now time.Time) error {
	deactivatedAt := now
	rb.DeactivatedAt = &deactivatedAt
	if err := a.store.SaveRegisteredBackfill(ctx, rb); err != nil {
		return fmt.Errorf("deactivate backfill %s: %w", rb.Name, err)
	}
	return nil
}

// CreateAndStartBackfill creates a run and starts it right away.
func (a *ServiceAPI) CreateAndStartBackfill(ctx context.Context, req *CreateAndStartBackfillRequest) (*CreateAndStartBackfillResponse, error) {
	caller := CallerFromContext(ctx)
	runID, err := a.creator.Create(ctx, caller, req.ServiceName, req.Variant, req.CreateRequest)
	if err != nil {
		return nil, err
	}
	if err := a.toggler.Toggle(ctx, runID, caller, RunStateRunning); err != nil {
		return nil, fmt.Errorf("start run %s: %w", runID, err)
	}
	return &CreateAndStartBackfillResponse{BackfillRunID: runID}, nil
}

// CheckBackfillStatus reports the run state and the progress of each partition.
func (a *ServiceAPI) CheckBackfillStatus(ctx context.Context, req *BackfillRunRequest) (*CheckBackfillStatusResponse, error) {
	run, err := a.store.GetRun(ctx, req.BackfillRunID)
	if err != nil {
		return nil, err
	}
	partitions, err := a.store.ListPartitions(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	resp := &CheckBackfillStatusResponse{Status: run.State}
	for _, p := range partitions {
		resp.Partitions = append(resp.Partitions, PartitionStatus{
			Name:                    p.PartitionName,
			State:                   p.RunState,
			PrecomputeDone:          p.PrecomputeDone,
			PrecomputeMatchingCount: p.PrecomputeMatchingCount,
			PrecomputeScannedCount:  p.PrecomputeScannedCount,
			ScanDone:                p.ScanDone,
			PendingBatches:          len(p.PendingBatches),
			BackfilledMatchingCount: p.BackfilledMatchingCount,
			BackfilledScannedCount:  p.BackfilledScannedCount,
			ErrorMessage:            p.ErrorMessage,
		})
	}
	return resp, nil
}

func (a *ServiceAPI) StartBackfill(ctx context.Context, req *BackfillRunRequest) (*BackfillRunResponse, error) {
	return &BackfillRunResponse{}, a.toggler.Toggle(ctx, req.BackfillRunID, CallerFromContext(ctx), RunStateRunning)
}

func (a *ServiceAPI) PauseBackfill(ctx context.Context, req *BackfillRunRequest) (*BackfillRunResponse, error) {
	return &BackfillRunResponse{}, a.toggler.Toggle(ctx, req.BackfillRunID, CallerFromContext(ctx), RunStatePaused)
}

func (a *ServiceAPI) CancelBackfill(ctx context.Context, req *BackfillRunRequest) (*BackfillRunResponse, error) {
	return &BackfillRunResponse{}, a.toggler.Toggle(ctx, req.BackfillRunID, CallerFromContext(ctx), RunStateCancelled)
}

// NewServiceHandler exposes api over connect and returns the path to mount it on.
func NewServiceHandler(api *ServiceAPI, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(configureServiceProcedure, unaryHandler(configureServiceProcedure, api.ConfigureService, opts...))
	mux.Handle(createAndStartBackfillProcedure, unaryHandler(createAndStartBackfillProcedure, api.CreateAndStartBackfill, opts...))
	mux.Handle(checkBackfillStatusProcedure, unaryHandler(checkBackfillStatusProcedure, api.CheckBackfillStatus, opts...))
	mux.Handle(startBackfillProcedure, unaryHandler(startBackfillProcedure, api.StartBackfill, opts...))
	mux.Handle(pauseBackfillProcedure, unaryHandler(pauseBackfillProcedure, api.PauseBackfill, opts...))
	mux.Handle(cancelBackfillProcedure, unaryHandler(cancelBackfillProcedure, api.CancelBackfill, opts...))
	return "/" + ServiceAPIName + "/", mux
}

// ServiceClient calls a remote ServiceAPI on behalf of User.
type ServiceClient struct {
	User string

	configureService       *connect.Client[ConfigureServiceRequest, ConfigureServiceResponse]
	createAndStartBackfill *connect.Client[CreateAndStartBackfillRequest, CreateAndStartBackfillResponse]
	checkBackfillStatus    *connect.Client[BackfillRunRequest, CheckBackfillStatusResponse]
	startBackfill          *connect.Client[BackfillRunRequest, BackfillRunResponse]
	pauseBackfill          *connect.Client[BackfillRunRequest, BackfillRunResponse]
	cancelBackfill         *connect.Client[BackfillRunRequest, BackfillRunResponse]
}

// NewServiceClient creates a client for the server at baseURL.
func NewServiceClient(httpClient connect.HTTPClient, baseURL, user string, opts ...connect.ClientOption) *ServiceClient {
	return &ServiceClient{
		User:                   user,
		configureService:       unaryClient[ConfigureServiceRequest, ConfigureServiceResponse](httpClient, baseURL, configureServiceProcedure, opts...),
		createAndStartBackfill: unaryClient[CreateAndStartBackfillRequest, CreateAndStartBackfillResponse](httpClient, baseURL, createAndStartBackfillProcedure, opts...),
		checkBackfillStatus:    unaryClient[BackfillRunRequest, CheckBackfillStatusResponse](httpClient, baseURL, checkBackfillStatusProcedure, opts...),
		startBackfill:          unaryClient[BackfillRunRequest, BackfillRunResponse](httpClient, baseURL, startBackfillProcedure, opts...),
		pauseBackfill:          unaryClient[BackfillRunRequest, BackfillRunResponse](httpClient, baseURL, pauseBackfillProcedure, opts...),
		cancelBackfill:         unaryClient[BackfillRunRequest, BackfillRunResponse](httpClient, baseURL, cancelBackfillProcedure, opts...),
	}
}

func (c *ServiceClient) ConfigureService(ctx context.Context, req *ConfigureServiceRequest) (*ConfigureServiceResponse, error) {
	return callUnary(ctx, c.configureService, c.User, req)
}

func (c *ServiceClient) CreateAndStartBackfill(ctx context.Context, req *CreateAndStartBackfillRequest) (*CreateAndStartBackfillResponse, error) {
	return callUnary(ctx, c.createAndStartBackfill, c.User, req)
}

func (c *ServiceClient) CheckBackfillStatus(ctx context.Context, runID string) (*CheckBackfillStatusResponse, error) {
	return callUnary(ctx, c.checkBackfillStatus, c.User, &BackfillRunRequest{BackfillRunID: runID})
}

func (c *ServiceClient) StartBackfill(ctx context.Context, runID string) error {
	_, err := callUnary(ctx, c.startBackfill, c.User, &BackfillRunRequest{BackfillRunID: runID})
	return err
}

func (c *ServiceClient) PauseBackfill(ctx context.Context, runID string) error {
	_, err := callUnary(ctx, c.pauseBackfill, c.User, &BackfillRunRequest{BackfillRunID: runID})
	return err
}

func (c *ServiceClient) CancelBackfill(ctx context.Context, runID string) error {
	_, err := callUnary(ctx, c.cancelBackfill, c.User, &BackfillRunRequest{BackfillRunID: runID})
	return err
}
