package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/VsevolodSauta/backfila"
	"github.com/spf13/cobra"
)

type clientFlags struct {
	server string
	user   string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "http://localhost:8080", "backfila server URL")
	cmd.Flags().StringVar(&f.user, "user", os.Getenv("USER"), "user the request is made on behalf of")
}

func (f *clientFlags) client() *backfila.ServiceClient {
	return backfila.NewServiceClient(http.DefaultClient, f.server, f.user)
}

func configureCommand() *cobra.Command {
	var (
		flags      clientFlags
		req        backfila.ConfigureServiceRequest
		backfills  []string
		parameters []string
	)
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Register a service and the backfills it exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range backfills {
				req.Backfills = append(req.Backfills, backfila.BackfillData{Name: name, Parameters: parameters})
			}
			if _, err := flags.client().ConfigureService(cmd.Context(), &req); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configured")
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&req.ServiceName, "service", "", "service name, defaults to the user")
	cmd.Flags().StringVar(&req.Variant, "variant", "", "service variant")
	cmd.Flags().StringVar(&req.ConnectorType, "connector", backfila.ConnectorConnect, "connector type")
	cmd.Flags().StringVar(&req.ConnectorExtraData, "connector-extra-data", "", "connector configuration, e.g. {\"url\":\"http://svc:8081\"}")
	cmd.Flags().StringSliceVar(&backfills, "backfill", nil, "backfill names")
	cmd.Flags().StringSliceVar(&parameters, "parameter", nil, "parameter names accepted by the backfills")
	return cmd
}

func createCommand() *cobra.Command {
	var (
		flags      clientFlags
		req        backfila.CreateAndStartBackfillRequest
		parameters []string
		wet        bool
		rangeStart string
		rangeEnd   string
	)
	cmd := &cobra.Command{
		Use:   "create BACKFILL",
		Short: "Create and start a backfill run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.CreateRequest.BackfillName = args[0]
			dryRun := !wet
			req.CreateRequest.DryRun = &dryRun
			params, err := parseParameters(parameters)
			if err != nil {
				return err
			}
			req.CreateRequest.Parameters = params
			if rangeStart != "" {
				req.CreateRequest.RangeStart = []byte(rangeStart)
			}
			if rangeEnd != "" {
				req.CreateRequest.RangeEnd = []byte(rangeEnd)
			}
			resp, err := flags.client().CreateAndStartBackfill(cmd.Context(), &req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.BackfillRunID)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&req.ServiceName, "service", "", "service name")
	cmd.Flags().StringVar(&req.Variant, "variant", "", "service variant")
	cmd.Flags().StringSliceVarP(&parameters, "param", "p", nil, "parameters as name=value")
	cmd.Flags().IntVar(&req.CreateRequest.NumThreads, "num-threads", backfila.DefaultNumThreads, "batches run concurrently per partition")
	cmd.Flags().Int64Var(&req.CreateRequest.ScanSize, "scan-size", backfila.DefaultScanSize, "records scanned per batch range request")
	cmd.Flags().Int64Var(&req.CreateRequest.BatchSize, "batch-size", backfila.DefaultBatchSize, "matching records per batch")
	cmd.Flags().BoolVar(&wet, "wet", false, "run with side effects")
	cmd.Flags().StringVar(&req.CreateRequest.BackoffSchedule, "backoff", "", "comma separated retry delays in milliseconds")
	cmd.Flags().Int64Var(&req.CreateRequest.ExtraSleepMs, "extra-sleep-ms", 0, "pause after each batch")
	cmd.Flags().StringVar(&rangeStart, "range-start", "", "first key of the range")
	cmd.Flags().StringVar(&rangeEnd, "range-end", "", "last key of the range")
	return cmd
}

func parseParameters(values []string) (map[string][]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	params := make(map[string][]byte, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q must be name=value", v)
		}
		params[name] = []byte(value)
	}
	return params, nil
}

func toggleCommand(use, short string, toggle func(*backfila.ServiceClient, context.Context, string) error) *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   use + " RUN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggle(flags.client(), cmd.Context(), args[0])
		},
	}
	flags.register(cmd)
	return cmd
}

func statusCommand() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show the state and progress of a backfill run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := flags.client().CheckBackfillStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	flags.register(cmd)
	return cmd
}
