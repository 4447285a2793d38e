package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/goatfield/internal/digest"
	httpserver "github.com/fyrsmithlabs/goatfield/internal/http"
	"github.com/fyrsmithlabs/goatfield/internal/journal"
)

// readInput reads the named file, or stdin for "-" or no argument.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", args[0], err)
	}
	return data, nil
}

func newObserveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "observe [file]",
		Short: "Record observations from a file or stdin",
		Long: `Record one or more observations. The input is a JSON object or a stream
of JSON objects (one per line). A missing timestamp is filled with the
current time.

Examples:
  # Record a single observation
  fieldctl observe run.json

  # Stream observations from a producer
  producer --emit-json | fieldctl observe -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			observations, err := decodeObservations(data)
			if err != nil {
				return err
			}

			c := newClient(opts)
			results := make([]httpserver.ObserveResponse, 0, len(observations))
			for i, obs := range observations {
				var resp httpserver.ObserveResponse
				if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/observations", obs, &resp); err != nil {
					return fmt.Errorf("observation %d: %w", i+1, err)
				}
				results = append(results, resp)
			}
			if len(results) == 1 {
				return render(cmd.OutOrStdout(), opts.output, results[0])
			}
			return render(cmd.OutOrStdout(), opts.output, results)
		},
	}
}

func decodeObservations(data []byte) ([]journal.Observation, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()

	var out []journal.Observation
	for {
		var obs journal.Observation
		err := dec.Decode(&obs)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding observation %d: %w", len(out)+1, err)
		}
		if obs.Timestamp == "" {
			obs.Timestamp = time.Now().UTC().Format(journal.TimestampLayout)
		}
		out = append(out, obs)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no observations in input")
	}
	return out, nil
}

func newHashInputsCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "hash-inputs [file]",
		Short: "Print the inputs_hash for operation inputs",
		Long: `Digest operation inputs the way the journal expects them in inputs_hash.

The input is parsed as JSON and hashed in canonical form, so key order does
not change the digest. Use --raw to hash the bytes as they are.

Examples:
  fieldctl hash-inputs inputs.json
  echo '{"file":"a.csv","size":1200}' | fieldctl hash-inputs -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			var sum string
			if raw {
				sum = digest.Bytes(digest.Inputs, data)
			} else {
				var v any
				if err := json.Unmarshal(data, &v); err != nil {
					return fmt.Errorf("input is not JSON (use --raw to hash bytes): %w", err)
				}
				if sum, err = journal.HashInputs(v); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sum)
			return err
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "hash the input bytes without parsing")
	return cmd
}

func newProposalsCmd(opts *options) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "proposals [id]",
		Short: "List proposals, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(opts)
			if len(args) == 1 {
				var p json.RawMessage
				if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/proposals/"+url.PathEscape(args[0]), nil, &p); err != nil {
					return err
				}
				return renderRaw(cmd, opts, p)
			}

			path := "/api/v1/proposals"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var resp httpserver.ProposalsResponse
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status: pending_review, approved or rejected")
	return cmd
}

func newApproveCmd(opts *options) *cobra.Command {
	var (
		reviewer   string
		rationale  string
		pairs      []string
		configJSON string
	)
	cmd := &cobra.Command{
		Use:   "approve ID",
		Short: "Approve a proposal with the configuration to apply",
		Long: `Approve a pending proposal. The approved configuration becomes part of
the compiled insights for the proposal's target component.

Examples:
  fieldctl approve 5f0c... --reviewer alice --rationale "tested on staging" \
      --config chunk_size=500 --config parallel=true

  fieldctl approve 5f0c... --reviewer alice --rationale "see runbook" \
      --config-json '{"chunk_size":500}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseApprovedConfig(pairs, configJSON)
			if err != nil {
				return err
			}
			req := httpserver.DecisionRequest{
				ReviewedBy:     reviewer,
				HumanRationale: rationale,
				ApprovedConfig: cfg,
			}
			return decide(cmd, opts, args[0], "approve", req)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&reviewer, "reviewer", "", "reviewer identity (required)")
	flags.StringVar(&rationale, "rationale", "", "why the proposal is approved (required)")
	flags.StringArrayVar(&pairs, "config", nil, "approved config entry key=value; values are parsed as JSON when possible")
	flags.StringVar(&configJSON, "config-json", "", "approved config as a JSON object")
	_ = cmd.MarkFlagRequired("reviewer")
	_ = cmd.MarkFlagRequired("rationale")
	cmd.MarkFlagsMutuallyExclusive("config", "config-json")
	cmd.MarkFlagsOneRequired("config", "config-json")
	return cmd
}

func newRejectCmd(opts *options) *cobra.Command {
	var reviewer, rationale string
	cmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd, opts, args[0], "reject", httpserver.DecisionRequest{
				ReviewedBy:     reviewer,
				HumanRationale: rationale,
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer identity (required)")
	cmd.Flags().StringVar(&rationale, "rationale", "", "why the proposal is rejected (required)")
	_ = cmd.MarkFlagRequired("reviewer")
	_ = cmd.MarkFlagRequired("rationale")
	return cmd
}

func decide(cmd *cobra.Command, opts *options, id, action string, req httpserver.DecisionRequest) error {
	var p json.RawMessage
	err := newClient(opts).do(cmd.Context(), http.MethodPost, proposalPath(id, action), req, &p)
	if isStatus(err, http.StatusConflict) {
		return fmt.Errorf("proposal %s has already been decided: %w", id, err)
	}
	if err != nil {
		return err
	}
	return renderRaw(cmd, opts, p)
}

// parseApprovedConfig builds the approved config from key=value pairs or a
// JSON object.
func parseApprovedConfig(pairs []string, configJSON string) (map[string]any, error) {
	if configJSON != "" {
		var cfg map[string]any
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return nil, fmt.Errorf("--config-json must be a JSON object: %w", err)
		}
		return cfg, nil
	}

	cfg := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --config %q: want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		cfg[key] = v
	}
	return cfg, nil
}

func newDecisionsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "decisions",
		Short: "Show the decision audit history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpserver.DecisionsResponse
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, "/api/v1/decisions", nil, &resp); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, resp)
		},
	}
}

func newInsightsCmd(opts *options) *cobra.Command {
	return getCmd(opts, "insights", "Show approved configuration per component", "/api/v1/insights")
}

func newHealthCmd(opts *options) *cobra.Command {
	return getCmd(opts, "health", "Show graph, journal and review health", "/api/v1/graph/health")
}

func newReflectCmd(opts *options) *cobra.Command {
	return postCmd(opts, "reflect", "Run a reflection pass now", "/api/v1/reflect")
}

func newCompactCmd(opts *options) *cobra.Command {
	return postCmd(opts, "compact", "Run a graph compaction now", "/api/v1/compact")
}

func getCmd(opts *options, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return renderRaw(cmd, opts, out)
		},
	}
}

func postCmd(opts *options, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := newClient(opts).do(cmd.Context(), http.MethodPost, path, nil, &out); err != nil {
				return err
			}
			return renderRaw(cmd, opts, out)
		},
	}
}

// renderRaw renders a JSON reply without binding it to a type.
func renderRaw(cmd *cobra.Command, opts *options, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return render(cmd.OutOrStdout(), opts.output, v)
}
