// Command maxqctl is the companion CLI flow.sh/step.sh scripts use to talk
// to the stage-scheduling HTTP surface via $MAXQ_API (SPEC_FULL.md
// SUPPLEMENTED FEATURES #1): a small resty-backed client wrapped in cobra
// subcommands, so flow authors never hand-roll curl+jq.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

func apiBase() (string, error) {
	base := os.Getenv("MAXQ_API")
	if base == "" {
		return "", fmt.Errorf("MAXQ_API is not set; maxqctl must be invoked from within a flow.sh/step.sh")
	}
	return base, nil
}

func runID() (string, error) {
	id := os.Getenv("MAXQ_RUN_ID")
	if id == "" {
		return "", fmt.Errorf("MAXQ_RUN_ID is not set; maxqctl must be invoked from within a flow.sh/step.sh")
	}
	return id, nil
}

func client() *resty.Client {
	return resty.New().SetHeader("Content-Type", "application/json")
}

func printResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("maxq returned %s: %s", resp.Status(), resp.String())
	}
	fmt.Fprintln(os.Stdout, resp.String())
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "maxqctl",
		Short: "CLI for flow.sh/step.sh to talk to the MaxQ scheduling API",
	}
	root.AddCommand(scheduleStageCmd(), postFieldsCmd(), retryStepCmd(), logCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func scheduleStageCmd() *cobra.Command {
	var stageFile string
	cmd := &cobra.Command{
		Use:   "schedule-stage",
		Short: "POST a stage/steps batch read from --file (or stdin) to /runs/{id}/steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := apiBase()
			if err != nil {
				return err
			}
			id, err := runID()
			if err != nil {
				return err
			}

			var body []byte
			if stageFile != "" {
				body, err = os.ReadFile(stageFile)
			} else {
				body, err = readAllStdin()
			}
			if err != nil {
				return fmt.Errorf("read stage payload: %w", err)
			}

			var payload json.RawMessage
			if err := json.Unmarshal(body, &payload); err != nil {
				return fmt.Errorf("stage payload is not valid JSON: %w", err)
			}

			resp, err := client().R().
				SetBody(payload).
				Post(base + "/runs/" + id + "/steps")
			return printResponse(resp, err)
		},
	}
	cmd.Flags().StringVar(&stageFile, "file", "", "path to a JSON file with {stage, final, steps}; reads stdin if omitted")
	return cmd
}

func postFieldsCmd() *cobra.Command {
	var stepID, fieldsFile string
	cmd := &cobra.Command{
		Use:   "post-fields",
		Short: "POST arbitrary JSON fields for a step to /runs/{id}/steps/{stepId}/fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := apiBase()
			if err != nil {
				return err
			}
			id, err := runID()
			if err != nil {
				return err
			}
			if stepID == "" {
				stepID = os.Getenv("MAXQ_STEP_ID")
			}
			if stepID == "" {
				return fmt.Errorf("--step is required outside a step.sh context")
			}

			var body []byte
			if fieldsFile != "" {
				body, err = os.ReadFile(fieldsFile)
			} else {
				body, err = readAllStdin()
			}
			if err != nil {
				return fmt.Errorf("read fields payload: %w", err)
			}

			var fields json.RawMessage
			if err := json.Unmarshal(body, &fields); err != nil {
				return fmt.Errorf("fields payload is not valid JSON: %w", err)
			}

			resp, err := client().R().
				SetBody(map[string]interface{}{"fields": fields}).
				Post(base + "/runs/" + id + "/steps/" + stepID + "/fields")
			return printResponse(resp, err)
		},
	}
	cmd.Flags().StringVar(&stepID, "step", "", "step id (defaults to $MAXQ_STEP_ID)")
	cmd.Flags().StringVar(&fieldsFile, "file", "", "path to a JSON file with the fields object; reads stdin if omitted")
	return cmd
}

func retryStepCmd() *cobra.Command {
	var stepID string
	var cascade bool
	cmd := &cobra.Command{
		Use:   "retry-step",
		Short: "POST /runs/{id}/steps/{stepId}/retry",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := apiBase()
			if err != nil {
				return err
			}
			id, err := runID()
			if err != nil {
				return err
			}
			if stepID == "" {
				return fmt.Errorf("--step is required")
			}
			resp, err := client().R().
				SetBody(map[string]interface{}{"cascadeDownstream": cascade}).
				Post(base + "/runs/" + id + "/steps/" + stepID + "/retry")
			return printResponse(resp, err)
		},
	}
	cmd.Flags().StringVar(&stepID, "step", "", "step id to retry")
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also reset every failed step transitively depending on it")
	return cmd
}

func logCmd() *cobra.Command {
	var level, message, entityType, entityID string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "POST /runs/{id}/logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := apiBase()
			if err != nil {
				return err
			}
			id, err := runID()
			if err != nil {
				return err
			}
			if message == "" {
				return fmt.Errorf("--message is required")
			}
			body := map[string]interface{}{
				"entityType": entityType,
				"level":      level,
				"message":    message,
			}
			if entityID != "" {
				body["entityId"] = entityID
			}
			resp, err := client().R().SetBody(body).Post(base + "/runs/" + id + "/logs")
			return printResponse(resp, err)
		},
	}
	cmd.Flags().StringVar(&level, "level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&message, "message", "", "log message")
	cmd.Flags().StringVar(&entityType, "entity-type", "run", "run|stage|step")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id, if entity-type is stage or step")
	return cmd
}

func readAllStdin() ([]byte, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return nil, fmt.Errorf("no --file given and stdin is a terminal")
	}
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}
