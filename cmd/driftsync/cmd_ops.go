package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	enqueueKey       string
	enqueuePriority  string
	enqueuePayload   string
	enqueueDependsOn []string
	enqueueRole      string
	opsState         string
	opsLimit         int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kind>",
	Short: "Enqueue a local operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"kind":     args[0],
			"priority": enqueuePriority,
		}
		if enqueueKey != "" {
			body["key"] = enqueueKey
		}
		if enqueueRole != "" {
			body["role"] = enqueueRole
		}
		if len(enqueueDependsOn) > 0 {
			body["depends_on"] = enqueueDependsOn
		}
		if enqueuePayload != "" {
			if !json.Valid([]byte(enqueuePayload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			body["payload"] = json.RawMessage(enqueuePayload)
		}

		data, status, err := apiRequest("POST", "/api/v1/operations", body)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}
		var res map[string]any
		json.Unmarshal(data, &res)
		if merged, ok := res["merged"].(bool); ok && merged {
			fmt.Printf("Merged into %s\n", res["operation_id"])
			return nil
		}
		fmt.Printf("Enqueued %s\n", res["operation_id"])
		return nil
	},
}

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "List operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/v1/operations?limit=%d", opsLimit)
		if opsState != "" {
			path += "&state=" + opsState
		}
		data, status, err := apiRequest("GET", path, nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}

		var body struct {
			Operations []map[string]any `json:"operations"`
		}
		json.Unmarshal(data, &body)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tKEY\tPRIORITY\tSTATE\tATTEMPTS")
		for _, op := range body.Operations {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%s\t%.0f\n",
				op["id"], op["kind"], op["key"], op["priority"], op["state"], op["attempts"])
		}
		w.Flush()
		return nil
	},
}

var opGetCmd = &cobra.Command{
	Use:   "op <id>",
	Short: "Show one operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/operations/"+args[0], nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		printJSON(data)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("DELETE", "/api/v1/operations/"+args[0], nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		fmt.Printf("Operation %s cancelled\n", args[0])
		return nil
	},
}

var resumeOpCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a conflicted operation after manual review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST", "/api/v1/operations/"+args[0]+"/resume", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		fmt.Printf("Operation %s resumed\n", args[0])
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show the conflict resolution audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", fmt.Sprintf("/api/v1/conflicts?limit=%d", opsLimit), nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}

		var body struct {
			Conflicts []map[string]any `json:"conflicts"`
		}
		json.Unmarshal(data, &body)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tRULE\tRESOLUTION\tAUDITED")
		for _, c := range body.Conflicts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				c["id"], c["key"], c["rule"], c["resolution"], c["audited_at"])
		}
		w.Flush()
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueKey, "key", "", "Logical key the operation targets")
	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "medium", "Priority: critical, high, medium, low, background")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload")
	enqueueCmd.Flags().StringSliceVar(&enqueueDependsOn, "depends-on", nil, "Operation ids that must complete first")
	enqueueCmd.Flags().StringVar(&enqueueRole, "role", "", "Role the change was made under")
	opsCmd.Flags().StringVar(&opsState, "state", "", "Filter by state")
	opsCmd.Flags().IntVar(&opsLimit, "limit", 50, "Maximum rows")
	conflictsCmd.Flags().IntVar(&opsLimit, "limit", 50, "Maximum rows")

	addClientFlags(enqueueCmd, opsCmd, opGetCmd, cancelCmd, resumeOpCmd, conflictsCmd)
	rootCmd.AddCommand(enqueueCmd, opsCmd, opGetCmd, cancelCmd, resumeOpCmd, conflictsCmd)
}
