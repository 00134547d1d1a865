package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	enqEntityType string
	enqEntityID   string
	enqOpType     string
	enqEmergency  bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and feed the pending operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending operations in queue order",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/queue", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}
		var result struct {
			Count      int `json:"count"`
			Operations []struct {
				ID         string `json:"id"`
				EntityType string `json:"entity_type"`
				EntityID   string `json:"entity_id"`
				OpType     string `json:"op_type"`
				Attempts   int    `json:"attempts"`
				QueuedAt   string `json:"queued_at"`
			} `json:"operations"`
		}
		json.Unmarshal(data, &result)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENTITY\tOP\tATTEMPTS\tQUEUED")
		for _, op := range result.Operations {
			fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\t%s\n",
				op.ID, op.EntityType, op.EntityID, op.OpType, op.Attempts, op.QueuedAt)
		}
		w.Flush()
		fmt.Printf("%d pending operation(s)\n", result.Count)
		return nil
	},
}

var queueEmergencyCmd = &cobra.Command{
	Use:   "emergency",
	Short: "List emergency operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/queue/emergency", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		printJSON(data)
		return nil
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <payload-json>",
	Short: "Enqueue an operation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{
			"entity_type": enqEntityType,
			"entity_id":   enqEntityID,
			"op_type":     enqOpType,
			"emergency":   enqEmergency,
		}
		if len(args) == 1 {
			body["payload"] = json.RawMessage(args[0])
		}

		data, status, err := apiRequest("POST", "/api/v1/queue", body)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
		} else {
			var result map[string]interface{}
			json.Unmarshal(data, &result)
			fmt.Printf("Operation enqueued: %s\n", result["id"])
		}
		return nil
	},
}

func init() {
	queueAddCmd.Flags().StringVar(&enqEntityType, "entity-type", "", "Entity type of the operation (required)")
	queueAddCmd.Flags().StringVar(&enqEntityID, "entity-id", "", "Entity ID of the operation (required)")
	queueAddCmd.Flags().StringVar(&enqOpType, "op", "update", "Operation type: create, update, delete, toggle, control")
	queueAddCmd.Flags().BoolVar(&enqEmergency, "emergency", false, "Route to the emergency queue")
	queueAddCmd.MarkFlagRequired("entity-type")
	queueAddCmd.MarkFlagRequired("entity-id")

	addClientFlags(queueListCmd, queueEmergencyCmd, queueAddCmd)
	queueCmd.AddCommand(queueListCmd, queueEmergencyCmd, queueAddCmd)
	rootCmd.AddCommand(queueCmd)
}
