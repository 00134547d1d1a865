package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and manage dead-lettered operations",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/deadletter", nil)
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
				ID           string `json:"id"`
				EntityType   string `json:"entity_type"`
				EntityID     string `json:"entity_id"`
				OpType       string `json:"op_type"`
				Attempts     int    `json:"attempts"`
				ErrorMessage string `json:"error_message"`
				FailedAt     string `json:"failed_at"`
			} `json:"operations"`
		}
		json.Unmarshal(data, &result)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENTITY\tOP\tATTEMPTS\tFAILED\tERROR")
		for _, op := range result.Operations {
			fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\t%s\t%s\n",
				op.ID, op.EntityType, op.EntityID, op.OpType, op.Attempts, op.FailedAt, op.ErrorMessage)
		}
		w.Flush()
		fmt.Printf("%d dead-lettered operation(s)\n", result.Count)
		return nil
	},
}

var deadletterRetryCmd = &cobra.Command{
	Use:   "retry <op-id>",
	Short: "Requeue a dead-lettered operation with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST", "/api/v1/deadletter/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		fmt.Println("Operation requeued")
		return nil
	},
}

var deadletterPurgeCmd = &cobra.Command{
	Use:   "purge <op-id>",
	Short: "Permanently discard a dead-lettered operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("DELETE", "/api/v1/deadletter/"+args[0], nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		fmt.Println("Operation purged")
		return nil
	},
}

func init() {
	addClientFlags(deadletterListCmd, deadletterRetryCmd, deadletterPurgeCmd)
	deadletterCmd.AddCommand(deadletterListCmd, deadletterRetryCmd, deadletterPurgeCmd)
	rootCmd.AddCommand(deadletterCmd)
}
