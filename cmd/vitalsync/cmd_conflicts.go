package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve surfaced sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts awaiting manual resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/conflicts", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}
		var result struct {
			Count     int `json:"count"`
			Conflicts []struct {
				EntityType string `json:"entity_type"`
				EntityID   string `json:"entity_id"`
				OpType     string `json:"op_type"`
				Attempts   int    `json:"attempts"`
				DetectedAt string `json:"detected_at"`
			} `json:"conflicts"`
		}
		json.Unmarshal(data, &result)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ENTITY\tOP\tATTEMPTS\tDETECTED")
		for _, c := range result.Conflicts {
			fmt.Fprintf(w, "%s/%s\t%s\t%d\t%s\n",
				c.EntityType, c.EntityID, c.OpType, c.Attempts, c.DetectedAt)
		}
		w.Flush()
		fmt.Printf("%d conflict(s)\n", result.Count)
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <entity-type> <entity-id> <accept_local|accept_remote>",
	Short: "Resolve a surfaced conflict",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST",
			"/api/v1/conflicts/"+args[0]+"/"+args[1]+"/resolve",
			map[string]interface{}{"resolution": args[2]})
		if err != nil {
			return err
		}
		exitOnError(data, status)
		fmt.Printf("Conflict resolved: %s\n", args[2])
		return nil
	},
}

func init() {
	addClientFlags(conflictsListCmd, conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
