package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vitalsync/vitalsync/internal/device"
)

var (
	eventsLimit      int
	eventsTypes      string
	eventsEntityType string
	eventsEntityID   string
	eventsDataJQ     string
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Show processing lock ownership",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/locks", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		printJSON(data)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the recent sync audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(eventsLimit))
		path := "/api/v1/events"
		if eventsTypes != "" || eventsEntityType != "" || eventsEntityID != "" || eventsDataJQ != "" {
			path = "/api/v1/events/search"
			if eventsTypes != "" {
				params.Set("types", eventsTypes)
			}
			if eventsEntityType != "" {
				params.Set("entity_type", eventsEntityType)
			}
			if eventsEntityID != "" {
				params.Set("entity_id", eventsEntityID)
			}
			if eventsDataJQ != "" {
				params.Set("data_jq", eventsDataJQ)
			}
		}
		data, status, err := apiRequest("GET", path+"?"+params.Encode(), nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		printJSON(data)
		return nil
	},
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Device control helpers",
}

var deviceValueCmd = &cobra.Command{
	Use:   "set-value <device-id> <value>",
	Short: "Request a device intensity change (debounced by the engine)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("POST", "/api/v1/device/"+args[0]+"/value",
			map[string]interface{}{"value": json.RawMessage(args[1])})
		if err != nil {
			return err
		}
		exitOnError(data, status)
		fmt.Println("Value queued")
		return nil
	},
}

var devicePublishCmd = &cobra.Command{
	Use:   "publish <topic> <payload>",
	Short: "Publish a raw command to the device broker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if brokerAddrs == "" {
			return fmt.Errorf("--broker is required")
		}
		driver := device.NewBrokerDriver(device.BrokerConfig{Brokers: brokerAddrs})
		defer driver.Close()

		if err := driver.Publish(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Published")
		return nil
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum events to return")
	eventsCmd.Flags().StringVar(&eventsTypes, "type", "", "Filter by event type(s), comma-separated")
	eventsCmd.Flags().StringVar(&eventsEntityType, "entity-type", "", "Filter by entity type")
	eventsCmd.Flags().StringVar(&eventsEntityID, "entity-id", "", "Filter by entity ID")
	eventsCmd.Flags().StringVar(&eventsDataJQ, "data-jq", "", `Filter by event data, e.g. '.emergency == true'`)
	devicePublishCmd.Flags().StringVar(&brokerAddrs, "broker", envOr("VITALSYNC_BROKER", ""), "Device broker address list, comma-separated")

	addClientFlags(locksCmd, eventsCmd, deviceValueCmd)
	deviceCmd.AddCommand(deviceValueCmd, devicePublishCmd)
	rootCmd.AddCommand(locksCmd, eventsCmd, deviceCmd)
}
