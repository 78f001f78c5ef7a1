package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	syncWait        bool
	signalNetwork   string
	signalBattery   float64
	signalCharging  bool
	cacheCompactNow bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a sync session",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/sync"
		if syncWait {
			path += "?wait=true"
		}
		data, status, err := apiRequest("POST", path, nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON || syncWait {
			printJSON(data)
			return nil
		}
		fmt.Println("Sync triggered")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, sync, and connectivity status",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/status", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}

		var body struct {
			Queue struct {
				Total   int            `json:"total"`
				ByState map[string]int `json:"by_state"`
			} `json:"queue"`
			Sync struct {
				Phase       string `json:"phase"`
				BreakerOpen bool   `json:"breaker_open"`
			} `json:"sync"`
			Connectivity struct {
				Network      string  `json:"network"`
				BatteryLevel float64 `json:"battery_level"`
				Charging     bool    `json:"charging"`
			} `json:"connectivity"`
		}
		json.Unmarshal(data, &body)

		fmt.Printf("Queue: %d operations\n", body.Queue.Total)
		for state, n := range body.Queue.ByState {
			fmt.Printf("  %-12s %d\n", state, n)
		}
		fmt.Printf("Sync phase: %s\n", body.Sync.Phase)
		if body.Sync.BreakerOpen {
			fmt.Println("Push breaker: OPEN")
		}
		fmt.Printf("Network: %s (battery %.0f%%, charging=%v)\n",
			body.Connectivity.Network, body.Connectivity.BatteryLevel*100, body.Connectivity.Charging)
		return nil
	},
}

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Report a device connectivity or power change",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if cmd.Flags().Changed("network") {
			body["network"] = signalNetwork
		}
		if cmd.Flags().Changed("battery") {
			body["battery_level"] = signalBattery
		}
		if cmd.Flags().Changed("charging") {
			body["charging"] = signalCharging
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to report: set --network, --battery, or --charging")
		}
		data, status, err := apiRequest("POST", "/api/v1/connectivity", body)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		fmt.Println("Signal reported")
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Show cache stats, optionally compacting first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cacheCompactNow {
			data, status, err := apiRequest("POST", "/api/v1/cache/compact", nil)
			if err != nil {
				return err
			}
			exitOnError(data, status)
		}
		data, status, err := apiRequest("GET", "/api/v1/cache/stats", nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		printJSON(data)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncWait, "wait", false, "Block until the session finishes and print its result")
	signalCmd.Flags().StringVar(&signalNetwork, "network", "", "Network state: offline, cellular, wifi")
	signalCmd.Flags().Float64Var(&signalBattery, "battery", 1.0, "Battery level 0.0-1.0")
	signalCmd.Flags().BoolVar(&signalCharging, "charging", false, "Whether the device is charging")
	cacheCmd.Flags().BoolVar(&cacheCompactNow, "compact", false, "Run a compaction pass before reading stats")

	addClientFlags(syncCmd, statusCmd, signalCmd, cacheCmd)
	rootCmd.AddCommand(syncCmd, statusCmd, signalCmd, cacheCmd)
}
