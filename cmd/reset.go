// Copyright 2026 CleverData
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cleverdata/jsonlistener/internal/db"
)

var resetPath string
var historyStatus string

func openHistory() (*db.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return db.Open(cfg.DBPath)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the upload attempt history",
	Long:  `Lists the last outcome of every file the listeners have attempted. The history is informational; it never stops a file from being posted again.`,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openHistory()
		if err != nil {
			log.Fatalf("Failed to open history: %v", err)
		}
		defer store.Close()

		records, err := store.List(strings.ToUpper(historyStatus))
		if err != nil {
			log.Fatalf("Failed to read history: %v", err)
		}
		if len(records) == 0 {
			fmt.Println("No history.")
			return
		}

		fmt.Printf("%-9s %-6s %-20s %s\n", "STATUS", "ERRORS", "LAST ATTEMPT", "FILE")
		for _, r := range records {
			fmt.Printf("%-9s %-6d %-20s %s\n", r.Status, r.ErrorCount, r.LastAttemptAt.Local().Format(time.DateTime), r.Path)
			if r.LastError != "" {
				fmt.Printf("%38s %s\n", "", r.LastError)
			}
		}
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset-history",
	Short: "Clear the upload history database",
	Long:  `Clears the local SQLite database that records upload attempts. The failure logs are not touched.`,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openHistory()
		if err != nil {
			log.Fatalf("Failed to open history: %v", err)
		}
		defer store.Close()

		if resetPath != "" {
			fmt.Printf("Clearing history for: %s\n", resetPath)
		} else {
			fmt.Println("⚠️  WARNING: Clearing ENTIRE upload history.")
		}

		n, err := store.Reset(resetPath)
		if err != nil {
			log.Fatalf("%v", err)
		}
		log.Printf("History reset complete (%d record(s) removed).", n)
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historyStatus, "status", "s", "", "Only show UPLOADED or FAILED records")
	resetCmd.Flags().StringVarP(&resetPath, "path", "p", "", "Specific file path to clear from history")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(resetCmd)
}
