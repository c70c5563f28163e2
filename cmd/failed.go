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

	"github.com/spf13/cobra"

	"github.com/cleverdata/jsonlistener/internal/failures"
)

var failedName string

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Show files that could not be delivered",
	Long:  `Prints the failure log of each listener (or only --name), oldest first. Entries are never retried automatically.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Println(err)
			return
		}

		found := false
		for _, l := range cfg.Listeners {
			if failedName != "" && l.Name != failedName {
				continue
			}
			found = true

			entries, err := failures.ReadLog(l.LogDir)
			if err != nil {
				fmt.Printf("[%s] %v\n", l.Name, err)
				continue
			}
			fmt.Printf("[%s] %d failed file(s)\n", l.Name, len(entries))
			for _, e := range entries {
				fmt.Printf("  %s\n", e)
			}
		}

		if !found {
			if failedName != "" {
				fmt.Printf("Error: Listener '%s' not found.\n", failedName)
			} else {
				fmt.Println("No listeners configured.")
			}
		}
	},
}

func init() {
	failedCmd.Flags().StringVarP(&failedName, "name", "n", "", "Only show this listener")
	rootCmd.AddCommand(failedCmd)
}
