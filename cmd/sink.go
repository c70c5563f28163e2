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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/jsonlistener/internal/api"
	"github.com/cleverdata/jsonlistener/internal/config"
)

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Manage the database files are posted to",
}

var sinkSetCmd = &cobra.Command{
	Use:     "set",
	Short:   "Set the database URL and credentials",
	Example: `  jsonlistener sink set --url https://my-project.firebaseio.com --auth "<database secret>"`,
	Run: func(cmd *cobra.Command, args []string) {
		url, _ := cmd.Flags().GetString("url")
		auth, _ := cmd.Flags().GetString("auth")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		if url == "" {
			fmt.Println("Error: --url is required.")
			return
		}

		// Normalize endpoint (remove trailing slash)
		viper.Set("sink.url", strings.TrimRight(url, "/"))
		if cmd.Flags().Changed("auth") {
			viper.Set("sink.auth", auth)
		}
		if cmd.Flags().Changed("timeout") {
			viper.Set("sink.timeout", timeout.String())
		}

		if err := saveConfig(); err != nil {
			fmt.Println(err)
			return
		}
		fmt.Printf("Sink set to %s\n", strings.TrimRight(url, "/"))
	},
}

var sinkCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the configured database is reachable",
	Run: func(cmd *cobra.Command, args []string) {
		var sink config.SinkConfig
		if err := viper.UnmarshalKey("sink", &sink); err != nil || sink.URL == "" {
			fmt.Println("No sink configured.")
			return
		}

		fmt.Printf("Verifying connection to %s...\n", sink.URL)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := api.New(sink).Check(ctx); err != nil {
			fmt.Printf("❌ Connection Failed: %v\n", err)
			return
		}
		fmt.Println("✅ Connection Verified!")
	},
}

func init() {
	sinkSetCmd.Flags().String("url", "", "Database base URL")
	sinkSetCmd.Flags().String("auth", "", "Database secret or token, sent as ?auth=")
	sinkSetCmd.Flags().Duration("timeout", config.DefaultSinkTimeout, "Per-request timeout")

	sinkCmd.AddCommand(sinkSetCmd)
	sinkCmd.AddCommand(sinkCheckCmd)
	rootCmd.AddCommand(sinkCmd)
}
