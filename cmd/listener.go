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
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/jsonlistener/internal/api"
	"github.com/cleverdata/jsonlistener/internal/config"
)

var listenerCmd = &cobra.Command{
	Use:   "listener",
	Short: "Manage watched folders",
}

var listenerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new folder to watch",
	Long: `Adds a local folder to the watch list.

Every new .json file in the folder is posted to <sink url>/<destination>.json.
A file still held open by its writer is probed every locked-file-poll-interval,
at most max-locked-file-tries times, before it is written to the failure log.

Max Threads    = Max locked files polled at once. One more is fatal for the listener.
Shutdown Mode  = "detach" leaves pollers running on stop, "drain" waits for them
                 up to shutdown-timeout and then gives up on the rest.`,
	Example: `  jsonlistener listener add --name scans --path "C:\data" --destination listener --log-dir "C:\data\logs"`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		path, _ := cmd.Flags().GetString("path")
		destination, _ := cmd.Flags().GetString("destination")
		logDir, _ := cmd.Flags().GetString("log-dir")
		force, _ := cmd.Flags().GetBool("force")
		maxThreads, _ := cmd.Flags().GetInt("max-threads")
		maxTries, _ := cmd.Flags().GetInt("max-locked-file-tries")
		pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
		lockedInterval, _ := cmd.Flags().GetDuration("locked-file-poll-interval")
		shutdownMode, _ := cmd.Flags().GetString("shutdown-mode")
		shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

		if name == "" || path == "" {
			fmt.Println("Error: --name and --path are required.")
			return
		}

		absPath, err := filepath.Abs(path)
		if err != nil {
			fmt.Printf("Invalid path: %v\n", err)
			return
		}
		if logDir != "" {
			if logDir, err = filepath.Abs(logDir); err != nil {
				fmt.Printf("Invalid log directory: %v\n", err)
				return
			}
		}

		newListener := config.ListenerConfig{
			Name:                   name,
			Path:                   absPath,
			Destination:            destination,
			LogDir:                 logDir,
			MaxThreads:             maxThreads,
			MaxLockedFileTries:     maxTries,
			PollInterval:           pollInterval,
			LockedFilePollInterval: lockedInterval,
			ShutdownMode:           config.ShutdownMode(shutdownMode),
			ShutdownTimeout:        shutdownTimeout,
		}

		// Validate against a throwaway copy so the saved entry keeps its defaults implicit.
		check := newListener
		if check.LogDir == "" {
			check.LogDir = filepath.Join(dataDir(), "logs", name)
		}
		check.ApplyDefaults()
		if err := check.Validate(); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}

		// --- VERIFICATION STEP ---
		if !force {
			if info, err := os.Stat(absPath); err != nil || !info.IsDir() {
				fmt.Printf("❌ %s is not an accessible directory.\n", absPath)
				fmt.Println("Use --force to add anyway.")
				return
			}

			var sink config.SinkConfig
			_ = viper.UnmarshalKey("sink", &sink)
			if sink.URL == "" {
				fmt.Println("⚠️  No sink configured yet. Run 'jsonlistener sink set --url ...'.")
			} else {
				fmt.Printf("Verifying connection to %s...\n", sink.URL)
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				err := api.New(sink).Check(ctx)
				cancel()
				if err != nil {
					fmt.Printf("❌ Connection Failed: %v\n", err)
					fmt.Println("Use --force to add anyway.")
					return
				}
				fmt.Println("✅ Connection Verified!")
			}
		}
		// -------------------------

		// Load existing listeners
		var listeners []config.ListenerConfig
		if err := viper.UnmarshalKey("listeners", &listeners); err != nil {
			listeners = []config.ListenerConfig{}
		}

		// Check for duplicates
		for _, l := range listeners {
			if l.Name == name {
				fmt.Printf("Error: Listener '%s' already exists.\n", name)
				return
			}
		}

		listeners = append(listeners, newListener)
		viper.Set("listeners", listenerMaps(listeners))

		if err := saveConfig(); err != nil {
			fmt.Println(err)
			return
		}

		fmt.Printf("Listener '%s' added successfully. Watching: %s\n", name, absPath)
		fmt.Printf("Policy: %d tries @ %s | Poll: %s | Max pollers: %d | Shutdown: %s\n",
			check.MaxLockedFileTries, check.LockedFilePollInterval, check.PollInterval, check.MaxThreads, check.ShutdownMode)
		fmt.Println("\n>>> IMPORTANT: Run 'jsonlistener restart' to apply these changes to the running service.")
	},
}

// listenerMaps converts listeners to plain maps keyed like the config file, so
// viper writes the same keys it reads back.
func listenerMaps(listeners []config.ListenerConfig) []map[string]any {
	out := make([]map[string]any, 0, len(listeners))
	for _, l := range listeners {
		m := map[string]any{
			"name":        l.Name,
			"path":        l.Path,
			"destination": l.Destination,
		}
		if l.LogDir != "" {
			m["log_dir"] = l.LogDir
		}
		if l.MaxThreads != 0 {
			m["max_threads"] = l.MaxThreads
		}
		if l.MaxLockedFileTries != 0 {
			m["max_locked_file_tries"] = l.MaxLockedFileTries
		}
		if l.PollInterval != 0 {
			m["poll_interval"] = l.PollInterval.String()
		}
		if l.LockedFilePollInterval != 0 {
			m["locked_file_poll_interval"] = l.LockedFilePollInterval.String()
		}
		if l.ShutdownMode != "" {
			m["shutdown_mode"] = string(l.ShutdownMode)
		}
		if l.ShutdownTimeout != 0 {
			m["shutdown_timeout"] = l.ShutdownTimeout.String()
		}
		out = append(out, m)
	}
	return out
}

var listenerListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List configured listeners",
	Run: func(cmd *cobra.Command, args []string) {
		var listeners []config.ListenerConfig
		viper.UnmarshalKey("listeners", &listeners)

		if len(listeners) == 0 {
			fmt.Println("No listeners configured.")
			return
		}

		fmt.Printf("%-15s %-40s %s\n", "NAME", "PATH", "DESTINATION")
		fmt.Println("--------------------------------------------------------------------------------")
		for _, l := range listeners {
			fmt.Printf("%-15s %-40s %s\n", l.Name, l.Path, l.Destination)
		}
	},
}

var listenerRemoveCmd = &cobra.Command{
	Use:     "remove [name]",
	Aliases: []string{"rm", "del"},
	Short:   "Remove a configured listener",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		var listeners []config.ListenerConfig
		if err := viper.UnmarshalKey("listeners", &listeners); err != nil {
			fmt.Println("No listeners configured.")
			return
		}

		found := false
		var updated []config.ListenerConfig
		for _, l := range listeners {
			if l.Name == name {
				found = true
				continue
			}
			updated = append(updated, l)
		}

		if !found {
			fmt.Printf("Error: Listener '%s' not found.\n", name)
			return
		}

		viper.Set("listeners", listenerMaps(updated))
		if err := viper.WriteConfig(); err != nil {
			fmt.Printf("Failed to save config: %v\n", err)
			return
		}

		fmt.Printf("Listener '%s' removed successfully.\n", name)
		fmt.Println("\n>>> IMPORTANT: Run 'jsonlistener restart' to apply these changes to the running service.")
	},
}

func init() {
	listenerAddCmd.Flags().String("name", "", "Unique name for this listener")
	listenerAddCmd.Flags().String("path", "", "Local folder path to watch")
	listenerAddCmd.Flags().String("destination", "", "Path in the database to post files under (default: database root)")
	listenerAddCmd.Flags().String("log-dir", "", "Folder for the failure log (default: <log_dir>/<name>)")
	listenerAddCmd.Flags().Bool("force", false, "Skip folder and connection verification")
	listenerAddCmd.Flags().Int("max-threads", config.DefaultMaxThreads, "Maximum number of locked files polled at once (must be > 2)")
	listenerAddCmd.Flags().Int("max-locked-file-tries", config.DefaultMaxLockedFileTries, "Probes before a locked file is given up")
	listenerAddCmd.Flags().Duration("poll-interval", config.DefaultPollInterval, "Time between directory polls")
	listenerAddCmd.Flags().Duration("locked-file-poll-interval", config.DefaultLockedFilePollInterval, "Time between probes of a locked file")
	listenerAddCmd.Flags().String("shutdown-mode", string(config.ShutdownDetach), "What stop does with running pollers: detach or drain")
	listenerAddCmd.Flags().Duration("shutdown-timeout", config.DefaultShutdownTimeout, "How long drain mode waits for pollers")

	listenerCmd.AddCommand(listenerAddCmd)
	listenerCmd.AddCommand(listenerListCmd)
	listenerCmd.AddCommand(listenerRemoveCmd)
	rootCmd.AddCommand(listenerCmd)
}
