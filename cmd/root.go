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
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"

	"github.com/cleverdata/jsonlistener/internal/config"
)

var cfgFile string
var debugMode bool
var Version = "0.1.0" // Default version

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "jsonlistener",
	Short:   "JSON Listener",
	Version: Version,
	Long: `JSON Listener watches local folders for new .json files and posts each one
to a remote database. Files that are still being written are retried until they
are released; files that cannot be delivered are written to a failure log.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.yaml next to the executable, in ProgramData, or in $HOME)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// 1. Check local folder (Same as EXE) - Best for Dev
		exePath, err := os.Executable()
		if err == nil {
			viper.AddConfigPath(filepath.Dir(exePath))
		}

		// 2. Check Global ProgramData - Standard for Windows Services
		programData := os.Getenv("PROGRAMDATA")
		if programData != "" {
			viper.AddConfigPath(filepath.Join(programData, "JsonListener"))
		}

		// 3. Fallback to Home directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}

		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("JSONLISTENER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		// If we found one, lock it in so 'viper.WriteConfig()' updates the CORRECT file
		viper.SetConfigFile(viper.ConfigFileUsed())
	}
}

// dataDir is where state lives when the config does not say otherwise.
// Windows: %PROGRAMDATA%\CleverData\JsonListener
// Linux: /var/lib/jsonlistener
func dataDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "CleverData", "JsonListener")
	}
	return "/var/lib/jsonlistener"
}

// loadConfig decodes the current viper state, fills defaults and validates it.
func loadConfig() (*config.Config, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, errors.Errorf("error parsing config: %w", err)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(dataDir(), "logs")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dataDir(), "history.db")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// saveConfig writes the viper state back to the file it was read from, or creates
// a config.yaml in the best location when there is none yet.
func saveConfig() error {
	if viper.ConfigFileUsed() != "" {
		if err := viper.WriteConfig(); err != nil {
			return errors.Errorf("failed to update config: %w", err)
		}
		return nil
	}

	var targetDir string
	if programData := os.Getenv("PROGRAMDATA"); programData != "" && checkIfAdmin() {
		targetDir = filepath.Join(programData, "JsonListener")
	} else {
		exePath, _ := os.Executable()
		targetDir = filepath.Dir(exePath)
		fmt.Println("\n>>> NOTE: Config saved next to the executable.")
		fmt.Println(">>> A service installed from another location will NOT see it.")
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return errors.Errorf("failed to create config directory: %w", err)
	}
	target := filepath.Join(targetDir, "config.yaml")
	if err := viper.SafeWriteConfigAs(target); err != nil {
		return errors.Errorf("failed to create config: %w", err)
	}
	viper.SetConfigFile(target)
	return nil
}

func checkIfAdmin() bool {
	// Simple Windows-only check for Admin rights
	_, err := os.Open("\\\\.\\PHYSICALDRIVE0")
	return err == nil
}
