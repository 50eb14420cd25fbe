// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Command lfkv is a small inspection and scripting client for an lfkv
// database directory: get/put/delete/scan/stats, each running as a single
// transaction against the engine.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "lfkv",
	Short: "inspect and script an lfkv database",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("path", "", "database directory (required)")
	rootCmd.PersistentFlags().Int("page-size", 8192, "page size in bytes, must match the database's on-disk size")
	_ = viper.BindPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(statsCmd)
}

func initConfig() {
	viper.SetEnvPrefix("lfkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
