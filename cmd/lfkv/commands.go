// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dacapoday/lfkv"
)

func openEngine() (*lfkv.Engine, error) {
	path := viper.GetString("path")
	if path == "" {
		return nil, fmt.Errorf("--path is required")
	}
	return lfkv.Open(lfkv.Config{
		Path:     path,
		PageSize: viper.GetInt("page-size"),
	})
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "reads the value for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		var value []byte
		var ok bool
		err = db.View(ctx, func(ctx context.Context, tx *lfkv.Tx) error {
			value, ok, err = tx.Get(ctx, []byte(args[0]))
			return err
		})
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("key=%s not found\n", args[0])
			return nil
		}
		fmt.Printf("key=%s value=%s\n", args[0], value)
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put [key] [value]",
	Short: "sets the value for a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		if err := db.Update(ctx, func(ctx context.Context, tx *lfkv.Tx) error {
			return tx.Insert(ctx, []byte(args[0]), []byte(args[1]))
		}); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [key]",
	Short: "removes a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		if err := db.Update(ctx, func(ctx context.Context, tx *lfkv.Tx) error {
			return tx.Remove(ctx, []byte(args[0]))
		}); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [start] [end]",
	Short: "lists keys in [start, end)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		return db.View(ctx, func(ctx context.Context, tx *lfkv.Tx) error {
			it, err := tx.Scan(ctx, []byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			defer it.Close()
			for {
				key, value, ok, err := it.Next()
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				fmt.Printf("%s=%s\n", key, value)
			}
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "runs a checkpoint and reports the result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openEngine()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Checkpoint(context.Background()); err != nil {
			return err
		}
		fmt.Println("checkpoint ok")
		return nil
	},
}
