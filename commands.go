// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ffutop/bmc-cache/internal/agent"
	"github.com/ffutop/bmc-cache/internal/snapshot"
)

var (
	dumpFormat = "yaml"
	purgeTypes []uint
)

var runCmd = &cobra.Command{
	Use:   "run [events-file]",
	Short: "Restore the cache and apply update events until EOF or a signal.",
	Long: `Restore the cache from its snapshot, then apply JSON-lines update events
read from events-file, or from stdin when no file is given. Each line is one of:

  {"op":"put","path":"...","interface":"...","property":"...","value":{"type":"int","value":1}}
  {"op":"scalar","key":"...","value":{"type":"string","value":"..."}}
  {"op":"purge","types":[2,3]}`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := io.Reader(os.Stdin)
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "opening events")
			}
			defer f.Close()
			in = f
		}

		a, status, err := loadAgent()
		if err != nil {
			return err
		}
		defer a.Close()
		slog.Info("Starting persistent cache...", "restore", status)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := a.Run(ctx, in); err != nil {
			return err
		}
		slog.Info("Goodbye.")
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump [--format=yaml|json]",
	Short: "Print the restored cache tables.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, status, err := loadAgent()
		if err != nil {
			return err
		}
		defer a.Close()
		if status != agent.Restored {
			fmt.Fprintln(cmd.OutOrStderr(), yellow("NOTE:"), fmt.Sprintf("snapshot %s, the cache is empty", status))
		}
		return writeTables(cmd.OutOrStdout(), a.Cache().Tables(), dumpFormat)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge --types=<type>[,<type>...]",
	Short: "Drop all cached entries of the given entity types and rewrite the snapshot.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(purgeTypes) == 0 {
			return errors.New("no entity types given")
		}
		types := make([]uint16, 0, len(purgeTypes))
		for _, t := range purgeTypes {
			if t > 0xffff {
				return errors.Errorf("entity type %d out of range", t)
			}
			types = append(types, uint16(t))
		}

		a, _, err := loadAgent()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.Cache().PurgeAndResnapshot(types); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), green("OK:"), "purged entity types", types)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Restore the snapshot and report whether it was restored, missing or corrupt.",
	Long: `Restore the snapshot exactly as the daemon does at startup. A corrupt snapshot
is discarded, so the next start begins from an empty cache.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, status, err := loadAgent()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		switch status {
		case agent.Restored:
			c := a.Cache()
			objects := 0
			for _, typ := range c.Types() {
				objects += len(c.Paths(typ))
			}
			fmt.Fprintln(out, green("restored:"), len(c.Types()), "entity types,", objects, "objects,", len(c.Tables().Scalars), "scalars")
		case agent.Missing:
			fmt.Fprintln(out, yellow("missing:"), "no snapshot has been written yet")
		case agent.Corrupt:
			fmt.Fprintln(out, red("corrupt:"), "snapshot could not be decoded and was removed")
		}
		return nil
	},
}

// dumpEntry is the YAML view of a snapshot.Entry.
type dumpEntry struct {
	Instance   uint16                    `yaml:"instance"`
	Container  uint16                    `yaml:"container"`
	Properties map[string]map[string]any `yaml:"properties"`
}

type dumpTables struct {
	Objects map[uint16]map[string]dumpEntry `yaml:"objects"`
	Scalars map[string]any                  `yaml:"scalars"`
}

func writeTables(out io.Writer, t *snapshot.Tables, format string) error {
	switch format {
	case "json":
		e := json.NewEncoder(out)
		e.SetIndent("", "  ")
		return errors.Wrap(e.Encode(t), "encoding json")
	case "yaml":
		view := dumpTables{
			Objects: make(map[uint16]map[string]dumpEntry, len(t.Objects)),
			Scalars: make(map[string]any, len(t.Scalars)),
		}
		for typ, paths := range t.Objects {
			m := make(map[string]dumpEntry, len(paths))
			for path, e := range paths {
				props := make(map[string]map[string]any, len(e.Properties))
				for iface, values := range e.Properties {
					props[iface] = make(map[string]any, len(values))
					for name, v := range values {
						props[iface][name] = v.Interface()
					}
				}
				m[path] = dumpEntry{Instance: e.Instance, Container: e.Container, Properties: props}
			}
			view.Objects[typ] = m
		}
		for k, v := range t.Scalars {
			view.Scalars[k] = v.Interface()
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return errors.Wrap(err, "encoding yaml")
		}
		return enc.Close()
	default:
		return errors.Errorf("unknown format %q", format)
	}
}

func init() {
	dumpCmd.Flags().StringVar(&dumpFormat, "format", dumpFormat, "Output format [yaml, json]")
	purgeCmd.Flags().UintSliceVar(&purgeTypes, "types", nil, "Comma-separated entity types to purge")
}
