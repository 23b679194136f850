package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/ajitpratap0/vdf/pkg/connector/registry"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/vdf"
	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <run-dir>",
		Short: "Print and check the manifest of a run directory",
		Long: `Inspect prints the indexes and namespaces recorded in a run's manifest and
checks it for consistency. With --verify the chunk files are opened and
their row counts compared with the manifest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := bind(cmd)
			dir := args[0]
			m, err := vdf.ReadManifest(dir)
			if err != nil {
				return err
			}

			var problems []vdf.Problem
			if v.GetBool("verify") {
				problems, err = vdf.Verify(dir, m)
				if err != nil {
					return err
				}
			} else {
				problems = vdf.Validate(m)
			}

			out := cmd.OutOrStdout()
			if v.GetBool("json") {
				data, err := gojson.MarshalIndent(m, "", "  ")
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode manifest")
				}
				fmt.Fprintln(out, string(data))
			} else {
				fmt.Fprintf(out, "version %s, exported from %s by %s at %s\n",
					m.Version, m.ExportedFrom, m.Author, m.ExportedAt)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "INDEX\tNAMESPACE\tEXPORTED\tTOTAL\tDIMS\tMETRIC\tPATH")
				indexes := make([]string, 0, len(m.Indexes))
				for index := range m.Indexes {
					indexes = append(indexes, index)
				}
				sort.Strings(indexes)
				for _, index := range indexes {
					for _, ns := range m.Indexes[index] {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n", index, ns.Namespace,
							ns.ExportedVectorCount, ns.TotalVectorCount, ns.Dimensions, ns.Metric, ns.DataPath)
					}
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			for _, p := range problems {
				fmt.Fprintf(cmd.ErrOrStderr(), "problem: %s\n", p)
			}
			if len(problems) > 0 {
				return errors.Newf(errors.ErrorTypeData, "manifest has %d problems", len(problems))
			}
			return nil
		},
	}
	cmd.Flags().Bool("verify", false, "count chunk rows and compare them with the manifest")
	cmd.Flags().Bool("json", false, "print the manifest as JSON")
	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available backends and their options",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := registry.GetRegistry().Infos()
			out := cmd.OutOrStdout()
			if bind(cmd).GetBool("json") {
				data, err := gojson.MarshalIndent(infos, "", "  ")
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode backend list")
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			for _, info := range infos {
				fmt.Fprintf(out, "%s: %s\n", info.Slug, info.Description)
				fmt.Fprintf(out, "  capabilities: %v\n", info.Capabilities)
				keys := make([]string, 0, len(info.Options))
				for k := range info.Options {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "  -o %s=...  %s\n", k, info.Options[k])
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print as JSON")
	return cmd
}
