package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/starschema-etl/internal/vertical"
)

var verticalsCmd = &cobra.Command{
	Use:   "verticals",
	Short: "Inspect vertical definitions",
}

var verticalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List builtin and user verticals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := vertical.NewRegistry(cfg.Verticals.Dir)
		if err != nil {
			return eris.Wrap(err, "load verticals")
		}
		formatVerticalsList(os.Stdout, reg.List())
		return nil
	},
}

var verticalsShowCmd = &cobra.Command{
	Use:   "show <vertical>",
	Short: "Print a vertical definition as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := vertical.NewRegistry(cfg.Verticals.Dir)
		if err != nil {
			return eris.Wrap(err, "load verticals")
		}
		v, err := reg.Get(args[0])
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close() //nolint:errcheck
		return enc.Encode(v)
	},
}

func init() {
	verticalsCmd.AddCommand(verticalsListCmd)
	verticalsCmd.AddCommand(verticalsShowCmd)
	rootCmd.AddCommand(verticalsCmd)
}

func formatVerticalsList(out io.Writer, entries []vertical.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSOURCE\tDIMENSIONS\tFACTS\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "----\t------\t----------\t-----\t-----------")
	for _, e := range entries {
		v := e.Vertical
		dims := make([]string, 0, len(v.Star.Dimensions))
		for _, d := range v.Star.Dimensions {
			dims = append(dims, d.Name)
		}
		facts := make([]string, 0, len(v.Star.Facts))
		for _, f := range v.Star.Facts {
			facts = append(facts, f.Name)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			v.Name,
			e.Source,
			strings.Join(dims, ","),
			strings.Join(facts, ","),
			v.Description,
		)
	}
	_ = w.Flush()
}
