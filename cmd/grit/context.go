package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/extractor"
	"github.com/neul-labs/grit/internal/ipc"
	"github.com/neul-labs/grit/internal/store"
	"github.com/neul-labs/grit/internal/types"
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Index and query source-code context",
}

var contextUpdateCmd = &cobra.Command{
	Use:   "update <path>",
	Short: "Extract symbols from a file and record a context event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[0])
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading %s", args[0])
		}
		result := extractor.Extract(args[0], content)

		r, err := resolveCtx(true)
		if err != nil {
			return err
		}
		st, o, err := localOps(r)
		if err != nil {
			return err
		}
		defer st.Close()

		e, err := o.UpdateContext(args[0], result.Language, result.Symbols, result.Summary, result.ContentHash)
		if err != nil {
			return err
		}
		if flagJSON {
			raw, _ := json.Marshal(e)
			printJSON(raw)
		} else {
			okf("indexed %s: %d symbols (%s)", args[0], len(result.Symbols), result.Language)
		}
		return nil
	},
}

var contextShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Show the indexed context of a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(false, ipc.OpContextFile, ipc.ContextFileArgs{Path: args[0]})
		if err != nil {
			return err
		}
		printResult(raw, func(raw json.RawMessage) {
			var ctx types.FileContext
			if json.Unmarshal(raw, &ctx) != nil {
				printJSON(raw)
				return
			}
			fmt.Printf("%s (%s)\n%s\n", ctx.Path, ctx.Language, ctx.Summary)
			for _, s := range ctx.Symbols {
				fmt.Printf("  %-10s %s (%d-%d)\n", s.Kind, s.Name, s.LineStart, s.LineEnd)
			}
		})
		return nil
	},
}

var contextSymbolsCmd = &cobra.Command{
	Use:   "symbols <prefix>",
	Short: "Query indexed symbols by name prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(false, ipc.OpSymbolQuery, ipc.SymbolQueryArgs{Prefix: args[0]})
		if err != nil {
			return err
		}
		printResult(raw, func(raw json.RawMessage) {
			var matches []store.SymbolMatch
			if json.Unmarshal(raw, &matches) != nil {
				printJSON(raw)
				return
			}
			for _, m := range matches {
				fmt.Printf("%s  %s\n", m.Name, m.Path)
			}
			if len(matches) == 0 {
				fmt.Println("no matches")
			}
		})
		return nil
	},
}

var contextSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a project context entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(true, ipc.OpContextSet, ipc.ContextSetArgs{Key: args[0], Value: args[1]})
		if err != nil {
			return err
		}
		printResult(raw, func(json.RawMessage) { okf("context set") })
		return nil
	},
}

var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List project context entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(false)
		if err != nil {
			return err
		}
		st, _, err := localOps(r)
		if err != nil {
			return err
		}
		defer st.Close()

		items, err := st.ListProjectContext()
		if err != nil {
			return err
		}
		if flagJSON {
			raw, _ := json.Marshal(items)
			printJSON(raw)
			return nil
		}
		for _, item := range items {
			fmt.Printf("%s = %s\n", item.Key, item.Entry.Value)
		}
		if len(items) == 0 {
			fmt.Println("no project context")
		}
		return nil
	},
}

func init() {
	contextCmd.AddCommand(contextUpdateCmd, contextShowCmd, contextSymbolsCmd, contextSetCmd, contextListCmd)
	rootCmd.AddCommand(contextCmd)
}
