package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/omniflow/preview/internal/tagger"
)

// newTransformCommand runs the JSX tagging transform over files on disk,
// for inspecting what the plugin would inject.
func newTransformCommand() *cobra.Command {
	var (
		write  bool
		prefix string
	)

	cmd := &cobra.Command{
		Use:   "transform <file>...",
		Short: "Apply the JSX tagging transform to source files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				if !tagger.ShouldTransform(path, nil) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n",
						color.YellowString("skip"), path)
					continue
				}
				source, err := os.ReadFile(path)
				if err != nil {
					return err
				}

				out, entries := tagger.Transform(string(source), tagger.Options{
					File:   path,
					Prefix: prefix,
				})

				if write {
					if err := os.WriteFile(path, []byte(out), 0644); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d elements)\n",
						color.GreenString("tagged"), path, len(entries))
					continue
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&write, "write", "w", false, "rewrite files in place")
	cmd.Flags().StringVar(&prefix, "prefix", "", "id prefix for generated tags")
	return cmd
}
