package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/suPer8Hu/healthchat/internal/protocol"
)

func newParseCmd(root *rootFlags) *cobra.Command {
	var keywordFile string
	cmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse a raw model response and print the structured result as JSON",
		Long: `parse runs the response grammar over a saved model transcript (stdin
when no file is given). Use it to check how a model's output drifts from
the expected tags.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.Wrap(err, "open transcript")
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return errors.Wrap(err, "read transcript")
			}

			grammar, err := buildGrammar(keywordFile)
			if err != nil {
				return err
			}
			d := protocol.NewDecoder(grammar, protocol.Callbacks{})
			if err := d.Write(string(raw)); err != nil {
				return err
			}
			res, err := d.Finish()
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&keywordFile, "keywords", os.Getenv("RED_FLAG_KEYWORDS_FILE"), "YAML red flag keyword file")
	return cmd
}
