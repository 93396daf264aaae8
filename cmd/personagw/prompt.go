package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/szaher/designs/personagw/internal/persona"
	"github.com/szaher/designs/personagw/internal/settings"
)

func newPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Inspect and edit persona system prompts in the settings store",
		Long: `Reads and writes the configured settings store directly. A running
gateway with watch enabled picks up changes without a restart.`,
	}

	cmd.AddCommand(newPromptListCmd())
	cmd.AddCommand(newPromptGetCmd())
	cmd.AddCommand(newPromptSetCmd())

	return cmd
}

// openSettings loads the config and opens its settings store.
func openSettings(cmd *cobra.Command) (settings.Store, error) {
	cfg, _, err := loadConfig(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return settings.Open(cmd.Context(), cfg.Settings)
}

func settingsName(selector string) (string, error) {
	kind, ok := persona.ParseKind(selector)
	if !ok {
		return "", fmt.Errorf("unknown persona %q", selector)
	}
	return kind.SettingsName(), nil
}

func newPromptListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every stored setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSettings(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tVALUE")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\n", k, preview(all[k], 60))
			}
			return w.Flush()
		},
	}
}

func newPromptGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <persona>",
		Short: "Print one persona's system prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := settingsName(args[0])
			if err != nil {
				return err
			}
			store, err := openSettings(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			prompt, err := store.Get(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prompt)
			return nil
		},
	}
}

func newPromptSetCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "set <persona> [prompt]",
		Short: "Replace one persona's system prompt",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := settingsName(args[0])
			if err != nil {
				return err
			}

			var prompt string
			switch {
			case file != "" && len(args) == 2:
				return errors.New("give the prompt as an argument or with --file, not both")
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading prompt file: %w", err)
				}
				prompt = string(data)
			case len(args) == 2:
				prompt = args[1]
			}
			prompt = strings.TrimSpace(prompt)
			if prompt == "" {
				return errors.New("prompt cannot be empty")
			}

			store, err := openSettings(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Save(cmd.Context(), name, prompt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s prompt updated\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the prompt from a file")

	return cmd
}

// preview returns s on one line, cut to n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
