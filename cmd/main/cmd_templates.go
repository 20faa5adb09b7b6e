package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/CTAG07/stencil/pkg/catalog"
	"github.com/CTAG07/stencil/pkg/sandbox"
	"github.com/CTAG07/stencil/pkg/templating"
	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// cliStore is a store opened for a single CLI command, with the catalog
// attached when a database is configured.
type cliStore struct {
	store  *templating.Store
	db     *sql.DB
	cat    *catalog.Catalog
	logger *slog.Logger
}

func openCLIStore(ctx context.Context, cmd *cobra.Command, flags *globalFlags) (*cliStore, error) {
	config, err := loadCLIConfig(flags, LoadConfig)
	if err != nil {
		return nil, err
	}
	level := config.Server.LogLevel
	if flags.logLevel == "" && os.Getenv("LOG_LEVEL") == "" {
		// Keep routine store logging off the terminal unless asked for.
		level = "warn"
	}
	logger := newLogger(cmd.ErrOrStderr(), level)

	db, cat, err := openCatalog(config.Server.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	var opts []templating.Option
	if cat != nil {
		opts = append(opts, templating.WithMetadata(cat))
	}
	store, err := templating.NewStore(ctx, logger, *config.Templates, opts...)
	if err != nil {
		closeCatalog(db, cat, logger)
		return nil, fmt.Errorf("failed to open template store: %w", err)
	}
	return &cliStore{store: store, db: db, cat: cat, logger: logger}, nil
}

func (c *cliStore) Close() {
	closeCatalog(c.db, c.cat, c.logger)
}

type renderFlags struct {
	templateFile string
	id           string
	pairs        string
	jsonVars     string
	varsFile     string
	outputFile   string
}

func newRenderCmd(flags *globalFlags) *cobra.Command {
	rf := &renderFlags{}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a template file or a stored template",
		Long: `Render a template and write the result to stdout or --output-file.

Variables are merged in order: --vars-file, then --json, then --variables, so
later sources override earlier ones. Stored templates also apply their
defaults underneath.`,
		Example: `  stencil render --template greet.tmpl --variables name=World
  stencil render --id greet --json '{"name": "World"}'
  stencil render --id report --vars-file vars.yaml --output-file report.txt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRender(cmd, flags, rf)
		},
	}
	cmd.Flags().StringVar(&rf.templateFile, "template", "", "template file to render, - for stdin")
	cmd.Flags().StringVar(&rf.id, "id", "", "id of a stored template to render")
	cmd.Flags().StringVar(&rf.pairs, "variables", "", "variables as key=value pairs, comma separated")
	cmd.Flags().StringVar(&rf.jsonVars, "json", "", "variables as a JSON object")
	cmd.Flags().StringVar(&rf.varsFile, "vars-file", "", "YAML or JSON file holding the variables")
	cmd.Flags().StringVar(&rf.outputFile, "output-file", "", "write the result here instead of stdout")
	cmd.MarkFlagsMutuallyExclusive("template", "id")
	cmd.MarkFlagsOneRequired("template", "id")
	return cmd
}

func runRender(cmd *cobra.Command, flags *globalFlags, rf *renderFlags) error {
	vars, err := collectVariables(rf)
	if err != nil {
		return err
	}

	var out string
	if rf.id != "" {
		cs, err := openCLIStore(cmd.Context(), cmd, flags)
		if err != nil {
			return err
		}
		defer cs.Close()
		if out, err = cs.store.Render(cmd.Context(), rf.id, vars); err != nil {
			return err
		}
	} else {
		config, err := loadCLIConfig(flags, ReadConfig)
		if err != nil {
			return err
		}
		body, err := readInput(cmd.InOrStdin(), rf.templateFile)
		if err != nil {
			return err
		}
		env := sandbox.New(sandbox.WithLimits(config.Templates.Limits))
		if out, err = env.Render(cmd.Context(), body, vars); err != nil {
			return err
		}
	}

	if rf.outputFile == "" {
		_, err = io.WriteString(cmd.OutOrStdout(), out)
		return err
	}
	if err = atomic.WriteFile(rf.outputFile, strings.NewReader(out)); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

// collectVariables merges the variable sources of a render call.
func collectVariables(rf *renderFlags) (map[string]any, error) {
	vars := make(map[string]any)
	if rf.varsFile != "" {
		fromFile, err := readVarsFile(rf.varsFile)
		if err != nil {
			return nil, err
		}
		maps.Copy(vars, fromFile)
	}
	fromJSON, err := templating.DecodeVariables(rf.jsonVars)
	if err != nil {
		return nil, err
	}
	maps.Copy(vars, fromJSON)
	fromPairs, err := templating.ParsePairs(rf.pairs)
	if err != nil {
		return nil, err
	}
	maps.Copy(vars, fromPairs)
	return vars, nil
}

// readVarsFile decodes a YAML document (JSON is valid YAML) holding a single
// mapping of variables.
func readVarsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variables file: %w", err)
	}
	var raw map[string]any
	if err = yaml.Unmarshal(data, &raw); err != nil {
		return nil, &templating.Error{Kind: templating.KindInvalidVariables, Cause: err}
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = fromYAML(v)
	}
	return out, nil
}

// fromYAML converts the few YAML decoding results the sandbox does not
// accept: timestamps and mappings with non-string keys.
func fromYAML(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(time.RFC3339)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = fromYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = fromYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = fromYAML(item)
		}
		return out
	default:
		return v
	}
}

func readInput(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read template: %w", err)
	}
	return string(data), nil
}

func newListCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cs, err := openCLIStore(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer cs.Close()

			templates := cs.store.Templates()
			if asJSON {
				out := make([]TemplateSummary, 0, len(templates))
				for _, t := range templates {
					out = append(out, TemplateSummary{ID: t.ID, Description: t.Description, Size: t.Size(), Modified: t.ModTime})
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tSIZE\tMODIFIED\tDESCRIPTION")
			for _, t := range templates {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, humanize.Bytes(uint64(t.Size())), humanize.Time(t.ModTime), t.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the list as JSON")
	return cmd
}

func newAddCmd(flags *globalFlags) *cobra.Command {
	var (
		file        string
		overwrite   bool
		description string
		defaults    string
	)
	cmd := &cobra.Command{
		Use:   "add ID",
		Short: "Compile and store a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			defs, err := templating.DecodeVariables(defaults)
			if err != nil {
				return err
			}

			cs, err := openCLIStore(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer cs.Close()

			t, err := cs.store.Add(cmd.Context(), args[0], body, templating.AddOptions{
				Overwrite:   overwrite,
				Description: description,
				Defaults:    defs,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s)\n", t.ID, humanize.Bytes(uint64(t.Size())))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "template body file, - for stdin")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing template")
	cmd.Flags().StringVar(&description, "description", "", "short description")
	cmd.Flags().StringVar(&defaults, "defaults", "", "default variables as a JSON object")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRemoveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Delete a stored template",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := openCLIStore(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer cs.Close()
			if err = cs.store.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newRefreshCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rescan the template directory and report what loads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cs, err := openCLIStore(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer cs.Close()

			report, err := cs.store.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			_, _ = fmt.Fprintf(&buf, "loaded %d template(s) from %s\n", len(report.Loaded), cs.store.Dir())
			for _, s := range report.Skipped {
				_, _ = fmt.Fprintf(&buf, "skipped %s: %s\n", s.Name, s.Reason)
			}
			_, err = buf.WriteTo(cmd.OutOrStdout())
			return err
		},
	}
}
