package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"github.com/vektah/gqlparser/v2/ast"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/osvaldoandrade/ramguard/pkg/actions"
	"github.com/osvaldoandrade/ramguard/pkg/auth"
	"github.com/osvaldoandrade/ramguard/pkg/auth/jwks"
	"github.com/osvaldoandrade/ramguard/pkg/fieldaction"
	"github.com/osvaldoandrade/ramguard/pkg/ram"
)

func decodeCmd(ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "decode [token]",
		Short: "Print token header and claims without verifying",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(args)
			if err != nil {
				return err
			}
			header, err := jwks.Header(token)
			if err != nil {
				return err
			}
			claims, err := jwks.Decode(token)
			if err != nil {
				return err
			}
			fmt.Println(ui.warn("[UNVERIFIED]"), ui.dim("signature was not checked"))
			fmt.Println(ui.title("header"))
			printJSON(os.Stdout, header)
			fmt.Println(ui.title("claims"))
			printJSON(os.Stdout, claims.Raw)
			return nil
		},
	}
}

func verifyCmd(g *globals, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:     "verify [token]",
		Short:   "Verify a token against the issuer's JWKS",
		Example: "ramctl verify --endpoint https://id.example/realm eyJhbGciOi...",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(g.endpoint) == "" {
				return errors.New("--endpoint is required (or run `ramctl init`)")
			}
			token, err := readToken(args)
			if err != nil {
				return err
			}
			v, err := jwks.New(auth.Config{
				Endpoint:    g.endpoint,
				Algorithms:  g.algorithms,
				HTTPTimeout: g.timeout,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Verifying against " + v.Resolver().URL()
			spin.Start()
			claims, err := v.Verify(ctx, token)
			spin.Stop()
			if err != nil {
				return fmt.Errorf("%s: %s", auth.PublicMessage(err), cause(err))
			}

			fmt.Printf("%s Token valid for %s (issuer %s)\n", ui.ok("[OK]"), ui.info(claims.Subject), claims.Issuer)
			if !claims.ExpiresAt.IsZero() {
				fmt.Printf("%s expires %s (in %s)\n", ui.dim("     "), claims.ExpiresAt.Format(time.RFC3339),
					time.Until(claims.ExpiresAt).Round(time.Second))
			}
			printJSON(os.Stdout, claims.Raw)
			return nil
		},
	}
}

func jwksCmd(g *globals, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "jwks",
		Short: "List the signing keys an issuer publishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(g.endpoint) == "" {
				return errors.New("--endpoint is required (or run `ramctl init`)")
			}
			r, err := jwks.NewKeyResolver(jwks.ResolverConfig{Endpoint: g.endpoint, HTTPTimeout: g.timeout})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching " + r.URL()
			spin.Start()
			keys, err := r.Fetch(ctx)
			spin.Stop()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println(ui.warn("[WARN]"), "no usable signing keys published")
				return nil
			}
			for _, k := range keys {
				fmt.Printf("%s  %s  %s\n", ui.info(k.KeyID), emptyOr(k.Algorithm, "-"), ui.dim(fmt.Sprintf("%T", k.Key)))
			}
			return nil
		},
	}
}

func checkCmd(g *globals, ui *ui) *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:     "check [token]",
		Short:   "Evaluate a token's RAM policy offline",
		Example: "ramctl check --action media.upload --action option.delete eyJhbGciOi...",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(names) == 0 {
				return errors.New("at least one --action is required")
			}
			token, err := readToken(args)
			if err != nil {
				return err
			}
			claims, err := jwks.Decode(token)
			if err != nil {
				return err
			}
			denied, err := runCheck(os.Stdout, ui, claims, g.claim, names)
			if err != nil {
				return err
			}
			if denied > 0 {
				return fmt.Errorf("%d of %d actions denied", denied, len(names))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&names, "action", nil, "Action to evaluate (repeatable)")
	return cmd
}

func runCheck(w io.Writer, ui *ui, claims *auth.Claims, claim string, names []string) (int, error) {
	eval := ram.NewEvaluator(claim)
	denied := 0
	for _, name := range names {
		a, ok := actions.Parse(name)
		if !ok {
			return denied, fmt.Errorf("unknown action %q (see `ramctl actions`)", name)
		}
		d := eval.Evaluate(claims, a)
		verdict := ui.ok("ALLOW")
		if !d.Allowed {
			verdict = ui.err("DENY ")
			denied++
		}
		fmt.Fprintf(w, "%s  %-24s %s\n", verdict, name, ui.dim(d.Reason))
	}
	return denied, nil
}

func fieldsCmd(ui *ui) *cobra.Command {
	var schemaPath, queryPath, operation, tablePath string
	cmd := &cobra.Command{
		Use:     "fields",
		Short:   "Show the actions a GraphQL query needs",
		Example: "ramctl fields --schema schema.graphql --query query.graphql --field-actions actions.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if schemaPath == "" || queryPath == "" {
				return errors.New("--schema and --query are required")
			}
			return runFields(os.Stdout, ui, schemaPath, queryPath, operation, tablePath)
		},
	}
	cmd.Flags().StringVar(&schemaPath, "schema", "", "Schema SDL file")
	cmd.Flags().StringVar(&queryPath, "query", "", "Query document file")
	cmd.Flags().StringVar(&operation, "operation", "", "Operation name when the document has several")
	cmd.Flags().StringVar(&tablePath, "field-actions", "", "YAML map of Type.field to action")
	return cmd
}

func runFields(w io.Writer, ui *ui, schemaPath, queryPath, operation, tablePath string) error {
	sdl, err := os.ReadFile(schemaPath)
	if err != nil {
		return err
	}
	query, err := os.ReadFile(queryPath)
	if err != nil {
		return err
	}
	table, err := loadFieldActions(tablePath)
	if err != nil {
		return err
	}
	schema, err := fieldaction.LoadSchema(&ast.Source{Name: schemaPath, Input: string(sdl)})
	if err != nil {
		return err
	}
	r := fieldaction.NewResolver(schema, table)
	op, err := fieldaction.ParseOperation(schema, string(query), operation)
	if err != nil {
		return err
	}
	root := fieldaction.RootType(schema, op)
	if root == nil {
		return fmt.Errorf("schema has no root type for %s", op.Operation)
	}

	for _, f := range r.TopLevelFields(op) {
		if a, ok := r.FieldAction(root, f.Definition); ok {
			fmt.Fprintf(w, "%s %s\n", ui.title(root.Name+"."+f.Name), ui.info(string(a)))
		} else {
			fmt.Fprintf(w, "%s\n", ui.title(root.Name+"."+f.Name))
		}
		required, err := r.Resolve(f.SelectionSet, f.Definition.Type)
		if err != nil {
			return err
		}
		if len(required) == 0 {
			fmt.Fprintf(w, "  %s\n", ui.dim("(no field actions)"))
			continue
		}
		paths := make([]string, 0, len(required))
		for p := range required {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Fprintf(w, "  %-32s %s\n", p, ui.info(string(required[p])))
		}
	}
	return nil
}

func loadFieldActions(path string) (fieldaction.Table, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	table := make(fieldaction.Table, len(raw))
	for k, v := range raw {
		a, ok := actions.Parse(v)
		if !ok {
			return nil, fmt.Errorf("%s: unknown action %q for %s", path, v, k)
		}
		table[k] = a
	}
	return table, nil
}

func actionsCmd(ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List every known action",
		RunE: func(cmd *cobra.Command, args []string) error {
			printActions(os.Stdout, ui)
			return nil
		},
	}
}

func printActions(w io.Writer, ui *ui) {
	area := ""
	for _, a := range actions.All() {
		s := string(a)
		prefix := s
		if i := strings.Index(s, "."); i >= 0 {
			prefix = s[:i]
		}
		if prefix != area {
			area = prefix
			fmt.Fprintln(w, ui.title(area))
		}
		fmt.Fprintf(w, "  %s\n", s)
	}
}

// readToken takes the token from args, or from stdin. A terminal is read
// without echo.
func readToken(args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	fd := int(os.Stdin.Fd())
	var raw []byte
	var err error
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Token: ")
		raw, err = term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
	} else {
		raw, err = io.ReadAll(bufio.NewReader(os.Stdin))
	}
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(raw))
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", errors.New("no token given")
	}
	return token, nil
}

func cause(err error) string {
	var ite *auth.InvalidTokenError
	if errors.As(err, &ite) && ite.Cause() != "" {
		return ite.Cause()
	}
	return err.Error()
}

func printJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(w, v)
		return
	}
	fmt.Fprintln(w, string(b))
}

func emptyOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
