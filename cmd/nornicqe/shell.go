package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/orneryd/nornicqe/pkg/query"
	"github.com/orneryd/nornicqe/pkg/storage"
)

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	inst, err := openInstance(cfg)
	if err != nil {
		return err
	}
	defer inst.Close()

	interp := query.NewInterpreter(inst.qctx)
	defer interp.Close()
	if cfg.Auth.Enabled {
		// The embedded shell runs as the initial admin.
		user, err := inst.auth.GetUser(cfg.Auth.InitialUsername)
		if err != nil {
			return err
		}
		interp.SetUser(user)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "nornicqe v%s shell on database %s\n", version, interp.CurrentDB().Name())
	fmt.Fprintln(out, "Type :exit or Ctrl+D to quit")
	return newShell(interp, out).run(cmd.Context(), cmd.InOrStdin())
}

// shell is a line-oriented REPL over one interpreter session.
type shell struct {
	interp *query.Interpreter
	out    io.Writer
	// batch is the PULL size; 0 pulls everything.
	batch int
	// pending is set while the last statement has rows left.
	pending bool
}

func newShell(interp *query.Interpreter, out io.Writer) *shell {
	return &shell{interp: interp, out: out}
}

func (sh *shell) prompt() {
	db := sh.interp.CurrentDB().Name()
	if sh.interp.InExplicitTransaction() {
		fmt.Fprintf(sh.out, "%s#> ", db)
		return
	}
	fmt.Fprintf(sh.out, "%s> ", db)
}

func (sh *shell) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	sh.prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == ":exit" || line == ":quit" {
			return nil
		}
		if line != "" {
			if err := sh.handle(ctx, line); err != nil {
				fmt.Fprintf(sh.out, "%s: %s\n", query.Classify(err).Code(), err)
				if hints := errors.FlattenHints(err); hints != "" {
					fmt.Fprintf(sh.out, "HINT: %s\n", hints)
				}
			}
		}
		sh.prompt()
	}
	fmt.Fprintln(sh.out)
	return scanner.Err()
}

func (sh *shell) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, ":") {
		return sh.exec(ctx, line)
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "pull":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return errors.Newf("usage: :pull N (N >= 0), got %q", arg)
		}
		sh.batch = n
		fmt.Fprintf(sh.out, "batch size %d\n", n)
		return nil
	case "next":
		if !sh.pending {
			return errors.New("no statement has rows left")
		}
		return sh.pull(ctx)
	case "use":
		if arg == "" {
			return errors.New("usage: :use DATABASE")
		}
		return sh.interp.SetCurrentDB(arg, true)
	}
	return errors.Newf("unknown shell command :%s", name)
}

func (sh *shell) exec(ctx context.Context, text string) error {
	sh.pending = false
	pr, err := sh.interp.Parse(text, nil, query.QueryExtras{})
	if err != nil {
		return err
	}
	prep, err := sh.interp.Prepare(ctx, pr, nil, query.QueryExtras{})
	if err != nil {
		return err
	}
	if err := sh.interp.CheckAuthorized(prep.Privileges, prep.DB); err != nil {
		sh.interp.Abort()
		return err
	}
	if len(prep.Headers) > 0 {
		fmt.Fprintln(sh.out, strings.Join(prep.Headers, "\t"))
	}
	return sh.pull(ctx)
}

func (sh *shell) pull(ctx context.Context) error {
	var n *int
	if sh.batch > 0 {
		n = &sh.batch
	}
	sh.pending = false
	rows := 0
	summary, err := sh.interp.Pull(ctx, query.StreamFunc(func(row []any) error {
		rows++
		fmt.Fprintln(sh.out, strings.Join(lo.Map(row, func(v any, _ int) string { return formatValue(v) }), "\t"))
		return nil
	}), n, nil)
	if err != nil {
		return err
	}
	if more, _ := summary["has_more"].(bool); more {
		sh.pending = true
		fmt.Fprintf(sh.out, "(%d rows, more available: :next)\n", rows)
		return nil
	}
	fmt.Fprintf(sh.out, "(%d rows)\n", rows)
	if stats, ok := summary["stats"].(map[string]any); ok {
		stats = lo.PickBy(stats, func(_ string, v any) bool { return v != int64(0) })
		keys := lo.Keys(stats)
		sort.Strings(keys)
		if len(keys) > 0 {
			fmt.Fprintln(sh.out, strings.Join(lo.Map(keys, func(k string, _ int) string {
				return fmt.Sprintf("%s: %v", k, stats[k])
			}), ", "))
		}
	}
	if notes, ok := summary["notifications"].([]any); ok {
		for _, note := range notes {
			if m, ok := note.(map[string]any); ok {
				fmt.Fprintf(sh.out, "%v: %v\n", m["title"], m["description"])
			}
		}
	}
	return nil
}

// formatValue renders a result value in Cypher-like notation.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(val)
	case []any:
		return "[" + strings.Join(lo.Map(val, func(x any, _ int) string { return formatValue(x) }), ", ") + "]"
	case []string:
		return "[" + strings.Join(lo.Map(val, func(x string, _ int) string { return strconv.Quote(x) }), ", ") + "]"
	case map[string]any:
		return formatProps(val)
	case *storage.Node:
		labels := lo.Map(val.Labels, func(l string, _ int) string { return ":" + l })
		s := "(" + strings.Join(labels, "")
		if len(val.Properties) > 0 {
			if len(labels) > 0 {
				s += " "
			}
			s += formatProps(val.Properties)
		}
		return s + ")"
	case *storage.Edge:
		s := "[:" + val.Type
		if len(val.Properties) > 0 {
			s += " " + formatProps(val.Properties)
		}
		return s + "]"
	}
	return fmt.Sprint(v)
}

func formatProps(m map[string]any) string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return "{" + strings.Join(lo.Map(keys, func(k string, _ int) string {
		return k + ": " + formatValue(m[k])
	}), ", ") + "}"
}
