package query

import (
	"context"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/orneryd/nornicqe/pkg/auth"
	"github.com/orneryd/nornicqe/pkg/cypher"
	"github.com/orneryd/nornicqe/pkg/dbms"
	"github.com/orneryd/nornicqe/pkg/replication"
	"github.com/orneryd/nornicqe/pkg/storage"
)

type systemKind int

const (
	sysUseDatabase systemKind = iota
	sysShowDatabase
	sysShowDatabases
	sysCreateDatabase
	sysDropDatabase
	sysSetIsolation
	sysShowTransactions
	sysTerminateTransactions
)

// isolation scopes
const (
	scopeNext    = "NEXT"
	scopeSession = "SESSION"
	scopeGlobal  = "GLOBAL"
)

// systemQuery is a parsed administrative statement.
type systemQuery struct {
	kind  systemKind
	name  string
	scope string
	level storage.IsolationLevel
	ids   []string
}

var (
	reUseDatabase    = regexp.MustCompile(`(?i)^USE\s+DATABASE\s+([A-Za-z][A-Za-z0-9_.\-]*)$`)
	reShowDatabase   = regexp.MustCompile(`(?i)^SHOW\s+DATABASE$`)
	reShowDatabases  = regexp.MustCompile(`(?i)^SHOW\s+DATABASES$`)
	reCreateDatabase = regexp.MustCompile(`(?i)^CREATE\s+DATABASE\s+(\S+)$`)
	reDropDatabase   = regexp.MustCompile(`(?i)^DROP\s+DATABASE\s+(\S+)$`)
	reSetIsolation   = regexp.MustCompile(`(?i)^SET\s+(NEXT|SESSION|GLOBAL)\s+TRANSACTION\s+ISOLATION\s+LEVEL\s+(.+)$`)
	reShowTx         = regexp.MustCompile(`(?i)^SHOW\s+TRANSACTIONS$`)
	reTerminateTx    = regexp.MustCompile(`(?i)^TERMINATE\s+TRANSACTIONS\s+(.+)$`)
	reTxID           = regexp.MustCompile(`^\s*(?:'([^']*)'|"([^"]*)")\s*$`)

	// systemPrefix matches the opening words of every system statement.
	systemPrefix = regexp.MustCompile(`(?i)^(USE\s+DATABASE|SHOW\s+DATABASES?|CREATE\s+DATABASE|DROP\s+DATABASE|SET\s+(NEXT|SESSION|GLOBAL)|SHOW\s+TRANSACTIONS|TERMINATE\s+TRANSACTIONS)\b`)
)

// parseSystemQuery returns nil, nil when text is not a system statement.
// Text that starts like one but does not parse is a syntax error.
func parseSystemQuery(text string) (*systemQuery, error) {
	q := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), ";"))
	if !systemPrefix.MatchString(q) {
		return nil, nil
	}
	if m := reUseDatabase.FindStringSubmatch(q); m != nil {
		return &systemQuery{kind: sysUseDatabase, name: m[1]}, nil
	}
	if reShowDatabase.MatchString(q) {
		return &systemQuery{kind: sysShowDatabase}, nil
	}
	if reShowDatabases.MatchString(q) {
		return &systemQuery{kind: sysShowDatabases}, nil
	}
	if m := reCreateDatabase.FindStringSubmatch(q); m != nil {
		return &systemQuery{kind: sysCreateDatabase, name: m[1]}, nil
	}
	if m := reDropDatabase.FindStringSubmatch(q); m != nil {
		return &systemQuery{kind: sysDropDatabase, name: m[1]}, nil
	}
	if m := reSetIsolation.FindStringSubmatch(q); m != nil {
		level, err := storage.ParseIsolationLevel(m[2])
		if err != nil {
			return nil, &cypher.SyntaxError{Pos: strings.Index(q, m[2]), Msg: err.Error()}
		}
		return &systemQuery{kind: sysSetIsolation, scope: strings.ToUpper(m[1]), level: level}, nil
	}
	if reShowTx.MatchString(q) {
		return &systemQuery{kind: sysShowTransactions}, nil
	}
	if m := reTerminateTx.FindStringSubmatch(q); m != nil {
		var ids []string
		for _, part := range strings.Split(m[1], ",") {
			idm := reTxID.FindStringSubmatch(part)
			if idm == nil {
				return nil, &cypher.SyntaxError{Pos: strings.Index(q, part), Msg: "transaction ids must be quoted strings"}
			}
			ids = append(ids, idm[1]+idm[2])
		}
		return &systemQuery{kind: sysTerminateTransactions, ids: lo.Uniq(ids)}, nil
	}
	return nil, &cypher.SyntaxError{Pos: 0, Msg: "invalid input " + strings.Join(strings.Fields(q), " ")}
}

// rowsHandler streams precomputed rows, honoring n.
func rowsHandler(rows [][]any, result QueryHandlerResult) HandlerFunc {
	return func(_ context.Context, stream Stream, n *int) (*QueryHandlerResult, error) {
		for k := 0; len(rows) > 0 && (n == nil || k < *n); k++ {
			if err := stream.Result(rows[0]); err != nil {
				return nil, err
			}
			rows = rows[1:]
		}
		if len(rows) > 0 {
			return nil, nil
		}
		res := result
		return &res, nil
	}
}

// lazyRowsHandler computes its rows on the first pull.
func lazyRowsHandler(compute func(ctx context.Context) ([][]any, error), result QueryHandlerResult) HandlerFunc {
	var inner HandlerFunc
	return func(ctx context.Context, stream Stream, n *int) (*QueryHandlerResult, error) {
		if inner == nil {
			rows, err := compute(ctx)
			if err != nil {
				return nil, err
			}
			inner = rowsHandler(rows, result)
		}
		return inner(ctx, stream, n)
	}
}

func (i *Interpreter) prepareSystemQuery(sq *systemQuery, slot *queryExecution) (*PreparedQuery, error) {
	if i.inExplicitTransaction && sq.kind != sysShowDatabase && sq.kind != sysShowDatabases {
		return nil, explicitTxUsage("This query is not allowed in multicommand transactions.")
	}
	slot.summary["type"] = cypher.ModeRead

	switch sq.kind {
	case sysUseDatabase:
		return &PreparedQuery{
			Header:     []string{"STATUS"},
			Privileges: []auth.Privilege{auth.PrivMultiDatabaseUse},
			DB:         sq.name,
			Handler: lazyRowsHandler(func(context.Context) ([][]any, error) {
				if i.currentDB.Name() == sq.name {
					return [][]any{{"Already using " + sq.name}}, nil
				}
				if err := i.SetCurrentDB(sq.name, true); err != nil {
					return nil, err
				}
				return [][]any{{"Using " + sq.name}}, nil
			}, HandlerNothing),
		}, nil

	case sysShowDatabase:
		var current any
		if name := i.currentDB.Name(); name != "" {
			current = name
		}
		return &PreparedQuery{
			Header:     []string{"Current"},
			Privileges: []auth.Privilege{auth.PrivMultiDatabaseUse},
			Handler:    rowsHandler([][]any{{current}}, HandlerNothing),
		}, nil

	case sysShowDatabases:
		return &PreparedQuery{
			Header:     []string{"Name"},
			Privileges: []auth.Privilege{auth.PrivMultiDatabaseUse},
			Handler: lazyRowsHandler(func(context.Context) ([][]any, error) {
				user := i.User()
				names := lo.Filter(i.ctx.dbms.List(), func(name string, _ int) bool {
					return i.ctx.auth.IsAuthorized(user, nil, name)
				})
				return lo.Map(names, func(name string, _ int) []any { return []any{name} }), nil
			}, HandlerNothing),
		}, nil

	case sysCreateDatabase:
		slot.summary["type"] = cypher.ModeWrite
		return &PreparedQuery{
			Header:     []string{"STATUS"},
			Privileges: []auth.Privilege{auth.PrivMultiDatabaseEdit},
			Handler:    lazyRowsHandler(func(context.Context) ([][]any, error) { return i.createDatabase(sq.name) }, HandlerCommit),
		}, nil

	case sysDropDatabase:
		slot.summary["type"] = cypher.ModeWrite
		return &PreparedQuery{
			Header:     []string{"STATUS"},
			Privileges: []auth.Privilege{auth.PrivMultiDatabaseEdit},
			Handler:    lazyRowsHandler(func(context.Context) ([][]any, error) { return i.dropDatabase(sq.name) }, HandlerCommit),
		}, nil

	case sysSetIsolation:
		return &PreparedQuery{
			Privileges: []auth.Privilege{auth.PrivConfig},
			Handler: lazyRowsHandler(func(context.Context) ([][]any, error) {
				return nil, i.setIsolation(sq.scope, sq.level)
			}, HandlerNothing),
		}, nil

	case sysShowTransactions:
		return &PreparedQuery{
			// Users always see their own transactions; the rest is
			// filtered by TRANSACTION_MANAGEMENT.
			Header: []string{"username", "transaction_id", "query", "metadata"},
			Handler: lazyRowsHandler(func(context.Context) ([][]any, error) {
				return i.ctx.ShowTransactions(i), nil
			}, HandlerNothing),
		}, nil

	case sysTerminateTransactions:
		return &PreparedQuery{
			Header: []string{"transaction_id", "killed"},
			Handler: lazyRowsHandler(func(context.Context) ([][]any, error) {
				return i.ctx.TerminateTransactions(i, sq.ids), nil
			}, HandlerNothing),
		}, nil
	}
	return nil, errors.AssertionFailedf("unknown system query kind %d", sq.kind)
}

// systemTransaction returns the session's system transaction, starting it
// on first use.
func (i *Interpreter) systemTransaction() *replication.SystemTransaction {
	if i.systemTx == nil {
		i.systemTx = i.ctx.replication.Begin()
	}
	return i.systemTx
}

func (i *Interpreter) createDatabase(name string) ([][]any, error) {
	if _, err := i.ctx.dbms.Create(name); err != nil {
		if errors.Is(err, dbms.ErrDatabaseExists) {
			return [][]any{{"Database " + name + " already exists."}}, nil
		}
		return nil, err
	}
	i.systemTransaction().AddAction(replication.DeltaCreateDatabase, name)
	log.WithFields(log.Fields{"db": name, "session": i.id}).Info("[Interpreter] database created")
	return [][]any{{"Successfully created database " + name}}, nil
}

func (i *Interpreter) dropDatabase(name string) ([][]any, error) {
	if name == i.currentDB.Name() {
		return nil, errors.WithHint(
			errors.Newf("cannot drop database %q while the session is using it", name),
			"switch to another database with USE DATABASE first")
	}
	if err := i.ctx.dbms.Drop(name); err != nil {
		return nil, err
	}
	i.systemTransaction().AddAction(replication.DeltaDropDatabase, name)
	log.WithFields(log.Fields{"db": name, "session": i.id}).Info("[Interpreter] database dropped")
	return [][]any{{"Successfully deleted " + name}}, nil
}

func (i *Interpreter) setIsolation(scope string, level storage.IsolationLevel) error {
	switch scope {
	case scopeNext:
		i.SetNextTransactionIsolationLevel(level)
	case scopeSession:
		i.SetSessionIsolationLevel(level)
	case scopeGlobal:
		db := i.currentDB.Database()
		if db == nil {
			return errors.WithHint(ErrDatabaseNotSelected, "run USE DATABASE first")
		}
		db.Storage().SetIsolationLevel(level)
		log.WithFields(log.Fields{"db": db.Name(), "level": level.String()}).Info("[Interpreter] isolation level changed")
	}
	return nil
}
