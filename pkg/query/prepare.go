package query

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/orneryd/nornicqe/pkg/cypher"
	"github.com/orneryd/nornicqe/pkg/storage"
)

// prepareCypherQuery opens the storage transaction when the statement
// touches the graph and returns a handler that executes it lazily. Rows
// are read one ahead so the handler knows whether more remain.
func (i *Interpreter) prepareCypherQuery(st *cypher.Statement, params map[string]any, _ QueryExtras, slot *queryExecution) (*PreparedQuery, error) {
	pq := &PreparedQuery{
		Header:     st.Columns,
		Privileges: st.Privileges,
		RW:         RWType(st.Mode),
	}

	if st.RequiresDB || st.IsWrite() {
		access := storage.ReadOnly
		if st.IsWrite() || (i.inExplicitTransaction && !i.readOnlyTx) {
			access = storage.ReadWrite
		}
		if err := i.setupDatabaseTransaction(true, access); err != nil {
			return nil, err
		}
		slot.cmd = i.currentDB.Execution().NewCommand(slot.alloc.Resource())
		if c := i.currentDB.Collector(); c != nil {
			slot.collectorMark = c.Mark()
		}
		pq.DB = i.currentDB.Name()
	}

	ec := &cypher.ExecContext{
		Params: params,
		Stop:   i.stopChecker(),
		Memory: slot.alloc.ResourceWithoutPool(),
	}
	if slot.cmd != nil {
		ec.Graph = slot.cmd
	}

	var (
		cursor  *cypher.Cursor
		pending []any
		more    bool
	)
	pq.Handler = func(ctx context.Context, stream Stream, n *int) (*QueryHandlerResult, error) {
		start := time.Now()
		defer func() { slot.addTime("plan_execution_time", time.Since(start)) }()

		ec.Ctx = ctx
		if cursor == nil {
			c, err := st.Open(ec)
			if err != nil {
				return nil, err
			}
			cursor = c
			if pending, more, err = cursor.Next(); err != nil {
				return nil, err
			}
		}

		for k := 0; more && (n == nil || k < *n); k++ {
			if err := stream.Result(pending); err != nil {
				return nil, err
			}
			var err error
			if pending, more, err = cursor.Next(); err != nil {
				return nil, err
			}
		}
		if more {
			return nil, nil
		}

		slot.notifications = append(slot.notifications, st.Notifications...)
		slot.summary["type"] = st.Mode
		if pq.DB != "" {
			slot.summary["db"] = pq.DB
		}
		res := HandlerNothing
		if slot.cmd != nil {
			if st.IsWrite() {
				slot.summary["stats"] = slot.cmd.Stats().Map()
			}
			res = HandlerCommit
		}
		return &res, nil
	}
	return pq, nil
}

// prepareConstraintQuery handles CREATE/DROP CONSTRAINT. Schema changes
// are applied by the storage directly, outside any transaction.
func (i *Interpreter) prepareConstraintQuery(st *cypher.Statement, slot *queryExecution) (*PreparedQuery, error) {
	if i.inExplicitTransaction {
		return nil, explicitTxUsage("Constraint manipulation not allowed in multicommand transactions.")
	}
	db := i.currentDB.Database()
	if db == nil {
		return nil, errors.WithHint(ErrDatabaseNotSelected, "run USE DATABASE first")
	}
	sc := st.Schema
	pq := &PreparedQuery{
		Privileges: st.Privileges,
		RW:         RWSchema,
		DB:         db.Name(),
	}
	pq.Handler = func(context.Context, Stream, *int) (*QueryHandlerResult, error) {
		start := time.Now()
		var (
			changed bool
			err     error
		)
		if sc.Drop {
			changed, err = db.Storage().DropUniqueConstraint(sc.Label, sc.Property)
		} else {
			changed, err = db.Storage().CreateUniqueConstraint(sc.Label, sc.Property)
		}
		if err != nil {
			return nil, err
		}
		slot.notifications = append(slot.notifications, constraintNotification(sc, changed))
		slot.summary["type"] = cypher.ModeSchema
		slot.summary["db"] = db.Name()
		slot.addTime("plan_execution_time", time.Since(start))
		res := HandlerNothing
		return &res, nil
	}
	return pq, nil
}

func constraintNotification(sc *cypher.ConstraintClause, changed bool) cypher.Notification {
	on := fmt.Sprintf("label %s on property %s", sc.Label, sc.Property)
	switch {
	case !sc.Drop && changed:
		return cypher.Notification{Code: "CreateConstraint", Title: "Created UNIQUE constraint on " + on + ".", Severity: "INFO"}
	case !sc.Drop:
		return cypher.Notification{
			Code:        "ConstraintAlreadyExists",
			Title:       "Constraint UNIQUE on " + on + " already exists.",
			Description: "The constraint was not created.",
			Severity:    "INFO",
		}
	case changed:
		return cypher.Notification{Code: "DropConstraint", Title: "Dropped UNIQUE constraint on " + on + ".", Severity: "INFO"}
	default:
		return cypher.Notification{
			Code:        "ConstraintDoesNotExist",
			Title:       "Constraint UNIQUE on " + on + " doesn't exist.",
			Description: "Nothing was dropped.",
			Severity:    "INFO",
		}
	}
}
