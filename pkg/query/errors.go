package query

import (
	"github.com/cockroachdb/errors"

	"github.com/orneryd/nornicqe/pkg/cypher"
	"github.com/orneryd/nornicqe/pkg/dbms"
	"github.com/orneryd/nornicqe/pkg/memory"
	"github.com/orneryd/nornicqe/pkg/storage"
)

// Errors returned by the interpreter. Callers test for them with errors.Is.
var (
	// ErrInvalidArgument is returned for a bad qid or row count. The session
	// is left untouched.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrExplicitTransactionUsage is a recoverable misuse of BEGIN, COMMIT
	// or ROLLBACK, or a statement that cannot run in the current transaction.
	ErrExplicitTransactionUsage = errors.New("explicit transaction usage")

	// ErrUnauthorized is returned by CheckAuthorized.
	ErrUnauthorized = errors.New("unauthorized")

	ErrTransactionTerminated = errors.New("transaction was asked to abort")
	ErrTransactionTimeout    = errors.New("transaction timed out")

	// ErrDatabaseNotSelected is returned when a statement needs a database
	// and the session is bound to none.
	ErrDatabaseNotSelected = errors.New("no current database")
)

func invalidArgument(arg, msg string) error {
	return errors.Mark(errors.Newf("invalid argument %q: %s", arg, msg), ErrInvalidArgument)
}

func explicitTxUsage(msg string) error {
	return errors.Mark(errors.New(msg), ErrExplicitTransactionUsage)
}

// ErrorClass groups errors by how a client should react to them.
type ErrorClass int

const (
	ClassExecution ErrorClass = iota
	ClassInvalidArgument
	ClassSyntax
	ClassSemantic
	ClassAuthorization
	ClassExplicitTransactionUsage
	ClassTerminated
	ClassTimeout
	ClassTransient
	ClassConstraint
	ClassDatabaseNotFound
	ClassOutOfMemory
	ClassTypeError
	ClassArithmetic
)

// Classify returns the class of an error returned by the interpreter.
func Classify(err error) ErrorClass {
	var syntax *cypher.SyntaxError
	var semantic *cypher.SemanticError
	var violation *storage.ConstraintViolationError
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return ClassInvalidArgument
	case errors.As(err, &syntax):
		return ClassSyntax
	case errors.As(err, &semantic):
		return ClassSemantic
	case errors.Is(err, ErrUnauthorized):
		return ClassAuthorization
	case errors.Is(err, ErrExplicitTransactionUsage):
		return ClassExplicitTransactionUsage
	case errors.Is(err, ErrTransactionTerminated):
		return ClassTerminated
	case errors.Is(err, ErrTransactionTimeout):
		return ClassTimeout
	case errors.Is(err, storage.ErrSerialization):
		return ClassTransient
	case errors.As(err, &violation):
		return ClassConstraint
	case errors.Is(err, dbms.ErrDatabaseNotFound), errors.Is(err, ErrDatabaseNotSelected):
		return ClassDatabaseNotFound
	case errors.Is(err, memory.ErrOutOfMemory):
		return ClassOutOfMemory
	case errors.Is(err, cypher.ErrTypeMismatch):
		return ClassTypeError
	case errors.Is(err, cypher.ErrArithmetic):
		return ClassArithmetic
	}
	return ClassExecution
}

// Code returns the Neo4j status code drivers expect for the class.
func (c ErrorClass) Code() string {
	switch c {
	case ClassInvalidArgument:
		return "Neo.ClientError.Statement.ArgumentError"
	case ClassSyntax:
		return "Neo.ClientError.Statement.SyntaxError"
	case ClassSemantic:
		return "Neo.ClientError.Statement.SemanticError"
	case ClassAuthorization:
		return "Neo.ClientError.Security.Forbidden"
	case ClassExplicitTransactionUsage:
		return "Neo.ClientError.Request.Invalid"
	case ClassTerminated:
		return "Neo.ClientError.Transaction.Terminated"
	case ClassTimeout:
		return "Neo.ClientError.Transaction.TransactionTimedOut"
	case ClassTransient:
		return "Neo.TransientError.Transaction.Outdated"
	case ClassConstraint:
		return "Neo.ClientError.Schema.ConstraintValidationFailed"
	case ClassDatabaseNotFound:
		return "Neo.ClientError.Database.DatabaseNotFound"
	case ClassOutOfMemory:
		return "Neo.TransientError.General.MemoryPoolOutOfMemoryError"
	case ClassTypeError:
		return "Neo.ClientError.Statement.TypeError"
	case ClassArithmetic:
		return "Neo.ClientError.Statement.ArithmeticError"
	}
	return "Neo.DatabaseError.Statement.ExecutionFailed"
}
