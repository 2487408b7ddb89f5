package repository

import "gorm.io/gorm"

// ExecutionContext selects whether repository statements open their own
// transaction or join one a caller already holds. It replaces the usual
// optional-client parameter with an explicit choice.
type ExecutionContext struct {
	tx *gorm.DB
}

// NewTransaction returns an ExecutionContext that makes the repository wrap
// its statements in a fresh transaction from the client.
func NewTransaction() ExecutionContext {
	return ExecutionContext{}
}

// ParticipateIn returns an ExecutionContext that executes all statements on
// the given open transaction, composing atomically with the caller. No
// nested BEGIN is issued.
func ParticipateIn(tx *gorm.DB) ExecutionContext {
	return ExecutionContext{tx: tx}
}
