// Package dbctx carries the per-call database scope through the repo layer.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context is what every repo method takes: the request context plus an
// optional transaction. A nil Tx means the repo runs on its root handle;
// a set Tx pins the call into the caller's transaction (required for
// row-locking reads).
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
