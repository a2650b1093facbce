package sqlite

import (
	"github.com/felixgeelhaar/proctor/internal/history"
	"github.com/felixgeelhaar/proctor/internal/storage"
)

// Ensure SQLite stores implement the storage interfaces.
var (
	_ storage.ResultStore = (*ResultStore)(nil)
	_ history.Store       = (*HistoryStore)(nil)
)
