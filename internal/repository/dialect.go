package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dialectSQLite = "sqlite"

// forUpdate adds a row lock where the dialect has one. SQLite serializes
// writers at the database level, so the clause is skipped there.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == dialectSQLite {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func pick(db, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return db
	}
	return tx
}
