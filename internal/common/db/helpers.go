package db

import (
	"database/sql"
	"errors"
)

// GetQuerier returns transaction if provided, otherwise uses the database.
func GetQuerier(database Database, tx Transaction) Querier {
	if tx != nil {
		return tx
	}
	return database
}

// IsNoRows checks if the error is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// UniqueViolation reports a duplicate key error from either driver and the offending key.
func UniqueViolation(err error) (string, bool) {
	if key, ok := mysqlUniqueViolation(err); ok {
		return key, true
	}
	return postgresUniqueViolation(err)
}
