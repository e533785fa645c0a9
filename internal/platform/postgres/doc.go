// Package postgres implements the job and session stores on PostgreSQL
// through database/sql and the pgx stdlib driver. Schema changes live in
// embedded goose migrations.
package postgres
