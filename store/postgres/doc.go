// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: row-locked accept transactions with conditional updates,
// bounding box plus haversine nearby search, embedded SQL migrations.
package postgres
