package sqlstore

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// dialect captures the differences between the supported databases.
type dialect struct {
	name        string               // sqlite, mysql or postgres
	driverName  string               // name of the database/sql driver
	placeholder sq.PlaceholderFormat // bind variable format
	lockSuffix  string               // row lock for read-modify-write cycles
	claimSuffix string               // row lock for claiming, skipping rows locked by others
}

var dialects = map[string]dialect{
	"sqlite": {
		name:        "sqlite",
		driverName:  "sqlite",
		placeholder: sq.Question,
		// SQLite serializes writers with BEGIN IMMEDIATE
	},
	"mysql": {
		name:        "mysql",
		driverName:  "mysql",
		placeholder: sq.Question,
		lockSuffix:  "FOR UPDATE",
		claimSuffix: "FOR UPDATE SKIP LOCKED",
	},
	"postgres": {
		name:        "postgres",
		driverName:  "pgx",
		placeholder: sq.Dollar,
		lockSuffix:  "FOR UPDATE",
		claimSuffix: "FOR UPDATE SKIP LOCKED",
	},
}

func lookupDialect(driver string) (dialect, error) {
	if driver == "postgresql" || driver == "pgx" {
		driver = "postgres"
	}
	d, found := dialects[driver]
	if !found {
		return dialect{}, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	return d, nil
}
