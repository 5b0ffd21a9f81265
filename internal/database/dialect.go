package database

import (
	"strings"

	"gorm.io/gorm"
)

// JSONDialect renders the per-queue JSON column fragments used by the lease
// statements. Every fragment reads its queue name from the @key parameter,
// which callers fill with KeyArg.
type JSONDialect struct {
	name string
}

func DialectFor(db *gorm.DB) JSONDialect {
	if db == nil || db.Dialector == nil {
		return JSONDialect{name: "postgres"}
	}
	return JSONDialect{name: db.Dialector.Name()}
}

func (d JSONDialect) Name() string {
	return d.name
}

func (d JSONDialect) IsPostgres() bool {
	return d.name == "postgres"
}

// KeyArg converts a queue name into the value bound to @key.
func (d JSONDialect) KeyArg(key string) string {
	if d.IsPostgres() {
		return key
	}
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

// ReadInt extracts col[@key] as an integer, NULL when absent.
func (d JSONDialect) ReadInt(col string) string {
	if d.IsPostgres() {
		return "CAST(" + col + " ->> CAST(@key AS text) AS bigint)"
	}
	return "CAST(json_extract(" + col + ", @key) AS INTEGER)"
}

// SetInt returns col with col[@key] set to the integer expression value.
func (d JSONDialect) SetInt(col, value string) string {
	if d.IsPostgres() {
		return "jsonb_set(" + col + ", ARRAY[CAST(@key AS text)], to_jsonb(CAST(" + value + " AS bigint)), true)"
	}
	return "json_set(" + col + ", @key, " + value + ")"
}

// Increment returns col with col[@key] increased by @delta.
func (d JSONDialect) Increment(col string) string {
	return d.SetInt(col, "COALESCE("+d.ReadInt(col)+", 0) + CAST(@delta AS bigint)")
}

// Remove returns col without @key.
func (d JSONDialect) Remove(col string) string {
	if d.IsPostgres() {
		return col + " - CAST(@key AS text)"
	}
	return "json_remove(" + col + ", @key)"
}

// DistinctKeys selects every key present in the column across the table as k.
func (d JSONDialect) DistinctKeys(table, col string) string {
	if d.IsPostgres() {
		return "SELECT DISTINCT jsonb_object_keys(" + col + ") AS k FROM " + table
	}
	return "SELECT DISTINCT j.key AS k FROM " + table + ", json_each(" + table + "." + col + ") AS j"
}

// EmptyObject is the literal written when a column is cleared.
func (d JSONDialect) EmptyObject() string {
	if d.IsPostgres() {
		return "'{}'::jsonb"
	}
	return "'{}'"
}

// RowLock is appended to candidate subqueries so concurrent leasers skip rows
// another transaction is already claiming. SQLite serialises writers instead.
func (d JSONDialect) RowLock() string {
	if d.IsPostgres() {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// Random is the ORDER BY expression for random selection.
func (d JSONDialect) Random() string {
	return "RANDOM()"
}
