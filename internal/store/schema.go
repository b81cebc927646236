package store

import "fmt"

// schemaStatements returns the CREATE TABLE statements for the active
// dialect. Both SQLite and PostgreSQL use the same logical schema; only
// column types differ, via the Dialect methods.
func schemaStatements(d Dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id %s,
			identity %s NOT NULL UNIQUE,
			display_name %s NOT NULL UNIQUE,
			role %s NOT NULL DEFAULT 'user',
			created_at %s NOT NULL DEFAULT %s
		)`, d.AutoIncrement(false), d.TextType(), d.TextType(), d.TextType(), d.TimestampType(), d.CurrentTimestamp()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS printers (
			id %s,
			url %s NOT NULL,
			api_key %s,
			driver %s NOT NULL,
			group_name %s,
			active %s NOT NULL DEFAULT 1,
			twin_name %s,
			camera_url %s,
			model %s
		)`, d.AutoIncrement(false), d.TextType(), d.TextType(), d.TextType(), d.TextType(),
			d.BoolType(), d.TextType(), d.TextType(), d.TextType()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS orders (
			id %s,
			user_id %s NOT NULL REFERENCES users(id),
			printer_id %s REFERENCES printers(id),
			cancelled %s NOT NULL DEFAULT 0
		)`, d.AutoIncrement(false), d.IntegerType(false), d.IntegerType(false), d.BoolType()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
			id %s,
			order_id %s REFERENCES orders(id),
			user_id %s REFERENCES users(id),
			printer_id %s REFERENCES printers(id),
			status %s NOT NULL DEFAULT 0,
			from_server %s NOT NULL DEFAULT 0,
			gcode_file_path %s,
			original_filename %s,
			printer_filename %s,
			start_time %s,
			created_at %s NOT NULL DEFAULT %s
		)`, d.AutoIncrement(true), d.IntegerType(false), d.IntegerType(false), d.IntegerType(false),
			d.IntegerType(false), d.BoolType(), d.TextType(), d.TextType(), d.TextType(),
			d.TimestampType(), d.TimestampType(), d.CurrentTimestamp()),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_history (
			id %s,
			job_id %s NOT NULL REFERENCES jobs(id),
			status_name %s NOT NULL,
			timestamp %s NOT NULL DEFAULT %s
		)`, d.AutoIncrement(true), d.IntegerType(false), d.TextType(), d.TimestampType(), d.CurrentTimestamp()),

		`CREATE INDEX IF NOT EXISTS idx_jobs_printer_id ON jobs(printer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_order_id ON jobs(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_job_id ON job_history(job_id)`,
	}
}
