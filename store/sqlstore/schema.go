package sqlstore

// schema is applied statement by statement on Open. Every statement is
// idempotent and portable between SQLite and PostgreSQL.
//
// Unique indexes on code columns are NOT created here. Legacy databases may
// hold duplicates; the guardian repairs them and then installs the indexes.
var schema = []string{
	// Stores (branches)
	`CREATE TABLE IF NOT EXISTS stores (
		store_no INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	// Items
	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		buying_price TEXT NOT NULL DEFAULT '0',
		selling_price TEXT NOT NULL DEFAULT '0',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_code ON items(code)`,

	// Ledger headers (append-only)
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		store_no INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		reference_type TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		terminal TEXT NOT NULL DEFAULT '00',
		note TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_code ON ledger_transactions(code)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_store ON ledger_transactions(store_no, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_reference ON ledger_transactions(reference_type, reference_id)`,

	// Ledger lines. quantity is an unsigned decimal; the header type signs it.
	`CREATE TABLE IF NOT EXISTS ledger_transaction_lines (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		line_no INTEGER NOT NULL DEFAULT 0,
		item_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		total TEXT NOT NULL DEFAULT '0',
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_lines_transaction ON ledger_transaction_lines(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_lines_item ON ledger_transaction_lines(item_id)`,

	// Stock operations
	`CREATE TABLE IF NOT EXISTS stock_operations (
		id TEXT PRIMARY KEY,
		op_code TEXT NOT NULL,
		op_type INTEGER NOT NULL,
		store_no INTEGER NOT NULL,
		dest_store_no INTEGER NOT NULL,
		clearance_type TEXT NOT NULL DEFAULT '',
		wastage TEXT NOT NULL DEFAULT '0',
		surplus TEXT NOT NULL DEFAULT '0',
		reverses_op_id TEXT,
		transfer_request_id TEXT,
		terminal TEXT NOT NULL DEFAULT '00',
		note TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_operations_code ON stock_operations(op_code)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_operations_store ON stock_operations(store_no, created_at)`,
	// An operation can be reversed at most once.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_stock_operations_reverses
		ON stock_operations(reverses_op_id) WHERE reverses_op_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS stock_operation_lines (
		id TEXT PRIMARY KEY,
		op_id TEXT NOT NULL,
		line_no INTEGER NOT NULL DEFAULT 0,
		item_id TEXT NOT NULL,
		store_no INTEGER NOT NULL,
		original_stock TEXT NOT NULL,
		cleared_qty TEXT NOT NULL,
		remaining_stock TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stock_operation_lines_op ON stock_operation_lines(op_id)`,

	`CREATE TABLE IF NOT EXISTS operation_conversions (
		id TEXT PRIMARY KEY,
		op_id TEXT NOT NULL,
		line_no INTEGER NOT NULL DEFAULT 0,
		source_item_id TEXT NOT NULL,
		dest_item_id TEXT NOT NULL,
		dest_qty TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_operation_conversions_op ON operation_conversions(op_id)`,

	// Transfer requests (approval workflow)
	`CREATE TABLE IF NOT EXISTS transfer_requests (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		main_item_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		source_store_no INTEGER NOT NULL,
		dest_store_no INTEGER NOT NULL,
		full_clearance BOOLEAN NOT NULL DEFAULT FALSE,
		expected_stock TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		requested_by TEXT NOT NULL DEFAULT '',
		approver TEXT NOT NULL DEFAULT '',
		decline_reason TEXT NOT NULL DEFAULT '',
		operation_id TEXT,
		terminal TEXT NOT NULL DEFAULT '00',
		note TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_requests_code ON transfer_requests(code)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_requests_status ON transfer_requests(status)`,

	`CREATE TABLE IF NOT EXISTS transfer_conversions (
		id TEXT PRIMARY KEY,
		transfer_id TEXT NOT NULL,
		line_no INTEGER NOT NULL DEFAULT 0,
		source_item_id TEXT NOT NULL,
		dest_item_id TEXT NOT NULL,
		dest_qty TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_conversions_transfer ON transfer_conversions(transfer_id)`,

	// Atomic per-prefix counters for document codes
	`CREATE TABLE IF NOT EXISTS code_counters (
		prefix TEXT PRIMARY KEY,
		last_no BIGINT NOT NULL
	)`,

	// One row per item/store, bumped inside a transaction to serialize writers
	`CREATE TABLE IF NOT EXISTS stock_locks (
		item_id TEXT NOT NULL,
		store_no INTEGER NOT NULL,
		version BIGINT NOT NULL,
		PRIMARY KEY (item_id, store_no)
	)`,
}

// addedColumns were introduced after the tables above first shipped.
// Databases created earlier get them on Open.
var addedColumns = []struct{ table, column, ddl string }{
	{"transfer_requests", "expected_stock", "TEXT"},
}
