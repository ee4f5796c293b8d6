package storage

// Dialect SQL方言接口（对外导出）
// 封装不同数据库的SQL语法差异
type Dialect interface {
	// Name 返回方言名称（如 "sqlite", "mysql", "postgres"）
	Name() string

	// DriverName 返回 database/sql 驱动名（如 "sqlite3", "mysql", "postgres"）
	DriverName() string

	// UpsertSQL 返回带命名占位符的 upsert 语句
	// tableName: 表名
	// columns: 列名列表
	// conflictColumn: 冲突判断列（主键）
	// updateColumns: 冲突时需要更新的列（不含主键）
	UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string

	// CreateTableSQL 把基准 DDL（SQLite 语法）转换为方言兼容格式
	CreateTableSQL(schema string) string

	// ConfigureDB 返回建连后要执行的配置语句（如 SQLite 的 PRAGMA）
	ConfigureDB() []string

	// Rebind 把 ? 占位符转换为方言格式（PostgreSQL: $1, $2, ...）
	Rebind(query string) string
}
