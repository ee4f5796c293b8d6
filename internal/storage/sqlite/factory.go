package sqlite

import (
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stevelan1995/gridflow/pkg/storage"
	mysqldialect "github.com/stevelan1995/gridflow/pkg/storage/mysql"
	pgdialect "github.com/stevelan1995/gridflow/pkg/storage/postgres"
	sqlitedialect "github.com/stevelan1995/gridflow/pkg/storage/sqlite"
)

// Repositories 存储Repository集合（内部使用）
type Repositories struct {
	Task storage.TaskRepository
	db   *sqlx.DB
}

// dialectFor 按配置的驱动名选择方言
func dialectFor(driver string) (storage.Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3", "":
		return sqlitedialect.NewSQLiteDialect(), nil
	case "mysql":
		return mysqldialect.NewMySQLDialect(), nil
	case "postgres", "pq":
		return pgdialect.NewPostgresDialect(), nil
	}
	return nil, fmt.Errorf("不支持的数据库驱动: %q", driver)
}

// NewRepositories 创建所有Repository实例（内部工厂方法，不导出）
// driver: sqlite/mysql/postgres；dsn: 连接串（如 "./data.db"，
// MySQL 的 DSN 需要带 parseTime=true）
func NewRepositories(driver, dsn string) (*Repositories, error) {
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	taskRepo, err := NewTaskRepoWithDialect(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("创建TaskRepository失败: %w", err)
	}

	return &Repositories{Task: taskRepo, db: db}, nil
}

// Close 关闭数据库连接（内部方法）
func (r *Repositories) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
