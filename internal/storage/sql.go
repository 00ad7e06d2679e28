package storage

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"plumcp/deploy/migrations"
	xerrors "plumcp/internal/errors"
	"plumcp/pkg/plugin"
)

const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// SQLStore 使用 MySQL 或 SQLite 保存插件状态。
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore 打开连接池并执行内嵌的迁移脚本。
func NewSQLStore(ctx context.Context, dialect string, cfg Config) (*SQLStore, error) {
	db, err := openDatabase(ctx, dialect, cfg)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openDatabase(ctx context.Context, dialect string, cfg Config) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, dialect+" DSN 不能为空")
	}
	if dialect == DialectSQLite && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据库目录失败")
		}
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接数据库失败")
	}
	if dialect == DialectSQLite {
		// SQLite 同一时间只允许一个写连接。
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}
	return db, nil
}

// Save 实现 Store，以插件标识为主键写入或覆盖。
func (s *SQLStore) Save(ctx context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	stmt := `INSERT INTO plugin_states (plugin_id, state, version, last_error, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE state = VALUES(state), version = VALUES(version), last_error = VALUES(last_error), updated_at = VALUES(updated_at)`
	if s.dialect == DialectSQLite {
		stmt = `INSERT INTO plugin_states (plugin_id, state, version, last_error, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(plugin_id) DO UPDATE SET state = excluded.state, version = excluded.version, last_error = excluded.last_error, updated_at = excluded.updated_at`
	}
	if _, err := s.db.ExecContext(ctx, stmt,
		record.PluginID,
		record.State.String(),
		record.Version,
		record.LastError,
		record.UpdatedAt.UnixMilli(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入插件状态失败")
	}
	return nil
}

// Delete 实现 Store。
func (s *SQLStore) Delete(ctx context.Context, pluginID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plugin_states WHERE plugin_id = ?`, pluginID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除插件状态失败")
	}
	return nil
}

// List 实现 Store。无法识别的状态值会被跳过。
func (s *SQLStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plugin_id, state, version, last_error, updated_at
FROM plugin_states ORDER BY plugin_id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询插件状态失败")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record  Record
			state   string
			lastErr sql.NullString
			updated int64
		)
		if err := rows.Scan(&record.PluginID, &state, &record.Version, &lastErr, &updated); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析插件状态失败")
		}
		if record.State, err = plugin.ParseState(state); err != nil {
			continue
		}
		record.LastError = lastErr.String
		record.UpdatedAt = time.UnixMilli(updated)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历插件状态失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type migrationFile struct {
	version    string
	name       string
	statements []string
}

func (s *SQLStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	applied, err := s.loadAppliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := migrations.For(s.dialect)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	pending, err := loadMigrationFiles(files)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) loadAppliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func (s *SQLStore) applyMigration(ctx context.Context, m migrationFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移 "+m.name+" 失败")
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix()); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

func loadMigrationFiles(files fs.FS) ([]migrationFile, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}

	var out []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		content, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件 "+name+" 失败")
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, migrationFile{version: parseMigrationVersion(name), name: name, statements: statements})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].version == out[j].version {
			return out[i].name < out[j].name
		}
		return out[i].version < out[j].version
	})
	return out, nil
}

func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
