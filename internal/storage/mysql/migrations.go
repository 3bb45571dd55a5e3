package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"task-processor/deploy/migrations"
	"task-processor/pkg/logger"
)

// embeddedMigrations 是 task_events 审计表的建表脚本。
var embeddedMigrations fs.FS = migrations.Files

const createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

type migration struct {
	version    string
	file       string
	statements []string
}

// runMigrations 依次执行 source 中尚未记录的版本，返回本次新执行的版本号。
// 每个版本在独立事务中执行，失败时回滚且不再继续后续版本。
func runMigrations(ctx context.Context, db *sql.DB, source fs.FS) ([]string, error) {
	log := logger.Named("mysql")

	pending, err := loadMigrations(source)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return nil, fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range pending {
		if _, ok := done[m.version]; ok {
			continue
		}
		start := time.Now()
		if err := m.apply(ctx, db); err != nil {
			log.Error("迁移失败", slog.String("version", m.version), slog.String("file", m.file), slog.Any("error", err))
			return applied, err
		}
		log.Info("迁移已执行",
			slog.String("version", m.version),
			slog.String("file", m.file),
			slog.Int("statements", len(m.statements)),
			slog.Duration("elapsed", time.Since(start)),
		)
		applied = append(applied, m.version)
	}
	if len(applied) == 0 {
		log.Debug("task_events 表结构已是最新", slog.Int("known_versions", len(done)))
	}
	return applied, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	done := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		done[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return done, nil
}

func (m migration) apply(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", m.file, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		m.version, time.Now().UnixMilli()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("记录迁移版本 %s 失败: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", m.version, err)
	}
	return nil
}

// loadMigrations 读取 source 根目录下的 .sql 文件并按版本排序。
// 文件名形如 0001_create_task_events.sql，版本号重复视为错误。
func loadMigrations(source fs.FS) ([]migration, error) {
	files, err := fs.Glob(source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	owners := make(map[string]string, len(files))
	var out []migration
	for _, file := range files {
		content, err := fs.ReadFile(source, file)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", file, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := migrationVersion(file)
		if other, ok := owners[version]; ok {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, other, file)
		}
		owners[version] = file
		out = append(out, migration{version: version, file: file, statements: statements})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitSQLStatements 按分号拆分语句，并忽略以 -- 开头的注释行。
func splitSQLStatements(content string) []string {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func migrationVersion(file string) string {
	name := strings.TrimSuffix(path.Base(file), path.Ext(file))
	if idx := strings.IndexByte(name, '_'); idx > 0 {
		return name[:idx]
	}
	return name
}
