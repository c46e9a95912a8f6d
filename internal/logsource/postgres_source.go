package logsource

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"DbSessionProfiler/internal/session"
)

// PostgresConfig Postgres日志源配置
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	DBName   string `yaml:"dbname" mapstructure:"dbname"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
}

// DefaultPostgresConfig 默认配置
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:    "localhost",
		Port:    5432,
		User:    "postgres",
		DBName:  "postgres",
		SSLMode: "disable",
	}
}

// ConnectPostgres 创建Postgres连接池
func ConnectPostgres(ctx context.Context, config *PostgresConfig) (*pgxpool.Pool, error) {
	if config == nil {
		return nil, fmt.Errorf("Postgres配置不能为空")
	}

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		config.User, config.Password, config.Host, config.Port, config.DBName, config.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析数据库配置失败: %w", err)
	}

	// 连接池参数
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("创建连接池失败: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return pool, nil
}

// profilingRecordsSchema 剖析记录表结构
const profilingRecordsSchema = `
CREATE TABLE IF NOT EXISTS profiling_records (
	record_type    TEXT        NOT NULL,
	record_id      TEXT        NOT NULL DEFAULT '',
	session_id     TEXT        NOT NULL,
	correlation_id TEXT,
	name           TEXT        NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	duration_ms    BIGINT,
	data           JSONB,
	tags           TEXT[]
);
CREATE INDEX IF NOT EXISTS idx_profiling_records_session ON profiling_records (session_id);
CREATE INDEX IF NOT EXISTS idx_profiling_records_started ON profiling_records (started_at DESC);
CREATE INDEX IF NOT EXISTS idx_profiling_records_correlation ON profiling_records (correlation_id);
`

const recordColumns = `record_type, record_id, session_id, correlation_id, name, started_at, duration_ms, data, tags`

// PostgresSource Postgres日志源
//
// 与文件、搜索索引后端满足同一读取契约，原始记录存放在
// profiling_records 表中。
type PostgresSource struct {
	pool         *pgxpool.Pool
	reserved     map[string]struct{}
	skippedCount atomic.Int64
}

// PostgresSourceOption Postgres日志源选项
type PostgresSourceOption func(*PostgresSource)

// WithPostgresReservedDataKeys 设置不对调用方暴露的数据键
func WithPostgresReservedDataKeys(keys []string) PostgresSourceOption {
	return func(s *PostgresSource) {
		s.reserved = reservedKeySet(keys)
	}
}

// NewPostgresSource 创建Postgres日志源
func NewPostgresSource(pool *pgxpool.Pool, opts ...PostgresSourceOption) (*PostgresSource, error) {
	if pool == nil {
		return nil, fmt.Errorf("连接池不能为空")
	}

	s := &PostgresSource{
		pool:     pool,
		reserved: reservedKeySet(DefaultReservedDataKeys),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// EnsureSchema 创建剖析记录表（幂等）
func (s *PostgresSource) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, profilingRecordsSchema); err != nil {
		return fmt.Errorf("创建剖析记录表失败: %w", err)
	}
	return nil
}

// LoadLatestSessionSummaries 加载最近的会话摘要
func (s *PostgresSource) LoadLatestSessionSummaries(ctx context.Context, top int, minDuration time.Duration) ([]*session.Session, error) {
	if top <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM profiling_records
		WHERE record_type = $1 AND duration_ms >= $2
		ORDER BY started_at DESC LIMIT $3`, recordColumns)

	records, err := s.queryRecords(ctx, query, string(RecordTypeSession), minDuration.Milliseconds(), top)
	if err != nil {
		return nil, err
	}

	summaries := make([]*session.Session, 0, len(records))
	for _, raw := range records {
		summaries = append(summaries, raw.ToSessionSummary())
	}
	return summaries, nil
}

// LoadSession 加载单个会话并重建嵌套树
func (s *PostgresSource) LoadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM profiling_records
		WHERE session_id = $1 ORDER BY started_at ASC`, recordColumns)

	records, err := s.queryRecords(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	var sessionRec *RawRecord
	var timingRecs []*RawRecord
	for _, raw := range records {
		if raw.Type == RecordTypeSession {
			sessionRec = raw
		} else {
			timingRecs = append(timingRecs, raw)
		}
	}

	return reconstructFromRaw(sessionRec, timingRecs, s.reserved), nil
}

// DrillDownSession 按关联标识向下钻取
func (s *PostgresSource) DrillDownSession(ctx context.Context, correlationID string) (*session.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM profiling_records
		WHERE record_type = $1 AND correlation_id = $2
		ORDER BY started_at DESC LIMIT 1`, recordColumns)
	return s.drill(ctx, correlationID, query, string(RecordTypeSession))
}

// DrillUpSession 按关联标识向上钻取
func (s *PostgresSource) DrillUpSession(ctx context.Context, correlationID string) (*session.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM profiling_records
		WHERE record_type <> $1 AND correlation_id = $2
		ORDER BY started_at DESC LIMIT 1`, recordColumns)
	return s.drill(ctx, correlationID, query, string(RecordTypeSession))
}

// SkippedRecords 获取累计跳过的损坏记录数
func (s *PostgresSource) SkippedRecords() int64 {
	return s.skippedCount.Load()
}

// drill 查找携带关联标识的记录并加载其所属会话
func (s *PostgresSource) drill(ctx context.Context, correlationID, query string, args ...interface{}) (*session.Session, error) {
	if correlationID == "" {
		return nil, nil
	}

	records, err := s.queryRecords(ctx, query, append(args, correlationID)...)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	return s.LoadSession(ctx, records[0].SessionID)
}

// queryRecords 执行查询并扫描原始记录，损坏的行被跳过
func (s *PostgresSource) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*RawRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询剖析记录失败: %w", err)
	}
	defer rows.Close()

	var records []*RawRecord
	for rows.Next() {
		raw, err := scanRecord(rows)
		if err != nil {
			s.skippedCount.Add(1)
			log.Printf("跳过无法扫描的剖析记录: %v", err)
			continue
		}
		if raw.Validate() != nil {
			s.skippedCount.Add(1)
			continue
		}
		records = append(records, raw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("读取剖析记录失败: %w", err)
	}

	return records, nil
}

// scanRecord 扫描单行记录
func scanRecord(rows pgx.Rows) (*RawRecord, error) {
	var (
		recordType    string
		recordID      string
		sessionID     string
		correlationID *string
		name          string
		startedAt     time.Time
		durationMs    *int64
		data          map[string]string
		tags          []string
	)

	if err := rows.Scan(&recordType, &recordID, &sessionID, &correlationID,
		&name, &startedAt, &durationMs, &data, &tags); err != nil {
		return nil, err
	}

	raw := &RawRecord{
		Type:       RecordType(recordType),
		ID:         recordID,
		SessionID:  sessionID,
		Name:       name,
		StartedAt:  startedAt,
		DurationMs: durationMs,
		Data:       data,
		Tags:       tags,
	}
	if correlationID != nil {
		raw.CorrelationID = *correlationID
	}
	return raw, nil
}
