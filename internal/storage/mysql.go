package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Registers the mysql driver for database/sql.
	_ "github.com/go-sql-driver/mysql"
	"github.com/milkywaybrain/tickhub/internal/config"
	"github.com/pkg/errors"
)

// MySQL is for connecting and inserting data to mysql.
type MySQL struct {
	DB  *sql.DB
	Cfg *config.MySQL
}

// DATETIME(3) literal, always written in UTC.
const mysqlTimestamp = "2006-01-02 15:04:05.999"

// mysqlSchema is the append only fact table, partitioned by month and ordered by (symbol, timestamp).
// Monthly partitions are split off the catch-all one by EnsurePartition.
const mysqlSchema = `CREATE TABLE IF NOT EXISTS tick (
	id BIGINT NOT NULL AUTO_INCREMENT,
	symbol VARCHAR(32) NOT NULL,
	price DOUBLE NOT NULL,
	volume DOUBLE NOT NULL,
	timestamp DATETIME(3) NOT NULL,
	created_at DATETIME(3) NOT NULL,
	PRIMARY KEY (symbol, timestamp, id),
	KEY tick_id (id)
)
PARTITION BY RANGE COLUMNS(timestamp) (
	PARTITION p_future VALUES LESS THAN (MAXVALUE)
)`

// mysqlMinuteView aggregates ticks into 1 minute candles per symbol.
const mysqlMinuteView = `CREATE OR REPLACE VIEW tick_1m AS
SELECT DISTINCT
	symbol,
	DATE_FORMAT(timestamp, '%Y-%m-%d %H:%i:00') AS timestamp_minute,
	FIRST_VALUE(price) OVER w AS open,
	MAX(price) OVER w AS high,
	MIN(price) OVER w AS low,
	LAST_VALUE(price) OVER w AS close,
	SUM(volume) OVER w AS volume
FROM tick
WINDOW w AS (
	PARTITION BY symbol, DATE_FORMAT(timestamp, '%Y-%m-%d %H:%i:00')
	ORDER BY timestamp, id
	ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING
)`

// NewMySQL initializes mysql connection with configured values.
func NewMySQL(appCtx context.Context, cfg *config.MySQL) (*MySQL, error) {
	dataSourceName := cfg.User + ":" + cfg.Password + cfg.URL + "/" + cfg.Schema + "?parseTime=true"
	db, err := sql.Open("mysql", dataSourceName)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(time.Second * time.Duration(cfg.ConnMaxLifetimeSec))
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	ctx, cancel := requestCtx(appCtx, cfg.ReqTimeoutSec)
	defer cancel()
	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	m := &MySQL{
		DB:  db,
		Cfg: cfg,
	}
	if cfg.CreateSchema {
		if err = m.EnsureSchema(appCtx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return m, nil
}

// Name returns the storage name used in config.
func (m *MySQL) Name() string { return "mysql" }

// EnsureSchema creates the tick table, the partition of the current month and the 1 minute view.
func (m *MySQL) EnsureSchema(appCtx context.Context) error {
	ctx, cancel := requestCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	if _, err := m.DB.ExecContext(ctx, mysqlSchema); err != nil {
		return errors.Wrap(err, "create tick table")
	}
	if _, err := m.DB.ExecContext(ctx, mysqlMinuteView); err != nil {
		return errors.Wrap(err, "create tick_1m view")
	}
	now := time.Now().UTC()
	for _, month := range []time.Time{now, now.AddDate(0, 1, 0)} {
		if err := m.EnsurePartition(appCtx, month); err != nil {
			return err
		}
	}
	return nil
}

// EnsurePartition splits the partition holding the given month off the catch-all one.
// It is a no-op if the partition already exists.
func (m *MySQL) EnsurePartition(appCtx context.Context, month time.Time) error {
	ctx, cancel := requestCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()

	name := partitionName(month)
	var count int
	err := m.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.partitions WHERE table_schema = DATABASE() AND table_name = 'tick' AND partition_name = ?",
		name).Scan(&count)
	if err != nil {
		return errors.Wrap(err, "lookup partition")
	}
	if count > 0 {
		return nil
	}
	_, err = m.DB.ExecContext(ctx, partitionDDL(month))
	if err != nil {
		return errors.Wrapf(err, "create partition %v", name)
	}
	return nil
}

func partitionName(month time.Time) string {
	return "p" + month.UTC().Format("200601")
}

func partitionDDL(month time.Time) string {
	next := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return fmt.Sprintf("ALTER TABLE tick REORGANIZE PARTITION p_future INTO (PARTITION %v VALUES LESS THAN ('%v'), PARTITION p_future VALUES LESS THAN (MAXVALUE))",
		partitionName(month), next.Format("2006-01-02"))
}

// CommitTicks batch inserts input tick data to database.
func (m *MySQL) CommitTicks(appCtx context.Context, data []MarketTick) error {
	if len(data) == 0 {
		return nil
	}
	query, args := insertTicks(data, time.Now().UTC())

	ctx, cancel := requestCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	_, err := m.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return nil
}

// insertTicks builds a multi row insert statement with placeholders.
func insertTicks(data []MarketTick, createdAt time.Time) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO tick(symbol, price, volume, timestamp, created_at) VALUES ")
	args := make([]interface{}, 0, len(data)*5)
	for i, tick := range data {
		if i == 0 {
			sb.WriteString("(?, ?, ?, ?, ?)")
		} else {
			sb.WriteString(",(?, ?, ?, ?, ?)")
		}
		args = append(args, tick.Symbol, tick.Price, tick.Volume, tick.Time().Format(mysqlTimestamp), createdAt.Format(mysqlTimestamp))
	}
	return sb.String(), args
}

// Close closes the database handle.
func (m *MySQL) Close() error {
	return m.DB.Close()
}
