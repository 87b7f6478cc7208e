// SKSTACK-IP搭載Wi-SUNモジュールを使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>

// 瞬時電力計測値をSQLiteに記録する
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ak1211/smartmeter-route-b/echonetlite"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS instantaneous_power (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	watt      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS instantaneous_power_timestamp ON instantaneous_power (timestamp);
`

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Insert(ctx context.Context, sample echonetlite.TelemetrySample) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO instantaneous_power (timestamp, watt) VALUES (?, ?)",
		sample.Timestamp.UnixMilli(),
		sample.InstantaneousWatts,
	)
	return err
}

// 新しいものから最大limit件
func (s *Store) Latest(ctx context.Context, limit int) ([]echonetlite.TelemetrySample, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT timestamp, watt FROM instantaneous_power ORDER BY timestamp DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var samples []echonetlite.TelemetrySample
	for rows.Next() {
		var (
			ts   int64
			watt int
		)
		if err := rows.Scan(&ts, &watt); err != nil {
			return nil, err
		}
		samples = append(samples, echonetlite.TelemetrySample{
			Timestamp:          time.UnixMilli(ts),
			InstantaneousWatts: watt,
		})
	}
	return samples, rows.Err()
}
