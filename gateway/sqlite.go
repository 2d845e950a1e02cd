package gateway

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// github.com/mattn/go-sqlite3 is for sqlite.
	_ "github.com/mattn/go-sqlite3"
)

const defaultRecentUplinks = 10

var errNoDB = errors.New("error uplink history not opened")

// uplinkRecord is one row of the uplink history.
type uplinkRecord struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	Device     string    `json:"device"`
	MType      string    `json:"mtype"`
	FCnt       int       `json:"fcnt"`
	FPort      int       `json:"fport"`
	Payload    string    `json:"payload"`
	RSSI       int       `json:"rssi"`
	SNR        int       `json:"snr"`
	SF         int       `json:"sf"`
	Frequency  int       `json:"frequency_hz"`

	// not stored
	Channel int                    `json:"channel"`
	Decoded map[string]interface{} `json:"decoded,omitempty"`
}

// Create or open the sqlite db file keeping the uplink history across restarts.
func (g *gateway) setupSqlite(ctx context.Context) error {
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	filePathDB := filepath.Join(moduleDataDir, "uplinks.db")
	db, err := sql.Open("sqlite3", filePathDB)
	if err != nil {
		return err
	}
	// create the table if it does not exist
	sqlStmt := `
	create table if not exists uplinks(id STRING NOT NULL PRIMARY KEY, receivedAt INTEGER, device STRING, mtype STRING,
	fCnt INTEGER, fPort INTEGER, payload STRING, rssi INTEGER, snr INTEGER, sf INTEGER, frequency INTEGER);
	`
	if _, err = db.ExecContext(ctx, sqlStmt); err != nil {
		//nolint:errcheck
		db.Close()
		return err
	}
	g.db = db
	return nil
}

func (g *gateway) insertUplink(ctx context.Context, rec *uplinkRecord) error {
	if g.db == nil {
		return errNoDB
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := g.db.ExecContext(ctx,
		"insert into uplinks (id, receivedAt, device, mtype, fCnt, fPort, payload, rssi, snr, sf, frequency) "+
			"VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);",
		rec.ID,
		rec.ReceivedAt.UnixMicro(),
		rec.Device,
		rec.MType,
		rec.FCnt,
		rec.FPort,
		rec.Payload,
		rec.RSSI,
		rec.SNR,
		rec.SF,
		rec.Frequency)
	return err
}

// recentUplinks returns up to n uplinks, newest first.
func (g *gateway) recentUplinks(ctx context.Context, n int) ([]uplinkRecord, error) {
	if g.db == nil {
		return nil, errNoDB
	}
	rows, err := g.db.QueryContext(ctx,
		"select id, receivedAt, device, mtype, fCnt, fPort, payload, rssi, snr, sf, frequency "+
			"from uplinks order by receivedAt desc limit ?", n)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck
	defer rows.Close()

	records := []uplinkRecord{}
	for rows.Next() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var rec uplinkRecord
		var receivedAt int64
		err = rows.Scan(&rec.ID, &receivedAt, &rec.Device, &rec.MType, &rec.FCnt, &rec.FPort,
			&rec.Payload, &rec.RSSI, &rec.SNR, &rec.SF, &rec.Frequency)
		if err != nil {
			return nil, err
		}
		rec.ReceivedAt = time.UnixMicro(receivedAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
