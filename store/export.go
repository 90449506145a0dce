package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ExportPage is one page of the message export.
type ExportPage struct {
	// CSV holds the page rows with a header line.
	CSV []byte
	// RowCount is the number of data rows in CSV.
	RowCount int
	// NextCursor is the id to resume from; 0 when the range is exhausted.
	NextCursor int64
	// UTMSources lists the distinct non-empty utm_source values seen on this
	// page, in first-seen order.
	UTMSources []string
}

var exportHeader = []string{"id", "user_id", "chat_id", "role", "text", "timestamp", "utm_source"}

// ExportMessages returns at most limit messages in [from, to), id-ascending,
// starting after cursor. Pagination is cursor-based on the row id so pages
// stay stable while new messages arrive.
func (s *Store) ExportMessages(ctx context.Context, from, to time.Time, limit int, cursor int64) (*ExportPage, error) {
	query := `
		SELECT m.id, m.user_id, m.chat_id, m.role, m.text, m.timestamp, u.utm_source
		FROM messages m
		LEFT JOIN users u ON u.user_id = m.user_id
		WHERE m.id > ? AND m.timestamp >= ? AND m.timestamp < ?
		ORDER BY m.id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		cursor, from.UTC().UnixNano(), to.UTC().UnixNano(), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "export query failed")
	}
	defer rows.Close()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, errors.Wrap(err, "export write failed")
	}

	page := &ExportPage{}
	seenUTM := map[string]bool{}
	for rows.Next() {
		var (
			id     int64
			userID string
			chatID string
			role   string
			text   string
			ts     int64
			utm    sql.NullString
		)
		if err := rows.Scan(&id, &userID, &chatID, &role, &text, &ts, &utm); err != nil {
			return nil, errors.Wrap(err, "export scan failed")
		}
		record := []string{
			strconv.FormatInt(id, 10),
			userID,
			chatID,
			role,
			text,
			time.Unix(0, ts).UTC().Format(time.RFC3339Nano),
			utm.String,
		}
		if err := w.Write(record); err != nil {
			return nil, errors.Wrap(err, "export write failed")
		}
		page.RowCount++
		page.NextCursor = id
		if utm.Valid && utm.String != "" && !seenUTM[utm.String] {
			seenUTM[utm.String] = true
			page.UTMSources = append(page.UTMSources, utm.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "export iterate failed")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "export flush failed")
	}

	if page.RowCount < limit {
		page.NextCursor = 0
	}
	page.CSV = buf.Bytes()
	return page, nil
}
