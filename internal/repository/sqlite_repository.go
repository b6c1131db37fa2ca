package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	model "github.com/testofthings/reconciler-go/lib/model"
)

// SQLiteRepository persists reconciliation state into a SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens or creates the database at path and ensures the
// schema exists.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	repo := &SQLiteRepository{db: db}
	if err := repo.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLiteRepository) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			host_type TEXT NOT NULL,
			status TEXT NOT NULL,
			verdict TEXT NOT NULL,
			addresses TEXT,
			uses_data TEXT,
			declared BOOLEAN NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS services (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			transport TEXT NOT NULL,
			port INTEGER NOT NULL,
			status TEXT NOT NULL,
			verdict TEXT NOT NULL,
			client_side BOOLEAN NOT NULL,
			encrypted BOOLEAN NOT NULL,
			auth BOOLEAN NOT NULL,
			FOREIGN KEY (host_id) REFERENCES hosts (id)
		);`,
		`CREATE TABLE IF NOT EXISTS connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			conn_type TEXT,
			status TEXT NOT NULL,
			verdict TEXT NOT NULL,
			encrypted BOOLEAN NOT NULL,
			seen_by TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS properties (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity TEXT NOT NULL,
			key TEXT NOT NULL,
			verdict TEXT NOT NULL,
			explanation TEXT,
			source TEXT,
			authority TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT,
			timestamp TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_services_host ON services(host_id);`,
		`CREATE INDEX IF NOT EXISTS idx_properties_entity ON properties(entity);`,
		`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);`,
	}

	if _, err := r.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}
	for _, q := range queries {
		if _, err := r.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// SaveModel walks the system and writes a fresh snapshot in one transaction.
func (r *SQLiteRepository) SaveModel(system *model.System) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"services", "hosts", "connections", "properties"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}

	hostStmt, err := tx.Prepare(`INSERT INTO hosts (name, description, host_type, status, verdict, addresses, uses_data, declared) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer hostStmt.Close()
	serviceStmt, err := tx.Prepare(`INSERT INTO services (host_id, name, transport, port, status, verdict, client_side, encrypted, auth) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer serviceStmt.Close()
	propStmt, err := tx.Prepare(`INSERT INTO properties (entity, key, verdict, explanation, source, authority) VALUES (?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer propStmt.Close()

	for _, host := range system.Hosts {
		addresses := make([]string, 0, len(host.AddressList()))
		for _, a := range host.AddressList() {
			addresses = append(addresses, a.Parseable())
		}
		usesData := make([]string, 0, len(host.UsesData))
		for _, data := range host.UsesData {
			usesData = append(usesData, data.Name)
		}
		result, err := hostStmt.Exec(
			host.Name,
			host.Description,
			string(host.HostType),
			string(host.Status),
			string(host.OverallVerdict()),
			sliceToJSON(addresses),
			sliceToJSON(usesData),
			host.Declared,
		)
		if err != nil {
			if IsConstraintError(err) {
				return fmt.Errorf("duplicate host name %s: %w", host.Name, err)
			}
			return fmt.Errorf("failed to insert host %s: %w", host.Name, err)
		}
		hostID, err := result.LastInsertId()
		if err != nil {
			return err
		}
		if err := r.saveProperties(propStmt, host.LongName(), &host.Properties); err != nil {
			return err
		}

		for _, svc := range host.Services {
			if _, err := serviceStmt.Exec(
				hostID,
				svc.Name,
				string(svc.Transport),
				svc.Port,
				string(svc.Status),
				string(svc.ExpectedVerdict()),
				svc.ClientSide,
				svc.Encrypted,
				svc.Auth,
			); err != nil {
				return fmt.Errorf("failed to insert service %s: %w", svc.LongName(), err)
			}
			if err := r.saveProperties(propStmt, svc.LongName(), &svc.Properties); err != nil {
				return err
			}
		}
	}

	connStmt, err := tx.Prepare(`INSERT INTO connections (source, target, conn_type, status, verdict, encrypted, seen_by) VALUES (?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer connStmt.Close()
	for _, conn := range system.AllConnections() {
		if _, err := connStmt.Exec(
			conn.Source.LongName(),
			conn.Target.LongName(),
			string(conn.ConnType),
			string(conn.Status),
			string(conn.ExpectedVerdict()),
			conn.IsEncrypted(),
			sliceToJSON(conn.SeenBy),
		); err != nil {
			return fmt.Errorf("failed to insert connection %s: %w", conn.LongName(), err)
		}
		if err := r.saveProperties(propStmt, conn.LongName(), &conn.Properties); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) saveProperties(stmt *sql.Stmt, entity string, props *model.PropertyStore) error {
	for _, key := range props.Keys() {
		for _, value := range props.Values(key) {
			if _, err := stmt.Exec(
				entity,
				string(key),
				string(value.Verdict),
				value.Explanation,
				value.Source,
				string(value.Authority),
			); err != nil {
				return fmt.Errorf("failed to insert property %s of %s: %w", key, entity, err)
			}
		}
	}
	return nil
}

// LogEvent appends one evidence event; the timestamp defaults to now.
func (r *SQLiteRepository) LogEvent(event *EventRecord) error {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().Format(time.RFC3339Nano)
	}
	result, err := r.db.Exec(
		`INSERT INTO events (source, kind, detail, timestamp) VALUES (?, ?, ?, ?);`,
		event.Source, event.Kind, event.Detail, event.Timestamp,
	)
	if err != nil {
		return err
	}
	event.ID, err = result.LastInsertId()
	return err
}

// Hosts loads all persisted hosts with their services.
func (r *SQLiteRepository) Hosts() ([]*HostRecord, error) {
	rows, err := r.db.Query(`SELECT id, name, host_type, status, verdict, addresses, uses_data FROM hosts ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []*HostRecord
	byID := map[int64]*HostRecord{}
	for rows.Next() {
		h := &HostRecord{}
		var addresses, usesData sql.NullString
		if err := rows.Scan(&h.ID, &h.Name, &h.HostType, &h.Status, &h.Verdict, &addresses, &usesData); err != nil {
			return nil, err
		}
		h.Addresses = jsonToSlice(addresses.String)
		h.UsesData = jsonToSlice(usesData.String)
		hosts = append(hosts, h)
		byID[h.ID] = h
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	svcRows, err := r.db.Query(`SELECT id, host_id, name, transport, port, status, verdict FROM services ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer svcRows.Close()
	for svcRows.Next() {
		s := &ServiceRecord{}
		if err := svcRows.Scan(&s.ID, &s.HostID, &s.Name, &s.Transport, &s.Port, &s.Status, &s.Verdict); err != nil {
			return nil, err
		}
		if h, ok := byID[s.HostID]; ok {
			h.Services = append(h.Services, s)
		}
	}
	return hosts, svcRows.Err()
}

// Connections loads all persisted connections.
func (r *SQLiteRepository) Connections() ([]*ConnectionRecord, error) {
	rows, err := r.db.Query(`SELECT id, source, target, status, verdict, encrypted, seen_by FROM connections ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*ConnectionRecord
	for rows.Next() {
		c := &ConnectionRecord{}
		var seenBy sql.NullString
		if err := rows.Scan(&c.ID, &c.Source, &c.Target, &c.Status, &c.Verdict, &c.Encrypted, &seenBy); err != nil {
			return nil, err
		}
		c.SeenBy = jsonToSlice(seenBy.String)
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// Properties loads all recorded claims for the entity, in write order.
func (r *SQLiteRepository) Properties(entity string) ([]*PropertyRecord, error) {
	rows, err := r.db.Query(
		`SELECT id, entity, key, verdict, explanation, source, authority FROM properties WHERE entity = ? ORDER BY id;`,
		entity,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var props []*PropertyRecord
	for rows.Next() {
		p := &PropertyRecord{}
		if err := rows.Scan(&p.ID, &p.Entity, &p.Key, &p.Verdict, &p.Explanation, &p.Source, &p.Authority); err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

// Events loads the evidence event log.
func (r *SQLiteRepository) Events() ([]*EventRecord, error) {
	rows, err := r.db.Query(`SELECT id, source, kind, detail, timestamp FROM events ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		e := &EventRecord{}
		if err := rows.Scan(&e.ID, &e.Source, &e.Kind, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// IsConstraintError reports whether the error is a SQLite constraint
// violation, e.g. a duplicate host name.
func IsConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func sliceToJSON(slice []string) string {
	if len(slice) == 0 {
		return ""
	}
	b, err := json.Marshal(slice)
	if err != nil {
		return ""
	}
	return string(b)
}

func jsonToSlice(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
