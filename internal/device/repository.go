package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository persists device configurations.
type Repository interface {
	// GetByID returns ErrDeviceNotFound for unknown ids.
	GetByID(ctx context.Context, id string) (*Config, error)

	// List returns every device ordered by id.
	List(ctx context.Context) ([]Config, error)

	// Create returns ErrDeviceExists for a duplicate id.
	Create(ctx context.Context, cfg *Config) error

	// Update returns ErrDeviceNotFound for unknown ids.
	Update(ctx context.Context, cfg *Config) error

	Delete(ctx context.Context, id string) error

	// UpdateKeys persists a rotated local key (and sub-device topology).
	UpdateKeys(ctx context.Context, update KeyUpdate) error
}

// SQLiteRepository implements Repository on the devices table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const deviceColumns = `id, name, host, local_key, protocol_version, node_id, gateway_id,
	dps, reset_dps, manual_dps, sleep_time, scan_interval, enable_debug, created_at, updated_at`

// GetByID retrieves a device by id.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Config, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	c, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device %s: %w", id, err)
	}
	return c, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Config, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// Create inserts a device, stamping CreatedAt and UpdatedAt.
func (r *SQLiteRepository) Create(ctx context.Context, c *Config) error {
	if err := Validate(*c); err != nil {
		return err
	}
	dps, resetDPs, manual, err := marshalLists(c)
	if err != nil {
		return err
	}

	now := r.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, "INSERT INTO devices ("+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Host, c.LocalKey, c.ProtocolVersion, c.NodeID, c.GatewayID,
		dps, resetDPs, manual, c.SleepTime, c.ScanInterval, boolToInt(c.EnableDebug),
		c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Update replaces every mutable column of an existing device.
func (r *SQLiteRepository) Update(ctx context.Context, c *Config) error {
	if err := Validate(*c); err != nil {
		return err
	}
	dps, resetDPs, manual, err := marshalLists(c)
	if err != nil {
		return err
	}
	c.UpdatedAt = r.now()

	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET name = ?, host = ?, local_key = ?, protocol_version = ?,
			node_id = ?, gateway_id = ?, dps = ?, reset_dps = ?, manual_dps = ?,
			sleep_time = ?, scan_interval = ?, enable_debug = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Host, c.LocalKey, c.ProtocolVersion, c.NodeID, c.GatewayID,
		dps, resetDPs, manual, c.SleepTime, c.ScanInterval, boolToInt(c.EnableDebug),
		c.UpdatedAt.Format(time.RFC3339), c.ID)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return requireOneRow(res)
}

// Delete removes a device.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireOneRow(res)
}

// UpdateKeys stores a rotated key. Empty NodeID/GatewayID keep the stored
// values.
func (r *SQLiteRepository) UpdateKeys(ctx context.Context, u KeyUpdate) error {
	if u.DeviceID == "" || u.LocalKey == "" {
		return fmt.Errorf("%w: device id and local key are required", ErrInvalidDevice)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET local_key = ?,
			node_id = CASE WHEN ? = '' THEN node_id ELSE ? END,
			gateway_id = CASE WHEN ? = '' THEN gateway_id ELSE ? END,
			updated_at = ?
		WHERE id = ?`,
		u.LocalKey, u.NodeID, u.NodeID, u.GatewayID, u.GatewayID,
		r.now().Format(time.RFC3339), u.DeviceID)
	if err != nil {
		return fmt.Errorf("updating device keys: %w", err)
	}
	return requireOneRow(res)
}

// Seed inserts every configuration whose id is not stored yet and returns
// the number inserted. Stored rows win, so rotated keys survive restarts.
func Seed(ctx context.Context, repo Repository, configs []Config) (int, error) {
	inserted := 0
	for i := range configs {
		c := configs[i]
		err := repo.Create(ctx, &c)
		switch {
		case err == nil:
			inserted++
		case errors.Is(err, ErrDeviceExists):
		default:
			return inserted, fmt.Errorf("seeding device %s: %w", c.ID, err)
		}
	}
	return inserted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*Config, error) {
	var c Config
	var dps, resetDPs, manual, createdAt, updatedAt string
	var debug int

	if err := row.Scan(&c.ID, &c.Name, &c.Host, &c.LocalKey, &c.ProtocolVersion,
		&c.NodeID, &c.GatewayID, &dps, &resetDPs, &manual,
		&c.SleepTime, &c.ScanInterval, &debug, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.EnableDebug = debug != 0

	if err := json.Unmarshal([]byte(dps), &c.DPs); err != nil {
		return nil, fmt.Errorf("unmarshalling dps: %w", err)
	}
	var err error
	if c.ResetDPs, err = ParseResetDPs(resetDPs); err != nil {
		return nil, err
	}
	if c.ManualDPs, err = ParseDPList(manual); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// marshalLists encodes dps as JSON and the reset/manual lists in their
// comma separated config form.
func marshalLists(c *Config) (dps, resetDPs, manual string, err error) {
	list := c.DPs
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", "", "", fmt.Errorf("marshalling dps: %w", err)
	}
	ids := make([]string, 0, len(c.ResetDPs))
	for _, n := range c.ResetDPs {
		ids = append(ids, fmt.Sprint(n))
	}
	return string(b), strings.Join(ids, ","), strings.Join(c.ManualDPs, ","), nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
