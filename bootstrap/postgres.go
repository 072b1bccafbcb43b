package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"

	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/types"
)

// TableMapping maps one replicated table to graph nodes.
type TableMapping struct {
	Name      string `json:"name"`
	KeyColumn string `json:"key_column"`
	// Label defaults to the table name.
	Label string `json:"label,omitempty"`
}

// PostgresConfig declares the snapshot connection and table set.
type PostgresConfig struct {
	Host     string         `json:"host"`
	Port     int            `json:"port,omitempty"`
	User     string         `json:"user"`
	Password string         `json:"password,omitempty"`
	Database string         `json:"database"`
	SSLMode  string         `json:"ssl_mode,omitempty"`
	Tables   []TableMapping `json:"tables"`

	// Replication settings are shared with the postgres source and ignored
	// by the snapshot provider.
	SlotName    string `json:"slot_name,omitempty"`
	Publication string `json:"publication,omitempty"`
}

// ConnString renders a pgx connection string.
func (c *PostgresConfig) ConnString() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "prefer"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, ssl)
}

// Validate checks the snapshot configuration.
func (c *PostgresConfig) Validate() error {
	if c.Host == "" || c.User == "" || c.Database == "" {
		return errors.WrapInvalid(errors.ErrConfigValidate, "PostgresConfig", "Validate",
			"host, user and database are required")
	}
	if len(c.Tables) == 0 {
		return errors.WrapInvalid(errors.ErrConfigValidate, "PostgresConfig", "Validate",
			"at least one table mapping is required")
	}
	for _, t := range c.Tables {
		if t.Name == "" || t.KeyColumn == "" {
			return errors.WrapInvalid(errors.ErrConfigValidate, "PostgresConfig", "Validate",
				"table mappings need name and key_column")
		}
	}
	return nil
}

// Postgres snapshots the configured tables inside one repeatable-read
// transaction and yields the WAL LSN at snapshot start as the watermark, so
// live replication resumes from that LSN without gap or duplication.
type Postgres struct {
	cfg PostgresConfig
}

// NewPostgres builds a snapshot provider from a connector payload.
func NewPostgres(raw json.RawMessage) (*Postgres, error) {
	var cfg PostgresConfig
	if len(raw) > 0 {
		// Providers share the source's flattened payload, so unknown keys
		// belonging to the connector are expected here.
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "bootstrap", "config decode", "")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Postgres{cfg: cfg}, nil
}

// NewPostgresFromConfig builds a snapshot provider from a parsed config.
func NewPostgresFromConfig(cfg PostgresConfig) *Postgres {
	return &Postgres{cfg: cfg}
}

// Name returns the provider tag.
func (p *Postgres) Name() string { return ProviderPostgres }

// Bootstrap reads all configured tables at a repeatable-read boundary.
func (p *Postgres) Bootstrap(ctx context.Context, filter types.LabelFilter, sink func(context.Context, *types.Element) error) (uint64, error) {
	conn, err := pgx.Connect(ctx, p.cfg.ConnString())
	if err != nil {
		return 0, errors.WrapTransient(err, "Postgres", "Bootstrap", "connect")
	}
	defer conn.Close(ctx)

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "Postgres", "Bootstrap", "begin snapshot tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lsnStr string
	if err := tx.QueryRow(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&lsnStr); err != nil {
		return 0, errors.WrapTransient(err, "Postgres", "Bootstrap", "read wal lsn")
	}
	lsn, err := pglogrepl.ParseLSN(lsnStr)
	if err != nil {
		return 0, errors.WrapFatal(err, "Postgres", "Bootstrap", "parse wal lsn")
	}

	for _, table := range p.cfg.Tables {
		label := table.Label
		if label == "" {
			label = table.Name
		}
		if len(filter) > 0 {
			if _, wanted := filter[label]; !wanted {
				continue
			}
		}
		if err := p.snapshotTable(ctx, tx, table, label, sink); err != nil {
			return 0, err
		}
	}
	return uint64(lsn), nil
}

func (p *Postgres) snapshotTable(ctx context.Context, tx pgx.Tx, table TableMapping, label string, sink func(context.Context, *types.Element) error) error {
	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT * FROM %s", pgx.Identifier{table.Name}.Sanitize()))
	if err != nil {
		return errors.WrapTransient(err, "Postgres", "snapshotTable", table.Name)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return errors.WrapTransient(err, "Postgres", "snapshotTable", table.Name)
		}
		props := make(types.Properties, len(fields))
		var key any
		for i, fd := range fields {
			name := string(fd.Name)
			props[name] = values[i]
			if name == table.KeyColumn {
				key = values[i]
			}
		}
		if key == nil {
			return errors.WrapInvalid(errors.ErrConfigValidate, "Postgres", "snapshotTable",
				fmt.Sprintf("table %s has no column %s", table.Name, table.KeyColumn))
		}
		node := types.NewNode(fmt.Sprintf("%s:%v", table.Name, key), []string{label}, props)
		if err := sink(ctx, node); err != nil {
			return err
		}
	}
	return rows.Err()
}
