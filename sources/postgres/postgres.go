// Package postgres provides the PostgreSQL source: it decodes the logical
// replication stream (pgoutput) into change events and serves bootstrap
// snapshots at a repeatable-read boundary with a WAL LSN watermark, so live
// replication resumes exactly where the snapshot left off.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/ruokun-niu/drasi-server/bootstrap"
	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/errors"
	"github.com/ruokun-niu/drasi-server/pkg/retry"
	"github.com/ruokun-niu/drasi-server/types"
)

// standbyInterval is how often a standby status update is sent when idle.
const standbyInterval = 10 * time.Second

// Config extends the snapshot settings with replication fields.
type Config struct {
	bootstrap.PostgresConfig
	// Retry bounds reconnect attempts.
	Retry *retry.Config `json:"retry,omitempty"`
}

// Source streams logical replication changes from PostgreSQL.
type Source struct {
	*component.SourceBase
	cfg Config

	mu        sync.Mutex
	replConn  *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	tables    map[string]bootstrap.TableMapping // qualified name -> mapping
	// confirmed is the LSN acked to the server. It only advances after the
	// decoded event has been published, so backpressure pauses WAL
	// acknowledgement rather than dropping events.
	confirmed pglogrepl.LSN
	wg        sync.WaitGroup
}

// Register adds the postgres source factory to a registry.
func Register(registry *component.Registry) error {
	return registry.RegisterSource(&component.SourceRegistration{
		Kind:        "postgres",
		Description: "PostgreSQL logical replication source",
		Factory:     New,
	})
}

// New creates a postgres source from configuration.
func New(id string, rawConfig json.RawMessage, deps component.Dependencies) (component.Source, error) {
	var cfg Config
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SlotName == "" {
		cfg.SlotName = "drasi_" + strings.ReplaceAll(id, "-", "_")
	}
	if cfg.Publication == "" {
		cfg.Publication = "drasi_pub"
	}

	s := &Source{
		cfg:       cfg,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		tables:    make(map[string]bootstrap.TableMapping, len(cfg.Tables)),
	}
	for _, t := range cfg.Tables {
		name := t.Name
		if !strings.Contains(name, ".") {
			name = "public." + name
		}
		s.tables[name] = t
	}

	provider := bootstrap.NewPostgresFromConfig(cfg.PostgresConfig)
	s.SourceBase = component.NewSourceBase(id, "postgres", provider, deps)
	return s, nil
}

// Start opens the replication connection, ensures the slot exists, begins
// streaming and launches the decode loop.
func (s *Source) Start(ctx context.Context) error {
	if err := s.SourceBase.Start(ctx); err != nil {
		return err
	}

	retryCfg := retry.DefaultConfig()
	if s.cfg.Retry != nil {
		retryCfg = *s.cfg.Retry
	}
	err := retry.Do(s.Context(), retryCfg, func() error {
		return s.connectAndStream(s.Context())
	})
	if err != nil {
		return errors.WrapTransient(err, "postgres", "Start", "open replication stream")
	}

	s.wg.Add(1)
	go s.streamLoop()
	return nil
}

func (s *Source) connectAndStream(ctx context.Context) error {
	connString := s.cfg.ConnString() + " replication=database"
	replConfig, err := pgconn.ParseConfig(connString)
	if err != nil {
		return retry.NonRetryable(err)
	}
	conn, err := pgconn.ConnectConfig(ctx, replConfig)
	if err != nil {
		return err
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return err
	}

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, s.cfg.SlotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		_ = conn.Close(ctx)
		return err
	}

	startLSN := s.confirmed
	if startLSN == 0 {
		startLSN = sysident.XLogPos
	}
	err = pglogrepl.StartReplication(ctx, conn, s.cfg.SlotName, startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", s.cfg.Publication),
			},
		})
	if err != nil {
		_ = conn.Close(ctx)
		return err
	}

	s.mu.Lock()
	s.replConn = conn
	s.mu.Unlock()
	s.Logger().Info("Replication streaming", "slot", s.cfg.SlotName, "start_lsn", startLSN.String())
	return nil
}

// streamLoop receives and decodes replication messages until the source
// stops. Connection loss triggers a bounded reconnect; an exhausted budget
// fails the source.
func (s *Source) streamLoop() {
	defer s.wg.Done()
	ctx := s.Context()
	lastStandby := time.Now()

	for ctx.Err() == nil {
		if time.Since(lastStandby) > standbyInterval {
			s.sendStandbyStatus(ctx)
			lastStandby = time.Now()
		}

		s.mu.Lock()
		conn := s.replConn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		recvCtx, cancel := context.WithTimeout(ctx, time.Second)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.Logger().Warn("Replication receive failed, reconnecting", "error", err)
			retryCfg := retry.DefaultConfig()
			if s.cfg.Retry != nil {
				retryCfg = *s.cfg.Retry
			}
			if rerr := retry.Do(ctx, retryCfg, func() error { return s.connectAndStream(ctx) }); rerr != nil {
				s.Logger().Error("Replication reconnect exhausted", "error", rerr)
				s.ReportFailure(errors.WrapTransient(rerr, "postgres", "streamLoop", "reconnect"))
				return
			}
			continue
		}

		if err := s.processMessage(ctx, msg); err != nil {
			s.Logger().Warn("Replication message dropped", "error", err)
		}
	}
}

func (s *Source) processMessage(ctx context.Context, msg pgproto3.BackendMessage) error {
	copyData, ok := msg.(*pgproto3.CopyData)
	if !ok || len(copyData.Data) == 0 {
		return nil
	}
	switch copyData.Data[0] {
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
		if err != nil {
			return err
		}
		return s.processWAL(ctx, xld)
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		keepalive, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
		if err != nil {
			return err
		}
		if keepalive.ReplyRequested {
			s.sendStandbyStatus(ctx)
		}
	}
	return nil
}

func (s *Source) processWAL(ctx context.Context, xld pglogrepl.XLogData) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return err
	}
	position := uint64(xld.WALStart)

	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		s.mu.Lock()
		s.relations[m.RelationID] = m
		s.mu.Unlock()
	case *pglogrepl.InsertMessage:
		return s.publishTuple(ctx, types.OpInsert, m.RelationID, nil, m.Tuple, position)
	case *pglogrepl.UpdateMessage:
		return s.publishTuple(ctx, types.OpUpdate, m.RelationID, m.OldTuple, m.NewTuple, position)
	case *pglogrepl.DeleteMessage:
		return s.publishTuple(ctx, types.OpDelete, m.RelationID, m.OldTuple, nil, position)
	case *pglogrepl.BeginMessage, *pglogrepl.CommitMessage:
		// Transaction boundaries carry no element data.
	}
	return nil
}

// publishTuple maps a decoded tuple to a change event and publishes it. The
// LSN is acknowledged only after the publish returns, so a slow query pauses
// WAL acknowledgement instead of losing events.
func (s *Source) publishTuple(ctx context.Context, op types.ChangeOp, relationID uint32, oldTuple, newTuple *pglogrepl.TupleData, position uint64) error {
	s.mu.Lock()
	rel, ok := s.relations[relationID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("tuple for unknown relation %d", relationID)
	}

	qualified := rel.Namespace + "." + rel.RelationName
	mapping, watched := s.tables[qualified]
	if !watched {
		return nil
	}
	label := mapping.Label
	if label == "" {
		label = mapping.Name
	}

	toNode := func(tuple *pglogrepl.TupleData) (*types.Element, error) {
		if tuple == nil {
			return nil, nil
		}
		props := make(types.Properties, len(tuple.Columns))
		var key any
		for i, col := range tuple.Columns {
			if i >= len(rel.Columns) {
				break
			}
			name := rel.Columns[i].Name
			var value any
			if col.DataType == 't' {
				value = string(col.Data)
			}
			props[name] = value
			if name == mapping.KeyColumn {
				key = value
			}
		}
		if key == nil {
			return nil, fmt.Errorf("tuple for %s has no key column %s", qualified, mapping.KeyColumn)
		}
		return types.NewNode(fmt.Sprintf("%s:%v", mapping.Name, key), []string{label}, props), nil
	}

	before, err := toNode(oldTuple)
	if err != nil {
		return err
	}
	after, err := toNode(newTuple)
	if err != nil {
		return err
	}
	if op == types.OpUpdate && before == nil {
		// REPLICA IDENTITY DEFAULT omits the old tuple; synthesize it from
		// the new one so downstream before/after invariants hold.
		before = after.Clone()
	}
	if op == types.OpDelete && before == nil {
		return fmt.Errorf("delete for %s carries no old tuple; set REPLICA IDENTITY FULL", qualified)
	}

	change := types.SourceChange{
		Op:           op,
		Before:       before,
		After:        after,
		SourceTimeMS: time.Now().UnixMilli(),
		Position:     position,
	}
	if err := s.Publish(ctx, change); err != nil {
		return err
	}

	s.mu.Lock()
	if pglogrepl.LSN(position) > s.confirmed {
		s.confirmed = pglogrepl.LSN(position)
	}
	s.mu.Unlock()
	return nil
}

func (s *Source) sendStandbyStatus(ctx context.Context) {
	s.mu.Lock()
	conn := s.replConn
	confirmed := s.confirmed
	s.mu.Unlock()
	if conn == nil {
		return
	}
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: confirmed,
		WALFlushPosition: confirmed,
		WALApplyPosition: confirmed,
	})
	if err != nil && ctx.Err() == nil {
		s.Logger().Warn("Standby status update failed", "error", err)
	}
}

// Stop closes the replication connection and tears down the fabric
// machinery.
func (s *Source) Stop(timeout time.Duration) error {
	s.mu.Lock()
	conn := s.replConn
	s.replConn = nil
	s.mu.Unlock()
	if conn != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		_ = conn.Close(closeCtx)
		cancel()
	}
	err := s.SourceBase.Stop(timeout)
	s.wg.Wait()
	return err
}
