package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Each raffle
// instance is keyed by its id so several can share one database.
type Store struct {
	db       *sqlx.DB
	raffleID string
}

var _ storage.RaffleStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB, raffleID string) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres"), raffleID: raffleID}
}

type snapshotRow struct {
	RaffleID       string         `db:"raffle_id"`
	State          int16          `db:"state"`
	Participants   []byte         `db:"participants"`
	Pool           string         `db:"pool"`
	RecentWinner   string         `db:"recent_winner"`
	LastSettlement time.Time      `db:"last_settlement"`
	PendingRequest sql.NullString `db:"pending_request"`
	LastRequest    sql.NullString `db:"last_request"`
	Round          int64          `db:"round"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

type eventRow struct {
	ID         string         `db:"id"`
	RaffleID   string         `db:"raffle_id"`
	Type       string         `db:"type"`
	Round      int64          `db:"round"`
	Address    string         `db:"address"`
	Amount     sql.NullString `db:"amount"`
	RequestID  sql.NullString `db:"request_id"`
	OccurredAt time.Time      `db:"occurred_at"`
}

// --- SnapshotStore -----------------------------------------------------------

func (s *Store) SaveSnapshot(ctx context.Context, snap raffle.Snapshot) error {
	participants, err := json.Marshal(addressesOrEmpty(snap.Participants))
	if err != nil {
		return err
	}
	row := snapshotRow{
		RaffleID:       s.raffleID,
		State:          int16(snap.State),
		Participants:   participants,
		Pool:           decimal(snap.Pool),
		LastSettlement: snap.LastSettlement.UTC(),
		PendingRequest: nullDecimal(snap.PendingRequest),
		LastRequest:    nullDecimal(snap.LastRequest),
		Round:          int64(snap.Round),
		UpdatedAt:      time.Now().UTC(),
	}
	if snap.RecentWinner != (common.Address{}) {
		row.RecentWinner = snap.RecentWinner.Hex()
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO raffle_snapshots (raffle_id, state, participants, pool, recent_winner, last_settlement, pending_request, last_request, round, updated_at)
		VALUES (:raffle_id, :state, :participants, :pool, :recent_winner, :last_settlement, :pending_request, :last_request, :round, :updated_at)
		ON CONFLICT (raffle_id) DO UPDATE
		SET state = EXCLUDED.state,
		    participants = EXCLUDED.participants,
		    pool = EXCLUDED.pool,
		    recent_winner = EXCLUDED.recent_winner,
		    last_settlement = EXCLUDED.last_settlement,
		    pending_request = EXCLUDED.pending_request,
		    last_request = EXCLUDED.last_request,
		    round = EXCLUDED.round,
		    updated_at = EXCLUDED.updated_at
	`, row)
	return err
}

func (s *Store) LoadSnapshot(ctx context.Context) (raffle.Snapshot, bool, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `
		SELECT raffle_id, state, participants, pool::text AS pool, recent_winner, last_settlement,
		       pending_request::text AS pending_request, last_request::text AS last_request, round, updated_at
		FROM raffle_snapshots
		WHERE raffle_id = $1
	`, s.raffleID)
	if errors.Is(err, sql.ErrNoRows) {
		return raffle.Snapshot{}, false, nil
	}
	if err != nil {
		return raffle.Snapshot{}, false, err
	}

	snap := raffle.Snapshot{
		State:          raffle.State(row.State),
		LastSettlement: row.LastSettlement.UTC(),
		Round:          uint64(row.Round),
	}
	if err := json.Unmarshal(row.Participants, &snap.Participants); err != nil {
		return raffle.Snapshot{}, false, fmt.Errorf("decode participants: %w", err)
	}
	if snap.Pool, err = uint256.FromDecimal(row.Pool); err != nil {
		return raffle.Snapshot{}, false, fmt.Errorf("decode pool: %w", err)
	}
	if row.RecentWinner != "" {
		snap.RecentWinner = common.HexToAddress(row.RecentWinner)
	}
	if row.PendingRequest.Valid {
		if snap.PendingRequest, err = uint256.FromDecimal(row.PendingRequest.String); err != nil {
			return raffle.Snapshot{}, false, fmt.Errorf("decode pending request: %w", err)
		}
	}
	if row.LastRequest.Valid {
		if snap.LastRequest, err = uint256.FromDecimal(row.LastRequest.String); err != nil {
			return raffle.Snapshot{}, false, fmt.Errorf("decode last request: %w", err)
		}
	}
	return snap, true, nil
}

// --- EventStore --------------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, evt raffle.Event) error {
	row := eventRow{
		ID:         evt.ID,
		RaffleID:   s.raffleID,
		Type:       string(evt.Type),
		Round:      int64(evt.Round),
		Amount:     nullDecimal(evt.Amount),
		RequestID:  nullDecimal(evt.RequestID),
		OccurredAt: evt.OccurredAt.UTC(),
	}
	if evt.Address != (common.Address{}) {
		row.Address = evt.Address.Hex()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO raffle_events (id, raffle_id, type, round, address, amount, request_id, occurred_at)
		VALUES (:id, :raffle_id, :type, :round, :address, :amount, :request_id, :occurred_at)
		ON CONFLICT (id) DO NOTHING
	`, row)
	return err
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]raffle.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, raffle_id, type, round, address, amount, request_id, occurred_at
		FROM (
			SELECT seq, id::text AS id, raffle_id, type, round, address,
			       amount::text AS amount, request_id::text AS request_id, occurred_at
			FROM raffle_events
			WHERE raffle_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`, s.raffleID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]raffle.Event, 0, len(rows))
	for _, row := range rows {
		evt := raffle.Event{
			ID:         row.ID,
			Type:       raffle.EventType(row.Type),
			Round:      uint64(row.Round),
			OccurredAt: row.OccurredAt.UTC(),
		}
		if row.Address != "" {
			evt.Address = common.HexToAddress(row.Address)
		}
		if row.Amount.Valid {
			if evt.Amount, err = uint256.FromDecimal(row.Amount.String); err != nil {
				return nil, fmt.Errorf("decode amount of event %s: %w", row.ID, err)
			}
		}
		if row.RequestID.Valid {
			if evt.RequestID, err = uint256.FromDecimal(row.RequestID.String); err != nil {
				return nil, fmt.Errorf("decode request id of event %s: %w", row.ID, err)
			}
		}
		out = append(out, evt)
	}
	return out, nil
}

// --- helpers -------------------------------------------------------------------

func addressesOrEmpty(in []common.Address) []common.Address {
	if in == nil {
		return []common.Address{}
	}
	return in
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func nullDecimal(v *uint256.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.Dec(), Valid: true}
}
