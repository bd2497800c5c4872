// Package store keeps the history of fee runs and their per-channel decisions
// in PostgreSQL.
package store

import (
  "context"
  "encoding/json"
  "errors"
  "fmt"
  "time"

  "github.com/Polyomino/lndmanage/internal/feesetter"

  "github.com/jackc/pgx/v5"
  "github.com/jackc/pgx/v5/pgtype"
  "github.com/jackc/pgx/v5/pgxpool"
)

const defaultRunsLimit = 50

var ErrRunNotFound = errors.New("run not found")

type Store struct {
  db *pgxpool.Pool
}

func Open(ctx context.Context, dsn string) (*Store, error) {
  if dsn == "" {
    return nil, errors.New("dsn required")
  }
  pool, err := pgxpool.New(ctx, dsn)
  if err != nil {
    return nil, err
  }
  if err := pool.Ping(ctx); err != nil {
    pool.Close()
    return nil, err
  }
  s := &Store{db: pool}
  if err := s.EnsureSchema(ctx); err != nil {
    pool.Close()
    return nil, err
  }
  return s, nil
}

func (s *Store) Close() {
  if s != nil && s.db != nil {
    s.db.Close()
  }
}

func (s *Store) EnsureSchema(ctx context.Context) error {
  if s.db == nil {
    return errors.New("db not configured")
  }
  _, err := s.db.Exec(ctx, `
create table if not exists feesetter_runs (
  id text primary key,
  reason text,
  started_at timestamptz not null,
  window_start timestamptz not null,
  window_end timestamptz not null,
  dry_run boolean not null default false,
  applied boolean not null default false,
  channels integer not null default 0,
  config jsonb not null,
  created_at timestamptz not null default now()
);

create table if not exists feesetter_decisions (
  id bigserial primary key,
  run_id text not null references feesetter_runs (id) on delete cascade,
  seq integer not null,
  occurred_at timestamptz not null,
  channel_id bigint not null,
  channel_point text not null,
  alias text,
  capacity_sat bigint not null default 0,
  unbalancedness double precision not null,
  flow double precision not null,
  fees_sat double precision not null default 0,
  forwarding_in_sat bigint not null default 0,
  forwarding_out_sat bigint not null default 0,
  number_forwardings bigint not null default 0,
  number_forwardings_out bigint not null default 0,
  factor_demand double precision not null,
  factor_unbalancedness double precision not null,
  factor_flow double precision not null,
  factor_base_fee double precision not null,
  weighted_change double precision not null,
  fee_rate_old double precision not null,
  fee_rate_new double precision not null,
  base_fee_msat_old bigint not null,
  base_fee_msat_new bigint not null,
  time_lock_delta integer not null,
  mode text
);

create index if not exists feesetter_runs_started_idx on feesetter_runs (started_at desc);
create index if not exists feesetter_decisions_run_idx on feesetter_decisions (run_id, seq);
create index if not exists feesetter_decisions_channel_idx on feesetter_decisions (channel_id, occurred_at desc);
`)
  return err
}

// RecordRun stores the run and all its decisions in one batch.
func (s *Store) RecordRun(ctx context.Context, run feesetter.Run, decisions []feesetter.Decision) error {
  if s.db == nil {
    return errors.New("db not configured")
  }
  runQuery, runArgs, err := buildInsertRun(run)
  if err != nil {
    return err
  }

  batch := &pgx.Batch{}
  batch.Queue(runQuery, runArgs...)
  for i, d := range decisions {
    query, args := buildInsertDecision(run.ID, i, d)
    batch.Queue(query, args...)
  }

  tx, err := s.db.Begin(ctx)
  if err != nil {
    return err
  }
  defer tx.Rollback(ctx)

  br := tx.SendBatch(ctx, batch)
  for i := 0; i < batch.Len(); i++ {
    if _, err := br.Exec(); err != nil {
      br.Close()
      return fmt.Errorf("insert run %s: %w", run.ID, err)
    }
  }
  if err := br.Close(); err != nil {
    return err
  }
  return tx.Commit(ctx)
}

func buildInsertRun(run feesetter.Run) (string, []any, error) {
  cfg, err := json.Marshal(run.Config)
  if err != nil {
    return "", nil, err
  }
  args := []any{
    run.ID,
    nullableText(run.Reason),
    run.StartedAt.UTC(),
    run.WindowStart.UTC(),
    run.WindowEnd.UTC(),
    run.DryRun,
    run.Applied,
    run.Channels,
    cfg,
  }
  query := `
insert into feesetter_runs (
  id, reason, started_at, window_start, window_end, dry_run, applied, channels, config
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`
  return query, args, nil
}

func buildInsertDecision(runID string, seq int, d feesetter.Decision) (string, []any) {
  args := []any{
    runID,
    seq,
    d.Timestamp.UTC(),
    int64(d.ChannelID),
    d.ChannelPoint,
    nullableText(d.Alias),
    d.CapacitySat,
    d.Unbalancedness,
    d.Flow,
    d.FeesSat,
    d.ForwardingIn,
    d.ForwardingOut,
    d.NumberForwardings,
    d.NumberForwardingsOut,
    d.FactorDemand,
    d.FactorUnbalancedness,
    d.FactorFlow,
    d.FactorBaseFee,
    d.WeightedChange,
    d.FeeRateOld,
    d.FeeRateNew,
    d.BaseFeeOld,
    d.BaseFeeNew,
    int32(d.TimeLockDelta),
    nullableText(string(d.Mode)),
  }
  query := `
insert into feesetter_decisions (
  run_id, seq, occurred_at, channel_id, channel_point, alias, capacity_sat,
  unbalancedness, flow, fees_sat, forwarding_in_sat, forwarding_out_sat,
  number_forwardings, number_forwardings_out,
  factor_demand, factor_unbalancedness, factor_flow, factor_base_fee, weighted_change,
  fee_rate_old, fee_rate_new, base_fee_msat_old, base_fee_msat_new, time_lock_delta, mode
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
`
  return query, args
}

const runColumns = `id, reason, started_at, window_start, window_end, dry_run, applied, channels, config`

func (s *Store) FetchRuns(ctx context.Context, limit int) ([]feesetter.Run, error) {
  if s.db == nil {
    return nil, errors.New("db not configured")
  }
  if limit <= 0 || limit > 500 {
    limit = defaultRunsLimit
  }
  rows, err := s.db.Query(ctx, `select `+runColumns+` from feesetter_runs order by started_at desc limit $1`, limit)
  if err != nil {
    return nil, err
  }
  defer rows.Close()

  var runs []feesetter.Run
  for rows.Next() {
    run, err := scanRun(rows)
    if err != nil {
      return nil, err
    }
    runs = append(runs, run)
  }
  return runs, rows.Err()
}

func (s *Store) FetchRun(ctx context.Context, id string) (feesetter.Run, error) {
  if s.db == nil {
    return feesetter.Run{}, errors.New("db not configured")
  }
  run, err := scanRun(s.db.QueryRow(ctx, `select `+runColumns+` from feesetter_runs where id = $1`, id))
  if errors.Is(err, pgx.ErrNoRows) {
    return feesetter.Run{}, ErrRunNotFound
  }
  return run, err
}

func (s *Store) FetchDecisions(ctx context.Context, runID string) ([]feesetter.Decision, error) {
  if s.db == nil {
    return nil, errors.New("db not configured")
  }
  rows, err := s.db.Query(ctx, `
select occurred_at, channel_id, channel_point, alias, capacity_sat,
  unbalancedness, flow, fees_sat, forwarding_in_sat, forwarding_out_sat,
  number_forwardings, number_forwardings_out,
  factor_demand, factor_unbalancedness, factor_flow, factor_base_fee, weighted_change,
  fee_rate_old, fee_rate_new, base_fee_msat_old, base_fee_msat_new, time_lock_delta, mode
from feesetter_decisions
where run_id = $1
order by seq asc
`, runID)
  if err != nil {
    return nil, err
  }
  defer rows.Close()

  var decisions []feesetter.Decision
  for rows.Next() {
    d, err := scanDecision(rows)
    if err != nil {
      return nil, err
    }
    decisions = append(decisions, d)
  }
  return decisions, rows.Err()
}

// LastRunAt returns the start of the newest applied or attempted run.
func (s *Store) LastRunAt(ctx context.Context) (time.Time, bool, error) {
  if s.db == nil {
    return time.Time{}, false, errors.New("db not configured")
  }
  var last pgtype.Timestamptz
  err := s.db.QueryRow(ctx, `select max(started_at) from feesetter_runs where dry_run = false`).Scan(&last)
  if err != nil {
    return time.Time{}, false, err
  }
  if !last.Valid {
    return time.Time{}, false, nil
  }
  return last.Time, true, nil
}

type rowScanner interface {
  Scan(dest ...any) error
}

func scanRun(scanner rowScanner) (feesetter.Run, error) {
  var run feesetter.Run
  var reason pgtype.Text
  var cfg []byte
  err := scanner.Scan(
    &run.ID,
    &reason,
    &run.StartedAt,
    &run.WindowStart,
    &run.WindowEnd,
    &run.DryRun,
    &run.Applied,
    &run.Channels,
    &cfg,
  )
  if err != nil {
    return feesetter.Run{}, err
  }
  if reason.Valid {
    run.Reason = reason.String
  }
  if len(cfg) > 0 {
    if err := json.Unmarshal(cfg, &run.Config); err != nil {
      return feesetter.Run{}, fmt.Errorf("run %s config: %w", run.ID, err)
    }
  }
  return run, nil
}

func scanDecision(scanner rowScanner) (feesetter.Decision, error) {
  var d feesetter.Decision
  var channelID int64
  var alias pgtype.Text
  var mode pgtype.Text
  var cltv int32
  err := scanner.Scan(
    &d.Timestamp,
    &channelID,
    &d.ChannelPoint,
    &alias,
    &d.CapacitySat,
    &d.Unbalancedness,
    &d.Flow,
    &d.FeesSat,
    &d.ForwardingIn,
    &d.ForwardingOut,
    &d.NumberForwardings,
    &d.NumberForwardingsOut,
    &d.FactorDemand,
    &d.FactorUnbalancedness,
    &d.FactorFlow,
    &d.FactorBaseFee,
    &d.WeightedChange,
    &d.FeeRateOld,
    &d.FeeRateNew,
    &d.BaseFeeOld,
    &d.BaseFeeNew,
    &cltv,
    &mode,
  )
  if err != nil {
    return feesetter.Decision{}, err
  }
  d.ChannelID = uint64(channelID)
  d.TimeLockDelta = uint32(cltv)
  if alias.Valid {
    d.Alias = alias.String
  }
  if mode.Valid {
    d.Mode = feesetter.Mode(mode.String)
  }
  return d, nil
}

func nullableText(value string) any {
  if value == "" {
    return nil
  }
  return value
}
