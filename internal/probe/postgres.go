package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chirino/dbhealth-service/internal/config"
	"github.com/chirino/dbhealth-service/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
)

// activityQuery joins pg_stat_activity with pg_stat_ssl so one scan yields the
// connection census, SSL accounting, agent accounting and pooler accounting.
const activityQuery = `
SELECT coalesce(a.state, ''),
       coalesce(a.application_name, ''),
       coalesce(a.usename, ''),
       a.wait_event IS NOT NULL,
       coalesce(extract(epoch FROM now() - a.xact_start), 0),
       coalesce(extract(epoch FROM now() - a.query_start), 0),
       coalesce(s.ssl, false)
FROM pg_stat_activity a
LEFT JOIN pg_stat_ssl s USING (pid)
WHERE a.backend_type = 'client backend'`

const capacityQuery = `
SELECT current_setting('max_connections')::int,
       current_setting('superuser_reserved_connections')::int`

const databasesQuery = `
SELECT datname, numbackends
FROM pg_stat_database
WHERE datname IS NOT NULL AND numbackends > 0
ORDER BY numbackends DESC, datname`

// PostgresProber samples the monitored database over a small pgx pool.
type PostgresProber struct {
	pool         *pgxpool.Pool
	classifier   *Classifier
	poolerMarker string
	timeout      time.Duration
}

// New connects to the monitored database and returns a prober.
func New(ctx context.Context, cfg *config.Config) (*PostgresProber, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("invalid monitored database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.ProbeMaxConns)
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "dbhealth-service"
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to monitored database: %w", err)
	}

	classifier, err := ParseAgentClasses(cfg.AgentClasses)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresProber{
		pool:         pool,
		classifier:   classifier,
		poolerMarker: strings.ToLower(strings.TrimSpace(cfg.PoolerMarker)),
		timeout:      cfg.ProbeTimeout,
	}, nil
}

// Close releases the probe pool.
func (p *PostgresProber) Close() {
	p.pool.Close()
}

// Sample collects one snapshot. On error the returned snapshot is nil; callers
// are expected to synthesize a failure snapshot so the sample still lands in
// the ring buffer.
func (p *PostgresProber) Sample(ctx context.Context) (*model.Snapshot, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	snap := &model.Snapshot{SampledAt: start.UTC()}

	if err := p.scanActivity(ctx, snap); err != nil {
		return nil, fmt.Errorf("pg_stat_activity query failed: %w", err)
	}
	if err := p.scanCapacity(ctx, snap); err != nil {
		return nil, fmt.Errorf("capacity query failed: %w", err)
	}
	if err := p.scanDatabases(ctx, snap); err != nil {
		return nil, fmt.Errorf("pg_stat_database query failed: %w", err)
	}

	snap.ProbeDuration = time.Since(start)
	return snap, nil
}

func (p *PostgresProber) scanActivity(ctx context.Context, snap *model.Snapshot) error {
	rows, err := p.pool.Query(ctx, activityQuery)
	if err != nil {
		return err
	}
	defer rows.Close()

	agents := newAgentAccumulator(p.classifier)
	for rows.Next() {
		var (
			state, appName, username string
			waiting, ssl             bool
			txSeconds, querySeconds  float64
		)
		if err := rows.Scan(&state, &appName, &username, &waiting, &txSeconds, &querySeconds, &ssl); err != nil {
			return err
		}

		snap.Census.Total++
		idleInTx := false
		switch state {
		case "active":
			snap.Census.Active++
			if querySeconds > snap.Census.LongestQuerySeconds {
				snap.Census.LongestQuerySeconds = querySeconds
			}
		case "idle":
			snap.Census.Idle++
		case "idle in transaction":
			snap.Census.IdleInTransaction++
			idleInTx = true
		case "idle in transaction (aborted)":
			snap.Census.IdleInTransactionAborted++
			idleInTx = true
		case "fastpath function call":
			snap.Census.FastpathFunctionCall++
		case "disabled":
			snap.Census.Disabled++
		default:
			snap.Census.Unknown++
		}
		if waiting {
			snap.Census.Waiting++
		}
		if txSeconds > snap.Census.OldestTransactionSeconds {
			snap.Census.OldestTransactionSeconds = txSeconds
		}

		if ssl {
			snap.SSL.SSL++
		} else {
			snap.SSL.Plaintext++
		}

		agents.observe(appName, idleInTx)

		if p.poolerMarker != "" &&
			(strings.Contains(strings.ToLower(appName), p.poolerMarker) ||
				strings.Contains(strings.ToLower(username), p.poolerMarker)) {
			snap.Pooler.Backends++
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	snap.Agents = agents.usage()
	return nil
}

func (p *PostgresProber) scanCapacity(ctx context.Context, snap *model.Snapshot) error {
	var maxConns, reserved int
	if err := p.pool.QueryRow(ctx, capacityQuery).Scan(&maxConns, &reserved); err != nil {
		return err
	}
	snap.Capacity.MaxConnections = maxConns
	snap.Capacity.ReservedSlots = reserved
	snap.Capacity.Used = snap.Census.Total
	if usable := maxConns - reserved; usable > 0 {
		snap.Capacity.UtilizationPercent = float64(snap.Census.Total) / float64(usable) * 100
	}
	return nil
}

func (p *PostgresProber) scanDatabases(ctx context.Context, snap *model.Snapshot) error {
	rows, err := p.pool.Query(ctx, databasesQuery)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var db model.DatabaseConnections
		if err := rows.Scan(&db.Database, &db.Backends); err != nil {
			return err
		}
		snap.Databases = append(snap.Databases, db)
	}
	return rows.Err()
}

var _ Prober = (*PostgresProber)(nil)
