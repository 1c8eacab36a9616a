package jobdb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/cueflow/pkg/errs"
	"github.com/cuemby/cueflow/pkg/log"
	"github.com/cuemby/cueflow/pkg/types"
)

// PostgresConfig holds the job database connection configuration.
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	SSLMode         string
}

// DefaultPostgresConfig returns sane local-development defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		Database:        "cueflow",
		User:            "cueflow",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: 30 * time.Minute,
	}
}

// PostgresStore implements Store against a real job database, using
// pg_try_advisory_lock/pg_advisory_unlock for the dispatcher's per-host lock
// and a monotonic version column for optimistic concurrency.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parse job database config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create job database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping job database: %w", err)
	}

	log.Logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("job database connected")

	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) GetFacilityIDByName(ctx context.Context, name string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM facility WHERE name = $1`, name).Scan(&id)
	if err != nil {
		return "", errs.Wrap(errs.KindDbFailure, "get_facility_id_by_name", err)
	}
	return id, nil
}

func (s *PostgresStore) GetShowIDByName(ctx context.Context, name string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM show WHERE name = $1`, name).Scan(&id)
	if err != nil {
		return "", errs.Wrap(errs.KindDbFailure, "get_show_id_by_name", err)
	}
	return id, nil
}

func (s *PostgresStore) FetchAllocClusters(ctx context.Context) ([]AllocCluster, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ht.tag, sub.show_id, a.facility_id
		FROM host_tag ht
		JOIN allocation a ON a.id = ht.allocation_id
		JOIN subscription sub ON sub.allocation_id = a.id
		JOIN show sh ON sh.id = sub.show_id AND sh.active
		WHERE ht.type = 'ALLOC' AND a.enabled`)
	if err != nil {
		return nil, errs.Wrap(errs.KindDbFailure, "fetch_alloc_clusters", err)
	}
	defer rows.Close()

	var out []AllocCluster
	for rows.Next() {
		var c AllocCluster
		if err := rows.Scan(&c.Tag, &c.ShowID, &c.FacilityID); err != nil {
			return nil, errs.Wrap(errs.KindDbFailure, "fetch_alloc_clusters scan", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FetchNonAllocClusters(ctx context.Context) ([]NonAllocCluster, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tag, type FROM host_tag WHERE type IN ('MANUAL', 'HOSTNAME')`)
	if err != nil {
		return nil, errs.Wrap(errs.KindDbFailure, "fetch_non_alloc_clusters", err)
	}
	defer rows.Close()

	var out []NonAllocCluster
	for rows.Next() {
		var tag, typ string
		if err := rows.Scan(&tag, &typ); err != nil {
			return nil, errs.Wrap(errs.KindDbFailure, "fetch_non_alloc_clusters scan", err)
		}
		c := NonAllocCluster{Tag: tag}
		if typ == "MANUAL" {
			c.Type = types.ClusterTagManual
		} else {
			c.Type = types.ClusterTagHostname
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) QueryPendingJobs(ctx context.Context, showID, facilityID, tag string, coreMultiplier int32) ([]PendingJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT j.id, j.int_priority
		FROM job j
		JOIN show sh ON sh.id = j.show_id AND sh.active
		JOIN subscription sub ON sub.show_id = j.show_id
		JOIN layer l ON l.job_id = j.id
		JOIN layer_tag lt ON lt.layer_id = l.id AND lt.tag = $3
		JOIN frame f ON f.layer_id = l.id AND f.state = 'WAITING'
		WHERE j.show_id = $1 AND j.facility_id = $2
		  AND j.str_state = 'PENDING' AND NOT j.b_paused
		  AND (sub.int_burst_cores - sub.int_booked_cores) >= $4
		  AND (j.int_max_cores = 0 OR j.int_cores_used < j.int_max_cores * $4)
		GROUP BY j.id, j.int_priority
		ORDER BY j.int_priority DESC`,
		showID, facilityID, tag, coreMultiplier)
	if err != nil {
		return nil, errs.Wrap(errs.KindDbFailure, "query_pending_jobs", err)
	}
	defer rows.Close()
	return scanPendingJobs(rows)
}

func (s *PostgresStore) QueryPendingJobsByTags(ctx context.Context, tags []string, coreMultiplier int32) ([]PendingJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT j.id, j.int_priority
		FROM job j
		JOIN layer l ON l.job_id = j.id
		JOIN layer_tag lt ON lt.layer_id = l.id AND lt.tag = ANY($1)
		JOIN frame f ON f.layer_id = l.id AND f.state = 'WAITING'
		WHERE j.str_state = 'PENDING' AND NOT j.b_paused
		  AND (j.int_max_cores = 0 OR j.int_cores_used < j.int_max_cores * $2)
		GROUP BY j.id, j.int_priority
		ORDER BY j.int_priority DESC`,
		tags, coreMultiplier)
	if err != nil {
		return nil, errs.Wrap(errs.KindDbFailure, "query_pending_jobs_by_tags", err)
	}
	defer rows.Close()
	return scanPendingJobs(rows)
}

func scanPendingJobs(rows pgx.Rows) ([]PendingJob, error) {
	var out []PendingJob
	for rows.Next() {
		var j PendingJob
		if err := rows.Scan(&j.JobID, &j.Priority); err != nil {
			return nil, errs.Wrap(errs.KindDbFailure, "scan pending job", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) QueryLayers(ctx context.Context, jobID string, tags []string) ([]LayerWithFrames, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.id, l.job_id, j.show_id, l.str_name, l.tags, l.int_min_cores, l.int_min_memory,
		       l.int_min_gpus, l.int_min_gpu_memory, l.b_threadable, l.str_os,
		       l.services, l.int_cores_max, l.int_dispatch_order, l.str_range,
		       l.int_chunk_size, l.str_command
		FROM layer l
		JOIN job j ON j.id = l.job_id
		WHERE l.job_id = $1 AND l.tags && $2
		ORDER BY l.int_dispatch_order`,
		jobID, tags)
	if err != nil {
		return nil, errs.Wrap(errs.KindDbFailure, "query_layers", err)
	}
	defer rows.Close()

	var out []LayerWithFrames
	for rows.Next() {
		var l types.Layer
		if err := rows.Scan(&l.ID, &l.JobID, &l.ShowID, &l.Name, &l.Tags, &l.MinCores, &l.MinMemory,
			&l.MinGPUs, &l.MinGPUMemory, &l.Threadable, &l.OS, &l.Services,
			&l.CoresMax, &l.DispatchOrder, &l.Range, &l.ChunkSize, &l.CommandTemplate); err != nil {
			return nil, errs.Wrap(errs.KindDbFailure, "query_layers scan", err)
		}

		frameRows, err := s.pool.Query(ctx, `SELECT id FROM frame WHERE layer_id = $1 AND state = 'WAITING'`, l.ID)
		if err != nil {
			return nil, errs.Wrap(errs.KindDbFailure, "query_layers waiting frames", err)
		}
		var waiting []string
		for frameRows.Next() {
			var id string
			if err := frameRows.Scan(&id); err != nil {
				frameRows.Close()
				return nil, errs.Wrap(errs.KindDbFailure, "query_layers waiting frames scan", err)
			}
			waiting = append(waiting, id)
		}
		frameRows.Close()
		if len(waiting) == 0 {
			continue
		}
		out = append(out, LayerWithFrames{Layer: l, WaitingFrames: waiting})
	}
	return out, rows.Err()
}

func (s *PostgresStore) QueryDispatchFrames(ctx context.Context, layerID string, limit int) ([]types.Frame, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, layer_id, int_number, state, version
		FROM frame
		WHERE layer_id = $1 AND state = 'WAITING'
		ORDER BY int_dispatch_order, int_layer_order
		LIMIT $2`, layerID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindDbFailure, "query_dispatch_frames", err)
	}
	defer rows.Close()

	var out []types.Frame
	for rows.Next() {
		var f types.Frame
		if err := rows.Scan(&f.ID, &f.LayerID, &f.Number, &f.State, &f.Version); err != nil {
			return nil, errs.Wrap(errs.KindDbFailure, "query_dispatch_frames scan", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FetchHostsByShowFacilityTag(ctx context.Context, showID, facilityID, tag string) ([]types.Host, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT h.id, h.str_name, h.str_os, h.int_cores, h.int_idle_cores,
		       h.int_mem, h.int_idle_mem, h.int_gpus, h.int_idle_gpus, h.int_idle_gpu_mem,
		       h.str_thread_mode, h.str_alloc_name, h.str_lock_state, h.tags, h.ts_updated
		FROM host h
		JOIN host_stat hs ON hs.host_id = h.id
		JOIN subscription sub ON sub.allocation_id = h.alloc_id AND sub.show_id = $1
		WHERE h.facility_id = $2 AND h.str_lock_state = 'OPEN'
		  AND $3 = ANY(h.tags)
		  AND h.int_idle_cores >= 0 AND h.int_idle_mem >= 0
		  AND (sub.int_burst_cores - sub.int_booked_cores) > 0`,
		showID, facilityID, tag)
	if err != nil {
		return nil, errs.Wrap(errs.KindDbFailure, "fetch_hosts_by_show_facility_tag", err)
	}
	defer rows.Close()

	var out []types.Host
	for rows.Next() {
		var h types.Host
		if err := rows.Scan(&h.ID, &h.Name, &h.OS, &h.TotalCores, &h.IdleCores,
			&h.TotalMemory, &h.IdleMemory, &h.TotalGPUs, &h.IdleGPUs, &h.IdleGPUMemory,
			&h.ThreadMode, &h.AllocationName, &h.LockState, &h.Tags, &h.LastUpdated); err != nil {
			return nil, errs.Wrap(errs.KindDbFailure, "fetch_hosts_by_show_facility_tag scan", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, hostID string) (bool, error) {
	var acquired bool
	err := s.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, hostID).Scan(&acquired)
	if err != nil {
		return false, errs.Wrap(errs.KindDbFailure, "try_advisory_lock", err)
	}
	return acquired, nil
}

func (s *PostgresStore) AdvisoryUnlock(ctx context.Context, hostID string) error {
	_, err := s.pool.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, hostID)
	if err != nil {
		return errs.Wrap(errs.KindDbFailure, "advisory_unlock", err)
	}
	return nil
}

func (s *PostgresStore) UpdateHostResources(ctx context.Context, hostID string, idleCores types.Cores, idleMem types.Bytes, idleGPUs int, idleGPUMem types.Bytes) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE host SET int_idle_cores=$2, int_idle_mem=$3, int_idle_gpus=$4, int_idle_gpu_mem=$5
		WHERE id=$1`, hostID, idleCores, idleMem, idleGPUs, idleGPUMem)
	if err != nil {
		return errs.Wrap(errs.KindDbFailure, "update_host_resources", err)
	}
	return nil
}

func (s *PostgresStore) InsertProc(ctx context.Context, p ProcInsert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proc (id, host_id, frame_id, int_cores_reserved, int_mem_reserved, int_gpus_reserved, b_local)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ProcID, p.HostID, p.FrameID, p.CoresReserved, p.MemReserved, p.GPUsReserved, p.IsLocal)
	if err != nil {
		return errs.Wrap(errs.KindFailedToStartOnDb, "insert_proc", err)
	}
	return nil
}

func (s *PostgresStore) ReserveSubscriptionCores(ctx context.Context, showID, allocationName string, cores types.Cores) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscription sub
		SET int_booked_cores = sub.int_booked_cores + $3
		FROM allocation a
		WHERE sub.allocation_id = a.id AND a.str_name = $2 AND sub.show_id = $1
		  AND (sub.int_burst_cores - sub.int_booked_cores) >= $3`,
		showID, allocationName, cores)
	if err != nil {
		return false, errs.Wrap(errs.KindDbFailure, "reserve_subscription_cores", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateFrameStarted(ctx context.Context, fs FrameStart) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE frame
		SET state='RUNNING', host_name=$2, int_cores_reserved=$3, int_mem_reserved=$4,
		    int_gpus_reserved=$5, int_gpu_mem_reserved=$6, ts_started=now(), version=version+1
		WHERE id=$1 AND state='WAITING' AND version=$7`,
		fs.FrameID, fs.HostName, fs.CoresReserved, fs.MemReserved,
		fs.GPUsReserved, fs.GPUMemReserved, fs.ExpectedVersion)
	if err != nil {
		return 0, errs.Wrap(errs.KindDbFailure, "update_frame_started", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CompleteFrame(ctx context.Context, frameID string, state types.FrameState) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE frame SET state=$2, ts_stopped=now(), version=version+1
		WHERE id=$1`,
		frameID, state)
	if err != nil {
		return errs.Wrap(errs.KindDbFailure, "complete_frame", err)
	}
	return nil
}
