package pg

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Thread is a persisted conversation thread, owned by one
// device/user pair.
type Thread struct {
	ID        string
	DeviceID  string
	UserID    string
	Feed      []string // conversation-feed lines, append-only
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SpawnedAgent is the persisted record backing internal/router.Agent across
// process restarts (the in-memory router is the hot path; this is the
// durable log used to rebuild it and for history/audit).
type SpawnedAgent struct {
	ID        string
	ThreadID  string
	Topic     string
	Task      string
	Status    string
	CreatedAt time.Time
}

// CollectionReference is a navigator cache entry: a >10KB tool
// result cached client-side, with server-visible introspection metadata so
// result.overview/get/filter/query can answer without re-fetching the blob.
type CollectionReference struct {
	ID         string
	AgentID    string
	ToolName   string
	ShapeHash  string
	Overview   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// MCPServerConfig is a per-device MCP server definition received over the
// channel and persisted so the gateway can reconnect after a restart.
type MCPServerConfig struct {
	DeviceID  string
	Name      string
	Transport string // stdio | sse | streamable-http
	Command   string
	Args      []string
	URL       string
	Env       map[string]string
	UpdatedAt time.Time
}

func (s *Store) CreateThread(t Thread) error {
	feed, _ := json.Marshal(t.Feed)
	_, err := s.db.Exec(
		`INSERT INTO threads (id, device_id, user_id, feed, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		t.ID, t.DeviceID, t.UserID, feed, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *Store) AppendThreadFeed(threadID, line string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE threads SET feed = feed || to_jsonb($2::text), updated_at = $3 WHERE id = $1`,
		threadID, line, now,
	)
	return err
}

func (s *Store) GetThread(id string) (Thread, bool, error) {
	var t Thread
	var feed []byte
	row := s.db.QueryRow(`SELECT id, device_id, user_id, feed, created_at, updated_at FROM threads WHERE id = $1`, id)
	err := row.Scan(&t.ID, &t.DeviceID, &t.UserID, &feed, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return Thread{}, false, nil
	}
	if err != nil {
		return Thread{}, false, err
	}
	_ = json.Unmarshal(feed, &t.Feed)
	return t, true, nil
}

func (s *Store) SaveSpawnedAgent(a SpawnedAgent) error {
	_, err := s.db.Exec(
		`INSERT INTO spawned_agents (id, thread_id, topic, task, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		a.ID, a.ThreadID, a.Topic, a.Task, a.Status, a.CreatedAt,
	)
	return err
}

func (s *Store) ListSpawnedAgents(threadID string) ([]SpawnedAgent, error) {
	rows, err := s.db.Query(
		`SELECT id, thread_id, topic, task, status, created_at FROM spawned_agents WHERE thread_id = $1 ORDER BY created_at`,
		threadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SpawnedAgent
	for rows.Next() {
		var a SpawnedAgent
		if err := rows.Scan(&a.ID, &a.ThreadID, &a.Topic, &a.Task, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SaveCollectionReference(c CollectionReference) error {
	_, err := s.db.Exec(
		`INSERT INTO collection_references (id, agent_id, tool_name, shape_hash, overview, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET overview = EXCLUDED.overview, expires_at = EXCLUDED.expires_at`,
		c.ID, c.AgentID, c.ToolName, c.ShapeHash, c.Overview, c.CreatedAt, c.ExpiresAt,
	)
	return err
}

func (s *Store) GetCollectionReference(id string) (CollectionReference, bool, error) {
	var c CollectionReference
	row := s.db.QueryRow(
		`SELECT id, agent_id, tool_name, shape_hash, overview, created_at, expires_at FROM collection_references WHERE id = $1`,
		id,
	)
	err := row.Scan(&c.ID, &c.AgentID, &c.ToolName, &c.ShapeHash, &c.Overview, &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return CollectionReference{}, false, nil
	}
	if err != nil {
		return CollectionReference{}, false, err
	}
	return c, true, nil
}

// TouchCollectionReference extends the 30-minute TTL on access.
func (s *Store) TouchCollectionReference(id string, newExpiry time.Time) error {
	_, err := s.db.Exec(`UPDATE collection_references SET expires_at = $2 WHERE id = $1`, id, newExpiry)
	return err
}

func (s *Store) PruneExpiredCollectionReferences(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM collection_references WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) SaveMCPServerConfig(c MCPServerConfig) error {
	args, _ := json.Marshal(c.Args)
	env, _ := json.Marshal(c.Env)
	_, err := s.db.Exec(
		`INSERT INTO mcp_server_configs (device_id, name, transport, command, args, url, env, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (device_id, name) DO UPDATE SET
		   transport = EXCLUDED.transport, command = EXCLUDED.command,
		   args = EXCLUDED.args, url = EXCLUDED.url, env = EXCLUDED.env, updated_at = EXCLUDED.updated_at`,
		c.DeviceID, c.Name, c.Transport, c.Command, args, c.URL, env, c.UpdatedAt,
	)
	return err
}

func (s *Store) ListMCPServerConfigs(deviceID string) ([]MCPServerConfig, error) {
	rows, err := s.db.Query(
		`SELECT device_id, name, transport, command, args, url, env, updated_at FROM mcp_server_configs WHERE device_id = $1`,
		deviceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MCPServerConfig
	for rows.Next() {
		var c MCPServerConfig
		var args, env []byte
		if err := rows.Scan(&c.DeviceID, &c.Name, &c.Transport, &c.Command, &args, &c.URL, &env, &c.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(args, &c.Args)
		_ = json.Unmarshal(env, &c.Env)
		out = append(out, c)
	}
	return out, rows.Err()
}
