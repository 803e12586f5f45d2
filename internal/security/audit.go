package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditAction is a closed namespace of action tags, ported from
// original_source's server/audit.py AuditAction enum.
type AuditAction string

const (
	ActionAuthLogin       AuditAction = "auth.login"
	ActionAuthLoginFailed AuditAction = "auth.login_failed"
	ActionAuthDenied      AuditAction = "auth.denied"
	ActionTokenCreate     AuditAction = "token.create"
	ActionTokenRevoke     AuditAction = "token.revoke"
	ActionTokenDelete     AuditAction = "token.delete"
	ActionAgentSpawn      AuditAction = "agent.spawn"
	ActionAgentStop       AuditAction = "agent.stop"
	ActionTaskCreate      AuditAction = "task.create"
	ActionTaskCancel      AuditAction = "task.cancel"
	ActionTaskRetry       AuditAction = "task.retry"
	ActionTaskReview      AuditAction = "task.review"
	ActionTaskRun         AuditAction = "task.run"
	ActionTaskChain       AuditAction = "task.chain"
	ActionAgentAssign     AuditAction = "agent.assign"
	ActionAgentRetry      AuditAction = "agent.retry"
	ActionProcessCreate   AuditAction = "process.create"
	ActionProcessFixTask  AuditAction = "process.create_fix_task"
	ActionPortAllocate    AuditAction = "port.allocate"
	ActionPortRelease     AuditAction = "port.release"
	ActionPortSet         AuditAction = "port.set"
	ActionOrchestratorControl AuditAction = "orchestrator.control"
	ActionSecretSet       AuditAction = "secret.set"
	ActionSecretDelete    AuditAction = "secret.delete"
	ActionConfigWrite     AuditAction = "config.write"
	ActionSecurityRateLimit AuditAction = "security.rate_limit"
	ActionServerStart     AuditAction = "server.start"
	ActionServerStop      AuditAction = "server.stop"
)

// AuditOutcome is the outcome column of an audit row.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeDenied  AuditOutcome = "denied"
	OutcomeError   AuditOutcome = "error"
)

// AuditEntry is one append-only, hash-chained row. Grounded on
// original_source's AuditEntry pydantic model.
type AuditEntry struct {
	ID           string
	Timestamp    time.Time
	ActorType    string
	ActorID      string
	ActorIP      string
	Action       AuditAction
	ResourceType string
	ResourceID   string
	RequestID    string
	Channel      string
	Outcome      AuditOutcome
	Error        string
	Metadata     map[string]interface{}
	PrevHash     string
	EntryHash    string
}

// AuditLogger is the append-only, hash-chained audit log (C2). Table and
// scan idiom borrowed from internal/tasks/store.go; chaining/HMAC logic
// ported from server/audit.py.
type AuditLogger struct {
	db      *sql.DB
	keyPath string

	mu       sync.Mutex
	hmacKey  []byte
	lastHash string
}

// NewAuditLogger wraps db, deriving the HMAC key file path from home.
func NewAuditLogger(db *sql.DB, home string) *AuditLogger {
	return &AuditLogger{
		db:      db,
		keyPath: filepath.Join(home, "data", ".audit_key"),
	}
}

// Init creates the audit_log table and loads (or generates) the HMAC key,
// then seeds lastHash from the most recent row so the chain continues
// correctly across restarts.
func (a *AuditLogger) Init() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_ip TEXT,
			action TEXT NOT NULL,
			resource_type TEXT,
			resource_id TEXT,
			request_id TEXT,
			channel TEXT,
			outcome TEXT NOT NULL,
			error TEXT,
			metadata TEXT,
			prev_hash TEXT,
			entry_hash TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_type, actor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_log(resource_type, resource_id)`,
	} {
		if _, err := a.db.Exec(stmt); err != nil {
			return err
		}
	}

	key, err := a.loadOrCreateKey()
	if err != nil {
		return err
	}
	a.hmacKey = key

	var last sql.NullString
	err = a.db.QueryRow(`SELECT entry_hash FROM audit_log ORDER BY rowid DESC LIMIT 1`).Scan(&last)
	if err == nil && last.Valid {
		a.lastHash = last.String
	}
	return nil
}

func (a *AuditLogger) loadOrCreateKey() ([]byte, error) {
	data, err := os.ReadFile(a.keyPath)
	if err == nil && len(data) == 32 {
		return data, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(a.keyPath), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(a.keyPath, key, 0600); err != nil {
		return nil, err
	}
	return key, nil
}

func (a *AuditLogger) computeHash(ts time.Time, actorType, actorID string, action AuditAction, prevHash string) string {
	payload := fmt.Sprintf("%s:%s:%s:%s:%s", ts.UTC().Format(time.RFC3339Nano), actorType, actorID, action, prevHash)
	mac := hmac.New(sha256.New, a.hmacKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// Log appends one entry to the chain. Failures here must never block the
// originating request (spec.md §4.2) — callers should treat a non-nil
// error as advisory and log it, not fail the request.
func (a *AuditLogger) Log(entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.PrevHash = a.lastHash
	entry.EntryHash = a.computeHash(entry.Timestamp, entry.ActorType, entry.ActorID, entry.Action, entry.PrevHash)

	metadata, _ := json.Marshal(entry.Metadata)
	_, err := a.db.Exec(`
		INSERT INTO audit_log (id, timestamp, actor_type, actor_id, actor_ip, action,
			resource_type, resource_id, request_id, channel, outcome, error, metadata,
			prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp, entry.ActorType, entry.ActorID, entry.ActorIP, string(entry.Action),
		entry.ResourceType, entry.ResourceID, entry.RequestID, entry.Channel, string(entry.Outcome),
		entry.Error, string(metadata), entry.PrevHash, entry.EntryHash)
	if err != nil {
		return err
	}
	a.lastHash = entry.EntryHash
	return nil
}

// AuditFilter narrows Query's result set; zero-value fields are ignored.
type AuditFilter struct {
	Action       AuditAction
	ActorID      string
	ResourceType string
	ResourceID   string
	Outcome      AuditOutcome
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// Query supports filtering by action/actor/resource/outcome/time range,
// ported from server/audit.py's query().
func (a *AuditLogger) Query(f AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT id, timestamp, actor_type, actor_id, actor_ip, action, resource_type,
		resource_id, request_id, channel, outcome, error, metadata, prev_hash, entry_hash
		FROM audit_log WHERE 1=1`
	var args []interface{}

	if f.Action != "" {
		q += " AND action = ?"
		args = append(args, string(f.Action))
	}
	if f.ActorID != "" {
		q += " AND actor_id = ?"
		args = append(args, f.ActorID)
	}
	if f.ResourceType != "" {
		q += " AND resource_type = ?"
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		q += " AND resource_id = ?"
		args = append(args, f.ResourceID)
	}
	if f.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, f.Until)
	}
	q += " ORDER BY rowid"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := a.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func scanAuditEntry(rows *sql.Rows) (*AuditEntry, error) {
	var e AuditEntry
	var action, outcome string
	var actorIP, resourceType, resourceID, requestID, channel, errText, metadata, prevHash sql.NullString

	err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorType, &e.ActorID, &actorIP, &action,
		&resourceType, &resourceID, &requestID, &channel, &outcome, &errText, &metadata,
		&prevHash, &e.EntryHash)
	if err != nil {
		return nil, err
	}
	e.Action = AuditAction(action)
	e.Outcome = AuditOutcome(outcome)
	e.ActorIP = actorIP.String
	e.ResourceType = resourceType.String
	e.ResourceID = resourceID.String
	e.RequestID = requestID.String
	e.Channel = channel.String
	e.Error = errText.String
	e.PrevHash = prevHash.String
	if metadata.Valid && metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &e.Metadata)
	}
	return &e, nil
}

// Count returns the total number of audit rows.
func (a *AuditLogger) Count() (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

// VerifyIntegrity walks the chain in insertion order, recomputing each hash
// and checking prev_hash linkage. Returns ok=true iff the entire chain is
// unbroken; otherwise brokenAt names the first entry id where the chain
// diverges.
func (a *AuditLogger) VerifyIntegrity() (ok bool, brokenAt string, err error) {
	rows, err := a.db.Query(`
		SELECT id, timestamp, actor_type, actor_id, actor_ip, action, resource_type,
			resource_id, request_id, channel, outcome, error, metadata, prev_hash, entry_hash
		FROM audit_log ORDER BY rowid
	`)
	if err != nil {
		return false, "", err
	}
	defer rows.Close()

	a.mu.Lock()
	key := a.hmacKey
	a.mu.Unlock()

	prev := ""
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return false, "", err
		}
		if e.PrevHash != prev {
			return false, e.ID, nil
		}
		mac := hmac.New(sha256.New, key)
		payload := fmt.Sprintf("%s:%s:%s:%s:%s", e.Timestamp.UTC().Format(time.RFC3339Nano), e.ActorType, e.ActorID, e.Action, e.PrevHash)
		mac.Write([]byte(payload))
		expected := hex.EncodeToString(mac.Sum(nil))[:32]
		if expected != e.EntryHash {
			return false, e.ID, nil
		}
		prev = e.EntryHash
	}
	return true, "", nil
}
