package security

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is a closed set of actor roles, per spec.md §3/§4.3.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	RoleAgent    Role = "agent"
)

// Permission is a closed set of capability tags checked by the HTTP
// gateway's authorization middleware.
type Permission string

const (
	PermTokensManage   Permission = "tokens.manage"
	PermConfigWrite    Permission = "config.write"
	PermSecretsManage  Permission = "secrets.manage"
	PermAuditRead      Permission = "audit.read"
	PermAgentsSpawn    Permission = "agents.spawn"
	PermAgentsStop     Permission = "agents.stop"
	PermTasksCreate    Permission = "tasks.create"
	PermTasksCancel    Permission = "tasks.cancel"
	PermAgentsRead     Permission = "agents.read"
	PermTasksRead      Permission = "tasks.read"
	PermLogsRead       Permission = "logs.read"
	PermStatusRead     Permission = "status.read"
	PermProjectsRead   Permission = "projects.read"
	PermHeartbeat      Permission = "heartbeat"
	PermTaskUpdate     Permission = "task.update"
	PermLogsWrite      Permission = "logs.write"
	PermProcessesRead  Permission = "processes.read"
	PermProcessesWrite Permission = "processes.write"
	PermPortsManage    Permission = "ports.manage"
	PermTasksRetry     Permission = "tasks.retry"
	PermTasksReview    Permission = "tasks.review"
	PermOrchestratorManage Permission = "orchestrator.manage"
)

var viewerPermissions = []Permission{
	PermAgentsRead, PermTasksRead, PermLogsRead, PermStatusRead,
	PermProjectsRead, PermProcessesRead,
}

var operatorOnlyPermissions = []Permission{
	PermAgentsSpawn, PermAgentsStop, PermTasksCreate, PermTasksCancel,
	PermProcessesWrite, PermPortsManage, PermTasksRetry, PermTasksReview,
	PermOrchestratorManage,
}

var adminOnlyPermissions = []Permission{
	PermTokensManage, PermConfigWrite, PermSecretsManage, PermAuditRead,
}

// rolePermissions is the static role->permission-set table of spec.md §4.3.
var rolePermissions = map[Role]map[Permission]bool{
	RoleViewer:   set(viewerPermissions),
	RoleOperator: set(append(append([]Permission{}, viewerPermissions...), operatorOnlyPermissions...)),
	RoleAdmin:    allPermissions(),
	RoleAgent:    set([]Permission{PermHeartbeat, PermTaskUpdate, PermLogsWrite, PermStatusRead}),
}

func set(perms []Permission) map[Permission]bool {
	m := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		m[p] = true
	}
	return m
}

func allPermissions() map[Permission]bool {
	all := append([]Permission{}, viewerPermissions...)
	all = append(all, operatorOnlyPermissions...)
	all = append(all, adminOnlyPermissions...)
	return set(all)
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	return rolePermissions[role][perm]
}

// Token is the persisted record for an issued bearer token. The bearer
// string itself is never stored — only TokenHash.
type Token struct {
	ID         string
	Name       string
	TokenHash  string
	Role       Role
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	Revoked    bool
	CreatedBy  string
}

const bearerPrefix = "adt_"

// AuthManager issues, validates, and revokes bearer tokens against a SQLite
// table, grounded on original_source's server/auth.py AuthManager, with the
// upsert/scan idiom borrowed from the teacher's internal/tasks/store.go.
type AuthManager struct {
	db *sql.DB
}

// NewAuthManager wraps an already-open DB handle.
func NewAuthManager(db *sql.DB) *AuthManager {
	return &AuthManager{db: db}
}

// Init creates the tokens table if absent.
func (m *AuthManager) Init() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP,
			last_used_at TIMESTAMP,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_by TEXT
		)
	`)
	if err != nil {
		return err
	}
	_, err = m.db.Exec(`CREATE INDEX IF NOT EXISTS idx_tokens_hash ON tokens(token_hash)`)
	return err
}

func hashToken(bearer string) string {
	sum := sha256.Sum256([]byte(bearer))
	return hex.EncodeToString(sum[:])
}

func generateBearer() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return bearerPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateToken issues a new bearer string for role, returning it exactly
// once — the caller is responsible for displaying it; only the hash is
// ever persisted.
func (m *AuthManager) CreateToken(name string, role Role, createdBy string, expiresAt *time.Time) (bearer string, token *Token, err error) {
	bearer, err = generateBearer()
	if err != nil {
		return "", nil, err
	}
	tok := &Token{
		ID:        uuid.New().String()[:8],
		Name:      name,
		TokenHash: hashToken(bearer),
		Role:      role,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
		CreatedBy: createdBy,
	}
	_, err = m.db.Exec(`
		INSERT INTO tokens (id, name, token_hash, role, created_at, expires_at, revoked, created_by)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, tok.ID, tok.Name, tok.TokenHash, string(tok.Role), tok.CreatedAt, tok.ExpiresAt, tok.CreatedBy)
	if err != nil {
		return "", nil, err
	}
	return bearer, tok, nil
}

// Validate looks up bearer (stripping an optional "Bearer " prefix),
// rejects it if revoked or expired, and otherwise stamps last_used_at.
func (m *AuthManager) Validate(bearer string) (*Token, error) {
	bearer = strings.TrimPrefix(bearer, "Bearer ")
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, fmt.Errorf("empty token")
	}
	hash := hashToken(bearer)

	row := m.db.QueryRow(`
		SELECT id, name, token_hash, role, created_at, expires_at, last_used_at, revoked, created_by
		FROM tokens WHERE token_hash = ?
	`, hash)

	tok, err := scanToken(row)
	if err != nil {
		return nil, fmt.Errorf("invalid token")
	}
	if tok.Revoked {
		return nil, fmt.Errorf("revoked token")
	}
	if tok.ExpiresAt != nil && time.Now().After(*tok.ExpiresAt) {
		return nil, fmt.Errorf("expired token")
	}

	now := time.Now()
	m.db.Exec(`UPDATE tokens SET last_used_at = ? WHERE id = ?`, now, tok.ID)
	tok.LastUsedAt = &now
	return tok, nil
}

// ListTokens returns every token record (hashes only, never bearer strings).
func (m *AuthManager) ListTokens() ([]*Token, error) {
	rows, err := m.db.Query(`
		SELECT id, name, token_hash, role, created_at, expires_at, last_used_at, revoked, created_by
		FROM tokens ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}

// RevokeToken marks a token revoked without deleting its row (preserves
// audit history).
func (m *AuthManager) RevokeToken(id string) error {
	res, err := m.db.Exec(`UPDATE tokens SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("token not found: %s", id)
	}
	return nil
}

// DeleteToken removes a token row outright.
func (m *AuthManager) DeleteToken(id string) error {
	_, err := m.db.Exec(`DELETE FROM tokens WHERE id = ?`, id)
	return err
}

// HasAnyTokens reports whether the table is non-empty, used to gate
// bootstrap admin-token creation.
func (m *AuthManager) HasAnyTokens() (bool, error) {
	var count int
	err := m.db.QueryRow(`SELECT COUNT(*) FROM tokens`).Scan(&count)
	return count > 0, err
}

// CreateInitialAdminToken synthesizes the bootstrap admin token described
// in spec.md §4.3: only when the table is empty, printed exactly once.
func (m *AuthManager) CreateInitialAdminToken() (bearer string, token *Token, err error) {
	has, err := m.HasAnyTokens()
	if err != nil {
		return "", nil, err
	}
	if has {
		return "", nil, nil
	}
	return m.CreateToken("bootstrap-admin", RoleAdmin, "system", nil)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row rowScanner) (*Token, error) {
	var tok Token
	var role string
	var expiresAt, lastUsedAt sql.NullTime
	var revoked int
	var createdBy sql.NullString

	err := row.Scan(&tok.ID, &tok.Name, &tok.TokenHash, &role, &tok.CreatedAt,
		&expiresAt, &lastUsedAt, &revoked, &createdBy)
	if err != nil {
		return nil, err
	}
	tok.Role = Role(role)
	tok.Revoked = revoked != 0
	if expiresAt.Valid {
		tok.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		tok.LastUsedAt = &lastUsedAt.Time
	}
	if createdBy.Valid {
		tok.CreatedBy = createdBy.String
	}
	return &tok, nil
}
