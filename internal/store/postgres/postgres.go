package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

// DB backs both the CredentialStore and the InstanceRegistry on PostgreSQL
// via the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Credentials() store.CredentialStore { return &credentials{db: p.db} }

func (p *DB) Instances() store.InstanceRegistry { return &instances{db: p.db} }

type credentials struct {
	db *sql.DB
}

func (c *credentials) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials(
			instance_id TEXT PRIMARY KEY,
			service_type TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NULL,
			expires_at TIMESTAMPTZ NULL,
			client_id TEXT NULL,
			client_secret TEXT NULL,
			token_url TEXT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_service ON credentials(service_type);`,
	}
	for _, q := range stmts {
		if _, err := c.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (c *credentials) Load(ctx context.Context, instanceID string) (store.Credential, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT instance_id, service_type, access_token, refresh_token, expires_at,
		       client_id, client_secret, token_url, updated_at
		FROM credentials WHERE instance_id=$1;`, instanceID)
	var cred store.Credential
	var refresh, clientID, clientSecret, tokenURL sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(&cred.InstanceID, &cred.ServiceType, &cred.AccessToken, &refresh,
		&expiresAt, &clientID, &clientSecret, &tokenURL, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Credential{}, store.ErrNotFound
	}
	if err != nil {
		return store.Credential{}, err
	}
	cred.RefreshToken = refresh.String
	cred.ClientID = clientID.String
	cred.ClientSecret = clientSecret.String
	cred.TokenURL = tokenURL.String
	if expiresAt.Valid {
		cred.ExpiresAt = expiresAt.Time
	}
	return cred, nil
}

func (c *credentials) Save(ctx context.Context, cred store.Credential) error {
	cred.UpdatedAt = time.Now().UTC()
	var expiresAt any
	if !cred.ExpiresAt.IsZero() {
		expiresAt = cred.ExpiresAt.UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO credentials(instance_id, service_type, access_token, refresh_token,
			expires_at, client_id, client_secret, token_url, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT(instance_id) DO UPDATE SET
			service_type=EXCLUDED.service_type,
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			client_id=EXCLUDED.client_id,
			client_secret=EXCLUDED.client_secret,
			token_url=EXCLUDED.token_url,
			updated_at=EXCLUDED.updated_at;`,
		cred.InstanceID, cred.ServiceType, cred.AccessToken, nullStr(cred.RefreshToken),
		expiresAt, nullStr(cred.ClientID), nullStr(cred.ClientSecret), nullStr(cred.TokenURL),
		cred.UpdatedAt)
	return err
}

func (c *credentials) Delete(ctx context.Context, instanceID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM credentials WHERE instance_id=$1;`, instanceID)
	return err
}

type instances struct {
	db *sql.DB
}

func (i *instances) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances(
			id TEXT PRIMARY KEY,
			service_type TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_port INTEGER NOT NULL DEFAULT 0,
			process_id INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner_id);`,
	}
	for _, q := range stmts {
		if _, err := i.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (i *instances) Load(ctx context.Context, instanceID string) (store.InstanceMeta, error) {
	row := i.db.QueryRowContext(ctx, `
		SELECT id, service_type, owner_id, status, assigned_port, process_id, expires_at, updated_at
		FROM instances WHERE id=$1;`, instanceID)
	return scanInstance(row)
}

func (i *instances) Save(ctx context.Context, meta store.InstanceMeta) error {
	meta.UpdatedAt = time.Now().UTC()
	var expiresAt any
	if !meta.ExpiresAt.IsZero() {
		expiresAt = meta.ExpiresAt.UTC()
	}
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO instances(id, service_type, owner_id, status, assigned_port, process_id, expires_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT(id) DO UPDATE SET
			service_type=EXCLUDED.service_type,
			owner_id=EXCLUDED.owner_id,
			status=EXCLUDED.status,
			assigned_port=EXCLUDED.assigned_port,
			process_id=EXCLUDED.process_id,
			expires_at=EXCLUDED.expires_at,
			updated_at=EXCLUDED.updated_at;`,
		meta.ID, meta.ServiceType, meta.OwnerID, string(meta.Status),
		meta.AssignedPort, meta.ProcessID, expiresAt, meta.UpdatedAt)
	return err
}

func (i *instances) UpdateStatus(ctx context.Context, instanceID string, status store.InstanceStatus) error {
	res, err := i.db.ExecContext(ctx, `
		UPDATE instances SET status=$1, updated_at=$2 WHERE id=$3;`,
		string(status), time.Now().UTC(), instanceID)
	if err != nil {
		return err
	}
	return notFoundIfZero(res)
}

func (i *instances) UpdateProcess(ctx context.Context, instanceID string, port, pid int) error {
	res, err := i.db.ExecContext(ctx, `
		UPDATE instances SET assigned_port=$1, process_id=$2, updated_at=$3 WHERE id=$4;`,
		port, pid, time.Now().UTC(), instanceID)
	if err != nil {
		return err
	}
	return notFoundIfZero(res)
}

func (i *instances) ActivePorts(ctx context.Context) ([]int, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT assigned_port FROM instances WHERE status=$1 AND assigned_port<>0;`,
		string(store.StatusActive))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

func (i *instances) List(ctx context.Context) ([]store.InstanceMeta, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT id, service_type, owner_id, status, assigned_port, process_id, expires_at, updated_at
		FROM instances ORDER BY updated_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.InstanceMeta, 0)
	for rows.Next() {
		meta, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (i *instances) Delete(ctx context.Context, instanceID string) error {
	_, err := i.db.ExecContext(ctx, `DELETE FROM instances WHERE id=$1;`, instanceID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (store.InstanceMeta, error) {
	var meta store.InstanceMeta
	var status string
	var expiresAt sql.NullTime
	err := row.Scan(&meta.ID, &meta.ServiceType, &meta.OwnerID, &status,
		&meta.AssignedPort, &meta.ProcessID, &expiresAt, &meta.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.InstanceMeta{}, store.ErrNotFound
	}
	if err != nil {
		return store.InstanceMeta{}, err
	}
	meta.Status = store.InstanceStatus(status)
	if expiresAt.Valid {
		meta.ExpiresAt = expiresAt.Time
	}
	return meta, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func notFoundIfZero(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
