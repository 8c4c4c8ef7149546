package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relationaldba/provisiond/internal/ir"
)

const (
	scopeStack   = "stack"
	scopeProduct = "product"
)

// Store persists environments, products, deployments and their properties.
type Store struct {
	db     *sql.DB
	d      Dialect
	sealer *Sealer
	now    func() time.Time
}

// NewStore returns a Store over db. sealer may be nil.
func NewStore(db *sql.DB, d Dialect, sealer *Sealer) *Store {
	return &Store{db: db, d: d, sealer: sealer, now: time.Now}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.d.schema(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// CreateEnvironment inserts env and sets its ID.
func (s *Store) CreateEnvironment(ctx context.Context, env *ir.Environment) error {
	secret, err := s.sealer.Seal(env.SecretAccessKey)
	if err != nil {
		return err
	}
	provider := env.Provider
	if provider == "" {
		provider = "aws"
	}

	query := s.d.Rebind(`INSERT INTO environments
		(name, provider, aws_account_id, aws_region, aws_access_key_id, aws_secret_access_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`)
	err = s.db.QueryRowContext(ctx, query,
		env.Name, provider, env.AccountID, env.Region, env.AccessKeyID, secret, s.timestamp(),
	).Scan(&env.ID)
	if err != nil {
		return fmt.Errorf("failed to create environment %s: %w", env.Name, err)
	}
	env.Provider = provider
	return nil
}

// LoadEnvironment returns the environment with id, or ir.ErrNotFound.
func (s *Store) LoadEnvironment(ctx context.Context, id int64) (*ir.Environment, error) {
	query := s.d.Rebind(`SELECT id, name, provider, aws_account_id, aws_region, aws_access_key_id, aws_secret_access_key
		FROM environments WHERE id = $1`)

	var env ir.Environment
	var secret string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&env.ID, &env.Name, &env.Provider, &env.AccountID, &env.Region, &env.AccessKeyID, &secret,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("environment %d: %w", id, ir.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load environment %d: %w", id, err)
	}
	if env.SecretAccessKey, err = s.sealer.Open(secret); err != nil {
		return nil, fmt.Errorf("environment %d: %w", id, err)
	}
	return &env, nil
}

// CreateProduct inserts p and sets its ID.
func (s *Store) CreateProduct(ctx context.Context, p *ir.Product) error {
	password, err := s.sealer.Seal(p.RepositoryPassword)
	if err != nil {
		return err
	}

	query := s.d.Rebind(`INSERT INTO products
		(name, version, repository_url, repository_username, repository_password, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`)
	err = s.db.QueryRowContext(ctx, query,
		p.Name, p.Version, p.RepositoryURL, p.RepositoryUsername, password, s.timestamp(),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create product %s: %w", p.Name, err)
	}
	return nil
}

// LoadProduct returns the product with id, or ir.ErrNotFound.
func (s *Store) LoadProduct(ctx context.Context, id int64) (*ir.Product, error) {
	query := s.d.Rebind(`SELECT id, name, version, repository_url, repository_username, repository_password
		FROM products WHERE id = $1`)

	var p ir.Product
	var password string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Version, &p.RepositoryURL, &p.RepositoryUsername, &password,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ir.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product %d: %w", id, err)
	}
	if p.RepositoryPassword, err = s.sealer.Open(password); err != nil {
		return nil, fmt.Errorf("product %d: %w", id, err)
	}
	return &p, nil
}

// CreateDeployment records req as a QUEUED deployment and returns it.
func (s *Store) CreateDeployment(ctx context.Context, req ir.DeploymentRequest) (*ir.Deployment, error) {
	if req.Name == "" {
		return nil, &ir.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	dep := &ir.Deployment{DeploymentRequest: req, Status: ir.StatusQueued, CreatedAt: now, UpdatedAt: now}

	query := s.d.Rebind(`INSERT INTO deployments
		(name, environment_id, stack_id, product_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`)
	err = tx.QueryRowContext(ctx, query,
		req.Name, req.EnvironmentID, req.StackID, req.ProductID, string(ir.StatusQueued), now, now,
	).Scan(&dep.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment %s: %w", req.Name, err)
	}

	insert := s.d.Rebind(`INSERT INTO deployment_overrides (deployment_id, scope, name, value) VALUES ($1, $2, $3, $4)`)
	for scope, props := range map[string][]ir.Property{scopeStack: req.StackProperties, scopeProduct: req.ProductProperties} {
		for _, p := range props {
			if _, err := tx.ExecContext(ctx, insert, dep.ID, scope, p.Name, p.Value); err != nil {
				return nil, fmt.Errorf("failed to record %s override %s: %w", scope, p.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deployment %s: %w", req.Name, err)
	}
	return dep, nil
}

// LoadDeployment returns the deployment with id including its overrides
// and properties, or ir.ErrNotFound.
func (s *Store) LoadDeployment(ctx context.Context, id int64) (*ir.Deployment, error) {
	query := s.d.Rebind(`SELECT id, name, environment_id, stack_id, product_id, status, created_at, updated_at, deleted_at
		FROM deployments WHERE id = $1`)

	var dep ir.Deployment
	var status string
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&dep.ID, &dep.Name, &dep.EnvironmentID, &dep.StackID, &dep.ProductID,
		&status, &dep.CreatedAt, &dep.UpdatedAt, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %d: %w", id, ir.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment %d: %w", id, err)
	}
	if dep.Status, err = ir.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("deployment %d: %w", id, err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		dep.DeletedAt = &t
	}

	if err := s.loadOverrides(ctx, &dep); err != nil {
		return nil, err
	}
	if dep.Properties, err = s.ListProperties(ctx, id); err != nil {
		return nil, err
	}
	return &dep, nil
}

func (s *Store) loadOverrides(ctx context.Context, dep *ir.Deployment) error {
	query := s.d.Rebind(`SELECT scope, name, value FROM deployment_overrides WHERE deployment_id = $1 ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, query, dep.ID)
	if err != nil {
		return fmt.Errorf("failed to load overrides for deployment %d: %w", dep.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var scope string
		var p ir.Property
		if err := rows.Scan(&scope, &p.Name, &p.Value); err != nil {
			return fmt.Errorf("failed to scan override: %w", err)
		}
		switch scope {
		case scopeStack:
			dep.StackProperties = append(dep.StackProperties, p)
		case scopeProduct:
			dep.ProductProperties = append(dep.ProductProperties, p)
		}
	}
	return rows.Err()
}

// ListProperties returns the deployment's properties in insertion order.
func (s *Store) ListProperties(ctx context.Context, deploymentID int64) ([]ir.ResourceProperty, error) {
	query := s.d.Rebind(`SELECT id, deployment_id, name, value, created_at
		FROM resource_properties WHERE deployment_id = $1 ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties for deployment %d: %w", deploymentID, err)
	}
	defer rows.Close()

	var props []ir.ResourceProperty
	for rows.Next() {
		var p ir.ResourceProperty
		if err := rows.Scan(&p.ID, &p.DeploymentID, &p.Name, &p.Value, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan property: %w", err)
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

// SaveStatus sets the deployment's status.
func (s *Store) SaveStatus(ctx context.Context, id int64, status ir.Status) error {
	if !status.Valid() {
		return &ir.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	query := s.d.Rebind(`UPDATE deployments SET status = $1, updated_at = $2 WHERE id = $3`)
	res, err := s.db.ExecContext(ctx, query, string(status), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to save status for deployment %d: %w", id, err)
	}
	return requireRow(res, "deployment", id)
}

// AppendResourceProperties records props in one transaction.
func (s *Store) AppendResourceProperties(ctx context.Context, id int64, props []ir.Property) error {
	if len(props) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	query := s.d.Rebind(`INSERT INTO resource_properties (deployment_id, name, value, created_at) VALUES ($1, $2, $3, $4)`)
	for _, p := range props {
		if _, err := tx.ExecContext(ctx, query, id, p.Name, p.Value, now); err != nil {
			return fmt.Errorf("failed to append property %s to deployment %d: %w", p.Name, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit properties for deployment %d: %w", id, err)
	}
	return nil
}

// MarkDeleted sets the status to DELETED and records when.
func (s *Store) MarkDeleted(ctx context.Context, id int64, at time.Time) error {
	query := s.d.Rebind(`UPDATE deployments SET status = $1, deleted_at = $2, updated_at = $3 WHERE id = $4`)
	res, err := s.db.ExecContext(ctx, query, string(ir.StatusDeleted), at.UTC(), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to mark deployment %d deleted: %w", id, err)
	}
	return requireRow(res, "deployment", id)
}

func requireRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ir.ErrNotFound)
	}
	return nil
}
