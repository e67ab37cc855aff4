package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

var ErrVersionMismatch = errors.New("version does not belong to product")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	products, err := r.ProductsByID(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	product, ok := products[id]
	if !ok {
		return nil, nil
	}
	return &product, nil
}

// ProductsByID returns the products that exist among ids, keyed by id.
func (r *Repository) ProductsByID(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	products := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, type, price, requires_license, license_max_activations, license_valid_days
		FROM products
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var p domain.Product
		var maxActivations, validDays sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.Price, &p.RequiresLicense, &maxActivations, &validDays); err != nil {
			return nil, err
		}
		p.LicenseMaxActivations = int(maxActivations.Int64)
		p.LicenseValidDays = int(validDays.Int64)
		products[p.ID] = p
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

// ListFiles returns the files attached to a product version, or the base
// product files when versionID is empty.
func (r *Repository) ListFiles(ctx context.Context, productID, versionID string) ([]domain.ProductFile, error) {
	query := `
		SELECT id, product_id, COALESCE(version_id, ''), file_name, file_key, content_type, size_bytes, created_at
		FROM product_files
		WHERE product_id = $1 AND version_id IS NULL
		ORDER BY created_at, file_name
	`
	args := []any{productID}
	if versionID != "" {
		query = `
			SELECT id, product_id, COALESCE(version_id, ''), file_name, file_key, content_type, size_bytes, created_at
			FROM product_files
			WHERE product_id = $1 AND version_id = $2
			ORDER BY created_at, file_name
		`
		args = append(args, versionID)
	}

	return r.queryFiles(ctx, query, args...)
}

// ListAllFiles returns every file of a product across versions.
func (r *Repository) ListAllFiles(ctx context.Context, productID string) ([]domain.ProductFile, error) {
	return r.queryFiles(ctx, `
		SELECT id, product_id, COALESCE(version_id, ''), file_name, file_key, content_type, size_bytes, created_at
		FROM product_files
		WHERE product_id = $1
		ORDER BY created_at, file_name
	`, productID)
}

func (r *Repository) queryFiles(ctx context.Context, query string, args ...any) ([]domain.ProductFile, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	files := []domain.ProductFile{}
	for rows.Next() {
		var f domain.ProductFile
		if err := rows.Scan(&f.ID, &f.ProductID, &f.VersionID, &f.FileName, &f.FileKey, &f.ContentType, &f.SizeBytes, &f.CreatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return files, nil
}

// CheckVersion returns ErrVersionMismatch unless versionID is empty or a
// version of productID.
func (r *Repository) CheckVersion(ctx context.Context, productID, versionID string) error {
	if versionID == "" {
		return nil
	}

	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT product_id FROM product_versions WHERE id = $1`, versionID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionMismatch
		}
		return err
	}
	if owner != productID {
		return ErrVersionMismatch
	}
	return nil
}

func (r *Repository) CreateFile(ctx context.Context, file *domain.ProductFile) error {
	file.ID = uuid.New().String()
	file.CreatedAt = time.Now().UTC()

	var versionID sql.NullString
	if file.VersionID != "" {
		versionID = sql.NullString{String: file.VersionID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO product_files (id, product_id, version_id, file_name, file_key, content_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, file.ID, file.ProductID, versionID, file.FileName, file.FileKey, file.ContentType, file.SizeBytes, file.CreatedAt)
	return err
}
