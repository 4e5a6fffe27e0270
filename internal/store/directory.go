package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/loyaltywallet/internal/model"
)

// DirectoryStore holds the business and customer records the ledger reads
// when applying points policy and checking that parties exist.
type DirectoryStore struct {
	db *sql.DB
}

func NewDirectoryStore(db *sql.DB) *DirectoryStore {
	return &DirectoryStore{db: db}
}

func (s *DirectoryStore) conn(q DBTX) DBTX {
	if q == nil {
		return s.db
	}
	return q
}

// --- Business methods ---

func scanBusiness(scanner interface{ Scan(...any) error }) (*model.Business, error) {
	var b model.Business
	if err := scanner.Scan(&b.ID, &b.Name, &b.PointsPerDollar, &b.CreatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

const businessCols = `id, name, points_per_dollar, created_at`

func (s *DirectoryStore) CreateBusiness(ctx context.Context, name string, pointsPerDollar int) (*model.Business, error) {
	b := &model.Business{
		ID:              uuid.NewString(),
		Name:            name,
		PointsPerDollar: pointsPerDollar,
		CreatedAt:       time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO businesses (id, name, points_per_dollar, created_at) VALUES (?, ?, ?, ?)`,
		b.ID, b.Name, b.PointsPerDollar, b.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert business: %w", err)
	}
	return b, nil
}

// GetBusiness returns the business, or nil if none exists.
func (s *DirectoryStore) GetBusiness(ctx context.Context, q DBTX, id string) (*model.Business, error) {
	row := s.conn(q).QueryRowContext(ctx, `SELECT `+businessCols+` FROM businesses WHERE id = ?`, id)
	b, err := scanBusiness(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get business: %w", err)
	}
	return b, nil
}

// ListBusinesses returns businesses whose name contains search
// (case-insensitive), ordered by name, plus the total match count.
func (s *DirectoryStore) ListBusinesses(ctx context.Context, search string, limit, offset int) ([]model.Business, int64, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(search)) + "%"

	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM businesses WHERE lower(name) LIKE ?`, pattern,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count businesses: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+businessCols+` FROM businesses WHERE lower(name) LIKE ? ORDER BY name ASC, id ASC LIMIT ? OFFSET ?`,
		pattern, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list businesses: %w", err)
	}
	defer rows.Close()

	var businesses []model.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan business: %w", err)
		}
		businesses = append(businesses, *b)
	}
	return businesses, total, rows.Err()
}

// --- Customer methods ---

func (s *DirectoryStore) CreateCustomer(ctx context.Context, phoneNumber string) (*model.Customer, error) {
	c := &model.Customer{
		ID:          uuid.NewString(),
		PhoneNumber: phoneNumber,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, phone_number, created_at) VALUES (?, ?, ?)`,
		c.ID, c.PhoneNumber, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("insert customer: %w", ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}
	return c, nil
}

// GetCustomer returns the customer, or nil if none exists.
func (s *DirectoryStore) GetCustomer(ctx context.Context, q DBTX, id string) (*model.Customer, error) {
	var c model.Customer
	err := s.conn(q).QueryRowContext(ctx,
		`SELECT id, phone_number, created_at FROM customers WHERE id = ?`, id,
	).Scan(&c.ID, &c.PhoneNumber, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}
