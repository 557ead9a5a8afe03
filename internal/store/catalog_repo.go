package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"campaignd/internal/core"
)

func (s *Store) InsertCustomer(ctx context.Context, customer *core.Customer) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO customers (id, code, name, service_id, created_at) VALUES (?, ?, ?, ?, ?)
	`, customer.ID, customer.Code, customer.Name, customer.ServiceID, formatTime(customer.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*core.Customer, error) {
	var (
		c         core.Customer
		createdAt string
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, code, name, service_id, created_at FROM customers WHERE id = ?
	`, id).Scan(&c.ID, &c.Code, &c.Name, &c.ServiceID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) InsertAudienceSnapshot(ctx context.Context, snap *core.AudienceSnapshot) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO audience_snapshots (id, original_filename, stored_path, row_count, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.OriginalFilename, snap.StoredPath, snap.RowCount, snap.Hash, formatTime(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audience snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetAudienceSnapshot(ctx context.Context, id string) (*core.AudienceSnapshot, error) {
	var (
		snap      core.AudienceSnapshot
		createdAt string
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, original_filename, stored_path, row_count, hash, created_at FROM audience_snapshots WHERE id = ?
	`, id).Scan(&snap.ID, &snap.OriginalFilename, &snap.StoredPath, &snap.RowCount, &snap.Hash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audience snapshot: %w", err)
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) InsertCampaign(ctx context.Context, c *core.Campaign) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, customer_id, audience_snapshot_id, selected_file_id, message_text, test_number, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, nullableString(c.Name), c.CustomerID, c.AudienceSnapshotID, nullableString(c.SelectedFileID),
		c.MessageText, nullableString(c.TestNumber), c.Status, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*core.Campaign, error) {
	var (
		c              core.Campaign
		name           sql.NullString
		selectedFileID sql.NullString
		testNumber     sql.NullString
		createdAt      string
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, name, customer_id, audience_snapshot_id, selected_file_id, message_text, test_number, status, created_at
		FROM campaigns WHERE id = ?
	`, id).Scan(&c.ID, &name, &c.CustomerID, &c.AudienceSnapshotID, &selectedFileID, &c.MessageText, &testNumber, &c.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	c.Name = stringPtr(name)
	c.SelectedFileID = stringPtr(selectedFileID)
	c.TestNumber = stringPtr(testNumber)
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) InsertCustomerMedia(ctx context.Context, media *core.CustomerMedia) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO customer_media (id, customer_id, file_id, file_name, file_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, media.ID, media.CustomerID, media.FileID, nullableString(media.FileName), media.FileType, formatTime(media.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert customer media: %w", err)
	}
	return nil
}

// ListCustomerMedia returns a customer's registered media, newest first.
func (s *Store) ListCustomerMedia(ctx context.Context, customerID string) ([]*core.CustomerMedia, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, customer_id, file_id, file_name, file_type, created_at
		FROM customer_media WHERE customer_id = ? ORDER BY created_at DESC
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list customer media: %w", err)
	}
	defer rows.Close()
	var out []*core.CustomerMedia
	for rows.Next() {
		var (
			m         core.CustomerMedia
			fileName  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.CustomerID, &m.FileID, &fileName, &m.FileType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan customer media: %w", err)
		}
		m.FileName = stringPtr(fileName)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
