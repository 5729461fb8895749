package store

import (
	"context"
	"database/sql"
)

const (
	getProfileSQL = "SELECT id, name, avatar_url FROM users WHERE id=?"
	putProfileSQL = "INSERT INTO users (id, name, avatar_url) VALUES (?,?,?) " +
		"ON DUPLICATE KEY UPDATE name=VALUES(name), avatar_url=VALUES(avatar_url)"
)

func (s *sqlStore) Profile(ctx context.Context, uid string) (*Profile, error) {
	var p Profile
	row := s.QueryRowContext(ctx, getProfileSQL, uid)
	if err := row.Scan(&p.Id, &p.Name, &p.AvatarUrl); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *sqlStore) PutProfile(ctx context.Context, p *Profile) error {
	_, err := s.ExecContext(ctx, putProfileSQL, p.Id, p.Name, p.AvatarUrl)
	return err
}
