package reattach

import (
	"context"

	"go.olrik.dev/warden/internal/db"
	"go.olrik.dev/warden/internal/session"
)

// SQLiteStore keeps reattach records in the daemon database
type SQLiteStore struct {
	db *db.DB
}

func NewSQLiteStore(database *db.DB) *SQLiteStore {
	return &SQLiteStore{db: database}
}

func (s *SQLiteStore) Save(ctx context.Context, info session.ReattachInfo) error {
	data, err := encode(info)
	if err != nil {
		return &PersistenceError{Op: "save", InstanceID: info.InstanceID, Err: err}
	}
	if err := s.db.SaveReattachInfo(info.InstanceID, data); err != nil {
		return &PersistenceError{Op: "save", InstanceID: info.InstanceID, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, instanceID string) (*session.ReattachInfo, error) {
	data, err := s.db.LoadReattachInfo(instanceID)
	if err != nil {
		return nil, &PersistenceError{Op: "load", InstanceID: instanceID, Err: err}
	}
	if data == nil {
		return nil, nil
	}
	info, err := decode(data)
	if err != nil {
		return nil, &PersistenceError{Op: "load", InstanceID: instanceID, Err: err}
	}
	return info, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, instanceID string) error {
	if err := s.db.ClearReattachInfo(instanceID); err != nil {
		return &PersistenceError{Op: "clear", InstanceID: instanceID, Err: err}
	}
	return nil
}
