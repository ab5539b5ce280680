package schema

import (
	"fmt"
	"time"
)

// Staff is a member of staff.
type Staff struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Role         string    `json:"role,omitempty"`
	Department   string    `json:"department,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	ProfileImage string    `json:"profile_image,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	SyncMeta
}

func (s *Staff) Collection() Collection { return CollectionStaff }
func (s *Staff) RecordID() string { return s.ID }
func (s *Staff) SetRecordID(id string) { s.ID = id }
func (s *Staff) ModifiedAt() time.Time { return s.UpdatedAt }
func (s *Staff) CreatedTime() time.Time { return s.CreatedAt }
func (s *Staff) ParentID() string { return "" }
func (s *Staff) Rebind(oldID, newID string) bool {
	return rebind(&s.ID, oldID, newID)
}

// Validate checks required fields.
func (s *Staff) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}
