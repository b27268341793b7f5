package models

// Group represents a category/group for channels (e.g. group-title from M3U).
type Group struct {
	ID       int64  `json:"id,omitempty" db:"id"`
	Name     string `json:"name" db:"name"`
	SourceID int64  `json:"source_id" db:"source_id"`
}

// DefaultGroupName is used for channels without a group-title.
const DefaultGroupName = "Uncategorized"
