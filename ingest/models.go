package ingest

import (
	"time"

	"gorm.io/datatypes"
)

const (
	EventCreated           = "created"
	EventUpdated           = "updated"
	EventStatusChanged     = "status_changed"
	EventCapacityChanged   = "capacity_changed"
	EventEnrollmentChanged = "enrollment_changed"
)

const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// SourceRecord is the archival copy of the last payload received for an
// identity. It is overwritten on every fetch.
type SourceRecord struct {
	ID               uint           `gorm:"primaryKey"`
	Source           string         `gorm:"uniqueIndex:uniq_source_record;size:32;not null"`
	SourceFacilityID string         `gorm:"uniqueIndex:uniq_source_record;size:64;not null"`
	FetchedAt        time.Time      `gorm:"index"`
	Payload          datatypes.JSON `gorm:"not null"`
	PayloadHash      string         `gorm:"size:64;index"`
}

// Facility is the canonical state of one identity. The pipeline never deletes
// facilities; absence from a feed is not a deletion.
type Facility struct {
	ID                 uint   `gorm:"primaryKey"`
	Source             string `gorm:"uniqueIndex:uniq_facility;size:32;not null"`
	SourceFacilityID   string `gorm:"uniqueIndex:uniq_facility;size:64;not null"`
	Type               string `gorm:"index;size:16"` // childcare, kindergarten
	Name               string `gorm:"size:256;not null"`
	Sido               *string
	Sigungu            *string
	Eupmyeondong       *string
	Address            *string `gorm:"type:text"`
	Latitude           *float64
	Longitude          *float64
	Status             *string `gorm:"index;size:32"`
	FacilityTypeDetail *string
	PostalCode         *string `gorm:"size:16"`
	Phone              *string `gorm:"size:64"`
	Fax                *string `gorm:"size:64"`
	HomepageURL        *string `gorm:"column:homepage_url;type:text"`
	ApprovedDate       *string `gorm:"size:32"`
	Capacity           *int
	CurrentEnrolled    *int
	TeachersCount      *int
	ClassroomsCount    *int
	CCTVCount          *int `gorm:"column:cctv_count"`
	BusOperated        *bool
	Extension          datatypes.JSON
	DataHash           string    `gorm:"size:64"`
	LastSyncedAt       time.Time `gorm:"index"`
	LastSeenAt         time.Time `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// FacilityChangeEvent is append-only. OldValue/NewValue hold only the
// dimension that changed.
type FacilityChangeEvent struct {
	ID         uint           `gorm:"primaryKey"`
	FacilityID uint           `gorm:"index;not null"`
	Source     string         `gorm:"index;size:32"`
	EventType  string         `gorm:"index;size:32"`
	OldValue   datatypes.JSON // JSON null for created
	NewValue   datatypes.JSON
	CreatedAt  time.Time `gorm:"index"`
}

// IngestRun is the bookkeeping row for one invocation against one source.
type IngestRun struct {
	ID            uint   `gorm:"primaryKey"`
	RunKey        string `gorm:"uniqueIndex;size:36"`
	Source        string `gorm:"index;size:32"`
	Trigger       string `gorm:"size:16"` // cli, http, loop
	Status        string `gorm:"index;size:16"`
	FetchedCount  int
	UpsertedCount int
	ChangedCount  int
	SkippedCount  int
	Error         string    `gorm:"type:text"`
	StartedAt     time.Time `gorm:"index"`
	FinishedAt    *time.Time
}
