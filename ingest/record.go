package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Record is the source-agnostic form of one raw registry item. Nil pointer
// fields mean the registry did not report a value.
type Record struct {
	Source           string
	SourceFacilityID string
	Type             string
	Name             string

	Sido         *string
	Sigungu      *string
	Eupmyeondong *string
	Address      *string
	Latitude     *float64
	Longitude    *float64

	Status             *string
	FacilityTypeDetail *string
	PostalCode         *string
	Phone              *string
	Fax                *string
	HomepageURL        *string
	ApprovedDate       *string

	Capacity        *int
	CurrentEnrolled *int
	TeachersCount   *int
	ClassroomsCount *int
	CCTVCount       *int
	BusOperated     *bool

	// Extension holds source-specific semantic fields.
	Extension map[string]any

	Payload     map[string]any
	PayloadHash string
	DataHash    string
}

// semanticView is the curated projection used for change detection. It must
// never include fetch times or the raw payload.
func (r *Record) semanticView() map[string]any {
	return map[string]any{
		"type":                 r.Type,
		"name":                 r.Name,
		"sido":                 r.Sido,
		"sigungu":              r.Sigungu,
		"eupmyeondong":         r.Eupmyeondong,
		"address":              r.Address,
		"latitude":             r.Latitude,
		"longitude":            r.Longitude,
		"status":               r.Status,
		"facility_type_detail": r.FacilityTypeDetail,
		"postal_code":          r.PostalCode,
		"phone":                r.Phone,
		"fax":                  r.Fax,
		"homepage_url":         r.HomepageURL,
		"approved_date":        r.ApprovedDate,
		"capacity":             r.Capacity,
		"current_enrolled":     r.CurrentEnrolled,
		"teachers_count":       r.TeachersCount,
		"classrooms_count":     r.ClassroomsCount,
		"cctv_count":           r.CCTVCount,
		"bus_operated":         r.BusOperated,
		"extension":            r.Extension,
	}
}

// seal computes both digests. payload_hash covers the verbatim item,
// data_hash only the semantic projection.
func (r *Record) seal() error {
	ph, err := StableDigest(r.Payload)
	if err != nil {
		return fmt.Errorf("payload hash: %w", err)
	}
	dh, err := StableDigest(r.semanticView())
	if err != nil {
		return fmt.Errorf("data hash: %w", err)
	}
	r.PayloadHash = ph
	r.DataHash = dh
	return nil
}

func (r *Record) facility(now time.Time) (Facility, error) {
	ext := datatypes.JSON("{}")
	if len(r.Extension) > 0 {
		b, err := CanonicalJSON(r.Extension)
		if err != nil {
			return Facility{}, err
		}
		ext = datatypes.JSON(b)
	}
	return Facility{
		Source:             r.Source,
		SourceFacilityID:   r.SourceFacilityID,
		Type:               r.Type,
		Name:               r.Name,
		Sido:               r.Sido,
		Sigungu:            r.Sigungu,
		Eupmyeondong:       r.Eupmyeondong,
		Address:            r.Address,
		Latitude:           r.Latitude,
		Longitude:          r.Longitude,
		Status:             r.Status,
		FacilityTypeDetail: r.FacilityTypeDetail,
		PostalCode:         r.PostalCode,
		Phone:              r.Phone,
		Fax:                r.Fax,
		HomepageURL:        r.HomepageURL,
		ApprovedDate:       r.ApprovedDate,
		Capacity:           r.Capacity,
		CurrentEnrolled:    r.CurrentEnrolled,
		TeachersCount:      r.TeachersCount,
		ClassroomsCount:    r.ClassroomsCount,
		CCTVCount:          r.CCTVCount,
		BusOperated:        r.BusOperated,
		Extension:          ext,
		DataHash:           r.DataHash,
		LastSyncedAt:       now,
		LastSeenAt:         now,
	}, nil
}

func jsonValue(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
