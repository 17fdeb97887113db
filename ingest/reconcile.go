package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome reports what one reconcile did.
type Outcome struct {
	Upserted int
	Changed  int
	Events   []string
}

// Reconciler writes normalized records into the archival and canonical stores
// and appends change events.
type Reconciler struct {
	db      *gorm.DB
	locks   KeyedMutex
	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewReconciler(db *gorm.DB, log zerolog.Logger, m *Metrics) *Reconciler {
	return &Reconciler{db: db, log: log, metrics: m, now: time.Now}
}

// Reconcile persists rec. The archival copy is always overwritten; the
// canonical row and its events are written in one transaction, under a
// per-identity lock so overlapping runs in this process cannot both observe
// "no prior row".
func (r *Reconciler) Reconcile(ctx context.Context, rec *Record) (Outcome, error) {
	unlock := r.locks.Lock(rec.Source + "\x00" + rec.SourceFacilityID)
	defer unlock()

	now := r.now().UTC()
	db := r.db.WithContext(ctx)

	payload, err := jsonValue(rec.Payload)
	if err != nil {
		return Outcome{}, persistErr("encode payload", err)
	}
	src := SourceRecord{
		Source:           rec.Source,
		SourceFacilityID: rec.SourceFacilityID,
		FetchedAt:        now,
		Payload:          payload,
		PayloadHash:      rec.PayloadHash,
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}, {Name: "source_facility_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fetched_at", "payload", "payload_hash"}),
	}).Create(&src).Error
	if err != nil {
		return Outcome{}, persistErr("upsert source record", err)
	}

	next, err := rec.facility(now)
	if err != nil {
		return Outcome{}, persistErr("encode facility", err)
	}

	var events []FacilityChangeEvent
	err = db.Transaction(func(tx *gorm.DB) error {
		var prev Facility
		found := true
		err := tx.Where("source = ? AND source_facility_id = ?", rec.Source, rec.SourceFacilityID).Take(&prev).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			return persistErr("read facility", err)
		}

		if found {
			next.ID = prev.ID
			next.CreatedAt = prev.CreatedAt
			if err := tx.Save(&next).Error; err != nil {
				return persistErr("update facility", err)
			}
		} else {
			if err := tx.Create(&next).Error; err != nil {
				return persistErr("insert facility", err)
			}
		}

		var old *Facility
		if found {
			old = &prev
		}
		events, err = diffEvents(old, &next, now)
		if err != nil {
			return persistErr("encode events", err)
		}
		if len(events) > 0 {
			if err := tx.Create(&events).Error; err != nil {
				return persistErr("append events", err)
			}
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Upserted: 1}
	if len(events) > 0 {
		out.Changed = 1
		r.metrics.facilityChanged(rec.Source)
	}
	for _, ev := range events {
		out.Events = append(out.Events, ev.EventType)
		r.metrics.changeEvent(rec.Source, ev.EventType)
	}
	if out.Changed > 0 {
		r.log.Debug().
			Str("source", rec.Source).
			Str("source_facility_id", rec.SourceFacilityID).
			Strs("events", out.Events).
			Msg("facility changed")
	}
	return out, nil
}

// diffEvents derives the events for one upsert. A new identity yields a single
// created event. An existing identity yields nothing unless its data hash
// moved; then field-scoped events come first, followed by updated.
func diffEvents(old, cur *Facility, at time.Time) ([]FacilityChangeEvent, error) {
	var out []FacilityChangeEvent
	add := func(kind string, oldV, newV any) error {
		ev := FacilityChangeEvent{FacilityID: cur.ID, Source: cur.Source, EventType: kind, OldValue: jsonNull, CreatedAt: at}
		if oldV != nil {
			b, err := jsonValue(oldV)
			if err != nil {
				return err
			}
			ev.OldValue = b
		}
		b, err := jsonValue(newV)
		if err != nil {
			return err
		}
		ev.NewValue = b
		out = append(out, ev)
		return nil
	}

	if old == nil {
		err := add(EventCreated, nil, map[string]any{
			"status":           cur.Status,
			"capacity":         cur.Capacity,
			"current_enrolled": cur.CurrentEnrolled,
		})
		return out, err
	}
	if old.DataHash == cur.DataHash {
		return nil, nil
	}
	if !samePtr(old.Status, cur.Status) {
		if err := add(EventStatusChanged, map[string]any{"status": old.Status}, map[string]any{"status": cur.Status}); err != nil {
			return nil, err
		}
	}
	if !samePtr(old.Capacity, cur.Capacity) {
		if err := add(EventCapacityChanged, map[string]any{"capacity": old.Capacity}, map[string]any{"capacity": cur.Capacity}); err != nil {
			return nil, err
		}
	}
	if !samePtr(old.CurrentEnrolled, cur.CurrentEnrolled) {
		if err := add(EventEnrollmentChanged, map[string]any{"current_enrolled": old.CurrentEnrolled}, map[string]any{"current_enrolled": cur.CurrentEnrolled}); err != nil {
			return nil, err
		}
	}
	if err := add(EventUpdated, map[string]any{"data_hash": old.DataHash}, map[string]any{"data_hash": cur.DataHash}); err != nil {
		return nil, err
	}
	return out, nil
}

// jsonNull keeps JSON columns non-NULL so they always scan back.
var jsonNull = datatypes.JSON("null")

func samePtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
