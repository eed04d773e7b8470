/*
Package store holds what the SQL adapters share: the flat row shape of a
volume event and batch, and the codec between rows and the volume types.

PURPOSE:
  Every variant of volume.VolumeEvent flattens into one EventRecord. The
  SQLite adapter stores the record as columns; the Postgres adapter stores
  the variant fields as a JSON payload. Both decode through ToEvent so a
  stored row always becomes the same event.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text (TimeLayout) so string
  comparison in SQL orders the same way as time comparison.

SEE ALSO:
  - store/sqlite/sqlite.go
  - store/postgres/postgres.go
*/
package store

import (
	"fmt"
	"time"

	"github.com/warp/volume-engine/volume"
)

// TimeLayout is the fixed-width UTC layout used for stored timestamps.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// ChunkSize bounds the number of IDs in one IN (...) clause.
const ChunkSize = 500

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout string.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

// Chunk splits ids into slices of at most size.
func Chunk(ids []volume.BatchID, size int) [][]volume.BatchID {
	var out [][]volume.BatchID
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// =============================================================================
// EVENT RECORD
// =============================================================================

// EventPayload holds the variant-specific fields. Unused fields are zero.
//
// Subtype carries ShipmentStatus, LossKind or AdjustmentReason depending on
// the kind. Volume is the headline quantity (moved, added, removed, taken,
// sent, lost or the signed adjustment); Loss is the secondary one.
type EventPayload struct {
	Counterpart        string `json:"counterpart,omitempty"`
	ExternalSource     bool   `json:"external_source,omitempty"`
	Volume             string `json:"volume"`
	Loss               string `json:"loss,omitempty"`
	UnitsProduced      int64  `json:"units_produced,omitempty"`
	UnitSizeMl         int64  `json:"unit_size_ml,omitempty"`
	Voided             bool   `json:"voided,omitempty"`
	Subtype            string `json:"subtype,omitempty"`
	HistoricalBackfill bool   `json:"historical_backfill,omitempty"`
}

// EventRecord is the stored form of one volume event.
type EventRecord struct {
	ID      string
	BatchID string
	Kind    string
	At      time.Time
	Deleted bool
	EventPayload
}

// FromEvent flattens e.
func FromEvent(e volume.VolumeEvent) (EventRecord, error) {
	h := e.Header()
	rec := EventRecord{
		ID:      string(h.ID),
		BatchID: string(h.BatchID),
		Kind:    string(e.Kind()),
		At:      h.At.UTC(),
		Deleted: h.Deleted,
	}
	p := &rec.EventPayload
	switch ev := e.(type) {
	case volume.TransferOut:
		p.Counterpart, p.Volume, p.Loss = string(ev.ToBatch), liters(ev.Moved), liters(ev.Lost)
	case volume.TransferIn:
		p.Counterpart, p.Volume = string(ev.FromBatch), liters(ev.Moved)
	case volume.MergeIn:
		p.Counterpart, p.ExternalSource, p.Volume = string(ev.Source.Batch), ev.Source.External, liters(ev.Added)
	case volume.MergeOut:
		p.Counterpart, p.Volume = string(ev.ToBatch), liters(ev.Removed)
	case volume.PackagingRun:
		p.Volume, p.Loss = liters(ev.Taken), liters(ev.DeclaredLoss)
		p.UnitsProduced, p.UnitSizeMl, p.Voided = ev.UnitsProduced, ev.UnitSizeMl, ev.Voided
	case volume.KegFill:
		p.Volume, p.Loss, p.Voided = liters(ev.Taken), liters(ev.DeclaredLoss), ev.Voided
	case volume.DistillationShipment:
		p.Volume, p.Subtype = liters(ev.Sent), string(ev.Status)
	case volume.ProcessLoss:
		p.Volume, p.Subtype, p.HistoricalBackfill = liters(ev.Lost), string(ev.LossKind), ev.HistoricalBackfill
	case volume.VolumeAdjustment:
		p.Volume, p.Subtype = liters(ev.Amount), string(ev.Reason)
	default:
		return EventRecord{}, fmt.Errorf("encode event %s: unsupported kind %q", h.ID, e.Kind())
	}
	return rec, nil
}

// ToEvent rebuilds the volume event.
func (r EventRecord) ToEvent() (volume.VolumeEvent, error) {
	h := volume.EventHeader{
		ID:      volume.EventID(r.ID),
		BatchID: volume.BatchID(r.BatchID),
		At:      r.At,
		Deleted: r.Deleted,
	}
	v, err := parseLiters(r.Volume)
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", r.ID, err)
	}
	loss, err := parseLiters(r.Loss)
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", r.ID, err)
	}
	cp := volume.BatchID(r.Counterpart)

	switch volume.EventKind(r.Kind) {
	case volume.KindTransferOut:
		return volume.TransferOut{EventHeader: h, ToBatch: cp, Moved: v, Lost: loss}, nil
	case volume.KindTransferIn:
		return volume.TransferIn{EventHeader: h, FromBatch: cp, Moved: v}, nil
	case volume.KindMergeIn:
		return volume.MergeIn{EventHeader: h, Source: volume.MergeSource{Batch: cp, External: r.ExternalSource}, Added: v}, nil
	case volume.KindMergeOut:
		return volume.MergeOut{EventHeader: h, ToBatch: cp, Removed: v}, nil
	case volume.KindPackagingRun:
		return volume.PackagingRun{
			EventHeader: h, Taken: v, DeclaredLoss: loss,
			UnitsProduced: r.UnitsProduced, UnitSizeMl: r.UnitSizeMl, Voided: r.Voided,
		}, nil
	case volume.KindKegFill:
		return volume.KegFill{EventHeader: h, Taken: v, DeclaredLoss: loss, Voided: r.Voided}, nil
	case volume.KindDistillationShipment:
		return volume.DistillationShipment{EventHeader: h, Sent: v, Status: volume.ShipmentStatus(r.Subtype)}, nil
	case volume.KindProcessLoss:
		return volume.ProcessLoss{EventHeader: h, LossKind: volume.LossKind(r.Subtype), Lost: v, HistoricalBackfill: r.HistoricalBackfill}, nil
	case volume.KindVolumeAdjustment:
		return volume.VolumeAdjustment{EventHeader: h, Amount: v, Reason: volume.AdjustmentReason(r.Subtype)}, nil
	}
	return nil, fmt.Errorf("decode event %s: unknown kind %q", r.ID, r.Kind)
}

func liters(v volume.Volume) string { return v.Liters.String() }

func parseLiters(s string) (volume.Volume, error) {
	if s == "" {
		return volume.Zero(), nil
	}
	return volume.ParseLiters(s)
}
