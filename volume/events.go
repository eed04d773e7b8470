package volume

import "time"

// =============================================================================
// VOLUME EVENTS - Closed set of everything that changes a batch's volume
// =============================================================================

// EventKind discriminates the VolumeEvent variants.
type EventKind string

const (
	KindTransferOut          EventKind = "transfer_out"
	KindTransferIn           EventKind = "transfer_in"
	KindMergeIn              EventKind = "merge_in"
	KindMergeOut             EventKind = "merge_out"
	KindPackagingRun         EventKind = "packaging_run"
	KindKegFill              EventKind = "keg_fill"
	KindDistillationShipment EventKind = "distillation_shipment"
	KindProcessLoss          EventKind = "process_loss"
	KindVolumeAdjustment     EventKind = "volume_adjustment"
)

// AllKinds lists every event kind. Adapters use it to validate stored rows.
var AllKinds = []EventKind{
	KindTransferOut, KindTransferIn, KindMergeIn, KindMergeOut,
	KindPackagingRun, KindKegFill, KindDistillationShipment,
	KindProcessLoss, KindVolumeAdjustment,
}

// VolumeEvent is implemented only by the variants in this file.
// Events are immutable once recorded; corrections are new events or
// soft-deletions, never edits.
type VolumeEvent interface {
	Header() EventHeader
	Kind() EventKind
	sealed()
}

// EventHeader carries the fields every variant has.
type EventHeader struct {
	ID      EventID
	BatchID BatchID // owning batch: the one whose volume changes
	At      time.Time
	Deleted bool
}

func (h EventHeader) Header() EventHeader { return h }
func (EventHeader) sealed()               {}

// TransferOut is the source leg of a physical movement to another batch.
type TransferOut struct {
	EventHeader
	ToBatch BatchID
	Moved   Volume
	Lost    Volume
}

// TransferIn is the destination leg of a physical movement.
type TransferIn struct {
	EventHeader
	FromBatch BatchID
	Moved     Volume
}

// MergeSource is either another batch or production from outside the cellar.
type MergeSource struct {
	Batch    BatchID
	External bool
}

// MergeIn adds volume to the owning batch.
type MergeIn struct {
	EventHeader
	Source MergeSource
	Added  Volume
}

// MergeOut removes volume from the owning batch into another batch.
type MergeOut struct {
	EventHeader
	ToBatch BatchID
	Removed Volume
}

// PackagingRun bottles or cans product out of the batch.
type PackagingRun struct {
	EventHeader
	Taken         Volume
	DeclaredLoss  Volume
	UnitsProduced int64
	UnitSizeMl    int64
	Voided        bool
}

// KegFill racks product out of the batch into kegs.
type KegFill struct {
	EventHeader
	Taken        Volume
	DeclaredLoss Volume
	Voided       bool
}

// ShipmentStatus is the lifecycle of a distillation shipment.
type ShipmentStatus string

const (
	ShipmentPending   ShipmentStatus = "pending"
	ShipmentSent      ShipmentStatus = "sent"
	ShipmentReceived  ShipmentStatus = "received"
	ShipmentCancelled ShipmentStatus = "cancelled"
)

// Shipped reports whether the liquid has physically left the batch.
func (s ShipmentStatus) Shipped() bool {
	return s == ShipmentSent || s == ShipmentReceived
}

// DistillationShipment sends product to a distillery.
type DistillationShipment struct {
	EventHeader
	Sent   Volume
	Status ShipmentStatus
}

// LossKind is the process step that lost volume.
type LossKind string

const (
	LossRacking   LossKind = "racking"
	LossFiltering LossKind = "filtering"
)

// ProcessLoss records volume lost during a cellar operation.
//
// HistoricalBackfill marks racking entries reconstructed after the fact;
// their volume is already reflected elsewhere.
type ProcessLoss struct {
	EventHeader
	LossKind           LossKind
	Lost               Volume
	HistoricalBackfill bool
}

// AdjustmentReason categorizes a manual volume adjustment.
type AdjustmentReason string

const (
	ReasonInventoryCount AdjustmentReason = "inventory_count"
	ReasonEvaporation    AdjustmentReason = "evaporation"
	ReasonSample         AdjustmentReason = "sample"
	ReasonSpill          AdjustmentReason = "spill"
	ReasonCorrection     AdjustmentReason = "correction"
	ReasonOther          AdjustmentReason = "other"
)

// VolumeAdjustment is a signed manual correction.
type VolumeAdjustment struct {
	EventHeader
	Amount Volume
	Reason AdjustmentReason
}

func (TransferOut) Kind() EventKind          { return KindTransferOut }
func (TransferIn) Kind() EventKind           { return KindTransferIn }
func (MergeIn) Kind() EventKind              { return KindMergeIn }
func (MergeOut) Kind() EventKind             { return KindMergeOut }
func (PackagingRun) Kind() EventKind         { return KindPackagingRun }
func (KegFill) Kind() EventKind              { return KindKegFill }
func (DistillationShipment) Kind() EventKind { return KindDistillationShipment }
func (ProcessLoss) Kind() EventKind          { return KindProcessLoss }
func (VolumeAdjustment) Kind() EventKind     { return KindVolumeAdjustment }

// Counterpart returns the batch a variant references for graph traversal,
// if any. External merge sources have no counterpart.
func Counterpart(e VolumeEvent) (BatchID, bool) {
	switch ev := e.(type) {
	case TransferOut:
		return ev.ToBatch, true
	case TransferIn:
		return ev.FromBatch, true
	case MergeOut:
		return ev.ToBatch, true
	case MergeIn:
		if ev.Source.External {
			return "", false
		}
		return ev.Source.Batch, true
	}
	return "", false
}

// countable reports whether e is visible at cutoff: not soft-deleted and
// recorded at or before cutoff.
func countable(e VolumeEvent, cutoff time.Time) bool {
	h := e.Header()
	return !h.Deleted && !h.At.After(cutoff)
}
