package volume

import (
	"io"
	"sort"

	"github.com/sirupsen/logrus"
)

// AnomalyKind classifies a data-quality signal found during replay.
type AnomalyKind string

const (
	// AnomalyUnresolvedCounterpart: the leg was excluded from the batch.
	AnomalyUnresolvedCounterpart AnomalyKind = "unresolved_counterpart"
	// AnomalyUnmatchedTransferLeg: one side of a transfer has no partner.
	// The leg is still applied to its own batch.
	AnomalyUnmatchedTransferLeg AnomalyKind = "unmatched_transfer_leg"
	// AnomalyForeignEvent: an event owned by another batch reached a replay.
	AnomalyForeignEvent AnomalyKind = "foreign_event"
	// AnomalyClampedNegative: recorded outflows exceeded inflows.
	AnomalyClampedNegative AnomalyKind = "clamped_negative"
	// AnomalyUnknownEvent: an event of an unsupported type was skipped.
	AnomalyUnknownEvent AnomalyKind = "unknown_event"
	// AnomalyOrphanEvent: the waterfall found an event whose owning batch
	// does not exist.
	AnomalyOrphanEvent AnomalyKind = "orphan_event"
)

// Anomaly is recorded for operator review. It never aborts a run.
type Anomaly struct {
	Kind        AnomalyKind `json:"kind"`
	BatchID     BatchID     `json:"batch_id"`
	EventID     EventID     `json:"event_id,omitempty"`
	Counterpart BatchID     `json:"counterpart,omitempty"`
	Volume      Volume      `json:"volume"`
	Detail      string      `json:"detail"`
}

func (a Anomaly) log(logger logrus.FieldLogger) {
	if logger == nil {
		return
	}
	logger.WithFields(logrus.Fields{
		"kind":        a.Kind,
		"batch_id":    a.BatchID,
		"event_id":    a.EventID,
		"counterpart": a.Counterpart,
		"liters":      a.Volume.Liters.String(),
	}).Warn(a.Detail)
}

// SortAnomalies orders anomalies by batch, kind and event for stable output.
func SortAnomalies(as []Anomaly) {
	sort.SliceStable(as, func(i, j int) bool {
		if as[i].BatchID != as[j].BatchID {
			return as[i].BatchID < as[j].BatchID
		}
		if as[i].Kind != as[j].Kind {
			return as[i].Kind < as[j].Kind
		}
		return as[i].EventID < as[j].EventID
	})
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
