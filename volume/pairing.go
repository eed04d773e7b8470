package volume

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// TRANSFER PAIRING - Audit that both legs of a movement were recorded
// =============================================================================

// transferKey identifies one physical movement by its endpoints and volume.
type transferKey struct {
	from, to BatchID
	moved    string // decimal string; trailing zeros trimmed
}

// AuditTransferPairs matches TransferOut legs with TransferIn legs across the
// given batches and reports every leg without a partner.
//
// Only movements whose both endpoints are in events are audited; a leg whose
// counterpart batch was not fetched cannot be judged. Unmatched legs are
// still applied to their own batch by the reconstructor; this only reports.
func AuditTransferPairs(events map[BatchID][]VolumeEvent, cutoff time.Time) []Anomaly {
	outs := map[transferKey][]VolumeEvent{}
	ins := map[transferKey][]VolumeEvent{}

	for owner, evs := range events {
		for _, e := range evs {
			if !countable(e, cutoff) || e.Header().BatchID != owner {
				continue
			}
			switch ev := e.(type) {
			case TransferOut:
				if _, ok := events[ev.ToBatch]; !ok {
					continue
				}
				k := transferKey{from: owner, to: ev.ToBatch, moved: ev.Moved.Liters.String()}
				outs[k] = append(outs[k], e)
			case TransferIn:
				if _, ok := events[ev.FromBatch]; !ok {
					continue
				}
				k := transferKey{from: ev.FromBatch, to: owner, moved: ev.Moved.Liters.String()}
				ins[k] = append(ins[k], e)
			}
		}
	}

	var anomalies []Anomaly
	report := func(legs []VolumeEvent, missing string) {
		for _, e := range legs {
			cp, _ := Counterpart(e)
			h := e.Header()
			anomalies = append(anomalies, Anomaly{
				Kind:        AnomalyUnmatchedTransferLeg,
				BatchID:     h.BatchID,
				EventID:     h.ID,
				Counterpart: cp,
				Volume:      legVolume(e),
				Detail:      fmt.Sprintf("%s has no matching %s on %s", e.Kind(), missing, cp),
			})
		}
	}

	for k, outLegs := range outs {
		inLegs := ins[k]
		n := min(len(outLegs), len(inLegs))
		report(outLegs[n:], string(KindTransferIn))
		if n < len(inLegs) {
			report(inLegs[n:], string(KindTransferOut))
		}
		delete(ins, k)
	}
	for _, inLegs := range ins {
		report(inLegs, string(KindTransferOut))
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		if anomalies[i].BatchID != anomalies[j].BatchID {
			return anomalies[i].BatchID < anomalies[j].BatchID
		}
		return anomalies[i].EventID < anomalies[j].EventID
	})
	return anomalies
}
