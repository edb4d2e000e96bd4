package memstore

import (
	"sort"

	"pairsync/internal/remote"
)

// sortRecords orders a query result by the requested field. Times sort by
// their RFC 3339 encoding, which is order-preserving; absent fields sort
// first. Ties fall back to record ID so results are deterministic.
func sortRecords(recs []remote.Record, q remote.Query) {
	if q.SortBy == "" {
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
		return
	}
	key := func(r remote.Record) string {
		switch v := r.Fields[q.SortBy].(type) {
		case string:
			return v
		default:
			return ""
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := key(recs[i]), key(recs[j])
		if a == b {
			return recs[i].ID < recs[j].ID
		}
		if q.SortDesc {
			return a > b
		}
		return a < b
	})
}
