// Package discovery persists what the collector and inspector learned
// about the fleet: router inventory, BGP group membership, and router-AS
// mappings, with a filesystem history of snapshots and cross-referenced
// reports. Rows refresh their last_confirmed timestamp on re-discovery
// and are never deleted implicitly; disappearances surface through
// snapshot diffs instead.
package discovery

import (
	"context"
	"time"

	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Recorder ties the store to the filesystem artifacts. After upserting a
// batch of profiles it writes a history snapshot, diffs against the
// previous one, and refreshes the reports.
type Recorder struct {
	store        *Store
	discoveryDir string
	reportDir    string
}

// NewRecorder binds a store to the configured output directories. Empty
// directories disable the corresponding artifact.
func NewRecorder(store *Store, cfg config.OutputConfig) *Recorder {
	return &Recorder{store: store, discoveryDir: cfg.DiscoveryDir, reportDir: cfg.ReportDir}
}

// Record persists the profiles and returns the mapping diff against the
// previous snapshot. On a first run the diff lists every mapping as
// added.
func (r *Recorder) Record(ctx context.Context, profiles []*model.RouterProfile) (Diff, error) {
	for _, p := range profiles {
		if err := r.store.UpsertProfile(ctx, p); err != nil {
			return Diff{}, err
		}
	}
	cur, err := r.store.Mappings(ctx)
	if err != nil {
		return Diff{}, err
	}

	var prev []Mapping
	if r.discoveryDir != "" {
		snap, path, err := LatestSnapshot(r.discoveryDir)
		if err != nil {
			// A corrupt baseline must not block discovery; diff from empty.
			util.Warnf("unreadable discovery baseline %s: %v", path, err)
		} else if snap != nil {
			prev = snap.Mappings
		}
		if _, err := WriteSnapshot(r.discoveryDir, &Snapshot{TakenAt: time.Now().UTC(), Mappings: cur}); err != nil {
			return Diff{}, err
		}
	}

	diff := DiffMappings(prev, cur)
	if diff.Changed() {
		util.Infof("discovery: %d router(s) recorded, %d mapping(s) added, %d removed",
			len(profiles), len(diff.Added), len(diff.Removed))
	} else {
		util.Debugf("discovery: %d router(s) recorded, no mapping changes", len(profiles))
	}

	if r.reportDir != "" {
		routers, err := r.store.Routers(ctx)
		if err != nil {
			return diff, err
		}
		if err := NewMatrix(routers, cur).WriteAll(r.reportDir); err != nil {
			return diff, err
		}
	}
	return diff, nil
}
