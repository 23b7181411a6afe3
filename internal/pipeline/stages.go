package pipeline

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/flowguard/internal/enrich"
	"github.com/telhawk-systems/flowguard/internal/models"
	"github.com/telhawk-systems/flowguard/internal/persist"
)

// Submitter hands a record to the export path. *export.Dispatcher
// satisfies it.
type Submitter interface {
	Submit(ctx context.Context, rec *models.Record) error
}

// Components are the collaborators the standard stage sequence needs. Any
// nil collaborator turns its stage into a pass-through.
type Components struct {
	Geo        enrich.GeoProvider
	ASN        enrich.ASNProvider
	Indicators []*enrich.IndicatorSet
	Store      persist.Store
	Dispatcher Submitter
}

// Stages builds the fixed enrichment sequence.
func Stages(c Components) []Stage {
	return []Stage{
		GeoStage(c.Geo, c.ASN),
		ThreatStage(c.Indicators),
		RiskStage(),
		PersistStage(c.Store),
		DispatchStage(c.Dispatcher),
	}
}

// GeoStage attaches geolocation and network ownership for the record's most
// relevant address. Misses leave the fields nil.
func GeoStage(geo enrich.GeoProvider, asn enrich.ASNProvider) Stage {
	return Stage{Name: StageEnrichGeo, Run: func(ctx context.Context, rec *models.Record) error {
		addr := enrich.RelevantAddr(rec)
		if !addr.IsValid() {
			return nil
		}
		if geo != nil {
			info, ok, err := geo.LookupGeo(ctx, addr)
			if err != nil {
				return fmt.Errorf("geo lookup %s: %w", addr, err)
			}
			if ok {
				rec.Geo = info
			}
		}
		if asn != nil {
			info, ok, err := asn.LookupASN(ctx, addr)
			if err != nil {
				return fmt.Errorf("asn lookup %s: %w", addr, err)
			}
			if ok {
				rec.ASN = info
			}
		}
		return nil
	}}
}

func ThreatStage(sets []*enrich.IndicatorSet) Stage {
	return Stage{Name: StageThreatMatch, Run: func(_ context.Context, rec *models.Record) error {
		rec.ThreatMatches = enrich.MatchAll(sets, rec)
		return nil
	}}
}

func RiskStage() Stage {
	return Stage{Name: StageRiskScore, Run: func(_ context.Context, rec *models.Record) error {
		score := enrich.RiskScore(rec)
		rec.RiskScore = &score
		return nil
	}}
}

func PersistStage(store persist.Store) Stage {
	return Stage{Name: StagePersist, Run: func(ctx context.Context, rec *models.Record) error {
		if store == nil {
			return nil
		}
		return store.Append(ctx, rec)
	}}
}

func DispatchStage(sub Submitter) Stage {
	return Stage{Name: StageDispatch, Run: func(ctx context.Context, rec *models.Record) error {
		if sub == nil {
			return nil
		}
		return sub.Submit(ctx, rec)
	}}
}
