package enrich

import (
	"context"
	"errors"

	"github.com/quay/zlog"
)

// SessionStats summarizes one session flagging pass.
type SessionStats struct {
	Sessions       int64
	VTFlagged      int64
	DShieldFlagged int64
}

// EnrichSessions walks sessions that have not been through an
// enrichment pass yet, enriches each session's source IP and recorded
// downloads, and folds the threat flags back onto the session row.
// A session is visited once: the write stamps the enrichment time,
// which takes it out of the candidate set.
func (s *Service) EnrichSessions(ctx context.Context, limit int) (SessionStats, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "enrich/Service.EnrichSessions")
	var stats SessionStats
	if s.sessions == nil {
		return stats, errors.New("enrich: no session store configured")
	}
	refs, err := s.sessions.UnflaggedSessions(ctx, limit)
	if err != nil {
		return stats, err
	}
	for _, ref := range refs {
		res, err := s.EnrichIP(ctx, ref.SourceIP)
		if err != nil {
			return stats, err
		}
		vt := false
		downloads, err := s.sessions.SessionDownloads(ctx, ref.SessionID)
		if err != nil {
			return stats, err
		}
		for _, d := range downloads {
			fr, err := s.EnrichFile(ctx, d.Hash, d.URL)
			if err != nil {
				return stats, err
			}
			vt = vt || fr.VTFlagged
		}
		if err := s.sessions.FlagSession(ctx, ref.SessionID, vt, res.DShieldFlagged); err != nil {
			return stats, err
		}
		stats.Sessions++
		if vt {
			stats.VTFlagged++
		}
		if res.DShieldFlagged {
			stats.DShieldFlagged++
		}
		zlog.Debug(ctx).
			Str("session", ref.SessionID).
			Bool("vt", vt).
			Bool("dshield", res.DShieldFlagged).
			Msg("session flagged")
	}
	zlog.Info(ctx).
		Int64("sessions", stats.Sessions).
		Int64("vt_flagged", stats.VTFlagged).
		Int64("dshield_flagged", stats.DShieldFlagged).
		Msg("session flagging pass complete")
	return stats, nil
}
