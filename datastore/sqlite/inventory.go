package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quay/honeycore/datastore"
)

// GetInventory implements datastore.InventoryStore.
func (s *Store) GetInventory(ctx context.Context, ip string) (*datastore.Inventory, error) {
	const query = `
SELECT ip_address, first_seen, last_seen, session_count, enrichment,
	current_asn, enrichment_updated_at
FROM ip_inventory
WHERE ip_address = ?;`
	var (
		inv datastore.Inventory
		doc string
	)
	err := s.db.QueryRowContext(ctx, query, ip).Scan(
		&inv.IP, &inv.FirstSeen, &inv.LastSeen, &inv.SessionCount,
		&doc, &inv.CurrentASN, &inv.EnrichmentUpdatedAt,
	)
	switch {
	case err == nil:
		inv.Enrichment = json.RawMessage(doc)
		return &inv, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, datastore.ErrNotFound
	default:
		return nil, fmt.Errorf("failed to query inventory: %w", err)
	}
}

// UpdateEnrichment implements datastore.InventoryStore.
func (s *Store) UpdateEnrichment(ctx context.Context, ip string, doc json.RawMessage, asn *int64) error {
	const query = `
INSERT INTO ip_inventory (
	ip_address, first_seen, last_seen, session_count, enrichment,
	current_asn, enrichment_updated_at
)
VALUES (?, ?, ?, 0, ?, ?, ?)
ON CONFLICT (ip_address)
DO UPDATE SET
	enrichment = excluded.enrichment,
	current_asn = excluded.current_asn,
	enrichment_updated_at = excluded.enrichment_updated_at;`
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query, ip, now, now, string(doc), asn, now)
	if err != nil {
		return fmt.Errorf("failed to update enrichment: %w", err)
	}
	return nil
}

// GetSnapshots implements datastore.InventoryStore.
func (s *Store) GetSnapshots(ctx context.Context, ips []string) (map[string]datastore.Snapshot, error) {
	if len(ips) == 0 {
		return nil, nil
	}
	ph := make([]string, len(ips))
	args := make([]any, len(ips))
	for i, ip := range ips {
		ph[i] = "?"
		args[i] = ip
	}
	query := fmt.Sprintf(`
SELECT ip_address, enrichment, current_asn, enrichment_updated_at
FROM ip_inventory
WHERE ip_address IN (%s);`, strings.Join(ph, ", "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()
	out := make(map[string]datastore.Snapshot, len(ips))
	for rows.Next() {
		var (
			ip  string
			doc string
			sn  datastore.Snapshot
		)
		if err := rows.Scan(&ip, &doc, &sn.ASN, &sn.At); err != nil {
			return nil, err
		}
		raw := json.RawMessage(doc)
		if c := datastore.GeoCountry(raw); c != "" {
			sn.Country = &c
		}
		if ts := datastore.IPTypes(raw); len(ts) > 0 {
			t := ts[0]
			sn.IPType = &t
		}
		out[ip] = sn
	}
	return out, rows.Err()
}
