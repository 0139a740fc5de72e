package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quay/honeycore/datastore"
)

// GetInventory implements datastore.InventoryStore.
func (s *Store) GetInventory(ctx context.Context, ip string) (*datastore.Inventory, error) {
	const query = `
SELECT
	ip_address, first_seen, last_seen, session_count, enrichment,
	current_asn, enrichment_updated_at
FROM
	ip_inventory
WHERE
	ip_address = $1;`
	var inv datastore.Inventory
	err := s.pool.QueryRow(ctx, query, ip).Scan(
		&inv.IP, &inv.FirstSeen, &inv.LastSeen, &inv.SessionCount,
		&inv.Enrichment, &inv.CurrentASN, &inv.EnrichmentUpdatedAt,
	)
	switch {
	case err == nil:
		return &inv, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, datastore.ErrNotFound
	default:
		return nil, fmt.Errorf("failed to query inventory: %w", err)
	}
}

// UpdateEnrichment implements datastore.InventoryStore.
func (s *Store) UpdateEnrichment(ctx context.Context, ip string, doc json.RawMessage, asn *int64) error {
	const query = `
INSERT
INTO
	ip_inventory (
		ip_address, first_seen, last_seen, session_count, enrichment,
		current_asn, enrichment_updated_at
	)
VALUES
	($1, now(), now(), 0, $2, $3, now())
ON CONFLICT
	(ip_address)
DO
	UPDATE
SET
	enrichment = EXCLUDED.enrichment,
	current_asn = EXCLUDED.current_asn,
	enrichment_updated_at = now();`
	defer timer("update_enrichment").ObserveDuration()
	_, err := s.pool.Exec(ctx, query, ip, doc, asn)
	observe("update_enrichment", err)
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
	const query = `
SELECT
	ip_address, enrichment, current_asn, enrichment_updated_at
FROM
	ip_inventory
WHERE
	ip_address = ANY ($1);`
	rows, err := s.pool.Query(ctx, query, ips)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()
	out := make(map[string]datastore.Snapshot, len(ips))
	for rows.Next() {
		var (
			ip  string
			doc json.RawMessage
			sn  datastore.Snapshot
		)
		if err := rows.Scan(&ip, &doc, &sn.ASN, &sn.At); err != nil {
			return nil, err
		}
		if c := datastore.GeoCountry(doc); c != "" {
			sn.Country = &c
		}
		if ts := datastore.IPTypes(doc); len(ts) > 0 {
			t := ts[0]
			sn.IPType = &t
		}
		out[ip] = sn
	}
	return out, rows.Err()
}
