package repo

import (
	"context"
	"database/sql"
	"sort"

	"agentex/internal/domain"
)

// UpsertProvider stores a provider and replaces its capability set.
func (r Repo) UpsertProvider(ctx context.Context, tx *sql.Tx, p domain.Provider) error {
	q := r.q(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO providers(id,name,endpoint,trust_score,trust_tier,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, endpoint=excluded.endpoint, trust_score=excluded.trust_score, trust_tier=excluded.trust_tier`,
		p.ID, p.Name, p.Endpoint, p.TrustScore, string(p.TrustTier), p.CreatedAt)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM provider_capabilities WHERE provider_id=?`, p.ID); err != nil {
		return err
	}
	for _, c := range p.Capabilities {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO provider_capabilities(provider_id,capability) VALUES (?,?)`, p.ID, c); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetProvider(ctx context.Context, id string) (domain.Provider, error) {
	var p domain.Provider
	var tier string
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,endpoint,trust_score,trust_tier,created_at FROM providers WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Endpoint, &p.TrustScore, &tier, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.TrustTier = domain.TrustTier(tier)
	caps, err := r.capabilities(ctx, p.ID)
	if err != nil {
		return p, err
	}
	p.Capabilities = caps
	return p, nil
}

// ProvidersByCapability returns providers advertising a capability ordered by id.
// An empty capability lists every provider.
func (r Repo) ProvidersByCapability(ctx context.Context, capability string) ([]domain.Provider, error) {
	query := `SELECT id,name,endpoint,trust_score,trust_tier,created_at FROM providers ORDER BY id`
	var args []any
	if capability != "" {
		query = `SELECT p.id,p.name,p.endpoint,p.trust_score,p.trust_tier,p.created_at FROM providers p
JOIN provider_capabilities c ON c.provider_id=p.id WHERE c.capability=? ORDER BY p.id`
		args = append(args, capability)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Provider
	for rows.Next() {
		var p domain.Provider
		var tier string
		if err := rows.Scan(&p.ID, &p.Name, &p.Endpoint, &p.TrustScore, &tier, &p.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		p.TrustTier = domain.TrustTier(tier)
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		caps, err := r.capabilities(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Capabilities = caps
	}
	return res, nil
}

func (r Repo) capabilities(ctx context.Context, providerID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT capability FROM provider_capabilities WHERE provider_id=?`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	caps := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps, rows.Err()
}
