package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liquid-covenants/marketd/internal/amm"
	"github.com/liquid-covenants/marketd/internal/chain"
	"github.com/liquid-covenants/marketd/internal/marketstore"
)

var ErrInvalidConfig = errors.New("marketstore/postgres: invalid config")

// Store is a marketstore.Backend on Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("marketstore/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, fn func(marketstore.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, fn)
}

func (s *Store) View(ctx context.Context, fn func(marketstore.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn func(marketstore.Tx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("marketstore/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("marketstore/postgres: commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

// where accumulates positional filter conditions.
type where struct {
	conds []string
	args  []any
}

// add appends cond, whose single %d is replaced by the argument position.
func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) raw(cond string) {
	w.conds = append(w.conds, cond)
}

func (w *where) query(base, order string, limit int) string {
	var b strings.Builder
	b.WriteString(base)
	if len(w.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(w.conds, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(order)
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String()
}

// decoder collects the first conversion error while scanning a row.
type decoder struct {
	err error
}

func (d *decoder) b32(field string, b []byte) [32]byte {
	if d.err != nil {
		return [32]byte{}
	}
	v, err := marketstore.To32(field, b)
	d.err = err
	return v
}

func (d *decoder) asset(field string, b []byte) chain.AssetID {
	return chain.AssetID(d.b32(field, b))
}

func (d *decoder) opt32(field string, b []byte) *[32]byte {
	if d.err != nil {
		return nil
	}
	v, err := marketstore.To32Ptr(field, b)
	d.err = err
	return v
}

func (d *decoder) optHash(field string, b []byte) *chainhash.Hash {
	v := d.opt32(field, b)
	if v == nil {
		return nil
	}
	h := chainhash.Hash(*v)
	return &h
}

func (d *decoder) u64(field string, v int64) uint64 {
	if d.err != nil {
		return 0
	}
	out, err := marketstore.Uint64FromDB(field, v)
	d.err = err
	return out
}

func (d *decoder) u32(field string, v int64) uint32 {
	if d.err != nil {
		return 0
	}
	out, err := marketstore.Uint32FromDB(field, v)
	d.err = err
	return out
}

func (d *decoder) optU32(field string, v *int64) *uint32 {
	if v == nil {
		return nil
	}
	out := d.u32(field, *v)
	return &out
}

// encoder is decoder's counterpart for uint64 columns stored as BIGINT.
type encoder struct {
	err error
}

func (e *encoder) i64(field string, v uint64) int64 {
	if e.err != nil {
		return 0
	}
	out, err := marketstore.Uint64ToDB(field, v)
	e.err = err
	return out
}

func optMarketID(id *marketstore.MarketID) []byte {
	if id == nil {
		return nil
	}
	return append([]byte(nil), id[:]...)
}

func optHash(h *chainhash.Hash) []byte {
	if h == nil {
		return nil
	}
	return append([]byte(nil), h[:]...)
}

func optU32(v *uint32) *int64 {
	if v == nil {
		return nil
	}
	out := int64(*v)
	return &out
}

// metaColumns are the discovery metadata columns shared by the entity tables.
const metaColumns = `question, description, category, resolution_source, creator_pubkey, nostr_event_id, nostr_event_json`

type metaRow struct {
	question, description, category, source string
	creator                                 []byte
	eventID, eventJSON                      *string
}

func (m *metaRow) dests() []any {
	return []any{&m.question, &m.description, &m.category, &m.source, &m.creator, &m.eventID, &m.eventJSON}
}

func (m *metaRow) metadata() marketstore.Metadata {
	out := marketstore.Metadata{
		Question:         m.question,
		Description:      m.description,
		Category:         m.category,
		ResolutionSource: m.source,
		CreatorPubkey:    m.creator,
	}
	if m.eventID != nil {
		out.AnnouncementID = *m.eventID
	}
	if m.eventJSON != nil {
		out.AnnouncementJSON = *m.eventJSON
	}
	return out
}

func metaArgs(m marketstore.Metadata) []any {
	return []any{m.Question, m.Description, m.Category, m.ResolutionSource, m.CreatorPubkey, nullString(m.AnnouncementID), nullString(m.AnnouncementJSON)}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const marketColumns = `market_id, oracle_pubkey, collateral_asset, yes_asset, no_asset,
	yes_reissuance_token, no_reissuance_token, collateral_per_token, expiry_time,
	state, fingerprint, script_dormant, script_unresolved, script_resolved_yes, script_resolved_no,
	yes_issuance_entropy, yes_blinding_nonce, no_issuance_entropy, no_blinding_nonce, ` + metaColumns

func scanMarket(row pgx.Row) (marketstore.Market, error) {
	var (
		id, oracle, collateral, yes, no, yesRT, noRT []byte
		perToken, expiry                             int64
		state                                        int16
		fingerprint                                  []byte
		scripts                                      [4][]byte
		yesEntropy, yesNonce, noEntropy, noNonce     []byte
		meta                                         metaRow
	)
	dests := []any{
		&id, &oracle, &collateral, &yes, &no, &yesRT, &noRT, &perToken, &expiry,
		&state, &fingerprint, &scripts[0], &scripts[1], &scripts[2], &scripts[3],
		&yesEntropy, &yesNonce, &noEntropy, &noNonce,
	}
	if err := row.Scan(append(dests, meta.dests()...)...); err != nil {
		return marketstore.Market{}, err
	}

	var d decoder
	m := marketstore.Market{
		ID: marketstore.MarketID(d.b32("market_id", id)),
		Params: marketstore.MarketParams{
			OraclePubkey:       d.b32("oracle_pubkey", oracle),
			CollateralAssetID:  d.asset("collateral_asset", collateral),
			YesAssetID:         d.asset("yes_asset", yes),
			NoAssetID:          d.asset("no_asset", no),
			YesReissuanceToken: d.asset("yes_reissuance_token", yesRT),
			NoReissuanceToken:  d.asset("no_reissuance_token", noRT),
			CollateralPerToken: d.u64("collateral_per_token", perToken),
			ExpiryTime:         d.u32("expiry_time", expiry),
		},
		Fingerprint: d.b32("fingerprint", fingerprint),
		Issuance: marketstore.Issuance{
			YesEntropy:       d.opt32("yes_issuance_entropy", yesEntropy),
			YesBlindingNonce: d.opt32("yes_blinding_nonce", yesNonce),
			NoEntropy:        d.opt32("no_issuance_entropy", noEntropy),
			NoBlindingNonce:  d.opt32("no_blinding_nonce", noNonce),
		},
		Metadata: meta.metadata(),
	}
	copy(m.Scripts[:], scripts[:])
	if d.err != nil {
		return marketstore.Market{}, d.err
	}
	st, err := marketstore.MarketStateFromDB(state)
	if err != nil {
		return marketstore.Market{}, err
	}
	m.State = st
	return m, nil
}

func (t *pgTx) GetMarket(ctx context.Context, id marketstore.MarketID) (marketstore.Market, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE market_id = $1`, id[:])
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return marketstore.Market{}, marketstore.ErrNotFound
		}
		return marketstore.Market{}, fmt.Errorf("marketstore/postgres: get market: %w", err)
	}
	return m, nil
}

func (t *pgTx) ListMarkets(ctx context.Context, f marketstore.MarketFilter) ([]marketstore.Market, error) {
	var w where
	if f.State != nil {
		w.add("state = $%d", int16(*f.State))
	}
	if f.OraclePubkey != nil {
		w.add("oracle_pubkey = $%d", f.OraclePubkey[:])
	}
	if f.CollateralAssetID != nil {
		w.add("collateral_asset = $%d", f.CollateralAssetID[:])
	}
	if f.ExpiresAfter != nil {
		w.add("expiry_time > $%d", int64(*f.ExpiresAfter))
	}
	if f.ExpiresBefore != nil {
		w.add("expiry_time < $%d", int64(*f.ExpiresBefore))
	}

	rows, err := t.tx.Query(ctx, w.query(`SELECT `+marketColumns+` FROM markets`, "seq", f.Limit), w.args...)
	if err != nil {
		return nil, fmt.Errorf("marketstore/postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []marketstore.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("marketstore/postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketstore/postgres: list markets: %w", err)
	}
	return out, nil
}

func (t *pgTx) InsertMarket(ctx context.Context, m marketstore.Market) error {
	if !m.State.Valid() {
		return fmt.Errorf("%w: market state %d", marketstore.ErrDataIntegrity, m.State)
	}
	var e encoder
	perToken := e.i64("collateral_per_token", m.Params.CollateralPerToken)
	if e.err != nil {
		return e.err
	}
	p := m.Params
	args := []any{
		m.ID[:], p.OraclePubkey[:], p.CollateralAssetID[:], p.YesAssetID[:], p.NoAssetID[:],
		p.YesReissuanceToken[:], p.NoReissuanceToken[:], perToken, int64(p.ExpiryTime),
		int16(m.State), m.Fingerprint[:], m.Scripts[0], m.Scripts[1], m.Scripts[2], m.Scripts[3],
		marketstore.Bytes32(m.Issuance.YesEntropy), marketstore.Bytes32(m.Issuance.YesBlindingNonce),
		marketstore.Bytes32(m.Issuance.NoEntropy), marketstore.Bytes32(m.Issuance.NoBlindingNonce),
	}
	args = append(args, metaArgs(m.Metadata)...)

	tag, err := t.tx.Exec(ctx, `
		INSERT INTO markets (`+marketColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		ON CONFLICT (market_id) DO NOTHING
	`, args...)
	if err != nil {
		return fmt.Errorf("marketstore/postgres: insert market: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return marketstore.ErrConflict
	}
	return nil
}

// UpdateMarket writes the mutable market columns. Parameters and scripts
// are fixed at insert.
func (t *pgTx) UpdateMarket(ctx context.Context, m marketstore.Market) error {
	if !m.State.Valid() {
		return fmt.Errorf("%w: market state %d", marketstore.ErrDataIntegrity, m.State)
	}
	args := []any{
		m.ID[:], int16(m.State),
		marketstore.Bytes32(m.Issuance.YesEntropy), marketstore.Bytes32(m.Issuance.YesBlindingNonce),
		marketstore.Bytes32(m.Issuance.NoEntropy), marketstore.Bytes32(m.Issuance.NoBlindingNonce),
	}
	args = append(args, metaArgs(m.Metadata)...)
	tag, err := t.tx.Exec(ctx, `
		UPDATE markets SET
			state = $2,
			yes_issuance_entropy = $3,
			yes_blinding_nonce = $4,
			no_issuance_entropy = $5,
			no_blinding_nonce = $6,
			question = $7,
			description = $8,
			category = $9,
			resolution_source = $10,
			creator_pubkey = $11,
			nostr_event_id = $12,
			nostr_event_json = $13,
			updated_at = now()
		WHERE market_id = $1
	`, args...)
	if err != nil {
		return fmt.Errorf("marketstore/postgres: update market: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return marketstore.ErrNotFound
	}
	return nil
}

const orderColumns = `order_id, base_asset, quote_asset, price, min_fill_lots, min_remainder_lots,
	direction, maker_receive_spk_hash, cosigner_pubkey, status, fingerprint,
	maker_pubkey, nonce, covenant_script, maker_receive_script, market_id, ` + metaColumns

func scanOrder(row pgx.Row) (marketstore.MakerOrder, error) {
	var (
		id                             int64
		base, quote                    []byte
		price, minFill, minRemainder   int64
		direction, status              int16
		spkHash, cosigner, fingerprint []byte
		maker, nonce                   []byte
		covenant, receive, marketID    []byte
		meta                           metaRow
	)
	dests := []any{
		&id, &base, &quote, &price, &minFill, &minRemainder,
		&direction, &spkHash, &cosigner, &status, &fingerprint,
		&maker, &nonce, &covenant, &receive, &marketID,
	}
	if err := row.Scan(append(dests, meta.dests()...)...); err != nil {
		return marketstore.MakerOrder{}, err
	}

	var d decoder
	o := marketstore.MakerOrder{
		ID: marketstore.OrderID(id),
		Params: marketstore.OrderParams{
			BaseAssetID:         d.asset("base_asset", base),
			QuoteAssetID:        d.asset("quote_asset", quote),
			Price:               d.u64("price", price),
			MinFillLots:         d.u64("min_fill_lots", minFill),
			MinRemainderLots:    d.u64("min_remainder_lots", minRemainder),
			MakerReceiveSPKHash: d.b32("maker_receive_spk_hash", spkHash),
			CosignerPubkey:      d.b32("cosigner_pubkey", cosigner),
		},
		Fingerprint:        d.b32("fingerprint", fingerprint),
		MakerPubkey:        d.opt32("maker_pubkey", maker),
		Nonce:              d.opt32("nonce", nonce),
		CovenantScript:     covenant,
		MakerReceiveScript: receive,
		Metadata:           meta.metadata(),
	}
	if mid := d.opt32("market_id", marketID); mid != nil {
		id := marketstore.MarketID(*mid)
		o.MarketID = &id
	}
	if d.err != nil {
		return marketstore.MakerOrder{}, d.err
	}
	dir, err := marketstore.OrderDirectionFromDB(direction)
	if err != nil {
		return marketstore.MakerOrder{}, err
	}
	st, err := marketstore.OrderStatusFromDB(status)
	if err != nil {
		return marketstore.MakerOrder{}, err
	}
	o.Params.Direction = dir
	o.Status = st
	return o, nil
}

func (t *pgTx) queryOrders(ctx context.Context, w *where, limit int) ([]marketstore.MakerOrder, error) {
	rows, err := t.tx.Query(ctx, w.query(`SELECT `+orderColumns+` FROM maker_orders`, "order_id", limit), w.args...)
	if err != nil {
		return nil, fmt.Errorf("marketstore/postgres: list orders: %w", err)
	}
	defer rows.Close()

	var out []marketstore.MakerOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("marketstore/postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketstore/postgres: list orders: %w", err)
	}
	return out, nil
}

func (t *pgTx) GetMakerOrder(ctx context.Context, id marketstore.OrderID) (marketstore.MakerOrder, error) {
	var w where
	w.add("order_id = $%d", int64(id))
	out, err := t.queryOrders(ctx, &w, 1)
	if err != nil {
		return marketstore.MakerOrder{}, err
	}
	if len(out) == 0 {
		return marketstore.MakerOrder{}, marketstore.ErrNotFound
	}
	return out[0], nil
}

func (t *pgTx) FindMakerOrder(ctx context.Context, fingerprint [32]byte, makerPubkey *[32]byte) (marketstore.MakerOrder, error) {
	var w where
	w.add("fingerprint = $%d", fingerprint[:])
	w.add(`COALESCE(maker_pubkey, '\x'::bytea) = COALESCE($%d::bytea, '\x'::bytea)`, marketstore.Bytes32(makerPubkey))
	out, err := t.queryOrders(ctx, &w, 1)
	if err != nil {
		return marketstore.MakerOrder{}, err
	}
	if len(out) == 0 {
		return marketstore.MakerOrder{}, marketstore.ErrNotFound
	}
	return out[0], nil
}

func (t *pgTx) ListMakerOrders(ctx context.Context, f marketstore.OrderFilter) ([]marketstore.MakerOrder, error) {
	var w where
	if f.BaseAssetID != nil {
		w.add("base_asset = $%d", f.BaseAssetID[:])
	}
	if f.QuoteAssetID != nil {
		w.add("quote_asset = $%d", f.QuoteAssetID[:])
	}
	if f.Direction != nil {
		w.add("direction = $%d", int16(*f.Direction))
	}
	if f.Status != nil {
		w.add("status = $%d", int16(*f.Status))
	}
	var e encoder
	if f.MinPrice != nil {
		w.add("price >= $%d", e.i64("min price", *f.MinPrice))
	}
	if f.MaxPrice != nil {
		w.add("price <= $%d", e.i64("max price", *f.MaxPrice))
	}
	if e.err != nil {
		return nil, e.err
	}
	if f.MakerPubkey != nil {
		w.add("maker_pubkey = $%d", f.MakerPubkey[:])
	}
	if f.MarketID != nil {
		w.add("market_id = $%d", f.MarketID[:])
	}
	if f.HasScript {
		w.raw("covenant_script IS NOT NULL")
	}
	return t.queryOrders(ctx, &w, f.Limit)
}

func (t *pgTx) InsertMakerOrder(ctx context.Context, o marketstore.MakerOrder) (marketstore.OrderID, error) {
	if !o.Status.Valid() || !o.Params.Direction.Valid() {
		return 0, fmt.Errorf("%w: order status %d direction %d", marketstore.ErrDataIntegrity, o.Status, o.Params.Direction)
	}
	var e encoder
	p := o.Params
	args := []any{
		p.BaseAssetID[:], p.QuoteAssetID[:], e.i64("price", p.Price),
		e.i64("min_fill_lots", p.MinFillLots), e.i64("min_remainder_lots", p.MinRemainderLots),
		int16(p.Direction), p.MakerReceiveSPKHash[:], p.CosignerPubkey[:], int16(o.Status), o.Fingerprint[:],
		marketstore.Bytes32(o.MakerPubkey), marketstore.Bytes32(o.Nonce), o.CovenantScript, o.MakerReceiveScript,
		optMarketID(o.MarketID),
	}
	if e.err != nil {
		return 0, e.err
	}
	args = append(args, metaArgs(o.Metadata)...)

	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO maker_orders (
			base_asset, quote_asset, price, min_fill_lots, min_remainder_lots,
			direction, maker_receive_spk_hash, cosigner_pubkey, status, fingerprint,
			maker_pubkey, nonce, covenant_script, maker_receive_script, market_id, `+metaColumns+`
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT DO NOTHING
		RETURNING order_id
	`, args...).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, marketstore.ErrConflict
		}
		return 0, fmt.Errorf("marketstore/postgres: insert order: %w", err)
	}
	return marketstore.OrderID(id), nil
}

func (t *pgTx) UpdateMakerOrder(ctx context.Context, o marketstore.MakerOrder) error {
	if !o.Status.Valid() {
		return fmt.Errorf("%w: order status %d", marketstore.ErrDataIntegrity, o.Status)
	}
	args := []any{
		int64(o.ID), int16(o.Status), marketstore.Bytes32(o.Nonce),
		o.CovenantScript, o.MakerReceiveScript, optMarketID(o.MarketID),
	}
	args = append(args, metaArgs(o.Metadata)...)
	tag, err := t.tx.Exec(ctx, `
		UPDATE maker_orders SET
			status = $2,
			nonce = $3,
			covenant_script = $4,
			maker_receive_script = $5,
			market_id = $6,
			question = $7,
			description = $8,
			category = $9,
			resolution_source = $10,
			creator_pubkey = $11,
			nostr_event_id = $12,
			nostr_event_json = $13,
			updated_at = now()
		WHERE order_id = $1
	`, args...)
	if err != nil {
		return fmt.Errorf("marketstore/postgres: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return marketstore.ErrNotFound
	}
	return nil
}

const poolColumns = `pool_id, yes_asset, no_asset, lbtc_asset, lp_asset, lp_reissuance_token,
	fee_bps, cosigner_pubkey, status, fingerprint, issued_lp, covenant_script,
	market_id, creation_txid, ` + metaColumns

func scanPool(row pgx.Row) (marketstore.AmmPool, error) {
	var (
		id, yes, no, lbtc, lp, lpRT []byte
		fee, issued                 int64
		cosigner, fingerprint       []byte
		status                      int16
		script, marketID, creation  []byte
		meta                        metaRow
	)
	dests := []any{
		&id, &yes, &no, &lbtc, &lp, &lpRT,
		&fee, &cosigner, &status, &fingerprint, &issued, &script,
		&marketID, &creation,
	}
	if err := row.Scan(append(dests, meta.dests()...)...); err != nil {
		return marketstore.AmmPool{}, err
	}

	var d decoder
	p := marketstore.AmmPool{
		ID: marketstore.PoolID(d.b32("pool_id", id)),
		Params: marketstore.PoolParams{
			YesAssetID:        d.asset("yes_asset", yes),
			NoAssetID:         d.asset("no_asset", no),
			LBTCAssetID:       d.asset("lbtc_asset", lbtc),
			LPAssetID:         d.asset("lp_asset", lp),
			LPReissuanceToken: d.asset("lp_reissuance_token", lpRT),
			FeeBps:            d.u64("fee_bps", fee),
			CosignerPubkey:    d.b32("cosigner_pubkey", cosigner),
		},
		Fingerprint:    d.b32("fingerprint", fingerprint),
		IssuedLP:       d.u64("issued_lp", issued),
		CovenantScript: script,
		CreationTxid:   d.optHash("creation_txid", creation),
		Metadata:       meta.metadata(),
	}
	if mid := d.opt32("market_id", marketID); mid != nil {
		id := marketstore.MarketID(*mid)
		p.MarketID = &id
	}
	if d.err != nil {
		return marketstore.AmmPool{}, d.err
	}
	st, err := marketstore.PoolStatusFromDB(status)
	if err != nil {
		return marketstore.AmmPool{}, err
	}
	p.Status = st
	return p, nil
}

func (t *pgTx) GetAMMPool(ctx context.Context, id marketstore.PoolID) (marketstore.AmmPool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM amm_pools WHERE pool_id = $1`, id[:])
	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return marketstore.AmmPool{}, marketstore.ErrNotFound
		}
		return marketstore.AmmPool{}, fmt.Errorf("marketstore/postgres: get pool: %w", err)
	}
	return p, nil
}

func (t *pgTx) ListAMMPools(ctx context.Context, f marketstore.PoolFilter) ([]marketstore.AmmPool, error) {
	var w where
	if f.Status != nil {
		w.add("status = $%d", int16(*f.Status))
	}
	if f.MarketID != nil {
		w.add("market_id = $%d", f.MarketID[:])
	}
	rows, err := t.tx.Query(ctx, w.query(`SELECT `+poolColumns+` FROM amm_pools`, "seq", f.Limit), w.args...)
	if err != nil {
		return nil, fmt.Errorf("marketstore/postgres: list pools: %w", err)
	}
	defer rows.Close()

	var out []marketstore.AmmPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("marketstore/postgres: scan pool: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketstore/postgres: list pools: %w", err)
	}
	return out, nil
}

func (t *pgTx) InsertAMMPool(ctx context.Context, p marketstore.AmmPool) error {
	if !p.Status.Valid() {
		return fmt.Errorf("%w: pool status %d", marketstore.ErrDataIntegrity, p.Status)
	}
	var e encoder
	pp := p.Params
	args := []any{
		p.ID[:], pp.YesAssetID[:], pp.NoAssetID[:], pp.LBTCAssetID[:], pp.LPAssetID[:], pp.LPReissuanceToken[:],
		e.i64("fee_bps", pp.FeeBps), pp.CosignerPubkey[:], int16(p.Status), p.Fingerprint[:],
		e.i64("issued_lp", p.IssuedLP), p.CovenantScript, optMarketID(p.MarketID), optHash(p.CreationTxid),
	}
	if e.err != nil {
		return e.err
	}
	args = append(args, metaArgs(p.Metadata)...)

	tag, err := t.tx.Exec(ctx, `
		INSERT INTO amm_pools (`+poolColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (pool_id) DO NOTHING
	`, args...)
	if err != nil {
		return fmt.Errorf("marketstore/postgres: insert pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return marketstore.ErrConflict
	}
	return nil
}

func (t *pgTx) UpdateAMMPool(ctx context.Context, p marketstore.AmmPool) error {
	if !p.Status.Valid() {
		return fmt.Errorf("%w: pool status %d", marketstore.ErrDataIntegrity, p.Status)
	}
	var e encoder
	args := []any{
		p.ID[:], int16(p.Status), p.Fingerprint[:], e.i64("issued_lp", p.IssuedLP), p.CovenantScript,
		optMarketID(p.MarketID), optHash(p.CreationTxid),
	}
	if e.err != nil {
		return e.err
	}
	args = append(args, metaArgs(p.Metadata)...)
	tag, err := t.tx.Exec(ctx, `
		UPDATE amm_pools SET
			status = $2,
			fingerprint = $3,
			issued_lp = $4,
			covenant_script = $5,
			market_id = $6,
			creation_txid = $7,
			question = $8,
			description = $9,
			category = $10,
			resolution_source = $11,
			creator_pubkey = $12,
			nostr_event_id = $13,
			nostr_event_json = $14,
			updated_at = now()
		WHERE pool_id = $1
	`, args...)
	if err != nil {
		return fmt.Errorf("marketstore/postgres: update pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return marketstore.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertPoolSnapshot(ctx context.Context, s marketstore.PoolSnapshot) (bool, error) {
	var e encoder
	args := []any{
		s.PoolID[:], s.Txid[:],
		e.i64("yes_reserve", s.Reserves.Yes), e.i64("no_reserve", s.Reserves.No), e.i64("lbtc_reserve", s.Reserves.LBTC),
		e.i64("issued_lp", s.IssuedLP), int64(s.BlockHeight),
	}
	if e.err != nil {
		return false, e.err
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO pool_state_snapshots (pool_id, txid, yes_reserve, no_reserve, lbtc_reserve, issued_lp, block_height)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (pool_id, txid) DO NOTHING
	`, args...)
	if err != nil {
		return false, fmt.Errorf("marketstore/postgres: insert snapshot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const snapshotColumns = `seq, pool_id, txid, yes_reserve, no_reserve, lbtc_reserve, issued_lp, block_height`

func scanSnapshot(row pgx.Row) (marketstore.PoolSnapshot, error) {
	var (
		seq               int64
		poolID, txid      []byte
		yes, no, lbtc, lp int64
		height            int64
	)
	if err := row.Scan(&seq, &poolID, &txid, &yes, &no, &lbtc, &lp, &height); err != nil {
		return marketstore.PoolSnapshot{}, err
	}
	var d decoder
	s := marketstore.PoolSnapshot{
		PoolID: marketstore.PoolID(d.b32("pool_id", poolID)),
		Txid:   chainhash.Hash(d.b32("txid", txid)),
		Reserves: amm.Reserves{
			Yes:  d.u64("yes_reserve", yes),
			No:   d.u64("no_reserve", no),
			LBTC: d.u64("lbtc_reserve", lbtc),
		},
		IssuedLP:    d.u64("issued_lp", lp),
		BlockHeight: d.u32("block_height", height),
		Seq:         seq,
	}
	if d.err != nil {
		return marketstore.PoolSnapshot{}, d.err
	}
	return s, nil
}

func (t *pgTx) LatestPoolSnapshot(ctx context.Context, id marketstore.PoolID) (marketstore.PoolSnapshot, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM pool_state_snapshots
		WHERE pool_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, id[:])
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return marketstore.PoolSnapshot{}, marketstore.ErrNotFound
		}
		return marketstore.PoolSnapshot{}, fmt.Errorf("marketstore/postgres: latest snapshot: %w", err)
	}
	return s, nil
}

func (t *pgTx) PoolSnapshots(ctx context.Context, id marketstore.PoolID, limit int) ([]marketstore.PoolSnapshot, error) {
	var w where
	w.add("pool_id = $%d", id[:])
	rows, err := t.tx.Query(ctx, w.query(`SELECT `+snapshotColumns+` FROM pool_state_snapshots`, "seq", limit), w.args...)
	if err != nil {
		return nil, fmt.Errorf("marketstore/postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []marketstore.PoolSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("marketstore/postgres: scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketstore/postgres: list snapshots: %w", err)
	}
	return out, nil
}

const utxoColumns = `txid, vout, asset_id, value, script_pubkey, raw_output,
	asset_blinding_factor, value_blinding_factor, market_id, market_state, order_id,
	block_height, spent, spending_txid, spent_height`

func scanUTXO(row pgx.Row) (marketstore.UTXO, error) {
	var (
		txid                 []byte
		vout, value          int64
		assetID, script, raw []byte
		abf, vbf             []byte
		marketID             []byte
		marketState          *int16
		orderID              *int64
		blockHeight          *int64
		spent                bool
		spendingTxid         []byte
		spentHeight          *int64
	)
	if err := row.Scan(
		&txid, &vout, &assetID, &value, &script, &raw,
		&abf, &vbf, &marketID, &marketState, &orderID,
		&blockHeight, &spent, &spendingTxid, &spentHeight,
	); err != nil {
		return marketstore.UTXO{}, err
	}

	var d decoder
	u := marketstore.UTXO{
		Outpoint: chain.Outpoint{
			Txid: chainhash.Hash(d.b32("txid", txid)),
			Vout: d.u32("vout", vout),
		},
		AssetID:             d.asset("asset_id", assetID),
		Value:               d.u64("value", value),
		ScriptPubKey:        script,
		RawOutput:           raw,
		AssetBlindingFactor: d.b32("asset_blinding_factor", abf),
		ValueBlindingFactor: d.b32("value_blinding_factor", vbf),
		BlockHeight:         d.optU32("block_height", blockHeight),
		Spent:               spent,
		SpendingTxid:        d.optHash("spending_txid", spendingTxid),
		SpentHeight:         d.optU32("spent_height", spentHeight),
	}
	if mid := d.opt32("market_id", marketID); mid != nil {
		id := marketstore.MarketID(*mid)
		u.Market = &id
	}
	if d.err != nil {
		return marketstore.UTXO{}, d.err
	}
	if orderID != nil {
		id := marketstore.OrderID(*orderID)
		u.Order = &id
	}
	if (u.Market == nil) == (u.Order == nil) {
		return marketstore.UTXO{}, fmt.Errorf("%w: utxo %s:%d must belong to one market or order", marketstore.ErrDataIntegrity, u.Txid, u.Vout)
	}
	if u.Market != nil {
		if marketState == nil {
			return marketstore.UTXO{}, fmt.Errorf("%w: utxo %s:%d has no market state", marketstore.ErrDataIntegrity, u.Txid, u.Vout)
		}
		st, err := marketstore.MarketStateFromDB(*marketState)
		if err != nil {
			return marketstore.UTXO{}, err
		}
		u.MarketState = st
	}
	return u, nil
}

func (t *pgTx) InsertUTXO(ctx context.Context, u marketstore.UTXO) (bool, error) {
	if (u.Market == nil) == (u.Order == nil) {
		return false, fmt.Errorf("%w: utxo must belong to one market or order", marketstore.ErrDataIntegrity)
	}
	var (
		marketState *int16
		orderID     *int64
	)
	if u.Market != nil {
		if !u.MarketState.Valid() {
			return false, fmt.Errorf("%w: market state %d", marketstore.ErrDataIntegrity, u.MarketState)
		}
		st := int16(u.MarketState)
		marketState = &st
	}
	if u.Order != nil {
		id := int64(*u.Order)
		orderID = &id
	}
	var e encoder
	value := e.i64("value", u.Value)
	if e.err != nil {
		return false, e.err
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO utxos (
			txid, vout, asset_id, value, script_pubkey, raw_output,
			asset_blinding_factor, value_blinding_factor, market_id, market_state, order_id,
			block_height, spent, spending_txid, spent_height
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (txid, vout) DO NOTHING
	`,
		u.Txid[:], int64(u.Vout), u.AssetID[:], value, nonNil(u.ScriptPubKey), nonNil(u.RawOutput),
		u.AssetBlindingFactor[:], u.ValueBlindingFactor[:], optMarketID(u.Market), marketState, orderID,
		optU32(u.BlockHeight), u.Spent, optHash(u.SpendingTxid), optU32(u.SpentHeight),
	)
	if err != nil {
		return false, fmt.Errorf("marketstore/postgres: insert utxo: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (t *pgTx) ListUTXOs(ctx context.Context, f marketstore.UTXOFilter) ([]marketstore.UTXO, error) {
	var w where
	if f.Market != nil {
		w.add("market_id = $%d", f.Market[:])
	}
	if f.MarketState != nil {
		w.add("market_state = $%d", int16(*f.MarketState))
	}
	if f.Order != nil {
		w.add("order_id = $%d", int64(*f.Order))
	}
	if f.UnspentOnly {
		w.raw("NOT spent")
	}
	rows, err := t.tx.Query(ctx, w.query(`SELECT `+utxoColumns+` FROM utxos`, "seq", 0), w.args...)
	if err != nil {
		return nil, fmt.Errorf("marketstore/postgres: list utxos: %w", err)
	}
	defer rows.Close()

	var out []marketstore.UTXO
	for rows.Next() {
		u, err := scanUTXO(rows)
		if err != nil {
			return nil, fmt.Errorf("marketstore/postgres: scan utxo: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("marketstore/postgres: list utxos: %w", err)
	}
	return out, nil
}

func (t *pgTx) MarkSpent(ctx context.Context, op chain.Outpoint, spendingTxid chainhash.Hash, height uint32) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE utxos SET
			spent = TRUE,
			spending_txid = $3,
			spent_height = $4,
			updated_at = now()
		WHERE txid = $1 AND vout = $2
	`, op.Txid[:], int64(op.Vout), spendingTxid[:], int64(height))
	if err != nil {
		return fmt.Errorf("marketstore/postgres: mark spent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return marketstore.ErrNotFound
	}
	return nil
}

func (t *pgTx) SyncedHeight(ctx context.Context) (uint32, error) {
	var h int64
	err := t.tx.QueryRow(ctx, `SELECT last_synced_height FROM sync_state WHERE id = 1`).Scan(&h)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: sync_state row missing", marketstore.ErrDataIntegrity)
		}
		return 0, fmt.Errorf("marketstore/postgres: synced height: %w", err)
	}
	return marketstore.Uint32FromDB("last_synced_height", h)
}

func (t *pgTx) SetSyncedHeight(ctx context.Context, height uint32) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE sync_state SET last_synced_height = $1, updated_at = now() WHERE id = 1
	`, int64(height))
	if err != nil {
		return fmt.Errorf("marketstore/postgres: set synced height: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sync_state row missing", marketstore.ErrDataIntegrity)
	}
	return nil
}
