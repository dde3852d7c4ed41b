package runechain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteAdapter is the durable StorageAdapter: one embedded database file
// with write-ahead-log siblings, holding runes, baselines, and pending
// baselines. Writes are serialized through a single mutex; the chain's
// ordering invariant depends on there being exactly one writer.
type SQLiteAdapter struct {
	db      *sql.DB
	mu      sync.Mutex
	keyring *KeyRing
	logger  *slog.Logger

	signingBroken bool
}

// OpenSQLiteAdapter opens (creating if absent) the database at path,
// migrates its schema, and loads or generates the signing keypair alongside
// it under name.
func OpenSQLiteAdapter(path, keyName string) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("runechain: opening sqlite store: %w", err)
	}

	a := &SQLiteAdapter{
		db:      db,
		keyring: NewKeyRing(),
		logger:  slog.Default().With("component", "runechain.sqlite"),
	}
	if err := a.migrate(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	priv, _, err := LoadOrGenerateKeyFile(dir, keyName)
	if err != nil {
		a.logger.Warn("signing key unavailable; chain continuing unsigned", "error", err)
		a.signingBroken = true
	} else {
		a.keyring.AddKey(keyName, priv)
	}

	return a, nil
}

func (a *SQLiteAdapter) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS runes (
		sequence INTEGER PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments_hash TEXT NOT NULL,
		arguments_summary TEXT NOT NULL,
		decision TEXT NOT NULL,
		matched_wards JSON NOT NULL,
		ward_chain JSON NOT NULL,
		rationale TEXT NOT NULL,
		response_summary TEXT,
		duration_ms REAL,
		previous_hash TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		is_genesis INTEGER NOT NULL,
		signature TEXT,
		key_id TEXT,
		risk_score REAL,
		risk_tier TEXT,
		ai_reasoning TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runes_session_tool_ts ON runes(session_id, tool_name, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runes_decision ON runes(decision);

	CREATE TABLE IF NOT EXISTS baselines (
		server_id TEXT PRIMARY KEY,
		tools_hash TEXT NOT NULL,
		tools_snapshot JSON NOT NULL,
		first_seen DATETIME NOT NULL,
		last_verified DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_baselines (
		server_id TEXT PRIMARY KEY,
		tools_hash TEXT NOT NULL,
		tools_snapshot JSON NOT NULL,
		first_seen DATETIME NOT NULL,
		last_verified DATETIME NOT NULL
	);
	`
	_, err := a.db.ExecContext(context.Background(), schema)
	if err != nil {
		return fmt.Errorf("runechain: migrating schema: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) Inscribe(in InscribeInput) (Rune, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	last, err := a.tailLocked()
	if err != nil {
		return Rune{}, err
	}

	argsHash, err := hashArguments(in.Arguments)
	if err != nil {
		return Rune{}, err
	}
	rawArgs, err := canonicalJSON(in.Arguments)
	if err != nil {
		return Rune{}, err
	}

	seq := uint64(1)
	prevHash := GenesisHash
	if last != nil {
		seq = last.Sequence + 1
		prevHash = last.ContentHash
	}

	r := Rune{
		Sequence:         seq,
		Timestamp:        time.Now().UTC(),
		SessionID:        in.SessionID,
		ToolName:         in.ToolName,
		ArgumentsHash:    argsHash,
		ArgumentsSummary: summarize(rawArgs),
		Decision:         in.Decision,
		MatchedWards:     in.MatchedWards,
		WardChain:        in.WardChain,
		Rationale:        in.Rationale,
		ResponseSummary:  summarize(in.ResponseSummary),
		DurationMs:       in.DurationMs,
		PreviousHash:     prevHash,
		IsGenesis:        seq == 1,
		RiskScore:        in.RiskScore,
		RiskTier:         in.RiskTier,
		AIReasoning:      in.AIReasoning,
	}

	hash, err := contentHash(r)
	if err != nil {
		return Rune{}, fmt.Errorf("runechain: computing content hash: %w", err)
	}
	r.ContentHash = hash
	a.sign(&r)

	if err := a.insertRow(r); err != nil {
		return Rune{}, fmt.Errorf("runechain: inserting rune: %w", err)
	}
	return r, nil
}

func (a *SQLiteAdapter) sign(r *Rune) {
	if a.keyring == nil || a.keyring.Empty() {
		return
	}
	sig, keyID, ok := a.keyring.Sign([]byte(r.ContentHash))
	if !ok {
		if !a.signingBroken {
			a.logger.Warn("signing key unavailable; chain continuing unsigned")
			a.signingBroken = true
		}
		return
	}
	r.Signature = sig
	r.KeyID = keyID
}

func (a *SQLiteAdapter) insertRow(r Rune) error {
	matchedWards, err := json.Marshal(r.MatchedWards)
	if err != nil {
		return err
	}
	wardChain, err := json.Marshal(r.WardChain)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(context.Background(), `
		INSERT INTO runes (
			sequence, timestamp, session_id, tool_name, arguments_hash, arguments_summary,
			decision, matched_wards, ward_chain, rationale, response_summary, duration_ms,
			previous_hash, content_hash, is_genesis, signature, key_id, risk_score, risk_tier, ai_reasoning
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Sequence, r.Timestamp.Format(time.RFC3339Nano), r.SessionID, r.ToolName, r.ArgumentsHash, r.ArgumentsSummary,
		string(r.Decision), string(matchedWards), string(wardChain), r.Rationale, nullableString(r.ResponseSummary), r.DurationMs,
		r.PreviousHash, r.ContentHash, boolToInt(r.IsGenesis), nullableString(r.Signature), nullableString(r.KeyID),
		r.RiskScore, nullableString(r.RiskTier), nullableString(r.AIReasoning),
	)
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// tailLocked returns the last-inserted rune, or nil if the chain is empty.
// Caller must hold a.mu.
func (a *SQLiteAdapter) tailLocked() (*Rune, error) {
	row := a.db.QueryRowContext(context.Background(),
		`SELECT `+runeColumns+` FROM runes ORDER BY sequence DESC LIMIT 1`)
	r, err := scanRune(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (a *SQLiteAdapter) UpdateLastResponse(responseSummary string, durationMs *float64) (*Rune, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tail, err := a.tailLocked()
	if err != nil {
		return nil, err
	}
	if tail == nil {
		return nil, ErrNoSuchRune
	}

	tail.ResponseSummary = summarize(responseSummary)
	tail.DurationMs = durationMs
	hash, err := contentHash(*tail)
	if err != nil {
		return nil, err
	}
	tail.ContentHash = hash
	tail.Signature = ""
	tail.KeyID = ""
	a.sign(tail)

	_, err = a.db.ExecContext(context.Background(),
		`UPDATE runes SET response_summary = ?, duration_ms = ?, content_hash = ?, signature = ?, key_id = ? WHERE sequence = ?`,
		nullableString(tail.ResponseSummary), tail.DurationMs, tail.ContentHash, nullableString(tail.Signature), nullableString(tail.KeyID), tail.Sequence)
	if err != nil {
		return nil, fmt.Errorf("runechain: updating tail rune: %w", err)
	}
	return tail, nil
}

const runeColumns = `sequence, timestamp, session_id, tool_name, arguments_hash, arguments_summary,
	decision, matched_wards, ward_chain, rationale, response_summary, duration_ms,
	previous_hash, content_hash, is_genesis, signature, key_id, risk_score, risk_tier, ai_reasoning`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRune(row rowScanner) (Rune, error) {
	var (
		r                                        Rune
		timestamp                                string
		matchedWardsJSON, wardChainJSON           string
		responseSummary, signature, keyID, riskTier, aiReasoning sql.NullString
		isGenesis                                int
		durationMs, riskScore                     sql.NullFloat64
	)
	if err := row.Scan(
		&r.Sequence, &timestamp, &r.SessionID, &r.ToolName, &r.ArgumentsHash, &r.ArgumentsSummary,
		&r.Decision, &matchedWardsJSON, &wardChainJSON, &r.Rationale, &responseSummary, &durationMs,
		&r.PreviousHash, &r.ContentHash, &isGenesis, &signature, &keyID, &riskScore, &riskTier, &aiReasoning,
	); err != nil {
		return Rune{}, err
	}

	r.Timestamp = parseRuneTime(timestamp)
	r.IsGenesis = isGenesis != 0
	r.ResponseSummary = responseSummary.String
	r.Signature = signature.String
	r.KeyID = keyID.String
	r.RiskTier = riskTier.String
	r.AIReasoning = aiReasoning.String
	if durationMs.Valid {
		v := durationMs.Float64
		r.DurationMs = &v
	}
	if riskScore.Valid {
		v := riskScore.Float64
		r.RiskScore = &v
	}
	_ = json.Unmarshal([]byte(matchedWardsJSON), &r.MatchedWards)
	_ = json.Unmarshal([]byte(wardChainJSON), &r.WardChain)
	return r, nil
}

func parseRuneTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func (a *SQLiteAdapter) VerifyChain() (ChainVerificationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.db.QueryContext(context.Background(), `SELECT `+runeColumns+` FROM runes ORDER BY sequence ASC`)
	if err != nil {
		return ChainVerificationResult{}, err
	}
	defer rows.Close()

	var runes []Rune
	for rows.Next() {
		r, err := scanRune(rows)
		if err != nil {
			return ChainVerificationResult{}, err
		}
		runes = append(runes, r)
	}
	if err := rows.Err(); err != nil {
		return ChainVerificationResult{}, err
	}

	return verifyRunes(runes, a.keyring)
}

func (a *SQLiteAdapter) ExportReceipt(sequence uint64) (*SignedReceipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	row := a.db.QueryRowContext(context.Background(), `SELECT `+runeColumns+` FROM runes WHERE sequence = ?`, sequence)
	r, err := scanRune(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoSuchRune
	}
	if err != nil {
		return nil, err
	}

	var chainLen uint64
	if err := a.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM runes`).Scan(&chainLen); err != nil {
		return nil, err
	}

	sig := r.Signature
	if sig == "" && a.keyring != nil && !a.keyring.Empty() {
		var ok bool
		sig, _, ok = a.keyring.Sign([]byte(r.ContentHash))
		if !ok {
			sig = ""
		}
	}
	pub := ""
	if a.keyring != nil {
		pub = a.keyring.ActivePublicKeyPEM()
	}

	return &SignedReceipt{
		Version: "1",
		Rune: ReceiptRune{
			Sequence: r.Sequence, Timestamp: r.Timestamp, ToolName: r.ToolName, Decision: r.Decision,
			Rationale: r.Rationale, MatchedWards: r.MatchedWards, ArgumentsHash: r.ArgumentsHash,
			ContentHash: r.ContentHash, PreviousHash: r.PreviousHash, IsGenesis: r.IsGenesis,
		},
		ChainPosition: ChainPosition{ChainLength: chainLen},
		Signature:     sig,
		PublicKey:     pub,
	}, nil
}

func (a *SQLiteAdapter) GetRunes(filters RuneFilters) ([]Rune, error) {
	query := `SELECT ` + runeColumns + ` FROM runes WHERE 1=1`
	var args []interface{}
	if filters.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filters.SessionID)
	}
	if filters.ToolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, filters.ToolName)
	}
	if filters.Decision != "" {
		query += ` AND decision = ?`
		args = append(args, string(filters.Decision))
	}
	query += ` ORDER BY sequence DESC`
	if filters.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filters.Limit)
		if filters.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filters.Offset)
		}
	}

	rows, err := a.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rune
	for rows.Next() {
		r, err := scanRune(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (a *SQLiteAdapter) GetRuneBySequence(sequence uint64) (*Rune, error) {
	row := a.db.QueryRowContext(context.Background(), `SELECT `+runeColumns+` FROM runes WHERE sequence = ?`, sequence)
	r, err := scanRune(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (a *SQLiteAdapter) GetChainStats() (ChainStats, error) {
	result, err := a.VerifyChain()
	if err != nil {
		return ChainStats{}, err
	}
	return result.Stats, nil
}

func (a *SQLiteAdapter) GetRuneCount() (uint64, error) {
	var count uint64
	err := a.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM runes`).Scan(&count)
	return count, err
}

func (a *SQLiteAdapter) GetLastSequence() (uint64, error) {
	var seq sql.NullInt64
	err := a.db.QueryRowContext(context.Background(), `SELECT MAX(sequence) FROM runes`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (a *SQLiteAdapter) GetRecentCallCount(sessionID, toolName string, windowMs int64) (int, error) {
	cutoff := time.Now().Add(-time.Duration(windowMs) * time.Millisecond).Format(time.RFC3339Nano)
	query := `SELECT COUNT(*) FROM runes WHERE session_id = ? AND timestamp > ?`
	args := []interface{}{sessionID, cutoff}
	if toolName != "*" {
		query += ` AND tool_name = ?`
		args = append(args, toolName)
	}
	var count int
	err := a.db.QueryRowContext(context.Background(), query, args...).Scan(&count)
	return count, err
}

func (a *SQLiteAdapter) GetBaseline(serverID string) (*Baseline, error) {
	return a.getBaselineFrom("baselines", serverID)
}

func (a *SQLiteAdapter) GetPendingBaseline(serverID string) (*Baseline, error) {
	return a.getBaselineFrom("pending_baselines", serverID)
}

func (a *SQLiteAdapter) getBaselineFrom(table, serverID string) (*Baseline, error) {
	row := a.db.QueryRowContext(context.Background(),
		`SELECT server_id, tools_hash, tools_snapshot, first_seen, last_verified FROM `+table+` WHERE server_id = ?`, serverID)

	var b Baseline
	var snapshotJSON, firstSeen, lastVerified string
	err := row.Scan(&b.ServerID, &b.ToolsHash, &snapshotJSON, &firstSeen, &lastVerified)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(snapshotJSON), &b.ToolsSnapshot)
	b.FirstSeen = parseRuneTime(firstSeen)
	b.LastVerified = parseRuneTime(lastVerified)
	return &b, nil
}

func (a *SQLiteAdapter) SetBaseline(b Baseline) error {
	return a.upsertBaseline("baselines", b, true)
}

func (a *SQLiteAdapter) SetPendingBaseline(b Baseline) error {
	return a.upsertBaseline("pending_baselines", b, false)
}

func (a *SQLiteAdapter) upsertBaseline(table string, b Baseline, preserveFirstSeen bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot, err := json.Marshal(b.ToolsSnapshot)
	if err != nil {
		return err
	}
	if b.FirstSeen.IsZero() {
		b.FirstSeen = time.Now().UTC()
	}
	if b.LastVerified.IsZero() {
		b.LastVerified = time.Now().UTC()
	}

	if preserveFirstSeen {
		existing, err := a.getBaselineFromLocked(table, b.ServerID)
		if err != nil {
			return err
		}
		if existing != nil {
			b.FirstSeen = existing.FirstSeen
		}
	}

	_, err = a.db.ExecContext(context.Background(), `
		INSERT INTO `+table+` (server_id, tools_hash, tools_snapshot, first_seen, last_verified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			tools_hash = excluded.tools_hash,
			tools_snapshot = excluded.tools_snapshot,
			last_verified = excluded.last_verified`,
		b.ServerID, b.ToolsHash, string(snapshot), b.FirstSeen.Format(time.RFC3339Nano), b.LastVerified.Format(time.RFC3339Nano))
	return err
}

// getBaselineFromLocked is getBaselineFrom without acquiring a.mu, for
// callers that already hold it.
func (a *SQLiteAdapter) getBaselineFromLocked(table, serverID string) (*Baseline, error) {
	row := a.db.QueryRowContext(context.Background(),
		`SELECT server_id, tools_hash, tools_snapshot, first_seen, last_verified FROM `+table+` WHERE server_id = ?`, serverID)
	var b Baseline
	var snapshotJSON, firstSeen, lastVerified string
	err := row.Scan(&b.ServerID, &b.ToolsHash, &snapshotJSON, &firstSeen, &lastVerified)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(snapshotJSON), &b.ToolsSnapshot)
	b.FirstSeen = parseRuneTime(firstSeen)
	b.LastVerified = parseRuneTime(lastVerified)
	return &b, nil
}

func (a *SQLiteAdapter) ClearBaseline(serverID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.db.ExecContext(context.Background(), `DELETE FROM baselines WHERE server_id = ?`, serverID)
	return err
}

func (a *SQLiteAdapter) ClearAllBaselines() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.db.ExecContext(context.Background(), `DELETE FROM baselines`)
	return err
}

func (a *SQLiteAdapter) GetAllBaselines() ([]Baseline, error) {
	rows, err := a.db.QueryContext(context.Background(),
		`SELECT server_id, tools_hash, tools_snapshot, first_seen, last_verified FROM baselines ORDER BY server_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Baseline
	for rows.Next() {
		var b Baseline
		var snapshotJSON, firstSeen, lastVerified string
		if err := rows.Scan(&b.ServerID, &b.ToolsHash, &snapshotJSON, &firstSeen, &lastVerified); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(snapshotJSON), &b.ToolsSnapshot)
		b.FirstSeen = parseRuneTime(firstSeen)
		b.LastVerified = parseRuneTime(lastVerified)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, rows.Err()
}

func (a *SQLiteAdapter) ApprovePending(serverID string) (bool, error) {
	pending, err := a.GetPendingBaseline(serverID)
	if err != nil {
		return false, err
	}
	if pending == nil {
		return false, nil
	}
	if err := a.SetBaseline(*pending); err != nil {
		return false, err
	}
	a.mu.Lock()
	_, err = a.db.ExecContext(context.Background(), `DELETE FROM pending_baselines WHERE server_id = ?`, serverID)
	a.mu.Unlock()
	return true, err
}

func (a *SQLiteAdapter) GetPublicKey() (string, error) {
	if a.keyring == nil {
		return "", nil
	}
	return a.keyring.ActivePublicKeyPEM(), nil
}

func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}
