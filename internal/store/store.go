package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/clawork/clawork/internal/models"
	"github.com/clawork/clawork/internal/reputation"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict signals a compare-and-swap miss: the row exists but its
	// status no longer satisfies the transition's precondition.
	ErrConflict = errors.New("status conflict")
)

// Store is the single source of truth for bounty status. Every lifecycle
// transition goes through a CAS-style update keyed on the expected prior
// status; a miss is reported as ErrConflict, never applied partially.
type Store interface {
	CreateBounty(ctx context.Context, in BountyInput) (models.Bounty, error)
	GetBounty(ctx context.Context, id uuid.UUID) (models.Bounty, error)
	ListBounties(ctx context.Context, filter ListBountiesFilter) ([]models.Bounty, error)
	ClaimBounty(ctx context.Context, in ClaimUpdate) (models.Bounty, error)
	MarkSubmitted(ctx context.Context, in SubmitUpdate) (models.Bounty, error)
	FinalizeBounty(ctx context.Context, in FinalizeUpdate) (models.Bounty, error)
	AutoReleaseBounty(ctx context.Context, id uuid.UUID, now time.Time) (models.Bounty, error)
	ListAutoReleasable(ctx context.Context, now time.Time) ([]models.Bounty, error)
	SetChannel(ctx context.Context, id uuid.UUID, channelID string) (models.Bounty, error)
	SetSettlement(ctx context.Context, id uuid.UUID, txHash string) (models.Bounty, error)

	OpenDispute(ctx context.Context, in DisputeInput) (models.Dispute, models.Bounty, error)
	SetDisputeChallenge(ctx context.Context, disputeID uuid.UUID, txHash string) error
	ResolveDispute(ctx context.Context, in ResolveUpdate) (models.Dispute, models.Bounty, error)
	GetDispute(ctx context.Context, id uuid.UUID) (models.Dispute, error)

	GetAgent(ctx context.Context, id string) (models.Agent, error)
	EnsureAgent(ctx context.Context, id, address string) (models.Agent, error)
	ApplyReputation(ctx context.Context, agentID string, delta reputation.Delta) (models.Agent, error)

	Ping(ctx context.Context) error
}

type BountyInput struct {
	ID               uuid.UUID
	Title            string
	Description      string
	Requirements     string
	RequiredSkills   []string
	Type             string
	Reward           float64
	RewardToken      string
	PosterAddress    string
	SubmitWindowDays int
	ChannelID        *string
}

type ListBountiesFilter struct {
	Status        models.BountyStatus
	PosterAddress string
	AgentID       string
	Limit         int
	Offset        int
}

type ClaimUpdate struct {
	ID             uuid.UUID
	AgentID        string
	AgentAddress   string
	SubmitDeadline time.Time
}

type SubmitUpdate struct {
	ID                 uuid.UUID
	AgentID            string
	DeliverableCID     *string
	DeliverableMessage *string
	ReviewDeadline     time.Time
}

// FinalizeUpdate moves a SUBMITTED bounty to COMPLETED or REJECTED.
type FinalizeUpdate struct {
	ID       uuid.UUID
	ToStatus models.BountyStatus
}

type DisputeInput struct {
	ID               uuid.UUID
	BountyID         uuid.UUID
	InitiatorAddress string
	Reason           string
}

type ResolveUpdate struct {
	BountyID        uuid.UUID
	Decision        models.DisputeDecision
	ResolutionNotes *string
	ToStatus        models.BountyStatus
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const bountyColumns = `id, title, description, requirements, required_skills, bounty_type, reward, reward_token,
	poster_address, submit_window_days, status, assigned_agent_id, assigned_agent_address, channel_id, settlement_tx_hash,
	submit_deadline, review_deadline, deliverable_cid, deliverable_message, dispute_status, dispute_id,
	created_at, updated_at`

const disputeColumns = `id, bounty_id, initiator_address, reason, status, decision, resolution_notes,
	challenge_tx_hash, created_at, resolved_at`

func scanBounty(row rowScanner) (models.Bounty, error) {
	var (
		b              models.Bounty
		skills         pq.StringArray
		agentID        sql.NullString
		agentAddress   sql.NullString
		channelID      sql.NullString
		settlementHash sql.NullString
		submitDeadline sql.NullTime
		reviewDeadline sql.NullTime
		cid            sql.NullString
		message        sql.NullString
		disputeID      uuid.NullUUID
	)
	if err := row.Scan(
		&b.ID,
		&b.Title,
		&b.Description,
		&b.Requirements,
		&skills,
		&b.Type,
		&b.Reward,
		&b.RewardToken,
		&b.PosterAddress,
		&b.SubmitWindowDays,
		&b.Status,
		&agentID,
		&agentAddress,
		&channelID,
		&settlementHash,
		&submitDeadline,
		&reviewDeadline,
		&cid,
		&message,
		&b.DisputeStatus,
		&disputeID,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return models.Bounty{}, err
	}
	b.RequiredSkills = append([]string(nil), skills...)
	if agentID.Valid {
		v := agentID.String
		b.AssignedAgentID = &v
	}
	if agentAddress.Valid {
		v := agentAddress.String
		b.AssignedAgentAddress = &v
	}
	if channelID.Valid {
		v := channelID.String
		b.ChannelID = &v
	}
	if settlementHash.Valid {
		v := settlementHash.String
		b.SettlementTxHash = &v
	}
	if submitDeadline.Valid {
		t := submitDeadline.Time
		b.SubmitDeadline = &t
	}
	if reviewDeadline.Valid {
		t := reviewDeadline.Time
		b.ReviewDeadline = &t
	}
	if cid.Valid {
		v := cid.String
		b.DeliverableCID = &v
	}
	if message.Valid {
		v := message.String
		b.DeliverableMessage = &v
	}
	if disputeID.Valid {
		id := disputeID.UUID
		b.DisputeID = &id
	}
	return b, nil
}

func scanDispute(row rowScanner) (models.Dispute, error) {
	var (
		d          models.Dispute
		decision   sql.NullString
		notes      sql.NullString
		challenge  sql.NullString
		resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&d.BountyID,
		&d.InitiatorAddress,
		&d.Reason,
		&d.Status,
		&decision,
		&notes,
		&challenge,
		&d.CreatedAt,
		&resolvedAt,
	); err != nil {
		return models.Dispute{}, err
	}
	if decision.Valid {
		v := decision.String
		d.Decision = &v
	}
	if notes.Valid {
		v := notes.String
		d.ResolutionNotes = &v
	}
	if challenge.Valid {
		v := challenge.String
		d.ChallengeTxHash = &v
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

func scanAgent(row rowScanner) (models.Agent, error) {
	var (
		a        models.Agent
		feedback []byte
	)
	if err := row.Scan(
		&a.ID,
		&a.Address,
		&a.Score,
		&a.TotalJobs,
		&a.Positive,
		&a.Negative,
		&a.Confidence,
		&feedback,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return models.Agent{}, err
	}
	if len(feedback) > 0 {
		if err := json.Unmarshal(feedback, &a.Feedback); err != nil {
			return models.Agent{}, fmt.Errorf("decode feedback log: %w", err)
		}
	}
	return a, nil
}

func (s *PGStore) CreateBounty(ctx context.Context, in BountyInput) (models.Bounty, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO bounties (id, title, description, requirements, required_skills, bounty_type, reward, reward_token, poster_address, submit_window_days, status, channel_id, dispute_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'OPEN',$11,'NONE')
		RETURNING ` + bountyColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.Title, in.Description, in.Requirements, pq.Array(in.RequiredSkills),
		in.Type, in.Reward, in.RewardToken, in.PosterAddress, in.SubmitWindowDays, in.ChannelID)
	bounty, err := scanBounty(row)
	if err != nil {
		return models.Bounty{}, fmt.Errorf("insert bounty: %w", err)
	}
	return bounty, nil
}

func (s *PGStore) GetBounty(ctx context.Context, id uuid.UUID) (models.Bounty, error) {
	query := `SELECT ` + bountyColumns + ` FROM bounties WHERE id=$1`
	bounty, err := scanBounty(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Bounty{}, ErrNotFound
		}
		return models.Bounty{}, fmt.Errorf("get bounty: %w", err)
	}
	return bounty, nil
}

func (s *PGStore) ListBounties(ctx context.Context, filter ListBountiesFilter) ([]models.Bounty, error) {
	query := `SELECT ` + bountyColumns + ` FROM bounties WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	if filter.PosterAddress != "" {
		query += fmt.Sprintf(" AND poster_address = $%d", argPos)
		args = append(args, filter.PosterAddress)
		argPos++
	}
	if filter.AgentID != "" {
		query += fmt.Sprintf(" AND assigned_agent_id = $%d", argPos)
		args = append(args, filter.AgentID)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	limit := normalizeLimit(filter.Limit)
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, limit)
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bounties: %w", err)
	}
	defer rows.Close()

	var bounties []models.Bounty
	for rows.Next() {
		bounty, err := scanBounty(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bounty: %w", err)
		}
		bounties = append(bounties, bounty)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bounties: %w", err)
	}
	return bounties, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// classifyMiss turns a zero-row CAS update into ErrNotFound or ErrConflict
// by re-reading the row.
func (s *PGStore) classifyMiss(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetBounty(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *PGStore) ClaimBounty(ctx context.Context, in ClaimUpdate) (models.Bounty, error) {
	query := `
		UPDATE bounties
		SET status='CLAIMED', assigned_agent_id=$2, assigned_agent_address=$3, submit_deadline=$4, updated_at=NOW()
		WHERE id=$1 AND status='OPEN'
		RETURNING ` + bountyColumns
	bounty, err := scanBounty(s.db.QueryRowContext(ctx, query, in.ID, in.AgentID, in.AgentAddress, in.SubmitDeadline))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Bounty{}, s.classifyMiss(ctx, in.ID)
		}
		return models.Bounty{}, fmt.Errorf("claim bounty: %w", err)
	}
	return bounty, nil
}

func (s *PGStore) MarkSubmitted(ctx context.Context, in SubmitUpdate) (models.Bounty, error) {
	query := `
		UPDATE bounties
		SET status='SUBMITTED', deliverable_cid=$3, deliverable_message=$4, review_deadline=$5, updated_at=NOW()
		WHERE id=$1 AND status='CLAIMED' AND assigned_agent_id=$2
		RETURNING ` + bountyColumns
	bounty, err := scanBounty(s.db.QueryRowContext(ctx, query, in.ID, in.AgentID, in.DeliverableCID, in.DeliverableMessage, in.ReviewDeadline))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Bounty{}, s.classifyMiss(ctx, in.ID)
		}
		return models.Bounty{}, fmt.Errorf("mark submitted: %w", err)
	}
	return bounty, nil
}

func (s *PGStore) FinalizeBounty(ctx context.Context, in FinalizeUpdate) (models.Bounty, error) {
	query := `
		UPDATE bounties
		SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status='SUBMITTED'
		RETURNING ` + bountyColumns
	bounty, err := scanBounty(s.db.QueryRowContext(ctx, query, in.ID, in.ToStatus))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Bounty{}, s.classifyMiss(ctx, in.ID)
		}
		return models.Bounty{}, fmt.Errorf("finalize bounty: %w", err)
	}
	return bounty, nil
}

func (s *PGStore) AutoReleaseBounty(ctx context.Context, id uuid.UUID, now time.Time) (models.Bounty, error) {
	query := `
		UPDATE bounties
		SET status='AUTO_RELEASED', updated_at=NOW()
		WHERE id=$1 AND status='SUBMITTED' AND review_deadline < $2 AND dispute_status <> 'PENDING'
		RETURNING ` + bountyColumns
	bounty, err := scanBounty(s.db.QueryRowContext(ctx, query, id, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Bounty{}, s.classifyMiss(ctx, id)
		}
		return models.Bounty{}, fmt.Errorf("auto-release bounty: %w", err)
	}
	return bounty, nil
}

func (s *PGStore) ListAutoReleasable(ctx context.Context, now time.Time) ([]models.Bounty, error) {
	query := `
		SELECT ` + bountyColumns + `
		FROM bounties
		WHERE status='SUBMITTED' AND review_deadline < $1 AND dispute_status <> 'PENDING'
		ORDER BY review_deadline`
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list auto-releasable: %w", err)
	}
	defer rows.Close()

	var bounties []models.Bounty
	for rows.Next() {
		bounty, err := scanBounty(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bounty: %w", err)
		}
		bounties = append(bounties, bounty)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auto-releasable: %w", err)
	}
	return bounties, nil
}

func (s *PGStore) SetChannel(ctx context.Context, id uuid.UUID, channelID string) (models.Bounty, error) {
	query := `
		UPDATE bounties SET channel_id=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + bountyColumns
	bounty, err := scanBounty(s.db.QueryRowContext(ctx, query, id, channelID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Bounty{}, ErrNotFound
		}
		return models.Bounty{}, fmt.Errorf("set channel: %w", err)
	}
	return bounty, nil
}

func (s *PGStore) SetSettlement(ctx context.Context, id uuid.UUID, txHash string) (models.Bounty, error) {
	query := `
		UPDATE bounties SET settlement_tx_hash=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + bountyColumns
	bounty, err := scanBounty(s.db.QueryRowContext(ctx, query, id, txHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Bounty{}, ErrNotFound
		}
		return models.Bounty{}, fmt.Errorf("set settlement: %w", err)
	}
	return bounty, nil
}

func (s *PGStore) OpenDispute(ctx context.Context, in DisputeInput) (models.Dispute, models.Bounty, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Dispute{}, models.Bounty{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	bountyQuery := `
		UPDATE bounties
		SET dispute_status='PENDING', dispute_id=$2, updated_at=NOW()
		WHERE id=$1 AND status IN ('CLAIMED','SUBMITTED') AND dispute_status <> 'PENDING'
		RETURNING ` + bountyColumns
	bounty, err := scanBounty(tx.QueryRowContext(ctx, bountyQuery, in.BountyID, in.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Dispute{}, models.Bounty{}, s.classifyMiss(ctx, in.BountyID)
		}
		return models.Dispute{}, models.Bounty{}, fmt.Errorf("flag dispute: %w", err)
	}

	disputeQuery := `
		INSERT INTO disputes (id, bounty_id, initiator_address, reason, status)
		VALUES ($1,$2,$3,$4,'PENDING')
		RETURNING ` + disputeColumns
	dispute, err := scanDispute(tx.QueryRowContext(ctx, disputeQuery, in.ID, in.BountyID, in.InitiatorAddress, in.Reason))
	if err != nil {
		return models.Dispute{}, models.Bounty{}, fmt.Errorf("insert dispute: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Dispute{}, models.Bounty{}, fmt.Errorf("commit dispute: %w", err)
	}
	return dispute, bounty, nil
}

func (s *PGStore) SetDisputeChallenge(ctx context.Context, disputeID uuid.UUID, txHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE disputes SET challenge_tx_hash=$2 WHERE id=$1`, disputeID, txHash)
	if err != nil {
		return fmt.Errorf("set dispute challenge: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ResolveDispute(ctx context.Context, in ResolveUpdate) (models.Dispute, models.Bounty, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Dispute{}, models.Bounty{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	bountyQuery := `
		UPDATE bounties
		SET status=$2, dispute_status='RESOLVED', updated_at=NOW()
		WHERE id=$1 AND dispute_status='PENDING' AND status IN ('CLAIMED','SUBMITTED')
		RETURNING ` + bountyColumns
	bounty, err := scanBounty(tx.QueryRowContext(ctx, bountyQuery, in.BountyID, in.ToStatus))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Dispute{}, models.Bounty{}, s.classifyMiss(ctx, in.BountyID)
		}
		return models.Dispute{}, models.Bounty{}, fmt.Errorf("resolve bounty dispute state: %w", err)
	}
	if bounty.DisputeID == nil {
		return models.Dispute{}, models.Bounty{}, fmt.Errorf("bounty %s has dispute status but no dispute id", in.BountyID)
	}

	disputeQuery := `
		UPDATE disputes
		SET status='RESOLVED', decision=$2, resolution_notes=$3, resolved_at=NOW()
		WHERE id=$1
		RETURNING ` + disputeColumns
	dispute, err := scanDispute(tx.QueryRowContext(ctx, disputeQuery, *bounty.DisputeID, string(in.Decision), in.ResolutionNotes))
	if err != nil {
		return models.Dispute{}, models.Bounty{}, fmt.Errorf("resolve dispute: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Dispute{}, models.Bounty{}, fmt.Errorf("commit resolution: %w", err)
	}
	return dispute, bounty, nil
}

func (s *PGStore) GetDispute(ctx context.Context, id uuid.UUID) (models.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id=$1`
	dispute, err := scanDispute(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Dispute{}, ErrNotFound
		}
		return models.Dispute{}, fmt.Errorf("get dispute: %w", err)
	}
	return dispute, nil
}

const agentColumns = `id, address, score, total_jobs, positive, negative, confidence, feedback, created_at, updated_at`

func (s *PGStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id=$1`
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Agent{}, ErrNotFound
		}
		return models.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *PGStore) EnsureAgent(ctx context.Context, id, address string) (models.Agent, error) {
	query := `
		INSERT INTO agents (id, address, score, total_jobs, positive, negative, confidence, feedback)
		VALUES ($1,$2,0,0,0,0,0,'[]')
		ON CONFLICT (id) DO UPDATE SET address=EXCLUDED.address, updated_at=NOW()
		RETURNING ` + agentColumns
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id, address))
	if err != nil {
		return models.Agent{}, fmt.Errorf("ensure agent: %w", err)
	}
	return agent, nil
}

// ApplyReputation reads the aggregate under a row lock, applies the delta in
// Go so the score floor and derived confidence live in one place, and writes
// the result back in the same transaction.
func (s *PGStore) ApplyReputation(ctx context.Context, agentID string, delta reputation.Delta) (models.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Agent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `SELECT ` + agentColumns + ` FROM agents WHERE id=$1 FOR UPDATE`
	agent, err := scanAgent(tx.QueryRowContext(ctx, selectQuery, agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Agent{}, ErrNotFound
		}
		return models.Agent{}, fmt.Errorf("lock agent: %w", err)
	}

	agent.Score = reputation.ApplyScore(agent.Score, delta.ScoreDelta)
	agent.TotalJobs += delta.Jobs
	agent.Positive += delta.Positive
	agent.Negative += delta.Negative
	agent.Confidence = reputation.Confidence(agent.TotalJobs)
	if delta.Feedback != nil {
		agent.Feedback = append(agent.Feedback, *delta.Feedback)
	}
	feedback, err := json.Marshal(agent.Feedback)
	if err != nil {
		return models.Agent{}, fmt.Errorf("encode feedback log: %w", err)
	}

	updateQuery := `
		UPDATE agents
		SET score=$2, total_jobs=$3, positive=$4, negative=$5, confidence=$6, feedback=$7, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + agentColumns
	updated, err := scanAgent(tx.QueryRowContext(ctx, updateQuery,
		agentID, agent.Score, agent.TotalJobs, agent.Positive, agent.Negative, agent.Confidence, feedback))
	if err != nil {
		return models.Agent{}, fmt.Errorf("update agent reputation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Agent{}, fmt.Errorf("commit reputation: %w", err)
	}
	return updated, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
