package core

import (
	"UnderwriteLedger/internal/event"
	"UnderwriteLedger/internal/failure"
	"UnderwriteLedger/internal/ledger"
	"UnderwriteLedger/internal/observability"
	"UnderwriteLedger/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds the underwriting rules the core enforces.
type Config struct {
	Operator      event.Identity
	BillingPeriod time.Duration
	GracePeriod   time.Duration

	IdempotencyCapacity int
	TransferTimeout     time.Duration

	// Full ledger invariant sweep every N commands. Cheap per-command checks
	// always run.
	FullCheckInterval int64
}

func DefaultConfig() Config {
	return Config{
		Operator:            "operator",
		BillingPeriod:       30 * 24 * time.Hour,
		GracePeriod:         30 * 24 * time.Hour,
		IdempotencyCapacity: 1_000_000,
		TransferTimeout:     10 * time.Second,
		FullCheckInterval:   1000,
	}
}

func (c Config) Validate() error {
	if c.Operator.IsZero() {
		return fmt.Errorf("operator identity is required")
	}
	if c.BillingPeriod <= 0 {
		return fmt.Errorf("billing period must be positive, got %s", c.BillingPeriod)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must be non-negative, got %s", c.GracePeriod)
	}
	return nil
}

// Options are the collaborators a core is wired with. Nil channels skip
// emission; a nil Transferer accepts every transfer.
type Options struct {
	Clock          Clock
	Transferer     Transferer
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         *zerolog.Logger
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

// UnderwritingCore applies commands one at a time. Every command either
// commits fully or leaves no trace.
type UnderwritingCore struct {
	mu sync.Mutex

	cfg         Config
	sequence    int64
	lastNow     time.Time
	hasher      *StateHasher
	tracker     *ledger.BalanceTracker
	validator   *ledger.InvariantValidator
	pool        *state.PoolController
	quotes      *state.QuoteCatalog
	policies    *state.PolicyRegistry
	idempotency *IdempotencyChecker
	clock       Clock
	transferer  Transferer
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one applied command.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	Pool       state.PoolStats
	Quote      *state.Quote
	Policy     *state.Policy
	StateDelta []byte
}

// Result is what a caller learns from a successful command.
type Result struct {
	Sequence    int64           `json:"sequence"`
	CommandType string          `json:"command_type,omitempty"`
	QuoteIndex  *int64          `json:"quote_index,omitempty"`
	PolicyIndex *int64          `json:"policy_index,omitempty"`
	Amount      int64           `json:"amount"`
	Released    int64           `json:"released,omitempty"`
	PaidUntil   *time.Time      `json:"paid_until,omitempty"`
	Pool        state.PoolStats `json:"pool"`
	StateHash   string          `json:"state_hash,omitempty"`
	Duplicate   bool            `json:"duplicate,omitempty"`
}

func NewUnderwritingCore(cfg Config, opts Options) (*UnderwritingCore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("core config: %w", err)
	}

	tracker := ledger.NewBalanceTracker()
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	transferer := opts.Transferer
	if transferer == nil {
		transferer = NoopTransferer{}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	cfg.Operator = cfg.Operator.Normalize()

	return &UnderwritingCore{
		cfg:            cfg,
		sequence:       1,
		hasher:         NewStateHasher(),
		tracker:        tracker,
		validator:      ledger.NewInvariantValidator(tracker),
		pool:           state.NewPoolController(tracker, ledger.NewJournalGenerator()),
		quotes:         state.NewQuoteCatalog(cfg.Operator),
		policies:       state.NewPolicyRegistry(),
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, opts.DBChecker, opts.Metrics),
		clock:          clock,
		transferer:     transferer,
		metrics:        opts.Metrics,
		log:            log,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
	}, nil
}

// plan is a staged command: the batch to commit, an optional transfer that
// must succeed first, and the registry mutation to run after commit.
type plan struct {
	batch    *ledger.Batch
	transfer *TransferRequest
	commit   func() Result
}

// replayInfo pins a command to its recorded position in the event log.
type replayInfo struct {
	at        time.Time
	stateHash [32]byte
}

// Execute is the main processing pipeline
func (c *UnderwritingCore) Execute(ctx context.Context, cmd event.Command) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execute(ctx, cmd, nil)
}

// Replay re-applies a command read back from the event log. It runs at the
// recorded timestamp, skips the external transfer (it already happened) and
// emits nothing. The resulting hash must match the recorded one.
func (c *UnderwritingCore) Replay(ctx context.Context, cmd event.Command, sequence int64, at time.Time, stateHash [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sequence != c.sequence {
		return fmt.Errorf("replay seq %d into core at seq %d", sequence, c.sequence)
	}
	_, err := c.execute(ctx, cmd, &replayInfo{at: at, stateHash: stateHash})
	return err
}

func (c *UnderwritingCore) execute(ctx context.Context, cmd event.Command, replay *replayInfo) (Result, error) {
	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	if idempotencyKey == "" || idempotencyKey == uuid.Nil.String() {
		err := fmt.Errorf("command id is required: %w", failure.ErrInvalidArgument)
		c.recordReject(commandType, err)
		return Result{}, err
	}
	if cmd.CallerID().IsZero() {
		err := fmt.Errorf("caller is required: %w", failure.ErrInvalidArgument)
		c.recordReject(commandType, err)
		return Result{}, err
	}

	// Step 1: Idempotency check (two-tier). The log being replayed is the
	// source of every tier-2 hit, so replay skips it.
	if replay == nil {
		if res, dup := c.idempotency.Lookup(commandType, idempotencyKey); dup {
			if c.metrics != nil {
				c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
			}
			res.Duplicate = true
			res.CommandType = commandType
			return res, nil
		}
	}

	// Step 2: Read the clock once for the whole command
	var now time.Time
	if replay != nil {
		now = c.pin(replay.at)
	} else {
		now = c.now()
	}

	// Step 3: Dispatch, staging journals without moving anything
	p, err := c.dispatch(cmd, now)
	if err != nil {
		c.recordReject(commandType, err)
		return Result{}, err
	}

	if err := c.validator.ValidateBatchBalance(p.batch); err != nil {
		panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
	}

	// Step 4: External transfer before any bookkeeping mutation
	if p.transfer != nil && replay == nil {
		if err := c.transfer(ctx, *p.transfer); err != nil {
			c.recordReject(commandType, err)
			return Result{}, err
		}
	}

	// Step 5: Commit batch, then the registry mutation
	if err := c.pool.Commit(p.batch); err != nil {
		panic(fmt.Sprintf("FATAL: staged batch failed to commit seq=%d: %v", c.sequence, err))
	}
	res := p.commit()

	// Step 6: Post-checks
	policyIndex := event.PolicyIndexOf(cmd)
	if policyIndex == nil {
		policyIndex = res.PolicyIndex
	}
	if err := c.postCheckInvariants(policyIndex); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Hash chain
	var quote *state.Quote
	if res.QuoteIndex != nil {
		q, _ := c.quotes.Get(*res.QuoteIndex)
		quote = &q
	}
	var policy *state.Policy
	if policyIndex != nil {
		pol, _ := c.policies.Get(*policyIndex)
		policy = &pol
	}

	stateDigest := c.computeStateDigest(p.batch, quote, policy)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if replay != nil && stateHash != replay.stateHash {
		panic(fmt.Sprintf("FATAL: replay diverged at seq %d: recorded %x, recomputed %x",
			c.sequence, replay.stateHash, stateHash))
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal %s: %v", commandType, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		CommandType:    cmd.CommandType(),
		PolicyIndex:    policyIndex,
		Caller:         cmd.CallerID().Normalize(),
		Timestamp:      now,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	res.Sequence = c.sequence
	res.CommandType = commandType
	res.Pool = c.pool.Stats()
	res.StateHash = fmt.Sprintf("%x", stateHash)

	// Step 8: Emit outputs
	if replay == nil {
		c.emit(CoreOutput{
			Envelope:   envelope,
			Batch:      p.batch,
			Pool:       res.Pool,
			Quote:      quote,
			Policy:     policy,
			StateDelta: stateDigest,
		})
	}

	c.sequence++

	// Step 9: Mark as processed
	c.idempotency.MarkProcessed(commandType, idempotencyKey, res)

	c.recordApplied(commandType, p.batch, start)
	c.log.Debug().
		Int64("sequence", res.Sequence).
		Str("command_type", commandType).
		Str("command_id", idempotencyKey).
		Str("caller", string(envelope.Caller)).
		Int("journals", len(p.batch.Journals)).
		Msg("command applied")

	return res, nil
}

// now reads the clock, clamped so time never runs backwards across commands.
// Truncated to microseconds, the precision persisted and hashed.
func (c *UnderwritingCore) now() time.Time {
	now := c.clock.Now().UTC().Truncate(time.Microsecond)
	if now.Before(c.lastNow) {
		now = c.lastNow
	}
	c.lastNow = now
	return now
}

// pin uses a recorded timestamp instead of the clock.
func (c *UnderwritingCore) pin(at time.Time) time.Time {
	now := at.UTC().Truncate(time.Microsecond)
	if now.Before(c.lastNow) {
		now = c.lastNow
	}
	c.lastNow = now
	return now
}

func (c *UnderwritingCore) transfer(ctx context.Context, req TransferRequest) error {
	if c.cfg.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TransferTimeout)
		defer cancel()
	}

	if err := c.transferer.Transfer(ctx, req); err != nil {
		if c.metrics != nil {
			c.metrics.TransferRequests.WithLabelValues(string(req.Kind), "failed").Inc()
		}
		c.log.Warn().Err(err).
			Str("ref", req.Ref).
			Str("kind", string(req.Kind)).
			Str("to", string(req.To)).
			Int64("amount", req.Amount).
			Msg("transfer failed, command rejected")
		return fmt.Errorf("%s of %d to %q: %v: %w", req.Kind, req.Amount, req.To, err, failure.ErrTransferFailed)
	}

	if c.metrics != nil {
		c.metrics.TransferRequests.WithLabelValues(string(req.Kind), "ok").Inc()
	}
	return nil
}

// emit sends the output downstream.
// The persist channel uses a blocking send so no applied command is lost;
// the projection channel drops on full since projections can be rebuilt.
func (c *UnderwritingCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

// computeStateDigest creates canonical bytes for state hash: every account
// the batch touched with its new balance, then the touched quote and policy.
func (c *UnderwritingCore) computeStateDigest(batch *ledger.Batch, quote *state.Quote, policy *state.Policy) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*40+128)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, c.tracker.GetBalance(key))
	}

	if quote != nil {
		digest = append(digest, 'Q')
		digest = append(digest, quote.CanonicalBytes()...)
	}
	if policy != nil {
		digest = append(digest, 'P')
		digest = append(digest, policy.CanonicalBytes()...)
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after a commit. The touched policy
// must hold exactly its coverage while active and nothing once closed.
func (c *UnderwritingCore) postCheckInvariants(policyIndex *int64) error {
	if err := c.tracker.ValidateNonNegative(ledger.PoolFreeAccount()); err != nil {
		return fmt.Errorf("post-check free liquidity: %w", err)
	}
	if err := c.validator.ValidateHeldBalance(); err != nil {
		return fmt.Errorf("post-check conservation: %w", err)
	}

	if policyIndex != nil {
		p, err := c.policies.Get(*policyIndex)
		if err != nil {
			return fmt.Errorf("post-check: %w", err)
		}
		expected := int64(0)
		if p.Active() {
			expected = p.CoverageAmount
		}
		if err := c.validator.ValidatePolicyCollateral(p.Index, expected); err != nil {
			return fmt.Errorf("post-check collateral: %w", err)
		}
	}

	if c.cfg.FullCheckInterval > 0 && c.sequence%c.cfg.FullCheckInterval == 0 {
		if err := c.fullSweep(); err != nil {
			return fmt.Errorf("post-check full sweep at seq %d: %w", c.sequence, err)
		}
	}

	return nil
}

// fullSweep recomputes every running total from scratch and runs the
// ledger-wide checks against the swept values.
func (c *UnderwritingCore) fullSweep() error {
	if err := c.policies.ValidateRunningTotals(); err != nil {
		return err
	}
	return c.validator.ValidateAll(c.policies.SweepActiveCoverage())
}

func (c *UnderwritingCore) recordReject(commandType string, err error) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(commandType, failure.Reason(err)).Inc()
	}
	c.log.Debug().Err(err).Str("command_type", commandType).Msg("command rejected")
}

func (c *UnderwritingCore) recordApplied(commandType string, batch *ledger.Batch, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
	c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	c.updatePoolGauges()
}

// updatePoolGauges must be called with c.mu held.
func (c *UnderwritingCore) updatePoolGauges() {
	if c.metrics == nil {
		return
	}
	stats := c.pool.Stats()
	c.metrics.PoolTotalCapital.Set(float64(stats.TotalCapital))
	c.metrics.PoolUsedLiquidity.Set(float64(stats.UsedLiquidity))
	c.metrics.PoolFreeLiquidity.Set(float64(stats.FreeLiquidity))
	for status, n := range c.policies.CountByStatus() {
		c.metrics.PoliciesByStatus.WithLabelValues(status.String()).Set(float64(n))
	}
}
