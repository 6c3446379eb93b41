// Package mint implements C6: the periodic sealed second-price ("Vickrey")
// scoring auction. The winner's price is burned out of escrow at resolution;
// a resolution credits no new scrip. Bids are accepted continuously and
// apply to the next resolution; resolution is driven externally by the
// scheduler checking its clock against period_seconds (spec §4.6).
package mint

import (
	"sort"
	"time"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
)

// Submission is one pending or resolved mint bid.
type Submission struct {
	ID          string
	Submitter   string
	ArtifactID  string
	Bid         int64
	SubmittedAt time.Time
}

// Resolution records one completed auction.
type Resolution struct {
	PeriodEnd   time.Time
	Winner      string // empty if no submissions were eligible
	Price       int64
	Losers      []string
	Submissions []Submission
}

// Scorer ranks a submission's content against its bid. The default
// BidOnlyScorer ignores content and scores purely on bid, which is the
// Open Question decision recorded in DESIGN.md — SPEC_FULL.md leaves the
// scoring function pluggable without prescribing a default.
type Scorer interface {
	Score(artifactContent string, bid int64) float64
}

// BidOnlyScorer scores a submission by its bid amount alone.
type BidOnlyScorer struct{}

func (BidOnlyScorer) Score(_ string, bid int64) float64 { return float64(bid) }

// ContentLookup resolves a submission's artifact_id to its content for
// scoring. Declared here rather than importing internal/store directly, so
// C6 has no dependency on C1.
type ContentLookup interface {
	Content(artifactID string) (string, error)
}

// Escrow is the subset of ledger operations the mint needs: holding a bid
// at submission time, crediting refunds/losing bids back, and burning the
// winner's price out of circulation at resolution. Declared here rather
// than importing internal/ledger directly.
type Escrow interface {
	Debit(principal string, amount int64, eventNumber int64) error
	Credit(principal string, amount int64, eventNumber int64) error
	// Burn permanently removes amount from whatever is holding it in
	// escrow, with no corresponding credit anywhere. This is the one
	// supply-reducing step of a mint cycle (spec S5: the winner's price
	// never comes back to any principal).
	Burn(amount int64, eventNumber int64) error
}

// Config holds the auction's timing and floor-price parameters (spec §6.4).
type Config struct {
	PeriodSeconds            int64
	FirstAuctionDelaySeconds int64
	MinimumBid               int64
}

// Auction is C6's in-memory state.
type Auction struct {
	cfg    Config
	scorer Scorer
	lookup ContentLookup
	escrow Escrow

	pending        []Submission
	resolutions    []Resolution
	lastResolution time.Time
	started        time.Time
}

// New creates an Auction. started is the kernel boot time, used to compute
// the first eligible resolution time via first_auction_delay_seconds.
func New(cfg Config, scorer Scorer, lookup ContentLookup, escrow Escrow, started time.Time) *Auction {
	if scorer == nil {
		scorer = BidOnlyScorer{}
	}
	return &Auction{cfg: cfg, scorer: scorer, lookup: lookup, escrow: escrow, lastResolution: started, started: started}
}

// NextResolutionDue returns the earliest time a resolution becomes
// eligible, honoring first_auction_delay_seconds before the first one.
func (a *Auction) NextResolutionDue() time.Time {
	due := a.lastResolution.Add(time.Duration(a.cfg.PeriodSeconds) * time.Second)
	if len(a.resolutions) == 0 {
		if first := a.started.Add(time.Duration(a.cfg.FirstAuctionDelaySeconds) * time.Second); first.After(due) {
			return first
		}
	}
	return due
}

// Submit records a new bid, holding it in escrow immediately (spec §4.6:
// "already held in escrow at submission"). Bids below minimum_bid are
// rejected before any scrip moves.
func (a *Auction) Submit(id, submitter, artifactID string, bid int64, now time.Time, eventNumber int64) (Submission, error) {
	if bid < a.cfg.MinimumBid {
		return Submission{}, kerrors.PermissionDenied("bid below minimum_bid")
	}
	if err := a.escrow.Debit(submitter, bid, eventNumber); err != nil {
		return Submission{}, err
	}

	sub := Submission{ID: id, Submitter: submitter, ArtifactID: artifactID, Bid: bid, SubmittedAt: now}
	a.pending = append(a.pending, sub)
	return sub, nil
}

// Cancel withdraws a pending submission by id, refunding its held bid.
// Resolved submissions cannot be cancelled.
func (a *Auction) Cancel(id string, eventNumber int64) error {
	for i, sub := range a.pending {
		if sub.ID == id {
			if err := a.escrow.Credit(sub.Submitter, sub.Bid, eventNumber); err != nil {
				return err
			}
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return nil
		}
	}
	return kerrors.NotFound("mint_submission", id)
}

// Status returns every currently pending submission and the time the next
// resolution is due.
func (a *Auction) Status() ([]Submission, time.Time) {
	out := append([]Submission(nil), a.pending...)
	return out, a.NextResolutionDue()
}

// History returns the limit most recent resolutions, most recent first. A
// non-positive limit returns all of them.
func (a *Auction) History(limit int) []Resolution {
	n := len(a.resolutions)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Resolution, limit)
	for i := 0; i < limit; i++ {
		out[i] = a.resolutions[n-1-i]
	}
	return out
}

// Resolve runs exactly one auction cycle once the next resolution is due
// (NextResolutionDue), per spec §4.6. It is idempotent relative to the
// clock: calling it repeatedly before the next period elapses is a no-op,
// and calling it once after missing several periods resolves exactly the
// earliest pending period — the caller (the scheduler) must re-invoke to
// drain any backlog.
func (a *Auction) Resolve(now time.Time, eventNumber int64) (Resolution, bool, error) {
	due := a.NextResolutionDue()
	if now.Before(due) {
		return Resolution{}, false, nil
	}

	var eligible, late []Submission
	for _, sub := range a.pending {
		if !sub.SubmittedAt.After(due) {
			eligible = append(eligible, sub)
		} else {
			late = append(late, sub)
		}
	}
	a.pending = late
	a.lastResolution = due

	if len(eligible) == 0 {
		res := Resolution{PeriodEnd: due}
		a.resolutions = append(a.resolutions, res)
		return res, true, nil
	}

	type scored struct {
		sub   Submission
		score float64
	}
	ranked := make([]scored, len(eligible))
	for i, sub := range eligible {
		content, err := a.lookup.Content(sub.ArtifactID)
		if err != nil {
			content = ""
		}
		ranked[i] = scored{sub: sub, score: a.scorer.Score(content, sub.Bid)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if !ranked[i].sub.SubmittedAt.Equal(ranked[j].sub.SubmittedAt) {
			return ranked[i].sub.SubmittedAt.Before(ranked[j].sub.SubmittedAt)
		}
		return ranked[i].sub.ID < ranked[j].sub.ID
	})

	winner := ranked[0].sub
	var secondBid int64
	if len(ranked) > 1 {
		secondBid = ranked[1].sub.Bid
	}
	price := secondBid
	if price < a.cfg.MinimumBid {
		price = a.cfg.MinimumBid
	}
	if price > winner.Bid {
		price = winner.Bid
	}

	if refund := winner.Bid - price; refund > 0 {
		if err := a.escrow.Credit(winner.Submitter, refund, eventNumber); err != nil {
			return Resolution{}, false, err
		}
	}
	if price > 0 {
		// The winner's price is the one amount a mint cycle ever removes
		// from circulation (spec P3's mint_resolution exception, S5's
		// worked example). It was held in escrow since submission, not
		// debited away then — burn it now, at resolution, rather than
		// at Submit, so a bid still pending resolution never shrinks
		// total scrip supply.
		if err := a.escrow.Burn(price, eventNumber); err != nil {
			return Resolution{}, false, err
		}
	}

	losers := make([]string, 0, len(ranked)-1)
	for _, r := range ranked[1:] {
		if err := a.escrow.Credit(r.sub.Submitter, r.sub.Bid, eventNumber); err != nil {
			return Resolution{}, false, err
		}
		losers = append(losers, r.sub.ID)
	}

	res := Resolution{
		PeriodEnd:   due,
		Winner:      winner.ID,
		Price:       price,
		Losers:      losers,
		Submissions: eligible,
	}
	a.resolutions = append(a.resolutions, res)
	return res, true, nil
}

// Pending returns a copy of the pending submissions, for checkpointing.
func (a *Auction) Pending() []Submission {
	return append([]Submission(nil), a.pending...)
}

// Resolutions returns a copy of every past resolution, for checkpointing.
func (a *Auction) Resolutions() []Resolution {
	return append([]Resolution(nil), a.resolutions...)
}

// LastResolution returns the timestamp of the most recent resolution (or
// the kernel start time, if none have occurred yet).
func (a *Auction) LastResolution() time.Time {
	return a.lastResolution
}

// Restore replaces the auction's state wholesale from checkpoint data.
func (a *Auction) Restore(pending []Submission, resolutions []Resolution, lastResolution time.Time) {
	a.pending = append([]Submission(nil), pending...)
	a.resolutions = append([]Resolution(nil), resolutions...)
	a.lastResolution = lastResolution
}
