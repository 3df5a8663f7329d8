// Package runner drives a full curation run: source discovery, session
// scheduling, interactive review, and committing results to the output
// group.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ciliaq-tools/roicull/internal/bundle"
	"github.com/ciliaq-tools/roicull/internal/config"
	"github.com/ciliaq-tools/roicull/internal/discover"
	"github.com/ciliaq-tools/roicull/internal/ledger"
	"github.com/ciliaq-tools/roicull/internal/review"
	"github.com/ciliaq-tools/roicull/internal/session"
	"github.com/ciliaq-tools/roicull/internal/slide"
)

// Confirmer asks the operator a yes/no question before changes are
// committed.
type Confirmer interface {
	Confirm(prompt string) (bool, error)
}

// Runner owns the collaborators of one curation run.
type Runner struct {
	repo     *bundle.Repository
	slides   *slide.Manager
	sessions *session.Manager
	reviewer review.Reviewer
	opts     config.Options
	srcPath  string
}

// New wires a runner over the source directory. The reviewer is consulted
// for every batch; when it also implements Confirmer, it is asked before
// each session's changes are committed.
func New(srcPath string, opts config.Options, reviewer review.Reviewer) *Runner {
	repo := bundle.NewRepository(opts.SrcColumn, opts.TabDelimited)
	slides := slide.NewManager()
	return &Runner{
		repo:     repo,
		slides:   slides,
		sessions: session.NewManager(repo, slides, opts, srcPath),
		reviewer: reviewer,
		opts:     opts,
		srcPath:  srcPath,
	}
}

// Sessions exposes the scheduler, mainly for inspection commands.
func (r *Runner) Sessions() *session.Manager { return r.sessions }

// Repository exposes the bundle collection built during setup or restore.
func (r *Runner) Repository() *bundle.Repository { return r.repo }

// Setup restores a previous run when a usable snapshot exists, otherwise
// scans the source directory and schedules fresh sessions.
func (r *Runner) Setup() error {
	restored, err := r.sessions.RestoreState()
	if err != nil {
		return fmt.Errorf("failed to restore previous run: %w", err)
	}
	if restored {
		slog.Info("Resuming previous run",
			"sessions", r.sessions.Count(),
			"complete", r.sessions.CompletedCount())
		return nil
	}

	result, err := discover.Scan(r.srcPath)
	if err != nil {
		return err
	}
	if len(result.Pairs) == 0 {
		return fmt.Errorf("no reviewable image/annotation pairs under %s", r.srcPath)
	}

	for _, p := range result.Pairs {
		if _, err := r.repo.GetOrCreate(p.ImagePath, p.ROIPath, -1); err != nil {
			return err
		}
	}

	assigned := r.slides.Attach(result.ImageFilenames(), slide.DefaultMinRootLen)
	for _, b := range r.repo.Bundles() {
		if s := assigned[b.ImageFilename()]; s != nil {
			b.SlideID = s.ID
			s.AddBundle(b.ID)
		}
	}

	return r.sessions.CreateSessions(r.opts.ROIPerSession)
}

// Run processes every incomplete session in order. A cancelled review stops
// the run cleanly: sessions already committed stay complete, the cancelled
// session is rescheduled on the next run. Per-bundle save failures are
// recorded in the session report and the final error, never aborting the
// remaining sessions.
func (r *Runner) Run(ctx context.Context) error {
	failed := 0
	for _, s := range r.sessions.Sessions() {
		if s.Complete {
			slog.Debug("Skipping completed session", "session", s.ID)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.runSession(ctx, s)
		failed += n
		if errors.Is(err, review.ErrCancelled) {
			slog.Info("Run cancelled", "completed", r.sessions.CompletedCount(), "of", r.sessions.Count())
			return nil
		}
		if err != nil {
			return fmt.Errorf("session %d failed: %w", s.ID, err)
		}
	}

	if failed > 0 {
		slog.Warn("Run complete with save failures", "sessions", r.sessions.Count(), "failed_bundles", failed)
		return fmt.Errorf("%d bundle save(s) failed, see the group report", failed)
	}

	slog.Info("Run complete", "sessions", r.sessions.Count())
	return nil
}

// runSession reviews and commits one session, returning how many bundles
// failed to save. Only structural problems (unresolvable state, state-file
// writes) come back as an error.
func (r *Runner) runSession(ctx context.Context, s *session.Session) (int, error) {
	started := time.Now()
	slog.Info("Session started", "session", s.ID, "bundles", len(s.Bundles), "entries", s.ROITotal())

	bundles, err := r.sessions.ResolveBundles(s)
	if err != nil {
		return 0, err
	}

	if err := r.reviewSession(ctx, bundles); err != nil {
		if errors.Is(err, review.ErrCancelled) {
			// No decision from this session survives a cancel.
			dropMarks(bundles)
		}
		return 0, err
	}

	if err := r.confirmChanges(bundles); err != nil {
		return 0, err
	}

	messages, problems, failed, err := r.commit(bundles)
	if err != nil {
		return 0, err
	}
	for _, p := range problems {
		slog.Error("Save problem", "session", s.ID, "detail", p)
	}

	if err := r.sessions.MarkComplete(s); err != nil {
		return failed, err
	}

	return failed, r.sessions.AppendSessionReport(session.SessionReport{
		Session:  s,
		Started:  started,
		Finished: time.Now(),
		Messages: messages,
		Problems: problems,
	})
}

// reviewSession pools the reviewable entries of every enabled bundle into
// one shuffled sequence so the operator never knows which file an entry
// came from, then walks the batches.
func (r *Runner) reviewSession(ctx context.Context, bundles []*bundle.Bundle) error {
	var ledgers []*ledger.Ledger
	for _, b := range bundles {
		if !r.sessions.Enabled(b) {
			slog.Info("Skipping disabled bundle", "bundle", b.ID)
			continue
		}
		ledgers = append(ledgers, b.Ledger())
	}

	pool := review.Pool(ledgers...)
	if len(pool) == 0 {
		slog.Debug("Nothing left to review")
		return nil
	}

	for _, batch := range review.Slice(pool, r.opts.Columns, r.opts.MaxRows) {
		if err := ctx.Err(); err != nil {
			return err
		}
		cells, err := r.reviewer.Review(batch)
		if err != nil {
			return err
		}
		if err := batch.Apply(cells); err != nil {
			return err
		}
	}
	return nil
}

// dropMarks reverts every cull decision of this session that has not been
// committed yet.
func dropMarks(bundles []*bundle.Bundle) {
	for _, b := range bundles {
		for _, e := range b.Ledger().Entries() {
			if e.MarkedCulled {
				e.Culled = false
				e.MarkedCulled = false
			}
		}
	}
}

// confirmChanges previews what a commit would change and, when the reviewer
// can be asked, requires approval. Declining cancels like a quit would.
func (r *Runner) confirmChanges(bundles []*bundle.Bundle) error {
	total := 0
	for _, b := range bundles {
		changed, msgs := b.Ledger().DetermineChanges()
		for _, msg := range msgs {
			slog.Info("Pending changes", "bundle", b.ID, "summary", msg)
		}
		if changed {
			total++
		}
	}

	confirmer, ok := r.reviewer.(Confirmer)
	if !ok {
		return nil
	}
	accepted, err := confirmer.Confirm(fmt.Sprintf("Commit changes to %d of %d files?", total, len(bundles)))
	if err != nil {
		return err
	}
	if !accepted {
		dropMarks(bundles)
		return review.ErrCancelled
	}
	return nil
}

// commit saves every bundle of the session, collecting per-bundle problems
// rather than stopping at the first one. It returns the change messages,
// the problem descriptions, and the number of bundles whose save failed.
func (r *Runner) commit(bundles []*bundle.Bundle) ([]string, []string, int, error) {
	groupPath, err := r.sessions.GroupPath()
	if err != nil {
		return nil, nil, 0, err
	}

	var messages, problems []string
	failed := 0
	for _, b := range bundles {
		if !r.sessions.Enabled(b) {
			continue
		}

		ok, errs, msgs := b.Ledger().SaveChanges(groupPath)
		for _, msg := range msgs {
			messages = append(messages, fmt.Sprintf("slide=%d, bundle=%d, %s", b.SlideID, b.ID, msg))
		}
		for _, e := range errs {
			problems = append(problems, fmt.Sprintf("bundle %d: %s", b.ID, e))
		}
		if !ok {
			failed++
			if len(errs) == 0 {
				problems = append(problems, fmt.Sprintf("bundle %d: save did not complete", b.ID))
			}
		}
	}

	return messages, problems, failed, nil
}
