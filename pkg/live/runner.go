package live

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/scopeflow/scopeflow/pkg/models"
	"github.com/scopeflow/scopeflow/pkg/results"
	"github.com/scopeflow/scopeflow/pkg/services"
	"github.com/scopeflow/scopeflow/pkg/stages"
	"github.com/scopeflow/scopeflow/pkg/watcher"
)

// completionIdleTicks is how many consecutive ticks without new input an
// existing-mode session must see before it can complete.
const completionIdleTicks = 2

// runner drives one running session through pipeline passes. Exactly one
// runner exists per running session; the tick loop executes passes strictly
// serially, so pass logic never interleaves with itself.
type runner struct {
	mgr       *Manager
	sessionID string
	projectID string
	project   *models.Project

	watch    *watcher.Watcher
	tick     time.Duration
	existing bool
	seedJobs models.JobsMap

	// Pass-loop private state; only the loop goroutine touches it.
	stageDirs     map[models.StageKey]string
	consumed      map[models.StageKey]int64
	lastPassCount int64
	lastSettled   int
	idleTicks     int

	mu           sync.Mutex
	latchedStage models.StageKey

	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newRunner(mgr *Manager, sess *models.LiveSession, project *models.Project) *runner {
	tick := mgr.opts.Live.TickInterval
	if sess.Pipeline.TickSeconds > 0 {
		tick = time.Duration(sess.Pipeline.TickSeconds) * time.Second
	}

	r := &runner{
		mgr:       mgr,
		sessionID: sess.ID,
		projectID: sess.ProjectID,
		project:   project,
		tick:      tick,
		existing:  sess.InputMode == models.InputModeExisting,
		stageDirs: make(map[models.StageKey]string),
		consumed:  make(map[models.StageKey]int64),
		stopCh:    make(chan struct{}),
		watch: watcher.New(sess.WatchDir, sess.WatchGlob,
			mgr.opts.Live.SettleInterval, mgr.opts.Live.ScanTimeout),
	}

	r.seedJobs = sess.Jobs

	// A pass completes only when the terminal stage's cumulative count grows
	// past the last recorded pass, so pause/resume never repeats a pass.
	chain := sess.EnabledLiveStages()
	if len(chain) > 0 {
		r.lastPassCount = counterFor(chain[len(chain)-1], sess.Counters)
	}
	return r
}

// start primes input discovery and launches the pass loop.
func (r *runner) start(ctx context.Context) error {
	// Reentrant stages keep a fixed output directory across submissions;
	// recover it from the latest persisted job of each stage so a restart
	// does not fork a second directory tree.
	for stage, sj := range r.seedJobs {
		if stage == models.StageClass2D || sj.Latest == "" {
			continue
		}
		jobs, err := r.mgr.opts.Jobs.GetJobs(ctx, []string{sj.Latest})
		if err != nil {
			return fmt.Errorf("failed to recover %s output directory: %w", stage, err)
		}
		if len(jobs) == 1 {
			r.stageDirs[stage] = jobs[0].OutputDir
		}
	}

	// The pass loop outlives the (typically request-scoped) caller context.
	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if r.existing {
		if _, err := r.watch.SnapshotExisting(ctx); err != nil {
			cancel()
			return fmt.Errorf("failed to snapshot input directory: %w", err)
		}
	} else {
		r.watch.Start(loopCtx)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(loopCtx)
	}()
	return nil
}

// halt stops the watcher and the pass loop, waiting for the in-flight tick.
func (r *runner) halt() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.cancel()
	r.watch.Stop()
	r.wg.Wait()
}

// requestStop signals the loop to exit without waiting. Used from inside
// the loop itself on natural completion.
func (r *runner) requestStop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// latch records a failed stage. While latched, the pass loop submits
// nothing; pause + resume builds a fresh runner, which clears it.
func (r *runner) latch(stage models.StageKey) {
	r.mu.Lock()
	r.latchedStage = stage
	r.mu.Unlock()
}

func (r *runner) latched() models.StageKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latchedStage
}

func (r *runner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	log := slog.With("session_id", r.sessionID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.pass(ctx); err != nil {
				log.Error("Pass failed", "error", err)
				r.mgr.appendActivity(ctx, r.sessionID, models.ActivityError, "",
					models.ActivityInternalError, fmt.Sprintf("Pass aborted: %v", err), nil)
			}
		}
	}
}

// pass executes one tick of the pass algorithm: discover inputs, advance
// the stage chain, finalize completed passes, fire the Class2D trigger,
// and detect natural completion in existing mode.
func (r *runner) pass(ctx context.Context) error {
	sess, err := r.mgr.opts.Sessions.GetSession(ctx, r.sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionRunning {
		// Paused or stopped under us; the manager tears the loop down.
		return nil
	}

	latest, err := r.latestJobs(ctx, sess)
	if err != nil {
		return err
	}

	chain := sess.EnabledLiveStages()
	settled := r.watch.SettledCount()

	if r.latched() == "" {
		if err := r.advance(ctx, sess, chain, latest, settled); err != nil {
			return err
		}
	}

	if err := r.finalizePass(ctx, sess, chain, latest); err != nil {
		return err
	}

	if sess.Pipeline.StageEnabled(models.StageClass2D) {
		if err := r.maybeTriggerClass2D(ctx, sess); err != nil {
			return err
		}
	}

	if r.existing {
		r.checkCompletion(ctx, sess, chain, latest, settled)
	}
	return nil
}

// advance walks the enabled stage chain in order and submits each stage
// whose predecessor has produced output it has not consumed yet. A stage is
// submitted at most once per pass; an in-flight stage waits.
func (r *runner) advance(ctx context.Context, sess *models.LiveSession, chain []models.StageKey, latest map[models.StageKey]*models.Job, settled int) error {
	for i, stage := range chain {
		if job := latest[stage]; job != nil && !job.Status.IsTerminal() {
			continue
		}

		var available int64
		if i == 0 {
			available = int64(settled)
		} else {
			pred := chain[i-1]
			predJob := latest[pred]
			if predJob == nil || predJob.Status != models.JobSuccess {
				continue
			}
			counts, err := results.CountStageOutputs(pred, r.stageDirs[pred])
			if err != nil {
				return fmt.Errorf("failed to count %s outputs: %w", pred, err)
			}
			available = counts.Micrographs
			if counts.Particles > 0 {
				available = counts.Particles
			}
		}
		if available <= r.consumed[stage] {
			continue
		}

		if err := r.submitStage(ctx, sess, stage); err != nil {
			r.mgr.appendActivity(ctx, r.sessionID, models.ActivityError, stage,
				models.ActivityInternalError,
				fmt.Sprintf("Failed to submit %s: %v", stage, err), nil)
			return nil
		}
		r.consumed[stage] = available
	}
	return nil
}

// submitStage builds, persists and submits one stage job.
func (r *runner) submitStage(ctx context.Context, sess *models.LiveSession, stage models.StageKey) error {
	builder, err := r.mgr.opts.Builders.Get(stage)
	if err != nil {
		return err
	}

	req := stages.Request{
		Session:          sess,
		Params:           sess.Pipeline.StageParams[stage],
		Inputs:           r.resolveInputs(sess, stage),
		Relion:           r.mgr.opts.Relion,
		DefaultPartition: r.mgr.opts.DefaultPartition,
	}
	if stage != models.StageClass2D {
		req.ReuseOutputDir = r.stageDirs[stage]
	}

	build, err := builder.Build(req)
	if err != nil {
		return err
	}
	for _, warning := range build.Warnings {
		r.mgr.appendActivity(ctx, r.sessionID, models.ActivityWarning, stage,
			models.ActivityArgsRejected, warning, nil)
	}
	if stage != models.StageClass2D {
		r.stageDirs[stage] = build.OutputDir
	}

	scriptPath := filepath.Join(build.OutputDir, "submit.sh")
	if err := os.WriteFile(scriptPath, []byte(build.Script), 0o755); err != nil {
		return fmt.Errorf("failed to write submission script: %w", err)
	}

	job, err := r.mgr.opts.Jobs.CreateJob(ctx, services.CreateJobRequest{
		ProjectID: r.projectID,
		Stage:     stage,
		Params:    sess.Pipeline.StageParams[stage],
		Command:   shellquote.Join(build.Argv...),
		OutputDir: build.OutputDir,
	})
	if err != nil {
		return err
	}
	r.mgr.registerJob(job.ID, r.sessionID)

	schedulerID, err := r.mgr.opts.Scheduler.Submit(ctx, scriptPath, build.OutputDir)
	if err != nil {
		return fmt.Errorf("scheduler rejected %s submission: %w", stage, err)
	}
	if err := r.mgr.opts.Jobs.SetSchedulerID(ctx, job.ID, schedulerID); err != nil {
		return err
	}
	if err := r.mgr.opts.Sessions.RecordJob(ctx, r.sessionID, stage, job.ID); err != nil {
		return err
	}

	r.mgr.appendActivity(ctx, r.sessionID, models.ActivityInfo, stage,
		models.ActivityJobSubmitted,
		fmt.Sprintf("Submitted %s job %s", stage, filepath.Base(build.OutputDir)),
		map[string]any{"jobId": job.ID, "schedulerId": schedulerID})
	slog.Info("Stage job submitted", "session_id", r.sessionID, "stage", stage,
		"job_id", job.ID, "scheduler_id", schedulerID)
	return nil
}

// resolveInputs maps a stage's inputs onto its upstream outputs: the
// nearest non-picking predecessor's star file, the picking coordinates for
// extraction, and the accumulated particle file for classification.
func (r *runner) resolveInputs(sess *models.LiveSession, stage models.StageKey) stages.Inputs {
	in := stages.Inputs{ProjectRoot: r.project.RootDir}

	switch stage {
	case models.StageImport:
		in.MoviesGlob = filepath.Join(sess.WatchDir, sess.WatchGlob)
	case models.StageClass2D:
		in.ParticlesStar = r.starOf(models.StageExtract)
	case models.StageExtract:
		in.InputStar = r.upstreamStar(sess.EnabledLiveStages(), stage)
		pick := sess.Pipeline.PickStage()
		if dir := r.stageDirs[pick]; dir != "" {
			in.CoordsSuffix, _ = results.CoordsSuffix(pick, dir)
		}
	default:
		in.InputStar = r.upstreamStar(sess.EnabledLiveStages(), stage)
	}
	return in
}

// starOf returns the stage's primary output star file, or "" before its
// first submission.
func (r *runner) starOf(stage models.StageKey) string {
	dir := r.stageDirs[stage]
	if dir == "" {
		return ""
	}
	path, err := results.OutputStarFile(stage, dir)
	if err != nil {
		return ""
	}
	return path
}

// upstreamStar walks the chain backwards from stage and returns the first
// micrograph-producing predecessor's output. Picking stages are skipped:
// they hand coordinates to extraction, not micrographs.
func (r *runner) upstreamStar(chain []models.StageKey, stage models.StageKey) string {
	idx := -1
	for i, s := range chain {
		if s == stage {
			idx = i
			break
		}
	}
	for i := idx - 1; i >= 0; i-- {
		if chain[i].IsPick() {
			continue
		}
		if star := r.starOf(chain[i]); star != "" {
			return star
		}
	}
	return ""
}

// finalizePass records a PassRecord when the terminal enabled stage has
// produced output beyond the previous pass: counters are raised (monotone),
// the pass history is appended and a pipeline_pass entry written.
func (r *runner) finalizePass(ctx context.Context, sess *models.LiveSession, chain []models.StageKey, latest map[models.StageKey]*models.Job) error {
	if len(chain) == 0 {
		return nil
	}
	terminal := chain[len(chain)-1]
	termJob := latest[terminal]
	if termJob == nil || termJob.Status != models.JobSuccess {
		return nil
	}

	counters, err := r.collectCounters(sess, chain)
	if err != nil {
		return err
	}
	termCount := counterFor(terminal, counters)
	if termCount <= r.lastPassCount {
		return nil
	}

	merged, err := r.mgr.opts.Sessions.UpdateCounters(ctx, r.sessionID, counters)
	if err != nil {
		return err
	}
	rec, err := r.mgr.opts.Sessions.CompletePass(ctx, r.sessionID, merged.AsPassCounts())
	if err != nil {
		return err
	}
	r.lastPassCount = termCount

	fields := map[string]any{"passNumber": rec.PassNumber}
	if total, passing, err := r.ctfQuality(sess); err == nil && total > 0 {
		fields["ctfTotal"] = total
		fields["ctfPassing"] = passing
	}
	r.mgr.appendActivity(ctx, r.sessionID, models.ActivityInfo, "",
		models.ActivityPipelinePass,
		fmt.Sprintf("Pass %d complete", rec.PassNumber), fields)

	sess.Counters = *merged
	sess.PassesCompleted = rec.PassNumber
	r.mgr.publishSession(sess, models.ActivityPipelinePass)
	return nil
}

// collectCounters reads the cumulative counts from every enabled stage's
// output directory.
func (r *runner) collectCounters(sess *models.LiveSession, chain []models.StageKey) (models.SessionCounters, error) {
	var c models.SessionCounters
	for _, stage := range chain {
		dir := r.stageDirs[stage]
		if dir == "" {
			continue
		}
		counts, err := results.CountStageOutputs(stage, dir)
		if err != nil {
			return c, fmt.Errorf("failed to count %s outputs: %w", stage, err)
		}
		switch {
		case stage == models.StageImport:
			c.MoviesImported = counts.Micrographs
		case stage == models.StageMotionCorr:
			c.MoviesMotion = counts.Micrographs
		case stage == models.StageCtfFind:
			c.MoviesCtf = counts.Micrographs
		case stage.IsPick():
			c.MoviesPicked = counts.Micrographs
		case stage == models.StageExtract:
			c.ParticlesExtracted = counts.Particles
		}
	}
	if sj := sess.Jobs[models.StageClass2D]; sj != nil {
		c.Class2DRuns = int64(len(sj.History))
	}
	return c, nil
}

// ctfQuality applies the session's quality thresholds to the CTF table.
func (r *runner) ctfQuality(sess *models.LiveSession) (total, passing int64, err error) {
	dir := r.stageDirs[models.StageCtfFind]
	if dir == "" {
		return 0, 0, nil
	}
	path, err := results.OutputStarFile(models.StageCtfFind, dir)
	if err != nil {
		return 0, 0, err
	}
	return results.FilterCtf(path, sess.Pipeline.Quality)
}

// maybeTriggerClass2D submits one Class2D job when the cumulative particle
// count crosses the next unused multiple of the particle threshold. At most
// one submission per pass; a Class2D failure never halts the pipeline.
func (r *runner) maybeTriggerClass2D(ctx context.Context, sess *models.LiveSession) error {
	threshold := sess.Pipeline.ParticleThreshold
	if threshold <= 0 {
		return nil
	}

	// Re-read to see counters raised by this tick's finalizePass.
	sess, err := r.mgr.opts.Sessions.GetSession(ctx, r.sessionID)
	if err != nil {
		return err
	}
	nextK := sess.LastTriggeredK + 1
	if sess.Counters.ParticlesExtracted < int64(nextK)*threshold {
		return nil
	}
	if r.stageDirs[models.StageExtract] == "" {
		return nil
	}

	if err := r.submitStage(ctx, sess, models.StageClass2D); err != nil {
		r.mgr.appendActivity(ctx, r.sessionID, models.ActivityWarning, models.StageClass2D,
			models.ActivityInternalError,
			fmt.Sprintf("Failed to submit 2D classification: %v", err), nil)
		return nil
	}
	if err := r.mgr.opts.Sessions.SetLastTriggeredK(ctx, r.sessionID, nextK); err != nil {
		return err
	}
	r.mgr.appendActivity(ctx, r.sessionID, models.ActivityInfo, models.StageClass2D,
		models.ActivityClass2DTriggered,
		fmt.Sprintf("2D classification triggered at %d particles", int64(nextK)*threshold),
		map[string]any{"k": nextK})
	return nil
}

// checkCompletion completes an existing-mode session once input discovery
// has been idle for two consecutive ticks and every enabled stage has a
// successful job.
func (r *runner) checkCompletion(ctx context.Context, sess *models.LiveSession, chain []models.StageKey, latest map[models.StageKey]*models.Job, settled int) {
	if settled == r.lastSettled {
		r.idleTicks++
	} else {
		r.idleTicks = 0
	}
	r.lastSettled = settled

	if r.idleTicks < completionIdleTicks || settled == 0 {
		return
	}
	for _, stage := range chain {
		job := latest[stage]
		if job == nil || job.Status != models.JobSuccess {
			return
		}
	}

	updated, err := r.mgr.opts.Sessions.TransitionStatus(ctx, r.sessionID, models.SessionCompleted)
	if err != nil {
		slog.Error("Failed to complete session", "session_id", r.sessionID, "error", err)
		return
	}
	r.mgr.appendActivity(ctx, r.sessionID, models.ActivitySuccess, "",
		models.ActivityPipelineComplete, "All input processed; session complete", nil)
	r.mgr.publishSession(updated, models.ActivityPipelineComplete)
	r.requestStop()
}

// latestJobs loads the latest persisted job of each stage.
func (r *runner) latestJobs(ctx context.Context, sess *models.LiveSession) (map[models.StageKey]*models.Job, error) {
	var ids []string
	for _, sj := range sess.Jobs {
		if sj.Latest != "" {
			ids = append(ids, sj.Latest)
		}
	}
	jobs, err := r.mgr.opts.Jobs.GetJobs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load session jobs: %w", err)
	}
	latest := make(map[models.StageKey]*models.Job, len(jobs))
	for _, job := range jobs {
		latest[job.Stage] = job
	}
	return latest, nil
}

// counterFor maps a stage to the session counter it advances.
func counterFor(stage models.StageKey, c models.SessionCounters) int64 {
	switch {
	case stage == models.StageImport:
		return c.MoviesImported
	case stage == models.StageMotionCorr:
		return c.MoviesMotion
	case stage == models.StageCtfFind:
		return c.MoviesCtf
	case stage.IsPick():
		return c.MoviesPicked
	case stage == models.StageExtract:
		return c.ParticlesExtracted
	default:
		return 0
	}
}
