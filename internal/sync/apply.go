package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"erp-sync-service/internal/detect"
	"erp-sync-service/internal/model"
	"erp-sync-service/internal/rules"
	"erp-sync-service/internal/store"
)

// pull fetches the ERP list, diffs it against the pull snapshot and applies
// accepted changes to the customer store one record at a time.
func (s *Service) pull(ctx context.Context, p *pass) error {
	sum := p.summary
	s.setState(model.Pull, StatePulling)

	fetch, err := s.gateway.FetchCustomers(ctx)
	if err != nil {
		return fmt.Errorf("fetch customers: %w", err)
	}
	sum.Fetched = len(fetch.Records)
	for _, merr := range fetch.Skipped {
		sum.issue(IssueSkipped, detect.Change{}, merr.Error())
	}
	records := s.dedupe(fetch.Records, sum)

	s.setState(model.Pull, StateMerging)
	pullW, pushW, err := s.loadSnapshots(ctx)
	if err != nil {
		return err
	}

	var changes []detect.Change
	if fetch.Complete() {
		changes = detect.Diff(pullW.base, records)
	} else {
		s.log.Warn("Incomplete ERP fetch, deletes suppressed for this pass", zap.Int("skipped", len(fetch.Skipped)))
		changes = detect.DiffChanged(pullW.base, records)
	}

	fetched := make(map[string]model.Record, len(records))
	for _, rec := range records {
		fetched[rec.Key] = rec
	}

	var runErr error
	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		s.pullOne(ctx, p, c, fetched[c.Key], pullW, pushW)
	}
	if err := s.flush(ctx, pullW, pushW); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (s *Service) pullOne(ctx context.Context, p *pass, c detect.Change, rec model.Record, pullW, pushW *snapshotWriter) {
	sum := p.summary
	log := s.log.With(zap.String("direction", "pull"), zap.String("key", c.Key), zap.String("op", string(c.Op)))

	target, err := s.customers.GetByERPCode(ctx, c.Key)
	if err != nil {
		sum.issue(IssueFailed, c, err.Error())
		log.Warn("Failed to read internal customer", zap.Error(err))
		return
	}
	if target == nil && c.Op == detect.Update && rec.Key == c.Key {
		// The internal customer is gone; a partial update would recreate it
		// from the changed fields only.
		log.Info("Internal customer missing, recreating from full ERP record")
		c = detect.CreateOf(rec)
	}

	in := rules.Input{Change: c, Direction: model.Pull, AllowDelete: p.opts.Deletes.Pull}
	if target != nil {
		in.Target = target.ToValues()
		in.TargetModifiedAt = target.UpdatedAt
	}
	d := p.engine.Decide(in)
	s.recordConflict(ctx, p, c, in.Target, d)

	if !s.decided(sum, c, d, log) {
		return
	}
	if d.Action == rules.Skip {
		pullW.advance(c)
		return
	}

	if c.Op == detect.Delete {
		if err := s.customers.SoftDeleteByERPCode(ctx, c.Key); err != nil {
			sum.issue(IssueFailed, c, err.Error())
			log.Warn("Failed to delete internal customer", zap.Error(err))
			return
		}
		pullW.drop(c.Key)
		if target != nil {
			pushW.drop(target.ID)
		}
		sum.applied(detect.Delete)
		return
	}

	customer, created, err := s.customers.UpsertByERPCode(ctx, c.Key, d.Values)
	if err != nil {
		sum.issue(IssueFailed, c, err.Error())
		log.Warn("Failed to apply ERP change", zap.Error(err))
		return
	}
	pullW.advance(c)

	// Record what was just written as already pushed so the next push does
	// not send it back.
	fields := s.columns.Fields()
	if entry, ok := pushW.get(customer.ID); ok {
		pushW.merge(entry, d.Values.Project(fields), customer.UpdatedAt)
	} else if created {
		pushW.put(model.SnapshotEntry{Key: customer.ID, Values: customer.ToValues().Project(fields), ModifiedAt: customer.UpdatedAt})
	}

	if created {
		sum.applied(detect.Create)
	} else {
		sum.applied(detect.Update)
	}
}

// push reads customers changed since the watermark, diffs them against the
// push snapshot and submits accepted changes to the ERP.
func (s *Service) push(ctx context.Context, p *pass) error {
	sum := p.summary
	s.setState(model.Push, StatePushing)

	var since time.Time
	if p.state.Watermark.Valid {
		since = p.state.Watermark.Time
	}
	customers, err := s.customers.ListChangedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("list changed customers: %w", err)
	}

	fields := s.columns.Fields()
	records := make([]model.Record, 0, len(customers))
	current := make(map[string]model.Values, len(customers))
	for _, c := range customers {
		values := c.ToValues().Project(fields)
		records = append(records, model.Record{Key: c.ID, Values: values, ModifiedAt: c.UpdatedAt, Deleted: c.Deleted()})
		current[c.ID] = values
	}
	sum.Fetched = len(records)

	pullW, pushW, err := s.loadSnapshots(ctx)
	if err != nil {
		return err
	}
	changes := detect.DiffChanged(pushW.base, records)

	var runErr error
	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		s.pushOne(ctx, p, c, current[c.Key], pushW, pullW)
	}
	if err := s.flush(ctx, pullW, pushW); err != nil {
		return errors.Join(runErr, err)
	}

	// Failed records must be read again next pass.
	if runErr == nil && sum.Failed == 0 {
		p.state.Watermark.Time = sum.StartedAt.Add(-p.opts.PushOverlap)
		p.state.Watermark.Valid = true
	}
	return runErr
}

func (s *Service) pushOne(ctx context.Context, p *pass, c detect.Change, current model.Values, pushW, pullW *snapshotWriter) {
	sum := p.summary
	log := s.log.With(zap.String("direction", "push"), zap.String("key", c.Key), zap.String("op", string(c.Op)))

	var code string
	if c.Op == detect.Delete {
		code, _ = c.Previous[model.FieldERPCustomerCode].(string)
	} else {
		code, _ = current[model.FieldERPCustomerCode].(string)
	}

	in := rules.Input{Change: c, Direction: model.Push, AllowDelete: p.opts.Deletes.Push}
	if code != "" {
		if entry, ok := pullW.get(code); ok {
			in.Target = entry.Values
			in.TargetModifiedAt = entry.ModifiedAt
		}
	}
	d := p.engine.Decide(in)
	s.recordConflict(ctx, p, c, in.Target, d)

	if !s.decided(sum, c, d, log) {
		return
	}
	if d.Action == rules.Skip {
		pushW.advance(c)
		return
	}

	if c.Op == detect.Delete {
		if code != "" {
			if err := s.gateway.DeleteCustomer(ctx, code); err != nil {
				sum.issue(IssueFailed, c, err.Error())
				log.Warn("Failed to delete ERP customer", zap.String("code", code), zap.Error(err))
				return
			}
			pullW.drop(code)
		}
		pushW.drop(c.Key)
		sum.applied(detect.Delete)
		return
	}

	newCode, err := s.gateway.SaveCustomer(ctx, code, d.Values)
	if err != nil {
		sum.issue(IssueFailed, c, err.Error())
		log.Warn("Failed to submit customer to ERP", zap.String("code", code), zap.Error(err))
		return
	}
	if code == "" && newCode == "" {
		// Without a code the customer cannot be linked; submitting again
		// is the only way to learn it.
		sum.issue(IssueFailed, c, "ERP returned no code for new customer")
		log.Warn("ERP accepted new customer without returning its code")
		return
	}

	submitted := d.Values.Clone()
	if newCode != "" && newCode != code {
		linked := model.Values{model.FieldERPCustomerCode: newCode}
		if err := s.customers.UpdateFields(ctx, c.Key, linked); err != nil {
			sum.issue(IssueFailed, c, fmt.Sprintf("created ERP customer %s but could not link it: %v", newCode, err))
			log.Error("Failed to store new ERP code", zap.String("code", newCode), zap.Error(err))
			return
		}
		submitted[model.FieldERPCustomerCode] = newCode
		c.Values = c.Values.Clone()
		c.Values[model.FieldERPCustomerCode] = newCode
	}
	pushW.advance(c)

	// The ERP now holds what was submitted; keep the next pull from
	// reporting it as an ERP change.
	if newCode != "" {
		if entry, ok := pullW.get(newCode); ok {
			pullW.merge(entry, submitted, entry.ModifiedAt)
		} else if code == "" {
			pullW.put(model.SnapshotEntry{Key: newCode, Values: submitted})
		}
	}
	sum.applied(c.Op)
}

// decided counts and logs rejects and skips. It reports whether the change
// still needs handling.
func (s *Service) decided(sum *PassSummary, c detect.Change, d rules.Decision, log *zap.Logger) bool {
	switch d.Action {
	case rules.Reject:
		sum.issue(IssueRejected, c, d.Reason)
		log.Warn("Change rejected", zap.String("reason", d.Reason))
		return false
	case rules.Skip:
		sum.issue(IssueSkipped, c, d.Reason)
		if len(d.Skipped) > 0 || c.Op == detect.Delete {
			log.Warn("Change skipped", zap.String("reason", d.Reason), zap.Any("fields", d.Skipped))
		} else {
			log.Debug("Change already in place")
		}
		return true
	}
	if len(d.Skipped) > 0 {
		log.Info("Fields held back by rules", zap.Any("fields", d.Skipped))
	}
	return true
}

func (s *Service) recordConflict(ctx context.Context, p *pass, c detect.Change, target model.Values, d rules.Decision) {
	conflict := s.conflicts.Build(p.summary.Direction, c.Key, c.Values, target, d)
	if conflict == nil {
		return
	}
	p.summary.Conflicts++
	if err := s.conflicts.RecordConflict(ctx, conflict); err != nil {
		s.log.Warn("Failed to record conflict", zap.String("key", c.Key), zap.Error(err))
	}
}

// dedupe keeps the first record per key.
func (s *Service) dedupe(records []model.Record, sum *PassSummary) []model.Record {
	seen := make(map[string]bool, len(records))
	out := make([]model.Record, 0, len(records))
	for _, rec := range records {
		if seen[rec.Key] {
			sum.issue(IssueSkipped, detect.Change{Key: rec.Key}, "duplicate erp_customer_code in fetch")
			s.log.Warn("Duplicate ERP customer code", zap.String("key", rec.Key))
			continue
		}
		seen[rec.Key] = true
		out = append(out, rec)
	}
	return out
}

func (s *Service) loadSnapshots(ctx context.Context) (pullW, pushW *snapshotWriter, err error) {
	pullSnap, err := s.store.LoadSnapshot(ctx, model.Pull)
	if err != nil {
		return nil, nil, fmt.Errorf("load pull snapshot: %w", err)
	}
	pushSnap, err := s.store.LoadSnapshot(ctx, model.Push)
	if err != nil {
		return nil, nil, fmt.Errorf("load push snapshot: %w", err)
	}
	return newSnapshotWriter(model.Pull, pullSnap), newSnapshotWriter(model.Push, pushSnap), nil
}

// flush persists buffered snapshot changes even when the pass was canceled,
// since they describe records that were already applied.
func (s *Service) flush(ctx context.Context, writers ...*snapshotWriter) error {
	ctx = context.WithoutCancel(ctx)
	for _, w := range writers {
		if err := w.flush(ctx, s.store); err != nil {
			return fmt.Errorf("save %s snapshot: %w", w.dir, err)
		}
	}
	return nil
}

// snapshotWriter buffers one direction's snapshot changes until the end of
// a phase.
type snapshotWriter struct {
	dir   model.Direction
	base  model.Snapshot
	puts  map[string]model.SnapshotEntry
	drops map[string]bool
}

func newSnapshotWriter(dir model.Direction, base model.Snapshot) *snapshotWriter {
	if base == nil {
		base = model.Snapshot{}
	}
	return &snapshotWriter{
		dir:   dir,
		base:  base,
		puts:  make(map[string]model.SnapshotEntry),
		drops: make(map[string]bool),
	}
}

func (w *snapshotWriter) get(key string) (model.SnapshotEntry, bool) {
	if w.drops[key] {
		return model.SnapshotEntry{}, false
	}
	if e, ok := w.puts[key]; ok {
		return e, true
	}
	e, ok := w.base[key]
	return e, ok
}

func (w *snapshotWriter) put(e model.SnapshotEntry) {
	delete(w.drops, e.Key)
	w.puts[e.Key] = e
}

func (w *snapshotWriter) drop(key string) {
	delete(w.puts, key)
	w.drops[key] = true
}

// advance moves the entry of c forward to the state after c.
func (w *snapshotWriter) advance(c detect.Change) {
	base, _ := w.get(c.Key)
	if entry, ok := detect.Advance(base, c); ok {
		w.put(entry)
	} else {
		w.drop(c.Key)
	}
}

func (w *snapshotWriter) merge(entry model.SnapshotEntry, values model.Values, modified time.Time) {
	merged := entry.Values.Clone()
	for k, v := range values {
		merged[k] = v
	}
	w.put(model.SnapshotEntry{Key: entry.Key, Values: merged, ModifiedAt: modified})
}

func (w *snapshotWriter) flush(ctx context.Context, st store.Store) error {
	entries := make([]model.SnapshotEntry, 0, len(w.puts))
	for _, e := range w.puts {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	drops := make([]string, 0, len(w.drops))
	for k := range w.drops {
		if _, known := w.base[k]; known {
			drops = append(drops, k)
		}
	}
	sort.Strings(drops)

	if err := st.SaveSnapshot(ctx, w.dir, entries); err != nil {
		return err
	}
	return st.DeleteSnapshot(ctx, w.dir, drops)
}
