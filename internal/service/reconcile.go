package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/voyagen/pvrguide/internal/fetcher"
	"github.com/voyagen/pvrguide/internal/jobs"
	"github.com/voyagen/pvrguide/internal/models"
	"github.com/voyagen/pvrguide/internal/store"
)

// DefaultBatchSize is the number of records written per commit.
const DefaultBatchSize = 50

// maxReportedErrors bounds the per-record messages kept in a result.
const maxReportedErrors = 100

// ReconcileInput is one reconciliation pass over a parsed playlist.
type ReconcileInput struct {
	SourceID  int64
	Parsed    []fetcher.ParsedChannel
	BatchSize int
	// OnBatch is called after every committed batch.
	OnBatch func(ReconcileResult)
}

// ReconcileResult counts what a pass did. Errors holds the first
// per-record failure messages; Failed counts all of them.
type ReconcileResult struct {
	Total       int      `json:"total"`
	Processed   int      `json:"processed"`
	Created     int      `json:"created"`
	Updated     int      `json:"updated"`
	Deactivated int      `json:"deactivated"`
	Failed      int      `json:"failed"`
	Errors      []string `json:"errors,omitempty"`
}

// Detail converts r to the job detail reported while importing.
func (r ReconcileResult) Detail() *jobs.ImportDetail {
	return &jobs.ImportDetail{
		Processed:   r.Processed,
		Total:       r.Total,
		Created:     r.Created,
		Updated:     r.Updated,
		Deactivated: r.Deactivated,
		Failed:      r.Failed,
		Errors:      append([]string(nil), r.Errors...),
	}
}

func (r *ReconcileResult) recordError(ordinal int, name string, err error) {
	r.Failed++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, fmt.Sprintf("Failed to import %s (#%d): %v", displayName(name), ordinal, err))
	}
}

func displayName(name string) string {
	if name == "" {
		return "Unknown"
	}
	return name
}

// Reconciler merges a parsed playlist into the stored channels of a source.
type Reconciler struct {
	store store.Store
	now   func() time.Time
}

// NewReconciler returns a Reconciler writing to s.
func NewReconciler(s store.Store) *Reconciler {
	return &Reconciler{store: s, now: time.Now}
}

// pending is a queued write and what is needed to report on it.
type pending struct {
	write   store.ChannelWrite
	ordinal int
}

// pass holds the state of one Reconcile call. Nothing in it outlives the
// call, including the group cache.
type pass struct {
	sourceID int64
	unseen   map[string]*models.Channel
	global   map[string]int64
	groups   map[string]int64
	batch    []pending
	result   ReconcileResult
	now      time.Time
}

// Reconcile creates, updates and deactivates the channels of in.SourceID
// so that they reflect in.Parsed. Batches already committed stay committed
// when a later batch or the context fails.
func (r *Reconciler) Reconcile(ctx context.Context, in ReconcileInput) (ReconcileResult, error) {
	logger := log.WithField("source_id", in.SourceID)
	size := in.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	existing, err := r.store.ListChannelsBySource(ctx, in.SourceID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("ListChannelsBySource: %w", err)
	}
	global, err := r.store.ListExternalIDs(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("ListExternalIDs: %w", err)
	}

	p := &pass{
		sourceID: in.SourceID,
		unseen:   make(map[string]*models.Channel, len(existing)),
		global:   global,
		groups:   make(map[string]int64),
		result:   ReconcileResult{Total: len(in.Parsed)},
		now:      r.now(),
	}
	for i := range existing {
		p.unseen[existing[i].ExternalID] = &existing[i]
	}

	for i, pc := range in.Parsed {
		if err := r.plan(ctx, p, i, pc); err != nil {
			logger.WithField("ordinal", i).Warnf("reconcile: %v", err)
			p.result.recordError(i, pc.Name, err)
		}
		p.result.Processed++

		if p.result.Processed%size == 0 {
			if err := r.flush(ctx, p, logger); err != nil {
				return p.result, err
			}
			if in.OnBatch != nil {
				in.OnBatch(p.result)
			}
			if err := ctx.Err(); err != nil {
				return p.result, err
			}
		}
	}
	if err := r.flush(ctx, p, logger); err != nil {
		return p.result, err
	}

	var stale []int64
	for _, ch := range p.unseen {
		if ch.Active {
			stale = append(stale, ch.ID)
		}
	}
	if len(stale) > 0 {
		n, err := r.store.DeactivateChannels(ctx, stale)
		if err != nil {
			return p.result, fmt.Errorf("DeactivateChannels: %w", err)
		}
		p.result.Deactivated = int(n)
	}
	if in.OnBatch != nil {
		in.OnBatch(p.result)
	}

	logger.WithFields(log.Fields{
		"created":     p.result.Created,
		"updated":     p.result.Updated,
		"deactivated": p.result.Deactivated,
		"failed":      p.result.Failed,
	}).Info("reconcile finished")
	return p.result, nil
}

var (
	errMissingStreamURL = errors.New("missing stream url")
	errMissingName      = errors.New("missing channel name")
)

// plan decides what to do with one parsed record and queues the write.
func (r *Reconciler) plan(ctx context.Context, p *pass, ordinal int, pc fetcher.ParsedChannel) error {
	streamURL := strings.TrimSpace(pc.StreamURL)
	if streamURL == "" {
		return errMissingStreamURL
	}
	name := strings.TrimSpace(pc.Name)
	if name == "" {
		return errMissingName
	}
	groupID, err := r.group(ctx, p, pc.Group)
	if err != nil {
		return err
	}

	id := strings.TrimSpace(pc.ExternalID)
	if id == "" {
		id = fmt.Sprintf("ch_%d_%d", p.sourceID, ordinal)
	}

	if ch, ok := p.claim(id); ok {
		p.queueUpdate(ch, pc, streamURL, groupID, ordinal)
		return nil
	}
	if _, taken := p.global[id]; taken {
		// Try the rewritten ids in order. One of them may already belong to
		// this source from an earlier import.
		base := id
		for n := 1; ; n++ {
			id = fmt.Sprintf("%s_p%d_%d", base, p.sourceID, n)
			if ch, ok := p.claim(id); ok {
				p.queueUpdate(ch, pc, streamURL, groupID, ordinal)
				return nil
			}
			if _, taken := p.global[id]; !taken {
				break
			}
		}
	}

	ch := &models.Channel{
		ExternalID:   id,
		Name:         name,
		Number:       optional(pc.Number),
		LogoURL:      optional(pc.LogoURL),
		StreamURL:    streamURL,
		GroupID:      &groupID,
		SourceID:     p.sourceID,
		Country:      optional(pc.Country),
		Language:     optional(pc.Language),
		Active:       true,
		EPGChannelID: optional(pc.EPGChannelID),
		CreatedAt:    p.now,
		UpdatedAt:    p.now,
	}
	p.global[id] = p.sourceID
	p.batch = append(p.batch, pending{write: store.ChannelWrite{Channel: ch, Create: true}, ordinal: ordinal})
	return nil
}

// claim returns the unseen existing channel with id and marks it seen.
func (p *pass) claim(id string) (*models.Channel, bool) {
	ch, ok := p.unseen[id]
	if ok {
		delete(p.unseen, id)
	}
	return ch, ok
}

// queueUpdate applies the import rules to a copy of an existing channel:
// the stream url always follows the feed, every other field is only filled
// when it is empty, and a channel that has a group keeps it.
func (p *pass) queueUpdate(cur *models.Channel, pc fetcher.ParsedChannel, streamURL string, groupID int64, ordinal int) {
	ch := *cur
	ch.StreamURL = streamURL
	if strings.TrimSpace(ch.Name) == "" {
		ch.Name = strings.TrimSpace(pc.Name)
	}
	fillEmpty(&ch.Number, pc.Number)
	fillEmpty(&ch.LogoURL, pc.LogoURL)
	fillEmpty(&ch.EPGChannelID, pc.EPGChannelID)
	fillEmpty(&ch.Country, pc.Country)
	fillEmpty(&ch.Language, pc.Language)
	if ch.GroupID == nil {
		ch.GroupID = &groupID
	}
	ch.Active = true
	ch.UpdatedAt = p.now
	p.batch = append(p.batch, pending{write: store.ChannelWrite{Channel: &ch}, ordinal: ordinal})
}

// group returns the id of the named group, looking it up at most once per pass.
func (r *Reconciler) group(ctx context.Context, p *pass, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = models.DefaultGroupName
	}
	if id, ok := p.groups[name]; ok {
		return id, nil
	}
	id, err := r.store.GetOrCreateGroup(ctx, p.sourceID, name)
	if err != nil {
		return 0, fmt.Errorf("GetOrCreateGroup %q: %w", name, err)
	}
	p.groups[name] = id
	return id, nil
}

// flush commits the queued writes and folds per-record failures into the result.
func (r *Reconciler) flush(ctx context.Context, p *pass, logger *log.Entry) error {
	if len(p.batch) == 0 {
		return nil
	}
	batch := p.batch
	p.batch = nil

	writes := make([]store.ChannelWrite, len(batch))
	for i, b := range batch {
		writes[i] = b.write
	}
	errs, err := r.store.SaveChannels(ctx, writes)
	if err != nil {
		return fmt.Errorf("SaveChannels: %w", err)
	}
	for i, b := range batch {
		var recErr error
		if i < len(errs) {
			recErr = errs[i]
		}
		ch := b.write.Channel
		switch {
		case recErr != nil:
			if b.write.Create && p.global[ch.ExternalID] == p.sourceID {
				delete(p.global, ch.ExternalID)
			}
			if errors.Is(recErr, store.ErrDuplicateID) {
				recErr = &fetcher.Error{Kind: fetcher.KindDuplicateID, Op: "SaveChannels", Err: recErr}
			}
			logger.WithFields(log.Fields{"ordinal": b.ordinal, "channel_id": ch.ExternalID}).Warnf("save channel: %v", recErr)
			p.result.recordError(b.ordinal, ch.Name, recErr)
		case b.write.Create:
			p.result.Created++
		default:
			p.result.Updated++
		}
	}
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func fillEmpty(dst **string, v string) {
	if *dst != nil && strings.TrimSpace(**dst) != "" {
		return
	}
	if o := optional(v); o != nil {
		*dst = o
	}
}
