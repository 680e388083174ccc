package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/net/html"

	"github.com/concrnt/ccworld-ap-core/fetch"
	"github.com/concrnt/ccworld-ap-core/store"
	"github.com/concrnt/ccworld-ap-core/types"
	"github.com/concrnt/ccworld-ap-core/world"
)

// Resolver dereferences remote objects on behalf of job handlers.
// Implemented by the ingestion pipeline.
type Resolver interface {
	ResolveStatus(ctx context.Context, uri string, requestID string, depth int) (*types.Status, error)
	ResolveAccount(ctx context.Context, uri string) (*types.Account, error)
}

type reactor struct {
	repo     Repository
	store    *store.Store
	client   *fetch.Client
	rdb      *redis.Client
	resolver Resolver
}

type Reactor interface {
	Start(ctx context.Context)
}

func NewReactor(
	repo Repository,
	store *store.Store,
	client *fetch.Client,
	rdb *redis.Client,
	resolver Resolver,
) Reactor {
	return &reactor{
		repo,
		store,
		client,
		rdb,
		resolver,
	}
}

// Start launches the dispatch loop. Jobs are best-effort: a failing
// handler marks its job failed and never propagates further.
func (r *reactor) Start(ctx context.Context) {
	slog.Info("job reactor start")

	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				dispatchCtx, span := tracer.Start(ctx, "Reactor.DispatchJobs")
				r.dispatchJobs(dispatchCtx)
				span.End()
			}
		}
	}()
}

func (r *reactor) dispatchJobs(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Reactor.DispatchJobs")
	defer span.End()

	job, err := r.repo.Dequeue(ctx)
	if err != nil {
		return
	}

	switch job.Kind {
	case world.JobLinkCrawl:
		go r.dispatchJob(ctx, job, r.jobLinkCrawl)
	case world.JobDistribution:
		go r.dispatchJob(ctx, job, r.jobDistribution)
	case world.JobFeedInsert:
		go r.dispatchJob(ctx, job, r.jobFeedInsert)
	case world.JobThreadResolve:
		go r.dispatchJob(ctx, job, r.jobThreadResolve)
	case world.JobMentionResolve:
		go r.dispatchJob(ctx, job, r.jobMentionResolve)
	case world.JobRepliesFetch:
		go r.dispatchJob(ctx, job, r.jobRepliesFetch)
	case world.JobMediaRedownload:
		go r.dispatchJob(ctx, job, r.jobMediaRedownload)
	case world.JobQuoteRefetch:
		go r.dispatchJob(ctx, job, r.jobQuoteRefetch)
	case world.JobPollDistribution:
		go r.dispatchJob(ctx, job, r.jobPollDistribution)
	case world.JobRawDistribution:
		go r.dispatchJob(ctx, job, r.jobRawDistribution)
	default:
		slog.ErrorContext(ctx, "unknown job kind",
			slog.String("kind", job.Kind),
		)
		r.repo.Complete(ctx, job.ID, "failed", "unknown job kind")
	}
}

func (r *reactor) dispatchJob(ctx context.Context, job *types.Job, fn func(context.Context, *types.Job) (string, error)) {
	ctx, span := tracer.Start(ctx, "Reactor.DispatchJob")
	defer span.End()

	result, err := fn(ctx, job)
	if err != nil {
		slog.ErrorContext(ctx, "failed to process job",
			slog.String("kind", job.Kind),
			slog.String("error", err.Error()),
		)
		if _, err := r.repo.Complete(ctx, job.ID, "failed", err.Error()); err != nil {
			span.RecordError(err)
		}
		return
	}

	if _, err := r.repo.Complete(ctx, job.ID, "completed", result); err != nil {
		span.RecordError(err)
		slog.ErrorContext(ctx, "failed to complete job", slog.String("error", err.Error()))
	}
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// jobLinkCrawl fetches the first URL found in a status body and stores
// a preview card with the page title.
func (r *reactor) jobLinkCrawl(ctx context.Context, job *types.Job) (string, error) {
	ctx, span := tracer.Start(ctx, "Reactor.JobLinkCrawl")
	defer span.End()

	var payload types.LinkCrawlJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", err
	}

	status, err := r.store.GetStatusByID(ctx, payload.StatusID)
	if err != nil {
		return "", err
	}

	target := urlPattern.FindString(status.Text)
	if target == "" {
		return "no link", nil
	}

	body, err := r.client.FetchRaw(ctx, target, nil, world.MaxResponseBodySize)
	if err != nil {
		return "", err
	}

	card := types.PreviewCard{
		StatusID: status.ID,
		URL:      target,
		Title:    pageTitle(body),
	}
	if err := r.store.SavePreviewCard(ctx, &card); err != nil {
		return "", err
	}
	return target, nil
}

func pageTitle(body []byte) string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return ""
	}

	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// jobDistribution pushes a distributable status onto the home feeds of
// its author's local followers.
func (r *reactor) jobDistribution(ctx context.Context, job *types.Job) (string, error) {
	ctx, span := tracer.Start(ctx, "Reactor.JobDistribution")
	defer span.End()

	var payload types.DistributionJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", err
	}

	status, err := r.store.GetStatusByID(ctx, payload.StatusID)
	if err != nil {
		return "", err
	}
	if !status.Distributable() {
		return "not distributable", nil
	}

	silenced := make(map[string]bool, len(payload.SilencedAccountIDs))
	for _, id := range payload.SilencedAccountIDs {
		silenced[id] = true
	}

	followerIDs, err := r.store.ListLocalFollowerIDs(ctx, status.AccountID)
	if err != nil {
		return "", err
	}

	delivered := 0
	for _, followerID := range followerIDs {
		if silenced[followerID] {
			continue
		}
		if err := r.pushToHomeFeed(ctx, followerID, status.ID); err != nil {
			slog.ErrorContext(ctx, "failed to push to home feed",
				slog.String("account", followerID),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}
	return fmt.Sprintf("delivered to %d feeds", delivered), nil
}

func (r *reactor) pushToHomeFeed(ctx context.Context, accountID, statusID string) error {
	key := world.KeyPrefixHomeFeed + accountID
	if err := r.rdb.LPush(ctx, key, statusID).Err(); err != nil {
		return err
	}
	return r.rdb.LTrim(ctx, key, 0, world.HomeFeedMaxItems-1).Err()
}

// jobFeedInsert pushes a status into a single account's home feed.
func (r *reactor) jobFeedInsert(ctx context.Context, job *types.Job) (string, error) {
	ctx, span := tracer.Start(ctx, "Reactor.JobFeedInsert")
	defer span.End()

	var payload types.FeedInsertJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", err
	}

	return "", r.pushToHomeFeed(ctx, payload.AccountID, payload.StatusID)
}

// jobThreadResolve dereferences a reply's parent and links the two
// once the parent exists locally.
func (r *reactor) jobThreadResolve(ctx context.Context, job *types.Job) (string, error) {
	ctx, span := tracer.Start(ctx, "Reactor.JobThreadResolve")
	defer span.End()

	var payload types.ThreadResolveJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", err
	}

	parent, err := r.resolver.ResolveStatus(ctx, payload.ParentURI, payload.RequestID, payload.Depth)
	if err != nil {
		return "", err
	}
	if parent == nil {
		return "parent unresolvable", nil
	}

	if err := r.store.LinkStatusToParent(ctx, payload.StatusID, parent); err != nil {
		return "", err
	}
	return parent.ID, nil
}

// jobMentionResolve dereferences a mentioned actor that was unknown at
// ingestion time and records the mention.
func (r *reactor) jobMentionResolve(ctx context.Context, job *types.Job) (string, error) {
	ctx, span := tracer.Start(ctx, "Reactor.JobMentionResolve")
	defer span.End()

	var payload types.MentionResolveJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", err
	}

	account, err := r.resolver.ResolveAccount(ctx, payload.URI)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "actor unresolvable", nil
	}

	mention := types.Mention{StatusID: payload.StatusID, AccountID: account.ID}
	if err := r.store.CreateMention(ctx, &mention); err != nil {
		return "", err
	}
	return account.ID, nil
}

// maxRepliesPerFetch bounds how many replies one collection fetch will
// dereference.
const maxRepliesPerFetch = 5

// jobRepliesFetch walks the first page of a replies collection and
// dereferences a bounded number of items.
func (r *reactor) jobRepliesFetch(ctx context.Context, job *types.Job) (string, error) {
	ctx, span := tracer.Start(ctx, "Reactor.JobRepliesFetch")
	defer span.End()

	var payload types.RepliesFetchJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", err
	}

	collection, err := r.client.Fetch(ctx, payload.CollectionURI, nil, fetch.RaiseNone)
	if err != nil || collection == nil {
		return "collection unavailable", err
	}

	items := collection.GetRawList("items")
	if len(items) == 0 {
		items = collection.GetRawList("orderedItems")
	}
	if len(items) == 0 {
		items = collection.GetRawList("first.items")
	}
	if len(items) == 0 {
		items = collection.GetRawList("first.orderedItems")
	}

	resolved := 0
	for _, item := range items {
		if resolved >= maxRepliesPerFetch {
			break
		}
		uri := item.MustGetString("id")
		if uri == "" {
			continue
		}
		if _, err := r.resolver.ResolveStatus(ctx, uri, payload.RequestID, 1); err != nil {
			continue
		}
		resolved++
	}
	return "resolved", nil
}

// jobMediaRedownload retries fetching an attachment that failed with a
// temporary error at ingestion time.
func (r *reactor) jobMediaRedownload(ctx context.Context, job *types.Job) (string, error) {
	ctx, span := tracer.Start(ctx, "Reactor.JobMediaRedownload")
	defer span.End()

	var payload types.MediaRedownloadJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", err
	}

	attachment, err := r.store.GetMediaAttachment(ctx, payload.AttachmentID)
	if err != nil {
		return "", err
	}
	if attachment.Downloaded {
		return "already downloaded", nil
	}

	account, err := r.store.GetAccountByID(ctx, attachment.AccountID)
	if err != nil {
		return "", err
	}
	if !account.IsLocal() {
		rejected, err := r.store.IsMediaRejected(ctx, account.Domain)
		if err != nil {
			return "", err
		}
		if rejected {
			return "media rejected by domain policy", nil
		}
	}

	if _, err := r.client.FetchRaw(ctx, attachment.RemoteURL, nil, world.MaxMediaBodySize); err != nil {
		return "", err
	}

	attachment.Downloaded = true
	if err := r.store.UpdateMediaAttachment(ctx, attachment); err != nil {
		return "", err
	}
	return "downloaded", nil
}

// jobQuoteRefetch dereferences the quoted status of a pending quote
// and accepts the quote once it exists locally.
func (r *reactor) jobQuoteRefetch(ctx context.Context, job *types.Job) (string, error) {
	ctx, span := tracer.Start(ctx, "Reactor.JobQuoteRefetch")
	defer span.End()

	var payload types.QuoteRefetchJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", err
	}

	quote, err := r.store.GetQuote(ctx, payload.QuoteID)
	if err != nil {
		return "", err
	}

	quoted, err := r.resolver.ResolveStatus(ctx, payload.QuotedURI, payload.RequestID, payload.Depth)
	if err != nil {
		return "", err
	}
	if quoted == nil {
		return "quoted status unresolvable", nil
	}

	quote.QuotedStatusID = &quoted.ID
	quote.State = "accepted"
	if err := r.store.UpdateQuote(ctx, quote); err != nil {
		return "", err
	}
	return quoted.ID, nil
}

// jobPollDistribution redistributes a poll's status so local readers
// see refreshed tallies.
func (r *reactor) jobPollDistribution(ctx context.Context, job *types.Job) (string, error) {
	ctx, span := tracer.Start(ctx, "Reactor.JobPollDistribution")
	defer span.End()

	var payload types.PollDistributionJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", err
	}

	poll, err := r.store.GetPollByStatusID(ctx, payload.StatusID)
	if err != nil {
		return "", err
	}
	if poll.HideTotals && !poll.Expired() {
		return "totals hidden", nil
	}

	status, err := r.store.GetStatusByID(ctx, payload.StatusID)
	if err != nil {
		return "", err
	}

	followerIDs, err := r.store.ListLocalFollowerIDs(ctx, status.AccountID)
	if err != nil {
		return "", err
	}
	for _, followerID := range followerIDs {
		if err := r.pushToHomeFeed(ctx, followerID, status.ID); err != nil {
			slog.ErrorContext(ctx, "failed to push to home feed",
				slog.String("account", followerID),
				slog.String("error", err.Error()),
			)
		}
	}
	return "distributed", nil
}

// jobRawDistribution forwards a raw signed payload to the follower
// inboxes of a local account, e.g. a remote reply under local content.
func (r *reactor) jobRawDistribution(ctx context.Context, job *types.Job) (string, error) {
	ctx, span := tracer.Start(ctx, "Reactor.JobRawDistribution")
	defer span.End()

	var payload types.RawDistributionJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return "", err
	}

	account, err := r.store.GetAccountByID(ctx, payload.AccountID)
	if err != nil {
		return "", err
	}

	inboxes, err := r.store.ListFollowerInboxes(ctx, account.ID, payload.ExcludeInboxes...)
	if err != nil {
		return "", err
	}

	for _, inbox := range inboxes {
		if err := r.client.ForwardToInbox(ctx, inbox, payload.Raw, account); err != nil {
			slog.ErrorContext(ctx, "failed to forward to inbox",
				slog.String("inbox", inbox),
				slog.String("error", err.Error()),
			)
		}
	}
	return "forwarded", nil
}
