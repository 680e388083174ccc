// Package activity implements the ingestion pipeline for inbound
// federation activities. A create is admitted, locked, deduplicated,
// assembled and committed exactly once under concurrent redelivery.
package activity

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"golang.org/x/net/html"
	"gorm.io/gorm"

	"github.com/concrnt/ccworld-ap-core/fetch"
	"github.com/concrnt/ccworld-ap-core/jsonld"
	"github.com/concrnt/ccworld-ap-core/store"
	"github.com/concrnt/ccworld-ap-core/types"
	"github.com/concrnt/ccworld-ap-core/world"
)

var tracer = otel.Tracer("activity")

// Storage is the persistence surface the pipeline depends on.
// *store.Store satisfies it.
type Storage interface {
	GetAccountByURI(ctx context.Context, uri string) (*types.Account, error)
	GetAccountByID(ctx context.Context, id string) (*types.Account, error)
	CreateAccount(ctx context.Context, account *types.Account) (*types.Account, error)
	CountLocalAccountsByURIs(ctx context.Context, uris []string) (int64, error)
	PrivateKey(ctx context.Context, account *types.Account) (*rsa.PrivateKey, error)

	GetStatusByURI(ctx context.Context, uri string) (*types.Status, error)
	GetStatusByID(ctx context.Context, id string) (*types.Status, error)
	CreateStatusBundle(ctx context.Context, bundle *store.StatusBundle, abort func(*types.Status) bool) (*types.Status, error)
	UpdateStatusVisibility(ctx context.Context, statusID, visibility string) error

	GetMentionByTuple(ctx context.Context, statusID, accountID string) (*types.Mention, error)
	CreateMention(ctx context.Context, mention *types.Mention) error

	TombstoneExists(ctx context.Context, uri string) (bool, error)
	FindOrCreateConversation(ctx context.Context, uri string) (*types.Conversation, error)
	FindOrCreateTag(ctx context.Context, name string) (*types.Tag, error)
	IsMediaRejected(ctx context.Context, domain string) (bool, error)
	IsFollowing(ctx context.Context, accountID, targetAccountID string) (bool, error)
	HasLocalFollowers(ctx context.Context, accountID string) (bool, error)

	GetPollByID(ctx context.Context, id string) (*types.Poll, error)
	VoteExists(ctx context.Context, pollID, accountID string) (bool, error)
	CreateVote(ctx context.Context, vote *types.PollVote) error
	IncrementVotersCount(ctx context.Context, pollID string) error

	CreateMediaAttachment(ctx context.Context, attachment *types.MediaAttachment) (*types.MediaAttachment, error)
	UpdateMediaAttachment(ctx context.Context, attachment *types.MediaAttachment) error
	GetEmoji(ctx context.Context, shortcode, domain string) (*types.CustomEmoji, error)
	SaveEmoji(ctx context.Context, emoji *types.CustomEmoji) error
	UpdateQuote(ctx context.Context, quote *types.Quote) error
}

// Fetcher dereferences remote documents.
type Fetcher interface {
	FetchActor(ctx context.Context, uri string, onBehalfOf *types.Account) (*types.RawApObj, error)
	FetchResource(ctx context.Context, uri string, idIsKnown bool, onBehalfOf *types.Account, policy fetch.ErrorPolicy) (*types.RawApObj, error)
	FetchRaw(ctx context.Context, uri string, onBehalfOf *types.Account, limit int64) ([]byte, error)
}

// Locker serializes concurrent deliveries of the same object.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Marks remembers deletes that raced ahead of their object.
type Marks interface {
	MarkDeleteUponArrival(ctx context.Context, uri string) error
	DeleteArrivedFirst(ctx context.Context, uri string) (bool, error)
}

// Queue schedules deferred work; the pipeline never waits on it.
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (types.Job, error)
}

// SpamPredicate decides post-hoc whether a freshly assembled status
// should be rolled back. The judgment is a content-quality heuristic,
// not a security boundary, so it is pluggable.
type SpamPredicate func(account *types.Account, mentionCount int) bool

// DefaultSpamPredicate flags posts from young, followerless remote
// accounts that mention somebody.
func DefaultSpamPredicate(account *types.Account, mentionCount int) bool {
	return !account.IsLocal() &&
		account.FollowersCount <= 1 &&
		account.CreatedAt.After(time.Now().AddDate(0, 0, -7)) &&
		mentionCount >= 1
}

type Service struct {
	store  Storage
	client Fetcher
	locker Locker
	marks  Marks
	queue  Queue
	config types.ApConfig

	spam    SpamPredicate
	rejects []*regexp.Regexp
	relays  map[string]bool
}

func NewService(
	storage Storage,
	client Fetcher,
	locker Locker,
	marks Marks,
	queue Queue,
	config types.ApConfig,
) (*Service, error) {
	rejects := make([]*regexp.Regexp, 0, len(config.RejectPatterns))
	for _, pattern := range config.RejectPatterns {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid reject pattern %q", pattern)
		}
		rejects = append(rejects, compiled)
	}

	relays := make(map[string]bool, len(config.RelayActorURIs))
	for _, uri := range config.RelayActorURIs {
		relays[uri] = true
	}

	return &Service{
		store:   storage,
		client:  client,
		locker:  locker,
		marks:   marks,
		queue:   queue,
		config:  config,
		spam:    DefaultSpamPredicate,
		rejects: rejects,
		relays:  relays,
	}, nil
}

// SetSpamPredicate replaces the rollback heuristic.
func (s *Service) SetSpamPredicate(predicate SpamPredicate) {
	s.spam = predicate
}

// Perform ingests one create activity from actor. A nil status with a
// nil error means the activity was deliberately dropped.
func (s *Service) Perform(ctx context.Context, envelope *types.RawApObj, actor *types.Account, opts Options) (*types.Status, error) {
	ctx, span := tracer.Start(ctx, "Activity.Perform")
	defer span.End()

	object, err := s.dereferenceObject(ctx, envelope, actor)
	if err != nil {
		return nil, err
	}
	if object == nil {
		return nil, nil
	}

	state := &createState{
		service:  s,
		envelope: envelope,
		object:   object,
		actor:    actor,
		opts:     opts,
		parser:   newStatusParser(envelope, object, actor),
	}
	return state.createStatus(ctx)
}

// dereferenceObject expands an object given only by reference. The
// fetched document's identity is validated against the reference.
func (s *Service) dereferenceObject(ctx context.Context, envelope *types.RawApObj, actor *types.Account) (*types.RawApObj, error) {
	if object, ok := envelope.GetRaw("object"); ok {
		return object, nil
	}

	uri := envelope.MustGetString("object")
	if uri == "" {
		return nil, nil
	}
	return s.client.FetchResource(ctx, uri, true, nil, fetch.RaiseNone)
}

type createState struct {
	service  *Service
	envelope *types.RawApObj
	object   *types.RawApObj
	actor    *types.Account
	opts     Options
	parser   *statusParser

	repliedTo       *types.Status
	repliedToLoaded bool

	created            bool
	silenced           []string
	unresolvedMentions []string
	quote              *types.Quote
	quoteURI           string
}

func (c *createState) createStatus(ctx context.Context) (*types.Status, error) {
	objectURI := c.parser.uri()

	reason, err := c.admissionReject(ctx, objectURI)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		slog.InfoContext(ctx, "create rejected",
			slog.String("reason", reason),
			slog.String("uri", objectURI),
		)
		return nil, nil
	}

	var status *types.Status
	err = c.service.locker.WithLock(ctx, world.LockPrefixCreate+objectURI, func(ctx context.Context) error {
		deleted, err := c.service.marks.DeleteArrivedFirst(ctx, objectURI)
		if err != nil {
			return err
		}
		if deleted {
			return nil
		}

		voted, err := c.pollVote(ctx)
		if err != nil || voted {
			return err
		}

		existing, err := c.findExistingStatus(ctx, objectURI)
		if err != nil {
			return err
		}
		if existing != nil {
			status = existing
			if c.opts.DeliveredToAccountID != "" {
				return c.postprocessAudienceAndDeliver(ctx, existing)
			}
			return nil
		}

		status, err = c.processStatus(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	if c.created && status != nil {
		c.fanOut(ctx, status)
	}
	return status, nil
}

// admissionReject returns a non-empty triage tag when the activity
// must be dropped before any mutation. A failed store lookup is not a
// drop: the error propagates so the sender's redelivery can retry.
func (c *createState) admissionReject(ctx context.Context, objectURI string) (string, error) {
	if !c.parser.supportedType() {
		return "unsupported-type", nil
	}
	if jsonld.NonMatchingURIHosts(c.actor.URI, objectURI) {
		return "mismatched-origin", nil
	}
	exists, err := c.service.store.TombstoneExists(ctx, objectURI)
	if err != nil {
		return "", err
	}
	if exists {
		return "tombstone", nil
	}
	related, err := c.relatedToLocalActivity(ctx)
	if err != nil {
		return "", err
	}
	if !related {
		return "unrelated", nil
	}
	if c.rejectPattern(ctx) {
		return "rejected-string", nil
	}
	return "", nil
}

// relatedToLocalActivity gates admission on some local interest in the
// activity: we fetched it ourselves, the author has local followers,
// a configured relay pushed it, it responds to content we care about,
// or it addresses a local account.
func (c *createState) relatedToLocalActivity(ctx context.Context) (bool, error) {
	if c.opts.Fetch {
		return true, nil
	}

	followed, err := c.service.store.HasLocalFollowers(ctx, c.actor.ID)
	if err != nil {
		return false, err
	}
	if followed {
		return true, nil
	}

	if c.requestedThroughRelay() {
		return true, nil
	}

	replied, err := c.repliedToStatus(ctx)
	if err != nil {
		return false, err
	}
	if replied != nil {
		author, err := c.service.store.GetAccountByID(ctx, replied.AccountID)
		if err == nil && author.IsLocal() {
			return true, nil
		}
		followed, err := c.service.store.HasLocalFollowers(ctx, replied.AccountID)
		if err == nil && followed {
			return true, nil
		}
	}

	return c.addressesLocalAccounts(ctx)
}

func (c *createState) requestedThroughRelay() bool {
	return c.envelope.Has("signature") && c.service.relays[c.actor.URI]
}

func (c *createState) addressesLocalAccounts(ctx context.Context) (bool, error) {
	if c.opts.DeliveredToAccountID != "" {
		return true, nil
	}

	audience := append(c.parser.audienceTo(), c.parser.audienceCc()...)
	count, err := c.service.store.CountLocalAccountsByURIs(ctx, audience)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (c *createState) rejectPattern(ctx context.Context) bool {
	if len(c.service.rejects) == 0 {
		return false
	}
	content := c.parser.text()
	if content == "" {
		return false
	}

	text := convertText(content)
	for _, pattern := range c.service.rejects {
		if pattern.MatchString(text) {
			slog.ErrorContext(ctx, "rejected-string",
				slog.String("uri", c.parser.uri()),
				slog.String("content", text),
			)
			return true
		}
	}
	return false
}

// findExistingStatus checks the object URI and its legacy alternate
// for a status already created by the same account.
func (c *createState) findExistingStatus(ctx context.Context, objectURI string) (*types.Status, error) {
	status, err := c.service.store.GetStatusByURI(ctx, objectURI)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if atomURI := c.object.MustGetString("atomUri"); atomURI != "" {
			status, err = c.service.store.GetStatusByURI(ctx, atomURI)
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if status.AccountID != c.actor.ID {
		return nil, nil
	}
	return status, nil
}

// postprocessAudienceAndDeliver attaches the inbox owner of a direct
// delivery as a silent mention on an already-known status, and inserts
// the status into their home feed if they follow the author.
func (c *createState) postprocessAudienceAndDeliver(ctx context.Context, status *types.Status) error {
	ctx, span := tracer.Start(ctx, "Activity.PostprocessAudienceAndDeliver")
	defer span.End()

	recipientID := c.opts.DeliveredToAccountID

	_, err := c.service.store.GetMentionByTuple(ctx, status.ID, recipientID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	mention := types.Mention{StatusID: status.ID, AccountID: recipientID, Silent: true}
	if err := c.service.store.CreateMention(ctx, &mention); err != nil {
		return err
	}

	if status.Visibility == world.VisibilityDirect {
		if err := c.service.store.UpdateStatusVisibility(ctx, status.ID, world.VisibilityLimited); err != nil {
			return err
		}
	}

	follows, err := c.service.store.IsFollowing(ctx, recipientID, c.actor.ID)
	if err != nil {
		return err
	}
	if !follows {
		return nil
	}

	_, err = c.service.queue.Enqueue(ctx, world.JobFeedInsert, types.FeedInsertJob{
		StatusID:  status.ID,
		AccountID: recipientID,
		Feed:      "home",
	}, 0)
	return err
}

// repliedToStatus lazily loads the local status this object replies
// to, trying the legacy alternate URI as well.
func (c *createState) repliedToStatus(ctx context.Context) (*types.Status, error) {
	if c.repliedToLoaded {
		return c.repliedTo, nil
	}
	c.repliedToLoaded = true

	uri := c.parser.inReplyToURI()
	if uri == "" {
		return nil, nil
	}

	status, err := c.service.store.GetStatusByURI(ctx, uri)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if atomURI := c.object.MustGetString("inReplyToAtomUri"); atomURI != "" {
			status, err = c.service.store.GetStatusByURI(ctx, atomURI)
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.repliedTo = status
	return status, nil
}

// convertText reduces an HTML fragment to bare text for pattern
// matching: block breaks become spaces, tags are stripped, control
// characters and ideographic spaces collapse into single spaces.
func convertText(fragment string) string {
	var sb strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			break
		}
		switch tokenType {
		case html.TextToken:
			sb.Write(tokenizer.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "br" || tag == "p" {
				sb.WriteByte(' ')
			}
		}
	}

	text := collapseSpacing.ReplaceAllString(sb.String(), " ")
	return strings.TrimSpace(text) + " "
}

var collapseSpacing = regexp.MustCompile("[\x00-\x20　]+")
