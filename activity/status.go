package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/concrnt/ccworld-ap-core/fetch"
	"github.com/concrnt/ccworld-ap-core/jsonld"
	"github.com/concrnt/ccworld-ap-core/store"
	"github.com/concrnt/ccworld-ap-core/types"
	"github.com/concrnt/ccworld-ap-core/world"
)

// realtimeWindow is how fresh a post must be to still warrant feed
// distribution on arrival.
const realtimeWindow = 6 * time.Hour

// processStatus assembles and commits a brand-new status. Fan-out is
// prepared here but runs after the creation lock is released.
func (c *createState) processStatus(ctx context.Context) (*types.Status, error) {
	ctx, span := tracer.Start(ctx, "Activity.ProcessStatus")
	defer span.End()

	status, err := c.statusParams(ctx)
	if err != nil {
		return nil, err
	}

	tags, mentions, err := c.processTags(ctx)
	if err != nil {
		return nil, err
	}

	quote := c.processQuote()
	silenced := c.processAudience(ctx, status, &mentions)

	bundle := &store.StatusBundle{
		Status:   status,
		Poll:     c.parser.parsePoll(),
		Tags:     tags,
		Mentions: mentions,
		Quote:    quote,
	}

	committed, err := c.service.store.CreateStatusBundle(ctx, bundle, func(*types.Status) bool {
		return c.service.spam(c.actor, len(mentions))
	})
	if errors.Is(err, store.ErrRejectedAsSpam) {
		slog.ErrorContext(ctx, "rejected-algorithm",
			slog.String("uri", c.parser.uri()),
			slog.String("content", convertText(c.parser.text())),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.created = true
	c.silenced = silenced
	c.quote = bundle.Quote
	return committed, nil
}

// statusParams builds the status row from the parsed object.
func (c *createState) statusParams(ctx context.Context) (*types.Status, error) {
	text := c.parser.text()
	spoiler := c.parser.spoilerText()
	if c.parser.convertedType() {
		text = c.parser.convertedText()
		spoiler = ""
	}

	url := c.parser.url()
	if url == "" {
		url = c.parser.uri()
	}

	status := &types.Status{
		URI:                      c.parser.uri(),
		URL:                      url,
		AccountID:                c.actor.ID,
		Text:                     text,
		SpoilerText:              spoiler,
		Language:                 c.parser.language(),
		Sensitive:                c.parser.sensitive(),
		Visibility:               c.parser.visibility(),
		InReplyToURI:             c.parser.inReplyToURI(),
		CreatedAt:                c.parser.createdAt(),
		EditedAt:                 c.parser.editedAt(),
		QuoteApprovalPolicy:      c.parser.quotePolicy(),
		UntrustedFavouritesCount: c.parser.favouritesCount(),
		UntrustedReblogsCount:    c.parser.reblogsCount(),
	}

	replied, err := c.repliedToStatus(ctx)
	if err != nil {
		return nil, err
	}
	if replied != nil {
		status.InReplyToID = &replied.ID
		status.ConversationID = replied.ConversationID
	}

	if uri := c.object.MustGetString("conversation"); uri != "" && status.ConversationID == nil {
		conversation, err := c.service.store.FindOrCreateConversation(ctx, uri)
		if err != nil {
			return nil, err
		}
		status.ConversationID = &conversation.ID
	}

	attachmentIDs, err := c.processAttachments(ctx)
	if err != nil {
		return nil, err
	}
	status.MediaAttachmentIDs = attachmentIDs

	return status, nil
}

// processAttachments records attachment metadata up to the per-status
// cap and fetches each body. Failures never abort the status: network
// errors schedule a randomized retry, malformed URLs are dropped, and
// a failed metadata update retries immediately.
func (c *createState) processAttachments(ctx context.Context) ([]string, error) {
	items := c.object.GetRawList("attachment")
	if len(items) == 0 {
		return nil, nil
	}

	skipDownload, err := c.skipDownload(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, world.MediaAttachmentsLimit)
	for _, item := range items {
		if len(ids) >= world.MediaAttachmentsLimit {
			break
		}

		remoteURL := jsonld.ValueOrID(firstAny(item, "url"))
		if remoteURL == "" {
			continue
		}
		if !fetch.ValidURL(remoteURL) {
			slog.DebugContext(ctx, "invalid attachment url", slog.String("url", remoteURL))
			continue
		}

		attachment := &types.MediaAttachment{
			AccountID:          c.actor.ID,
			RemoteURL:          remoteURL,
			ThumbnailRemoteURL: jsonld.ValueOrID(firstAny(item, "icon.url")),
			Description:        firstNonEmpty(item.MustGetString("summary"), item.MustGetString("name")),
			Blurhash:           item.MustGetString("blurhash"),
			Focus:              item.MustGetString("focalPoint"),
			ContentType:        item.MustGetString("mediaType"),
		}
		attachment, err := c.service.store.CreateMediaAttachment(ctx, attachment)
		if err != nil {
			return nil, err
		}
		ids = append(ids, attachment.ID)

		if skipDownload {
			continue
		}

		if _, err := c.service.client.FetchRaw(ctx, remoteURL, nil, world.MaxMediaBodySize); err != nil {
			c.enqueue(ctx, world.JobMediaRedownload,
				types.MediaRedownloadJob{AttachmentID: attachment.ID}, mentionRetryDelay())
			continue
		}

		attachment.Downloaded = true
		if err := c.service.store.UpdateMediaAttachment(ctx, attachment); err != nil {
			slog.WarnContext(ctx, "error storing media attachment", slog.String("error", err.Error()))
			c.enqueue(ctx, world.JobMediaRedownload,
				types.MediaRedownloadJob{AttachmentID: attachment.ID}, 0)
		}
	}
	return ids, nil
}

func (c *createState) skipDownload(ctx context.Context) (bool, error) {
	if c.actor.IsLocal() {
		return false, nil
	}
	return c.service.store.IsMediaRejected(ctx, c.actor.Domain)
}

// processTags classifies the object's tag list into hashtags, mentions
// and custom emoji, dispatching each exactly once.
func (c *createState) processTags(ctx context.Context) ([]*types.Tag, []*types.Mention, error) {
	var tags []*types.Tag
	var mentions []*types.Mention

	for _, tag := range c.object.GetRawList("tag") {
		typ, _ := tag.GetAny("type")
		switch {
		case jsonld.EqualsOrIncludes(typ, "Hashtag"):
			hashtag, err := c.processHashtag(ctx, tag, tags)
			if err != nil {
				return nil, nil, err
			}
			if hashtag != nil {
				tags = append(tags, hashtag)
			}
		case jsonld.EqualsOrIncludes(typ, "Mention"):
			mention, err := c.processMention(ctx, tag)
			if err != nil {
				return nil, nil, err
			}
			if mention != nil {
				mentions = append(mentions, mention)
			}
		case jsonld.EqualsOrIncludes(typ, "Emoji"):
			if err := c.processEmoji(ctx, tag); err != nil {
				slog.WarnContext(ctx, "error storing emoji", slog.String("error", err.Error()))
			}
		}
	}
	return tags, mentions, nil
}

func (c *createState) processHashtag(ctx context.Context, tag *types.RawApObj, known []*types.Tag) (*types.Tag, error) {
	name := tag.MustGetString("name")
	if name == "" {
		return nil, nil
	}

	hashtag, err := c.service.store.FindOrCreateTag(ctx, name)
	if err != nil {
		return nil, nil
	}
	for _, existing := range known {
		if existing.ID == hashtag.ID {
			return nil, nil
		}
	}
	return hashtag, nil
}

// processMention resolves the mentioned account, synchronously when
// unknown. A transient fetch failure defers resolution to a retry job
// instead of failing the activity.
func (c *createState) processMention(ctx context.Context, tag *types.RawApObj) (*types.Mention, error) {
	href := tag.MustGetString("href")
	if href == "" {
		return nil, nil
	}

	account, err := c.service.ResolveAccount(ctx, href)
	if err != nil {
		if transientFetchError(err) {
			c.unresolvedMentions = append(c.unresolvedMentions, href)
			return nil, nil
		}
		return nil, err
	}
	if account == nil {
		return nil, nil
	}
	return &types.Mention{AccountID: account.ID, Silent: false}, nil
}

func (c *createState) processEmoji(ctx context.Context, tag *types.RawApObj) error {
	skip, err := c.skipDownload(ctx)
	if err != nil || skip {
		return err
	}

	shortcode := strings.Trim(tag.MustGetString("name"), ":")
	imageURL := jsonld.ValueOrID(firstAny(tag, "icon.url"))
	if shortcode == "" || imageURL == "" {
		return nil
	}

	var updatedAt *time.Time
	if parsed, err := time.Parse(time.RFC3339, tag.MustGetString("updated")); err == nil {
		updatedAt = &parsed
	}

	emoji, err := c.service.store.GetEmoji(ctx, shortcode, c.actor.Domain)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if emoji != nil {
		changed := emoji.ImageRemoteURL != imageURL ||
			(updatedAt != nil && (emoji.UpdatedAt == nil || !updatedAt.Before(*emoji.UpdatedAt)))
		if !changed {
			return nil
		}
	} else {
		emoji = &types.CustomEmoji{
			Shortcode: shortcode,
			Domain:    c.actor.Domain,
			URI:       tag.MustGetString("id"),
		}
	}

	emoji.ImageRemoteURL = imageURL
	emoji.UpdatedAt = updatedAt
	return c.service.store.SaveEmoji(ctx, emoji)
}

// processQuote attaches a pending quote record when the object quotes
// another post. Verification happens after commit.
func (c *createState) processQuote() *types.Quote {
	uri, legacy := c.parser.quoteURI()
	if uri == "" {
		return nil
	}

	approvalURI := c.parser.quoteApprovalURI()
	if jsonld.UnsupportedURIScheme(approvalURI) || c.localURL(approvalURI) {
		approvalURI = ""
	}

	c.quoteURI = uri
	return &types.Quote{
		AccountID:   c.actor.ID,
		QuotedURI:   uri,
		ApprovalURI: approvalURI,
		Legacy:      legacy,
	}
}

func (c *createState) localURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Hostname(), c.service.config.FQDN)
}

// processAudience turns addressed accounts we already know into silent
// mentions. Unknown audience members are not resolved: silent mentions
// only drive local access control. Returns the account ids mentioned
// but outside the audience, which must not be notified.
func (c *createState) processAudience(ctx context.Context, status *types.Status, mentions *[]*types.Mention) []string {
	audience := map[string]bool{}
	var inAudience []*types.Account

	for _, uri := range append(c.parser.audienceTo(), c.parser.audienceCc()...) {
		if jsonld.IsPublicCollection(uri) || audience[uri] {
			continue
		}
		audience[uri] = true

		account, err := c.service.store.GetAccountByURI(ctx, uri)
		if err != nil {
			continue
		}
		inAudience = append(inAudience, account)
	}

	if c.opts.DeliveredToAccountID != "" {
		if account, err := c.service.store.GetAccountByID(ctx, c.opts.DeliveredToAccountID); err == nil {
			already := false
			for _, other := range inAudience {
				if other.ID == account.ID {
					already = true
					break
				}
			}
			if !already {
				inAudience = append(inAudience, account)
			}
		}
	}

	for _, account := range inAudience {
		mentioned := false
		for _, mention := range *mentions {
			if mention.AccountID == account.ID {
				mentioned = true
				break
			}
		}
		if mentioned {
			continue
		}

		*mentions = append(*mentions, &types.Mention{AccountID: account.ID, Silent: true})

		// One silent mention means more than one implicit recipient,
		// so a direct message becomes limited-audience.
		if status.Visibility == world.VisibilityDirect {
			status.Visibility = world.VisibilityLimited
		}
	}

	audienceIDs := map[string]bool{}
	for _, account := range inAudience {
		audienceIDs[account.ID] = true
	}
	var silenced []string
	for _, mention := range *mentions {
		if !audienceIDs[mention.AccountID] {
			silenced = append(silenced, mention.AccountID)
		}
	}
	return silenced
}

// fanOut schedules the deferred follow-ups of a committed status. It
// runs after the creation lock is released so slow downstream work
// never extends lock hold time.
func (c *createState) fanOut(ctx context.Context, status *types.Status) {
	ctx, span := tracer.Start(ctx, "Activity.FanOut")
	defer span.End()

	c.resolveThread(ctx, status)
	c.resolveUnresolvedMentions(ctx, status)
	c.fetchReplies(ctx, status)
	c.verifyQuote(ctx, status)
	c.distribute(ctx, status)
	c.forwardForReply(ctx, status)
}

func (c *createState) resolveThread(ctx context.Context, status *types.Status) {
	if !status.IsReply() || status.InReplyToID != nil || !fetch.ValidURL(status.InReplyToURI) {
		return
	}
	c.enqueue(ctx, world.JobThreadResolve, types.ThreadResolveJob{
		StatusID:  status.ID,
		ParentURI: status.InReplyToURI,
		RequestID: c.opts.RequestID,
		Depth:     c.opts.Depth,
	}, 0)
}

func (c *createState) resolveUnresolvedMentions(ctx context.Context, status *types.Status) {
	seen := map[string]bool{}
	for _, uri := range c.unresolvedMentions {
		if seen[uri] {
			continue
		}
		seen[uri] = true
		c.enqueue(ctx, world.JobMentionResolve, types.MentionResolveJob{
			StatusID:  status.ID,
			URI:       uri,
			RequestID: c.opts.RequestID,
		}, mentionRetryDelay())
	}
}

func (c *createState) fetchReplies(ctx context.Context, status *types.Status) {
	collection, ok := c.object.GetAny("replies")
	if !ok {
		return
	}
	uri := jsonld.ValueOrID(collection)
	if uri == "" {
		return
	}
	c.enqueue(ctx, world.JobRepliesFetch, types.RepliesFetchJob{
		StatusID:      status.ID,
		CollectionURI: uri,
		RequestID:     c.opts.RequestID,
	}, 0)
}

// verifyQuote attempts inline verification of a pending quote; any
// network failure or recursion-depth exhaustion defers to a retry job
// carrying the original request context.
func (c *createState) verifyQuote(ctx context.Context, status *types.Status) {
	if c.quote == nil || c.quoteURI == "" {
		return
	}

	quoted, err := c.service.ResolveStatus(ctx, c.quoteURI, c.opts.RequestID, c.opts.Depth+1)
	if err != nil {
		c.enqueue(ctx, world.JobQuoteRefetch, types.QuoteRefetchJob{
			QuoteID:   c.quote.ID,
			QuotedURI: c.quoteURI,
			RequestID: c.opts.RequestID,
			Depth:     c.opts.Depth,
		}, mentionRetryDelay())
		return
	}
	if quoted == nil {
		return
	}

	c.quote.QuotedStatusID = &quoted.ID
	c.quote.State = "accepted"
	if err := c.service.store.UpdateQuote(ctx, c.quote); err != nil {
		slog.ErrorContext(ctx, "failed to update quote", slog.String("error", err.Error()))
	}
}

func (c *createState) distribute(ctx context.Context, status *types.Status) {
	// Spread crawling out randomly so many servers receiving the same
	// post do not hammer the link at once.
	c.enqueue(ctx, world.JobLinkCrawl, types.LinkCrawlJob{StatusID: status.ID}, linkCrawlDelay())

	if c.opts.OverrideTimestamps || status.CreatedAt.After(time.Now().Add(-realtimeWindow)) {
		c.enqueue(ctx, world.JobDistribution, types.DistributionJob{
			StatusID:           status.ID,
			SilencedAccountIDs: c.silenced,
		}, 0)
	}
}

// forwardForReply forwards the raw signed payload to the follower
// inboxes of the local account being replied to, so third servers in
// the thread hear about the reply without the origin fanning out.
func (c *createState) forwardForReply(ctx context.Context, status *types.Status) {
	if !status.Distributable() || !c.envelope.Has("signature") {
		return
	}

	replied, err := c.repliedToStatus(ctx)
	if err != nil || replied == nil {
		return
	}
	author, err := c.service.store.GetAccountByID(ctx, replied.AccountID)
	if err != nil || !author.IsLocal() {
		return
	}

	raw := c.forwardablePayload()
	if raw == nil {
		return
	}

	exclude := []string{}
	if inbox := preferredInbox(c.actor); inbox != "" {
		exclude = append(exclude, inbox)
	}
	c.enqueue(ctx, world.JobRawDistribution, types.RawDistributionJob{
		Raw:            raw,
		AccountID:      replied.AccountID,
		ExcludeInboxes: exclude,
	}, 0)
}

// forwardablePayload prefers our own serialization of the envelope,
// but only when the forwarding safety check proves it still means what
// the sender signed. Key reordering is harmless; any value divergence,
// like a 64-bit integer rounding through float64, falls back to the
// delivery bytes exactly as received.
func (c *createState) forwardablePayload() []byte {
	compacted, err := json.Marshal(c.envelope.GetData())
	if err != nil {
		return c.opts.RawDelivery
	}
	if len(c.opts.RawDelivery) == 0 {
		return compacted
	}

	original, err := jsonld.DecodeForForwarding(c.opts.RawDelivery)
	if err != nil {
		return compacted
	}
	patched, err := jsonld.DecodeForForwarding(compacted)
	if err != nil {
		return c.opts.RawDelivery
	}

	jsonld.PatchForForwarding(original, patched)
	if !jsonld.SafeForForwarding(original, patched) {
		return c.opts.RawDelivery
	}

	body, err := json.Marshal(patched)
	if err != nil {
		return c.opts.RawDelivery
	}
	return body
}

func preferredInbox(account *types.Account) string {
	if account.SharedInboxURL != "" {
		return account.SharedInboxURL
	}
	return account.InboxURL
}

func (c *createState) enqueue(ctx context.Context, kind string, payload any, delay time.Duration) {
	if _, err := c.service.queue.Enqueue(ctx, kind, payload, delay); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue job",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}

func linkCrawlDelay() time.Duration {
	return time.Duration(1+rand.Intn(59)) * time.Second
}

func mentionRetryDelay() time.Duration {
	return time.Duration(30+rand.Intn(570)) * time.Second
}

func transientFetchError(err error) bool {
	var timeout *fetch.TimeoutError
	var response *fetch.UnexpectedResponseError
	return errors.As(err, &timeout) || errors.As(err, &response)
}

func firstAny(object *types.RawApObj, key string) any {
	value, _ := object.GetAny(key)
	return jsonld.FirstOfValue(value)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
