package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concrnt/ccworld-ap-core/fetch"
	"github.com/concrnt/ccworld-ap-core/types"
	"github.com/concrnt/ccworld-ap-core/world"
)

func TestAttachmentsAreCappedAndDownloaded(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true

	attachments := []any{}
	for i := 0; i < 6; i++ {
		attachments = append(attachments, map[string]any{
			"type":      "Document",
			"url":       "https://remote.example/media/" + string(rune('a'+i)) + ".png",
			"mediaType": "image/png",
			"name":      "picture",
		})
	}
	note := publicNote("https://remote.example/notes/1", "<p>photos</p>")
	note["attachment"] = attachments

	status, err := fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)

	assert.Len(t, status.MediaAttachmentIDs, world.MediaAttachmentsLimit)
	assert.Len(t, fx.store.attachments, world.MediaAttachmentsLimit)
	for _, attachment := range fx.store.attachments {
		assert.True(t, attachment.Downloaded)
		assert.Equal(t, "picture", attachment.Description)
	}
}

func TestAttachmentDownloadFailureSchedulesRetry(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true
	fx.fetcher.rawErr = &fetch.TimeoutError{Op: "read", Seconds: 30}

	note := publicNote("https://remote.example/notes/1", "<p>photo</p>")
	note["attachment"] = []any{
		map[string]any{"type": "Document", "url": "https://remote.example/media/a.png"},
	}
	status, err := fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)

	// Metadata survives the failed download; the bytes come later.
	require.Len(t, fx.store.attachments, 1)
	for _, attachment := range fx.store.attachments {
		assert.False(t, attachment.Downloaded)
	}
	job, ok := fx.queue.find(world.JobMediaRedownload)
	require.True(t, ok)
	assert.NotZero(t, job.delay)
}

func TestMalformedAttachmentURLIsDropped(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true

	note := publicNote("https://remote.example/notes/1", "<p>photo</p>")
	note["attachment"] = []any{
		map[string]any{"type": "Document", "url": "not a url"},
		map[string]any{"type": "Document", "url": "https://remote.example/media/ok.png"},
	}
	status, err := fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Len(t, status.MediaAttachmentIDs, 1)
}

func TestTransientMentionFailureDefersResolution(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true

	unreachable := "https://slow.example/users/eve"
	fx.fetcher.failures[unreachable] = &fetch.TimeoutError{Op: "connect", Seconds: 15}

	note := publicNote("https://remote.example/notes/1", "<p>hey @eve</p>")
	note["tag"] = []any{
		map[string]any{"type": "Mention", "href": unreachable},
	}
	status, err := fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)

	job, ok := fx.queue.find(world.JobMentionResolve)
	require.True(t, ok)
	payload := job.payload.(types.MentionResolveJob)
	assert.Equal(t, unreachable, payload.URI)
	assert.Equal(t, status.ID, payload.StatusID)
}

func TestMentionResolvesUnknownAccountThroughFetch(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true

	eveURI := "https://elsewhere.example/users/eve"
	fx.fetcher.actors[eveURI] = types.NewRawApObj(map[string]any{
		"id":                eveURI,
		"type":              "Person",
		"preferredUsername": "eve",
		"inbox":             "https://elsewhere.example/users/eve/inbox",
	})

	note := publicNote("https://remote.example/notes/1", "<p>hey @eve</p>")
	note["tag"] = []any{
		map[string]any{"type": "Mention", "href": eveURI},
	}
	status, err := fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)

	eve, ok := fx.store.accountsByURI[eveURI]
	require.True(t, ok)
	assert.Equal(t, "elsewhere.example", eve.Domain)

	mention, ok := fx.store.mentions[status.ID+"|"+eve.ID]
	require.True(t, ok)
	assert.False(t, mention.Silent)
}

func TestHashtagsAreDeduplicated(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true

	note := publicNote("https://remote.example/notes/1", "<p>#go #go</p>")
	note["tag"] = []any{
		map[string]any{"type": "Hashtag", "name": "#go"},
		map[string]any{"type": "Hashtag", "name": "#go"},
	}
	status, err := fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Len(t, fx.store.tags, 1)
}

func TestUnknownParentSchedulesThreadResolve(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true

	parentURI := "https://elsewhere.example/notes/root"
	note := publicNote("https://remote.example/notes/reply", "<p>reply</p>")
	note["inReplyTo"] = parentURI

	status, err := fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{RequestID: "req-1"})
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Nil(t, status.InReplyToID)
	assert.Equal(t, parentURI, status.InReplyToURI)

	job, ok := fx.queue.find(world.JobThreadResolve)
	require.True(t, ok)
	payload := job.payload.(types.ThreadResolveJob)
	assert.Equal(t, parentURI, payload.ParentURI)
	assert.Equal(t, "req-1", payload.RequestID)
}

func TestRepliesCollectionSchedulesFetch(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true

	note := publicNote("https://remote.example/notes/1", "<p>hi</p>")
	note["replies"] = map[string]any{"id": "https://remote.example/notes/1/replies", "type": "Collection"}

	_, err = fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{})
	require.NoError(t, err)

	job, ok := fx.queue.find(world.JobRepliesFetch)
	require.True(t, ok)
	payload := job.payload.(types.RepliesFetchJob)
	assert.Equal(t, "https://remote.example/notes/1/replies", payload.CollectionURI)
}

func TestQuoteVerifiedInlineAgainstKnownStatus(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true

	quoted := fx.store.putStatus(&types.Status{
		ID:         "quoted-1",
		URI:        "https://elsewhere.example/notes/quoted",
		AccountID:  "someone",
		Visibility: world.VisibilityPublic,
		CreatedAt:  time.Now(),
	})

	note := publicNote("https://remote.example/notes/1", "<p>look at this</p>")
	note["quote"] = quoted.URI

	status, err := fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)

	var quote *types.Quote
	for _, q := range fx.store.quotes {
		quote = q
	}
	require.NotNil(t, quote)
	assert.Equal(t, "accepted", quote.State)
	require.NotNil(t, quote.QuotedStatusID)
	assert.Equal(t, quoted.ID, *quote.QuotedStatusID)
	assert.False(t, quote.Legacy)
}

func TestQuoteFetchFailureSchedulesRefetch(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true

	quotedURI := "https://elsewhere.example/notes/quoted"
	fx.fetcher.failures[quotedURI] = &fetch.TimeoutError{Op: "connect", Seconds: 15}

	note := publicNote("https://remote.example/notes/1", "<p>quoting</p>")
	note["_misskey_quote"] = quotedURI

	status, err := fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)

	job, ok := fx.queue.find(world.JobQuoteRefetch)
	require.True(t, ok)
	payload := job.payload.(types.QuoteRefetchJob)
	assert.Equal(t, quotedURI, payload.QuotedURI)

	var quote *types.Quote
	for _, q := range fx.store.quotes {
		quote = q
	}
	require.NotNil(t, quote)
	assert.True(t, quote.Legacy)
	assert.NotEqual(t, "accepted", quote.State)
	assert.Nil(t, quote.QuotedStatusID)
}

func TestReplyToLocalStatusForwardsRawPayload(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	alice := fx.addLocalAccount("alice", "alice")
	bob := fx.addRemoteAccount("bob", "bob")

	parent := fx.store.putStatus(&types.Status{
		ID:         "parent-1",
		URI:        "https://local.example/ap/acct/alice/statuses/1",
		AccountID:  alice.ID,
		Visibility: world.VisibilityPublic,
		CreatedAt:  time.Now(),
	})

	note := publicNote("https://remote.example/notes/reply", "<p>nice post</p>")
	note["inReplyTo"] = parent.URI
	envelope := createEnvelope(bob, note)
	envelope.GetData()["signature"] = map[string]any{"type": "RsaSignature2017"}

	status, err := fx.service.Perform(ctx, envelope, bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)

	job, ok := fx.queue.find(world.JobRawDistribution)
	require.True(t, ok)
	payload := job.payload.(types.RawDistributionJob)
	assert.Equal(t, alice.ID, payload.AccountID)
	assert.Equal(t, []string{bob.SharedInboxURL}, payload.ExcludeInboxes)
	assert.NotEmpty(t, payload.Raw)
}

func TestForwardedReplyKeepsOriginalBytesOnLossyReserialization(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	alice := fx.addLocalAccount("alice", "alice")
	bob := fx.addRemoteAccount("bob", "bob")

	parent := fx.store.putStatus(&types.Status{
		ID:         "parent-1",
		URI:        "https://local.example/ap/acct/alice/statuses/1",
		AccountID:  alice.ID,
		Visibility: world.VisibilityPublic,
		CreatedAt:  time.Now(),
	})

	// totalItems exceeds 2^53: decoding it into float64 and
	// re-serializing would silently change the signed value.
	raw := []byte(`{"type":"Create","actor":"` + bob.URI + `",` +
		`"signature":{"type":"RsaSignature2017"},` +
		`"object":{"id":"https://remote.example/notes/reply","type":"Note",` +
		`"content":"<p>nice post</p>",` +
		`"published":"` + time.Now().UTC().Format(time.RFC3339) + `",` +
		`"inReplyTo":"` + parent.URI + `",` +
		`"to":["` + world.PublicCollection + `"],` +
		`"replies":{"type":"Collection","totalItems":9007199254740993}}}`)

	envelope, err := types.LoadAsRawApObj(raw)
	require.NoError(t, err)

	status, err := fx.service.Perform(ctx, envelope, bob, Options{RawDelivery: raw})
	require.NoError(t, err)
	require.NotNil(t, status)

	job, ok := fx.queue.find(world.JobRawDistribution)
	require.True(t, ok)
	payload := job.payload.(types.RawDistributionJob)
	assert.Equal(t, string(raw), string(payload.Raw))
	assert.Contains(t, string(payload.Raw), "9007199254740993")
}

func TestForwardedReplyUsesOwnSerializationWhenSafe(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	alice := fx.addLocalAccount("alice", "alice")
	bob := fx.addRemoteAccount("bob", "bob")

	parent := fx.store.putStatus(&types.Status{
		ID:         "parent-1",
		URI:        "https://local.example/ap/acct/alice/statuses/1",
		AccountID:  alice.ID,
		Visibility: world.VisibilityPublic,
		CreatedAt:  time.Now(),
	})

	raw := []byte(`{"type":"Create","actor":"` + bob.URI + `",` +
		`"signature":{"type":"RsaSignature2017"},` +
		`"object":{"id":"https://remote.example/notes/reply","type":"Note",` +
		`"content":"<p>nice post</p>",` +
		`"published":"` + time.Now().UTC().Format(time.RFC3339) + `",` +
		`"inReplyTo":"` + parent.URI + `",` +
		`"to":["` + world.PublicCollection + `"]}}`)

	envelope, err := types.LoadAsRawApObj(raw)
	require.NoError(t, err)

	status, err := fx.service.Perform(ctx, envelope, bob, Options{RawDelivery: raw})
	require.NoError(t, err)
	require.NotNil(t, status)

	job, ok := fx.queue.find(world.JobRawDistribution)
	require.True(t, ok)
	payload := job.payload.(types.RawDistributionJob)
	// Value-identical, even if key order changed.
	assert.JSONEq(t, string(raw), string(payload.Raw))
}

func TestUnsignedReplyIsNotForwarded(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	alice := fx.addLocalAccount("alice", "alice")
	bob := fx.addRemoteAccount("bob", "bob")

	parent := fx.store.putStatus(&types.Status{
		ID:         "parent-1",
		URI:        "https://local.example/ap/acct/alice/statuses/1",
		AccountID:  alice.ID,
		Visibility: world.VisibilityPublic,
		CreatedAt:  time.Now(),
	})

	note := publicNote("https://remote.example/notes/reply", "<p>nice post</p>")
	note["inReplyTo"] = parent.URI

	status, err := fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.NotContains(t, fx.queue.kinds(), world.JobRawDistribution)
}

func TestConvertedObjectBecomesLinkPost(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true

	article := map[string]any{
		"id":        "https://remote.example/articles/1",
		"type":      "Article",
		"name":      "On Federation",
		"summary":   "A long essay",
		"content":   "<p>many words</p>",
		"url":       "https://remote.example/articles/1.html",
		"published": time.Now().UTC().Format(time.RFC3339),
		"to":        []any{world.PublicCollection},
	}
	status, err := fx.service.Perform(ctx, createEnvelope(bob, article), bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)

	assert.Contains(t, status.Text, "<h2>On Federation</h2>")
	assert.Contains(t, status.Text, "A long essay")
	assert.Contains(t, status.Text, `<a href="https://remote.example/articles/1.html">`)
	assert.Empty(t, status.SpoilerText)
}

func TestConversationFieldCreatesConversation(t *testing.T) {
	fx, err := newPipelineFixture(types.ApConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	bob := fx.addRemoteAccount("bob", "bob")
	fx.store.localFollowed[bob.ID] = true

	note := publicNote("https://remote.example/notes/1", "<p>hi</p>")
	note["conversation"] = "tag:remote.example,2026:conv-1"

	status, err := fx.service.Perform(ctx, createEnvelope(bob, note), bob, Options{})
	require.NoError(t, err)
	require.NotNil(t, status)
	require.NotNil(t, status.ConversationID)

	conversation := fx.store.conversations["tag:remote.example,2026:conv-1"]
	require.NotNil(t, conversation)
	assert.Equal(t, conversation.ID, *status.ConversationID)
}
