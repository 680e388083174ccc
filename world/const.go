package world

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"

	PublicCollection      = "https://www.w3.org/ns/activitystreams#Public"
	PublicCollectionShort = "as:Public"
	PublicCollectionBare  = "Public"

	ContentTypeActivityJSON = "application/activity+json"
	ContentTypeLDJSON       = "application/ld+json"
	AcceptHeader            = "application/activity+json, application/ld+json"
)

const (
	// MediaAttachmentsLimit caps how many attachments one status may carry.
	MediaAttachmentsLimit = 4

	// MaxResponseBodySize caps remote document bodies at 1MiB.
	MaxResponseBodySize = 1 << 20

	// MaxMediaBodySize caps redownloaded media bodies.
	MaxMediaBodySize = 40 << 20

	// MaxRedirects is the redirect hop limit for outbound fetches.
	MaxRedirects = 3

	// HomeFeedMaxItems is how many entries a redis home feed retains.
	HomeFeedMaxItems = 400

	// MaxRecursionDepth bounds recursive dereference chains (threads, quotes).
	MaxRecursionDepth = 10
)

// Job kinds dispatched by the reactor.
const (
	JobLinkCrawl        = "link-crawl"
	JobDistribution     = "distribution"
	JobFeedInsert       = "feed-insert"
	JobThreadResolve    = "thread-resolve"
	JobMentionResolve   = "mention-resolve"
	JobRepliesFetch     = "replies-fetch"
	JobMediaRedownload  = "media-redownload"
	JobQuoteRefetch     = "quote-refetch"
	JobPollDistribution = "poll-distribution"
	JobRawDistribution  = "raw-distribution"
)

// Redis key prefixes.
const (
	LockPrefixCreate    = "create:"
	LockPrefixVote      = "vote:"
	KeyPrefixDeleteUpon = "delete_upon_arrival:"
	KeyPrefixHomeFeed   = "feed:home:"
)

// Memcache key prefixes and expirations.
const (
	KeyPrefixJSONLDCtx     = "jsonld:context:"
	KeyPrefixActor         = "actor:"
	ActorCacheExpiration   = 1800    // 30 minutes
	ContextCacheExpiration = 2592000 // 30 days
)

// Visibility levels of a status.
const (
	VisibilityPublic   = "public"
	VisibilityUnlisted = "unlisted"
	VisibilityPrivate  = "private"
	VisibilityDirect   = "direct"
	VisibilityLimited  = "limited"
)
