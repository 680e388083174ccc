package types

import (
	"time"

	"github.com/lib/pq"
)

// Account is a db model of a federation actor, local or remote.
// Remote accounts are created lazily on first reference; Domain is
// empty for local accounts.
type Account struct {
	ID             string    `json:"id" gorm:"primaryKey;type:text"`
	URI            string    `json:"uri" gorm:"type:text;uniqueIndex"`
	Username       string    `json:"username" gorm:"type:text"`
	Domain         string    `json:"domain" gorm:"type:text;index"`
	InboxURL       string    `json:"inbox_url" gorm:"type:text"`
	SharedInboxURL string    `json:"shared_inbox_url" gorm:"type:text"`
	FollowersURL   string    `json:"followers_url" gorm:"type:text"`
	Publickey      string    `json:"publickey" gorm:"type:text"`
	Privatekey     string    `json:"-" gorm:"type:text"`
	FollowersCount int       `json:"followers_count" gorm:"type:integer;default:0"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (a *Account) IsLocal() bool {
	return a.Domain == ""
}

// Status is a db model of a persisted post. At most one status exists
// per federation URI; it is created together with its tags, mentions,
// counts and quote in one transaction.
type Status struct {
	ID                       string         `json:"id" gorm:"primaryKey;type:text"`
	URI                      string         `json:"uri" gorm:"type:text;uniqueIndex"`
	URL                      string         `json:"url" gorm:"type:text"`
	AccountID                string         `json:"account_id" gorm:"type:text;index"`
	Text                     string         `json:"text" gorm:"type:text"`
	SpoilerText              string         `json:"spoiler_text" gorm:"type:text"`
	Language                 string         `json:"language" gorm:"type:text"`
	Visibility               string         `json:"visibility" gorm:"type:text"`
	Sensitive                bool           `json:"sensitive" gorm:"type:bool"`
	InReplyToID              *string        `json:"in_reply_to_id" gorm:"type:text"`
	InReplyToURI             string         `json:"in_reply_to_uri" gorm:"type:text"`
	ConversationID           *string        `json:"conversation_id" gorm:"type:text"`
	PollID                   *string        `json:"poll_id" gorm:"type:text"`
	MediaAttachmentIDs       pq.StringArray `json:"media_attachment_ids" gorm:"type:text[]"`
	QuoteApprovalPolicy      string         `json:"quote_approval_policy" gorm:"type:text"`
	UntrustedFavouritesCount *int64         `json:"untrusted_favourites_count" gorm:"type:bigint"`
	UntrustedReblogsCount    *int64         `json:"untrusted_reblogs_count" gorm:"type:bigint"`
	CreatedAt                time.Time      `json:"created_at"`
	EditedAt                 *time.Time     `json:"edited_at"`
	FetchedAt                time.Time      `json:"fetched_at" gorm:"autoCreateTime"`
}

// Distributable reports whether the status may be redistributed to
// third parties.
func (s *Status) Distributable() bool {
	return s.Visibility == "public" || s.Visibility == "unlisted"
}

func (s *Status) IsReply() bool {
	return s.InReplyToURI != "" || s.InReplyToID != nil
}

// Mention grants an account access to a status. Silent mentions grant
// read access without a public notification.
type Mention struct {
	ID        string `json:"id" gorm:"primaryKey;type:text"`
	AccountID string `json:"account_id" gorm:"type:text;uniqueIndex:uniq_mention"`
	StatusID  string `json:"status_id" gorm:"type:text;uniqueIndex:uniq_mention"`
	Silent    bool   `json:"silent" gorm:"type:bool"`
}

// Tag is a hashtag. Names are case-normalized on lookup.
type Tag struct {
	ID           string     `json:"id" gorm:"primaryKey;type:text"`
	Name         string     `json:"name" gorm:"type:text;uniqueIndex"`
	LastStatusAt *time.Time `json:"last_status_at"`
}

// StatusTag is the status/hashtag join row.
type StatusTag struct {
	StatusID string `json:"status_id" gorm:"primaryKey;type:text"`
	TagID    string `json:"tag_id" gorm:"primaryKey;type:text"`
}

// Poll is attached to a Question status. Version backs optimistic
// locking of the voters count.
type Poll struct {
	ID            string         `json:"id" gorm:"primaryKey;type:text"`
	AccountID     string         `json:"account_id" gorm:"type:text"`
	StatusID      string         `json:"status_id" gorm:"type:text;index"`
	Options       pq.StringArray `json:"options" gorm:"type:text[]"`
	CachedTallies pq.Int64Array  `json:"cached_tallies" gorm:"type:bigint[]"`
	Multiple      bool           `json:"multiple" gorm:"type:bool"`
	HideTotals    bool           `json:"hide_totals" gorm:"type:bool"`
	VotersCount   *int64         `json:"voters_count" gorm:"type:bigint"`
	ExpiresAt     *time.Time     `json:"expires_at"`
	Version       int64          `json:"-" gorm:"type:bigint;default:0"`
}

func (p *Poll) Expired() bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(time.Now())
}

// OptionIndex returns the index of the named choice, or -1.
func (p *Poll) OptionIndex(name string) int {
	for i, option := range p.Options {
		if option == name {
			return i
		}
	}
	return -1
}

// PollVote records one choice by one voter.
type PollVote struct {
	ID        string `json:"id" gorm:"primaryKey;type:text"`
	PollID    string `json:"poll_id" gorm:"type:text;uniqueIndex:uniq_poll_vote"`
	AccountID string `json:"account_id" gorm:"type:text;uniqueIndex:uniq_poll_vote"`
	Choice    int    `json:"choice" gorm:"type:integer;uniqueIndex:uniq_poll_vote"`
	URI       string `json:"uri" gorm:"type:text"`
}

// MediaAttachment is recorded before its bytes are fetched so a failed
// download never orphans the metadata.
type MediaAttachment struct {
	ID                 string `json:"id" gorm:"primaryKey;type:text"`
	AccountID          string `json:"account_id" gorm:"type:text"`
	StatusID           string `json:"status_id" gorm:"type:text;index"`
	RemoteURL          string `json:"remote_url" gorm:"type:text"`
	ThumbnailRemoteURL string `json:"thumbnail_remote_url" gorm:"type:text"`
	Description        string `json:"description" gorm:"type:text"`
	Blurhash           string `json:"blurhash" gorm:"type:text"`
	Focus              string `json:"focus" gorm:"type:text"`
	ContentType        string `json:"content_type" gorm:"type:text"`
	Downloaded         bool   `json:"downloaded" gorm:"type:bool"`
}

// CustomEmoji is a remote custom emoji, refreshed only when its image
// URL or update timestamp changed.
type CustomEmoji struct {
	ID             string     `json:"id" gorm:"primaryKey;type:text"`
	Shortcode      string     `json:"shortcode" gorm:"type:text;uniqueIndex:uniq_emoji"`
	Domain         string     `json:"domain" gorm:"type:text;uniqueIndex:uniq_emoji"`
	URI            string     `json:"uri" gorm:"type:text"`
	ImageRemoteURL string     `json:"image_remote_url" gorm:"type:text"`
	UpdatedAt      *time.Time `json:"updated_at"`
}

// Quote references another status being quoted, pending until the
// quoted side approves.
type Quote struct {
	ID             string  `json:"id" gorm:"primaryKey;type:text"`
	StatusID       string  `json:"status_id" gorm:"type:text;index"`
	AccountID      string  `json:"account_id" gorm:"type:text"`
	QuotedURI      string  `json:"quoted_uri" gorm:"type:text"`
	QuotedStatusID *string `json:"quoted_status_id" gorm:"type:text"`
	ApprovalURI    string  `json:"approval_uri" gorm:"type:text"`
	Legacy         bool    `json:"legacy" gorm:"type:bool"`
	State          string  `json:"state" gorm:"type:text;default:'pending'"`
}

// PreviewCard is the link preview crawled from the first URL found in
// a status body.
type PreviewCard struct {
	ID       string `json:"id" gorm:"primaryKey;type:text"`
	StatusID string `json:"status_id" gorm:"type:text;index"`
	URL      string `json:"url" gorm:"type:text"`
	Title    string `json:"title" gorm:"type:text"`
}

// Tombstone marks a deliberately deleted object so it is never
// recreated by redelivery.
type Tombstone struct {
	ID        string `json:"id" gorm:"primaryKey;type:text"`
	URI       string `json:"uri" gorm:"type:text;uniqueIndex"`
	AccountID string `json:"account_id" gorm:"type:text"`
}

// Conversation groups statuses by the remote conversation URI.
type Conversation struct {
	ID  string `json:"id" gorm:"primaryKey;type:text"`
	URI string `json:"uri" gorm:"type:text;uniqueIndex"`
}

// Follow is a follow relation between two known accounts.
type Follow struct {
	ID              string `json:"id" gorm:"primaryKey;type:text"`
	AccountID       string `json:"account_id" gorm:"type:text;uniqueIndex:uniq_follow"`
	TargetAccountID string `json:"target_account_id" gorm:"type:text;uniqueIndex:uniq_follow"`
}

// DomainBlock carries per-domain administrative policy.
type DomainBlock struct {
	ID          string `json:"id" gorm:"primaryKey;type:text"`
	Domain      string `json:"domain" gorm:"type:text;uniqueIndex"`
	RejectMedia bool   `json:"reject_media" gorm:"type:bool"`
}

// Job is a deferred unit of work with an earliest-eligible time.
type Job struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	Kind      string    `json:"kind" gorm:"type:text;index"`
	Payload   string    `json:"payload" gorm:"type:text"`
	Scheduled time.Time `json:"scheduled" gorm:"index"`
	Status    string    `json:"status" gorm:"type:text;default:'pending'"`
	Result    string    `json:"result" gorm:"type:text"`
	TraceID   string    `json:"trace_id" gorm:"type:text"`
}
