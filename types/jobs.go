package types

import (
	"encoding/json"
)

// Typed payloads of the deferred job envelopes. The pipeline pushes
// these onto the work queue and never blocks waiting for them.

type LinkCrawlJob struct {
	StatusID string `json:"status_id"`
}

type DistributionJob struct {
	StatusID           string   `json:"status_id"`
	SilencedAccountIDs []string `json:"silenced_account_ids,omitempty"`
}

type FeedInsertJob struct {
	StatusID  string `json:"status_id"`
	AccountID string `json:"account_id"`
	Feed      string `json:"feed"`
}

type ThreadResolveJob struct {
	StatusID  string `json:"status_id"`
	ParentURI string `json:"parent_uri"`
	RequestID string `json:"request_id,omitempty"`
	Depth     int    `json:"depth,omitempty"`
}

type MentionResolveJob struct {
	StatusID  string `json:"status_id"`
	URI       string `json:"uri"`
	RequestID string `json:"request_id,omitempty"`
}

type RepliesFetchJob struct {
	StatusID      string `json:"status_id"`
	CollectionURI string `json:"collection_uri"`
	RequestID     string `json:"request_id,omitempty"`
}

type MediaRedownloadJob struct {
	AttachmentID string `json:"attachment_id"`
}

type QuoteRefetchJob struct {
	QuoteID   string `json:"quote_id"`
	QuotedURI string `json:"quoted_uri"`
	RequestID string `json:"request_id,omitempty"`
	Depth     int    `json:"depth,omitempty"`
}

type PollDistributionJob struct {
	StatusID string `json:"status_id"`
}

type RawDistributionJob struct {
	Raw            json.RawMessage `json:"raw"`
	AccountID      string          `json:"account_id"`
	ExcludeInboxes []string        `json:"exclude_inboxes,omitempty"`
}
