package activity

import (
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/concrnt/ccworld-ap-core/jsonld"
	"github.com/concrnt/ccworld-ap-core/types"
)

// Object types stored as-is versus converted to a link-style post.
var (
	supportedObjectTypes = []string{"Note", "Question"}
	convertedObjectTypes = []string{"Image", "Audio", "Video", "Article", "Page", "Event"}
)

// statusParser reads the loosely-shaped fields of a create payload.
// The envelope is consulted for audience when the object carries none.
type statusParser struct {
	envelope *types.RawApObj
	object   *types.RawApObj
	account  *types.Account
}

func newStatusParser(envelope, object *types.RawApObj, account *types.Account) *statusParser {
	return &statusParser{envelope: envelope, object: object, account: account}
}

func (p *statusParser) objectType() string {
	return p.object.MustGetString("type")
}

func (p *statusParser) supportedType() bool {
	typ, _ := p.object.GetAny("type")
	return jsonld.EqualsOrIncludesAny(typ, supportedObjectTypes) ||
		jsonld.EqualsOrIncludesAny(typ, convertedObjectTypes)
}

func (p *statusParser) convertedType() bool {
	typ, _ := p.object.GetAny("type")
	return jsonld.EqualsOrIncludesAny(typ, convertedObjectTypes)
}

func (p *statusParser) uri() string {
	return p.object.MustGetString("id")
}

func (p *statusParser) url() string {
	if href := p.object.MustGetString("url.href"); href != "" {
		return href
	}
	return p.object.MustGetString("url")
}

func (p *statusParser) text() string {
	return p.object.MustGetString("content")
}

func (p *statusParser) spoilerText() string {
	return p.object.MustGetString("summary")
}

func (p *statusParser) title() string {
	return p.object.MustGetString("name")
}

func (p *statusParser) language() string {
	contentMap, ok := p.object.GetRaw("contentMap")
	if !ok {
		return ""
	}
	for lang := range contentMap.GetData() {
		return lang
	}
	return ""
}

func (p *statusParser) sensitive() bool {
	sensitive, _ := p.object.GetBool("sensitive")
	return sensitive
}

func (p *statusParser) createdAt() time.Time {
	published, err := time.Parse(time.RFC3339, p.object.MustGetString("published"))
	if err != nil {
		return time.Now()
	}
	return published
}

func (p *statusParser) editedAt() *time.Time {
	updated, err := time.Parse(time.RFC3339, p.object.MustGetString("updated"))
	if err != nil {
		return nil
	}
	if created := p.createdAt(); updated.Equal(created) {
		return nil
	}
	return &updated
}

// audienceTo falls back to the envelope's addressing when the object
// carries none of its own.
func (p *statusParser) audienceTo() []string {
	return audienceURIs(p.object, p.envelope, "to")
}

func (p *statusParser) audienceCc() []string {
	return audienceURIs(p.object, p.envelope, "cc")
}

func audienceURIs(object, envelope *types.RawApObj, field string) []string {
	items := object.GetList(field)
	if len(items) == 0 && envelope != nil {
		items = envelope.GetList(field)
	}
	uris := make([]string, 0, len(items))
	for _, item := range items {
		if uri := jsonld.ValueOrID(item); uri != "" {
			uris = append(uris, uri)
		}
	}
	return uris
}

// visibility derives the status visibility from addressing: public in
// `to` is public, public in `cc` is unlisted, the author's followers
// collection in `to` is private, anything else is direct.
func (p *statusParser) visibility() string {
	for _, to := range p.audienceTo() {
		if jsonld.IsPublicCollection(to) {
			return "public"
		}
	}
	for _, cc := range p.audienceCc() {
		if jsonld.IsPublicCollection(cc) {
			return "unlisted"
		}
	}
	for _, to := range p.audienceTo() {
		if p.account.FollowersURL != "" && to == p.account.FollowersURL {
			return "private"
		}
	}
	return "direct"
}

func (p *statusParser) favouritesCount() *int64 {
	return totalItems(p.object, "likes")
}

func (p *statusParser) reblogsCount() *int64 {
	return totalItems(p.object, "shares")
}

func totalItems(object *types.RawApObj, field string) *int64 {
	count, ok := object.GetNumber(field + ".totalItems")
	if !ok {
		return nil
	}
	n := int64(count)
	return &n
}

// quoteURI checks the current quote field and its legacy spellings.
func (p *statusParser) quoteURI() (uri string, legacy bool) {
	if value, ok := p.object.GetAny("quote"); ok {
		return jsonld.URIFromBearcap(jsonld.ValueOrID(value)), false
	}
	for _, field := range []string{"quoteUri", "quoteUrl", "_misskey_quote"} {
		if uri := p.object.MustGetString(field); uri != "" {
			return jsonld.URIFromBearcap(uri), true
		}
	}
	return "", false
}

func (p *statusParser) quoteApprovalURI() string {
	return p.object.MustGetString("quoteAuthorization")
}

func (p *statusParser) quotePolicy() string {
	return jsonld.ValueOrID(jsonld.FirstOfValue(mustGetAny(p.object, "interactionPolicy.canQuote.automaticApproval")))
}

func mustGetAny(object *types.RawApObj, key string) any {
	value, _ := object.GetAny(key)
	return value
}

// parsePoll reads a Question's options and tallies. Returns nil when
// the object is not a valid poll.
func (p *statusParser) parsePoll() *types.Poll {
	typ, _ := p.object.GetAny("type")
	if !jsonld.EqualsOrIncludes(typ, "Question") {
		return nil
	}

	multiple := false
	items := p.object.GetRawList("oneOf")
	if len(items) == 0 {
		items = p.object.GetRawList("anyOf")
		multiple = true
	}

	options := make(pq.StringArray, 0, len(items))
	tallies := make(pq.Int64Array, 0, len(items))
	for _, item := range items {
		name := item.MustGetString("name")
		if name == "" {
			continue
		}
		options = append(options, name)
		count, _ := item.GetNumber("replies.totalItems")
		tallies = append(tallies, int64(count))
	}
	if len(options) == 0 {
		return nil
	}

	poll := &types.Poll{
		AccountID:     p.account.ID,
		Options:       options,
		CachedTallies: tallies,
		Multiple:      multiple,
	}
	if count, ok := p.object.GetNumber("votersCount"); ok {
		n := int64(count)
		poll.VotersCount = &n
	}
	if expires, err := time.Parse(time.RFC3339, p.object.MustGetString("endTime")); err == nil {
		poll.ExpiresAt = &expires
	} else if closed, err := time.Parse(time.RFC3339, p.object.MustGetString("closed")); err == nil {
		poll.ExpiresAt = &closed
	}
	return poll
}

// inReplyToURI returns the reply target, if any.
func (p *statusParser) inReplyToURI() string {
	value, _ := p.object.GetAny("inReplyTo")
	return jsonld.ValueOrID(value)
}

// convertedText renders a converted object (article, image page, ...)
// as a title heading, optional summary and a link to the original.
func (p *statusParser) convertedText() string {
	parts := []string{}
	if title := p.title(); title != "" {
		parts = append(parts, "<h2>"+title+"</h2>")
	}
	if spoiler := p.spoilerText(); spoiler != "" {
		parts = append(parts, spoiler)
	}
	target := p.url()
	if target == "" {
		target = p.uri()
	}
	parts = append(parts, `<a href="`+target+`">`+target+`</a>`)
	return strings.Join(parts, "\n\n")
}
