package activity

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/concrnt/ccworld-ap-core/fetch"
	"github.com/concrnt/ccworld-ap-core/store"
	"github.com/concrnt/ccworld-ap-core/types"
)

// In-memory doubles for the pipeline's dependencies, mirroring the
// store's not-found and duplicate-key behavior. All doubles are safe
// for concurrent use so deliveries can race in tests.

type fakeStore struct {
	mu            sync.Mutex
	accountsByID  map[string]*types.Account
	accountsByURI map[string]*types.Account
	statusesByID  map[string]*types.Status
	statusesByURI map[string]*types.Status
	mentions      map[string]*types.Mention
	tombstones    map[string]bool
	conversations map[string]*types.Conversation
	tags          map[string]*types.Tag
	rejectedMedia map[string]bool
	follows       map[string]bool
	localFollowed map[string]bool
	polls         map[string]*types.Poll
	votes         map[string]*types.PollVote
	voterBumps    map[string]int
	attachments   map[string]*types.MediaAttachment
	emoji         map[string]*types.CustomEmoji
	quotes        map[string]*types.Quote
	seq           int

	tombstoneErr error
	followersErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accountsByID:  map[string]*types.Account{},
		accountsByURI: map[string]*types.Account{},
		statusesByID:  map[string]*types.Status{},
		statusesByURI: map[string]*types.Status{},
		mentions:      map[string]*types.Mention{},
		tombstones:    map[string]bool{},
		conversations: map[string]*types.Conversation{},
		tags:          map[string]*types.Tag{},
		rejectedMedia: map[string]bool{},
		follows:       map[string]bool{},
		localFollowed: map[string]bool{},
		polls:         map[string]*types.Poll{},
		votes:         map[string]*types.PollVote{},
		voterBumps:    map[string]int{},
		attachments:   map[string]*types.MediaAttachment{},
		emoji:         map[string]*types.CustomEmoji{},
		quotes:        map[string]*types.Quote{},
	}
}

func (f *fakeStore) nextID() string {
	f.seq++
	return fmt.Sprintf("id-%d", f.seq)
}

func (f *fakeStore) putAccount(account *types.Account) *types.Account {
	f.accountsByID[account.ID] = account
	f.accountsByURI[account.URI] = account
	return account
}

func (f *fakeStore) putStatus(status *types.Status) *types.Status {
	f.statusesByID[status.ID] = status
	f.statusesByURI[status.URI] = status
	return status
}

func (f *fakeStore) GetAccountByURI(ctx context.Context, uri string) (*types.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.accountsByURI[uri]; ok {
		return account, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) GetAccountByID(ctx context.Context, id string) (*types.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.accountsByID[id]; ok {
		return account, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) CreateAccount(ctx context.Context, account *types.Account) (*types.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.accountsByURI[account.URI]; ok {
		return existing, nil
	}
	if account.ID == "" {
		account.ID = f.nextID()
	}
	return f.putAccount(account), nil
}

func (f *fakeStore) CountLocalAccountsByURIs(ctx context.Context, uris []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, uri := range uris {
		if account, ok := f.accountsByURI[uri]; ok && account.IsLocal() {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) PrivateKey(ctx context.Context, account *types.Account) (*rsa.PrivateKey, error) {
	return nil, errors.New("no key material in tests")
}

func (f *fakeStore) GetStatusByURI(ctx context.Context, uri string) (*types.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statusesByURI[uri]; ok {
		return status, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) GetStatusByID(ctx context.Context, id string) (*types.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statusesByID[id]; ok {
		return status, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) CreateStatusBundle(ctx context.Context, bundle *store.StatusBundle, abort func(*types.Status) bool) (*types.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status := bundle.Status
	if status.ID == "" {
		status.ID = f.nextID()
	}
	if abort != nil && abort(status) {
		return nil, store.ErrRejectedAsSpam
	}

	if bundle.Poll != nil {
		if bundle.Poll.ID == "" {
			bundle.Poll.ID = f.nextID()
		}
		bundle.Poll.StatusID = status.ID
		f.polls[bundle.Poll.ID] = bundle.Poll
		status.PollID = &bundle.Poll.ID
	}
	f.putStatus(status)
	for _, mention := range bundle.Mentions {
		if mention.ID == "" {
			mention.ID = f.nextID()
		}
		mention.StatusID = status.ID
		f.mentions[mention.StatusID+"|"+mention.AccountID] = mention
	}
	if bundle.Quote != nil {
		if bundle.Quote.ID == "" {
			bundle.Quote.ID = f.nextID()
		}
		bundle.Quote.StatusID = status.ID
		f.quotes[bundle.Quote.ID] = bundle.Quote
	}
	return status, nil
}

func (f *fakeStore) UpdateStatusVisibility(ctx context.Context, statusID, visibility string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statusesByID[statusID]; ok {
		status.Visibility = visibility
	}
	return nil
}

func (f *fakeStore) GetMentionByTuple(ctx context.Context, statusID, accountID string) (*types.Mention, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mention, ok := f.mentions[statusID+"|"+accountID]; ok {
		return mention, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) CreateMention(ctx context.Context, mention *types.Mention) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mention.ID == "" {
		mention.ID = f.nextID()
	}
	key := mention.StatusID + "|" + mention.AccountID
	if _, ok := f.mentions[key]; ok {
		return nil
	}
	f.mentions[key] = mention
	return nil
}

func (f *fakeStore) TombstoneExists(ctx context.Context, uri string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tombstoneErr != nil {
		return false, f.tombstoneErr
	}
	return f.tombstones[uri], nil
}

func (f *fakeStore) FindOrCreateConversation(ctx context.Context, uri string) (*types.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conversation, ok := f.conversations[uri]; ok {
		return conversation, nil
	}
	conversation := &types.Conversation{ID: f.nextID(), URI: uri}
	f.conversations[uri] = conversation
	return conversation, nil
}

func (f *fakeStore) FindOrCreateTag(ctx context.Context, name string) (*types.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tag, ok := f.tags[name]; ok {
		return tag, nil
	}
	tag := &types.Tag{ID: f.nextID(), Name: name}
	f.tags[name] = tag
	return tag, nil
}

func (f *fakeStore) IsMediaRejected(ctx context.Context, domain string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejectedMedia[domain], nil
}

func (f *fakeStore) IsFollowing(ctx context.Context, accountID, targetAccountID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.follows[accountID+"|"+targetAccountID], nil
}

func (f *fakeStore) HasLocalFollowers(ctx context.Context, accountID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.followersErr != nil {
		return false, f.followersErr
	}
	return f.localFollowed[accountID], nil
}

func (f *fakeStore) GetPollByID(ctx context.Context, id string) (*types.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if poll, ok := f.polls[id]; ok {
		return poll, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) VoteExists(ctx context.Context, pollID, accountID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.votes[pollID+"|"+accountID]
	return ok, nil
}

func (f *fakeStore) CreateVote(ctx context.Context, vote *types.PollVote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := vote.PollID + "|" + vote.AccountID
	if _, ok := f.votes[key]; ok {
		return nil
	}
	if vote.ID == "" {
		vote.ID = f.nextID()
	}
	f.votes[key] = vote
	return nil
}

func (f *fakeStore) IncrementVotersCount(ctx context.Context, pollID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voterBumps[pollID]++
	return nil
}

func (f *fakeStore) CreateMediaAttachment(ctx context.Context, attachment *types.MediaAttachment) (*types.MediaAttachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if attachment.ID == "" {
		attachment.ID = f.nextID()
	}
	f.attachments[attachment.ID] = attachment
	return attachment, nil
}

func (f *fakeStore) UpdateMediaAttachment(ctx context.Context, attachment *types.MediaAttachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[attachment.ID] = attachment
	return nil
}

func (f *fakeStore) GetEmoji(ctx context.Context, shortcode, domain string) (*types.CustomEmoji, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if emoji, ok := f.emoji[shortcode+"|"+domain]; ok {
		return emoji, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeStore) SaveEmoji(ctx context.Context, emoji *types.CustomEmoji) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if emoji.ID == "" {
		emoji.ID = f.nextID()
	}
	f.emoji[emoji.Shortcode+"|"+emoji.Domain] = emoji
	return nil
}

func (f *fakeStore) UpdateQuote(ctx context.Context, quote *types.Quote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[quote.ID] = quote
	return nil
}

type fakeFetcher struct {
	mu        sync.Mutex
	actors    map[string]*types.RawApObj
	resources map[string]*types.RawApObj
	failures  map[string]error
	rawErr    error
	rawCalls  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		actors:    map[string]*types.RawApObj{},
		resources: map[string]*types.RawApObj{},
		failures:  map[string]error{},
	}
}

func (f *fakeFetcher) FetchActor(ctx context.Context, uri string, onBehalfOf *types.Account) (*types.RawApObj, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[uri]; ok {
		return nil, err
	}
	return f.actors[uri], nil
}

func (f *fakeFetcher) FetchResource(ctx context.Context, uri string, idIsKnown bool, onBehalfOf *types.Account, policy fetch.ErrorPolicy) (*types.RawApObj, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[uri]; ok {
		return nil, err
	}
	return f.resources[uri], nil
}

func (f *fakeFetcher) FetchRaw(ctx context.Context, uri string, onBehalfOf *types.Account, limit int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawCalls = append(f.rawCalls, uri)
	if f.rawErr != nil {
		return nil, f.rawErr
	}
	return []byte("bytes"), nil
}

// fakeLocker serializes callers per lock name the way the redis lock
// does, so concurrent delivery tests exercise real mutual exclusion.
type fakeLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	held  []string
}

func (l *fakeLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	lock, ok := l.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[name] = lock
	}
	l.held = append(l.held, name)
	l.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

type fakeMarks struct {
	mu      sync.Mutex
	deleted map[string]bool
}

func (m *fakeMarks) MarkDeleteUponArrival(ctx context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[uri] = true
	return nil
}

func (m *fakeMarks) DeleteArrivedFirst(ctx context.Context, uri string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[uri], nil
}

type queuedJob struct {
	kind    string
	payload any
	delay   time.Duration
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
}

func (q *fakeQueue) Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queuedJob{kind: kind, payload: payload, delay: delay})
	return types.Job{ID: "queued", Kind: kind}, nil
}

func (q *fakeQueue) kinds() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	kinds := make([]string, 0, len(q.jobs))
	for _, job := range q.jobs {
		kinds = append(kinds, job.kind)
	}
	return kinds
}

func (q *fakeQueue) find(kind string) (queuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.kind == kind {
			return job, true
		}
	}
	return queuedJob{}, false
}

type pipelineFixture struct {
	service *Service
	store   *fakeStore
	fetcher *fakeFetcher
	locker  *fakeLocker
	marks   *fakeMarks
	queue   *fakeQueue
}

func newPipelineFixture(config types.ApConfig) (*pipelineFixture, error) {
	if config.FQDN == "" {
		config.FQDN = "local.example"
	}
	fx := &pipelineFixture{
		store:   newFakeStore(),
		fetcher: newFakeFetcher(),
		locker:  &fakeLocker{},
		marks:   &fakeMarks{deleted: map[string]bool{}},
		queue:   &fakeQueue{},
	}

	service, err := NewService(fx.store, fx.fetcher, fx.locker, fx.marks, fx.queue, config)
	if err != nil {
		return nil, err
	}
	fx.service = service
	return fx, nil
}

func (fx *pipelineFixture) addLocalAccount(id, username string) *types.Account {
	return fx.store.putAccount(&types.Account{
		ID:           id,
		URI:          "https://local.example/ap/acct/" + username,
		Username:     username,
		FollowersURL: "https://local.example/ap/acct/" + username + "/followers",
		CreatedAt:    time.Now().AddDate(-1, 0, 0),
	})
}

func (fx *pipelineFixture) addRemoteAccount(id, username string) *types.Account {
	return fx.store.putAccount(&types.Account{
		ID:             id,
		URI:            "https://remote.example/users/" + username,
		Username:       username,
		Domain:         "remote.example",
		InboxURL:       "https://remote.example/users/" + username + "/inbox",
		SharedInboxURL: "https://remote.example/inbox",
		FollowersURL:   "https://remote.example/users/" + username + "/followers",
		FollowersCount: 10,
		CreatedAt:      time.Now().AddDate(-1, 0, 0),
	})
}

func createEnvelope(actor *types.Account, object map[string]any) *types.RawApObj {
	return types.NewRawApObj(map[string]any{
		"type":   "Create",
		"actor":  actor.URI,
		"object": object,
	})
}
