package bot

import (
	"context"
	"errors"
	"sync"
)

type memStore struct {
	mu        sync.Mutex
	rows      map[string]Credential
	initErr   error
	loadErr   error
	upsertErr error
	upserts   int
}

func newMemStore(creds ...Credential) *memStore {
	s := &memStore{rows: make(map[string]Credential)}
	for _, c := range creds {
		s.rows[c.UserID] = c
	}
	return s
}

func (s *memStore) Initialize(context.Context) error { return s.initErr }

func (s *memStore) Upsert(_ context.Context, userID, access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.rows[userID] = Credential{UserID: userID, AccessToken: access, RefreshToken: refresh}
	return nil
}

func (s *memStore) LoadAll(context.Context) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]Credential, 0, len(s.rows))
	for _, c := range s.rows {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) get(userID string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[userID]
	return c, ok
}

var errInvalidToken = errors.New("invalid access token")

// fakeTransport resolves the user id from the token table and records subscribe calls.
type fakeTransport struct {
	mu       sync.Mutex
	owners   map[string]string // access token -> user id
	failSubs map[string]error  // broadcaster id -> error
	batches  [][]Descriptor
	cfg      TransportConfig
	started  bool
	loadArg  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{owners: make(map[string]string), failSubs: make(map[string]error)}
}

func (f *fakeTransport) own(access, userID string) *fakeTransport {
	f.owners[access] = userID
	return f
}

func (f *fakeTransport) AddToken(_ context.Context, access, refresh string) (ValidatedToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.owners[access]
	if !ok {
		return ValidatedToken{}, errInvalidToken
	}
	return ValidatedToken{UserID: id, Login: "login_" + id, AccessToken: access, RefreshToken: refresh}, nil
}

func (f *fakeTransport) SubscribeMany(_ context.Context, descs []Descriptor) SubscriptionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]Descriptor(nil), descs...))
	var res SubscriptionResult
	for _, d := range descs {
		if err, ok := f.failSubs[d.BroadcasterUserID]; ok {
			if res.Errors == nil {
				res.Errors = make(map[Descriptor]error)
			}
			res.Errors[d] = err
			continue
		}
		res.Succeeded = append(res.Succeeded, d)
	}
	return res
}

func (f *fakeTransport) Start(ctx context.Context, loadTokens bool) error {
	f.mu.Lock()
	f.started = true
	f.loadArg = loadTokens
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) subscribed() []Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Descriptor
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeTransport) factory() TransportFactory {
	return func(cfg TransportConfig) (Transport, error) {
		f.cfg = cfg
		return f, nil
	}
}
