package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/poolbridge/geminipool/internal/interfaces"
)

// ErrNoCredentials signals an empty or fully exhausted pool. It is a normal,
// reportable state rather than an internal failure.
var ErrNoCredentials = errors.New("no credentials available")

// defaultStaleness bounds how long the pool serves from its cached store
// snapshot before re-reading. Accounts added externally become visible within
// this window.
const defaultStaleness = 60 * time.Second

// Refresher exchanges a refresh token for a fresh access token at the OAuth
// provider. Failures carry the upstream status via interfaces.StatusError.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken string, expiresIn int64, err error)
}

// Pool owns the in-memory rotation ring over enabled credentials. All public
// operations serialize on an internal mutex: cursor movement, removal on
// disablement and usage accounting form one critical section so concurrent
// requests never select an about-to-be-retired credential twice.
type Pool struct {
	store     Store
	refresher Refresher

	now       func() time.Time
	staleness time.Duration

	mu       sync.Mutex
	raw      []*Credential
	entries  []*entry
	cursor   int
	loadedAt time.Time
	stats    map[string]*UsageStat
	group    singleflight.Group
}

// NewPool constructs a pool over the given store and refresher.
func NewPool(store Store, refresher Refresher) *Pool {
	return &Pool{
		store:     store,
		refresher: refresher,
		now:       time.Now,
		staleness: defaultStaleness,
		stats:     make(map[string]*UsageStat),
	}
}

// SetClock injects a time source. Intended for tests.
func (p *Pool) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// SetStaleness overrides the cache staleness window.
func (p *Pool) SetStaleness(d time.Duration) {
	if d > 0 {
		p.staleness = d
	}
}

// Load reads the credential collection from the store and rebuilds the
// rotation ring. Unless forced, a cache younger than the staleness window
// backing a non-empty ring is reused. Store failures leave the previous
// in-memory state untouched.
func (p *Pool) Load(ctx context.Context, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked(ctx, force)
}

func (p *Pool) loadLocked(ctx context.Context, force bool) error {
	now := p.now()
	if !force && len(p.entries) > 0 && now.Sub(p.loadedAt) < p.staleness {
		return nil
	}

	creds, err := p.store.Load(ctx)
	if err != nil {
		return err
	}

	assigned := false
	for _, c := range creds {
		if c.ProjectID == "" {
			c.ProjectID = uuid.NewString()
			assigned = true
		}
	}
	if assigned {
		if err = p.store.Save(ctx, creds); err != nil {
			log.Warnf("credential pool: persist generated project ids: %v", err)
		}
	}

	entries := make([]*entry, 0, len(creds))
	for _, c := range creds {
		if !c.IsEnabled() {
			continue
		}
		entries = append(entries, &entry{cred: c, sessionID: uuid.NewString()})
	}

	p.raw = creds
	p.entries = entries
	p.cursor = 0
	p.loadedAt = now
	log.Debugf("credential pool loaded: %d enabled of %d total", len(entries), len(creds))
	return nil
}

// GetToken returns the next usable credential in ring order, refreshing it
// first when its access token is expired or about to expire. Credentials the
// OAuth endpoint permanently rejects are retired on the spot; transient
// refresh failures skip the credential for this round. An exhausted ring
// yields ErrNoCredentials.
func (p *Pool) GetToken(ctx context.Context) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.loadLocked(ctx, false); err != nil {
		return nil, err
	}
	if len(p.entries) == 0 {
		return nil, ErrNoCredentials
	}

	var lastErr error
	for slots := len(p.entries); slots > 0; slots-- {
		if len(p.entries) == 0 {
			break
		}
		if p.cursor >= len(p.entries) {
			p.cursor = 0
		}
		ent := p.entries[p.cursor]

		if ent.cred.ExpiredAt(p.now()) {
			// The lock is released during the exchange; the ring may have
			// changed when refreshCred returns.
			if err := p.refreshCred(ctx, ent.cred); err != nil {
				lastErr = err
				if interfaces.IsPermanentAuth(err) {
					log.Warnf("credential %s rejected during refresh, retiring: %v", ent.cred.Label, err)
					p.disableLocked(ctx, ent.cred)
					if len(p.entries) == 0 {
						return nil, ErrNoCredentials
					}
					// Removal shifted the ring under the cursor; this slot
					// was not consumed.
					slots++
					continue
				}
				log.Warnf("credential %s refresh failed, skipping this round: %v", ent.cred.Label, err)
				if n := len(p.entries); n > 0 {
					p.cursor = (p.cursor + 1) % n
				}
				continue
			}
		}

		p.recordUseLocked(ent)
		if n := len(p.entries); n > 0 {
			p.cursor = (p.cursor + 1) % n
		}
		return ent.cred, nil
	}

	if lastErr != nil {
		log.Warnf("credential pool exhausted, last failure: %v", lastErr)
	}
	return nil, ErrNoCredentials
}

// HandleUpstreamAuthFailure reacts to a completion call rejected with a
// permanent auth status. When the failing access token still sits at the
// cursor it gets one refresh attempt; a second permanent rejection retires it
// and rotation picks a replacement. When another caller already rotated past
// the failing credential, rotation alone supplies the replacement.
func (p *Pool) HandleUpstreamAuthFailure(ctx context.Context, accessToken string) (*Credential, error) {
	p.mu.Lock()
	if len(p.entries) > 0 {
		if p.cursor >= len(p.entries) {
			p.cursor = 0
		}
		ent := p.entries[p.cursor]
		if accessToken != "" && ent.cred.AccessToken == accessToken {
			err := p.refreshCred(ctx, ent.cred)
			if err == nil {
				p.recordUseLocked(ent)
				if n := len(p.entries); n > 0 {
					p.cursor = (p.cursor + 1) % n
				}
				p.mu.Unlock()
				return ent.cred, nil
			}
			if interfaces.IsPermanentAuth(err) {
				log.Warnf("credential %s rejected twice, retiring: %v", ent.cred.Label, err)
				p.disableLocked(ctx, ent.cred)
			}
		}
	}
	p.mu.Unlock()
	return p.GetToken(ctx)
}

// Disable retires a credential permanently: the persisted record keeps
// enabled=false and the ring drops the entry.
func (p *Pool) Disable(ctx context.Context, cred *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableLocked(ctx, cred)
}

func (p *Pool) disableLocked(ctx context.Context, cred *Credential) {
	cred.Enabled = boolPtr(false)
	if err := p.store.Save(ctx, p.raw); err != nil {
		log.Errorf("credential pool: persist disabled credential: %v", err)
	}
	for i, ent := range p.entries {
		if ent.cred == cred {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	if p.cursor >= len(p.entries) {
		p.cursor = 0
	}
}

// refreshCred exchanges the refresh token and rewrites the access token
// fields in place, persisting the whole collection. The caller must hold
// p.mu; the lock is released for the network round-trip so a slow exchange
// never stalls rotation, and re-acquired before the result is applied.
// Concurrent refreshes of the same credential collapse into one upstream
// exchange, each caller applying the shared result.
func (p *Pool) refreshCred(ctx context.Context, cred *Credential) error {
	type exchanged struct {
		accessToken string
		expiresIn   int64
	}
	refreshToken := cred.RefreshToken
	p.mu.Unlock()
	v, err, _ := p.group.Do(refreshToken, func() (any, error) {
		token, ttl, errRefresh := p.refresher.Refresh(ctx, refreshToken)
		if errRefresh != nil {
			return nil, errRefresh
		}
		return exchanged{accessToken: token, expiresIn: ttl}, nil
	})
	p.mu.Lock()
	if err != nil {
		return err
	}
	res := v.(exchanged)
	cred.AccessToken = res.accessToken
	cred.ExpiresIn = res.expiresIn
	cred.IssuedAt = p.now().UnixMilli()
	if err = p.store.Save(ctx, p.raw); err != nil {
		// The in-memory token is valid either way; the next successful
		// persist writes it through.
		log.Warnf("credential pool: persist refreshed token: %v", err)
	}
	return nil
}

func (p *Pool) recordUseLocked(ent *entry) {
	stat := p.stats[ent.cred.RefreshToken]
	if stat == nil {
		stat = &UsageStat{}
		p.stats[ent.cred.RefreshToken] = stat
	}
	stat.RequestCount++
	stat.LastUsedAt = p.now()
	stat.SessionID = ent.sessionID
}

// Len reports the number of credentials currently in rotation.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats snapshots per-credential usage counters keyed by refresh token.
func (p *Pool) Stats() map[string]UsageStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]UsageStat, len(p.stats))
	for k, v := range p.stats {
		out[k] = *v
	}
	return out
}

// SessionID returns the ephemeral session identifier assigned to the
// credential on the last pool load, or "" when it is not in rotation.
func (p *Pool) SessionID(refreshToken string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ent := range p.entries {
		if ent.cred.RefreshToken == refreshToken {
			return ent.sessionID
		}
	}
	return ""
}
