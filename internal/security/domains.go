package security

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/auxproto/aux-go/internal/types"
)

// policyFile is the YAML shape of an external domain policy file.
type policyFile struct {
	AllowedDomains []string `yaml:"allowed_domains"`
	BlockedDomains []string `yaml:"blocked_domains"`
}

// domainRules is one immutable snapshot of the effective policy.
type domainRules struct {
	allowed []string
	blocked []string
}

// DomainPolicy decides whether navigation to a host is permitted.
// Rules come from configuration, optionally merged with an external YAML
// file that is hot-reloaded on change. Reads are lock-free via atomic swap.
type DomainPolicy struct {
	base     domainRules  // From configuration, immutable
	current  atomic.Value // *domainRules
	filePath string
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// NewDomainPolicy creates a policy from the configured lists. If filePath is
// non-empty the file's lists are merged in; with watch enabled, file changes
// swap the effective rules atomically.
func NewDomainPolicy(allowed, blocked []string, filePath string, watch bool) (*DomainPolicy, error) {
	p := &DomainPolicy{
		base: domainRules{
			allowed: normalizeDomains(allowed),
			blocked: normalizeDomains(blocked),
		},
		filePath: filePath,
		stopCh:   make(chan struct{}),
	}
	p.current.Store(&p.base)

	if filePath != "" {
		if err := p.reload(); err != nil {
			log.Warn().
				Err(err).
				Str("path", filePath).
				Msg("Failed to load domain policy file, using configured lists")
		} else {
			log.Info().Str("path", filePath).Msg("Loaded domain policy file")
		}

		if watch {
			if err := p.startWatcher(); err != nil {
				log.Warn().
					Err(err).
					Str("path", filePath).
					Msg("Failed to start policy file watcher, hot-reload disabled")
			} else {
				log.Info().Str("path", filePath).Msg("Hot-reload enabled for domain policy file")
			}
		}
	}

	return p, nil
}

// CheckURL verifies the URL's host against the effective policy.
// Blocked entries win over allowed entries. When an allow-list exists, any
// host not on it is rejected.
func (p *DomainPolicy) CheckURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
	}
	return p.CheckHost(u.Host)
}

// CheckHost verifies a bare host (port allowed, stripped before matching).
func (p *DomainPolicy) CheckHost(host string) error {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return fmt.Errorf("%w: empty host", types.ErrInvalidURL)
	}

	rules := p.current.Load().(*domainRules)

	for _, d := range rules.blocked {
		if matchDomain(host, d) {
			return fmt.Errorf("%w: %s", types.ErrDomainBlocked, host)
		}
	}
	if len(rules.allowed) > 0 {
		for _, d := range rules.allowed {
			if matchDomain(host, d) {
				return nil
			}
		}
		return fmt.Errorf("%w: %s is not on the allow list", types.ErrDomainBlocked, host)
	}
	return nil
}

// matchDomain matches a host against a policy entry. An entry of the form
// "*.example.com" matches any subdomain of example.com and example.com
// itself; otherwise the match is exact.
func matchDomain(host, entry string) bool {
	if suffix, ok := strings.CutPrefix(entry, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == entry
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

// Reload re-reads the policy file. On failure the previous rules stay in
// effect.
func (p *DomainPolicy) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.filePath == "" {
		return fmt.Errorf("no domain policy file configured")
	}
	return p.reloadLocked()
}

func (p *DomainPolicy) reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloadLocked()
}

func (p *DomainPolicy) reloadLocked() error {
	data, err := os.ReadFile(p.filePath)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	// Configured lists and file lists merge; duplicates are harmless.
	merged := &domainRules{
		allowed: append(append([]string{}, p.base.allowed...), normalizeDomains(pf.AllowedDomains)...),
		blocked: append(append([]string{}, p.base.blocked...), normalizeDomains(pf.BlockedDomains)...),
	}
	p.current.Store(merged)

	log.Info().
		Int("allowed", len(merged.allowed)).
		Int("blocked", len(merged.blocked)).
		Msg("Domain policy reloaded")
	return nil
}

func (p *DomainPolicy) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(p.filePath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}
	p.watcher = watcher

	p.wg.Add(1)
	go p.watchFile()
	return nil
}

func (p *DomainPolicy) watchFile() {
	defer p.wg.Done()

	// Coalesce rapid writes before reloading
	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Domain policy file changed")

			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := p.Reload(); err != nil {
						log.Warn().
							Err(err).
							Str("path", p.filePath).
							Msg("Domain policy hot-reload failed, keeping previous rules")
					}
					debouncing = false
				})
			}

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Domain policy watcher error")

		case <-p.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// Close stops the file watcher. Safe to call multiple times.
func (p *DomainPolicy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}
